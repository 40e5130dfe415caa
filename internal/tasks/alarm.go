package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dantte-lp/gozino/internal/device"
	"github.com/dantte-lp/gozino/internal/event"
	"github.com/dantte-lp/gozino/internal/snmp"
)

// runAlarm polls the Juniper chassis alarm counters. Each color keeps one
// alarm event: a count leaving zero opens it, every change in the count is
// logged on it, and a count returning to zero updates it without closing,
// since closing is the operator's call.
func (m *Manager) runAlarm(ctx context.Context, name string) error {
	if m.gated(name) {
		return nil
	}
	st := m.registry.StateFor(name)
	if st == nil || st.Vendor != device.VendorJuniper {
		return nil
	}
	c, err := m.client(name)
	if err != nil {
		return err
	}

	vbs, err := c.Get(ctx, snmp.OIDJnxYellowAlarmCount, snmp.OIDJnxRedAlarmCount)
	if err != nil {
		return err
	}

	for _, vb := range vbs {
		if vb.IsError() {
			continue
		}
		switch vb.OID {
		case snmp.OIDJnxYellowAlarmCount:
			n := m.observeAlarmCount(name, "yellow", st.Alarms.Yellow, vb.Int())
			st.Lock()
			st.Alarms.Yellow = n
			st.Unlock()
		case snmp.OIDJnxRedAlarmCount:
			n := m.observeAlarmCount(name, "red", st.Alarms.Red, vb.Int())
			st.Lock()
			st.Alarms.Red = n
			st.Unlock()
		}
	}
	return nil
}

// observeAlarmCount applies one fresh counter reading and returns it for the
// cache. A count below zero means the color was never polled; that first
// reading only seeds the cache unless alarms are already active.
func (m *Manager) observeAlarmCount(name, color string, prev, count int) int {
	if prev == count || (prev < 0 && count == 0) {
		return count
	}

	now := time.Now()
	err := m.events.UpdateOrCreate(name, color, event.TypeAlarm, func(ev *event.Event, created bool) error {
		ev.AlarmType = color
		ev.AlarmCount = count
		if dev, ok := m.registry.Get(name); ok {
			ev.PollAddr = dev.Address
			ev.Priority = dev.Priority
		}

		from := prev
		if from < 0 {
			from = 0
		}
		ev.LastEvent = fmt.Sprintf("alarms went from %d to %d", from, count)
		ev.AddLog(ev.LastEvent, now)

		if created {
			m.applyMaintenance(ev, now)
		}
		return nil
	})
	if err != nil {
		m.logger.Error("alarm commit failed",
			slog.String("device", name),
			slog.String("color", color),
			slog.Any("error", err))
	}
	return count
}
