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

// runReachable polls sysUpTime. Success clears the failure counter,
// refreshes boot time tracking and marks an existing reachability event as
// reachable again; hitting the failure threshold opens a reachability
// event. This task gates the rest of the cycle: while the device is marked
// unreachable the other tasks skip their runs.
func (m *Manager) runReachable(ctx context.Context, name string) error {
	c, err := m.client(name)
	if err != nil {
		return err
	}
	st := m.registry.StateFor(name)
	if st == nil {
		return nil
	}

	vbs, err := c.Get(ctx, snmp.OIDSysUpTime, snmp.OIDSysObjectID)
	if err != nil || len(vbs) == 0 || vbs[0].IsError() {
		return m.reachabilityFailure(name, st, err)
	}

	now := time.Now()
	st.Lock()
	st.FailureCount = 0
	st.LastSeen = now
	wasUnreachable := st.Unreachable
	st.Unreachable = false
	if st.Vendor == device.VendorUnknown && len(vbs) > 1 && !vbs[1].IsError() {
		st.Vendor = device.VendorFromEnterprise(snmp.EnterpriseFromSysObjectID(vbs[1].Str()))
	}
	st.Unlock()

	m.trackBootTime(name, st, snmp.TicksToDuration(vbs[0].Uint32()), now)

	if wasUnreachable {
		m.logger.Info("device is reachable again", slog.String("device", name))
		if id, ok := m.events.Lookup(name, "", event.TypeReachability); ok {
			err := m.events.Update(id, func(ev *event.Event) error {
				ev.Reachability = event.Reachable
				ev.LastEvent = "device is reachable"
				return nil
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) reachabilityFailure(name string, st *device.State, cause error) error {
	st.Lock()
	st.FailureCount++
	failures := st.FailureCount
	already := st.Unreachable
	if failures >= reachabilityThreshold {
		st.Unreachable = true
	}
	st.Unlock()

	if failures < reachabilityThreshold {
		m.logger.Debug("reachability poll failed",
			slog.String("device", name),
			slog.Int("failures", failures),
			slog.Any("error", cause))
		return nil
	}
	if already {
		return nil
	}
	m.logger.Warn("device is not responding", slog.String("device", name))

	now := time.Now()
	return m.events.UpdateOrCreate(name, "", event.TypeReachability, func(ev *event.Event, created bool) error {
		ev.Reachability = event.NoResponse
		ev.LastEvent = "device no longer responds to SNMP"
		if dev, ok := m.registry.Get(name); ok {
			ev.PollAddr = dev.Address
			ev.Priority = dev.Priority
		}
		if created {
			m.applyMaintenance(ev, now)
		}
		return nil
	})
}

// trackBootTime derives the boot moment from sysUpTime and logs a restart
// when a fresh reading implies a newer boot. A small slack absorbs clock
// and polling jitter.
func (m *Manager) trackBootTime(name string, st *device.State, uptime time.Duration, now time.Time) {
	const slack = 30 * time.Second

	boot := now.Add(-uptime)
	st.Lock()
	if st.BootTime.IsZero() {
		st.BootTime = boot
		st.Unlock()
		return
	}
	restarted := boot.Sub(st.BootTime) > slack
	if restarted {
		st.BootTime = boot
	}
	st.Unlock()

	if !restarted {
		return
	}
	m.logger.Info("device restarted",
		slog.String("device", name),
		slog.Duration("uptime", uptime))
	if id, ok := m.events.Lookup(name, "", event.TypeReachability); ok {
		_ = m.events.Update(id, func(ev *event.Event) error {
			ev.AddLog(fmt.Sprintf("device restarted, uptime now %s", uptime.Truncate(time.Second)), now)
			return nil
		})
	}
}
