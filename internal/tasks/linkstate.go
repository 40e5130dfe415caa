package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/dantte-lp/gozino/internal/config"
	"github.com/dantte-lp/gozino/internal/device"
	"github.com/dantte-lp/gozino/internal/event"
	"github.com/dantte-lp/gozino/internal/flap"
	"github.com/dantte-lp/gozino/internal/snmp"
)

// downish reports whether a combined port status counts as downtime for
// flap accounting.
func downish(s device.PortStatus) bool {
	return s != device.PortUp
}

// runLinkState walks the interface table, diffs each watched interface
// against the cache and maintains portstate events. Transitions feed the
// flap tracker; a flapping port keeps one event whose counters move instead
// of spawning an event per transition.
func (m *Manager) runLinkState(ctx context.Context, name string) error {
	if m.gated(name) {
		return nil
	}
	c, err := m.client(name)
	if err != nil {
		return err
	}
	dev, ok := m.registry.Get(name)
	if !ok {
		return nil
	}
	st := m.registry.StateFor(name)
	if st == nil {
		return nil
	}

	fresh, err := m.walkInterfaces(ctx, c)
	if err != nil {
		return err
	}

	// Deterministic processing order.
	indexes := make([]int, 0, len(fresh))
	for ifindex := range fresh {
		indexes = append(indexes, ifindex)
	}
	sort.Ints(indexes)

	for _, ifindex := range indexes {
		port := fresh[ifindex]
		if !watched(dev, port) {
			st.Lock()
			delete(st.Ports, ifindex)
			st.Unlock()
			continue
		}
		m.observePort(name, dev, st, port)
		m.settleFlapping(name, ifindex)
	}

	// Interfaces gone from the table stop being tracked; their open
	// events stay until the operator closes them.
	st.Lock()
	for ifindex := range st.Ports {
		if _, still := fresh[ifindex]; !still {
			delete(st.Ports, ifindex)
		}
	}
	st.Unlock()
	return nil
}

// walkInterfaces reads the IF-MIB columns the monitor needs.
func (m *Manager) walkInterfaces(ctx context.Context, c snmp.Client) (map[int]*device.Port, error) {
	ports := map[int]*device.Port{}
	ensure := func(ifindex int) *device.Port {
		p, ok := ports[ifindex]
		if !ok {
			p = &device.Port{Index: ifindex}
			ports[ifindex] = p
		}
		return p
	}

	columns := []struct {
		root  string
		apply func(p *device.Port, vb snmp.VarBind)
	}{
		{snmp.OIDIfDescr, func(p *device.Port, vb snmp.VarBind) { p.Descr = vb.Str() }},
		{snmp.OIDIfAlias, func(p *device.Port, vb snmp.VarBind) { p.Alias = vb.Str() }},
		{snmp.OIDIfAdminStatus, func(p *device.Port, vb snmp.VarBind) { p.AdminStatus = device.AdminStatusFromInt(vb.Int()) }},
		{snmp.OIDIfOperStatus, func(p *device.Port, vb snmp.VarBind) { p.OperStatus = device.OperStatusFromInt(vb.Int()) }},
		{snmp.OIDIfLastChange, func(p *device.Port, vb snmp.VarBind) { p.LastChange = vb.Uint32() }},
	}
	for _, col := range columns {
		vbs, err := c.Walk(ctx, col.root)
		if err != nil {
			return nil, err
		}
		for _, vb := range vbs {
			ifindex, err := vb.IntSubIndex(col.root)
			if err != nil {
				continue
			}
			col.apply(ensure(ifindex), vb)
		}
	}
	return ports, nil
}

// watched applies the device's watch and ignore patterns to an interface
// description. With no watch pattern every interface is watched; the ignore
// pattern always wins.
func watched(dev config.PollDevice, p *device.Port) bool {
	if dev.WatchPat != nil && !dev.WatchPat.MatchString(p.Alias) {
		return false
	}
	if dev.IgnorePat != nil && dev.IgnorePat.MatchString(p.Alias) {
		return false
	}
	return true
}

// observePort diffs one interface against the cache and updates the
// portstate event on change.
func (m *Manager) observePort(name string, dev config.PollDevice, st *device.State, port *device.Port) {
	st.Lock()
	prev, known := st.Ports[port.Index]
	st.Ports[port.Index] = port
	st.Unlock()

	status := port.CombinedStatus()
	if known && prev.CombinedStatus() == status {
		return
	}

	if !known {
		// First sighting. A down interface only becomes an incident when
		// configured to treat new interfaces that way.
		if status == device.PortUp || !m.makeEventsForNewInterfaces {
			return
		}
	}

	var prevStatus device.PortStatus
	if known {
		prevStatus = prev.CombinedStatus()
	}
	m.portTransition(name, dev, port, prevStatus, status)
}

// portTransition records one state change: flap tracking plus event
// create/update.
func (m *Manager) portTransition(name string, dev config.PollDevice, port *device.Port, from, to device.PortStatus) {
	now := time.Now()
	flapState, flaps := m.flaps.Transition(name, port.Index, downish(to))

	subindex := strconv.Itoa(port.Index)
	err := m.events.UpdateOrCreate(name, subindex, event.TypePortState, func(ev *event.Event, created bool) error {
		wasFlapping := !created && ev.FlapState == event.FlapStateFlapping

		ev.IfIndex = port.Index
		ev.Port = port.Descr
		ev.Descr = port.Alias
		ev.PortState = to
		ev.PollAddr = dev.Address
		ev.Priority = dev.Priority
		ev.Flaps = flaps
		ev.ACDown = m.flaps.ACDown(name, port.Index)
		switch flapState {
		case flap.Flapping:
			ev.FlapState = event.FlapStateFlapping
		default:
			ev.FlapState = event.FlapStateStable
		}

		transition := fmt.Sprintf("changed state from %s to %s", from, to)
		if from == "" {
			transition = fmt.Sprintf("state %s on first sighting", to)
		}
		if wasFlapping || flapState == flap.Flapping {
			ev.AddLog(fmt.Sprintf("%s (flapping, %d flaps)", transition, flaps), now)
		} else {
			ev.LastEvent = transition
			ev.AddLog(transition, now)
		}

		if created {
			m.applyMaintenance(ev, now)
		}
		return nil
	})
	if err != nil {
		m.logger.Error("portstate commit failed",
			slog.String("device", name),
			slog.Int("ifindex", port.Index),
			slog.Any("error", err))
	}
}

// pollSingleInterface verifies one interface out of band, used by
// trap-directed confirmation polls and the POLLINTF command. ifindex 0
// re-walks the whole table instead.
func (m *Manager) pollSingleInterface(ctx context.Context, name string, ifindex int) error {
	if ifindex == 0 {
		return m.runLinkState(ctx, name)
	}
	c, err := m.client(name)
	if err != nil {
		return err
	}
	dev, ok := m.registry.Get(name)
	if !ok {
		return nil
	}
	st := m.registry.StateFor(name)
	if st == nil {
		return nil
	}

	suffix := "." + strconv.Itoa(ifindex)
	vbs, err := c.Get(ctx,
		snmp.OIDIfDescr+suffix,
		snmp.OIDIfAlias+suffix,
		snmp.OIDIfAdminStatus+suffix,
		snmp.OIDIfOperStatus+suffix,
		snmp.OIDIfLastChange+suffix,
	)
	if err != nil {
		return err
	}

	port := &device.Port{Index: ifindex}
	for _, vb := range vbs {
		if vb.IsError() {
			continue
		}
		switch {
		case vb.OID == snmp.OIDIfDescr+suffix:
			port.Descr = vb.Str()
		case vb.OID == snmp.OIDIfAlias+suffix:
			port.Alias = vb.Str()
		case vb.OID == snmp.OIDIfAdminStatus+suffix:
			port.AdminStatus = device.AdminStatusFromInt(vb.Int())
		case vb.OID == snmp.OIDIfOperStatus+suffix:
			port.OperStatus = device.OperStatusFromInt(vb.Int())
		case vb.OID == snmp.OIDIfLastChange+suffix:
			port.LastChange = vb.Uint32()
		}
	}
	if port.OperStatus == "" && port.AdminStatus == "" {
		// Interface does not exist.
		return nil
	}
	if !watched(dev, port) {
		return nil
	}
	m.observePort(name, dev, st, port)

	// A flapping port that has gone quiet is declared stable here, since
	// the confirmation poll is the first reading after the storm.
	m.settleFlapping(name, ifindex)
	return nil
}

// settleFlapping checks the flap tracker for stabilization and annotates
// the portstate event when the storm is over.
func (m *Manager) settleFlapping(name string, ifindex int) {
	if !m.flaps.CheckStable(name, ifindex) {
		return
	}
	id, ok := m.events.Lookup(name, strconv.Itoa(ifindex), event.TypePortState)
	if !ok {
		return
	}
	now := time.Now()
	err := m.events.Update(id, func(ev *event.Event) error {
		ev.FlapState = event.FlapStateStable
		ev.AddLog(fmt.Sprintf("flapping stopped; final state %s", ev.PortState), now)
		return nil
	})
	if err != nil {
		m.logger.Error("flap stabilization commit failed",
			slog.String("device", name),
			slog.Int("ifindex", ifindex),
			slog.Any("error", err))
	}
}
