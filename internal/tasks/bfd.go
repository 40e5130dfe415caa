package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/dantte-lp/gozino/internal/device"
	"github.com/dantte-lp/gozino/internal/event"
	"github.com/dantte-lp/gozino/internal/snmp"
)

// runBFD walks the device's BFD session table. Juniper keys sessions by
// interface name, Cisco by interface index; vendors without a known BFD MIB
// are skipped. Session state changes maintain bfd events keyed by that
// per-vendor session key.
func (m *Manager) runBFD(ctx context.Context, name string) error {
	if m.gated(name) {
		return nil
	}
	st := m.registry.StateFor(name)
	if st == nil {
		return nil
	}

	var (
		sessions map[string]*device.BFDSession
		err      error
	)
	c, cerr := m.client(name)
	if cerr != nil {
		return cerr
	}
	switch st.Vendor {
	case device.VendorJuniper:
		sessions, err = walkJuniperBFD(ctx, c)
	case device.VendorCisco:
		sessions, err = walkCiscoBFD(ctx, c)
	default:
		return nil
	}
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(sessions))
	for key := range sessions {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		m.observeBFDSession(ctx, name, st, sessions[key])
	}

	st.Lock()
	for key := range st.BFDSessions {
		if _, still := sessions[key]; !still {
			delete(st.BFDSessions, key)
		}
	}
	st.Unlock()
	return nil
}

// walkJuniperBFD reads the jnxBfdSess table. The session key is the
// interface name the session protects, resolved through the ifindex column
// and the jnxBfdIntf table.
func walkJuniperBFD(ctx context.Context, c snmp.Client) (map[string]*device.BFDSession, error) {
	rows := map[string]*device.BFDSession{}
	ensure := func(index string) *device.BFDSession {
		s, ok := rows[index]
		if !ok {
			s = &device.BFDSession{Key: index}
			rows[index] = s
		}
		return s
	}

	vbs, err := c.Walk(ctx, snmp.OIDJnxBFDSessState)
	if err != nil {
		return nil, err
	}
	for _, vb := range vbs {
		ensure(vb.SubIndex(snmp.OIDJnxBFDSessState)).State = device.BFDSessStateFromInt(vb.Int())
	}
	if vbs, err := c.Walk(ctx, snmp.OIDJnxBFDSessDiscr); err == nil {
		for _, vb := range vbs {
			ensure(vb.SubIndex(snmp.OIDJnxBFDSessDiscr)).Discr = vb.Uint32()
		}
	}
	if vbs, err := c.Walk(ctx, snmp.OIDJnxBFDSessAddr); err == nil {
		for _, vb := range vbs {
			if addr := addrFromBytes(vb); addr.IsValid() {
				ensure(vb.SubIndex(snmp.OIDJnxBFDSessAddr)).Addr = addr
			}
		}
	}

	// Rekey rows from the raw table index to the protected interface name.
	names := map[int]string{}
	if vbs, err := c.Walk(ctx, snmp.OIDJnxBFDSessIntfName); err == nil {
		for _, vb := range vbs {
			if ifindex, err := vb.IntSubIndex(snmp.OIDJnxBFDSessIntfName); err == nil {
				names[ifindex] = vb.Str()
			}
		}
	}
	ifindexes := map[string]int{}
	if vbs, err := c.Walk(ctx, snmp.OIDJnxBFDSessIfIndex); err == nil {
		for _, vb := range vbs {
			ifindexes[vb.SubIndex(snmp.OIDJnxBFDSessIfIndex)] = vb.Int()
		}
	}

	out := map[string]*device.BFDSession{}
	for index, sess := range rows {
		key := index
		if ifindex, ok := ifindexes[index]; ok {
			if name, ok := names[ifindex]; ok && name != "" {
				key = name
			}
		}
		sess.Key = key
		out[key] = sess
	}
	return out, nil
}

// walkCiscoBFD reads the ciscoBfdSess table, keyed by interface index.
func walkCiscoBFD(ctx context.Context, c snmp.Client) (map[string]*device.BFDSession, error) {
	rows := map[string]*device.BFDSession{}
	ensure := func(index string) *device.BFDSession {
		s, ok := rows[index]
		if !ok {
			s = &device.BFDSession{Key: index}
			rows[index] = s
		}
		return s
	}

	vbs, err := c.Walk(ctx, snmp.OIDCiscoBFDSessState)
	if err != nil {
		return nil, err
	}
	for _, vb := range vbs {
		ensure(vb.SubIndex(snmp.OIDCiscoBFDSessState)).State = device.BFDSessStateFromInt(vb.Int())
	}
	if vbs, err := c.Walk(ctx, snmp.OIDCiscoBFDSessDiscr); err == nil {
		for _, vb := range vbs {
			ensure(vb.SubIndex(snmp.OIDCiscoBFDSessDiscr)).Discr = vb.Uint32()
		}
	}
	if vbs, err := c.Walk(ctx, snmp.OIDCiscoBFDSessAddr); err == nil {
		for _, vb := range vbs {
			if addr := addrFromBytes(vb); addr.IsValid() {
				ensure(vb.SubIndex(snmp.OIDCiscoBFDSessAddr)).Addr = addr
			}
		}
	}
	return rows, nil
}

// observeBFDSession diffs one session against the cache and maintains its
// event. The first sighting of a session only seeds the cache.
func (m *Manager) observeBFDSession(ctx context.Context, name string, st *device.State, sess *device.BFDSession) {
	st.Lock()
	prev, known := st.BFDSessions[sess.Key]
	st.BFDSessions[sess.Key] = sess
	st.Unlock()

	if !known || prev.State == sess.State {
		return
	}

	now := time.Now()
	err := m.events.UpdateOrCreate(name, sess.Key, event.TypeBFD, func(ev *event.Event, created bool) error {
		ev.BFDState = sess.State
		ev.BFDDiscr = sess.Discr
		ev.BFDAddr = sess.Addr
		if dev, ok := m.registry.Get(name); ok {
			ev.PollAddr = dev.Address
			ev.Priority = dev.Priority
		}
		if created && sess.Addr.IsValid() {
			// Resolve the neighbor once, while the event is fresh.
			ev.NeighRDNS = m.reverseDNS(ctx, sess.Addr)
		}

		ev.LastEvent = fmt.Sprintf("changed state from %s to %s", prev.State, sess.State)
		ev.AddLog(ev.LastEvent, now)

		if created {
			m.applyMaintenance(ev, now)
		}
		return nil
	})
	if err != nil {
		m.logger.Error("bfd commit failed",
			slog.String("device", name),
			slog.String("session", sess.Key),
			slog.Any("error", err))
	}
}

// PollBFDSession verifies the session carrying a given discriminator after a
// BFD trap, enqueued out of band like interface confirmation polls.
func (m *Manager) PollBFDSession(name string, discr uint32) error {
	dev, ok := m.registry.Get(name)
	if !ok {
		return fmt.Errorf("unknown router %q", name)
	}
	m.sched.Enqueue(name, "pollbfd", dev.Timeout*time.Duration(dev.Retries+1), func(ctx context.Context) error {
		return m.confirmBFDSession(ctx, name, discr)
	})
	return nil
}

func (m *Manager) confirmBFDSession(ctx context.Context, name string, discr uint32) error {
	st := m.registry.StateFor(name)
	if st == nil {
		return nil
	}
	// A full table walk keeps the cache coherent; single-row reads would
	// need the vendor table index, which the trap does not carry.
	if err := m.runBFD(ctx, name); err != nil {
		return err
	}
	if discr != 0 {
		for _, sess := range st.BFDSessions {
			if sess.Discr == discr {
				return nil
			}
		}
		m.logger.Debug("bfd discriminator not found after confirmation poll",
			slog.String("device", name),
			slog.String("discr", strconv.FormatUint(uint64(discr), 10)))
	}
	return nil
}
