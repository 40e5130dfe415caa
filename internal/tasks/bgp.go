package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dantte-lp/gozino/internal/device"
	"github.com/dantte-lp/gozino/internal/event"
	"github.com/dantte-lp/gozino/internal/snmp"
)

// BGP MIB styles, probed once per device.
const (
	bgpStyleJuniper = "juniper"
	bgpStyleCisco   = "cisco"
	bgpStyleGeneral = "general"
	bgpStyleNone    = "none"
)

// bgpPeer is one row assembled from a peer table walk.
type bgpPeer struct {
	addr   netip.Addr
	key    string
	oper   device.BGPOperState
	admin  device.BGPAdminState
	as     uint32
	uptime uint32
}

// runBGP walks the device's BGP peer table in whichever MIB style the
// device speaks and raises bgp events for peers that leave established.
func (m *Manager) runBGP(ctx context.Context, name string) error {
	if m.gated(name) {
		return nil
	}
	c, err := m.client(name)
	if err != nil {
		return err
	}
	st := m.registry.StateFor(name)
	if st == nil {
		return nil
	}

	if st.BGPStyle == "" {
		style := m.probeBGPStyle(ctx, c)
		st.Lock()
		st.BGPStyle = style
		st.Unlock()
		if style != bgpStyleNone {
			m.logger.Debug("bgp mib style detected",
				slog.String("device", name),
				slog.String("style", style))
		}
	}
	if st.BGPStyle == bgpStyleNone {
		return nil
	}

	peers, err := m.walkBGPPeers(ctx, c, st.BGPStyle)
	if err != nil {
		return err
	}

	sort.Slice(peers, func(i, j int) bool { return peers[i].key < peers[j].key })
	for _, peer := range peers {
		m.observeBGPPeer(name, st, peer)
	}

	st.Lock()
	for key := range st.BGPPeers {
		found := false
		for _, peer := range peers {
			if peer.key == key {
				found = true
				break
			}
		}
		if !found {
			delete(st.BGPPeers, key)
		}
	}
	st.Unlock()
	return nil
}

// probeBGPStyle tries the vendor tables in order of specificity.
func (m *Manager) probeBGPStyle(ctx context.Context, c snmp.Client) string {
	if vbs, err := c.Walk(ctx, snmp.OIDJnxBgpM2PeerState); err == nil && len(vbs) > 0 {
		return bgpStyleJuniper
	}
	if vbs, err := c.Walk(ctx, snmp.OIDCbgpPeer2State); err == nil && len(vbs) > 0 {
		return bgpStyleCisco
	}
	if vbs, err := c.Walk(ctx, snmp.OIDBGPPeerState); err == nil && len(vbs) > 0 {
		return bgpStyleGeneral
	}
	return bgpStyleNone
}

func (m *Manager) walkBGPPeers(ctx context.Context, c snmp.Client, style string) ([]bgpPeer, error) {
	switch style {
	case bgpStyleJuniper:
		return walkPeerTable(ctx, c, peerColumns{
			state:  snmp.OIDJnxBgpM2PeerState,
			admin:  snmp.OIDJnxBgpM2PeerStatus,
			as:     snmp.OIDJnxBgpM2PeerRemoteAS,
			uptime: snmp.OIDJnxBgpM2PeerFsmEstablished,
			addr:   snmp.OIDJnxBgpM2PeerRemoteAddr,
			adminFromInt: func(v int) device.BGPAdminState {
				if v == 2 {
					return device.BGPAdminRunning
				}
				return device.BGPAdminHalted
			},
		})
	case bgpStyleCisco:
		return walkPeerTable(ctx, c, peerColumns{
			state:        snmp.OIDCbgpPeer2State,
			admin:        snmp.OIDCbgpPeer2AdminStatus,
			as:           snmp.OIDCbgpPeer2RemoteAS,
			uptime:       snmp.OIDCbgpPeer2FsmEstablished,
			addrFromIdx:  ciscoPeerAddr,
			adminFromInt: rfcAdminFromInt,
		})
	default:
		return walkPeerTable(ctx, c, peerColumns{
			state:        snmp.OIDBGPPeerState,
			admin:        snmp.OIDBGPPeerAdminStatus,
			as:           snmp.OIDBGPPeerRemoteAS,
			uptime:       snmp.OIDBGPPeerFsmEstablished,
			addrFromIdx:  generalPeerAddr,
			adminFromInt: rfcAdminFromInt,
		})
	}
}

func rfcAdminFromInt(v int) device.BGPAdminState {
	if v == 2 {
		return device.BGPAdminStart
	}
	return device.BGPAdminStop
}

// peerColumns describes one MIB style's peer table layout. Either addr (a
// column holding the remote address) or addrFromIdx (derive the address
// from the row index) must be set.
type peerColumns struct {
	state  string
	admin  string
	as     string
	uptime string

	addr         string
	addrFromIdx  func(index string) netip.Addr
	adminFromInt func(v int) device.BGPAdminState
}

func walkPeerTable(ctx context.Context, c snmp.Client, cols peerColumns) ([]bgpPeer, error) {
	rows := map[string]*bgpPeer{}
	ensure := func(index string) *bgpPeer {
		p, ok := rows[index]
		if !ok {
			p = &bgpPeer{key: index}
			if cols.addrFromIdx != nil {
				p.addr = cols.addrFromIdx(index)
			}
			rows[index] = p
		}
		return p
	}

	stateVBs, err := c.Walk(ctx, cols.state)
	if err != nil {
		return nil, err
	}
	for _, vb := range stateVBs {
		ensure(vb.SubIndex(cols.state)).oper = device.BGPOperStateFromInt(vb.Int())
	}
	if vbs, err := c.Walk(ctx, cols.admin); err == nil {
		for _, vb := range vbs {
			p := ensure(vb.SubIndex(cols.admin))
			p.admin = cols.adminFromInt(vb.Int())
		}
	}
	if vbs, err := c.Walk(ctx, cols.as); err == nil {
		for _, vb := range vbs {
			ensure(vb.SubIndex(cols.as)).as = vb.Uint32()
		}
	}
	if vbs, err := c.Walk(ctx, cols.uptime); err == nil {
		for _, vb := range vbs {
			ensure(vb.SubIndex(cols.uptime)).uptime = vb.Uint32()
		}
	}
	if cols.addr != "" {
		if vbs, err := c.Walk(ctx, cols.addr); err == nil {
			for _, vb := range vbs {
				if addr := addrFromBytes(vb); addr.IsValid() {
					ensure(vb.SubIndex(cols.addr)).addr = addr
				}
			}
		}
	}

	out := make([]bgpPeer, 0, len(rows))
	for _, p := range rows {
		if p.addr.IsValid() {
			p.key = p.addr.String()
		}
		out = append(out, *p)
	}
	return out, nil
}

// generalPeerAddr parses a BGP4-MIB row index, which is the peer's IPv4
// address in dotted form.
func generalPeerAddr(index string) netip.Addr {
	addr, err := netip.ParseAddr(index)
	if err != nil {
		return netip.Addr{}
	}
	return addr
}

// ciscoPeerAddr parses a cbgpPeer2 row index: afi.length.octet... with the
// address octets trailing.
func ciscoPeerAddr(index string) netip.Addr {
	parts := strings.Split(index, ".")
	if len(parts) < 3 {
		return netip.Addr{}
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil || len(parts) != 2+n {
		return netip.Addr{}
	}
	octets := make([]byte, n)
	for i := 0; i < n; i++ {
		v, err := strconv.Atoi(parts[2+i])
		if err != nil || v < 0 || v > 255 {
			return netip.Addr{}
		}
		octets[i] = byte(v)
	}
	addr, ok := netip.AddrFromSlice(octets)
	if !ok {
		return netip.Addr{}
	}
	return addr
}

// addrFromBytes converts an octet-string address varbind.
func addrFromBytes(vb snmp.VarBind) netip.Addr {
	b, ok := vb.Value.([]byte)
	if !ok {
		if addr, err := netip.ParseAddr(vb.Str()); err == nil {
			return addr
		}
		return netip.Addr{}
	}
	addr, ok := netip.AddrFromSlice(b)
	if !ok {
		return netip.Addr{}
	}
	return addr
}

// observeBGPPeer diffs one peer against the cache and maintains its event.
func (m *Manager) observeBGPPeer(name string, st *device.State, peer bgpPeer) {
	st.Lock()
	prev, known := st.BGPPeers[peer.key]
	st.BGPPeers[peer.key] = &device.BGPPeer{
		Address:    peer.addr,
		RemoteAS:   peer.as,
		OperState:  peer.oper,
		AdminState: peer.admin,
		Uptime:     peer.uptime,
	}
	st.Unlock()

	adminDown := peer.admin == device.BGPAdminStop || peer.admin == device.BGPAdminHalted
	operDown := peer.oper != device.BGPEstablished

	if !known {
		// A peer discovered in a down state is an incident; a healthy
		// one just seeds the cache.
		if !operDown && !adminDown {
			return
		}
	} else if prev.OperState == peer.oper && prev.AdminState == peer.admin {
		// Unchanged session; note an FSM reset when uptime regressed.
		if peer.oper == device.BGPEstablished && peer.uptime < prev.Uptime {
			m.noteBGPReset(name, peer, prev.Uptime)
		}
		return
	}

	now := time.Now()
	err := m.events.UpdateOrCreate(name, peer.key, event.TypeBGP, func(ev *event.Event, created bool) error {
		ev.RemoteAddr = peer.addr
		ev.RemoteAS = peer.as
		ev.BGPOS = peer.oper
		ev.BGPAS = strconv.FormatUint(uint64(peer.as), 10)
		ev.PeerUptime = peer.uptime
		if dev, ok := m.registry.Get(name); ok {
			ev.PollAddr = dev.Address
			ev.Priority = dev.Priority
		}

		switch {
		case adminDown:
			ev.LastEvent = fmt.Sprintf("peer is admin turned off (%s)", peer.admin)
		case operDown:
			ev.LastEvent = fmt.Sprintf("peer is down (%s)", peer.oper)
		default:
			// Re-established sessions update the open event; closing is the
			// operator's decision.
			ev.LastEvent = fmt.Sprintf("peer is up (%s)", peer.oper)
		}
		ev.AddLog(ev.LastEvent, now)

		if created {
			m.applyMaintenance(ev, now)
		}
		return nil
	})
	if err != nil {
		m.logger.Error("bgp commit failed",
			slog.String("device", name),
			slog.String("peer", peer.key),
			slog.Any("error", err))
	}
}

// noteBGPReset annotates an open bgp event when the peer's established time
// regressed, which means the session bounced between polls.
func (m *Manager) noteBGPReset(name string, peer bgpPeer, prevUptime uint32) {
	id, ok := m.events.Lookup(name, peer.key, event.TypeBGP)
	if !ok {
		return
	}
	now := time.Now()
	_ = m.events.Update(id, func(ev *event.Event) error {
		ev.PeerUptime = peer.uptime
		ev.AddLog(fmt.Sprintf("peer session reset, was up %s", snmp.TicksToDuration(prevUptime).Truncate(time.Second)), now)
		return nil
	})
}
