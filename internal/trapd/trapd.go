// Package trapd receives SNMP traps and turns them into immediate action:
// link, BGP and BFD traps trigger out-of-schedule confirmation polls through
// the task manager, restart traps annotate the device's events. Traps are
// hints, never authoritative; the confirmation poll makes the state change.
package trapd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"sync/atomic"

	"github.com/gosnmp/gosnmp"

	"github.com/dantte-lp/gozino/internal/config"
	"github.com/dantte-lp/gozino/internal/device"
	"github.com/dantte-lp/gozino/internal/event"
	"github.com/dantte-lp/gozino/internal/snmp"
)

// Trap is one received notification after parsing and source resolution.
type Trap struct {
	// Source is the sending address; for SNMPv1 the agent address in the
	// PDU wins over the UDP source.
	Source netip.Addr
	// Device is the registry name the source resolved to.
	Device string
	// OID identifies the notification, normalized with a leading dot. For
	// v1 traps it is synthesized per the RFC 3584 mapping.
	OID       string
	Community string
	Uptime    uint32
	// Varbinds is the payload, standard header varbinds stripped.
	Varbinds []snmp.VarBind
}

// Poller is the slice of the task manager the receiver drives.
type Poller interface {
	PollInterface(name string, ifindex int) error
	PollBGP(name string) error
	PollBFDSession(name string, discr uint32) error
}

// Stats counts received traps for the metrics collector.
type Stats struct {
	Received      atomic.Uint64
	UnknownSource atomic.Uint64
	BadCommunity  atomic.Uint64
	Unhandled     atomic.Uint64
}

// Receiver listens for traps and dispatches them by notification OID.
type Receiver struct {
	cfg      config.TrapConfig
	logger   *slog.Logger
	registry *device.Registry
	events   *event.Store
	poller   Poller

	stats Stats
}

// New returns a trap receiver wired to the registry and task manager.
func New(cfg config.TrapConfig, registry *device.Registry, events *event.Store, poller Poller, logger *slog.Logger) *Receiver {
	return &Receiver{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		events:   events,
		poller:   poller,
	}
}

// Stats exposes the receive counters.
func (r *Receiver) Stats() *Stats {
	return &r.stats
}

// Run binds the UDP trap port and serves until the context is canceled. The
// bind error is returned immediately so startup can fail loudly on a taken
// port.
func (r *Receiver) Run(ctx context.Context) error {
	tl := gosnmp.NewTrapListener()
	tl.Params = gosnmp.Default
	tl.OnNewTrap = r.handle

	addr := fmt.Sprintf("0.0.0.0:%d", r.cfg.Port)
	errCh := make(chan error, 1)
	go func() {
		errCh <- tl.Listen(addr)
	}()

	select {
	case <-tl.Listening():
	case err := <-errCh:
		return fmt.Errorf("trap listen %s: %w", addr, err)
	case <-ctx.Done():
		tl.Close()
		<-errCh
		return ctx.Err()
	}
	r.logger.Info("trap receiver listening", slog.String("addr", addr))

	<-ctx.Done()
	tl.Close()
	<-errCh
	return ctx.Err()
}

// handle runs on the gosnmp listener goroutine; it resolves, filters and
// dispatches one packet.
func (r *Receiver) handle(pkt *gosnmp.SnmpPacket, src *net.UDPAddr) {
	r.stats.Received.Add(1)

	trap, err := parse(pkt, src)
	if err != nil {
		r.logger.Debug("malformed trap", slog.Any("src", src), slog.Any("error", err))
		return
	}

	if len(r.cfg.RequireCommunity) > 0 && !communityAllowed(r.cfg.RequireCommunity, trap.Community) {
		r.stats.BadCommunity.Add(1)
		r.logger.Debug("trap with unaccepted community",
			slog.String("src", trap.Source.String()),
			slog.String("community", trap.Community))
		return
	}

	name, ok := r.registry.ResolveAddress(trap.Source)
	if !ok {
		r.stats.UnknownSource.Add(1)
		r.logger.Debug("trap from unknown device", slog.String("src", trap.Source.String()))
		return
	}
	trap.Device = name

	r.dispatch(trap)
}

func communityAllowed(accepted []string, community string) bool {
	for _, c := range accepted {
		if c == community {
			return true
		}
	}
	return false
}

// dispatch routes one resolved trap by its notification OID.
func (r *Receiver) dispatch(trap Trap) {
	switch trap.OID {
	case snmp.TrapLinkDown, snmp.TrapLinkUp:
		r.handleLinkTrap(trap)
	case snmp.TrapBGPEstablished, snmp.TrapBGPBackwardTransition:
		r.logger.Info("bgp transition trap",
			slog.String("device", trap.Device),
			slog.String("oid", trap.OID))
		if err := r.poller.PollBGP(trap.Device); err != nil {
			r.logger.Debug("bgp confirmation poll not scheduled",
				slog.String("device", trap.Device),
				slog.Any("error", err))
		}
	case snmp.TrapBFDSessUp, snmp.TrapBFDSessDown:
		r.handleBFDTrap(trap)
	case snmp.TrapColdStart, snmp.TrapWarmStart:
		r.handleRestartTrap(trap)
	case snmp.TrapCiscoReload:
		r.logger.Warn("device announced reload", slog.String("device", trap.Device))
		r.annotateReachability(trap.Device, "device sent reload trap")
	case snmp.TrapCiscoConfigManEvent:
		r.logger.Info("configuration change on device", slog.String("device", trap.Device))
	case snmp.TrapOspfIfConfigError:
		r.logger.Warn("ospf interface config error trap", slog.String("device", trap.Device))
	default:
		r.stats.Unhandled.Add(1)
		r.logger.Debug("unhandled trap",
			slog.String("device", trap.Device),
			slog.String("oid", trap.OID))
	}
}

// handleLinkTrap schedules a confirmation poll of the interface the trap
// names. The trap payload is not trusted for state; the poll is.
func (r *Receiver) handleLinkTrap(trap Trap) {
	ifindex := 0
	for _, vb := range trap.Varbinds {
		if strings.HasPrefix(vb.OID, snmp.OIDIfIndex+".") {
			ifindex = vb.Int()
			break
		}
	}
	r.logger.Info("link trap",
		slog.String("device", trap.Device),
		slog.String("oid", trap.OID),
		slog.Int("ifindex", ifindex))

	if err := r.poller.PollInterface(trap.Device, ifindex); err != nil {
		r.logger.Debug("interface confirmation poll not scheduled",
			slog.String("device", trap.Device),
			slog.Any("error", err))
	}
}

func (r *Receiver) handleBFDTrap(trap Trap) {
	var discr uint32
	for _, vb := range trap.Varbinds {
		if strings.HasPrefix(vb.OID, snmp.OIDBFDSessDiscr+".") {
			discr = vb.Uint32()
			break
		}
	}
	r.logger.Info("bfd session trap",
		slog.String("device", trap.Device),
		slog.String("oid", trap.OID))

	if err := r.poller.PollBFDSession(trap.Device, discr); err != nil {
		r.logger.Debug("bfd confirmation poll not scheduled",
			slog.String("device", trap.Device),
			slog.Any("error", err))
	}
}

// handleRestartTrap notes a cold or warm start on the device's open
// reachability event when one exists.
func (r *Receiver) handleRestartTrap(trap Trap) {
	kind := "coldStart"
	if trap.OID == snmp.TrapWarmStart {
		kind = "warmStart"
	}
	r.logger.Info("device restart trap",
		slog.String("device", trap.Device),
		slog.String("kind", kind))
	r.annotateReachability(trap.Device, fmt.Sprintf("device sent %s trap", kind))
}

func (r *Receiver) annotateReachability(name, text string) {
	id, ok := r.events.Lookup(name, "", event.TypeReachability)
	if !ok {
		return
	}
	err := r.events.Update(id, func(ev *event.Event) error {
		ev.AddLog(text, r.events.Now())
		return nil
	})
	if err != nil {
		r.logger.Error("restart annotation commit failed",
			slog.String("device", name),
			slog.Any("error", err))
	}
}

// parse converts a raw packet into a Trap. SNMPv1 traps get their
// notification OID synthesized per the RFC 3584 v1-to-v2 mapping; v2c traps
// carry it in the snmpTrapOID.0 varbind.
func parse(pkt *gosnmp.SnmpPacket, src *net.UDPAddr) (Trap, error) {
	if pkt == nil {
		return Trap{}, fmt.Errorf("nil packet")
	}

	trap := Trap{Community: pkt.Community}

	if src != nil {
		if addr, ok := netip.AddrFromSlice(src.IP); ok {
			trap.Source = addr.Unmap()
		}
	}

	switch pkt.Version {
	case gosnmp.Version1:
		if pkt.AgentAddress != "" {
			if addr, err := netip.ParseAddr(pkt.AgentAddress); err == nil {
				trap.Source = addr
			}
		}
		trap.OID = v1TrapOID(pkt)
		trap.Uptime = uint32(pkt.Timestamp)
		trap.Varbinds = convert(pkt.Variables)
	case gosnmp.Version2c:
		oid, uptime, payload := v2TrapOID(pkt.Variables)
		if oid == "" {
			return trap, fmt.Errorf("v2c trap without snmpTrapOID.0")
		}
		trap.OID = oid
		trap.Uptime = uptime
		trap.Varbinds = convert(payload)
	default:
		return trap, fmt.Errorf("unsupported trap version %v", pkt.Version)
	}

	if !trap.Source.IsValid() {
		return trap, fmt.Errorf("trap without a source address")
	}
	return trap, nil
}

// v1TrapOID maps a v1 trap PDU to a v2 notification OID: generic traps 0-5
// become the standard OIDs, generic 6 becomes <enterprise>.0.<specific>.
func v1TrapOID(pkt *gosnmp.SnmpPacket) string {
	if pkt.GenericTrap >= 0 && pkt.GenericTrap < 6 {
		return fmt.Sprintf(".1.3.6.1.6.3.1.1.5.%d", pkt.GenericTrap+1)
	}
	ent := strings.TrimSuffix(normalizeOID(pkt.Enterprise), ".")
	return fmt.Sprintf("%s.0.%d", ent, pkt.SpecificTrap)
}

// v2TrapOID finds snmpTrapOID.0 among the varbinds, tolerant of agents that
// omit or reorder the standard header, and returns the payload that follows
// it.
func v2TrapOID(vars []gosnmp.SnmpPDU) (oid string, uptime uint32, payload []gosnmp.SnmpPDU) {
	idx := -1
	for i, v := range vars {
		switch normalizeOID(v.Name) {
		case snmp.OIDSysUpTime:
			uptime = uint32(gosnmp.ToBigInt(v.Value).Uint64())
		case snmp.OIDSnmpTrapOID:
			oid = normalizeOID(fmt.Sprintf("%v", v.Value))
			idx = i
		}
	}
	if idx < 0 {
		return "", uptime, vars
	}
	return oid, uptime, vars[idx+1:]
}

func convert(pdus []gosnmp.SnmpPDU) []snmp.VarBind {
	out := make([]snmp.VarBind, 0, len(pdus))
	for _, pdu := range pdus {
		out = append(out, snmp.VarBind{OID: normalizeOID(pdu.Name), Type: pdu.Type, Value: pdu.Value})
	}
	return out
}

func normalizeOID(oid string) string {
	oid = strings.TrimSpace(oid)
	if oid == "" {
		return ""
	}
	if !strings.HasPrefix(oid, ".") {
		oid = "." + oid
	}
	return strings.TrimSuffix(oid, ".")
}
