// Package tasks implements the periodic polling tasks: reachability, link
// state, BGP peering, BFD sessions and Juniper chassis alarms. The Manager
// owns one SNMP session per device and registers the task set with the
// scheduler; all observations are diffed against the device state cache and
// materialized as events.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/dantte-lp/gozino/internal/config"
	"github.com/dantte-lp/gozino/internal/device"
	"github.com/dantte-lp/gozino/internal/event"
	"github.com/dantte-lp/gozino/internal/flap"
	"github.com/dantte-lp/gozino/internal/pm"
	"github.com/dantte-lp/gozino/internal/scheduler"
	"github.com/dantte-lp/gozino/internal/snmp"
)

// Task kind names used as scheduler job kinds.
const (
	KindReachable = "reachable"
	KindLinkState = "linkstate"
	KindBGP       = "bgp"
	KindBFD       = "bfd"
	KindAlarm     = "alarm"
	KindAddrs     = "addresses"
)

// reachabilityThreshold is how many consecutive poll failures mark a device
// unreachable.
const reachabilityThreshold = 2

// addressInterval is how often the interface address map is refreshed.
const addressInterval = time.Hour

// Resolver is the reverse-DNS lookup the BFD task performs before creating
// events.
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// ClientFactory creates an SNMP client for one device.
type ClientFactory func(dev config.PollDevice) (snmp.Client, error)

// Manager wires the polling tasks to the scheduler and owns the per-device
// SNMP sessions.
type Manager struct {
	registry *device.Registry
	events   *event.Store
	flaps    *flap.Tracker
	pms      *pm.Store
	sched    *scheduler.Scheduler
	logger   *slog.Logger

	newClient ClientFactory
	resolver  Resolver

	// makeEventsForNewInterfaces creates portstate events for interfaces
	// first seen in a down state.
	makeEventsForNewInterfaces bool

	mu       sync.Mutex
	sessions map[string]snmp.Client
}

// Options carries the Manager's collaborators.
type Options struct {
	Registry  *device.Registry
	Events    *event.Store
	Flaps     *flap.Tracker
	PMs       *pm.Store
	Scheduler *scheduler.Scheduler
	Logger    *slog.Logger

	NewClient ClientFactory
	Resolver  Resolver

	MakeEventsForNewInterfaces bool
}

// NewManager returns a task manager. A nil NewClient defaults to live
// gosnmp sessions; a nil Resolver defaults to the system resolver.
func NewManager(opts Options) *Manager {
	if opts.NewClient == nil {
		opts.NewClient = func(dev config.PollDevice) (snmp.Client, error) {
			return snmp.NewSession(dev)
		}
	}
	if opts.Resolver == nil {
		opts.Resolver = &netResolver{}
	}
	return &Manager{
		registry:                   opts.Registry,
		events:                     opts.Events,
		flaps:                      opts.Flaps,
		pms:                        opts.PMs,
		sched:                      opts.Scheduler,
		logger:                     opts.Logger,
		newClient:                  opts.NewClient,
		resolver:                   opts.Resolver,
		makeEventsForNewInterfaces: opts.MakeEventsForNewInterfaces,
		sessions:                   map[string]snmp.Client{},
	}
}

// SyncDevices reconciles scheduled jobs after a registry update: added
// devices get the full task set, removed devices lose their jobs and have
// their open events force-closed.
func (m *Manager) SyncDevices(added, removed []string) {
	for _, name := range removed {
		m.sched.CancelDevice(name)
		m.dropSession(name)
		m.flaps.DropRouter(name)
		if n := m.events.CloseForRouter(name, "device removed from pollfile"); n > 0 {
			m.logger.Info("closed events for removed device",
				slog.String("device", name),
				slog.Int("events", n))
		}
	}

	for _, name := range added {
		dev, ok := m.registry.Get(name)
		if !ok {
			continue
		}
		m.scheduleDevice(dev)
	}
}

// Reschedule re-registers jobs for a device whose poll attributes changed.
func (m *Manager) Reschedule(name string) {
	dev, ok := m.registry.Get(name)
	if !ok {
		return
	}
	m.sched.CancelDevice(name)
	m.dropSession(name)
	m.scheduleDevice(dev)
}

func (m *Manager) scheduleDevice(dev config.PollDevice) {
	name := dev.Name
	m.sched.Schedule(name, KindReachable, dev.Interval, func(ctx context.Context) error {
		return m.runReachable(ctx, name)
	})
	m.sched.Schedule(name, KindLinkState, dev.Interval, func(ctx context.Context) error {
		return m.runLinkState(ctx, name)
	})
	if dev.DoBGP {
		m.sched.Schedule(name, KindBGP, dev.Interval, func(ctx context.Context) error {
			return m.runBGP(ctx, name)
		})
	}
	m.sched.Schedule(name, KindBFD, dev.Interval, func(ctx context.Context) error {
		return m.runBFD(ctx, name)
	})
	m.sched.Schedule(name, KindAlarm, dev.Interval, func(ctx context.Context) error {
		return m.runAlarm(ctx, name)
	})
	m.sched.Schedule(name, KindAddrs, addressInterval, func(ctx context.Context) error {
		return m.runAddresses(ctx, name)
	})
}

// PollRouter enqueues an immediate full poll of one device.
func (m *Manager) PollRouter(name string) error {
	if _, ok := m.registry.Get(name); !ok {
		return fmt.Errorf("unknown router %q", name)
	}
	for _, kind := range []string{KindReachable, KindLinkState, KindBGP, KindBFD, KindAlarm} {
		// Jobs not scheduled for this device (e.g. bgp with do_bgp off)
		// are skipped.
		_ = m.sched.RunOnce(name, kind)
	}
	return nil
}

// PollBGP fires the device's BGP job out of schedule, used by the trap
// receiver to confirm peer transition traps.
func (m *Manager) PollBGP(name string) error {
	return m.sched.RunOnce(name, KindBGP)
}

// PollInterface enqueues an immediate single-interface verification poll.
func (m *Manager) PollInterface(name string, ifindex int) error {
	dev, ok := m.registry.Get(name)
	if !ok {
		return fmt.Errorf("unknown router %q", name)
	}
	m.sched.Enqueue(name, "pollintf", dev.Timeout*time.Duration(dev.Retries+1), func(ctx context.Context) error {
		return m.pollSingleInterface(ctx, name, ifindex)
	})
	return nil
}

// client returns the device's SNMP session, creating it on first use. The
// scheduler's per-device serialization makes the session safe to reuse.
func (m *Manager) client(name string) (snmp.Client, error) {
	dev, ok := m.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown router %q", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.sessions[name]; ok {
		return c, nil
	}
	c, err := m.newClient(dev)
	if err != nil {
		return nil, fmt.Errorf("session for %s: %w", name, err)
	}
	m.sessions[name] = c
	return c, nil
}

func (m *Manager) dropSession(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.sessions[name]; ok {
		c.Close()
		delete(m.sessions, name)
	}
}

// Close releases every SNMP session.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, c := range m.sessions {
		c.Close()
		delete(m.sessions, name)
	}
}

// gated reports whether periodic tasks should skip this cycle because the
// device is unreachable.
func (m *Manager) gated(name string) bool {
	st := m.registry.StateFor(name)
	return st == nil || st.Unreachable
}

// applyMaintenance checks a freshly created event against active
// maintenance windows. A match suppresses the event into ignored state with
// a log line citing the window. The window is recorded on the event so the
// commit-time matcher does not annotate it a second time.
func (m *Manager) applyMaintenance(ev *event.Event, now time.Time) {
	p := m.pms.Match(ev)
	if p == nil {
		return
	}
	ev.State = event.StateIgnored
	ev.MaintPMs = append(ev.MaintPMs, p.ID)
	ev.AddLog(fmt.Sprintf("created during planned maintenance %d", p.ID), now)
}

// netResolver adapts the system resolver to the Resolver interface.
type netResolver struct{}

func (*netResolver) LookupAddr(ctx context.Context, addr string) ([]string, error) {
	return net.DefaultResolver.LookupAddr(ctx, addr)
}

// reverseDNS resolves addr with a short deadline, returning "" on failure.
func (m *Manager) reverseDNS(ctx context.Context, addr netip.Addr) string {
	if !addr.IsValid() {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	names, err := m.resolver.LookupAddr(ctx, addr.String())
	if err != nil || len(names) == 0 {
		return ""
	}
	return names[0]
}
