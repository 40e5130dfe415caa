// Package flap classifies port state oscillation. Each (device, ifindex)
// pair gets a sliding window of transition timestamps; crossing the high
// threshold marks the port flapping, and it only returns to stable after
// the window drains below the low threshold and the port has held its
// state for the stabilization time.
package flap

import (
	"sync"
	"time"

	"github.com/dantte-lp/gozino/internal/config"
)

// State is a flap verdict.
type State string

const (
	Stable   State = "stable"
	Flapping State = "flapping"
)

type key struct {
	router  string
	ifindex int
}

// Entry is the tracked flap history for one port.
type Entry struct {
	// Transitions are the in-window transition timestamps.
	Transitions []time.Time `json:"transitions,omitempty"`
	// Flaps counts transitions since tracking began or was last cleared.
	Flaps int `json:"flaps"`
	// State is the current verdict.
	State State `json:"state"`
	// ACDown is accumulated downtime.
	ACDown time.Duration `json:"ac_down"`
	// DownSince is set while the port is down.
	DownSince time.Time `json:"down_since,omitzero"`
	// LastTransition is when the port last changed state.
	LastTransition time.Time `json:"last_transition,omitzero"`
}

// Tracker tracks flap state for all ports.
type Tracker struct {
	mu      sync.Mutex
	entries map[key]*Entry
	cfg     config.FlappingConfig

	// Now is the clock, replaceable in tests.
	Now func() time.Time
}

// NewTracker returns a tracker with the given thresholds.
func NewTracker(cfg config.FlappingConfig) *Tracker {
	return &Tracker{
		entries: map[key]*Entry{},
		cfg:     cfg,
		Now:     time.Now,
	}
}

// Transition records a port state change and returns the resulting verdict
// together with the total flap count. down reports whether the new state is
// a down state.
func (t *Tracker) Transition(router string, ifindex int, down bool) (State, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.Now()
	k := key{router: router, ifindex: ifindex}
	e, ok := t.entries[k]
	if !ok {
		e = &Entry{State: Stable}
		t.entries[k] = e
	}

	if down {
		if e.DownSince.IsZero() {
			e.DownSince = now
		}
	} else if !e.DownSince.IsZero() {
		e.ACDown += now.Sub(e.DownSince)
		e.DownSince = time.Time{}
	}

	e.Transitions = append(e.Transitions, now)
	e.Flaps++
	e.LastTransition = now
	e.prune(now, t.cfg.Window)

	if len(e.Transitions) >= t.cfg.ThresholdHigh {
		e.State = Flapping
	}
	return e.State, e.Flaps
}

// CheckStable re-evaluates a flapping port and reports whether it just
// became stable. Stability requires the window to drain below the low
// threshold and the port to have held its state for the stabilization time.
func (t *Tracker) CheckStable(router string, ifindex int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key{router: router, ifindex: ifindex}]
	if !ok || e.State != Flapping {
		return false
	}

	now := t.Now()
	e.prune(now, t.cfg.Window)
	if len(e.Transitions) >= t.cfg.ThresholdLow {
		return false
	}
	if now.Sub(e.LastTransition) < t.cfg.StabilizeTime {
		return false
	}
	e.State = Stable
	return true
}

// IsFlapping reports the current verdict for a port.
func (t *Tracker) IsFlapping(router string, ifindex int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key{router: router, ifindex: ifindex}]
	return ok && e.State == Flapping
}

// ACDown returns the accumulated downtime for a port, including any
// still-running down period.
func (t *Tracker) ACDown(router string, ifindex int) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key{router: router, ifindex: ifindex}]
	if !ok {
		return 0
	}
	d := e.ACDown
	if !e.DownSince.IsZero() {
		d += t.Now().Sub(e.DownSince)
	}
	return d
}

// Clear resets flap tracking for a port to stable with zeroed counters.
func (t *Tracker) Clear(router string, ifindex int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key{router: router, ifindex: ifindex})
}

// DropRouter discards all tracking for a device.
func (t *Tracker) DropRouter(router string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.entries {
		if k.router == router {
			delete(t.entries, k)
		}
	}
}

func (e *Entry) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(e.Transitions) && e.Transitions[i].Before(cutoff) {
		i++
	}
	e.Transitions = e.Transitions[i:]
}

// -------------------------------------------------------------------------
// Persistence
// -------------------------------------------------------------------------

// PortEntry is the serialized form of one tracked port.
type PortEntry struct {
	Router  string `json:"router"`
	IfIndex int    `json:"ifindex"`
	Entry
}

// Snapshot returns the serializable flap state.
func (t *Tracker) Snapshot() []PortEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]PortEntry, 0, len(t.entries))
	for k, e := range t.entries {
		dup := *e
		dup.Transitions = append([]time.Time(nil), e.Transitions...)
		out = append(out, PortEntry{Router: k.router, IfIndex: k.ifindex, Entry: dup})
	}
	return out
}

// Import seeds the tracker from a loaded snapshot.
func (t *Tracker) Import(entries []PortEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, pe := range entries {
		dup := pe.Entry
		dup.Transitions = append([]time.Time(nil), pe.Transitions...)
		t.entries[key{router: pe.Router, ifindex: pe.IfIndex}] = &dup
	}
}
