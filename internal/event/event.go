// Package event implements the stateful core: long-lived incident events
// with a natural-key index, operator-driven lifecycle, append-only history
// and log, change observers and archival of expired closed events.
package event

import (
	"fmt"
	"net/netip"
	"strconv"
	"time"

	"github.com/dantte-lp/gozino/internal/device"
)

// Type discriminates what kind of incident an event tracks.
type Type string

const (
	TypeReachability Type = "reachability"
	TypePortState    Type = "portstate"
	TypeBGP          Type = "bgp"
	TypeBFD          Type = "bfd"
	TypeAlarm        Type = "alarm"
)

// State is an event lifecycle state.
type State string

const (
	// StateEmbryonic is the staging state between get_or_create and the
	// first commit; it is never visible to protocol clients.
	StateEmbryonic   State = "embryonic"
	StateOpen        State = "open"
	StateWorking     State = "working"
	StateWaiting     State = "waiting"
	StateConfirmWait State = "confirm-wait"
	StateIgnored     State = "ignored"
	StateClosed      State = "closed"
)

// ParseState validates an operator-supplied state name. Embryonic is not
// settable from the protocol.
func ParseState(s string) (State, bool) {
	switch State(s) {
	case StateOpen, StateWorking, StateWaiting, StateConfirmWait, StateIgnored, StateClosed:
		return State(s), true
	default:
		return "", false
	}
}

// Key is an event's natural key. At most one non-closed event exists per
// key; Subindex depends on the type (empty for reachability, ifindex for
// portstate, peer address for bgp, session key for bfd, color for alarm).
type Key struct {
	Router   string `json:"router"`
	Subindex string `json:"subindex"`
	Type     Type   `json:"type"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Router, k.Type, k.Subindex)
}

// LogEntry is one timestamped line of an event's history or log.
type LogEntry struct {
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// ReachabilityStatus values for reachability events.
const (
	Reachable  = "reachable"
	NoResponse = "no-response"
)

// FlapStateStable and FlapStateFlapping are the operator-visible flap
// verdicts on portstate events.
const (
	FlapStateStable   = "stable"
	FlapStateFlapping = "flapping"
)

// Event is one tracked incident. Per-type fields are a flat optional set on
// the common struct; which ones are meaningful follows from Type. Legacy
// hyphenated attribute names exist only at the protocol boundary (Attrs).
type Event struct {
	// rev is the store's revision counter for conflict detection: Commit
	// rejects a copy whose rev no longer matches the stored event. Not
	// serialized; all revisions restart at zero on load.
	rev int

	ID       int    `json:"id"`
	Router   string `json:"router"`
	Subindex string `json:"subindex"`
	Type     Type   `json:"type"`

	State    State      `json:"state"`
	Priority int        `json:"priority"`
	Opened   time.Time  `json:"opened"`
	Updated  time.Time  `json:"updated"`
	Closed   time.Time  `json:"closed,omitzero"`
	PollAddr netip.Addr `json:"polladdr,omitzero"`

	// LastEvent is the short human-readable description of the most
	// recent observation.
	LastEvent string `json:"lastevent,omitempty"`

	History []LogEntry `json:"history,omitempty"`
	Log     []LogEntry `json:"log,omitempty"`

	// Reachability fields.
	Reachability string `json:"reachability,omitempty"`

	// Portstate fields.
	IfIndex   int               `json:"ifindex,omitempty"`
	Port      string            `json:"port,omitempty"`
	Descr     string            `json:"descr,omitempty"`
	PortState device.PortStatus `json:"portstate,omitempty"`
	Flaps     int               `json:"flaps,omitempty"`
	FlapState string            `json:"flapstate,omitempty"`
	// ACDown is accumulated downtime since the event opened.
	ACDown time.Duration `json:"ac_down,omitempty"`

	// BGP fields.
	RemoteAS   uint32              `json:"remote_as,omitempty"`
	RemoteAddr netip.Addr          `json:"remote_addr,omitzero"`
	PeerUptime uint32              `json:"peer_uptime,omitempty"`
	BGPOS      device.BGPOperState `json:"bgp_os,omitempty"`
	BGPAS      string              `json:"bgp_as,omitempty"`

	// BFD fields.
	BFDAddr   netip.Addr          `json:"bfd_addr,omitzero"`
	BFDDiscr  uint32              `json:"bfd_discr,omitempty"`
	BFDState  device.BFDSessState `json:"bfd_state,omitempty"`
	NeighRDNS string              `json:"neigh_rdns,omitempty"`

	// Alarm fields.
	AlarmType  string `json:"alarm_type,omitempty"`
	AlarmCount int    `json:"alarm_count,omitempty"`

	// MaintPMs lists the planned maintenance windows that have annotated
	// this event, so each window annotates at most once.
	MaintPMs []int `json:"maint_pms,omitempty"`
}

// Key returns the event's natural key.
func (e *Event) Key() Key {
	return Key{Router: e.Router, Subindex: e.Subindex, Type: e.Type}
}

// Copy returns a deep copy, safe to mutate independently.
func (e *Event) Copy() *Event {
	dup := *e
	dup.History = append([]LogEntry(nil), e.History...)
	dup.Log = append([]LogEntry(nil), e.Log...)
	dup.MaintPMs = append([]int(nil), e.MaintPMs...)
	return &dup
}

// AnnotatedByPM reports whether the given maintenance window has already
// annotated this event.
func (e *Event) AnnotatedByPM(id int) bool {
	for _, p := range e.MaintPMs {
		if p == id {
			return true
		}
	}
	return false
}

// SetState moves the event to a new state and records the transition in
// history, attributed to user when non-empty. Closed is terminal; a no-op
// transition records nothing.
func (e *Event) SetState(state State, user string, now time.Time) error {
	if e.State == state {
		return nil
	}
	if e.State == StateClosed {
		return fmt.Errorf("%w: event %d is closed", ErrIllegalTransition, e.ID)
	}
	text := fmt.Sprintf("state change %s -> %s", e.State, state)
	if user != "" {
		text += fmt.Sprintf(" (%s)", user)
	}
	e.State = state
	if state == StateClosed {
		e.Closed = now
	}
	e.History = append(e.History, LogEntry{Time: now, Text: text})
	return nil
}

// AddHistory appends a history entry.
func (e *Event) AddHistory(text string, now time.Time) {
	e.History = append(e.History, LogEntry{Time: now, Text: text})
}

// AddLog appends a log entry.
func (e *Event) AddLog(text string, now time.Time) {
	e.Log = append(e.Log, LogEntry{Time: now, Text: text})
}

// Attrs renders the event as the legacy protocol attribute map: hyphenated
// Zino 1 field names, UNIX integer timestamps, integer-second timedeltas.
// Both GETATTRS output and commit-time change detection are driven by this
// map, so every attribute visible to clients is also diffable.
func (e *Event) Attrs() map[string]string {
	a := map[string]string{
		"id":       strconv.Itoa(e.ID),
		"router":   e.Router,
		"type":     string(e.Type),
		"state":    string(e.State),
		"opened":   strconv.FormatInt(e.Opened.Unix(), 10),
		"updated":  strconv.FormatInt(e.Updated.Unix(), 10),
		"priority": strconv.Itoa(e.Priority),
	}
	if e.PollAddr.IsValid() {
		a["polladdr"] = e.PollAddr.String()
	}
	if e.LastEvent != "" {
		a["lastevent"] = e.LastEvent
	}

	switch e.Type {
	case TypeReachability:
		if e.Reachability != "" {
			a["reachability"] = e.Reachability
		}
	case TypePortState:
		a["ifindex"] = strconv.Itoa(e.IfIndex)
		a["port"] = e.Port
		a["portstate"] = string(e.PortState)
		if e.Descr != "" {
			a["descr"] = e.Descr
		}
		a["flaps"] = strconv.Itoa(e.Flaps)
		if e.FlapState != "" {
			a["flapstate"] = e.FlapState
		}
		a["ac-down"] = strconv.FormatInt(int64(e.ACDown/time.Second), 10)
	case TypeBGP:
		a["remote-AS"] = strconv.FormatUint(uint64(e.RemoteAS), 10)
		if e.RemoteAddr.IsValid() {
			a["remote-addr"] = e.RemoteAddr.String()
		}
		a["peer-uptime"] = strconv.FormatUint(uint64(e.PeerUptime), 10)
		a["bgpOS"] = string(e.BGPOS)
		if e.BGPAS != "" {
			a["bgpAS"] = e.BGPAS
		}
	case TypeBFD:
		if e.BFDAddr.IsValid() {
			a["bfdAddr"] = e.BFDAddr.String()
		}
		a["bfdDiscr"] = strconv.FormatUint(uint64(e.BFDDiscr), 10)
		a["bfdState"] = string(e.BFDState)
		if e.NeighRDNS != "" {
			a["Neigh-rDNS"] = e.NeighRDNS
		}
	case TypeAlarm:
		a["alarm-type"] = e.AlarmType
		a["alarm-count"] = strconv.Itoa(e.AlarmCount)
	}
	return a
}
