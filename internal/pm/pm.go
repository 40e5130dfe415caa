// Package pm implements planned maintenance windows: time-bounded rules
// that annotate or suppress events matching device or interface patterns.
package pm

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dantte-lp/gozino/internal/event"
)

// Store errors.
var (
	ErrNotFound      = errors.New("no such planned maintenance")
	ErrBadMatchType  = errors.New("unknown match type")
	ErrBadTargetType = errors.New("unknown target type")
	ErrBadWindow     = errors.New("maintenance window end precedes start")
)

// ExpiryGrace is how long after its end time a maintenance window lingers
// before being removed.
const ExpiryGrace = time.Hour

// MatchType selects how a maintenance rule matches events.
type MatchType string

const (
	MatchExact      MatchType = "exact"
	MatchStr        MatchType = "str"
	MatchRegexp     MatchType = "regexp"
	MatchIntfRegexp MatchType = "intf-regexp"
)

// TargetType selects what kind of events a maintenance rule targets.
type TargetType string

const (
	TargetPortState TargetType = "portstate"
	TargetDevice    TargetType = "device"
)

// PM is one planned maintenance window.
type PM struct {
	ID    int       `json:"id"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	Type      TargetType `json:"type"`
	MatchType MatchType  `json:"match_type"`
	// MatchExpr is the pattern matched per MatchType.
	MatchExpr string `json:"match_expr"`
	// MatchDevice restricts intf-regexp rules to one device.
	MatchDevice string `json:"match_device,omitempty"`

	Log []event.LogEntry `json:"log,omitempty"`
}

// Active reports whether the window covers the given moment.
func (p *PM) Active(now time.Time) bool {
	return !now.Before(p.Start) && now.Before(p.End)
}

// Matches reports whether an event falls under this maintenance rule.
func (p *PM) Matches(ev *event.Event) bool {
	switch p.Type {
	case TargetDevice:
		if ev.Type != event.TypeReachability && ev.Type != event.TypeAlarm &&
			ev.Type != event.TypeBGP && ev.Type != event.TypeBFD {
			return false
		}
		return p.matchDevice(ev.Router)
	case TargetPortState:
		if ev.Type != event.TypePortState {
			return false
		}
		return p.matchPort(ev)
	default:
		return false
	}
}

func (p *PM) matchDevice(router string) bool {
	switch p.MatchType {
	case MatchExact:
		return router == p.MatchExpr
	case MatchStr:
		return strings.Contains(router, p.MatchExpr)
	case MatchRegexp:
		re, err := regexp.Compile(p.MatchExpr)
		return err == nil && re.MatchString(router)
	default:
		return false
	}
}

func (p *PM) matchPort(ev *event.Event) bool {
	switch p.MatchType {
	case MatchStr:
		return strings.Contains(ev.Router, p.MatchExpr) ||
			strings.Contains(ev.Descr, p.MatchExpr)
	case MatchRegexp:
		re, err := regexp.Compile(p.MatchExpr)
		if err != nil {
			return false
		}
		return re.MatchString(ev.Router) || re.MatchString(ev.Descr)
	case MatchIntfRegexp:
		if ev.Router != p.MatchDevice {
			return false
		}
		re, err := regexp.Compile(p.MatchExpr)
		return err == nil && re.MatchString(ev.Port)
	default:
		return false
	}
}

// -------------------------------------------------------------------------
// Store
// -------------------------------------------------------------------------

// Store holds all planned maintenance windows.
type Store struct {
	mu     sync.Mutex
	pms    map[int]*PM
	lastID int

	// Now is the clock, replaceable in tests.
	Now func() time.Time
}

// NewStore returns an empty maintenance store.
func NewStore() *Store {
	return &Store{
		pms: map[int]*PM{},
		Now: time.Now,
	}
}

// Add validates and registers a new maintenance window, returning its id.
func (s *Store) Add(start, end time.Time, target TargetType, match MatchType, expr, matchDevice string) (int, error) {
	if !end.After(start) {
		return 0, ErrBadWindow
	}
	switch target {
	case TargetPortState, TargetDevice:
	default:
		return 0, fmt.Errorf("%w: %q", ErrBadTargetType, target)
	}
	switch match {
	case MatchExact, MatchStr, MatchRegexp:
	case MatchIntfRegexp:
		if target != TargetPortState {
			return 0, fmt.Errorf("%w: intf-regexp needs a portstate target", ErrBadMatchType)
		}
	default:
		return 0, fmt.Errorf("%w: %q", ErrBadMatchType, match)
	}
	if match == MatchRegexp || match == MatchIntfRegexp {
		if _, err := regexp.Compile(expr); err != nil {
			return 0, fmt.Errorf("bad match expression: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastID++
	p := &PM{
		ID:          s.lastID,
		Start:       start,
		End:         end,
		Type:        target,
		MatchType:   match,
		MatchExpr:   expr,
		MatchDevice: matchDevice,
	}
	s.pms[p.ID] = p
	return p.ID, nil
}

// Cancel removes a maintenance window.
func (s *Store) Cancel(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pms[id]; !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	delete(s.pms, id)
	return nil
}

// Get returns a copy of one maintenance window.
func (s *Store) Get(id int) (*PM, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pms[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return p.copy(), nil
}

// IDs returns all maintenance ids, sorted.
func (s *Store) IDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int, 0, len(s.pms))
	for id := range s.pms {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// AddLog appends a log entry to a maintenance window.
func (s *Store) AddLog(id int, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pms[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	p.Log = append(p.Log, event.LogEntry{Time: s.Now(), Text: text})
	return nil
}

// Match returns the lowest-id active maintenance window matching the event,
// or nil. Evaluation order is id-ascending.
func (s *Store) Match(ev *event.Event) *PM {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	ids := make([]int, 0, len(s.pms))
	for id := range s.pms {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		p := s.pms[id]
		if p.Active(now) && p.Matches(ev) {
			return p.copy()
		}
	}
	return nil
}

// Annotate records on the event every active maintenance window matching
// it, at most once per window over the event's lifetime. It is installed as
// the event store's commit prepare hook, so an event that starts matching
// mid-life (or a window that starts mid-event) gets its annotation on the
// next commit.
func (s *Store) Annotate(ev *event.Event, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int, 0, len(s.pms))
	for id := range s.pms {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		p := s.pms[id]
		if !p.Active(now) || ev.AnnotatedByPM(id) || !p.Matches(ev) {
			continue
		}
		ev.MaintPMs = append(ev.MaintPMs, id)
		ev.AddLog(fmt.Sprintf("planned maintenance %d covers this event", id), now)
	}
}

// Expire removes maintenance windows past end plus grace and returns the
// removed ids.
func (s *Store) Expire(now time.Time) []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []int
	for id, p := range s.pms {
		if now.After(p.End.Add(ExpiryGrace)) {
			removed = append(removed, id)
			delete(s.pms, id)
		}
	}
	sort.Ints(removed)
	return removed
}

// Snapshot returns copies of all maintenance windows plus the id counter
// for persistence.
func (s *Store) Snapshot() ([]*PM, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*PM, 0, len(s.pms))
	for _, p := range s.pms {
		out = append(out, p.copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, s.lastID
}

// Import seeds the store from a loaded snapshot.
func (s *Store) Import(pms []*PM, lastID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lastID > s.lastID {
		s.lastID = lastID
	}
	for _, p := range pms {
		if p.ID > s.lastID {
			s.lastID = p.ID
		}
		s.pms[p.ID] = p.copy()
	}
}

func (p *PM) copy() *PM {
	dup := *p
	dup.Log = append([]event.LogEntry(nil), p.Log...)
	return &dup
}
