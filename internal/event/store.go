package event

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store errors.
var (
	ErrNotFound          = errors.New("no such event")
	ErrIllegalTransition = errors.New("illegal state transition")
	// ErrStaleCheckout means another commit landed between this copy's
	// checkout and its commit; check out afresh and reapply.
	ErrStaleCheckout = errors.New("stale checkout")
)

// RecentlyClosedWindow is how long a closed event stays in memory and
// addressable by id before the archival sweep evicts it.
const RecentlyClosedWindow = 8 * time.Hour

// DefaultPriority is the event priority used when the device does not
// override it.
const DefaultPriority = 100

// ChangeKind classifies one observed change on a committed event.
type ChangeKind string

const (
	ChangeState   ChangeKind = "state"
	ChangeAttr    ChangeKind = "attr"
	ChangeLog     ChangeKind = "log"
	ChangeHistory ChangeKind = "history"
)

// Change is one element of a commit diff. Value carries the new state for
// ChangeState, the attribute name for ChangeAttr, and the literal kind name
// for log and history changes.
type Change struct {
	Kind  ChangeKind
	Value string
}

// Observer receives a read-only snapshot of a committed event together with
// the commit diff. Observers run synchronously on the committing
// goroutine's stack and must not call back into the Store.
type Observer func(ev *Event, changes []Change)

// Store is the indexed event collection. It guarantees at most one
// non-closed event per natural key and serializes all mutations.
type Store struct {
	mu sync.Mutex

	events map[int]*Event
	// index maps natural keys of non-closed events (embryonic included,
	// so concurrent get_or_create yields one id).
	index map[Key]int
	// closedIndex maps natural keys to the most recently closed event,
	// consulted for reopen back-references.
	closedIndex map[Key]int

	lastID    int
	observers []Observer

	// prepare, when set, runs on every commit before the diff is taken, so
	// its annotations land in the same commit. See SetPrepareHook.
	prepare func(ev *Event, now time.Time)

	// Now is the clock, replaceable in tests.
	Now func() time.Time
}

// NewStore returns an empty event store.
func NewStore() *Store {
	return &Store{
		events:      map[int]*Event{},
		index:       map[Key]int{},
		closedIndex: map[Key]int{},
		Now:         time.Now,
	}
}

// RegisterObserver adds a commit observer. Observers are invoked in
// registration order.
func (s *Store) RegisterObserver(obs Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, obs)
}

// SetPrepareHook installs a function that runs on every commit of a
// non-closed event, under the store lock, before the commit diff is taken.
// The planned maintenance matcher hangs off this hook so window annotations
// ride along with the commit that made the event match. The hook must not
// call back into the Store.
func (s *Store) SetPrepareHook(fn func(ev *Event, now time.Time)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prepare = fn
}

// GetOrCreate returns a mutable copy of the single non-closed event for the
// natural key, creating an embryonic one if none exists. The returned flag
// reports creation. A creation shortly after a close of the same key gets a
// back-reference history entry instead of resurrecting the closed event.
func (s *Store) GetOrCreate(router, subindex string, typ Type) (*Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := Key{Router: router, Subindex: subindex, Type: typ}
	if id, ok := s.index[key]; ok {
		return s.events[id].Copy(), false
	}

	now := s.Now()
	s.lastID++
	ev := &Event{
		ID:       s.lastID,
		Router:   router,
		Subindex: subindex,
		Type:     typ,
		State:    StateEmbryonic,
		Priority: DefaultPriority,
		Opened:   now,
		Updated:  now,
	}
	if prev, ok := s.closedIndex[key]; ok {
		ev.AddHistory(fmt.Sprintf("follow-up to closed event %d", prev), now)
	}
	s.events[ev.ID] = ev
	s.index[key] = ev.ID
	return ev.Copy(), true
}

// Lookup returns the id of the non-closed event for a natural key, without
// creating one.
func (s *Store) Lookup(router, subindex string, typ Type) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.index[Key{Router: router, Subindex: subindex, Type: typ}]
	return id, ok
}

// Checkout returns a mutable copy of an event for modification and
// subsequent Commit.
func (s *Store) Checkout(id int) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return ev.Copy(), nil
}

// Get returns a read-only copy of an event.
func (s *Store) Get(id int) (*Event, error) {
	return s.Checkout(id)
}

// Commit applies a checked-out copy back to the store. An embryonic event
// still in its staging state is promoted to open. The commit diff is
// computed against the stored version; observers fire only when it is
// non-empty. Updated is bumped on every effective commit, except that a
// closed event's Updated never moves again. A copy checked out before an
// intervening commit is rejected with ErrStaleCheckout rather than
// clobbering the later changes.
func (s *Store) Commit(ev *Event) error {
	s.mu.Lock()

	stored, ok := s.events[ev.ID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNotFound, ev.ID)
	}
	if ev.rev != stored.rev {
		s.mu.Unlock()
		return fmt.Errorf("%w: event %d", ErrStaleCheckout, ev.ID)
	}
	if stored.State == StateClosed && ev.State != StateClosed {
		s.mu.Unlock()
		return fmt.Errorf("%w: event %d is closed", ErrIllegalTransition, ev.ID)
	}

	now := s.Now()
	if ev.State == StateEmbryonic && stored.State == StateEmbryonic {
		// First commit opens the event. A committer may have set a
		// different state already (e.g. ignored under maintenance).
		ev.SetState(StateOpen, "", now)
	}

	if s.prepare != nil && ev.State != StateClosed {
		s.prepare(ev, now)
	}

	changes := diff(stored, ev)
	if len(changes) == 0 {
		s.mu.Unlock()
		return nil
	}
	ev.rev++

	if stored.State != StateClosed {
		ev.Updated = now
	}
	if ev.State == StateClosed && stored.State != StateClosed {
		if ev.Closed.IsZero() {
			ev.Closed = now
		}
		key := stored.Key()
		delete(s.index, key)
		s.closedIndex[key] = ev.ID
	}

	applied := ev.Copy()
	s.events[ev.ID] = applied
	notify := applied.Copy()
	observers := s.observers
	s.mu.Unlock()

	// stored was embryonic and invisible until now: report the full
	// lifecycle to observers, including the embryonic stage clients of
	// the notify channel expect to see first.
	if stored.State == StateEmbryonic && notify.State != StateEmbryonic {
		pre := []Change{{Kind: ChangeState, Value: string(StateEmbryonic)}}
		for _, obs := range observers {
			obs(notify, pre)
		}
	}
	for _, obs := range observers {
		obs(notify, changes)
	}
	return nil
}

// diff computes the observer-visible changes between the stored event and
// the incoming copy. Attribute comparison runs over the protocol attribute
// map so the diff covers exactly what clients can read; id and updated are
// bookkeeping, not changes.
func diff(old, cur *Event) []Change {
	var changes []Change

	if old.State != cur.State {
		changes = append(changes, Change{Kind: ChangeState, Value: string(cur.State)})
	}

	oldAttrs, newAttrs := old.Attrs(), cur.Attrs()
	var names []string
	for name, val := range newAttrs {
		if name == "id" || name == "state" || name == "updated" {
			continue
		}
		if oldAttrs[name] != val {
			names = append(names, name)
		}
	}
	for name := range oldAttrs {
		if _, still := newAttrs[name]; !still {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		changes = append(changes, Change{Kind: ChangeAttr, Value: name})
	}

	if len(cur.Log) > len(old.Log) {
		changes = append(changes, Change{Kind: ChangeLog, Value: "log"})
	}
	if len(cur.History) > len(old.History) {
		changes = append(changes, Change{Kind: ChangeHistory, Value: "history"})
	}
	return changes
}

// Update runs fn against a fresh checkout of the event and commits the
// result, retrying with a new checkout when a concurrent commit made the
// copy stale. An error from fn aborts without committing.
func (s *Store) Update(id int, fn func(ev *Event) error) error {
	for {
		ev, err := s.Checkout(id)
		if err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
		if err := s.Commit(ev); !errors.Is(err, ErrStaleCheckout) {
			return err
		}
	}
}

// UpdateOrCreate is Update keyed by natural key, creating the event when no
// non-closed one exists. The created flag passed to fn reports whether this
// checkout created the event.
func (s *Store) UpdateOrCreate(router, subindex string, typ Type, fn func(ev *Event, created bool) error) error {
	for {
		ev, created := s.GetOrCreate(router, subindex, typ)
		if err := fn(ev, created); err != nil {
			return err
		}
		if err := s.Commit(ev); !errors.Is(err, ErrStaleCheckout) {
			return err
		}
	}
}

// Close transitions an event to closed with operator attribution.
func (s *Store) Close(id int, user string) error {
	return s.Update(id, func(ev *Event) error {
		return ev.SetState(StateClosed, user, s.Now())
	})
}

// OpenIDs returns the ids of all non-closed, non-embryonic events, sorted.
// Ignored events are included.
func (s *Store) OpenIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int, 0, len(s.index))
	for _, id := range s.index {
		if s.events[id].State != StateEmbryonic {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

// OpenEvents returns copies of all non-closed, non-embryonic events, in id
// order.
func (s *Store) OpenEvents() []*Event {
	ids := s.OpenIDs()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Event, 0, len(ids))
	for _, id := range ids {
		if ev, ok := s.events[id]; ok {
			out = append(out, ev.Copy())
		}
	}
	return out
}

// CloseForRouter force-closes all non-closed events for a device, used when
// the device disappears from the pollfile.
func (s *Store) CloseForRouter(router, reason string) int {
	var ids []int
	s.mu.Lock()
	for key, id := range s.index {
		if key.Router == router {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	sort.Ints(ids)
	closed := 0
	for _, id := range ids {
		err := s.Update(id, func(ev *Event) error {
			ev.AddHistory(reason, s.Now())
			return ev.SetState(StateClosed, "", s.Now())
		})
		if err == nil {
			closed++
		}
	}
	return closed
}

// Sweep removes closed events whose close time predates the
// recently-closed window and returns them for archival, oldest first.
func (s *Store) Sweep(now time.Time) []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-RecentlyClosedWindow)
	var expired []*Event
	for id, ev := range s.events {
		if ev.State == StateClosed && ev.Closed.Before(cutoff) {
			expired = append(expired, ev)
			delete(s.events, id)
			key := ev.Key()
			if s.closedIndex[key] == id {
				delete(s.closedIndex, key)
			}
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired
}

// LastID returns the highest event id ever assigned.
func (s *Store) LastID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID
}

// Import seeds the store from a loaded snapshot. The id counter never moves
// backwards. If several non-closed events share a natural key, the
// oldest-opened wins and the rest are force-closed with a history note.
func (s *Store) Import(events []*Event, lastID int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lastID > s.lastID {
		s.lastID = lastID
	}

	sort.Slice(events, func(i, j int) bool {
		if !events[i].Opened.Equal(events[j].Opened) {
			return events[i].Opened.Before(events[j].Opened)
		}
		return events[i].ID < events[j].ID
	})

	now := s.Now()
	for _, ev := range events {
		ev := ev.Copy()
		if ev.ID > s.lastID {
			s.lastID = ev.ID
		}
		key := ev.Key()
		if ev.State != StateClosed {
			if _, taken := s.index[key]; taken {
				ev.AddHistory("duplicate of an older open event, closed at load", now)
				ev.State = StateClosed
				ev.Closed = now
			} else {
				s.index[key] = ev.ID
			}
		}
		if ev.State == StateClosed {
			if prev, ok := s.closedIndex[key]; !ok || ev.ID > prev {
				s.closedIndex[key] = ev.ID
			}
		}
		s.events[ev.ID] = ev
	}
}

// AllEvents returns copies of every event in memory, in id order, for the
// state snapshot.
func (s *Store) AllEvents() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Event, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
