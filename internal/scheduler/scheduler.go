// Package scheduler runs the per-device polling jobs: one job per
// (device, task kind), fired at the device's interval with hash-staggered
// start times, serialized per device so no two SNMP operations overlap on
// one box.
package scheduler

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ErrUnknownJob is returned when a one-shot run names a job that is not
// scheduled.
var ErrUnknownJob = errors.New("no such job")

// queueSize bounds each device's pending run queue. The queue only ever
// holds a handful of entries (periodic fires plus trap-directed one-shots).
const queueSize = 16

// RunFunc is one task execution. The context carries the per-run deadline.
type RunFunc func(ctx context.Context) error

type jobKey struct {
	device string
	kind   string
}

type job struct {
	key      jobKey
	interval time.Duration
	next     time.Time
	run      RunFunc
}

// runner serializes all work for one device.
type runner struct {
	ch   chan task
	stop chan struct{}
}

type task struct {
	key     jobKey
	timeout time.Duration
	run     RunFunc
}

// Scheduler owns the job table and the per-device runners.
type Scheduler struct {
	logger *slog.Logger
	grace  time.Duration

	mu      sync.Mutex
	jobs    map[jobKey]*job
	runners map[string]*runner
	wake    chan struct{}

	// baseCtx governs every runner; Run cancels it on shutdown. Created
	// in New so runners started before Run have a valid parent.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	wg sync.WaitGroup

	runs     atomic.Uint64
	failures atomic.Uint64

	// Now is the clock, replaceable in tests.
	Now func() time.Time
}

// Runs returns the total number of job executions.
func (s *Scheduler) Runs() uint64 { return s.runs.Load() }

// Failures returns the number of job executions that returned an error.
func (s *Scheduler) Failures() uint64 { return s.failures.Load() }

// New returns a scheduler with the given misfire grace window.
func New(grace time.Duration, logger *slog.Logger) *Scheduler {
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger:     logger,
		grace:      grace,
		jobs:       map[jobKey]*job{},
		runners:    map[string]*runner{},
		wake:       make(chan struct{}, 1),
		baseCtx:    baseCtx,
		cancelBase: cancel,
		Now:        time.Now,
	}
}

// Schedule adds or replaces the job for (device, kind). The first fire is
// staggered by a stable hash of the key modulo the interval so device fleets
// with a shared interval spread their load.
func (s *Scheduler) Schedule(device, kind string, interval time.Duration, run RunFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := jobKey{device: device, kind: kind}
	s.jobs[key] = &job{
		key:      key,
		interval: interval,
		next:     s.Now().Add(stagger(device, kind, interval)),
		run:      run,
	}
	s.kick()
}

// stagger derives a stable offset in [0, interval) from the job identity.
func stagger(device, kind string, interval time.Duration) time.Duration {
	if interval <= 0 {
		return 0
	}
	h := fnv.New64a()
	h.Write([]byte(device))
	h.Write([]byte{0})
	h.Write([]byte(kind))
	return time.Duration(h.Sum64() % uint64(interval))
}

// CancelDevice removes all jobs for a device and stops its runner. Pending
// queued runs are dropped.
func (s *Scheduler) CancelDevice(device string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.jobs {
		if key.device == device {
			delete(s.jobs, key)
		}
	}
	if r, ok := s.runners[device]; ok {
		close(r.stop)
		delete(s.runners, device)
	}
	s.kick()
}

// Devices returns the devices with at least one scheduled job, sorted.
func (s *Scheduler) Devices() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := map[string]bool{}
	for key := range s.jobs {
		seen[key.device] = true
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// RunOnce enqueues an immediate out-of-band run of a scheduled job, used by
// trap-directed confirmation polls and the POLLRTR/POLLINTF commands.
func (s *Scheduler) RunOnce(device, kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobKey{device: device, kind: kind}]
	if !ok {
		return ErrUnknownJob
	}
	s.dispatch(j)
	return nil
}

// Enqueue submits an ad-hoc run on a device's serialized queue. The job
// does not need to be scheduled; timeout bounds the run.
func (s *Scheduler) Enqueue(device, kind string, timeout time.Duration, run RunFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submit(task{key: jobKey{device: device, kind: kind}, timeout: timeout, run: run})
}

// Run executes the scheduling loop until ctx is done, then stops all
// runners and waits for them to drain.
func (s *Scheduler) Run(ctx context.Context) error {
	defer func() {
		s.cancelBase()
		s.wg.Wait()
	}()

	for {
		s.mu.Lock()
		next, ok := s.earliest()
		s.mu.Unlock()

		var timer *time.Timer
		if ok {
			delay := time.Until(next)
			if delay < 0 {
				delay = 0
			}
			timer = time.NewTimer(delay)
		} else {
			// Nothing scheduled; sleep until Schedule kicks us.
			timer = time.NewTimer(time.Hour)
		}

		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-s.wake:
			timer.Stop()
			continue
		case <-timer.C:
		}

		now := s.Now()
		s.mu.Lock()
		for _, j := range s.due(now) {
			late := now.Sub(j.next)
			if s.grace > 0 && late > s.grace {
				s.logger.Warn("skipping misfired job",
					slog.String("device", j.key.device),
					slog.String("kind", j.key.kind),
					slog.Duration("late", late))
			} else {
				s.dispatch(j)
			}
			// Collapse any backlog of missed fires into one.
			for !j.next.After(now) {
				j.next = j.next.Add(j.interval)
			}
		}
		s.mu.Unlock()
	}
}

// earliest returns the soonest next-fire time. Callers hold mu.
func (s *Scheduler) earliest() (time.Time, bool) {
	var next time.Time
	found := false
	for _, j := range s.jobs {
		if !found || j.next.Before(next) {
			next = j.next
			found = true
		}
	}
	return next, found
}

// due returns jobs whose fire time has arrived, ordered by device, then
// reachability first, then kind, for deterministic dispatch. Callers hold mu.
func (s *Scheduler) due(now time.Time) []*job {
	var out []*job
	for _, j := range s.jobs {
		if !j.next.After(now) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].key.device != out[k].key.device {
			return out[i].key.device < out[k].key.device
		}
		if ri, rk := kindRank(out[i].key.kind), kindRank(out[k].key.kind); ri != rk {
			return ri < rk
		}
		return out[i].key.kind < out[k].key.kind
	})
	return out
}

// kindRank orders a device's batch when several jobs fire together. The
// reachability poll goes first: its verdict gates whether the other tasks
// run at all this cycle.
func kindRank(kind string) int {
	if kind == "reachable" {
		return 0
	}
	return 1
}

// dispatch queues one run of a job on its device runner. Callers hold mu.
func (s *Scheduler) dispatch(j *job) {
	timeout := j.interval
	s.submit(task{key: j.key, timeout: timeout, run: j.run})
}

// submit routes a task to its device runner, creating the runner on first
// use. A full queue drops the run with a warning; the next periodic fire
// covers it. Callers hold mu.
func (s *Scheduler) submit(t task) {
	r, ok := s.runners[t.key.device]
	if !ok {
		r = &runner{
			ch:   make(chan task, queueSize),
			stop: make(chan struct{}),
		}
		s.runners[t.key.device] = r
		s.wg.Add(1)
		go s.runLoop(r)
	}

	select {
	case r.ch <- t:
	default:
		s.logger.Warn("device run queue full, dropping run",
			slog.String("device", t.key.device),
			slog.String("kind", t.key.kind))
	}
}

// runLoop executes tasks for one device, one at a time.
func (s *Scheduler) runLoop(r *runner) {
	defer s.wg.Done()

	for {
		select {
		case <-s.baseCtx.Done():
			return
		case <-r.stop:
			return
		case t := <-r.ch:
			s.execute(t)
		}
	}
}

func (s *Scheduler) execute(t task) {
	ctx := s.baseCtx
	cancel := context.CancelFunc(func() {})
	if t.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
	}
	defer cancel()

	start := s.Now()
	err := t.run(ctx)
	elapsed := s.Now().Sub(start)

	s.runs.Add(1)
	if err != nil {
		s.failures.Add(1)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		s.logger.Warn("job overran its interval and was aborted",
			slog.String("device", t.key.device),
			slog.String("kind", t.key.kind),
			slog.Duration("elapsed", elapsed))
	case err != nil:
		s.logger.Debug("job run failed",
			slog.String("device", t.key.device),
			slog.String("kind", t.key.kind),
			slog.Any("error", err))
	}
}

// kick wakes the scheduling loop after a table change. Callers hold mu.
func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
