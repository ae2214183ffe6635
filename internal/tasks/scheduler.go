// Package tasks provides the periodic scheduler and fixed-size worker pool
// the SDK runs its sync cycles and recorder flushes on. One scheduler
// goroutine owns all cadences; executions are handed to the pool so a slow
// cycle never delays an unrelated one. The scheduler supports pause (stop
// issuing cycles, let in-flight work finish), resume (restart cadence
// without losing state), and stop (cancel pending work and wait, bounded,
// for in-flight completion).
package tasks

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job is one unit of periodic work. Jobs must honor ctx cancellation.
type Job func(ctx context.Context)

type scheduled struct {
	name   string
	period time.Duration
	run    Job
	next   time.Time
}

// Scheduler dispatches registered jobs at fixed periods.
type Scheduler struct {
	log     *slog.Logger
	workers int

	mu      sync.Mutex
	jobs    []*scheduled
	paused  bool
	started bool
	cancel  context.CancelFunc
	runCtx  context.Context

	work     chan Job
	wake     chan struct{}
	inFlight sync.WaitGroup
	loopDone chan struct{}
}

// NewScheduler creates a scheduler backed by a pool of the given size.
func NewScheduler(workers int, log *slog.Logger) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		log:     log,
		workers: workers,
		work:    make(chan Job),
		wake:    make(chan struct{}, 1),
	}
}

// Register adds a periodic job. Must be called before Start.
func (s *Scheduler) Register(name string, period time.Duration, run Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &scheduled{name: name, period: period, run: run})
}

// Submit runs one job immediately on the worker pool, outside any cadence.
// Used for push-triggered syncs. Returns false when the scheduler is not
// running, so callers never block on an idle pool.
func (s *Scheduler) Submit(ctx context.Context, run Job) bool {
	s.mu.Lock()
	running := s.started
	runCtx := s.runCtx
	s.mu.Unlock()
	if !running {
		return false
	}
	s.inFlight.Add(1)
	select {
	case s.work <- run:
		return true
	case <-runCtx.Done():
		s.inFlight.Done()
		return false
	case <-ctx.Done():
		s.inFlight.Done()
		return false
	}
}

// Start launches the worker pool and the scheduling loop. The first cycle
// of every job runs immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.runCtx = runCtx
	now := time.Now()
	for _, j := range s.jobs {
		j.next = now
	}
	s.loopDone = make(chan struct{})
	s.mu.Unlock()

	for i := 0; i < s.workers; i++ {
		go s.worker(runCtx)
	}
	go s.loop(runCtx)
}

func (s *Scheduler) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case run := <-s.work:
			run(ctx)
			s.inFlight.Done()
		}
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.loopDone)
	for {
		wait := s.dispatchDue(ctx)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// dispatchDue enqueues every due job and returns how long to sleep until
// the next deadline.
func (s *Scheduler) dispatchDue(ctx context.Context) time.Duration {
	const idleWait = time.Second

	s.mu.Lock()
	if s.paused || len(s.jobs) == 0 {
		s.mu.Unlock()
		return idleWait
	}
	now := time.Now()
	var due []*scheduled
	wait := idleWait
	for _, j := range s.jobs {
		if !j.next.After(now) {
			due = append(due, j)
			j.next = now.Add(j.period)
		}
		if d := j.next.Sub(now); d < wait {
			wait = d
		}
	}
	s.mu.Unlock()

	// In-flight accounting happens on the dispatch side so a stop can never
	// observe a dequeued job as already drained before it runs.
	for _, j := range due {
		s.inFlight.Add(1)
		select {
		case s.work <- j.run:
		case <-ctx.Done():
			s.inFlight.Done()
			return idleWait
		}
	}
	return wait
}

// Pause stops issuing new cycles. In-flight work finishes normally.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume restarts the cadence. Every job becomes due immediately, so state
// that went stale while paused catches up on the first cycle back.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	now := time.Now()
	for _, j := range s.jobs {
		j.next = now
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Stop cancels pending work and waits up to timeout for in-flight jobs to
// finish. It reports whether everything drained in time.
func (s *Scheduler) Stop(timeout time.Duration) bool {
	s.mu.Lock()
	cancel := s.cancel
	loopDone := s.loopDone
	s.started = false
	s.mu.Unlock()

	if cancel == nil {
		return true
	}
	cancel()
	if loopDone != nil {
		<-loopDone
	}

	drained := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(drained)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-drained:
		return true
	case <-timer.C:
		s.log.Warn("shutdown timed out waiting for in-flight work")
		return false
	}
}
