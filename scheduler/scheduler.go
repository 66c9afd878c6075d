// Package scheduler runs deferred, periodic and parallel tasks for protocols.
//
// Every scheduled task and every parallel completion callback runs on a
// single loop goroutine, so they never run concurrently with each other.
// Parallel work runs on a bounded set of worker goroutines.
package scheduler

import (
	"context"
	"log/slog"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/Zereker/otnet"
)

// ErrClosed is returned when scheduling on a closed scheduler.
var ErrClosed = errors.New("scheduler closed")

// Scheduler posts tasks to its loop goroutine.
type Scheduler struct {
	logger  otnet.Logger
	workers *semaphore.Weighted

	mu      sync.Mutex
	queue   []func()
	closing bool // reject new work
	closed  bool // reject internal posts, loop drains and exits

	signal   chan struct{}
	loopDone chan struct{}
	parallel sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// LoggerOption sets the logger used to report panicking tasks.
func LoggerOption(logger otnet.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// New starts a scheduler running at most workers parallel tasks at a time.
// A non-positive count uses GOMAXPROCS.
func New(workers int, opts ...Option) *Scheduler {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	s := &Scheduler{
		workers:  semaphore.NewWeighted(int64(workers)),
		signal:   make(chan struct{}, 1),
		loopDone: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	go s.loop()
	return s
}

func (s *Scheduler) loop() {
	defer close(s.loopDone)

	for range s.signal {
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				closed := s.closed
				s.mu.Unlock()
				if closed {
					return
				}
				break
			}
			fn := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()

			s.run(fn)
		}
	}
}

// post queues fn on the loop. It reports false once the scheduler is closed.
func (s *Scheduler) post(fn func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, fn)
	s.mu.Unlock()

	s.wake()
	return true
}

func (s *Scheduler) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Scheduler) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// run calls fn and reports whether it returned normally.
func (s *Scheduler) run(fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled task panicked", "panic", r)
			ok = false
		}
	}()
	fn()
	return true
}

// CallLater runs fn on the loop as soon as possible.
func (s *Scheduler) CallLater(fn func()) error {
	if s.isClosing() || !s.post(fn) {
		return ErrClosed
	}
	return nil
}

// CallInParallel runs fn on a worker goroutine, then callback on the loop.
// Work waiting for a free worker is dropped when ctx is canceled; callback
// is skipped when fn panics. callback may be nil.
func (s *Scheduler) CallInParallel(ctx context.Context, fn func(), callback func()) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return ErrClosed
	}
	s.parallel.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.parallel.Done()

		if err := s.workers.Acquire(ctx, 1); err != nil {
			s.logger.Debug("parallel task dropped", "error", err)
			return
		}
		ok := s.run(fn)
		s.workers.Release(1)

		if ok && callback != nil {
			s.post(callback)
		}
	}()
	return nil
}

// Close rejects new work, waits for parallel tasks and their callbacks,
// then stops the loop. Pending deferred and interval tasks are dropped.
// Close must not be called from a scheduled task.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closing = true
	s.mu.Unlock()

	s.parallel.Wait()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()

	<-s.loopDone
	return nil
}
