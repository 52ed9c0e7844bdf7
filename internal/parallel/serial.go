package parallel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrSerialClosed is returned when submitting to a closed Serial executor.
var ErrSerialClosed = errors.New("parallel: serial executor closed")

// Serial executes submitted work one item at a time, in submission order,
// on a single goroutine.
//
// Serial gives a component actor-style isolation: state touched only from
// work items needs no further locking. Work submitted to different Serial
// executors runs concurrently.
//
// Thread safety: Serial is safe for concurrent use.
type Serial struct {
	// queue holds pending work in FIFO order.
	queue chan func()

	// done signals the worker to stop.
	done chan struct{}

	// wg waits for the worker to finish.
	wg sync.WaitGroup

	// running indicates whether the executor is accepting work.
	running atomic.Bool
}

// NewSerial creates a serial executor with the given queue capacity.
// If queueSize is 0 or negative, a capacity of 64 is used.
// The worker goroutine starts immediately.
func NewSerial(queueSize int) *Serial {
	if queueSize <= 0 {
		queueSize = 64
	}
	s := &Serial{
		queue: make(chan func(), queueSize),
		done:  make(chan struct{}),
	}
	s.running.Store(true)
	s.wg.Add(1)
	go s.worker()
	return s
}

// worker is the main loop of the executor goroutine.
func (s *Serial) worker() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			// Drain remaining work before exiting
			s.drain()
			return
		case work := <-s.queue:
			if work != nil {
				work()
			}
		}
	}
}

// drain executes all remaining queued work.
func (s *Serial) drain() {
	for {
		select {
		case work := <-s.queue:
			if work != nil {
				work()
			}
		default:
			return
		}
	}
}

// Submit queues fn without waiting for it to run.
// Returns ErrSerialClosed if the executor no longer accepts work.
func (s *Serial) Submit(fn func()) error {
	if fn == nil {
		return nil
	}
	if !s.running.Load() {
		return ErrSerialClosed
	}
	select {
	case s.queue <- fn:
		return nil
	case <-s.done:
		return ErrSerialClosed
	}
}

// Do queues fn and waits until it has run.
//
// If ctx is cancelled first, Do returns ctx.Err(); fn stays queued and
// still runs in order, so it must tolerate running after the caller left.
func (s *Serial) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	err := s.Submit(func() {
		defer close(finished)
		fn()
	})
	if err != nil {
		return err
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work, runs everything already queued and stops
// the worker. Close is safe to call multiple times.
func (s *Serial) Close() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.done)
	s.wg.Wait()
}

// IsRunning returns true if the executor is still accepting work.
func (s *Serial) IsRunning() bool {
	return s.running.Load()
}

// Queued returns the number of work items waiting to run.
func (s *Serial) Queued() int {
	return len(s.queue)
}
