package parallel

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
)

// ErrPoolClosed is returned by Run on a closed Pool.
var ErrPoolClosed = errors.New("parallel: pool closed")

// Pool runs independent per-tile tasks on a fixed set of goroutines.
//
// Each worker owns a queue. Tasks are dealt round-robin; a worker whose
// queue is empty steals from the others, so one slow tile does not hold
// back a batch.
//
// Thread safety: Pool is safe for concurrent use.
type Pool struct {
	workers int
	queues  []chan func()
	done    chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewPool starts a pool with the given number of workers.
// If workers is 0 or negative, GOMAXPROCS is used.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	queueSize := max(workers*4, 8)

	p := &Pool{
		workers: workers,
		queues:  make([]chan func(), workers),
		done:    make(chan struct{}),
	}
	for i := range workers {
		p.queues[i] = make(chan func(), queueSize)
	}
	p.running.Store(true)

	p.wg.Add(workers)
	for i := range workers {
		go p.worker(i)
	}
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	own := p.queues[id]

	for {
		select {
		case <-p.done:
			drainQueue(own)
			return
		case task := <-own:
			task()
			continue
		default:
		}

		if task := p.steal(id); task != nil {
			task()
			continue
		}

		select {
		case <-p.done:
			drainQueue(own)
			return
		case task := <-own:
			task()
		}
	}
}

func drainQueue(q chan func()) {
	for {
		select {
		case task := <-q:
			task()
		default:
			return
		}
	}
}

// steal takes one task from another worker's queue, or returns nil.
func (p *Pool) steal(self int) func() {
	for i := 1; i < p.workers; i++ {
		select {
		case task := <-p.queues[(self+i)%p.workers]:
			return task
		default:
		}
	}
	return nil
}

// Run executes every task and waits until all have returned or ctx is done.
// Tasks not yet started when ctx is done are skipped. Run must not be
// called concurrently with Close.
func (p *Pool) Run(ctx context.Context, tasks []func()) error {
	if len(tasks) == 0 {
		return nil
	}
	if !p.running.Load() {
		return ErrPoolClosed
	}

	var pending sync.WaitGroup
	pending.Add(len(tasks))
	for i, fn := range tasks {
		task := func() {
			defer pending.Done()
			if ctx.Err() == nil {
				fn()
			}
		}
		select {
		case p.queues[i%p.workers] <- task:
		case <-p.done:
			pending.Done()
		case <-ctx.Done():
			pending.Done()
		}
	}

	finished := make(chan struct{})
	go func() {
		pending.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the pool after running the tasks already queued.
// Close is safe to call multiple times.
func (p *Pool) Close() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.done)
	p.wg.Wait()
}

// Workers returns the number of workers.
func (p *Pool) Workers() int {
	return p.workers
}
