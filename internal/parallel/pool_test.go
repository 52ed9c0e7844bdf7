package parallel

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_Workers(t *testing.T) {
	tests := []struct {
		name    string
		workers int
		want    int
	}{
		{"explicit", 4, 4},
		{"zero uses GOMAXPROCS", 0, runtime.GOMAXPROCS(0)},
		{"negative uses GOMAXPROCS", -3, runtime.GOMAXPROCS(0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPool(tt.workers)
			defer p.Close()
			if p.Workers() != tt.want {
				t.Errorf("Workers() = %d, want %d", p.Workers(), tt.want)
			}
		})
	}
}

func TestPool_RunExecutesAll(t *testing.T) {
	p := NewPool(4)
	defer p.Close()

	var n atomic.Int64
	tasks := make([]func(), 100)
	for i := range tasks {
		tasks[i] = func() { n.Add(1) }
	}
	if err := p.Run(context.Background(), tasks); err != nil {
		t.Fatal(err)
	}
	if n.Load() != 100 {
		t.Errorf("ran %d tasks, want 100", n.Load())
	}
}

func TestPool_StealingBalancesSlowTask(t *testing.T) {
	p := NewPool(2)
	defer p.Close()

	var n atomic.Int64
	tasks := []func(){
		func() { time.Sleep(50 * time.Millisecond); n.Add(1) },
	}
	for range 9 {
		tasks = append(tasks, func() { n.Add(1) })
	}
	if err := p.Run(context.Background(), tasks); err != nil {
		t.Fatal(err)
	}
	if n.Load() != 10 {
		t.Errorf("ran %d tasks, want 10", n.Load())
	}
}

func TestPool_RunCancelled(t *testing.T) {
	p := NewPool(1)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var n atomic.Int64
	err := p.Run(ctx, []func(){func() { n.Add(1) }})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run error = %v, want context.Canceled", err)
	}
	if n.Load() != 0 {
		t.Error("task ran under a cancelled context")
	}
}

func TestPool_RunAfterClose(t *testing.T) {
	p := NewPool(2)
	p.Close()
	p.Close()
	if err := p.Run(context.Background(), []func(){func() {}}); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Run after Close = %v, want ErrPoolClosed", err)
	}
}
