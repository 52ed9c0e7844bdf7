package parallel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSerial_Order(t *testing.T) {
	s := NewSerial(4)
	defer s.Close()

	var got []int
	for i := range 100 {
		if err := s.Submit(func() { got = append(got, i) }); err != nil {
			t.Fatalf("Submit(%d) error = %v", i, err)
		}
	}
	// Do runs after everything queued before it.
	if err := s.Do(context.Background(), func() {}); err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	if len(got) != 100 {
		t.Fatalf("ran %d items, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("item %d ran at position %d", v, i)
		}
	}
}

func TestSerial_OneAtATime(t *testing.T) {
	s := NewSerial(0)
	defer s.Close()

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Do(context.Background(), func() {
				mu.Lock()
				active++
				maxSeen = max(maxSeen, active)
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()
			})
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("max concurrent work items = %d, want 1", maxSeen)
	}
}

func TestSerial_DoCancelled(t *testing.T) {
	s := NewSerial(0)
	defer s.Close()

	release := make(chan struct{})
	_ = s.Submit(func() { <-release })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := make(chan struct{})
	if err := s.Do(ctx, func() { close(ran) }); !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}

	close(release)
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("cancelled Do work item never ran")
	}
}

func TestSerial_Close(t *testing.T) {
	s := NewSerial(0)

	ran := false
	_ = s.Submit(func() { ran = true })
	s.Close()
	s.Close() // idempotent

	if !ran {
		t.Error("queued work should run before Close returns")
	}
	if s.IsRunning() {
		t.Error("IsRunning() = true after Close")
	}
	if err := s.Submit(func() {}); !errors.Is(err, ErrSerialClosed) {
		t.Errorf("Submit() after Close error = %v, want ErrSerialClosed", err)
	}
}
