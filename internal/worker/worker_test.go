package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestJobsForOneKeyRunInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []int
	g := NewGroup(GroupOptions[int]{
		MaxConcurrency: 4,
		QueueSize:      16,
		Handle: func(ctx context.Context, n int) {
			mu.Lock()
			got = append(got, n)
			mu.Unlock()
		},
	})
	defer g.Close()

	for i := 0; i < 10; i++ {
		if err := g.Enqueue("k", i); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	waitFor(t, "all jobs handled", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 10
	})
	mu.Lock()
	defer mu.Unlock()
	for i, n := range got {
		if n != i {
			t.Fatalf("jobs out of order: %v", got)
		}
	}
}

func TestFullQueueDropsInsteadOfBlocking(t *testing.T) {
	started := make(chan struct{})
	gate := make(chan struct{})
	g := NewGroup(GroupOptions[int]{
		MaxConcurrency: 1,
		QueueSize:      1,
		Handle: func(ctx context.Context, n int) {
			started <- struct{}{}
			<-gate
		},
	})
	defer g.Close()
	defer close(gate)

	if err := g.Enqueue("k", 1); err != nil {
		t.Fatalf("enqueue 1: %v", err)
	}
	<-started

	// Loop is busy; one slot of buffer remains.
	if err := g.Enqueue("k", 2); err != nil {
		t.Fatalf("enqueue 2: %v", err)
	}
	if err := g.Enqueue("k", 3); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestDropPrefixStopsMatchingLoops(t *testing.T) {
	var mu sync.Mutex
	counts := make(map[string]int)
	g := NewGroup(GroupOptions[string]{
		MaxConcurrency: 2,
		QueueSize:      8,
		Handle: func(ctx context.Context, key string) {
			mu.Lock()
			counts[key]++
			mu.Unlock()
		},
	})
	defer g.Close()

	if err := g.Enqueue("a|1", "a"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := g.Enqueue("b|1", "b"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, "both handled", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts["a"] == 1 && counts["b"] == 1
	})

	g.DropPrefix("a|")

	// The dropped key gets a fresh loop; the other key is untouched.
	if err := g.Enqueue("a|1", "a"); err != nil {
		t.Fatalf("enqueue after drop: %v", err)
	}
	if err := g.Enqueue("b|1", "b"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, "post-drop jobs handled", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts["a"] == 2 && counts["b"] == 2
	})
}

func TestDropPrefixDrainsBufferedJobs(t *testing.T) {
	var mu sync.Mutex
	var handled int
	gate := make(chan struct{})
	started := make(chan struct{})
	g := NewGroup(GroupOptions[int]{
		MaxConcurrency: 1,
		QueueSize:      4,
		Handle: func(ctx context.Context, n int) {
			if n == 0 {
				started <- struct{}{}
				<-gate
			}
			mu.Lock()
			handled++
			mu.Unlock()
		},
	})
	defer g.Close()

	if err := g.Enqueue("k", 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	<-started
	for i := 1; i <= 3; i++ {
		if err := g.Enqueue("k", i); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	g.DropPrefix("k")
	close(gate)

	waitFor(t, "buffered jobs drained", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return handled == 4
	})
}

func TestCloseRejectsFurtherJobs(t *testing.T) {
	g := NewGroup(GroupOptions[int]{
		Handle: func(ctx context.Context, n int) {},
	})
	g.Close()
	if err := g.Enqueue("k", 1); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
