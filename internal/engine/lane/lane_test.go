package lane

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/roelfdiedericks/goclaw-cron/internal/engine/job"
)

func TestLaneFIFOAndAtMostOneConcurrent(t *testing.T) {
	d := New(0, 0)
	var mu sync.Mutex
	var order []int
	var running atomic.Int32
	var maxConcurrent atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		err := d.Enqueue(Work{
			LaneKey: "lane-a",
			Run: func(ctx context.Context) {
				defer wg.Done()
				n := running.Add(1)
				for {
					cur := maxConcurrent.Load()
					if n <= cur || maxConcurrent.CompareAndSwap(cur, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				running.Add(-1)
			},
		})
		if err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
	wg.Wait()

	if maxConcurrent.Load() != 1 {
		t.Fatalf("max concurrent work in one lane = %d, want 1", maxConcurrent.Load())
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("lane did not run FIFO: order = %v", order)
		}
	}
}

func TestLaneQueueFullRejected(t *testing.T) {
	d := New(0, 1)
	block := make(chan struct{})
	_ = d.Enqueue(Work{LaneKey: "lane-a", Run: func(ctx context.Context) { <-block }})
	_ = d.Enqueue(Work{LaneKey: "lane-a", Run: func(ctx context.Context) {}})

	err := d.Enqueue(Work{LaneKey: "lane-a", Run: func(ctx context.Context) {}})
	if !job.Is(err, job.ErrLaneQueueFull) {
		t.Fatalf("Enqueue() error = %v, want ErrLaneQueueFull", err)
	}
	close(block)
}

func TestDifferentLanesRunConcurrently(t *testing.T) {
	d := New(0, 0)
	start := make(chan struct{})
	var wg sync.WaitGroup
	var concurrent atomic.Int32
	var sawBoth atomic.Bool

	for _, key := range []string{"lane-a", "lane-b"} {
		key := key
		wg.Add(1)
		_ = d.Enqueue(Work{
			LaneKey: key,
			Run: func(ctx context.Context) {
				defer wg.Done()
				<-start
				n := concurrent.Add(1)
				if n == 2 {
					sawBoth.Store(true)
				}
				time.Sleep(10 * time.Millisecond)
				concurrent.Add(-1)
			},
		})
	}
	close(start)
	wg.Wait()

	if !sawBoth.Load() {
		t.Fatal("two distinct lanes never ran concurrently")
	}
}

func TestCancelRunningWork(t *testing.T) {
	d := New(0, 0)
	cancelled := make(chan struct{})
	done := make(chan struct{})

	_ = d.Enqueue(Work{
		LaneKey: "lane-a",
		RunID:   "run-1",
		Run: func(ctx context.Context) {
			defer close(done)
			<-ctx.Done()
			close(cancelled)
		},
	})

	// Give the lane a moment to start running before cancelling.
	time.Sleep(5 * time.Millisecond)
	if !d.Cancel("run-1") {
		t.Fatal("Cancel() = false, want true for a running RunID")
	}

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("context was never cancelled")
	}
	<-done
}
