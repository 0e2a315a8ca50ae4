// Package lane implements the Lane Dispatcher: a keyed concurrency gate
// guaranteeing at-most-one-concurrent execution per session key, FIFO
// ordering within a key, and starvation-free progress across keys, all
// under a bounded global parallelism cap. There is no teacher analogue
// for this component in the retrieved corpus — the cron schedulers
// examined all ran jobs inline on a single goroutine rather than
// dispatching through a keyed gate, so this is built from the mutex/
// channel idioms used elsewhere in the teacher (internal/cron/service.go's
// use of sync.Mutex-guarded maps plus buffered channels for work queues).
package lane

import (
	"context"
	"sync"

	"github.com/roelfdiedericks/goclaw-cron/internal/engine/job"
)

// Work is one unit of dispatched execution.
type Work struct {
	LaneKey string
	RunID   string
	Run     func(ctx context.Context)
}

// Dispatcher gates work by lane key. At most one Work item per lane key
// runs at a time; the global cap bounds total concurrent Work across all
// lanes.
type Dispatcher struct {
	globalCap  int
	laneCap    int
	globalSlot chan struct{}

	mu    sync.Mutex
	lanes map[string]*laneState

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc
}

type laneState struct {
	mu      sync.Mutex
	queue   []Work
	running bool
}

// New creates a Dispatcher with the given global parallelism cap and
// per-lane queue capacity. globalCap <= 0 means unbounded; laneCap <= 0
// means unbounded (not recommended — admission should reject eventually).
func New(globalCap, laneCap int) *Dispatcher {
	d := &Dispatcher{globalCap: globalCap, laneCap: laneCap, lanes: make(map[string]*laneState), cancels: make(map[string]context.CancelFunc)}
	if globalCap > 0 {
		d.globalSlot = make(chan struct{}, globalCap)
	}
	return d
}

// Enqueue admits work onto its lane's queue. It returns LaneQueueFull if
// the lane's queue is already at capacity, rather than growing unbounded,
// per §4.5.
func (d *Dispatcher) Enqueue(w Work) error {
	d.mu.Lock()
	ls, ok := d.lanes[w.LaneKey]
	if !ok {
		ls = &laneState{}
		d.lanes[w.LaneKey] = ls
	}
	d.mu.Unlock()

	ls.mu.Lock()
	if d.laneCap > 0 && len(ls.queue) >= d.laneCap {
		ls.mu.Unlock()
		return job.NewError(job.ErrLaneQueueFull, w.LaneKey)
	}
	ls.queue = append(ls.queue, w)
	shouldStart := !ls.running
	if shouldStart {
		ls.running = true
	}
	ls.mu.Unlock()

	if shouldStart {
		go d.drainLane(w.LaneKey, ls)
	}
	return nil
}

// drainLane runs queued work for one lane strictly FIFO, one at a time.
// Because each lane drains on its own goroutine and only ever admits a
// new global slot immediately before running an item, a lane with pending
// work always makes progress as soon as a global slot frees — independent
// of how many other lanes are also waiting, which is what makes the
// dispatcher starvation-free: no lane is ever skipped in favor of another
// once a slot is available, since slot acquisition here is plain FIFO
// admission to a buffered channel, not a priority structure that could
// favor one lane over another.
func (d *Dispatcher) drainLane(key string, ls *laneState) {
	for {
		ls.mu.Lock()
		if len(ls.queue) == 0 {
			ls.running = false
			ls.mu.Unlock()
			return
		}
		w := ls.queue[0]
		ls.queue = ls.queue[1:]
		ls.mu.Unlock()

		if d.globalSlot != nil {
			d.globalSlot <- struct{}{}
		}
		ctx, cancel := context.WithCancel(context.Background())
		if w.RunID != "" {
			d.cancelMu.Lock()
			d.cancels[w.RunID] = cancel
			d.cancelMu.Unlock()
		}
		w.Run(ctx)
		if w.RunID != "" {
			d.cancelMu.Lock()
			delete(d.cancels, w.RunID)
			d.cancelMu.Unlock()
		}
		cancel()
		if d.globalSlot != nil {
			<-d.globalSlot
		}
	}
}

// Cancel cooperatively cancels the running Work item with the given
// RunID, if it is currently running. The Executor observes ctx.Done() at
// its defined suspension points (before the agent call, inside the agent
// call through its context, before delivery) per §4.5 — work already sent to an external
// channel is not retracted.
func (d *Dispatcher) Cancel(runID string) bool {
	d.cancelMu.Lock()
	cancel, ok := d.cancels[runID]
	d.cancelMu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// QueueLen reports the number of pending (not yet running) items for a
// lane. Intended for status/health reporting and tests.
func (d *Dispatcher) QueueLen(laneKey string) int {
	d.mu.Lock()
	ls, ok := d.lanes[laneKey]
	d.mu.Unlock()
	if !ok {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}
