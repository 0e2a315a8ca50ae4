package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/roelfdiedericks/goclaw-cron/internal/engine/clock"
)

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingSink) EnqueueEvent(ctx context.Context, sessionID, text string, wakeNow bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sessionID+"|"+text)
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestHeartbeatDisabledNeverTicks(t *testing.T) {
	sink := &recordingSink{}
	h := New(clock.New(), sink, Config{Enabled: false, Interval: 10 * time.Millisecond})

	done := make(chan struct{})
	go func() {
		h.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled heartbeat never returned")
	}
	if sink.count() != 0 {
		t.Fatalf("sink.count() = %d, want 0", sink.count())
	}
}

func TestHeartbeatTicksAndEnqueues(t *testing.T) {
	sink := &recordingSink{}
	h := New(clock.New(), sink, Config{Enabled: true, Interval: 10 * time.Millisecond, Prompt: "tick", AgentID: "agent1"})

	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if sink.count() >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	h.Stop()

	if sink.count() < 2 {
		t.Fatalf("sink.count() = %d, want >= 2 ticks", sink.count())
	}
	sink.mu.Lock()
	first := sink.events[0]
	sink.mu.Unlock()
	if first != "agent:agent1:main|tick" {
		t.Fatalf("event = %q", first)
	}
}

func TestHeartbeatStopHalts(t *testing.T) {
	sink := &recordingSink{}
	h := New(clock.New(), sink, Config{Enabled: true, Interval: 5 * time.Millisecond, AgentID: "agent1"})

	go h.Run(context.Background())
	time.Sleep(20 * time.Millisecond)
	h.Stop()

	n := sink.count()
	time.Sleep(30 * time.Millisecond)
	if sink.count() != n {
		t.Fatalf("heartbeat kept ticking after Stop: %d -> %d", n, sink.count())
	}
}
