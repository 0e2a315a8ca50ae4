// Package heartbeat implements the periodic main-session heartbeat turn
// described in the glossary: a main-session agent turn driven by
// configuration, not by the job catalog. wake_mode=next-heartbeat jobs
// inject events via the Executor's EventSink that the next heartbeat
// consumes; this package only owns the ticking.
package heartbeat

import (
	"context"
	"time"

	"github.com/roelfdiedericks/goclaw-cron/internal/engine/clock"
	"github.com/roelfdiedericks/goclaw-cron/internal/engine/job"
	. "github.com/roelfdiedericks/goclaw-cron/internal/logging"
)

// Sink is the main-session event sink, shared with the Executor.
type Sink interface {
	EnqueueEvent(ctx context.Context, sessionID string, text string, wakeNow bool) error
}

// Config configures the heartbeat ticker.
type Config struct {
	Enabled  bool
	Interval time.Duration
	Prompt   string
	AgentID  string
}

// Heartbeat periodically enqueues a wake-now main-session event so the
// agent takes a turn even with no pending cron work.
type Heartbeat struct {
	clock  clock.Clock
	sink   Sink
	config Config

	stop chan struct{}
	done chan struct{}
}

// New creates a Heartbeat.
func New(c clock.Clock, sink Sink, config Config) *Heartbeat {
	return &Heartbeat{clock: c, sink: sink, config: config, stop: make(chan struct{}), done: make(chan struct{})}
}

// Run drives the ticker until ctx is cancelled or Stop is called. A
// no-op if the heartbeat is disabled.
func (h *Heartbeat) Run(ctx context.Context) {
	defer close(h.done)
	if !h.config.Enabled || h.config.Interval <= 0 {
		return
	}

	ticker := time.NewTicker(h.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case <-ticker.C:
			prompt := h.config.Prompt
			if prompt == "" {
				prompt = "heartbeat"
			}
			if err := h.sink.EnqueueEvent(ctx, job.MainSessionKey(h.config.AgentID), prompt, true); err != nil {
				L_warn("heartbeat: enqueue failed", "error", err)
			}
		}
	}
}

// Stop halts the ticker and waits for it to exit.
func (h *Heartbeat) Stop() {
	close(h.stop)
	<-h.done
}
