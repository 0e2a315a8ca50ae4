// Package scheduler implements the Scheduler: a single-threaded
// cooperative loop that claims due jobs from the Job Store, advances
// their next-due instant via the Trigger Evaluator, and hands them to the
// Lane Dispatcher for execution.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/roelfdiedericks/goclaw-cron/internal/engine/clock"
	"github.com/roelfdiedericks/goclaw-cron/internal/engine/executor"
	"github.com/roelfdiedericks/goclaw-cron/internal/engine/job"
	"github.com/roelfdiedericks/goclaw-cron/internal/engine/lane"
	"github.com/roelfdiedericks/goclaw-cron/internal/engine/store"
	"github.com/roelfdiedericks/goclaw-cron/internal/engine/trigger"
	. "github.com/roelfdiedericks/goclaw-cron/internal/logging"
)

// TickFloor is the sleep between ticks unless Wake cuts it short, per §4.4.
const TickFloor = 5 * time.Second

// DefaultBatch bounds how many jobs ClaimDue returns per tick.
const DefaultBatch = 32

// Scheduler drives the claim -> advance -> dispatch loop.
type Scheduler struct {
	clock      clock.Clock
	jobStore   *store.Store
	dispatcher *lane.Dispatcher
	exec       *executor.Executor
	batch      int

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	disabled atomic.Bool

	mu         sync.Mutex
	lastTickAt time.Time
}

// New creates a Scheduler.
func New(c clock.Clock, jobStore *store.Store, dispatcher *lane.Dispatcher, exec *executor.Executor) *Scheduler {
	return &Scheduler{
		clock:      c,
		jobStore:   jobStore,
		dispatcher: dispatcher,
		exec:       exec,
		batch:      DefaultBatch,
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// SetDisabled toggles the global kill-switch. Honoured on every tick, not
// cached at startup, per §5.
func (s *Scheduler) SetDisabled(disabled bool) {
	s.disabled.Store(disabled)
}

// Wake preempts the scheduler's sleep, e.g. for wake_mode=now jobs, an
// immediate /run API call, or an inbound channel message.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the loop until ctx is cancelled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)
	for {
		sleep := s.tick(ctx)
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stop:
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Stop halts the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

// LastTick returns when the loop last completed a tick, for health
// reporting (§6's "degraded" determination: no tick within 2x TickFloor).
func (s *Scheduler) LastTick() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTickAt
}

func (s *Scheduler) tick(ctx context.Context) time.Duration {
	now := s.clock.Now()
	s.mu.Lock()
	s.lastTickAt = now
	s.mu.Unlock()

	if s.disabled.Load() {
		return TickFloor
	}

	// Enabled jobs with no next-due instant (never computed, or cleared by a
	// schedule change in Update) get one computed here.
	for _, j := range s.jobStore.List() {
		if !j.Enabled || j.State.NextDueMs != nil {
			continue
		}
		if due, err := trigger.NextDue(j.Schedule, time.UnixMilli(j.CreatedAtMs), nil, now); err == nil {
			_ = s.jobStore.SetNextDue(j.ID, due)
		}
	}

	claimed, err := s.jobStore.ClaimDue(now.UnixMilli(), s.batch)
	if err != nil {
		L_error("scheduler: claim_due failed", "error", err)
		return TickFloor
	}

	for _, j := range claimed {
		s.advanceAndDispatch(ctx, j, now)
	}

	return TickFloor
}

func (s *Scheduler) advanceAndDispatch(ctx context.Context, j *job.Job, now time.Time) {
	var previousDue *time.Time
	if j.State.NextDueMs != nil {
		t := time.UnixMilli(*j.State.NextDueMs)
		previousDue = &t
	}

	createdAt := time.UnixMilli(j.CreatedAtMs)
	lastDue := previousDue

	newDue, err := trigger.NextDue(j.Schedule, createdAt, lastDue, now)
	if err != nil && err != trigger.Done {
		L_error("scheduler: trigger evaluation failed", "job", j.ID, "error", err)
		return
	}
	if err == trigger.Done {
		newDue = nil
	}

	advanced, advErr := s.jobStore.Advance(j.ID, previousDue, newDue)
	if advErr != nil {
		L_error("scheduler: advance failed", "job", j.ID, "error", advErr)
		return
	}
	if !advanced {
		// another actor already advanced this job; drop without re-queuing.
		return
	}

	runID := uuid.New().String()
	triggeredAt := now
	work := lane.Work{
		LaneKey: j.SessionKey(),
		RunID:   runID,
		Run: func(runCtx context.Context) {
			s.exec.Run(runCtx, j, triggeredAt, executor.TriggerSchedule, runID)
		},
	}
	if err := s.dispatcher.Enqueue(work); err != nil {
		L_warn("scheduler: dispatch rejected", "job", j.ID, "error", err)
	}
}

// RunNow dispatches a job immediately, bypassing claim_due/advance —
// used for cron.run{mode:"force"} and inbound-channel triggers that share
// the Lane Dispatcher but not the periodic tick.
func (s *Scheduler) RunNow(ctx context.Context, j *job.Job, reason executor.TriggerReason) error {
	now := s.clock.Now()
	runID := uuid.New().String()
	work := lane.Work{
		LaneKey: j.SessionKey(),
		RunID:   runID,
		Run: func(runCtx context.Context) {
			s.exec.Run(runCtx, j, now, reason, runID)
		},
	}
	return s.dispatcher.Enqueue(work)
}

// Cancel cooperatively cancels a run in progress.
func (s *Scheduler) Cancel(runID string) bool {
	return s.dispatcher.Cancel(runID)
}
