package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/roelfdiedericks/goclaw-cron/internal/engine/clock"
	"github.com/roelfdiedericks/goclaw-cron/internal/engine/delivery"
	"github.com/roelfdiedericks/goclaw-cron/internal/engine/executor"
	"github.com/roelfdiedericks/goclaw-cron/internal/engine/job"
	"github.com/roelfdiedericks/goclaw-cron/internal/engine/lane"
	"github.com/roelfdiedericks/goclaw-cron/internal/engine/store"
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

type noopAgent struct{}

func (noopAgent) Run(ctx context.Context, sessionID, prompt string, overrides executor.AgentOverrides) (executor.AgentResult, error) {
	return executor.AgentResult{OutputText: "ok"}, nil
}

func newTestScheduler(t *testing.T, c *clock.Fake) (*Scheduler, *store.Store, *recordingSink) {
	t.Helper()
	dir := t.TempDir()
	s := store.New(dir+"/jobs.json", dir+"/runs")
	if err := s.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	runLog := store.NewRunLog(dir+"/runs", 10)
	lastRoute := delivery.NewLastRouteStore(dir + "/last_route.json")
	_ = lastRoute.Load()
	router := delivery.NewRouter(nil, lastRoute)
	sink := &recordingSink{}
	exec := executor.New(c, noopAgent{}, sink, router, runLog, s, executor.Defaults{})
	disp := lane.New(0, 0)
	sched := New(c, s, disp, exec)
	return sched, s, sink
}

func mainJob(name string) *job.Job {
	return &job.Job{
		Name:          name,
		Enabled:       true,
		Schedule:      job.Schedule{Kind: job.ScheduleEvery, EveryMs: 60000},
		SessionTarget: job.SessionTargetMain,
		Payload:       job.Payload{Kind: job.PayloadSystemEvent, Text: "hi"},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestTickDispatchesDueJobAndAdvances(t *testing.T) {
	c := clock.NewFake(time.UnixMilli(0))
	sched, s, sink := newTestScheduler(t, c)

	added, err := s.Add(mainJob("j1"), 0)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	due := time.UnixMilli(500)
	if err := s.SetNextDue(added.ID, &due); err != nil {
		t.Fatalf("SetNextDue() error = %v", err)
	}

	c.Set(time.UnixMilli(1000))
	sched.tick(context.Background())

	waitFor(t, func() bool { return sink.count() == 1 })

	got, err := s.Get(added.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State.NextDueMs == nil || *got.State.NextDueMs <= due.UnixMilli() {
		t.Fatalf("NextDueMs not advanced: %+v", got.State)
	}
}

func TestTickSkipsWhenDisabled(t *testing.T) {
	c := clock.NewFake(time.UnixMilli(0))
	sched, s, sink := newTestScheduler(t, c)
	sched.SetDisabled(true)

	added, _ := s.Add(mainJob("j1"), 0)
	due := time.UnixMilli(500)
	_ = s.SetNextDue(added.ID, &due)

	c.Set(time.UnixMilli(1000))
	sched.tick(context.Background())

	time.Sleep(20 * time.Millisecond)
	if sink.count() != 0 {
		t.Fatalf("sink.count() = %d, want 0 while disabled", sink.count())
	}
}

func TestRunNowBypassesClaimDue(t *testing.T) {
	c := clock.NewFake(time.UnixMilli(0))
	sched, s, sink := newTestScheduler(t, c)

	added, _ := s.Add(mainJob("manual"), 0)

	if err := sched.RunNow(context.Background(), added, executor.TriggerManual); err != nil {
		t.Fatalf("RunNow() error = %v", err)
	}

	waitFor(t, func() bool { return sink.count() == 1 })
}

func TestCancelDelegatesToDispatcher(t *testing.T) {
	c := clock.NewFake(time.UnixMilli(0))
	sched, _, _ := newTestScheduler(t, c)

	started := make(chan struct{})
	cancelled := make(chan struct{})
	err := sched.dispatcher.Enqueue(lane.Work{
		LaneKey: "lane-a",
		RunID:   "run-1",
		Run: func(ctx context.Context) {
			close(started)
			<-ctx.Done()
			close(cancelled)
		},
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	<-started
	if !sched.Cancel("run-1") {
		t.Fatal("Cancel() = false, want true for a running RunID")
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("context was never cancelled")
	}
}
