package executor

import (
	"context"
	"testing"
	"time"

	"github.com/roelfdiedericks/goclaw-cron/internal/engine/clock"
	"github.com/roelfdiedericks/goclaw-cron/internal/engine/delivery"
	"github.com/roelfdiedericks/goclaw-cron/internal/engine/job"
	"github.com/roelfdiedericks/goclaw-cron/internal/engine/store"
)

type fakeSink struct {
	events []string
}

func (f *fakeSink) EnqueueEvent(ctx context.Context, sessionID, text string, wakeNow bool) error {
	f.events = append(f.events, sessionID+"|"+text)
	return nil
}

type fakeAgent struct {
	result       AgentResult
	err          error
	blockUntil   bool
	failN        int // fail this many calls with result.ErrorKind before succeeding
	calls        int
	successAfter AgentResult
}

func (f *fakeAgent) Run(ctx context.Context, sessionID, prompt string, overrides AgentOverrides) (AgentResult, error) {
	f.calls++
	if f.blockUntil {
		<-ctx.Done()
		return AgentResult{}, ctx.Err()
	}
	if f.failN > 0 && f.calls <= f.failN {
		return f.result, f.err
	}
	if f.failN > 0 {
		return f.successAfter, nil
	}
	return f.result, f.err
}

func newTestExecutor(t *testing.T, agent AgentRuntime, sink *fakeSink) (*Executor, *store.Store) {
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
	c := clock.NewFake(time.Unix(0, 0))
	return New(c, agent, sink, router, runLog, s, Defaults{}), s
}

func TestRunMainEnqueuesEvent(t *testing.T) {
	sink := &fakeSink{}
	e, s := newTestExecutor(t, &fakeAgent{}, sink)

	j := &job.Job{
		Name:          "reminder-job",
		AgentID:       "a1",
		SessionTarget: job.SessionTargetMain,
		WakeMode:      job.WakeModeNow,
		Schedule:      job.Schedule{Kind: job.ScheduleEvery, EveryMs: 60000},
		Payload:       job.Payload{Kind: job.PayloadSystemEvent, Text: "reminder"},
	}
	added, err := s.Add(j, 1000)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	j = added

	rec := e.Run(context.Background(), j, time.Unix(1, 0), TriggerSchedule, "run-1")
	if rec.Outcome != job.OutcomeOK {
		t.Fatalf("Run() outcome = %v", rec.Outcome)
	}
	if rec.RunID != "run-1" {
		t.Fatalf("Run() RunID = %q, want the dispatched run id", rec.RunID)
	}
	if len(sink.events) != 1 || sink.events[0] != "agent:a1:main|reminder" {
		t.Fatalf("sink.events = %v", sink.events)
	}
}

func TestRunIsolatedPostsToMainOnSuccess(t *testing.T) {
	sink := &fakeSink{}
	agent := &fakeAgent{result: AgentResult{OutputText: "done"}}
	e, _ := newTestExecutor(t, agent, sink)

	j := &job.Job{
		ID:            "j2",
		AgentID:       "a1",
		SessionTarget: job.SessionTargetIsolated,
		Payload:       job.Payload{Kind: job.PayloadAgentTurn, Message: "go do it"},
	}

	rec := e.Run(context.Background(), j, time.Unix(1, 0), TriggerSchedule, "run-2")
	if rec.Outcome != job.OutcomeOK {
		t.Fatalf("Run() outcome = %v, detail = %s", rec.Outcome, rec.ErrorDetail)
	}
	if len(sink.events) != 1 {
		t.Fatalf("expected one post_to_main event, got %v", sink.events)
	}
}

func TestRunIsolatedRetriesRetryableFailureThenSucceeds(t *testing.T) {
	sink := &fakeSink{}
	agent := &fakeAgent{
		failN:        1,
		result:       AgentResult{ErrorKind: "retryable"},
		successAfter: AgentResult{OutputText: "done on retry"},
	}
	e, _ := newTestExecutor(t, agent, sink)

	j := &job.Job{
		ID:            "j2b",
		AgentID:       "a1",
		SessionTarget: job.SessionTargetIsolated,
		Payload:       job.Payload{Kind: job.PayloadAgentTurn, Message: "go do it"},
	}

	rec := e.Run(context.Background(), j, time.Unix(1, 0), TriggerSchedule, "run-2b")
	if rec.Outcome != job.OutcomeOK {
		t.Fatalf("Run() outcome = %v, detail = %s", rec.Outcome, rec.ErrorDetail)
	}
	if agent.calls != 2 {
		t.Fatalf("agent.calls = %d, want 2 (original + one retry)", agent.calls)
	}
}

func TestRunIsolatedDoesNotRetryTerminalFailure(t *testing.T) {
	sink := &fakeSink{}
	agent := &fakeAgent{result: AgentResult{ErrorKind: "terminal"}}
	e, _ := newTestExecutor(t, agent, sink)

	j := &job.Job{
		ID:            "j2c",
		AgentID:       "a1",
		SessionTarget: job.SessionTargetIsolated,
		Payload:       job.Payload{Kind: job.PayloadAgentTurn, Message: "go do it"},
	}

	rec := e.Run(context.Background(), j, time.Unix(1, 0), TriggerSchedule, "run-2c")
	if rec.Outcome != job.OutcomeFailed || rec.ErrorKind != job.ErrAgentError {
		t.Fatalf("Run() = outcome=%v kind=%v, want failed/agent_error", rec.Outcome, rec.ErrorKind)
	}
	if agent.calls != 1 {
		t.Fatalf("agent.calls = %d, want 1 (terminal failures are not retried)", agent.calls)
	}
}

func TestRunIsolatedDeletesOneShotAfterSuccessfulRun(t *testing.T) {
	sink := &fakeSink{}
	agent := &fakeAgent{result: AgentResult{OutputText: "done"}}
	e, s := newTestExecutor(t, agent, sink)

	j := &job.Job{
		Name:           "one-shot",
		AgentID:        "a1",
		SessionTarget:  job.SessionTargetIsolated,
		DeleteAfterRun: true,
		Schedule:       job.Schedule{Kind: job.ScheduleAt, AtMs: 1000},
		Payload:        job.Payload{Kind: job.PayloadAgentTurn, Message: "go do it"},
	}
	added, err := s.Add(j, 1000)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	rec := e.Run(context.Background(), added, time.Unix(1, 0), TriggerSchedule, "run-2d")
	if rec.Outcome != job.OutcomeOK {
		t.Fatalf("Run() outcome = %v, detail = %s", rec.Outcome, rec.ErrorDetail)
	}
	if _, err := s.Get(added.ID); !job.Is(err, job.ErrNotFound) {
		t.Fatalf("one-shot job still present after a successful run: %v", err)
	}
}

func TestRunIsolatedTimeoutMarksAgentTimeout(t *testing.T) {
	sink := &fakeSink{}
	agent := &fakeAgent{blockUntil: true}
	e, _ := newTestExecutor(t, agent, sink)

	j := &job.Job{
		ID:            "j3",
		AgentID:       "a1",
		SessionTarget: job.SessionTargetIsolated,
		Payload:       job.Payload{Kind: job.PayloadAgentTurn, Message: "go do it", TimeoutSeconds: 1},
	}

	rec := e.Run(context.Background(), j, time.Unix(1, 0), TriggerSchedule, "run-3")
	if rec.Outcome != job.OutcomeFailed || rec.ErrorKind != job.ErrAgentTimeout {
		t.Fatalf("Run() = outcome=%v kind=%v, want failed/agent_timeout", rec.Outcome, rec.ErrorKind)
	}
	// a timeout is retried once, so the blocking agent is invoked twice.
	if agent.calls != 2 {
		t.Fatalf("agent.calls = %d, want 2 (original + one retry)", agent.calls)
	}
	// even on failure, post_to_main still happens so the user sees the job ran.
	if len(sink.events) != 1 {
		t.Fatalf("expected post_to_main on failure, got %v", sink.events)
	}
}

func TestRunPreCancelledContext(t *testing.T) {
	sink := &fakeSink{}
	e, _ := newTestExecutor(t, &fakeAgent{}, sink)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	j := &job.Job{ID: "j4", SessionTarget: job.SessionTargetMain, Payload: job.Payload{Kind: job.PayloadSystemEvent, Text: "x"}}
	rec := e.Run(ctx, j, time.Unix(1, 0), TriggerSchedule, "run-4")
	if rec.Outcome != job.OutcomeCancelled {
		t.Fatalf("Run() outcome = %v, want cancelled", rec.Outcome)
	}
}
