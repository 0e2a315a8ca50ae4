// Package executor implements the Executor: runs a single claimed job,
// resolving its session, materialising its prompt or event, invoking the
// Agent Runtime or the main-session event sink, capturing the result,
// appending a RunRecord and handing off to the Delivery Router.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/roelfdiedericks/goclaw-cron/internal/engine/clock"
	"github.com/roelfdiedericks/goclaw-cron/internal/engine/delivery"
	"github.com/roelfdiedericks/goclaw-cron/internal/engine/job"
	"github.com/roelfdiedericks/goclaw-cron/internal/engine/store"
	. "github.com/roelfdiedericks/goclaw-cron/internal/logging"
)

// TriggerReason is why a job run was started.
type TriggerReason string

const (
	TriggerSchedule       TriggerReason = "schedule"
	TriggerManual         TriggerReason = "manual"
	TriggerInboundChannel TriggerReason = "inbound_channel"
)

// AgentOverrides are the per-run Agent Runtime knobs resolved from the
// job payload.
type AgentOverrides struct {
	Model      string
	Thinking   string
	TimeoutSec int
}

// AgentResult is what the Agent Runtime collaborator returns.
type AgentResult struct {
	OutputText string
	Usage      map[string]int
	ErrorKind  string // "" on success; otherwise "retryable" or "terminal"
}

// AgentRuntime is the external collaborator that turns a prompt into
// output, per §6: run(session_id, prompt, overrides) -> (output, usage,
// error?).
type AgentRuntime interface {
	Run(ctx context.Context, sessionID string, prompt string, overrides AgentOverrides) (AgentResult, error)
}

// EventSink is the main-session event sink collaborator: enqueue_event.
type EventSink interface {
	EnqueueEvent(ctx context.Context, sessionID string, text string, wakeNow bool) error
}

// Defaults supplies the agent-default and hook-default override values
// used when a job payload does not specify its own, per §4.6's
// resolution priority: per-job > hook-default > agent-default.
type Defaults struct {
	HookModel      string
	HookThinking   string
	HookTimeoutSec int
	AgentModel     string
	AgentThinking  string
	AgentTimeout   int
}

func (d Defaults) resolve(p job.Payload) AgentOverrides {
	ov := AgentOverrides{
		Model:      d.AgentModel,
		Thinking:   d.AgentThinking,
		TimeoutSec: d.AgentTimeout,
	}
	if d.HookModel != "" {
		ov.Model = d.HookModel
	}
	if d.HookThinking != "" {
		ov.Thinking = d.HookThinking
	}
	if d.HookTimeoutSec != 0 {
		ov.TimeoutSec = d.HookTimeoutSec
	}
	if p.Model != "" {
		ov.Model = p.Model
	}
	if p.Thinking != "" {
		ov.Thinking = p.Thinking
	}
	if p.TimeoutSeconds != 0 {
		ov.TimeoutSec = p.TimeoutSeconds
	}
	return ov
}

// Executor runs individual claimed jobs.
type Executor struct {
	clock    clock.Clock
	agent    AgentRuntime
	sink     EventSink
	router   *delivery.Router
	runLog   *store.RunLog
	jobStore *store.Store
	defaults Defaults
}

// New creates an Executor.
func New(c clock.Clock, agent AgentRuntime, sink EventSink, router *delivery.Router, runLog *store.RunLog, jobStore *store.Store, defaults Defaults) *Executor {
	return &Executor{clock: c, agent: agent, sink: sink, router: router, runLog: runLog, jobStore: jobStore, defaults: defaults}
}

// Run executes one claimed job and returns its RunRecord. runID is the
// same id the caller registered with the Lane Dispatcher, so an operator
// can cancel an in-flight run by the id recorded in RunRecord.RunID. Run
// never returns an error to the caller — all failures are captured in the
// RunRecord's Outcome/ErrorKind per §7's propagation policy.
func (e *Executor) Run(ctx context.Context, j *job.Job, triggeredAt time.Time, reason TriggerReason, runID string) job.RunRecord {
	startedAt := e.clock.Now()
	rec := job.RunRecord{
		RunID:       runID,
		JobID:       j.ID,
		TriggeredAt: triggeredAt.UnixMilli(),
	}
	startMs := startedAt.UnixMilli()
	rec.StartedAt = &startMs

	if err := ctx.Err(); err != nil {
		rec.Outcome = job.OutcomeCancelled
		rec.ErrorKind = job.ErrCancelled
		e.finish(&rec, startedAt)
		return rec
	}

	switch j.SessionTarget {
	case job.SessionTargetMain:
		e.runMain(ctx, j, &rec)
	case job.SessionTargetIsolated:
		e.runIsolated(ctx, j, &rec, runID)
	default:
		rec.Outcome = job.OutcomeFailed
		rec.ErrorKind = job.ErrInternal
		rec.ErrorDetail = fmt.Sprintf("unknown session_target %q", j.SessionTarget)
	}

	e.finish(&rec, startedAt)

	// delete_after_run fires only once the run outcome is known to be ok,
	// per §4.4 — never at claim/advance time, so a crash before the run
	// completes can't lose a one-shot job that never executed.
	if rec.Outcome == job.OutcomeOK && j.DeleteAfterRun && j.IsOneShot() {
		if err := e.jobStore.Remove(j.ID); err != nil {
			L_warn("executor: failed to remove one-shot job after successful run", "job", j.ID, "error", err)
		}
	}
	return rec
}

func (e *Executor) finish(rec *job.RunRecord, startedAt time.Time) {
	finishedAt := e.clock.Now()
	ms := finishedAt.UnixMilli()
	rec.FinishedAt = &ms
	duration := finishedAt.Sub(startedAt)

	if err := e.runLog.Append(*rec); err != nil {
		L_error("executor: failed to append run record", "job", rec.JobID, "run", rec.RunID, "error", err)
	}
	errDetail := rec.ErrorDetail
	if errDetail == "" {
		errDetail = string(rec.ErrorKind)
	}
	if err := e.jobStore.RecordRun(rec.JobID, startedAt.UnixMilli(), duration.Milliseconds(), rec.Outcome, errDetail); err != nil {
		L_warn("executor: failed to record run state", "job", rec.JobID, "error", err)
	}
}

// runMain enqueues a synthetic system event for a main-session job. Per
// §4.6, the Executor itself never calls the Agent Runtime for
// wake_mode=next-heartbeat jobs — it returns ok once the event is
// durably queued, leaving the next heartbeat to consume it.
func (e *Executor) runMain(ctx context.Context, j *job.Job, rec *job.RunRecord) {
	sessionID := j.SessionKey()
	wakeNow := j.WakeMode == job.WakeModeNow

	if err := e.sink.EnqueueEvent(ctx, sessionID, j.Payload.Text, wakeNow); err != nil {
		rec.Outcome = job.OutcomeFailed
		rec.ErrorKind = job.ErrInternal
		rec.ErrorDetail = err.Error()
		return
	}
	rec.Outcome = job.OutcomeOK
	rec.Summary = j.Payload.Text
}

// runIsolated mints a per-run session id, invokes the Agent Runtime with
// the cron prompt prefix, posts a summary back to the main session, and
// triggers delivery if requested, per §4.6. A failure the runtime marks
// transient — a timeout, or an AgentResult.ErrorKind of "retryable" — gets
// one retry before being recorded as failed, per §4.6/§7.
func (e *Executor) runIsolated(ctx context.Context, j *job.Job, rec *job.RunRecord, runID string) {
	isolatedSessionID := fmt.Sprintf("%s:run:%s", j.SessionKey(), runID)
	prompt := fmt.Sprintf("[cron:%s %s] %s", j.ID, j.Name, j.Payload.Message)
	overrides := e.defaults.resolve(j.Payload)

	result, err, timedOut := e.callAgent(ctx, isolatedSessionID, prompt, overrides)
	if (err != nil || result.ErrorKind != "") && ctx.Err() != context.Canceled {
		if timedOut || result.ErrorKind == "retryable" {
			L_warn("executor: retrying transient agent failure", "job", j.ID, "run", runID)
			result, err, timedOut = e.callAgent(ctx, isolatedSessionID, prompt, overrides)
		}
	}

	if err != nil || result.ErrorKind != "" {
		e.handleAgentFailure(ctx, j, rec, err, result, timedOut)
		return
	}

	rec.Summary = result.OutputText
	rec.Outcome = job.OutcomeOK

	e.postToMain(ctx, j, result.OutputText)

	if j.Payload.ShouldDeliver() {
		if ctx.Err() == context.Canceled {
			rec.Outcome = job.OutcomeCancelled
			rec.ErrorKind = job.ErrCancelled
			return
		}
		del := e.router.Deliver(ctx, j.SessionKey(), j.Payload, result.OutputText, e.clock.NowMs())
		rec.Delivery = del
		if del != nil && del.Status == "failed" {
			if j.Payload.BestEffortDeliver {
				// swallowed: outcome stays ok per §4.6(d)
			} else {
				rec.Outcome = job.OutcomeFailed
				rec.ErrorKind = job.ErrDeliveryError
			}
		}
	}
}

// callAgent wraps a single Agent Runtime invocation with the payload's
// timeout, if any, and reports whether that per-call context is what
// caused the failure (as opposed to the caller's own ctx being cancelled).
func (e *Executor) callAgent(ctx context.Context, sessionID, prompt string, overrides AgentOverrides) (AgentResult, error, bool) {
	runCtx := ctx
	if overrides.TimeoutSec > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(overrides.TimeoutSec)*time.Second)
		defer cancel()
	}
	result, err := e.agent.Run(runCtx, sessionID, prompt, AgentOverrides{
		Model:      overrides.Model,
		Thinking:   overrides.Thinking,
		TimeoutSec: overrides.TimeoutSec,
	})
	return result, err, runCtx.Err() == context.DeadlineExceeded
}

func (e *Executor) handleAgentFailure(ctx context.Context, j *job.Job, rec *job.RunRecord, err error, result AgentResult, timedOut bool) {
	if ctx.Err() == context.Canceled {
		rec.Outcome = job.OutcomeCancelled
		rec.ErrorKind = job.ErrCancelled
		return
	}
	rec.Outcome = job.OutcomeFailed
	if timedOut {
		rec.ErrorKind = job.ErrAgentTimeout
		rec.ErrorDetail = "timeout_s exceeded"
	} else {
		rec.ErrorKind = job.ErrAgentError
		if err != nil {
			rec.ErrorDetail = err.Error()
		} else {
			rec.ErrorDetail = result.ErrorKind
		}
	}
	// still attempt post_to_main with the error summary so the user sees
	// the job ran, per §4.6.
	e.postToMain(ctx, j, fmt.Sprintf("error: %s", rec.ErrorDetail))
}

func (e *Executor) postToMain(ctx context.Context, j *job.Job, output string) {
	iso := job.DefaultIsolation()
	if j.Isolation != nil {
		iso = *j.Isolation
	}
	text := output
	if iso.PostToMainMode != "full" {
		text = summarize(output, iso.PostToMainMaxChars)
	} else if len(text) > iso.PostToMainMaxChars {
		text = text[:iso.PostToMainMaxChars] + "\n…(truncated)"
	}
	prefixed := fmt.Sprintf("[%s] %s", iso.PostToMainPrefix, text)
	if err := e.sink.EnqueueEvent(ctx, job.MainSessionKey(j.AgentID), prefixed, false); err != nil {
		L_warn("executor: failed to post cron summary to main session", "job", j.ID, "error", err)
	}
}

// summarize implements head-only truncation with an explicit ellipsis
// marker, the open-question decision recorded in SPEC_FULL.md/DESIGN.md
// for "summary" isolation mode.
func summarize(text string, maxChars int) string {
	if maxChars <= 0 {
		maxChars = 8000
	}
	if len(text) <= maxChars {
		return text
	}
	if maxChars <= 3 {
		return text[:maxChars]
	}
	return text[:maxChars-3] + "..."
}
