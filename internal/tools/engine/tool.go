// Package engine exposes the Scheduling and Dispatch Engine as an
// agent-facing tool: cron.add/update/remove/run/list/status/runs, per
// §6's engine-exposed surface. Adapted from the teacher's
// internal/tools/cron.Tool, generalised to the engine's tagged-variant
// job model instead of the teacher's flat CronJob struct.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	eng "github.com/roelfdiedericks/goclaw-cron/internal/engine"
	"github.com/roelfdiedericks/goclaw-cron/internal/engine/executor"
	"github.com/roelfdiedericks/goclaw-cron/internal/engine/job"
	"github.com/roelfdiedericks/goclaw-cron/internal/engine/store"
	"github.com/roelfdiedericks/goclaw-cron/internal/engine/trigger"
	. "github.com/roelfdiedericks/goclaw-cron/internal/logging"
)

// Result is the tool layer's minimal result shape — the teacher's own
// types.ToolResult carried far more (attachments, formatting hints) that
// a headless scheduling tool has no use for.
type Result struct {
	Text string
}

// TextResult wraps a plain string as a Result.
func TextResult(s string) *Result { return &Result{Text: s} }

// Tool lets the agent manage scheduled jobs.
type Tool struct {
	e *eng.Engine
}

// NewTool creates a cron/engine tool over an assembled Engine.
func NewTool(e *eng.Engine) *Tool {
	return &Tool{e: e}
}

func (t *Tool) Name() string { return "cron" }

func (t *Tool) Description() string {
	return `Manage scheduled jobs. Actions:
- status: engine health and job counts
- list: list all jobs as JSON
- add: create a new job
- update: modify an existing job
- remove: delete a job
- run: execute a job immediately (mode: "force" ignores enabled/next_due, "due" requires it)
- runs: view a job's run history`
}

func (t *Tool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"status", "list", "add", "update", "remove", "run", "runs"},
				"description": "Action to perform",
			},
			"jobId":       map[string]interface{}{"type": "string", "description": "Job ID (update/remove/run/runs). Legacy 'id' also accepted."},
			"id":          map[string]interface{}{"type": "string", "description": "Legacy alias for jobId"},
			"name":        map[string]interface{}{"type": "string", "description": "Job name (add/update)"},
			"description": map[string]interface{}{"type": "string", "description": "Job description (add/update)"},
			"enabled":     map[string]interface{}{"type": "boolean", "description": "Whether the job is enabled (add/update)"},
			"scheduleType": map[string]interface{}{
				"type": "string", "enum": []string{"at", "every", "cron"},
				"description": "'at' one-shot, 'every' interval, 'cron' calendar expression",
			},
			"at":            map[string]interface{}{"type": "string", "description": "For 'at': unix ms, ISO-8601, or relative (+5m, +2h)"},
			"every":         map[string]interface{}{"type": "string", "description": "For 'every': duration (30s, 5m, 2h, 1d)"},
			"cronExpr":      map[string]interface{}{"type": "string", "description": "For 'cron': 5-field expression"},
			"timezone":      map[string]interface{}{"type": "string", "description": "IANA timezone for 'cron'"},
			"sessionTarget": map[string]interface{}{"type": "string", "enum": []string{"main", "isolated"}},
			"wakeMode":      map[string]interface{}{"type": "string", "enum": []string{"now", "next-heartbeat"}},
			"message":       map[string]interface{}{"type": "string", "description": "Prompt (isolated) or event text (main)"},
			"deliver":       map[string]interface{}{"type": "boolean"},
			"channel":       map[string]interface{}{"type": "string"},
			"to":            map[string]interface{}{"type": "string"},
			"deleteAfterRun": map[string]interface{}{"type": "boolean"},
			"mode":          map[string]interface{}{"type": "string", "enum": []string{"force", "due"}, "description": "For 'run'"},
			"limit":         map[string]interface{}{"type": "integer", "description": "For 'runs'"},
		},
		"required": []string{"action"},
	}
}

type input struct {
	Action         string `json:"action"`
	JobID          string `json:"jobId"`
	ID             string `json:"id"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	Enabled        *bool  `json:"enabled"`
	ScheduleType   string `json:"scheduleType"`
	At             string `json:"at"`
	Every          string `json:"every"`
	CronExpr       string `json:"cronExpr"`
	Timezone       string `json:"timezone"`
	SessionTarget  string `json:"sessionTarget"`
	WakeMode       string `json:"wakeMode"`
	Message        string `json:"message"`
	Deliver        *bool  `json:"deliver"`
	Channel        string `json:"channel"`
	To             string `json:"to"`
	DeleteAfterRun *bool  `json:"deleteAfterRun"`
	Mode           string `json:"mode"`
	Limit          int    `json:"limit"`
}

func (in input) jobID() string {
	if in.JobID != "" {
		return in.JobID
	}
	return in.ID
}

func (t *Tool) Execute(ctx context.Context, raw json.RawMessage) (*Result, error) {
	var in input
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	L_info("cron tool invoked", "action", in.Action, "jobId", in.jobID(), "name", in.Name)

	var result string
	var err error
	switch in.Action {
	case "status":
		result, err = t.handleStatus()
	case "list":
		result, err = t.handleList()
	case "add":
		result, err = t.handleAdd(in)
	case "update":
		result, err = t.handleUpdate(in)
	case "remove":
		result, err = t.handleRemove(in)
	case "run":
		result, err = t.handleRun(ctx, in)
	case "runs":
		result, err = t.handleRuns(in)
	default:
		err = fmt.Errorf("unknown action: %s", in.Action)
	}
	if err != nil {
		L_error("cron tool failed", "action", in.Action, "error", err)
		return nil, err
	}
	return TextResult(result), nil
}

func (t *Tool) handleStatus() (string, error) {
	status := map[string]interface{}{
		"status":   t.e.Status(),
		"jobCount": len(t.e.Store.List()),
		"lastTick": t.e.Scheduler.LastTick(),
	}
	data, _ := json.MarshalIndent(status, "", "  ")
	return string(data), nil
}

func (t *Tool) handleList() (string, error) {
	data, err := json.MarshalIndent(map[string]interface{}{"jobs": t.e.Store.List()}, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (t *Tool) handleAdd(in input) (string, error) {
	if in.Name == "" {
		return "", fmt.Errorf("name is required")
	}
	if in.Message == "" {
		return "", fmt.Errorf("message is required")
	}
	sched, err := buildSchedule(in, t.e.Clock.Now())
	if err != nil {
		return "", fmt.Errorf("invalid schedule: %w", err)
	}

	sessionTarget := job.SessionTargetMain
	payload := job.Payload{Kind: job.PayloadSystemEvent, Text: in.Message}
	if in.SessionTarget == "isolated" {
		sessionTarget = job.SessionTargetIsolated
		deliver := in.Deliver
		payload = job.Payload{
			Kind:    job.PayloadAgentTurn,
			Message: in.Message,
			Deliver: deliver,
			Channel: in.Channel,
			To:      in.To,
		}
	}

	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}
	deleteAfterRun := false
	if in.DeleteAfterRun != nil {
		deleteAfterRun = *in.DeleteAfterRun
	}
	wakeMode := job.WakeModeNextHeartbeat
	if in.WakeMode == "now" {
		wakeMode = job.WakeModeNow
	}

	j := &job.Job{
		Name:           in.Name,
		Description:    in.Description,
		Enabled:        enabled,
		Schedule:       sched,
		SessionTarget:  sessionTarget,
		WakeMode:       wakeMode,
		Payload:        payload,
		DeleteAfterRun: deleteAfterRun,
	}

	created, err := t.e.Store.Add(j, t.e.Clock.NowMs())
	if err != nil {
		return "", err
	}

	due, err := trigger.NextDue(created.Schedule, time.UnixMilli(created.CreatedAtMs), nil, t.e.Clock.Now())
	if err == nil {
		_ = t.e.Store.SetNextDue(created.ID, due)
	}
	if wakeMode == job.WakeModeNow {
		t.e.Wake()
	}

	return fmt.Sprintf("Job created.\nID: %s\nName: %s\nSchedule: %s", created.ID, created.Name, formatSchedule(created.Schedule)), nil
}

func (t *Tool) handleUpdate(in input) (string, error) {
	if in.jobID() == "" {
		return "", fmt.Errorf("jobId is required")
	}
	patch := store.Patch{}
	if in.Name != "" {
		patch.Name = &in.Name
	}
	if in.Description != "" {
		patch.Description = &in.Description
	}
	if in.Enabled != nil {
		patch.Enabled = in.Enabled
	}
	if in.SessionTarget != "" {
		st := job.SessionTarget(in.SessionTarget)
		patch.SessionTarget = &st
	}
	if in.DeleteAfterRun != nil {
		patch.DeleteAfterRun = in.DeleteAfterRun
	}
	if in.ScheduleType != "" {
		sched, err := buildSchedule(in, t.e.Clock.Now())
		if err != nil {
			return "", fmt.Errorf("invalid schedule: %w", err)
		}
		patch.Schedule = &sched
	}
	if in.Message != "" || in.Deliver != nil || in.Channel != "" || in.To != "" {
		existing, err := t.e.Store.Get(in.jobID())
		if err != nil {
			return "", err
		}
		p := existing.Payload
		if in.Message != "" {
			if existing.SessionTarget == job.SessionTargetIsolated {
				p.Message = in.Message
			} else {
				p.Text = in.Message
			}
		}
		if in.Deliver != nil {
			p.Deliver = in.Deliver
		}
		if in.Channel != "" {
			p.Channel = in.Channel
		}
		if in.To != "" {
			p.To = in.To
		}
		patch.Payload = &p
	}

	updated, err := t.e.Store.Update(in.jobID(), patch, t.e.Clock.NowMs())
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Job updated.\nID: %s\nName: %s", updated.ID, updated.Name), nil
}

func (t *Tool) handleRemove(in input) (string, error) {
	if in.jobID() == "" {
		return "", fmt.Errorf("jobId is required")
	}
	existing, err := t.e.Store.Get(in.jobID())
	if err != nil {
		return "", err
	}
	if err := t.e.Store.Remove(in.jobID()); err != nil {
		return "", err
	}
	return fmt.Sprintf("Job %q removed.", existing.Name), nil
}

func (t *Tool) handleRun(ctx context.Context, in input) (string, error) {
	if in.jobID() == "" {
		return "", fmt.Errorf("jobId is required")
	}
	j, err := t.e.Store.Get(in.jobID())
	if err != nil {
		return "", err
	}
	if in.Mode == "due" {
		if j.State.NextDueMs == nil || *j.State.NextDueMs > t.e.Clock.NowMs() {
			return "", fmt.Errorf("job %q is not currently due", j.ID)
		}
		if !j.Enabled {
			return "", fmt.Errorf("job %q is disabled", j.ID)
		}
	}
	if err := t.e.Scheduler.RunNow(ctx, j, executor.TriggerManual); err != nil {
		return "", err
	}
	return fmt.Sprintf("Job %q triggered.", j.Name), nil
}

func (t *Tool) handleRuns(in input) (string, error) {
	if in.jobID() == "" {
		return "", fmt.Errorf("jobId is required")
	}
	j, err := t.e.Store.Get(in.jobID())
	if err != nil {
		return "", err
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 10
	}
	runs, err := t.e.RunLog.Recent(j.ID, limit)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Run history for %q (%s)\n\n", j.Name, j.ID)
	if len(runs) == 0 {
		sb.WriteString("No runs recorded yet.\n")
		return sb.String(), nil
	}
	for _, r := range runs {
		fmt.Fprintf(&sb, "- %s: %s", time.UnixMilli(r.TriggeredAt).Format(time.RFC3339), r.Outcome)
		if r.ErrorKind != "" {
			fmt.Fprintf(&sb, " (%s: %s)", r.ErrorKind, r.ErrorDetail)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func buildSchedule(in input, now time.Time) (job.Schedule, error) {
	switch in.ScheduleType {
	case "at":
		if in.At == "" {
			return job.Schedule{}, fmt.Errorf("'at' required for 'at' schedule")
		}
		at, err := trigger.ParseAt(in.At, now)
		if err != nil {
			return job.Schedule{}, err
		}
		return job.Schedule{Kind: job.ScheduleAt, AtMs: at.UnixMilli()}, nil
	case "every":
		if in.Every == "" {
			return job.Schedule{}, fmt.Errorf("'every' required for 'every' schedule")
		}
		d, err := trigger.ParseDuration(in.Every)
		if err != nil {
			return job.Schedule{}, err
		}
		return job.Schedule{Kind: job.ScheduleEvery, EveryMs: d.Milliseconds()}, nil
	case "cron":
		if in.CronExpr == "" {
			return job.Schedule{}, fmt.Errorf("'cronExpr' required for 'cron' schedule")
		}
		return job.Schedule{Kind: job.ScheduleCron, Expr: in.CronExpr, Tz: in.Timezone}, nil
	default:
		return job.Schedule{}, fmt.Errorf("unknown scheduleType %q", in.ScheduleType)
	}
}

func formatSchedule(s job.Schedule) string {
	switch s.Kind {
	case job.ScheduleAt:
		return fmt.Sprintf("at %s", time.UnixMilli(s.AtMs).Format(time.RFC3339))
	case job.ScheduleEvery:
		return fmt.Sprintf("every %s", time.Duration(s.EveryMs)*time.Millisecond)
	case job.ScheduleCron:
		if s.Tz != "" {
			return fmt.Sprintf("cron %q (%s)", s.Expr, s.Tz)
		}
		return fmt.Sprintf("cron %q", s.Expr)
	default:
		return "unknown"
	}
}
