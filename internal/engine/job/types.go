// Package job defines the tagged-variant data model the engine schedules
// and dispatches: Job, Schedule, Payload, Isolation, RunRecord and the
// derived SessionKey. Construction-time validation enforces the
// session_target / payload.kind relationship instead of scattering runtime
// checks across callers.
package job

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SessionTarget selects whether a job runs against the shared main
// conversation or a fresh isolated one.
type SessionTarget string

const (
	SessionTargetMain     SessionTarget = "main"
	SessionTargetIsolated SessionTarget = "isolated"
)

// WakeMode controls whether a main-session job nudges the agent to run
// immediately or waits for the next heartbeat.
type WakeMode string

const (
	WakeModeNow           WakeMode = "now"
	WakeModeNextHeartbeat WakeMode = "next-heartbeat"
)

// ScheduleKind tags the Schedule variant.
type ScheduleKind string

const (
	ScheduleAt    ScheduleKind = "at"
	ScheduleEvery ScheduleKind = "every"
	ScheduleCron  ScheduleKind = "cron"
)

// PayloadKind tags the Payload variant.
type PayloadKind string

const (
	PayloadSystemEvent PayloadKind = "systemEvent"
	PayloadAgentTurn   PayloadKind = "agentTurn"
)

// Outcome is the terminal disposition of a RunRecord.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeCancelled Outcome = "cancelled"
)

// Schedule is a tagged variant: exactly one of the Kind-selected field
// groups is meaningful. MinEveryMs is enforced by Validate, not by this
// type itself, since the minimum is engine-config, not a schedule property.
type Schedule struct {
	Kind    ScheduleKind `json:"kind"`
	AtMs    int64        `json:"atMs,omitempty"`
	EveryMs int64        `json:"everyMs,omitempty"`
	Expr    string       `json:"expr,omitempty"`
	Tz      string       `json:"tz,omitempty"`
}

// Validate checks the Schedule is well-formed for its Kind. minEveryMs is
// the engine-configured floor for Every intervals. For Cron it checks only
// that Expr is non-empty and Tz loads; the expression's fields are not
// parsed here.
func (s Schedule) Validate(minEveryMs int64) error {
	switch s.Kind {
	case ScheduleAt:
		if s.AtMs <= 0 {
			return NewError(ErrInvalidSchedule, "at schedule requires a positive atMs")
		}
	case ScheduleEvery:
		if s.EveryMs < minEveryMs {
			return NewError(ErrInvalidSchedule, fmt.Sprintf("everyMs %d below minimum %d", s.EveryMs, minEveryMs))
		}
	case ScheduleCron:
		if strings.TrimSpace(s.Expr) == "" {
			return NewError(ErrInvalidSchedule, "cron schedule requires expr")
		}
		if s.Tz != "" {
			if _, err := time.LoadLocation(s.Tz); err != nil {
				return NewError(ErrInvalidSchedule, fmt.Sprintf("invalid timezone %q: %v", s.Tz, err))
			}
		}
	default:
		return NewError(ErrInvalidSchedule, fmt.Sprintf("unknown schedule kind %q", s.Kind))
	}
	return nil
}

// Payload is a tagged variant carrying either a main-session system event
// or an isolated-session agent turn.
type Payload struct {
	Kind PayloadKind `json:"kind"`

	// SystemEvent
	Text string `json:"text,omitempty"`

	// AgentTurn
	Message           string `json:"message,omitempty"`
	Model             string `json:"model,omitempty"`
	Thinking          string `json:"thinking,omitempty"`
	TimeoutSeconds    int    `json:"timeoutSeconds,omitempty"`
	Deliver           *bool  `json:"deliver,omitempty"`
	Channel           string `json:"channel,omitempty"`
	To                string `json:"to,omitempty"`
	BestEffortDeliver bool   `json:"bestEffortDeliver,omitempty"`
}

// Validate checks the Payload is internally consistent for its Kind.
func (p Payload) Validate() error {
	switch p.Kind {
	case PayloadSystemEvent:
		if strings.TrimSpace(p.Text) == "" {
			return NewError(ErrInvalidPayload, "systemEvent payload requires non-empty text")
		}
	case PayloadAgentTurn:
		if strings.TrimSpace(p.Message) == "" {
			return NewError(ErrInvalidPayload, "agentTurn payload requires non-empty message")
		}
	default:
		return NewError(ErrInvalidPayload, fmt.Sprintf("unknown payload kind %q", p.Kind))
	}
	return nil
}

// ShouldDeliver implements the (to, deliver) truth table once, centrally,
// per §4.6: an explicit To wins unless Deliver is explicitly false; an
// explicit Deliver=true with no To defers to the caller's LastRoute
// fallback (signalled by returning true with an empty target).
func (p Payload) ShouldDeliver() bool {
	if p.To != "" {
		return p.Deliver == nil || *p.Deliver
	}
	return p.Deliver != nil && *p.Deliver
}

// Isolation controls how an isolated job's output is summarised back into
// the main session.
type Isolation struct {
	PostToMainPrefix   string `json:"postToMainPrefix,omitempty"`
	PostToMainMode     string `json:"postToMainMode,omitempty"` // "summary" | "full"
	PostToMainMaxChars int    `json:"postToMainMaxChars,omitempty"`
}

// DefaultIsolation fills the defaults named in §3: prefix "Cron", mode
// "summary", 8000 char cap.
func DefaultIsolation() Isolation {
	return Isolation{
		PostToMainPrefix:   "Cron",
		PostToMainMode:     "summary",
		PostToMainMaxChars: 8000,
	}
}

func (iso Isolation) withDefaults() Isolation {
	if iso.PostToMainPrefix == "" {
		iso.PostToMainPrefix = "Cron"
	}
	if iso.PostToMainMode == "" {
		iso.PostToMainMode = "summary"
	}
	if iso.PostToMainMaxChars == 0 {
		iso.PostToMainMaxChars = 8000
	}
	return iso
}

// State is the mutable runtime state of a Job, tracked by the Job Store.
type State struct {
	NextDueMs      *int64  `json:"nextDueMs,omitempty"`
	LeaseUntilMs   *int64  `json:"leaseUntilMs,omitempty"`
	LastRunAtMs    *int64  `json:"lastRunAtMs,omitempty"`
	LastStatus     Outcome `json:"lastStatus,omitempty"`
	LastError      string  `json:"lastError,omitempty"`
	LastDurationMs int64   `json:"lastDurationMs,omitempty"`
}

// Claimed reports whether the job currently holds an unexpired lease.
func (s State) Claimed(nowMs int64) bool {
	return s.LeaseUntilMs != nil && *s.LeaseUntilMs > nowMs
}

// Job is the persisted unit of scheduled work.
type Job struct {
	ID             string        `json:"id"`
	AgentID        string        `json:"agentId,omitempty"`
	Name           string        `json:"name"`
	Description    string        `json:"description,omitempty"`
	Enabled        bool          `json:"enabled"`
	CreatedAtMs    int64         `json:"createdAtMs"`
	UpdatedAtMs    int64         `json:"updatedAtMs"`
	Schedule       Schedule      `json:"schedule"`
	SessionTarget  SessionTarget `json:"sessionTarget"`
	WakeMode       WakeMode      `json:"wakeMode,omitempty"`
	Payload        Payload       `json:"payload"`
	DeleteAfterRun bool          `json:"deleteAfterRun,omitempty"`
	Isolation      *Isolation    `json:"isolation,omitempty"`
	State          State         `json:"state"`
}

// Validate enforces the §3 invariants: session_target/payload.kind
// agreement, isolation only on isolated jobs, and well-formed schedule.
func (j *Job) Validate(minEveryMs int64) error {
	if strings.TrimSpace(j.Name) == "" {
		return NewError(ErrInvalidPayload, "job requires a name")
	}
	switch j.SessionTarget {
	case SessionTargetMain:
		if j.Payload.Kind != PayloadSystemEvent {
			return NewError(ErrConflictingTargetAndPayload, "main session_target requires a systemEvent payload")
		}
		if j.Isolation != nil {
			return NewError(ErrConflictingTargetAndPayload, "isolation is only valid for isolated jobs")
		}
	case SessionTargetIsolated:
		if j.Payload.Kind != PayloadAgentTurn {
			return NewError(ErrConflictingTargetAndPayload, "isolated session_target requires an agentTurn payload")
		}
	default:
		return NewError(ErrConflictingTargetAndPayload, fmt.Sprintf("unknown session_target %q", j.SessionTarget))
	}
	if err := j.Schedule.Validate(minEveryMs); err != nil {
		return err
	}
	if err := j.Payload.Validate(); err != nil {
		return err
	}
	if j.Isolation != nil {
		iso := j.Isolation.withDefaults()
		j.Isolation = &iso
	}
	return nil
}

// IsOneShot reports whether the job's schedule fires at most once.
func (j *Job) IsOneShot() bool {
	return j.Schedule.Kind == ScheduleAt
}

// SessionKey derives the engine's lane/session identifier for a job. Main
// jobs share their agent's main lane; isolated jobs get a lane keyed by
// job ID so concurrent jobs never contend with each other's lane, matching
// §3's SessionKey definition. This is the single place the mapping is
// computed — no other component rederives it.
func (j *Job) SessionKey() string {
	agent := j.AgentID
	if agent == "" {
		agent = "default"
	}
	if j.SessionTarget == SessionTargetIsolated {
		return fmt.Sprintf("agent:%s:cron:%s", agent, j.ID)
	}
	return fmt.Sprintf("agent:%s:main", agent)
}

// MainSessionKey derives the lane key for an agent's main session,
// independent of any particular job — used for inbound channel messages
// and heartbeat turns that are not tied to a cron job.
func MainSessionKey(agentID string) string {
	if agentID == "" {
		agentID = "default"
	}
	return fmt.Sprintf("agent:%s:main", agentID)
}

// Clone deep-copies the Job via JSON round-trip, matching the teacher's
// own Clone idiom.
func (j *Job) Clone() *Job {
	data, _ := json.Marshal(j)
	var clone Job
	_ = json.Unmarshal(data, &clone)
	return &clone
}

// RunRecord is the append-only ledger entry for one Executor invocation.
type RunRecord struct {
	RunID       string    `json:"runId"`
	JobID       string    `json:"jobId"`
	TriggeredAt int64     `json:"triggeredAt"`
	StartedAt   *int64    `json:"startedAt,omitempty"`
	FinishedAt  *int64    `json:"finishedAt,omitempty"`
	Outcome     Outcome   `json:"outcome"`
	ErrorKind   ErrorKind `json:"errorKind,omitempty"`
	ErrorDetail string    `json:"errorDetail,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	Delivery    *Delivery `json:"delivery,omitempty"`
}

// Delivery records the target and status of a RunRecord's delivery
// attempt, if any.
type Delivery struct {
	Channel string `json:"channel,omitempty"`
	Target  string `json:"target,omitempty"`
	Status  string `json:"status"` // "ok" | "failed" | "skipped"
	Error   string `json:"error,omitempty"`
}

// CatalogFile is the root structure of jobs.json.
type CatalogFile struct {
	Version int    `json:"version"`
	Jobs    []*Job `json:"jobs"`
}
