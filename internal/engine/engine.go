// Package engine wires the Clock, Job Store, Trigger Evaluator,
// Scheduler, Lane Dispatcher, Executor and Delivery Router into the
// single gateway process described by the specification, and exposes the
// health/status surface consumed by the tool layer and CLI.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/roelfdiedericks/goclaw-cron/internal/engine/clock"
	"github.com/roelfdiedericks/goclaw-cron/internal/engine/delivery"
	"github.com/roelfdiedericks/goclaw-cron/internal/engine/executor"
	"github.com/roelfdiedericks/goclaw-cron/internal/engine/heartbeat"
	"github.com/roelfdiedericks/goclaw-cron/internal/engine/job"
	"github.com/roelfdiedericks/goclaw-cron/internal/engine/lane"
	"github.com/roelfdiedericks/goclaw-cron/internal/engine/scheduler"
	"github.com/roelfdiedericks/goclaw-cron/internal/engine/store"
	. "github.com/roelfdiedericks/goclaw-cron/internal/logging"
)

// Status is the engine's reported health, per §6: ok/degraded/halted based
// on Job Store availability and whether the Scheduler loop has ticked
// recently.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusHalted   Status = "halted"
)

// Config bundles the paths and tunables needed to construct an Engine.
type Config struct {
	JobsPath      string
	RunsDir       string
	LastRoutePath string
	GlobalCap     int
	LaneCap       int
	MinEveryMs    int64
	RunHistory    int
	Heartbeat     heartbeat.Config
	ExecDefaults  executor.Defaults
}

// Engine is the assembled gateway scheduling and dispatch subsystem.
type Engine struct {
	Clock      clock.Clock
	Store      *store.Store
	RunLog     *store.RunLog
	Dispatcher *lane.Dispatcher
	Router     *delivery.Router
	Executor   *executor.Executor
	Scheduler  *scheduler.Scheduler
	Heartbeat  *heartbeat.Heartbeat

	cfg Config
}

// New assembles an Engine. agent/sink/drivers are the external
// collaborators described in §6; the caller owns their lifecycle. The
// LastRoute store is created here from cfg.LastRoutePath.
func New(
	c clock.Clock,
	cfg Config,
	agent executor.AgentRuntime,
	sink executor.EventSink,
	drivers map[string]delivery.ChannelDriver,
) (*Engine, error) {
	jobStore := store.New(cfg.JobsPath, cfg.RunsDir, store.WithMinEveryMs(cfg.MinEveryMs))
	if err := jobStore.Load(); err != nil {
		return nil, fmt.Errorf("engine: loading job store: %w", err)
	}

	runLog := store.NewRunLog(cfg.RunsDir, cfg.RunHistory)

	lastRoute := delivery.NewLastRouteStore(cfg.LastRoutePath)
	if err := lastRoute.Load(); err != nil {
		return nil, fmt.Errorf("engine: loading last_route: %w", err)
	}
	router := delivery.NewRouter(drivers, lastRoute)

	exec := executor.New(c, agent, sink, router, runLog, jobStore, cfg.ExecDefaults)
	dispatcher := lane.New(cfg.GlobalCap, cfg.LaneCap)
	sched := scheduler.New(c, jobStore, dispatcher, exec)
	hb := heartbeat.New(c, sink, cfg.Heartbeat)

	return &Engine{
		Clock:      c,
		Store:      jobStore,
		RunLog:     runLog,
		Dispatcher: dispatcher,
		Router:     router,
		Executor:   exec,
		Scheduler:  sched,
		Heartbeat:  hb,
		cfg:        cfg,
	}, nil
}

// Start runs the Scheduler and Heartbeat loops until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	go e.Scheduler.Run(ctx)
	go e.Heartbeat.Run(ctx)
	go e.Store.WatchForExternalEdits(ctx)
}

// Stop halts the Scheduler and Heartbeat loops.
func (e *Engine) Stop() {
	e.Scheduler.Stop()
	e.Heartbeat.Stop()
}

// HandleInbound routes an inbound channel message straight to the
// Executor via the same Lane Dispatcher the Scheduler uses, bypassing
// claim_due/advance entirely — per §2's data-flow description of inbound
// messages using a synthetic "now" trigger.
func (e *Engine) HandleInbound(ctx context.Context, agentID, text string) error {
	mainJob := &job.Job{
		ID:            fmt.Sprintf("inbound:%d", e.Clock.NowMs()),
		AgentID:       agentID,
		Name:          "inbound",
		Enabled:       true,
		SessionTarget: job.SessionTargetMain,
		WakeMode:      job.WakeModeNow,
		Payload:       job.Payload{Kind: job.PayloadSystemEvent, Text: text},
	}
	return e.Scheduler.RunNow(ctx, mainJob, executor.TriggerInboundChannel)
}

// Status reports the engine's current health per §6.
func (e *Engine) Status() Status {
	if !e.Store.Available() {
		return StatusHalted
	}
	if e.Scheduler.LastTick().IsZero() {
		return StatusOK
	}
	if time.Since(e.Scheduler.LastTick()) > 2*scheduler.TickFloor {
		return StatusDegraded
	}
	return StatusOK
}

// Wake preempts the Scheduler's sleep.
func (e *Engine) Wake() { e.Scheduler.Wake() }

// LogStatus emits a structured status line, matching the teacher's own
// Status()/GetStatus() logging convention.
func (e *Engine) LogStatus() {
	L_info("engine: status", "status", e.Status(), "jobs", len(e.Store.List()))
}
