// Command goclawd is the gateway process: it loads configuration, assembles
// the Scheduling and Dispatch Engine, wires the channel drivers and agent
// runtime, and runs the Scheduler/Heartbeat loops until signalled to stop.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	tele "gopkg.in/telebot.v4"

	"github.com/roelfdiedericks/goclaw-cron/internal/config"
	eng "github.com/roelfdiedericks/goclaw-cron/internal/engine"
	"github.com/roelfdiedericks/goclaw-cron/internal/engine/clock"
	"github.com/roelfdiedericks/goclaw-cron/internal/engine/delivery"
	"github.com/roelfdiedericks/goclaw-cron/internal/engine/executor"
	"github.com/roelfdiedericks/goclaw-cron/internal/engine/heartbeat"
	. "github.com/roelfdiedericks/goclaw-cron/internal/logging"
	"github.com/roelfdiedericks/goclaw-cron/internal/paths"
	toolengine "github.com/roelfdiedericks/goclaw-cron/internal/tools/engine"
)

var version = "dev"

type CLI struct {
	Debug  bool   `help:"Enable debug logging" short:"d"`
	Config string `help:"Config file path" short:"c" type:"path"`

	Run     RunCmd     `cmd:"" default:"withargs" help:"Run the gateway in the foreground"`
	Status  StatusCmd  `cmd:"" help:"Show engine status"`
	Version VersionCmd `cmd:"" help:"Show version"`
	Cron    CronCmd    `cmd:"" help:"Manage scheduled jobs"`
}

type Context struct {
	Debug      bool
	ConfigPath string
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("goclawd"),
		kong.Description("Personal AI-assistant gateway scheduling and dispatch daemon"),
	)

	level := LevelInfo
	if cli.Debug {
		level = LevelDebug
	}
	Init(&Config{Level: level, ShowCaller: true})

	err := kctx.Run(&Context{Debug: cli.Debug, ConfigPath: cli.Config})
	if err != nil {
		L_fatal("command failed", "error", err)
	}
}

// buildEngine loads configuration and assembles an Engine along with the
// channel drivers it needs, per §6's external collaborator wiring.
func buildEngine(ctx *Context) (*eng.Engine, *noopAgent, error) {
	if ctx.ConfigPath != "" {
		expanded, err := paths.ExpandTilde(ctx.ConfigPath)
		if err != nil {
			return nil, nil, fmt.Errorf("resolving --config: %w", err)
		}
		if _, err := os.Stat(expanded); err != nil {
			L_warn("--config path not found, falling back to goclaw.json discovery", "path", expanded)
		}
	}

	loadResult, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	cfg := loadResult.Config

	storePath := cfg.Session.GetStorePath()
	dataDir := filepath.Dir(storePath)
	if err := paths.EnsureDir(filepath.Join(dataDir, "cron")); err != nil {
		return nil, nil, fmt.Errorf("creating data dir: %w", err)
	}

	drivers := map[string]delivery.ChannelDriver{}
	if cfg.Telegram.Enabled && cfg.Telegram.BotToken != "" {
		bot, err := tele.NewBot(tele.Settings{Token: cfg.Telegram.BotToken, Poller: &tele.LongPoller{Timeout: 10 * time.Second}})
		if err != nil {
			L_warn("telegram: failed to start bot, delivery disabled", "error", err)
		} else {
			drivers["telegram"] = delivery.NewTelegramDriver(bot)
		}
	}

	heartbeatCfg := heartbeat.Config{
		Enabled:  cfg.Cron.Heartbeat.Enabled,
		Interval: time.Duration(cfg.Cron.Heartbeat.IntervalMinutes) * time.Minute,
		Prompt:   cfg.Cron.Heartbeat.Prompt,
		AgentID:  "default",
	}

	engCfg := eng.Config{
		JobsPath:      filepath.Join(dataDir, "cron", "jobs.json"),
		RunsDir:       filepath.Join(dataDir, "cron", "runs"),
		LastRoutePath: filepath.Join(dataDir, "delivery", "last_route.json"),
		GlobalCap:     1,
		LaneCap:       32,
		MinEveryMs:    1000,
		RunHistory:    200,
		Heartbeat:     heartbeatCfg,
		ExecDefaults: executor.Defaults{
			AgentTimeout: cfg.Cron.JobTimeoutMinutes * 60,
		},
	}

	sink := &noopSink{}
	agent := &noopAgent{}

	c := clock.New()
	e, err := eng.New(c, engCfg, agent, sink, drivers)
	if err != nil {
		return nil, nil, err
	}
	e.Scheduler.SetDisabled(!cfg.Cron.Enabled)
	return e, agent, nil
}

// noopSink and noopAgent are placeholder collaborators standing in for the
// gateway's actual agent-turn machinery (out of scope for this module —
// the Engine only needs the EventSink/AgentRuntime interfaces, not a
// concrete agent loop).
type noopSink struct{}

func (n *noopSink) EnqueueEvent(ctx context.Context, sessionID string, text string, wakeNow bool) error {
	L_info("event enqueued", "session", sessionID, "wakeNow", wakeNow, "text", text)
	return nil
}

type noopAgent struct{}

func (n *noopAgent) Run(ctx context.Context, sessionID string, prompt string, overrides executor.AgentOverrides) (executor.AgentResult, error) {
	L_info("agent turn requested", "session", sessionID, "prompt", prompt)
	return executor.AgentResult{OutputText: ""}, nil
}

type RunCmd struct{}

func (r *RunCmd) Run(ctx *Context) error {
	e, _, err := buildEngine(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	e.Start(runCtx)
	L_info("gateway started", "status", e.Status())

	<-sigCh
	L_info("gateway stopping")
	cancel()
	e.Stop()
	return nil
}

type StatusCmd struct{}

func (s *StatusCmd) Run(ctx *Context) error {
	e, _, err := buildEngine(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("status:    %s\n", e.Status())
	fmt.Printf("jobs:      %d\n", len(e.Store.List()))
	return nil
}

type VersionCmd struct{}

func (v *VersionCmd) Run(ctx *Context) error {
	fmt.Printf("goclawd %s\n", version)
	return nil
}

// CronCmd exposes the cron tool's actions from the command line, for
// scripting and manual administration alongside the agent-facing tool.
type CronCmd struct {
	List   CronListCmd   `cmd:"" help:"List all jobs"`
	Add    CronAddCmd    `cmd:"" help:"Add a job"`
	Remove CronRemoveCmd `cmd:"" help:"Remove a job"`
	Run    CronRunCmd    `cmd:"" help:"Run a job immediately"`
	Runs   CronRunsCmd   `cmd:"" help:"View a job's run history"`
}

func (c *CronCmd) tool(ctx *Context) (*toolengine.Tool, error) {
	e, _, err := buildEngine(ctx)
	if err != nil {
		return nil, err
	}
	return toolengine.NewTool(e), nil
}

type CronListCmd struct{}

func (c *CronListCmd) Run(ctx *Context) error {
	t, err := (&CronCmd{}).tool(ctx)
	if err != nil {
		return err
	}
	res, err := t.Execute(context.Background(), []byte(`{"action":"list"}`))
	if err != nil {
		return err
	}
	fmt.Println(res.Text)
	return nil
}

type CronAddCmd struct {
	Name          string `help:"Job name" required:""`
	Every         string `help:"Run every duration (30s, 5m, 2h)"`
	At            string `help:"Run once at a time (ISO-8601 or +5m)"`
	Cron          string `help:"5-field cron expression"`
	Timezone      string `help:"IANA timezone for cron schedules"`
	SessionTarget string `help:"main or isolated" default:"main"`
	Message       string `help:"Prompt or event text" required:""`
	Deliver       bool   `help:"Deliver the result to a channel"`
	Channel       string `help:"Delivery channel"`
	To            string `help:"Delivery target"`
}

func (c *CronAddCmd) Run(ctx *Context) error {
	t, err := (&CronCmd{}).tool(ctx)
	if err != nil {
		return err
	}
	scheduleType := "every"
	switch {
	case c.At != "":
		scheduleType = "at"
	case c.Cron != "":
		scheduleType = "cron"
	}
	req := map[string]interface{}{
		"action":        "add",
		"name":          c.Name,
		"scheduleType":  scheduleType,
		"every":         c.Every,
		"at":            c.At,
		"cronExpr":      c.Cron,
		"timezone":      c.Timezone,
		"sessionTarget": c.SessionTarget,
		"message":       c.Message,
		"deliver":       c.Deliver,
		"channel":       c.Channel,
		"to":            c.To,
	}
	data, _ := json.Marshal(req)
	res, err := t.Execute(context.Background(), data)
	if err != nil {
		return err
	}
	fmt.Println(res.Text)
	return nil
}

type CronRemoveCmd struct {
	ID string `arg:"" help:"Job ID"`
}

func (c *CronRemoveCmd) Run(ctx *Context) error {
	t, err := (&CronCmd{}).tool(ctx)
	if err != nil {
		return err
	}
	data, _ := json.Marshal(map[string]interface{}{"action": "remove", "jobId": c.ID})
	res, err := t.Execute(context.Background(), data)
	if err != nil {
		return err
	}
	fmt.Println(res.Text)
	return nil
}

type CronRunCmd struct {
	ID    string `arg:"" help:"Job ID"`
	Force bool   `help:"Run even if not currently due"`
}

func (c *CronRunCmd) Run(ctx *Context) error {
	t, err := (&CronCmd{}).tool(ctx)
	if err != nil {
		return err
	}
	mode := "force"
	if !c.Force {
		mode = "due"
	}
	data, _ := json.Marshal(map[string]interface{}{"action": "run", "jobId": c.ID, "mode": mode})
	res, err := t.Execute(context.Background(), data)
	if err != nil {
		return err
	}
	fmt.Println(res.Text)
	return nil
}

type CronRunsCmd struct {
	ID    string `arg:"" help:"Job ID"`
	Limit int    `help:"Number of runs to show" default:"10"`
}

func (c *CronRunsCmd) Run(ctx *Context) error {
	t, err := (&CronCmd{}).tool(ctx)
	if err != nil {
		return err
	}
	data, _ := json.Marshal(map[string]interface{}{"action": "runs", "jobId": c.ID, "limit": c.Limit})
	res, err := t.Execute(context.Background(), data)
	if err != nil {
		return err
	}
	fmt.Println(res.Text)
	return nil
}
