package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"github.com/roelfdiedericks/goclaw-cron/internal/logging"
)

// ConfigBackupCount is the number of backup versions to keep
const ConfigBackupCount = 5

// LoadResult contains the loaded config and metadata about where it came from
type LoadResult struct {
	Config       *Config
	SourcePath   string // Path to goclaw.json that was found/created
	Bootstrapped bool   // True if config was bootstrapped from openclaw.json
}

// isMinimalJSON checks if JSON content is essentially empty (just {} or whitespace)
func isMinimalJSON(data []byte) bool {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return true // Can't parse = treat as empty
	}
	return len(m) == 0
}

// Config represents the merged goclaw-cron configuration: the sections the
// Scheduling and Dispatch Engine actually owns, plus the Telegram channel
// settings it needs to wire a delivery driver.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Session  SessionConfig  `json:"session"`
	Cron     CronConfig     `json:"cron"`
}

// CronConfig configures the cron scheduler
type CronConfig struct {
	Enabled           bool            `json:"enabled"`           // Enable cron scheduler (default: true)
	JobTimeoutMinutes int             `json:"jobTimeoutMinutes"` // Timeout for job execution in minutes (default: 5, 0 = no timeout)
	Heartbeat         HeartbeatConfig `json:"heartbeat"`         // Heartbeat configuration
}

// HeartbeatConfig configures the periodic heartbeat system
type HeartbeatConfig struct {
	Enabled         bool   `json:"enabled"`         // Enable heartbeat (default: true)
	IntervalMinutes int    `json:"intervalMinutes"` // Interval in minutes (default: 30)
	Prompt          string `json:"prompt"`          // Custom heartbeat prompt (optional)
}

// SessionConfig contains session persistence settings: where the Job Store
// and run log live, and (mirroring the teacher's inheritance model) the
// main-session conventions the Engine needs to address session keys.
type SessionConfig struct {
	// Storage backend: "sqlite" (default) or "jsonl"
	Store     string `json:"store"`
	StorePath string `json:"storePath"` // SQLite DB path (when store="sqlite")

	// OpenClaw session inheritance
	InheritPath string `json:"inheritPath"` // Path to OpenClaw sessions directory
	Inherit     bool   `json:"inherit"`     // Inherit from OpenClaw session
	InheritFrom string `json:"inheritFrom"` // Session key to inherit from
}

// TelegramConfig contains Telegram channel settings
type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"botToken"`
}

// Load reads configuration from goclaw.json.
//
// Bootstrap mode (first run):
//   - If no goclaw.json exists OR it's empty, extract config from openclaw.json
//   - Write complete goclaw.json with defaults + openclaw values
//   - From then on, goclaw.json is authoritative
//
// Normal mode (subsequent runs):
//   - Load only from goclaw.json, ignore openclaw.json entirely
//   - goclaw.json is the single source of truth
func Load() (*LoadResult, error) {
	home, _ := os.UserHomeDir()
	openclawDir := filepath.Join(home, ".openclaw")

	goclawGlobalPath := filepath.Join(openclawDir, "goclaw.json")
	goclawLocalPath := "goclaw.json" // current working directory
	openclawPath := filepath.Join(openclawDir, "openclaw.json")

	logging.L_debug("config: checking files", "openclawDir", openclawDir, "cwd", mustGetwd())

	// Determine which goclaw.json to use (local takes priority)
	var goclawPath string
	var goclawData []byte
	var goclawExists bool

	if data, err := os.ReadFile(goclawLocalPath); err == nil {
		absPath, _ := filepath.Abs(goclawLocalPath)
		goclawPath = absPath
		goclawData = data
		goclawExists = true
		logging.L_debug("config: found local goclaw.json", "path", absPath, "size", len(data))
	} else if data, err := os.ReadFile(goclawGlobalPath); err == nil {
		goclawPath = goclawGlobalPath
		goclawData = data
		goclawExists = true
		logging.L_debug("config: found global goclaw.json", "path", goclawGlobalPath, "size", len(data))
	}

	// Determine if we need bootstrap mode
	needsBootstrap := !goclawExists || isMinimalJSON(goclawData)

	if needsBootstrap {
		logging.L_info("config: bootstrap mode - will extract from openclaw.json and write goclaw.json")
	} else {
		logging.L_debug("config: normal mode - using goclaw.json only")
	}

	// Build defaults
	cfg := &Config{
		Session: SessionConfig{
			Store:       "sqlite", // Default to SQLite
			StorePath:   filepath.Join(openclawDir, "goclaw", "sessions.db"),
			InheritPath: filepath.Join(openclawDir, "agents", "main", "sessions"), // OpenClaw sessions directory
			Inherit:     true,
			InheritFrom: "agent:main:main",
		},
		Cron: CronConfig{
			Enabled:           true, // Cron enabled by default
			JobTimeoutMinutes: 5,    // Default 5 minute timeout for jobs
			Heartbeat: HeartbeatConfig{
				Enabled:         true,
				IntervalMinutes: 30,
			},
		},
	}

	if needsBootstrap {
		// BOOTSTRAP MODE: Extract from openclaw.json, then write goclaw.json

		// Load from openclaw.json if it exists
		if data, err := os.ReadFile(openclawPath); err == nil {
			logging.L_debug("config: loading openclaw.json for bootstrap", "path", openclawPath, "size", len(data))
			var base map[string]interface{}
			if err := json.Unmarshal(data, &base); err == nil {
				cfg.mergeOpenclawConfig(base)
			} else {
				logging.L_warn("config: failed to parse openclaw.json", "error", err)
			}
		} else {
			logging.L_debug("config: openclaw.json not found, using defaults only", "path", openclawPath)
		}

		// Apply environment variable fallbacks
		applyEnvFallbacks(cfg)

		// Determine where to write goclaw.json
		// If local goclaw.json existed (even if empty), write there; otherwise use global
		if goclawPath == "" {
			// No goclaw.json found anywhere - create in current directory
			goclawPath, _ = filepath.Abs(goclawLocalPath)
		}

		// Write the bootstrapped config
		if err := WriteConfigWithBackup(goclawPath, cfg); err != nil {
			logging.L_error("config: failed to write bootstrapped config", "path", goclawPath, "error", err)
			// Non-fatal - continue with in-memory config
		} else {
			logging.L_info("config: bootstrapped from openclaw.json", "path", goclawPath)
		}

		return &LoadResult{
			Config:       cfg,
			SourcePath:   goclawPath,
			Bootstrapped: true,
		}, nil
	}

	// NORMAL MODE: Load only from goclaw.json, ignore openclaw.json

	if err := mergeJSONConfig(cfg, goclawData); err != nil {
		logging.L_error("config: failed to parse goclaw.json", "path", goclawPath, "error", err)
		return nil, err
	}
	logging.L_debug("config: loaded from goclaw.json", "path", goclawPath)

	// Apply environment variable fallbacks (for secrets not in config file)
	applyEnvFallbacks(cfg)

	logging.L_debug("config: loaded",
		"telegramEnabled", cfg.Telegram.Enabled,
		"cronEnabled", cfg.Cron.Enabled,
	)

	return &LoadResult{
		Config:       cfg,
		SourcePath:   goclawPath,
		Bootstrapped: false,
	}, nil
}

// applyEnvFallbacks applies environment variable fallbacks for secrets
func applyEnvFallbacks(cfg *Config) {
	if cfg.Telegram.BotToken == "" {
		if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
			logging.L_debug("config: using TELEGRAM_BOT_TOKEN from environment")
			cfg.Telegram.BotToken = token
		}
	}
}

// mergeOpenclawConfig extracts relevant settings from openclaw.json
func (c *Config) mergeOpenclawConfig(base map[string]interface{}) {
	logging.L_trace("config: parsing openclaw.json structure")

	// Extract Telegram settings from channels.telegram (object, not array)
	if channels, ok := base["channels"].(map[string]interface{}); ok {
		if telegram, ok := channels["telegram"].(map[string]interface{}); ok {
			logging.L_debug("config: found channels.telegram section")
			if enabled, ok := telegram["enabled"].(bool); ok {
				logging.L_debug("config: telegram enabled", "enabled", enabled)
				c.Telegram.Enabled = enabled
			}
			if token, ok := telegram["botToken"].(string); ok {
				logging.L_debug("config: telegram botToken found", "length", len(token))
				c.Telegram.BotToken = token
			}
		} else {
			logging.L_trace("config: no channels.telegram section found")
		}
	}
}

// GetStoreType returns the effective store type ("jsonl" or "sqlite")
func (s *SessionConfig) GetStoreType() string {
	if s.Store != "" {
		return s.Store
	}
	return "sqlite" // default
}

// GetStorePath returns the path for the storage backend
func (s *SessionConfig) GetStorePath() string {
	if s.StorePath != "" {
		return s.StorePath
	}
	// Default SQLite path
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".openclaw", "goclaw", "sessions.db")
}

// mustGetwd returns the current working directory or "unknown" on error
func mustGetwd() string {
	if cwd, err := os.Getwd(); err == nil {
		return cwd
	}
	return "unknown"
}

// rotateBackups rotates config backup files.
// Keeps up to ConfigBackupCount versions:
//   - .bak.4 gets deleted (oldest)
//   - .bak.3 → .bak.4
//   - .bak.2 → .bak.3
//   - .bak.1 → .bak.2
//   - .bak → .bak.1
func rotateBackups(configPath string) {
	if ConfigBackupCount <= 1 {
		return
	}

	backupBase := configPath + ".bak"
	maxIndex := ConfigBackupCount - 1 // 4

	// Delete oldest
	oldestPath := fmt.Sprintf("%s.%d", backupBase, maxIndex)
	if err := os.Remove(oldestPath); err != nil && !os.IsNotExist(err) {
		logging.L_trace("config: failed to remove oldest backup", "path", oldestPath, "error", err)
	}

	// Rotate: .bak.3 → .bak.4, .bak.2 → .bak.3, .bak.1 → .bak.2
	for i := maxIndex - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", backupBase, i)
		dst := fmt.Sprintf("%s.%d", backupBase, i+1)
		if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
			logging.L_trace("config: failed to rotate backup", "src", src, "dst", dst, "error", err)
		}
	}

	// .bak → .bak.1
	if err := os.Rename(backupBase, backupBase+".1"); err != nil && !os.IsNotExist(err) {
		logging.L_trace("config: failed to rotate .bak to .bak.1", "error", err)
	}
}

// WriteConfigWithBackup writes the config to the specified path with backup rotation.
// 1. Rotates existing backups
// 2. Copies current config to .bak
// 3. Writes new config atomically
func WriteConfigWithBackup(path string, cfg *Config) error {
	// Rotate existing backups
	rotateBackups(path)

	// Copy current to .bak if it exists
	if _, err := os.Stat(path); err == nil {
		backupPath := path + ".bak"
		if err := copyFile(path, backupPath); err != nil {
			logging.L_warn("config: failed to create backup", "path", backupPath, "error", err)
			// Continue anyway - backup is best-effort
		} else {
			logging.L_trace("config: created backup", "path", backupPath)
		}
	}

	// Marshal config with indentation
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	// Add trailing newline
	data = append(data, '\n')

	// Write atomically
	if err := AtomicWrite(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	logging.L_info("config: written with defaults", "path", path, "size", len(data))
	return nil
}

// mergeJSONConfig deep-merges JSON data into an existing config.
// Only fields actually present in the JSON override the existing config.
// This prevents partial configs from wiping out defaults for unspecified fields.
func mergeJSONConfig(dst *Config, jsonData []byte) error {
	// First, parse JSON to a map to see what fields are actually specified
	var rawMap map[string]interface{}
	if err := json.Unmarshal(jsonData, &rawMap); err != nil {
		return fmt.Errorf("parse JSON: %w", err)
	}

	// Re-marshal only the specified fields, then unmarshal to a Config
	// This preserves only what was explicitly in the JSON
	specifiedJSON, err := json.Marshal(rawMap)
	if err != nil {
		return fmt.Errorf("re-marshal specified fields: %w", err)
	}

	var src Config
	if err := json.Unmarshal(specifiedJSON, &src); err != nil {
		return fmt.Errorf("parse to config: %w", err)
	}

	// Use custom merge that only overwrites if the source struct was actually
	// present in the JSON (non-empty in the raw map)
	return mergeConfigSelective(dst, &src, rawMap)
}

// mergeConfigSelective merges src into dst, but only for top-level fields
// that were present in the raw JSON map. This prevents zero-value structs
// from overwriting defaults.
func mergeConfigSelective(dst, src *Config, rawMap map[string]interface{}) error {
	// For each top-level field, only merge if it was in the JSON
	if _, ok := rawMap["telegram"]; ok {
		if err := mergo.Merge(&dst.Telegram, src.Telegram, mergo.WithOverride); err != nil {
			return err
		}
	}
	if sessionMap, ok := rawMap["session"].(map[string]interface{}); ok {
		// Session needs nested selective merge
		mergeSessionSelective(&dst.Session, &src.Session, sessionMap)
	}
	if _, ok := rawMap["cron"]; ok {
		if err := mergo.Merge(&dst.Cron, src.Cron, mergo.WithOverride); err != nil {
			return err
		}
	}

	return nil
}

// mergeSessionSelective handles the session config's simple string fields:
// a non-empty value in src overrides dst. Inherit is a bool and can't be
// distinguished from an unset JSON field without more work, so it is not
// merged here and keeps its default.
func mergeSessionSelective(dst, src *SessionConfig, rawMap map[string]interface{}) {
	if src.Store != "" {
		dst.Store = src.Store
	}
	if src.StorePath != "" {
		dst.StorePath = src.StorePath
	}
	if src.InheritPath != "" {
		dst.InheritPath = src.InheritPath
	}
	if src.InheritFrom != "" {
		dst.InheritFrom = src.InheritFrom
	}
}
