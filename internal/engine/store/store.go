// Package store implements the Job Store: a durable, single-writer
// catalog of jobs with atomic claim/advance operations and an append-only
// run-history log. The in-memory map is the source of truth at runtime;
// disk reads only happen at Load.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/roelfdiedericks/goclaw-cron/internal/engine/job"
	. "github.com/roelfdiedericks/goclaw-cron/internal/logging"
)

// externalEditDebounce mirrors the teacher's FileChangeDebounce: wait for
// writes to settle before reloading, so a multi-step external edit doesn't
// trigger a reload per write.
const externalEditDebounce = 150 * time.Millisecond

// ownWriteIgnoreWindow suppresses watcher events caused by the Store's own
// saveLocked, matching the teacher's ignoreWatchUntil debounce.
const ownWriteIgnoreWindow = 400 * time.Millisecond

// DefaultLeaseTTL is how long a claim_due lease is held before it expires
// and becomes eligible for re-claiming by a recovering process.
const DefaultLeaseTTL = 5 * time.Minute

// DefaultRunHistoryRetain is the number of RunRecords kept per job before
// the run log is pruned, per §4.2's default of 200.
const DefaultRunHistoryRetain = 200

// Store is the engine's Job Store. A single instance owns all Jobs and
// RunRecords for one gateway process; concurrent writers from outside the
// process are explicitly unsupported — the catalog file must only be
// edited while the process is stopped.
type Store struct {
	path       string
	runsDir    string
	minEveryMs int64
	leaseTTL   time.Duration

	mu   sync.Mutex
	jobs map[string]*job.Job

	unavailable      bool
	ignoreWatchUntil time.Time
}

// Option configures a Store at construction.
type Option func(*Store)

// WithLeaseTTL overrides the default claim_due lease duration.
func WithLeaseTTL(d time.Duration) Option {
	return func(s *Store) { s.leaseTTL = d }
}

// WithMinEveryMs overrides the minimum Every interval accepted by
// Validate.
func WithMinEveryMs(ms int64) Option {
	return func(s *Store) { s.minEveryMs = ms }
}

// New creates a Store persisting the catalog at jobsPath and run logs
// under runsDir.
func New(jobsPath, runsDir string, opts ...Option) *Store {
	s := &Store{
		path:       jobsPath,
		runsDir:    runsDir,
		minEveryMs: 1000,
		leaseTTL:   DefaultLeaseTTL,
		jobs:       make(map[string]*job.Job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load reads the catalog from disk. A missing file is not an error: the
// store starts empty.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			L_debug("store: catalog not found, starting empty", "path", s.path)
			s.jobs = make(map[string]*job.Job)
			return nil
		}
		s.unavailable = true
		return job.NewError(job.ErrStorageUnavailable, err.Error())
	}

	var file job.CatalogFile
	if err := json.Unmarshal(data, &file); err != nil {
		s.unavailable = true
		return job.NewError(job.ErrStorageUnavailable, fmt.Sprintf("parse catalog: %v", err))
	}

	jobs := make(map[string]*job.Job, len(file.Jobs))
	for _, j := range file.Jobs {
		if j.ID == "" {
			continue
		}
		jobs[j.ID] = j
	}
	s.jobs = jobs
	s.unavailable = false
	L_info("store: loaded catalog", "count", len(s.jobs), "path", s.path)
	return nil
}

// Available reports whether the store's last disk interaction succeeded.
func (s *Store) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.unavailable
}

func (s *Store) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		s.unavailable = true
		return job.NewError(job.ErrStorageUnavailable, err.Error())
	}

	file := job.CatalogFile{Version: 1, Jobs: make([]*job.Job, 0, len(s.jobs))}
	for _, j := range s.jobs {
		file.Jobs = append(file.Jobs, j)
	}
	sort.Slice(file.Jobs, func(i, k int) bool {
		return file.Jobs[i].CreatedAtMs < file.Jobs[k].CreatedAtMs
	})

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return job.NewError(job.ErrStorageUnavailable, err.Error())
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".jobs-*.tmp")
	if err != nil {
		s.unavailable = true
		return job.NewError(job.ErrStorageUnavailable, err.Error())
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		s.unavailable = true
		return job.NewError(job.ErrStorageUnavailable, err.Error())
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		s.unavailable = true
		return job.NewError(job.ErrStorageUnavailable, err.Error())
	}
	if err := tmp.Close(); err != nil {
		s.unavailable = true
		return job.NewError(job.ErrStorageUnavailable, err.Error())
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		s.unavailable = true
		return job.NewError(job.ErrStorageUnavailable, err.Error())
	}
	ok = true
	s.unavailable = false
	s.ignoreWatchUntil = time.Now().Add(ownWriteIgnoreWindow)
	return nil
}

// WatchForExternalEdits watches the catalog file's directory for external
// writes while the process runs and reloads on change, logging a warning —
// the catalog is single-writer per the Store's contract (concurrent
// external writers are unsupported), so this is a degraded-reload aid for
// an operator hand-editing the file with the service stopped, or a stray
// process overwriting it, never a live merge. It blocks until ctx is
// cancelled or the watcher cannot be created, in which case it logs and
// returns immediately — a missing watcher is not fatal to the engine.
func (s *Store) WatchForExternalEdits(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		L_warn("store: failed to create file watcher, external catalog edits won't be detected", "error", err)
		return
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		L_warn("store: failed to watch catalog directory", "dir", dir, "error", err)
		return
	}
	L_debug("store: watching for external catalog edits", "dir", dir)

	jobsFile := filepath.Base(s.path)
	var debounce *time.Timer
	var debounceC <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != jobsFile {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			s.mu.Lock()
			ignoring := time.Now().Before(s.ignoreWatchUntil)
			s.mu.Unlock()
			if ignoring {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(externalEditDebounce)
				debounceC = debounce.C
			} else {
				debounce.Reset(externalEditDebounce)
			}

		case <-debounceC:
			debounce = nil
			debounceC = nil
			L_warn("store: external catalog edit detected, reloading (degraded: concurrent writers are unsupported)", "path", s.path)
			if err := s.Load(); err != nil {
				L_error("store: failed to reload catalog after external edit", "error", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			L_warn("store: file watcher error", "error", err)
		}
	}
}

// List returns all jobs ordered by CreatedAtMs.
func (s *Store) List() []*job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*job.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAtMs < out[k].CreatedAtMs })
	return out
}

// Get returns a job by ID, or ErrNotFound.
func (s *Store) Get(id string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, job.NewError(job.ErrNotFound, id)
	}
	return j.Clone(), nil
}

// Add validates and inserts a new job, assigning an ID if not provided.
func (s *Store) Add(j *job.Job, nowMs int64) (*job.Job, error) {
	if err := j.Validate(s.minEveryMs); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return nil, job.NewError(job.ErrStorageUnavailable, s.path)
	}

	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if _, exists := s.jobs[j.ID]; exists {
		return nil, job.NewError(job.ErrInvalidPayload, "job id already exists")
	}
	if j.CreatedAtMs == 0 {
		j.CreatedAtMs = nowMs
	}
	j.UpdatedAtMs = nowMs

	s.jobs[j.ID] = j
	if err := s.saveLocked(); err != nil {
		delete(s.jobs, j.ID)
		return nil, err
	}
	return j.Clone(), nil
}

// Patch is the set of fields update() may merge into an existing job. A
// nil pointer field leaves that field untouched; AgentID uses a separate
// clear flag since an explicit null must be distinguishable from "not
// provided".
type Patch struct {
	Name           *string
	Description    *string
	Enabled        *bool
	Schedule       *job.Schedule
	SessionTarget  *job.SessionTarget
	WakeMode       *job.WakeMode
	Payload        *job.Payload
	DeleteAfterRun *bool
	Isolation      *job.Isolation
	AgentID        *string
	ClearAgentID   bool
}

// Update atomically merges patch into the stored job and re-validates.
func (s *Store) Update(id string, patch Patch, nowMs int64) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return nil, job.NewError(job.ErrStorageUnavailable, s.path)
	}

	existing, ok := s.jobs[id]
	if !ok {
		return nil, job.NewError(job.ErrNotFound, id)
	}
	updated := existing.Clone()

	if patch.Name != nil {
		updated.Name = *patch.Name
	}
	if patch.Description != nil {
		updated.Description = *patch.Description
	}
	if patch.Enabled != nil {
		updated.Enabled = *patch.Enabled
	}
	if patch.Schedule != nil {
		updated.Schedule = *patch.Schedule
		updated.State.NextDueMs = nil // recompute on next tick
	}
	if patch.SessionTarget != nil {
		updated.SessionTarget = *patch.SessionTarget
	}
	if patch.WakeMode != nil {
		updated.WakeMode = *patch.WakeMode
	}
	if patch.Payload != nil {
		updated.Payload = *patch.Payload
	}
	if patch.DeleteAfterRun != nil {
		updated.DeleteAfterRun = *patch.DeleteAfterRun
	}
	if patch.Isolation != nil {
		updated.Isolation = patch.Isolation
	}
	if patch.ClearAgentID {
		updated.AgentID = ""
	} else if patch.AgentID != nil {
		updated.AgentID = *patch.AgentID
	}

	if err := updated.Validate(s.minEveryMs); err != nil {
		return nil, err
	}
	updated.UpdatedAtMs = nowMs

	s.jobs[id] = updated
	if err := s.saveLocked(); err != nil {
		s.jobs[id] = existing
		return nil, err
	}
	return updated.Clone(), nil
}

// Remove idempotently deletes a job. Run history is left for the caller
// to prune separately; it is not deleted by Remove.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return job.NewError(job.ErrStorageUnavailable, s.path)
	}
	if _, ok := s.jobs[id]; !ok {
		return nil // idempotent
	}
	delete(s.jobs, id)
	return s.saveLocked()
}

// SetNextDue sets a job's next-due instant without going through the
// advance CAS — used by the Scheduler when it first computes a due time
// for a newly added or reloaded job.
func (s *Store) SetNextDue(id string, due *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return job.NewError(job.ErrNotFound, id)
	}
	if due == nil {
		j.State.NextDueMs = nil
	} else {
		ms := due.UnixMilli()
		j.State.NextDueMs = &ms
	}
	return s.saveLocked()
}

// ClaimDue atomically selects enabled, unclaimed jobs whose next-due
// instant is at or before atMs, up to maxBatch, and marks them claimed
// with a lease expiring at atMs+leaseTTL. Re-entrant: if the process
// crashed holding a lease, the lease expires and a later ClaimDue picks
// the job back up. Results are FIFO by CreatedAtMs, per §4.3's tie-break
// rule.
func (s *Store) ClaimDue(atMs int64, maxBatch int) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return nil, job.NewError(job.ErrStorageUnavailable, s.path)
	}

	var due []*job.Job
	for _, j := range s.jobs {
		if !j.Enabled {
			continue
		}
		if j.State.NextDueMs == nil || *j.State.NextDueMs > atMs {
			continue
		}
		if j.State.Claimed(atMs) {
			continue
		}
		due = append(due, j)
	}
	sort.Slice(due, func(i, k int) bool { return due[i].CreatedAtMs < due[k].CreatedAtMs })
	if maxBatch > 0 && len(due) > maxBatch {
		due = due[:maxBatch]
	}

	lease := atMs + s.leaseTTL.Milliseconds()
	claimed := make([]*job.Job, 0, len(due))
	for _, j := range due {
		j.State.LeaseUntilMs = &lease
		claimed = append(claimed, j.Clone())
	}
	if len(claimed) > 0 {
		if err := s.saveLocked(); err != nil {
			return nil, err
		}
	}
	return claimed, nil
}

// Advance commits a job's recurrence step. previousDue is a CAS token: if
// the job's current NextDueMs no longer matches it (another actor already
// advanced it), Advance returns (false, nil) and makes no change — the
// caller must drop the job without re-queuing per §4.4. newDue == nil
// marks the job exhausted: it is disabled, never deleted — per §4.4,
// delete_after_run deletion happens only after a successful run, not at
// scheduling time, so a crash between Advance and the run never loses a
// one-shot job that hasn't executed yet. The Executor deletes the job
// itself (via Remove) once the run outcome is known to be ok.
func (s *Store) Advance(id string, previousDue *time.Time, newDue *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return false, job.NewError(job.ErrStorageUnavailable, s.path)
	}

	j, ok := s.jobs[id]
	if !ok {
		return false, nil
	}

	var prevMs *int64
	if previousDue != nil {
		ms := previousDue.UnixMilli()
		prevMs = &ms
	}
	if !msEqual(j.State.NextDueMs, prevMs) {
		return false, nil
	}

	j.State.LeaseUntilMs = nil
	if newDue == nil {
		j.Enabled = false
		j.State.NextDueMs = nil
	} else {
		ms := newDue.UnixMilli()
		j.State.NextDueMs = &ms
	}
	if err := s.saveLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// RecordRun updates a job's last-run summary fields after an Executor
// invocation completes. This does not touch NextDueMs; Advance owns that.
func (s *Store) RecordRun(id string, startedAtMs int64, durationMs int64, outcome job.Outcome, errDetail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return job.NewError(job.ErrNotFound, id)
	}
	started := startedAtMs
	j.State.LastRunAtMs = &started
	j.State.LastDurationMs = durationMs
	j.State.LastStatus = outcome
	j.State.LastError = errDetail
	j.State.LeaseUntilMs = nil
	return s.saveLocked()
}

func msEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
