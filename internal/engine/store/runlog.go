package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/roelfdiedericks/goclaw-cron/internal/engine/job"
	. "github.com/roelfdiedericks/goclaw-cron/internal/logging"
)

// MaxSummaryChars bounds how much of an Executor's output is kept in a
// RunRecord's Summary field.
const MaxSummaryChars = 2000

// MaxHistoryBytes triggers an asynchronous prune once a job's run log
// exceeds this size.
const MaxHistoryBytes = 2 * 1024 * 1024

// RunLog appends RunRecords to per-job JSONL files and prunes them to the
// configured retention.
type RunLog struct {
	dir    string
	retain int
}

// NewRunLog creates a RunLog rooted at dir, retaining the last `retain`
// entries per job (DefaultRunHistoryRetain if retain <= 0).
func NewRunLog(dir string, retain int) *RunLog {
	if retain <= 0 {
		retain = DefaultRunHistoryRetain
	}
	return &RunLog{dir: dir, retain: retain}
}

// Append writes one RunRecord to the job's history file.
func (r *RunLog) Append(rec job.RunRecord) error {
	if err := os.MkdirAll(r.dir, 0o750); err != nil {
		return job.NewError(job.ErrStorageUnavailable, err.Error())
	}
	if len(rec.Summary) > MaxSummaryChars {
		rec.Summary = rec.Summary[:MaxSummaryChars-3] + "..."
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	path := r.path(rec.JobID)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return job.NewError(job.ErrStorageUnavailable, err.Error())
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return job.NewError(job.ErrStorageUnavailable, err.Error())
	}

	if stat, err := f.Stat(); err == nil && stat.Size() > MaxHistoryBytes {
		go r.prune(rec.JobID)
	}
	return nil
}

// Recent returns the last `limit` RunRecords for a job, most recent
// first. limit <= 0 returns the full log.
func (r *RunLog) Recent(jobID string, limit int) ([]job.RunRecord, error) {
	f, err := os.Open(r.path(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, job.NewError(job.ErrStorageUnavailable, err.Error())
	}
	defer f.Close()

	var entries []job.RunRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var rec job.RunRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		entries = append(entries, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, job.NewError(job.ErrStorageUnavailable, err.Error())
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	for i, k := 0, len(entries)-1; i < k; i, k = i+1, k-1 {
		entries[i], entries[k] = entries[k], entries[i]
	}
	return entries, nil
}

// Delete removes a job's history file entirely.
func (r *RunLog) Delete(jobID string) error {
	err := os.Remove(r.path(jobID))
	if err != nil && !os.IsNotExist(err) {
		return job.NewError(job.ErrStorageUnavailable, err.Error())
	}
	return nil
}

func (r *RunLog) prune(jobID string) {
	path := r.path(jobID)
	f, err := os.Open(path)
	if err != nil {
		L_error("runlog: failed to open for pruning", "job", jobID, "error", err)
		return
	}
	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lines = append(lines, append([]byte{}, scanner.Bytes()...))
	}
	f.Close()

	if len(lines) <= r.retain {
		return
	}
	lines = lines[len(lines)-r.retain:]

	tmpPath := path + ".tmp"
	tmp, err := os.Create(tmpPath)
	if err != nil {
		L_error("runlog: failed to create temp file for pruning", "job", jobID, "error", err)
		return
	}
	for _, line := range lines {
		tmp.Write(line)
		tmp.Write([]byte{'\n'})
	}
	tmp.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		L_error("runlog: failed to rename pruned history", "job", jobID, "error", err)
		os.Remove(tmpPath)
		return
	}
	L_debug("runlog: pruned", "job", jobID, "kept", len(lines))
}

func (r *RunLog) path(jobID string) string {
	return filepath.Join(r.dir, fmt.Sprintf("%s.jsonl", jobID))
}
