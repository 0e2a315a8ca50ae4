package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/roelfdiedericks/goclaw-cron/internal/engine/job"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s := New(filepath.Join(dir, "jobs.json"), filepath.Join(dir, "runs"))
	if err := s.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return s
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

func TestStoreAddAndGet(t *testing.T) {
	s := newTestStore(t)
	added, err := s.Add(mainJob("j1"), 1000)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if added.ID == "" {
		t.Fatal("Add() left ID empty")
	}

	got, err := s.Get(added.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "j1" {
		t.Fatalf("Get().Name = %q, want j1", got.Name)
	}
}

func TestAddPreservesExplicitDisabled(t *testing.T) {
	s := newTestStore(t)
	j := mainJob("disabled-on-arrival")
	j.Enabled = false
	added, err := s.Add(j, 1000)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if added.Enabled {
		t.Fatal("Add() re-enabled a job created with enabled=false")
	}
	got, err := s.Get(added.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Enabled {
		t.Fatal("stored job has enabled=true despite explicit enabled=false on add")
	}
}

func TestStoreGetNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get("missing"); !job.Is(err, job.ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestClaimDueExcludesNotYetDue(t *testing.T) {
	s := newTestStore(t)
	added, _ := s.Add(mainJob("j1"), 1000)
	future := time.UnixMilli(10_000)
	_ = s.SetNextDue(added.ID, &future)

	claimed, err := s.ClaimDue(5_000, 10)
	if err != nil {
		t.Fatalf("ClaimDue() error = %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("ClaimDue() = %d jobs, want 0 (not yet due)", len(claimed))
	}
}

func TestClaimDueThenLeaseExcludesSecondClaim(t *testing.T) {
	s := newTestStore(t)
	added, _ := s.Add(mainJob("j1"), 1000)
	due := time.UnixMilli(1_000)
	_ = s.SetNextDue(added.ID, &due)

	claimed, err := s.ClaimDue(2_000, 10)
	if err != nil {
		t.Fatalf("ClaimDue() error = %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("ClaimDue() = %d jobs, want 1", len(claimed))
	}

	// Claiming again immediately must not re-select the leased job.
	claimed2, err := s.ClaimDue(2_001, 10)
	if err != nil {
		t.Fatalf("ClaimDue() error = %v", err)
	}
	if len(claimed2) != 0 {
		t.Fatalf("ClaimDue() re-claimed a leased job: %d", len(claimed2))
	}
}

func TestAdvanceCASMismatchDropsSilently(t *testing.T) {
	s := newTestStore(t)
	added, _ := s.Add(mainJob("j1"), 1000)
	due := time.UnixMilli(1_000)
	_ = s.SetNextDue(added.ID, &due)

	wrongPrev := time.UnixMilli(9_999)
	newDue := time.UnixMilli(2_000)
	advanced, err := s.Advance(added.ID, &wrongPrev, &newDue)
	if err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if advanced {
		t.Fatal("Advance() succeeded on a stale previousDue token")
	}

	got, _ := s.Get(added.ID)
	if *got.State.NextDueMs != due.UnixMilli() {
		t.Fatalf("NextDueMs changed despite CAS mismatch: %d", *got.State.NextDueMs)
	}
}

func TestAdvanceExhaustedNeverDeletesEvenWithDeleteAfterRun(t *testing.T) {
	s := newTestStore(t)
	j := mainJob("one-shot")
	j.DeleteAfterRun = true
	added, _ := s.Add(j, 1000)
	due := time.UnixMilli(1_000)
	_ = s.SetNextDue(added.ID, &due)

	// Advance never deletes, regardless of DeleteAfterRun — deletion only
	// happens after a successful run, which is the Executor's job.
	advanced, err := s.Advance(added.ID, &due, nil)
	if err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if !advanced {
		t.Fatal("Advance() should have succeeded")
	}
	got, err := s.Get(added.ID)
	if err != nil {
		t.Fatalf("job should still be present after exhausted advance: %v", err)
	}
	if got.Enabled {
		t.Fatal("job should be disabled after exhaustion")
	}
}

func TestAdvanceExhaustedDisablesWhenNotDeleteAfterRun(t *testing.T) {
	s := newTestStore(t)
	added, _ := s.Add(mainJob("recurring"), 1000)
	due := time.UnixMilli(1_000)
	_ = s.SetNextDue(added.ID, &due)

	advanced, err := s.Advance(added.ID, &due, nil)
	if err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if !advanced {
		t.Fatal("Advance() should have succeeded")
	}
	got, err := s.Get(added.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Enabled {
		t.Fatal("job should be disabled after exhaustion without deleteAfterRun")
	}
}

func TestWatchForExternalEditsReloadsOnExternalWrite(t *testing.T) {
	s := newTestStore(t)
	added, err := s.Add(mainJob("j1"), 1000)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.WatchForExternalEdits(ctx)
	time.Sleep(50 * time.Millisecond) // let the watcher attach

	// Simulate an external process editing the catalog while stopped: a raw
	// write that removes the job, bypassing Store's own API entirely.
	if err := os.WriteFile(s.path, []byte(`{"version":1,"jobs":[]}`), 0o600); err != nil {
		t.Fatalf("external write failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := s.Get(added.ID); job.Is(err, job.ErrNotFound) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("external catalog edit was not picked up by the watcher")
}

func TestWatchForExternalEditsIgnoresOwnWrites(t *testing.T) {
	s := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.WatchForExternalEdits(ctx)
	time.Sleep(50 * time.Millisecond)

	// The Store's own Add (via saveLocked) should not trigger a reload race
	// — ignoreWatchUntil suppresses the watcher's own-write echo.
	added, err := s.Add(mainJob("j1"), 1000)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	time.Sleep(500 * time.Millisecond) // past both the ignore window and debounce

	got, err := s.Get(added.ID)
	if err != nil {
		t.Fatalf("job disappeared after its own write was mistaken for an external edit: %v", err)
	}
	if got.Name != "j1" {
		t.Fatalf("Get().Name = %q, want j1", got.Name)
	}
}

func TestUpdateResetsNextDueOnScheduleChange(t *testing.T) {
	s := newTestStore(t)
	added, _ := s.Add(mainJob("j1"), 1000)
	due := time.UnixMilli(1_000)
	_ = s.SetNextDue(added.ID, &due)

	newSched := job.Schedule{Kind: job.ScheduleEvery, EveryMs: 120000}
	updated, err := s.Update(added.ID, Patch{Schedule: &newSched}, 2000)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.State.NextDueMs != nil {
		t.Fatal("NextDueMs should be cleared after a schedule change")
	}
}
