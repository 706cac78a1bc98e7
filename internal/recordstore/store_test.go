package recordstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	voratiqerrors "github.com/voratiq/voratiq/internal/errors"
)

func newTestRun(id string) *RunRecord {
	return &RunRecord{
		RunID:        id,
		BaseRevision: "abc123",
		Spec:         SpecDescriptor{Path: "specs/task.md"},
		Status:       StatusQueued,
		CreatedAt:    time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Agents: []AgentInvocation{
			{AgentID: "claude-1", Provider: "claude", Status: StatusQueued},
		},
	}
}

func newTestStore(t *testing.T) *Store[*RunRecord] {
	t.Helper()
	store, err := NewRunStore(t.TempDir(), WithFlushDelay(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewRunStore: %v", err)
	}
	return store
}

func readDiskRecord(t *testing.T, store *Store[*RunRecord], id string) *RunRecord {
	t.Helper()
	data, err := os.ReadFile(store.recordPath(id))
	if err != nil {
		t.Fatalf("reading record.json: %v", err)
	}
	var record RunRecord
	if err := json.Unmarshal(data, &record); err != nil {
		t.Fatalf("parsing record.json: %v", err)
	}
	return &record
}

func TestAppend_WritesRecordAndIndex(t *testing.T) {
	store := newTestStore(t)

	if err := store.Append(newTestRun("run-1")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	disk := readDiskRecord(t, store, "run-1")
	if disk.RunID != "run-1" || disk.Status != StatusQueued {
		t.Errorf("disk record = %s/%s, want run-1/queued", disk.RunID, disk.Status)
	}

	entries, err := store.Sessions()
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "run-1" || entries[0].Status != StatusQueued {
		t.Errorf("index entries = %+v, want one queued run-1", entries)
	}
}

func TestAppend_DuplicateIDFails(t *testing.T) {
	store := newTestStore(t)

	if err := store.Append(newTestRun("run-1")); err != nil {
		t.Fatalf("first Append: %v", err)
	}
	err := store.Append(newTestRun("run-1"))
	if !voratiqerrors.Is(err, voratiqerrors.ErrAlreadyAppended) {
		t.Errorf("second Append error = %v, want ErrAlreadyAppended", err)
	}
}

func TestRewrite_NonTerminalCoalesces(t *testing.T) {
	store := newTestStore(t)
	if err := store.Append(newTestRun("run-1")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	_, err := store.Rewrite("run-1", func(r *RunRecord) *RunRecord {
		r.Status = StatusRunning
		return r
	})
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}

	// Before the coalescing delay elapses the disk copy is still queued.
	if disk := readDiskRecord(t, store, "run-1"); disk.Status != StatusQueued {
		t.Errorf("disk status before flush = %s, want queued", disk.Status)
	}

	// Snapshot sees the buffered value immediately.
	snap, err := store.Snapshot("run-1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Status != StatusRunning {
		t.Errorf("snapshot status = %s, want running", snap.Status)
	}

	waitFor(t, time.Second, func() bool {
		return readDiskRecord(t, store, "run-1").Status == StatusRunning
	})

	entries, _ := store.Sessions()
	if entries[0].Status != StatusRunning {
		t.Errorf("index status after flush = %s, want running", entries[0].Status)
	}
}

func TestRewrite_TerminalForceFlushesAndDisposes(t *testing.T) {
	store := newTestStore(t)
	if err := store.Append(newTestRun("run-1")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	now := time.Now().UTC()
	_, err := store.Rewrite("run-1", func(r *RunRecord) *RunRecord {
		r.Status = StatusSucceeded
		r.Agents[0].Status = StatusSucceeded
		r.Agents[0].StartedAt = &now
		r.Agents[0].CompletedAt = &now
		r.Agents[0].Evals = []EvaluationSnapshot{}
		return r
	})
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}

	// Terminal rewrite bypasses the coalescing delay.
	if disk := readDiskRecord(t, store, "run-1"); disk.Status != StatusSucceeded {
		t.Errorf("disk status = %s, want succeeded", disk.Status)
	}
	entries, _ := store.Sessions()
	if entries[0].Status != StatusSucceeded {
		t.Errorf("index status = %s, want succeeded", entries[0].Status)
	}

	// Buffer entry is gone: Snapshot falls through to disk.
	store.mu.Lock()
	_, buffered := store.entries["run-1"]
	store.mu.Unlock()
	if buffered {
		t.Error("buffer entry survived a terminal flush")
	}
}

func TestRewrite_RoundTripEndsAtFinalValue(t *testing.T) {
	store := newTestStore(t)
	if err := store.Append(newTestRun("run-1")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	statuses := []Status{StatusRunning, StatusRunning, StatusFailed}
	for _, status := range statuses {
		s := status
		if _, err := store.Rewrite("run-1", func(r *RunRecord) *RunRecord {
			r.Status = s
			return r
		}); err != nil {
			t.Fatalf("Rewrite to %s: %v", s, err)
		}
	}

	disk := readDiskRecord(t, store, "run-1")
	if disk.Status != StatusFailed {
		t.Errorf("final disk status = %s, want failed", disk.Status)
	}
	entries, _ := store.Sessions()
	if entries[0].Status != StatusFailed {
		t.Errorf("final index status = %s, want failed", entries[0].Status)
	}
}

func TestSnapshot_ReturnsDeepCopy(t *testing.T) {
	store := newTestStore(t)
	if err := store.Append(newTestRun("run-1")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	snap, err := store.Snapshot("run-1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	snap.Agents[0].Status = StatusAborted

	again, _ := store.Snapshot("run-1")
	if again.Agents[0].Status != StatusQueued {
		t.Error("mutating a snapshot leaked into the buffered record")
	}
}

func TestLoad_Missing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Load("nope")
	if !voratiqerrors.Is(err, voratiqerrors.ErrRecordNotFound) {
		t.Errorf("Load error = %v, want ErrRecordNotFound", err)
	}
}

func TestLoad_IndexedButMissingOnDisk(t *testing.T) {
	store := newTestStore(t)
	if err := store.Append(newTestRun("run-1")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := os.Remove(store.recordPath("run-1")); err != nil {
		t.Fatalf("removing record: %v", err)
	}

	_, err := store.Load("run-1")
	if !voratiqerrors.Is(err, voratiqerrors.ErrRecordMissing) {
		t.Errorf("Load error = %v, want ErrRecordMissing", err)
	}
}

func TestLoad_ParseError(t *testing.T) {
	store := newTestStore(t)
	if err := store.Append(newTestRun("run-1")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := os.WriteFile(store.recordPath("run-1"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("corrupting record: %v", err)
	}
	store.Dispose("run-1")

	_, err := store.Load("run-1")
	if !voratiqerrors.Is(err, voratiqerrors.ErrRecordParseError) {
		t.Errorf("Load error = %v, want ErrRecordParseError", err)
	}
}

func TestLoadAll_SurfacesWarnings(t *testing.T) {
	store := newTestStore(t)
	for _, id := range []string{"run-1", "run-2", "run-3"} {
		if err := store.Append(newTestRun(id)); err != nil {
			t.Fatalf("Append %s: %v", id, err)
		}
	}
	if err := os.WriteFile(store.recordPath("run-2"), []byte("{"), 0o644); err != nil {
		t.Fatalf("corrupting run-2: %v", err)
	}
	if err := os.Remove(store.recordPath("run-3")); err != nil {
		t.Fatalf("removing run-3: %v", err)
	}

	records, warnings, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(records) != 1 || records[0].RunID != "run-1" {
		t.Errorf("records = %+v, want just run-1", records)
	}
	if len(warnings) != 2 {
		t.Fatalf("warnings = %+v, want two", warnings)
	}
	kinds := map[string]string{}
	for _, w := range warnings {
		kinds[w.SessionID] = w.Kind
	}
	if kinds["run-2"] != "record-parse-error" {
		t.Errorf("run-2 warning = %s, want record-parse-error", kinds["run-2"])
	}
	if kinds["run-3"] != "record-missing" {
		t.Errorf("run-3 warning = %s, want record-missing", kinds["run-3"])
	}
}

func TestApplyStatusMerge_LaterTimestampWins(t *testing.T) {
	store := newTestStore(t)
	run := newTestRun("run-1")
	run.Status = StatusSucceeded
	if err := store.Append(run); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Simulate another process persisting a later apply-status on disk.
	disk := readDiskRecord(t, store, "run-1")
	disk.ApplyStatus = &ApplyStatus{AppliedAt: "2026-08-02T12:00:00Z", AgentID: "other", Success: true}
	data, _ := json.MarshalIndent(disk, "", "  ")
	if err := os.WriteFile(store.recordPath("run-1"), data, 0o644); err != nil {
		t.Fatalf("writing disk record: %v", err)
	}

	_, err := store.Rewrite("run-1", func(r *RunRecord) *RunRecord {
		r.ApplyStatus = &ApplyStatus{AppliedAt: "2026-08-02T11:00:00Z", AgentID: "mine", Success: true}
		r.Status = StatusPruned
		return r
	})
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}

	final := readDiskRecord(t, store, "run-1")
	if final.ApplyStatus.AgentID != "other" {
		t.Errorf("persisted apply-status agent = %s, want other (later timestamp)", final.ApplyStatus.AgentID)
	}
}

func TestMergeApplyStatus(t *testing.T) {
	early := &ApplyStatus{AppliedAt: "2026-08-01T00:00:00Z", AgentID: "early"}
	late := &ApplyStatus{AppliedAt: "2026-08-02T00:00:00Z", AgentID: "late"}
	badA := &ApplyStatus{AppliedAt: "not-a-time-a", AgentID: "bad-a"}
	badB := &ApplyStatus{AppliedAt: "not-a-time-b", AgentID: "bad-b"}

	cases := []struct {
		name           string
		buffered, disk *ApplyStatus
		want           string
	}{
		{"later disk wins", early, late, "late"},
		{"later buffered wins", late, early, "late"},
		{"equal keeps buffered", early, &ApplyStatus{AppliedAt: early.AppliedAt, AgentID: "disk"}, "early"},
		{"valid beats invalid", early, badA, "early"},
		{"both invalid lexicographic", badA, badB, "bad-b"},
		{"nil disk", early, nil, "early"},
		{"nil buffered", nil, late, "late"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := MergeApplyStatus(tc.buffered, tc.disk)
			if got.AgentID != tc.want {
				t.Errorf("MergeApplyStatus = %s, want %s", got.AgentID, tc.want)
			}
		})
	}
}

func TestNewSessionID_Format(t *testing.T) {
	now := time.Date(2026, 8, 2, 15, 30, 12, 0, time.UTC)
	id := NewSessionID(now)
	if len(id) != len("20260802-153012-")+8 {
		t.Errorf("id %q has unexpected length", id)
	}
	if id[:15] != "20260802-153012" {
		t.Errorf("id %q missing timestamp prefix", id)
	}
	if id == NewSessionID(now) {
		t.Error("two ids generated at the same instant collided")
	}
}

func TestSessionDirLayout(t *testing.T) {
	root := t.TempDir()
	store, err := NewRunStore(root)
	if err != nil {
		t.Fatalf("NewRunStore: %v", err)
	}
	want := filepath.Join(root, "runs", "sessions", "run-1")
	if got := store.SessionDir("run-1"); got != want {
		t.Errorf("SessionDir = %s, want %s", got, want)
	}
}

// waitFor polls cond until it holds or timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
