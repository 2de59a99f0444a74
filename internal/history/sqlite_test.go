package history_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloud-shuttle/dray/internal/history"
	"github.com/cloud-shuttle/dray/pkg/types"
)

func setupTestStore(t *testing.T) history.Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "history", "dray.db")
	store, err := history.Open(context.Background(), "sqlite://"+dbPath)
	if err != nil {
		t.Fatalf("Failed to open test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testRecord(id string, started time.Time, success bool) *history.Record {
	exit := 0
	if !success {
		exit = 1
	}
	return &history.Record{
		ID:         id,
		StartedAt:  started,
		FinishedAt: started.Add(1500 * time.Millisecond),
		Roots:      []string{"deploy_0123456789ab"},
		Success:    success,
		ExitCode:   exit,
		Tasks: []types.TaskOutcome{
			{ID: "deploy_0123456789ab", Kind: "deploy", State: types.StateBlocked, Reason: "dependency unsatisfied"},
			{
				ID: "upstream_ba9876543210", Kind: "upstream", External: true, State: types.StateUnsatisfied,
				Checks: 1, ConsecutiveFailures: 1,
				Failures: []types.FailureRecord{{TaskID: "upstream_ba9876543210", Timestamp: started.UnixMilli(), Reason: "condition not met"}},
			},
		},
	}
}

func TestSQLiteStore_RecordAndGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	started := time.UnixMilli(time.Now().UnixMilli())

	if err := store.RecordBuild(ctx, testRecord("b1", started, false)); err != nil {
		t.Fatalf("RecordBuild failed: %v", err)
	}

	got, err := store.GetBuild(ctx, "b1")
	if err != nil {
		t.Fatalf("GetBuild failed: %v", err)
	}

	if !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v; want %v", got.StartedAt, started)
	}
	if got.Success || got.ExitCode != 1 {
		t.Errorf("Success/ExitCode = %v/%d; want false/1", got.Success, got.ExitCode)
	}
	if len(got.Roots) != 1 || got.Roots[0] != "deploy_0123456789ab" {
		t.Errorf("Roots = %v", got.Roots)
	}
	if len(got.Tasks) != 2 {
		t.Fatalf("Tasks = %d; want 2", len(got.Tasks))
	}

	ext := got.Tasks[1]
	if !ext.External || ext.State != types.StateUnsatisfied || ext.Checks != 1 {
		t.Errorf("external outcome = %+v", ext)
	}
	if len(ext.Failures) != 1 || ext.Failures[0].Reason != "condition not met" {
		t.Errorf("failures = %+v", ext.Failures)
	}
}

func TestSQLiteStore_RecordIsIdempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	rec := testRecord("b1", time.Now(), true)

	for i := 0; i < 2; i++ {
		if err := store.RecordBuild(ctx, rec); err != nil {
			t.Fatalf("RecordBuild #%d failed: %v", i+1, err)
		}
	}

	got, err := store.GetBuild(ctx, "b1")
	if err != nil {
		t.Fatalf("GetBuild failed: %v", err)
	}
	if len(got.Tasks) != 2 {
		t.Errorf("Tasks = %d after re-recording; want 2", len(got.Tasks))
	}
}

func TestSQLiteStore_ListBuilds(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i, id := range []string{"old", "mid", "new"} {
		if err := store.RecordBuild(ctx, testRecord(id, base.Add(time.Duration(i)*time.Minute), true)); err != nil {
			t.Fatalf("RecordBuild failed: %v", err)
		}
	}

	builds, err := store.ListBuilds(ctx, 2)
	if err != nil {
		t.Fatalf("ListBuilds failed: %v", err)
	}
	if len(builds) != 2 {
		t.Fatalf("ListBuilds returned %d; want 2", len(builds))
	}
	if builds[0].ID != "new" || builds[1].ID != "mid" {
		t.Errorf("order = %s, %s; want new, mid", builds[0].ID, builds[1].ID)
	}
}

func TestSQLiteStore_GetUnknown(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetBuild(context.Background(), "missing")
	if !errors.Is(err, history.ErrNotFound) {
		t.Errorf("GetBuild error = %v; want ErrNotFound", err)
	}
}

func TestOpen_UnsupportedURL(t *testing.T) {
	tests := []string{"", "mysql://localhost/dray", "sqlite://", "/tmp/dray.db"}
	for _, url := range tests {
		if _, err := history.Open(context.Background(), url); !errors.Is(err, history.ErrUnsupportedURL) {
			t.Errorf("Open(%q) error = %v; want ErrUnsupportedURL", url, err)
		}
	}

	if !history.SupportedURL("postgresql://u@h/db") || history.SupportedURL("file:///x") {
		t.Error("SupportedURL misclassified a url")
	}
}
