package watchdog

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ilovenuclearpower/flowstate/internal/runstore"
	"github.com/ilovenuclearpower/flowstate/pkg/capability"
)

// openTestStore connects to FLOWSTATE_TEST_DATABASE_URL, skipping the test
// when it is unset, mirroring internal/runstore's own test helper.
func openTestStore(t *testing.T) *runstore.Store {
	t.Helper()
	dsn := os.Getenv("FLOWSTATE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("FLOWSTATE_TEST_DATABASE_URL not set, skipping Postgres-backed test")
	}
	store, err := runstore.Open(context.Background(), dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

type stubElector struct{ leader bool }

func (s stubElector) IsLeader() bool { return s.leader }

func TestSweepSkippedWhenNotLeader(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	r, err := store.Create(ctx, uuid.NewString(), capability.ActionBuild, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.ClaimNext(ctx, []capability.Tier{capability.Heavy}); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	w := New(store, Config{Elector: stubElector{leader: false}}, slog.Default())
	w.hard = -1 * time.Hour
	w.sweep(ctx)

	got, err := store.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != runstore.StatusRunning {
		t.Errorf("expected run to remain running when not leader, got %s", got.Status)
	}
}

func TestSweepTimesOutStaleRunningRun(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	r, err := store.Create(ctx, uuid.NewString(), capability.ActionResearch, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.ClaimNext(ctx, []capability.Tier{capability.Light}); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	// A negative deadline makes "now - deadline" land in the future, so any
	// started_at is already stale. New replaces a non-positive HardDeadline
	// with its 90-minute default, so the field is set directly.
	w := New(store, Config{}, slog.Default())
	w.hard = -1 * time.Hour
	w.sweep(ctx)

	got, err := store.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != runstore.StatusTimedOut {
		t.Errorf("expected run timed out, got %s", got.Status)
	}
	if got.ErrorMessage != hardDeadlineMessage {
		t.Errorf("expected hard deadline message, got %q", got.ErrorMessage)
	}
}

func TestSweepNeverTouchesTerminalRuns(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	r, err := store.Create(ctx, uuid.NewString(), capability.ActionResearch, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.ClaimNext(ctx, []capability.Tier{capability.Light}); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if _, err := store.UpdateStatus(ctx, r.ID, runstore.StatusCompleted, "", nil); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	w := New(store, Config{}, slog.Default())
	w.hard = -1 * time.Hour
	w.sweep(ctx)

	got, err := store.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != runstore.StatusCompleted {
		t.Errorf("expected completed run to remain completed, got %s", got.Status)
	}
}
