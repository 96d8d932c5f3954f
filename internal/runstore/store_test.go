package runstore

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ilovenuclearpower/flowstate/pkg/capability"
)

// openTestStore connects to FLOWSTATE_TEST_DATABASE_URL, skipping the test
// when it is unset. The claim-disjointness property in particular requires
// real Postgres row locking; it cannot be meaningfully faked in-process.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("FLOWSTATE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("FLOWSTATE_TEST_DATABASE_URL not set, skipping Postgres-backed test")
	}
	store, err := Open(context.Background(), dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateDefaultsCapabilityByAction(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	r, err := store.Create(ctx, uuid.NewString(), capability.ActionBuild, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if r.Status != StatusQueued {
		t.Errorf("expected queued status, got %s", r.Status)
	}
	if r.RequiredCapability == nil || *r.RequiredCapability != capability.Heavy {
		t.Errorf("expected default heavy capability for build, got %v", r.RequiredCapability)
	}
}

func TestClaimNextIsExclusiveAcrossConcurrentClaimers(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	const n = 5
	ids := make([]string, n)
	for i := range ids {
		r, err := store.Create(ctx, uuid.NewString(), capability.ActionResearch, nil)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids[i] = r.ID
	}

	var mu sync.Mutex
	claimed := make(map[string]int)
	var wg sync.WaitGroup
	for i := 0; i < n*2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := store.ClaimNext(ctx, []capability.Tier{capability.Light})
			if err != nil {
				t.Errorf("ClaimNext: %v", err)
				return
			}
			if r == nil {
				return
			}
			mu.Lock()
			claimed[r.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(claimed) != n {
		t.Fatalf("expected %d distinct runs claimed, got %d", n, len(claimed))
	}
	for id, count := range claimed {
		if count != 1 {
			t.Errorf("run %s claimed %d times, want exactly 1", id, count)
		}
	}
}

func TestTimeoutIfStillRunningDoesNotResurrectCompleted(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, uuid.NewString(), capability.ActionResearch, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	claimed, err := store.ClaimNext(ctx, []capability.Tier{capability.Light})
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNext: %v, %v", claimed, err)
	}
	if _, err := store.UpdateStatus(ctx, claimed.ID, StatusCompleted, "", nil); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	timedOut, err := store.TimeoutIfStillRunning(ctx, claimed.ID, "watchdog deadline")
	if err != nil {
		t.Fatalf("TimeoutIfStillRunning: %v", err)
	}
	if timedOut != nil {
		t.Fatal("expected completed run to not be resurrected into timed_out")
	}

	final, err := store.Get(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.Status != StatusCompleted {
		t.Errorf("expected status to remain completed, got %s", final.Status)
	}
}

func TestFindStaleFiltersByStartedAt(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	r, err := store.Create(ctx, uuid.NewString(), capability.ActionResearch, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.ClaimNext(ctx, []capability.Tier{capability.Light}); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	stale, err := store.FindStale(ctx, StatusRunning, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("FindStale: %v", err)
	}
	found := false
	for _, s := range stale {
		if s.ID == r.ID {
			found = true
		}
	}
	if !found {
		t.Error("expected claimed run to be found as stale with a future threshold")
	}
}
