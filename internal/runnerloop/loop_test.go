package runnerloop

import (
	"testing"

	"github.com/ilovenuclearpower/flowstate/pkg/capability"
)

func newTestLoop(caps []capability.Tier, maxBuilds int) *Loop {
	return New(NewClient("http://unused.invalid", "key", "runner-1", nil), nil, nil, nil, Config{
		Capabilities:        caps,
		MaxConcurrentBuilds: maxBuilds,
	}, nil)
}

func TestPollCapabilitiesExcludesHeavyWhenBuildsSaturated(t *testing.T) {
	l := newTestLoop([]capability.Tier{capability.Light, capability.Heavy}, 1)
	l.builds = 1

	got := l.pollCapabilities()
	for _, t2 := range got {
		if t2 == capability.Heavy {
			t.Fatal("expected heavy tier to be excluded while builds are saturated")
		}
	}
	if len(got) != 1 || got[0] != capability.Light {
		t.Errorf("unexpected capabilities: %v", got)
	}
}

func TestPollCapabilitiesIncludesHeavyWhenCapacityAvailable(t *testing.T) {
	l := newTestLoop([]capability.Tier{capability.Light, capability.Heavy}, 2)
	l.builds = 1

	got := l.pollCapabilities()
	found := false
	for _, t2 := range got {
		if t2 == capability.Heavy {
			found = true
		}
	}
	if !found {
		t.Error("expected heavy tier to remain available under capacity")
	}
}

func TestRegisterAndUnregisterTrackActiveRuns(t *testing.T) {
	l := newTestLoop([]capability.Tier{capability.Light}, 1)
	run := &RunDTO{ID: "run-1", TaskID: "task-1", Action: capability.ActionBuild}

	_, _, cancel := l.register(run)
	defer cancel()

	snap := l.Snapshot()
	if snap.ActiveCount != 1 || snap.ActiveBuildCount != 1 {
		t.Fatalf("unexpected snapshot after register: %+v", snap)
	}

	l.unregister(run)
	snap = l.Snapshot()
	if snap.ActiveCount != 0 || snap.ActiveBuildCount != 0 {
		t.Fatalf("unexpected snapshot after unregister: %+v", snap)
	}
}

func TestSnapshotReportsElapsedTime(t *testing.T) {
	l := newTestLoop([]capability.Tier{capability.Light}, 1)
	run := &RunDTO{ID: "run-1", TaskID: "task-1", Action: capability.ActionResearch}
	_, _, cancel := l.register(run)
	defer cancel()

	snap := l.Snapshot()
	if len(snap.Runs) != 1 {
		t.Fatalf("expected one run in snapshot, got %d", len(snap.Runs))
	}
	if snap.Runs[0].RunID != "run-1" {
		t.Errorf("unexpected run id: %s", snap.Runs[0].RunID)
	}
	if snap.Runs[0].ElapsedSeconds < 0 {
		t.Errorf("expected non-negative elapsed seconds, got %v", snap.Runs[0].ElapsedSeconds)
	}
}
