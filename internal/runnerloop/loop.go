package runnerloop

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ilovenuclearpower/flowstate/internal/agentbackend"
	"github.com/ilovenuclearpower/flowstate/internal/repoprovider"
	"github.com/ilovenuclearpower/flowstate/internal/workspace"
	"github.com/ilovenuclearpower/flowstate/pkg/capability"
)

// activeRun tracks one in-flight run for the health snapshot and the
// activity watchdog. Mutated only under Loop.mu.
type activeRun struct {
	runID        string
	taskID       string
	action       capability.Action
	startedAt    time.Time
	cancel       context.CancelFunc
	lastActivity time.Time
}

// Loop drives the steady-state poll-claim-execute cycle for one runner
// process. One Loop owns exactly the active-run map for this host; a
// runner never shares it across processes.
type Loop struct {
	client    *Client
	backend   agentbackend.Backend
	providers *repoprovider.Registry
	workspace *workspace.Manager

	workspaceRoot       string
	capabilities        []capability.Tier
	pollInterval        time.Duration
	lightTimeout        time.Duration
	buildTimeout        time.Duration
	killGrace           time.Duration
	activityTimeout     time.Duration
	maxConcurrentBuilds int

	logger *slog.Logger

	mu      sync.Mutex
	active  map[string]*activeRun
	builds  int // count of active() entries whose action == ActionBuild
}

// Config bundles the settings Loop needs beyond its collaborators.
type Config struct {
	WorkspaceRoot       string
	Capabilities        []capability.Tier
	PollInterval        time.Duration
	LightTimeout        time.Duration
	BuildTimeout        time.Duration
	KillGrace           time.Duration
	ActivityTimeout     time.Duration
	MaxConcurrentBuilds int
}

// New builds a Loop from its collaborators and configuration.
func New(client *Client, backend agentbackend.Backend, providers *repoprovider.Registry, ws *workspace.Manager, cfg Config, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrentBuilds <= 0 {
		cfg.MaxConcurrentBuilds = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Loop{
		client:              client,
		backend:             backend,
		providers:           providers,
		workspace:           ws,
		workspaceRoot:       cfg.WorkspaceRoot,
		capabilities:        cfg.Capabilities,
		pollInterval:        cfg.PollInterval,
		lightTimeout:        cfg.LightTimeout,
		buildTimeout:        cfg.BuildTimeout,
		killGrace:           cfg.KillGrace,
		activityTimeout:     cfg.ActivityTimeout,
		maxConcurrentBuilds: cfg.MaxConcurrentBuilds,
		logger:              logger.With(slog.String("component", "runner_loop")),
		active:              make(map[string]*activeRun),
	}
}

// Run blocks, polling and executing runs until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	var wg sync.WaitGroup
	defer wg.Wait()

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		run, claimed := l.tryClaim(ctx)
		if claimed {
			wg.Add(1)
			go func() {
				defer wg.Done()
				l.executeAndReport(ctx, run)
			}()
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tryClaim polls for the next eligible run, gating out the heavy (build)
// tier locally when the build capacity is already saturated so the server
// never hands this runner a build it would have to immediately reject.
func (l *Loop) tryClaim(ctx context.Context) (*RunDTO, bool) {
	caps := l.pollCapabilities()
	if len(caps) == 0 {
		return nil, false
	}
	run, err := l.client.ClaimNext(ctx, caps)
	if err != nil {
		l.logger.Error("claim failed", slog.Any("error", err))
		return nil, false
	}
	if run == nil {
		return nil, false
	}
	return run, true
}

func (l *Loop) pollCapabilities() []capability.Tier {
	l.mu.Lock()
	buildsInFlight := l.builds
	l.mu.Unlock()

	if buildsInFlight < l.maxConcurrentBuilds {
		return l.capabilities
	}
	out := make([]capability.Tier, 0, len(l.capabilities))
	for _, t := range l.capabilities {
		if t != capability.Heavy {
			out = append(out, t)
		}
	}
	return out
}

func (l *Loop) register(run *RunDTO) (*activeRun, context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ar := &activeRun{
		runID:        run.ID,
		taskID:       run.TaskID,
		action:       run.Action,
		startedAt:    time.Now(),
		cancel:       cancel,
		lastActivity: time.Now(),
	}
	l.mu.Lock()
	l.active[run.ID] = ar
	if run.Action == capability.ActionBuild {
		l.builds++
	}
	l.mu.Unlock()
	return ar, ctx, cancel
}

func (l *Loop) unregister(run *RunDTO) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ar, ok := l.active[run.ID]; ok {
		if ar.action == capability.ActionBuild {
			l.builds--
		}
		delete(l.active, run.ID)
	}
}

func (l *Loop) touchActivity(runID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ar, ok := l.active[runID]; ok {
		ar.lastActivity = time.Now()
	}
}

// Snapshot returns an immutable view of in-flight runs for the health endpoint.
func (l *Loop) Snapshot() HealthSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := make([]HealthRunEntry, 0, len(l.active))
	for _, ar := range l.active {
		entries = append(entries, HealthRunEntry{
			RunID:          ar.runID,
			TaskID:         ar.taskID,
			Action:         string(ar.action),
			ElapsedSeconds: time.Since(ar.startedAt).Seconds(),
		})
	}
	return HealthSnapshot{
		Status:           "ok",
		ActiveCount:      len(l.active),
		ActiveBuildCount: l.builds,
		Runs:             entries,
	}
}

// watchActivity watches run's workspace directory for real filesystem
// writes, cancelling the run's context if it goes quiet past the activity
// timeout. This is independent of the action timeout bounding l.backend.Run
// itself: a run can be well inside its action timeout and still get killed
// here if it stops touching its workspace, and conversely a run that keeps
// writing files never trips this watchdog no matter how long the backend
// call takes.
func (l *Loop) watchActivity(ctx context.Context, run *RunDTO, cancel context.CancelFunc) {
	if l.activityTimeout <= 0 {
		return
	}
	dir := filepath.Join(l.workspaceRoot, run.TaskID)

	waitCtx, waitCancel := context.WithTimeout(ctx, l.activityTimeout)
	defer waitCancel()
	if err := waitForDir(waitCtx, dir); err != nil {
		return
	}

	watcher, err := newActivityWatcher(dir, l.logger)
	if err != nil {
		l.logger.Warn("activity watcher unavailable, skipping activity supervision",
			slog.String("run_id", run.ID), slog.Any("error", err))
		return
	}
	defer watcher.close()

	l.touchActivity(run.ID)
	idleTimer := time.NewTimer(l.activityTimeout)
	defer idleTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.fsw.Events:
			if !ok {
				return
			}
			if !isActivityEvent(event.Op) {
				continue
			}
			l.touchActivity(run.ID)
			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(l.activityTimeout)
			if event.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(event.Name); statErr == nil && info.IsDir() {
					watcher.addRecursive(event.Name)
				}
			}
		case watchErr, ok := <-watcher.fsw.Errors:
			if !ok {
				return
			}
			l.logger.Warn("activity watcher error", slog.String("run_id", run.ID), slog.Any("error", watchErr))
		case <-idleTimer.C:
			l.logger.Warn("activity timeout, killing run", slog.String("run_id", run.ID), slog.Duration("idle", l.activityTimeout))
			cancel()
			return
		}
	}
}
