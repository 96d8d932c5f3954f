// Package watchdog sweeps the Run Store for runs whose runner has gone
// silent: no progress write, no terminal status, just a dead process or a
// partitioned host. It never resurrects a terminal run and never writes
// progress, only a one-way transition to timed_out.
package watchdog

import (
	"context"
	"log/slog"
	"time"

	"github.com/ilovenuclearpower/flowstate/internal/metrics"
	"github.com/ilovenuclearpower/flowstate/internal/runstore"
)

const (
	hardDeadlineMessage    = "server watchdog: no runner activity"
	salvageDeadlineMessage = "server watchdog: salvage pass stalled"
)

// Elector is the leader-election contract the watchdog runs behind, so that
// exactly one server instance sweeps at a time in a multi-instance
// deployment. This module ships no Elector implementation and
// cmd/flowstated configures none, so there every instance sweeps; tests
// pass a stub.
type Elector interface {
	IsLeader() bool
}

// alwaysLeader is used when no elector is configured, e.g. a single-instance
// deployment with no need for advisory-lock coordination.
type alwaysLeader struct{}

func (alwaysLeader) IsLeader() bool { return true }

// Config configures a Watchdog's sweep thresholds and cadence.
type Config struct {
	// Interval is how often a sweep runs. Defaults to 60s.
	Interval time.Duration
	// HardDeadline is how long a run may stay in running before the
	// watchdog declares it dead. Defaults to 90 minutes.
	HardDeadline time.Duration
	// SalvageDeadline is how long a run may stay in salvaging before the
	// watchdog gives up on it too. Defaults to 30 minutes, shorter than
	// HardDeadline because a stuck salvage pass has already done its
	// expensive work and failing fast costs less.
	SalvageDeadline time.Duration
	// Elector gates sweeps to the current leader. Nil means always sweep,
	// appropriate for a single-instance deployment.
	Elector Elector
}

// Watchdog periodically demotes runs that have gone stale in either the
// running or salvaging state to timed_out.
type Watchdog struct {
	store    *runstore.Store
	interval time.Duration
	hard     time.Duration
	salvage  time.Duration
	elector  Elector
	logger   *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Watchdog against store. A nil logger defaults to slog.Default().
func New(store *runstore.Store, cfg Config, logger *slog.Logger) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.HardDeadline <= 0 {
		cfg.HardDeadline = 90 * time.Minute
	}
	if cfg.SalvageDeadline <= 0 {
		cfg.SalvageDeadline = 30 * time.Minute
	}
	if cfg.Elector == nil {
		cfg.Elector = alwaysLeader{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		store:    store,
		interval: cfg.Interval,
		hard:     cfg.HardDeadline,
		salvage:  cfg.SalvageDeadline,
		elector:  cfg.Elector,
		logger:   logger.With(slog.String("component", "watchdog")),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the sweep loop until ctx is cancelled or Stop is called.
func (w *Watchdog) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop signals the sweep loop to exit and blocks until it has.
func (w *Watchdog) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *Watchdog) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if !w.elector.IsLeader() {
				continue
			}
			w.sweep(ctx)
		}
	}
}

// sweep runs one pass over both stale states. Each run is only ever moved
// if it is still in the state the sweep queried for, so a runner completing
// a run between the query and the conditional update loses the race safely.
// The pass is skipped entirely when this instance is not the leader.
func (w *Watchdog) sweep(ctx context.Context) {
	if !w.elector.IsLeader() {
		return
	}
	w.sweepStatus(ctx, runstore.StatusRunning, w.hard, hardDeadlineMessage)
	w.sweepStatus(ctx, runstore.StatusSalvaging, w.salvage, salvageDeadlineMessage)
}

func (w *Watchdog) sweepStatus(ctx context.Context, status runstore.Status, deadline time.Duration, message string) {
	threshold := time.Now().UTC().Add(-deadline)
	stale, err := w.store.FindStale(ctx, status, threshold)
	if err != nil {
		w.logger.Error("find stale runs failed", slog.String("status", string(status)), slog.Any("error", err))
		return
	}
	for _, run := range stale {
		updated, err := w.store.TimeoutIfStatus(ctx, run.ID, status, message)
		if err != nil {
			w.logger.Error("timeout transition failed", slog.String("run_id", run.ID), slog.Any("error", err))
			continue
		}
		if updated == nil {
			// Run already left this status; nothing to do.
			continue
		}
		w.logger.Warn("run timed out by watchdog",
			slog.String("run_id", run.ID),
			slog.String("task_id", run.TaskID),
			slog.String("from_status", string(status)),
			slog.String("action", string(run.Action)))
		metrics.RecordWatchdogTimeout(string(run.Action))
	}
}
