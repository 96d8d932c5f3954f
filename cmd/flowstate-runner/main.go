// Command flowstate-runner drives one worker host's poll-claim-execute
// cycle: it polls the Server API for eligible runs, prepares a workspace,
// invokes the configured agent backend, pushes and opens pull requests for
// build runs, and reports outcomes back.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ilovenuclearpower/flowstate/internal/agentbackend"
	"github.com/ilovenuclearpower/flowstate/internal/config"
	"github.com/ilovenuclearpower/flowstate/internal/log"
	"github.com/ilovenuclearpower/flowstate/internal/repoprovider"
	"github.com/ilovenuclearpower/flowstate/internal/runnerloop"
	"github.com/ilovenuclearpower/flowstate/internal/workspace"
)

// version is injected via ldflags at build time.
var version = "dev"

func main() {
	cfg, err := config.LoadRunnerConfig(os.Getenv("FLOWSTATE_CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowstate-runner: loading config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.Log)
	slog.SetDefault(logger)
	logger.Info("starting flowstate-runner", slog.String("version", version),
		slog.String("runner_id", cfg.RunnerID), slog.String("server_url", cfg.ServerURL))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, err := newBackend()
	if err != nil {
		logger.Error("constructing agent backend", slog.Any("error", err))
		os.Exit(1)
	}
	if err := backend.Preflight(ctx); err != nil {
		logger.Error("agent backend preflight failed", slog.Any("error", err))
		os.Exit(1)
	}

	providers, err := newProviderRegistry(ctx)
	if err != nil {
		logger.Error("constructing repo provider registry", slog.Any("error", err))
		os.Exit(1)
	}

	client := runnerloop.NewClient(cfg.ServerURL, cfg.APIKey, cfg.RunnerID, nil)
	ws := workspace.NewManager()

	loop := runnerloop.New(client, backend, providers, ws, runnerloop.Config{
		WorkspaceRoot:       cfg.WorkspaceRoot,
		Capabilities:        cfg.Capabilities,
		PollInterval:        cfg.PollInterval,
		LightTimeout:        cfg.LightTimeout,
		BuildTimeout:        cfg.BuildTimeout,
		KillGrace:           cfg.KillGrace,
		ActivityTimeout:     cfg.ActivityTimeout,
		MaxConcurrentBuilds: cfg.MaxConcurrentBuilds,
	}, logger)

	healthSrv := &http.Server{
		Addr:    cfg.HealthAddr,
		Handler: runnerloop.HealthHandler(loop),
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- healthSrv.ListenAndServe()
	}()

	loopDone := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(loopDone)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("health server error", slog.Any("error", err))
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down health server", slog.Any("error", err))
	}

	select {
	case <-loopDone:
	case <-time.After(cfg.BuildTimeout + cfg.KillGrace + 30*time.Second):
		logger.Warn("timed out waiting for in-flight runs to finish")
	}
}

// newBackend selects the agent backend from FLOWSTATE_AGENT_* environment
// variables; wiring specific to this one process, kept out of the shared
// config package since the server binary never needs it.
func newBackend() (agentbackend.Backend, error) {
	if os.Getenv("FLOWSTATE_AGENT_MOCK") == "true" {
		return &agentbackend.MockBackend{Caps: agentbackend.Capabilities{Name: "mock"}}, nil
	}

	cfg := agentbackend.CLIConfig{
		Command:         envOrDefault("FLOWSTATE_AGENT_COMMAND", "claude"),
		RepoTokenEnvVar: "FLOWSTATE_REPO_TOKEN",
		ModelHint:       os.Getenv("FLOWSTATE_AGENT_MODEL"),
		SupportsMCP:     os.Getenv("FLOWSTATE_AGENT_MCP") == "true",
	}
	if v := os.Getenv("FLOWSTATE_AGENT_ENDPOINT"); v != "" {
		cfg.EndpointEnvVar = "ANTHROPIC_BASE_URL"
		cfg.EndpointURL = v
	}
	if v := os.Getenv("FLOWSTATE_AGENT_AUTH_TOKEN"); v != "" {
		cfg.AuthEnvVar = "ANTHROPIC_API_KEY"
		cfg.AuthToken = v
	}
	return agentbackend.NewCLIBackend(cfg), nil
}

// newProviderRegistry builds the repo provider registry from
// FLOWSTATE_GITHUB_TOKEN / FLOWSTATE_GITEA_* environment variables, each a
// runner/deployment-level hosting credential distinct from the per-project
// repo token the Server API decrypts and hands back per task.
func newProviderRegistry(ctx context.Context) (*repoprovider.Registry, error) {
	var providers []repoprovider.Provider

	if token := os.Getenv("FLOWSTATE_GITHUB_TOKEN"); token != "" {
		gh, err := repoprovider.NewGitHubProvider(ctx, repoprovider.GitHubConfig{
			Token:   token,
			BaseURL: os.Getenv("FLOWSTATE_GITHUB_BASE_URL"),
		})
		if err != nil {
			return nil, err
		}
		providers = append(providers, gh)
	}

	if baseURL := os.Getenv("FLOWSTATE_GITEA_BASE_URL"); baseURL != "" {
		gitea, err := repoprovider.NewGiteaProvider(repoprovider.GiteaConfig{
			BaseURL:       baseURL,
			Token:         os.Getenv("FLOWSTATE_GITEA_TOKEN"),
			SkipTLSVerify: os.Getenv("FLOWSTATE_GITEA_SKIP_TLS_VERIFY") == "true",
		})
		if err != nil {
			return nil, err
		}
		providers = append(providers, gitea)
	}

	return repoprovider.NewRegistry(providers...), nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
