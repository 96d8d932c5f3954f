// Command flowstated runs the Flowstate Server API: the Run Store, Task
// Store, Object Store, Secret Crypto, and the background watchdog, all
// behind one HTTP listener.
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

	"github.com/ilovenuclearpower/flowstate/internal/auth"
	"github.com/ilovenuclearpower/flowstate/internal/config"
	"github.com/ilovenuclearpower/flowstate/internal/log"
	"github.com/ilovenuclearpower/flowstate/internal/objectstore"
	"github.com/ilovenuclearpower/flowstate/internal/runstore"
	"github.com/ilovenuclearpower/flowstate/internal/secretcrypto"
	"github.com/ilovenuclearpower/flowstate/internal/serverapi"
	"github.com/ilovenuclearpower/flowstate/internal/task"
	"github.com/ilovenuclearpower/flowstate/internal/watchdog"
)

// version is injected via ldflags at build time.
var version = "dev"

func main() {
	cfg, err := config.LoadServerConfig(os.Getenv("FLOWSTATE_CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowstated: loading config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.Log)
	slog.SetDefault(logger)
	logger.Info("starting flowstated", slog.String("version", version), slog.String("listen_addr", cfg.ListenAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runs, err := runstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("opening run store", slog.Any("error", err))
		os.Exit(1)
	}
	defer runs.Close()

	tasks, err := task.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("opening task store", slog.Any("error", err))
		os.Exit(1)
	}
	defer tasks.Close()

	artifacts, err := objectstore.NewLocalStore(cfg.ObjectStoreRoot)
	if err != nil {
		logger.Error("opening object store", slog.Any("error", err))
		os.Exit(1)
	}

	masterKeyPath := cfg.MasterKeyPath
	if masterKeyPath == "" {
		masterKeyPath = secretcrypto.DefaultKeyPath()
	}
	masterKey, err := secretcrypto.LoadOrGenerateKey(masterKeyPath)
	if err != nil {
		logger.Error("loading master key", slog.Any("error", err))
		os.Exit(1)
	}
	box, err := secretcrypto.NewBox(masterKey)
	if err != nil {
		logger.Error("constructing secret box", slog.Any("error", err))
		os.Exit(1)
	}

	authn := auth.NewBearerAuthenticator(cfg.APIKeys)

	router := serverapi.NewRouter(serverapi.Config{
		Runs:      runs,
		Tasks:     tasks,
		Artifacts: artifacts,
		Box:       box,
		Authn:     authn,
		Logger:    logger,
	})

	wd := watchdog.New(runs, watchdog.Config{
		Interval:        cfg.WatchdogInterval,
		HardDeadline:    cfg.WatchdogHardDeadline,
		SalvageDeadline: cfg.WatchdogSalvageDeadline,
	}, logger)
	wd.Start(ctx)
	defer wd.Stop()

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("error during shutdown", slog.Any("error", err))
		}
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.Any("error", err))
			cancel()
			os.Exit(1)
		}
	}
}
