// Package serverapi implements the Server API: the HTTP surface runners and
// operator tooling use to enqueue runs, claim and report on them, and
// read/write task artifacts. It is the only component with direct access to
// both the Run Store and the decrypted project credentials.
package serverapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ilovenuclearpower/flowstate/internal/auth"
	"github.com/ilovenuclearpower/flowstate/internal/objectstore"
	"github.com/ilovenuclearpower/flowstate/internal/runstore"
	"github.com/ilovenuclearpower/flowstate/internal/secretcrypto"
	"github.com/ilovenuclearpower/flowstate/internal/task"
)

// Config wires a Router's collaborators.
type Config struct {
	Runs       *runstore.Store
	Tasks      *task.Store
	Artifacts  objectstore.Store
	Box        *secretcrypto.Box // nil disables repo-token decryption
	Authn      *auth.BearerAuthenticator
	Logger     *slog.Logger
}

// Router is the Server API's top-level http.Handler: authentication and
// request logging wrap a plain ServeMux carrying the versioned routes.
type Router struct {
	mux    *http.ServeMux
	authn  *auth.BearerAuthenticator
	logger *slog.Logger
}

// NewRouter builds a Router from cfg.
func NewRouter(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()

	runsHandler := NewRunsHandler(cfg.Runs, cfg.Tasks)
	runsHandler.RegisterRoutes(mux)

	tasksHandler := NewTasksHandler(cfg.Tasks, cfg.Artifacts, cfg.Box)
	tasksHandler.RegisterRoutes(mux)
	tasksHandler.RegisterApprovalRoute(mux)

	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	return &Router{mux: mux, authn: cfg.Authn, logger: logger.With(slog.String("component", "serverapi"))}
}

// Mux exposes the underlying ServeMux for tests that want to register
// additional routes or bypass the authentication wrapper.
func (rt *Router) Mux() *http.ServeMux {
	return rt.mux
}

// ServeHTTP implements http.Handler: health and metrics are unauthenticated,
// every other route requires a valid bearer token.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		rt.logger.Info("request completed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	}()

	if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" || rt.authn == nil {
		rt.mux.ServeHTTP(w, r)
		return
	}

	authed, err := rt.authn.Authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	rt.mux.ServeHTTP(w, authed)
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
