// Package config loads server and runner settings from the environment,
// with an optional YAML file overlay, following the same FLOWSTATE_*
// env-var convention as internal/log.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ilovenuclearpower/flowstate/internal/log"
	"github.com/ilovenuclearpower/flowstate/internal/secretcrypto"
	"github.com/ilovenuclearpower/flowstate/pkg/capability"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds settings for the flowstated server process: the Server
// API, the watchdog, and their shared dependencies (Run Store, object
// store, secret crypto).
type ServerConfig struct {
	// ListenAddr is the HTTP listen address for the Server API, e.g. ":8080".
	ListenAddr string `yaml:"listen_addr"`

	// DatabaseURL is the Run Store / task store DSN (postgres://...).
	DatabaseURL string `yaml:"database_url"`

	// APIKeys are the bearer tokens accepted on non-health endpoints. At
	// least one is required for authentication to be meaningful; an empty
	// list disables auth entirely, matching spec.md's "if either an
	// environment API key or a stored key exists" conditional.
	APIKeys []string `yaml:"api_keys"`

	// ObjectStoreRoot is the local filesystem root backing the artifact
	// blob store.
	ObjectStoreRoot string `yaml:"object_store_root"`

	// MasterKeyPath is where the secret-crypto master key is persisted.
	MasterKeyPath string `yaml:"master_key_path"`

	// WatchdogInterval is how often the watchdog sweeps for stuck runs.
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
	// WatchdogHardDeadline is the age past which a running run is force-timed-out.
	WatchdogHardDeadline time.Duration `yaml:"watchdog_hard_deadline"`
	// WatchdogSalvageDeadline is the shorter threshold for stuck salvage passes.
	WatchdogSalvageDeadline time.Duration `yaml:"watchdog_salvage_deadline"`

	Log log.Config `yaml:"log"`
}

// RunnerConfig holds settings for the flowstate-runner process.
type RunnerConfig struct {
	// ServerURL is the base URL of the Server API.
	ServerURL string `yaml:"server_url"`
	// APIKey authenticates this runner's requests to the Server API.
	APIKey string `yaml:"api_key"`
	// RunnerID identifies this runner instance in claim requests and logs.
	RunnerID string `yaml:"runner_id"`

	// WorkspaceRoot is the parent directory under which each run gets its
	// own exclusive workspace_root/<task_id>/ checkout.
	WorkspaceRoot string `yaml:"workspace_root"`

	// Capabilities are the tiers this runner advertises when polling for work.
	Capabilities []capability.Tier `yaml:"capabilities"`

	// LightTimeout bounds non-build actions (research/design/plan/verify).
	LightTimeout time.Duration `yaml:"light_timeout"`
	// BuildTimeout bounds the build action, the runner's primary deadline.
	BuildTimeout time.Duration `yaml:"build_timeout"`
	// KillGrace is how long a terminated process group is given to exit
	// before being force-killed.
	KillGrace time.Duration `yaml:"kill_grace"`
	// ActivityTimeout is how long a workspace may see no file modification
	// before the run is treated as hung.
	ActivityTimeout time.Duration `yaml:"activity_timeout"`

	// PollInterval is how often the runner asks the Server API for the next run.
	PollInterval time.Duration `yaml:"poll_interval"`
	// MaxConcurrentBuilds caps simultaneous build actions (the heaviest tier).
	MaxConcurrentBuilds int `yaml:"max_concurrent_builds"`
	// HealthAddr is the listen address for this runner's /health endpoint.
	HealthAddr string `yaml:"health_addr"`

	Log log.Config `yaml:"log"`
}

// DefaultServerConfig returns a ServerConfig populated with spec.md's defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:              ":8080",
		ObjectStoreRoot:         "/var/lib/flowstate/artifacts",
		MasterKeyPath:           "",
		WatchdogInterval:        60 * time.Second,
		WatchdogHardDeadline:    90 * time.Minute,
		WatchdogSalvageDeadline: 30 * time.Minute,
		Log:                     log.FromEnv(),
	}
}

// DefaultRunnerConfig returns a RunnerConfig populated with spec.md's
// documented defaults for the runner environment variables.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		WorkspaceRoot:       "/var/lib/flowstate/workspaces",
		Capabilities:        []capability.Tier{capability.Light},
		LightTimeout:        900 * time.Second,
		BuildTimeout:        3600 * time.Second,
		KillGrace:           10 * time.Second,
		ActivityTimeout:     900 * time.Second,
		PollInterval:        5 * time.Second,
		MaxConcurrentBuilds: 1,
		HealthAddr:          ":8081",
		Log:                 log.FromEnv(),
	}
}

// LoadServerConfig builds a ServerConfig from optional YAML file path,
// overlaid with FLOWSTATE_* environment variables (env wins).
func LoadServerConfig(yamlPath string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if yamlPath != "" {
		if err := loadYAMLFile(yamlPath, &cfg); err != nil {
			return cfg, err
		}
	}
	cfg.applyServerEnv()
	if cfg.MasterKeyPath == "" {
		cfg.MasterKeyPath = secretcrypto.DefaultKeyPath()
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadRunnerConfig builds a RunnerConfig from optional YAML file path,
// overlaid with FLOWSTATE_* environment variables (env wins).
func LoadRunnerConfig(yamlPath string) (RunnerConfig, error) {
	cfg := DefaultRunnerConfig()
	if yamlPath != "" {
		if err := loadYAMLFile(yamlPath, &cfg); err != nil {
			return cfg, err
		}
	}
	cfg.applyRunnerEnv()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadYAMLFile(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

func (c *ServerConfig) applyServerEnv() {
	if v := os.Getenv("FLOWSTATE_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("FLOWSTATE_DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("FLOWSTATE_API_KEYS"); v != "" {
		c.APIKeys = splitCommaList(v)
	}
	if v := os.Getenv("FLOWSTATE_OBJECT_STORE_ROOT"); v != "" {
		c.ObjectStoreRoot = v
	}
	if v := os.Getenv("FLOWSTATE_MASTER_KEY_PATH"); v != "" {
		c.MasterKeyPath = v
	}
	if v := os.Getenv("FLOWSTATE_WATCHDOG_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.WatchdogInterval = d
		}
	}
	if v := os.Getenv("FLOWSTATE_WATCHDOG_HARD_DEADLINE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.WatchdogHardDeadline = d
		}
	}
	if v := os.Getenv("FLOWSTATE_WATCHDOG_SALVAGE_DEADLINE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.WatchdogSalvageDeadline = d
		}
	}
	c.Log = log.FromEnv()
}

func (c *RunnerConfig) applyRunnerEnv() {
	if v := os.Getenv("FLOWSTATE_SERVER_URL"); v != "" {
		c.ServerURL = v
	}
	if v := os.Getenv("FLOWSTATE_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("FLOWSTATE_RUNNER_ID"); v != "" {
		c.RunnerID = v
	}
	if v := os.Getenv("FLOWSTATE_WORKSPACE_ROOT"); v != "" {
		c.WorkspaceRoot = v
	}
	if v := os.Getenv("FLOWSTATE_CAPABILITIES"); v != "" {
		if tiers, err := parseTiers(v); err == nil {
			c.Capabilities = tiers
		}
	}
	if v := os.Getenv("FLOWSTATE_LIGHT_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			c.LightTimeout = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("FLOWSTATE_BUILD_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			c.BuildTimeout = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("FLOWSTATE_KILL_GRACE"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			c.KillGrace = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("FLOWSTATE_ACTIVITY_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			c.ActivityTimeout = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("FLOWSTATE_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.PollInterval = d
		}
	}
	if v := os.Getenv("FLOWSTATE_MAX_CONCURRENT_BUILDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxConcurrentBuilds = n
		}
	}
	if v := os.Getenv("FLOWSTATE_HEALTH_ADDR"); v != "" {
		c.HealthAddr = v
	}
	c.Log = log.FromEnv()
}

func (c ServerConfig) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: FLOWSTATE_DATABASE_URL is required")
	}
	return nil
}

func (c RunnerConfig) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("config: FLOWSTATE_SERVER_URL is required")
	}
	if len(c.Capabilities) == 0 {
		return fmt.Errorf("config: runner must advertise at least one capability tier")
	}
	return nil
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseTiers(v string) ([]capability.Tier, error) {
	names := splitCommaList(v)
	tiers := make([]capability.Tier, 0, len(names))
	for _, name := range names {
		tier, err := ParseTier(name)
		if err != nil {
			return nil, err
		}
		tiers = append(tiers, tier)
	}
	return tiers, nil
}

// ParseTier parses a capability tier name as used in the `caps=` query
// parameter and FLOWSTATE_CAPABILITIES env var. Case-insensitive, unlike
// pkg/capability.Parse, since env vars and query strings are user-typed.
func ParseTier(name string) (capability.Tier, error) {
	return capability.Parse(strings.ToLower(strings.TrimSpace(name)))
}
