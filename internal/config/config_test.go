package config

import (
	"os"
	"testing"
	"time"

	"github.com/ilovenuclearpower/flowstate/pkg/capability"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			} else {
				os.Unsetenv(k)
			}
		})
	}
}

func TestLoadServerConfigRequiresDatabaseURL(t *testing.T) {
	clearEnv(t, "FLOWSTATE_DATABASE_URL")
	if _, err := LoadServerConfig(""); err == nil {
		t.Fatal("expected missing database URL to fail validation")
	}
}

func TestLoadServerConfigReadsEnv(t *testing.T) {
	clearEnv(t, "FLOWSTATE_DATABASE_URL", "FLOWSTATE_API_KEYS", "FLOWSTATE_WATCHDOG_HARD_DEADLINE")
	os.Setenv("FLOWSTATE_DATABASE_URL", "postgres://localhost/flowstate")
	os.Setenv("FLOWSTATE_API_KEYS", "key-a, key-b")
	os.Setenv("FLOWSTATE_WATCHDOG_HARD_DEADLINE", "45m")

	cfg, err := LoadServerConfig("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DatabaseURL != "postgres://localhost/flowstate" {
		t.Errorf("unexpected database url: %s", cfg.DatabaseURL)
	}
	if len(cfg.APIKeys) != 2 || cfg.APIKeys[0] != "key-a" || cfg.APIKeys[1] != "key-b" {
		t.Errorf("unexpected api keys: %v", cfg.APIKeys)
	}
	if cfg.WatchdogHardDeadline != 45*time.Minute {
		t.Errorf("unexpected hard deadline: %v", cfg.WatchdogHardDeadline)
	}
	if cfg.WatchdogSalvageDeadline != 30*time.Minute {
		t.Errorf("expected default salvage deadline, got %v", cfg.WatchdogSalvageDeadline)
	}
}

func TestLoadRunnerConfigDefaultsMatchSpec(t *testing.T) {
	clearEnv(t, "FLOWSTATE_SERVER_URL", "FLOWSTATE_LIGHT_TIMEOUT", "FLOWSTATE_BUILD_TIMEOUT",
		"FLOWSTATE_KILL_GRACE", "FLOWSTATE_ACTIVITY_TIMEOUT", "FLOWSTATE_CAPABILITIES")
	os.Setenv("FLOWSTATE_SERVER_URL", "https://flowstate.example.com")

	cfg, err := LoadRunnerConfig("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LightTimeout != 900*time.Second {
		t.Errorf("unexpected light timeout default: %v", cfg.LightTimeout)
	}
	if cfg.BuildTimeout != 3600*time.Second {
		t.Errorf("unexpected build timeout default: %v", cfg.BuildTimeout)
	}
	if cfg.KillGrace != 10*time.Second {
		t.Errorf("unexpected kill grace default: %v", cfg.KillGrace)
	}
	if cfg.ActivityTimeout != 900*time.Second {
		t.Errorf("unexpected activity timeout default: %v", cfg.ActivityTimeout)
	}
	if len(cfg.Capabilities) != 1 || cfg.Capabilities[0] != capability.Light {
		t.Errorf("expected default capability [light], got %v", cfg.Capabilities)
	}
}

func TestLoadRunnerConfigParsesCapabilitiesAndOverrides(t *testing.T) {
	clearEnv(t, "FLOWSTATE_SERVER_URL", "FLOWSTATE_CAPABILITIES", "FLOWSTATE_LIGHT_TIMEOUT")
	os.Setenv("FLOWSTATE_SERVER_URL", "https://flowstate.example.com")
	os.Setenv("FLOWSTATE_CAPABILITIES", "standard,heavy")
	os.Setenv("FLOWSTATE_LIGHT_TIMEOUT", "120")

	cfg, err := LoadRunnerConfig("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Capabilities) != 2 || cfg.Capabilities[0] != capability.Standard || cfg.Capabilities[1] != capability.Heavy {
		t.Errorf("unexpected capabilities: %v", cfg.Capabilities)
	}
	if cfg.LightTimeout != 120*time.Second {
		t.Errorf("expected light timeout override in seconds, got %v", cfg.LightTimeout)
	}
}

func TestLoadRunnerConfigRequiresServerURL(t *testing.T) {
	clearEnv(t, "FLOWSTATE_SERVER_URL")
	if _, err := LoadRunnerConfig(""); err == nil {
		t.Fatal("expected missing server URL to fail validation")
	}
}

func TestParseTierRejectsUnknownName(t *testing.T) {
	if _, err := ParseTier("ultra"); err == nil {
		t.Fatal("expected unknown tier name to error")
	}
}
