package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kcore.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if cfg.CPUs < 1 {
		t.Errorf("cpus = %d", cfg.CPUs)
	}
	if got := cfg.TickPeriod(); got != 4*time.Millisecond {
		t.Errorf("tick period = %v, want 4ms", got)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
cpus: 4
tick_hz: 100
sched:
  latency: 12ms
  balance_interval: 10
rcu:
  fanout: 2
log:
  level: debug
workload:
  kind: mutex
  duration: 1s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CPUs != 4 || cfg.TickHz != 100 || cfg.RCU.Fanout != 2 {
		t.Errorf("cpus=%d tick_hz=%d fanout=%d", cfg.CPUs, cfg.TickHz, cfg.RCU.Fanout)
	}
	if cfg.Sched.Latency != 12*time.Millisecond || cfg.Sched.BalanceInterval != 10 {
		t.Errorf("sched = %+v", cfg.Sched)
	}
	if cfg.Sched.MinGranularity != 750*time.Microsecond {
		t.Errorf("unset field lost its default: %v", cfg.Sched.MinGranularity)
	}
	if cfg.Workload.Kind != "mutex" || cfg.Workload.Duration != time.Second {
		t.Errorf("workload = %+v", cfg.Workload)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Errorf("log = %+v", cfg.Log)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "cpus: 2\nhyperthreads: true\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "hyperthreads") {
		t.Errorf("Load = %v, want an unknown-field error", err)
	}
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TickHz != DefaultConfig().TickHz {
		t.Errorf("tick_hz = %d", cfg.TickHz)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"zero cpus", func(c *Config) { c.CPUs = 0 }, "cpus"},
		{"too many cpus", func(c *Config) { c.CPUs = 65 }, "cpus"},
		{"zero tick rate", func(c *Config) { c.TickHz = 0 }, "tick_hz"},
		{"negative latency", func(c *Config) { c.Sched.Latency = -time.Millisecond }, "sched.latency"},
		{"granularity over latency", func(c *Config) { c.Sched.MinGranularity = time.Second }, "sched.min_granularity"},
		{"fanout of one", func(c *Config) { c.RCU.Fanout = 1 }, "rcu.fanout"},
		{"unknown workload", func(c *Config) { c.Workload.Kind = "fork-bomb" }, "workload.kind"},
		{"store without interval", func(c *Config) {
			c.Store.DBPath = ":memory:"
			c.Store.SnapshotInterval = 0
		}, "store.snapshot_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.CPUs = 2
			tt.mutate(&cfg)
			err := cfg.Validate()
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Validate = %v, want *ValidationError", err)
			}
			if !strings.Contains(verr.Error(), tt.field) {
				t.Errorf("error %q does not name %s", verr.Error(), tt.field)
			}
		})
	}
}

func TestMarshalRoundTripsDurations(t *testing.T) {
	out, err := DefaultConfig().Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), "latency: 6ms") {
		t.Errorf("durations not rendered as strings:\n%s", out)
	}
	cfg, err := Load(writeConfig(t, string(out)))
	if err != nil {
		t.Fatalf("reloading marshalled config: %v", err)
	}
	if cfg.Sched != DefaultConfig().Sched {
		t.Errorf("sched = %+v", cfg.Sched)
	}
}
