// Package config loads the kernel configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/me/kcore/internal/arch"
)

// Config is the whole kernel configuration.
type Config struct {
	CPUs     int            `yaml:"cpus"`
	TickHz   int            `yaml:"tick_hz"`
	Sched    SchedConfig    `yaml:"sched"`
	RCU      RCUConfig      `yaml:"rcu"`
	Softirq  SoftirqConfig  `yaml:"softirq"`
	Log      LogConfig      `yaml:"log"`
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Workload WorkloadConfig `yaml:"workload"`
}

// SchedConfig holds the scheduler tunables.
type SchedConfig struct {
	Latency           time.Duration `yaml:"latency"`
	MinGranularity    time.Duration `yaml:"min_granularity"`
	WakeupGranularity time.Duration `yaml:"wakeup_granularity"`
	BalanceInterval   uint64        `yaml:"balance_interval"` // ticks
	MaxPIChainDepth   int           `yaml:"max_pi_chain_depth"`
}

type RCUConfig struct {
	Fanout int `yaml:"fanout"`
}

type SoftirqConfig struct {
	MaxRestart int `yaml:"max_restart"`
}

// LogConfig selects the log level (debug, info, warn, error) and format
// (text, json).
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ServerConfig configures the debug HTTP API. An empty Addr disables it.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// StoreConfig configures the snapshot store. An empty DBPath disables it;
// ":memory:" keeps snapshots in memory.
type StoreConfig struct {
	DBPath           string        `yaml:"db_path"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

// WorkloadConfig describes the synthetic workload started by kcore run.
type WorkloadConfig struct {
	Kind       string        `yaml:"kind"` // mixed, yield, mutex, sleep, rcu, domains, none
	Tasks      int           `yaml:"tasks"`
	NiceSpread int           `yaml:"nice_spread"`
	Duration   time.Duration `yaml:"duration"`
}

// DefaultConfig returns the defaults, sized to the host's CPUs.
func DefaultConfig() Config {
	return Config{
		CPUs:   min(arch.HostCPUs(), arch.MaxCPUs),
		TickHz: 250,
		Sched: SchedConfig{
			Latency:           6 * time.Millisecond,
			MinGranularity:    750 * time.Microsecond,
			WakeupGranularity: time.Millisecond,
			BalanceInterval:   100,
			MaxPIChainDepth:   16,
		},
		RCU:     RCUConfig{Fanout: 16},
		Softirq: SoftirqConfig{MaxRestart: 10},
		Log:     LogConfig{Level: "info", Format: "text"},
		Server:  ServerConfig{Addr: ":8080"},
		Store:   StoreConfig{SnapshotInterval: 5 * time.Second},
		Workload: WorkloadConfig{
			Kind:       "mixed",
			Tasks:      8,
			NiceSpread: 5,
			Duration:   10 * time.Second,
		},
	}
}

// Load reads a YAML file over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// ValidationError lists every invalid field of a Config.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config: %v", e.Fields)
}

// Validate checks ranges. It returns a *ValidationError naming every bad
// field.
func (c Config) Validate() error {
	var bad []string
	if c.CPUs <= 0 || c.CPUs > arch.MaxCPUs {
		bad = append(bad, fmt.Sprintf("cpus: %d not in 1..%d", c.CPUs, arch.MaxCPUs))
	}
	if c.TickHz <= 0 || c.TickHz > 10000 {
		bad = append(bad, fmt.Sprintf("tick_hz: %d not in 1..10000", c.TickHz))
	}
	for name, d := range map[string]time.Duration{
		"sched.latency":            c.Sched.Latency,
		"sched.min_granularity":    c.Sched.MinGranularity,
		"sched.wakeup_granularity": c.Sched.WakeupGranularity,
	} {
		if d <= 0 {
			bad = append(bad, fmt.Sprintf("%s: must be positive", name))
		}
	}
	if c.Sched.MinGranularity > c.Sched.Latency {
		bad = append(bad, "sched.min_granularity: exceeds latency")
	}
	if c.Sched.MaxPIChainDepth <= 0 {
		bad = append(bad, "sched.max_pi_chain_depth: must be positive")
	}
	if c.RCU.Fanout < 2 || c.RCU.Fanout > 64 {
		bad = append(bad, fmt.Sprintf("rcu.fanout: %d not in 2..64", c.RCU.Fanout))
	}
	if c.Softirq.MaxRestart <= 0 {
		bad = append(bad, "softirq.max_restart: must be positive")
	}
	if c.Store.DBPath != "" && c.Store.SnapshotInterval <= 0 {
		bad = append(bad, "store.snapshot_interval: must be positive")
	}
	switch c.Workload.Kind {
	case "mixed", "yield", "mutex", "sleep", "rcu", "domains", "none":
	default:
		bad = append(bad, fmt.Sprintf("workload.kind: unknown %q", c.Workload.Kind))
	}
	if c.Workload.Tasks < 0 || c.Workload.NiceSpread < 0 || c.Workload.NiceSpread > 19 {
		bad = append(bad, "workload: tasks and nice_spread must be in range")
	}
	if len(bad) == 0 {
		return nil
	}
	slices.Sort(bad)
	return &ValidationError{Fields: bad}
}

// TickPeriod returns the interval between ticks.
func (c Config) TickPeriod() time.Duration {
	return time.Second / time.Duration(c.TickHz)
}

// Marshal renders c as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
