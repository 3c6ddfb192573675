// Package config loads the runtime configuration from YAML. Every
// field has a default; an absent file yields a fully usable config so
// the server starts with no flags in development.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes both "250ms"-style strings and raw nanosecond
// integers from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var ns int64
	if err := node.Decode(&ns); err == nil {
		*d = Duration(ns)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Server    Server    `yaml:"server"`
	Journal   Journal   `yaml:"journal"`
	Kafka     Kafka     `yaml:"kafka"`
	Scheduler Scheduler `yaml:"scheduler"`
	Rcu       Rcu       `yaml:"rcu"`
	Hazard    Hazard    `yaml:"hazard"`
	Lock      Lock      `yaml:"lock"`
	Logging   Logging   `yaml:"logging"`
}

type Server struct {
	GRPCAddr string `yaml:"grpc_addr"`
}

type Journal struct {
	Dir string `yaml:"dir"`
}

type Kafka struct {
	Enabled        bool     `yaml:"enabled"`
	Brokers        []string `yaml:"brokers"`
	TelemetryTopic string   `yaml:"telemetry_topic"`
	AlertTopic     string   `yaml:"alert_topic"`
	ReplayInterval Duration `yaml:"replay_interval"`
}

type Scheduler struct {
	Strategy      string `yaml:"strategy"` // one, half, batch, adaptive
	BatchSize     int    `yaml:"batch_size"`
	BaseBackoffNS int64  `yaml:"base_backoff_ns"`
	MaxBackoffNS  int64  `yaml:"max_backoff_ns"`
}

type Rcu struct {
	StallThreshold Duration `yaml:"stall_threshold"`
	CallbackBatch  int      `yaml:"callback_batch"`
}

type Hazard struct {
	MaxSlotsPerThread int `yaml:"max_slots_per_thread"`
	ScanThreshold     int `yaml:"scan_threshold"`
}

type Lock struct {
	Policy              string   `yaml:"policy"`      // fifo, ticket, priority-aging, rw-writer-pref
	PIProtocol          string   `yaml:"pi_protocol"` // direct, transitive, immediate-ceiling
	StarvationThreshold Duration `yaml:"starvation_threshold"`
}

type Logging struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Server:  Server{GRPCAddr: ":7400"},
		Journal: Journal{Dir: "data/journal"},
		Kafka: Kafka{
			Enabled:        false,
			Brokers:        []string{"localhost:9092"},
			TelemetryTopic: "fenrir.telemetry",
			AlertTopic:     "fenrir.alerts",
			ReplayInterval: Duration(250 * time.Millisecond),
		},
		Scheduler: Scheduler{
			Strategy:      "adaptive",
			BatchSize:     4,
			BaseBackoffNS: 1_000,
			MaxBackoffNS:  1 << 20,
		},
		Rcu: Rcu{
			StallThreshold: Duration(100 * time.Millisecond),
			CallbackBatch:  32,
		},
		Hazard: Hazard{
			MaxSlotsPerThread: 8,
			ScanThreshold:     64,
		},
		Lock: Lock{
			Policy:              "ticket",
			PIProtocol:          "transitive",
			StarvationThreshold: Duration(100 * time.Millisecond),
		},
		Logging: Logging{Level: "info"},
	}
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects values the runtime cannot start with.
func (c Config) Validate() error {
	switch c.Scheduler.Strategy {
	case "one", "half", "batch", "adaptive":
	default:
		return fmt.Errorf("scheduler.strategy %q unknown", c.Scheduler.Strategy)
	}
	if c.Scheduler.Strategy == "batch" && c.Scheduler.BatchSize < 1 {
		return fmt.Errorf("scheduler.batch_size must be positive, got %d", c.Scheduler.BatchSize)
	}
	if c.Scheduler.BaseBackoffNS < 0 || c.Scheduler.MaxBackoffNS < c.Scheduler.BaseBackoffNS {
		return fmt.Errorf("scheduler backoff range invalid: base=%d max=%d",
			c.Scheduler.BaseBackoffNS, c.Scheduler.MaxBackoffNS)
	}
	switch c.Lock.Policy {
	case "fifo", "ticket", "priority-aging", "rw-writer-pref":
	default:
		return fmt.Errorf("lock.policy %q unknown", c.Lock.Policy)
	}
	switch c.Lock.PIProtocol {
	case "direct", "transitive", "immediate-ceiling":
	default:
		return fmt.Errorf("lock.pi_protocol %q unknown", c.Lock.PIProtocol)
	}
	if c.Hazard.MaxSlotsPerThread < 1 {
		return fmt.Errorf("hazard.max_slots_per_thread must be positive, got %d", c.Hazard.MaxSlotsPerThread)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka enabled with no brokers")
	}
	return nil
}
