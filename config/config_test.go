package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  grpc_addr: ":9000"
scheduler:
  strategy: batch
  batch_size: 8
lock:
  policy: priority-aging
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.GRPCAddr)
	assert.Equal(t, "batch", cfg.Scheduler.Strategy)
	assert.Equal(t, 8, cfg.Scheduler.BatchSize)
	assert.Equal(t, "priority-aging", cfg.Lock.Policy)
	// Untouched sections keep their defaults.
	assert.Equal(t, Default().Hazard, cfg.Hazard)
}

func TestDurationAcceptsStringsAndIntegers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rcu:
  stall_threshold: 50ms
kafka:
  replay_interval: 1000000
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 50*time.Millisecond, cfg.Rcu.StallThreshold.Std())
	assert.Equal(t, time.Millisecond, cfg.Kafka.ReplayInterval.Std())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown strategy", func(c *Config) { c.Scheduler.Strategy = "random" }},
		{"batch without size", func(c *Config) { c.Scheduler.Strategy = "batch"; c.Scheduler.BatchSize = 0 }},
		{"inverted backoff", func(c *Config) { c.Scheduler.MaxBackoffNS = c.Scheduler.BaseBackoffNS - 1 }},
		{"unknown policy", func(c *Config) { c.Lock.Policy = "unfair" }},
		{"unknown pi protocol", func(c *Config) { c.Lock.PIProtocol = "optimistic" }},
		{"zero slots", func(c *Config) { c.Hazard.MaxSlotsPerThread = 0 }},
		{"kafka no brokers", func(c *Config) { c.Kafka.Enabled = true; c.Kafka.Brokers = nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
