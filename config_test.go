/*
File: config_test.go
Description: Config defaults, YAML parsing, duration fallbacks and mode
             validation.
*/

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "icmp", cfg.Capture.Mode)
	assert.Equal(t, "0.0.0.0", cfg.Capture.Listen)
	assert.Equal(t, "icmp", cfg.Capture.Filter)
	assert.Equal(t, defaultSnaplen, cfg.Capture.Snaplen)
	assert.Equal(t, defaultQueueSize, cfg.Capture.QueueSize)
	assert.Equal(t, "none", cfg.Enforce.Mode)
	assert.Equal(t, "/var/lib/icmpguard", cfg.Persistence.StateDir)
	assert.Equal(t, "127.0.0.1:8642", cfg.Control.Listen)
	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, []string{"console"}, cfg.Logging.Outputs)

	assert.Equal(t, defaultTimeWindow, cfg.Tracker.parsedWindow)
	assert.Equal(t, defaultIdleTimeout, cfg.Tracker.parsedIdle)
	assert.Equal(t, defaultBlockDuration, cfg.Enforce.parsedBlockDuration)
	assert.Equal(t, autoSaveInterval, cfg.Persistence.parsedSaveInterval)
	assert.Equal(t, 2*time.Second, cfg.RDNS.parsedTimeout)

	// Unset optional bools come back materialized as explicit true.
	assert.True(t, boolOrDefault(cfg.Persistence.AutoLoad, false))
	assert.True(t, boolOrDefault(cfg.Control.Enabled, false))
	assert.True(t, boolOrDefault(cfg.Metrics.Enabled, false))
	assert.True(t, boolOrDefault(cfg.RDNS.Enabled, false))
}

func TestLoadConfig_FromFile(t *testing.T) {
	path := writeConfigFile(t, `
capture:
  mode: replay
  replay_file: /tmp/flood.pcap
  filter: "icmp and icmp[icmptype] == 8"
  max_events_per_sec: 5000
tracker:
  time_window: 5s
  idle_timeout: 2m
enforce:
  mode: blackhole
  block_duration: 10m
persistence:
  state_dir: /tmp/icmpguard-state
  save_interval: 30s
  auto_load: false
control:
  listen: 127.0.0.1:9999
  auth_token: hunter2
metrics:
  enabled: false
history:
  database: /tmp/history.db
rdns:
  resolver: 192.0.2.53
  timeout: 500ms
trusted_networks:
  - 192.0.2.0/24
  - 10.0.0.1
logging:
  level: DEBUG
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "replay", cfg.Capture.Mode)
	assert.Equal(t, "/tmp/flood.pcap", cfg.Capture.ReplayFile)
	assert.Equal(t, "icmp and icmp[icmptype] == 8", cfg.Capture.Filter)
	assert.Equal(t, 5000, cfg.Capture.MaxEventsPS)

	assert.Equal(t, 5*time.Second, cfg.Tracker.parsedWindow)
	assert.Equal(t, 2*time.Minute, cfg.Tracker.parsedIdle)

	assert.Equal(t, "blackhole", cfg.Enforce.Mode)
	assert.Equal(t, 10*time.Minute, cfg.Enforce.parsedBlockDuration)

	assert.Equal(t, "/tmp/icmpguard-state", cfg.Persistence.StateDir)
	assert.Equal(t, 30*time.Second, cfg.Persistence.parsedSaveInterval)
	assert.False(t, boolOrDefault(cfg.Persistence.AutoLoad, true))

	assert.Equal(t, "127.0.0.1:9999", cfg.Control.Listen)
	assert.Equal(t, "hunter2", cfg.Control.AuthToken)
	assert.False(t, boolOrDefault(cfg.Metrics.Enabled, true))

	assert.Equal(t, "/tmp/history.db", cfg.History.Database)
	assert.Equal(t, "192.0.2.53", cfg.RDNS.Resolver)
	assert.Equal(t, 500*time.Millisecond, cfg.RDNS.parsedTimeout)

	assert.Equal(t, []string{"192.0.2.0/24", "10.0.0.1"}, cfg.TrustedNets)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
}

func TestLoadConfig_InvalidDurationFallsBack(t *testing.T) {
	path := writeConfigFile(t, `
tracker:
  time_window: soon
enforce:
  block_duration: -5s
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, defaultTimeWindow, cfg.Tracker.parsedWindow)
	assert.Equal(t, defaultBlockDuration, cfg.Enforce.parsedBlockDuration)
}

func TestLoadConfig_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown capture mode", "capture:\n  mode: teleport\n"},
		{"pcap without interface", "capture:\n  mode: pcap\n"},
		{"replay without file", "capture:\n  mode: replay\n"},
		{"unknown enforce mode", "enforce:\n  mode: catapult\n"},
		{"malformed yaml", "capture: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfigFile(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestBoolOrDefault(t *testing.T) {
	yes, no := true, false
	assert.True(t, boolOrDefault(nil, true))
	assert.False(t, boolOrDefault(nil, false))
	assert.True(t, boolOrDefault(&yes, false))
	assert.False(t, boolOrDefault(&no, true))
}
