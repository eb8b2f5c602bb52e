/*
File: config.go
Version: 1.2.0
Description: YAML configuration structures, defaults, and duration parsing.
             UPDATED: Added history and rdns sections, replay capture mode.
*/

package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// --- Configuration Structures ---

type Config struct {
	Capture     CaptureConfig     `yaml:"capture"`
	Tracker     TrackerConfig     `yaml:"tracker"`
	Enforce     EnforceConfig     `yaml:"enforce"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Control     ControlConfig     `yaml:"control"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	History     HistoryConfig     `yaml:"history"`
	RDNS        RDNSConfig        `yaml:"rdns"`
	TrustedNets []string          `yaml:"trusted_networks"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type CaptureConfig struct {
	Mode        string `yaml:"mode"`       // "icmp" (raw socket), "pcap" (live), "replay" (offline file)
	Listen      string `yaml:"listen"`     // bind address for raw socket mode
	Interface   string `yaml:"interface"`  // pcap mode
	Filter      string `yaml:"filter"`     // BPF filter for pcap/replay
	Snaplen     int    `yaml:"snaplen"`
	Promiscuous bool   `yaml:"promiscuous"`
	ReplayFile  string `yaml:"replay_file"`
	MaxEventsPS int    `yaml:"max_events_per_sec"` // 0 = unlimited; excess is shed, not queued
	QueueSize   int    `yaml:"queue_size"`
}

type TrackerConfig struct {
	TimeWindow  string `yaml:"time_window"`
	IdleTimeout string `yaml:"idle_timeout"`

	parsedWindow time.Duration
	parsedIdle   time.Duration
}

type EnforceConfig struct {
	Mode          string `yaml:"mode"` // "none" (log only), "blackhole", "nftables"
	BlockDuration string `yaml:"block_duration"`

	parsedBlockDuration time.Duration
}

type PersistenceConfig struct {
	StateDir     string `yaml:"state_dir"`
	SaveInterval string `yaml:"save_interval"`
	AutoLoad     *bool  `yaml:"auto_load"` // default true

	parsedSaveInterval time.Duration
}

type ControlConfig struct {
	Enabled   *bool  `yaml:"enabled"` // default true
	Listen    string `yaml:"listen"`
	AuthToken string `yaml:"auth_token"`
}

type MetricsConfig struct {
	Enabled *bool `yaml:"enabled"` // default true, served on the control listener
}

type HistoryConfig struct {
	Database string `yaml:"database"` // sqlite path; empty disables the archive
}

type RDNSConfig struct {
	Enabled  *bool  `yaml:"enabled"`  // default true
	Resolver string `yaml:"resolver"` // "ip:port"; empty uses the system resolver
	Timeout  string `yaml:"timeout"`

	parsedTimeout time.Duration
}

type LoggingConfig struct {
	Level   string   `yaml:"level"`
	Format  string   `yaml:"format"`
	Outputs []string `yaml:"outputs"`

	File struct {
		Path        string `yaml:"path"`
		Permissions uint32 `yaml:"permissions"`
	} `yaml:"file"`

	Syslog struct {
		Network  string `yaml:"network"`
		Address  string `yaml:"address"`
		Tag      string `yaml:"tag"`
		Facility int    `yaml:"facility"`
	} `yaml:"syslog"`
}

// --- Configuration Loading ---

// LoadConfig reads the YAML config, applies defaults, and parses durations.
// An empty path yields a pure-defaults config (useful for ad-hoc runs).
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil { return nil, fmt.Errorf("failed to read config: %w", err) }
		if err := yaml.Unmarshal(data, &cfg); err != nil { return nil, fmt.Errorf("failed to parse config: %w", err) }
	}

	// Set defaults
	if cfg.Capture.Mode == "" { cfg.Capture.Mode = "icmp" }
	if cfg.Capture.Listen == "" { cfg.Capture.Listen = "0.0.0.0" }
	if cfg.Capture.Filter == "" { cfg.Capture.Filter = "icmp" }
	if cfg.Capture.Snaplen <= 0 { cfg.Capture.Snaplen = defaultSnaplen }
	if cfg.Capture.QueueSize <= 0 { cfg.Capture.QueueSize = defaultQueueSize }

	if cfg.Enforce.Mode == "" { cfg.Enforce.Mode = "none" }
	if cfg.Persistence.StateDir == "" { cfg.Persistence.StateDir = "/var/lib/icmpguard" }
	if cfg.Control.Listen == "" { cfg.Control.Listen = "127.0.0.1:8642" }
	if cfg.Logging.Level == "" { cfg.Logging.Level = "INFO" }
	if len(cfg.Logging.Outputs) == 0 { cfg.Logging.Outputs = []string{"console"} }

	// Optional bools that default to on.
	cfg.Persistence.AutoLoad = defaultTrue(cfg.Persistence.AutoLoad)
	cfg.Control.Enabled = defaultTrue(cfg.Control.Enabled)
	cfg.Metrics.Enabled = defaultTrue(cfg.Metrics.Enabled)
	cfg.RDNS.Enabled = defaultTrue(cfg.RDNS.Enabled)

	// Parse durations with fallbacks
	cfg.Tracker.parsedWindow = parseDurationField(cfg.Tracker.TimeWindow, "tracker.time_window", defaultTimeWindow)
	cfg.Tracker.parsedIdle = parseDurationField(cfg.Tracker.IdleTimeout, "tracker.idle_timeout", defaultIdleTimeout)
	cfg.Enforce.parsedBlockDuration = parseDurationField(cfg.Enforce.BlockDuration, "enforce.block_duration", defaultBlockDuration)
	cfg.Persistence.parsedSaveInterval = parseDurationField(cfg.Persistence.SaveInterval, "persistence.save_interval", autoSaveInterval)
	cfg.RDNS.parsedTimeout = parseDurationField(cfg.RDNS.Timeout, "rdns.timeout", 2*time.Second)

	switch cfg.Capture.Mode {
	case "icmp", "pcap", "replay":
	default:
		return nil, fmt.Errorf("invalid capture.mode %q (want icmp, pcap, or replay)", cfg.Capture.Mode)
	}
	if cfg.Capture.Mode == "pcap" && cfg.Capture.Interface == "" {
		return nil, fmt.Errorf("capture.mode=pcap requires capture.interface")
	}
	if cfg.Capture.Mode == "replay" && cfg.Capture.ReplayFile == "" {
		return nil, fmt.Errorf("capture.mode=replay requires capture.replay_file")
	}
	switch cfg.Enforce.Mode {
	case "none", "blackhole", "nftables":
	default:
		return nil, fmt.Errorf("invalid enforce.mode %q (want none, blackhole, or nftables)", cfg.Enforce.Mode)
	}

	// Initialize Logger
	if err := InitLogger(cfg.Logging); err != nil { return nil, fmt.Errorf("failed to initialize logger: %w", err) }

	return &cfg, nil
}

func parseDurationField(raw, name string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		LogWarn("[CONFIG] Invalid %s '%s', defaulting to %v", name, raw, def)
		return def
	}
	return d
}

// boolOrDefault resolves an optional YAML bool.
func boolOrDefault(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// defaultTrue materializes an unset optional bool as true, preserving an
// explicit false from the file.
func defaultTrue(v *bool) *bool {
	if v != nil {
		return v
	}
	t := true
	return &t
}
