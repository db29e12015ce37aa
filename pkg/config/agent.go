package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// AgentConfig controls one edge agent.
type AgentConfig struct {
	AuthDir     string `yaml:"auth_dir"`
	Server      string `yaml:"server"`
	IntervalSec int    `yaml:"interval_sec"`
	LogLevel    string `yaml:"log_level"`
	TestMode    bool   `yaml:"test_mode"`

	// Exporter enable flags, keyed by exporter name (os, ipmi, nvme,
	// nvsmi, psu, bmc_fan, apt). Absent keys fall back to the default
	// set.
	Exporters map[string]bool `yaml:"exporters"`

	OSMetrics OSMetricsConfig `yaml:"os_metrics"`
	Logs      LogShipConfig   `yaml:"log_monitoring"`
}

// OSMetricsConfig tunes the OS metrics exporter.
type OSMetricsConfig struct {
	Mountpoints []string `yaml:"mountpoints"`
}

// LogShipConfig tunes incremental log shipping.
type LogShipConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Sources        []string `yaml:"sources"`
	SeverityFilter string   `yaml:"severity_filter"`
	BackfillLines  int      `yaml:"backfill_lines"`
}

// DefaultAgentConfig returns the built-in defaults.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		AuthDir:     "/etc/perch",
		Server:      "https://127.0.0.1:8443",
		IntervalSec: 30,
		LogLevel:    "INFO",
		Exporters: map[string]bool{
			"os":      true,
			"ipmi":    true,
			"nvme":    true,
			"nvsmi":   true,
			"psu":     true,
			"bmc_fan": true,
			"apt":     true,
		},
		OSMetrics: OSMetricsConfig{
			Mountpoints: []string{"/", "/var/lib/docker"},
		},
		Logs: LogShipConfig{
			Enabled:        false,
			Sources:        []string{"kernel", "journal"},
			SeverityFilter: "ERROR",
			BackfillLines:  1000,
		},
	}
}

// LoadAgentConfig reads YAML from path on top of the defaults. A missing
// file yields the defaults without error so a fresh install can run.
func LoadAgentConfig(path string) (AgentConfig, error) {
	cfg := DefaultAgentConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// SaveAgentConfig writes the config back as YAML, used when a
// config_update command changes settings remotely.
func SaveAgentConfig(path string, cfg AgentConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}

// ExporterEnabled reports whether the named exporter should run.
func (c AgentConfig) ExporterEnabled(name string) bool {
	enabled, ok := c.Exporters[name]
	if !ok {
		return false
	}
	return enabled
}
