package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DevAdminToken is accepted for admin auth when test_mode is enabled.
const DevAdminToken = "dev_admin_token_12345"

// ServerConfig is the process-wide server configuration, read once at
// startup. Reloading requires a restart.
type ServerConfig struct {
	Host                 string `yaml:"host"`
	Port                 int    `yaml:"port"`
	AuthDir              string `yaml:"auth_dir"`
	DBPath               string `yaml:"db_path"`
	AuditLogPath         string `yaml:"audit_log_path"`
	LogLevel             string `yaml:"log_level"`
	MetricsRetentionDays int    `yaml:"metrics_retention_days"`
	LogsRetentionDays    int    `yaml:"logs_retention_days"`
	CleanupIntervalSec   int    `yaml:"cleanup_interval_sec"`
	UseTLS               bool   `yaml:"use_tls"`
	TestMode             bool   `yaml:"test_mode"`
}

// DefaultServerConfig returns the built-in defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:                 "0.0.0.0",
		Port:                 8443,
		AuthDir:              "/etc/perch-server",
		DBPath:               "/var/lib/perch-server/perch.db",
		LogLevel:             "INFO",
		MetricsRetentionDays: 7,
		LogsRetentionDays:    7,
		CleanupIntervalSec:   600,
		UseTLS:               true,
	}
}

// LoadServerConfig reads YAML from path on top of the defaults. A missing
// file is an error: the server never boots on implicit paths alone.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if cfg.AuditLogPath == "" {
		cfg.AuditLogPath = filepath.Join(filepath.Dir(cfg.DBPath), "audit.log")
	}
	return cfg, nil
}

// ListenAddr returns the host:port bind address.
func (c ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AdminTokenPath returns the location of the admin token file.
func (c ServerConfig) AdminTokenPath() string {
	return filepath.Join(c.AuthDir, "admin_token")
}

// TLSCertPath returns the server certificate location.
func (c ServerConfig) TLSCertPath() string {
	return filepath.Join(c.AuthDir, "server.crt")
}

// TLSKeyPath returns the server private key location.
func (c ServerConfig) TLSKeyPath() string {
	return filepath.Join(c.AuthDir, "server.key")
}
