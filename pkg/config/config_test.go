package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
host: 10.0.0.1
port: 9443
db_path: /tmp/perch-test/perch.db
metrics_retention_days: 30
use_tls: false
test_mode: true
`), 0o644))

	cfg, err := LoadServerConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:9443", cfg.ListenAddr())
	assert.Equal(t, 30, cfg.MetricsRetentionDays)
	// untouched keys keep their defaults
	assert.Equal(t, 7, cfg.LogsRetentionDays)
	assert.Equal(t, 600, cfg.CleanupIntervalSec)
	assert.False(t, cfg.UseTLS)
	assert.True(t, cfg.TestMode)
	// audit log lands next to the database by default
	assert.Equal(t, "/tmp/perch-test/audit.log", cfg.AuditLogPath)
	assert.Equal(t, filepath.Join(cfg.AuthDir, "admin_token"), cfg.AdminTokenPath())
}

func TestLoadServerConfigMissingFile(t *testing.T) {
	_, err := LoadServerConfig(filepath.Join(t.TempDir(), "absent.yml"))
	assert.Error(t, err)
}

func TestLoadAgentConfigDefaults(t *testing.T) {
	// a missing agent config is fine: fresh installs run on defaults
	cfg, err := LoadAgentConfig(filepath.Join(t.TempDir(), "absent.yml"))
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.IntervalSec)
	assert.Equal(t, "https://127.0.0.1:8443", cfg.Server)
	assert.True(t, cfg.ExporterEnabled("os"))
	assert.True(t, cfg.ExporterEnabled("apt"))
	assert.False(t, cfg.ExporterEnabled("made_up"))
	assert.False(t, cfg.Logs.Enabled)
	assert.Equal(t, []string{"/", "/var/lib/docker"}, cfg.OSMetrics.Mountpoints)
}

func TestAgentConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yml")

	cfg := DefaultAgentConfig()
	cfg.IntervalSec = 60
	cfg.Exporters["nvsmi"] = false
	cfg.Logs.Enabled = true
	cfg.Logs.Sources = []string{"kernel", "syslog"}
	require.NoError(t, SaveAgentConfig(path, cfg))

	loaded, err := LoadAgentConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 60, loaded.IntervalSec)
	assert.False(t, loaded.ExporterEnabled("nvsmi"))
	assert.True(t, loaded.ExporterEnabled("ipmi"))
	assert.Equal(t, []string{"kernel", "syslog"}, loaded.Logs.Sources)
	assert.Equal(t, "ERROR", loaded.Logs.SeverityFilter)
}
