package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "adb", cfg.ADB.Path)
	assert.Equal(t, 5*time.Second, cfg.Rotation.SettleDelay)
	assert.Equal(t, DefaultDatabasePath, cfg.Database.Path)
	assert.Len(t, cfg.Probe.IPServices, 2)
}

func TestLoadOverridesFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mobileproxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
adb:
  path: /opt/platform-tools/adb
  command_timeout: 8s
rotation:
  settle_delay: 7s
bulk:
  concurrency: 2
log:
  level: debug
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/opt/platform-tools/adb", cfg.ADB.Path)
	assert.Equal(t, 8*time.Second, cfg.ADB.CommandTimeout)
	assert.Equal(t, 10*time.Second, cfg.ADB.ListTimeout)
	assert.Equal(t, 7*time.Second, cfg.Rotation.SettleDelay)
	assert.Equal(t, 2, cfg.Bulk.Concurrency)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadEnvironmentOverride(t *testing.T) {
	t.Setenv("MOBILEPROXY_DB_PATH", "/tmp/other.db")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/other.db", cfg.Database.Path)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bulk:\n  concurrency: 0\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestOpenDatabaseAppliesSchema(t *testing.T) {
	db, err := OpenDatabase(filepath.Join(t.TempDir(), "nested", "test.db"))
	require.NoError(t, err)
	defer db.Close()

	var count int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('devices', 'connections')`).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestLoadRejectsUnknownLogLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: loud\n"), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log.level")

	cfg := Default()
	cfg.Log.Level = "verbose"
	assert.Error(t, cfg.Validate())
	cfg.Log.Level = "debug"
	assert.NoError(t, cfg.Validate())
}
