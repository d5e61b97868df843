package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)

	_, err = os.Stat(path)
	assert.NoError(t, err, "config file should be created on first load")

	assert.Equal(t, "./data", cfg.DataDir())
	assert.Equal(t, 80.0, cfg.GetFloat("monitoring", "cpu_threshold", 0))
	assert.Equal(t, int64(1073741824), cfg.GetInt64("backup", "max_backup_size", 0))
	assert.True(t, cfg.GetBool("alerts", "enabled", false))
}

func TestSetWritesThrough(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Set("monitoring", "cpu_threshold", "95.5"))

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 95.5, reloaded.GetFloat("monitoring", "cpu_threshold", 0))
}

func TestTypedGetters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	cfg, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, cfg.Set("saas", "sync_interval", "120"))
	require.NoError(t, cfg.Set("backup", "enabled", "no"))
	require.NoError(t, cfg.Set("monitoring", "file_watch_paths", "/home, /etc ,,/var/www"))

	assert.Equal(t, 2*time.Minute, cfg.GetSeconds("saas", "sync_interval", 0))
	assert.False(t, cfg.GetBool("backup", "enabled", true))
	assert.Equal(t, []string{"/home", "/etc", "/var/www"}, cfg.GetList("monitoring", "file_watch_paths"))
}

func TestTypedGettersFallBackOnGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	cfg, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, cfg.Set("saas", "timeout", "not-a-number"))
	require.NoError(t, cfg.Set("alerts", "enabled", "maybe"))

	assert.Equal(t, 30, cfg.GetInt("saas", "timeout", 30))
	assert.True(t, cfg.GetBool("alerts", "enabled", true))
}

func TestDeviceIDStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	cfg, err := Load(path)
	require.NoError(t, err)

	id, err := cfg.DeviceID()
	require.NoError(t, err)
	assert.Len(t, id, 32, "16 random bytes hex-encoded")

	again, err := cfg.DeviceID()
	require.NoError(t, err)
	assert.Equal(t, id, again)

	reloaded, err := Load(path)
	require.NoError(t, err)
	persisted, err := reloaded.DeviceID()
	require.NoError(t, err)
	assert.Equal(t, id, persisted)
}

func TestEncryptionKeyGenerated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	cfg, err := Load(path)
	require.NoError(t, err)

	key, err := cfg.EncryptionKey()
	require.NoError(t, err)
	assert.Len(t, key, 64, "32 random bytes hex-encoded")

	again, err := cfg.EncryptionKey()
	require.NoError(t, err)
	assert.Equal(t, key, again)
}

func TestEnsureDirs(t *testing.T) {
	root := t.TempDir()
	cfg, err := Load(filepath.Join(root, "agent.yaml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Set("agent", "data_dir", filepath.Join(root, "data")))
	require.NoError(t, cfg.Set("agent", "backup_dir", filepath.Join(root, "backups")))
	require.NoError(t, cfg.Set("security", "quarantine_dir", filepath.Join(root, "quarantine")))

	require.NoError(t, cfg.EnsureDirs())

	for _, dir := range []string{cfg.DataDir(), cfg.BackupDir(), cfg.QuarantineDir(), cfg.LogDir(), cfg.RollbackDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
