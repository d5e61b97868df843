package audit

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protekt/agent/pkg/config"
	"github.com/protekt/agent/pkg/storage"
)

func testLogger(t *testing.T) (*Logger, *storage.SQLiteStore, string) {
	t.Helper()
	root := t.TempDir()
	cfg, err := config.Load(filepath.Join(root, "agent.yaml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Set("agent", "data_dir", filepath.Join(root, "data")))

	store, err := storage.NewSQLiteStore(filepath.Join(root, "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	l, err := NewLogger(store, cfg)
	require.NoError(t, err)
	return l, store, root
}

func TestLogValidatesCategory(t *testing.T) {
	l, store, _ := testLogger(t)

	l.Log("startup", "agent", "bogus", nil)
	l.Log("backup_created", "backup_1", "backup", map[string]int{"size": 42})

	entries, err := store.RecentAudit(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byAction := map[string]string{}
	for _, e := range entries {
		byAction[e.Action] = e.Category
	}
	assert.Equal(t, "system", byAction["startup"], "unknown categories fall back to system")
	assert.Equal(t, "backup", byAction["backup_created"])
}

func TestCriticalActionCreatesRollbackPoint(t *testing.T) {
	l, _, _ := testLogger(t)

	l.Log("config_change", "telemetry.cpu_threshold", "system",
		map[string]string{"previous": "80", "new": "95"})
	l.Log("heartbeat_sent", "dev-1", "system", nil)

	points, err := l.RollbackPoints(10)
	require.NoError(t, err)
	require.Len(t, points, 1, "only critical actions snapshot state")
	assert.Equal(t, "config_change", points[0].Action)
	assert.Equal(t, "telemetry.cpu_threshold", points[0].Resource)
	assert.False(t, points[0].Timestamp.IsZero())
}

func TestRollbackPointSnapshotsFile(t *testing.T) {
	l, _, root := testLogger(t)

	target := filepath.Join(root, "agent.conf")
	require.NoError(t, os.WriteFile(target, []byte("threshold = 80"), 0o644))

	l.Log("file_isolated", target, "file", nil)

	points, err := l.RollbackPoints(1)
	require.NoError(t, err)
	require.Len(t, points, 1)
	require.NotNil(t, points[0].FileSnapshot)

	copied, err := os.ReadFile(points[0].FileSnapshot.BackupPath)
	require.NoError(t, err)
	assert.Equal(t, "threshold = 80", string(copied))
	assert.Equal(t, int64(len("threshold = 80")), points[0].FileSnapshot.SizeBytes)
	assert.NotEmpty(t, points[0].FileSnapshot.Checksum)
}

func TestPruneRemovesExpiredRollbackPoints(t *testing.T) {
	l, _, _ := testLogger(t)

	// One current point, one forged far in the past.
	l.Log("config_change", "", "system", nil)

	oldStamp := time.Now().UTC().AddDate(0, 0, -120).UnixNano()
	stale := filepath.Join(l.rollbackDir, "rollback_"+strconv.FormatInt(oldStamp, 10)+".json")
	require.NoError(t, os.WriteFile(stale, []byte(`{"rollback_id":"old","action":"config_change"}`), 0o600))

	_, err := l.Prune()
	require.NoError(t, err)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))

	points, err := l.RollbackPoints(10)
	require.NoError(t, err)
	assert.Len(t, points, 1, "recent points survive the prune")
}
