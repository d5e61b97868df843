package agent

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protekt/agent/pkg/config"
	"github.com/protekt/agent/pkg/storage"
	"github.com/protekt/agent/pkg/types"
)

func TestAgentStartsAndStopsCleanly(t *testing.T) {
	root := t.TempDir()
	cfg, err := config.Load(filepath.Join(root, "agent.yaml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Set("agent", "data_dir", filepath.Join(root, "data")))
	require.NoError(t, cfg.Set("agent", "backup_dir", filepath.Join(root, "backups")))
	require.NoError(t, cfg.Set("security", "quarantine_dir", filepath.Join(root, "quarantine")))

	a, err := New(cfg, "test")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	require.NoError(t, a.Run(ctx))

	// With no backend configured the device falls back to an offline
	// registration, and the lifecycle lands in the audit trail.
	store, err := storage.NewSQLiteStore(filepath.Join(root, "data", "agent.db"))
	require.NoError(t, err)
	defer store.Close()

	reg, err := store.GetRegistration()
	require.NoError(t, err)
	assert.Equal(t, types.RegistrationOffline, reg.Status)

	entries, err := store.RecentAudit(20)
	require.NoError(t, err)
	actions := make([]string, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, "startup")
	assert.Contains(t, actions, "shutdown")
}
