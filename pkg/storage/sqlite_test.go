package storage

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protekt/agent/pkg/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRegistrationLifecycle(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetRegistration()
	assert.ErrorIs(t, err, ErrNotFound)

	now := time.Now().UTC().Truncate(time.Second)
	reg := &types.Registration{
		DeviceID:     "dev-1",
		OrgID:        "org-1",
		APIKey:       "key-1",
		RegisteredAt: &now,
		Status:       types.RegistrationActive,
	}
	require.NoError(t, s.SaveRegistration(reg))

	got, err := s.GetRegistration()
	require.NoError(t, err)
	assert.Equal(t, "dev-1", got.DeviceID)
	assert.Equal(t, types.RegistrationActive, got.Status)
	assert.Nil(t, got.LastHeartbeat)

	hb := now.Add(time.Minute)
	require.NoError(t, s.UpdateHeartbeat("dev-1", hb))
	got, err = s.GetRegistration()
	require.NoError(t, err)
	require.NotNil(t, got.LastHeartbeat)
	assert.WithinDuration(t, hb, *got.LastHeartbeat, time.Second)

	require.NoError(t, s.SetRegistrationStatus("dev-1", types.RegistrationOffline))
	got, err = s.GetRegistration()
	require.NoError(t, err)
	assert.Equal(t, types.RegistrationOffline, got.Status)

	assert.ErrorIs(t, s.UpdateHeartbeat("no-such-device", hb), ErrNotFound)
}

func TestQueueOrderingAndDrain(t *testing.T) {
	s := newTestStore(t)

	// Same type, mixed priorities: higher priority first, then oldest.
	low1, err := s.Enqueue(types.QueueTelemetry, json.RawMessage(`{"n":1}`), 1, 3)
	require.NoError(t, err)
	high, err := s.Enqueue(types.QueueTelemetry, json.RawMessage(`{"n":2}`), 5, 3)
	require.NoError(t, err)
	low2, err := s.Enqueue(types.QueueTelemetry, json.RawMessage(`{"n":3}`), 1, 3)
	require.NoError(t, err)

	items, err := s.PendingQueueItems(types.QueueTelemetry, 10)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, high, items[0].ID)
	assert.Equal(t, low1, items[1].ID)
	assert.Equal(t, low2, items[2].ID)

	// Completed items leave the pending view.
	require.NoError(t, s.MarkQueueItem(high, types.QueueCompleted))
	items, err = s.PendingQueueItems(types.QueueTelemetry, 10)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	// Types are drained independently.
	items, err = s.PendingQueueItems(types.QueueSecurityEvent, 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestQueueRetryExhaustion(t *testing.T) {
	s := newTestStore(t)

	id, err := s.Enqueue(types.QueueSecurityEvent, json.RawMessage(`{}`), 2, 2)
	require.NoError(t, err)

	// A failure leaves the item failed until the retry sweep runs.
	require.NoError(t, s.MarkQueueItem(id, types.QueueFailed))
	items, err := s.PendingQueueItems(types.QueueSecurityEvent, 10)
	require.NoError(t, err)
	assert.Empty(t, items)

	// The sweep requeues it with a clean count: 1 retry < max 2.
	n, err := s.RetryFailed()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	items, err = s.PendingQueueItems(types.QueueSecurityEvent, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 0, items[0].RetryCount)

	// Two more failures exhaust max_retries; the sweep leaves it failed.
	require.NoError(t, s.MarkQueueItem(id, types.QueueFailed))
	require.NoError(t, s.MarkQueueItem(id, types.QueueFailed))
	n, err = s.RetryFailed()
	require.NoError(t, err)
	assert.Zero(t, n)
	items, err = s.PendingQueueItems(types.QueueSecurityEvent, 10)
	require.NoError(t, err)
	assert.Empty(t, items)

	statusCounts, _, err := s.QueueCounts()
	require.NoError(t, err)
	assert.Equal(t, 1, statusCounts[string(types.QueueFailed)])
}

func TestPruneQueueDropsTerminalRows(t *testing.T) {
	s := newTestStore(t)

	done, err := s.Enqueue(types.QueueTelemetry, json.RawMessage(`{}`), 1, 0)
	require.NoError(t, err)
	dead, err := s.Enqueue(types.QueueTelemetry, json.RawMessage(`{}`), 1, 0)
	require.NoError(t, err)
	_, err = s.Enqueue(types.QueueTelemetry, json.RawMessage(`{}`), 1, 3)
	require.NoError(t, err)
	require.NoError(t, s.MarkQueueItem(done, types.QueueCompleted))
	require.NoError(t, s.MarkQueueItem(dead, types.QueueFailed))

	// Completed and exhausted-failed rows go; pending rows stay.
	n, err := s.PruneQueue(time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	statusCounts, pendingByType, err := s.QueueCounts()
	require.NoError(t, err)
	assert.Equal(t, 1, statusCounts[string(types.QueuePending)])
	assert.Zero(t, statusCounts[string(types.QueueCompleted)])
	assert.Zero(t, statusCounts[string(types.QueueFailed)])
	assert.Equal(t, 1, pendingByType[string(types.QueueTelemetry)])
}

func TestTelemetryRoundTrip(t *testing.T) {
	s := newTestStore(t)

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 3; i++ {
		_, err := s.InsertTelemetry(&types.TelemetrySample{
			Timestamp:      base.Add(time.Duration(i) * time.Minute),
			CPUPercent:     float64(10 * i),
			MemoryPercent:  50,
			DiskPercent:    60,
			NetworkIO:      json.RawMessage(`{"bytes_sent":1,"bytes_recv":2}`),
			ProcessesCount: 100 + i,
			UptimeSeconds:  3600,
			IPAddress:      "10.0.0.1",
		})
		require.NoError(t, err)
	}

	samples, err := s.RecentTelemetry(2)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, 20.0, samples[0].CPUPercent, "newest first")

	n, err := s.TelemetryCount()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestSecurityEventResolution(t *testing.T) {
	s := newTestStore(t)

	id, err := s.InsertSecurityEvent(&types.SecurityEvent{
		EventType:   types.EventRansomwareDetection,
		Severity:    types.SeverityCritical,
		Description: "mass file modification burst",
		FilePath:    "/home/user/docs",
	})
	require.NoError(t, err)
	_, err = s.InsertSecurityEvent(&types.SecurityEvent{
		EventType:   types.EventSuspiciousProcess,
		Severity:    types.SeverityHigh,
		Description: "suspicious process name",
		ProcessName: "cryptominer",
	})
	require.NoError(t, err)

	events, err := s.UnresolvedEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, types.EventRansomwareDetection, events[0].EventType, "oldest first")

	require.NoError(t, s.ResolveEvent(id))
	events, err = s.UnresolvedEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventSuspiciousProcess, events[0].EventType)

	n, err := s.EventCountSince(types.EventRansomwareDetection, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestBackupRecords(t *testing.T) {
	s := newTestStore(t)

	rec := &types.BackupRecord{
		BackupID:    "backup_1700000000_deadbeef",
		BackupType:  types.BackupManual,
		SourcePaths: []string{"/home/user", "/etc"},
		BackupPath:  "/backups/backup_1700000000_deadbeef.tar.gz.enc",
		SizeBytes:   4096,
		Encrypted:   true,
		Checksum:    "abc123",
		CreatedAt:   time.Now().UTC().Add(-48 * time.Hour),
	}
	_, err := s.InsertBackup(rec)
	require.NoError(t, err)

	got, err := s.GetBackup(rec.BackupID)
	require.NoError(t, err)
	assert.Equal(t, []string{"/home/user", "/etc"}, got.SourcePaths)
	assert.True(t, got.Encrypted)
	assert.False(t, got.Uploaded)

	require.NoError(t, s.MarkBackupUploaded(rec.BackupID, "https://bucket/backup.enc"))
	got, err = s.GetBackup(rec.BackupID)
	require.NoError(t, err)
	assert.True(t, got.Uploaded)
	assert.Equal(t, "https://bucket/backup.enc", got.UploadURL)

	expired, err := s.BackupsOlderThan(time.Now().UTC().Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Len(t, expired, 1)

	require.NoError(t, s.DeleteBackup(rec.BackupID))
	_, err = s.GetBackup(rec.BackupID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCommandDeduplication(t *testing.T) {
	s := newTestStore(t)

	cmd := &types.CommandRecord{
		CommandID:   "cmd-42",
		CommandType: "run_backup",
		Parameters:  json.RawMessage(`{"paths":["/etc"]}`),
	}
	fresh, err := s.InsertCommandIfNew(cmd)
	require.NoError(t, err)
	assert.True(t, fresh)

	// The backend re-delivering the same command must not execute twice.
	fresh, err = s.InsertCommandIfNew(cmd)
	require.NoError(t, err)
	assert.False(t, fresh)

	done := time.Now().UTC()
	require.NoError(t, s.SetCommandStatus("cmd-42", types.CommandCompleted,
		json.RawMessage(`{"status":"ok"}`), &done))

	cmds, err := s.RecentCommands(10)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, types.CommandCompleted, cmds[0].Status)
	require.NotNil(t, cmds[0].CompletedAt)
}

func TestRowsWithoutDetailsReadBack(t *testing.T) {
	s := newTestStore(t)

	// Rows written with no JSON payload at all must still scan.
	_, err := s.InsertSecurityEvent(&types.SecurityEvent{
		EventType:   types.EventAnomalyDetected,
		Severity:    types.SeverityLow,
		Description: "bare event",
	})
	require.NoError(t, err)
	events, err := s.UnresolvedEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 1)

	_, err = s.InsertCommandIfNew(&types.CommandRecord{
		CommandID:   "cmd-bare",
		CommandType: "get_status",
	})
	require.NoError(t, err)
	cmds, err := s.RecentCommands(10)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, types.CommandReceived, cmds[0].Status)

	require.NoError(t, s.AppendAudit("startup", "dev-1", "system", nil))
	entries, err := s.RecentAudit(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestAuditAppendAndPrune(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AppendAudit("backup_created", "backup_x", "backup", json.RawMessage(`{"size":1}`)))
	require.NoError(t, s.AppendAudit("alert_sent", "", "", nil))

	entries, err := s.RecentAudit(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "general", entries[0].Category, "empty category defaults")

	n, err := s.PruneAudit(time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
