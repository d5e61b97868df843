package watcher

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protekt/agent/pkg/storage"
	"github.com/protekt/agent/pkg/types"
)

func newTestDetector(t *testing.T) (*Detector, *storage.SQLiteStore) {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewDetector(store, []string{".exe", ".bat", ".scr"}), store
}

func eventsOfSeverity(t *testing.T, store storage.Store, severity types.Severity) []types.SecurityEvent {
	t.Helper()
	events, err := store.UnresolvedEvents(1000)
	require.NoError(t, err)
	var out []types.SecurityEvent
	for _, e := range events {
		if e.Severity == severity {
			out = append(out, e)
		}
	}
	return out
}

func TestQuietActivityRaisesNothing(t *testing.T) {
	d, store := newTestDetector(t)

	for i := 0; i < 10; i++ {
		d.Record(opModified, fmt.Sprintf("/home/user/doc%d.txt", i), "")
	}

	events, err := store.UnresolvedEvents(10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMassOperationsDetected(t *testing.T) {
	d, store := newTestDetector(t)

	// 51 operations inside one minute crosses the mass-write threshold.
	for i := 0; i < 51; i++ {
		d.Record(opCreated, fmt.Sprintf("/home/user/f%d.txt", i), "")
	}

	events, err := store.UnresolvedEvents(1000)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, types.EventRansomwareDetection, events[0].EventType)

	found := false
	for _, e := range eventsOfSeverity(t, store, types.SeverityHigh) {
		if e.Description == "Mass file operations detected: 51 operations in 1 minute" {
			found = true
		}
	}
	assert.True(t, found, "expected a mass operations event at exactly the crossing count")
}

func TestMassRenamesDetected(t *testing.T) {
	d, store := newTestDetector(t)

	for i := 0; i < 31; i++ {
		d.Record(opMoved, fmt.Sprintf("/home/user/f%d.txt", i), fmt.Sprintf("/home/user/f%d.xyz", i))
	}

	events := eventsOfSeverity(t, store, types.SeverityHigh)
	require.NotEmpty(t, events)
	assert.Contains(t, events[0].Description, "Mass file renames detected: 31 renames")
}

func TestSuspiciousExtensionBurst(t *testing.T) {
	d, store := newTestDetector(t)

	for i := 0; i < 11; i++ {
		d.Record(opCreated, fmt.Sprintf("/tmp/drop%d.exe", i), "")
	}

	events := eventsOfSeverity(t, store, types.SeverityMedium)
	require.NotEmpty(t, events)
	assert.Contains(t, events[0].Description, "suspicious file extensions")
}

func TestEncryptionPatternsCritical(t *testing.T) {
	d, store := newTestDetector(t)

	for i := 0; i < 6; i++ {
		d.Record(opCreated, fmt.Sprintf("/home/user/doc%d.pdf.encrypted", i), "")
	}

	events := eventsOfSeverity(t, store, types.SeverityCritical)
	require.NotEmpty(t, events)
	assert.Contains(t, events[0].Description, "Encryption patterns detected: 6 files")
}

func TestDetectorCountsAreWindowed(t *testing.T) {
	d, store := newTestDetector(t)

	// Spread events so only a sub-threshold number falls inside any one
	// minute window.
	base := time.Now()
	step := 0
	d.now = func() time.Time { return base.Add(time.Duration(step) * 2 * time.Second) }

	for step = 0; step < 60; step++ {
		d.Record(opCreated, fmt.Sprintf("/home/user/f%d.txt", step), "")
	}

	events, err := store.UnresolvedEvents(10)
	require.NoError(t, err)
	assert.Empty(t, events, "30 ops per minute stays below the threshold")
}

func TestOldEventsArePruned(t *testing.T) {
	d, _ := newTestDetector(t)

	base := time.Now()
	d.now = func() time.Time { return base }
	for i := 0; i < 20; i++ {
		d.Record(opModified, fmt.Sprintf("/home/user/f%d.txt", i), "")
	}
	assert.Equal(t, 20, d.EventCount())

	// Six minutes later a single event flushes everything stale.
	d.now = func() time.Time { return base.Add(6 * time.Minute) }
	d.Record(opModified, "/home/user/late.txt", "")
	assert.Equal(t, 1, d.EventCount())
}

func TestAuditRowWrittenOnAlert(t *testing.T) {
	d, store := newTestDetector(t)

	for i := 0; i < 31; i++ {
		d.Record(opMoved, fmt.Sprintf("/home/user/f%d.txt", i), "")
	}

	entries, err := store.RecentAudit(100)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "ransomware_alert_triggered", entries[0].Action)
	assert.Equal(t, "security", entries[0].Category)
	assert.Equal(t, "mass_renames", entries[0].Resource)
}
