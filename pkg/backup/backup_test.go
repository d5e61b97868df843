package backup

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protekt/agent/pkg/config"
	"github.com/protekt/agent/pkg/saas"
	"github.com/protekt/agent/pkg/storage"
	"github.com/protekt/agent/pkg/types"
)

func testManager(t *testing.T, baseURL string) (*Manager, *storage.SQLiteStore, string) {
	t.Helper()
	root := t.TempDir()
	cfg, err := config.Load(filepath.Join(root, "agent.yaml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Set("agent", "data_dir", filepath.Join(root, "data")))
	require.NoError(t, cfg.Set("agent", "backup_dir", filepath.Join(root, "backups")))

	store, err := storage.NewSQLiteStore(filepath.Join(root, "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	client := saas.NewClient(baseURL, "key", 5*time.Second, 5*time.Second)
	m, err := NewManager(store, client, cfg)
	require.NoError(t, err)
	return m, store, root
}

func writeSourceTree(t *testing.T, root string) string {
	t.Helper()
	src := filepath.Join(root, "source")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "docs"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(src, ".git"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "__pycache__"), 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(src, "docs", "report.txt"), []byte("quarterly numbers"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "notes.md"), []byte("remember the milk"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "scratch.tmp"), []byte("transient"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "debug.log"), []byte("noise"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, ".git", "HEAD"), []byte("ref"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "__pycache__", "m.pyc"), []byte{1, 2}, 0o644))
	return src
}

func TestCreateAndRestoreRoundTrip(t *testing.T) {
	m, store, root := testManager(t, "")
	src := writeSourceTree(t, root)

	rec, err := m.Create([]string{src}, types.BackupManual, "nightly docs")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rec.BackupID, "backup_"))
	assert.True(t, rec.Encrypted)
	assert.NotEmpty(t, rec.Checksum)
	assert.Greater(t, rec.SizeBytes, int64(0))

	// The artifact on disk is ciphertext, not a gzip stream.
	raw, err := os.ReadFile(rec.BackupPath)
	require.NoError(t, err)
	assert.NotEqual(t, []byte{0x1f, 0x8b}, raw[:2])

	restoreDir := filepath.Join(root, "restored")
	require.NoError(t, m.Restore(rec.BackupID, restoreDir))

	content, err := os.ReadFile(filepath.Join(restoreDir, "source", "docs", "report.txt"))
	require.NoError(t, err)
	assert.Equal(t, "quarterly numbers", string(content))

	_, err = os.Stat(filepath.Join(restoreDir, "source", "scratch.tmp"))
	assert.True(t, os.IsNotExist(err), "transient files are not archived")
	_, err = os.Stat(filepath.Join(restoreDir, "source", "debug.log"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(restoreDir, "source", ".git"))
	assert.True(t, os.IsNotExist(err), "hidden directories are not archived")
	_, err = os.Stat(filepath.Join(restoreDir, "source", "__pycache__"))
	assert.True(t, os.IsNotExist(err))

	// Audit trail covers both operations.
	entries, err := store.RecentAudit(10)
	require.NoError(t, err)
	actions := make([]string, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, "backup_created")
	assert.Contains(t, actions, "backup_restored")
}

func TestCreateQueuesUpload(t *testing.T) {
	m, store, root := testManager(t, "")
	src := writeSourceTree(t, root)

	rec, err := m.Create([]string{src}, types.BackupCommand, "")
	require.NoError(t, err)

	items, err := store.PendingQueueItems(types.QueueBackupUpload, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 4, items[0].Priority)
	assert.Contains(t, string(items[0].Payload), rec.BackupID)
}

func TestRestoreRefusesTamperedBackup(t *testing.T) {
	m, _, root := testManager(t, "")
	src := writeSourceTree(t, root)

	rec, err := m.Create([]string{src}, types.BackupManual, "")
	require.NoError(t, err)

	// Flip one ciphertext byte.
	raw, err := os.ReadFile(rec.BackupPath)
	require.NoError(t, err)
	raw[len(raw)/2] ^= 0xff
	require.NoError(t, os.WriteFile(rec.BackupPath, raw, 0o600))

	err = m.Restore(rec.BackupID, filepath.Join(root, "restored"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum verification failed")
}

func TestCreateWithNoValidPaths(t *testing.T) {
	m, _, _ := testManager(t, "")

	_, err := m.Create([]string{"/does/not/exist"}, types.BackupManual, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no valid source paths")
}

func TestUploadMarksRecord(t *testing.T) {
	var received int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		received = int64(len(body))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	m, store, root := testManager(t, srv.URL)
	src := writeSourceTree(t, root)

	rec, err := m.Create([]string{src}, types.BackupScheduled, "")
	require.NoError(t, err)

	require.NoError(t, m.Upload(context.Background(), rec.BackupID, srv.URL+"/bucket/obj?sig=x"))

	// The PUT body is the encrypted artifact, which is larger than the
	// recorded pre-encryption archive size.
	info, err := os.Stat(rec.BackupPath)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), received)
	assert.Greater(t, received, rec.SizeBytes)

	got, err := store.GetBackup(rec.BackupID)
	require.NoError(t, err)
	assert.True(t, got.Uploaded)
}

func TestCleanupOnlyExpiresUploaded(t *testing.T) {
	m, store, root := testManager(t, "")
	src := writeSourceTree(t, root)

	oldUploaded, err := m.Create([]string{src}, types.BackupScheduled, "")
	require.NoError(t, err)
	oldLocal, err := m.Create([]string{src}, types.BackupScheduled, "")
	require.NoError(t, err)

	// Age both records past retention; only the uploaded one may go.
	backdate := func(id string) {
		rec, err := store.GetBackup(id)
		require.NoError(t, err)
		require.NoError(t, store.DeleteBackup(id))
		rec.CreatedAt = time.Now().UTC().AddDate(0, 0, -60)
		_, err = store.InsertBackup(rec)
		require.NoError(t, err)
	}
	backdate(oldUploaded.BackupID)
	backdate(oldLocal.BackupID)
	require.NoError(t, store.MarkBackupUploaded(oldUploaded.BackupID, "https://bucket/x"))

	m.cleanupExpired()

	_, err = store.GetBackup(oldUploaded.BackupID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = os.Stat(oldUploaded.BackupPath)
	assert.True(t, os.IsNotExist(err))

	kept, err := store.GetBackup(oldLocal.BackupID)
	require.NoError(t, err)
	_, err = os.Stat(kept.BackupPath)
	assert.NoError(t, err, "never-uploaded backups are kept past retention")
}
