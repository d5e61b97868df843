package backup

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/protekt/agent/pkg/config"
	"github.com/protekt/agent/pkg/log"
	"github.com/protekt/agent/pkg/metrics"
	"github.com/protekt/agent/pkg/saas"
	"github.com/protekt/agent/pkg/storage"
	"github.com/protekt/agent/pkg/types"
)

const cleanupInterval = time.Hour

// UploadRequest is the payload of a backup_upload queue item. UploadURL
// is empty when the backend has not issued a signed URL yet; the sync
// worker requests one at drain time.
type UploadRequest struct {
	BackupID  string `json:"backup_id"`
	UploadURL string `json:"upload_url,omitempty"`
}

// Manager creates, restores, uploads, and expires encrypted backups.
type Manager struct {
	store  storage.Store
	client *saas.Client
	logger zerolog.Logger
	box    *cipherBox

	enabled          bool
	backupDir        string
	compressionLevel int
	maxBackupSize    int64
	retentionDays    int
}

// NewManager creates a backup manager. The encryption key is derived from
// configuration and generated on first use.
func NewManager(store storage.Store, client *saas.Client, cfg *config.Config) (*Manager, error) {
	key, err := cfg.EncryptionKey()
	if err != nil {
		return nil, err
	}
	box, err := newCipherBox(key)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		store:            store,
		client:           client,
		logger:           log.WithComponent("backup"),
		box:              box,
		enabled:          cfg.GetBool("backup", "enabled", true),
		backupDir:        cfg.BackupDir(),
		compressionLevel: cfg.GetInt("backup", "compression_level", 6),
		maxBackupSize:    cfg.GetInt64("backup", "max_backup_size", 1073741824),
		retentionDays:    cfg.GetInt("backup", "retention_days", 30),
	}
	if err := os.MkdirAll(m.backupDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	return m, nil
}

// Enabled reports whether backups are enabled in configuration.
func (m *Manager) Enabled() bool {
	return m.enabled
}

// Run sweeps expired backups hourly until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if !m.enabled {
		m.logger.Info().Msg("backup manager disabled in configuration")
		<-ctx.Done()
		return nil
	}
	m.logger.Info().Str("dir", m.backupDir).Msg("backup manager started")

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("backup manager stopped")
			return nil
		case <-ticker.C:
			m.cleanupExpired()
		}
	}
}

// Create archives, encrypts, and records a backup of the source paths,
// then queues it for upload. Returns the backup record.
func (m *Manager) Create(sourcePaths []string, backupType types.BackupType, description string) (*types.BackupRecord, error) {
	valid := make([]string, 0, len(sourcePaths))
	for _, p := range sourcePaths {
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		if _, err := os.Stat(abs); err != nil {
			m.logger.Warn().Str("path", p).Msg("source path does not exist")
			continue
		}
		valid = append(valid, abs)
	}
	if len(valid) == 0 {
		metrics.BackupsTotal.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("no valid source paths for backup")
	}

	backupID := newBackupID()
	m.logger.Info().Str("backup_id", backupID).Int("paths", len(valid)).Msg("creating backup")

	finalPath := filepath.Join(m.backupDir,
		fmt.Sprintf("%s_%s.tar.gz.enc", backupID, time.Now().UTC().Format("20060102_150405")))
	tempPath := finalPath + ".tmp"
	defer os.Remove(tempPath)

	if err := createArchive(tempPath, valid, m.compressionLevel, m.logger); err != nil {
		metrics.BackupsTotal.WithLabelValues("failure").Inc()
		return nil, err
	}

	info, err := os.Stat(tempPath)
	if err != nil {
		return nil, err
	}
	if info.Size() > m.maxBackupSize {
		metrics.BackupsTotal.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("backup too large: %d bytes (max: %d)", info.Size(), m.maxBackupSize)
	}

	if err := m.box.encryptFile(tempPath, finalPath); err != nil {
		metrics.BackupsTotal.WithLabelValues("failure").Inc()
		return nil, err
	}

	checksum, err := fileChecksum(finalPath)
	if err != nil {
		return nil, err
	}

	rec := &types.BackupRecord{
		BackupID:    backupID,
		BackupType:  backupType,
		SourcePaths: valid,
		BackupPath:  finalPath,
		SizeBytes:   info.Size(),
		Encrypted:   true,
		Checksum:    checksum,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	if _, err := m.store.InsertBackup(rec); err != nil {
		os.Remove(finalPath)
		return nil, err
	}

	payload, _ := json.Marshal(UploadRequest{BackupID: backupID})
	if _, err := m.store.Enqueue(types.QueueBackupUpload, payload, 4, 3); err != nil {
		m.logger.Error().Err(err).Msg("failed to queue backup upload")
	}

	details, _ := json.Marshal(map[string]interface{}{
		"backup_type": backupType, "size_bytes": info.Size(), "paths": valid,
	})
	if err := m.store.AppendAudit("backup_created", backupID, "backup", details); err != nil {
		m.logger.Warn().Err(err).Msg("failed to audit backup")
	}

	metrics.BackupsTotal.WithLabelValues("success").Inc()
	metrics.BackupBytes.Set(float64(info.Size()))
	m.logger.Info().Str("backup_id", backupID).Int64("size", info.Size()).Msg("backup created")
	return rec, nil
}

// Restore verifies, decrypts, and extracts a backup into restorePath
// (defaulting to ./restore). A checksum mismatch refuses the restore.
func (m *Manager) Restore(backupID, restorePath string) error {
	rec, err := m.store.GetBackup(backupID)
	if err != nil {
		return fmt.Errorf("backup not found: %s", backupID)
	}
	if _, err := os.Stat(rec.BackupPath); err != nil {
		return fmt.Errorf("backup file missing: %s", rec.BackupPath)
	}

	if rec.Checksum != "" {
		actual, err := fileChecksum(rec.BackupPath)
		if err != nil {
			return err
		}
		if actual != rec.Checksum {
			return fmt.Errorf("backup checksum verification failed for %s", backupID)
		}
	}

	if restorePath == "" {
		restorePath = "./restore"
	}
	if err := os.MkdirAll(restorePath, 0o755); err != nil {
		return err
	}

	tempPath := rec.BackupPath + ".tmp"
	defer os.Remove(tempPath)
	if err := m.box.decryptFile(rec.BackupPath, tempPath); err != nil {
		return err
	}
	if err := extractArchive(tempPath, restorePath); err != nil {
		return err
	}

	details, _ := json.Marshal(map[string]interface{}{
		"backup_path": rec.BackupPath, "restore_path": restorePath, "backup_type": rec.BackupType,
	})
	if err := m.store.AppendAudit("backup_restored", backupID, "backup", details); err != nil {
		m.logger.Warn().Err(err).Msg("failed to audit restore")
	}

	m.logger.Info().Str("backup_id", backupID).Str("restore_path", restorePath).Msg("backup restored")
	return nil
}

// Upload pushes the encrypted artifact to a signed URL and marks the
// record uploaded. The sync worker calls this when draining backup_upload
// queue items.
func (m *Manager) Upload(ctx context.Context, backupID, uploadURL string) error {
	rec, err := m.store.GetBackup(backupID)
	if err != nil {
		return fmt.Errorf("backup not found: %s", backupID)
	}
	// SizeBytes records the pre-encryption archive size; the artifact on
	// disk carries the nonce and auth tag on top, so size it directly.
	info, err := os.Stat(rec.BackupPath)
	if err != nil {
		return fmt.Errorf("backup file missing: %w", err)
	}
	f, err := os.Open(rec.BackupPath)
	if err != nil {
		return fmt.Errorf("backup file missing: %w", err)
	}
	defer f.Close()

	if err := m.client.SignedPut(ctx, uploadURL, f, info.Size()); err != nil {
		return err
	}
	if err := m.store.MarkBackupUploaded(backupID, uploadURL); err != nil {
		return err
	}
	m.logger.Info().Str("backup_id", backupID).Msg("backup uploaded")
	return nil
}

// List returns the most recent backup records.
func (m *Manager) List(limit int) ([]types.BackupRecord, error) {
	return m.store.ListBackups(limit)
}

// Delete removes a backup's file and record.
func (m *Manager) Delete(backupID string) error {
	rec, err := m.store.GetBackup(backupID)
	if err != nil {
		return err
	}
	if err := os.Remove(rec.BackupPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := m.store.DeleteBackup(backupID); err != nil {
		return err
	}
	m.logger.Info().Str("backup_id", backupID).Msg("backup deleted")
	return nil
}

// cleanupExpired deletes backups past retention, but only once they have
// been uploaded so local expiry never loses the only copy.
func (m *Manager) cleanupExpired() {
	cutoff := time.Now().UTC().AddDate(0, 0, -m.retentionDays)
	expired, err := m.store.BackupsOlderThan(cutoff)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to list expired backups")
		return
	}

	removed := 0
	for _, rec := range expired {
		if !rec.Uploaded {
			continue
		}
		if err := m.Delete(rec.BackupID); err != nil {
			m.logger.Error().Err(err).Str("backup_id", rec.BackupID).Msg("failed to expire backup")
			continue
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info().Int("count", removed).Msg("expired old backups")
	}
}

func newBackupID() string {
	buf := make([]byte, 4)
	rand.Read(buf)
	return fmt.Sprintf("backup_%d_%s", time.Now().Unix(), hex.EncodeToString(buf))
}
