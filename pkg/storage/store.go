package storage

import (
	"encoding/json"
	"time"

	"github.com/protekt/agent/pkg/types"
)

// Store is the persistence interface shared by every agent subsystem.
// Subsystems never talk to each other directly; they write rows here and
// other subsystems pick them up on their own cadence.
type Store interface {
	// Registration
	GetRegistration() (*types.Registration, error)
	SaveRegistration(reg *types.Registration) error
	UpdateHeartbeat(deviceID string, at time.Time) error
	SetRegistrationStatus(deviceID string, status types.RegistrationStatus) error

	// Offline queue
	Enqueue(queueType types.QueueType, payload json.RawMessage, priority, maxRetries int) (int64, error)
	PendingQueueItems(queueType types.QueueType, limit int) ([]types.QueueItem, error)
	MarkQueueItem(id int64, status types.QueueStatus) error
	RetryFailed() (int64, error)
	PruneQueue(olderThan time.Time) (int64, error)
	QueueCounts() (statusCounts map[string]int, pendingByType map[string]int, err error)

	// Telemetry cache
	InsertTelemetry(sample *types.TelemetrySample) (int64, error)
	RecentTelemetry(limit int) ([]types.TelemetrySample, error)
	TelemetryCount() (int64, error)

	// Security events
	InsertSecurityEvent(event *types.SecurityEvent) (int64, error)
	UnresolvedEvents(limit int) ([]types.SecurityEvent, error)
	ResolveEvent(id int64) error
	EventCountSince(eventType string, since time.Time) (int64, error)

	// Backups
	InsertBackup(rec *types.BackupRecord) (int64, error)
	GetBackup(backupID string) (*types.BackupRecord, error)
	ListBackups(limit int) ([]types.BackupRecord, error)
	DeleteBackup(backupID string) error
	MarkBackupUploaded(backupID, uploadURL string) error
	BackupsOlderThan(cutoff time.Time) ([]types.BackupRecord, error)

	// Commands
	InsertCommandIfNew(cmd *types.CommandRecord) (bool, error)
	SetCommandStatus(commandID string, status types.CommandStatus, result json.RawMessage, completedAt *time.Time) error
	RecentCommands(limit int) ([]types.CommandRecord, error)

	// Audit log
	AppendAudit(action, resource, category string, details json.RawMessage) error
	PruneAudit(olderThan time.Time) (int64, error)
	RecentAudit(limit int) ([]types.AuditEntry, error)

	Close() error
}
