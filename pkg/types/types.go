package types

import (
	"encoding/json"
	"time"
)

// Registration is the single logical row describing this device's
// relationship with the SaaS backend. Created on first start and mutated
// only by the registration and heartbeat paths.
type Registration struct {
	ID            int64              `db:"id" json:"id"`
	DeviceID      string             `db:"device_id" json:"device_id"`
	OrgID         string             `db:"org_id" json:"org_id"`
	APIKey        string             `db:"api_key" json:"api_key"`
	RegisteredAt  *time.Time         `db:"registered_at" json:"registered_at,omitempty"`
	LastHeartbeat *time.Time         `db:"last_heartbeat" json:"last_heartbeat,omitempty"`
	Status        RegistrationStatus `db:"status" json:"status"`
}

// RegistrationStatus is the registration state of the device.
type RegistrationStatus string

const (
	RegistrationActive  RegistrationStatus = "active"
	RegistrationOffline RegistrationStatus = "offline"
)

// QueueType identifies which backend endpoint a queued item drains to.
type QueueType string

const (
	QueueTelemetry     QueueType = "telemetry"
	QueueSecurityEvent QueueType = "security_event"
	QueueCommandResult QueueType = "command_result"
	QueueBackupUpload  QueueType = "backup_upload"
)

// QueueStatus is the lifecycle state of a queue item.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
)

// QueueItem is one durable outbound fact awaiting delivery to the backend.
// Higher priority drains first; within a priority, oldest first.
type QueueItem struct {
	ID         int64           `db:"id" json:"id"`
	QueueType  QueueType       `db:"queue_type" json:"queue_type"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	Priority   int             `db:"priority" json:"priority"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
	RetryCount int             `db:"retry_count" json:"retry_count"`
	MaxRetries int             `db:"max_retries" json:"max_retries"`
	Status     QueueStatus     `db:"status" json:"status"`
}

// TelemetrySample is one cached observation of the host. DiskPercent is the
// maximum usage across partitions.
type TelemetrySample struct {
	ID             int64           `db:"id" json:"id"`
	Timestamp      time.Time       `db:"timestamp" json:"timestamp"`
	CPUPercent     float64         `db:"cpu_percent" json:"cpu_percent"`
	MemoryPercent  float64         `db:"memory_percent" json:"memory_percent"`
	DiskPercent    float64         `db:"disk_percent" json:"disk_percent"`
	NetworkIO      json.RawMessage `db:"network_io" json:"network_io,omitempty"`
	ProcessesCount int             `db:"processes_count" json:"processes_count"`
	UptimeSeconds  int64           `db:"uptime_seconds" json:"uptime_seconds"`
	IPAddress      string          `db:"ip_address" json:"ip_address"`
}

// Severity ranks security events.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Well-known security event types. Subsystems only write types from this
// set; the alert dispatcher keys its templates off them.
const (
	EventRansomwareDetection = "ransomware_detection"
	EventSuspiciousProcess   = "suspicious_process"
	EventHighResourceUsage   = "high_resource_usage"
	EventThresholdViolation  = "threshold_violation"
	EventAnomalyDetected     = "anomaly_detected"
	EventHeuristicAnomaly    = "heuristic_anomaly"
	EventFileIsolated        = "file_isolated"
	EventFileChange          = "file_change"
)

// SecurityEvent is a locally detected security observation. The alert
// dispatcher flips Resolved after emitting so an event alerts at most once.
type SecurityEvent struct {
	ID          int64           `db:"id" json:"id"`
	EventType   string          `db:"event_type" json:"event_type"`
	Severity    Severity        `db:"severity" json:"severity"`
	Description string          `db:"description" json:"description"`
	FilePath    string          `db:"file_path" json:"file_path,omitempty"`
	ProcessName string          `db:"process_name" json:"process_name,omitempty"`
	Details     json.RawMessage `db:"details" json:"details,omitempty"`
	Timestamp   time.Time       `db:"timestamp" json:"timestamp"`
	Resolved    bool            `db:"resolved" json:"resolved"`
}

// BackupType records what initiated a backup.
type BackupType string

const (
	BackupManual    BackupType = "manual"
	BackupScheduled BackupType = "scheduled"
	BackupCommand   BackupType = "command"
)

// BackupRecord describes one encrypted backup artifact on disk. Checksum is
// the SHA-256 of the ciphertext; SourcePaths is stored JSON-encoded.
type BackupRecord struct {
	ID             int64      `db:"id" json:"id"`
	BackupID       string     `db:"backup_id" json:"backup_id"`
	BackupType     BackupType `db:"backup_type" json:"backup_type"`
	SourcePathsRaw string     `db:"source_paths" json:"-"`
	SourcePaths    []string   `db:"-" json:"source_paths"`
	BackupPath     string     `db:"backup_path" json:"backup_path"`
	SizeBytes      int64      `db:"size_bytes" json:"size_bytes"`
	Encrypted      bool       `db:"encrypted" json:"encrypted"`
	Checksum       string     `db:"checksum" json:"checksum"`
	Description    string     `db:"description" json:"description,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	Uploaded       bool       `db:"uploaded" json:"uploaded"`
	UploadURL      string     `db:"upload_url" json:"upload_url,omitempty"`
}

// CommandStatus is the lifecycle state of a remotely issued command.
type CommandStatus string

const (
	CommandReceived  CommandStatus = "received"
	CommandExecuting CommandStatus = "executing"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
)

// CommandRecord is the local record of one backend-issued command.
// CommandID is server-assigned and unique, which is what makes a re-polled
// command execute at most once.
type CommandRecord struct {
	ID          int64           `db:"id" json:"id"`
	CommandID   string          `db:"command_id" json:"command_id"`
	CommandType string          `db:"command_type" json:"command_type"`
	Parameters  json.RawMessage `db:"parameters" json:"parameters,omitempty"`
	Status      CommandStatus   `db:"status" json:"status"`
	Result      json.RawMessage `db:"result" json:"result,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	CompletedAt *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
}

// AuditEntry is one append-only audit row.
type AuditEntry struct {
	ID        int64           `db:"id" json:"id"`
	Action    string          `db:"action" json:"action"`
	Resource  string          `db:"resource" json:"resource,omitempty"`
	Details   json.RawMessage `db:"details" json:"details,omitempty"`
	Timestamp time.Time       `db:"timestamp" json:"timestamp"`
	Category  string          `db:"category" json:"category"`
}

// QueueStatusSummary is a point-in-time snapshot of the offline queue.
type QueueStatusSummary struct {
	TotalItems     int            `json:"total_items"`
	StatusCounts   map[string]int `json:"status_counts"`
	PendingByType  map[string]int `json:"pending_by_type"`
	LastSync       *time.Time     `json:"last_sync,omitempty"`
	SyncInProgress bool           `json:"sync_in_progress"`
	FailedSyncs    int            `json:"failed_syncs"`
}
