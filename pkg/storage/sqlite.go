package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/protekt/agent/pkg/types"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// jsonOrNull normalizes a raw JSON value for storage. Empty values are
// written as the JSON null literal; database/sql cannot scan SQL NULL
// into json.RawMessage, so the columns must never hold one.
func jsonOrNull(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return []byte(raw)
}

const schema = `
CREATE TABLE IF NOT EXISTS registration (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id TEXT UNIQUE NOT NULL,
	org_id TEXT NOT NULL DEFAULT '',
	api_key TEXT NOT NULL DEFAULT '',
	registered_at TIMESTAMP,
	last_heartbeat TIMESTAMP,
	status TEXT NOT NULL DEFAULT 'active'
);

CREATE TABLE IF NOT EXISTS offline_queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	queue_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	status TEXT NOT NULL DEFAULT 'pending'
);
CREATE INDEX IF NOT EXISTS idx_queue_drain
	ON offline_queue(queue_type, status, priority DESC, created_at);

CREATE TABLE IF NOT EXISTS telemetry (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TIMESTAMP NOT NULL,
	cpu_percent REAL NOT NULL,
	memory_percent REAL NOT NULL,
	disk_percent REAL NOT NULL,
	network_io TEXT,
	processes_count INTEGER NOT NULL DEFAULT 0,
	uptime_seconds INTEGER NOT NULL DEFAULT 0,
	ip_address TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_telemetry_time ON telemetry(timestamp);

CREATE TABLE IF NOT EXISTS security_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	severity TEXT NOT NULL,
	description TEXT NOT NULL,
	file_path TEXT NOT NULL DEFAULT '',
	process_name TEXT NOT NULL DEFAULT '',
	details TEXT,
	timestamp TIMESTAMP NOT NULL,
	resolved INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_events_unresolved ON security_events(resolved, timestamp);

CREATE TABLE IF NOT EXISTS backups (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	backup_id TEXT UNIQUE NOT NULL,
	backup_type TEXT NOT NULL,
	source_paths TEXT NOT NULL,
	backup_path TEXT NOT NULL,
	size_bytes INTEGER NOT NULL DEFAULT 0,
	encrypted INTEGER NOT NULL DEFAULT 1,
	checksum TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	uploaded INTEGER NOT NULL DEFAULT 0,
	upload_url TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS commands (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	command_id TEXT UNIQUE NOT NULL,
	command_type TEXT NOT NULL,
	parameters TEXT,
	status TEXT NOT NULL DEFAULT 'received',
	result TEXT,
	created_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	action TEXT NOT NULL,
	resource TEXT NOT NULL DEFAULT '',
	details TEXT,
	timestamp TIMESTAMP NOT NULL,
	category TEXT NOT NULL DEFAULT 'general'
);
CREATE INDEX IF NOT EXISTS idx_audit_time ON audit_log(timestamp);
`

// SQLiteStore implements Store on an embedded SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) the agent database at path and applies
// the schema. WAL mode keeps concurrent subsystem writes from blocking
// reads.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// modernc's driver serializes access per connection; a single connection
	// avoids SQLITE_BUSY between subsystems.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Registration ---

func (s *SQLiteStore) GetRegistration() (*types.Registration, error) {
	var reg types.Registration
	err := s.db.Get(&reg, `SELECT * FROM registration ORDER BY id LIMIT 1`)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get registration: %w", err)
	}
	return &reg, nil
}

func (s *SQLiteStore) SaveRegistration(reg *types.Registration) error {
	_, err := s.db.Exec(`
		INSERT INTO registration (device_id, org_id, api_key, registered_at, last_heartbeat, status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			org_id = excluded.org_id,
			api_key = excluded.api_key,
			registered_at = excluded.registered_at,
			status = excluded.status`,
		reg.DeviceID, reg.OrgID, reg.APIKey, reg.RegisteredAt, reg.LastHeartbeat, reg.Status)
	if err != nil {
		return fmt.Errorf("failed to save registration: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateHeartbeat(deviceID string, at time.Time) error {
	res, err := s.db.Exec(`UPDATE registration SET last_heartbeat = ?, status = ? WHERE device_id = ?`,
		at, types.RegistrationActive, deviceID)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) SetRegistrationStatus(deviceID string, status types.RegistrationStatus) error {
	res, err := s.db.Exec(`UPDATE registration SET status = ? WHERE device_id = ?`, status, deviceID)
	if err != nil {
		return fmt.Errorf("failed to set registration status: %w", err)
	}
	return requireRow(res)
}

// --- Offline queue ---

func (s *SQLiteStore) Enqueue(queueType types.QueueType, payload json.RawMessage, priority, maxRetries int) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO offline_queue (queue_type, payload, priority, created_at, max_retries, status)
		VALUES (?, ?, ?, ?, ?, ?)`,
		queueType, []byte(payload), priority, time.Now().UTC(), maxRetries, types.QueuePending)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue %s item: %w", queueType, err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) PendingQueueItems(queueType types.QueueType, limit int) ([]types.QueueItem, error) {
	var items []types.QueueItem
	err := s.db.Select(&items, `
		SELECT * FROM offline_queue
		WHERE queue_type = ? AND status = ?
		ORDER BY priority DESC, created_at ASC
		LIMIT ?`, queueType, types.QueuePending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending queue items: %w", err)
	}
	return items, nil
}

// MarkQueueItem sets a queue item's status. Marking an item failed also
// increments its retry count; whether it goes back to pending is decided
// by the RetryFailed sweep.
func (s *SQLiteStore) MarkQueueItem(id int64, status types.QueueStatus) error {
	var err error
	if status == types.QueueFailed {
		_, err = s.db.Exec(`
			UPDATE offline_queue
			SET status = ?, retry_count = retry_count + 1
			WHERE id = ?`, types.QueueFailed, id)
	} else {
		_, err = s.db.Exec(`UPDATE offline_queue SET status = ? WHERE id = ?`, status, id)
	}
	if err != nil {
		return fmt.Errorf("failed to mark queue item %d: %w", id, err)
	}
	return nil
}

// RetryFailed requeues failed items that still have retries left.
// Exhausted items stay failed until PruneQueue ages them out.
func (s *SQLiteStore) RetryFailed() (int64, error) {
	res, err := s.db.Exec(`
		UPDATE offline_queue SET status = ?, retry_count = 0
		WHERE status = ? AND retry_count < max_retries`,
		types.QueuePending, types.QueueFailed)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed queue items: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) PruneQueue(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(`
		DELETE FROM offline_queue WHERE status IN (?, ?) AND created_at < ?`,
		types.QueueCompleted, types.QueueFailed, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to prune queue: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) QueueCounts() (map[string]int, map[string]int, error) {
	type row struct {
		Key   string `db:"key"`
		Count int    `db:"count"`
	}

	var byStatus []row
	if err := s.db.Select(&byStatus,
		`SELECT status AS key, COUNT(*) AS count FROM offline_queue GROUP BY status`); err != nil {
		return nil, nil, fmt.Errorf("failed to count queue statuses: %w", err)
	}

	var byType []row
	if err := s.db.Select(&byType, `
		SELECT queue_type AS key, COUNT(*) AS count FROM offline_queue
		WHERE status = ? GROUP BY queue_type`, types.QueuePending); err != nil {
		return nil, nil, fmt.Errorf("failed to count pending queue types: %w", err)
	}

	statusCounts := make(map[string]int, len(byStatus))
	for _, r := range byStatus {
		statusCounts[r.Key] = r.Count
	}
	pendingByType := make(map[string]int, len(byType))
	for _, r := range byType {
		pendingByType[r.Key] = r.Count
	}
	return statusCounts, pendingByType, nil
}

// --- Telemetry ---

func (s *SQLiteStore) InsertTelemetry(sample *types.TelemetrySample) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO telemetry (timestamp, cpu_percent, memory_percent, disk_percent,
			network_io, processes_count, uptime_seconds, ip_address)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sample.Timestamp, sample.CPUPercent, sample.MemoryPercent, sample.DiskPercent,
		jsonOrNull(sample.NetworkIO), sample.ProcessesCount, sample.UptimeSeconds, sample.IPAddress)
	if err != nil {
		return 0, fmt.Errorf("failed to insert telemetry sample: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) RecentTelemetry(limit int) ([]types.TelemetrySample, error) {
	var samples []types.TelemetrySample
	err := s.db.Select(&samples,
		`SELECT * FROM telemetry ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list telemetry: %w", err)
	}
	return samples, nil
}

func (s *SQLiteStore) TelemetryCount() (int64, error) {
	var n int64
	if err := s.db.Get(&n, `SELECT COUNT(*) FROM telemetry`); err != nil {
		return 0, fmt.Errorf("failed to count telemetry: %w", err)
	}
	return n, nil
}

// --- Security events ---

func (s *SQLiteStore) InsertSecurityEvent(event *types.SecurityEvent) (int64, error) {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	res, err := s.db.Exec(`
		INSERT INTO security_events (event_type, severity, description, file_path,
			process_name, details, timestamp, resolved)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.EventType, event.Severity, event.Description, event.FilePath,
		event.ProcessName, jsonOrNull(event.Details), ts, event.Resolved)
	if err != nil {
		return 0, fmt.Errorf("failed to insert security event: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) UnresolvedEvents(limit int) ([]types.SecurityEvent, error) {
	var events []types.SecurityEvent
	err := s.db.Select(&events, `
		SELECT * FROM security_events WHERE resolved = 0
		ORDER BY timestamp ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unresolved events: %w", err)
	}
	return events, nil
}

func (s *SQLiteStore) ResolveEvent(id int64) error {
	_, err := s.db.Exec(`UPDATE security_events SET resolved = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to resolve event %d: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) EventCountSince(eventType string, since time.Time) (int64, error) {
	var n int64
	err := s.db.Get(&n, `
		SELECT COUNT(*) FROM security_events WHERE event_type = ? AND timestamp >= ?`,
		eventType, since)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// --- Backups ---

func (s *SQLiteStore) InsertBackup(rec *types.BackupRecord) (int64, error) {
	paths, err := json.Marshal(rec.SourcePaths)
	if err != nil {
		return 0, fmt.Errorf("failed to encode source paths: %w", err)
	}
	res, err := s.db.Exec(`
		INSERT INTO backups (backup_id, backup_type, source_paths, backup_path,
			size_bytes, encrypted, checksum, description, created_at, uploaded, upload_url)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.BackupID, rec.BackupType, string(paths), rec.BackupPath,
		rec.SizeBytes, rec.Encrypted, rec.Checksum, rec.Description,
		rec.CreatedAt, rec.Uploaded, rec.UploadURL)
	if err != nil {
		return 0, fmt.Errorf("failed to insert backup record: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) GetBackup(backupID string) (*types.BackupRecord, error) {
	var rec types.BackupRecord
	err := s.db.Get(&rec, `SELECT * FROM backups WHERE backup_id = ?`, backupID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get backup %s: %w", backupID, err)
	}
	decodeSourcePaths(&rec)
	return &rec, nil
}

func (s *SQLiteStore) ListBackups(limit int) ([]types.BackupRecord, error) {
	var recs []types.BackupRecord
	err := s.db.Select(&recs, `SELECT * FROM backups ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	for i := range recs {
		decodeSourcePaths(&recs[i])
	}
	return recs, nil
}

func (s *SQLiteStore) DeleteBackup(backupID string) error {
	res, err := s.db.Exec(`DELETE FROM backups WHERE backup_id = ?`, backupID)
	if err != nil {
		return fmt.Errorf("failed to delete backup %s: %w", backupID, err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) MarkBackupUploaded(backupID, uploadURL string) error {
	res, err := s.db.Exec(`UPDATE backups SET uploaded = 1, upload_url = ? WHERE backup_id = ?`,
		uploadURL, backupID)
	if err != nil {
		return fmt.Errorf("failed to mark backup uploaded: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) BackupsOlderThan(cutoff time.Time) ([]types.BackupRecord, error) {
	var recs []types.BackupRecord
	err := s.db.Select(&recs, `SELECT * FROM backups WHERE created_at < ? ORDER BY created_at ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired backups: %w", err)
	}
	for i := range recs {
		decodeSourcePaths(&recs[i])
	}
	return recs, nil
}

func decodeSourcePaths(rec *types.BackupRecord) {
	if rec.SourcePathsRaw != "" {
		_ = json.Unmarshal([]byte(rec.SourcePathsRaw), &rec.SourcePaths)
	}
}

// --- Commands ---

// InsertCommandIfNew records a polled command, returning false when the
// command_id has been seen before. This is the dedup point that makes
// re-polled commands execute at most once.
func (s *SQLiteStore) InsertCommandIfNew(cmd *types.CommandRecord) (bool, error) {
	ts := cmd.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO commands (command_id, command_type, parameters, status, result, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		cmd.CommandID, cmd.CommandType, jsonOrNull(cmd.Parameters), types.CommandReceived,
		jsonOrNull(nil), ts)
	if err != nil {
		return false, fmt.Errorf("failed to insert command %s: %w", cmd.CommandID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) SetCommandStatus(commandID string, status types.CommandStatus, result json.RawMessage, completedAt *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE commands SET status = ?, result = ?, completed_at = ? WHERE command_id = ?`,
		status, jsonOrNull(result), completedAt, commandID)
	if err != nil {
		return fmt.Errorf("failed to update command %s: %w", commandID, err)
	}
	return nil
}

func (s *SQLiteStore) RecentCommands(limit int) ([]types.CommandRecord, error) {
	var cmds []types.CommandRecord
	err := s.db.Select(&cmds, `SELECT * FROM commands ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list commands: %w", err)
	}
	return cmds, nil
}

// --- Audit log ---

func (s *SQLiteStore) AppendAudit(action, resource, category string, details json.RawMessage) error {
	if category == "" {
		category = "general"
	}
	_, err := s.db.Exec(`
		INSERT INTO audit_log (action, resource, details, timestamp, category)
		VALUES (?, ?, ?, ?, ?)`,
		action, resource, jsonOrNull(details), time.Now().UTC(), category)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PruneAudit(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM audit_log WHERE timestamp < ?`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit log: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) RecentAudit(limit int) ([]types.AuditEntry, error) {
	var entries []types.AuditEntry
	err := s.db.Select(&entries, `SELECT * FROM audit_log ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
