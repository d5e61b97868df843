package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/protekt/agent/pkg/config"
	"github.com/protekt/agent/pkg/log"
	"github.com/protekt/agent/pkg/storage"
	"github.com/protekt/agent/pkg/types"
)

const (
	retentionDays  = 90
	rollbackPrefix = "rollback_"
)

var categories = map[string]struct{}{
	"system":   {},
	"security": {},
	"backup":   {},
	"command":  {},
	"alert":    {},
	"file":     {},
	"process":  {},
	"network":  {},
}

// rollbackActions are the actions critical enough to snapshot device
// state before they take effect.
var rollbackActions = map[string]struct{}{
	"config_change":  {},
	"backup_restore": {},
	"file_isolated":  {},
}

// DeviceState is the resource snapshot embedded in a rollback point.
type DeviceState struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	Processes     int       `json:"processes"`
}

// FileSnapshot records a copy of the affected file taken before the
// action, so a later rollback can restore it.
type FileSnapshot struct {
	SourcePath string `json:"source_path"`
	BackupPath string `json:"backup_path"`
	SizeBytes  int64  `json:"size_bytes"`
	Checksum   string `json:"checksum"`
}

// RollbackPoint is one persisted pre-action snapshot.
type RollbackPoint struct {
	RollbackID   string          `json:"rollback_id"`
	Action       string          `json:"action"`
	Resource     string          `json:"resource"`
	Details      json.RawMessage `json:"details,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	DeviceState  DeviceState     `json:"device_state"`
	FileSnapshot *FileSnapshot   `json:"file_snapshot,omitempty"`
}

// Logger writes categorized audit rows and, for critical actions,
// rollback points under <data_dir>/rollbacks. Every row is mirrored to
// <data_dir>/logs/audit.log.
type Logger struct {
	store       storage.Store
	logger      zerolog.Logger
	fileLog     zerolog.Logger
	rollbackDir string
}

// NewLogger creates an audit logger writing rollback points into the
// configured rollback directory.
func NewLogger(store storage.Store, cfg *config.Config) (*Logger, error) {
	l := &Logger{
		store:       store,
		logger:      log.WithComponent("audit"),
		rollbackDir: cfg.RollbackDir(),
	}
	if err := os.MkdirAll(l.rollbackDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create rollback directory: %w", err)
	}
	fileLog, err := log.FileLogger(cfg.LogDir(), "audit")
	if err != nil {
		l.logger.Warn().Err(err).Msg("audit log file unavailable")
	}
	l.fileLog = fileLog
	return l, nil
}

// Log appends one audit row. Unknown categories fall back to system.
// Critical actions also capture a rollback point; failures there are
// logged, never propagated.
func (l *Logger) Log(action, resource, category string, details interface{}) {
	if _, ok := categories[category]; !ok {
		category = "system"
	}

	var raw json.RawMessage
	if details != nil {
		var err error
		if raw, err = json.Marshal(details); err != nil {
			l.logger.Error().Err(err).Str("action", action).Msg("failed to encode audit details")
			raw = nil
		}
	}

	if err := l.store.AppendAudit(action, resource, category, raw); err != nil {
		l.logger.Error().Err(err).Str("action", action).Msg("failed to append audit row")
	}

	entry := l.fileLog.Info().Str("resource", resource).Str("category", category)
	if raw != nil {
		entry = entry.RawJSON("details", raw)
	}
	entry.Msg(action)

	if _, ok := rollbackActions[action]; ok {
		if err := l.createRollbackPoint(action, resource, raw); err != nil {
			l.logger.Error().Err(err).Str("action", action).Msg("failed to create rollback point")
		}
	}
}

// Recent returns the newest audit rows.
func (l *Logger) Recent(limit int) ([]types.AuditEntry, error) {
	return l.store.RecentAudit(limit)
}

func (l *Logger) createRollbackPoint(action, resource string, details json.RawMessage) error {
	now := time.Now().UTC()
	point := RollbackPoint{
		RollbackID:  fmt.Sprintf("%s%d", rollbackPrefix, now.UnixNano()),
		Action:      action,
		Resource:    resource,
		Details:     details,
		Timestamp:   now,
		DeviceState: captureDeviceState(),
	}

	if snap, err := l.snapshotFile(resource, now); err != nil {
		l.logger.Warn().Err(err).Str("resource", resource).Msg("file snapshot skipped")
	} else {
		point.FileSnapshot = snap
	}

	data, err := json.MarshalIndent(point, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(l.rollbackDir, point.RollbackID+".json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}

	l.logger.Info().Str("rollback_id", point.RollbackID).Str("action", action).Msg("rollback point created")
	return nil
}

// snapshotFile copies resource into the rollback directory when it names
// an existing regular file. A nil snapshot with nil error means the
// resource is not a file.
func (l *Logger) snapshotFile(resource string, now time.Time) (*FileSnapshot, error) {
	if resource == "" {
		return nil, nil
	}
	info, err := os.Stat(resource)
	if err != nil || info.IsDir() {
		return nil, nil
	}

	dest := filepath.Join(l.rollbackDir,
		fmt.Sprintf("file_%d_%s", now.UnixNano(), filepath.Base(resource)))

	src, err := os.Open(resource)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}
	defer out.Close()

	hash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, hash), src); err != nil {
		os.Remove(dest)
		return nil, err
	}

	return &FileSnapshot{
		SourcePath: resource,
		BackupPath: dest,
		SizeBytes:  info.Size(),
		Checksum:   hex.EncodeToString(hash.Sum(nil)),
	}, nil
}

func captureDeviceState() DeviceState {
	state := DeviceState{Timestamp: time.Now().UTC()}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		state.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		state.MemoryPercent = vm.UsedPercent
	}
	if pids, err := process.Pids(); err == nil {
		state.Processes = len(pids)
	}
	return state
}

// RollbackPoints returns persisted rollback points, newest first.
func (l *Logger) RollbackPoints(limit int) ([]RollbackPoint, error) {
	entries, err := os.ReadDir(l.rollbackDir)
	if err != nil {
		return nil, err
	}

	points := make([]RollbackPoint, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, rollbackPrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(l.rollbackDir, name))
		if err != nil {
			continue
		}
		var point RollbackPoint
		if err := json.Unmarshal(data, &point); err != nil {
			l.logger.Warn().Str("file", name).Msg("unreadable rollback point")
			continue
		}
		points = append(points, point)
	}

	sort.Slice(points, func(i, j int) bool {
		return points[i].Timestamp.After(points[j].Timestamp)
	})
	if limit > 0 && len(points) > limit {
		points = points[:limit]
	}
	return points, nil
}

// Prune deletes audit rows and rollback points past the 90-day retention
// window. Returns the number of audit rows removed.
func (l *Logger) Prune() (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	removed, err := l.store.PruneAudit(cutoff)
	if err != nil {
		return 0, err
	}

	entries, readErr := os.ReadDir(l.rollbackDir)
	if readErr != nil {
		return removed, readErr
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, rollbackPrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, rollbackPrefix), ".json")
		nanos, err := strconv.ParseInt(stamp, 10, 64)
		if err != nil {
			continue
		}
		if time.Unix(0, nanos).Before(cutoff) {
			os.Remove(filepath.Join(l.rollbackDir, name))
		}
	}

	if removed > 0 {
		l.logger.Info().Int64("rows", removed).Msg("pruned audit history")
	}
	return removed, nil
}
