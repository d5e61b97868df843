package command

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/protekt/agent/pkg/metrics"
	"github.com/protekt/agent/pkg/types"
)

func (p *Processor) handleBackup(_ context.Context, params json.RawMessage) (Result, error) {
	var req struct {
		SourcePaths []string `json:"source_paths"`
		BackupType  string   `json:"backup_type"`
		Description string   `json:"description"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("invalid backup parameters: %w", err)
	}
	if len(req.SourcePaths) == 0 {
		return nil, fmt.Errorf("no source paths specified for backup")
	}
	backupType := types.BackupCommand
	if req.BackupType != "" {
		backupType = types.BackupType(req.BackupType)
	}
	description := req.Description
	if description == "" {
		description = "Command-triggered backup"
	}

	rec, err := p.backups.Create(req.SourcePaths, backupType, description)
	if err != nil {
		return nil, err
	}
	return Result{
		"success":   true,
		"backup_id": rec.BackupID,
		"message":   fmt.Sprintf("Backup created successfully: %s", rec.BackupID),
	}, nil
}

func (p *Processor) handleRestore(_ context.Context, params json.RawMessage) (Result, error) {
	var req struct {
		BackupID    string `json:"backup_id"`
		RestorePath string `json:"restore_path"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("invalid restore parameters: %w", err)
	}
	if req.BackupID == "" {
		return nil, fmt.Errorf("no backup ID specified for restore")
	}

	p.auditor.Log("backup_restore", req.BackupID, "backup",
		map[string]string{"restore_path": req.RestorePath})

	if err := p.backups.Restore(req.BackupID, req.RestorePath); err != nil {
		return nil, err
	}
	return Result{
		"success": true,
		"message": fmt.Sprintf("Backup restored successfully: %s", req.BackupID),
	}, nil
}

func (p *Processor) handleScan(_ context.Context, params json.RawMessage) (Result, error) {
	var req struct {
		ScanType    string   `json:"scan_type"`
		TargetPaths []string `json:"target_paths"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("invalid scan parameters: %w", err)
		}
	}
	if req.ScanType == "" {
		req.ScanType = "full"
	}

	var results map[string]interface{}
	switch req.ScanType {
	case "full":
		results = p.fullScan()
	case "targeted":
		results = targetedScan(req.TargetPaths)
	default:
		return nil, fmt.Errorf("unknown scan type: %s", req.ScanType)
	}

	return Result{
		"success":   true,
		"scan_type": req.ScanType,
		"results":   results,
		"message":   fmt.Sprintf("Scan completed: %s", req.ScanType),
	}, nil
}

// fullScan summarizes the last hour of locally detected threats.
func (p *Processor) fullScan() map[string]interface{} {
	var suspicious []map[string]interface{}
	threats := 0

	events, err := p.store.UnresolvedEvents(1000)
	if err == nil {
		cutoff := time.Now().UTC().Add(-time.Hour)
		for _, e := range events {
			if e.Timestamp.Before(cutoff) {
				continue
			}
			threats++
			if e.FilePath != "" {
				suspicious = append(suspicious, map[string]interface{}{
					"event_type": e.EventType,
					"severity":   e.Severity,
					"file_path":  e.FilePath,
				})
			}
		}
	}
	return map[string]interface{}{
		"files_scanned":    0,
		"threats_found":    threats,
		"suspicious_files": suspicious,
		"scan_duration":    0,
	}
}

func targetedScan(targetPaths []string) map[string]interface{} {
	filesScanned := 0
	for _, p := range targetPaths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if !info.IsDir() {
			filesScanned++
			continue
		}
		filepath.WalkDir(p, func(_ string, d fs.DirEntry, err error) error {
			if err == nil && !d.IsDir() {
				filesScanned++
			}
			return nil
		})
	}
	return map[string]interface{}{
		"paths_scanned":    targetPaths,
		"files_scanned":    filesScanned,
		"threats_found":    0,
		"suspicious_files": []string{},
	}
}

func (p *Processor) handleIsolate(_ context.Context, params json.RawMessage) (Result, error) {
	var req struct {
		FilePaths []string `json:"file_paths"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("invalid isolate parameters: %w", err)
	}

	quarantineDir := p.cfg.QuarantineDir()
	if err := os.MkdirAll(quarantineDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create quarantine directory: %w", err)
	}

	var isolated []string
	for _, path := range req.FilePaths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		dest := filepath.Join(quarantineDir, filepath.Base(path))
		if err := os.Rename(path, dest); err != nil {
			p.logger.Error().Err(err).Str("path", path).Msg("failed to isolate file")
			continue
		}
		isolated = append(isolated, dest)

		details, _ := json.Marshal(map[string]string{"quarantine_path": dest})
		_, err := p.store.InsertSecurityEvent(&types.SecurityEvent{
			EventType:   types.EventFileIsolated,
			Severity:    types.SeverityHigh,
			Description: fmt.Sprintf("File isolated: %s", path),
			FilePath:    path,
			Details:     details,
		})
		if err != nil {
			p.logger.Error().Err(err).Msg("failed to record isolation event")
			continue
		}
		metrics.SecurityEventsTotal.WithLabelValues(types.EventFileIsolated, string(types.SeverityHigh)).Inc()
		p.auditor.Log("file_isolated", dest, "file", map[string]string{"original_path": path})
	}

	return Result{
		"success":        true,
		"isolated_files": isolated,
		"message":        fmt.Sprintf("Isolated %d files", len(isolated)),
	}, nil
}

func (p *Processor) handleUpdateConfig(_ context.Context, params json.RawMessage) (Result, error) {
	var req struct {
		Config map[string]map[string]interface{} `json:"config"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("invalid config parameters: %w", err)
	}

	var updated []string
	previous := map[string]string{}
	for section, settings := range req.Config {
		for key, value := range settings {
			previous[section+"."+key] = p.cfg.Get(section, key, "")
			if err := p.cfg.Set(section, key, fmt.Sprintf("%v", value)); err != nil {
				return nil, fmt.Errorf("failed to update %s.%s: %w", section, key, err)
			}
			updated = append(updated, section+"."+key)
		}
	}
	if len(updated) > 0 {
		p.auditor.Log("config_change", strings.Join(updated, ","), "system",
			map[string]interface{}{"previous": previous})
	}

	return Result{
		"success":          true,
		"updated_settings": updated,
		"message":          fmt.Sprintf("Updated %d configuration settings", len(updated)),
	}, nil
}

func (p *Processor) handleShutdown(_ context.Context, params json.RawMessage) (Result, error) {
	delay := parseDelay(params)
	schedulePowerCommand(false, delay)
	return Result{
		"success": true,
		"message": fmt.Sprintf("System will shutdown in %d seconds", delay),
	}, nil
}

func (p *Processor) handleRestart(_ context.Context, params json.RawMessage) (Result, error) {
	delay := parseDelay(params)
	schedulePowerCommand(true, delay)
	return Result{
		"success": true,
		"message": fmt.Sprintf("System will restart in %d seconds", delay),
	}, nil
}

func parseDelay(params json.RawMessage) int {
	var req struct {
		Delay *int `json:"delay"`
	}
	if len(params) > 0 {
		json.Unmarshal(params, &req)
	}
	if req.Delay != nil {
		return *req.Delay
	}
	return 10
}

func schedulePowerCommand(restart bool, delaySeconds int) {
	time.AfterFunc(time.Duration(delaySeconds)*time.Second, func() {
		var cmd *exec.Cmd
		if runtime.GOOS == "windows" {
			flag := "/s"
			if restart {
				flag = "/r"
			}
			cmd = exec.Command("shutdown", flag, "/t", "0")
		} else {
			flag := "-h"
			if restart {
				flag = "-r"
			}
			cmd = exec.Command("shutdown", flag, "now")
		}
		cmd.Run()
	})
}

func (p *Processor) handleGetStatus(ctx context.Context, _ json.RawMessage) (Result, error) {
	status := map[string]interface{}{"agent_status": "running"}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		status["cpu_percent"] = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		status["memory_percent"] = vm.UsedPercent
	}
	if boot, err := host.BootTimeWithContext(ctx); err == nil {
		status["uptime"] = time.Now().Unix() - int64(boot)
	}
	if pids, err := process.PidsWithContext(ctx); err == nil {
		status["processes"] = len(pids)
	}

	diskUsage := map[string]interface{}{}
	if parts, err := disk.PartitionsWithContext(ctx, false); err == nil {
		for _, part := range parts {
			if usage, err := disk.UsageWithContext(ctx, part.Mountpoint); err == nil {
				diskUsage[part.Mountpoint] = map[string]interface{}{
					"total": usage.Total, "used": usage.Used,
					"free": usage.Free, "percent": usage.UsedPercent,
				}
			}
		}
	}
	status["disk_usage"] = diskUsage

	return Result{
		"success": true,
		"status":  status,
		"message": "Status retrieved successfully",
	}, nil
}

func (p *Processor) handleGetLogs(_ context.Context, params json.RawMessage) (Result, error) {
	var req struct {
		LogType string `json:"log_type"`
		Lines   int    `json:"lines"`
	}
	if len(params) > 0 {
		json.Unmarshal(params, &req)
	}
	if req.LogType == "" {
		req.LogType = "agent"
	}
	if req.Lines <= 0 {
		req.Lines = 100
	}

	logFile := filepath.Join(p.cfg.LogDir(), req.LogType+".log")
	data, err := os.ReadFile(logFile)
	if err != nil {
		return Result{
			"success": false,
			"message": fmt.Sprintf("Log file not found: %s", logFile),
		}, nil
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > req.Lines {
		lines = lines[len(lines)-req.Lines:]
	}
	return Result{
		"success": true,
		"logs":    lines,
		"message": fmt.Sprintf("Retrieved %d log lines", len(lines)),
	}, nil
}
