package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/protekt/agent/pkg/config"
	"github.com/protekt/agent/pkg/log"
	"github.com/protekt/agent/pkg/metrics"
	"github.com/protekt/agent/pkg/storage"
	"github.com/protekt/agent/pkg/types"
)

const processScanInterval = 30 * time.Second

// safeProcesses are never flagged regardless of name matches.
var safeProcesses = map[string]struct{}{
	"system idle process": {}, "system": {}, "csrss": {}, "winlogon": {},
	"wininit": {}, "services": {}, "lsass": {}, "svchost": {}, "explorer": {},
	"dwm": {}, "conhost": {}, "slack": {}, "slack.exe": {}, "msedge": {},
	"msedgewebview2": {}, "msedgewebview2.exe": {}, "chrome": {}, "firefox": {},
	"notepad": {}, "calc": {}, "lockapp": {}, "lockapp.exe": {}, "searchapp": {},
	"shellexperiencehost": {}, "runtimebroker": {}, "dllhost": {}, "wmiprvse": {},
	"taskhostw": {}, "audiodg": {}, "spoolsv": {}, "winlogon.exe": {},
	"csrss.exe": {}, "services.exe": {}, "lsass.exe": {}, "svchost.exe": {},
	"explorer.exe": {}, "dwm.exe": {}, "conhost.exe": {}, "searchapp.exe": {},
	"shellexperiencehost.exe": {}, "runtimebroker.exe": {}, "dllhost.exe": {},
	"wmiprvse.exe": {}, "taskhostw.exe": {}, "audiodg.exe": {}, "spoolsv.exe": {},
}

// suspiciousNames flag a process when found in its name or command line.
var suspiciousNames = []string{
	"crypt", "encrypt", "lock", "ransom", "malware", "virus",
	"backdoor", "trojan", "worm", "keylogger", "rootkit",
}

// procInfo is the per-process snapshot the observer inspects.
type procInfo struct {
	PID           int32    `json:"pid"`
	Name          string   `json:"name"`
	Exe           string   `json:"exe"`
	Cmdline       []string `json:"cmdline"`
	CPUPercent    float64  `json:"cpu_percent"`
	MemoryPercent float64  `json:"memory_percent"`
}

// ProcessObserver scans running processes every 30 seconds for suspicious
// names and runaway resource consumption.
type ProcessObserver struct {
	store  storage.Store
	logger zerolog.Logger
	secLog zerolog.Logger
}

// NewProcessObserver creates a process observer. Detections are
// additionally appended to <data_dir>/logs/security.log.
func NewProcessObserver(store storage.Store, cfg *config.Config) *ProcessObserver {
	o := &ProcessObserver{
		store:  store,
		logger: log.WithComponent("process-observer"),
	}
	secLog, err := log.FileLogger(cfg.LogDir(), "security")
	if err != nil {
		o.logger.Warn().Err(err).Msg("security log file unavailable")
	}
	o.secLog = secLog
	return o
}

// Run scans until ctx is cancelled.
func (o *ProcessObserver) Run(ctx context.Context) error {
	o.logger.Info().Msg("process monitoring started")

	ticker := time.NewTicker(processScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info().Msg("process monitoring stopped")
			return nil
		case <-ticker.C:
			o.scan(ctx)
		}
	}
}

func (o *ProcessObserver) scan(ctx context.Context) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		o.logger.Error().Err(err).Msg("failed to list processes")
		return
	}

	for _, p := range procs {
		info, ok := snapshot(ctx, p)
		if !ok {
			continue
		}
		if isSuspicious(info) {
			o.reportSuspicious(info)
		}
		if info.CPUPercent > 80 || info.MemoryPercent > 80 {
			o.reportHighResource(info)
		}
	}
}

func snapshot(ctx context.Context, p *process.Process) (procInfo, bool) {
	name, err := p.NameWithContext(ctx)
	if err != nil || name == "" {
		return procInfo{}, false
	}
	exe, _ := p.ExeWithContext(ctx)
	cmdline, _ := p.CmdlineSliceWithContext(ctx)
	cpuPct, _ := p.CPUPercentWithContext(ctx)
	memPct, _ := p.MemoryPercentWithContext(ctx)
	return procInfo{
		PID:           p.Pid,
		Name:          name,
		Exe:           exe,
		Cmdline:       cmdline,
		CPUPercent:    cpuPct,
		MemoryPercent: float64(memPct),
	}, true
}

func isSuspicious(info procInfo) bool {
	name := strings.ToLower(strings.TrimSpace(info.Name))
	if name == "" {
		return false
	}
	if _, safe := safeProcesses[name]; safe {
		return false
	}
	if strings.Contains(name, "idle") {
		return false
	}

	for _, s := range suspiciousNames {
		if strings.Contains(name, s) {
			return true
		}
	}
	cmdline := strings.ToLower(strings.Join(info.Cmdline, " "))
	for _, s := range suspiciousNames {
		if cmdline != "" && strings.Contains(cmdline, s) {
			return true
		}
	}
	return false
}

func (o *ProcessObserver) reportSuspicious(info procInfo) {
	o.logger.Warn().Str("process", info.Name).Int32("pid", info.PID).
		Msg("suspicious process detected")
	o.secLog.Warn().Str("event_type", types.EventSuspiciousProcess).
		Str("process", info.Name).Int32("pid", info.PID).
		Msg("suspicious process detected")

	details, _ := json.Marshal(map[string]interface{}{
		"pid": info.PID, "exe": info.Exe, "cmdline": info.Cmdline,
	})
	_, err := o.store.InsertSecurityEvent(&types.SecurityEvent{
		EventType:   types.EventSuspiciousProcess,
		Severity:    types.SeverityHigh,
		Description: fmt.Sprintf("Suspicious process detected: %s", info.Name),
		ProcessName: info.Name,
		Details:     details,
	})
	if err != nil {
		o.logger.Error().Err(err).Msg("failed to record security event")
		return
	}
	metrics.SecurityEventsTotal.WithLabelValues(types.EventSuspiciousProcess, string(types.SeverityHigh)).Inc()
}

func (o *ProcessObserver) reportHighResource(info procInfo) {
	name := strings.ToLower(info.Name)
	// The idle process legitimately reports near-total CPU.
	if strings.Contains(name, "idle") {
		return
	}
	if info.CPUPercent <= 80 {
		return
	}

	o.logger.Warn().Str("process", info.Name).Float64("cpu_percent", info.CPUPercent).
		Msg("high CPU process")
	o.secLog.Warn().Str("event_type", types.EventHighResourceUsage).
		Str("process", info.Name).Float64("cpu_percent", info.CPUPercent).
		Msg("high CPU process")

	details, _ := json.Marshal(map[string]interface{}{
		"pid": info.PID, "cpu_percent": info.CPUPercent, "memory_percent": info.MemoryPercent,
	})
	_, err := o.store.InsertSecurityEvent(&types.SecurityEvent{
		EventType:   types.EventHighResourceUsage,
		Severity:    types.SeverityMedium,
		Description: fmt.Sprintf("High CPU usage: %s (%.1f%%)", info.Name, info.CPUPercent),
		ProcessName: info.Name,
		Details:     details,
	})
	if err != nil {
		o.logger.Error().Err(err).Msg("failed to record security event")
		return
	}
	metrics.SecurityEventsTotal.WithLabelValues(types.EventHighResourceUsage, string(types.SeverityMedium)).Inc()
}
