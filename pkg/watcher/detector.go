package watcher

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/protekt/agent/pkg/log"
	"github.com/protekt/agent/pkg/metrics"
	"github.com/protekt/agent/pkg/storage"
	"github.com/protekt/agent/pkg/types"
)

// File event kinds tracked by the detector.
const (
	opCreated  = "created"
	opModified = "modified"
	opMoved    = "moved"
	opDeleted  = "deleted"
)

// Detection thresholds, all counted over the last minute of events.
const (
	massWriteThreshold      = 50
	massRenameThreshold     = 30
	suspiciousExtThreshold  = 10
	encryptionPatThreshold  = 5
	rapidModifyThreshold    = 20
	eventRetention          = 5 * time.Minute
	detectionWindow         = time.Minute
)

// encryptionPatterns are filename fragments ransomware typically appends.
var encryptionPatterns = []string{".encrypted", ".locked", ".crypto", ".crypt"}

type fileEvent struct {
	kind          string
	srcPath       string
	destPath      string
	at            time.Time
	suspiciousExt bool
	encryptionPat bool
}

// Detector accumulates file events and raises ransomware_detection events
// when operation rates over the last minute cross the heuristics'
// thresholds. Events older than five minutes are discarded.
type Detector struct {
	store                storage.Store
	logger               zerolog.Logger
	secLog               zerolog.Logger
	suspiciousExtensions map[string]struct{}
	now                  func() time.Time

	mu     sync.Mutex
	events []fileEvent
}

// NewDetector creates a detector flagging the given extensions.
func NewDetector(store storage.Store, suspiciousExtensions []string) *Detector {
	exts := make(map[string]struct{}, len(suspiciousExtensions))
	for _, e := range suspiciousExtensions {
		exts[strings.ToLower(strings.TrimSpace(e))] = struct{}{}
	}
	return &Detector{
		store:                store,
		logger:               log.WithComponent("watcher"),
		secLog:               zerolog.New(io.Discard),
		suspiciousExtensions: exts,
		now:                  time.Now,
	}
}

// Record adds one file event and re-evaluates the detection heuristics.
func (d *Detector) Record(kind, srcPath, destPath string) {
	ext := strings.ToLower(filepath.Ext(srcPath))
	name := strings.ToLower(filepath.Base(srcPath))

	_, suspicious := d.suspiciousExtensions[ext]
	encryption := false
	for _, pat := range encryptionPatterns {
		if strings.Contains(name, pat) {
			encryption = true
			break
		}
	}

	d.mu.Lock()
	now := d.now()
	d.events = append(d.events, fileEvent{
		kind:          kind,
		srcPath:       srcPath,
		destPath:      destPath,
		at:            now,
		suspiciousExt: suspicious,
		encryptionPat: encryption,
	})
	d.prune(now)
	alerts := d.evaluate(now)
	d.mu.Unlock()

	for _, a := range alerts {
		d.trigger(a)
	}
}

// EventCount returns the number of retained events, for status reporting.
func (d *Detector) EventCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events)
}

func (d *Detector) prune(now time.Time) {
	cutoff := now.Add(-eventRetention)
	keep := d.events[:0]
	for _, e := range d.events {
		if e.at.After(cutoff) {
			keep = append(keep, e)
		}
	}
	d.events = keep
}

type alert struct {
	detector    string
	severity    types.Severity
	description string
	details     map[string]interface{}
}

// evaluate is called with the mutex held.
func (d *Detector) evaluate(now time.Time) []alert {
	cutoff := now.Add(-detectionWindow)

	var created, modified, moved, deleted, suspicious, encrypted int
	var encryptedFiles, modifiedFiles []string
	for _, e := range d.events {
		if !e.at.After(cutoff) {
			continue
		}
		switch e.kind {
		case opCreated:
			created++
		case opModified:
			modified++
			modifiedFiles = append(modifiedFiles, e.srcPath)
		case opMoved:
			moved++
		case opDeleted:
			deleted++
		}
		if e.suspiciousExt {
			suspicious++
		}
		if e.encryptionPat {
			encrypted++
			encryptedFiles = append(encryptedFiles, e.srcPath)
		}
	}

	var alerts []alert
	total := created + modified + moved + deleted

	if total > massWriteThreshold {
		alerts = append(alerts, alert{
			detector: "mass_file_operations",
			severity: types.SeverityHigh,
			description: fmt.Sprintf("Mass file operations detected: %d operations in 1 minute", total),
			details: map[string]interface{}{
				"created": created, "modified": modified,
				"moved": moved, "deleted": deleted,
				"threshold": massWriteThreshold,
			},
		})
	}
	if moved > massRenameThreshold {
		alerts = append(alerts, alert{
			detector:    "mass_renames",
			severity:    types.SeverityHigh,
			description: fmt.Sprintf("Mass file renames detected: %d renames in 1 minute", moved),
			details:     map[string]interface{}{"count": moved, "threshold": massRenameThreshold},
		})
	}
	if suspicious > suspiciousExtThreshold {
		alerts = append(alerts, alert{
			detector:    "suspicious_extensions",
			severity:    types.SeverityMedium,
			description: fmt.Sprintf("Many suspicious file extensions detected: %d files in 1 minute", suspicious),
			details:     map[string]interface{}{"count": suspicious, "threshold": suspiciousExtThreshold},
		})
	}
	if encrypted > encryptionPatThreshold {
		alerts = append(alerts, alert{
			detector:    "encryption_patterns",
			severity:    types.SeverityCritical,
			description: fmt.Sprintf("Encryption patterns detected: %d files with encryption-like names", encrypted),
			details:     map[string]interface{}{"count": encrypted, "files": encryptedFiles},
		})
	}
	if modified > rapidModifyThreshold {
		sample := modifiedFiles
		if len(sample) > 10 {
			sample = sample[:10]
		}
		alerts = append(alerts, alert{
			detector:    "rapid_modifications",
			severity:    types.SeverityHigh,
			description: fmt.Sprintf("Rapid file modifications detected: %d files modified in 1 minute", modified),
			details:     map[string]interface{}{"count": modified, "files": sample},
		})
	}
	return alerts
}

func (d *Detector) trigger(a alert) {
	d.logger.Warn().Str("detector", a.detector).Str("severity", string(a.severity)).
		Msg("ransomware detection alert")
	d.secLog.Warn().Str("event_type", types.EventRansomwareDetection).
		Str("detector", a.detector).Str("severity", string(a.severity)).
		Msg(a.description)

	details, _ := json.Marshal(a.details)
	_, err := d.store.InsertSecurityEvent(&types.SecurityEvent{
		EventType:   types.EventRansomwareDetection,
		Severity:    a.severity,
		Description: a.description,
		Details:     details,
	})
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to record security event")
		return
	}
	metrics.SecurityEventsTotal.WithLabelValues(types.EventRansomwareDetection, string(a.severity)).Inc()

	if err := d.store.AppendAudit("ransomware_alert_triggered", a.detector, "security", details); err != nil {
		d.logger.Error().Err(err).Msg("failed to audit alert")
	}
}
