package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/protekt/agent/pkg/config"
	"github.com/protekt/agent/pkg/log"
	"github.com/protekt/agent/pkg/storage"
)

// Watcher streams file system events from the configured watch paths into
// the ransomware Detector. fsnotify watches are not recursive, so every
// subdirectory is registered at startup and newly created directories are
// added as they appear.
type Watcher struct {
	detector     *Detector
	watchPaths   []string
	excludePaths []string
	maxFileSize  int64
	logger       zerolog.Logger
}

// New creates a file watcher wired to a fresh detector. Detections are
// additionally appended to <data_dir>/logs/security.log.
func New(store storage.Store, cfg *config.Config) *Watcher {
	w := &Watcher{
		detector:     NewDetector(store, cfg.GetList("security", "suspicious_extensions")),
		watchPaths:   cfg.GetList("monitoring", "file_watch_paths"),
		excludePaths: expandExcludes(cfg.GetList("monitoring", "exclude_paths")),
		maxFileSize:  cfg.GetInt64("security", "max_file_size", 104857600),
		logger:       log.WithComponent("watcher"),
	}
	secLog, err := log.FileLogger(cfg.LogDir(), "security")
	if err != nil {
		w.logger.Warn().Err(err).Msg("security log file unavailable")
	}
	w.detector.secLog = secLog
	return w
}

// Detector exposes the underlying detector, used by the status command.
func (w *Watcher) Detector() *Detector {
	return w.detector
}

// Run watches until ctx is cancelled. Having no watchable paths is not an
// error; the watcher just idles so the rest of the agent keeps running.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	watched := 0
	for _, root := range w.watchPaths {
		n, err := w.addTree(fsw, root)
		if err != nil {
			w.logger.Warn().Err(err).Str("path", root).Msg("could not watch path")
			continue
		}
		watched += n
	}
	w.logger.Info().Int("directories", watched).Msg("file watcher started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("file watcher stopped")
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handle(fsw, event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("file watch error")
		}
	}
}

func (w *Watcher) addTree(fsw *fsnotify.Watcher, root string) (int, error) {
	n := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.excluded(path) {
			return filepath.SkipDir
		}
		if err := fsw.Add(path); err != nil {
			w.logger.Debug().Err(err).Str("path", path).Msg("skipping directory")
			return nil
		}
		n++
		return nil
	})
	return n, err
}

func (w *Watcher) handle(fsw *fsnotify.Watcher, event fsnotify.Event) {
	path := event.Name
	if w.excluded(path) {
		return
	}

	info, statErr := os.Stat(path)
	if statErr == nil && info.IsDir() {
		// New directories must be watched for the recursive view to hold.
		if event.Op.Has(fsnotify.Create) {
			if _, err := w.addTree(fsw, path); err != nil {
				w.logger.Debug().Err(err).Str("path", path).Msg("could not extend watch")
			}
		}
		return
	}
	if statErr == nil && info.Size() > w.maxFileSize {
		return
	}

	switch {
	case event.Op.Has(fsnotify.Create):
		w.detector.Record(opCreated, path, "")
	case event.Op.Has(fsnotify.Write):
		w.detector.Record(opModified, path, "")
	case event.Op.Has(fsnotify.Rename):
		w.detector.Record(opMoved, path, "")
	case event.Op.Has(fsnotify.Remove):
		w.detector.Record(opDeleted, path, "")
	}
}

// expandExcludes resolves exclude entries into concrete paths. An entry
// with a `*` expands one directory level: everything before the wildcard
// is the base, and each subdirectory under it becomes an exclude.
func expandExcludes(entries []string) []string {
	expanded := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !strings.Contains(entry, "*") {
			expanded = append(expanded, entry)
			continue
		}
		base := entry[:strings.Index(entry, "*")]
		children, err := os.ReadDir(base)
		if err != nil {
			continue
		}
		for _, child := range children {
			if child.IsDir() {
				expanded = append(expanded, filepath.Join(base, child.Name()))
			}
		}
	}
	return expanded
}

func (w *Watcher) excluded(path string) bool {
	for _, ex := range w.excludePaths {
		if ex == "" {
			continue
		}
		if path == ex || strings.HasPrefix(path, ex+string(os.PathSeparator)) {
			return true
		}
	}
	return false
}
