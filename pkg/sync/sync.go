package sync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/protekt/agent/pkg/audit"
	"github.com/protekt/agent/pkg/backup"
	"github.com/protekt/agent/pkg/config"
	"github.com/protekt/agent/pkg/log"
	"github.com/protekt/agent/pkg/metrics"
	"github.com/protekt/agent/pkg/saas"
	"github.com/protekt/agent/pkg/storage"
	"github.com/protekt/agent/pkg/types"
)

const (
	batchSize      = 50
	maxFailedSyncs = 5
	failRetryDelay = time.Minute
	backoffDelay   = 5 * time.Minute
	queueRetention = 7 * 24 * time.Hour
)

// Worker drains the offline queue to the backend and owns the periodic
// retention sweeps. One instance runs per agent; the in-progress flag
// keeps overlapping drains out.
type Worker struct {
	store    storage.Store
	client   *saas.Client
	backups  *backup.Manager
	auditor  *audit.Logger
	cfg      *config.Config
	deviceID string
	logger   zerolog.Logger
	interval time.Duration

	mu          sync.Mutex
	inProgress  bool
	lastSync    *time.Time
	failedSyncs int
}

// NewWorker creates a sync worker for deviceID.
func NewWorker(store storage.Store, client *saas.Client, backups *backup.Manager, auditor *audit.Logger, cfg *config.Config, deviceID string) *Worker {
	return &Worker{
		store:    store,
		client:   client,
		backups:  backups,
		auditor:  auditor,
		cfg:      cfg,
		deviceID: deviceID,
		logger:   log.WithComponent("sync"),
		interval: cfg.GetSeconds("saas", "sync_interval", 5*time.Minute),
	}
}

// Run syncs on the configured interval until ctx is cancelled. Failed
// cycles retry after a minute; five consecutive failures stretch the
// delay to five minutes until a cycle succeeds.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Dur("interval", w.interval).Msg("sync worker started")

	timer := time.NewTimer(w.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("sync worker stopped")
			return nil
		case <-timer.C:
		}

		delay := w.interval
		if !w.syncOnce(ctx) {
			if w.failures() > maxFailedSyncs {
				delay = backoffDelay
			} else {
				delay = failRetryDelay
			}
		}
		timer.Reset(delay)
	}
}

// syncOnce runs one full cycle: sweeps, liveness gate, drains. Returns
// false when the backend was unreachable.
func (w *Worker) syncOnce(ctx context.Context) bool {
	w.mu.Lock()
	if w.inProgress {
		w.mu.Unlock()
		return true
	}
	w.inProgress = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.inProgress = false
		w.mu.Unlock()
	}()

	w.sweep()

	if !w.client.Configured() || w.cfg.Get("saas", "api_key", "") == "" {
		w.logger.Debug().Msg("backend not configured, queueing locally")
		return true
	}

	if err := w.client.Health(ctx); err != nil {
		w.logger.Warn().Err(err).Msg("backend unreachable, skipping sync")
		w.mu.Lock()
		w.failedSyncs++
		w.mu.Unlock()
		return false
	}

	w.logger.Debug().Msg("starting offline data sync")
	w.drainBatched(ctx, types.QueueTelemetry, w.client.TelemetryBatch)
	w.drainBatched(ctx, types.QueueSecurityEvent, w.client.SecurityEventsBatch)
	w.drainCommandResults(ctx)
	w.drainBackupUploads(ctx)

	now := time.Now().UTC()
	w.mu.Lock()
	w.lastSync = &now
	w.failedSyncs = 0
	w.mu.Unlock()
	return true
}

// drainBatched ships up to batchSize pending items of one type in a
// single call. The whole claimed batch succeeds or fails together.
func (w *Worker) drainBatched(ctx context.Context, qt types.QueueType, send func(context.Context, string, []json.RawMessage) error) {
	items, err := w.store.PendingQueueItems(qt, batchSize)
	if err != nil {
		w.logger.Error().Err(err).Str("queue_type", string(qt)).Msg("failed to read queue")
		return
	}
	if len(items) == 0 {
		return
	}

	payloads := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		payloads = append(payloads, item.Payload)
	}

	if err := send(ctx, w.deviceID, payloads); err != nil {
		w.logger.Warn().Err(err).Str("queue_type", string(qt)).Msg("batch delivery failed")
		w.markAll(items, types.QueueFailed)
		metrics.SyncBatchesTotal.WithLabelValues(string(qt), "failure").Inc()
		return
	}

	w.markAll(items, types.QueueCompleted)
	metrics.SyncBatchesTotal.WithLabelValues(string(qt), "success").Inc()
	metrics.SyncedItemsTotal.WithLabelValues(string(qt)).Add(float64(len(items)))
	w.logger.Info().Int("count", len(items)).Str("queue_type", string(qt)).Msg("synced queue items")
}

// drainCommandResults delivers each queued result individually; the
// backend treats command_id as an idempotency key.
func (w *Worker) drainCommandResults(ctx context.Context) {
	items, err := w.store.PendingQueueItems(types.QueueCommandResult, batchSize)
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to read queued command results")
		return
	}
	for _, item := range items {
		if err := w.client.PostCommandResult(ctx, w.deviceID, item.Payload); err != nil {
			w.logger.Warn().Err(err).Int64("item", item.ID).Msg("command result delivery failed")
			w.mark(item.ID, types.QueueFailed)
			metrics.SyncBatchesTotal.WithLabelValues(string(types.QueueCommandResult), "failure").Inc()
			continue
		}
		w.mark(item.ID, types.QueueCompleted)
		metrics.SyncBatchesTotal.WithLabelValues(string(types.QueueCommandResult), "success").Inc()
		metrics.SyncedItemsTotal.WithLabelValues(string(types.QueueCommandResult)).Inc()
	}
}

// drainBackupUploads PUTs each queued artifact to its signed URL,
// requesting one from the backend when the payload carries none.
func (w *Worker) drainBackupUploads(ctx context.Context) {
	items, err := w.store.PendingQueueItems(types.QueueBackupUpload, batchSize)
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to read queued backup uploads")
		return
	}
	for _, item := range items {
		var req backup.UploadRequest
		if err := json.Unmarshal(item.Payload, &req); err != nil || req.BackupID == "" {
			w.logger.Error().Int64("item", item.ID).Msg("invalid backup upload payload")
			w.mark(item.ID, types.QueueFailed)
			continue
		}

		url := req.UploadURL
		if url == "" {
			url, err = w.client.RequestUploadURL(ctx, w.deviceID, req.BackupID)
			if err != nil {
				w.logger.Warn().Err(err).Str("backup_id", req.BackupID).Msg("no upload url issued")
				w.mark(item.ID, types.QueueFailed)
				metrics.SyncBatchesTotal.WithLabelValues(string(types.QueueBackupUpload), "failure").Inc()
				continue
			}
		}

		if err := w.backups.Upload(ctx, req.BackupID, url); err != nil {
			w.logger.Warn().Err(err).Str("backup_id", req.BackupID).Msg("backup upload failed")
			w.mark(item.ID, types.QueueFailed)
			metrics.SyncBatchesTotal.WithLabelValues(string(types.QueueBackupUpload), "failure").Inc()
			continue
		}
		w.mark(item.ID, types.QueueCompleted)
		metrics.SyncBatchesTotal.WithLabelValues(string(types.QueueBackupUpload), "success").Inc()
		metrics.SyncedItemsTotal.WithLabelValues(string(types.QueueBackupUpload)).Inc()
	}
}

// sweep runs the local retention work: requeue failed items, drop
// completed queue rows past retention, prune audit history.
func (w *Worker) sweep() {
	if retried, err := w.store.RetryFailed(); err != nil {
		w.logger.Error().Err(err).Msg("failed to retry queue items")
	} else if retried > 0 {
		w.logger.Info().Int64("count", retried).Msg("requeued failed items")
	}

	if pruned, err := w.store.PruneQueue(time.Now().UTC().Add(-queueRetention)); err != nil {
		w.logger.Error().Err(err).Msg("failed to prune queue")
	} else if pruned > 0 {
		w.logger.Info().Int64("count", pruned).Msg("pruned old queue items")
	}

	if _, err := w.auditor.Prune(); err != nil {
		w.logger.Error().Err(err).Msg("failed to prune audit history")
	}
}

func (w *Worker) markAll(items []types.QueueItem, status types.QueueStatus) {
	for _, item := range items {
		w.mark(item.ID, status)
	}
}

func (w *Worker) mark(id int64, status types.QueueStatus) {
	if err := w.store.MarkQueueItem(id, status); err != nil {
		w.logger.Error().Err(err).Int64("item", id).Msg("failed to mark queue item")
	}
}

func (w *Worker) failures() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failedSyncs
}

// Status reports the queue and the worker's own sync state.
func (w *Worker) Status() (types.QueueStatusSummary, error) {
	statusCounts, pendingByType, err := w.store.QueueCounts()
	if err != nil {
		return types.QueueStatusSummary{}, err
	}

	total := 0
	for _, n := range statusCounts {
		total += n
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return types.QueueStatusSummary{
		TotalItems:     total,
		StatusCounts:   statusCounts,
		PendingByType:  pendingByType,
		LastSync:       w.lastSync,
		SyncInProgress: w.inProgress,
		FailedSyncs:    w.failedSyncs,
	}, nil
}
