package command

import (
	"context"
	"encoding/json"
	"fmt"
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

// resultDrainBatch limits how many queued command results are flushed per
// poll cycle.
const resultDrainBatch = 10

// Result is the outcome payload of one command execution.
type Result map[string]interface{}

// handler executes one command type.
type handler func(ctx context.Context, params json.RawMessage) (Result, error)

// Processor polls the backend for commands, executes them exactly once,
// and reports results, queueing them when the backend is unreachable.
type Processor struct {
	store    storage.Store
	client   *saas.Client
	cfg      *config.Config
	backups  *backup.Manager
	auditor  *audit.Logger
	deviceID string
	logger   zerolog.Logger

	pollInterval time.Duration
	handlers     map[string]handler
}

// NewProcessor creates a command processor for deviceID.
func NewProcessor(store storage.Store, client *saas.Client, cfg *config.Config, backups *backup.Manager, auditor *audit.Logger, deviceID string) *Processor {
	p := &Processor{
		store:        store,
		client:       client,
		cfg:          cfg,
		backups:      backups,
		auditor:      auditor,
		deviceID:     deviceID,
		logger:       log.WithComponent("command"),
		pollInterval: cfg.GetSeconds("saas", "command_poll_interval", 60*time.Second),
	}
	p.handlers = map[string]handler{
		"backup":        p.handleBackup,
		"restore":       p.handleRestore,
		"scan":          p.handleScan,
		"isolate":       p.handleIsolate,
		"update_config": p.handleUpdateConfig,
		"shutdown":      p.handleShutdown,
		"restart":       p.handleRestart,
		"get_status":    p.handleGetStatus,
		"get_logs":      p.handleGetLogs,
	}
	return p
}

// Run polls until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info().Dur("interval", p.pollInterval).Msg("command processor started")

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("command processor stopped")
			return nil
		case <-ticker.C:
			p.poll(ctx)
			p.drainQueuedResults(ctx)
		}
	}
}

func (p *Processor) poll(ctx context.Context) {
	if !p.client.Configured() || p.cfg.Get("saas", "api_key", "") == "" {
		return
	}
	commands, err := p.client.PollCommands(ctx, p.deviceID)
	if err != nil {
		p.logger.Warn().Err(err).Msg("command poll failed")
		return
	}
	for _, cmd := range commands {
		p.Process(ctx, cmd)
	}
}

// Process executes one polled command. A command_id already seen is
// skipped, which makes backend re-delivery harmless.
func (p *Processor) Process(ctx context.Context, cmd saas.RemoteCommand) {
	if cmd.ID == "" || cmd.CommandType == "" {
		p.logger.Error().Msg("invalid command format")
		return
	}

	fresh, err := p.store.InsertCommandIfNew(&types.CommandRecord{
		CommandID:   cmd.ID,
		CommandType: cmd.CommandType,
		Parameters:  cmd.Parameters,
	})
	if err != nil {
		p.logger.Error().Err(err).Str("command_id", cmd.ID).Msg("failed to record command")
		return
	}
	if !fresh {
		p.logger.Debug().Str("command_id", cmd.ID).Msg("command already executed, skipping")
		return
	}

	p.logger.Info().Str("command_id", cmd.ID).Str("type", cmd.CommandType).Msg("processing command")
	if err := p.store.SetCommandStatus(cmd.ID, types.CommandExecuting, nil, nil); err != nil {
		p.logger.Error().Err(err).Msg("failed to update command status")
	}

	result, execErr := p.execute(ctx, cmd.CommandType, cmd.Parameters)

	status := types.CommandCompleted
	if execErr != nil {
		p.logger.Error().Err(execErr).Str("command_id", cmd.ID).Msg("command execution failed")
		status = types.CommandFailed
		result = Result{"error": execErr.Error(), "success": false}
	}
	metrics.CommandsTotal.WithLabelValues(cmd.CommandType, string(status)).Inc()

	resultJSON, _ := json.Marshal(result)
	now := time.Now().UTC()
	if err := p.store.SetCommandStatus(cmd.ID, status, resultJSON, &now); err != nil {
		p.logger.Error().Err(err).Msg("failed to update command status")
	}

	p.auditor.Log("command_executed", cmd.ID, "command",
		map[string]interface{}{"type": cmd.CommandType, "status": status})

	p.sendResult(ctx, cmd.ID, result)
}

func (p *Processor) execute(ctx context.Context, commandType string, params json.RawMessage) (Result, error) {
	h, ok := p.handlers[commandType]
	if !ok {
		return nil, fmt.Errorf("unknown command type: %s", commandType)
	}
	return h(ctx, params)
}

// sendResult posts a command result, falling back to the offline queue.
func (p *Processor) sendResult(ctx context.Context, commandID string, result Result) {
	payload, err := json.Marshal(map[string]interface{}{
		"command_id":   commandID,
		"result":       result,
		"completed_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to encode command result")
		return
	}

	if p.client.Configured() && p.cfg.Get("saas", "api_key", "") != "" {
		if err := p.client.PostCommandResult(ctx, p.deviceID, payload); err == nil {
			p.logger.Debug().Str("command_id", commandID).Msg("command result sent")
			return
		} else {
			p.logger.Warn().Err(err).Str("command_id", commandID).Msg("result post failed, queueing")
		}
	}

	if _, err := p.store.Enqueue(types.QueueCommandResult, payload, 3, 3); err != nil {
		p.logger.Error().Err(err).Msg("failed to queue command result")
	}
}

// drainQueuedResults retries previously queued command results.
func (p *Processor) drainQueuedResults(ctx context.Context) {
	if !p.client.Configured() || p.cfg.Get("saas", "api_key", "") == "" {
		return
	}
	items, err := p.store.PendingQueueItems(types.QueueCommandResult, resultDrainBatch)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to read queued results")
		return
	}
	for _, item := range items {
		if err := p.client.PostCommandResult(ctx, p.deviceID, item.Payload); err != nil {
			p.logger.Warn().Err(err).Int64("item", item.ID).Msg("queued result delivery failed")
			if err := p.store.MarkQueueItem(item.ID, types.QueueFailed); err != nil {
				p.logger.Error().Err(err).Msg("failed to mark queue item")
			}
			continue
		}
		if err := p.store.MarkQueueItem(item.ID, types.QueueCompleted); err != nil {
			p.logger.Error().Err(err).Msg("failed to mark queue item")
		}
	}
}
