package anomaly

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/protekt/agent/pkg/config"
	"github.com/protekt/agent/pkg/log"
	"github.com/protekt/agent/pkg/metrics"
	"github.com/protekt/agent/pkg/storage"
	"github.com/protekt/agent/pkg/types"
)

const (
	checkInterval      = time.Minute
	minTrainingSamples = 100
	maxTrainingSamples = 10000
	contamination      = 0.05
	anomalyThreshold   = -0.3
	maxHistory         = 1000
	trainingSeed       = 42

	modelFileName    = "anomaly_model"
	trainingFileName = "training_data.json"
)

// TrainingSample is the JSON shape of operator-provided training data.
type TrainingSample struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryPercent  float64 `json:"memory_percent"`
	DiskPercent    float64 `json:"disk_percent"`
	ProcessesCount float64 `json:"processes_count"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
	Timestamp      string  `json:"timestamp"`
}

// Engine scores the newest telemetry against an isolation forest once a
// minute and raises anomaly_detected events, plus heuristic checks for
// CPU spikes and memory leak trends over its recent history.
type Engine struct {
	store   storage.Store
	dataDir string
	logger  zerolog.Logger

	forest         *Forest
	scaler         *Scaler
	trainedSamples int

	history []observation
}

// NewEngine creates an anomaly engine persisting its model under the data
// directory.
func NewEngine(store storage.Store, cfg *config.Config) *Engine {
	return &Engine{
		store:   store,
		dataDir: cfg.DataDir(),
		logger:  log.WithComponent("anomaly"),
	}
}

// Run scores until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info().Msg("anomaly detection started")

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("anomaly detection stopped")
			return nil
		case <-ticker.C:
			e.tick()
		}
	}
}

func (e *Engine) tick() {
	if e.forest == nil {
		if err := e.ensureModel(); err != nil {
			e.logger.Error().Err(err).Msg("failed to prepare model")
			return
		}
	}

	obs, ok := e.latestObservation()
	if ok {
		e.Evaluate(obs)
	}

	e.retrainIfGrown()
}

func (e *Engine) modelPath() string {
	return filepath.Join(e.dataDir, modelFileName)
}

// ensureModel loads the persisted model or trains a fresh one.
func (e *Engine) ensureModel() error {
	artifact, err := loadModel(e.modelPath())
	if err != nil {
		e.logger.Warn().Err(err).Msg("could not load persisted model, retraining")
	} else if artifact != nil && artifact.Forest != nil && artifact.Forest.Trained() {
		e.forest = artifact.Forest
		e.scaler = artifact.Scaler
		e.trainedSamples = artifact.TrainedSamples
		e.logger.Info().Time("trained_at", artifact.TrainedAt).
			Int("samples", artifact.TrainedSamples).Msg("loaded anomaly detection model")
		return nil
	}
	return e.Train()
}

// Train fits a new model on operator data, cached telemetry, or synthetic
// baseline behavior, in that order of preference.
func (e *Engine) Train() error {
	obs := e.collectTrainingData()
	if len(obs) < minTrainingSamples {
		obs = syntheticObservations(minTrainingSamples)
		e.logger.Info().Int("samples", len(obs)).Msg("generated synthetic training data")
	}

	matrix := featureMatrix(obs)
	scaler := &Scaler{}
	if err := scaler.Fit(matrix); err != nil {
		return err
	}
	forest := NewForest(contamination)
	if err := forest.Fit(scaler.TransformAll(matrix), trainingSeed); err != nil {
		return err
	}

	e.forest = forest
	e.scaler = scaler
	e.trainedSamples = len(obs)

	artifact := &modelArtifact{
		Forest:         forest,
		Scaler:         scaler,
		FeatureColumns: featureColumns,
		TrainedAt:      time.Now().UTC(),
		TrainedSamples: len(obs),
	}
	if err := saveModel(e.modelPath(), artifact); err != nil {
		e.logger.Warn().Err(err).Msg("failed to persist model")
	}
	e.logger.Info().Int("samples", len(obs)).Msg("anomaly detection model trained")
	return nil
}

func (e *Engine) collectTrainingData() []observation {
	var obs []observation

	// Operator-provided training data takes priority.
	if data, err := os.ReadFile(filepath.Join(e.dataDir, trainingFileName)); err == nil {
		var samples []TrainingSample
		if err := json.Unmarshal(data, &samples); err != nil {
			e.logger.Warn().Err(err).Msg("could not parse training data file")
		} else {
			for _, s := range samples {
				o := observation{
					CPUPercent:     s.CPUPercent,
					MemoryPercent:  s.MemoryPercent,
					DiskPercent:    s.DiskPercent,
					ProcessesCount: s.ProcessesCount,
				}
				if ts, err := time.Parse(time.RFC3339, s.Timestamp); err == nil {
					o.Timestamp = ts
				}
				obs = append(obs, o)
			}
			e.logger.Info().Int("samples", len(obs)).Msg("loaded training data from file")
			if len(obs) >= minTrainingSamples {
				return obs
			}
		}
	}

	samples, err := e.store.RecentTelemetry(maxTrainingSamples)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to load cached telemetry")
		return obs
	}
	for _, s := range samples {
		obs = append(obs, observation{
			CPUPercent:     s.CPUPercent,
			MemoryPercent:  s.MemoryPercent,
			DiskPercent:    s.DiskPercent,
			ProcessesCount: float64(s.ProcessesCount),
			Timestamp:      s.Timestamp,
		})
	}
	return obs
}

// syntheticObservations models quiet steady-state behavior for hosts that
// have not yet accumulated real telemetry.
func syntheticObservations(n int) []observation {
	rng := rand.New(rand.NewSource(trainingSeed))
	now := time.Now().UTC()
	obs := make([]observation, n)
	for i := range obs {
		obs[i] = observation{
			CPUPercent:     rng.NormFloat64()*15 + 30,
			MemoryPercent:  rng.NormFloat64()*20 + 50,
			DiskPercent:    rng.NormFloat64()*25 + 60,
			ProcessesCount: rng.NormFloat64()*30 + 150,
			Timestamp:      now,
		}
	}
	return obs
}

func (e *Engine) latestObservation() (observation, bool) {
	samples, err := e.store.RecentTelemetry(1)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to read telemetry")
		return observation{}, false
	}
	if len(samples) == 0 {
		return observation{}, false
	}
	s := samples[0]
	return observation{
		CPUPercent:     s.CPUPercent,
		MemoryPercent:  s.MemoryPercent,
		DiskPercent:    s.DiskPercent,
		ProcessesCount: float64(s.ProcessesCount),
		Timestamp:      s.Timestamp,
	}, true
}

// Evaluate scores one observation, records anomaly events, runs the
// heuristic checks, and appends the observation to the history window.
func (e *Engine) Evaluate(o observation) {
	if e.forest != nil && e.scaler != nil {
		score := e.forest.Decision(e.scaler.Transform(featureVector(o)))
		isAnomaly := score < 0
		metrics.AnomalyScore.Set(score)

		if isAnomaly || score < anomalyThreshold {
			e.reportAnomaly(o, score, isAnomaly)
		}
	}

	e.checkHeuristics(o)

	e.history = append(e.history, o)
	if len(e.history) > maxHistory {
		e.history = e.history[len(e.history)-maxHistory:]
	}
}

func (e *Engine) reportAnomaly(o observation, score float64, isAnomaly bool) {
	severity := types.SeverityMedium
	if isAnomaly {
		severity = types.SeverityHigh
	}

	e.logger.Warn().Float64("score", score).Bool("is_anomaly", isAnomaly).
		Msg("anomaly detected")

	details, _ := json.Marshal(map[string]interface{}{
		"anomaly_score":   score,
		"is_anomaly":      isAnomaly,
		"cpu_percent":     o.CPUPercent,
		"memory_percent":  o.MemoryPercent,
		"disk_percent":    o.DiskPercent,
		"processes_count": int(o.ProcessesCount),
	})
	_, err := e.store.InsertSecurityEvent(&types.SecurityEvent{
		EventType:   types.EventAnomalyDetected,
		Severity:    severity,
		Description: fmt.Sprintf("System anomaly detected (score: %.3f)", score),
		Details:     details,
	})
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to record anomaly event")
		return
	}
	metrics.SecurityEventsTotal.WithLabelValues(types.EventAnomalyDetected, string(severity)).Inc()

	if err := e.store.AppendAudit("anomaly_detected", "system", "security", details); err != nil {
		e.logger.Error().Err(err).Msg("failed to audit anomaly")
	}
}

func (e *Engine) checkHeuristics(o observation) {
	type heuristic struct {
		kind        string
		severity    types.Severity
		description string
		details     map[string]interface{}
	}
	var found []heuristic

	if len(e.history) > 5 {
		recent := e.history[len(e.history)-5:]
		avg := meanCPU(recent)
		if o.CPUPercent > avg*2 && o.CPUPercent > 50 {
			found = append(found, heuristic{
				kind:     "cpu_spike",
				severity: types.SeverityMedium,
				description: fmt.Sprintf("CPU usage spike: %.1f%% (avg: %.1f%%)",
					o.CPUPercent, avg),
				details: map[string]interface{}{"current": o.CPUPercent, "average": avg},
			})
		}
	}

	if len(e.history) > 10 {
		window := e.history[len(e.history)-10:]
		values := make([]float64, len(window))
		for i, h := range window {
			values[i] = h.MemoryPercent
		}
		trend := slope(values)
		if trend > 2 && values[len(values)-1] > 70 {
			found = append(found, heuristic{
				kind:     "memory_leak",
				severity: types.SeverityHigh,
				description: fmt.Sprintf("Potential memory leak detected: %.1f%% usage with increasing trend",
					values[len(values)-1]),
				details: map[string]interface{}{"trend": trend, "current_usage": values[len(values)-1]},
			})
		}
	}

	for _, h := range found {
		e.logger.Warn().Str("heuristic", h.kind).Msg("heuristic anomaly detected")
		details, _ := json.Marshal(h.details)
		_, err := e.store.InsertSecurityEvent(&types.SecurityEvent{
			EventType:   types.EventHeuristicAnomaly,
			Severity:    h.severity,
			Description: h.description,
			Details:     details,
		})
		if err != nil {
			e.logger.Error().Err(err).Msg("failed to record heuristic anomaly")
			continue
		}
		metrics.SecurityEventsTotal.WithLabelValues(types.EventHeuristicAnomaly, string(h.severity)).Inc()
	}
}

// retrainIfGrown retrains once the telemetry cache outgrows the last
// training set by half.
func (e *Engine) retrainIfGrown() {
	if e.trainedSamples < minTrainingSamples {
		return
	}
	n, err := e.store.TelemetryCount()
	if err != nil {
		return
	}
	if float64(n) > float64(e.trainedSamples)*1.5 {
		e.logger.Info().Int64("samples", n).Msg("retraining anomaly detection model")
		if err := e.Train(); err != nil {
			e.logger.Error().Err(err).Msg("retraining failed")
		}
	}
}

// slope is the least squares slope of values over their indices.
func slope(values []float64) float64 {
	n := float64(len(values))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range values {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	den := n*sumXX - sumX*sumX
	if den == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / den
}
