package anomaly

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protekt/agent/pkg/config"
	"github.com/protekt/agent/pkg/storage"
	"github.com/protekt/agent/pkg/types"
)

func TestScalerStandardizes(t *testing.T) {
	s := &Scaler{}
	x := [][]float64{{1, 10}, {2, 20}, {3, 30}}
	require.NoError(t, s.Fit(x))

	assert.InDelta(t, 2.0, s.Mean[0], 1e-9)
	assert.InDelta(t, 20.0, s.Mean[1], 1e-9)

	out := s.Transform([]float64{2, 20})
	assert.InDelta(t, 0, out[0], 1e-9)
	assert.InDelta(t, 0, out[1], 1e-9)

	// Constant columns must not divide by zero.
	s2 := &Scaler{}
	require.NoError(t, s2.Fit([][]float64{{5}, {5}, {5}}))
	assert.Equal(t, []float64{0}, s2.Transform([]float64{5}))
}

func TestForestSeparatesOutliers(t *testing.T) {
	// A tight cluster with one far point: the far point must score lower.
	var x [][]float64
	for i := 0; i < 200; i++ {
		x = append(x, []float64{float64(i%10) * 0.1, float64(i%7) * 0.1})
	}

	f := NewForest(contamination)
	require.NoError(t, f.Fit(x, 1))

	inlier := f.Decision([]float64{0.5, 0.3})
	outlier := f.Decision([]float64{50, 50})
	assert.Greater(t, inlier, outlier)
	assert.Less(t, outlier, 0.0, "far point should score as anomalous")
}

func TestSlope(t *testing.T) {
	assert.InDelta(t, 3.0, slope([]float64{0, 3, 6, 9}), 1e-9)
	assert.InDelta(t, 0.0, slope([]float64{5, 5, 5, 5}), 1e-9)
	assert.Less(t, slope([]float64{9, 6, 3, 0}), 0.0)
}

func TestModelPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anomaly_model")

	// Nothing persisted yet.
	m, err := loadModel(path)
	require.NoError(t, err)
	assert.Nil(t, m)

	obs := syntheticObservations(minTrainingSamples)
	matrix := featureMatrix(obs)
	scaler := &Scaler{}
	require.NoError(t, scaler.Fit(matrix))
	forest := NewForest(contamination)
	require.NoError(t, forest.Fit(scaler.TransformAll(matrix), trainingSeed))

	require.NoError(t, saveModel(path, &modelArtifact{
		Forest:         forest,
		Scaler:         scaler,
		FeatureColumns: featureColumns,
		TrainedAt:      time.Now().UTC(),
		TrainedSamples: len(obs),
	}))

	loaded, err := loadModel(path)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, len(obs), loaded.TrainedSamples)
	assert.Equal(t, featureColumns, loaded.FeatureColumns)

	// The reloaded model must score identically.
	probe := scaler.Transform(featureVector(observation{
		CPUPercent: 30, MemoryPercent: 50, DiskPercent: 60, ProcessesCount: 150,
	}))
	assert.InDelta(t, forest.Decision(probe), loaded.Forest.Decision(probe), 1e-12)
}

func newTestEngine(t *testing.T) (*Engine, *storage.SQLiteStore) {
	t.Helper()
	root := t.TempDir()
	cfg, err := config.Load(filepath.Join(root, "agent.yaml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Set("agent", "data_dir", root))

	store, err := storage.NewSQLiteStore(filepath.Join(root, "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewEngine(store, cfg), store
}

func TestTrainFallsBackToSynthetic(t *testing.T) {
	e, _ := newTestEngine(t)

	require.NoError(t, e.Train())
	assert.True(t, e.forest.Trained())
	assert.Equal(t, minTrainingSamples, e.trainedSamples)

	// Typical behavior near the synthetic baseline scores as normal.
	score := e.forest.Decision(e.scaler.Transform(featureVector(observation{
		CPUPercent: 30, MemoryPercent: 50, DiskPercent: 60, ProcessesCount: 150,
		Timestamp: time.Now().UTC(),
	})))
	assert.False(t, math.IsNaN(score))
}

func TestCPUSpikeHeuristic(t *testing.T) {
	e, store := newTestEngine(t)

	// Six quiet samples build the history, then a spike.
	for i := 0; i < 6; i++ {
		e.Evaluate(observation{CPUPercent: 10, MemoryPercent: 40, DiskPercent: 50, ProcessesCount: 100})
	}
	e.Evaluate(observation{CPUPercent: 90, MemoryPercent: 40, DiskPercent: 50, ProcessesCount: 100})

	events, err := store.UnresolvedEvents(10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, types.EventHeuristicAnomaly, events[0].EventType)
	assert.Equal(t, types.SeverityMedium, events[0].Severity)
	assert.Contains(t, events[0].Description, "CPU usage spike")
}

func TestMemoryLeakHeuristic(t *testing.T) {
	e, store := newTestEngine(t)

	// Memory climbs 3 points per sample and ends above 70.
	for i := 0; i < 12; i++ {
		e.Evaluate(observation{CPUPercent: 10, MemoryPercent: 50 + float64(i)*3, DiskPercent: 50, ProcessesCount: 100})
	}

	events, err := store.UnresolvedEvents(10)
	require.NoError(t, err)

	var leak *types.SecurityEvent
	for i := range events {
		if events[i].Severity == types.SeverityHigh {
			leak = &events[i]
		}
	}
	require.NotNil(t, leak, "expected a memory leak event")
	assert.Contains(t, leak.Description, "memory leak")
}

func TestStableMemoryRaisesNoLeak(t *testing.T) {
	e, store := newTestEngine(t)

	for i := 0; i < 12; i++ {
		e.Evaluate(observation{CPUPercent: 10, MemoryPercent: 75, DiskPercent: 50, ProcessesCount: 100})
	}

	events, err := store.UnresolvedEvents(10)
	require.NoError(t, err)
	assert.Empty(t, events, "flat memory above 70% is not a leak")
}
