package anomaly

import (
	"math"
	"time"
)

// featureColumns is the fixed feature order of the model. Changing it
// invalidates persisted models.
var featureColumns = []string{
	"cpu_percent", "memory_percent", "disk_percent", "processes_count",
	"cpu_memory_ratio", "resource_usage", "hour_of_day", "day_of_week",
	"cpu_rolling_mean", "memory_rolling_std",
}

// observation is one system state the engine scores or trains on.
type observation struct {
	CPUPercent     float64
	MemoryPercent  float64
	DiskPercent    float64
	ProcessesCount float64
	Timestamp      time.Time
}

// featureMatrix derives the training matrix from a series of
// observations. Rolling statistics use a five-sample window when the
// series is long enough to make them meaningful.
func featureMatrix(obs []observation) [][]float64 {
	useRolling := len(obs) > 10
	out := make([][]float64, len(obs))
	for i, o := range obs {
		rollingMean := o.CPUPercent
		rollingStd := 0.0
		if useRolling {
			lo := i - 4
			if lo < 0 {
				lo = 0
			}
			window := obs[lo : i+1]
			rollingMean = meanCPU(window)
			rollingStd = stdMemory(window)
		}
		out[i] = featureRow(o, rollingMean, rollingStd)
	}
	return out
}

// featureVector derives the scoring vector for a single observation. With
// no surrounding series the rolling mean degenerates to the current CPU
// value and the rolling deviation to zero.
func featureVector(o observation) []float64 {
	return featureRow(o, o.CPUPercent, 0)
}

func featureRow(o observation, rollingMeanCPU, rollingStdMem float64) []float64 {
	hour, dow := 12.0, 1.0
	if !o.Timestamp.IsZero() {
		hour = float64(o.Timestamp.Hour())
		// Monday is 0.
		dow = float64((int(o.Timestamp.Weekday()) + 6) % 7)
	}
	return []float64{
		o.CPUPercent,
		o.MemoryPercent,
		o.DiskPercent,
		o.ProcessesCount,
		o.CPUPercent / (o.MemoryPercent + 1),
		(o.CPUPercent + o.MemoryPercent + o.DiskPercent) / 3,
		hour,
		dow,
		rollingMeanCPU,
		rollingStdMem,
	}
}

func meanCPU(obs []observation) float64 {
	if len(obs) == 0 {
		return 0
	}
	var sum float64
	for _, o := range obs {
		sum += o.CPUPercent
	}
	return sum / float64(len(obs))
}

func stdMemory(obs []observation) float64 {
	if len(obs) < 2 {
		return 0
	}
	var sum float64
	for _, o := range obs {
		sum += o.MemoryPercent
	}
	mean := sum / float64(len(obs))
	var ss float64
	for _, o := range obs {
		d := o.MemoryPercent - mean
		ss += d * d
	}
	// Sample standard deviation.
	return math.Sqrt(ss / float64(len(obs)-1))
}
