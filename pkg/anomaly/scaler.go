package anomaly

import (
	"fmt"
	"math"
)

// Scaler standardizes features to zero mean and unit variance, fit on the
// training set and reused for every scored sample.
type Scaler struct {
	Mean []float64
	Std  []float64
}

// Fit computes per-feature mean and standard deviation.
func (s *Scaler) Fit(x [][]float64) error {
	if len(x) == 0 {
		return fmt.Errorf("empty training set")
	}
	cols := len(x[0])
	s.Mean = make([]float64, cols)
	s.Std = make([]float64, cols)

	for _, row := range x {
		for j, v := range row {
			s.Mean[j] += v
		}
	}
	n := float64(len(x))
	for j := range s.Mean {
		s.Mean[j] /= n
	}

	for _, row := range x {
		for j, v := range row {
			d := v - s.Mean[j]
			s.Std[j] += d * d
		}
	}
	for j := range s.Std {
		s.Std[j] = math.Sqrt(s.Std[j] / n)
		if s.Std[j] == 0 {
			s.Std[j] = 1
		}
	}
	return nil
}

// Transform returns the standardized copy of one sample.
func (s *Scaler) Transform(row []float64) []float64 {
	out := make([]float64, len(row))
	for j, v := range row {
		out[j] = (v - s.Mean[j]) / s.Std[j]
	}
	return out
}

// TransformAll standardizes a whole matrix.
func (s *Scaler) TransformAll(x [][]float64) [][]float64 {
	out := make([][]float64, len(x))
	for i, row := range x {
		out[i] = s.Transform(row)
	}
	return out
}
