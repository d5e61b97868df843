package anomaly

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// Node is one node of an isolation tree. Exported fields keep the tree
// gob-serializable for the model store.
type Node struct {
	Feature int
	Value   float64
	Left    *Node
	Right   *Node
	Size    int
}

// Forest is an isolation forest: an ensemble of randomly built trees where
// anomalous points isolate in fewer splits than normal ones. Scoring
// follows the usual convention of decision values below zero meaning
// anomalous, with the zero point set so that roughly the contamination
// fraction of the training set falls below it.
type Forest struct {
	Trees         []*Node
	SubsampleSize int
	NumFeatures   int
	Offset        float64
	Contamination float64
}

// NewForest creates an untrained forest.
func NewForest(contamination float64) *Forest {
	return &Forest{Contamination: contamination}
}

const defaultEstimators = 100

// Fit builds the ensemble from the scaled training matrix.
func (f *Forest) Fit(x [][]float64, seed int64) error {
	if len(x) == 0 {
		return fmt.Errorf("empty training set")
	}
	f.NumFeatures = len(x[0])
	f.SubsampleSize = len(x)
	if f.SubsampleSize > 256 {
		f.SubsampleSize = 256
	}
	heightLimit := int(math.Ceil(math.Log2(float64(f.SubsampleSize))))

	rng := rand.New(rand.NewSource(seed))
	f.Trees = make([]*Node, defaultEstimators)
	for i := range f.Trees {
		sample := subsample(x, f.SubsampleSize, rng)
		f.Trees[i] = buildTree(sample, 0, heightLimit, rng)
	}

	// Anchor the decision boundary so the contamination fraction of the
	// training data scores below zero.
	scores := make([]float64, len(x))
	for i, row := range x {
		scores[i] = f.scoreSample(row)
	}
	sort.Float64s(scores)
	f.Offset = quantile(scores, f.Contamination)
	return nil
}

// Decision returns the decision value for one scaled sample. Negative
// means the forest considers the sample anomalous.
func (f *Forest) Decision(row []float64) float64 {
	return f.scoreSample(row) - f.Offset
}

// Trained reports whether Fit has been called.
func (f *Forest) Trained() bool {
	return len(f.Trees) > 0
}

// scoreSample computes the negated anomaly score, matching the convention
// where values near -1 are highly anomalous and values near -0.5 normal.
func (f *Forest) scoreSample(row []float64) float64 {
	var total float64
	for _, t := range f.Trees {
		total += pathLength(t, row, 0)
	}
	avgPath := total / float64(len(f.Trees))
	return -math.Pow(2, -avgPath/avgPathLength(f.SubsampleSize))
}

func buildTree(x [][]float64, depth, heightLimit int, rng *rand.Rand) *Node {
	if depth >= heightLimit || len(x) <= 1 {
		return &Node{Feature: -1, Size: len(x)}
	}

	feature := rng.Intn(len(x[0]))
	min, max := x[0][feature], x[0][feature]
	for _, row := range x {
		if row[feature] < min {
			min = row[feature]
		}
		if row[feature] > max {
			max = row[feature]
		}
	}
	if min == max {
		return &Node{Feature: -1, Size: len(x)}
	}

	split := min + rng.Float64()*(max-min)
	var left, right [][]float64
	for _, row := range x {
		if row[feature] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	return &Node{
		Feature: feature,
		Value:   split,
		Left:    buildTree(left, depth+1, heightLimit, rng),
		Right:   buildTree(right, depth+1, heightLimit, rng),
	}
}

func pathLength(n *Node, row []float64, depth int) float64 {
	if n.Feature < 0 {
		return float64(depth) + avgPathLength(n.Size)
	}
	if row[n.Feature] < n.Value {
		return pathLength(n.Left, row, depth+1)
	}
	return pathLength(n.Right, row, depth+1)
}

// avgPathLength is the expected path length of an unsuccessful BST search
// in a tree of n points, the normalization constant of the algorithm.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	h := math.Log(float64(n-1)) + 0.5772156649
	return 2*h - 2*float64(n-1)/float64(n)
}

func subsample(x [][]float64, size int, rng *rand.Rand) [][]float64 {
	if size >= len(x) {
		return x
	}
	idx := rng.Perm(len(x))[:size]
	out := make([][]float64, size)
	for i, j := range idx {
		out[i] = x[j]
	}
	return out
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
