package anomaly

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/kubilitics/kubilitics-optimizer/internal/analytics/stats"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

// IsolationConfig tunes the forest.
type IsolationConfig struct {
	NumTrees      int
	SubsampleSize int
	MaxDepth      int
	// Seed makes tree construction reproducible. Zero seeds from the clock.
	Seed int64
}

// DefaultIsolationConfig returns the standard forest shape.
func DefaultIsolationConfig() IsolationConfig {
	return IsolationConfig{NumTrees: 100, SubsampleSize: 256, MaxDepth: 10}
}

// isolationNode is one node of an isolation tree. Internal nodes remember the
// observed range of their split feature so that points far outside the
// training data isolate early.
type isolationNode struct {
	splitFeature int
	splitValue   float64
	lo, hi       float64
	left         *isolationNode
	right        *isolationNode
	size         int
	isLeaf       bool
}

// point is a (value, first difference) feature vector.
type point [2]float64

// IsolationForestDetector scores points by how quickly random partitions
// isolate them.
type IsolationForestDetector struct {
	cfg         IsolationConfig
	sensitivity float64

	mu      sync.RWMutex
	rng     *rand.Rand
	trees   []*isolationNode
	psi     int // effective subsample size
	summary stats.Summary
}

// NewIsolationForestDetector creates an untrained forest. Trees are built by
// Train.
func NewIsolationForestDetector(cfg IsolationConfig, sensitivity float64) *IsolationForestDetector {
	def := DefaultIsolationConfig()
	if cfg.NumTrees <= 0 {
		cfg.NumTrees = def.NumTrees
	}
	if cfg.SubsampleSize <= 1 {
		cfg.SubsampleSize = def.SubsampleSize
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = def.MaxDepth
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &IsolationForestDetector{
		cfg:         cfg,
		sensitivity: clamp01(sensitivity),
		rng:         rand.New(rand.NewSource(seed)),
	}
}

func (f *IsolationForestDetector) Variant() models.DetectionVariant {
	return models.VariantIsolationForest
}

// Threshold is the score above which a point is anomalous.
func (f *IsolationForestDetector) Threshold() float64 {
	return 0.5 + 0.3*f.sensitivity
}

// Train builds the forest. Cancellation is checked between trees; a cancelled
// run leaves the previous forest in place.
func (f *IsolationForestDetector) Train(ctx context.Context, values []float64) error {
	if len(values) < minTrainingSamples {
		return &models.InsufficientDataError{Op: "train isolation forest", Need: minTrainingSamples, Got: len(values)}
	}

	diffs := stats.Diff(values)
	data := make([]point, len(values))
	for i, v := range values {
		data[i] = point{v, diffs[i]}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	trees := make([]*isolationNode, 0, f.cfg.NumTrees)
	for i := 0; i < f.cfg.NumTrees; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		sample := f.sampleData(data)
		trees = append(trees, f.buildTree(sample, 0))
	}

	f.trees = trees
	f.psi = min(f.cfg.SubsampleSize, len(data))
	f.summary = stats.Summarize(values)
	return nil
}

// Detect scores value with prev as the preceding sample.
func (f *IsolationForestDetector) Detect(value, prev float64) Result {
	f.mu.RLock()
	defer f.mu.RUnlock()

	threshold := f.Threshold()
	if len(f.trees) == 0 {
		return Result{Threshold: threshold, Reason: ReasonNotTrained}
	}

	p := point{value, value - prev}
	total := 0.0
	for _, tree := range f.trees {
		total += pathLength(tree, p, 0)
	}
	avg := total / float64(len(f.trees))

	score := 1.0
	if c := averagePathLength(f.psi); c > 0 {
		score = math.Pow(2, -avg/c)
	}

	return Result{
		IsAnomaly: score > threshold,
		Score:     clamp01(score),
		Threshold: threshold,
		Method:    MethodIsolation,
	}
}

func (f *IsolationForestDetector) Trained() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.trees) > 0
}

func (f *IsolationForestDetector) Statistics() models.TrainedStatistics {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return models.TrainedStatistics{
		Mean:        f.summary.Mean,
		StdDev:      f.summary.StdDev,
		Median:      f.summary.Median,
		Q1:          f.summary.Q1,
		Q3:          f.summary.Q3,
		MAD:         f.summary.MAD,
		SampleCount: f.summary.Count,
		Trees:       len(f.trees),
	}
}

// sampleData draws a subsample without replacement (partial Fisher-Yates).
func (f *IsolationForestDetector) sampleData(data []point) []point {
	n := min(f.cfg.SubsampleSize, len(data))
	shuffled := make([]point, len(data))
	copy(shuffled, data)
	for i := 0; i < n; i++ {
		j := i + f.rng.Intn(len(shuffled)-i)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}
	return shuffled[:n]
}

func (f *IsolationForestDetector) buildTree(data []point, depth int) *isolationNode {
	if len(data) <= 1 || depth >= f.cfg.MaxDepth || allIdentical(data) {
		return &isolationNode{size: len(data), isLeaf: true}
	}

	feature := f.rng.Intn(len(point{}))
	lo, hi := featureRange(data, feature)
	if hi == lo {
		// The chosen feature is constant here; try the other one.
		feature = 1 - feature
		lo, hi = featureRange(data, feature)
	}
	splitValue := lo + f.rng.Float64()*(hi-lo)

	left, right := splitData(data, feature, splitValue)
	if len(left) == 0 || len(right) == 0 {
		return &isolationNode{size: len(data), isLeaf: true}
	}

	return &isolationNode{
		splitFeature: feature,
		splitValue:   splitValue,
		lo:           lo,
		hi:           hi,
		left:         f.buildTree(left, depth+1),
		right:        f.buildTree(right, depth+1),
		size:         len(data),
	}
}

// pathLength returns the expected isolation depth of p. When p lies outside
// the node's observed range on the split feature, a split drawn over the
// range extended to p would separate p immediately with probability
// (distance outside)/(extended width); the expectation mixes that outcome
// with the regular descent.
func pathLength(node *isolationNode, p point, depth int) float64 {
	if node.isLeaf {
		return float64(depth) + averagePathLength(node.size)
	}

	v := p[node.splitFeature]
	var isolated float64
	switch {
	case v > node.hi:
		isolated = (v - node.hi) / (v - node.lo)
	case v < node.lo:
		isolated = (node.lo - v) / (node.hi - v)
	}

	next := node.right
	if v < node.splitValue {
		next = node.left
	}
	rest := pathLength(next, p, depth+1)
	return isolated*float64(depth+1) + (1-isolated)*rest
}

// averagePathLength is c(n), the average unsuccessful search length in a
// binary search tree of n points.
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	// H(n-1) ≈ ln(n-1) + Euler-Mascheroni
	harmonic := math.Log(float64(n-1)) + 0.5772156649
	return 2*harmonic - 2*float64(n-1)/float64(n)
}

func allIdentical(data []point) bool {
	for i := 1; i < len(data); i++ {
		for j := range data[0] {
			if math.Abs(data[i][j]-data[0][j]) > 1e-10 {
				return false
			}
		}
	}
	return true
}

func featureRange(data []point, feature int) (float64, float64) {
	lo, hi := data[0][feature], data[0][feature]
	for _, p := range data[1:] {
		lo = math.Min(lo, p[feature])
		hi = math.Max(hi, p[feature])
	}
	return lo, hi
}

func splitData(data []point, feature int, splitValue float64) ([]point, []point) {
	var left, right []point
	for _, p := range data {
		if p[feature] < splitValue {
			left = append(left, p)
		} else {
			right = append(right, p)
		}
	}
	return left, right
}
