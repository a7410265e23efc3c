package ml

import (
	"math"
	"math/rand"
	"sort"

	"pipeline-copilot/pkg/domain/errors"
)

// treeNode is one node of a CART classification tree. Leaves carry the
// weighted class distribution of the training rows that reached them.
type treeNode struct {
	Leaf      bool
	Probs     []float64
	Feature   int
	Threshold float64
	Left      *treeNode
	Right     *treeNode
}

// forestEstimator bags CART trees over bootstrap resamples, with a random
// feature subset considered at every split.
type forestEstimator struct {
	Classes  []string
	Trees    []*treeNode
	NumTrees int
	MaxDepth int
	Seed     int64
}

func newForestEstimator(params map[string]float64) *forestEstimator {
	return &forestEstimator{
		NumTrees: int(paramOr(params, "trees", 20)),
		MaxDepth: int(paramOr(params, "max_depth", 10)),
		Seed:     int64(paramOr(params, "seed", 1)),
	}
}

func (f *forestEstimator) Params() map[string]float64 {
	return map[string]float64{
		"trees":     float64(f.NumTrees),
		"max_depth": float64(f.MaxDepth),
	}
}

func (f *forestEstimator) Fit(samples []Sample, classes []string, weights map[string]float64) error {
	if len(samples) == 0 {
		return errors.New(errors.CodeInsufficientData, "ml", "no samples to fit", nil)
	}
	f.Classes = classes
	f.Trees = make([]*treeNode, 0, f.NumTrees)

	idx := classIndex(classes)
	labels := make([]int, len(samples))
	rowWeights := make([]float64, len(samples))
	for i, s := range samples {
		labels[i] = idx[s.Label]
		rowWeights[i] = weights[s.Label]
		if rowWeights[i] == 0 {
			rowWeights[i] = 1
		}
	}

	dim := len(samples[0].Vector)
	mtry := int(math.Ceil(math.Sqrt(float64(dim))))
	if mtry < 1 {
		mtry = 1
	}

	rng := rand.New(rand.NewSource(f.Seed))
	b := &treeBuilder{
		samples:    samples,
		labels:     labels,
		rowWeights: rowWeights,
		numClasses: len(classes),
		maxDepth:   f.MaxDepth,
		mtry:       mtry,
		dim:        dim,
	}
	for t := 0; t < f.NumTrees; t++ {
		boot := make([]int, len(samples))
		for i := range boot {
			boot[i] = rng.Intn(len(samples))
		}
		b.rng = rng
		f.Trees = append(f.Trees, b.build(boot, 0))
	}
	return nil
}

func (f *forestEstimator) Predict(vec []float64, _ []string) []float64 {
	sums := make([]float64, len(f.Classes))
	for _, tree := range f.Trees {
		leaf := descend(tree, vec)
		for i, p := range leaf.Probs {
			sums[i] += p
		}
	}
	return normalizeProbs(sums)
}

func descend(node *treeNode, vec []float64) *treeNode {
	for !node.Leaf {
		if node.Feature < len(vec) && vec[node.Feature] <= node.Threshold {
			node = node.Left
		} else {
			node = node.Right
		}
	}
	return node
}

// treeBuilder grows a single CART tree over row indices into the shared
// sample set.
type treeBuilder struct {
	samples    []Sample
	labels     []int
	rowWeights []float64
	numClasses int
	maxDepth   int
	mtry       int
	dim        int
	rng        *rand.Rand
}

func (b *treeBuilder) build(rows []int, depth int) *treeNode {
	dist, total := b.distribution(rows)
	if depth >= b.maxDepth || len(rows) < 2 || gini(dist, total) == 0 {
		return leafNode(dist, total)
	}

	feature, threshold, gain := b.bestSplit(rows, dist, total)
	if gain <= 0 {
		return leafNode(dist, total)
	}

	var left, right []int
	for _, r := range rows {
		if b.samples[r].Vector[feature] <= threshold {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return leafNode(dist, total)
	}

	return &treeNode{
		Feature:   feature,
		Threshold: threshold,
		Left:      b.build(left, depth+1),
		Right:     b.build(right, depth+1),
	}
}

func (b *treeBuilder) distribution(rows []int) ([]float64, float64) {
	dist := make([]float64, b.numClasses)
	var total float64
	for _, r := range rows {
		dist[b.labels[r]] += b.rowWeights[r]
		total += b.rowWeights[r]
	}
	return dist, total
}

func (b *treeBuilder) bestSplit(rows []int, parentDist []float64, parentTotal float64) (int, float64, float64) {
	parentGini := gini(parentDist, parentTotal)
	bestFeature, bestThreshold, bestGain := -1, 0.0, 0.0

	for _, feature := range b.featureSubset() {
		values := make([]float64, 0, len(rows))
		for _, r := range rows {
			values = append(values, b.samples[r].Vector[feature])
		}
		sort.Float64s(values)

		prev := values[0]
		for _, v := range values[1:] {
			if v == prev {
				continue
			}
			threshold := (prev + v) / 2
			prev = v

			leftDist := make([]float64, b.numClasses)
			var leftTotal float64
			for _, r := range rows {
				if b.samples[r].Vector[feature] <= threshold {
					leftDist[b.labels[r]] += b.rowWeights[r]
					leftTotal += b.rowWeights[r]
				}
			}
			rightTotal := parentTotal - leftTotal
			if leftTotal == 0 || rightTotal == 0 {
				continue
			}
			rightDist := make([]float64, b.numClasses)
			for i := range rightDist {
				rightDist[i] = parentDist[i] - leftDist[i]
			}

			gain := parentGini -
				(leftTotal/parentTotal)*gini(leftDist, leftTotal) -
				(rightTotal/parentTotal)*gini(rightDist, rightTotal)
			if gain > bestGain {
				bestFeature, bestThreshold, bestGain = feature, threshold, gain
			}
		}
	}
	return bestFeature, bestThreshold, bestGain
}

func (b *treeBuilder) featureSubset() []int {
	if b.mtry >= b.dim {
		all := make([]int, b.dim)
		for i := range all {
			all[i] = i
		}
		return all
	}
	picked := make(map[int]struct{}, b.mtry)
	out := make([]int, 0, b.mtry)
	for len(out) < b.mtry {
		f := b.rng.Intn(b.dim)
		if _, dup := picked[f]; dup {
			continue
		}
		picked[f] = struct{}{}
		out = append(out, f)
	}
	sort.Ints(out)
	return out
}

func leafNode(dist []float64, total float64) *treeNode {
	probs := make([]float64, len(dist))
	if total > 0 {
		for i, d := range dist {
			probs[i] = d / total
		}
	} else {
		for i := range probs {
			probs[i] = 1 / float64(len(probs))
		}
	}
	return &treeNode{Leaf: true, Probs: probs}
}

func gini(dist []float64, total float64) float64 {
	if total == 0 {
		return 0
	}
	impurity := 1.0
	for _, d := range dist {
		p := d / total
		impurity -= p * p
	}
	return impurity
}
