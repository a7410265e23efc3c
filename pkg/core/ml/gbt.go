package ml

import (
	"sort"

	"pipeline-copilot/pkg/domain/errors"
)

// regNode is one node of a regression tree fitted to per-class gradients.
type regNode struct {
	Leaf      bool
	Value     float64
	Feature   int
	Threshold float64
	Left      *regNode
	Right     *regNode
}

// boostedEstimator is multiclass gradient boosting: each round fits one
// shallow regression tree per class to the residual between the one-hot
// label and the current softmax probability.
type boostedEstimator struct {
	Classes      []string
	Rounds       int
	LearningRate float64
	MaxDepth     int
	Trees        [][]*regNode // [round][class]
}

func newBoostedEstimator(params map[string]float64) *boostedEstimator {
	return &boostedEstimator{
		Rounds:       int(paramOr(params, "rounds", 30)),
		LearningRate: paramOr(params, "learning_rate", 0.1),
		MaxDepth:     int(paramOr(params, "max_depth", 2)),
	}
}

func (g *boostedEstimator) Params() map[string]float64 {
	return map[string]float64{
		"rounds":        float64(g.Rounds),
		"learning_rate": g.LearningRate,
		"max_depth":     float64(g.MaxDepth),
	}
}

func (g *boostedEstimator) Fit(samples []Sample, classes []string, weights map[string]float64) error {
	if len(samples) == 0 {
		return errors.New(errors.CodeInsufficientData, "ml", "no samples to fit", nil)
	}
	g.Classes = classes
	g.Trees = make([][]*regNode, 0, g.Rounds)

	idx := classIndex(classes)
	n, k := len(samples), len(classes)

	rowWeights := make([]float64, n)
	labels := make([]int, n)
	for i, s := range samples {
		labels[i] = idx[s.Label]
		rowWeights[i] = weights[s.Label]
		if rowWeights[i] == 0 {
			rowWeights[i] = 1
		}
	}

	scores := make([][]float64, n)
	for i := range scores {
		scores[i] = make([]float64, k)
	}

	rows := make([]int, n)
	for i := range rows {
		rows[i] = i
	}

	residuals := make([]float64, n)
	for round := 0; round < g.Rounds; round++ {
		roundTrees := make([]*regNode, k)
		for c := 0; c < k; c++ {
			for i := range samples {
				probs := softmax(scores[i])
				target := 0.0
				if labels[i] == c {
					target = 1
				}
				residuals[i] = rowWeights[i] * (target - probs[c])
			}
			tree := fitRegTree(samples, residuals, rows, g.MaxDepth)
			roundTrees[c] = tree
			for i, s := range samples {
				scores[i][c] += g.LearningRate * descendReg(tree, s.Vector)
			}
		}
		g.Trees = append(g.Trees, roundTrees)
	}
	return nil
}

func (g *boostedEstimator) Predict(vec []float64, _ []string) []float64 {
	scores := make([]float64, len(g.Classes))
	for _, roundTrees := range g.Trees {
		for c, tree := range roundTrees {
			scores[c] += g.LearningRate * descendReg(tree, vec)
		}
	}
	return softmax(scores)
}

func descendReg(node *regNode, vec []float64) float64 {
	for !node.Leaf {
		if node.Feature < len(vec) && vec[node.Feature] <= node.Threshold {
			node = node.Left
		} else {
			node = node.Right
		}
	}
	return node.Value
}

// fitRegTree grows a squared-error regression tree over the given rows.
// Splits are scanned in sorted feature order with running sums, so each
// feature costs one sort plus one pass.
func fitRegTree(samples []Sample, residuals []float64, rows []int, depth int) *regNode {
	if depth <= 0 || len(rows) < 2 {
		return &regNode{Leaf: true, Value: meanResidual(residuals, rows)}
	}

	dim := len(samples[rows[0]].Vector)
	var totalSum float64
	for _, r := range rows {
		totalSum += residuals[r]
	}
	total := float64(len(rows))

	bestFeature, bestThreshold := -1, 0.0
	bestScore := 0.0

	ordered := make([]int, len(rows))
	for feature := 0; feature < dim; feature++ {
		copy(ordered, rows)
		sort.Slice(ordered, func(a, b int) bool {
			return samples[ordered[a]].Vector[feature] < samples[ordered[b]].Vector[feature]
		})

		// Maximizing sumL²/nL + sumR²/nR is equivalent to minimizing the
		// split's total squared error.
		var leftSum float64
		for i := 0; i < len(ordered)-1; i++ {
			r := ordered[i]
			leftSum += residuals[r]
			v, next := samples[r].Vector[feature], samples[ordered[i+1]].Vector[feature]
			if v == next {
				continue
			}
			nL := float64(i + 1)
			nR := total - nL
			rightSum := totalSum - leftSum
			score := leftSum*leftSum/nL + rightSum*rightSum/nR
			if score > bestScore {
				bestFeature = feature
				bestThreshold = (v + next) / 2
				bestScore = score
			}
		}
	}

	baseline := totalSum * totalSum / total
	if bestFeature < 0 || bestScore <= baseline {
		return &regNode{Leaf: true, Value: meanResidual(residuals, rows)}
	}

	var left, right []int
	for _, r := range rows {
		if samples[r].Vector[bestFeature] <= bestThreshold {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &regNode{Leaf: true, Value: meanResidual(residuals, rows)}
	}

	return &regNode{
		Feature:   bestFeature,
		Threshold: bestThreshold,
		Left:      fitRegTree(samples, residuals, left, depth-1),
		Right:     fitRegTree(samples, residuals, right, depth-1),
	}
}

func meanResidual(residuals []float64, rows []int) float64 {
	if len(rows) == 0 {
		return 0
	}
	var sum float64
	for _, r := range rows {
		sum += residuals[r]
	}
	return sum / float64(len(rows))
}
