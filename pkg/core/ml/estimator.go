// Package ml trains and serves the category/severity/stage classifiers.
// Five estimator families share one training pipeline (feature extraction,
// stratified split, cross-validation) and one persistence format.
package ml

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"pipeline-copilot/pkg/domain/errors"
)

// Family selects the estimator algorithm behind a model.
type Family string

const (
	FamilyLinear           Family = "linear"
	FamilyNaiveBayes       Family = "naive_bayes"
	FamilyTreeEnsemble     Family = "tree_ensemble"
	FamilyGradientBoosting Family = "gradient_boosting"
	FamilySVM              Family = "svm"
)

// Families lists the supported estimator families in stable order.
func Families() []Family {
	return []Family{FamilyLinear, FamilyNaiveBayes, FamilyTreeEnsemble, FamilyGradientBoosting, FamilySVM}
}

// IsValid reports whether f names a supported family.
func (f Family) IsValid() bool {
	for _, known := range Families() {
		if f == known {
			return true
		}
	}
	return false
}

// ParseFamily validates a raw family string.
func ParseFamily(raw string) (Family, error) {
	f := Family(raw)
	if !f.IsValid() {
		return "", errors.New(errors.CodeInvalidParameter, "ml",
			fmt.Sprintf("unknown model family %q", raw), nil)
	}
	return f, nil
}

// Sample is one training row. Vector feeds the numeric families; Tokens
// feeds naive-bayes, which scores the raw trigram stream instead of the
// dense matrix.
type Sample struct {
	Vector []float64
	Tokens []string
	Label  string
}

// Estimator is the algorithm behind one trained model. Predict returns class
// probabilities aligned with the class slice passed to Fit, summing to 1.
type Estimator interface {
	Fit(samples []Sample, classes []string, weights map[string]float64) error
	Predict(vec []float64, tokens []string) []float64
	Params() map[string]float64
}

// newEstimator builds an unfitted estimator for a family. Params override
// the family defaults; unknown keys are ignored.
func newEstimator(family Family, params map[string]float64) (Estimator, error) {
	switch family {
	case FamilyLinear:
		return newLinearEstimator(params), nil
	case FamilyNaiveBayes:
		return newBayesEstimator(), nil
	case FamilyTreeEnsemble:
		return newForestEstimator(params), nil
	case FamilyGradientBoosting:
		return newBoostedEstimator(params), nil
	case FamilySVM:
		return newSVMEstimator(params), nil
	default:
		return nil, errors.New(errors.CodeInvalidParameter, "ml",
			fmt.Sprintf("unknown model family %q", family), nil)
	}
}

// paramGrid returns the hyperparameter combinations searched for a family.
// A nil grid means the family has nothing worth searching.
func paramGrid(family Family) []map[string]float64 {
	switch family {
	case FamilyLinear:
		return crossParams(map[string][]float64{
			"learning_rate": {0.05, 0.1, 0.3},
			"epochs":        {60, 120},
		})
	case FamilyTreeEnsemble:
		return crossParams(map[string][]float64{
			"trees":     {10, 30},
			"max_depth": {6, 10},
		})
	case FamilyGradientBoosting:
		return crossParams(map[string][]float64{
			"rounds":        {20, 40},
			"learning_rate": {0.1, 0.3},
		})
	case FamilySVM:
		return crossParams(map[string][]float64{
			"lambda": {0.001, 0.01},
		})
	default:
		return nil
	}
}

// crossParams expands a param → candidate-values map into the cartesian
// product of assignments, ordered deterministically by key.
func crossParams(grid map[string][]float64) []map[string]float64 {
	keys := make([]string, 0, len(grid))
	for k := range grid {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	combos := []map[string]float64{{}}
	for _, key := range keys {
		next := make([]map[string]float64, 0, len(combos)*len(grid[key]))
		for _, combo := range combos {
			for _, val := range grid[key] {
				cp := make(map[string]float64, len(combo)+1)
				for k, v := range combo {
					cp[k] = v
				}
				cp[key] = val
				next = append(next, cp)
			}
		}
		combos = next
	}
	return combos
}

func paramOr(params map[string]float64, key string, fallback float64) float64 {
	if v, ok := params[key]; ok {
		return v
	}
	return fallback
}

// softmax converts raw scores into a probability distribution. Scores are
// shifted by the max for numeric stability.
func softmax(scores []float64) []float64 {
	if len(scores) == 0 {
		return nil
	}
	maxScore := scores[0]
	for _, s := range scores[1:] {
		if s > maxScore {
			maxScore = s
		}
	}
	out := make([]float64, len(scores))
	var sum float64
	for i, s := range scores {
		out[i] = math.Exp(s - maxScore)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// normalizeProbs scales non-negative scores to sum to 1, falling back to a
// uniform distribution when everything is zero.
func normalizeProbs(scores []float64) []float64 {
	out := make([]float64, len(scores))
	var sum float64
	for i, s := range scores {
		if s < 0 {
			s = 0
		}
		out[i] = s
		sum += s
	}
	if sum == 0 {
		for i := range out {
			out[i] = 1 / float64(len(out))
		}
		return out
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func argmax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}

// classIndex maps labels to their column in the class slice.
func classIndex(classes []string) map[string]int {
	idx := make(map[string]int, len(classes))
	for i, c := range classes {
		idx[c] = i
	}
	return idx
}

// shuffledIndices returns a permutation of [0, n) from a seeded source.
func shuffledIndices(n int, rng *rand.Rand) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	rng.Shuffle(n, func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
	return idx
}
