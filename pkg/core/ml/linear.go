package ml

import (
	"math/rand"

	"pipeline-copilot/pkg/domain/errors"
)

// linearEstimator is multinomial logistic regression fitted by stochastic
// gradient descent with L2 regularization. The last weight column is the
// bias term.
type linearEstimator struct {
	Classes      []string
	Weights      [][]float64 // [class][feature+1]
	LearningRate float64
	Epochs       int
	L2           float64
	Seed         int64
}

func newLinearEstimator(params map[string]float64) *linearEstimator {
	return &linearEstimator{
		LearningRate: paramOr(params, "learning_rate", 0.1),
		Epochs:       int(paramOr(params, "epochs", 100)),
		L2:           paramOr(params, "l2", 1e-4),
		Seed:         int64(paramOr(params, "seed", 1)),
	}
}

func (l *linearEstimator) Params() map[string]float64 {
	return map[string]float64{
		"learning_rate": l.LearningRate,
		"epochs":        float64(l.Epochs),
		"l2":            l.L2,
	}
}

func (l *linearEstimator) Fit(samples []Sample, classes []string, weights map[string]float64) error {
	if len(samples) == 0 {
		return errors.New(errors.CodeInsufficientData, "ml", "no samples to fit", nil)
	}
	dim := len(samples[0].Vector)
	l.Classes = classes
	l.Weights = make([][]float64, len(classes))
	for i := range l.Weights {
		l.Weights[i] = make([]float64, dim+1)
	}

	labelIdx := classIndex(classes)
	rng := rand.New(rand.NewSource(l.Seed))

	for epoch := 0; epoch < l.Epochs; epoch++ {
		// Step size decays with the epoch so late updates refine rather
		// than overwrite.
		lr := l.LearningRate / (1 + 0.01*float64(epoch))
		for _, i := range shuffledIndices(len(samples), rng) {
			s := samples[i]
			target, ok := labelIdx[s.Label]
			if !ok {
				continue
			}
			probs := softmax(l.scores(s.Vector))
			w := weights[s.Label]
			if w == 0 {
				w = 1
			}
			for k := range l.Weights {
				grad := probs[k]
				if k == target {
					grad -= 1
				}
				grad *= w
				row := l.Weights[k]
				for j, x := range s.Vector {
					row[j] -= lr * (grad*x + l.L2*row[j])
				}
				row[dim] -= lr * grad
			}
		}
	}
	return nil
}

func (l *linearEstimator) Predict(vec []float64, _ []string) []float64 {
	return softmax(l.scores(vec))
}

func (l *linearEstimator) scores(vec []float64) []float64 {
	out := make([]float64, len(l.Weights))
	for k, row := range l.Weights {
		score := row[len(row)-1]
		limit := len(vec)
		if limit > len(row)-1 {
			limit = len(row) - 1
		}
		for j := 0; j < limit; j++ {
			score += row[j] * vec[j]
		}
		out[k] = score
	}
	return out
}
