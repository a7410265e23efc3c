package ml

import (
	"math"
	"math/rand"

	"pipeline-copilot/pkg/domain/errors"
)

// svmEstimator is an RBF-kernel SVM trained one-vs-rest with kernel Pegasos.
// After training, per-class coefficients already fold in the label sign and
// the 1/(lambda*T) scale, so a margin is a plain kernel-weighted sum over
// the retained support vectors.
type svmEstimator struct {
	Classes []string
	Lambda  float64
	Gamma   float64
	Iters   int
	Seed    int64

	Support [][]float64
	Coefs   [][]float64 // [class][supportIndex]
}

func newSVMEstimator(params map[string]float64) *svmEstimator {
	return &svmEstimator{
		Lambda: paramOr(params, "lambda", 0.01),
		Gamma:  paramOr(params, "gamma", 0), // 0 resolves to 1/dim at fit time
		Iters:  int(paramOr(params, "iters", 0)),
		Seed:   int64(paramOr(params, "seed", 1)),
	}
}

func (s *svmEstimator) Params() map[string]float64 {
	return map[string]float64{
		"lambda": s.Lambda,
		"gamma":  s.Gamma,
	}
}

func (s *svmEstimator) Fit(samples []Sample, classes []string, weights map[string]float64) error {
	if len(samples) == 0 {
		return errors.New(errors.CodeInsufficientData, "ml", "no samples to fit", nil)
	}
	n := len(samples)
	dim := len(samples[0].Vector)
	if s.Gamma == 0 {
		s.Gamma = 1 / math.Max(1, float64(dim))
	}
	iters := s.Iters
	if iters <= 0 {
		iters = 20 * n
		if iters < 500 {
			iters = 500
		}
		if iters > 2000 {
			iters = 2000
		}
	}

	idx := classIndex(classes)
	labels := make([]int, n)
	rowWeights := make([]float64, n)
	for i, smp := range samples {
		labels[i] = idx[smp.Label]
		rowWeights[i] = weights[smp.Label]
		if rowWeights[i] == 0 {
			rowWeights[i] = 1
		}
	}

	// The Gram matrix makes each Pegasos step a row scan instead of n
	// vector distance computations.
	gram := make([][]float64, n)
	for i := range gram {
		gram[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		gram[i][i] = 1
		for j := i + 1; j < n; j++ {
			k := rbf(samples[i].Vector, samples[j].Vector, s.Gamma)
			gram[i][j] = k
			gram[j][i] = k
		}
	}

	rng := rand.New(rand.NewSource(s.Seed))
	alphas := make([][]float64, len(classes))
	for c := range classes {
		alpha := make([]float64, n)
		y := make([]float64, n)
		for i := range y {
			if labels[i] == c {
				y[i] = 1
			} else {
				y[i] = -1
			}
		}
		for t := 1; t <= iters; t++ {
			i := rng.Intn(n)
			var decision float64
			for j := 0; j < n; j++ {
				if alpha[j] != 0 {
					decision += alpha[j] * y[j] * gram[j][i]
				}
			}
			decision /= s.Lambda * float64(t)
			if y[i]*decision < 1 {
				alpha[i] += rowWeights[i]
			}
		}
		scale := 1 / (s.Lambda * float64(iters))
		for i := range alpha {
			alpha[i] *= y[i] * scale
		}
		alphas[c] = alpha
	}

	// Keep only rows some class actually leans on.
	s.Support = s.Support[:0]
	s.Coefs = make([][]float64, len(classes))
	for c := range s.Coefs {
		s.Coefs[c] = nil
	}
	for i := 0; i < n; i++ {
		used := false
		for c := range classes {
			if alphas[c][i] != 0 {
				used = true
				break
			}
		}
		if !used {
			continue
		}
		vec := make([]float64, dim)
		copy(vec, samples[i].Vector)
		s.Support = append(s.Support, vec)
		for c := range classes {
			s.Coefs[c] = append(s.Coefs[c], alphas[c][i])
		}
	}

	s.Classes = classes
	s.Iters = iters
	return nil
}

func (s *svmEstimator) Predict(vec []float64, _ []string) []float64 {
	margins := make([]float64, len(s.Classes))
	kernels := make([]float64, len(s.Support))
	for j, sv := range s.Support {
		kernels[j] = rbf(sv, vec, s.Gamma)
	}
	for c := range margins {
		var sum float64
		for j, k := range kernels {
			sum += s.Coefs[c][j] * k
		}
		margins[c] = sum
	}
	return softmax(margins)
}

func rbf(a, b []float64, gamma float64) float64 {
	var dist float64
	limit := len(a)
	if len(b) < limit {
		limit = len(b)
	}
	for i := 0; i < limit; i++ {
		d := a[i] - b[i]
		dist += d * d
	}
	for i := limit; i < len(a); i++ {
		dist += a[i] * a[i]
	}
	for i := limit; i < len(b); i++ {
		dist += b[i] * b[i]
	}
	return math.Exp(-gamma * dist)
}
