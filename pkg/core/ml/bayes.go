package ml

import (
	"bytes"
	"encoding/gob"
	"math"

	"github.com/jbrukh/bayesian"

	"pipeline-copilot/pkg/domain/errors"
)

// bayesEstimator wraps the multinomial naive-bayes classifier. It scores the
// trigram token stream, not the dense vector. Class weights are applied as a
// log-prior shift at prediction time.
type bayesEstimator struct {
	classes []string
	shifts  []float64
	learned int
	clf     *bayesian.Classifier
}

func newBayesEstimator() *bayesEstimator {
	return &bayesEstimator{}
}

func (b *bayesEstimator) Params() map[string]float64 { return map[string]float64{} }

func (b *bayesEstimator) Fit(samples []Sample, classes []string, weights map[string]float64) error {
	if len(classes) < 2 {
		return errors.New(errors.CodeInsufficientData, "ml",
			"naive-bayes needs at least two classes", nil)
	}
	libClasses := make([]bayesian.Class, len(classes))
	for i, c := range classes {
		libClasses[i] = bayesian.Class(c)
	}
	clf := bayesian.NewClassifier(libClasses...)

	idx := classIndex(classes)
	learned := 0
	for _, s := range samples {
		if _, ok := idx[s.Label]; !ok || len(s.Tokens) == 0 {
			continue
		}
		clf.Learn(s.Tokens, bayesian.Class(s.Label))
		learned++
	}

	shifts := make([]float64, len(classes))
	for i, c := range classes {
		if w := weights[c]; w > 0 {
			shifts[i] = math.Log(w)
		}
	}

	b.classes = classes
	b.shifts = shifts
	b.learned = learned
	b.clf = clf
	return nil
}

func (b *bayesEstimator) Predict(_ []float64, tokens []string) []float64 {
	if b.clf == nil || b.learned == 0 {
		return normalizeProbs(make([]float64, len(b.classes)))
	}
	// LogScores stays numerically stable for long token streams where raw
	// probability products underflow.
	logs, _, _ := b.clf.LogScores(tokens)
	shifted := make([]float64, len(logs))
	for i, s := range logs {
		shifted[i] = s + b.shifts[i]
	}
	return softmax(shifted)
}

// bayesState is the gob payload. The wrapped classifier serializes itself
// through its own WriteTo format.
type bayesState struct {
	Classes []string
	Shifts  []float64
	Learned int
	Payload []byte
}

func (b *bayesEstimator) GobEncode() ([]byte, error) {
	var payload bytes.Buffer
	if b.clf != nil {
		if err := b.clf.WriteTo(&payload); err != nil {
			return nil, err
		}
	}
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(bayesState{
		Classes: b.classes,
		Shifts:  b.shifts,
		Learned: b.learned,
		Payload: payload.Bytes(),
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (b *bayesEstimator) GobDecode(data []byte) error {
	var state bayesState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&state); err != nil {
		return err
	}
	b.classes = state.Classes
	b.shifts = state.Shifts
	b.learned = state.Learned
	b.clf = nil
	if len(state.Payload) > 0 {
		clf, err := bayesian.NewClassifierFromReader(bytes.NewReader(state.Payload))
		if err != nil {
			return err
		}
		b.clf = clf
	}
	return nil
}
