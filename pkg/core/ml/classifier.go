package ml

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pipeline-copilot/pkg/core/features"
	"pipeline-copilot/pkg/domain"
	"pipeline-copilot/pkg/domain/errors"
)

// TrainOptions tunes one training run. Zero values select the defaults
// documented on each field.
type TrainOptions struct {
	TestFraction float64            // stratified holdout fraction, default 0.2
	Folds        int                // cross-validation folds, default 5
	Weights      map[string]float64 // class weights; inverse-frequency when empty
	GridSearch   bool               // search the family's parameter grid by CV accuracy
	VocabSize    int                // trigram vocabulary bound, default features.DefaultVocabularySize
	Seed         int64              // rng seed for splits and estimators, default 1
}

func (o TrainOptions) withDefaults() TrainOptions {
	if o.TestFraction <= 0 || o.TestFraction >= 1 {
		o.TestFraction = 0.2
	}
	if o.Folds <= 0 {
		o.Folds = 5
	}
	if o.VocabSize <= 0 {
		o.VocabSize = features.DefaultVocabularySize
	}
	if o.Seed == 0 {
		o.Seed = 1
	}
	return o
}

// TrainingReport records the metrics of one completed training run. It is
// both the training_history.json entry and the payload behind model info
// queries.
type TrainingReport struct {
	Target            domain.Target      `json:"target"`
	Family            Family             `json:"family"`
	TrainedAt         time.Time          `json:"trained_at"`
	SampleCount       int                `json:"sample_count"`
	FeatureCount      int                `json:"feature_count"`
	Classes           []string           `json:"classes"`
	ClassDistribution map[string]int     `json:"class_distribution"`
	Accuracy          float64            `json:"accuracy"`
	TrainAccuracy     float64            `json:"train_accuracy"`
	Precision         float64            `json:"precision"`
	Recall            float64            `json:"recall"`
	F1                float64            `json:"f1"`
	CVScores          []float64          `json:"cv_scores"`
	CVMean            float64            `json:"cv_mean"`
	BestParams        map[string]float64 `json:"best_params,omitempty"`
}

// Model pairs a fitted estimator with the vocabulary it was extracted
// against. The pair is immutable after training; swapping in a retrained
// model replaces the whole value.
type Model struct {
	Target     domain.Target
	Family     Family
	Classes    []string
	Vocabulary *features.Vocabulary
	Estimator  Estimator
	Report     TrainingReport
}

// Probabilities scores one error and returns the class probability map.
func (m *Model) Probabilities(rec *domain.PipelineError) map[string]float64 {
	ex := features.NewExtractor(m.Vocabulary)
	probs := m.Estimator.Predict(ex.Extract(rec), ex.Tokens(rec))
	out := make(map[string]float64, len(m.Classes))
	for i, class := range m.Classes {
		if i < len(probs) {
			out[class] = probs[i]
		}
	}
	return out
}

type modelKey struct {
	target domain.Target
	family Family
}

// Classifier trains and serves models for the category, severity, and stage
// targets. Loaded models are swapped atomically; a request that already
// fetched a model keeps scoring against it even if a retrain lands mid-way.
type Classifier struct {
	dir    string
	clock  domain.Clock
	logger zerolog.Logger

	mu     sync.RWMutex
	models map[modelKey]*Model
}

// New builds a classifier persisting models under dir. An empty dir disables
// persistence, which is how unit tests run.
func New(dir string, clock domain.Clock, logger zerolog.Logger) *Classifier {
	return &Classifier{
		dir:    dir,
		clock:  clock,
		logger: logger.With().Str("component", "ml").Logger(),
		models: make(map[modelKey]*Model),
	}
}

// Train fits one (target, family) model from historical error records,
// evaluates it on a stratified holdout, persists it, and hot-swaps it into
// the registry. Fails with an insufficient-data error when the target has
// fewer than two distinct classes.
func (c *Classifier) Train(ctx context.Context, records []*domain.PipelineError, target domain.Target, family Family, opts TrainOptions) (*TrainingReport, error) {
	if !target.IsValid() {
		return nil, errors.New(errors.CodeInvalidParameter, "ml",
			fmt.Sprintf("unknown training target %q", target), nil)
	}
	if !family.IsValid() {
		return nil, errors.New(errors.CodeInvalidParameter, "ml",
			fmt.Sprintf("unknown model family %q", family), nil)
	}
	opts = opts.withDefaults()

	labeled := make([]*domain.PipelineError, 0, len(records))
	labels := make([]string, 0, len(records))
	distribution := make(map[string]int)
	for _, rec := range records {
		if rec == nil {
			continue
		}
		label := target.LabelOf(rec)
		if label == "" {
			continue
		}
		labeled = append(labeled, rec)
		labels = append(labels, label)
		distribution[label]++
	}
	if len(distribution) < 2 {
		return nil, errors.New(errors.CodeInsufficientData, "ml",
			fmt.Sprintf("target %q has %d distinct class(es), need at least 2", target, len(distribution)), nil)
	}

	classes := make([]string, 0, len(distribution))
	for class := range distribution {
		classes = append(classes, class)
	}
	sort.Strings(classes)

	rng := rand.New(rand.NewSource(opts.Seed))
	trainIdx, testIdx := stratifiedSplit(labels, opts.TestFraction, rng)

	weights := opts.Weights
	if len(weights) == 0 {
		weights = inverseFrequencyWeights(labels, trainIdx)
	}

	// The vocabulary is fitted on the training split only; holdout rows are
	// extracted against it exactly as inference traffic will be.
	trainMsgs := make([]string, len(trainIdx))
	for i, r := range trainIdx {
		trainMsgs[i] = labeled[r].Message
	}
	vocab := features.FitVocabulary(trainMsgs, opts.VocabSize)
	extractor := features.NewExtractor(vocab)

	trainSamples := buildSamples(extractor, labeled, labels, trainIdx)
	testSamples := buildSamples(extractor, labeled, labels, testIdx)

	params := map[string]float64{}
	var cvScores []float64
	if opts.GridSearch {
		best, scores, err := c.gridSearch(ctx, family, trainSamples, classes, weights, opts)
		if err != nil {
			return nil, err
		}
		params = best
		cvScores = scores
	} else {
		scores, err := crossValidate(ctx, family, params, trainSamples, classes, weights, opts.Folds, opts.Seed)
		if err != nil {
			return nil, err
		}
		cvScores = scores
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.New(errors.CodeTimeout, "ml", "training cancelled", err)
	}

	est, err := newEstimator(family, withSeed(params, opts.Seed))
	if err != nil {
		return nil, err
	}
	if err := est.Fit(trainSamples, classes, weights); err != nil {
		return nil, err
	}

	evalSamples := testSamples
	if len(evalSamples) == 0 {
		evalSamples = trainSamples
	}
	accuracy, precision, recall, f1 := evaluate(est, evalSamples, classes)
	trainAccuracy, _, _, _ := evaluate(est, trainSamples, classes)

	report := TrainingReport{
		Target:            target,
		Family:            family,
		TrainedAt:         c.clock.Now(),
		SampleCount:       len(labeled),
		FeatureCount:      extractor.FeatureCount(),
		Classes:           classes,
		ClassDistribution: distribution,
		Accuracy:          accuracy,
		TrainAccuracy:     trainAccuracy,
		Precision:         precision,
		Recall:            recall,
		F1:                f1,
		CVScores:          cvScores,
		CVMean:            mean(cvScores),
		BestParams:        est.Params(),
	}

	model := &Model{
		Target:     target,
		Family:     family,
		Classes:    classes,
		Vocabulary: vocab,
		Estimator:  est,
		Report:     report,
	}

	if c.dir != "" {
		if err := SaveModel(c.dir, model); err != nil {
			return nil, err
		}
		if err := appendHistory(c.dir, report); err != nil {
			return nil, err
		}
	}
	c.Store(model)

	c.logger.Info().
		Str("target", string(target)).
		Str("family", string(family)).
		Int("samples", report.SampleCount).
		Float64("accuracy", report.Accuracy).
		Float64("cv_mean", report.CVMean).
		Msg("Model trained")
	return &report, nil
}

// Predict scores one error against the (target, family) model. A confidence
// below threshold produces an empty prediction carrying the actual score.
func (c *Classifier) Predict(rec *domain.PipelineError, target domain.Target, family Family, returnAll bool, threshold float64) (*domain.TargetPrediction, error) {
	model, ok := c.Get(target, family)
	if !ok {
		return nil, errors.New(errors.CodeModelNotTrained, "ml",
			fmt.Sprintf("no trained model for target %q family %q", target, family), nil)
	}

	probs := model.Probabilities(rec)
	top, confidence := "", 0.0
	for class, p := range probs {
		if p > confidence || (p == confidence && (top == "" || class < top)) {
			top, confidence = class, p
		}
	}

	pred := &domain.TargetPrediction{
		Confidence:     confidence,
		MeetsThreshold: confidence >= threshold,
	}
	if pred.MeetsThreshold {
		pred.Prediction = top
	}
	if returnAll {
		pred.Probabilities = probs
	}
	return pred, nil
}

// Classify runs Predict for every requested target and aggregates the
// answers into a ClassificationResult.
func (c *Classifier) Classify(rec *domain.PipelineError, families map[domain.Target]Family, threshold float64, detailed bool) (*domain.ClassificationResult, error) {
	if rec == nil {
		return nil, errors.New(errors.CodeMissingParameter, "ml", "error record is required", nil)
	}
	if len(families) == 0 {
		return nil, errors.New(errors.CodeMissingParameter, "ml", "at least one target is required", nil)
	}

	result := &domain.ClassificationResult{
		ErrorID:      rec.ErrorID,
		Targets:      make(map[domain.Target]domain.TargetPrediction, len(families)),
		ClassifiedAt: c.clock.Now(),
	}
	for target, family := range families {
		pred, err := c.Predict(rec, target, family, detailed, threshold)
		if err != nil {
			return nil, err
		}
		result.Targets[target] = *pred
	}
	result.Recompute()
	return result, nil
}

// Store swaps a model into the registry. Callers holding the previous
// pointer keep using it; only lookups after the swap see the new model.
func (c *Classifier) Store(m *Model) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models[modelKey{target: m.Target, family: m.Family}] = m
}

// Get returns the loaded model for a (target, family) pair.
func (c *Classifier) Get(target domain.Target, family Family) (*Model, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.models[modelKey{target: target, family: family}]
	return m, ok
}

// Reports lists the training reports of every loaded model, ordered by
// target then family.
func (c *Classifier) Reports() []TrainingReport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]TrainingReport, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m.Report)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Target != out[j].Target {
			return out[i].Target < out[j].Target
		}
		return out[i].Family < out[j].Family
	})
	return out
}

func (c *Classifier) gridSearch(ctx context.Context, family Family, samples []Sample, classes []string, weights map[string]float64, opts TrainOptions) (map[string]float64, []float64, error) {
	grid := paramGrid(family)
	if len(grid) == 0 {
		scores, err := crossValidate(ctx, family, nil, samples, classes, weights, opts.Folds, opts.Seed)
		return map[string]float64{}, scores, err
	}

	var bestParams map[string]float64
	var bestScores []float64
	bestMean := -1.0
	for _, params := range grid {
		if err := ctx.Err(); err != nil {
			return nil, nil, errors.New(errors.CodeTimeout, "ml", "grid search cancelled", err)
		}
		scores, err := crossValidate(ctx, family, params, samples, classes, weights, opts.Folds, opts.Seed)
		if err != nil {
			return nil, nil, err
		}
		if m := mean(scores); m > bestMean {
			bestMean = m
			bestParams = params
			bestScores = scores
		}
	}
	return bestParams, bestScores, nil
}

// crossValidate runs stratified k-fold CV and returns per-fold accuracies.
// Folds whose training part collapses below two classes are skipped.
func crossValidate(ctx context.Context, family Family, params map[string]float64, samples []Sample, classes []string, weights map[string]float64, folds int, seed int64) ([]float64, error) {
	if folds > len(samples) {
		folds = len(samples)
	}
	if folds < 2 {
		return nil, nil
	}

	rng := rand.New(rand.NewSource(seed))
	assignment := foldAssignment(samples, folds, rng)

	var scores []float64
	for fold := 0; fold < folds; fold++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.New(errors.CodeTimeout, "ml", "cross-validation cancelled", err)
		}
		var trainPart, holdPart []Sample
		for i, s := range samples {
			if assignment[i] == fold {
				holdPart = append(holdPart, s)
			} else {
				trainPart = append(trainPart, s)
			}
		}
		if len(holdPart) == 0 || distinctLabels(trainPart) < 2 {
			continue
		}
		est, err := newEstimator(family, withSeed(params, seed))
		if err != nil {
			return nil, err
		}
		if err := est.Fit(trainPart, classes, weights); err != nil {
			return nil, err
		}
		accuracy, _, _, _ := evaluate(est, holdPart, classes)
		scores = append(scores, accuracy)
	}
	return scores, nil
}

// foldAssignment deals each class's rows round-robin across folds so every
// fold sees roughly the training distribution.
func foldAssignment(samples []Sample, folds int, rng *rand.Rand) []int {
	byLabel := make(map[string][]int)
	for i, s := range samples {
		byLabel[s.Label] = append(byLabel[s.Label], i)
	}
	labels := make([]string, 0, len(byLabel))
	for label := range byLabel {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	assignment := make([]int, len(samples))
	next := 0
	for _, label := range labels {
		rows := byLabel[label]
		rng.Shuffle(len(rows), func(i, j int) { rows[i], rows[j] = rows[j], rows[i] })
		for _, r := range rows {
			assignment[r] = next % folds
			next++
		}
	}
	return assignment
}

// stratifiedSplit shuffles each class independently and carves off the test
// fraction, always leaving at least one row of each class in training.
func stratifiedSplit(labels []string, testFraction float64, rng *rand.Rand) (trainIdx, testIdx []int) {
	byLabel := make(map[string][]int)
	for i, label := range labels {
		byLabel[label] = append(byLabel[label], i)
	}
	classes := make([]string, 0, len(byLabel))
	for label := range byLabel {
		classes = append(classes, label)
	}
	sort.Strings(classes)

	for _, label := range classes {
		rows := byLabel[label]
		rng.Shuffle(len(rows), func(i, j int) { rows[i], rows[j] = rows[j], rows[i] })
		nTest := int(testFraction * float64(len(rows)))
		if len(rows)-nTest < 1 {
			nTest = len(rows) - 1
		}
		testIdx = append(testIdx, rows[:nTest]...)
		trainIdx = append(trainIdx, rows[nTest:]...)
	}
	sort.Ints(trainIdx)
	sort.Ints(testIdx)
	return trainIdx, testIdx
}

// inverseFrequencyWeights balances classes as total/(k*count), computed over
// the training split.
func inverseFrequencyWeights(labels []string, trainIdx []int) map[string]float64 {
	counts := make(map[string]float64)
	for _, i := range trainIdx {
		counts[labels[i]]++
	}
	total := float64(len(trainIdx))
	k := float64(len(counts))
	weights := make(map[string]float64, len(counts))
	for label, count := range counts {
		weights[label] = total / (k * count)
	}
	return weights
}

func buildSamples(extractor *features.Extractor, recs []*domain.PipelineError, labels []string, idx []int) []Sample {
	out := make([]Sample, 0, len(idx))
	for _, i := range idx {
		out = append(out, Sample{
			Vector: extractor.Extract(recs[i]),
			Tokens: extractor.Tokens(recs[i]),
			Label:  labels[i],
		})
	}
	return out
}

// evaluate computes accuracy plus support-weighted precision, recall, and F1
// over a sample set.
func evaluate(est Estimator, samples []Sample, classes []string) (accuracy, precision, recall, f1 float64) {
	if len(samples) == 0 {
		return 0, 0, 0, 0
	}
	idx := classIndex(classes)
	tp := make([]float64, len(classes))
	fp := make([]float64, len(classes))
	fn := make([]float64, len(classes))
	support := make([]float64, len(classes))

	correct := 0
	for _, s := range samples {
		probs := est.Predict(s.Vector, s.Tokens)
		predicted := argmax(probs)
		actual, ok := idx[s.Label]
		if !ok {
			continue
		}
		support[actual]++
		if predicted == actual {
			correct++
			tp[actual]++
		} else {
			fp[predicted]++
			fn[actual]++
		}
	}

	total := float64(len(samples))
	accuracy = float64(correct) / total
	for c := range classes {
		if support[c] == 0 {
			continue
		}
		var p, r float64
		if tp[c]+fp[c] > 0 {
			p = tp[c] / (tp[c] + fp[c])
		}
		if tp[c]+fn[c] > 0 {
			r = tp[c] / (tp[c] + fn[c])
		}
		var f float64
		if p+r > 0 {
			f = 2 * p * r / (p + r)
		}
		weight := support[c] / total
		precision += p * weight
		recall += r * weight
		f1 += f * weight
	}
	return accuracy, precision, recall, f1
}

func distinctLabels(samples []Sample) int {
	seen := make(map[string]struct{})
	for _, s := range samples {
		seen[s.Label] = struct{}{}
	}
	return len(seen)
}

func withSeed(params map[string]float64, seed int64) map[string]float64 {
	merged := make(map[string]float64, len(params)+1)
	for k, v := range params {
		merged[k] = v
	}
	merged["seed"] = float64(seed)
	return merged
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
