package ml

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeline-copilot/pkg/domain"
	"pipeline-copilot/pkg/domain/errors"
)

// trainingCorpus builds a clearly separable two-class corpus: dependency
// errors against network errors, n records per class.
func trainingCorpus(n int) []*domain.PipelineError {
	clock := domain.NewFakeClock(time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC))
	var recs []*domain.PipelineError
	for i := 0; i < n; i++ {
		dep := domain.NewPipelineError(clock,
			fmt.Sprintf("ModuleNotFoundError: No module named 'pkg%d'", i),
			domain.SeverityHigh, domain.CategoryDependency, domain.StageBuild)
		net := domain.NewPipelineError(clock,
			fmt.Sprintf("Connection refused while dialing host db-%d:5432", i),
			domain.SeverityCritical, domain.CategoryNetwork, domain.StageDeploy)
		recs = append(recs, dep, net)
	}
	return recs
}

func testClassifier(t *testing.T, dir string) *Classifier {
	t.Helper()
	clock := domain.NewFakeClock(time.Date(2025, 5, 2, 0, 0, 0, 0, time.UTC))
	return New(dir, clock, zerolog.Nop())
}

func TestTrainInsufficientData(t *testing.T) {
	c := testClassifier(t, "")
	clock := domain.NewFakeClock(time.Now())

	recs := []*domain.PipelineError{
		domain.NewPipelineError(clock, "only one class here", domain.SeverityHigh, domain.CategoryBuild, domain.StageBuild),
		domain.NewPipelineError(clock, "still the same class", domain.SeverityHigh, domain.CategoryBuild, domain.StageBuild),
	}
	_, err := c.Train(context.Background(), recs, domain.TargetCategory, FamilyLinear, TrainOptions{})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeInsufficientData))
}

func TestTrainInvalidInputs(t *testing.T) {
	c := testClassifier(t, "")
	recs := trainingCorpus(5)

	_, err := c.Train(context.Background(), recs, domain.Target("flavor"), FamilyLinear, TrainOptions{})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeInvalidParameter))

	_, err = c.Train(context.Background(), recs, domain.TargetCategory, Family("quantum"), TrainOptions{})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeInvalidParameter))
}

func TestTrainAllFamilies(t *testing.T) {
	recs := trainingCorpus(20)

	for _, family := range Families() {
		family := family
		t.Run(string(family), func(t *testing.T) {
			c := testClassifier(t, "")
			report, err := c.Train(context.Background(), recs, domain.TargetCategory, family, TrainOptions{})
			require.NoError(t, err)

			assert.Equal(t, domain.TargetCategory, report.Target)
			assert.Equal(t, family, report.Family)
			assert.Equal(t, 40, report.SampleCount)
			assert.Equal(t, []string{"dependency", "network"}, report.Classes)
			assert.Equal(t, 20, report.ClassDistribution["dependency"])
			assert.Equal(t, 20, report.ClassDistribution["network"])
			assert.Greater(t, report.FeatureCount, 0)
			assert.GreaterOrEqual(t, report.TrainAccuracy, 0.8)
			assert.GreaterOrEqual(t, report.Accuracy, 0.6)
			assert.Len(t, report.CVScores, 5)

			// The corpus is separable, so a confident top-1 must land on the
			// right class.
			pred, err := c.Predict(recs[0], domain.TargetCategory, family, false, 0)
			require.NoError(t, err)
			assert.Equal(t, "dependency", pred.Prediction)
			assert.True(t, pred.MeetsThreshold)
		})
	}
}

func TestTrainAccuracyMatchesReplay(t *testing.T) {
	recs := trainingCorpus(15)
	c := testClassifier(t, "")

	report, err := c.Train(context.Background(), recs, domain.TargetCategory, FamilyLinear, TrainOptions{})
	require.NoError(t, err)

	// Replaying the full record set through the trained model cannot do
	// worse than the reported training accuracy on separable data.
	correct := 0
	for _, rec := range recs {
		pred, err := c.Predict(rec, domain.TargetCategory, FamilyLinear, false, 0)
		require.NoError(t, err)
		if pred.Prediction == string(rec.Category) {
			correct++
		}
	}
	replay := float64(correct) / float64(len(recs))
	assert.GreaterOrEqual(t, replay+1e-9, report.TrainAccuracy)
}

func TestTrainInverseFrequencyWeights(t *testing.T) {
	labels := []string{"a", "a", "a", "b"}
	weights := inverseFrequencyWeights(labels, []int{0, 1, 2, 3})
	// 4 samples, 2 classes: w = total/(k*count).
	assert.InDelta(t, 4.0/(2*3), weights["a"], 1e-9)
	assert.InDelta(t, 4.0/(2*1), weights["b"], 1e-9)
}

func TestStratifiedSplitKeepsClassesInTraining(t *testing.T) {
	labels := []string{"a", "a", "a", "a", "a", "b"}
	rng := rand.New(rand.NewSource(1))
	trainIdx, testIdx := stratifiedSplit(labels, 0.2, rng)

	assert.Len(t, trainIdx, len(labels)-len(testIdx))
	seen := map[string]bool{}
	for _, i := range trainIdx {
		seen[labels[i]] = true
	}
	assert.True(t, seen["a"])
	assert.True(t, seen["b"], "singleton class stays in training")
}

func TestPredictThreshold(t *testing.T) {
	recs := trainingCorpus(10)
	c := testClassifier(t, "")
	_, err := c.Train(context.Background(), recs, domain.TargetCategory, FamilyLinear, TrainOptions{})
	require.NoError(t, err)

	// No probability can reach a threshold above 1.
	pred, err := c.Predict(recs[0], domain.TargetCategory, FamilyLinear, false, 1.01)
	require.NoError(t, err)
	assert.Empty(t, pred.Prediction)
	assert.False(t, pred.MeetsThreshold)
	assert.Greater(t, pred.Confidence, 0.0)

	pred, err = c.Predict(recs[0], domain.TargetCategory, FamilyLinear, true, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, pred.Prediction)
	require.NotNil(t, pred.Probabilities)
	var sum float64
	for _, p := range pred.Probabilities {
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
}

func TestPredictModelNotTrained(t *testing.T) {
	c := testClassifier(t, "")
	_, err := c.Predict(trainingCorpus(1)[0], domain.TargetStage, FamilySVM, false, 0.5)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeModelNotTrained))
}

func TestClassifyAggregates(t *testing.T) {
	recs := trainingCorpus(10)
	c := testClassifier(t, "")

	_, err := c.Train(context.Background(), recs, domain.TargetCategory, FamilyLinear, TrainOptions{})
	require.NoError(t, err)
	_, err = c.Train(context.Background(), recs, domain.TargetSeverity, FamilyNaiveBayes, TrainOptions{})
	require.NoError(t, err)

	result, err := c.Classify(recs[0], map[domain.Target]Family{
		domain.TargetCategory: FamilyLinear,
		domain.TargetSeverity: FamilyNaiveBayes,
	}, 0, false)
	require.NoError(t, err)

	assert.Equal(t, recs[0].ErrorID, result.ErrorID)
	require.Len(t, result.Targets, 2)
	want := (result.Targets[domain.TargetCategory].Confidence + result.Targets[domain.TargetSeverity].Confidence) / 2
	assert.InDelta(t, want, result.OverallConfidence, 1e-9)

	_, err = c.Classify(recs[0], nil, 0, false)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeMissingParameter))
}

func TestHotSwapKeepsPriorPointer(t *testing.T) {
	recs := trainingCorpus(10)
	c := testClassifier(t, "")

	_, err := c.Train(context.Background(), recs, domain.TargetCategory, FamilyLinear, TrainOptions{})
	require.NoError(t, err)
	before, ok := c.Get(domain.TargetCategory, FamilyLinear)
	require.True(t, ok)

	_, err = c.Train(context.Background(), recs, domain.TargetCategory, FamilyLinear, TrainOptions{Seed: 7})
	require.NoError(t, err)
	after, ok := c.Get(domain.TargetCategory, FamilyLinear)
	require.True(t, ok)

	assert.NotSame(t, before, after)
	// The prior model keeps answering for callers that fetched it earlier.
	probs := before.Probabilities(recs[0])
	assert.NotEmpty(t, probs)
}

func TestGridSearchPicksParams(t *testing.T) {
	recs := trainingCorpus(10)
	c := testClassifier(t, "")

	report, err := c.Train(context.Background(), recs, domain.TargetCategory, FamilyLinear, TrainOptions{GridSearch: true})
	require.NoError(t, err)
	assert.Contains(t, report.BestParams, "learning_rate")
	assert.Contains(t, report.BestParams, "epochs")
	assert.NotEmpty(t, report.CVScores)
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	recs := trainingCorpus(10)

	c := testClassifier(t, dir)
	_, err := c.Train(context.Background(), recs, domain.TargetCategory, FamilyLinear, TrainOptions{})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "category_linear.model"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, HistoryFileName))
	require.NoError(t, err)

	history, err := LoadHistory(dir)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.TargetCategory, history[0].Target)

	reloaded := testClassifier(t, dir)
	require.NoError(t, reloaded.LoadDir())

	want, err := c.Predict(recs[0], domain.TargetCategory, FamilyLinear, true, 0)
	require.NoError(t, err)
	got, err := reloaded.Predict(recs[0], domain.TargetCategory, FamilyLinear, true, 0)
	require.NoError(t, err)
	assert.Equal(t, want.Prediction, got.Prediction)
	assert.InDelta(t, want.Confidence, got.Confidence, 1e-12)
}

func TestPersistenceAllFamilies(t *testing.T) {
	dir := t.TempDir()
	recs := trainingCorpus(8)
	rec := recs[1]

	for _, family := range Families() {
		family := family
		t.Run(string(family), func(t *testing.T) {
			c := testClassifier(t, dir)
			_, err := c.Train(context.Background(), recs, domain.TargetCategory, family, TrainOptions{})
			require.NoError(t, err)

			model, err := LoadModelFile(filepath.Join(dir, ModelFileName(domain.TargetCategory, family)))
			require.NoError(t, err)

			orig, _ := c.Get(domain.TargetCategory, family)
			assert.Equal(t, orig.Probabilities(rec), model.Probabilities(rec))
		})
	}
}

func TestLoadDirSkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "category_linear.model"), []byte("not a model"), 0o644))

	c := testClassifier(t, dir)
	require.NoError(t, c.LoadDir())
	_, ok := c.Get(domain.TargetCategory, FamilyLinear)
	assert.False(t, ok)
}

func TestLoadDirMissingDirectory(t *testing.T) {
	c := testClassifier(t, filepath.Join(t.TempDir(), "absent"))
	assert.NoError(t, c.LoadDir())
}

func TestReportsSorted(t *testing.T) {
	recs := trainingCorpus(8)
	c := testClassifier(t, "")

	_, err := c.Train(context.Background(), recs, domain.TargetSeverity, FamilyLinear, TrainOptions{})
	require.NoError(t, err)
	_, err = c.Train(context.Background(), recs, domain.TargetCategory, FamilyNaiveBayes, TrainOptions{})
	require.NoError(t, err)
	_, err = c.Train(context.Background(), recs, domain.TargetCategory, FamilyLinear, TrainOptions{})
	require.NoError(t, err)

	reports := c.Reports()
	require.Len(t, reports, 3)
	assert.Equal(t, domain.TargetCategory, reports[0].Target)
	assert.Equal(t, FamilyLinear, reports[0].Family)
	assert.Equal(t, FamilyNaiveBayes, reports[1].Family)
	assert.Equal(t, domain.TargetSeverity, reports[2].Target)
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	recs := trainingCorpus(8)

	trainer := testClassifier(t, dir)
	_, err := trainer.Train(context.Background(), recs, domain.TargetCategory, FamilyLinear, TrainOptions{})
	require.NoError(t, err)

	server := testClassifier(t, dir)
	watcher, err := NewWatcher(server, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, watcher.Start(context.Background()))
	defer watcher.Stop()

	// A retrain from the side lands a fresh file; the server picks it up.
	_, err = trainer.Train(context.Background(), recs, domain.TargetSeverity, FamilyLinear, TrainOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := server.Get(domain.TargetSeverity, FamilyLinear)
		return ok
	}, 5*time.Second, 50*time.Millisecond)
}
