package ml

import (
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"pipeline-copilot/pkg/domain"
	"pipeline-copilot/pkg/domain/errors"
)

// HistoryFileName is the training log kept next to the model files.
const HistoryFileName = "training_history.json"

func init() {
	gob.Register(&linearEstimator{})
	gob.Register(&bayesEstimator{})
	gob.Register(&forestEstimator{})
	gob.Register(&boostedEstimator{})
	gob.Register(&svmEstimator{})
}

// ModelFileName returns the file name for a (target, family) model.
func ModelFileName(target domain.Target, family Family) string {
	return fmt.Sprintf("%s_%s.model", target, family)
}

// SaveModel writes a model under dir. The write goes through a temp file and
// a rename so a concurrent loader never sees a half-written model.
func SaveModel(dir string, m *Model) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.New(errors.CodeInternal, "ml", "failed to create model directory", err)
	}
	tmp, err := os.CreateTemp(dir, ".model-*")
	if err != nil {
		return errors.New(errors.CodeInternal, "ml", "failed to create temp model file", err)
	}
	if err := gob.NewEncoder(tmp).Encode(m); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.New(errors.CodeInternal, "ml", "failed to encode model", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.New(errors.CodeInternal, "ml", "failed to flush model file", err)
	}
	path := filepath.Join(dir, ModelFileName(m.Target, m.Family))
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return errors.New(errors.CodeInternal, "ml", "failed to move model into place", err)
	}
	return nil
}

// LoadModelFile reads one serialized model.
func LoadModelFile(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New(errors.CodeNotFound, "ml",
				fmt.Sprintf("model file %s not found", path), err)
		}
		return nil, errors.New(errors.CodeInternal, "ml", "failed to open model file", err)
	}
	defer f.Close()

	var m Model
	if err := gob.NewDecoder(f).Decode(&m); err != nil {
		return nil, errors.New(errors.CodeDataMismatch, "ml",
			fmt.Sprintf("failed to decode model file %s", path), err)
	}
	if !m.Target.IsValid() || !m.Family.IsValid() || m.Estimator == nil {
		return nil, errors.New(errors.CodeDataMismatch, "ml",
			fmt.Sprintf("model file %s carries an invalid model", path), nil)
	}
	return &m, nil
}

// LoadDir loads every model file under the classifier's directory into the
// registry. Corrupt files are logged and skipped so one bad model does not
// block startup.
func (c *Classifier) LoadDir() error {
	if c.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.New(errors.CodeInternal, "ml", "failed to read model directory", err)
	}
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".model" {
			continue
		}
		model, err := LoadModelFile(filepath.Join(c.dir, entry.Name()))
		if err != nil {
			c.logger.Warn().Err(err).Str("file", entry.Name()).Msg("Skipping unreadable model file")
			continue
		}
		c.Store(model)
		loaded++
	}
	if loaded > 0 {
		c.logger.Info().Int("models", loaded).Str("dir", c.dir).Msg("Models loaded")
	}
	return nil
}

// LoadHistory reads the training log. A missing file is an empty history.
func LoadHistory(dir string) ([]TrainingReport, error) {
	data, err := os.ReadFile(filepath.Join(dir, HistoryFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.New(errors.CodeInternal, "ml", "failed to read training history", err)
	}
	var history []TrainingReport
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, errors.New(errors.CodeDataMismatch, "ml", "failed to parse training history", err)
	}
	return history, nil
}

func appendHistory(dir string, report TrainingReport) error {
	history, err := LoadHistory(dir)
	if err != nil {
		return err
	}
	history = append(history, report)
	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return errors.New(errors.CodeInternal, "ml", "failed to encode training history", err)
	}
	tmp, err := os.CreateTemp(dir, ".history-*")
	if err != nil {
		return errors.New(errors.CodeInternal, "ml", "failed to create temp history file", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.New(errors.CodeInternal, "ml", "failed to write training history", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.New(errors.CodeInternal, "ml", "failed to flush training history", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, HistoryFileName)); err != nil {
		os.Remove(tmp.Name())
		return errors.New(errors.CodeInternal, "ml", "failed to move training history into place", err)
	}
	return nil
}

// Watcher reloads the model directory when files change, so a model trained
// by another process hot-swaps into this one.
type Watcher struct {
	classifier *Classifier
	watcher    *fsnotify.Watcher
	logger     zerolog.Logger
	stopChan   chan struct{}
	doneChan   chan struct{}
}

// NewWatcher builds a watcher over the classifier's model directory.
func NewWatcher(classifier *Classifier, logger zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "ml", "failed to create file watcher", err)
	}
	return &Watcher{
		classifier: classifier,
		watcher:    fsw,
		logger:     logger.With().Str("component", "ml-watcher").Logger(),
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}, nil
}

// Start begins watching. The directory must exist before Start is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.classifier.dir); err != nil {
		return errors.New(errors.CodeInternal, "ml", "failed to watch model directory", err)
	}
	w.logger.Info().Str("dir", w.classifier.dir).Msg("Watching model directory for changes")
	go w.watchLoop(ctx)
	return nil
}

// Stop halts the watch loop and releases the underlying watcher.
func (w *Watcher) Stop() {
	close(w.stopChan)
	<-w.doneChan
	w.watcher.Close()
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer close(w.doneChan)

	// Rapid successive writes to the same model collapse into one reload.
	var reloadTimer *time.Timer
	const debounceDelay = 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(event.Name) != ".model" {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Model file changed")
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(debounceDelay, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Model watcher error")
		}
	}
}

func (w *Watcher) reload() {
	if err := w.classifier.LoadDir(); err != nil {
		w.logger.Error().Err(err).Msg("Failed to reload models")
		return
	}
	w.logger.Info().Msg("Models reloaded after directory change")
}
