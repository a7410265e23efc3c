package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"pipeline-copilot/pkg/ai"
	"pipeline-copilot/pkg/config"
	"pipeline-copilot/pkg/core/loganalyzer"
	"pipeline-copilot/pkg/core/ml"
	"pipeline-copilot/pkg/core/patch"
	"pipeline-copilot/pkg/core/patterns"
	"pipeline-copilot/pkg/core/runner"
	"pipeline-copilot/pkg/debug"
	"pipeline-copilot/pkg/domain"
	"pipeline-copilot/pkg/health"
	"pipeline-copilot/pkg/history"
	"pipeline-copilot/pkg/logging"
	"pipeline-copilot/pkg/retry"
)

// Build-time variables set via ldflags
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var (
	configFile string
	listenAddr string
	adminAddr  string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "debugger",
	Short: "pipeline-copilot self-healing debugger",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the websocket debugging channel",
	Long: `Serve the self-healing debugger: clients open a websocket with a pipeline
id and raw log, receive the extracted errors, and drive analysis, patch
synthesis, and patch application through session commands.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "debugger %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
	},
}

func init() {
	serveCmd.Flags().StringVar(&configFile, "config", "", "Path to a .env configuration file")
	serveCmd.Flags().StringVar(&listenAddr, "listen-addr", "", "Listen address (overrides PC_LISTEN_ADDR)")
	serveCmd.Flags().StringVar(&adminAddr, "admin-addr", ":9090", "Admin listen address (healthz, readyz)")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (overrides PC_LOG_LEVEL)")
}

func main() {
	rootCmd.AddCommand(serveCmd, versionCmd)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, "debugger", Version)
	clock := domain.SystemClock()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	classifier, err := buildClassifier(ctx, cfg, clock, logger)
	if err != nil {
		return err
	}

	retrier := retry.New(logger)

	var llm ai.Client
	if cfg.LLM.Endpoint != "" && cfg.LLM.APIKey != "" {
		azure, err := ai.NewAzureClient(cfg.LLM, retrier, logger)
		if err != nil {
			return err
		}
		llm = azure
	} else {
		logger.Warn().Msg("llm endpoint not configured; LLM analysis and patch generation are disabled")
	}

	var store history.Store
	if cfg.HistoryEnabled {
		searchStore, err := history.NewOpenSearchStore(history.Options{
			Addresses:   cfg.HistoryAddresses,
			Username:    cfg.HistoryUsername,
			Password:    cfg.HistoryPassword,
			IndexPrefix: cfg.HistoryIndexPrefix,
		}, clock, logger)
		if err != nil {
			return err
		}
		store = searchStore
	} else {
		store = history.NewMemoryStore(clock)
		logger.Info().Msg("historical errors store disabled; using the in-process memory store")
	}

	catalogue := patterns.Default()

	analyzerCfg := loganalyzer.DefaultConfig()
	analyzerCfg.ConfidenceThreshold = cfg.MLConfidenceThreshold
	analyzerCfg.SimilarityThreshold = cfg.SimilarityThreshold
	analyzer := loganalyzer.New(loganalyzer.Options{
		Registry:   catalogue,
		Classifier: classifier,
		LLM:        llm,
		Store:      store,
		Clock:      clock,
		Logger:     logger,
		Config:     analyzerCfg,
	})

	patchCfg := patch.DefaultConfig()
	patchCfg.ConfidenceThreshold = cfg.MLConfidenceThreshold
	synth := patch.NewSynthesizer(patch.Options{
		Registry:   catalogue,
		Classifier: classifier,
		LLM:        llm,
		Clock:      clock,
		Logger:     logger,
		Config:     patchCfg,
	})

	runnerCfg := runner.DefaultConfig()
	runnerCfg.ScriptTimeout = cfg.PatchTimeout
	runnerCfg.SnapshotPath = cfg.AppliedRegistryPath
	patchRunner := runner.NewRunner(runner.Options{
		Exec:   &runner.ShellRunner{Dir: cfg.PatchWorkDir},
		Clock:  clock,
		Logger: logger,
		Config: runnerCfg,
	})
	if err := patchRunner.LoadSnapshot(); err != nil {
		logger.Warn().Err(err).Msg("could not restore the applied-patch registry")
	}
	defer func() {
		if err := patchRunner.SaveSnapshot(); err != nil {
			logger.Error().Err(err).Msg("failed to snapshot the applied-patch registry")
		}
	}()

	manager := debug.NewManager(debug.ManagerOptions{
		Analyzer:    analyzer,
		Synthesizer: synth,
		Runner:      patchRunner,
		Classifier:  classifier,
		History:     store,
		Clock:       clock,
		Logger:      logger,
		Config: debug.Config{
			AutoPatchEnabled:     cfg.AutoPatchEnabled,
			ApprovalRequired:     cfg.PatchApprovalRequired,
			MaxAutoPatchesPerRun: cfg.MaxAutoPatchesPerRun,
		},
		MaxSessions: cfg.MaxSessions,
		SessionTTL:  cfg.SessionTTL,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/ws/debug", debug.NewHandler(manager, logger))

	monitor := health.NewMonitor(logger, Version)
	monitor.Register(sessionChecker(manager))
	monitor.Start(ctx)
	defer monitor.Stop()

	adminSrv := &http.Server{
		Addr:         adminAddr,
		Handler:      newAdminMux(monitor),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", adminAddr).Msg("admin endpoints listening")
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("admin server failed")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = adminSrv.Shutdown(shutdownCtx)
	}()

	// No WriteTimeout: debug sessions hold their websocket open for the
	// life of the run.
	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("version", Version).
			Str("listen_addr", cfg.ListenAddr).
			Int("max_sessions", cfg.MaxSessions).
			Msg("debug channel listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// buildClassifier loads whatever trained models the model directory holds
// and, when configured, keeps them hot-swapped as the directory changes.
func buildClassifier(ctx context.Context, cfg *config.Config, clock domain.Clock, logger zerolog.Logger) (*ml.Classifier, error) {
	if err := os.MkdirAll(cfg.ModelDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create model directory: %w", err)
	}

	classifier := ml.New(cfg.ModelDir, clock, logger)
	if err := classifier.LoadDir(); err != nil {
		logger.Warn().Err(err).Str("dir", cfg.ModelDir).
			Msg("no trained models loaded; classification degrades to rule results")
	}

	if cfg.ModelHotReload {
		watcher, err := ml.NewWatcher(classifier, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("model hot-reload unavailable")
			return classifier, nil
		}
		if err := watcher.Start(ctx); err != nil {
			logger.Warn().Err(err).Msg("model hot-reload unavailable")
			return classifier, nil
		}
		go func() {
			<-ctx.Done()
			watcher.Stop()
		}()
	}

	return classifier, nil
}

func newAdminMux(monitor *health.Monitor) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", monitor.LivenessHandler())
	r.Get("/readyz", monitor.ReadinessHandler())
	return r
}

func sessionChecker(manager *debug.Manager) health.Checker {
	return health.CheckerFunc{
		Name: "sessions",
		Check: func(ctx context.Context) health.ComponentHealth {
			return health.ComponentHealth{
				Name:        "sessions",
				Status:      health.StatusHealthy,
				Message:     fmt.Sprintf("%d live sessions", manager.Len()),
				LastChecked: time.Now().UTC(),
			}
		},
	}
}
