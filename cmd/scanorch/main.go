package main

import (
	"context"
	"encoding/json"
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

	"pipeline-copilot/pkg/config"
	"pipeline-copilot/pkg/domain"
	"pipeline-copilot/pkg/domain/errors"
	"pipeline-copilot/pkg/health"
	"pipeline-copilot/pkg/logging"
	"pipeline-copilot/pkg/scan"
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
	Use:   "scanorch",
	Short: "pipeline-copilot security scan orchestrator",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the scan orchestrator",
	Long: `Serve the security scan orchestrator: scan requests fan out to the
configured scanner adapters, findings consolidate into one deduplicated
report, and the report gates against the environment's severity allowances.
Passing runs emit a signed SBOM when a signing key is configured.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "scanorch %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
	},
}

func init() {
	serveCmd.Flags().StringVar(&configFile, "config", "", "Path to a .env configuration file")
	serveCmd.Flags().StringVar(&listenAddr, "listen-addr", "", "Listen address (overrides PC_LISTEN_ADDR)")
	serveCmd.Flags().StringVar(&adminAddr, "admin-addr", ":9090", "Admin listen address (healthz, readyz, metrics)")
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

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, "scanorch", Version)
	clock := domain.SystemClock()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scanners := []scan.Scanner{
		scan.NewTrivyScanner(scan.TrivyOptions{Path: cfg.TrivyPath, Clock: clock, Logger: logger}),
		scan.NewSnykScanner(scan.SnykOptions{Path: cfg.SnykPath, Clock: clock, Logger: logger}),
	}
	if cfg.ZapBaseURL != "" {
		scanners = append(scanners, scan.NewZAPScanner(scan.ZAPOptions{
			BaseURL: cfg.ZapBaseURL,
			APIKey:  cfg.ZapAPIKey,
			Clock:   clock,
			Logger:  logger,
		}))
	} else {
		logger.Info().Msg("zap daemon not configured; webapp scans are unavailable")
	}

	var signer *scan.Signer
	if cfg.SigningKeyPath != "" {
		signer, err = scan.LoadOrCreateSigner(cfg.SigningKeyPath)
		if err != nil {
			return err
		}
	} else {
		logger.Warn().Msg("signing key not configured; passing runs will not emit SBOM artifacts")
	}

	metrics := scan.NewMetricsCollector(logger, "")

	orch := scan.NewOrchestrator(scan.Options{
		Scanners:       scanners,
		Allowances:     severityAllowances(cfg.Policy.ThresholdsFor(cfg.Environment)),
		Environment:    cfg.Environment,
		ArtifactDir:    cfg.ArtifactStoragePath,
		Signer:         signer,
		Metrics:        metrics,
		ScannerTimeout: cfg.ScannerTimeout,
		Clock:          clock,
		Logger:         logger,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/internal/scans", scanHandler(orch, clock, logger))

	monitor := health.NewMonitor(logger, Version)
	for _, sc := range scanners {
		monitor.Register(scannerChecker(sc))
	}
	monitor.Start(ctx)
	defer monitor.Stop()

	adminSrv := &http.Server{
		Addr:         adminAddr,
		Handler:      newAdminMux(monitor, metrics),
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

	// Scan runs are long; the write timeout has to outlast the slowest
	// adapter.
	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.ScannerTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("version", Version).
			Str("listen_addr", cfg.ListenAddr).
			Str("environment", cfg.Environment).
			Int("scanners", len(scanners)).
			Msg("scan orchestrator listening")
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

func scanHandler(orch *scan.Orchestrator, clock domain.Clock, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req scan.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, clock, http.StatusBadRequest,
				string(errors.CodeInvalidParameter), "request body is not valid JSON")
			return
		}

		outcome, err := orch.Run(r.Context(), req)
		if err != nil {
			status := http.StatusInternalServerError
			switch errors.CodeOf(err) {
			case errors.CodeMissingParameter, errors.CodeInvalidParameter, errors.CodeValidationFailed:
				status = http.StatusBadRequest
			case errors.CodeTimeout:
				status = http.StatusGatewayTimeout
			case errors.CodeUnavailable:
				status = http.StatusServiceUnavailable
			}
			message := err.Error()
			if derr, ok := err.(*errors.Error); ok {
				message = derr.Message
			}
			logger.Error().Err(err).Str("repo_url", req.RepoURL).Msg("scan run failed")
			writeError(w, clock, status, string(errors.CodeOf(err)), message)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(outcome)
	}
}

func writeError(w http.ResponseWriter, clock domain.Clock, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(domain.NewErrorEnvelope(clock, status, code, message))
}

// severityAllowances converts the policy's string-keyed threshold table into
// the orchestrator's severity-keyed allowance map.
func severityAllowances(table map[string]int) map[domain.Severity]int {
	out := make(map[domain.Severity]int, len(table))
	for name, allowance := range table {
		sev, err := domain.ParseSeverity(name)
		if err != nil {
			continue // policy validation rejects unknown names before this
		}
		out[sev] = allowance
	}
	return out
}

func newAdminMux(monitor *health.Monitor, metrics *scan.MetricsCollector) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", monitor.LivenessHandler())
	r.Get("/readyz", monitor.ReadinessHandler())
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

// scannerChecker probes one adapter. A failed probe degrades readiness
// instead of failing it: the orchestrator skips unreachable adapters and
// the remaining ones still produce a report.
func scannerChecker(sc scan.Scanner) health.Checker {
	return health.CheckerFunc{
		Name: "scanner:" + sc.Name(),
		Check: func(ctx context.Context) health.ComponentHealth {
			started := time.Now()
			ch := health.ComponentHealth{
				Name:        "scanner:" + sc.Name(),
				LastChecked: started.UTC(),
			}
			if err := sc.Connect(ctx); err != nil {
				ch.Status = health.StatusDegraded
				ch.Message = err.Error()
			} else {
				ch.Status = health.StatusHealthy
			}
			ch.ResponseTime = time.Since(started)
			return ch
		},
	}
}
