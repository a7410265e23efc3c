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
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"pipeline-copilot/pkg/config"
	"pipeline-copilot/pkg/gateway"
	"pipeline-copilot/pkg/health"
	"pipeline-copilot/pkg/logging"
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
	Use:   "gateway",
	Short: "pipeline-copilot API gateway",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the gateway",
	Long: `Serve the policy-driven API gateway: token issuance, authentication,
authorization, rate limiting, circuit breaking, response caching, and
health-aware forwarding for the platform services.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "gateway %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
	},
}

func init() {
	serveCmd.Flags().StringVar(&configFile, "config", "", "Path to a .env configuration file")
	serveCmd.Flags().StringVar(&listenAddr, "listen-addr", "", "Gateway listen address (overrides PC_LISTEN_ADDR)")
	serveCmd.Flags().StringVar(&adminAddr, "admin-addr", ":9090", "Admin listen address (healthz, readyz, metrics, services)")
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

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, "gateway", Version)

	if len(cfg.Policy.Routes) == 0 {
		logger.Warn().Msg("policy declares no routes; every proxied request will 404 (set PC_POLICY_FILE)")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	gw, err := gateway.NewGateway(gateway.Options{
		ListenAddr: cfg.ListenAddr,
		Policy:     cfg.Policy,
		Redis:      rdb,
		JWTSecret:  cfg.JWTSecret,
		JWTIssuer:  cfg.JWTIssuer,
		TokenTTL:   cfg.TokenTTL,
		CacheTTL:   cfg.CacheTTLDefault,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitor := health.NewMonitor(logger, Version)
	monitor.Register(redisChecker(rdb))
	monitor.Register(downstreamChecker(gw))
	monitor.Start(ctx)
	defer monitor.Stop()

	adminSrv := &http.Server{
		Addr:         adminAddr,
		Handler:      newAdminMux(monitor, gw),
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

	logger.Info().
		Str("version", Version).
		Str("listen_addr", cfg.ListenAddr).
		Str("redis_addr", cfg.RedisAddr).
		Msg("starting gateway")

	return gw.Serve(ctx)
}

func newAdminMux(monitor *health.Monitor, gw *gateway.Gateway) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", monitor.LivenessHandler())
	r.Get("/readyz", monitor.ReadinessHandler())
	r.Method(http.MethodGet, "/metrics", gw.Metrics().Handler())
	r.Get("/services", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(gw.Registry().Snapshot())
	})
	return r
}

func redisChecker(rdb *redis.Client) health.Checker {
	return health.CheckerFunc{
		Name: "redis",
		Check: func(ctx context.Context) health.ComponentHealth {
			started := time.Now()
			ch := health.ComponentHealth{Name: "redis", LastChecked: started.UTC()}
			if err := rdb.Ping(ctx).Err(); err != nil {
				// Rate limiting fails open without Redis, so this is
				// degraded service, not an outage.
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

func downstreamChecker(gw *gateway.Gateway) health.Checker {
	return health.CheckerFunc{
		Name: "downstream",
		Check: func(ctx context.Context) health.ComponentHealth {
			snapshot := gw.Registry().Snapshot()
			ch := health.ComponentHealth{
				Name:        "downstream",
				Status:      health.StatusHealthy,
				LastChecked: time.Now().UTC(),
			}
			unhealthy := 0
			for _, svc := range snapshot {
				if svc.Status == health.StatusUnhealthy {
					unhealthy++
				}
			}
			if unhealthy > 0 {
				ch.Status = health.StatusDegraded
				ch.Message = fmt.Sprintf("%d of %d services unhealthy", unhealthy, len(snapshot))
			} else {
				ch.Message = fmt.Sprintf("%d services tracked", len(snapshot))
			}
			return ch
		},
	}
}
