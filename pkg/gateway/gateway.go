// Package gateway fronts the platform's externally exposed services and
// applies per-route policy: authentication, authorization, rate limiting,
// circuit breaking, response caching, and proxying to registered backends.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"pipeline-copilot/pkg/config"
	"pipeline-copilot/pkg/domain"
	"pipeline-copilot/pkg/domain/errors"
)

// Options configures a Gateway.
type Options struct {
	ListenAddr  string
	Policy      *config.Policy
	Redis       *redis.Client
	JWTSecret   string
	JWTIssuer   string
	TokenTTL    time.Duration
	CacheTTL    time.Duration
	CORSOrigins []string

	// Backends overrides the HTTP client used for downstream calls and
	// health probes. Leave nil outside tests.
	Backends *http.Client

	Clock  domain.Clock
	Logger zerolog.Logger
}

// Gateway is the API gateway: one router, one policy table, one shared
// Redis-backed state store.
type Gateway struct {
	router     chi.Router
	server     *http.Server
	listenAddr string

	policy    *config.Policy
	routes    *RouteTable
	tokens    *TokenAuthenticator
	auth      *Authenticator
	limiter   *RateLimiter
	breaker   *Breaker
	cache     *ResponseCache
	registry  *ServiceRegistry
	forwarder *Forwarder
	metrics   *MetricsCollector

	cacheTTL time.Duration
	validate *validator.Validate
	clock    domain.Clock
	logger   zerolog.Logger
}

// NewGateway wires the policy engine together. The policy should already be
// validated.
func NewGateway(opts Options) (*Gateway, error) {
	if opts.Policy == nil {
		return nil, errors.New(errors.CodeMissingParameter, "gateway", "policy is required", nil)
	}
	if opts.Redis == nil {
		return nil, errors.New(errors.CodeMissingParameter, "gateway", "redis client is required", nil)
	}
	if opts.ListenAddr == "" {
		opts.ListenAddr = ":8080"
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 300 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = domain.SystemClock()
	}

	logger := opts.Logger.With().Str("component", "gateway").Logger()

	tokens, err := NewTokenAuthenticator(TokenOptions{
		Secret: opts.JWTSecret,
		Issuer: opts.JWTIssuer,
		TTL:    opts.TokenTTL,
		Users:  opts.Policy.Users,
		Clock:  opts.Clock,
		Logger: opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	keys := NewAPIKeyAuthenticator(opts.Policy.APIKeys, opts.Clock, opts.Logger)

	g := &Gateway{
		listenAddr: opts.ListenAddr,
		policy:     opts.Policy,
		routes:     NewRouteTable(opts.Policy.Routes),
		tokens:     tokens,
		auth:       NewAuthenticator(tokens, keys),
		limiter:    NewRateLimiter(opts.Redis, opts.Logger),
		breaker:    NewBreaker(opts.Redis, opts.Clock, opts.Logger),
		cache:      NewResponseCache(opts.Redis, opts.Logger),
		registry: NewServiceRegistry(opts.Policy.Services, RegistryOptions{
			Client: opts.Backends,
			Clock:  opts.Clock,
			Logger: opts.Logger,
		}),
		forwarder: NewForwarder(opts.Backends, opts.Logger),
		metrics:   NewMetricsCollector(opts.Logger, ""),
		cacheTTL:  opts.CacheTTL,
		validate:  validator.New(),
		clock:     opts.Clock,
		logger:    logger,
	}
	g.setupRouter(opts.CORSOrigins)

	logger.Info().
		Int("routes", g.routes.Len()).
		Int("services", len(opts.Policy.Services)).
		Msg("gateway initialized")
	return g, nil
}

func (g *Gateway) setupRouter(corsOrigins []string) {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(g.corsHandler(corsOrigins))
	r.Use(g.requestLogger)

	r.Post("/auth/token", g.handleToken)
	r.HandleFunc("/{service}", g.handleProxy)
	r.HandleFunc("/{service}/*", g.handleProxy)

	g.router = r
}

func (g *Gateway) corsHandler(origins []string) func(http.Handler) http.Handler {
	corsOptions := cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-API-Version"},
		ExposedHeaders:   []string{"X-Request-ID", "X-Cache", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		corsOptions.AllowedOrigins = []string{"*"}
		corsOptions.AllowCredentials = false
	}
	return cors.Handler(corsOptions)
}

// requestLogger logs every finished request with its status and duration.
func (g *Gateway) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		g.logger.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("duration", time.Since(start)).
			Str("remote_addr", r.RemoteAddr).
			Msg("request completed")
	})
}

// Router returns the gateway's handler for mounting in tests.
func (g *Gateway) Router() http.Handler {
	return g.router
}

// Registry exposes the service registry for admin surfaces.
func (g *Gateway) Registry() *ServiceRegistry {
	return g.registry
}

// Metrics exposes the gateway's metrics collector.
func (g *Gateway) Metrics() *MetricsCollector {
	return g.metrics
}

// Serve runs the gateway and the registry's health loop until the context is
// cancelled, then shuts down gracefully.
func (g *Gateway) Serve(ctx context.Context) error {
	g.server = &http.Server{
		Addr:         g.listenAddr,
		Handler:      g.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go g.registry.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info().Str("addr", g.listenAddr).Msg("gateway listening")
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("gateway server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return g.Close()
	case err := <-errCh:
		return err
	}
}

// Close gracefully shuts down the server.
func (g *Gateway) Close() error {
	if g.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	g.logger.Info().Msg("gateway shutting down")
	return g.server.Shutdown(ctx)
}

type tokenRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (g *Gateway) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest,
			errors.New(errors.CodeInvalidParameter, "gateway", "request body is not valid JSON", err))
		return
	}
	if err := g.validate.Struct(req); err != nil {
		g.writeError(w, http.StatusBadRequest,
			errors.New(errors.CodeValidationFailed, "gateway", "username and password are required", err))
		return
	}

	token, err := g.tokens.IssueToken(req.Username, req.Password)
	if err != nil {
		g.writeError(w, http.StatusUnauthorized, err)
		return
	}
	g.sendJSON(w, http.StatusOK, token)
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		g.logger.Error().Err(err).Msg("failed to encode response")
	}
}

// writeError renders the platform error envelope. The envelope's message is
// the structured error's own; causes stay in the logs.
func (g *Gateway) writeError(w http.ResponseWriter, status int, err error) {
	code := errors.CodeOf(err)
	message := err.Error()
	if e, ok := err.(*errors.Error); ok {
		message = e.Message
	}

	envelope := domain.NewErrorEnvelope(g.clock, status, string(code), message)

	event := g.logger.Warn()
	if status >= http.StatusInternalServerError {
		event = g.logger.Error()
	}
	event.
		Err(err).
		Str("trace_id", envelope.TraceID).
		Int("status", status).
		Str("error_code", string(code)).
		Msg("request rejected")

	g.sendJSON(w, status, envelope)
}

// statusWriter records the status code a handler wrote.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
