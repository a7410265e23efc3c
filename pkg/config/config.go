package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every recognized setting with its default. Values load from
// an optional .env file, then from PC_-prefixed environment variables, and
// policy tables from an optional YAML file (PC_POLICY_FILE).
type Config struct {
	// Service identification
	ServiceName    string `env:"PC_SERVICE_NAME"`
	ServiceVersion string `env:"PC_SERVICE_VERSION"`

	// Logging settings
	LogLevel  string `env:"PC_LOG_LEVEL"`
	LogFormat string `env:"PC_LOG_FORMAT"` // json or console

	// Classification and analysis
	MLConfidenceThreshold float64 `env:"PC_ML_CONFIDENCE_THRESHOLD"`
	SimilarityThreshold   float64 `env:"PC_SIMILARITY_THRESHOLD"`
	ModelDir              string  `env:"PC_MODEL_DIR"`
	ModelHotReload        bool    `env:"PC_MODEL_HOT_RELOAD"`

	// Patch behavior
	AutoPatchEnabled      bool          `env:"PC_AUTO_PATCH_ENABLED"`
	PatchApprovalRequired bool          `env:"PC_PATCH_APPROVAL_REQUIRED"`
	MaxAutoPatchesPerRun  int           `env:"PC_MAX_AUTO_PATCHES_PER_RUN"`
	PatchTimeout          time.Duration `env:"PC_PATCH_TIMEOUT"`
	PatchWorkDir          string        `env:"PC_PATCH_WORK_DIR"`
	AppliedRegistryPath   string        `env:"PC_APPLIED_REGISTRY_PATH"`

	// Artifacts (SBOM + signature)
	ArtifactStoragePath string `env:"PC_ARTIFACT_STORAGE_PATH"`

	// Scan orchestration
	Environment    string        `env:"PC_ENVIRONMENT"` // development, staging, production
	ScannerTimeout time.Duration `env:"PC_SCANNER_TIMEOUT"`
	TrivyPath      string        `env:"PC_TRIVY_PATH"`
	SnykPath       string        `env:"PC_SNYK_PATH"`
	ZapBaseURL     string        `env:"PC_ZAP_BASE_URL"`
	ZapAPIKey      string        `env:"PC_ZAP_API_KEY"`
	SigningKeyPath string        `env:"PC_SIGNING_KEY_PATH"`

	// Debug sessions
	SessionTTL  time.Duration `env:"PC_SESSION_TTL"`
	MaxSessions int           `env:"PC_MAX_SESSIONS"`

	// Gateway
	ListenAddr      string        `env:"PC_LISTEN_ADDR"`
	RedisAddr       string        `env:"PC_REDIS_ADDR"`
	RedisPassword   string        `env:"PC_REDIS_PASSWORD"`
	RedisDB         int           `env:"PC_REDIS_DB"`
	JWTSecret       string        `env:"PC_JWT_SECRET"`
	JWTIssuer       string        `env:"PC_JWT_ISSUER"`
	TokenTTL        time.Duration `env:"PC_TOKEN_TTL"`
	CacheTTLDefault time.Duration `env:"PC_CACHE_TTL_DEFAULT"`

	// Historical errors store
	HistoryEnabled     bool     `env:"PC_HISTORY_ENABLED"`
	HistoryAddresses   []string `env:"PC_HISTORY_ADDRESSES"` // comma-separated
	HistoryUsername    string   `env:"PC_HISTORY_USERNAME"`
	HistoryPassword    string   `env:"PC_HISTORY_PASSWORD"`
	HistoryIndexPrefix string   `env:"PC_HISTORY_INDEX_PREFIX"`

	// LLM provider
	LLM LLMConfig

	// Policy tables (thresholds, groups, routes). Loaded from PolicyFile
	// when set, otherwise defaults.
	PolicyFile string `env:"PC_POLICY_FILE"`
	Policy     *Policy
}

// LLMConfig configures the chat-completion client.
type LLMConfig struct {
	Endpoint       string        `env:"PC_LLM_ENDPOINT"`
	APIKey         string        `env:"PC_LLM_API_KEY"`
	Model          string        `env:"PC_LLM_MODEL"`
	MaxTokens      int           `env:"PC_LLM_MAX_TOKENS"`
	Temperature    float32       `env:"PC_LLM_TEMPERATURE"`
	Retries        int           `env:"PC_LLM_RETRIES"`
	RequestTimeout time.Duration `env:"PC_LLM_REQUEST_TIMEOUT"`
	TotalDeadline  time.Duration `env:"PC_LLM_TOTAL_DEADLINE"`
	RequestsPerSec float64       `env:"PC_LLM_REQUESTS_PER_SEC"`
}

// Load builds the configuration from defaults, an optional .env file, the
// environment, and the optional policy file.
func Load(envFile string) (*Config, error) {
	cfg := DefaultConfig()

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	loadFromEnv(cfg)

	if cfg.PolicyFile != "" {
		policy, err := LoadPolicyFile(cfg.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load policy file: %w", err)
		}
		cfg.Policy = policy
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "pipeline-copilot",
		ServiceVersion: "dev",
		LogLevel:       "info",
		LogFormat:      "json",

		MLConfidenceThreshold: 0.6,
		SimilarityThreshold:   0.8,
		ModelDir:              "models/trained",
		ModelHotReload:        true,

		AutoPatchEnabled:      true,
		PatchApprovalRequired: true,
		MaxAutoPatchesPerRun:  3,
		PatchTimeout:          300 * time.Second,
		PatchWorkDir:          "",
		AppliedRegistryPath:   "",

		ArtifactStoragePath: "artifacts",

		Environment:    "development",
		ScannerTimeout: 300 * time.Second,
		TrivyPath:      "",
		SnykPath:       "",
		ZapBaseURL:     "",
		SigningKeyPath: "",

		SessionTTL:  24 * time.Hour,
		MaxSessions: 100,

		ListenAddr:      ":8080",
		RedisAddr:       "localhost:6379",
		RedisDB:         0,
		JWTIssuer:       "pipeline-copilot",
		TokenTTL:        time.Hour,
		CacheTTLDefault: 300 * time.Second,

		HistoryEnabled:     false,
		HistoryIndexPrefix: "pipeline-errors-",

		LLM: LLMConfig{
			Model:          "gpt-4o",
			MaxTokens:      2000,
			Temperature:    0.3,
			Retries:        3,
			RequestTimeout: 30 * time.Second,
			TotalDeadline:  2 * time.Minute,
			RequestsPerSec: 2,
		},

		Policy: DefaultPolicy(),
	}
}

func loadFromEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	setString("PC_SERVICE_NAME", &cfg.ServiceName)
	setString("PC_SERVICE_VERSION", &cfg.ServiceVersion)
	setString("PC_LOG_LEVEL", &cfg.LogLevel)
	setString("PC_LOG_FORMAT", &cfg.LogFormat)

	setFloat("PC_ML_CONFIDENCE_THRESHOLD", &cfg.MLConfidenceThreshold)
	setFloat("PC_SIMILARITY_THRESHOLD", &cfg.SimilarityThreshold)
	setString("PC_MODEL_DIR", &cfg.ModelDir)
	setBool("PC_MODEL_HOT_RELOAD", &cfg.ModelHotReload)

	setBool("PC_AUTO_PATCH_ENABLED", &cfg.AutoPatchEnabled)
	setBool("PC_PATCH_APPROVAL_REQUIRED", &cfg.PatchApprovalRequired)
	setInt("PC_MAX_AUTO_PATCHES_PER_RUN", &cfg.MaxAutoPatchesPerRun)
	setDuration("PC_PATCH_TIMEOUT", &cfg.PatchTimeout)
	setString("PC_PATCH_WORK_DIR", &cfg.PatchWorkDir)
	setString("PC_APPLIED_REGISTRY_PATH", &cfg.AppliedRegistryPath)

	setString("PC_ARTIFACT_STORAGE_PATH", &cfg.ArtifactStoragePath)

	setString("PC_ENVIRONMENT", &cfg.Environment)
	setDuration("PC_SCANNER_TIMEOUT", &cfg.ScannerTimeout)
	setString("PC_TRIVY_PATH", &cfg.TrivyPath)
	setString("PC_SNYK_PATH", &cfg.SnykPath)
	setString("PC_ZAP_BASE_URL", &cfg.ZapBaseURL)
	setString("PC_ZAP_API_KEY", &cfg.ZapAPIKey)
	setString("PC_SIGNING_KEY_PATH", &cfg.SigningKeyPath)

	setDuration("PC_SESSION_TTL", &cfg.SessionTTL)
	setInt("PC_MAX_SESSIONS", &cfg.MaxSessions)

	setString("PC_LISTEN_ADDR", &cfg.ListenAddr)
	setString("PC_REDIS_ADDR", &cfg.RedisAddr)
	setString("PC_REDIS_PASSWORD", &cfg.RedisPassword)
	setInt("PC_REDIS_DB", &cfg.RedisDB)
	setString("PC_JWT_SECRET", &cfg.JWTSecret)
	setString("PC_JWT_ISSUER", &cfg.JWTIssuer)
	setDuration("PC_TOKEN_TTL", &cfg.TokenTTL)
	setDuration("PC_CACHE_TTL_DEFAULT", &cfg.CacheTTLDefault)

	setBool("PC_HISTORY_ENABLED", &cfg.HistoryEnabled)
	if v := os.Getenv("PC_HISTORY_ADDRESSES"); v != "" {
		cfg.HistoryAddresses = splitAndTrim(v)
	}
	setString("PC_HISTORY_USERNAME", &cfg.HistoryUsername)
	setString("PC_HISTORY_PASSWORD", &cfg.HistoryPassword)
	setString("PC_HISTORY_INDEX_PREFIX", &cfg.HistoryIndexPrefix)

	setString("PC_LLM_ENDPOINT", &cfg.LLM.Endpoint)
	setString("PC_LLM_API_KEY", &cfg.LLM.APIKey)
	setString("PC_LLM_MODEL", &cfg.LLM.Model)
	setInt("PC_LLM_MAX_TOKENS", &cfg.LLM.MaxTokens)
	if v := os.Getenv("PC_LLM_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			cfg.LLM.Temperature = float32(f)
		}
	}
	setInt("PC_LLM_RETRIES", &cfg.LLM.Retries)
	setDuration("PC_LLM_REQUEST_TIMEOUT", &cfg.LLM.RequestTimeout)
	setDuration("PC_LLM_TOTAL_DEADLINE", &cfg.LLM.TotalDeadline)
	setFloat("PC_LLM_REQUESTS_PER_SEC", &cfg.LLM.RequestsPerSec)

	setString("PC_POLICY_FILE", &cfg.PolicyFile)
}

func splitAndTrim(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks ranges and enums. Credentials are validated by the
// components that need them, not here, so a debugger-only deployment does
// not need gateway secrets.
func (c *Config) Validate() error {
	if c.MLConfidenceThreshold < 0 || c.MLConfidenceThreshold > 1 {
		return fmt.Errorf("ml_confidence_threshold must be within [0,1]")
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity_threshold must be within [0,1]")
	}
	if c.MaxAutoPatchesPerRun < 0 {
		return fmt.Errorf("max_auto_patches_per_run must not be negative")
	}
	if c.PatchTimeout <= 0 {
		return fmt.Errorf("patch_timeout must be positive")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session_ttl must be positive")
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("max_sessions must be positive")
	}
	if c.LLM.Retries < 0 {
		return fmt.Errorf("llm.retries must not be negative")
	}
	if c.LLM.RequestTimeout <= 0 {
		return fmt.Errorf("llm.request_timeout must be positive")
	}
	switch c.Environment {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("environment must be one of: development, staging, production")
	}
	validLogLevels := []string{"trace", "debug", "info", "warn", "error"}
	valid := false
	for _, level := range validLogLevels {
		if c.LogLevel == level {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("log_level must be one of: trace, debug, info, warn, error")
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("log_format must be json or console")
	}
	if c.Policy != nil {
		if err := c.Policy.Validate(); err != nil {
			return err
		}
	}
	return nil
}
