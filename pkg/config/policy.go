package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Policy holds the table-shaped settings: vulnerability allowances per
// environment, named rate-limit and circuit-breaker groups, gateway route
// descriptors, downstream services, and seeded credentials.
type Policy struct {
	// VulnerabilityThresholds maps environment -> severity -> allowed count.
	// -1 means unlimited.
	VulnerabilityThresholds map[string]map[string]int `yaml:"vulnerability_thresholds"`

	RateLimitGroups      map[string]RateLimitGroup      `yaml:"rate_limit_groups"`
	CircuitBreakerGroups map[string]CircuitBreakerGroup `yaml:"circuit_breaker_groups"`

	Routes   []RouteDescriptor `yaml:"routes"`
	Services []ServiceEntry    `yaml:"services"`

	Users   []UserEntry   `yaml:"users"`
	APIKeys []APIKeyEntry `yaml:"api_keys"`
}

// RateLimitGroup is a named fixed-window rate limit shared by many routes.
type RateLimitGroup struct {
	Requests      int `yaml:"requests" validate:"required,gt=0"`
	WindowSeconds int `yaml:"window_seconds" validate:"required,gt=0"`
}

// Window returns the group's window as a duration.
func (g RateLimitGroup) Window() time.Duration {
	return time.Duration(g.WindowSeconds) * time.Second
}

// CircuitBreakerGroup is a named breaker policy shared by many routes.
type CircuitBreakerGroup struct {
	FailureThreshold       int `yaml:"failure_threshold" validate:"required,gt=0"`
	RecoveryTimeoutSeconds int `yaml:"recovery_timeout_seconds" validate:"required,gt=0"`
	SuccessThreshold       int `yaml:"success_threshold" validate:"gte=0"`
}

// RecoveryTimeout returns the open -> half-open delay as a duration.
func (g CircuitBreakerGroup) RecoveryTimeout() time.Duration {
	return time.Duration(g.RecoveryTimeoutSeconds) * time.Second
}

// RouteDescriptor is the per-(service, endpoint) gateway policy.
type RouteDescriptor struct {
	Service             string   `yaml:"service" validate:"required"`
	Endpoint            string   `yaml:"endpoint" validate:"required,startswith=/"`
	Method              string   `yaml:"method" validate:"required,oneof=GET POST PUT PATCH DELETE"`
	BackendPath         string   `yaml:"backend_path" validate:"required,startswith=/"`
	RateLimitGroup      string   `yaml:"rate_limit_group"`
	CacheEnabled        bool     `yaml:"cache_enabled"`
	CacheTTLSeconds     int      `yaml:"cache_ttl_seconds" validate:"gte=0"`
	AuthRequired        bool     `yaml:"auth_required"`
	RequiredRoles       []string `yaml:"required_roles"`
	RequiredPermissions []string `yaml:"required_permissions"`
	CircuitBreakerGroup string   `yaml:"circuit_breaker_group"`
	TimeoutSeconds      int      `yaml:"timeout_seconds" validate:"gte=0"`
}

// Timeout returns the route's downstream timeout, or 0 when unset.
func (r RouteDescriptor) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// ServiceEntry declares a downstream service the gateway may route to.
type ServiceEntry struct {
	Name           string `yaml:"name" validate:"required"`
	BaseURL        string `yaml:"base_url" validate:"required,url"`
	HealthEndpoint string `yaml:"health_endpoint"`
}

// UserEntry seeds the gateway's password authenticator. PasswordHash is a
// hex SHA-256 of the password.
type UserEntry struct {
	Username     string   `yaml:"username" validate:"required"`
	PasswordHash string   `yaml:"password_hash" validate:"required,len=64,hexadecimal"`
	Roles        []string `yaml:"roles"`
	Permissions  []string `yaml:"permissions"`
}

// APIKeyEntry seeds the gateway's API-key authenticator. KeyHash is a hex
// SHA-256 of the full raw key; KeyPrefix is the raw key's first 8 chars.
type APIKeyEntry struct {
	Name            string   `yaml:"name" validate:"required"`
	KeyHash         string   `yaml:"key_hash" validate:"required,len=64,hexadecimal"`
	KeyPrefix       string   `yaml:"key_prefix" validate:"required,len=8"`
	UserID          string   `yaml:"user_id" validate:"required"`
	Enabled         bool     `yaml:"enabled"`
	ExpiresAt       string   `yaml:"expires_at"` // RFC-3339; empty means no expiry
	AllowedVersions []string `yaml:"allowed_versions"`
	AllowedServices []string `yaml:"allowed_services"`
	Roles           []string `yaml:"roles"`
	Permissions     []string `yaml:"permissions"`
}

// DefaultPolicy returns the compiled-in tables used when no policy file is
// configured.
func DefaultPolicy() *Policy {
	return &Policy{
		VulnerabilityThresholds: map[string]map[string]int{
			"development": {"critical": 0, "high": 5, "medium": 10, "low": -1, "info": -1},
			"staging":     {"critical": 0, "high": 2, "medium": 5, "low": -1, "info": -1},
			"production":  {"critical": 0, "high": 0, "medium": 2, "low": 10, "info": -1},
		},
		RateLimitGroups: map[string]RateLimitGroup{
			"default": {Requests: 100, WindowSeconds: 60},
			"strict":  {Requests: 10, WindowSeconds: 60},
		},
		CircuitBreakerGroups: map[string]CircuitBreakerGroup{
			"default": {FailureThreshold: 5, RecoveryTimeoutSeconds: 30, SuccessThreshold: 2},
		},
	}
}

// LoadPolicyFile parses a YAML policy file. Tables absent from the file keep
// their defaults.
func LoadPolicyFile(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}

	var loaded Policy
	if err := yaml.Unmarshal(raw, &loaded); err != nil {
		return nil, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}

	policy := DefaultPolicy()
	if loaded.VulnerabilityThresholds != nil {
		policy.VulnerabilityThresholds = loaded.VulnerabilityThresholds
	}
	if loaded.RateLimitGroups != nil {
		policy.RateLimitGroups = loaded.RateLimitGroups
	}
	if loaded.CircuitBreakerGroups != nil {
		policy.CircuitBreakerGroups = loaded.CircuitBreakerGroups
	}
	policy.Routes = loaded.Routes
	policy.Services = loaded.Services
	policy.Users = loaded.Users
	policy.APIKeys = loaded.APIKeys

	return policy, nil
}

// Validate checks structural tags and cross-references between routes and
// named groups.
func (p *Policy) Validate() error {
	v := validator.New()

	for name, g := range p.RateLimitGroups {
		if err := v.Struct(g); err != nil {
			return fmt.Errorf("rate_limit_groups[%s]: %w", name, err)
		}
	}
	for name, g := range p.CircuitBreakerGroups {
		if err := v.Struct(g); err != nil {
			return fmt.Errorf("circuit_breaker_groups[%s]: %w", name, err)
		}
	}
	for i, route := range p.Routes {
		if err := v.Struct(route); err != nil {
			return fmt.Errorf("routes[%d] %s%s: %w", i, route.Service, route.Endpoint, err)
		}
		if route.RateLimitGroup != "" {
			if _, ok := p.RateLimitGroups[route.RateLimitGroup]; !ok {
				return fmt.Errorf("routes[%d] %s%s: unknown rate_limit_group %q",
					i, route.Service, route.Endpoint, route.RateLimitGroup)
			}
		}
		if route.CircuitBreakerGroup != "" {
			if _, ok := p.CircuitBreakerGroups[route.CircuitBreakerGroup]; !ok {
				return fmt.Errorf("routes[%d] %s%s: unknown circuit_breaker_group %q",
					i, route.Service, route.Endpoint, route.CircuitBreakerGroup)
			}
		}
	}
	for i, svc := range p.Services {
		if err := v.Struct(svc); err != nil {
			return fmt.Errorf("services[%d]: %w", i, err)
		}
	}
	for i, u := range p.Users {
		if err := v.Struct(u); err != nil {
			return fmt.Errorf("users[%d]: %w", i, err)
		}
	}
	for i, k := range p.APIKeys {
		if err := v.Struct(k); err != nil {
			return fmt.Errorf("api_keys[%d]: %w", i, err)
		}
		if k.ExpiresAt != "" {
			if _, err := time.Parse(time.RFC3339, k.ExpiresAt); err != nil {
				return fmt.Errorf("api_keys[%d]: expires_at is not RFC-3339: %w", i, err)
			}
		}
	}
	for env, bySeverity := range p.VulnerabilityThresholds {
		switch env {
		case "development", "staging", "production":
		default:
			return fmt.Errorf("vulnerability_thresholds: unknown environment %q", env)
		}
		for severity, allowance := range bySeverity {
			switch severity {
			case "critical", "high", "medium", "low", "info":
			default:
				return fmt.Errorf("vulnerability_thresholds[%s]: unknown severity %q", env, severity)
			}
			if allowance < -1 {
				return fmt.Errorf("vulnerability_thresholds[%s][%s]: allowance below -1", env, severity)
			}
		}
	}
	return nil
}

// ThresholdsFor returns the severity allowance table for an environment.
// Unknown environments fall back to production, the strictest table.
func (p *Policy) ThresholdsFor(environment string) map[string]int {
	if t, ok := p.VulnerabilityThresholds[environment]; ok {
		return t
	}
	return p.VulnerabilityThresholds["production"]
}
