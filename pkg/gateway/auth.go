package gateway

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"pipeline-copilot/pkg/config"
	"pipeline-copilot/pkg/domain"
	"pipeline-copilot/pkg/domain/errors"
)

// UserInfo is the authenticated principal attached to a request context.
type UserInfo struct {
	UserID      string   `json:"user_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// IssuedToken is the response body of the token endpoint.
type IssuedToken struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int       `json:"expires_in"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// apiKeyPrefixLen is how many leading characters of a raw key are indexed
// for O(1) candidate location without storing the key itself.
const apiKeyPrefixLen = 8

func sha256Hex(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func hashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// TokenAuthenticator issues and verifies the gateway's signed bearer tokens.
// Credentials are the seeded policy users; passwords are compared by their
// SHA-256 digests.
type TokenAuthenticator struct {
	secret []byte
	issuer string
	ttl    time.Duration
	users  map[string]config.UserEntry
	clock  domain.Clock
	logger zerolog.Logger
}

// TokenOptions configures the token authenticator.
type TokenOptions struct {
	Secret string
	Issuer string
	TTL    time.Duration
	Users  []config.UserEntry
	Clock  domain.Clock
	Logger zerolog.Logger
}

// NewTokenAuthenticator builds the authenticator. The signing secret is
// required; issuer and TTL fall back to defaults.
func NewTokenAuthenticator(opts TokenOptions) (*TokenAuthenticator, error) {
	if opts.Secret == "" {
		return nil, errors.New(errors.CodeMissingParameter, "gateway", "jwt secret is not configured", nil)
	}
	if opts.Issuer == "" {
		opts.Issuer = "pipeline-copilot"
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.Clock == nil {
		opts.Clock = domain.SystemClock()
	}
	users := make(map[string]config.UserEntry, len(opts.Users))
	for _, u := range opts.Users {
		users[u.Username] = u
	}
	return &TokenAuthenticator{
		secret: []byte(opts.Secret),
		issuer: opts.Issuer,
		ttl:    opts.TTL,
		users:  users,
		clock:  opts.Clock,
		logger: opts.Logger.With().Str("component", "token_auth").Logger(),
	}, nil
}

// IssueToken checks the password against the seeded user table and returns a
// signed token. Unknown users and wrong passwords produce the same error.
func (t *TokenAuthenticator) IssueToken(username, password string) (*IssuedToken, error) {
	user, ok := t.users[username]
	if !ok || !hashEqual(sha256Hex(password), user.PasswordHash) {
		return nil, errors.New(errors.CodeUnauthenticated, "gateway", "invalid username or password", nil)
	}

	now := t.clock.Now()
	expiresAt := now.Add(t.ttl)
	claims := jwt.MapClaims{
		"sub":         user.Username,
		"roles":       user.Roles,
		"permissions": user.Permissions,
		"iss":         t.issuer,
		"iat":         now.Unix(),
		"exp":         expiresAt.Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return nil, errors.Internal("gateway", "failed to sign token", err)
	}

	t.logger.Info().Str("username", username).Time("expires_at", expiresAt).Msg("token issued")
	return &IssuedToken{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int(t.ttl.Seconds()),
		ExpiresAt:   expiresAt.UTC(),
	}, nil
}

// Verify parses and validates a bearer token and returns its principal.
func (t *TokenAuthenticator) Verify(raw string) (*UserInfo, error) {
	token, err := jwt.Parse(raw,
		func(*jwt.Token) (any, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return t.clock.Now() }),
	)
	if err != nil || !token.Valid {
		return nil, errors.New(errors.CodeUnauthenticated, "gateway", "invalid or expired token", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New(errors.CodeUnauthenticated, "gateway", "token carries no claims", nil)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, errors.New(errors.CodeUnauthenticated, "gateway", "token carries no subject", nil)
	}
	return &UserInfo{
		UserID:      sub,
		Roles:       claimStrings(claims["roles"]),
		Permissions: claimStrings(claims["permissions"]),
	}, nil
}

// claimStrings converts a decoded JSON claim back to a string slice.
func claimStrings(claim any) []string {
	items, ok := claim.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// APIKeyAuthenticator verifies opaque API keys. Keys are stored as SHA-256
// digests; the raw key's first characters are indexed separately so lookup
// never scans the whole table.
type APIKeyAuthenticator struct {
	byPrefix map[string][]config.APIKeyEntry
	clock    domain.Clock
	logger   zerolog.Logger
}

// NewAPIKeyAuthenticator indexes the seeded keys by prefix.
func NewAPIKeyAuthenticator(keys []config.APIKeyEntry, clock domain.Clock, logger zerolog.Logger) *APIKeyAuthenticator {
	if clock == nil {
		clock = domain.SystemClock()
	}
	byPrefix := make(map[string][]config.APIKeyEntry)
	for _, key := range keys {
		byPrefix[key.KeyPrefix] = append(byPrefix[key.KeyPrefix], key)
	}
	return &APIKeyAuthenticator{
		byPrefix: byPrefix,
		clock:    clock,
		logger:   logger.With().Str("component", "apikey_auth").Logger(),
	}
}

// Verify validates a raw key against the indexed table for one request. A
// key passes iff its digest matches, it is enabled, it has not expired, and
// the requested API version and service are inside its allowed sets when
// those sets are non-empty.
func (a *APIKeyAuthenticator) Verify(rawKey, service, apiVersion string) (*UserInfo, error) {
	denied := errors.New(errors.CodeUnauthenticated, "gateway", "invalid api key", nil)
	if len(rawKey) < apiKeyPrefixLen {
		return nil, denied
	}

	digest := sha256Hex(rawKey)
	for _, key := range a.byPrefix[rawKey[:apiKeyPrefixLen]] {
		if !hashEqual(digest, key.KeyHash) {
			continue
		}
		if !key.Enabled {
			return nil, errors.New(errors.CodeUnauthenticated, "gateway",
				fmt.Sprintf("api key %s is disabled", key.Name), nil)
		}
		if key.ExpiresAt != "" {
			expiry, err := time.Parse(time.RFC3339, key.ExpiresAt)
			if err != nil || !a.clock.Now().Before(expiry) {
				return nil, errors.New(errors.CodeUnauthenticated, "gateway",
					fmt.Sprintf("api key %s has expired", key.Name), nil)
			}
		}
		if len(key.AllowedVersions) > 0 && !contains(key.AllowedVersions, apiVersion) {
			return nil, errors.New(errors.CodeUnauthenticated, "gateway",
				fmt.Sprintf("api key %s does not allow api version %q", key.Name, apiVersion), nil)
		}
		if len(key.AllowedServices) > 0 && !contains(key.AllowedServices, service) {
			return nil, errors.New(errors.CodeUnauthenticated, "gateway",
				fmt.Sprintf("api key %s does not allow service %q", key.Name, service), nil)
		}
		return &UserInfo{UserID: key.UserID, Roles: key.Roles, Permissions: key.Permissions}, nil
	}
	return nil, denied
}

func contains(set []string, want string) bool {
	for _, s := range set {
		if s == want {
			return true
		}
	}
	return false
}

// Authenticator resolves the principal of one request from either credential
// scheme. Requests without credentials are anonymous, not an error; route
// policy decides whether anonymous is acceptable.
type Authenticator struct {
	tokens *TokenAuthenticator
	keys   *APIKeyAuthenticator
}

// NewAuthenticator combines the two schemes.
func NewAuthenticator(tokens *TokenAuthenticator, keys *APIKeyAuthenticator) *Authenticator {
	return &Authenticator{tokens: tokens, keys: keys}
}

// Authenticate inspects the Authorization and X-API-Key headers. Presented
// credentials must verify even on anonymous routes.
func (a *Authenticator) Authenticate(r *http.Request, service string) (*UserInfo, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return nil, errors.New(errors.CodeUnauthenticated, "gateway",
				"authorization header is not a bearer token", nil)
		}
		return a.tokens.Verify(strings.TrimSpace(raw))
	}
	if rawKey := r.Header.Get("X-API-Key"); rawKey != "" {
		return a.keys.Verify(rawKey, service, r.Header.Get("X-API-Version"))
	}
	return nil, nil
}
