// Arena
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package authz enforces scope policy on incoming requests. Endpoints
// declare the scopes they require in a policy table keyed by method and
// path template; the authorizer verifies the bearer token and checks the
// declared scopes against the token's, with wildcard containment.
package authz

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gravitational/trace"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/arena"
	"github.com/gravitational/arena/lib/defaults"
	"github.com/gravitational/arena/lib/jwt"
	"github.com/gravitational/arena/lib/scopes"
)

// Mode says how a policy's scopes combine.
type Mode string

const (
	// ModeAny passes when the token carries at least one required scope.
	ModeAny Mode = "ANY"
	// ModeAll passes only when the token carries every required scope.
	ModeAll Mode = "ALL"
)

// Policy is the declarative access rule attached to one endpoint.
type Policy struct {
	// Scopes are the required scopes.
	Scopes []string
	// Mode is ANY or ALL. Empty means ALL.
	Mode Mode
	// AllowAnonymous admits requests without credentials.
	AllowAnonymous bool
}

// Check validates the policy.
func (p *Policy) Check() error {
	if !p.AllowAnonymous && len(p.Scopes) == 0 {
		return trace.BadParameter("policy requires scopes unless it allows anonymous access")
	}
	for _, s := range p.Scopes {
		if err := scopes.StrongValidate(s); err != nil {
			return trace.Wrap(err)
		}
	}
	switch p.Mode {
	case ModeAny, ModeAll, "":
	default:
		return trace.BadParameter("unsupported policy mode %q", p.Mode)
	}
	return nil
}

// Identity is the authenticated principal attached to a request after it
// passes the filter.
type Identity struct {
	// Principal is the token subject.
	Principal string
	// UserID and ClientID come from the token claims.
	UserID   string
	ClientID string
	// Scopes are the effective scopes the token carries.
	Scopes []string
	// Roles are the role names stamped into the token.
	Roles []string
	// ExpiresAt is when the credentials lapse.
	ExpiresAt time.Time
	// Anonymous marks requests admitted without credentials.
	Anonymous bool
}

// TokenExchanger trades an opaque API token for a signed access token.
// The auth server implements it; the filter uses it for the X-Api-Token
// pre-authentication hook.
type TokenExchanger interface {
	ExchangeAPIToken(ctx context.Context, apiToken string) (signedJWT string, err error)
}

// Config holds authorizer settings.
type Config struct {
	// Key verifies bearer tokens.
	Key *jwt.Key

	// Exchanger serves the X-Api-Token hook. Optional; without it the
	// header is ignored.
	Exchanger TokenExchanger

	// Clock bounds the exchange-cache entry lifetimes.
	Clock clockwork.Clock

	// CacheSize caps the API-token exchange cache.
	CacheSize int

	// Logger reports authorization denials.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Key == nil {
		return trace.BadParameter("missing parameter Key")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.CacheSize == 0 {
		c.CacheSize = defaults.APITokenCacheSize
	}
	if c.Logger == nil {
		c.Logger = slog.With(arena.ComponentKey, arena.ComponentAuthz)
	}
	return nil
}

// cachedExchange is one memoized API-token exchange.
type cachedExchange struct {
	signed    string
	expiresAt time.Time
}

// Authorizer checks requests against endpoint policies.
type Authorizer struct {
	config   Config
	policies map[string]Policy
	cache    *lru.LRU[string, cachedExchange]
}

// New returns an Authorizer with an empty policy table.
func New(config Config) (*Authorizer, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Authorizer{
		config:   config,
		policies: make(map[string]Policy),
		// per-entry TTLs are enforced on read; the cache-wide TTL only
		// bounds how long a dead entry can linger
		cache: lru.NewLRU[string, cachedExchange](config.CacheSize, nil, time.Hour),
	}, nil
}

// Attach declares the policy of one endpoint. Later declarations for the
// same method and path template override earlier ones, which is how a
// handler-level rule overrides a group-level one.
func (a *Authorizer) Attach(method, pathTemplate string, policy Policy) error {
	if err := policy.Check(); err != nil {
		return trace.Wrap(err)
	}
	a.policies[policyKey(method, pathTemplate)] = policy
	return nil
}

// Policy looks up the policy of one endpoint.
func (a *Authorizer) Policy(method, pathTemplate string) (Policy, bool) {
	p, ok := a.policies[policyKey(method, pathTemplate)]
	return p, ok
}

func policyKey(method, pathTemplate string) string {
	return method + " " + pathTemplate
}

// Authorize runs the filter for one request: bearer extraction (with the
// X-Api-Token pre-exchange hook), token verification, then the endpoint's
// scope policy. Missing or bad credentials yield AccessDenied (401 at the
// port); a verified token missing scopes yields a wrapped AccessDenied
// marked as a scope failure (403).
func (a *Authorizer) Authorize(ctx context.Context, r *http.Request, pathTemplate string) (*Identity, error) {
	policy, ok := a.Policy(r.Method, pathTemplate)
	if !ok {
		// no policy means no access: endpoints must opt in explicitly
		return nil, trace.AccessDenied("endpoint %s %s has no access policy", r.Method, pathTemplate)
	}

	raw, err := a.bearerToken(ctx, r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if raw == "" {
		if policy.AllowAnonymous {
			return &Identity{Anonymous: true}, nil
		}
		return nil, trace.AccessDenied("request is not authenticated")
	}

	claims, err := a.config.Key.Verify(raw)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	identity := &Identity{
		Principal: claims.Subject,
		UserID:    claims.UserID,
		ClientID:  claims.ClientID,
		Scopes:    claims.Scopes,
		Roles:     claims.Roles,
		ExpiresAt: claims.Expiry.Time(),
	}

	if err := CheckPolicy(policy, identity.Scopes); err != nil {
		a.config.Logger.InfoContext(ctx, "Denied request.",
			"principal", identity.Principal,
			"method", r.Method,
			"path", pathTemplate,
			"error", err,
		)
		return nil, trace.Wrap(err)
	}
	return identity, nil
}

// CheckPolicy evaluates a policy against granted scopes. The returned
// error is a scope failure, which the port layer maps to 403 rather than
// 401.
func CheckPolicy(policy Policy, granted []string) error {
	if len(policy.Scopes) == 0 {
		return nil
	}
	var missing []string
	for _, required := range policy.Scopes {
		if scopes.ContainsAny(granted, required) {
			if policy.Mode == ModeAny {
				return nil
			}
			continue
		}
		missing = append(missing, required)
	}
	if policy.Mode == ModeAny {
		return &ScopeError{Missing: policy.Scopes}
	}
	if len(missing) > 0 {
		return &ScopeError{Missing: missing}
	}
	return nil
}

// ScopeError reports an authenticated request lacking required scopes.
type ScopeError struct {
	// Missing are the scopes the token did not carry.
	Missing []string
}

// Error implements the error interface.
func (e *ScopeError) Error() string {
	return "missing required scopes: " + strings.Join(e.Missing, ", ")
}

// bearerToken extracts the credential to verify: the Authorization
// header's bearer token when present, otherwise the X-Api-Token exchange
// hook. Empty when the request carries neither.
func (a *Authorizer) bearerToken(ctx context.Context, r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return "", trace.AccessDenied("Authorization header is not a bearer token")
		}
		return token, nil
	}
	if apiToken := r.Header.Get("X-Api-Token"); apiToken != "" {
		return a.exchangeAPIToken(ctx, apiToken)
	}
	return "", nil
}

// exchangeAPIToken memoizes API-token exchanges: a hit within the
// exchanged token's remaining lifetime skips the exchanger call.
func (a *Authorizer) exchangeAPIToken(ctx context.Context, apiToken string) (string, error) {
	if a.config.Exchanger == nil {
		return "", trace.AccessDenied("API token authentication is not enabled")
	}

	if cached, ok := a.cache.Get(apiToken); ok {
		if a.config.Clock.Now().Before(cached.expiresAt) {
			return cached.signed, nil
		}
		a.cache.Remove(apiToken)
	}

	signed, err := a.config.Exchanger.ExchangeAPIToken(ctx, apiToken)
	if err != nil {
		return "", trace.Wrap(err)
	}

	// cache for the remaining lifetime of the exchanged token
	claims, err := a.config.Key.Verify(signed)
	if err != nil {
		return "", trace.Wrap(err)
	}
	a.cache.Add(apiToken, cachedExchange{
		signed:    signed,
		expiresAt: claims.Expiry.Time(),
	})
	return signed, nil
}

// IsScopeError reports whether err is an authenticated-but-forbidden
// scope failure.
func IsScopeError(err error) bool {
	var se *ScopeError
	return errors.As(err, &se)
}
