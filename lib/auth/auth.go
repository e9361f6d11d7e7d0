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

// Package auth implements the trust boundary of the control plane: the
// OAuth2 token endpoint (client_credentials, password, refresh_token and
// token_exchange grants), stateless access-token validation, and the
// per-player match tokens handed to the simulation engine.
package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/arena"
	"github.com/gravitational/arena/lib/defaults"
	"github.com/gravitational/arena/lib/jwt"
	"github.com/gravitational/arena/lib/limiter"
	"github.com/gravitational/arena/lib/passwords"
	"github.com/gravitational/arena/lib/services"
	"github.com/gravitational/arena/lib/utils"
)

var issuedTokens = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "arena_auth_issued_tokens_total",
	Help: "Number of issued tokens by grant type",
}, []string{"grant_type"})

// Config holds the dependencies and issuing policy of the auth server.
type Config struct {
	// Identity stores users, roles and clients.
	Identity services.Identity

	// Tokens stores refresh, API and match token records.
	Tokens services.Tokens

	// Key signs and verifies access tokens.
	Key *jwt.Key

	// Hasher verifies passwords and client secrets.
	Hasher *passwords.Hasher

	// Limiter throttles grant requests per client and per user.
	Limiter *limiter.Limiter

	// Clock is the time source for token lifetimes.
	Clock clockwork.Clock

	// ServiceTokenTTL bounds access tokens from the client_credentials
	// and token_exchange grants.
	ServiceTokenTTL time.Duration

	// UserTokenTTL bounds access tokens issued on behalf of users.
	UserTokenTTL time.Duration

	// RefreshTokenTTL bounds refresh tokens.
	RefreshTokenTTL time.Duration

	// MatchTokenTTL bounds match tokens.
	MatchTokenTTL time.Duration

	// FailedAuthDelay is the pause added to failed authentications to
	// flatten timing side channels. Zero picks the default; a negative
	// value disables the delay, which only tests should do.
	FailedAuthDelay time.Duration

	// Logger reports issuing activity.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Identity == nil {
		return trace.BadParameter("missing parameter Identity")
	}
	if c.Tokens == nil {
		return trace.BadParameter("missing parameter Tokens")
	}
	if c.Key == nil {
		return trace.BadParameter("missing parameter Key")
	}
	if c.Hasher == nil {
		hasher, err := passwords.NewHasher(0)
		if err != nil {
			return trace.Wrap(err)
		}
		c.Hasher = hasher
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.ServiceTokenTTL == 0 {
		c.ServiceTokenTTL = defaults.ServiceTokenTTL
	}
	if c.UserTokenTTL == 0 {
		c.UserTokenTTL = defaults.UserTokenTTL
	}
	if c.RefreshTokenTTL == 0 {
		c.RefreshTokenTTL = defaults.RefreshTokenTTL
	}
	if c.MatchTokenTTL == 0 {
		c.MatchTokenTTL = defaults.MatchTokenTTL
	}
	if c.FailedAuthDelay == 0 {
		c.FailedAuthDelay = defaults.AuthFailureDelay
	}
	if c.Logger == nil {
		c.Logger = slog.With(arena.ComponentKey, arena.ComponentAuth)
	}
	return nil
}

// Server is the token issuer. It owns refresh-token and match-token
// records; the identity store owns users, roles and clients.
type Server struct {
	config Config

	// dummyHash soaks up a bcrypt comparison when the principal does not
	// exist, so lookups of unknown and known ids cost the same.
	dummyHash string
}

// NewServer returns a Server for the given config.
func NewServer(config Config) (*Server, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(issuedTokens); err != nil {
		return nil, trace.Wrap(err)
	}
	filler, err := utils.CryptoRandomHex(16)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	dummyHash, err := config.Hasher.Hash(filler)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Server{config: config, dummyHash: dummyHash}, nil
}

// Clock exposes the server's time source.
func (s *Server) Clock() clockwork.Clock {
	return s.config.Clock
}

// ValidateResult is the answer of ValidateToken.
type ValidateResult struct {
	// Valid reports whether the token verified.
	Valid bool `json:"valid"`
	// Error describes why an invalid token failed.
	Error string `json:"error,omitempty"`
	// UserID, Username and Scopes come from the claims of a valid token.
	UserID    string     `json:"user_id,omitempty"`
	Username  string     `json:"username,omitempty"`
	Scopes    []string   `json:"scopes,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// ValidateToken verifies an access token statelessly: signature, expiry
// and issuer. It never errors; an invalid token yields Valid=false with a
// terse reason.
func (s *Server) ValidateToken(ctx context.Context, raw string) ValidateResult {
	claims, err := s.config.Key.Verify(raw)
	if err != nil {
		return ValidateResult{Valid: false, Error: trace.UserMessage(err)}
	}
	expires := claims.Expiry.Time()
	return ValidateResult{
		Valid:     true,
		UserID:    claims.UserID,
		Username:  claims.Subject,
		Scopes:    claims.Scopes,
		ExpiresAt: &expires,
	}
}

// authenticateClient looks the client up and verifies its secret.
// Confidential clients must present their secret; public clients must
// not. Failures flatten to invalid_client after the standard delay.
func (s *Server) authenticateClient(ctx context.Context, clientID, secret string) (services.Client, error) {
	if clientID == "" {
		return services.Client{}, invalidClient("client authentication required")
	}

	client, err := s.config.Identity.GetClient(ctx, clientID)
	if err != nil {
		if !trace.IsNotFound(err) {
			return services.Client{}, trace.Wrap(err)
		}
		// burn a verification anyway so unknown and known client ids
		// take the same time
		s.config.Hasher.Verify(secret, s.dummyHash)
		return services.Client{}, s.failAuth(ctx, invalidClient("unknown client"))
	}

	switch client.Kind {
	case services.ClientConfidential:
		if !s.config.Hasher.Verify(secret, client.SecretHash) {
			return services.Client{}, s.failAuth(ctx, invalidClient("client authentication failed"))
		}
	case services.ClientPublic:
		if secret != "" {
			return services.Client{}, s.failAuth(ctx, invalidClient("public client must not present a secret"))
		}
	}

	if !client.Enabled {
		return services.Client{}, s.failAuth(ctx, invalidClient("client is disabled"))
	}
	return client, nil
}

// authenticateUser verifies a username and password against the identity
// store and rewrites the hash when the work factor changed.
func (s *Server) authenticateUser(ctx context.Context, username, password string) (services.User, error) {
	user, err := s.config.Identity.GetUserByName(ctx, username)
	if err != nil {
		if !trace.IsNotFound(err) {
			return services.User{}, trace.Wrap(err)
		}
		s.config.Hasher.Verify(password, s.dummyHash)
		return services.User{}, s.failAuth(ctx, invalidGrant("authentication failed"))
	}

	if !s.config.Hasher.Verify(password, user.PasswordHash) {
		return services.User{}, s.failAuth(ctx, invalidGrant("authentication failed"))
	}
	if !user.Enabled {
		return services.User{}, s.failAuth(ctx, invalidGrant("authentication failed"))
	}

	if s.config.Hasher.NeedsRehash(user.PasswordHash) {
		if rehashed, err := s.config.Hasher.Hash(password); err == nil {
			user.PasswordHash = rehashed
			if updated, err := s.config.Identity.UpdateUser(ctx, user); err == nil {
				user = updated
			} else {
				s.config.Logger.WarnContext(ctx, "Failed to rewrite password hash.", "user", user.Username, "error", err)
			}
		}
	}
	return user, nil
}

// failAuth pauses before returning an authentication failure so timing
// does not distinguish unknown principals from wrong credentials.
func (s *Server) failAuth(ctx context.Context, err error) error {
	if s.config.FailedAuthDelay > 0 {
		delay := s.config.FailedAuthDelay + utils.HalfJitter(s.config.FailedAuthDelay/2)
		select {
		case <-ctx.Done():
		case <-s.config.Clock.After(delay):
		}
	}
	return err
}

// UpsertClient hashes the given plaintext secret and saves the client.
// Used by the config bootstrap and by operator tooling.
func (s *Server) UpsertClient(ctx context.Context, client services.Client, secret string) (services.Client, error) {
	if client.Kind == services.ClientConfidential {
		if secret == "" {
			return services.Client{}, trace.BadParameter("confidential client %q needs a secret", client.ID)
		}
		hash, err := s.config.Hasher.Hash(secret)
		if err != nil {
			return services.Client{}, trace.Wrap(err)
		}
		client.SecretHash = hash
	} else if secret != "" {
		return services.Client{}, trace.BadParameter("public client %q cannot have a secret", client.ID)
	}
	saved, err := s.config.Identity.UpsertClient(ctx, client)
	return saved, trace.Wrap(err)
}

// CreateUser hashes the given password and creates the user.
func (s *Server) CreateUser(ctx context.Context, user services.User, password string) (services.User, error) {
	hash, err := s.config.Hasher.Hash(password)
	if err != nil {
		return services.User{}, trace.Wrap(err)
	}
	user.PasswordHash = hash
	saved, err := s.config.Identity.CreateUser(ctx, user)
	return saved, trace.Wrap(err)
}

// CreateAPIToken mints an opaque API token value, stores its record and
// returns the record together with the value. The value is shown once and
// never stored.
func (s *Server) CreateAPIToken(ctx context.Context, token services.APIToken) (services.APIToken, string, error) {
	value, err := utils.CryptoRandomHex(32)
	if err != nil {
		return services.APIToken{}, "", trace.Wrap(err)
	}
	now := s.config.Clock.Now()
	token.ValueHash = services.HashTokenValue(value)
	token.CreatedAt = now
	if token.ExpiresAt.IsZero() {
		token.ExpiresAt = now.Add(defaults.APITokenTTL)
	}
	saved, err := s.config.Tokens.CreateAPIToken(ctx, token)
	if err != nil {
		return services.APIToken{}, "", trace.Wrap(err)
	}
	return saved, value, nil
}

// resolveUserAccess returns the user's effective scopes and role names.
func (s *Server) resolveUserAccess(ctx context.Context, user services.User) (scopes, roles []string, err error) {
	scopes, err = s.config.Identity.ResolveScopes(ctx, user.RoleIDs)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	roles, err = s.config.Identity.ResolveRoleNames(ctx, user.RoleIDs)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	return scopes, roles, nil
}
