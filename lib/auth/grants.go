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

package auth

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/gravitational/arena"
	"github.com/gravitational/arena/lib/jwt"
	"github.com/gravitational/arena/lib/scopes"
	"github.com/gravitational/arena/lib/services"
	"github.com/gravitational/arena/lib/utils"
)

// SubjectTokenTypeAPIToken is the subject_token_type understood by the
// token_exchange grant.
const SubjectTokenTypeAPIToken = "urn:arena:params:oauth:token-type:api_token"

// TokenRequest carries the parameters of one POST to the token endpoint.
// Unknown form parameters are dropped by the port layer; everything the
// grants understand is here.
type TokenRequest struct {
	// GrantType selects the flow.
	GrantType string
	// ClientID and ClientSecret authenticate the client, from HTTP Basic
	// or form fields.
	ClientID     string
	ClientSecret string
	// Scope is the space-delimited requested scope list. Empty means
	// "everything I am allowed".
	Scope string
	// Username and Password serve the password grant.
	Username string
	Password string
	// RefreshToken serves the refresh_token grant.
	RefreshToken string
	// SubjectToken and SubjectTokenType serve the token_exchange grant.
	SubjectToken     string
	SubjectTokenType string
	// ClientIP keys rate limiting; the port layer fills it from the
	// connection.
	ClientIP string
}

// TokenResponse is the success body of the token endpoint per RFC 6749.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// IssueTokens dispatches a token request to its grant handler. Failures
// come back as *Error values carrying the RFC 6749 code; anything else is
// an internal fault the port layer turns into a 503.
func (s *Server) IssueTokens(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	grant, err := arena.ParseGrantType(req.GrantType)
	if err != nil {
		if req.GrantType == "" {
			return nil, invalidRequest("grant_type is required")
		}
		return nil, unsupportedGrantType("grant type " + req.GrantType + " is not supported")
	}

	if !s.allowRequest(req, grant) {
		return nil, rateLimited("too many token requests, slow down")
	}

	var resp *TokenResponse
	switch grant {
	case arena.GrantClientCredentials:
		resp, err = s.grantClientCredentials(ctx, req)
	case arena.GrantPassword:
		resp, err = s.grantPassword(ctx, req)
	case arena.GrantRefreshToken:
		resp, err = s.grantRefreshToken(ctx, req)
	case arena.GrantTokenExchange:
		resp, err = s.grantTokenExchange(ctx, req)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	issuedTokens.WithLabelValues(string(grant)).Inc()
	return resp, nil
}

// RetryAfter reports how long the request's rate-limit keys remain
// exhausted, for the Retry-After response header.
func (s *Server) RetryAfter(req TokenRequest) time.Duration {
	if s.config.Limiter == nil {
		return 0
	}
	after := s.config.Limiter.RetryAfter("client|" + req.ClientID + "|" + req.ClientIP)
	if req.Username != "" {
		if userAfter := s.config.Limiter.RetryAfter("user|" + req.Username + "|" + req.ClientIP); userAfter > after {
			after = userAfter
		}
	}
	return after
}

// allowRequest charges the request against its rate-limit keys: always
// (client_id, ip), and (username, ip) when a username is present.
func (s *Server) allowRequest(req TokenRequest, grant arena.GrantType) bool {
	if s.config.Limiter == nil {
		return true
	}
	allowed := s.config.Limiter.TryAcquire("client|" + req.ClientID + "|" + req.ClientIP)
	if grant == arena.GrantPassword && req.Username != "" {
		if !s.config.Limiter.TryAcquire("user|" + services.NormalizeUsername(req.Username) + "|" + req.ClientIP) {
			allowed = false
		}
	}
	return allowed
}

// grantClientCredentials issues a service access token to an
// authenticated client. No refresh token: services re-authenticate.
func (s *Server) grantClientCredentials(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !client.AllowsGrant(arena.GrantClientCredentials) {
		return nil, unauthorizedClient("client may not use the client_credentials grant")
	}

	effective, err := effectiveScopes(req.Scope, client.AllowedScopes)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	token, err := s.config.Key.Sign(jwt.SignParams{
		Subject:  client.ID,
		TTL:      s.config.ServiceTokenTTL,
		Scopes:   effective,
		ClientID: client.ID,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	s.config.Logger.InfoContext(ctx, "Issued service token.", "client_id", client.ID, "scopes", effective)
	return &TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.config.ServiceTokenTTL / time.Second),
		Scope:       strings.Join(effective, " "),
	}, nil
}

// grantPassword authenticates a user through a confidential first-party
// client and issues an access/refresh token pair.
func (s *Server) grantPassword(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !client.AllowsGrant(arena.GrantPassword) {
		return nil, unauthorizedClient("client may not use the password grant")
	}
	if req.Username == "" || req.Password == "" {
		return nil, invalidRequest("username and password are required")
	}

	user, err := s.authenticateUser(ctx, req.Username, req.Password)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	userScopes, roles, err := s.resolveUserAccess(ctx, user)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	granted := scopes.Intersect(userScopes, client.AllowedScopes)

	effective, err := effectiveScopes(req.Scope, granted)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	access, err := s.config.Key.Sign(jwt.SignParams{
		Subject:  user.Username,
		TTL:      s.config.UserTokenTTL,
		Scopes:   effective,
		Roles:    roles,
		UserID:   user.ID,
		ClientID: client.ID,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	refresh, err := s.issueRefreshToken(ctx, services.RefreshToken{
		Subject:  user.Username,
		UserID:   user.ID,
		ClientID: client.ID,
		Scopes:   effective,
		Roles:    roles,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	s.config.Logger.InfoContext(ctx, "Issued user token.", "user", user.Username, "client_id", client.ID, "scopes", effective)
	return &TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.config.UserTokenTTL / time.Second),
		Scope:        strings.Join(effective, " "),
		RefreshToken: refresh,
	}, nil
}

// grantRefreshToken rotates a refresh token: the presented one is revoked
// and a linked replacement is issued with a fresh access token. A token
// that comes back after rotation is treated as leaked and burns its whole
// chain.
func (s *Server) grantRefreshToken(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, invalidRequest("refresh_token is required")
	}

	record, err := s.config.Tokens.GetRefreshTokenByHash(ctx, services.HashTokenValue(req.RefreshToken))
	if err != nil {
		if !trace.IsNotFound(err) {
			return nil, trace.Wrap(err)
		}
		return nil, s.failAuth(ctx, invalidGrant("refresh token is not valid"))
	}

	if !s.config.Clock.Now().Before(record.ExpiresAt) {
		return nil, s.failAuth(ctx, invalidGrant("refresh token has expired"))
	}

	// Stamping revoked_at is the single-use gate: of any number of
	// concurrent presentations of the same value, exactly one wins the
	// compare-and-set. A loser means the value was already spent, so the
	// whole chain burns.
	if err := s.config.Tokens.RevokeRefreshToken(ctx, record.ID); err != nil {
		if !trace.IsCompareFailed(err) {
			return nil, trace.Wrap(err)
		}
		revoked, err := s.config.Tokens.RevokeRefreshChain(ctx, record.ID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		s.config.Logger.WarnContext(ctx, "Revoked refresh-token chain after reuse.",
			"subject", record.Subject,
			"client_id", record.ClientID,
			"chain_size", revoked,
		)
		return nil, s.failAuth(ctx, invalidGrant("refresh token has been revoked"))
	}

	access, err := s.config.Key.Sign(jwt.SignParams{
		Subject:  record.Subject,
		TTL:      s.config.UserTokenTTL,
		Scopes:   record.Scopes,
		Roles:    record.Roles,
		UserID:   record.UserID,
		ClientID: record.ClientID,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	refresh, err := s.issueRefreshToken(ctx, services.RefreshToken{
		Subject:     record.Subject,
		UserID:      record.UserID,
		ClientID:    record.ClientID,
		Scopes:      record.Scopes,
		Roles:       record.Roles,
		RotatedFrom: record.ID,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return &TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.config.UserTokenTTL / time.Second),
		Scope:        strings.Join(record.Scopes, " "),
		RefreshToken: refresh,
	}, nil
}

// grantTokenExchange trades an API token for a short-lived access token
// carrying the subject's scopes, possibly narrowed by the request.
func (s *Server) grantTokenExchange(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	if req.SubjectToken == "" {
		return nil, invalidRequest("subject_token is required")
	}
	if req.SubjectTokenType != "" && req.SubjectTokenType != SubjectTokenTypeAPIToken {
		return nil, invalidRequest("subject_token_type " + req.SubjectTokenType + " is not supported")
	}

	record, err := s.config.Tokens.GetAPITokenByHash(ctx, services.HashTokenValue(req.SubjectToken))
	if err != nil {
		if !trace.IsNotFound(err) {
			return nil, trace.Wrap(err)
		}
		return nil, s.failAuth(ctx, invalidGrant("subject token is not valid"))
	}
	if !record.Active(s.config.Clock.Now()) {
		return nil, s.failAuth(ctx, invalidGrant("subject token is expired or revoked"))
	}

	effective, err := effectiveScopes(req.Scope, record.Scopes)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	ttl := s.config.ServiceTokenTTL
	if record.UserID != "" {
		ttl = s.config.UserTokenTTL
	}
	access, err := s.config.Key.Sign(jwt.SignParams{
		Subject:  record.Subject,
		TTL:      ttl,
		Scopes:   effective,
		UserID:   record.UserID,
		ClientID: record.ClientID,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	s.config.Logger.InfoContext(ctx, "Exchanged API token.", "subject", record.Subject, "scopes", effective)
	return &TokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int(ttl / time.Second),
		Scope:       strings.Join(effective, " "),
	}, nil
}

// ExchangeAPIToken trades a valid API token for a signed access token
// carrying the token's full scope set. It backs the authorization
// filter's X-Api-Token hook.
func (s *Server) ExchangeAPIToken(ctx context.Context, apiToken string) (string, error) {
	resp, err := s.grantTokenExchange(ctx, TokenRequest{SubjectToken: apiToken})
	if err != nil {
		return "", trace.Wrap(err)
	}
	return resp.AccessToken, nil
}

// issueRefreshToken mints an opaque refresh value, stores its record and
// returns the value.
func (s *Server) issueRefreshToken(ctx context.Context, record services.RefreshToken) (string, error) {
	value, err := utils.CryptoRandomHex(32)
	if err != nil {
		return "", trace.Wrap(err)
	}
	now := s.config.Clock.Now()
	record.ID = uuid.NewString()
	record.ValueHash = services.HashTokenValue(value)
	record.IssuedAt = now
	record.ExpiresAt = now.Add(s.config.RefreshTokenTTL)
	if _, err := s.config.Tokens.CreateRefreshToken(ctx, record); err != nil {
		return "", trace.Wrap(err)
	}
	return value, nil
}

// effectiveScopes applies the scope algebra shared by the grants: an
// empty request means everything granted, a non-empty request must be
// contained in the granted set and is returned verbatim.
func effectiveScopes(requested string, granted []string) ([]string, error) {
	parsed, err := scopes.ParseList(requested)
	if err != nil {
		return nil, invalidScope(trace.UserMessage(err))
	}
	if len(parsed) == 0 {
		return granted, nil
	}
	for _, scope := range parsed {
		if !scopes.ContainsAny(granted, scope) {
			return nil, invalidScope("scope " + scope + " is not allowed")
		}
	}
	return parsed, nil
}
