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
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/gravitational/arena/lib/jwt"
	"github.com/gravitational/arena/lib/scopes"
	"github.com/gravitational/arena/lib/services"
)

// MatchTokenRequest asks for a per-player capability token for one match.
type MatchTokenRequest struct {
	// MatchID is the match the token admits into.
	MatchID string `json:"match_id"`
	// ContainerID, when set, narrows the token to one container.
	ContainerID string `json:"container_id,omitempty"`
	// PlayerID is the player being admitted.
	PlayerID string `json:"player_id"`
	// UserID links the player to a user account when there is one.
	UserID string `json:"user_id,omitempty"`
	// PlayerName is the display name the match sees.
	PlayerName string `json:"player_name"`
	// Scopes are the in-match permissions to grant.
	Scopes []string `json:"scopes,omitempty"`
	// TTL overrides the configured match-token lifetime when positive.
	TTL time.Duration `json:"-"`
}

// Check validates the request.
func (r *MatchTokenRequest) Check() error {
	if r.MatchID == "" {
		return trace.BadParameter("missing parameter MatchID")
	}
	if r.PlayerID == "" {
		return trace.BadParameter("missing parameter PlayerID")
	}
	if r.PlayerName == "" {
		return trace.BadParameter("missing parameter PlayerName")
	}
	for _, s := range r.Scopes {
		if err := scopes.StrongValidate(s); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// IssueMatchToken stores a match-token record and signs the JWT that
// references it. Validation goes through the record, so revocation takes
// effect immediately.
func (s *Server) IssueMatchToken(ctx context.Context, req MatchTokenRequest) (services.MatchToken, string, error) {
	if err := req.Check(); err != nil {
		return services.MatchToken{}, "", trace.Wrap(err)
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.config.MatchTokenTTL
	}
	now := s.config.Clock.Now()
	record := services.MatchToken{
		ID:          uuid.NewString(),
		MatchID:     req.MatchID,
		ContainerID: req.ContainerID,
		PlayerID:    req.PlayerID,
		UserID:      req.UserID,
		PlayerName:  req.PlayerName,
		Scopes:      req.Scopes,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	record, err := s.config.Tokens.CreateMatchToken(ctx, record)
	if err != nil {
		return services.MatchToken{}, "", trace.Wrap(err)
	}

	signed, err := s.config.Key.Sign(jwt.SignParams{
		Subject: req.PlayerName,
		TTL:     ttl,
		Scopes:  req.Scopes,
		UserID:  req.UserID,
		Match: &jwt.MatchClaims{
			MatchID:      req.MatchID,
			ContainerID:  req.ContainerID,
			PlayerID:     req.PlayerID,
			PlayerName:   req.PlayerName,
			MatchTokenID: record.ID,
		},
	})
	if err != nil {
		return services.MatchToken{}, "", trace.Wrap(err)
	}

	s.config.Logger.InfoContext(ctx, "Issued match token.",
		"match_id", req.MatchID,
		"player_id", req.PlayerID,
		"token_id", record.ID,
	)
	return record, signed, nil
}

// RevokeMatchToken stamps revoked_at on the record; subsequent
// validations fail even though the JWT still verifies.
func (s *Server) RevokeMatchToken(ctx context.Context, tokenID string) error {
	return trace.Wrap(s.config.Tokens.RevokeMatchToken(ctx, tokenID))
}

// ValidateMatchToken reports whether the stored token admits the player
// into the match (and container, when both sides are container-scoped)
// with the required scope. Unknown tokens simply fail validation.
func (s *Server) ValidateMatchToken(ctx context.Context, tokenID, matchID, containerID, playerID, requiredScope string) (bool, error) {
	record, err := s.config.Tokens.GetMatchToken(ctx, tokenID)
	if err != nil {
		if trace.IsNotFound(err) {
			return false, nil
		}
		return false, trace.Wrap(err)
	}
	if !record.Active(s.config.Clock.Now()) {
		return false, nil
	}
	if !record.Admits(matchID, containerID, playerID) {
		return false, nil
	}
	if requiredScope != "" && !scopes.ContainsAny(record.Scopes, requiredScope) {
		return false, nil
	}
	return true, nil
}

// VerifyMatchTokenJWT verifies a match-token JWT and cross-checks it
// against its stored record. Used by the websocket broker when a player
// connects with a match token.
func (s *Server) VerifyMatchTokenJWT(ctx context.Context, raw string) (*jwt.Claims, error) {
	claims, err := s.config.Key.Verify(raw)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if claims.MatchTokenID == "" {
		return nil, trace.AccessDenied("token is not a match token")
	}
	ok, err := s.ValidateMatchToken(ctx, claims.MatchTokenID, claims.MatchID, claims.ContainerID, claims.PlayerID, "")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !ok {
		return nil, trace.AccessDenied("match token is expired or revoked")
	}
	return claims, nil
}
