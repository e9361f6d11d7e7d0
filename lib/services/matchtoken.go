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

package services

import (
	"time"

	"github.com/gravitational/trace"
)

// MatchToken admits one player into one match. The issued JWT references
// this record by id; validation consults the record so revocation takes
// effect immediately, unlike plain access tokens.
type MatchToken struct {
	// ID is the record id, also embedded in the JWT.
	ID string `json:"id"`
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
	// Scopes are the in-match permissions.
	Scopes []string `json:"scopes,omitempty"`
	// CreatedAt and ExpiresAt bound the token lifetime.
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	// RevokedAt is set by explicit revocation.
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Check validates the stored record.
func (t *MatchToken) Check() error {
	if t.ID == "" {
		return trace.BadParameter("missing parameter ID")
	}
	if t.MatchID == "" {
		return trace.BadParameter("missing parameter MatchID")
	}
	if t.PlayerID == "" {
		return trace.BadParameter("missing parameter PlayerID")
	}
	if t.PlayerName == "" {
		return trace.BadParameter("missing parameter PlayerName")
	}
	if t.ExpiresAt.IsZero() || !t.ExpiresAt.After(t.CreatedAt) {
		return trace.BadParameter("token expiry must be after creation")
	}
	return nil
}

// Active reports whether the token is neither revoked nor expired.
func (t *MatchToken) Active(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

// Admits reports whether the token admits the given player into the given
// match and container. An empty container on the token means the token is
// valid for any container of its match.
func (t *MatchToken) Admits(matchID, containerID, playerID string) bool {
	if t.MatchID != matchID || t.PlayerID != playerID {
		return false
	}
	if t.ContainerID != "" && containerID != "" && t.ContainerID != containerID {
		return false
	}
	return true
}
