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

// RefreshToken is the stored record of a single-use refresh token. The
// opaque value handed to the client is never stored, only its hash.
// Rotation links records through RotatedFrom so a leaked token burns its
// whole chain.
type RefreshToken struct {
	// ID is the record id.
	ID string `json:"token_id"`
	// ValueHash is the SHA-256 of the opaque value.
	ValueHash string `json:"-"`
	// Subject is the username the token was issued for.
	Subject string `json:"subject"`
	// UserID is the id of that user.
	UserID string `json:"user_id,omitempty"`
	// ClientID is the client the token was issued through.
	ClientID string `json:"client_id"`
	// Scopes are the effective scopes re-granted on refresh.
	Scopes []string `json:"scopes,omitempty"`
	// Roles are the role names stamped into refreshed access tokens.
	Roles []string `json:"roles,omitempty"`
	// IssuedAt and ExpiresAt bound the token lifetime.
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	// RevokedAt is set on use (rotation) or on explicit revocation.
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	// RotatedFrom is the id of the token this one replaced, empty for the
	// root of a chain.
	RotatedFrom string `json:"rotated_from,omitempty"`
}

// Check validates the stored record.
func (t *RefreshToken) Check() error {
	if t.ID == "" {
		return trace.BadParameter("missing parameter ID")
	}
	if t.ValueHash == "" {
		return trace.BadParameter("missing parameter ValueHash")
	}
	if t.Subject == "" {
		return trace.BadParameter("missing parameter Subject")
	}
	if t.ClientID == "" {
		return trace.BadParameter("missing parameter ClientID")
	}
	if t.ExpiresAt.IsZero() || !t.ExpiresAt.After(t.IssuedAt) {
		return trace.BadParameter("token expiry must be after issuance")
	}
	return nil
}

// Active reports whether the token can still be exchanged.
func (t *RefreshToken) Active(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}
