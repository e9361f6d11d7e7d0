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

// APIToken is a long-lived opaque credential that can be exchanged for a
// short-lived access token. Automation uses these instead of passwords.
type APIToken struct {
	// ID is the record id.
	ID string `json:"id"`
	// Name labels the token for operators.
	Name string `json:"name"`
	// ValueHash is the SHA-256 of the opaque value.
	ValueHash string `json:"-"`
	// Subject becomes the sub claim of exchanged access tokens.
	Subject string `json:"subject"`
	// UserID or ClientID link the token to its owner; exactly one is set.
	UserID   string `json:"user_id,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	// Scopes bound what exchanged tokens may carry.
	Scopes []string `json:"scopes,omitempty"`
	// CreatedAt and ExpiresAt bound the token lifetime.
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	// RevokedAt is set by explicit revocation.
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Check validates the stored record.
func (t *APIToken) Check() error {
	if t.ID == "" {
		return trace.BadParameter("missing parameter ID")
	}
	if t.Name == "" {
		return trace.BadParameter("missing parameter Name")
	}
	if t.ValueHash == "" {
		return trace.BadParameter("missing parameter ValueHash")
	}
	if t.Subject == "" {
		return trace.BadParameter("missing parameter Subject")
	}
	if (t.UserID == "") == (t.ClientID == "") {
		return trace.BadParameter("api token must belong to exactly one of a user or a client")
	}
	if t.ExpiresAt.IsZero() || !t.ExpiresAt.After(t.CreatedAt) {
		return trace.BadParameter("token expiry must be after creation")
	}
	return nil
}

// Active reports whether the token can still be exchanged.
func (t *APIToken) Active(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}
