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
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// User is a human account. Usernames are unique case-insensitively; the
// stored spelling is whatever the creator supplied.
type User struct {
	// ID is the immutable user id.
	ID string `json:"user_id"`
	// Username is the login name.
	Username string `json:"username"`
	// PasswordHash is the bcrypt hash of the password. Never serialized.
	PasswordHash string `json:"-"`
	// RoleIDs are the roles directly assigned to the user.
	RoleIDs []string `json:"role_ids,omitempty"`
	// Enabled gates authentication; disabled users keep their record.
	Enabled bool `json:"enabled"`
	// CreatedAt is when the record was created.
	CreatedAt time.Time `json:"created_at"`
}

// CheckAndSetDefaults validates the user and fills in generated fields.
func (u *User) CheckAndSetDefaults() error {
	if u.Username == "" {
		return trace.BadParameter("missing parameter Username")
	}
	if strings.ContainsAny(u.Username, " \t\r\n") {
		return trace.BadParameter("username %q contains whitespace", u.Username)
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

// NormalizedUsername returns the case-folded form used for lookups.
func (u *User) NormalizedUsername() string {
	return NormalizeUsername(u.Username)
}

// NormalizeUsername case-folds a username for case-insensitive matching.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}
