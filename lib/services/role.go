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
	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/gravitational/arena/lib/scopes"
)

// Role is a named bundle of scopes. Roles may include other roles; the
// resulting graph must stay acyclic, which the store enforces at save time.
type Role struct {
	// ID is the immutable role id.
	ID string `json:"role_id"`
	// Name is unique across roles.
	Name string `json:"name"`
	// Description is free-form text for operators.
	Description string `json:"description,omitempty"`
	// IncludedRoleIDs are roles whose scopes this role inherits.
	IncludedRoleIDs []string `json:"included_role_ids,omitempty"`
	// Scopes are the scope expressions granted directly by this role.
	Scopes []string `json:"scopes,omitempty"`
}

// CheckAndSetDefaults validates the role and fills in generated fields.
func (r *Role) CheckAndSetDefaults() error {
	if r.Name == "" {
		return trace.BadParameter("missing parameter Name")
	}
	for _, s := range r.Scopes {
		if err := scopes.StrongValidate(s); err != nil {
			return trace.Wrap(err, "role %q", r.Name)
		}
	}
	for _, id := range r.IncludedRoleIDs {
		if id == "" {
			return trace.BadParameter("role %q includes an empty role id", r.Name)
		}
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}
