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
	"slices"

	"github.com/gravitational/trace"

	"github.com/gravitational/arena"
	"github.com/gravitational/arena/lib/scopes"
)

// ClientKind separates clients that can keep a secret from those that
// cannot.
type ClientKind string

const (
	// ClientConfidential clients hold a secret and may use the password
	// grant on behalf of users.
	ClientConfidential ClientKind = "confidential"
	// ClientPublic clients have no secret and are limited to grants that do
	// not require one.
	ClientPublic ClientKind = "public"
)

// Client is a registered OAuth2 client.
type Client struct {
	// ID is the client_id presented in token requests.
	ID string `json:"client_id"`
	// Kind is confidential or public.
	Kind ClientKind `json:"kind"`
	// SecretHash is the bcrypt hash of the client secret. Empty for public
	// clients. Never serialized.
	SecretHash string `json:"-"`
	// DisplayName is shown in operator tooling.
	DisplayName string `json:"display_name,omitempty"`
	// AllowedScopes bound every token issued through this client.
	AllowedScopes []string `json:"allowed_scopes,omitempty"`
	// AllowedGrants lists the grant flows the client may use.
	AllowedGrants []arena.GrantType `json:"allowed_grants,omitempty"`
	// Enabled gates all token issuing for the client.
	Enabled bool `json:"enabled"`
}

// CheckAndSetDefaults validates the client.
func (c *Client) CheckAndSetDefaults() error {
	if c.ID == "" {
		return trace.BadParameter("missing parameter ID")
	}
	switch c.Kind {
	case ClientConfidential:
		if c.SecretHash == "" {
			return trace.BadParameter("confidential client %q must have a secret", c.ID)
		}
	case ClientPublic:
		if c.SecretHash != "" {
			return trace.BadParameter("public client %q cannot have a secret", c.ID)
		}
		if c.AllowsGrant(arena.GrantPassword) {
			return trace.BadParameter("public client %q cannot use the password grant", c.ID)
		}
	case "":
		return trace.BadParameter("missing parameter Kind for client %q", c.ID)
	default:
		return trace.BadParameter("unsupported client kind %q", c.Kind)
	}
	for _, s := range c.AllowedScopes {
		if err := scopes.StrongValidate(s); err != nil {
			return trace.Wrap(err, "client %q", c.ID)
		}
	}
	for _, g := range c.AllowedGrants {
		if err := g.Check(); err != nil {
			return trace.Wrap(err, "client %q", c.ID)
		}
	}
	return nil
}

// AllowsGrant reports whether the client may use the given grant flow.
func (c *Client) AllowsGrant(grant arena.GrantType) bool {
	return slices.Contains(c.AllowedGrants, grant)
}
