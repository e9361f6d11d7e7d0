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

package arena

import (
	"strings"

	"github.com/gravitational/trace"
)

// GrantType identifies an OAuth2 grant flow supported by the token endpoint.
type GrantType string

// Set sets the value of the grant type from string, used to integrate with
// CLI tools and config parsers.
func (g *GrantType) Set(v string) error {
	val := GrantType(strings.ToLower(strings.TrimSpace(v)))
	if err := val.Check(); err != nil {
		return trace.Wrap(err)
	}
	*g = val
	return nil
}

// String returns the wire representation of this grant type.
func (g GrantType) String() string {
	return string(g)
}

// Check returns nil if this is a valid grant type value.
func (g GrantType) Check() error {
	switch g {
	case GrantClientCredentials, GrantPassword, GrantRefreshToken, GrantTokenExchange:
		return nil
	}
	return trace.BadParameter("grant type %q is not supported", string(g))
}

const (
	// GrantClientCredentials authenticates a service client by id and secret.
	GrantClientCredentials GrantType = "client_credentials"
	// GrantPassword authenticates a user by username and password on behalf
	// of a client.
	GrantPassword GrantType = "password"
	// GrantRefreshToken exchanges a single-use refresh token for a new
	// access/refresh pair.
	GrantRefreshToken GrantType = "refresh_token"
	// GrantTokenExchange trades a subject token for a narrower one, used by
	// services acting on behalf of callers.
	GrantTokenExchange GrantType = "token_exchange"
)

// ParseGrantType parses the wire form of a grant type.
func ParseGrantType(v string) (GrantType, error) {
	var g GrantType
	if err := g.Set(v); err != nil {
		return "", trace.Wrap(err)
	}
	return g, nil
}
