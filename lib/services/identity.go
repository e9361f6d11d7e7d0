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

// Package services defines the resource types of the arena control plane
// and the storage interfaces the auth service is built on:
// * identity storage for users, roles and service clients
// * token storage for refresh, API and match tokens
// * presence, the read surface of the node registry
package services

import (
	"context"
)

// UserGetter is responsible for getting users.
type UserGetter interface {
	// GetUser returns a user by id.
	GetUser(ctx context.Context, id string) (User, error)
	// GetUserByName returns a user by username, matched case-insensitively.
	GetUserByName(ctx context.Context, username string) (User, error)
}

// Users manages user records.
type Users interface {
	UserGetter
	// CreateUser creates a user, failing if the username is taken.
	CreateUser(ctx context.Context, user User) (User, error)
	// UpdateUser replaces an existing user record.
	UpdateUser(ctx context.Context, user User) (User, error)
	// DeleteUser removes a user by id.
	DeleteUser(ctx context.Context, id string) error
	// GetUsers returns all users sorted by username.
	GetUsers(ctx context.Context) ([]User, error)
}

// Roles manages role records and guards the inclusion graph.
type Roles interface {
	// UpsertRole creates or replaces a role. Saves that would introduce an
	// inclusion cycle are rejected.
	UpsertRole(ctx context.Context, role Role) (Role, error)
	// GetRole returns a role by id.
	GetRole(ctx context.Context, id string) (Role, error)
	// GetRoleByName returns a role by its unique name.
	GetRoleByName(ctx context.Context, name string) (Role, error)
	// GetRoles returns all roles sorted by name.
	GetRoles(ctx context.Context) ([]Role, error)
	// DeleteRole removes a role by id. Roles still included elsewhere or
	// assigned to users cannot be deleted.
	DeleteRole(ctx context.Context, id string) error
	// ResolveScopes returns the union of scopes over the transitive closure
	// of the given role ids. Unknown ids are skipped.
	ResolveScopes(ctx context.Context, roleIDs []string) ([]string, error)
	// ResolveRoleNames returns the names of the transitive closure of the
	// given role ids, for stamping into token claims.
	ResolveRoleNames(ctx context.Context, roleIDs []string) ([]string, error)
}

// Clients manages registered OAuth2 clients.
type Clients interface {
	// UpsertClient creates or replaces a client.
	UpsertClient(ctx context.Context, client Client) (Client, error)
	// GetClient returns a client by client_id.
	GetClient(ctx context.Context, id string) (Client, error)
	// GetClients returns all clients sorted by client_id.
	GetClients(ctx context.Context) ([]Client, error)
	// DeleteClient removes a client by client_id.
	DeleteClient(ctx context.Context, id string) error
}

// Identity is the storage the auth service authenticates against. It owns
// users, roles and clients; all other components read through it.
type Identity interface {
	Users
	Roles
	Clients
}
