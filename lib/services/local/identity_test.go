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

package local

import (
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/arena"
	"github.com/gravitational/arena/lib/services"
)

func TestUserCRUD(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	identity := NewIdentityService(clock)

	created, err := identity.CreateUser(ctx, services.User{
		Username:     "Alice",
		PasswordHash: "$2a$04$fake",
		RoleIDs:      []string{"r1"},
		Enabled:      true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.Equal(t, clock.Now(), created.CreatedAt)

	// username uniqueness is case-insensitive
	_, err = identity.CreateUser(ctx, services.User{Username: "alice"})
	require.True(t, trace.IsAlreadyExists(err))

	// lookup by any spelling
	byName, err := identity.GetUserByName(ctx, "ALICE")
	require.NoError(t, err)
	require.Equal(t, created.ID, byName.ID)
	require.Equal(t, "Alice", byName.Username)

	// update may change the username as long as it stays unique
	_, err = identity.CreateUser(ctx, services.User{Username: "bob"})
	require.NoError(t, err)

	created.Username = "Bob"
	_, err = identity.UpdateUser(ctx, created)
	require.True(t, trace.IsAlreadyExists(err))

	created.Username = "alice-renamed"
	updated, err := identity.UpdateUser(ctx, created)
	require.NoError(t, err)
	require.Equal(t, created.CreatedAt, updated.CreatedAt)

	_, err = identity.GetUserByName(ctx, "alice")
	require.True(t, trace.IsNotFound(err))

	users, err := identity.GetUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	require.Equal(t, "alice-renamed", users[0].Username)
	require.Equal(t, "bob", users[1].Username)

	require.NoError(t, identity.DeleteUser(ctx, created.ID))
	require.True(t, trace.IsNotFound(identity.DeleteUser(ctx, created.ID)))
}

func TestUserValidation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	identity := NewIdentityService(clockwork.NewFakeClock())

	_, err := identity.CreateUser(ctx, services.User{})
	require.True(t, trace.IsBadParameter(err))

	_, err = identity.CreateUser(ctx, services.User{Username: "has space"})
	require.True(t, trace.IsBadParameter(err))
}

func TestRoleCycleRejection(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	identity := NewIdentityService(clockwork.NewFakeClock())

	a, err := identity.UpsertRole(ctx, services.Role{ID: "a", Name: "a"})
	require.NoError(t, err)
	b, err := identity.UpsertRole(ctx, services.Role{ID: "b", Name: "b", IncludedRoleIDs: []string{a.ID}})
	require.NoError(t, err)
	_, err = identity.UpsertRole(ctx, services.Role{ID: "c", Name: "c", IncludedRoleIDs: []string{b.ID}})
	require.NoError(t, err)

	// closing the loop is rejected
	a.IncludedRoleIDs = []string{"c"}
	_, err = identity.UpsertRole(ctx, a)
	require.True(t, trace.IsBadParameter(err))

	// direct self-inclusion is rejected
	_, err = identity.UpsertRole(ctx, services.Role{ID: "self", Name: "self", IncludedRoleIDs: []string{"self"}})
	require.True(t, trace.IsBadParameter(err))

	// a diamond is fine, it is still acyclic
	_, err = identity.UpsertRole(ctx, services.Role{ID: "d1", Name: "d1", IncludedRoleIDs: []string{"a"}})
	require.NoError(t, err)
	_, err = identity.UpsertRole(ctx, services.Role{ID: "d2", Name: "d2", IncludedRoleIDs: []string{"a"}})
	require.NoError(t, err)
	_, err = identity.UpsertRole(ctx, services.Role{ID: "top", Name: "top", IncludedRoleIDs: []string{"d1", "d2"}})
	require.NoError(t, err)

	// forward references to roles that do not exist yet are allowed
	_, err = identity.UpsertRole(ctx, services.Role{ID: "fwd", Name: "fwd", IncludedRoleIDs: []string{"later"}})
	require.NoError(t, err)
}

func TestRoleNameUniqueness(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	identity := NewIdentityService(clockwork.NewFakeClock())

	_, err := identity.UpsertRole(ctx, services.Role{ID: "r1", Name: "operator"})
	require.NoError(t, err)

	_, err = identity.UpsertRole(ctx, services.Role{ID: "r2", Name: "operator"})
	require.True(t, trace.IsAlreadyExists(err))

	// replacing the same role under its own name is fine
	_, err = identity.UpsertRole(ctx, services.Role{ID: "r1", Name: "operator", Scopes: []string{"engine.*"}})
	require.NoError(t, err)
}

func TestResolveScopes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	identity := NewIdentityService(clockwork.NewFakeClock())

	_, err := identity.UpsertRole(ctx, services.Role{ID: "base", Name: "base", Scopes: []string{"engine.match.read"}})
	require.NoError(t, err)
	_, err = identity.UpsertRole(ctx, services.Role{
		ID: "ops", Name: "ops",
		IncludedRoleIDs: []string{"base", "missing"},
		Scopes:          []string{"control-plane.cluster.read", "engine.match.read"},
	})
	require.NoError(t, err)
	_, err = identity.UpsertRole(ctx, services.Role{
		ID: "admin", Name: "admin",
		IncludedRoleIDs: []string{"ops"},
		Scopes:          []string{"auth.*"},
	})
	require.NoError(t, err)

	scopes, err := identity.ResolveScopes(ctx, []string{"admin"})
	require.NoError(t, err)
	require.Equal(t, []string{"auth.*", "control-plane.cluster.read", "engine.match.read"}, scopes)

	names, err := identity.ResolveRoleNames(ctx, []string{"admin"})
	require.NoError(t, err)
	require.Equal(t, []string{"admin", "base", "ops"}, names)

	// unknown ids resolve to nothing rather than erroring
	scopes, err = identity.ResolveScopes(ctx, []string{"missing"})
	require.NoError(t, err)
	require.Empty(t, scopes)
}

func TestRoleDeleteInUse(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	identity := NewIdentityService(clockwork.NewFakeClock())

	base, err := identity.UpsertRole(ctx, services.Role{ID: "base", Name: "base"})
	require.NoError(t, err)
	holder, err := identity.UpsertRole(ctx, services.Role{ID: "holder", Name: "holder", IncludedRoleIDs: []string{"base"}})
	require.NoError(t, err)

	err = identity.DeleteRole(ctx, base.ID)
	require.True(t, trace.IsBadParameter(err))

	holder.IncludedRoleIDs = nil
	_, err = identity.UpsertRole(ctx, holder)
	require.NoError(t, err)

	user, err := identity.CreateUser(ctx, services.User{Username: "alice", RoleIDs: []string{"base"}})
	require.NoError(t, err)

	err = identity.DeleteRole(ctx, base.ID)
	require.True(t, trace.IsBadParameter(err))

	require.NoError(t, identity.DeleteUser(ctx, user.ID))
	require.NoError(t, identity.DeleteRole(ctx, base.ID))
}

func TestClientCRUD(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	identity := NewIdentityService(clockwork.NewFakeClock())

	_, err := identity.UpsertClient(ctx, services.Client{
		ID:            "ops",
		Kind:          services.ClientConfidential,
		SecretHash:    "$2a$04$fake",
		AllowedScopes: []string{"engine.*"},
		AllowedGrants: []arena.GrantType{arena.GrantClientCredentials},
		Enabled:       true,
	})
	require.NoError(t, err)

	got, err := identity.GetClient(ctx, "ops")
	require.NoError(t, err)
	require.True(t, got.AllowsGrant(arena.GrantClientCredentials))
	require.False(t, got.AllowsGrant(arena.GrantPassword))

	// confidential clients must carry a secret
	_, err = identity.UpsertClient(ctx, services.Client{ID: "nosecret", Kind: services.ClientConfidential})
	require.True(t, trace.IsBadParameter(err))

	// public clients cannot use the password grant
	_, err = identity.UpsertClient(ctx, services.Client{
		ID:            "spa",
		Kind:          services.ClientPublic,
		AllowedGrants: []arena.GrantType{arena.GrantPassword},
	})
	require.True(t, trace.IsBadParameter(err))

	_, err = identity.UpsertClient(ctx, services.Client{ID: "spa", Kind: services.ClientPublic})
	require.NoError(t, err)

	clients, err := identity.GetClients(ctx)
	require.NoError(t, err)
	require.Len(t, clients, 2)
	require.Equal(t, "ops", clients[0].ID)
	require.Equal(t, "spa", clients[1].ID)

	require.NoError(t, identity.DeleteClient(ctx, "spa"))
	require.True(t, trace.IsNotFound(identity.DeleteClient(ctx, "spa")))
}
