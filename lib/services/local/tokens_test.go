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

	"github.com/gravitational/arena/lib/services"
)

func newRefreshToken(id, rotatedFrom string, clock clockwork.Clock) services.RefreshToken {
	return services.RefreshToken{
		ID:          id,
		ValueHash:   services.HashTokenValue("value-" + id),
		Subject:     "alice",
		UserID:      "u-1",
		ClientID:    "web",
		Scopes:      []string{"engine.match.read"},
		IssuedAt:    clock.Now(),
		ExpiresAt:   clock.Now().Add(time.Hour),
		RotatedFrom: rotatedFrom,
	}
}

func TestRefreshTokenLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	tokens := NewTokensService(clock)

	created, err := tokens.CreateRefreshToken(ctx, newRefreshToken("r1", "", clock))
	require.NoError(t, err)
	require.True(t, created.Active(clock.Now()))

	// duplicate ids and duplicate values are rejected
	_, err = tokens.CreateRefreshToken(ctx, newRefreshToken("r1", "", clock))
	require.True(t, trace.IsAlreadyExists(err))
	dup := newRefreshToken("r1-copy", "", clock)
	dup.ValueHash = created.ValueHash
	_, err = tokens.CreateRefreshToken(ctx, dup)
	require.True(t, trace.IsAlreadyExists(err))

	got, err := tokens.GetRefreshTokenByHash(ctx, created.ValueHash)
	require.NoError(t, err)
	require.Equal(t, created.ID, got.ID)

	_, err = tokens.GetRefreshTokenByHash(ctx, services.HashTokenValue("unknown"))
	require.True(t, trace.IsNotFound(err))

	// revocation is a compare-and-set: only the first stamp wins
	require.NoError(t, tokens.RevokeRefreshToken(ctx, created.ID))
	got, err = tokens.GetRefreshTokenByHash(ctx, created.ValueHash)
	require.NoError(t, err)
	require.NotNil(t, got.RevokedAt)
	first := *got.RevokedAt

	clock.Advance(time.Minute)
	err = tokens.RevokeRefreshToken(ctx, created.ID)
	require.True(t, trace.IsCompareFailed(err))
	got, err = tokens.GetRefreshTokenByHash(ctx, created.ValueHash)
	require.NoError(t, err)
	require.Equal(t, first, *got.RevokedAt)
	require.False(t, got.Active(clock.Now()))
}

func TestRevokeRefreshChain(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	tokens := NewTokensService(clock)

	// chain r1 -> r2 -> r3, plus an unrelated token
	_, err := tokens.CreateRefreshToken(ctx, newRefreshToken("r1", "", clock))
	require.NoError(t, err)
	_, err = tokens.CreateRefreshToken(ctx, newRefreshToken("r2", "r1", clock))
	require.NoError(t, err)
	_, err = tokens.CreateRefreshToken(ctx, newRefreshToken("r3", "r2", clock))
	require.NoError(t, err)
	other, err := tokens.CreateRefreshToken(ctx, newRefreshToken("other", "", clock))
	require.NoError(t, err)

	// revoking from the middle burns the whole chain
	count, err := tokens.RevokeRefreshChain(ctx, "r2")
	require.NoError(t, err)
	require.Equal(t, 3, count)

	for _, id := range []string{"r1", "r2", "r3"} {
		got, err := tokens.GetRefreshTokenByHash(ctx, services.HashTokenValue("value-"+id))
		require.NoError(t, err)
		require.NotNil(t, got.RevokedAt, "token %s should be revoked", id)
	}

	got, err := tokens.GetRefreshTokenByHash(ctx, other.ValueHash)
	require.NoError(t, err)
	require.Nil(t, got.RevokedAt)

	// a second burn has nothing left to revoke
	count, err = tokens.RevokeRefreshChain(ctx, "r2")
	require.NoError(t, err)
	require.Equal(t, 0, count)

	_, err = tokens.RevokeRefreshChain(ctx, "missing")
	require.True(t, trace.IsNotFound(err))
}

func TestDeleteExpiredRefreshTokens(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	tokens := NewTokensService(clock)

	short := newRefreshToken("short", "", clock)
	short.ExpiresAt = clock.Now().Add(time.Minute)
	_, err := tokens.CreateRefreshToken(ctx, short)
	require.NoError(t, err)
	_, err = tokens.CreateRefreshToken(ctx, newRefreshToken("long", "", clock))
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	count, err := tokens.DeleteExpiredRefreshTokens(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	_, err = tokens.GetRefreshTokenByHash(ctx, short.ValueHash)
	require.True(t, trace.IsNotFound(err))
	_, err = tokens.GetRefreshTokenByHash(ctx, services.HashTokenValue("value-long"))
	require.NoError(t, err)
}

func TestAPITokenLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	tokens := NewTokensService(clock)

	created, err := tokens.CreateAPIToken(ctx, services.APIToken{
		ID:        "t1",
		Name:      "ci",
		ValueHash: services.HashTokenValue("api-value"),
		Subject:   "alice",
		UserID:    "u-1",
		Scopes:    []string{"engine.match.read"},
		CreatedAt: clock.Now(),
		ExpiresAt: clock.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	// exactly one owner
	_, err = tokens.CreateAPIToken(ctx, services.APIToken{
		ID:        "t2",
		Name:      "bad",
		ValueHash: services.HashTokenValue("other"),
		Subject:   "alice",
		UserID:    "u-1",
		ClientID:  "web",
		CreatedAt: clock.Now(),
		ExpiresAt: clock.Now().Add(time.Hour),
	})
	require.True(t, trace.IsBadParameter(err))

	got, err := tokens.GetAPITokenByHash(ctx, created.ValueHash)
	require.NoError(t, err)
	require.Equal(t, "ci", got.Name)
	require.True(t, got.Active(clock.Now()))

	require.NoError(t, tokens.RevokeAPIToken(ctx, "t1"))
	got, err = tokens.GetAPITokenByHash(ctx, created.ValueHash)
	require.NoError(t, err)
	require.False(t, got.Active(clock.Now()))

	list, err := tokens.GetAPITokens(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, tokens.DeleteAPIToken(ctx, "t1"))
	_, err = tokens.GetAPITokenByHash(ctx, created.ValueHash)
	require.True(t, trace.IsNotFound(err))
}

func TestMatchTokenLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	tokens := NewTokensService(clock)

	created, err := tokens.CreateMatchToken(ctx, services.MatchToken{
		ID:          "mt-1",
		MatchID:     "m-1",
		ContainerID: "c-1",
		PlayerID:    "p-7",
		PlayerName:  "Nova",
		Scopes:      []string{"engine.match.join"},
		CreatedAt:   clock.Now(),
		ExpiresAt:   clock.Now().Add(2 * time.Minute),
	})
	require.NoError(t, err)

	got, err := tokens.GetMatchToken(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, got.Active(clock.Now()))
	require.True(t, got.Admits("m-1", "c-1", "p-7"))
	require.True(t, got.Admits("m-1", "", "p-7"))
	require.False(t, got.Admits("m-1", "c-2", "p-7"))
	require.False(t, got.Admits("m-2", "c-1", "p-7"))
	require.False(t, got.Admits("m-1", "c-1", "p-8"))

	require.NoError(t, tokens.RevokeMatchToken(ctx, created.ID))
	got, err = tokens.GetMatchToken(ctx, created.ID)
	require.NoError(t, err)
	require.False(t, got.Active(clock.Now()))

	clock.Advance(3 * time.Minute)
	count, err := tokens.DeleteExpiredMatchTokens(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	_, err = tokens.GetMatchToken(ctx, created.ID)
	require.True(t, trace.IsNotFound(err))
}
