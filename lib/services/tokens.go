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
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// HashTokenValue maps an opaque token value to the digest stored and
// looked up in place of the value itself.
func HashTokenValue(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// RefreshTokens owns refresh-token records and their rotation chains.
type RefreshTokens interface {
	// CreateRefreshToken stores a new record.
	CreateRefreshToken(ctx context.Context, token RefreshToken) (RefreshToken, error)
	// GetRefreshTokenByHash looks a record up by value hash.
	GetRefreshTokenByHash(ctx context.Context, valueHash string) (RefreshToken, error)
	// RevokeRefreshToken stamps revoked_at on one record. A record that is
	// already revoked fails with CompareFailed so a value can be spent at
	// most once.
	RevokeRefreshToken(ctx context.Context, id string) error
	// RevokeRefreshChain revokes every token in the rotation chain
	// containing the given id, root included. Used on refresh-token reuse.
	RevokeRefreshChain(ctx context.Context, id string) (int, error)
	// DeleteExpiredRefreshTokens drops records expired before now.
	DeleteExpiredRefreshTokens(ctx context.Context) (int, error)
}

// APITokens owns long-lived API token records.
type APITokens interface {
	// CreateAPIToken stores a new record.
	CreateAPIToken(ctx context.Context, token APIToken) (APIToken, error)
	// GetAPITokenByHash looks a record up by value hash.
	GetAPITokenByHash(ctx context.Context, valueHash string) (APIToken, error)
	// GetAPITokens returns all records sorted by name.
	GetAPITokens(ctx context.Context) ([]APIToken, error)
	// RevokeAPIToken stamps revoked_at on one record.
	RevokeAPIToken(ctx context.Context, id string) error
	// DeleteAPIToken removes a record by id.
	DeleteAPIToken(ctx context.Context, id string) error
}

// MatchTokens owns match-token records.
type MatchTokens interface {
	// CreateMatchToken stores a new record.
	CreateMatchToken(ctx context.Context, token MatchToken) (MatchToken, error)
	// GetMatchToken returns a record by id.
	GetMatchToken(ctx context.Context, id string) (MatchToken, error)
	// RevokeMatchToken stamps revoked_at on one record.
	RevokeMatchToken(ctx context.Context, id string) error
	// DeleteExpiredMatchTokens drops records expired before now.
	DeleteExpiredMatchTokens(ctx context.Context) (int, error)
}

// Tokens is the combined token storage owned by the token service.
type Tokens interface {
	RefreshTokens
	APITokens
	MatchTokens
}
