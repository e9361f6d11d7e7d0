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

package web

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	gocache "github.com/patrickmn/go-cache"

	"github.com/gravitational/arena/lib/auth"
	"github.com/gravitational/arena/lib/defaults"
	"github.com/gravitational/arena/lib/services"
)

// sessionCache memoizes bearer-token validation results so repeated
// requests with the same token skip signature verification. Entries live
// for at most SessionCacheTTL, capped by the token's own expiry.
type sessionCache struct {
	auth  *auth.Server
	clock clockwork.Clock
	ttl   time.Duration
	cache *gocache.Cache
}

func newSessionCache(authServer *auth.Server, clock clockwork.Clock, ttl time.Duration) *sessionCache {
	if ttl <= 0 {
		ttl = defaults.SessionCacheTTL
	}
	return &sessionCache{
		auth:  authServer,
		clock: clock,
		ttl:   ttl,
		cache: gocache.New(ttl, 2*ttl),
	}
}

// validate resolves a raw access token, consulting the cache first.
// Tokens are keyed by their hash so raw values never sit in memory
// longer than the request.
func (s *sessionCache) validate(ctx context.Context, raw string) auth.ValidateResult {
	key := services.HashTokenValue(raw)
	if cached, ok := s.cache.Get(key); ok {
		result := cached.(auth.ValidateResult)
		if result.ExpiresAt == nil || s.clock.Now().Before(*result.ExpiresAt) {
			return result
		}
		s.cache.Delete(key)
	}

	result := s.auth.ValidateToken(ctx, raw)
	if result.Valid {
		ttl := s.ttl
		if result.ExpiresAt != nil {
			if remaining := result.ExpiresAt.Sub(s.clock.Now()); remaining < ttl {
				ttl = remaining
			}
		}
		if ttl > 0 {
			s.cache.Set(key, result, ttl)
		}
	}
	return result
}
