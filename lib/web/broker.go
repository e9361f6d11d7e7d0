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
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// AuthType says how a websocket principal authenticated.
type AuthType string

const (
	// AuthTypeMatchToken marks a per-player match token.
	AuthTypeMatchToken AuthType = "match_token"
	// AuthTypeAccessToken marks a regular bearer token.
	AuthTypeAccessToken AuthType = "access_token"
	// AuthTypeAPIToken marks an exchanged API token.
	AuthTypeAPIToken AuthType = "api_token"
	// AuthTypeAnonymous marks an anonymous admission.
	AuthTypeAnonymous AuthType = "anonymous"
)

// AuthResult is an authentication outcome parked in the broker between
// the HTTP upgrade and the connection handler claiming it.
type AuthResult struct {
	// Principal is the authenticated subject.
	Principal string
	// AuthType says which credential produced the result.
	AuthType AuthType
	// Scopes are the effective scopes the credential carries.
	Scopes []string
	// MatchID and PlayerID are set for match-token principals.
	MatchID  string
	PlayerID string
	// ExpiresAt is when the result stops being claimable.
	ExpiresAt time.Time
}

// Broker hands authentication results from HTTP-upgrade time, when only
// the credential is known, to connection lifetime, when only the
// connection id is. Entries are stored under a credential-derived key and
// atomically rekeyed to the connection id on claim.
type Broker struct {
	clock clockwork.Clock

	mu      sync.Mutex
	entries map[string]AuthResult
}

// NewBroker returns an empty Broker.
func NewBroker(clock clockwork.Clock) *Broker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Broker{
		clock:   clock,
		entries: make(map[string]AuthResult),
	}
}

// Keys for the claim-by-query flow. Token-derived keys embed the token
// value itself; anonymous entries are keyed by upgrade path.
const (
	matchTokenKeyPrefix  = "match_token:"
	accessTokenKeyPrefix = "token:"
	apiTokenKeyPrefix    = "api_token:"
	anonymousKeyPrefix   = "anonymous:"
)

// MatchTokenKey builds the store key for a match-token credential.
func MatchTokenKey(token string) string { return matchTokenKeyPrefix + token }

// AccessTokenKey builds the store key for a bearer-token credential.
func AccessTokenKey(token string) string { return accessTokenKeyPrefix + token }

// APITokenKey builds the store key for an API-token credential.
func APITokenKey(token string) string { return apiTokenKeyPrefix + token }

// AnonymousKey builds the store key for an anonymous admission on a path.
func AnonymousKey(path string) string { return anonymousKeyPrefix + path }

// Store parks a result under the given key, replacing any previous entry.
func (b *Broker) Store(key string, result AuthResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[key] = result
}

// Transfer atomically rekeys an entry. Unknown or expired source keys
// return NotFound.
func (b *Broker) Transfer(fromKey, toKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	result, ok := b.entries[fromKey]
	if !ok || b.expired(result) {
		delete(b.entries, fromKey)
		return trace.NotFound("no claimable auth result under the given key")
	}
	delete(b.entries, fromKey)
	b.entries[toKey] = result
	return nil
}

// Get returns the entry under key without consuming it.
func (b *Broker) Get(key string) (AuthResult, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	result, ok := b.entries[key]
	if !ok || b.expired(result) {
		return AuthResult{}, false
	}
	return result, true
}

// Remove drops the entry under key.
func (b *Broker) Remove(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
}

// ClaimFromQuery resolves the auth result of a freshly opened connection:
// it tries the match_token, token and api_token query parameters in that
// order, then falls back to the longest prefix-matched anonymous entry
// for the upgrade path. A successful claim atomically rekeys the entry to
// the connection id. Nil when nothing matches.
func (b *Broker) ClaimFromQuery(rawQuery, connectionID, path string) *AuthResult {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		values = url.Values{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, candidate := range []string{
		MatchTokenKey(values.Get("match_token")),
		AccessTokenKey(values.Get("token")),
		APITokenKey(values.Get("api_token")),
	} {
		if strings.HasSuffix(candidate, ":") {
			continue // parameter absent
		}
		if result, ok := b.claimLocked(candidate, connectionID); ok {
			return &result
		}
	}

	// longest-prefix anonymous entry for the path
	var bestKey string
	var best *AuthResult
	for key, result := range b.entries {
		prefix, ok := strings.CutPrefix(key, anonymousKeyPrefix)
		if !ok || !strings.HasPrefix(path, prefix) {
			continue
		}
		if b.expired(result) {
			continue
		}
		if best == nil || len(key) > len(bestKey) {
			bestKey, best = key, &AuthResult{}
			*best = result
		}
	}
	if best != nil {
		delete(b.entries, bestKey)
		b.entries[connectionID] = *best
		return best
	}
	return nil
}

// claimLocked consumes one entry and rekeys it. Callers hold the lock.
func (b *Broker) claimLocked(key, connectionID string) (AuthResult, bool) {
	result, ok := b.entries[key]
	if !ok || b.expired(result) {
		return AuthResult{}, false
	}
	delete(b.entries, key)
	b.entries[connectionID] = result
	return result, true
}

// RemoveExpired sweeps lapsed entries and reports how many it dropped.
func (b *Broker) RemoveExpired() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for key, result := range b.entries {
		if b.expired(result) {
			delete(b.entries, key)
			removed++
		}
	}
	return removed
}

func (b *Broker) expired(result AuthResult) bool {
	return !result.ExpiresAt.IsZero() && !b.clock.Now().Before(result.ExpiresAt)
}
