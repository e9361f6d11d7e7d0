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
	"slices"
	"sort"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/arena/lib/services"
)

// TokensService stores refresh, API and match tokens in memory.
type TokensService struct {
	clock clockwork.Clock

	mu            sync.RWMutex
	refresh       map[string]services.RefreshToken // keyed by id
	refreshByHash map[string]string                // value hash -> id
	api           map[string]services.APIToken
	apiByHash     map[string]string
	match         map[string]services.MatchToken
}

// NewTokensService returns an empty token store.
func NewTokensService(clock clockwork.Clock) *TokensService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TokensService{
		clock:         clock,
		refresh:       make(map[string]services.RefreshToken),
		refreshByHash: make(map[string]string),
		api:           make(map[string]services.APIToken),
		apiByHash:     make(map[string]string),
		match:         make(map[string]services.MatchToken),
	}
}

// CreateRefreshToken stores a new refresh token record.
func (s *TokensService) CreateRefreshToken(ctx context.Context, token services.RefreshToken) (services.RefreshToken, error) {
	if err := token.Check(); err != nil {
		return services.RefreshToken{}, trace.Wrap(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.refresh[token.ID]; ok {
		return services.RefreshToken{}, trace.AlreadyExists("refresh token %q already exists", token.ID)
	}
	if _, ok := s.refreshByHash[token.ValueHash]; ok {
		return services.RefreshToken{}, trace.AlreadyExists("refresh token value collides with an existing token")
	}
	token.Scopes = slices.Clone(token.Scopes)
	token.Roles = slices.Clone(token.Roles)
	s.refresh[token.ID] = token
	s.refreshByHash[token.ValueHash] = token.ID
	return cloneRefreshToken(token), nil
}

// GetRefreshTokenByHash looks a refresh token up by value hash.
func (s *TokensService) GetRefreshTokenByHash(ctx context.Context, valueHash string) (services.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.refreshByHash[valueHash]
	if !ok {
		return services.RefreshToken{}, trace.NotFound("refresh token is not found")
	}
	return cloneRefreshToken(s.refresh[id]), nil
}

// RevokeRefreshToken stamps revoked_at on one refresh token. The stamp is
// a compare-and-set: a token that is already revoked fails with
// CompareFailed, so concurrent presentations of the same value have
// exactly one winner.
func (s *TokensService) RevokeRefreshToken(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revokeRefreshLocked(id)
}

func (s *TokensService) revokeRefreshLocked(id string) error {
	token, ok := s.refresh[id]
	if !ok {
		return trace.NotFound("refresh token %q is not found", id)
	}
	if token.RevokedAt != nil {
		return trace.CompareFailed("refresh token %q is already revoked", id)
	}
	now := s.clock.Now()
	token.RevokedAt = &now
	s.refresh[id] = token
	return nil
}

// RevokeRefreshChain revokes every token in the rotation chain containing
// the given id and returns how many records it newly revoked. Reuse of a
// rotated token is treated as a leak of the whole chain.
func (s *TokensService) RevokeRefreshChain(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.refresh[id]; !ok {
		return 0, trace.NotFound("refresh token %q is not found", id)
	}

	// walk up to the chain root
	root := id
	for {
		parent := s.refresh[root].RotatedFrom
		if parent == "" {
			break
		}
		if _, ok := s.refresh[parent]; !ok {
			break
		}
		root = parent
	}

	// children index for the downward walk
	children := make(map[string][]string)
	for tid, token := range s.refresh {
		if token.RotatedFrom != "" {
			children[token.RotatedFrom] = append(children[token.RotatedFrom], tid)
		}
	}

	count := 0
	queue := []string{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if err := s.revokeRefreshLocked(cur); err == nil {
			count++
		}
		queue = append(queue, children[cur]...)
	}
	return count, nil
}

// DeleteExpiredRefreshTokens drops refresh tokens expired before now.
func (s *TokensService) DeleteExpiredRefreshTokens(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	count := 0
	for id, token := range s.refresh {
		if !now.Before(token.ExpiresAt) {
			delete(s.refresh, id)
			delete(s.refreshByHash, token.ValueHash)
			count++
		}
	}
	return count, nil
}

// CreateAPIToken stores a new API token record.
func (s *TokensService) CreateAPIToken(ctx context.Context, token services.APIToken) (services.APIToken, error) {
	if err := token.Check(); err != nil {
		return services.APIToken{}, trace.Wrap(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.api[token.ID]; ok {
		return services.APIToken{}, trace.AlreadyExists("api token %q already exists", token.ID)
	}
	if _, ok := s.apiByHash[token.ValueHash]; ok {
		return services.APIToken{}, trace.AlreadyExists("api token value collides with an existing token")
	}
	token.Scopes = slices.Clone(token.Scopes)
	s.api[token.ID] = token
	s.apiByHash[token.ValueHash] = token.ID
	return cloneAPIToken(token), nil
}

// GetAPITokenByHash looks an API token up by value hash.
func (s *TokensService) GetAPITokenByHash(ctx context.Context, valueHash string) (services.APIToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.apiByHash[valueHash]
	if !ok {
		return services.APIToken{}, trace.NotFound("api token is not found")
	}
	return cloneAPIToken(s.api[id]), nil
}

// GetAPITokens returns all API tokens sorted by name.
func (s *TokensService) GetAPITokens(ctx context.Context) ([]services.APIToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]services.APIToken, 0, len(s.api))
	for _, t := range s.api {
		out = append(out, cloneAPIToken(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// RevokeAPIToken stamps revoked_at on one API token.
func (s *TokensService) RevokeAPIToken(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.api[id]
	if !ok {
		return trace.NotFound("api token %q is not found", id)
	}
	if token.RevokedAt == nil {
		now := s.clock.Now()
		token.RevokedAt = &now
		s.api[id] = token
	}
	return nil
}

// DeleteAPIToken removes an API token record by id.
func (s *TokensService) DeleteAPIToken(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.api[id]
	if !ok {
		return trace.NotFound("api token %q is not found", id)
	}
	delete(s.api, id)
	delete(s.apiByHash, token.ValueHash)
	return nil
}

// CreateMatchToken stores a new match token record.
func (s *TokensService) CreateMatchToken(ctx context.Context, token services.MatchToken) (services.MatchToken, error) {
	if err := token.Check(); err != nil {
		return services.MatchToken{}, trace.Wrap(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.match[token.ID]; ok {
		return services.MatchToken{}, trace.AlreadyExists("match token %q already exists", token.ID)
	}
	token.Scopes = slices.Clone(token.Scopes)
	s.match[token.ID] = token
	return cloneMatchToken(token), nil
}

// GetMatchToken returns a match token record by id.
func (s *TokensService) GetMatchToken(ctx context.Context, id string) (services.MatchToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.match[id]
	if !ok {
		return services.MatchToken{}, trace.NotFound("match token %q is not found", id)
	}
	return cloneMatchToken(token), nil
}

// RevokeMatchToken stamps revoked_at on one match token.
func (s *TokensService) RevokeMatchToken(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.match[id]
	if !ok {
		return trace.NotFound("match token %q is not found", id)
	}
	if token.RevokedAt == nil {
		now := s.clock.Now()
		token.RevokedAt = &now
		s.match[id] = token
	}
	return nil
}

// DeleteExpiredMatchTokens drops match tokens expired before now.
func (s *TokensService) DeleteExpiredMatchTokens(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	count := 0
	for id, token := range s.match {
		if !now.Before(token.ExpiresAt) {
			delete(s.match, id)
			count++
		}
	}
	return count, nil
}

func cloneRefreshToken(t services.RefreshToken) services.RefreshToken {
	t.Scopes = slices.Clone(t.Scopes)
	t.Roles = slices.Clone(t.Roles)
	if t.RevokedAt != nil {
		revoked := *t.RevokedAt
		t.RevokedAt = &revoked
	}
	return t
}

func cloneAPIToken(t services.APIToken) services.APIToken {
	t.Scopes = slices.Clone(t.Scopes)
	if t.RevokedAt != nil {
		revoked := *t.RevokedAt
		t.RevokedAt = &revoked
	}
	return t
}

func cloneMatchToken(t services.MatchToken) services.MatchToken {
	t.Scopes = slices.Clone(t.Scopes)
	if t.RevokedAt != nil {
		revoked := *t.RevokedAt
		t.RevokedAt = &revoked
	}
	return t
}

var _ services.Tokens = (*TokensService)(nil)
