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

package authz

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/arena/lib/jwt"
)

func newTestKey(t *testing.T, clock clockwork.Clock) *jwt.Key {
	t.Helper()
	key, err := jwt.New(&jwt.Config{
		Clock:        clock,
		Issuer:       "arena.test",
		SharedSecret: []byte("test-signing-secret-test-signing"),
	})
	require.NoError(t, err)
	return key
}

func signToken(t *testing.T, key *jwt.Key, subject string, ttl time.Duration, scopes ...string) string {
	t.Helper()
	signed, err := key.Sign(jwt.SignParams{Subject: subject, TTL: ttl, Scopes: scopes})
	require.NoError(t, err)
	return signed
}

func newTestAuthorizer(t *testing.T, clock clockwork.Clock, key *jwt.Key, exchanger TokenExchanger) *Authorizer {
	t.Helper()
	a, err := New(Config{Key: key, Clock: clock, Exchanger: exchanger})
	require.NoError(t, err)
	return a
}

func bearerRequest(method, path, token string) *http.Request {
	r := httptest.NewRequest(method, path, nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func TestAuthorize(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	key := newTestKey(t, clock)
	a := newTestAuthorizer(t, clock, key, nil)

	require.NoError(t, a.Attach("GET", "/api/nodes", Policy{Scopes: []string{"control-plane.cluster.read"}}))
	require.NoError(t, a.Attach("POST", "/api/nodes", Policy{Scopes: []string{"control-plane.node.register"}}))
	require.NoError(t, a.Attach("GET", "/healthz", Policy{AllowAnonymous: true}))
	require.NoError(t, a.Attach("GET", "/api/matches/:id", Policy{
		Scopes: []string{"engine.match.read", "control-plane.cluster.read"},
		Mode:   ModeAny,
	}))

	reader := signToken(t, key, "reader", time.Hour, "control-plane.cluster.read")
	wildcard := signToken(t, key, "admin", time.Hour, "control-plane.*")
	engine := signToken(t, key, "engine", time.Hour, "engine.*")

	tts := []struct {
		name      string
		req       *http.Request
		template  string
		principal string
		anonymous bool
		denied    bool
		forbidden bool
	}{
		{
			name:      "scope admits",
			req:       bearerRequest("GET", "/api/nodes", reader),
			template:  "/api/nodes",
			principal: "reader",
		},
		{
			name:      "wildcard admits",
			req:       bearerRequest("GET", "/api/nodes", wildcard),
			template:  "/api/nodes",
			principal: "admin",
		},
		{
			name:      "scope mismatch is forbidden",
			req:       bearerRequest("POST", "/api/nodes", reader),
			template:  "/api/nodes",
			denied:    true,
			forbidden: true,
		},
		{
			name:     "missing token is unauthorized",
			req:      bearerRequest("GET", "/api/nodes", ""),
			template: "/api/nodes",
			denied:   true,
		},
		{
			name:      "anonymous endpoint admits without token",
			req:       bearerRequest("GET", "/healthz", ""),
			template:  "/healthz",
			anonymous: true,
		},
		{
			name:      "ANY mode admits on one of several",
			req:       bearerRequest("GET", "/api/matches/m-1", engine),
			template:  "/api/matches/:id",
			principal: "engine",
		},
		{
			name:     "no policy denies",
			req:      bearerRequest("GET", "/api/unknown", reader),
			template: "/api/unknown",
			denied:   true,
		},
		{
			name:     "malformed authorization header",
			req:      func() *http.Request { r := httptest.NewRequest("GET", "/api/nodes", nil); r.Header.Set("Authorization", "Basic abc"); return r }(),
			template: "/api/nodes",
			denied:   true,
		},
	}
	for _, tt := range tts {
		t.Run(tt.name, func(t *testing.T) {
			identity, err := a.Authorize(ctx, tt.req, tt.template)
			if tt.denied {
				require.Error(t, err)
				require.Equal(t, tt.forbidden, IsScopeError(err), "unexpected failure class: %v", err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.anonymous, identity.Anonymous)
			require.Equal(t, tt.principal, identity.Principal)
		})
	}
}

func TestAuthorizeExpiredToken(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	key := newTestKey(t, clock)
	a := newTestAuthorizer(t, clock, key, nil)
	require.NoError(t, a.Attach("GET", "/api/nodes", Policy{Scopes: []string{"control-plane.cluster.read"}}))

	token := signToken(t, key, "reader", time.Minute, "control-plane.cluster.read")
	clock.Advance(2 * time.Minute)

	_, err := a.Authorize(ctx, bearerRequest("GET", "/api/nodes", token), "/api/nodes")
	require.Error(t, err)
	require.False(t, IsScopeError(err))
}

func TestPolicyOverride(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	a := newTestAuthorizer(t, clock, newTestKey(t, clock), nil)

	require.NoError(t, a.Attach("GET", "/api/nodes", Policy{Scopes: []string{"control-plane.cluster.read"}}))
	require.NoError(t, a.Attach("GET", "/api/nodes", Policy{Scopes: []string{"control-plane.node.manage"}}))

	p, ok := a.Policy("GET", "/api/nodes")
	require.True(t, ok)
	require.Equal(t, []string{"control-plane.node.manage"}, p.Scopes)

	// invalid policies are rejected
	require.Error(t, a.Attach("GET", "/x", Policy{}))
	require.Error(t, a.Attach("GET", "/x", Policy{Scopes: []string{"a b"}}))
	require.Error(t, a.Attach("GET", "/x", Policy{Scopes: []string{"a.b"}, Mode: "SOME"}))
}

// countingExchanger counts exchange calls to observe cache hits.
type countingExchanger struct {
	key   *jwt.Key
	calls int
	ttl   time.Duration
	fail  bool
}

func (e *countingExchanger) ExchangeAPIToken(ctx context.Context, apiToken string) (string, error) {
	e.calls++
	if e.fail {
		return "", trace.AccessDenied("subject token is not valid")
	}
	return e.key.Sign(jwt.SignParams{
		Subject: "api-" + apiToken,
		TTL:     e.ttl,
		Scopes:  []string{"control-plane.cluster.read"},
	})
}

func TestAPITokenExchangeHook(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	key := newTestKey(t, clock)
	exchanger := &countingExchanger{key: key, ttl: 10 * time.Minute}
	a := newTestAuthorizer(t, clock, key, exchanger)
	require.NoError(t, a.Attach("GET", "/api/nodes", Policy{Scopes: []string{"control-plane.cluster.read"}}))

	apiRequest := func() *http.Request {
		r := httptest.NewRequest("GET", "/api/nodes", nil)
		r.Header.Set("X-Api-Token", "opaque-api-token")
		return r
	}

	identity, err := a.Authorize(ctx, apiRequest(), "/api/nodes")
	require.NoError(t, err)
	require.Equal(t, "api-opaque-api-token", identity.Principal)
	require.Equal(t, 1, exchanger.calls)

	// the second request hits the cache
	_, err = a.Authorize(ctx, apiRequest(), "/api/nodes")
	require.NoError(t, err)
	require.Equal(t, 1, exchanger.calls)

	// once the exchanged token lapses the hook exchanges again
	clock.Advance(11 * time.Minute)
	_, err = a.Authorize(ctx, apiRequest(), "/api/nodes")
	require.NoError(t, err)
	require.Equal(t, 2, exchanger.calls)

	// an Authorization header wins over X-Api-Token
	r := apiRequest()
	r.Header.Set("Authorization", "Bearer "+signToken(t, key, "direct", time.Hour, "control-plane.cluster.read"))
	identity, err = a.Authorize(ctx, r, "/api/nodes")
	require.NoError(t, err)
	require.Equal(t, "direct", identity.Principal)
	require.Equal(t, 2, exchanger.calls)
}

func TestAPITokenExchangeFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	key := newTestKey(t, clock)
	exchanger := &countingExchanger{key: key, ttl: time.Minute, fail: true}
	a := newTestAuthorizer(t, clock, key, exchanger)
	require.NoError(t, a.Attach("GET", "/api/nodes", Policy{Scopes: []string{"control-plane.cluster.read"}}))

	r := httptest.NewRequest("GET", "/api/nodes", nil)
	r.Header.Set("X-Api-Token", "bad-token")
	_, err := a.Authorize(ctx, r, "/api/nodes")
	require.Error(t, err)
	require.False(t, IsScopeError(err))

	// failures are not cached
	_, err = a.Authorize(ctx, r, "/api/nodes")
	require.Error(t, err)
	require.Equal(t, 2, exchanger.calls)
}
