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
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/arena/lib/auth"
	"github.com/gravitational/arena/lib/events"
)

func (p *webPack) streamURL(query string) string {
	u := "ws" + strings.TrimPrefix(p.server.URL, "http") + "/api/events/stream"
	if query != "" {
		u += "?" + query
	}
	return u
}

// waitForSubscribers blocks until the server side of a freshly dialed
// stream has attached its subscription.
func (p *webPack) waitForSubscribers(t *testing.T, count int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return p.broadcaster.SubscriberCount() == count
	}, 5*time.Second, 10*time.Millisecond)
}

func readEvent(t *testing.T, conn *websocket.Conn) events.GameError {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var gameError events.GameError
	require.NoError(t, conn.ReadJSON(&gameError))
	return gameError
}

func TestStreamWithSubprotocolToken(t *testing.T) {
	t.Parallel()

	p := newWebPack(t)
	p.seedClient(t, "engine.*")
	token := p.accessToken(t, "engine.events.read")

	dialer := websocket.Dialer{Subprotocols: []string{bearerProtocolPrefix + token}}
	conn, resp, err := dialer.Dial(p.streamURL(""), nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	// the handshake echoes the bearer subprotocol back
	require.Equal(t, bearerProtocolPrefix+token, resp.Header.Get("Sec-WebSocket-Protocol"))

	p.waitForSubscribers(t, 1)
	p.broadcaster.Publish(context.Background(), events.GameError{
		Source:  "engine",
		Message: "tick overrun",
	})

	gameError := readEvent(t, conn)
	require.Equal(t, "tick overrun", gameError.Message)
	require.Equal(t, events.ErrorTypeGeneral, gameError.Type)
	require.NotEmpty(t, gameError.ID)
}

func TestStreamWithBearerHeader(t *testing.T) {
	t.Parallel()

	p := newWebPack(t)
	p.seedClient(t, "engine.*")
	token := p.accessToken(t, "engine.events.read")

	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, resp, err := websocket.DefaultDialer.Dial(p.streamURL("match_id=m1"), header)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	// the match filter admits match events and global events, nothing else
	p.waitForSubscribers(t, 1)
	p.broadcaster.Publish(context.Background(), events.GameError{MatchID: "m2", Source: "engine", Message: "other match"})
	p.broadcaster.Publish(context.Background(), events.GameError{MatchID: "m1", Source: "engine", Message: "own match"})

	gameError := readEvent(t, conn)
	require.Equal(t, "own match", gameError.Message)
}

// TestStreamClosesOnCredentialExpiry drives the clock past the access
// token's lifetime and expects a policy-violation close, not a normal one.
func TestStreamClosesOnCredentialExpiry(t *testing.T) {
	t.Parallel()

	p := newWebPack(t)
	p.seedClient(t, "engine.*")
	token := p.accessToken(t, "engine.events.read")

	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, resp, err := websocket.DefaultDialer.Dial(p.streamURL(""), header)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	p.waitForSubscribers(t, 1)
	p.clock.Advance(time.Hour)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "expected 1008 close, got %v", err)
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, "credentials expired", closeErr.Text)
}

func TestStreamWithMatchTokenQuery(t *testing.T) {
	t.Parallel()

	p := newWebPack(t)

	_, signed, err := p.auth.IssueMatchToken(context.Background(), auth.MatchTokenRequest{
		MatchID:    "match-1",
		PlayerID:   "7",
		PlayerName: "alice",
		Scopes:     []string{"match.play"},
	})
	require.NoError(t, err)

	conn, resp, err := websocket.DefaultDialer.Dial(p.streamURL("match_token="+signed), nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	// the match token pins the subscription to its own match and player
	p.waitForSubscribers(t, 1)
	p.broadcaster.Publish(context.Background(), events.GameError{MatchID: "match-1", PlayerID: "9", Source: "engine", Message: "other player"})
	p.broadcaster.Publish(context.Background(), events.GameError{MatchID: "match-1", PlayerID: "7", Source: "engine", Message: "own error"})
	p.broadcaster.Publish(context.Background(), events.GameError{MatchID: "match-1", PlayerID: events.PlayerAll, Source: "engine", Message: "match wide"})

	require.Equal(t, "own error", readEvent(t, conn).Message)
	require.Equal(t, "match wide", readEvent(t, conn).Message)
}

func TestStreamRejectsUnauthenticated(t *testing.T) {
	t.Parallel()

	p := newWebPack(t)

	conn, resp, err := websocket.DefaultDialer.Dial(p.streamURL(""), nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	// no credentials: the server closes with a policy violation
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

func TestStreamRejectsBadHeaderToken(t *testing.T) {
	t.Parallel()

	p := newWebPack(t)

	header := http.Header{"Authorization": []string{"Bearer garbage"}}
	conn, resp, err := websocket.DefaultDialer.Dial(p.streamURL(""), header)
	require.Error(t, err)
	if conn != nil {
		conn.Close()
	}
	require.NotNil(t, resp)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
