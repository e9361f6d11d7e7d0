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
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"golang.org/x/time/rate"

	"github.com/gravitational/arena/lib/defaults"
	"github.com/gravitational/arena/lib/events"
	"github.com/gravitational/arena/lib/httplib"
)

// bearerProtocolPrefix is the websocket subprotocol carrying the token,
// used by browser clients that cannot set the Authorization header.
const bearerProtocolPrefix = "Bearer."

// streamEvents serves GET /api/events/stream: a websocket feed of game
// errors, optionally filtered to one match or player. The credential
// comes from the Authorization header, the Bearer subprotocol, or query
// parameters resolved through the auth broker. Handshake-time
// authentication parks its result in the broker; the connection claims
// it on open under its own id.
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	var subprotocol string
	authKey, err := h.stashStreamAuth(r, &subprotocol)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	var responseHeader http.Header
	if subprotocol != "" {
		responseHeader = http.Header{"Sec-WebSocket-Protocol": []string{subprotocol}}
	}
	conn, err := upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		// Upgrade already replied
		return httplib.AlreadyReplied(), nil
	}
	defer conn.Close()

	connectionID := uuid.NewString()
	var result *AuthResult
	if authKey != "" {
		if transferErr := h.cfg.Broker.Transfer(authKey, connectionID); transferErr == nil {
			claimed, _ := h.cfg.Broker.Get(connectionID)
			result = &claimed
		}
	} else {
		result = h.cfg.Broker.ClaimFromQuery(r.URL.RawQuery, connectionID, r.URL.Path)
	}
	if result == nil {
		closePolicy := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication required")
		conn.WriteControl(websocket.CloseMessage, closePolicy, h.cfg.Clock.Now().Add(time.Second))
		return httplib.AlreadyReplied(), nil
	}
	defer h.cfg.Broker.Remove(connectionID)

	h.serveStream(r, conn, result)
	return httplib.AlreadyReplied(), nil
}

// stashStreamAuth authenticates the handshake and parks the result in
// the broker under a throwaway key, returning that key. An empty key
// with nil error means no handshake credential was presented and the
// connection must claim from its query string. The chosen subprotocol,
// when any, is written through proto for the upgrade response.
func (h *Handler) stashStreamAuth(r *http.Request, proto *string) (string, error) {
	raw := ""
	if header := r.Header.Get("Authorization"); header != "" {
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return "", trace.AccessDenied("Authorization header is not a bearer token")
		}
		raw = token
	}
	if raw == "" {
		for _, offered := range websocket.Subprotocols(r) {
			if token, ok := strings.CutPrefix(offered, bearerProtocolPrefix); ok {
				raw = token
				*proto = offered
				break
			}
		}
	}
	if raw == "" {
		// populate the broker from query credentials so the open
		// connection can claim them
		h.stashQueryAuth(r)
		return "", nil
	}

	result, err := h.resolveStreamToken(r, raw)
	if err != nil {
		return "", trace.Wrap(err)
	}
	key := "handshake:" + uuid.NewString()
	h.cfg.Broker.Store(key, *result)
	return key, nil
}

// stashQueryAuth validates query-string credentials and stores the
// results under their token-derived broker keys.
func (h *Handler) stashQueryAuth(r *http.Request) {
	query := r.URL.Query()
	if token := query.Get("match_token"); token != "" {
		if claims, err := h.cfg.Auth.VerifyMatchTokenJWT(r.Context(), token); err == nil {
			expires := claims.Expiry.Time()
			h.cfg.Broker.Store(MatchTokenKey(token), AuthResult{
				Principal: claims.PlayerName,
				AuthType:  AuthTypeMatchToken,
				Scopes:    claims.Scopes,
				MatchID:   claims.MatchID,
				PlayerID:  claims.PlayerID,
				ExpiresAt: expires,
			})
		}
	}
	if token := query.Get("token"); token != "" {
		if result := h.sessions.validate(r.Context(), token); result.Valid {
			stored := AuthResult{
				Principal: result.Username,
				AuthType:  AuthTypeAccessToken,
				Scopes:    result.Scopes,
			}
			if result.ExpiresAt != nil {
				stored.ExpiresAt = *result.ExpiresAt
			}
			h.cfg.Broker.Store(AccessTokenKey(token), stored)
		}
	}
	if token := query.Get("api_token"); token != "" {
		if signed, err := h.cfg.Auth.ExchangeAPIToken(r.Context(), token); err == nil {
			if result := h.sessions.validate(r.Context(), signed); result.Valid {
				stored := AuthResult{
					Principal: result.Username,
					AuthType:  AuthTypeAPIToken,
					Scopes:    result.Scopes,
				}
				if result.ExpiresAt != nil {
					stored.ExpiresAt = *result.ExpiresAt
				}
				h.cfg.Broker.Store(APITokenKey(token), stored)
			}
		}
	}
}

// resolveStreamToken turns a raw handshake token into an AuthResult:
// access tokens and match tokens are both accepted.
func (h *Handler) resolveStreamToken(r *http.Request, raw string) (*AuthResult, error) {
	if claims, err := h.cfg.Auth.VerifyMatchTokenJWT(r.Context(), raw); err == nil {
		expires := claims.Expiry.Time()
		return &AuthResult{
			Principal: claims.PlayerName,
			AuthType:  AuthTypeMatchToken,
			Scopes:    claims.Scopes,
			MatchID:   claims.MatchID,
			PlayerID:  claims.PlayerID,
			ExpiresAt: expires,
		}, nil
	}
	result := h.sessions.validate(r.Context(), raw)
	if !result.Valid {
		return nil, trace.AccessDenied("stream credentials are not valid")
	}
	out := &AuthResult{
		Principal: result.Username,
		AuthType:  AuthTypeAccessToken,
		Scopes:    result.Scopes,
	}
	if result.ExpiresAt != nil {
		out.ExpiresAt = *result.ExpiresAt
	}
	return out, nil
}

// serveStream pumps broadcast errors to the connection until the peer
// goes away or the credential expires. Match-token principals are pinned
// to their own match regardless of the requested filters.
func (h *Handler) serveStream(r *http.Request, conn *websocket.Conn, result *AuthResult) {
	query := r.URL.Query()
	matchID := query.Get("match_id")
	playerID := query.Get("player_id")
	if result.AuthType == AuthTypeMatchToken {
		matchID = result.MatchID
		if playerID == "" {
			playerID = result.PlayerID
		}
	}

	var sub *events.Subscription
	switch {
	case matchID != "" && playerID != "":
		sub = h.cfg.Broadcaster.SubscribeToPlayer(matchID, playerID)
	case matchID != "":
		sub = h.cfg.Broadcaster.SubscribeToMatch(matchID)
	default:
		sub = h.cfg.Broadcaster.Subscribe()
	}
	defer sub.Close()

	h.cfg.Logger.InfoContext(r.Context(), "Opened event stream.",
		"principal", result.Principal,
		"auth_type", result.AuthType,
		"match_id", matchID,
		"player_id", playerID,
	)

	// reader goroutine: drain and throttle inbound frames, surface
	// disconnects
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		limiter := rate.NewLimiter(rate.Limit(defaults.WebsocketMessageRate), defaults.WebsocketMessageBurst)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
			if !limiter.Allow() {
				closeMessage := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "message rate exceeded")
				conn.WriteControl(websocket.CloseMessage, closeMessage, h.cfg.Clock.Now().Add(time.Second))
				return
			}
		}
	}()

	var expiry <-chan time.Time
	if !result.ExpiresAt.IsZero() {
		expiry = h.cfg.Clock.After(result.ExpiresAt.Sub(h.cfg.Clock.Now()))
	}

	for {
		select {
		case gameError, ok := <-sub.C():
			if !ok {
				return
			}
			if err := conn.WriteJSON(gameError); err != nil {
				return
			}
		case <-expiry:
			closeMessage := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "credentials expired")
			conn.WriteControl(websocket.CloseMessage, closeMessage, h.cfg.Clock.Now().Add(time.Second))
			return
		case <-readDone:
			return
		case <-r.Context().Done():
			return
		}
	}
}
