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

// Package web implements the HTTP and WebSocket ports of the control
// plane: the OAuth2 token endpoint, the node and autoscaler API, match
// scheduling, and the error event stream.
package web

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"

	"github.com/gravitational/arena"
	"github.com/gravitational/arena/lib/auth"
	"github.com/gravitational/arena/lib/authz"
	"github.com/gravitational/arena/lib/autoscaler"
	"github.com/gravitational/arena/lib/events"
	"github.com/gravitational/arena/lib/fleet"
	"github.com/gravitational/arena/lib/httplib"
	"github.com/gravitational/arena/lib/scheduler"
	"github.com/gravitational/arena/lib/services"
)

// Scopes guarding the API endpoints.
const (
	ScopeNodeRegister     = "control-plane.node.register"
	ScopeNodeManage       = "control-plane.node.manage"
	ScopeClusterRead      = "control-plane.cluster.read"
	ScopeAutoscalerRead   = "control-plane.autoscaler.read"
	ScopeAutoscalerManage = "control-plane.autoscaler.manage"
	ScopeMatchSchedule    = "control-plane.match.schedule"
	ScopeMatchTokenIssue  = "control-plane.match.token.issue"
)

// Config holds the handler's dependencies.
type Config struct {
	// Auth issues and validates tokens.
	Auth *auth.Server

	// Registry tracks the node fleet.
	Registry *fleet.Registry

	// Scheduler places matches on nodes.
	Scheduler *scheduler.Scheduler

	// Autoscaler recommends fleet resizing.
	Autoscaler *autoscaler.Autoscaler

	// Authorizer filters API requests.
	Authorizer *authz.Authorizer

	// Broadcaster fans game errors out to stream subscribers.
	Broadcaster *events.Broadcaster

	// Broker parks websocket authentication results between the upgrade
	// handshake and the connection handler.
	Broker *Broker

	// Clock is the shared time source.
	Clock clockwork.Clock

	// SessionCacheTTL bounds the bearer validation cache.
	SessionCacheTTL time.Duration

	// Logger reports request handling.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Auth == nil {
		return trace.BadParameter("missing parameter Auth")
	}
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if c.Scheduler == nil {
		return trace.BadParameter("missing parameter Scheduler")
	}
	if c.Autoscaler == nil {
		return trace.BadParameter("missing parameter Autoscaler")
	}
	if c.Authorizer == nil {
		return trace.BadParameter("missing parameter Authorizer")
	}
	if c.Broadcaster == nil {
		return trace.BadParameter("missing parameter Broadcaster")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Broker == nil {
		c.Broker = NewBroker(c.Clock)
	}
	if c.Logger == nil {
		c.Logger = slog.With(arena.ComponentKey, arena.ComponentWeb)
	}
	return nil
}

// Handler is the control-plane API server.
type Handler struct {
	cfg      Config
	router   *httprouter.Router
	sessions *sessionCache
}

// NewHandler builds the API server and declares the access policy of
// every endpoint.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{
		cfg:      cfg,
		router:   httprouter.New(),
		sessions: newSessionCache(cfg.Auth, cfg.Clock, cfg.SessionCacheTTL),
	}

	anonymous := authz.Policy{AllowAnonymous: true}
	for _, b := range []struct {
		method, path string
		policy       authz.Policy
		fn           httplib.HandlerFunc
	}{
		{http.MethodPost, arena.OAuth2TokenPath, anonymous, h.issueTokens},
		{http.MethodPost, "/api/tokens/validate", anonymous, h.validateToken},
		{http.MethodPost, "/api/nodes", authz.Policy{Scopes: []string{ScopeNodeRegister}}, h.registerNode},
		{http.MethodPut, "/api/nodes/:id/heartbeat", authz.Policy{Scopes: []string{ScopeNodeRegister}}, h.heartbeatNode},
		{http.MethodPost, "/api/nodes/:id/drain", authz.Policy{Scopes: []string{ScopeNodeManage}}, h.drainNode},
		{http.MethodDelete, "/api/nodes/:id", authz.Policy{Scopes: []string{ScopeNodeManage}}, h.deregisterNode},
		{http.MethodGet, "/api/nodes", authz.Policy{Scopes: []string{ScopeClusterRead}}, h.listNodes},
		{http.MethodGet, "/api/autoscaler/recommendation", authz.Policy{Scopes: []string{ScopeAutoscalerRead}}, h.autoscalerRecommendation},
		{http.MethodPost, "/api/autoscaler/ack", authz.Policy{Scopes: []string{ScopeAutoscalerManage}}, h.autoscalerAck},
		{http.MethodPost, "/api/matches/schedule", authz.Policy{Scopes: []string{ScopeMatchSchedule}}, h.scheduleMatch},
		{http.MethodPost, "/api/match-tokens", authz.Policy{Scopes: []string{ScopeMatchTokenIssue}}, h.issueMatchToken},
		{http.MethodDelete, "/api/match-tokens/:id", authz.Policy{Scopes: []string{ScopeMatchTokenIssue}}, h.revokeMatchToken},
		{http.MethodGet, "/api/events/stream", anonymous, h.streamEvents},
	} {
		if err := cfg.Authorizer.Attach(b.method, b.path, b.policy); err != nil {
			return nil, trace.Wrap(err)
		}
		h.router.Handle(b.method, b.path, httplib.MakeHandler(cfg.Logger, h.withAuth(b.path, b.fn)))
	}
	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// withAuth runs the authorization filter before the handler. Missing or
// invalid credentials reply 401; a verified token lacking scopes replies
// 403 per RFC 6750.
func (h *Handler) withAuth(pathTemplate string, fn httplib.HandlerFunc) httplib.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
		if _, err := h.cfg.Authorizer.Authorize(r.Context(), r, pathTemplate); err != nil {
			if authz.IsScopeError(err) {
				roundtrip.ReplyJSON(w, http.StatusForbidden, httplib.ErrorBody{
					Error:       "insufficient_scope",
					Description: trace.UserMessage(err),
				})
				return httplib.AlreadyReplied(), nil
			}
			return nil, trace.Wrap(err)
		}
		return fn(w, r, p)
	}
}

// issueTokens serves POST /oauth2/token. Client credentials come from
// HTTP Basic or form fields; Basic wins when both are present.
func (h *Handler) issueTokens(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	if err := r.ParseForm(); err != nil {
		return nil, trace.BadParameter("failed to parse request form: %v", err)
	}
	req := auth.TokenRequest{
		GrantType:        r.PostForm.Get("grant_type"),
		ClientID:         r.PostForm.Get("client_id"),
		ClientSecret:     r.PostForm.Get("client_secret"),
		Scope:            r.PostForm.Get("scope"),
		Username:         r.PostForm.Get("username"),
		Password:         r.PostForm.Get("password"),
		RefreshToken:     r.PostForm.Get("refresh_token"),
		SubjectToken:     r.PostForm.Get("subject_token"),
		SubjectTokenType: r.PostForm.Get("subject_token_type"),
		ClientIP:         httplib.ClientIP(r),
	}
	if id, secret, ok := r.BasicAuth(); ok {
		req.ClientID, req.ClientSecret = id, secret
	}

	resp, err := h.cfg.Auth.IssueTokens(r.Context(), req)
	if err != nil {
		h.replyTokenError(w, req, err)
		return httplib.AlreadyReplied(), nil
	}
	return resp, nil
}

// replyTokenError writes an OAuth2 failure in its RFC 6749 shape, with
// Retry-After on rate limits.
func (h *Handler) replyTokenError(w http.ResponseWriter, req auth.TokenRequest, err error) {
	oauth2Err := auth.AsOAuth2Error(err)
	if oauth2Err == nil {
		httplib.ReplyError(w, err)
		return
	}
	if oauth2Err.Code == auth.ErrCodeRateLimited {
		httplib.ReplyRateLimited(w, int(math.Ceil(h.cfg.Auth.RetryAfter(req).Seconds())))
		return
	}
	roundtrip.ReplyJSON(w, oauth2Err.HTTPStatus(), httplib.ErrorBody{
		Error:       oauth2Err.Code,
		Description: oauth2Err.Description,
	})
}

type validateTokenRequest struct {
	Token string `json:"token"`
}

// validateToken serves POST /api/tokens/validate.
func (h *Handler) validateToken(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	var req validateTokenRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Token == "" {
		return nil, trace.BadParameter("missing parameter token")
	}
	return h.sessions.validate(r.Context(), req.Token), nil
}

type registerNodeRequest struct {
	NodeID       string                `json:"node_id"`
	EndpointURL  string                `json:"endpoint_url"`
	AgentVersion string                `json:"agent_version,omitempty"`
	Capacity     services.NodeCapacity `json:"capacity"`
}

type nodeResponse struct {
	Node services.Node `json:"node"`
}

// registerNode serves POST /api/nodes.
func (h *Handler) registerNode(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	var req registerNodeRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	node, err := h.cfg.Registry.RegisterNode(r.Context(), services.Node{
		ID:           req.NodeID,
		EndpointURL:  req.EndpointURL,
		AgentVersion: req.AgentVersion,
		Capacity:     req.Capacity,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return nodeResponse{Node: node}, nil
}

type heartbeatRequest struct {
	Metrics services.NodeMetrics `json:"metrics"`
}

// heartbeatNode serves PUT /api/nodes/:id/heartbeat.
func (h *Handler) heartbeatNode(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req heartbeatRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	node, err := h.cfg.Registry.Heartbeat(r.Context(), p.ByName("id"), req.Metrics)
	if err != nil {
		return h.replyNodeError(w, err)
	}
	return nodeResponse{Node: node}, nil
}

// drainNode serves POST /api/nodes/:id/drain.
func (h *Handler) drainNode(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	nodeID := p.ByName("id")
	if err := h.cfg.Registry.Drain(r.Context(), nodeID); err != nil {
		return h.replyNodeError(w, err)
	}
	node, err := h.cfg.Registry.GetNode(r.Context(), nodeID)
	if err != nil {
		return h.replyNodeError(w, err)
	}
	return nodeResponse{Node: node}, nil
}

// deregisterNode serves DELETE /api/nodes/:id.
func (h *Handler) deregisterNode(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	if err := h.cfg.Registry.Deregister(r.Context(), p.ByName("id")); err != nil {
		return h.replyNodeError(w, err)
	}
	return nil, nil
}

// listNodes serves GET /api/nodes.
func (h *Handler) listNodes(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	nodes, err := h.cfg.Registry.GetNodes(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if nodes == nil {
		nodes = []services.Node{}
	}
	return nodes, nil
}

// replyNodeError maps unknown-node failures to their wire code.
func (h *Handler) replyNodeError(w http.ResponseWriter, err error) (any, error) {
	if trace.IsNotFound(err) {
		roundtrip.ReplyJSON(w, http.StatusNotFound, httplib.ErrorBody{
			Error:       "NODE_NOT_FOUND",
			Description: trace.UserMessage(err),
		})
		return httplib.AlreadyReplied(), nil
	}
	return nil, trace.Wrap(err)
}

// autoscalerRecommendation serves GET /api/autoscaler/recommendation.
func (h *Handler) autoscalerRecommendation(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	rec, err := h.cfg.Autoscaler.GetRecommendation(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return rec, nil
}

// autoscalerAck serves POST /api/autoscaler/ack: the operator reports the
// last recommendation was acted on, starting the cooldown.
func (h *Handler) autoscalerAck(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	h.cfg.Autoscaler.RecordScalingAction()
	return nil, nil
}

type scheduleResponse struct {
	Node      services.Node      `json:"node"`
	Placement services.Placement `json:"placement"`
}

// scheduleMatch serves POST /api/matches/schedule.
func (h *Handler) scheduleMatch(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	var req services.PlacementRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	placement, err := h.cfg.Scheduler.SelectNode(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, scheduler.ErrNoAvailableNodes):
			roundtrip.ReplyJSON(w, http.StatusServiceUnavailable, httplib.ErrorBody{
				Error:       "NO_AVAILABLE_NODES",
				Description: trace.UserMessage(err),
			})
			return httplib.AlreadyReplied(), nil
		case errors.Is(err, scheduler.ErrNoCapableNodes):
			roundtrip.ReplyJSON(w, http.StatusServiceUnavailable, httplib.ErrorBody{
				Error:       "NO_CAPABLE_NODES",
				Description: trace.UserMessage(err),
			})
			return httplib.AlreadyReplied(), nil
		}
		return nil, trace.Wrap(err)
	}
	node, err := h.cfg.Registry.GetNode(r.Context(), placement.NodeID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return scheduleResponse{Node: node, Placement: placement}, nil
}

type matchTokenResponse struct {
	MatchToken services.MatchToken `json:"match_token"`
	JWT        string              `json:"jwt"`
}

// issueMatchToken serves POST /api/match-tokens.
func (h *Handler) issueMatchToken(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	var req auth.MatchTokenRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	record, signed, err := h.cfg.Auth.IssueMatchToken(r.Context(), req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return matchTokenResponse{MatchToken: record, JWT: signed}, nil
}

// revokeMatchToken serves DELETE /api/match-tokens/:id.
func (h *Handler) revokeMatchToken(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	if err := h.cfg.Auth.RevokeMatchToken(r.Context(), p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, nil
}
