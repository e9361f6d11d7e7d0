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

// Package arena holds constants shared across the arena control plane.
package arena

// Version is the semantic version of the control plane. It is set at build
// time via -ldflags for release builds; the default marks development builds.
var Version = "0.0.0-dev"

const (
	// ComponentKey is the name of the log attribute containing the component name.
	ComponentKey = "component"

	// ComponentAuth is the token issuer and identity store.
	ComponentAuth = "auth"

	// ComponentAuthz is the request authorization filter.
	ComponentAuthz = "authz"

	// ComponentFleet is the node registry and its liveness sweep.
	ComponentFleet = "fleet"

	// ComponentScheduler is the match placement engine.
	ComponentScheduler = "scheduler"

	// ComponentAutoscaler is the fleet scaling advisor.
	ComponentAutoscaler = "autoscaler"

	// ComponentLimiter is the request rate limiter.
	ComponentLimiter = "limiter"

	// ComponentEvents is the game error broadcaster.
	ComponentEvents = "events"

	// ComponentWeb is the HTTP and websocket port layer.
	ComponentWeb = "web"

	// ComponentProcess is the top-level supervisor wiring everything together.
	ComponentProcess = "process"
)

const (
	// APIPrefix is the path prefix of the control-plane REST API.
	APIPrefix = "/api"

	// OAuth2TokenPath is the path of the RFC 6749 token endpoint.
	OAuth2TokenPath = "/oauth2/token"
)

const (
	// DebugEnvVar turns on debug logging when set.
	DebugEnvVar = "ARENA_DEBUG"
)
