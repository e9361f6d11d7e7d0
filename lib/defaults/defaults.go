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

// Package defaults contains default constants used across the arena
// control plane.
package defaults

import (
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	// HTTPListenAddr is the address the API server binds to when the config
	// does not say otherwise.
	HTTPListenAddr = "0.0.0.0:8080"

	// HTTPIdleTimeout is a default timeout for idle HTTP connections.
	HTTPIdleTimeout = 30 * time.Second

	// ReadHeadersTimeout is a default TCP timeout when we wait
	// for the response headers to arrive.
	ReadHeadersTimeout = 10 * time.Second

	// MaxRequestBodyBytes caps the size of JSON and form bodies the API
	// server is willing to parse.
	MaxRequestBodyBytes = 1 << 20

	// ShutdownTimeout is how long the process waits for in-flight requests
	// and background tasks to drain on stop.
	ShutdownTimeout = 30 * time.Second
)

const (
	// ServiceTokenTTL is the lifetime of access tokens issued to service
	// clients via the client_credentials grant.
	ServiceTokenTTL = 15 * time.Minute

	// UserTokenTTL is the lifetime of access tokens issued on behalf of
	// users via the password and refresh_token grants.
	UserTokenTTL = 15 * time.Minute

	// RefreshTokenTTL is the lifetime of single-use refresh tokens.
	RefreshTokenTTL = 720 * time.Hour

	// MatchTokenTTL is the lifetime of per-player match tokens. Matches are
	// expected to claim them promptly after scheduling.
	MatchTokenTTL = 2 * time.Minute

	// APITokenTTL is the lifetime of long-lived API tokens created without
	// an explicit expiry.
	APITokenTTL = 90 * 24 * time.Hour

	// SessionCacheTTL bounds how long the web layer memoizes a verified
	// bearer token before re-verifying it.
	SessionCacheTTL = time.Minute

	// AuthFailureDelay is the base pause before replying to a failed
	// authentication attempt, keeping timing oracles dull.
	AuthFailureDelay = 100 * time.Millisecond
)

const (
	// BcryptCost is the default work factor for password hashes. Kept at the
	// library default so needs_rehash stays meaningful when it is raised.
	BcryptCost = bcrypt.DefaultCost
)

const (
	// NodeTTL is how long a registered node stays live without a heartbeat.
	NodeTTL = 30 * time.Second

	// RegistrySweepInterval is how often the registry evicts nodes whose
	// TTL has lapsed.
	RegistrySweepInterval = 10 * time.Second
)

const (
	// LimiterMaxPerWindow is the default number of requests a single key may
	// make within one rate-limit window.
	LimiterMaxPerWindow = 300

	// LimiterWindow is the default sliding-window size of the rate limiter.
	LimiterWindow = time.Minute

	// LimiterCleanupInterval is how often the limiter sweeps idle keys.
	LimiterCleanupInterval = time.Minute
)

const (
	// SchedulerContainerWeight is the share of a node's placement score that
	// comes from container saturation.
	SchedulerContainerWeight = 0.7

	// SchedulerMatchWeight is the share of a node's placement score that
	// comes from match saturation.
	SchedulerMatchWeight = 0.3
)

const (
	// AutoscalerMinNodes is the smallest fleet the autoscaler will
	// recommend.
	AutoscalerMinNodes = 1

	// AutoscalerMaxNodes is the largest fleet the autoscaler will
	// recommend.
	AutoscalerMaxNodes = 10

	// AutoscalerScaleUpThreshold is the cluster saturation above which the
	// autoscaler recommends adding nodes.
	AutoscalerScaleUpThreshold = 0.8

	// AutoscalerScaleDownThreshold is the cluster saturation below which
	// the autoscaler considers removing nodes.
	AutoscalerScaleDownThreshold = 0.3

	// AutoscalerTargetSaturation is the saturation the autoscaler sizes the
	// fleet towards when it does recommend a change.
	AutoscalerTargetSaturation = 0.6

	// AutoscalerCooldown is the pause after a scaling action during which
	// no further scaling is recommended.
	AutoscalerCooldown = 5 * time.Minute
)

const (
	// BroadcastQueueSize is the size of the pending game-error queue.
	BroadcastQueueSize = 1024

	// SubscriberQueueSize is the per-subscriber delivery buffer. A
	// subscriber that falls further behind than this starts losing events.
	SubscriberQueueSize = 64
)

const (
	// APITokenCacheSize caps the number of API-token exchange results the
	// authorization filter keeps in its LRU.
	APITokenCacheSize = 1024

	// WebsocketMessageRate is the sustained per-connection inbound message
	// rate the event stream tolerates.
	WebsocketMessageRate = 10

	// WebsocketMessageBurst is the inbound message burst the event stream
	// tolerates before closing the connection.
	WebsocketMessageBurst = 20
)
