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

package service

import (
	"crypto/rsa"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/arena/lib/defaults"
	"github.com/gravitational/arena/lib/services"
)

// Config is the assembled runtime configuration of an arena process.
// lib/config builds it from the YAML file; tests build it directly.
type Config struct {
	// Issuer is the JWT issuer name. Required.
	Issuer string

	// PrivateKey enables RS256 signing. When nil, SharedSecret selects
	// HS256. Exactly one must be set.
	PrivateKey   *rsa.PrivateKey
	SharedSecret []byte

	// ListenAddr is the public HTTP listen address.
	ListenAddr string

	// DiagAddr is the diagnostics listen address. Empty disables the
	// diagnostics listener.
	DiagAddr string

	// Token lifetimes. Zero picks the package default.
	ServiceTokenTTL time.Duration
	UserTokenTTL    time.Duration
	RefreshTokenTTL time.Duration
	MatchTokenTTL   time.Duration

	// NodeTTL and SweepInterval drive the node registry.
	NodeTTL       time.Duration
	SweepInterval time.Duration

	// MinAgentVersion, when set, rejects registrations from older agents.
	MinAgentVersion string

	// Autoscaler carries the scaling thresholds.
	Autoscaler AutoscalerConfig

	// RateLimit carries the token-endpoint rate limits.
	RateLimit RateLimitConfig

	// Clients, Users and Roles are seeded into the identity stores at
	// startup.
	Clients []BootstrapClient
	Users   []BootstrapUser
	Roles   []services.Role

	// Clock is the process-wide time source.
	Clock clockwork.Clock

	// Logger is the process root logger.
	Logger *slog.Logger
}

// AutoscalerConfig mirrors the autoscaler block of the config file.
type AutoscalerConfig struct {
	Enabled            bool
	MinNodes           int
	MaxNodes           int
	ScaleUpThreshold   float64
	ScaleDownThreshold float64
	TargetSaturation   float64
	Cooldown           time.Duration
}

// RateLimitConfig mirrors the rate_limit block of the config file.
type RateLimitConfig struct {
	MaxPerWindow    int
	Window          time.Duration
	CleanupInterval time.Duration
}

// BootstrapClient is a statically configured OAuth2 client: the stored
// client plus its plaintext secret, hashed at seed time.
type BootstrapClient struct {
	Client services.Client
	Secret string
}

// BootstrapUser is a statically configured user account. Roles are
// referenced by name and resolved to ids after the roles are seeded.
type BootstrapUser struct {
	User      services.User
	Password  string
	RoleNames []string
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Issuer == "" {
		return trace.BadParameter("missing parameter Issuer")
	}
	if c.PrivateKey == nil && len(c.SharedSecret) == 0 {
		return trace.BadParameter("missing signing material, set an access key")
	}
	if c.PrivateKey != nil && len(c.SharedSecret) != 0 {
		return trace.BadParameter("both an RSA key and a shared secret are set, pick one")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.HTTPListenAddr
	}
	if c.ServiceTokenTTL == 0 {
		c.ServiceTokenTTL = defaults.ServiceTokenTTL
	}
	if c.UserTokenTTL == 0 {
		c.UserTokenTTL = defaults.UserTokenTTL
	}
	if c.RefreshTokenTTL == 0 {
		c.RefreshTokenTTL = defaults.RefreshTokenTTL
	}
	if c.MatchTokenTTL == 0 {
		c.MatchTokenTTL = defaults.MatchTokenTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}
