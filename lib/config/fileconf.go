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

// Package config reads the arena.yaml configuration file and applies it
// onto a service configuration.
package config

import (
	"io"
	"os"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML shape of arena.yaml. Durations are plain
// seconds; ApplyFileConfig converts them.
type FileConfig struct {
	// Issuer names the token issuer. Required.
	Issuer string `yaml:"issuer"`

	// AccessKey is the JWT signing material: a PEM-encoded RSA private
	// key selects RS256, any other value is the HS256 shared secret.
	AccessKey string `yaml:"access_key"`

	// ListenAddr is the public HTTP listen address.
	ListenAddr string `yaml:"listen_addr,omitempty"`

	// DiagAddr enables the diagnostics listener when set.
	DiagAddr string `yaml:"diag_addr,omitempty"`

	// Log configures the process logger.
	Log LogConfig `yaml:"log,omitempty"`

	// Token lifetimes in seconds.
	ServiceTokenTTL int `yaml:"service_token_ttl,omitempty"`
	UserTokenTTL    int `yaml:"user_token_ttl,omitempty"`
	RefreshTokenTTL int `yaml:"refresh_token_ttl,omitempty"`
	MatchTokenTTL   int `yaml:"match_token_ttl,omitempty"`

	// Node registry settings.
	NodeTTLSeconds       int    `yaml:"node_ttl_seconds,omitempty"`
	SweepIntervalSeconds int    `yaml:"sweep_interval_seconds,omitempty"`
	MinAgentVersion      string `yaml:"min_agent_version,omitempty"`

	Autoscaler AutoscalerConfig `yaml:"autoscaler,omitempty"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit,omitempty"`

	// Static bootstrap entities seeded at startup.
	Clients []ClientConfig `yaml:"clients,omitempty"`
	Users   []UserConfig   `yaml:"users,omitempty"`
	Roles   []RoleConfig   `yaml:"roles,omitempty"`
}

// LogConfig is the log block.
type LogConfig struct {
	Severity string `yaml:"severity,omitempty"`
	Format   string `yaml:"format,omitempty"`
}

// AutoscalerConfig is the autoscaler block.
type AutoscalerConfig struct {
	Enabled            bool    `yaml:"enabled"`
	MinNodes           int     `yaml:"min_nodes,omitempty"`
	MaxNodes           int     `yaml:"max_nodes,omitempty"`
	ScaleUpThreshold   float64 `yaml:"scale_up_threshold,omitempty"`
	ScaleDownThreshold float64 `yaml:"scale_down_threshold,omitempty"`
	TargetSaturation   float64 `yaml:"target_saturation,omitempty"`
	CooldownSeconds    int     `yaml:"cooldown_seconds,omitempty"`
}

// RateLimitConfig is the rate_limit block.
type RateLimitConfig struct {
	MaxPerWindow           int `yaml:"max_per_window,omitempty"`
	WindowSeconds          int `yaml:"window_seconds,omitempty"`
	CleanupIntervalSeconds int `yaml:"cleanup_interval_seconds,omitempty"`
}

// ClientConfig is one entry of the clients list.
type ClientConfig struct {
	ClientID      string   `yaml:"client_id"`
	Secret        string   `yaml:"secret,omitempty"`
	Kind          string   `yaml:"kind,omitempty"`
	DisplayName   string   `yaml:"display_name,omitempty"`
	AllowedScopes []string `yaml:"allowed_scopes,omitempty"`
	AllowedGrants []string `yaml:"allowed_grants,omitempty"`
	Enabled       *bool    `yaml:"enabled,omitempty"`
}

// UserConfig is one entry of the users list.
type UserConfig struct {
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	Roles    []string `yaml:"roles,omitempty"`
	Enabled  *bool    `yaml:"enabled,omitempty"`
}

// RoleConfig is one entry of the roles list.
type RoleConfig struct {
	Name   string   `yaml:"name"`
	Scopes []string `yaml:"scopes,omitempty"`
}

// ReadConfigFile loads and parses a configuration file.
func ReadConfigFile(path string) (*FileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, trace.Wrap(err, "failed to open config file %v", path)
	}
	defer f.Close()
	return ReadConfig(f)
}

// ReadConfig parses a configuration stream. Unknown keys are rejected so
// typos surface at startup instead of silently using defaults.
func ReadConfig(reader io.Reader) (*FileConfig, error) {
	var fc FileConfig
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	if err := decoder.Decode(&fc); err != nil {
		if err == io.EOF {
			return nil, trace.BadParameter("config file is empty")
		}
		return nil, trace.BadParameter("failed to parse config: %v", err)
	}
	if fc.Issuer == "" {
		return nil, trace.BadParameter("config is missing the issuer field")
	}
	if fc.AccessKey == "" {
		return nil, trace.BadParameter("config is missing the access_key field")
	}
	return &fc, nil
}
