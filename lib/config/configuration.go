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

package config

import (
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/arena"
	"github.com/gravitational/arena/lib/jwt"
	"github.com/gravitational/arena/lib/service"
	"github.com/gravitational/arena/lib/services"
	"github.com/gravitational/arena/lib/utils"
)

// ApplyFileConfig copies a parsed file configuration onto a service
// config, converting second counts to durations and parsing the signing
// material. Fields the file leaves empty keep whatever cfg already holds.
func ApplyFileConfig(fc *FileConfig, cfg *service.Config) error {
	cfg.Issuer = fc.Issuer

	if jwt.IsPEM([]byte(fc.AccessKey)) {
		key, err := jwt.ParsePrivateKeyPEM([]byte(fc.AccessKey))
		if err != nil {
			return trace.Wrap(err, "failed to parse access_key as an RSA private key")
		}
		cfg.PrivateKey = key
	} else {
		cfg.SharedSecret = []byte(fc.AccessKey)
	}

	if fc.ListenAddr != "" {
		cfg.ListenAddr = fc.ListenAddr
	}
	cfg.DiagAddr = fc.DiagAddr

	if fc.Log.Severity != "" || fc.Log.Format != "" {
		logger, err := utils.InitLogger(fc.Log.Severity, fc.Log.Format)
		if err != nil {
			return trace.Wrap(err)
		}
		cfg.Logger = logger
	}

	cfg.ServiceTokenTTL = seconds(fc.ServiceTokenTTL)
	cfg.UserTokenTTL = seconds(fc.UserTokenTTL)
	cfg.RefreshTokenTTL = seconds(fc.RefreshTokenTTL)
	cfg.MatchTokenTTL = seconds(fc.MatchTokenTTL)

	cfg.NodeTTL = seconds(fc.NodeTTLSeconds)
	cfg.SweepInterval = seconds(fc.SweepIntervalSeconds)
	cfg.MinAgentVersion = fc.MinAgentVersion

	cfg.Autoscaler = service.AutoscalerConfig{
		Enabled:            fc.Autoscaler.Enabled,
		MinNodes:           fc.Autoscaler.MinNodes,
		MaxNodes:           fc.Autoscaler.MaxNodes,
		ScaleUpThreshold:   fc.Autoscaler.ScaleUpThreshold,
		ScaleDownThreshold: fc.Autoscaler.ScaleDownThreshold,
		TargetSaturation:   fc.Autoscaler.TargetSaturation,
		Cooldown:           seconds(fc.Autoscaler.CooldownSeconds),
	}
	cfg.RateLimit = service.RateLimitConfig{
		MaxPerWindow:    fc.RateLimit.MaxPerWindow,
		Window:          seconds(fc.RateLimit.WindowSeconds),
		CleanupInterval: seconds(fc.RateLimit.CleanupIntervalSeconds),
	}

	for _, rc := range fc.Roles {
		if rc.Name == "" {
			return trace.BadParameter("roles entry is missing the name field")
		}
		cfg.Roles = append(cfg.Roles, services.Role{
			Name:   rc.Name,
			Scopes: rc.Scopes,
		})
	}

	for _, cc := range fc.Clients {
		client, err := applyClient(cc)
		if err != nil {
			return trace.Wrap(err)
		}
		cfg.Clients = append(cfg.Clients, service.BootstrapClient{
			Client: client,
			Secret: cc.Secret,
		})
	}

	for _, uc := range fc.Users {
		if uc.Username == "" {
			return trace.BadParameter("users entry is missing the username field")
		}
		if uc.Password == "" {
			return trace.BadParameter("user %q is missing a password", uc.Username)
		}
		cfg.Users = append(cfg.Users, service.BootstrapUser{
			User: services.User{
				Username: uc.Username,
				Enabled:  enabled(uc.Enabled),
			},
			Password:  uc.Password,
			RoleNames: uc.Roles,
		})
	}
	return nil
}

func applyClient(cc ClientConfig) (services.Client, error) {
	if cc.ClientID == "" {
		return services.Client{}, trace.BadParameter("clients entry is missing the client_id field")
	}
	kind := services.ClientKind(cc.Kind)
	if cc.Kind == "" {
		kind = services.ClientConfidential
	}
	grants := make([]arena.GrantType, 0, len(cc.AllowedGrants))
	for _, g := range cc.AllowedGrants {
		grant, err := arena.ParseGrantType(g)
		if err != nil {
			return services.Client{}, trace.Wrap(err, "client %q", cc.ClientID)
		}
		grants = append(grants, grant)
	}
	return services.Client{
		ID:            cc.ClientID,
		Kind:          kind,
		DisplayName:   cc.DisplayName,
		AllowedScopes: cc.AllowedScopes,
		AllowedGrants: grants,
		Enabled:       enabled(cc.Enabled),
	}, nil
}

// enabled defaults an absent enabled flag to true: listing an entity in
// the config means it should work.
func enabled(flag *bool) bool {
	return flag == nil || *flag
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
