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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/arena"
	"github.com/gravitational/arena/lib/jwt"
	"github.com/gravitational/arena/lib/service"
	"github.com/gravitational/arena/lib/services"
)

const sampleConfig = `
issuer: arena.example.com
access_key: super-secret-shared-key
listen_addr: 127.0.0.1:9090
diag_addr: 127.0.0.1:3000
log:
  severity: DEBUG
  format: json
service_token_ttl: 600
user_token_ttl: 900
refresh_token_ttl: 86400
match_token_ttl: 120
node_ttl_seconds: 45
sweep_interval_seconds: 15
min_agent_version: 1.2.0
autoscaler:
  enabled: true
  min_nodes: 2
  max_nodes: 20
  scale_up_threshold: 0.85
  scale_down_threshold: 0.25
  target_saturation: 0.5
  cooldown_seconds: 600
rate_limit:
  max_per_window: 100
  window_seconds: 60
  cleanup_interval_seconds: 120
roles:
  - name: operators
    scopes: ["control-plane.*"]
clients:
  - client_id: ops
    secret: s3cret
    kind: confidential
    allowed_scopes: ["control-plane.*"]
    allowed_grants: ["client_credentials"]
  - client_id: panel
    kind: public
    allowed_scopes: ["engine.match.read"]
    allowed_grants: ["password"]
    enabled: false
users:
  - username: Admin
    password: hunter22
    roles: ["operators"]
`

func TestReadConfig(t *testing.T) {
	t.Parallel()

	fc, err := ReadConfig(strings.NewReader(sampleConfig))
	require.NoError(t, err)
	require.Equal(t, "arena.example.com", fc.Issuer)
	require.Equal(t, 45, fc.NodeTTLSeconds)
	require.Len(t, fc.Clients, 2)
	require.Len(t, fc.Users, 1)
}

func TestReadConfigRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	_, err := ReadConfig(strings.NewReader("issuer: a\naccess_key: k\nnode_tll_seconds: 30\n"))
	require.Error(t, err)
}

func TestReadConfigRequiredFields(t *testing.T) {
	t.Parallel()

	tts := []struct {
		name string
		yaml string
	}{
		{name: "empty", yaml: ""},
		{name: "missing issuer", yaml: "access_key: k\n"},
		{name: "missing access key", yaml: "issuer: a\n"},
	}
	for _, tt := range tts {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadConfig(strings.NewReader(tt.yaml))
			require.Error(t, err)
		})
	}
}

func TestReadConfigFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "arena.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	fc, err := ReadConfigFile(path)
	require.NoError(t, err)
	require.Equal(t, "arena.example.com", fc.Issuer)

	_, err = ReadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestApplyFileConfig(t *testing.T) {
	t.Parallel()

	fc, err := ReadConfig(strings.NewReader(sampleConfig))
	require.NoError(t, err)

	var cfg service.Config
	require.NoError(t, ApplyFileConfig(fc, &cfg))

	require.Equal(t, "arena.example.com", cfg.Issuer)
	require.Empty(t, cfg.PrivateKey)
	require.Equal(t, []byte("super-secret-shared-key"), cfg.SharedSecret)
	require.Equal(t, "127.0.0.1:9090", cfg.ListenAddr)
	require.Equal(t, "127.0.0.1:3000", cfg.DiagAddr)
	require.NotNil(t, cfg.Logger)

	require.Equal(t, 10*time.Minute, cfg.ServiceTokenTTL)
	require.Equal(t, 15*time.Minute, cfg.UserTokenTTL)
	require.Equal(t, 24*time.Hour, cfg.RefreshTokenTTL)
	require.Equal(t, 2*time.Minute, cfg.MatchTokenTTL)
	require.Equal(t, 45*time.Second, cfg.NodeTTL)
	require.Equal(t, 15*time.Second, cfg.SweepInterval)
	require.Equal(t, "1.2.0", cfg.MinAgentVersion)

	require.Empty(t, cmp.Diff(service.AutoscalerConfig{
		Enabled:            true,
		MinNodes:           2,
		MaxNodes:           20,
		ScaleUpThreshold:   0.85,
		ScaleDownThreshold: 0.25,
		TargetSaturation:   0.5,
		Cooldown:           10 * time.Minute,
	}, cfg.Autoscaler))

	require.Empty(t, cmp.Diff(service.RateLimitConfig{
		MaxPerWindow:    100,
		Window:          time.Minute,
		CleanupInterval: 2 * time.Minute,
	}, cfg.RateLimit))

	require.Len(t, cfg.Roles, 1)
	require.Equal(t, "operators", cfg.Roles[0].Name)

	require.Len(t, cfg.Clients, 2)
	ops := cfg.Clients[0]
	require.Equal(t, "ops", ops.Client.ID)
	require.Equal(t, services.ClientConfidential, ops.Client.Kind)
	require.Equal(t, []arena.GrantType{arena.GrantClientCredentials}, ops.Client.AllowedGrants)
	require.True(t, ops.Client.Enabled)
	require.Equal(t, "s3cret", ops.Secret)

	panel := cfg.Clients[1]
	require.Equal(t, services.ClientPublic, panel.Client.Kind)
	require.False(t, panel.Client.Enabled)

	require.Len(t, cfg.Users, 1)
	require.Equal(t, "Admin", cfg.Users[0].User.Username)
	require.Equal(t, []string{"operators"}, cfg.Users[0].RoleNames)
	require.True(t, cfg.Users[0].User.Enabled)
}

func TestApplyFileConfigPEMKey(t *testing.T) {
	t.Parallel()

	privatePEM, _, err := jwt.GenerateKeyPair()
	require.NoError(t, err)

	var cfg service.Config
	require.NoError(t, ApplyFileConfig(&FileConfig{
		Issuer:    "arena.test",
		AccessKey: string(privatePEM),
	}, &cfg))
	require.NotNil(t, cfg.PrivateKey)
	require.Empty(t, cfg.SharedSecret)
}

func TestApplyFileConfigBadGrant(t *testing.T) {
	t.Parallel()

	var cfg service.Config
	err := ApplyFileConfig(&FileConfig{
		Issuer:    "arena.test",
		AccessKey: "secret",
		Clients: []ClientConfig{{
			ClientID:      "ops",
			AllowedGrants: []string{"implicit"},
		}},
	}, &cfg)
	require.Error(t, err)
}
