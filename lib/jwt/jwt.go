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

// Package jwt signs and verifies the access tokens issued by the control
// plane. Tokens are stateless: verification checks the signature, expiry
// against the injected clock, the configured issuer, and optionally an
// audience. Revocation of access tokens is by short lifetime only.
package jwt

import (
	"crypto/rsa"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Config holds the signing material for a Key. Exactly one of the RSA keys
// or the shared secret must be set: an RSA private key signs and verifies
// RS256, an RSA public key verifies RS256 only, a shared secret signs and
// verifies HS256.
type Config struct {
	// Clock is the time source expiry is checked against.
	Clock clockwork.Clock

	// Issuer is stamped into every token and required on verification.
	Issuer string

	// PrivateKey enables RS256 signing and verification.
	PrivateKey *rsa.PrivateKey

	// PublicKey enables RS256 verification without signing. Ignored when
	// PrivateKey is set.
	PublicKey *rsa.PublicKey

	// SharedSecret enables HS256 when no RSA key is configured.
	SharedSecret []byte

	// Audience, when set, is stamped into issued tokens and required on
	// verification.
	Audience string
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Issuer == "" {
		return trace.BadParameter("missing parameter Issuer")
	}
	hasRSA := c.PrivateKey != nil || c.PublicKey != nil
	if hasRSA && len(c.SharedSecret) != 0 {
		return trace.BadParameter("both an RSA key and a shared secret are set, pick one")
	}
	if !hasRSA && len(c.SharedSecret) == 0 {
		return trace.BadParameter("missing signing material, set PrivateKey, PublicKey or SharedSecret")
	}
	return nil
}

// Key issues and verifies tokens for one issuer.
type Key struct {
	config *Config
	alg    jose.SignatureAlgorithm
}

// New returns a Key for the given config.
func New(config *Config) (*Key, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	alg := jose.HS256
	if config.PrivateKey != nil || config.PublicKey != nil {
		alg = jose.RS256
	}
	return &Key{config: config, alg: alg}, nil
}

// Algorithm reports the signature algorithm in use.
func (k *Key) Algorithm() string {
	return string(k.alg)
}

// MatchClaims are the extra claims carried by match tokens.
type MatchClaims struct {
	// MatchID is the match the token is bound to.
	MatchID string `json:"match_id,omitempty"`
	// ContainerID, when set, narrows the token to one container.
	ContainerID string `json:"container_id,omitempty"`
	// PlayerID is the player the token admits.
	PlayerID string `json:"player_id,omitempty"`
	// PlayerName is the display name shown to the match.
	PlayerName string `json:"player_name,omitempty"`
	// MatchTokenID links back to the stored match-token record.
	MatchTokenID string `json:"match_token_id,omitempty"`
}

// Claims is the claim set of an arena access token.
type Claims struct {
	jwt.Claims

	// Scopes are the effective scopes granted to the bearer.
	Scopes []string `json:"scopes,omitempty"`
	// Roles are the role names resolved for a user subject.
	Roles []string `json:"roles,omitempty"`
	// UserID identifies the user a token was issued on behalf of.
	UserID string `json:"user_id,omitempty"`
	// ClientID identifies the requesting client.
	ClientID string `json:"client_id,omitempty"`

	MatchClaims
}

// SignParams are the inputs to Sign.
type SignParams struct {
	// Subject becomes the sub claim.
	Subject string
	// TTL bounds the token lifetime from the key's clock.
	TTL time.Duration
	// Scopes, Roles, UserID and ClientID are copied into the claim set.
	Scopes   []string
	Roles    []string
	UserID   string
	ClientID string
	// Match carries the match-token claims when issuing one.
	Match *MatchClaims
}

// Check validates the sign params.
func (p *SignParams) Check() error {
	if p.Subject == "" {
		return trace.BadParameter("missing parameter Subject")
	}
	if p.TTL <= 0 {
		return trace.BadParameter("token TTL must be positive, got %v", p.TTL)
	}
	return nil
}

// Sign issues a compact serialized token.
func (k *Key) Sign(p SignParams) (string, error) {
	if err := p.Check(); err != nil {
		return "", trace.Wrap(err)
	}
	signKey, err := k.signingKey()
	if err != nil {
		return "", trace.Wrap(err)
	}
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: k.alg, Key: signKey},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", trace.Wrap(err)
	}

	now := k.config.Clock.Now()
	claims := Claims{
		Claims: jwt.Claims{
			Issuer:   k.config.Issuer,
			Subject:  p.Subject,
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(p.TTL)),
		},
		Scopes:   p.Scopes,
		Roles:    p.Roles,
		UserID:   p.UserID,
		ClientID: p.ClientID,
	}
	if k.config.Audience != "" {
		claims.Audience = jwt.Audience{k.config.Audience}
	}
	if p.Match != nil {
		claims.MatchClaims = *p.Match
	}

	token, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", trace.Wrap(err)
	}
	return token, nil
}

// Verify checks the signature, expiry, issuer and, when configured, the
// audience of a raw token and returns its claims.
func (k *Key) Verify(raw string) (*Claims, error) {
	if raw == "" {
		return nil, trace.BadParameter("missing token")
	}
	token, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{k.alg})
	if err != nil {
		return nil, trace.AccessDenied("token is malformed")
	}

	var claims Claims
	if err := token.Claims(k.verificationKey(), &claims); err != nil {
		return nil, trace.AccessDenied("token signature is invalid")
	}

	expected := jwt.Expected{
		Issuer: k.config.Issuer,
		Time:   k.config.Clock.Now(),
	}
	if k.config.Audience != "" {
		expected.AnyAudience = jwt.Audience{k.config.Audience}
	}
	if err := claims.ValidateWithLeeway(expected, 0); err != nil {
		return nil, trace.AccessDenied("token is invalid: %v", err)
	}
	return &claims, nil
}

func (k *Key) signingKey() (any, error) {
	switch {
	case k.config.PrivateKey != nil:
		return k.config.PrivateKey, nil
	case len(k.config.SharedSecret) != 0:
		return k.config.SharedSecret, nil
	}
	return nil, trace.BadParameter("key can only verify, no signing material configured")
}

func (k *Key) verificationKey() any {
	switch {
	case k.config.PrivateKey != nil:
		return &k.config.PrivateKey.PublicKey
	case k.config.PublicKey != nil:
		return k.config.PublicKey
	default:
		return k.config.SharedSecret
	}
}
