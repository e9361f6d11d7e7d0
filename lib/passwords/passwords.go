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

// Package passwords hashes and verifies user passwords and client secrets.
// Hashes are salted bcrypt; verification is constant-time.
package passwords

import (
	"github.com/gravitational/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/gravitational/arena/lib/defaults"
)

// Hasher hashes and verifies secrets at a fixed work factor.
type Hasher struct {
	cost int
}

// NewHasher returns a Hasher with the given bcrypt cost. A zero cost picks
// the default; anything outside the range bcrypt supports is rejected.
func NewHasher(cost int) (*Hasher, error) {
	if cost == 0 {
		cost = defaults.BcryptCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, trace.BadParameter("bcrypt cost %d is outside the supported range [%d, %d]", cost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	return &Hasher{cost: cost}, nil
}

// Hash returns the salted hash of the given password. Empty passwords are
// rejected; two calls with the same password produce different hashes.
func (h *Hasher) Hash(password string) (string, error) {
	if password == "" {
		return "", trace.BadParameter("missing password")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return string(hash), nil
}

// Verify reports whether the password matches the stored hash. A missing,
// empty or malformed hash fails verification rather than erroring, so
// callers can treat every mismatch the same way.
func (h *Hasher) Verify(password, hash string) bool {
	if password == "" || hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// NeedsRehash reports whether the stored hash was produced at a different
// work factor than currently configured. Callers rewrite the hash on the
// next successful verification.
func (h *Hasher) NeedsRehash(hash string) bool {
	cost, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		return true
	}
	return cost != h.cost
}

// Cost reports the configured work factor.
func (h *Hasher) Cost() int {
	return h.cost
}
