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

// Package scopes defines the grammar of access scopes and the containment
// rules between a granted scope expression and a requested scope.
//
// A scope is a dot-separated name such as "engine.match.read". A scope
// expression is either a scope, a scope followed by a trailing ".*"
// wildcard, or the universal "*". Matching is case-sensitive and happens
// on segment boundaries: "engine.match.*" contains "engine.match" and
// "engine.match.read.all" but never "engine.matchmaker".
package scopes

import (
	"iter"
	"slices"
	"strings"

	"github.com/gravitational/trace"
)

const (
	// Separator divides the segments of a scope.
	Separator = '.'

	// Wildcard is the universal scope expression.
	Wildcard = "*"

	// wildcardSuffix is the trailing wildcard of a prefix expression.
	wildcardSuffix = ".*"

	// maxSegmentLength is the maximum number of characters in a single
	// scope segment accepted by StrongValidate.
	maxSegmentLength = 64

	// maxExprLength is the maximum total length of a scope expression
	// accepted by StrongValidate.
	maxExprLength = 256
)

// Contains reports whether the granted scope expression covers the
// requested scope. It is a pure function of its inputs: neither argument is
// validated, unparseable values simply fail to match.
func Contains(granted, requested string) bool {
	if granted == Wildcard {
		return true
	}
	if granted == requested {
		return granted != ""
	}
	prefix, ok := strings.CutSuffix(granted, wildcardSuffix)
	if !ok || prefix == "" {
		return false
	}
	if requested == prefix {
		return true
	}
	return strings.HasPrefix(requested, prefix+string(Separator))
}

// ContainsAny reports whether at least one of the required scopes is
// covered by at least one granted expression. Vacuously false for an empty
// required set.
func ContainsAny(granted []string, required ...string) bool {
	for _, req := range required {
		for _, g := range granted {
			if Contains(g, req) {
				return true
			}
		}
	}
	return false
}

// ContainsAll reports whether every required scope is covered by at least
// one granted expression. Vacuously true for an empty required set.
func ContainsAll(granted []string, required ...string) bool {
	for _, req := range required {
		if !ContainsAny(granted, req) {
			return false
		}
	}
	return true
}

// Intersect returns the scopes expressible under both sets: members of
// either set that the other set covers. The narrower side of each pair
// survives, so intersecting {"engine.*"} with {"engine.match.read"} yields
// {"engine.match.read"}. The result is sorted and deduplicated.
func Intersect(a, b []string) []string {
	var out []string
	for _, s := range a {
		if ContainsAny(b, s) {
			out = append(out, s)
		}
	}
	for _, s := range b {
		if ContainsAny(a, s) {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// DescendingSegments iterates the segments of a scope from the outermost
// inward. The empty scope yields nothing.
func DescendingSegments(scope string) iter.Seq[string] {
	return func(yield func(string) bool) {
		if scope == "" {
			return
		}
		for seg := range strings.SplitSeq(scope, string(Separator)) {
			if !yield(seg) {
				return
			}
		}
	}
}

// Join assembles a scope from segments.
func Join(segments ...string) string {
	return strings.Join(segments, string(Separator))
}

// ValidateSegment checks an individual scope segment: nonempty, within the
// length limit, and made of [0-9A-Za-z_-] only.
func ValidateSegment(segment string) error {
	if segment == "" {
		return trace.BadParameter("scope segment is empty")
	}
	if len(segment) > maxSegmentLength {
		return trace.BadParameter("scope segment exceeds %d characters", maxSegmentLength)
	}
	for _, r := range segment {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return trace.BadParameter("scope segment %q contains unsupported character %q", segment, r)
		}
	}
	return nil
}

// StrongValidate checks a scope expression against the full grammar. Use it
// for values being written to storage (role scopes, client allowed scopes,
// endpoint policies). The universal wildcard is valid; a trailing ".*" is
// valid; wildcards anywhere else are not.
func StrongValidate(expr string) error {
	if expr == "" {
		return trace.BadParameter("scope expression is empty")
	}
	if len(expr) > maxExprLength {
		return trace.BadParameter("scope expression exceeds %d characters", maxExprLength)
	}
	if expr == Wildcard {
		return nil
	}
	body, wildcard := strings.CutSuffix(expr, wildcardSuffix)
	if wildcard && body == "" {
		return trace.BadParameter("scope expression %q has no prefix before the wildcard", expr)
	}
	for seg := range DescendingSegments(body) {
		if err := ValidateSegment(seg); err != nil {
			return trace.Wrap(err, "invalid scope expression %q", expr)
		}
	}
	return nil
}

// WeakValidate performs the cheap sanity check applied to scopes arriving
// on the wire before matching: no whitespace, no control characters.
// Matching itself is exact, so a merely odd-looking scope is harmless.
func WeakValidate(expr string) error {
	for _, r := range expr {
		if r <= ' ' || r == 0x7f {
			return trace.BadParameter("scope %q contains whitespace or control characters", expr)
		}
	}
	return nil
}

// ParseList splits the space-delimited scope parameter of a token request
// into individual scopes, weakly validating each. An empty parameter yields
// an empty list, which grant handlers interpret as "everything allowed".
func ParseList(param string) ([]string, error) {
	fields := strings.Fields(param)
	for _, f := range fields {
		if err := WeakValidate(f); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return fields, nil
}
