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

package scopes

import (
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestContains exercises the containment rules between a granted scope
// expression and a requested scope, including the segment-boundary cases.
func TestContains(t *testing.T) {
	t.Parallel()

	tts := []struct {
		name      string
		granted   string
		requested string
		match     bool
	}{
		{
			name:      "universal wildcard matches anything",
			granted:   "*",
			requested: "engine.match.read",
			match:     true,
		},
		{
			name:      "exact equality",
			granted:   "engine.match.read",
			requested: "engine.match.read",
			match:     true,
		},
		{
			name:      "literal does not match sibling",
			granted:   "engine.match.read",
			requested: "engine.match.write",
			match:     false,
		},
		{
			name:      "literal does not match descendant",
			granted:   "engine.match",
			requested: "engine.match.read",
			match:     false,
		},
		{
			name:      "wildcard matches own prefix",
			granted:   "engine.match.*",
			requested: "engine.match",
			match:     true,
		},
		{
			name:      "wildcard matches child",
			granted:   "engine.*",
			requested: "engine.match",
			match:     true,
		},
		{
			name:      "wildcard matches deep descendant",
			granted:   "a.b.*",
			requested: "a.b.c.d",
			match:     true,
		},
		{
			name:      "wildcard does not match divergent branch",
			granted:   "a.b.*",
			requested: "a.x",
			match:     false,
		},
		{
			name:      "wildcard never matches across a non-boundary",
			granted:   "a.bar.*",
			requested: "a.barbaz.x",
			match:     false,
		},
		{
			name:      "wildcard does not match its prefix's parent",
			granted:   "a.b.*",
			requested: "a",
			match:     false,
		},
		{
			name:      "matching is case-sensitive",
			granted:   "Engine.*",
			requested: "engine.match",
			match:     false,
		},
		{
			name:      "embedded wildcard is not a wildcard",
			granted:   "a.*.c",
			requested: "a.b.c",
			match:     false,
		},
		{
			name:      "empty granted matches nothing",
			granted:   "",
			requested: "",
			match:     false,
		},
		{
			name:      "bare dot-star has no prefix to match",
			granted:   ".*",
			requested: "a",
			match:     false,
		},
	}

	for _, tt := range tts {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.match, Contains(tt.granted, tt.requested))
		})
	}
}

// referenceContains is a segment-wise reformulation of the containment rule
// used to cross-check Contains over a generated corpus.
func referenceContains(granted, requested string) bool {
	if granted == Wildcard {
		return true
	}
	gsegs := strings.Split(granted, ".")
	rsegs := strings.Split(requested, ".")
	if gsegs[len(gsegs)-1] == Wildcard && len(gsegs) > 1 {
		prefix := gsegs[:len(gsegs)-1]
		if len(rsegs) < len(prefix) {
			return false
		}
		return slices.Equal(prefix, rsegs[:len(prefix)])
	}
	return granted == requested && granted != ""
}

// TestContainsAgainstReference compares Contains with an independent
// segment-based formulation across all small scope expressions built from a
// boundary-hostile alphabet.
func TestContainsAgainstReference(t *testing.T) {
	t.Parallel()

	segments := []string{"a", "b", "bar", "barbaz"}

	var scopes []string
	for _, s1 := range segments {
		scopes = append(scopes, s1)
		for _, s2 := range segments {
			scopes = append(scopes, s1+"."+s2)
			for _, s3 := range segments {
				scopes = append(scopes, s1+"."+s2+"."+s3)
			}
		}
	}

	exprs := append([]string{Wildcard}, scopes...)
	for _, s := range scopes {
		exprs = append(exprs, s+".*")
	}

	for _, granted := range exprs {
		for _, requested := range scopes {
			require.Equal(t, referenceContains(granted, requested), Contains(granted, requested),
				"granted=%q requested=%q", granted, requested)
		}
	}
}

// TestContainsAnyAll covers the short-circuiting set operations used by the
// authorization filter.
func TestContainsAnyAll(t *testing.T) {
	t.Parallel()

	granted := []string{"engine.*", "control-plane.cluster.read"}

	require.True(t, ContainsAny(granted, "engine.match.read"))
	require.True(t, ContainsAny(granted, "auth.user.delete", "engine.match.read"))
	require.False(t, ContainsAny(granted, "auth.user.delete"))
	require.False(t, ContainsAny(granted))

	require.True(t, ContainsAll(granted, "engine.match.read", "control-plane.cluster.read"))
	require.False(t, ContainsAll(granted, "engine.match.read", "auth.user.delete"))
	require.True(t, ContainsAll(granted))
	require.False(t, ContainsAll(nil, "engine.match.read"))
}

// TestIntersect verifies that intersection keeps the narrower side of each
// overlapping pair and produces deterministic output.
func TestIntersect(t *testing.T) {
	t.Parallel()

	tts := []struct {
		name   string
		a, b   []string
		expect []string
	}{
		{
			name:   "narrow request under broad grant",
			a:      []string{"engine.match.read"},
			b:      []string{"engine.*", "control-plane.cluster.read"},
			expect: []string{"engine.match.read"},
		},
		{
			name:   "broad request narrowed by grant",
			a:      []string{"engine.*"},
			b:      []string{"engine.match.read"},
			expect: []string{"engine.match.read"},
		},
		{
			name:   "identical wildcards survive",
			a:      []string{"engine.*"},
			b:      []string{"engine.*", "control-plane.cluster.read"},
			expect: []string{"engine.*"},
		},
		{
			name:   "disjoint sets",
			a:      []string{"auth.user.delete"},
			b:      []string{"engine.*"},
			expect: nil,
		},
		{
			name:   "universal grant keeps requested literals",
			a:      []string{"engine.match.read", "auth.user.read"},
			b:      []string{"*"},
			expect: []string{"*", "auth.user.read", "engine.match.read"},
		},
		{
			name:   "output is sorted and deduplicated",
			a:      []string{"b.read", "a.read", "b.read"},
			b:      []string{"b.read", "a.read"},
			expect: []string{"a.read", "b.read"},
		},
		{
			name:   "both empty",
			a:      nil,
			b:      nil,
			expect: nil,
		},
	}

	for _, tt := range tts {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expect, Intersect(tt.a, tt.b))
		})
	}
}

// TestValidateSegment checks the segment charset and length rules.
func TestValidateSegment(t *testing.T) {
	t.Parallel()

	tts := []struct {
		name    string
		segment string
		ok      bool
	}{
		{
			name:    "plain segment",
			segment: "match",
			ok:      true,
		},
		{
			name:    "dashes and underscores",
			segment: "control-plane_v2",
			ok:      true,
		},
		{
			name:    "empty segment",
			segment: "",
			ok:      false,
		},
		{
			name:    "embedded separator",
			segment: "a.b",
			ok:      false,
		},
		{
			name:    "whitespace",
			segment: "a b",
			ok:      false,
		},
		{
			name:    "wildcard is not a segment",
			segment: "*",
			ok:      false,
		},
		{
			name:    "over the length limit",
			segment: strings.Repeat("a", maxSegmentLength+1),
			ok:      false,
		},
		{
			name:    "at the length limit",
			segment: strings.Repeat("a", maxSegmentLength),
			ok:      true,
		},
	}

	for _, tt := range tts {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSegment(tt.segment)
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

// TestStrongValidate checks the full expression grammar used for values
// written to storage.
func TestStrongValidate(t *testing.T) {
	t.Parallel()

	tts := []struct {
		name string
		expr string
		ok   bool
	}{
		{
			name: "universal wildcard",
			expr: "*",
			ok:   true,
		},
		{
			name: "single segment",
			expr: "engine",
			ok:   true,
		},
		{
			name: "multi segment",
			expr: "engine.match.read",
			ok:   true,
		},
		{
			name: "trailing wildcard",
			expr: "engine.match.*",
			ok:   true,
		},
		{
			name: "empty rejected",
			expr: "",
			ok:   false,
		},
		{
			name: "bare dot-star rejected",
			expr: ".*",
			ok:   false,
		},
		{
			name: "embedded wildcard rejected",
			expr: "engine.*.read",
			ok:   false,
		},
		{
			name: "dangling separator rejected",
			expr: "engine.match.",
			ok:   false,
		},
		{
			name: "leading separator rejected",
			expr: ".engine.match",
			ok:   false,
		},
		{
			name: "empty middle segment rejected",
			expr: "engine..read",
			ok:   false,
		},
		{
			name: "whitespace rejected",
			expr: "engine. match",
			ok:   false,
		},
		{
			name: "expression too long",
			expr: strings.Repeat("a", maxExprLength+1),
			ok:   false,
		},
	}

	for _, tt := range tts {
		t.Run(tt.name, func(t *testing.T) {
			err := StrongValidate(tt.expr)
			if tt.ok {
				require.NoError(t, err)
				// the weak form accepts every strongly valid expression
				require.NoError(t, WeakValidate(tt.expr))
			} else {
				require.Error(t, err)
			}
		})
	}
}

// TestWeakValidate focuses on the wire-input cases the strong form does not
// cover.
func TestWeakValidate(t *testing.T) {
	t.Parallel()

	tts := []struct {
		name string
		expr string
		ok   bool
	}{
		{
			name: "unsupported but harmless character passes",
			expr: "engine:match",
			ok:   true,
		},
		{
			name: "control character rejected",
			expr: "engine.\x01match",
			ok:   false,
		},
		{
			name: "newline rejected",
			expr: "engine.\nmatch",
			ok:   false,
		},
		{
			name: "space rejected",
			expr: "engine. match",
			ok:   false,
		},
		{
			name: "empty passes",
			expr: "",
			ok:   true,
		},
	}

	for _, tt := range tts {
		t.Run(tt.name, func(t *testing.T) {
			err := WeakValidate(tt.expr)
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

// TestDescendingSegments verifies the iterator and that joining the
// collected segments reproduces the scope.
func TestDescendingSegments(t *testing.T) {
	t.Parallel()

	tts := []struct {
		name     string
		scope    string
		segments []string
	}{
		{
			name:     "empty",
			scope:    "",
			segments: nil,
		},
		{
			name:     "single segment",
			scope:    "engine",
			segments: []string{"engine"},
		},
		{
			name:     "multi segment",
			scope:    "engine.match.read",
			segments: []string{"engine", "match", "read"},
		},
		{
			name:     "empty middle segment preserved",
			scope:    "engine..read",
			segments: []string{"engine", "", "read"},
		},
	}

	for _, tt := range tts {
		t.Run(tt.name, func(t *testing.T) {
			segs := slices.Collect(DescendingSegments(tt.scope))
			require.Equal(t, tt.segments, segs)

			if len(segs) > 0 {
				require.Equal(t, tt.scope, Join(segs...))
			}
		})
	}
}

// TestParseList covers the space-delimited scope parameter of token
// requests.
func TestParseList(t *testing.T) {
	t.Parallel()

	scopes, err := ParseList("engine.match.read  control-plane.cluster.read")
	require.NoError(t, err)
	require.Equal(t, []string{"engine.match.read", "control-plane.cluster.read"}, scopes)

	scopes, err = ParseList("")
	require.NoError(t, err)
	require.Empty(t, scopes)

	_, err = ParseList("engine.\x01match")
	require.Error(t, err)
}
