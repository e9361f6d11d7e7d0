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

package services

import (
	"context"

	"github.com/gravitational/trace"
)

// PlacementRequest asks the scheduler for a node to host a match.
type PlacementRequest struct {
	// MatchID identifies the match being placed.
	MatchID string `json:"match_id"`
	// RequiredModules filters nodes by capability. Reserved; today every
	// node passes.
	RequiredModules []string `json:"required_modules,omitempty"`
	// PreferredNodeID, when it survives health and capacity filtering, wins
	// regardless of load score.
	PreferredNodeID string `json:"preferred_node_id,omitempty"`
}

// Check validates the request.
func (r *PlacementRequest) Check() error {
	if r.MatchID == "" {
		return trace.BadParameter("missing parameter MatchID")
	}
	return nil
}

// Placement is the scheduler's answer: where a match should run.
type Placement struct {
	// MatchID echoes the request.
	MatchID string `json:"match_id"`
	// NodeID and EndpointURL identify the chosen node.
	NodeID      string `json:"node_id"`
	EndpointURL string `json:"endpoint_url"`
	// Score is the load score the node won with, for observability.
	Score float64 `json:"score"`
}

// MatchScheduler places matches onto fleet nodes.
type MatchScheduler interface {
	// SelectNode picks the least loaded healthy node with capacity.
	SelectNode(ctx context.Context, req PlacementRequest) (Placement, error)
	// ClusterSaturation reports total container usage over total capacity
	// across healthy nodes, in [0, 1].
	ClusterSaturation(ctx context.Context) (float64, error)
}
