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

import "context"

// Presence is the read surface of the node registry. The scheduler and the
// autoscaler see the fleet only through it.
type Presence interface {
	// GetNode returns one node by id.
	GetNode(ctx context.Context, id string) (Node, error)
	// GetNodes returns a snapshot of all registered nodes sorted by id.
	GetNodes(ctx context.Context) ([]Node, error)
}
