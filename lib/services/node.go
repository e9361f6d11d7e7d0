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
	"net/url"
	"time"

	"github.com/gravitational/trace"
)

// NodeStatus is the liveness state of an engine node.
type NodeStatus string

const (
	// NodeHealthy nodes heartbeat on time and accept placements.
	NodeHealthy NodeStatus = "HEALTHY"
	// NodeDraining nodes finish running matches but receive no new ones.
	NodeDraining NodeStatus = "DRAINING"
	// NodeUnhealthy nodes missed their TTL and are eviction candidates.
	NodeUnhealthy NodeStatus = "UNHEALTHY"
)

// NodeCapacity is the static capacity a node announces at registration.
type NodeCapacity struct {
	// MaxContainers is the number of game containers the node can run.
	MaxContainers int `json:"max_containers"`
}

// Check validates the capacity.
func (c *NodeCapacity) Check() error {
	if c.MaxContainers <= 0 {
		return trace.BadParameter("max_containers must be positive, got %d", c.MaxContainers)
	}
	return nil
}

// NodeMetrics is the load snapshot carried by heartbeats.
type NodeMetrics struct {
	// ContainerCount is the number of running game containers.
	ContainerCount int `json:"container_count"`
	// MatchCount is the number of active matches across containers.
	MatchCount int `json:"match_count"`
	// CPUUsage is normalized to [0, 1].
	CPUUsage float64 `json:"cpu_usage"`
	// MemoryUsedMB and MemoryMaxMB describe memory pressure.
	MemoryUsedMB int `json:"memory_used_mb"`
	MemoryMaxMB  int `json:"memory_max_mb"`
}

// Check validates the metrics ranges.
func (m *NodeMetrics) Check() error {
	if m.ContainerCount < 0 {
		return trace.BadParameter("container_count cannot be negative, got %d", m.ContainerCount)
	}
	if m.MatchCount < 0 {
		return trace.BadParameter("match_count cannot be negative, got %d", m.MatchCount)
	}
	if m.CPUUsage < 0 || m.CPUUsage > 1 {
		return trace.BadParameter("cpu_usage must be within [0, 1], got %v", m.CPUUsage)
	}
	if m.MemoryUsedMB < 0 || m.MemoryMaxMB < 0 {
		return trace.BadParameter("memory metrics cannot be negative")
	}
	return nil
}

// Node is one engine host in the fleet. The registry owns these records;
// everything else reads them through the registry interface.
type Node struct {
	// ID is chosen by the node at registration.
	ID string `json:"id"`
	// EndpointURL is where the control plane reaches the node agent.
	EndpointURL string `json:"endpoint_url"`
	// AgentVersion is the semantic version of the node agent.
	AgentVersion string `json:"agent_version,omitempty"`
	// Capacity is the announced static capacity.
	Capacity NodeCapacity `json:"capacity"`
	// Metrics is the latest heartbeat load snapshot.
	Metrics NodeMetrics `json:"metrics"`
	// Status is the liveness state.
	Status NodeStatus `json:"status"`
	// LastHeartbeatAt is when the node last reported in.
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	// RegisteredAt is when the node first joined.
	RegisteredAt time.Time `json:"registered_at"`
}

// CheckAndSetDefaults validates a node record as supplied at registration.
func (n *Node) CheckAndSetDefaults() error {
	if n.ID == "" {
		return trace.BadParameter("missing parameter ID")
	}
	if n.EndpointURL == "" {
		return trace.BadParameter("missing parameter EndpointURL")
	}
	if _, err := url.Parse(n.EndpointURL); err != nil {
		return trace.BadParameter("endpoint_url %q does not parse: %v", n.EndpointURL, err)
	}
	if err := n.Capacity.Check(); err != nil {
		return trace.Wrap(err)
	}
	if err := n.Metrics.Check(); err != nil {
		return trace.Wrap(err)
	}
	if n.Metrics.ContainerCount > n.Capacity.MaxContainers {
		return trace.BadParameter("container_count %d exceeds max_containers %d",
			n.Metrics.ContainerCount, n.Capacity.MaxContainers)
	}
	return nil
}

// HasCapacity reports whether the node can take another container.
func (n *Node) HasCapacity() bool {
	return n.Metrics.ContainerCount < n.Capacity.MaxContainers
}
