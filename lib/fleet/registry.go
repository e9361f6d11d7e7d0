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

// Package fleet tracks the engine nodes available to run matches. Nodes
// register themselves, heartbeat their load, and fall out of the registry
// when their TTL lapses without a heartbeat.
package fleet

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/coreos/go-semver/semver"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/arena"
	"github.com/gravitational/arena/lib/defaults"
	"github.com/gravitational/arena/lib/services"
	"github.com/gravitational/arena/lib/utils"
)

var registeredNodes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "arena_fleet_nodes",
	Help: "Number of registered nodes by status",
}, []string{"status"})

// Config holds registry settings.
type Config struct {
	// Clock is the time source for heartbeats and eviction.
	Clock clockwork.Clock

	// NodeTTL is how long a node stays live without a heartbeat.
	NodeTTL time.Duration

	// SweepInterval is how often expired nodes are evicted.
	SweepInterval time.Duration

	// MinAgentVersion, when set, rejects registrations from older agents.
	MinAgentVersion string

	// Logger reports registration and eviction events.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.NodeTTL == 0 {
		c.NodeTTL = defaults.NodeTTL
	}
	if c.NodeTTL < 0 {
		return trace.BadParameter("NodeTTL cannot be negative, got %v", c.NodeTTL)
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = defaults.RegistrySweepInterval
	}
	if c.SweepInterval < 0 {
		return trace.BadParameter("SweepInterval cannot be negative, got %v", c.SweepInterval)
	}
	if c.MinAgentVersion != "" {
		if _, err := semver.NewVersion(c.MinAgentVersion); err != nil {
			return trace.BadParameter("MinAgentVersion %q does not parse: %v", c.MinAgentVersion, err)
		}
	}
	if c.Logger == nil {
		c.Logger = slog.With(arena.ComponentKey, arena.ComponentFleet)
	}
	return nil
}

// Registry is the authoritative record of the fleet. It owns node entries;
// the scheduler and autoscaler read them through the services.Presence
// interface.
type Registry struct {
	config Config

	mu    sync.RWMutex
	nodes map[string]services.Node

	done      chan struct{}
	closeOnce sync.Once
}

// NewRegistry returns a Registry and starts its eviction sweep. Callers
// must Close it to stop the sweep.
func NewRegistry(config Config) (*Registry, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(registeredNodes); err != nil {
		return nil, trace.Wrap(err)
	}

	r := &Registry{
		config: config,
		nodes:  make(map[string]services.Node),
		done:   make(chan struct{}),
	}

	ticker := config.Clock.NewTicker(config.SweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-r.done:
				return
			case <-ticker.Chan():
				evicted := r.sweep()
				if evicted > 0 {
					r.config.Logger.InfoContext(context.Background(), "Evicted expired nodes.", "count", evicted)
				}
			}
		}
	}()
	return r, nil
}

// Close stops the eviction sweep. Safe to call more than once.
func (r *Registry) Close() {
	r.closeOnce.Do(func() { close(r.done) })
}

// RegisterNode creates or replaces a node entry. A replaced entry keeps
// its endpoint and capacity when the caller omits them, and keeps DRAINING
// status so a restart cannot un-drain a node.
func (r *Registry) RegisterNode(ctx context.Context, node services.Node) (services.Node, error) {
	if node.ID == "" {
		return services.Node{}, trace.BadParameter("missing parameter ID")
	}
	if err := r.checkAgentVersion(node.AgentVersion); err != nil {
		return services.Node{}, trace.Wrap(err)
	}

	now := r.config.Clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, replacing := r.nodes[node.ID]
	if replacing {
		if node.EndpointURL == "" {
			node.EndpointURL = existing.EndpointURL
		}
		if node.Capacity.MaxContainers == 0 {
			node.Capacity = existing.Capacity
		}
		node.RegisteredAt = existing.RegisteredAt
	} else {
		node.RegisteredAt = now
	}

	node.Status = services.NodeHealthy
	if replacing && existing.Status == services.NodeDraining {
		node.Status = services.NodeDraining
	}
	node.LastHeartbeatAt = now

	if err := node.CheckAndSetDefaults(); err != nil {
		return services.Node{}, trace.Wrap(err)
	}

	r.nodes[node.ID] = node
	r.updateGauges()
	r.config.Logger.InfoContext(ctx, "Registered node.",
		"node_id", node.ID,
		"endpoint", node.EndpointURL,
		"max_containers", node.Capacity.MaxContainers,
		"replaced", replacing,
	)
	return node, nil
}

// Heartbeat refreshes a node's liveness and load. A heartbeat arriving
// before eviction revives an expired node. Heartbeats are idempotent:
// repeating one only moves last_heartbeat_at forward.
func (r *Registry) Heartbeat(ctx context.Context, nodeID string, metrics services.NodeMetrics) (services.Node, error) {
	if err := metrics.Check(); err != nil {
		return services.Node{}, trace.Wrap(err)
	}

	now := r.config.Clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return services.Node{}, trace.NotFound("node %q is not registered", nodeID)
	}
	if metrics.ContainerCount > node.Capacity.MaxContainers {
		return services.Node{}, trace.BadParameter("container_count %d exceeds max_containers %d",
			metrics.ContainerCount, node.Capacity.MaxContainers)
	}
	node.Metrics = metrics
	node.LastHeartbeatAt = now
	r.nodes[nodeID] = node
	return r.presented(node, now), nil
}

// Drain marks a node as draining: running matches finish, new matches go
// elsewhere. Draining survives re-registration.
func (r *Registry) Drain(ctx context.Context, nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return trace.NotFound("node %q is not registered", nodeID)
	}
	node.Status = services.NodeDraining
	r.nodes[nodeID] = node
	r.updateGauges()
	r.config.Logger.InfoContext(ctx, "Draining node.", "node_id", nodeID)
	return nil
}

// Deregister removes a node entry entirely. A later registration starts
// fresh, healthy included.
func (r *Registry) Deregister(ctx context.Context, nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[nodeID]; !ok {
		return trace.NotFound("node %q is not registered", nodeID)
	}
	delete(r.nodes, nodeID)
	r.updateGauges()
	r.config.Logger.InfoContext(ctx, "Deregistered node.", "node_id", nodeID)
	return nil
}

// GetNode returns one node by id.
func (r *Registry) GetNode(ctx context.Context, nodeID string) (services.Node, error) {
	now := r.config.Clock.Now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return services.Node{}, trace.NotFound("node %q is not registered", nodeID)
	}
	return r.presented(node, now), nil
}

// GetNodes returns a snapshot of the fleet sorted by node id.
func (r *Registry) GetNodes(ctx context.Context) ([]services.Node, error) {
	now := r.config.Clock.Now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]services.Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		out = append(out, r.presented(node, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// presented returns the node as callers should see it: a node past its TTL
// shows as UNHEALTHY until the sweep evicts it. Draining wins over
// liveness so an expired draining node is not re-admitted by accident.
func (r *Registry) presented(node services.Node, now time.Time) services.Node {
	if node.Status != services.NodeDraining && r.expired(node, now) {
		node.Status = services.NodeUnhealthy
	}
	return node
}

func (r *Registry) expired(node services.Node, now time.Time) bool {
	return node.LastHeartbeatAt.Add(r.config.NodeTTL).Before(now)
}

// sweep evicts nodes whose TTL lapsed. Eviction and the CRUD operations
// share the registry write lock.
func (r *Registry) sweep() int {
	now := r.config.Clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, node := range r.nodes {
		if r.expired(node, now) {
			delete(r.nodes, id)
			evicted++
		}
	}
	if evicted > 0 {
		r.updateGauges()
	}
	return evicted
}

// checkAgentVersion enforces the configured agent version floor.
func (r *Registry) checkAgentVersion(version string) error {
	if r.config.MinAgentVersion == "" {
		return nil
	}
	if version == "" {
		return trace.BadParameter("node did not report an agent version, minimum supported is %s", r.config.MinAgentVersion)
	}
	agent, err := semver.NewVersion(version)
	if err != nil {
		return trace.BadParameter("agent version %q does not parse: %v", version, err)
	}
	if agent.LessThan(*semver.New(r.config.MinAgentVersion)) {
		return trace.BadParameter("agent version %s is older than the minimum supported %s", version, r.config.MinAgentVersion)
	}
	return nil
}

// updateGauges recomputes the per-status node gauges. Callers hold the
// write lock.
func (r *Registry) updateGauges() {
	counts := map[services.NodeStatus]int{}
	for _, node := range r.nodes {
		counts[node.Status]++
	}
	for _, status := range []services.NodeStatus{services.NodeHealthy, services.NodeDraining, services.NodeUnhealthy} {
		registeredNodes.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

var _ services.Presence = (*Registry)(nil)
