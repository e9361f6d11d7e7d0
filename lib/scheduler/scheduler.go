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

// Package scheduler places matches onto the least loaded healthy node of
// the fleet.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/arena"
	"github.com/gravitational/arena/lib/defaults"
	"github.com/gravitational/arena/lib/services"
	"github.com/gravitational/arena/lib/utils"
)

var placements = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "arena_scheduler_placements_total",
	Help: "Number of match placements by result",
}, []string{"result"})

var (
	// ErrNoAvailableNodes means the fleet has no healthy nodes at all.
	ErrNoAvailableNodes = &trace.NotFoundError{Message: "no available nodes: the fleet has no healthy nodes"}

	// ErrNoCapableNodes means every healthy node is at container capacity.
	ErrNoCapableNodes = &trace.LimitExceededError{Message: "no capable nodes: all healthy nodes are at capacity"}
)

// Config holds scheduler settings.
type Config struct {
	// Presence is the node registry read surface.
	Presence services.Presence

	// Clock orders placements against heartbeats.
	Clock clockwork.Clock

	// Logger reports placement decisions.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Presence == nil {
		return trace.BadParameter("missing parameter Presence")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(arena.ComponentKey, arena.ComponentScheduler)
	}
	return nil
}

// pending counts placements on a node that predate its latest heartbeat
// snapshot, so back-to-back scheduling calls do not all pick the same idle
// node.
type pending struct {
	count    int
	placedAt time.Time
}

// Scheduler selects nodes for matches by load score.
type Scheduler struct {
	config Config

	// mu guards inflight, the per-node pending placement counts.
	mu       sync.Mutex
	inflight map[string]*pending
}

// New returns a Scheduler.
func New(config Config) (*Scheduler, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(placements); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Scheduler{
		config:   config,
		inflight: make(map[string]*pending),
	}, nil
}

// SelectNode picks a node for the match: healthy, with free container
// capacity, minimal load score. A preferred node that survives filtering
// wins regardless of score. Ties break on lexicographic node id, which
// GetNodes already ordered.
func (s *Scheduler) SelectNode(ctx context.Context, req services.PlacementRequest) (services.Placement, error) {
	if err := req.Check(); err != nil {
		return services.Placement{}, trace.Wrap(err)
	}

	nodes, err := s.config.Presence.GetNodes(ctx)
	if err != nil {
		return services.Placement{}, trace.Wrap(err)
	}

	var healthy, capable []services.Node
	for _, node := range nodes {
		if node.Status != services.NodeHealthy {
			continue
		}
		healthy = append(healthy, node)
		if s.effectiveContainers(node) < node.Capacity.MaxContainers {
			capable = append(capable, node)
		}
	}
	if len(healthy) == 0 {
		placements.WithLabelValues("no_available_nodes").Inc()
		return services.Placement{}, trace.Wrap(ErrNoAvailableNodes)
	}
	if len(capable) == 0 {
		placements.WithLabelValues("no_capable_nodes").Inc()
		return services.Placement{}, trace.Wrap(ErrNoCapableNodes)
	}

	// required modules are accepted but not yet a filter; every node
	// currently loads every module

	best := capable[0]
	bestScore := s.score(best)
	for _, node := range capable[1:] {
		if score := s.score(node); score < bestScore {
			best, bestScore = node, score
		}
	}
	if req.PreferredNodeID != "" {
		for _, node := range capable {
			if node.ID == req.PreferredNodeID {
				best, bestScore = node, s.score(node)
				break
			}
		}
	}

	s.recordPlacement(best)
	placements.WithLabelValues("placed").Inc()
	s.config.Logger.InfoContext(ctx, "Placed match.",
		"match_id", req.MatchID,
		"node_id", best.ID,
		"score", bestScore,
	)
	return services.Placement{
		MatchID:     req.MatchID,
		NodeID:      best.ID,
		EndpointURL: best.EndpointURL,
		Score:       bestScore,
	}, nil
}

// ClusterSaturation reports used container slots over total slots across
// healthy nodes, zero when there is no healthy capacity.
func (s *Scheduler) ClusterSaturation(ctx context.Context) (float64, error) {
	nodes, err := s.config.Presence.GetNodes(ctx)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return Saturation(nodes), nil
}

// Saturation computes cluster saturation over one node snapshot. The
// autoscaler uses it directly so its whole decision reads one snapshot.
func Saturation(nodes []services.Node) float64 {
	var used, capacity int
	for _, node := range nodes {
		if node.Status != services.NodeHealthy {
			continue
		}
		used += node.Metrics.ContainerCount
		capacity += node.Capacity.MaxContainers
	}
	if capacity == 0 {
		return 0
	}
	return float64(used) / float64(capacity)
}

// score is the load score a node competes with, lower is better.
// Container saturation dominates; match saturation breaks up nodes with
// equal container load. Pending placements count as containers until a
// newer heartbeat folds them into the reported metrics.
func (s *Scheduler) score(node services.Node) float64 {
	max := float64(node.Capacity.MaxContainers)
	containers := float64(s.effectiveContainers(node))
	matches := float64(node.Metrics.MatchCount)
	return containers/max*defaults.SchedulerContainerWeight + matches/max*defaults.SchedulerMatchWeight
}

// effectiveContainers is the node's reported container count plus the
// placements made since its last heartbeat.
func (s *Scheduler) effectiveContainers(node services.Node) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.inflight[node.ID]
	if !ok {
		return node.Metrics.ContainerCount
	}
	if node.LastHeartbeatAt.After(p.placedAt) {
		// the heartbeat already reflects the placements
		delete(s.inflight, node.ID)
		return node.Metrics.ContainerCount
	}
	return node.Metrics.ContainerCount + p.count
}

func (s *Scheduler) recordPlacement(node services.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.inflight[node.ID]
	if !ok {
		p = &pending{}
		s.inflight[node.ID] = p
	}
	p.count++
	p.placedAt = s.config.Clock.Now()
}

var _ services.MatchScheduler = (*Scheduler)(nil)
