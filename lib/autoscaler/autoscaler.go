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

// Package autoscaler turns cluster saturation into scale-up and
// scale-down recommendations with hysteresis and a post-action cooldown.
// It only recommends; executing a recommendation is the operator's (or an
// external reconciler's) job, acknowledged back via RecordScalingAction.
package autoscaler

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/arena"
	"github.com/gravitational/arena/lib/defaults"
	"github.com/gravitational/arena/lib/scheduler"
	"github.com/gravitational/arena/lib/services"
	"github.com/gravitational/arena/lib/utils"
)

var recommendations = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "arena_autoscaler_recommendations_total",
	Help: "Number of autoscaler recommendations by action",
}, []string{"action"})

// Action is the kind of scaling move recommended.
type Action string

const (
	// ActionNone recommends leaving the fleet as it is.
	ActionNone Action = "NONE"
	// ActionScaleUp recommends adding nodes.
	ActionScaleUp Action = "SCALE_UP"
	// ActionScaleDown recommends removing nodes.
	ActionScaleDown Action = "SCALE_DOWN"
)

// Recommendation is the autoscaler's output.
type Recommendation struct {
	// Action is what to do.
	Action Action `json:"action"`
	// CurrentNodes is the healthy node count the decision saw.
	CurrentNodes int `json:"current_nodes"`
	// RecommendedNodes is the fleet size to move to.
	RecommendedNodes int `json:"recommended_nodes"`
	// CurrentSaturation is the observed cluster saturation.
	CurrentSaturation float64 `json:"current_saturation"`
	// TargetSaturation is the saturation the fleet is sized towards.
	TargetSaturation float64 `json:"target_saturation"`
	// Reason explains the decision to operators.
	Reason string `json:"reason"`
}

// Config holds autoscaler settings.
type Config struct {
	// Presence is the node registry read surface.
	Presence services.Presence

	// Clock is the time source for the cooldown.
	Clock clockwork.Clock

	// Enabled gates all recommendations.
	Enabled bool

	// MinNodes and MaxNodes bound recommended fleet sizes.
	MinNodes int
	MaxNodes int

	// ScaleUpThreshold and ScaleDownThreshold bracket the saturation band
	// within which no scaling is recommended.
	ScaleUpThreshold   float64
	ScaleDownThreshold float64

	// TargetSaturation is the saturation recommendations size the fleet
	// towards.
	TargetSaturation float64

	// Cooldown is the pause after a recorded scaling action.
	Cooldown time.Duration

	// Logger reports recommendations.
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
	if c.MinNodes == 0 {
		c.MinNodes = defaults.AutoscalerMinNodes
	}
	if c.MaxNodes == 0 {
		c.MaxNodes = defaults.AutoscalerMaxNodes
	}
	if c.MinNodes < 1 {
		return trace.BadParameter("MinNodes must be at least 1, got %d", c.MinNodes)
	}
	if c.MaxNodes < c.MinNodes {
		return trace.BadParameter("MaxNodes %d is below MinNodes %d", c.MaxNodes, c.MinNodes)
	}
	if c.ScaleUpThreshold == 0 {
		c.ScaleUpThreshold = defaults.AutoscalerScaleUpThreshold
	}
	if c.ScaleDownThreshold == 0 {
		c.ScaleDownThreshold = defaults.AutoscalerScaleDownThreshold
	}
	if c.TargetSaturation == 0 {
		c.TargetSaturation = defaults.AutoscalerTargetSaturation
	}
	if !(0 < c.ScaleDownThreshold && c.ScaleDownThreshold < c.TargetSaturation &&
		c.TargetSaturation < c.ScaleUpThreshold && c.ScaleUpThreshold < 1) {
		return trace.BadParameter("thresholds must satisfy 0 < scale_down %v < target %v < scale_up %v < 1",
			c.ScaleDownThreshold, c.TargetSaturation, c.ScaleUpThreshold)
	}
	if c.Cooldown == 0 {
		c.Cooldown = defaults.AutoscalerCooldown
	}
	if c.Cooldown < 0 {
		return trace.BadParameter("Cooldown cannot be negative, got %v", c.Cooldown)
	}
	if c.Logger == nil {
		c.Logger = slog.With(arena.ComponentKey, arena.ComponentAutoscaler)
	}
	return nil
}

// Autoscaler computes scaling recommendations from fleet saturation.
type Autoscaler struct {
	config Config

	mu           sync.Mutex
	lastActionAt time.Time
	last         *Recommendation
}

// New returns an Autoscaler.
func New(config Config) (*Autoscaler, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(recommendations); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Autoscaler{config: config}, nil
}

// GetRecommendation computes a recommendation from one consistent fleet
// snapshot and caches it for GetLastRecommendation.
func (a *Autoscaler) GetRecommendation(ctx context.Context) (Recommendation, error) {
	nodes, err := a.config.Presence.GetNodes(ctx)
	if err != nil {
		return Recommendation{}, trace.Wrap(err)
	}
	rec := a.recommend(nodes)

	recommendations.WithLabelValues(string(rec.Action)).Inc()
	if rec.Action != ActionNone {
		a.config.Logger.InfoContext(ctx, "Scaling recommended.",
			"action", rec.Action,
			"current_nodes", rec.CurrentNodes,
			"recommended_nodes", rec.RecommendedNodes,
			"saturation", rec.CurrentSaturation,
			"reason", rec.Reason,
		)
	}

	a.mu.Lock()
	a.last = &rec
	a.mu.Unlock()
	return rec, nil
}

// GetLastRecommendation returns the most recent recommendation, nil before
// the first GetRecommendation call.
func (a *Autoscaler) GetLastRecommendation() *Recommendation {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last == nil {
		return nil
	}
	rec := *a.last
	return &rec
}

// RecordScalingAction starts the cooldown. Callers invoke it after acting
// on a recommendation so the fleet settles before the next decision.
func (a *Autoscaler) RecordScalingAction() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastActionAt = a.config.Clock.Now()
}

// InCooldown reports whether a recent scaling action still suppresses
// recommendations.
func (a *Autoscaler) InCooldown() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inCooldownLocked()
}

func (a *Autoscaler) inCooldownLocked() bool {
	if a.lastActionAt.IsZero() {
		return false
	}
	return a.config.Clock.Now().Before(a.lastActionAt.Add(a.config.Cooldown))
}

// recommend runs the decision procedure over one node snapshot.
func (a *Autoscaler) recommend(nodes []services.Node) Recommendation {
	rec := Recommendation{
		Action:           ActionNone,
		TargetSaturation: a.config.TargetSaturation,
	}

	if !a.config.Enabled {
		rec.Reason = "autoscaler is disabled"
		return rec
	}

	a.mu.Lock()
	cooling := a.inCooldownLocked()
	a.mu.Unlock()
	if cooling {
		rec.Reason = "in cooldown after a recent scaling action"
		return rec
	}

	var totalCap, totalUsed, healthy int
	for _, node := range nodes {
		if node.Status != services.NodeHealthy {
			continue
		}
		healthy++
		totalCap += node.Capacity.MaxContainers
		totalUsed += node.Metrics.ContainerCount
	}
	rec.CurrentNodes = healthy
	rec.RecommendedNodes = healthy

	if healthy == 0 {
		rec.Action = ActionScaleUp
		rec.RecommendedNodes = a.config.MinNodes
		rec.Reason = "no healthy nodes"
		return rec
	}

	sat := scheduler.Saturation(nodes)
	rec.CurrentSaturation = sat
	avgCap := float64(totalCap) / float64(healthy)

	switch {
	case sat >= a.config.ScaleUpThreshold:
		if healthy >= a.config.MaxNodes {
			rec.Reason = "saturated but already at max nodes"
			return rec
		}
		targetCap := float64(totalUsed) / a.config.TargetSaturation
		target := clamp(int(math.Ceil(targetCap/avgCap)), healthy+1, a.config.MaxNodes)
		rec.Action = ActionScaleUp
		rec.RecommendedNodes = target
		rec.Reason = "saturation above scale-up threshold"

	case sat <= a.config.ScaleDownThreshold:
		if healthy <= a.config.MinNodes {
			rec.Reason = "idle but already at min nodes"
			return rec
		}
		targetCap := float64(totalUsed) / a.config.TargetSaturation
		target := clamp(int(math.Ceil(targetCap/avgCap)), a.config.MinNodes, healthy-1)
		estimated := float64(totalUsed) / (avgCap * float64(target))
		if estimated > a.config.ScaleUpThreshold {
			rec.Reason = "scaling down would immediately cross the scale-up threshold"
			return rec
		}
		rec.Action = ActionScaleDown
		rec.RecommendedNodes = target
		rec.Reason = "saturation below scale-down threshold"

	default:
		rec.Reason = "saturation within target range"
	}
	return rec
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
