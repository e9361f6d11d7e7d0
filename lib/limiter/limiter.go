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

// Package limiter throttles request rates per key over a sliding window.
// Keys are opaque; callers compose them from client id, username and
// remote address as appropriate.
package limiter

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/arena"
	"github.com/gravitational/arena/lib/defaults"
	"github.com/gravitational/arena/lib/utils"
)

var rejectedRequests = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "arena_limiter_rejected_total",
	Help: "Number of requests rejected by the rate limiter",
})

// Config holds limiter settings.
type Config struct {
	// Clock is the time source for window arithmetic.
	Clock clockwork.Clock

	// MaxPerWindow is the number of acquisitions one key may make within a
	// window.
	MaxPerWindow int

	// Window is the sliding window size.
	Window time.Duration

	// CleanupInterval is how often idle keys are swept.
	CleanupInterval time.Duration

	// Logger reports sweep activity at debug level.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.MaxPerWindow == 0 {
		c.MaxPerWindow = defaults.LimiterMaxPerWindow
	}
	if c.MaxPerWindow < 0 {
		return trace.BadParameter("MaxPerWindow cannot be negative, got %d", c.MaxPerWindow)
	}
	if c.Window == 0 {
		c.Window = defaults.LimiterWindow
	}
	if c.Window < 0 {
		return trace.BadParameter("Window cannot be negative, got %v", c.Window)
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = defaults.LimiterCleanupInterval
	}
	if c.Logger == nil {
		c.Logger = slog.With(arena.ComponentKey, arena.ComponentLimiter)
	}
	return nil
}

type window struct {
	start time.Time
	count int
}

// Limiter tracks per-key request counts over a sliding window and sweeps
// idle keys in the background.
type Limiter struct {
	config Config

	mu      sync.Mutex
	windows map[string]*window

	done      chan struct{}
	closeOnce sync.Once
}

// New returns a Limiter and starts its background sweep. Callers must
// Close it to stop the sweep.
func New(config Config) (*Limiter, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(rejectedRequests); err != nil {
		return nil, trace.Wrap(err)
	}

	l := &Limiter{
		config:  config,
		windows: make(map[string]*window),
		done:    make(chan struct{}),
	}

	ticker := config.Clock.NewTicker(config.CleanupInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-l.done:
				return
			case <-ticker.Chan():
				removed := l.sweep()
				if removed > 0 {
					l.config.Logger.DebugContext(context.Background(), "Swept idle limiter keys.", "removed", removed)
				}
			}
		}
	}()
	return l, nil
}

// Close stops the background sweep. Safe to call more than once.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}

// TryAcquire counts one request against the key and reports whether it is
// within the window budget.
func (l *Limiter) TryAcquire(key string) bool {
	now := l.config.Clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.config.Window {
		w = &window{start: now}
		l.windows[key] = w
	}
	w.count++
	if w.count > l.config.MaxPerWindow {
		rejectedRequests.Inc()
		return false
	}
	return true
}

// RetryAfter reports how long the key has to wait before its window
// resets. Zero for keys that are not currently limited.
func (l *Limiter) RetryAfter(key string) time.Duration {
	now := l.config.Clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || w.count <= l.config.MaxPerWindow {
		return 0
	}
	remaining := w.start.Add(l.config.Window).Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// sweep removes keys whose window has fully lapsed and returns how many it
// removed. It holds the lock only for the duration of one pass.
func (l *Limiter) sweep() int {
	now := l.config.Clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		if now.Sub(w.start) >= l.config.Window {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Key composes a limiter key from its parts, typically a principal and a
// remote address.
func Key(parts ...string) string {
	return strings.Join(parts, "|")
}
