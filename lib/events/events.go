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

// Package events fans game errors out to subscribers. Delivery is
// asynchronous and at most once: a subscriber that stops draining its
// queue loses events rather than blocking publishers or its peers.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/arena"
	"github.com/gravitational/arena/lib/defaults"
	"github.com/gravitational/arena/lib/utils"
)

var (
	publishedErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_events_published_total",
		Help: "Number of game errors published by type",
	}, []string{"type"})

	droppedDeliveries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "arena_events_dropped_total",
		Help: "Number of deliveries dropped on slow subscribers",
	})
)

// ErrorType classifies a game error.
type ErrorType string

const (
	// ErrorTypeCommand marks a player command that failed.
	ErrorTypeCommand ErrorType = "COMMAND"
	// ErrorTypeSystem marks an engine-side failure.
	ErrorTypeSystem ErrorType = "SYSTEM"
	// ErrorTypeGeneral marks everything else.
	ErrorTypeGeneral ErrorType = "GENERAL"
)

// PlayerAll addresses a match-wide error to every player of its match.
const PlayerAll = "0"

// GameError is one error event published by the simulation side.
type GameError struct {
	// ID identifies the event.
	ID string `json:"id"`
	// Timestamp is when the error was published.
	Timestamp time.Time `json:"timestamp"`
	// MatchID scopes the error to a match; empty errors are global.
	MatchID string `json:"match_id,omitempty"`
	// PlayerID scopes the error to a player; PlayerAll ("0") addresses
	// the whole match.
	PlayerID string `json:"player_id,omitempty"`
	// Type classifies the error.
	Type ErrorType `json:"type"`
	// Source names the component that raised the error.
	Source string `json:"source"`
	// Message is the human-readable description.
	Message string `json:"message"`
	// Details carries optional structured context.
	Details map[string]any `json:"details,omitempty"`
}

// Subscription is one listener's feed. Receive from C until it closes;
// call Close when done.
type Subscription struct {
	broadcaster *Broadcaster
	id          uint64

	// matchID and playerID filter deliveries; empty matches everything.
	matchID  string
	playerID string

	ch        chan GameError
	closeOnce sync.Once
}

// C is the delivery channel. It closes when the subscription or the
// broadcaster closes.
func (s *Subscription) C() <-chan GameError {
	return s.ch
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.broadcaster.unsubscribe(s)
}

// wants applies the filter rules: a subscription without a match filter
// sees everything; a match filter admits that match's errors and global
// ones; a player filter additionally requires the error to address that
// player or the whole match.
func (s *Subscription) wants(err GameError) bool {
	if s.matchID == "" {
		return true
	}
	if err.MatchID != "" && err.MatchID != s.matchID {
		return false
	}
	if s.playerID == "" {
		return true
	}
	return err.PlayerID == "" || err.PlayerID == s.playerID || err.PlayerID == PlayerAll
}

// Config holds broadcaster settings.
type Config struct {
	// Clock stamps published errors.
	Clock clockwork.Clock

	// QueueSize bounds the pending publication queue.
	QueueSize int

	// SubscriberQueueSize bounds each subscriber's delivery buffer.
	SubscriberQueueSize int

	// Logger reports drops and recovered listener panics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.QueueSize == 0 {
		c.QueueSize = defaults.BroadcastQueueSize
	}
	if c.SubscriberQueueSize == 0 {
		c.SubscriberQueueSize = defaults.SubscriberQueueSize
	}
	if c.Logger == nil {
		c.Logger = slog.With(arena.ComponentKey, arena.ComponentEvents)
	}
	return nil
}

// Broadcaster is the pub/sub hub for game errors.
type Broadcaster struct {
	config Config

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	queue chan GameError
	wg    sync.WaitGroup
}

// NewBroadcaster returns a Broadcaster and starts its worker pool.
// Callers must Close it to stop the workers.
func NewBroadcaster(config Config) (*Broadcaster, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(publishedErrors, droppedDeliveries); err != nil {
		return nil, trace.Wrap(err)
	}

	b := &Broadcaster{
		config: config,
		subs:   make(map[uint64]*Subscription),
		queue:  make(chan GameError, config.QueueSize),
	}
	// a single dispatcher keeps per-subscriber delivery order; each
	// callback listener drains its own queue on its own goroutine
	b.wg.Add(1)
	go b.dispatch()
	return b, nil
}

// Close stops the workers and closes every subscription. Pending queue
// entries are dropped.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	close(b.queue)
	b.wg.Wait()
	for _, s := range subs {
		s.closeOnce.Do(func() { close(s.ch) })
	}
}

// Publish stamps and enqueues an error for delivery. When the queue is
// full the error is dropped and counted; publishers never block.
func (b *Broadcaster) Publish(ctx context.Context, gameError GameError) GameError {
	if gameError.ID == "" {
		gameError.ID = uuid.NewString()
	}
	if gameError.Timestamp.IsZero() {
		gameError.Timestamp = b.config.Clock.Now()
	}
	if gameError.Type == "" {
		gameError.Type = ErrorTypeGeneral
	}
	publishedErrors.WithLabelValues(string(gameError.Type)).Inc()

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return gameError
	}

	select {
	case b.queue <- gameError:
	default:
		droppedDeliveries.Inc()
		b.config.Logger.WarnContext(ctx, "Dropped game error, publish queue is full.", "error_id", gameError.ID)
	}
	return gameError
}

// Subscribe delivers every published error.
func (b *Broadcaster) Subscribe() *Subscription {
	return b.subscribe("", "")
}

// SubscribeToMatch delivers the match's errors plus global ones.
func (b *Broadcaster) SubscribeToMatch(matchID string) *Subscription {
	return b.subscribe(matchID, "")
}

// SubscribeToPlayer delivers the player's errors within the match,
// match-wide ones, and global ones.
func (b *Broadcaster) SubscribeToPlayer(matchID, playerID string) *Subscription {
	return b.subscribe(matchID, playerID)
}

func (b *Broadcaster) subscribe(matchID, playerID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &Subscription{
		broadcaster: b,
		id:          b.nextID,
		matchID:     matchID,
		playerID:    playerID,
		ch:          make(chan GameError, b.config.SubscriberQueueSize),
	}
	if b.closed {
		s.closeOnce.Do(func() { close(s.ch) })
		return s
	}
	b.subs[s.id] = s
	return s
}

// SubscriberCount reports the number of attached subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// SubscribeFunc attaches a callback listener with the given filters; an
// empty matchID receives everything. The handler runs on its own
// goroutine with deliveries in publish order; a panicking handler is
// logged and skips only that event. Close the returned subscription to
// detach.
func (b *Broadcaster) SubscribeFunc(matchID, playerID string, handler func(GameError)) *Subscription {
	s := b.subscribe(matchID, playerID)
	go func() {
		for gameError := range s.ch {
			b.invoke(handler, gameError)
		}
	}()
	return s
}

// invoke runs one handler call, containing panics.
func (b *Broadcaster) invoke(handler func(GameError), gameError GameError) {
	defer func() {
		if r := recover(); r != nil {
			b.config.Logger.ErrorContext(context.Background(), "Error listener panicked.",
				"error_id", gameError.ID,
				"panic", r,
			)
		}
	}()
	handler(gameError)
}

func (b *Broadcaster) unsubscribe(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s.id)
	b.mu.Unlock()
	s.closeOnce.Do(func() { close(s.ch) })
}

// dispatch drains the publish queue and fans each error out to matching
// subscribers in publish order. A full subscriber buffer drops the
// delivery instead of stalling the rest of the fan-out.
func (b *Broadcaster) dispatch() {
	defer b.wg.Done()
	for gameError := range b.queue {
		b.mu.RLock()
		targets := make([]*Subscription, 0, len(b.subs))
		for _, s := range b.subs {
			if s.wants(gameError) {
				targets = append(targets, s)
			}
		}
		b.mu.RUnlock()

		for _, s := range targets {
			b.deliver(s, gameError)
		}
	}
}

// deliver pushes one error into one subscription, never blocking.
// Closed-channel panics can race an unsubscribe and are swallowed; spec'd
// at-most-once delivery makes that loss acceptable.
func (b *Broadcaster) deliver(s *Subscription, gameError GameError) {
	defer func() {
		if r := recover(); r != nil {
			b.config.Logger.DebugContext(context.Background(), "Delivery raced a closing subscription.", "error_id", gameError.ID)
		}
	}()
	select {
	case s.ch <- gameError:
	default:
		droppedDeliveries.Inc()
	}
}
