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

package events

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newTestBroadcaster(t *testing.T) *Broadcaster {
	t.Helper()
	b, err := NewBroadcaster(Config{
		Clock: clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

// receive waits for one delivery.
func receive(t *testing.T, s *Subscription) GameError {
	t.Helper()
	select {
	case gameError, ok := <-s.C():
		require.True(t, ok, "subscription closed")
		return gameError
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return GameError{}
	}
}

// expectNone asserts no delivery arrives shortly.
func expectNone(t *testing.T, s *Subscription) {
	t.Helper()
	select {
	case gameError := <-s.C():
		t.Fatalf("unexpected delivery: %+v", gameError)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishStampsDefaults(t *testing.T) {
	t.Parallel()

	b := newTestBroadcaster(t)
	published := b.Publish(context.Background(), GameError{Source: "engine", Message: "tick overrun"})
	require.NotEmpty(t, published.ID)
	require.False(t, published.Timestamp.IsZero())
	require.Equal(t, ErrorTypeGeneral, published.Type)
}

func TestSubscriptionFilters(t *testing.T) {
	t.Parallel()

	b := newTestBroadcaster(t)
	ctx := context.Background()

	all := b.Subscribe()
	match := b.SubscribeToMatch("m-1")
	player := b.SubscribeToPlayer("m-1", "p-7")
	defer all.Close()
	defer match.Close()
	defer player.Close()

	tts := []struct {
		name       string
		event      GameError
		wantAll    bool
		wantMatch  bool
		wantPlayer bool
	}{
		{
			name:       "global error reaches everyone",
			event:      GameError{Type: ErrorTypeSystem, Source: "registry", Message: "backend degraded"},
			wantAll:    true,
			wantMatch:  true,
			wantPlayer: true,
		},
		{
			name:       "other match filtered out",
			event:      GameError{MatchID: "m-2", Type: ErrorTypeCommand, Source: "engine", Message: "bad command"},
			wantAll:    true,
			wantMatch:  false,
			wantPlayer: false,
		},
		{
			name:       "match-wide error reaches the player feed",
			event:      GameError{MatchID: "m-1", PlayerID: PlayerAll, Type: ErrorTypeSystem, Source: "engine", Message: "match paused"},
			wantAll:    true,
			wantMatch:  true,
			wantPlayer: true,
		},
		{
			name:       "other player's error filtered from the player feed",
			event:      GameError{MatchID: "m-1", PlayerID: "p-9", Type: ErrorTypeCommand, Source: "engine", Message: "bad command"},
			wantAll:    true,
			wantMatch:  true,
			wantPlayer: false,
		},
		{
			name:       "own error delivered",
			event:      GameError{MatchID: "m-1", PlayerID: "p-7", Type: ErrorTypeCommand, Source: "engine", Message: "bad command"},
			wantAll:    true,
			wantMatch:  true,
			wantPlayer: true,
		},
	}
	for _, tt := range tts {
		t.Run(tt.name, func(t *testing.T) {
			published := b.Publish(ctx, tt.event)
			for _, sub := range []struct {
				name string
				s    *Subscription
				want bool
			}{
				{"all", all, tt.wantAll},
				{"match", match, tt.wantMatch},
				{"player", player, tt.wantPlayer},
			} {
				if sub.want {
					got := receive(t, sub.s)
					require.Equal(t, published.ID, got.ID, "subscriber %s", sub.name)
				} else {
					expectNone(t, sub.s)
				}
			}
		})
	}
}

// TestPerSubscriberOrdering publishes a run of events and requires each
// subscriber to see them in publish order.
func TestPerSubscriberOrdering(t *testing.T) {
	t.Parallel()

	b := newTestBroadcaster(t)
	ctx := context.Background()

	s1 := b.Subscribe()
	s2 := b.Subscribe()
	defer s1.Close()
	defer s2.Close()

	const n = 20
	for i := 0; i < n; i++ {
		b.Publish(ctx, GameError{ID: fmt.Sprintf("e-%02d", i), Source: "test", Message: "event"})
	}
	for _, s := range []*Subscription{s1, s2} {
		for i := 0; i < n; i++ {
			require.Equal(t, fmt.Sprintf("e-%02d", i), receive(t, s).ID)
		}
	}
}

// TestSlowSubscriberDrops fills a subscriber's buffer and checks that
// publishers keep going and other subscribers keep receiving.
func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()

	b, err := NewBroadcaster(Config{
		Clock:               clockwork.NewFakeClock(),
		SubscriberQueueSize: 2,
	})
	require.NoError(t, err)
	t.Cleanup(b.Close)
	ctx := context.Background()

	slow := b.Subscribe() // never drained until the end
	fast := b.Subscribe()
	defer slow.Close()
	defer fast.Close()

	for i := 0; i < 10; i++ {
		b.Publish(ctx, GameError{ID: fmt.Sprintf("e-%d", i), Source: "test", Message: "event"})
		receive(t, fast)
	}

	// the slow subscriber holds at most its buffer
	drained := 0
	for {
		select {
		case <-slow.C():
			drained++
			continue
		case <-time.After(50 * time.Millisecond):
		}
		break
	}
	require.LessOrEqual(t, drained, 2)
}

func TestSubscribeFunc(t *testing.T) {
	t.Parallel()

	b := newTestBroadcaster(t)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []string
	done := make(chan struct{})
	sub := b.SubscribeFunc("m-1", "", func(gameError GameError) {
		if gameError.ID == "e-panic" {
			panic("listener bug")
		}
		mu.Lock()
		seen = append(seen, gameError.ID)
		mu.Unlock()
		if gameError.ID == "e-last" {
			close(done)
		}
	})
	defer sub.Close()

	b.Publish(ctx, GameError{ID: "e-1", MatchID: "m-1", Source: "test", Message: "x"})
	// the panicking delivery must not kill the listener
	b.Publish(ctx, GameError{ID: "e-panic", MatchID: "m-1", Source: "test", Message: "x"})
	b.Publish(ctx, GameError{ID: "e-last", MatchID: "m-1", Source: "test", Message: "x"})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for listener")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"e-1", "e-last"}, seen)
}

func TestCloseBroadcaster(t *testing.T) {
	t.Parallel()

	b, err := NewBroadcaster(Config{Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)

	s := b.Subscribe()
	b.Close()

	_, ok := <-s.C()
	require.False(t, ok, "subscription should be closed")

	// publishing after close is a no-op, not a panic
	b.Publish(context.Background(), GameError{Source: "test", Message: "late"})
	// closing twice is safe
	b.Close()

	// subscriptions taken after close come back already closed
	late := b.Subscribe()
	_, ok = <-late.C()
	require.False(t, ok)
}
