package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-engine/internal/strategy"
)

func collect(bus *EventBus, t EventType) (func() []Event, *sync.WaitGroup) {
	var mu sync.Mutex
	var wg sync.WaitGroup
	var got []Event
	bus.Subscribe(t, func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		wg.Done()
	})
	return func() []Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]Event(nil), got...)
	}, &wg
}

func waitTimeout(t *testing.T, wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber not called")
	}
}

func TestPublishSignalCopiesAndRoutes(t *testing.T) {
	bus := NewEventBus()
	events, wg := collect(bus, EventSignalGenerated)
	wg.Add(1)

	sig := &strategy.Signal{ID: "s1", UserID: "alice", Type: strategy.SignalBuy, Symbol: "BTCUSDT"}
	bus.PublishSignal(sig)
	waitTimeout(t, wg)

	got := events()
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].UserID)
	assert.Equal(t, "s1", got[0].Signal.ID)
	assert.False(t, got[0].Timestamp.IsZero())
	assert.NotSame(t, sig, got[0].Signal)
}

func TestSubscribeAllReceivesEverything(t *testing.T) {
	bus := NewEventBus()
	var mu sync.Mutex
	var wg sync.WaitGroup
	seen := map[EventType]int{}
	bus.SubscribeAll(func(e Event) {
		mu.Lock()
		seen[e.Type]++
		mu.Unlock()
		wg.Done()
	})

	wg.Add(3)
	bus.PublishSession("bob", "sess-1", "binance", true)
	bus.PublishSession("bob", "sess-1", "binance", false)
	bus.PublishError("stream", "dial failed", nil)
	waitTimeout(t, &wg)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, seen[EventSessionStarted])
	assert.Equal(t, 1, seen[EventSessionStopped])
	assert.Equal(t, 1, seen[EventError])
}
