package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestReconnectBackOffSequence(t *testing.T) {
	b := NewReconnectBackOff(time.Second, 60*time.Second)

	want := []time.Duration{1, 2, 4, 8, 16, 32, 60, 60}
	for i, w := range want {
		assert.Equal(t, w*time.Second, b.NextBackOff(), "attempt %d", i)
	}

	b.Reset()
	assert.Equal(t, time.Second, b.NextBackOff())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "state(42)", State(42).String())
}

func TestMessagesOrderedAcrossReconnect(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		switch conns.Add(1) {
		case 1:
			_ = c.WriteMessage(websocket.TextMessage, []byte("a"))
			_ = c.WriteMessage(websocket.TextMessage, []byte("b"))
		default:
			_ = c.WriteMessage(websocket.TextMessage, []byte("c"))
			for {
				if _, _, err := c.ReadMessage(); err != nil {
					return
				}
			}
		}
	}))
	defer srv.Close()

	var mu sync.Mutex
	var reconnects []int
	m := NewManager(Config{
		URL:           wsURL(srv),
		ReconnectBase: 10 * time.Millisecond,
		ReconnectCap:  50 * time.Millisecond,
		OnReconnect: func(attempt int, _ time.Duration, _ error) {
			mu.Lock()
			reconnects = append(reconnects, attempt)
			mu.Unlock()
		},
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	var got []string
	for len(got) < 3 {
		select {
		case msg := <-m.Messages():
			got = append(got, string(msg))
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out, got %v", got)
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)

	require.Eventually(t, m.Connected, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, m.Attempts(), "attempts reset after a successful open")
	mu.Lock()
	assert.NotEmpty(t, reconnects)
	assert.Equal(t, 1, reconnects[0])
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, StateClosed, m.State())

	_, open := <-m.Messages()
	assert.False(t, open, "messages channel closed")
}

func TestSubscribeFramesAndApplicationPing(t *testing.T) {
	received := make(chan string, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			received <- string(msg)
		}
	}))
	defer srv.Close()

	m := NewManager(Config{
		URL:               wsURL(srv),
		SubscribeFrames:   [][]byte{[]byte(`{"op":"subscribe","args":["kline.1.BTCUSDT"]}`)},
		PingFrame:         []byte(`{"op":"ping"}`),
		HeartbeatInterval: 20 * time.Millisecond,
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	next := func() string {
		select {
		case s := <-received:
			return s
		case <-time.After(5 * time.Second):
			t.Fatal("no frame received")
			return ""
		}
	}
	assert.Equal(t, `{"op":"subscribe","args":["kline.1.BTCUSDT"]}`, next())
	assert.Equal(t, `{"op":"ping"}`, next())
	assert.Equal(t, `{"op":"ping"}`, next())
}

func TestStateTransitions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	var mu sync.Mutex
	var states []State
	m := NewManager(Config{
		URL: wsURL(srv),
		OnStateChange: func(_, to State) {
			mu.Lock()
			states = append(states, to)
			mu.Unlock()
		},
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(done)
	}()

	require.Eventually(t, m.Connected, 5*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateOpen, StateClosing, StateClosed}, states)
}

func TestDialFailureSchedulesReconnect(t *testing.T) {
	attempts := make(chan time.Duration, 8)
	m := NewManager(Config{
		URL:           "ws://127.0.0.1:1/unreachable",
		ReconnectBase: 5 * time.Millisecond,
		ReconnectCap:  20 * time.Millisecond,
		OnReconnect: func(_ int, wait time.Duration, _ error) {
			select {
			case attempts <- wait:
			default:
			}
		},
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	var waits []time.Duration
	for len(waits) < 4 {
		select {
		case w := <-attempts:
			waits = append(waits, w)
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d reconnects scheduled", len(waits))
		}
	}
	assert.Equal(t, []time.Duration{5 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond, 20 * time.Millisecond}, waits)
	assert.False(t, m.Connected())
	assert.ErrorIs(t, m.write(websocket.TextMessage, []byte("x")), ErrNotConnected)
}
