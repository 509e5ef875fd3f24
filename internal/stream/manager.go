// Package stream owns one upstream exchange socket: dialing, subscription,
// heartbeat, reconnect with capped exponential backoff, and delivery of raw
// frames over a single ordered channel.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var ErrNotConnected = errors.New("stream not connected")

const (
	DefaultReconnectBase     = 2 * time.Second
	DefaultReconnectCap      = 60 * time.Second
	DefaultHeartbeatInterval = 25 * time.Second
	DefaultWriteWait         = 10 * time.Second
	DefaultMessageBuffer     = 256
)

// State is the connection lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Config describes one upstream connection.
type Config struct {
	URL               string
	SubscribeFrames   [][]byte
	PingFrame         []byte // nil sends protocol-level pings
	HeartbeatInterval time.Duration
	PongWait          time.Duration
	WriteWait         time.Duration
	ReconnectBase     time.Duration
	ReconnectCap      time.Duration
	MessageBuffer     int
	Dialer            *websocket.Dialer

	// OnStateChange and OnReconnect run on the manager goroutine and must
	// not block.
	OnStateChange func(from, to State)
	OnReconnect   func(attempt int, wait time.Duration, cause error)
}

func (c *Config) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.PongWait <= 0 {
		c.PongWait = 3 * c.HeartbeatInterval
	}
	if c.WriteWait <= 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = DefaultReconnectBase
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = DefaultReconnectCap
	}
	if c.MessageBuffer <= 0 {
		c.MessageBuffer = DefaultMessageBuffer
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
}

// NewReconnectBackOff yields min(base*2^n, maxDelay) for n = 0, 1, 2, ... with no
// jitter and no elapsed-time limit. Reset restarts at base.
func NewReconnectBackOff(base, maxDelay time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = maxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Manager runs the connection state machine. Create one per session with
// NewManager and drive it with Run.
type Manager struct {
	cfg      Config
	logger   zerolog.Logger
	state    atomic.Int32
	attempts atomic.Int32
	backoff  *backoff.ExponentialBackOff
	messages chan []byte

	writeMu sync.Mutex
	conn    *websocket.Conn
}

func NewManager(cfg Config, logger zerolog.Logger) *Manager {
	cfg.setDefaults()
	return &Manager{
		cfg:      cfg,
		logger:   logger.With().Str("component", "StreamManager").Str("url", cfg.URL).Logger(),
		backoff:  NewReconnectBackOff(cfg.ReconnectBase, cfg.ReconnectCap),
		messages: make(chan []byte, cfg.MessageBuffer),
	}
}

// Messages delivers raw frames in arrival order. It is closed when Run
// returns.
func (m *Manager) Messages() <-chan []byte { return m.messages }

func (m *Manager) State() State { return State(m.state.Load()) }

// Connected reports whether the socket is open.
func (m *Manager) Connected() bool { return m.State() == StateOpen }

// Attempts is the number of reconnects since the last successful open.
func (m *Manager) Attempts() int { return int(m.attempts.Load()) }

func (m *Manager) setState(to State) {
	from := State(m.state.Swap(int32(to)))
	if from == to {
		return
	}
	m.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("Stream state changed")
	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(from, to)
	}
}

// Run connects and keeps reconnecting until ctx is canceled. It returns nil
// on cancellation.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.messages)
	defer m.setState(StateClosed)

	for {
		m.setState(StateConnecting)
		err := m.connectAndRead(ctx)
		if ctx.Err() != nil {
			return nil
		}

		m.setState(StateError)
		wait := m.backoff.NextBackOff()
		attempt := int(m.attempts.Add(1))
		m.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("Stream disconnected, reconnecting")
		if m.cfg.OnReconnect != nil {
			m.cfg.OnReconnect(attempt, wait, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (m *Manager) connectAndRead(ctx context.Context) error {
	conn, _, err := m.cfg.Dialer.DialContext(ctx, m.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	m.setConn(conn)
	defer m.setConn(nil)
	defer conn.Close()

	for _, frame := range m.cfg.SubscribeFrames {
		if err := m.write(websocket.TextMessage, frame); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	m.backoff.Reset()
	m.attempts.Store(0)
	m.setState(StateOpen)
	m.logger.Info().Msg("Stream connected")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.readLoop(gctx, conn) })
	g.Go(func() error { return m.heartbeat(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			m.setState(StateClosing)
			_ = m.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		}
		return conn.Close()
	})
	return g.Wait()
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) error {
	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(m.cfg.PongWait)) }
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		extend()

		select {
		case m.messages <- msg:
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *Manager) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			var err error
			if m.cfg.PingFrame != nil {
				err = m.write(websocket.TextMessage, m.cfg.PingFrame)
			} else {
				err = m.write(websocket.PingMessage, nil)
			}
			if err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		}
	}
}

func (m *Manager) setConn(conn *websocket.Conn) {
	m.writeMu.Lock()
	m.conn = conn
	m.writeMu.Unlock()
}

func (m *Manager) write(messageType int, data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.conn == nil {
		return ErrNotConnected
	}
	_ = m.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteWait))
	return m.conn.WriteMessage(messageType, data)
}
