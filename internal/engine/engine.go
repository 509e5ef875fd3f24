// Package engine composes the candle store, the strategy evaluators, the
// position state machine and the signal dispatcher into monitoring sessions,
// one per downstream client and exchange.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"signal-engine/internal/candles"
	"signal-engine/internal/dispatch"
	"signal-engine/internal/events"
	"signal-engine/internal/exchange"
	"signal-engine/internal/position"
	"signal-engine/internal/strategy"
	"signal-engine/internal/stream"
)

var (
	ErrNoStrategies = errors.New("no active strategies")
	ErrClosed       = errors.New("engine closed")
)

// StrategyLoader reads a user's active strategies on one exchange.
type StrategyLoader interface {
	LoadStrategies(ctx context.Context, userID, exchange string) ([]*strategy.Definition, error)
}

// CandleRecorder persists closed candles so later warm starts have history.
type CandleRecorder interface {
	SaveCandle(ctx context.Context, key candles.Key, c candles.Candle) error
}

// Config carries the session tunables.
type Config struct {
	// StreamURLs maps an exchange name to its socket base URL.
	StreamURLs       map[string]string
	Cooldown         time.Duration
	ReconcileTimeout time.Duration
	ReconnectBase    time.Duration
	ReconnectCap     time.Duration
	Heartbeat        time.Duration
	CaptureHistory   bool
}

// Engine owns the process-wide state shared by every session: candle
// buffers, cooldowns, and per-strategy locks.
type Engine struct {
	cfg        Config
	strategies StrategyLoader
	registry   *strategy.Registry
	candles    *candles.Store
	store      position.LiveStateStore
	cooldown   position.CooldownTracker
	dispatcher *dispatch.Dispatcher

	checker  position.PositionChecker
	history  []candles.HistoryLoader
	recorder CandleRecorder
	bus      *events.EventBus
	dialer   streamDialer

	locks    *keyedMutex
	sessions sync.Map // map[sessionID]*Session
	closed   chan struct{}
	once     sync.Once
	logger   zerolog.Logger
}

// streamDialer builds the upstream connection manager for a session.
type streamDialer func(cfg stream.Config, logger zerolog.Logger) upstream

// upstream is the part of stream.Manager a session drives.
type upstream interface {
	Run(ctx context.Context) error
	Messages() <-chan []byte
	Connected() bool
	Attempts() int
}

// Option customizes an Engine.
type Option func(*Engine)

// WithPositionChecker enables entry reconciliation against the exchange.
func WithPositionChecker(c position.PositionChecker) Option {
	return func(e *Engine) { e.checker = c }
}

// WithHistory adds warm start sources, tried in order until one returns
// candles.
func WithHistory(loaders ...candles.HistoryLoader) Option {
	return func(e *Engine) { e.history = append(e.history, loaders...) }
}

// WithRecorder enables history capture of closed candles.
func WithRecorder(r CandleRecorder) Option {
	return func(e *Engine) { e.recorder = r }
}

func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) { e.bus = bus }
}

func withDialer(d streamDialer) Option {
	return func(e *Engine) { e.dialer = d }
}

func New(
	cfg Config,
	strategies StrategyLoader,
	registry *strategy.Registry,
	store *candles.Store,
	liveState position.LiveStateStore,
	cooldown position.CooldownTracker,
	dispatcher *dispatch.Dispatcher,
	logger zerolog.Logger,
	opts ...Option,
) *Engine {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = position.DefaultCooldown
	}
	if cfg.ReconcileTimeout <= 0 {
		cfg.ReconcileTimeout = position.DefaultReconcileTimeout
	}
	e := &Engine{
		cfg:        cfg,
		strategies: strategies,
		registry:   registry,
		candles:    store,
		store:      liveState,
		cooldown:   cooldown,
		dispatcher: dispatcher,
		locks:      newKeyedMutex(),
		closed:     make(chan struct{}),
		logger:     logger.With().Str("component", "Engine").Logger(),
		dialer: func(cfg stream.Config, logger zerolog.Logger) upstream {
			return stream.NewManager(cfg, logger)
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Candles exposes the shared candle store.
func (e *Engine) Candles() *candles.Store { return e.candles }

// ActiveSessions returns the number of running sessions.
func (e *Engine) ActiveSessions() int {
	n := 0
	e.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close stops accepting sessions. Running sessions end when their context
// is canceled.
func (e *Engine) Close() {
	e.once.Do(func() { close(e.closed) })
}

// NewSession loads the user's strategies on exchangeName, warm starts every
// buffer they read, and prepares the upstream connection. The session does
// nothing until Run is called.
func (e *Engine) NewSession(ctx context.Context, userID, exchangeName string) (*Session, error) {
	select {
	case <-e.closed:
		return nil, ErrClosed
	default:
	}

	parser, err := exchange.ParserFor(exchangeName)
	if err != nil {
		return nil, err
	}
	baseURL, ok := e.cfg.StreamURLs[parser.Exchange()]
	if !ok || baseURL == "" {
		return nil, fmt.Errorf("%w: no stream url for %s", exchange.ErrUnknownExchange, parser.Exchange())
	}

	defs, err := e.strategies.LoadStrategies(ctx, userID, parser.Exchange())
	if err != nil {
		return nil, fmt.Errorf("load strategies: %w", err)
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("%w for user %s on %s", ErrNoStrategies, userID, parser.Exchange())
	}

	s := &Session{
		ID:       uuid.New().String(),
		UserID:   userID,
		Exchange: parser.Exchange(),
		engine:   e,
		parser:   parser,
		byKey:    make(map[candles.Key][]*strategy.Definition),
		out:      make(chan ClientMessage, clientBuffer),
	}
	s.logger = e.logger.With().Str("component", "Session").Str("session_id", s.ID).
		Str("user_id", userID).Str("exchange", s.Exchange).Logger()

	for _, def := range defs {
		if _, err := e.registry.Get(def.Type); err != nil {
			s.logger.Warn().Err(err).Int64("strategy_id", def.ID).Msg("Skipping strategy without evaluator")
			continue
		}
		key := candles.NewKey(def.Symbol, def.Timeframe, def.Exchange)
		if _, seen := s.byKey[key]; !seen {
			s.keys = append(s.keys, key)
		}
		s.byKey[key] = append(s.byKey[key], def)
		s.defs = append(s.defs, def)
	}
	if len(s.defs) == 0 {
		return nil, fmt.Errorf("%w for user %s on %s", ErrNoStrategies, userID, parser.Exchange())
	}

	for _, key := range s.keys {
		e.warmStart(ctx, key, s.logger)
	}

	frames, err := parser.SubscribeFrames(s.keys)
	if err != nil {
		return nil, fmt.Errorf("build subscription: %w", err)
	}
	s.upstream = e.dialer(stream.Config{
		URL:               parser.StreamURL(baseURL, s.keys),
		SubscribeFrames:   frames,
		PingFrame:         parser.PingFrame(),
		HeartbeatInterval: e.cfg.Heartbeat,
		ReconnectBase:     e.cfg.ReconnectBase,
		ReconnectCap:      e.cfg.ReconnectCap,
		OnStateChange:     s.onStateChange,
		OnReconnect:       s.onReconnect,
	}, s.logger)

	opts := []position.Option{
		position.WithCooldown(e.cfg.Cooldown),
		position.WithReconcileTimeout(e.cfg.ReconcileTimeout),
	}
	if e.checker != nil {
		opts = append(opts, position.WithPositionChecker(e.checker))
	}
	s.machine = position.NewMachine(e.store, e.cooldown, e.dispatcher.Bind(s.upstream), s.logger, opts...)
	return s, nil
}

// warmStart seeds key from the first history source that has data. A
// failure leaves the buffer to fill from the live stream.
func (e *Engine) warmStart(ctx context.Context, key candles.Key, logger zerolog.Logger) {
	for _, loader := range e.history {
		unlock := e.locks.Lock("candles:" + key.String())
		n, err := e.candles.WarmStart(ctx, key, loader)
		unlock()
		if err != nil {
			logger.Warn().Err(err).Str("key", key.String()).Msg("Warm start source failed")
			continue
		}
		if n > 0 {
			logger.Info().Str("key", key.String()).Int("candles", n).Msg("Buffer warm started")
			return
		}
		if e.candles.GetOrCreate(key).Len() > 0 {
			return
		}
	}
}

func (e *Engine) register(s *Session) {
	e.sessions.Store(s.ID, s)
}

func (e *Engine) unregister(s *Session) {
	e.sessions.Delete(s.ID)
}
