package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"signal-engine/internal/candles"
	"signal-engine/internal/dispatch"
	"signal-engine/internal/events"
	"signal-engine/internal/exchange"
	"signal-engine/internal/metrics"
	"signal-engine/internal/position"
	"signal-engine/internal/strategy"
	"signal-engine/internal/stream"
)

const clientBuffer = 64

// Session is one monitoring session: an upstream exchange connection, the
// strategies it feeds, and the message queue of the downstream client.
type Session struct {
	ID       string
	UserID   string
	Exchange string

	engine   *Engine
	parser   exchange.Parser
	upstream upstream
	machine  *position.Machine
	defs     []*strategy.Definition
	keys     []candles.Key
	byKey    map[candles.Key][]*strategy.Definition

	outMu     sync.RWMutex
	out       chan ClientMessage
	outClosed bool

	logger zerolog.Logger
}

// Messages delivers frames for the downstream client. It is closed when Run
// returns.
func (s *Session) Messages() <-chan ClientMessage { return s.out }

// Strategies returns the definitions monitored by the session.
func (s *Session) Strategies() []*strategy.Definition { return s.defs }

// Keys returns the subscribed buffer keys in subscription order.
func (s *Session) Keys() []candles.Key { return s.keys }

// Connected reports whether the upstream socket is open.
func (s *Session) Connected() bool { return s.upstream.Connected() }

// Run drives the session until ctx is canceled or the engine closes. Closing
// the downstream client must cancel ctx; that closes the upstream socket and
// stops every timer. Dispatches already in flight finish on their own.
func (s *Session) Run(ctx context.Context) error {
	s.engine.register(s)
	defer s.engine.unregister(s)
	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()
	defer s.closeOut()

	s.publishSession(true)
	defer s.publishSession(false)
	s.logger.Info().Int("strategies", len(s.defs)).Int("streams", len(s.keys)).Msg("Monitoring session started")
	s.emit(ClientMessage{
		Type:      MsgStatus,
		Message:   fmt.Sprintf("monitoring %d strategies on %d streams", len(s.defs), len(s.keys)),
		Timestamp: time.Now(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.upstream.Run(gctx) })
	g.Go(func() error { return s.consume(gctx) })
	g.Go(func() error { return s.heartbeat(gctx) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-s.engine.closed:
			return ErrClosed
		}
	})

	err := g.Wait()
	s.logger.Info().Msg("Monitoring session stopped")
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func (s *Session) consume(ctx context.Context) error {
	for raw := range s.upstream.Messages() {
		if ctx.Err() != nil {
			// drain until the manager closes the channel
			continue
		}
		s.handle(ctx, raw)
	}
	return nil
}

func (s *Session) heartbeat(ctx context.Context) error {
	interval := s.engine.cfg.Heartbeat
	if interval <= 0 {
		interval = stream.DefaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.emit(ClientMessage{Type: MsgHeartbeat, Timestamp: now})
		}
	}
}

// handle processes one raw upstream frame. Unparseable frames are counted
// and skipped.
func (s *Session) handle(ctx context.Context, raw []byte) {
	metrics.MessagesTotal.WithLabelValues(s.Exchange).Inc()

	updates, err := s.parser.Parse(raw)
	if err != nil {
		metrics.MalformedMessagesTotal.WithLabelValues(s.Exchange).Inc()
		s.logger.Warn().Err(err).Int("size", len(raw)).Msg("Skipping malformed stream message")
		return
	}
	for _, u := range updates {
		s.apply(ctx, u)
	}
}

func (s *Session) apply(ctx context.Context, u exchange.Update) {
	defs := s.byKey[u.Key]
	if len(defs) == 0 {
		return
	}

	unlock := s.engine.locks.Lock("candles:" + u.Key.String())
	res := s.engine.candles.Update(u.Key, u.Candle)
	var buffer []candles.Candle
	if u.Candle.Closed && res != candles.Ignored {
		buffer = s.engine.candles.Snapshot(u.Key)
	}
	unlock()

	if buffer == nil {
		return
	}
	metrics.CandlesClosedTotal.WithLabelValues(u.Key.Exchange, u.Key.Symbol, u.Key.Timeframe).Inc()
	s.record(ctx, u)

	for _, def := range defs {
		s.evaluate(ctx, def, u.Candle, buffer)
	}
}

func (s *Session) evaluate(ctx context.Context, def *strategy.Definition, candle candles.Candle, buffer []candles.Candle) {
	logger := s.logger.With().Int64("strategy_id", def.ID).Str("symbol", def.Symbol).
		Str("timeframe", def.Timeframe).Logger()

	eval, err := s.engine.registry.Get(def.Type)
	if err != nil {
		logger.Warn().Err(err).Msg("No evaluator for strategy")
		return
	}

	unlock := s.engine.locks.Lock(fmt.Sprintf("strategy:%d", def.ID))
	out, err := s.machine.Process(ctx, def, candle, buffer, eval)
	unlock()

	switch {
	case errors.Is(err, dispatch.ErrPersistenceExhausted):
		logger.Error().Err(err).Msg("Signal kept in offline buffer")
	case errors.Is(err, dispatch.ErrSignalLost):
		logger.Error().Err(err).Msg("Signal could not be persisted")
	case err != nil:
		logger.Warn().Err(err).Msg("Strategy processing failed")
	case out.Rejected != "":
		logger.Debug().Str("reason", out.Rejected).Msg("Candle skipped")
	case out.Signal == nil:
		logger.Debug().Str("reason", out.Result.Reason).Msg("No signal")
	}
}

// record captures closed candles into history, best effort.
func (s *Session) record(ctx context.Context, u exchange.Update) {
	if !s.engine.cfg.CaptureHistory || s.engine.recorder == nil {
		return
	}
	if err := s.engine.recorder.SaveCandle(ctx, u.Key, u.Candle); err != nil {
		s.logger.Warn().Err(err).Str("key", u.Key.String()).Msg("Failed to capture candle history")
	}
}

func (s *Session) onStateChange(from, to stream.State) {
	if s.engine.bus != nil {
		s.engine.bus.Publish(events.Event{
			Type:   events.EventStreamStateChanged,
			UserID: s.UserID,
			Data: map[string]interface{}{
				"session_id": s.ID,
				"exchange":   s.Exchange,
				"from":       from.String(),
				"to":         to.String(),
			},
		})
	}
	if to == stream.StateOpen {
		s.emit(connectedMessage(s.keys, s.defs, time.Now()))
	}
}

func (s *Session) onReconnect(attempt int, wait time.Duration, _ error) {
	metrics.ReconnectsTotal.WithLabelValues(s.Exchange).Inc()
	s.emit(ClientMessage{
		Type:             MsgDisconnected,
		ReconnectAttempt: attempt,
		NextRetryIn:      wait.Milliseconds(),
		Timestamp:        time.Now(),
	})
}

// Send queues msg for the downstream client. It never blocks: a full queue
// drops the message.
func (s *Session) Send(msg ClientMessage) {
	s.emit(msg)
}

func (s *Session) emit(msg ClientMessage) {
	s.outMu.RLock()
	defer s.outMu.RUnlock()
	if s.outClosed {
		return
	}
	select {
	case s.out <- msg:
	default:
		s.logger.Warn().Str("type", string(msg.Type)).Msg("Client queue full, dropping message")
	}
}

func (s *Session) closeOut() {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if !s.outClosed {
		s.outClosed = true
		close(s.out)
	}
}

func (s *Session) publishSession(started bool) {
	if s.engine.bus != nil {
		s.engine.bus.PublishSession(s.UserID, s.ID, s.Exchange, started)
	}
}
