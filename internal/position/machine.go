// Package position implements the per-strategy position lifecycle: the
// guards that run before evaluation and the FLAT/IN_POSITION transitions.
package position

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"signal-engine/internal/candles"
	"signal-engine/internal/dispatch"
	"signal-engine/internal/metrics"
	"signal-engine/internal/strategy"
)

// State is the position lifecycle state.
type State string

const (
	StateFlat       State = "FLAT"
	StateInPosition State = "IN_POSITION"
)

// StateOf maps a live state to its lifecycle state.
func StateOf(ls *strategy.LiveState) State {
	if ls != nil && ls.PositionOpen {
		return StateInPosition
	}
	return StateFlat
}

// ErrNoCredentials means reconciliation is not configured for the user or
// exchange; the check is skipped silently.
var ErrNoCredentials = errors.New("no exchange credentials configured")

// DefaultReconcileTimeout bounds the external position check.
const DefaultReconcileTimeout = 8 * time.Second

// LiveStateStore persists position transitions.
type LiveStateStore interface {
	GetLiveState(ctx context.Context, strategyID int64) (*strategy.LiveState, error)
	OpenPosition(ctx context.Context, strategyID int64, side strategy.SignalType, price float64, at time.Time) error
	ClosePosition(ctx context.Context, strategyID int64) error
	AdvanceProcessedCandle(ctx context.Context, strategyID int64, candleTime time.Time) error
}

// PositionChecker asks the exchange whether the user already holds a
// position in symbol.
type PositionChecker interface {
	HasOpenPosition(ctx context.Context, userID, exchange, symbol string) (bool, error)
}

// Dispatcher delivers a signal. A nil error means the signal is stored or
// buffered offline. An error wrapping dispatch.ErrPersistenceExhausted also
// means it was buffered; any other error means it was not persisted.
type Dispatcher interface {
	Dispatch(ctx context.Context, sig *strategy.Signal) error
}

// Outcome summarizes one Process call.
type Outcome struct {
	Signal   *strategy.Signal
	Result   strategy.Result
	From, To State
	Rejected string
}

// Machine runs guards, evaluation, dispatch and transitions for one strategy
// and one closed candle. Callers serialize calls per strategy.
type Machine struct {
	store            LiveStateStore
	cooldown         CooldownTracker
	checker          PositionChecker
	dispatcher       Dispatcher
	cooldownPeriod   time.Duration
	reconcileTimeout time.Duration
	now              func() time.Time
	logger           zerolog.Logger
}

// Option customizes a Machine.
type Option func(*Machine)

func WithPositionChecker(c PositionChecker) Option {
	return func(m *Machine) { m.checker = c }
}

func WithCooldown(d time.Duration) Option {
	return func(m *Machine) { m.cooldownPeriod = d }
}

func WithReconcileTimeout(d time.Duration) Option {
	return func(m *Machine) { m.reconcileTimeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

func NewMachine(store LiveStateStore, cooldown CooldownTracker, dispatcher Dispatcher, logger zerolog.Logger, opts ...Option) *Machine {
	m := &Machine{
		store:            store,
		cooldown:         cooldown,
		dispatcher:       dispatcher,
		cooldownPeriod:   DefaultCooldown,
		reconcileTimeout: DefaultReconcileTimeout,
		now:              time.Now,
		logger:           logger.With().Str("component", "PositionMachine").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Process handles one closed candle for def. buffer must end with candle.
func (m *Machine) Process(ctx context.Context, def *strategy.Definition, candle candles.Candle, buffer []candles.Candle, eval strategy.Evaluator) (*Outcome, error) {
	logger := m.logger.With().Int64("strategy_id", def.ID).Str("symbol", def.Symbol).
		Str("timeframe", def.Timeframe).Logger()

	state, err := m.store.GetLiveState(ctx, def.ID)
	if err != nil {
		return nil, fmt.Errorf("load live state: %w", err)
	}
	out := &Outcome{From: StateOf(state), To: StateOf(state)}
	candleTime := candle.OpenTime()

	// candle dedup
	if state.LastProcessedCandleTime != nil && !state.LastProcessedCandleTime.Before(candleTime) {
		out.Rejected = "candle already processed"
		return out, nil
	}
	defer func() {
		if err := m.store.AdvanceProcessedCandle(ctx, def.ID, candleTime); err != nil {
			logger.Warn().Err(err).Time("candle_time", candleTime).Msg("Failed to advance processed candle time")
		}
	}()

	// cooldown
	key := strategy.CooldownKeyFor(def)
	if last, ok, err := m.cooldown.LastSignal(ctx, key); err != nil {
		logger.Warn().Err(err).Msg("Cooldown lookup failed, continuing")
	} else if ok && m.now().Sub(last) < m.cooldownPeriod {
		out.Rejected = fmt.Sprintf("cooldown: last signal %s ago", m.now().Sub(last).Round(time.Millisecond))
		return out, nil
	}

	res, err := eval.Evaluate(ctx, strategy.Input{
		Strategy:     def,
		Candles:      buffer,
		PositionOpen: state.PositionOpen,
		PositionSide: state.PositionSide,
	})
	if err != nil {
		return out, fmt.Errorf("evaluate %s: %w", def.Type, err)
	}
	out.Result = res
	if !res.HasSignal() {
		return out, nil
	}

	entering := !state.PositionOpen
	if !entering && state.PositionSide != strategy.SignalNone && res.Type != state.PositionSide.Opposite() {
		out.Rejected = fmt.Sprintf("exit %s does not oppose open %s position", res.Type, state.PositionSide)
		return out, nil
	}
	if entering && m.positionAlreadyOpen(ctx, def, logger) {
		out.Rejected = "exchange reports an open position"
		return out, nil
	}

	sig := &strategy.Signal{
		StrategyID:      def.ID,
		UserID:          def.UserID,
		Type:            res.Type,
		Symbol:          def.Symbol,
		Timeframe:       def.Timeframe,
		Exchange:        def.Exchange,
		Price:           candle.Close,
		Reason:          res.Reason,
		StopLoss:        res.StopLoss,
		TakeProfit1:     res.TakeProfit1,
		TakeProfit2:     res.TakeProfit2,
		Confidence:      res.Confidence,
		CandleCloseTime: candle.BucketCloseTime(),
		Status:          strategy.StatusPending,
	}
	// a buffered signal is durable, so the transition still applies
	dispatchErr := m.dispatcher.Dispatch(ctx, sig)
	if dispatchErr != nil {
		dispatchErr = fmt.Errorf("dispatch %s: %w", sig.Type, dispatchErr)
		if !errors.Is(dispatchErr, dispatch.ErrPersistenceExhausted) {
			return out, dispatchErr
		}
	}
	out.Signal = sig

	if entering {
		if err := m.store.OpenPosition(ctx, def.ID, sig.Type, sig.Price, m.now()); err != nil {
			return out, fmt.Errorf("persist entry: %w", err)
		}
		out.To = StateInPosition
	} else {
		if err := m.store.ClosePosition(ctx, def.ID); err != nil {
			return out, fmt.Errorf("persist exit: %w", err)
		}
		out.To = StateFlat
	}

	logger.Info().Str("signal_type", string(sig.Type)).Float64("price", sig.Price).
		Str("from", string(out.From)).Str("to", string(out.To)).Msg(res.Reason)
	return out, dispatchErr
}

// positionAlreadyOpen fails open: any error other than missing credentials
// is logged and treated as no position.
func (m *Machine) positionAlreadyOpen(ctx context.Context, def *strategy.Definition, logger zerolog.Logger) bool {
	if m.checker == nil {
		return false
	}

	checkCtx, cancel := context.WithTimeout(ctx, m.reconcileTimeout)
	defer cancel()

	open, err := m.checker.HasOpenPosition(checkCtx, def.UserID, def.Exchange, def.Symbol)
	switch {
	case errors.Is(err, ErrNoCredentials):
		metrics.ReconciliationsTotal.WithLabelValues("skipped").Inc()
		return false
	case err != nil:
		metrics.ReconciliationsTotal.WithLabelValues("unknown").Inc()
		logger.Warn().Err(err).Msg("Position reconciliation unavailable, proceeding with signal")
		return false
	case open:
		metrics.ReconciliationsTotal.WithLabelValues("open").Inc()
		logger.Info().Msg("Entry suppressed: exchange already holds a position")
		return true
	}
	metrics.ReconciliationsTotal.WithLabelValues("flat").Inc()
	return false
}
