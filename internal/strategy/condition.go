package strategy

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"signal-engine/internal/candles"
	"signal-engine/internal/indicators"
)

// ErrVersionConflict is returned by CrossStateStore when the expected
// version no longer matches.
var ErrVersionConflict = errors.New("live state version conflict")

// CrossStateStore is the durable home of a strategy's last crossing.
type CrossStateStore interface {
	GetLiveState(ctx context.Context, strategyID int64) (*LiveState, error)
	// CompareAndSwapCrossDirection writes dir only if the stored version
	// equals expectedVersion, bumping the version. It returns
	// ErrVersionConflict otherwise.
	CompareAndSwapCrossDirection(ctx context.Context, strategyID, expectedVersion int64, dir CrossDirection) error
}

// Default periods used when a condition leaves Period at zero.
const (
	defaultIndicatorPeriod = 14
	defaultBollingerPeriod = 20
	bollingerStdDev        = 2.0
)

// ConditionEvaluator evaluates threshold and crossover conditions. Crossing
// operators consult and update the strategy's durable cross direction.
type ConditionEvaluator struct {
	store  CrossStateStore
	logger zerolog.Logger
}

func NewConditionEvaluator(store CrossStateStore, logger zerolog.Logger) *ConditionEvaluator {
	return &ConditionEvaluator{
		store:  store,
		logger: logger.With().Str("component", "ConditionEvaluator").Logger(),
	}
}

// EvaluateSet is the AND of every condition. An empty set is never met.
func (e *ConditionEvaluator) EvaluateSet(ctx context.Context, strategyID int64, conds []Condition, cs []candles.Candle) (bool, error) {
	if len(conds) == 0 {
		return false, nil
	}
	for _, cond := range conds {
		met, err := e.Evaluate(ctx, strategyID, cond, cs)
		if err != nil {
			return false, err
		}
		if !met {
			return false, nil
		}
	}
	return true, nil
}

// Evaluate computes the indicator over the whole buffer (current) and over
// the buffer without its last candle (previous) and applies the operator.
// Insufficient data evaluates to false.
func (e *ConditionEvaluator) Evaluate(ctx context.Context, strategyID int64, cond Condition, cs []candles.Candle) (bool, error) {
	current, ok := IndicatorValue(cond, cs)
	if !ok {
		return false, nil
	}

	switch cond.Operator {
	case OpGreaterThan:
		return current > cond.Threshold, nil
	case OpLessThan:
		return current < cond.Threshold, nil
	case OpCrossesAbove, OpCrossesBelow:
		if len(cs) < 2 {
			return false, nil
		}
		previous, ok := IndicatorValue(cond, cs[:len(cs)-1])
		if !ok {
			return false, nil
		}
		return e.evaluateCross(ctx, strategyID, cond, previous, current)
	default:
		return false, fmt.Errorf("unsupported operator %q", cond.Operator)
	}
}

func (e *ConditionEvaluator) evaluateCross(ctx context.Context, strategyID int64, cond Condition, previous, current float64) (bool, error) {
	state, err := e.store.GetLiveState(ctx, strategyID)
	if err != nil {
		return false, fmt.Errorf("read cross state: %w", err)
	}

	th := cond.Threshold
	var crossed, rearm bool
	var fired CrossDirection
	if cond.Operator == OpCrossesAbove {
		crossed = previous <= th && current > th
		rearm = state.LastCrossDirection == CrossUp && current <= th
		fired = CrossUp
	} else {
		crossed = previous >= th && current < th
		rearm = state.LastCrossDirection == CrossDown && current >= th
		fired = CrossDown
	}
	if rearm {
		e.swapDirection(ctx, state, CrossNone)
		return false, nil
	}
	if !crossed || state.LastCrossDirection == fired {
		return false, nil
	}

	e.swapDirection(ctx, state, fired)
	return true, nil
}

// swapDirection CASes the cross direction, re-reading and retrying once on
// conflict. A second conflict is logged and the caller keeps its local result.
func (e *ConditionEvaluator) swapDirection(ctx context.Context, state *LiveState, dir CrossDirection) {
	err := e.store.CompareAndSwapCrossDirection(ctx, state.StrategyID, state.Version, dir)
	if err == nil {
		state.LastCrossDirection = dir
		state.Version++
		return
	}
	if !errors.Is(err, ErrVersionConflict) {
		e.logger.Warn().Err(err).Int64("strategy_id", state.StrategyID).
			Str("direction", string(dir)).Msg("Failed to persist cross direction")
		return
	}

	fresh, err := e.store.GetLiveState(ctx, state.StrategyID)
	if err == nil {
		if fresh.LastCrossDirection == dir {
			*state = *fresh
			return
		}
		err = e.store.CompareAndSwapCrossDirection(ctx, state.StrategyID, fresh.Version, dir)
		if err == nil {
			*state = *fresh
			state.LastCrossDirection = dir
			state.Version++
			return
		}
	}
	e.logger.Warn().Err(err).Int64("strategy_id", state.StrategyID).
		Str("direction", string(dir)).
		Msg("Cross direction update lost a concurrent race, proceeding with local result")
}

// IndicatorValue computes the latest value a condition refers to.
func IndicatorValue(cond Condition, cs []candles.Candle) (float64, bool) {
	if len(cs) == 0 {
		return 0, false
	}
	period := cond.Period
	if period <= 0 {
		period = defaultIndicatorPeriod
	}
	closes := candles.Closes(cs)

	switch cond.IndicatorType {
	case IndicatorPrice:
		return closes[len(closes)-1], true
	case IndicatorVolume:
		return cs[len(cs)-1].Volume, true
	case IndicatorSMA:
		return indicators.CalculateSMA(closes, period)
	case IndicatorEMA:
		return indicators.CalculateEMA(closes, period)
	case IndicatorRSI:
		return indicators.CalculateRSI(closes, period)
	case IndicatorMACD, IndicatorMACDSignal, IndicatorMACDHistogram:
		m, ok := indicators.CalculateDefaultMACD(closes)
		if !ok {
			return 0, false
		}
		switch cond.IndicatorType {
		case IndicatorMACDSignal:
			return m.Signal, true
		case IndicatorMACDHistogram:
			return m.Histogram, true
		}
		return m.MACD, true
	case IndicatorStochK, IndicatorStochD:
		s, ok := indicators.CalculateStochastic(cs, period)
		if !ok {
			return 0, false
		}
		if cond.IndicatorType == IndicatorStochD {
			return s.D, true
		}
		return s.K, true
	case IndicatorADX:
		a, ok := indicators.CalculateADX(cs, period)
		return a.ADX, ok
	case IndicatorBBUpper, IndicatorBBMiddle, IndicatorBBLower:
		if cond.Period <= 0 {
			period = defaultBollingerPeriod
		}
		b, ok := indicators.CalculateBollingerBands(closes, period, bollingerStdDev)
		if !ok {
			return 0, false
		}
		switch cond.IndicatorType {
		case IndicatorBBUpper:
			return b.Upper, true
		case IndicatorBBLower:
			return b.Lower, true
		}
		return b.Middle, true
	case IndicatorATR:
		return indicators.CalculateATR(cs, period)
	case IndicatorVWAP:
		return indicators.CalculateVWAP(cs)
	default:
		return 0, false
	}
}
