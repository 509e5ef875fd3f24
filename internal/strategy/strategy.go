// Package strategy defines strategy definitions, their validated configs and
// the evaluators that turn a candle buffer into BUY/SELL decisions.
package strategy

import (
	"context"
	"fmt"
	"sync"

	"signal-engine/internal/candles"
)

// Input is everything an evaluator sees for one closed candle.
type Input struct {
	Strategy     *Definition
	Candles      []candles.Candle
	PositionOpen bool
	PositionSide SignalType
}

// Price is the close of the newest candle.
func (in Input) Price() float64 {
	if len(in.Candles) == 0 {
		return 0
	}
	return in.Candles[len(in.Candles)-1].Close
}

// Result is the uniform evaluator output. Type is SignalNone when nothing
// should be emitted; Reason explains either outcome.
type Result struct {
	Type        SignalType
	Reason      string
	StopLoss    *float64
	TakeProfit1 *float64
	TakeProfit2 *float64
	Confidence  *float64
}

// NoSignal builds a Result carrying only a reason.
func NoSignal(format string, args ...interface{}) Result {
	return Result{Type: SignalNone, Reason: fmt.Sprintf(format, args...)}
}

// HasSignal reports whether the result should be dispatched.
func (r Result) HasSignal() bool {
	return r.Type == SignalBuy || r.Type == SignalSell
}

// Evaluator is the contract every strategy variant satisfies:
// (candles, config, position open) -> result.
type Evaluator interface {
	Type() StrategyType
	Evaluate(ctx context.Context, in Input) (Result, error)
}

// Registry maps strategy types to their evaluators.
type Registry struct {
	mu         sync.RWMutex
	evaluators map[StrategyType]Evaluator
}

func NewRegistry(evaluators ...Evaluator) *Registry {
	r := &Registry{evaluators: make(map[StrategyType]Evaluator)}
	for _, e := range evaluators {
		r.Register(e)
	}
	return r
}

// NewDefaultRegistry registers every built-in variant.
func NewDefaultRegistry(conditions *ConditionEvaluator) *Registry {
	return NewRegistry(
		NewConditionStrategy(conditions),
		NewATHGuard(),
		NewFVGStrategy(),
		NewMTFStrategy(),
	)
}

func (r *Registry) Register(e Evaluator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evaluators[e.Type()] = e
}

// Get returns the evaluator for t.
func (r *Registry) Get(t StrategyType) (Evaluator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.evaluators[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategyType, t)
	}
	return e, nil
}

// ConditionStrategy runs a definition's entry set while flat and its exit set
// while in position.
type ConditionStrategy struct {
	conditions *ConditionEvaluator
}

func NewConditionStrategy(conditions *ConditionEvaluator) *ConditionStrategy {
	return &ConditionStrategy{conditions: conditions}
}

func (s *ConditionStrategy) Type() StrategyType { return TypeCondition }

func (s *ConditionStrategy) Evaluate(ctx context.Context, in Input) (Result, error) {
	cfg, ok := in.Strategy.Config.(*ConditionConfig)
	if !ok {
		return Result{}, fmt.Errorf("%w: strategy %d has %T", ErrInvalidConfig, in.Strategy.ID, in.Strategy.Config)
	}

	side := cfg.Side
	conds, phase := in.Strategy.EntryConditions, "entry"
	if in.PositionOpen {
		conds, phase = in.Strategy.ExitConditions, "exit"
		if in.PositionSide != SignalNone {
			side = in.PositionSide
		}
		side = side.Opposite()
	}

	met, err := s.conditions.EvaluateSet(ctx, in.Strategy.ID, conds, in.Candles)
	if err != nil {
		return Result{}, err
	}
	if !met {
		return NoSignal("%s conditions not met", phase), nil
	}

	res := Result{Type: side, Reason: fmt.Sprintf("%s conditions met: %s", phase, describe(conds))}
	if !in.PositionOpen {
		price := in.Price()
		if cfg.StopLossPercent > 0 {
			sl := offsetPrice(price, side, -cfg.StopLossPercent)
			res.StopLoss = &sl
		}
		if cfg.TakeProfitPercent > 0 {
			tp := offsetPrice(price, side, cfg.TakeProfitPercent)
			res.TakeProfit1 = &tp
		}
	}
	return res, nil
}

// offsetPrice moves price by pct in the favourable direction of side
// (negative pct moves against it).
func offsetPrice(price float64, side SignalType, pct float64) float64 {
	if side == SignalSell {
		pct = -pct
	}
	return price * (1 + pct/100)
}

func describe(conds []Condition) string {
	out := ""
	for i, c := range conds {
		if i > 0 {
			out += " AND "
		}
		out += c.String()
	}
	return out
}

func ptr(v float64) *float64 { return &v }
