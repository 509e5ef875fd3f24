package strategy

import (
	"context"
	"fmt"

	"signal-engine/internal/candles"
	"signal-engine/internal/indicators"
)

// MTFStrategy trades lower-timeframe EMA crossovers in the direction of a
// higher-timeframe trend built by grouping buffer candles.
type MTFStrategy struct{}

func NewMTFStrategy() *MTFStrategy { return &MTFStrategy{} }

func (s *MTFStrategy) Type() StrategyType { return TypeMTF }

func (s *MTFStrategy) Evaluate(_ context.Context, in Input) (Result, error) {
	cfg, ok := in.Strategy.Config.(*MTFConfig)
	if !ok {
		return Result{}, fmt.Errorf("%w: strategy %d has %T", ErrInvalidConfig, in.Strategy.ID, in.Strategy.Config)
	}

	need := cfg.HigherTimeframeFactor * (cfg.TrendEMAPeriod + 1)
	if need < cfg.SlowEMAPeriod+1 {
		need = cfg.SlowEMAPeriod + 1
	}
	if len(in.Candles) < need {
		return NoSignal("insufficient data: need %d candles, have %d", need, len(in.Candles)), nil
	}

	closes := candles.Closes(in.Candles)
	fast := indicators.CalculateEMASeries(closes, cfg.FastEMAPeriod)
	slow := indicators.CalculateEMASeries(closes, cfg.SlowEMAPeriod)
	// align fast on slow: both end at the newest candle
	f, fPrev := fast[len(fast)-1], fast[len(fast)-2]
	sl, sPrev := slow[len(slow)-1], slow[len(slow)-2]
	crossUp := fPrev <= sPrev && f > sl
	crossDown := fPrev >= sPrev && f < sl

	if in.PositionOpen {
		switch {
		case in.PositionSide != SignalSell && crossDown:
			return Result{Type: SignalSell, Reason: fmt.Sprintf("exit: EMA%d crossed below EMA%d", cfg.FastEMAPeriod, cfg.SlowEMAPeriod)}, nil
		case in.PositionSide == SignalSell && crossUp:
			return Result{Type: SignalBuy, Reason: fmt.Sprintf("exit: EMA%d crossed above EMA%d", cfg.FastEMAPeriod, cfg.SlowEMAPeriod)}, nil
		}
		return NoSignal("holding: no opposing crossover"), nil
	}

	if !crossUp && !crossDown {
		return NoSignal("no EMA%d/EMA%d crossover", cfg.FastEMAPeriod, cfg.SlowEMAPeriod), nil
	}

	trend, ok := higherTimeframeTrend(in.Candles, cfg)
	if !ok {
		return NoSignal("insufficient higher timeframe data"), nil
	}
	rsi, ok := indicators.CalculateRSI(closes, cfg.RSIPeriod)
	if !ok {
		return NoSignal("insufficient data for RSI"), nil
	}
	if rsi < cfg.RSIFloor || rsi > cfg.RSICeiling {
		return NoSignal("RSI %.1f outside %.0f-%.0f", rsi, cfg.RSIFloor, cfg.RSICeiling), nil
	}

	switch {
	case crossUp && trend == BiasLong:
		return Result{Type: SignalBuy, Reason: fmt.Sprintf("bullish crossover with higher timeframe uptrend, RSI %.1f", rsi)}, nil
	case crossDown && trend == BiasShort:
		return Result{Type: SignalSell, Reason: fmt.Sprintf("bearish crossover with higher timeframe downtrend, RSI %.1f", rsi)}, nil
	}
	return NoSignal("crossover against higher timeframe trend (%s)", trend), nil
}

// higherTimeframeTrend groups candles from the newest backwards and compares
// the higher timeframe close with its rising or falling EMA.
func higherTimeframeTrend(cs []candles.Candle, cfg *MTFConfig) (Bias, bool) {
	htf := aggregate(cs, cfg.HigherTimeframeFactor)
	closes := candles.Closes(htf)
	series := indicators.CalculateEMASeries(closes, cfg.TrendEMAPeriod)
	if len(series) < 2 {
		return BiasNeutral, false
	}
	ema, prev := series[len(series)-1], series[len(series)-2]
	price := closes[len(closes)-1]
	switch {
	case price > ema && ema > prev:
		return BiasLong, true
	case price < ema && ema < prev:
		return BiasShort, true
	}
	return BiasNeutral, true
}

// aggregate merges consecutive groups of factor candles; the newest group
// always ends at the last candle and a partial oldest group is dropped.
func aggregate(cs []candles.Candle, factor int) []candles.Candle {
	groups := len(cs) / factor
	start := len(cs) - groups*factor
	out := make([]candles.Candle, 0, groups)
	for g := 0; g < groups; g++ {
		chunk := cs[start+g*factor : start+(g+1)*factor]
		merged := chunk[0]
		for _, c := range chunk[1:] {
			if c.High > merged.High {
				merged.High = c.High
			}
			if c.Low < merged.Low {
				merged.Low = c.Low
			}
			merged.Volume += c.Volume
		}
		last := chunk[len(chunk)-1]
		merged.Close = last.Close
		merged.CloseTime = last.CloseTime
		merged.Closed = last.Closed
		out = append(out, merged)
	}
	return out
}
