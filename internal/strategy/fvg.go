package strategy

import (
	"context"
	"fmt"

	"signal-engine/internal/candles"
)

// FVGType is the direction of a fair value gap.
type FVGType string

const (
	BullishFVG FVGType = "bullish"
	BearishFVG FVGType = "bearish"
)

// FVG is a three-candle price imbalance.
type FVG struct {
	Type        FVGType
	TopPrice    float64
	BottomPrice float64
	CandleIndex int // index of the first candle of the pattern
}

// DetectFVGs scans every three-candle window. A bullish gap has
// c1.High < c3.Low, a bearish gap c1.Low > c3.High; gaps smaller than
// minGapPercent are ignored.
func DetectFVGs(cs []candles.Candle, minGapPercent float64) []FVG {
	if len(cs) < 3 {
		return nil
	}

	var fvgs []FVG
	for i := 0; i < len(cs)-2; i++ {
		c1, c3 := cs[i], cs[i+2]

		if c1.High < c3.Low && c1.High > 0 {
			if gap := (c3.Low - c1.High) / c1.High * 100; gap >= minGapPercent {
				fvgs = append(fvgs, FVG{Type: BullishFVG, TopPrice: c3.Low, BottomPrice: c1.High, CandleIndex: i})
			}
		}
		if c1.Low > c3.High && c3.High > 0 {
			if gap := (c1.Low - c3.High) / c3.High * 100; gap >= minGapPercent {
				fvgs = append(fvgs, FVG{Type: BearishFVG, TopPrice: c1.Low, BottomPrice: c3.High, CandleIndex: i})
			}
		}
	}
	return fvgs
}

// IsFilled reports whether any candle wicked into the gap.
func (f FVG) IsFilled(cs []candles.Candle) bool {
	for _, c := range cs {
		if f.Type == BullishFVG && c.Low <= f.TopPrice && c.Low >= f.BottomPrice {
			return true
		}
		if f.Type == BearishFVG && c.High >= f.BottomPrice && c.High <= f.TopPrice {
			return true
		}
	}
	return false
}

// FVGStrategy enters on the first retest of the most recent untouched gap:
// a candle that wicks into a bullish gap and closes above it buys, one that
// wicks into a bearish gap and closes below it sells. An open position exits
// on a retest in the opposite direction.
type FVGStrategy struct{}

func NewFVGStrategy() *FVGStrategy { return &FVGStrategy{} }

func (s *FVGStrategy) Type() StrategyType { return TypeFVG }

func (s *FVGStrategy) Evaluate(_ context.Context, in Input) (Result, error) {
	cfg, ok := in.Strategy.Config.(*FVGConfig)
	if !ok {
		return Result{}, fmt.Errorf("%w: strategy %d has %T", ErrInvalidConfig, in.Strategy.ID, in.Strategy.Config)
	}
	if len(in.Candles) < 4 {
		return NoSignal("insufficient data: need 4 candles, have %d", len(in.Candles)), nil
	}

	window := in.Candles
	if len(window) > cfg.Lookback+1 {
		window = window[len(window)-cfg.Lookback-1:]
	}
	last := window[len(window)-1]
	history := window[:len(window)-1]

	gap, ok := latestUnfilled(history, cfg.MinGapPercent)
	if !ok {
		return NoSignal("no untested fair value gap in last %d candles", cfg.Lookback), nil
	}

	var side SignalType
	switch {
	case gap.Type == BullishFVG && last.Low <= gap.TopPrice && last.Close > gap.BottomPrice:
		side = SignalBuy
	case gap.Type == BearishFVG && last.High >= gap.BottomPrice && last.Close < gap.TopPrice:
		side = SignalSell
	default:
		return NoSignal("%s gap %.8g-%.8g not retested", gap.Type, gap.BottomPrice, gap.TopPrice), nil
	}

	reason := fmt.Sprintf("%s gap %.8g-%.8g retested, close %.8g", gap.Type, gap.BottomPrice, gap.TopPrice, last.Close)
	if in.PositionOpen {
		if in.PositionSide == SignalNone || side != in.PositionSide.Opposite() {
			return NoSignal("holding: retest agrees with open position"), nil
		}
		return Result{Type: side, Reason: "exit on opposing " + reason}, nil
	}

	res := Result{Type: side, Reason: reason}
	var stop float64
	if side == SignalBuy {
		stop = gap.BottomPrice * (1 - cfg.StopBufferPercent/100)
	} else {
		stop = gap.TopPrice * (1 + cfg.StopBufferPercent/100)
	}
	risk := last.Close - stop
	res.StopLoss = ptr(stop)
	res.TakeProfit1 = ptr(last.Close + cfg.RiskReward*risk)
	return res, nil
}

// latestUnfilled returns the newest gap no later candle has touched.
func latestUnfilled(history []candles.Candle, minGapPercent float64) (FVG, bool) {
	gaps := DetectFVGs(history, minGapPercent)
	for i := len(gaps) - 1; i >= 0; i-- {
		g := gaps[i]
		after := g.CandleIndex + 3
		if after > len(history) {
			after = len(history)
		}
		if !g.IsFilled(history[after:]) {
			return g, true
		}
	}
	return FVG{}, false
}
