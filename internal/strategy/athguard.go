package strategy

import (
	"context"
	"fmt"

	"signal-engine/internal/candles"
	"signal-engine/internal/indicators"
)

// Bias is the directional read of the EMA stack.
type Bias string

const (
	BiasLong    Bias = "LONG"
	BiasShort   Bias = "SHORT"
	BiasNeutral Bias = "NEUTRAL"
)

// Confidence penalties.
const (
	startingConfidence    = 100.0
	penaltyTrendDisagrees = 30
	penaltyWeakADX        = 15
	penaltyLowVolume      = 15
	penaltyMACDDisagrees  = 10
	penaltyHighVolatility = 10
)

const (
	athFastEMA  = 50
	athMidEMA   = 100
	athSlowEMA  = 150
	athTrendEMA = 200
)

// athSnapshot is every metric the pipeline stages read, computed once per candle.
type athSnapshot struct {
	Price           float64
	EMA50           float64
	EMA100          float64
	EMA150          float64
	EMA200          float64
	SlopePercent    float64
	RSI             float64
	ADX             float64
	VolumeRatio     float64
	MACDHistogram   float64
	ATR             float64
	VolatilityRatio float64
}

// ATHGuard is the multi-stage scalping pipeline: bias filter, RSI sanity,
// confidence scoring with a volatility veto, confidence gate and ATR levels.
// While in position it only watches for price crossing EMA50 against the trade.
type ATHGuard struct{}

func NewATHGuard() *ATHGuard { return &ATHGuard{} }

func (g *ATHGuard) Type() StrategyType { return TypeATHGuard }

func (g *ATHGuard) Evaluate(_ context.Context, in Input) (Result, error) {
	cfg, ok := in.Strategy.Config.(*ATHGuardConfig)
	if !ok {
		return Result{}, fmt.Errorf("%w: strategy %d has %T", ErrInvalidConfig, in.Strategy.ID, in.Strategy.Config)
	}
	if len(in.Candles) < cfg.MinCandles {
		return NoSignal("insufficient data: need %d candles, have %d", cfg.MinCandles, len(in.Candles)), nil
	}

	if in.PositionOpen {
		return g.exit(in.Candles, in.PositionSide), nil
	}

	snap, ok := g.snapshot(in.Candles, cfg)
	if !ok {
		return NoSignal("insufficient data for indicators"), nil
	}
	return g.decide(snap, cfg), nil
}

// exit emits the signal opposing the open position once the close is on the
// wrong side of EMA50. Without a recorded side the direction is inferred
// from the previous candle and only a cross of EMA50 exits.
func (g *ATHGuard) exit(cs []candles.Candle, side SignalType) Result {
	closes := candles.Closes(cs)
	series := indicators.CalculateEMASeries(closes, athFastEMA)
	if len(series) < 2 {
		return NoSignal("insufficient data for EMA50")
	}
	ema, prevEMA := series[len(series)-1], series[len(series)-2]
	price, prevPrice := closes[len(closes)-1], closes[len(closes)-2]

	exitLong := Result{Type: SignalSell, Reason: fmt.Sprintf("exit long: close %.8g fell below EMA50 %.8g", price, ema)}
	exitShort := Result{Type: SignalBuy, Reason: fmt.Sprintf("exit short: close %.8g rose above EMA50 %.8g", price, ema)}

	switch side {
	case SignalBuy:
		if price < ema {
			return exitLong
		}
	case SignalSell:
		if price > ema {
			return exitShort
		}
	default:
		switch {
		case prevPrice > prevEMA && price < ema:
			return exitLong
		case prevPrice < prevEMA && price > ema:
			return exitShort
		}
	}
	return NoSignal("holding: no EMA50 cross against position")
}

func (g *ATHGuard) snapshot(cs []candles.Candle, cfg *ATHGuardConfig) (athSnapshot, bool) {
	closes := candles.Closes(cs)
	var s athSnapshot
	var ok bool
	s.Price = closes[len(closes)-1]

	if s.EMA50, ok = indicators.CalculateEMA(closes, athFastEMA); !ok {
		return s, false
	}
	if s.EMA100, ok = indicators.CalculateEMA(closes, athMidEMA); !ok {
		return s, false
	}
	slow := indicators.CalculateEMASeries(closes, athSlowEMA)
	if len(slow) <= cfg.SlopeLookback {
		return s, false
	}
	s.EMA150 = slow[len(slow)-1]
	past := slow[len(slow)-1-cfg.SlopeLookback]
	if past != 0 {
		s.SlopePercent = (s.EMA150 - past) / past * 100
	}
	if s.EMA200, ok = indicators.CalculateEMA(closes, athTrendEMA); !ok {
		return s, false
	}
	if s.RSI, ok = indicators.CalculateRSI(closes, cfg.RSIPeriod); !ok {
		return s, false
	}
	adx, ok := indicators.CalculateADX(cs, cfg.ADXPeriod)
	if !ok {
		return s, false
	}
	s.ADX = adx.ADX
	if s.VolumeRatio, ok = indicators.CalculateVolumeRatio(cs, cfg.VolumePeriod); !ok {
		// zero-volume history reads as no volume confirmation
		s.VolumeRatio = 0
	}
	macd, ok := indicators.CalculateDefaultMACD(closes)
	if !ok {
		return s, false
	}
	s.MACDHistogram = macd.Histogram

	atrSeries := indicators.CalculateATRSeries(cs, cfg.ATRPeriod)
	if len(atrSeries) < cfg.ATRAveragePeriod {
		return s, false
	}
	s.ATR = atrSeries[len(atrSeries)-1]
	avgATR, _ := indicators.CalculateSMA(atrSeries, cfg.ATRAveragePeriod)
	if avgATR > 0 {
		s.VolatilityRatio = s.ATR / avgATR
	}
	return s, true
}

func (g *ATHGuard) bias(s athSnapshot, cfg *ATHGuardConfig) Bias {
	switch {
	case s.Price > s.EMA50 && s.EMA50 > s.EMA100 && s.EMA100 > s.EMA150 && s.SlopePercent > cfg.SlopeThresholdPercent:
		return BiasLong
	case s.Price < s.EMA50 && s.EMA50 < s.EMA100 && s.EMA100 < s.EMA150 && s.SlopePercent < -cfg.SlopeThresholdPercent:
		return BiasShort
	}
	return BiasNeutral
}

// decide runs stages 1 to 4 over a computed snapshot.
func (g *ATHGuard) decide(s athSnapshot, cfg *ATHGuardConfig) Result {
	bias := g.bias(s, cfg)
	if bias == BiasNeutral {
		return NoSignal("bias neutral: EMA stack not aligned (slope %.3f%%)", s.SlopePercent)
	}

	if bias == BiasLong && s.RSI >= cfg.RSILongMax {
		return NoSignal("LONG bias rejected: RSI %.1f overbought", s.RSI)
	}
	if bias == BiasShort && s.RSI <= cfg.RSIShortMin {
		return NoSignal("SHORT bias rejected: RSI %.1f oversold", s.RSI)
	}

	if s.VolatilityRatio > cfg.VolatilityVetoRatio {
		return NoSignal("volatility circuit breaker: ATR ratio %.2fx > %.2fx", s.VolatilityRatio, cfg.VolatilityVetoRatio)
	}

	confidence := startingConfidence
	var penalties []string
	penalize := func(points float64, why string) {
		confidence -= points
		penalties = append(penalties, fmt.Sprintf("-%.0f %s", points, why))
	}

	long := bias == BiasLong
	if (long && s.Price <= s.EMA200) || (!long && s.Price >= s.EMA200) {
		penalize(penaltyTrendDisagrees, "trend vs EMA200")
	}
	if s.ADX < cfg.ADXThreshold {
		penalize(penaltyWeakADX, "weak ADX")
	}
	if s.VolumeRatio < cfg.VolumeRatioMin {
		penalize(penaltyLowVolume, "low volume")
	}
	if (long && s.MACDHistogram < 0) || (!long && s.MACDHistogram > 0) {
		penalize(penaltyMACDDisagrees, "MACD histogram")
	}
	if s.VolatilityRatio > cfg.VolatilityPenaltyRatio {
		penalize(penaltyHighVolatility, "elevated volatility")
	}

	if confidence < cfg.MinConfidence {
		return NoSignal("%s confidence %.0f below %.0f %v", bias, confidence, cfg.MinConfidence, penalties)
	}

	res := Result{Confidence: ptr(confidence)}
	if long {
		res.Type = SignalBuy
		res.StopLoss = ptr(s.Price - cfg.ATRStopMultiplier*s.ATR)
		res.TakeProfit1 = ptr(s.Price + cfg.ATRTakeProfit1*s.ATR)
		res.TakeProfit2 = ptr(s.Price + cfg.ATRTakeProfit2*s.ATR)
	} else {
		res.Type = SignalSell
		res.StopLoss = ptr(s.Price + cfg.ATRStopMultiplier*s.ATR)
		res.TakeProfit1 = ptr(s.Price - cfg.ATRTakeProfit1*s.ATR)
		res.TakeProfit2 = ptr(s.Price - cfg.ATRTakeProfit2*s.ATR)
	}
	res.Reason = fmt.Sprintf("%s bias, RSI %.1f, ADX %.1f, volume %.2fx, confidence %.0f", bias, s.RSI, s.ADX, s.VolumeRatio, confidence)
	if len(penalties) > 0 {
		res.Reason += fmt.Sprintf(" %v", penalties)
	}
	return res
}
