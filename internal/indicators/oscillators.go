package indicators

import (
	"signal-engine/internal/candles"
)

// ============================================================================
// RSI (Relative Strength Index)
// ============================================================================

// CalculateRSI uses Wilder smoothing: the first average gain/loss is the
// simple mean over period changes, later ones are avg = (avg*(period-1)+x)/period.
// Needs period+1 values. Returns 100 when the average loss is zero.
func CalculateRSI(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period+1 {
		return 0, false
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(values); i++ {
		change := values[i] - values[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

// ============================================================================
// MACD
// ============================================================================

// Standard MACD periods.
const (
	MACDFast   = 12
	MACDSlow   = 26
	MACDSignal = 9
)

// MACDResult holds the latest MACD line, signal line and histogram.
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// CalculateMACD computes EMA(fast)-EMA(slow) and a real EMA(signal) of that
// line. Needs slow+signal-1 values.
func CalculateMACD(values []float64, fast, slow, signal int) (MACDResult, bool) {
	if fast <= 0 || slow <= fast || signal <= 0 || len(values) < slow+signal-1 {
		return MACDResult{}, false
	}

	fastSeries := CalculateEMASeries(values, fast)
	slowSeries := CalculateEMASeries(values, slow)

	// align both series on the slow EMA's first index
	offset := slow - fast
	line := make([]float64, len(slowSeries))
	for i := range slowSeries {
		line[i] = fastSeries[i+offset] - slowSeries[i]
	}

	signalLine, ok := CalculateEMA(line, signal)
	if !ok {
		return MACDResult{}, false
	}
	macd := line[len(line)-1]
	return MACDResult{
		MACD:      macd,
		Signal:    signalLine,
		Histogram: macd - signalLine,
	}, true
}

// CalculateDefaultMACD uses the 12/26/9 periods.
func CalculateDefaultMACD(values []float64) (MACDResult, bool) {
	return CalculateMACD(values, MACDFast, MACDSlow, MACDSignal)
}

// ============================================================================
// STOCHASTIC
// ============================================================================

// StochasticResult holds the smoothed %K and its %D.
type StochasticResult struct {
	K float64
	D float64
}

const stochSmoothing = 3

// CalculateStochastic returns %K smoothed over 3 periods and %D as the
// 3-period SMA of the smoothed %K. A flat window (high == low) maps to 50.
func CalculateStochastic(cs []candles.Candle, period int) (StochasticResult, bool) {
	if period <= 0 || len(cs) < period+2*(stochSmoothing-1) {
		return StochasticResult{}, false
	}

	raw := make([]float64, 0, len(cs)-period+1)
	for end := period; end <= len(cs); end++ {
		window := cs[end-period : end]
		lowest, highest := window[0].Low, window[0].High
		for _, c := range window[1:] {
			if c.Low < lowest {
				lowest = c.Low
			}
			if c.High > highest {
				highest = c.High
			}
		}
		k := 50.0
		if highest != lowest {
			k = (window[len(window)-1].Close - lowest) / (highest - lowest) * 100
		}
		raw = append(raw, k)
	}

	smoothedK := smaSeries(raw, stochSmoothing)
	d, ok := CalculateSMA(smoothedK, stochSmoothing)
	if !ok {
		return StochasticResult{}, false
	}
	return StochasticResult{K: smoothedK[len(smoothedK)-1], D: d}, true
}
