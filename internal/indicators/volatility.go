package indicators

import (
	"math"

	"signal-engine/internal/candles"
)

// BollingerResult holds the three bands.
type BollingerResult struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// CalculateBollingerBands uses the population standard deviation over period.
func CalculateBollingerBands(values []float64, period int, stdDevMultiplier float64) (BollingerResult, bool) {
	middle, ok := CalculateSMA(values, period)
	if !ok {
		return BollingerResult{}, false
	}

	variance := 0.0
	for _, v := range values[len(values)-period:] {
		diff := v - middle
		variance += diff * diff
	}
	stdDev := math.Sqrt(variance / float64(period))

	return BollingerResult{
		Upper:  middle + stdDevMultiplier*stdDev,
		Middle: middle,
		Lower:  middle - stdDevMultiplier*stdDev,
	}, true
}

// TrueRanges returns max(high-low, |high-prevClose|, |low-prevClose|) for
// every candle after the first.
func TrueRanges(cs []candles.Candle) []float64 {
	if len(cs) < 2 {
		return nil
	}
	out := make([]float64, 0, len(cs)-1)
	for i := 1; i < len(cs); i++ {
		prevClose := cs[i-1].Close
		tr := math.Max(cs[i].High-cs[i].Low,
			math.Max(math.Abs(cs[i].High-prevClose), math.Abs(cs[i].Low-prevClose)))
		out = append(out, tr)
	}
	return out
}

// CalculateATRSeries is the EMA of true range at every available index.
func CalculateATRSeries(cs []candles.Candle, period int) []float64 {
	return CalculateEMASeries(TrueRanges(cs), period)
}

// CalculateATR returns the latest ATR. Needs period+1 candles.
func CalculateATR(cs []candles.Candle, period int) (float64, bool) {
	series := CalculateATRSeries(cs, period)
	if len(series) == 0 {
		return 0, false
	}
	return series[len(series)-1], true
}
