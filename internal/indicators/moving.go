// Package indicators implements the technical indicators strategies are
// built from. Every function reports ok=false instead of a value when the
// input is shorter than the indicator's minimum lookback.
package indicators

// ============================================================================
// MOVING AVERAGES
// ============================================================================

// CalculateSMA returns the arithmetic mean of the last period values.
func CalculateSMA(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}

	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period), true
}

// CalculateEMASeries returns the EMA at every index from period-1 onward.
// The seed is the SMA of the first period values; element i of the result
// corresponds to values[i+period-1].
func CalculateEMASeries(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}

	seed, _ := CalculateSMA(values[:period], period)
	multiplier := 2.0 / float64(period+1)

	series := make([]float64, 0, len(values)-period+1)
	series = append(series, seed)
	ema := seed
	for _, v := range values[period:] {
		ema = (v-ema)*multiplier + ema
		series = append(series, ema)
	}
	return series
}

// CalculateEMA returns the latest EMA value.
func CalculateEMA(values []float64, period int) (float64, bool) {
	series := CalculateEMASeries(values, period)
	if len(series) == 0 {
		return 0, false
	}
	return series[len(series)-1], true
}

// smaSeries returns the rolling SMA at every index from period-1 onward.
func smaSeries(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}

	out := make([]float64, 0, len(values)-period+1)
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out = append(out, sum/float64(period))
		}
	}
	return out
}
