package indicators

import "signal-engine/internal/candles"

// CalculateVWAP is cumulative typical price times volume over cumulative
// volume, from the start of the supplied window.
func CalculateVWAP(cs []candles.Candle) (float64, bool) {
	var pv, vol float64
	for _, c := range cs {
		typical := (c.High + c.Low + c.Close) / 3
		pv += typical * c.Volume
		vol += c.Volume
	}
	if vol == 0 {
		return 0, false
	}
	return pv / vol, true
}

// CalculateVolumeRatio compares the last candle's volume with the mean of the
// period candles before it.
func CalculateVolumeRatio(cs []candles.Candle, period int) (float64, bool) {
	if period <= 0 || len(cs) < period+1 {
		return 0, false
	}
	prior := candles.Volumes(cs[len(cs)-period-1 : len(cs)-1])
	avg, _ := CalculateSMA(prior, period)
	if avg == 0 {
		return 0, false
	}
	return cs[len(cs)-1].Volume / avg, true
}
