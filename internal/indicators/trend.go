package indicators

import (
	"math"

	"signal-engine/internal/candles"
)

// ADXResult holds trend strength and the directional indices.
type ADXResult struct {
	ADX     float64
	PlusDI  float64
	MinusDI float64
}

// CalculateADX smooths true range and directional movement with the EMA
// routine, then takes the EMA of DX. Needs 2*period candles.
func CalculateADX(cs []candles.Candle, period int) (ADXResult, bool) {
	if period <= 0 || len(cs) < 2*period {
		return ADXResult{}, false
	}

	plusDM := make([]float64, 0, len(cs)-1)
	minusDM := make([]float64, 0, len(cs)-1)
	for i := 1; i < len(cs); i++ {
		up := cs[i].High - cs[i-1].High
		down := cs[i-1].Low - cs[i].Low
		p, m := 0.0, 0.0
		if up > down && up > 0 {
			p = up
		}
		if down > up && down > 0 {
			m = down
		}
		plusDM = append(plusDM, p)
		minusDM = append(minusDM, m)
	}

	tr := CalculateEMASeries(TrueRanges(cs), period)
	smPlus := CalculateEMASeries(plusDM, period)
	smMinus := CalculateEMASeries(minusDM, period)

	dx := make([]float64, len(tr))
	var plusDI, minusDI float64
	for i := range tr {
		plusDI, minusDI = 0, 0
		if tr[i] > 0 {
			plusDI = 100 * smPlus[i] / tr[i]
			minusDI = 100 * smMinus[i] / tr[i]
		}
		if sum := plusDI + minusDI; sum > 0 {
			dx[i] = 100 * math.Abs(plusDI-minusDI) / sum
		}
	}

	adx, ok := CalculateEMA(dx, period)
	if !ok {
		return ADXResult{}, false
	}
	return ADXResult{ADX: adx, PlusDI: plusDI, MinusDI: minusDI}, true
}
