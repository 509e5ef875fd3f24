package indicators

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-engine/internal/candles"
)

func linear(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

func candlesFromCloses(closes []float64, spread, volume float64) []candles.Candle {
	out := make([]candles.Candle, len(closes))
	for i, c := range closes {
		out[i] = candles.Candle{
			Open:      c,
			High:      c + spread,
			Low:       c - spread,
			Close:     c,
			Volume:    volume,
			Timestamp: int64(i) * 60_000,
			Closed:    true,
		}
	}
	return out
}

func TestShortInputYieldsNoValue(t *testing.T) {
	closes := linear(5, 100, 1)
	cs := candlesFromCloses(closes, 1, 10)

	_, ok := CalculateSMA(closes, 6)
	assert.False(t, ok, "SMA")
	_, ok = CalculateEMA(closes, 6)
	assert.False(t, ok, "EMA")
	_, ok = CalculateRSI(closes, 5)
	assert.False(t, ok, "RSI needs period+1 values")
	_, ok = CalculateDefaultMACD(linear(33, 1, 1))
	assert.False(t, ok, "MACD needs 34 values")
	_, ok = CalculateStochastic(cs, 5)
	assert.False(t, ok, "Stochastic")
	_, ok = CalculateADX(cs, 3)
	assert.False(t, ok, "ADX needs 2*period candles")
	_, ok = CalculateBollingerBands(closes, 20, 2)
	assert.False(t, ok, "Bollinger")
	_, ok = CalculateATR(cs, 5)
	assert.False(t, ok, "ATR needs period+1 candles")
	_, ok = CalculateVWAP(nil)
	assert.False(t, ok, "VWAP on empty window")
	_, ok = CalculateVolumeRatio(cs, 5)
	assert.False(t, ok, "volume ratio")
}

func TestSMA(t *testing.T) {
	v, ok := CalculateSMA([]float64{1, 2, 3, 4, 5}, 3)
	require.True(t, ok)
	assert.InDelta(t, 4.0, v, 1e-12)
}

func TestEMASeedEqualsSMA(t *testing.T) {
	values := []float64{10, 11, 9, 12, 13, 8, 7, 15}
	series := CalculateEMASeries(values, 4)
	require.Len(t, series, 5)

	seed, _ := CalculateSMA(values[:4], 4)
	assert.InDelta(t, seed, series[0], 1e-12)

	// one recurrence step by hand
	k := 2.0 / 5.0
	assert.InDelta(t, (values[4]-seed)*k+seed, series[1], 1e-12)
}

func TestEMAConstantSeries(t *testing.T) {
	values := make([]float64, 300)
	for i := range values {
		values[i] = 42.5
	}
	for _, period := range []int{5, 50, 200} {
		v, ok := CalculateEMA(values, period)
		require.True(t, ok)
		assert.InDelta(t, 42.5, v, 1e-9, "period %d", period)
	}
}

func TestRSIBounds(t *testing.T) {
	values := make([]float64, 120)
	for i := range values {
		values[i] = 100 + 10*math.Sin(float64(i)/3) + float64(i%7)
	}
	for end := 15; end <= len(values); end++ {
		v, ok := CalculateRSI(values[:end], 14)
		require.True(t, ok)
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 100.0)
	}
}

func TestRSIIsHundredWithoutLosses(t *testing.T) {
	v, ok := CalculateRSI(linear(30, 10, 0.5), 14)
	require.True(t, ok)
	assert.Equal(t, 100.0, v)

	// flat prices also have zero average loss
	v, ok = CalculateRSI(make([]float64, 20), 14)
	require.True(t, ok)
	assert.Equal(t, 100.0, v)
}

func TestRSIIsZeroWithoutGains(t *testing.T) {
	v, ok := CalculateRSI(linear(30, 100, -1), 14)
	require.True(t, ok)
	assert.InDelta(t, 0.0, v, 1e-12)
}

func TestRSIWilderSmoothing(t *testing.T) {
	// period 2: first window +1, -1 => avgGain 0.5, avgLoss 0.5
	// next change +2 => avgGain 1.25, avgLoss 0.25 => RS 5
	v, ok := CalculateRSI([]float64{10, 11, 10, 12}, 2)
	require.True(t, ok)
	assert.InDelta(t, 100-100/6.0, v, 1e-9)
}

func TestMACD(t *testing.T) {
	flat := make([]float64, 60)
	for i := range flat {
		flat[i] = 7
	}
	m, ok := CalculateDefaultMACD(flat)
	require.True(t, ok)
	assert.InDelta(t, 0, m.MACD, 1e-9)
	assert.InDelta(t, 0, m.Signal, 1e-9)
	assert.InDelta(t, 0, m.Histogram, 1e-9)

	rising := linear(60, 100, 1)
	m, ok = CalculateDefaultMACD(rising)
	require.True(t, ok)
	assert.Greater(t, m.MACD, 0.0)
	assert.InDelta(t, m.MACD-m.Signal, m.Histogram, 1e-12)
}

func TestStochasticFlatWindowIsFifty(t *testing.T) {
	cs := candlesFromCloses(make([]float64, 20), 0, 1)
	s, ok := CalculateStochastic(cs, 14)
	require.True(t, ok)
	assert.Equal(t, 50.0, s.K)
	assert.Equal(t, 50.0, s.D)
}

func TestStochasticAtHighs(t *testing.T) {
	cs := candlesFromCloses(linear(30, 100, 1), 0, 1)
	s, ok := CalculateStochastic(cs, 14)
	require.True(t, ok)
	assert.InDelta(t, 100.0, s.K, 1e-9)
	assert.InDelta(t, 100.0, s.D, 1e-9)
}

func TestBollingerBands(t *testing.T) {
	b, ok := CalculateBollingerBands([]float64{2, 4, 4, 4, 5, 5, 7, 9}, 8, 2)
	require.True(t, ok)
	assert.InDelta(t, 5.0, b.Middle, 1e-12)
	assert.InDelta(t, 9.0, b.Upper, 1e-12)
	assert.InDelta(t, 1.0, b.Lower, 1e-12)
}

func TestATRConstantRange(t *testing.T) {
	cs := candlesFromCloses(make([]float64, 30), 1, 1)
	atr, ok := CalculateATR(cs, 14)
	require.True(t, ok)
	assert.InDelta(t, 2.0, atr, 1e-12)
}

func TestTrueRangeUsesPreviousClose(t *testing.T) {
	cs := []candles.Candle{
		{High: 10, Low: 9, Close: 9.5},
		{High: 12, Low: 11, Close: 11.5}, // gap up: |12-9.5| = 2.5
	}
	assert.Equal(t, []float64{2.5}, TrueRanges(cs))
}

func TestADXTrendingMarket(t *testing.T) {
	cs := candlesFromCloses(linear(80, 100, 2), 1, 1)
	adx, ok := CalculateADX(cs, 14)
	require.True(t, ok)
	assert.Greater(t, adx.PlusDI, adx.MinusDI)
	assert.GreaterOrEqual(t, adx.ADX, 0.0)
	assert.LessOrEqual(t, adx.ADX, 100.0)
	assert.Greater(t, adx.ADX, 50.0)
}

func TestVWAP(t *testing.T) {
	cs := []candles.Candle{
		{High: 11, Low: 9, Close: 10, Volume: 1},
		{High: 21, Low: 19, Close: 20, Volume: 3},
	}
	v, ok := CalculateVWAP(cs)
	require.True(t, ok)
	assert.InDelta(t, 17.5, v, 1e-12)
}

func TestVolumeRatio(t *testing.T) {
	cs := candlesFromCloses(linear(21, 100, 0), 1, 10)
	cs[20].Volume = 20
	r, ok := CalculateVolumeRatio(cs, 20)
	require.True(t, ok)
	assert.InDelta(t, 2.0, r, 1e-12)
}
