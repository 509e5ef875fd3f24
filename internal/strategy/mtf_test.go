package strategy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-engine/internal/candles"
)

func TestAggregateGroupsFromNewest(t *testing.T) {
	cs := []candles.Candle{
		{Open: 1, High: 1, Low: 1, Close: 1, Volume: 1},
		{Open: 2, High: 3, Low: 2, Close: 2.5, Volume: 1, Timestamp: 2},
		{Open: 2.5, High: 4, Low: 1.5, Close: 3, Volume: 2, Timestamp: 3, CloseTime: 30},
		{Open: 3, High: 3.5, Low: 2.5, Close: 3.2, Volume: 1, Timestamp: 4},
		{Open: 3.2, High: 5, Low: 3, Close: 4.8, Volume: 4, Timestamp: 5, CloseTime: 50, Closed: true},
	}

	htf := aggregate(cs, 2)
	require.Len(t, htf, 2, "the oldest partial group is dropped")
	assert.Equal(t, candles.Candle{Open: 2, High: 4, Low: 1.5, Close: 3, Volume: 3, Timestamp: 2, CloseTime: 30}, htf[0])
	assert.Equal(t, 4.8, htf[1].Close)
	assert.Equal(t, 5.0, htf[1].High)
	assert.True(t, htf[1].Closed)
}

func TestMTFInsufficientData(t *testing.T) {
	def := &Definition{ID: 5, Type: TypeMTF, Config: DefaultMTFConfig()}
	res, err := NewMTFStrategy().Evaluate(context.Background(), Input{Strategy: def, Candles: closesToCandles(make([]float64, 100))})
	require.NoError(t, err)
	assert.False(t, res.HasSignal())
	assert.Contains(t, res.Reason, "insufficient data")
}

func TestMTFExitsLongOnBearishCrossover(t *testing.T) {
	closes := make([]float64, 0, 260)
	for i := 0; i < 220; i++ {
		closes = append(closes, 100+float64(i))
	}
	for i := 0; i < 40; i++ {
		closes = append(closes, 319-float64(i)*3)
	}
	cs := closesToCandles(closes)
	def := &Definition{ID: 5, Type: TypeMTF, Config: DefaultMTFConfig()}

	var sells, buys int
	for n := 204; n <= len(cs); n++ {
		res, err := NewMTFStrategy().Evaluate(context.Background(), Input{
			Strategy:     def,
			Candles:      cs[:n],
			PositionOpen: true,
			PositionSide: SignalBuy,
		})
		require.NoError(t, err)
		switch res.Type {
		case SignalSell:
			sells++
		case SignalBuy:
			buys++
		}
	}
	assert.Equal(t, 1, sells)
	assert.Zero(t, buys)
}
