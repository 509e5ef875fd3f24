package candles

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func minute(i int, price float64, closed bool) Candle {
	return Candle{Open: price, High: price, Low: price, Close: price, Timestamp: int64(i) * 60_000, Closed: closed}
}

func TestUpdateAppendsOnlyClosedCandles(t *testing.T) {
	s := NewStore(3)
	key := NewKey("btcusdt", "1m", "binance")

	assert.Equal(t, Ignored, s.Update(key, minute(1, 100, false)))
	assert.Equal(t, Appended, s.Update(key, minute(1, 100, true)))
	assert.Equal(t, Ignored, s.Update(key, minute(2, 101, false)))
	assert.Equal(t, Appended, s.Update(key, minute(2, 101, true)))
	assert.Equal(t, Ignored, s.Update(key, minute(0, 99, true)))

	for i := 3; i <= 5; i++ {
		assert.Equal(t, Appended, s.Update(key, minute(i, 100+float64(i), true)))
	}
	got := s.Snapshot(key)
	require.Len(t, got, 3)
	assert.Equal(t, int64(3*60_000), got[0].Timestamp)
	assert.Equal(t, int64(5*60_000), got[2].Timestamp)
}

func TestOpenTickDoesNotReopenClosedTail(t *testing.T) {
	s := NewStore(10)
	key := NewKey("ethusdt", "1m", "binance")

	require.Equal(t, Appended, s.Update(key, minute(1, 100, true)))
	assert.Equal(t, Ignored, s.Update(key, minute(1, 250, false)))
	require.Equal(t, Appended, s.Update(key, minute(2, 101, true)))

	got := s.Snapshot(key)
	require.Len(t, got, 2)
	for _, c := range got {
		assert.True(t, c.Closed)
	}
	assert.Equal(t, 100.0, got[0].Close)

	// a corrected closed candle still replaces the tail
	assert.Equal(t, Replaced, s.Update(key, minute(2, 102, true)))
	last, ok := s.GetOrCreate(key).Last()
	require.True(t, ok)
	assert.Equal(t, 102.0, last.Close)
}

type fixedLoader []Candle

func (l fixedLoader) LoadRecentCandles(context.Context, Key, int) ([]Candle, error) {
	return l, nil
}

func TestWarmStartSeedsOnlyEmptyBuffer(t *testing.T) {
	s := NewStore(2)
	key := NewKey("btcusdt", "5m", "binance")

	// newest first, as loaders return them
	n, err := s.WarmStart(context.Background(), key, fixedLoader{minute(3, 3, false), minute(2, 2, false), minute(1, 1, false)})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got := s.Snapshot(key)
	require.Len(t, got, 2)
	assert.Equal(t, 2.0, got[0].Close)
	assert.Equal(t, 3.0, got[1].Close)
	assert.True(t, got[1].Closed)

	n, err = s.WarmStart(context.Background(), key, fixedLoader{minute(9, 9, true)})
	require.NoError(t, err)
	assert.Zero(t, n)
}
