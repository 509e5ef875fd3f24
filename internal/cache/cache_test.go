package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-engine/config"
	"signal-engine/internal/candles"
	"signal-engine/internal/strategy"
)

// degradedService never reaches a server: it starts unhealthy and its health
// probe interval is longer than any test.
func degradedService() *CacheService {
	return &CacheService{
		client:        redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}),
		config:        config.RedisConfig{Address: "127.0.0.1:1", KeyPrefix: "test"},
		logger:        zerolog.Nop(),
		maxFailures:   3,
		checkInterval: time.Hour,
		lastCheck:     time.Now(),
	}
}

func TestNewCacheServiceDisabled(t *testing.T) {
	_, err := NewCacheService(config.RedisConfig{Enabled: false}, zerolog.Nop())
	assert.Error(t, err)
}

func TestDegradedServiceShortCircuits(t *testing.T) {
	cs := degradedService()
	ctx := context.Background()

	_, err := cs.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, cs.Set(ctx, "k", "v", time.Minute), ErrUnavailable)
	assert.ErrorIs(t, cs.DeletePattern(ctx, "k*"), ErrUnavailable)
	_, err = cs.RunScript(ctx, touchScript, []string{"k"}, 1, 1)
	assert.ErrorIs(t, err, ErrUnavailable)

	stats := cs.GetStats()
	assert.False(t, stats.Healthy)
	assert.Equal(t, "127.0.0.1:1", stats.Address)
}

func TestFailureCountMarksUnhealthy(t *testing.T) {
	cs := degradedService()
	cs.healthy = true

	cs.recordFailure()
	cs.recordFailure()
	assert.True(t, cs.IsHealthy())
	cs.recordFailure()
	assert.False(t, cs.IsHealthy())

	cs.recordSuccess()
	assert.True(t, cs.IsHealthy())
	assert.Equal(t, 0, cs.GetStats().FailureCount)
}

func TestKeyFormat(t *testing.T) {
	cs := degradedService()
	key := strategy.CooldownKey{StrategyID: 7, Symbol: "BTCUSDT", Timeframe: "1m"}
	assert.Equal(t, "test:cooldown:7:BTCUSDT:1m", cs.key(keyCooldown, key.String()))

	ck := candles.NewKey("btcusdt", "5m", "Binance")
	assert.Equal(t, "test:candles:binance:BTCUSDT:5m:300", cs.key(keyCandles, ck.String(), 300))
	assert.Equal(t, "test:candles:binance:BTCUSDT:5m:*", cs.key(keyAnyLimit, ck.String()))
}

func TestCooldownFallsBackToLocal(t *testing.T) {
	for name, cs := range map[string]*CacheService{"degraded": degradedService(), "no cache": nil} {
		t.Run(name, func(t *testing.T) {
			cd := NewCooldown(cs, time.Minute, zerolog.Nop())
			ctx := context.Background()
			key := strategy.CooldownKey{StrategyID: 1, Symbol: "ETHUSDT", Timeframe: "1m"}

			_, ok, err := cd.LastSignal(ctx, key)
			require.NoError(t, err)
			assert.False(t, ok)

			at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
			require.NoError(t, cd.Touch(ctx, key, at))
			require.NoError(t, cd.Touch(ctx, key, at.Add(-time.Minute)))

			last, ok, err := cd.LastSignal(ctx, key)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.True(t, at.Equal(last))
		})
	}
}

type fakeHistory struct {
	loads int
	saved []candles.Candle
	err   error
}

func (f *fakeHistory) LoadRecentCandles(_ context.Context, _ candles.Key, limit int) ([]candles.Candle, error) {
	f.loads++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]candles.Candle, 0, limit)
	for i := limit; i > 0; i-- {
		out = append(out, candles.Candle{Timestamp: int64(i) * 60_000, Close: float64(i), Closed: true})
	}
	return out, nil
}

func (f *fakeHistory) SaveCandle(_ context.Context, _ candles.Key, c candles.Candle) error {
	f.saved = append(f.saved, c)
	return f.err
}

func TestHistoryPassesThroughWhenCacheDown(t *testing.T) {
	next := &fakeHistory{}
	h := NewHistory(degradedService(), next, time.Minute, zerolog.Nop())
	ctx := context.Background()
	key := candles.NewKey("BTCUSDT", "1m", "binance")

	got, err := h.LoadRecentCandles(ctx, key, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 3.0, got[0].Close)

	_, err = h.LoadRecentCandles(ctx, key, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, next.loads)

	require.NoError(t, h.SaveCandle(ctx, key, candles.Candle{Timestamp: 1}))
	assert.Len(t, next.saved, 1)
}

func TestHistoryPropagatesStoreErrors(t *testing.T) {
	boom := errors.New("db down")
	h := NewHistory(nil, &fakeHistory{err: boom}, 0, zerolog.Nop())

	_, err := h.LoadRecentCandles(context.Background(), candles.NewKey("BTCUSDT", "1m", "binance"), 5)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, h.SaveCandle(context.Background(), candles.NewKey("BTCUSDT", "1m", "binance"), candles.Candle{}), boom)
}
