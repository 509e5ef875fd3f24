package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-engine/internal/candles"
	"signal-engine/internal/dispatch"
	"signal-engine/internal/strategy"
)

// Set SIGNAL_ENGINE_TEST_DSN to a disposable database to run these.
func integrationRepo(t *testing.T) (*Repository, context.Context) {
	t.Helper()
	dsn := os.Getenv("SIGNAL_ENGINE_TEST_DSN")
	if dsn == "" {
		t.Skip("SIGNAL_ENGINE_TEST_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	db := &DB{Pool: pool, logger: zerolog.Nop()}
	require.NoError(t, db.RunMigrations(ctx))
	return NewRepository(db), ctx
}

func insertStrategy(t *testing.T, ctx context.Context, r *Repository, userID string) int64 {
	t.Helper()
	var id int64
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO strategies (user_id, symbol, timeframe, exchange, strategy_type)
		VALUES ($1, 'BTCUSDT', '1m', 'binance', 'condition') RETURNING id`, userID).Scan(&id)
	require.NoError(t, err)
	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO strategy_conditions (strategy_id, kind, indicator_type, operator, threshold, period)
		VALUES ($1, 'entry', 'price', 'crosses_above', 100, 0)`, id)
	require.NoError(t, err)
	return id
}

func TestIntegrationSignalIdempotency(t *testing.T) {
	r, ctx := integrationRepo(t)
	id := insertStrategy(t, ctx, r, "it-"+uuid.New().String())

	closeTime := time.Now().UTC().Truncate(time.Minute)
	sig := &strategy.Signal{
		ID: uuid.New().String(), StrategyID: id, UserID: "u", Type: strategy.SignalBuy,
		Symbol: "BTCUSDT", Timeframe: "1m", Exchange: "binance", Price: 100.5,
		CandleCloseTime: closeTime, Status: strategy.StatusPending, CreatedAt: time.Now(),
	}
	require.NoError(t, r.InsertSignal(ctx, sig))

	again := *sig
	again.ID = uuid.New().String()
	assert.ErrorIs(t, r.InsertSignal(ctx, &again), dispatch.ErrDuplicateSignal)

	require.NoError(t, r.MarkDelivered(ctx, sig.ID))
}

func TestIntegrationLiveStateLifecycle(t *testing.T) {
	r, ctx := integrationRepo(t)
	userID := "it-" + uuid.New().String()
	id := insertStrategy(t, ctx, r, userID)

	defs, err := r.LoadStrategies(ctx, userID, "binance")
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Len(t, defs[0].EntryConditions, 1)

	ls, err := r.GetLiveState(ctx, id)
	require.NoError(t, err)
	assert.False(t, ls.PositionOpen)
	assert.Equal(t, strategy.CrossNone, ls.LastCrossDirection)

	require.NoError(t, r.CompareAndSwapCrossDirection(ctx, id, ls.Version, strategy.CrossUp))
	assert.ErrorIs(t, r.CompareAndSwapCrossDirection(ctx, id, ls.Version, strategy.CrossDown), strategy.ErrVersionConflict)

	at := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, r.OpenPosition(ctx, id, strategy.SignalBuy, 101.25, at))
	require.NoError(t, r.AdvanceProcessedCandle(ctx, id, at))
	require.NoError(t, r.AdvanceProcessedCandle(ctx, id, at.Add(-time.Minute)))

	ls, err = r.GetLiveState(ctx, id)
	require.NoError(t, err)
	assert.True(t, ls.PositionOpen)
	require.NotNil(t, ls.EntryPrice)
	assert.InDelta(t, 101.25, *ls.EntryPrice, 1e-9)
	require.NotNil(t, ls.LastProcessedCandleTime)
	assert.True(t, at.Equal(*ls.LastProcessedCandleTime))

	require.NoError(t, r.ClosePosition(ctx, id))
	ls, err = r.GetLiveState(ctx, id)
	require.NoError(t, err)
	assert.False(t, ls.PositionOpen)
	assert.Nil(t, ls.EntryPrice)
}

func TestIntegrationCandleHistoryNewestFirst(t *testing.T) {
	r, ctx := integrationRepo(t)
	key := candles.NewKey("IT"+uuid.New().String()[:8], "1m", "binance")

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	for i := int64(0); i < 5; i++ {
		c := candles.Candle{Open: 1, High: 2, Low: 0.5, Close: float64(i), Volume: 10, Timestamp: base + i*60_000, CloseTime: base + (i+1)*60_000 - 1, Closed: true}
		require.NoError(t, r.SaveCandle(ctx, key, c))
	}

	got, err := r.LoadRecentCandles(ctx, key, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 4.0, got[0].Close)
	assert.Equal(t, 2.0, got[2].Close)
}
