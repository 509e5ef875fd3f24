package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"signal-engine/internal/candles"
	"signal-engine/internal/dispatch"
	"signal-engine/internal/strategy"
)

// uniqueViolation is the PostgreSQL SQLSTATE for a unique constraint hit.
const uniqueViolation = "23505"

// Repository provides data access methods. It implements the live-state,
// cross-state, signal and history contracts the engine depends on.
type Repository struct {
	db     *DB
	logger zerolog.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{
		db:     db,
		logger: db.logger.With().Str("component", "Repository").Logger(),
	}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// ============================================================================
// STRATEGIES
// ============================================================================

// LoadStrategies returns the user's active strategies on exchange with their
// conditions. Definitions that fail validation are logged and left out.
func (r *Repository) LoadStrategies(ctx context.Context, userID, exchange string) ([]*strategy.Definition, error) {
	query := `
		SELECT id, user_id, name, symbol, timeframe, exchange, strategy_type, params
		FROM strategies
		WHERE user_id = $1 AND exchange = $2 AND active
		ORDER BY id
	`
	rows, err := r.db.Pool.Query(ctx, query, userID, exchange)
	if err != nil {
		return nil, fmt.Errorf("query strategies: %w", err)
	}
	strategies, err := pgx.CollectRows(rows, pgx.RowToStructByName[strategyRow])
	if err != nil {
		return nil, fmt.Errorf("scan strategies: %w", err)
	}
	if len(strategies) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(strategies))
	for i, s := range strategies {
		ids[i] = s.ID
	}
	conditions, err := r.loadConditions(ctx, ids)
	if err != nil {
		return nil, err
	}

	defs, invalid := assembleDefinitions(strategies, conditions)
	for _, err := range invalid {
		r.logger.Warn().Err(err).Str("user_id", userID).Msg("Skipping invalid strategy")
	}
	return defs, nil
}

func (r *Repository) loadConditions(ctx context.Context, strategyIDs []int64) ([]conditionRow, error) {
	query := `
		SELECT strategy_id, kind, indicator_type, operator, threshold, period, position
		FROM strategy_conditions
		WHERE strategy_id = ANY($1)
		ORDER BY strategy_id, kind, position, id
	`
	rows, err := r.db.Pool.Query(ctx, query, strategyIDs)
	if err != nil {
		return nil, fmt.Errorf("query conditions: %w", err)
	}
	conditions, err := pgx.CollectRows(rows, pgx.RowToStructByName[conditionRow])
	if err != nil {
		return nil, fmt.Errorf("scan conditions: %w", err)
	}
	return conditions, nil
}

// ============================================================================
// LIVE STATE
// ============================================================================

// GetLiveState reads a strategy's live state, creating the default row on
// first use.
func (r *Repository) GetLiveState(ctx context.Context, strategyID int64) (*strategy.LiveState, error) {
	if _, err := r.db.Pool.Exec(ctx,
		`INSERT INTO strategy_live_state (strategy_id) VALUES ($1) ON CONFLICT (strategy_id) DO NOTHING`,
		strategyID,
	); err != nil {
		return nil, fmt.Errorf("ensure live state %d: %w", strategyID, err)
	}

	query := `
		SELECT position_open, COALESCE(position_side, ''), entry_price::float8, entry_time,
		       version, last_cross_direction, last_processed_candle_time
		FROM strategy_live_state
		WHERE strategy_id = $1
	`
	ls := strategy.NewLiveState(strategyID)
	var side, cross string
	err := r.db.Pool.QueryRow(ctx, query, strategyID).Scan(
		&ls.PositionOpen, &side, &ls.EntryPrice, &ls.EntryTime,
		&ls.Version, &cross, &ls.LastProcessedCandleTime,
	)
	if err != nil {
		return nil, fmt.Errorf("read live state %d: %w", strategyID, err)
	}
	ls.PositionSide = strategy.SignalType(side)
	ls.LastCrossDirection = strategy.CrossDirection(cross)
	return ls, nil
}

// OpenPosition records an entry.
func (r *Repository) OpenPosition(ctx context.Context, strategyID int64, side strategy.SignalType, price float64, at time.Time) error {
	query := `
		INSERT INTO strategy_live_state (strategy_id, position_open, position_side, entry_price, entry_time, version, updated_at)
		VALUES ($1, TRUE, $2, $3, $4, 1, NOW())
		ON CONFLICT (strategy_id) DO UPDATE SET
			position_open = TRUE,
			position_side = EXCLUDED.position_side,
			entry_price = EXCLUDED.entry_price,
			entry_time = EXCLUDED.entry_time,
			version = strategy_live_state.version + 1,
			updated_at = NOW()
	`
	if _, err := r.db.Pool.Exec(ctx, query, strategyID, string(side), decimal.NewFromFloat(price), at); err != nil {
		return fmt.Errorf("open position %d: %w", strategyID, err)
	}
	return nil
}

// ClosePosition records an exit and clears the entry fields.
func (r *Repository) ClosePosition(ctx context.Context, strategyID int64) error {
	query := `
		INSERT INTO strategy_live_state (strategy_id, version, updated_at)
		VALUES ($1, 1, NOW())
		ON CONFLICT (strategy_id) DO UPDATE SET
			position_open = FALSE,
			position_side = NULL,
			entry_price = NULL,
			entry_time = NULL,
			version = strategy_live_state.version + 1,
			updated_at = NOW()
	`
	if _, err := r.db.Pool.Exec(ctx, query, strategyID); err != nil {
		return fmt.Errorf("close position %d: %w", strategyID, err)
	}
	return nil
}

// AdvanceProcessedCandle moves last_processed_candle_time forward. It never
// moves it back.
func (r *Repository) AdvanceProcessedCandle(ctx context.Context, strategyID int64, candleTime time.Time) error {
	query := `
		INSERT INTO strategy_live_state (strategy_id, last_processed_candle_time, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (strategy_id) DO UPDATE SET
			last_processed_candle_time = GREATEST(strategy_live_state.last_processed_candle_time, EXCLUDED.last_processed_candle_time),
			updated_at = NOW()
	`
	if _, err := r.db.Pool.Exec(ctx, query, strategyID, candleTime); err != nil {
		return fmt.Errorf("advance processed candle %d: %w", strategyID, err)
	}
	return nil
}

// CompareAndSwapCrossDirection writes dir only when version still matches.
func (r *Repository) CompareAndSwapCrossDirection(ctx context.Context, strategyID, expectedVersion int64, dir strategy.CrossDirection) error {
	query := `
		UPDATE strategy_live_state
		SET last_cross_direction = $3, version = version + 1, updated_at = NOW()
		WHERE strategy_id = $1 AND version = $2
	`
	tag, err := r.db.Pool.Exec(ctx, query, strategyID, expectedVersion, string(dir))
	if err != nil {
		return fmt.Errorf("swap cross direction %d: %w", strategyID, err)
	}
	if tag.RowsAffected() == 0 {
		return strategy.ErrVersionConflict
	}
	return nil
}

// ============================================================================
// SIGNALS
// ============================================================================

// InsertSignal stores a signal. A second insert with the same idempotency key
// returns dispatch.ErrDuplicateSignal.
func (r *Repository) InsertSignal(ctx context.Context, sig *strategy.Signal) error {
	query := `
		INSERT INTO signals (
			id, strategy_id, user_id, signal_type, symbol, timeframe, exchange, price, reason,
			stop_loss, take_profit_1, take_profit_2, confidence, candle_close_time, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		sig.ID, sig.StrategyID, sig.UserID, string(sig.Type), sig.Symbol, sig.Timeframe, sig.Exchange,
		decimal.NewFromFloat(sig.Price), sig.Reason,
		nullDecimal(sig.StopLoss), nullDecimal(sig.TakeProfit1), nullDecimal(sig.TakeProfit2), sig.Confidence,
		sig.CandleCloseTime, string(sig.Status), sig.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", dispatch.ErrDuplicateSignal, sig.IdempotencyKey())
	}
	if err != nil {
		return fmt.Errorf("insert signal %s: %w", sig.IdempotencyKey(), err)
	}
	return nil
}

// MarkDelivered flips a stored signal to delivered.
func (r *Repository) MarkDelivered(ctx context.Context, signalID string) error {
	query := `
		UPDATE signals SET status = $2, delivered_at = NOW()
		WHERE id = $1 AND status <> $2
	`
	if _, err := r.db.Pool.Exec(ctx, query, signalID, string(strategy.StatusDelivered)); err != nil {
		return fmt.Errorf("mark delivered %s: %w", signalID, err)
	}
	return nil
}

// RecentSignals lists the user's latest signals, newest first.
func (r *Repository) RecentSignals(ctx context.Context, userID string, limit int) ([]*strategy.Signal, error) {
	query := `
		SELECT id::text, strategy_id, user_id, signal_type, symbol, timeframe, exchange, price::float8,
		       COALESCE(reason, ''), stop_loss::float8, take_profit_1::float8, take_profit_2::float8,
		       confidence, candle_close_time, status, created_at
		FROM signals
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	var out []*strategy.Signal
	for rows.Next() {
		sig := &strategy.Signal{}
		var sigType, status string
		if err := rows.Scan(
			&sig.ID, &sig.StrategyID, &sig.UserID, &sigType, &sig.Symbol, &sig.Timeframe, &sig.Exchange,
			&sig.Price, &sig.Reason, &sig.StopLoss, &sig.TakeProfit1, &sig.TakeProfit2,
			&sig.Confidence, &sig.CandleCloseTime, &status, &sig.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		sig.Type = strategy.SignalType(sigType)
		sig.Status = strategy.SignalStatus(status)
		out = append(out, sig)
	}
	return out, rows.Err()
}

// ============================================================================
// SIGNAL BUFFER
// ============================================================================

// BufferSignal parks a signal that could not be stored.
func (r *Repository) BufferSignal(ctx context.Context, sig *strategy.Signal, reason string) error {
	payload, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal buffered signal: %w", err)
	}
	query := `
		INSERT INTO signal_buffer (signal_id, strategy_id, payload, reason)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := r.db.Pool.Exec(ctx, query, sig.ID, sig.StrategyID, payload, reason); err != nil {
		return fmt.Errorf("buffer signal %s: %w", sig.IdempotencyKey(), err)
	}
	return nil
}

// PendingBuffered returns up to limit buffered signals, oldest first.
func (r *Repository) PendingBuffered(ctx context.Context, limit int) ([]BufferedSignal, error) {
	query := `
		SELECT id, payload, reason, buffered_at
		FROM signal_buffer
		ORDER BY id
		LIMIT $1
	`
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query signal buffer: %w", err)
	}
	defer rows.Close()

	var out []BufferedSignal
	for rows.Next() {
		var (
			b       BufferedSignal
			payload []byte
		)
		if err := rows.Scan(&b.ID, &payload, &b.Reason, &b.BufferedAt); err != nil {
			return nil, fmt.Errorf("scan buffered signal: %w", err)
		}
		sig, err := decodeBuffered(payload)
		if err != nil {
			r.logger.Warn().Err(err).Int64("buffer_id", b.ID).Msg("Unreadable buffered signal")
			continue
		}
		b.Signal = sig
		out = append(out, b)
	}
	return out, rows.Err()
}

// DeleteBuffered removes a replayed buffer row.
func (r *Repository) DeleteBuffered(ctx context.Context, id int64) error {
	if _, err := r.db.Pool.Exec(ctx, `DELETE FROM signal_buffer WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete buffered %d: %w", id, err)
	}
	return nil
}

// ============================================================================
// OHLCV HISTORY
// ============================================================================

// LoadRecentCandles returns up to limit stored candles for key, newest first.
func (r *Repository) LoadRecentCandles(ctx context.Context, key candles.Key, limit int) ([]candles.Candle, error) {
	query := `
		SELECT open_time, close_time, open::float8, high::float8, low::float8, close::float8, volume::float8
		FROM ohlcv
		WHERE exchange = $1 AND symbol = $2 AND timeframe = $3
		ORDER BY open_time DESC
		LIMIT $4
	`
	rows, err := r.db.Pool.Query(ctx, query, key.Exchange, key.Symbol, key.Timeframe, limit)
	if err != nil {
		return nil, fmt.Errorf("query ohlcv %s: %w", key, err)
	}
	defer rows.Close()

	out := make([]candles.Candle, 0, limit)
	for rows.Next() {
		var (
			openTime  time.Time
			closeTime *time.Time
			c         candles.Candle
		)
		if err := rows.Scan(&openTime, &closeTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("scan ohlcv %s: %w", key, err)
		}
		c.Timestamp = openTime.UnixMilli()
		if closeTime != nil {
			c.CloseTime = closeTime.UnixMilli()
		}
		c.Closed = true
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveCandle upserts one closed candle.
func (r *Repository) SaveCandle(ctx context.Context, key candles.Key, c candles.Candle) error {
	query := `
		INSERT INTO ohlcv (exchange, symbol, timeframe, open_time, close_time, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (exchange, symbol, timeframe, open_time) DO UPDATE SET
			close_time = EXCLUDED.close_time,
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume
	`
	_, err := r.db.Pool.Exec(ctx, query,
		key.Exchange, key.Symbol, key.Timeframe, c.OpenTime(), c.BucketCloseTime(),
		decimal.NewFromFloat(c.Open), decimal.NewFromFloat(c.High), decimal.NewFromFloat(c.Low),
		decimal.NewFromFloat(c.Close), decimal.NewFromFloat(c.Volume),
	)
	if err != nil {
		return fmt.Errorf("save candle %s@%d: %w", key, c.Timestamp, err)
	}
	return nil
}
