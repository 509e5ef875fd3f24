package cache

import (
	"context"
	"errors"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"signal-engine/internal/candles"
)

// HistoryStore is the durable candle history behind the cache.
type HistoryStore interface {
	LoadRecentCandles(ctx context.Context, key candles.Key, limit int) ([]candles.Candle, error)
	SaveCandle(ctx context.Context, key candles.Key, c candles.Candle) error
}

// History caches warm-start reads. Saving a candle drops the cached windows
// for its key so the next warm start sees it.
type History struct {
	cache  *CacheService
	next   HistoryStore
	ttl    time.Duration
	logger zerolog.Logger
}

func NewHistory(cache *CacheService, next HistoryStore, ttl time.Duration, logger zerolog.Logger) *History {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &History{
		cache:  cache,
		next:   next,
		ttl:    ttl,
		logger: logger.With().Str("component", "HistoryCache").Logger(),
	}
}

// LoadRecentCandles returns up to limit candles, newest first.
func (h *History) LoadRecentCandles(ctx context.Context, key candles.Key, limit int) ([]candles.Candle, error) {
	if h.cache == nil {
		return h.next.LoadRecentCandles(ctx, key, limit)
	}

	cacheKey := h.cache.key(keyCandles, key.String(), limit)
	if raw, err := h.cache.Get(ctx, cacheKey); err == nil {
		var cached []candles.Candle
		if err := json.Unmarshal([]byte(raw), &cached); err == nil {
			return cached, nil
		}
		h.logger.Warn().Str("key", cacheKey).Msg("Discarding undecodable cached candles")
	} else if !errors.Is(err, redis.Nil) && !errors.Is(err, ErrUnavailable) {
		h.logger.Debug().Err(err).Str("key", cacheKey).Msg("Candle cache read failed")
	}

	loaded, err := h.next.LoadRecentCandles(ctx, key, limit)
	if err != nil {
		return nil, err
	}
	if len(loaded) > 0 {
		if data, err := json.Marshal(loaded); err == nil {
			_ = h.cache.Set(ctx, cacheKey, data, h.ttl)
		}
	}
	return loaded, nil
}

// SaveCandle writes through to the store.
func (h *History) SaveCandle(ctx context.Context, key candles.Key, c candles.Candle) error {
	if err := h.next.SaveCandle(ctx, key, c); err != nil {
		return err
	}
	if h.cache != nil {
		if err := h.cache.DeletePattern(ctx, h.cache.key(keyAnyLimit, key.String())); err != nil && !errors.Is(err, ErrUnavailable) {
			h.logger.Debug().Err(err).Str("key", key.String()).Msg("Candle cache invalidation failed")
		}
	}
	return nil
}
