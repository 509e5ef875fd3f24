package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"signal-engine/internal/position"
	"signal-engine/internal/strategy"
)

// touchScript stores ARGV[1] (unix ms) unless a later time is already stored.
var touchScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

// Cooldown shares last-signal times across engine processes through Redis.
// Every write also lands in a local map that answers while Redis is down.
type Cooldown struct {
	cache  *CacheService
	local  *position.MemoryCooldown
	window time.Duration
	logger zerolog.Logger
}

// NewCooldown returns a tracker whose Redis keys expire after window. A nil
// cache gives a purely local tracker.
func NewCooldown(cache *CacheService, window time.Duration, logger zerolog.Logger) *Cooldown {
	if window < time.Second {
		window = time.Second
	}
	return &Cooldown{
		cache:  cache,
		local:  position.NewMemoryCooldown(),
		window: window,
		logger: logger.With().Str("component", "CooldownCache").Logger(),
	}
}

func (c *Cooldown) LastSignal(ctx context.Context, key strategy.CooldownKey) (time.Time, bool, error) {
	last, ok, _ := c.local.LastSignal(ctx, key)
	if c.cache == nil {
		return last, ok, nil
	}

	raw, err := c.cache.Get(ctx, c.cache.key(keyCooldown, key.String()))
	if err != nil {
		if !errors.Is(err, redis.Nil) && !errors.Is(err, ErrUnavailable) {
			c.logger.Debug().Err(err).Str("key", key.String()).Msg("Cooldown read fell back to local map")
		}
		return last, ok, nil
	}

	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		c.logger.Warn().Str("key", key.String()).Str("value", raw).Msg("Ignoring malformed cooldown value")
		return last, ok, nil
	}
	shared := time.UnixMilli(ms)
	if !ok || shared.After(last) {
		return shared, true, nil
	}
	return last, ok, nil
}

func (c *Cooldown) Touch(ctx context.Context, key strategy.CooldownKey, at time.Time) error {
	_ = c.local.Touch(ctx, key, at)
	if c.cache == nil {
		return nil
	}

	_, err := c.cache.RunScript(ctx, touchScript,
		[]string{c.cache.key(keyCooldown, key.String())},
		at.UnixMilli(), c.window.Milliseconds(),
	)
	if err != nil && !errors.Is(err, ErrUnavailable) {
		c.logger.Warn().Err(err).Str("key", key.String()).Msg("Cooldown write kept local only")
	}
	return nil
}
