package position

import (
	"context"
	"sync"
	"time"

	"signal-engine/internal/strategy"
)

// DefaultCooldown is the minimum spacing between two signals of one
// (strategy, symbol, timeframe).
const DefaultCooldown = 60 * time.Second

// CooldownTracker stores the time of the last successful signal per key.
type CooldownTracker interface {
	LastSignal(ctx context.Context, key strategy.CooldownKey) (time.Time, bool, error)
	Touch(ctx context.Context, key strategy.CooldownKey, at time.Time) error
}

// MemoryCooldown is the process-local tracker used when no shared store is
// configured.
type MemoryCooldown struct {
	mu   sync.RWMutex
	last map[strategy.CooldownKey]time.Time
}

func NewMemoryCooldown() *MemoryCooldown {
	return &MemoryCooldown{last: make(map[strategy.CooldownKey]time.Time)}
}

func (m *MemoryCooldown) LastSignal(_ context.Context, key strategy.CooldownKey) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.last[key]
	return t, ok, nil
}

func (m *MemoryCooldown) Touch(_ context.Context, key strategy.CooldownKey, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.last[key]; !ok || at.After(prev) {
		m.last[key] = at
	}
	return nil
}
