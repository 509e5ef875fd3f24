package candles

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// DefaultCapacity is used when a store is created with a non-positive capacity.
const DefaultCapacity = 300

// UpdateResult reports what Update did with an incoming candle.
type UpdateResult int

const (
	Ignored UpdateResult = iota
	Replaced
	Appended
)

func (r UpdateResult) String() string {
	switch r {
	case Replaced:
		return "replaced"
	case Appended:
		return "appended"
	default:
		return "ignored"
	}
}

// HistoryLoader reads persisted candles for warm start. Implementations
// return at most limit closed candles, newest first.
type HistoryLoader interface {
	LoadRecentCandles(ctx context.Context, key Key, limit int) ([]Candle, error)
}

// Buffer is a capacity-bounded, chronologically ordered candle sequence.
// Each buffer carries its own lock so concurrent sessions addressing the
// same key serialize on that key only.
type Buffer struct {
	mu       sync.RWMutex
	candles  []Candle
	capacity int
}

func newBuffer(capacity int) *Buffer {
	return &Buffer{
		candles:  make([]Candle, 0, capacity),
		capacity: capacity,
	}
}

// Len returns the number of buffered candles.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.candles)
}

// Capacity returns the configured bound.
func (b *Buffer) Capacity() int {
	return b.capacity
}

// Snapshot returns a copy safe to hand to evaluators.
func (b *Buffer) Snapshot() []Candle {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Candle, len(b.candles))
	copy(out, b.candles)
	return out
}

// Last returns the tail candle.
func (b *Buffer) Last() (Candle, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.candles) == 0 {
		return Candle{}, false
	}
	return b.candles[len(b.candles)-1], true
}

// Update applies one live candle.
//
// A candle sharing the tail's timestamp replaces the tail in place, unless
// the tail is closed and the update is not. A closed candle with a newer
// timestamp is appended, evicting from the head while the buffer exceeds
// capacity. Open candles with a new timestamp and anything older than the
// tail are ignored, so every buffered candle is closed.
func (b *Buffer) Update(c Candle) UpdateResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n := len(b.candles); n > 0 {
		last := b.candles[n-1]
		if last.Timestamp == c.Timestamp {
			if last.Closed && !c.Closed {
				return Ignored
			}
			b.candles[n-1] = c
			return Replaced
		}
		if c.Timestamp < last.Timestamp {
			return Ignored
		}
	}

	if !c.Closed {
		return Ignored
	}

	b.candles = append(b.candles, c)
	if over := len(b.candles) - b.capacity; over > 0 {
		// shift instead of reslicing so the backing array does not grow forever
		copy(b.candles, b.candles[over:])
		b.candles = b.candles[:b.capacity]
	}
	return Appended
}

// seed replaces an empty buffer's contents with ascending history.
func (b *Buffer) seed(history []Candle) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.candles) > 0 {
		return 0
	}
	for _, c := range history {
		if n := len(b.candles); n > 0 && c.Timestamp <= b.candles[n-1].Timestamp {
			continue
		}
		b.candles = append(b.candles, c)
	}
	if over := len(b.candles) - b.capacity; over > 0 {
		b.candles = append(b.candles[:0], b.candles[over:]...)
	}
	return len(b.candles)
}

// Store owns every buffer of the process, keyed by (symbol, timeframe, exchange).
type Store struct {
	mu       sync.RWMutex
	buffers  map[Key]*Buffer
	capacity int
}

// NewStore creates an empty store whose buffers hold at most capacity candles.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		buffers:  make(map[Key]*Buffer),
		capacity: capacity,
	}
}

// Capacity returns the per-buffer bound.
func (s *Store) Capacity() int {
	return s.capacity
}

// GetOrCreate returns the buffer for key, creating an empty one if needed.
func (s *Store) GetOrCreate(key Key) *Buffer {
	s.mu.RLock()
	buf, ok := s.buffers[key]
	s.mu.RUnlock()
	if ok {
		return buf
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if buf, ok = s.buffers[key]; ok {
		return buf
	}
	buf = newBuffer(s.capacity)
	s.buffers[key] = buf
	return buf
}

// Update routes a candle into its buffer.
func (s *Store) Update(key Key, c Candle) UpdateResult {
	return s.GetOrCreate(key).Update(c)
}

// Snapshot copies the buffer for key; nil when the key was never seen.
func (s *Store) Snapshot(key Key) []Candle {
	s.mu.RLock()
	buf, ok := s.buffers[key]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return buf.Snapshot()
}

// Keys lists every tracked key.
func (s *Store) Keys() []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]Key, 0, len(s.buffers))
	for k := range s.buffers {
		keys = append(keys, k)
	}
	return keys
}

// WarmStart seeds an empty buffer with the most recent capacity closed
// candles from history, in ascending order. A buffer that already holds data
// is left untouched and 0 is returned.
func (s *Store) WarmStart(ctx context.Context, key Key, loader HistoryLoader) (int, error) {
	buf := s.GetOrCreate(key)
	if buf.Len() > 0 {
		return 0, nil
	}

	recent, err := loader.LoadRecentCandles(ctx, key, s.capacity)
	if err != nil {
		return 0, fmt.Errorf("load history for %s: %w", key, err)
	}

	history := make([]Candle, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		c := recent[i]
		c.Closed = true
		history = append(history, c)
	}
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].Timestamp < history[j].Timestamp
	})
	return buf.seed(history), nil
}
