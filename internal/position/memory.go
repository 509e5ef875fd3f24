package position

import (
	"context"
	"sync"
	"time"

	"signal-engine/internal/strategy"
)

// MemoryStore keeps live state in process memory. It satisfies both
// LiveStateStore and strategy.CrossStateStore and backs the engine when no
// database is configured.
type MemoryStore struct {
	mu     sync.Mutex
	states map[int64]*strategy.LiveState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[int64]*strategy.LiveState)}
}

// lazily creates the default state; caller holds mu
func (s *MemoryStore) get(id int64) *strategy.LiveState {
	ls, ok := s.states[id]
	if !ok {
		ls = strategy.NewLiveState(id)
		s.states[id] = ls
	}
	return ls
}

func (s *MemoryStore) GetLiveState(_ context.Context, strategyID int64) (*strategy.LiveState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.get(strategyID)
	return &cp, nil
}

func (s *MemoryStore) OpenPosition(_ context.Context, strategyID int64, side strategy.SignalType, price float64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls := s.get(strategyID)
	ls.PositionOpen = true
	ls.PositionSide = side
	ls.EntryPrice = &price
	ls.EntryTime = &at
	ls.Version++
	return nil
}

func (s *MemoryStore) ClosePosition(_ context.Context, strategyID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls := s.get(strategyID)
	ls.PositionOpen = false
	ls.PositionSide = ""
	ls.EntryPrice = nil
	ls.EntryTime = nil
	ls.Version++
	return nil
}

func (s *MemoryStore) AdvanceProcessedCandle(_ context.Context, strategyID int64, candleTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls := s.get(strategyID)
	if ls.LastProcessedCandleTime == nil || candleTime.After(*ls.LastProcessedCandleTime) {
		ls.LastProcessedCandleTime = &candleTime
	}
	return nil
}

func (s *MemoryStore) CompareAndSwapCrossDirection(_ context.Context, strategyID int64, expectedVersion int64, dir strategy.CrossDirection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls := s.get(strategyID)
	if ls.Version != expectedVersion {
		return strategy.ErrVersionConflict
	}
	ls.LastCrossDirection = dir
	ls.Version++
	return nil
}
