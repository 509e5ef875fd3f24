package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-engine/internal/strategy"
)

type fakeStore struct {
	mu        sync.Mutex
	signals   map[string]*strategy.Signal
	buffered  []*strategy.Signal
	delivered []string
	failNext  int
	failAll   bool
	bufferErr error
	inserts   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{signals: make(map[string]*strategy.Signal)}
}

func (s *fakeStore) InsertSignal(_ context.Context, sig *strategy.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts++
	if s.failAll || s.failNext > 0 {
		s.failNext--
		return errors.New("connection reset by peer")
	}
	if _, ok := s.signals[sig.IdempotencyKey()]; ok {
		return ErrDuplicateSignal
	}
	cp := *sig
	s.signals[sig.IdempotencyKey()] = &cp
	return nil
}

func (s *fakeStore) BufferSignal(_ context.Context, sig *strategy.Signal, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bufferErr != nil {
		return s.bufferErr
	}
	s.buffered = append(s.buffered, sig)
	return nil
}

func (s *fakeStore) MarkDelivered(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, id)
	return nil
}

type fakeNotifier struct {
	calls int
	err   error
}

func (n *fakeNotifier) Notify(context.Context, *strategy.Signal) error {
	n.calls++
	return n.err
}

type fakeCooldown struct {
	touched map[strategy.CooldownKey]time.Time
}

func (c *fakeCooldown) Touch(_ context.Context, key strategy.CooldownKey, at time.Time) error {
	if c.touched == nil {
		c.touched = make(map[strategy.CooldownKey]time.Time)
	}
	c.touched[key] = at
	return nil
}

type fakePublisher struct{ published []*strategy.Signal }

func (p *fakePublisher) PublishSignal(sig *strategy.Signal) { p.published = append(p.published, sig) }

type link bool

func (l link) Connected() bool { return bool(l) }

// instantTimer fires immediately and records every requested wait.
type instantTimer struct {
	waits *[]time.Duration
	c     chan time.Time
}

func (t *instantTimer) Start(d time.Duration) {
	*t.waits = append(*t.waits, d)
	t.c = make(chan time.Time, 1)
	t.c <- time.Now()
}

func (t *instantTimer) Stop() {}

func (t *instantTimer) C() <-chan time.Time { return t.c }

type fixture struct {
	store     *fakeStore
	notifier  *fakeNotifier
	cooldown  *fakeCooldown
	publisher *fakePublisher
	waits     []time.Duration
	d         *Dispatcher
}

func newFixture() *fixture {
	f := &fixture{
		store:     newFakeStore(),
		notifier:  &fakeNotifier{},
		cooldown:  &fakeCooldown{},
		publisher: &fakePublisher{},
	}
	f.d = New(f.store, f.cooldown, zerolog.Nop(),
		WithNotifier(f.notifier),
		WithPublisher(f.publisher),
		WithTimer(func() backoff.Timer { return &instantTimer{waits: &f.waits} }),
	)
	return f
}

func newSignal() *strategy.Signal {
	return &strategy.Signal{
		StrategyID:      5,
		UserID:          "u1",
		Type:            strategy.SignalBuy,
		Symbol:          "ETHUSDT",
		Timeframe:       "5m",
		Exchange:        "binance",
		Price:           3120.5,
		Reason:          "entry conditions met",
		CandleCloseTime: time.Date(2024, 5, 1, 12, 4, 59, 999e6, time.UTC),
	}
}

func TestDeliverStoresAndNotifies(t *testing.T) {
	f := newFixture()
	sig := newSignal()

	out, err := f.d.Deliver(context.Background(), sig, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStored, out)
	assert.NotEmpty(t, sig.ID)
	assert.Equal(t, strategy.StatusDelivered, sig.Status)
	assert.Equal(t, 1, f.notifier.calls)
	assert.Equal(t, []string{sig.ID}, f.store.delivered)
	assert.Len(t, f.publisher.published, 1)
	assert.Contains(t, f.cooldown.touched, strategy.CooldownKey{StrategyID: 5, Symbol: "ETHUSDT", Timeframe: "5m"})
	assert.Empty(t, f.waits)
}

func TestDuplicateIsSuccessWithoutNotify(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	out, err := f.d.Deliver(ctx, newSignal(), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStored, out)

	out, err = f.d.Deliver(ctx, newSignal(), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, out)

	assert.Len(t, f.store.signals, 1)
	assert.Equal(t, 1, f.notifier.calls)
	assert.Len(t, f.publisher.published, 1)
	assert.Empty(t, f.waits, "duplicate key must not be retried")
}

func TestTransientFailuresRetryWithBackoff(t *testing.T) {
	f := newFixture()
	f.store.failNext = 2

	out, err := f.d.Deliver(context.Background(), newSignal(), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStored, out)
	assert.Equal(t, 3, f.store.inserts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, f.waits)
}

func TestExhaustedRetriesBufferOffline(t *testing.T) {
	f := newFixture()
	f.store.failAll = true

	sig := newSignal()
	out, err := f.d.Deliver(context.Background(), sig, nil)
	require.ErrorIs(t, err, ErrPersistenceExhausted)
	assert.Equal(t, OutcomeBuffered, out)
	assert.Equal(t, 4, f.store.inserts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, f.waits)
	require.Len(t, f.store.buffered, 1)
	assert.Equal(t, sig.ID, f.store.buffered[0].ID)
	assert.Zero(t, f.notifier.calls)
	assert.Equal(t, strategy.StatusPending, sig.Status)
}

func TestBufferFailureSurfacesError(t *testing.T) {
	f := newFixture()
	f.store.failAll = true
	f.store.bufferErr = errors.New("disk full")

	_, err := f.d.Deliver(context.Background(), newSignal(), nil)
	require.ErrorIs(t, err, ErrSignalLost)
	assert.NotErrorIs(t, err, ErrPersistenceExhausted)
	assert.Contains(t, err.Error(), "disk full")
	assert.Empty(t, f.cooldown.touched)
}

func TestDisconnectedLinkBuffersDirectly(t *testing.T) {
	f := newFixture()

	err := f.d.Bind(link(false)).Dispatch(context.Background(), newSignal())
	require.NoError(t, err)
	assert.Zero(t, f.store.inserts)
	assert.Len(t, f.store.buffered, 1)
	assert.Empty(t, f.waits)
	assert.Zero(t, f.notifier.calls)
}

func TestConnectedLinkUsesPrimaryPath(t *testing.T) {
	f := newFixture()

	err := f.d.Bind(link(true)).Dispatch(context.Background(), newSignal())
	require.NoError(t, err)
	assert.Equal(t, 1, f.store.inserts)
	assert.Empty(t, f.store.buffered)
}

func TestNotifyFailureKeepsSignalPending(t *testing.T) {
	f := newFixture()
	f.notifier.err = errors.New("telegram: 502")

	sig := newSignal()
	out, err := f.d.Deliver(context.Background(), sig, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStored, out)
	assert.Equal(t, strategy.StatusPending, sig.Status)
	assert.Empty(t, f.store.delivered)
	assert.Len(t, f.store.signals, 1)
}

func TestCanceledContextDoesNotAbortDispatch(t *testing.T) {
	f := newFixture()
	f.store.failNext = 1
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := f.d.Deliver(ctx, newSignal(), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStored, out)
}

func TestRetryOverride(t *testing.T) {
	f := newFixture()
	f.d = New(f.store, f.cooldown, zerolog.Nop(),
		WithRetry(10*time.Millisecond, 3, 2),
		WithTimer(func() backoff.Timer { return &instantTimer{waits: &f.waits} }),
	)
	f.store.failAll = true

	_, err := f.d.Deliver(context.Background(), newSignal(), nil)
	require.ErrorIs(t, err, ErrPersistenceExhausted)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 30 * time.Millisecond}, f.waits)
}
