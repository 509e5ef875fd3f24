// Package dispatch persists signals idempotently, falls back to an offline
// buffer when the primary store is unreachable, and notifies only after the
// signal is durable.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"signal-engine/internal/metrics"
	"signal-engine/internal/strategy"
)

var (
	// ErrDuplicateSignal is returned by Store.InsertSignal when the
	// idempotency key already exists.
	ErrDuplicateSignal = errors.New("signal already stored")
	// ErrPersistenceExhausted means every insert attempt failed; the signal
	// was written to the offline buffer instead.
	ErrPersistenceExhausted = errors.New("signal persistence retries exhausted")
	// ErrSignalLost means the insert and the offline buffer both failed.
	ErrSignalLost = errors.New("signal lost")
)

const (
	DefaultRetryInitial    = time.Second
	DefaultRetryMultiplier = 2.0
	DefaultMaxRetries      = 3
)

// Store is the persistence collaborator.
type Store interface {
	InsertSignal(ctx context.Context, sig *strategy.Signal) error
	BufferSignal(ctx context.Context, sig *strategy.Signal, reason string) error
	MarkDelivered(ctx context.Context, signalID string) error
}

// Notifier delivers a stored signal to the user.
type Notifier interface {
	Notify(ctx context.Context, sig *strategy.Signal) error
}

// CooldownRecorder starts the cooldown window after a signal is written.
type CooldownRecorder interface {
	Touch(ctx context.Context, key strategy.CooldownKey, at time.Time) error
}

// LinkState reports whether the upstream connection is currently usable.
type LinkState interface {
	Connected() bool
}

// Publisher forwards durable signals to in-process subscribers.
type Publisher interface {
	PublishSignal(sig *strategy.Signal)
}

// Outcome is what happened to one dispatched signal.
type Outcome string

const (
	OutcomeStored    Outcome = "stored"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeBuffered  Outcome = "buffered"
)

type Dispatcher struct {
	store     Store
	notifier  Notifier
	cooldown  CooldownRecorder
	publisher Publisher

	retryInitial    time.Duration
	retryMultiplier float64
	maxRetries      uint64
	newTimer        func() backoff.Timer
	now             func() time.Time
	logger          zerolog.Logger
}

type Option func(*Dispatcher)

func WithNotifier(n Notifier) Option { return func(d *Dispatcher) { d.notifier = n } }

func WithPublisher(p Publisher) Option { return func(d *Dispatcher) { d.publisher = p } }

// WithRetry overrides the insert retry schedule.
func WithRetry(initial time.Duration, multiplier float64, maxRetries int) Option {
	return func(d *Dispatcher) {
		d.retryInitial = initial
		d.retryMultiplier = multiplier
		d.maxRetries = uint64(maxRetries)
	}
}

// WithTimer replaces the timer used between retries.
func WithTimer(newTimer func() backoff.Timer) Option {
	return func(d *Dispatcher) { d.newTimer = newTimer }
}

func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

func New(store Store, cooldown CooldownRecorder, logger zerolog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:           store,
		cooldown:        cooldown,
		retryInitial:    DefaultRetryInitial,
		retryMultiplier: DefaultRetryMultiplier,
		maxRetries:      DefaultMaxRetries,
		now:             time.Now,
		logger:          logger.With().Str("component", "SignalDispatcher").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Bind returns a dispatcher view that checks link before every send.
func (d *Dispatcher) Bind(link LinkState) *Bound {
	return &Bound{d: d, link: link}
}

// Bound is a Dispatcher tied to one upstream connection.
type Bound struct {
	d    *Dispatcher
	link LinkState
}

func (b *Bound) Dispatch(ctx context.Context, sig *strategy.Signal) error {
	_, err := b.d.Deliver(ctx, sig, b.link)
	return err
}

// Dispatch delivers sig assuming the upstream link is up.
func (d *Dispatcher) Dispatch(ctx context.Context, sig *strategy.Signal) error {
	_, err := d.Deliver(ctx, sig, nil)
	return err
}

// Deliver runs the full dispatch path. A nil link counts as connected.
// Cancellation of ctx does not interrupt a dispatch already in progress.
func (d *Dispatcher) Deliver(ctx context.Context, sig *strategy.Signal, link LinkState) (Outcome, error) {
	ctx = context.WithoutCancel(ctx)
	if sig.ID == "" {
		sig.ID = uuid.New().String()
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = d.now()
	}
	sig.Status = strategy.StatusPending

	logger := d.logger.With().Str("signal_id", sig.ID).Int64("strategy_id", sig.StrategyID).
		Str("signal_type", string(sig.Type)).Str("symbol", sig.Symbol).Logger()

	if link != nil && !link.Connected() {
		if err := d.store.BufferSignal(ctx, sig, "upstream disconnected"); err != nil {
			metrics.SignalsTotal.WithLabelValues(string(sig.Type), metrics.OutcomeFailed).Inc()
			return "", fmt.Errorf("%w: buffer signal %s: %v", ErrSignalLost, sig.IdempotencyKey(), err)
		}
		logger.Warn().Msg("Upstream disconnected, signal written to offline buffer")
		metrics.SignalsTotal.WithLabelValues(string(sig.Type), metrics.OutcomeBuffered).Inc()
		d.startCooldown(ctx, sig, logger)
		return OutcomeBuffered, nil
	}

	attempt := 0
	insert := func() error {
		attempt++
		err := d.store.InsertSignal(ctx, sig)
		if errors.Is(err, ErrDuplicateSignal) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("Signal insert failed, retrying")
	}

	err := backoff.RetryNotifyWithTimer(insert, d.retryPolicy(), notify, d.timer())
	switch {
	case errors.Is(err, ErrDuplicateSignal):
		logger.Debug().Str("key", sig.IdempotencyKey()).Msg("Signal already stored")
		metrics.SignalsTotal.WithLabelValues(string(sig.Type), metrics.OutcomeDuplicate).Inc()
		return OutcomeDuplicate, nil
	case err != nil:
		return d.exhausted(ctx, sig, err, attempt, logger)
	}

	metrics.SignalsTotal.WithLabelValues(string(sig.Type), metrics.OutcomeStored).Inc()
	d.startCooldown(ctx, sig, logger)
	if d.publisher != nil {
		d.publisher.PublishSignal(sig)
	}
	d.notify(ctx, sig, logger)
	return OutcomeStored, nil
}

func (d *Dispatcher) exhausted(ctx context.Context, sig *strategy.Signal, cause error, attempts int, logger zerolog.Logger) (Outcome, error) {
	if err := d.store.BufferSignal(ctx, sig, cause.Error()); err != nil {
		metrics.SignalsTotal.WithLabelValues(string(sig.Type), metrics.OutcomeFailed).Inc()
		logger.Error().Err(err).AnErr("insert_error", cause).Msg("Signal lost: insert and offline buffer both failed")
		return "", fmt.Errorf("%w: insert failed after %d attempts: %v; buffer: %v", ErrSignalLost, attempts, cause, err)
	}
	metrics.SignalsTotal.WithLabelValues(string(sig.Type), metrics.OutcomeBuffered).Inc()
	logger.Error().Err(cause).Int("attempts", attempts).Msg("Signal persistence exhausted, written to offline buffer")
	d.startCooldown(ctx, sig, logger)
	return OutcomeBuffered, fmt.Errorf("%w after %d attempts: %v", ErrPersistenceExhausted, attempts, cause)
}

func (d *Dispatcher) startCooldown(ctx context.Context, sig *strategy.Signal, logger zerolog.Logger) {
	key := strategy.CooldownKey{StrategyID: sig.StrategyID, Symbol: sig.Symbol, Timeframe: sig.Timeframe}
	if err := d.cooldown.Touch(ctx, key, d.now()); err != nil {
		logger.Warn().Err(err).Msg("Failed to record cooldown")
	}
}

// notify is best effort; failures leave the signal pending.
func (d *Dispatcher) notify(ctx context.Context, sig *strategy.Signal, logger zerolog.Logger) {
	if d.notifier == nil {
		return
	}
	if err := d.notifier.Notify(ctx, sig); err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		logger.Warn().Err(err).Msg("Notification failed, signal stays pending")
		return
	}
	metrics.NotificationsTotal.WithLabelValues("sent").Inc()
	if err := d.store.MarkDelivered(ctx, sig.ID); err != nil {
		logger.Warn().Err(err).Msg("Failed to mark signal delivered")
		return
	}
	sig.Status = strategy.StatusDelivered
}

func (d *Dispatcher) retryPolicy() backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = d.retryInitial
	expo.Multiplier = d.retryMultiplier
	expo.RandomizationFactor = 0
	expo.MaxInterval = d.retryInitial * time.Duration(1<<d.maxRetries)
	expo.MaxElapsedTime = 0
	return backoff.WithMaxRetries(expo, d.maxRetries)
}

func (d *Dispatcher) timer() backoff.Timer {
	if d.newTimer != nil {
		return d.newTimer()
	}
	return nil
}
