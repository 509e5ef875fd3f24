package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"signal-engine/internal/strategy"
)

// ErrNoProviders means no enabled provider was available to deliver.
var ErrNoProviders = errors.New("no notification provider enabled")

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifySignal NotificationType = "signal"
	NotifyError  NotificationType = "error"
	NotifyInfo   NotificationType = "info"
)

// Notification represents a notification message
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Symbol    string
	Price     float64
	Timestamp time.Time
	Signal    *strategy.Signal
}

// Provider is one delivery channel.
type Provider interface {
	Send(ctx context.Context, n *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans a notification out to every enabled provider. Delivery
// succeeds when at least one provider accepts it.
type Manager struct {
	mu        sync.RWMutex
	providers []Provider
	logger    zerolog.Logger
}

func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{logger: logger.With().Str("component", "Notifications").Logger()}
}

// AddProvider adds a notification provider
func (m *Manager) AddProvider(p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = append(m.providers, p)
}

// Enabled reports whether any provider would deliver.
func (m *Manager) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.providers {
		if p.IsEnabled() {
			return true
		}
	}
	return false
}

// Send delivers n to all enabled providers.
func (m *Manager) Send(ctx context.Context, n *Notification) error {
	m.mu.RLock()
	providers := append([]Provider(nil), m.providers...)
	m.mu.RUnlock()

	var (
		errs      []error
		delivered int
	)
	for _, p := range providers {
		if !p.IsEnabled() {
			continue
		}
		if err := p.Send(ctx, n); err != nil {
			m.logger.Warn().Err(err).Str("provider", p.Name()).Str("symbol", n.Symbol).Msg("Notification failed")
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		delivered++
	}

	if delivered > 0 {
		return nil
	}
	if len(errs) == 0 {
		return ErrNoProviders
	}
	return errors.Join(errs...)
}

// Notify delivers a stored signal.
func (m *Manager) Notify(ctx context.Context, sig *strategy.Signal) error {
	return m.Send(ctx, FromSignal(sig))
}

// FromSignal builds the plain-text signal notification.
func FromSignal(sig *strategy.Signal) *Notification {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s @ %s\n", sig.Type, sig.Symbol, formatPrice(sig.Price))
	fmt.Fprintf(&b, "Strategy %d (%s %s)\n", sig.StrategyID, sig.Timeframe, sig.Exchange)
	if sig.StopLoss != nil {
		fmt.Fprintf(&b, "SL: %s", formatPrice(*sig.StopLoss))
		if sig.TakeProfit1 != nil {
			fmt.Fprintf(&b, " | TP1: %s", formatPrice(*sig.TakeProfit1))
		}
		if sig.TakeProfit2 != nil {
			fmt.Fprintf(&b, " | TP2: %s", formatPrice(*sig.TakeProfit2))
		}
		b.WriteString("\n")
	}
	if sig.Confidence != nil {
		fmt.Fprintf(&b, "Confidence: %.0f\n", *sig.Confidence)
	}
	if sig.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s", sig.Reason)
	}

	return &Notification{
		Type:      NotifySignal,
		Title:     fmt.Sprintf("%s Signal: %s", sig.Type, sig.Symbol),
		Message:   strings.TrimRight(b.String(), "\n"),
		Symbol:    sig.Symbol,
		Price:     sig.Price,
		Timestamp: sig.CandleCloseTime,
		Signal:    sig,
	}
}

func formatPrice(p float64) string {
	switch {
	case p >= 100:
		return fmt.Sprintf("%.2f", p)
	case p >= 1:
		return fmt.Sprintf("%.4f", p)
	default:
		return fmt.Sprintf("%.8f", p)
	}
}
