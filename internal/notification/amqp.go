package notification

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"signal-engine/config"
	"signal-engine/internal/strategy"
)

// signalMessage is the queue payload for one delivered signal.
type signalMessage struct {
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Text      string           `json:"text"`
	Signal    *strategy.Signal `json:"signal,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// AMQPPublisher publishes notifications to a durable topic exchange bound to
// a durable queue. The connection is opened lazily and re-dialed after the
// broker drops it.
type AMQPPublisher struct {
	cfg     config.AMQPConfig
	logger  zerolog.Logger
	dial    func(url string) (*amqp.Connection, error)
	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

func NewAMQPPublisher(cfg config.AMQPConfig, logger zerolog.Logger) *AMQPPublisher {
	if cfg.Exchange == "" {
		cfg.Exchange = "signals"
	}
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = "signal.generated"
	}
	return &AMQPPublisher{
		cfg:    cfg,
		logger: logger.With().Str("component", "AMQPPublisher").Logger(),
		dial:   amqp.Dial,
	}
}

func (p *AMQPPublisher) Name() string {
	return "amqp"
}

func (p *AMQPPublisher) IsEnabled() bool {
	return p.cfg.Enabled && p.cfg.URL != ""
}

// channelLocked returns an open channel, connecting and declaring the
// topology when needed. Caller holds mu.
func (p *AMQPPublisher) channelLocked() (*amqp.Channel, error) {
	if p.channel != nil && !p.channel.IsClosed() {
		return p.channel, nil
	}
	p.closeLocked()

	p.logger.Info().Str("url", maskURL(p.cfg.URL)).Msg("Connecting to RabbitMQ")
	conn, err := p.dial(p.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := ch.ExchangeDeclare(p.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", p.cfg.Exchange, err)
	}
	if p.cfg.Queue != "" {
		if _, err := ch.QueueDeclare(p.cfg.Queue, true, false, false, false, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to declare queue %s: %w", p.cfg.Queue, err)
		}
		if err := ch.QueueBind(p.cfg.Queue, p.cfg.RoutingKey, p.cfg.Exchange, false, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to bind queue %s: %w", p.cfg.Queue, err)
		}
	}

	p.conn = conn
	p.channel = ch
	return ch, nil
}

func (p *AMQPPublisher) Send(ctx context.Context, n *Notification) error {
	if !p.IsEnabled() {
		return nil
	}
	publishing, err := buildPublishing(n)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channelLocked()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, p.cfg.Exchange, p.cfg.RoutingKey, false, false, publishing)
	if err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			p.closeLocked()
		}
		return fmt.Errorf("failed to publish to %s: %w", p.cfg.Exchange, err)
	}

	p.logger.Debug().Str("exchange", p.cfg.Exchange).Str("routing_key", p.cfg.RoutingKey).
		Int("payload_size", len(publishing.Body)).Msg("Signal published")
	return nil
}

func buildPublishing(n *Notification) (amqp.Publishing, error) {
	body, err := json.Marshal(signalMessage{
		Type:      n.Type,
		Title:     n.Title,
		Text:      n.Message,
		Signal:    n.Signal,
		Timestamp: n.Timestamp,
	})
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    n.Timestamp,
		Body:         body,
	}
	if n.Signal != nil {
		pub.MessageId = n.Signal.ID
		pub.Headers = amqp.Table{
			"idempotency_key": n.Signal.IdempotencyKey(),
			"user_id":         n.Signal.UserID,
		}
	}
	return pub, nil
}

func (p *AMQPPublisher) closeLocked() {
	if p.channel != nil {
		_ = p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// Close closes the channel and connection
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	return nil
}

// maskURL masks the password in the URL for logging
func maskURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "invalid-url"
	}
	if parsed.User != nil {
		if _, hasPassword := parsed.User.Password(); hasPassword {
			parsed.User = url.UserPassword(parsed.User.Username(), "***")
		}
	}
	return parsed.String()
}
