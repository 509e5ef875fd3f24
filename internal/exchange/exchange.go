// Package exchange normalizes exchange-specific kline envelopes into
// canonical candles and builds the frames needed to subscribe to them.
package exchange

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"signal-engine/internal/candles"
)

var (
	ErrMalformedMessage    = errors.New("malformed stream message")
	ErrUnsupportedEnvelope = errors.New("unsupported stream envelope")
	ErrUnknownExchange     = errors.New("unknown exchange")
	ErrUnknownTimeframe    = errors.New("unknown timeframe")
)

const (
	Binance = "binance"
	Bybit   = "bybit"
)

var validate = validator.New()

// Update is one normalized candle tick for a buffer key.
type Update struct {
	Key    candles.Key
	Candle candles.Candle
}

// Parser converts one exchange's wire format.
type Parser interface {
	Exchange() string
	// StreamURL returns the socket URL for keys under baseURL.
	StreamURL(baseURL string, keys []candles.Key) string
	// SubscribeFrames returns frames to send right after the socket opens.
	SubscribeFrames(keys []candles.Key) ([][]byte, error)
	// PingFrame returns the application-level keepalive, or nil if the
	// exchange relies on protocol pings.
	PingFrame() []byte
	// Parse returns no updates and no error for control messages.
	Parse(raw []byte) ([]Update, error)
}

// ParserFor returns the parser registered for name.
func ParserFor(name string) (Parser, error) {
	switch strings.ToLower(name) {
	case Binance:
		return BinanceParser{}, nil
	case Bybit:
		return BybitParser{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownExchange, name)
}

// parseDecimal reads an exchange price string without float rounding on
// the way in.
func parseDecimal(field, s string) (float64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrMalformedMessage, field, s)
	}
	return d.InexactFloat64(), nil
}

type ohlcv struct {
	open, high, low, close, volume string
}

func (p ohlcv) candle() (candles.Candle, error) {
	var c candles.Candle
	var err error
	if c.Open, err = parseDecimal("open", p.open); err != nil {
		return c, err
	}
	if c.High, err = parseDecimal("high", p.high); err != nil {
		return c, err
	}
	if c.Low, err = parseDecimal("low", p.low); err != nil {
		return c, err
	}
	if c.Close, err = parseDecimal("close", p.close); err != nil {
		return c, err
	}
	if c.Volume, err = parseDecimal("volume", p.volume); err != nil {
		return c, err
	}
	return c, nil
}
