// Package candles holds the canonical candle model and the rolling per-key
// buffers every strategy evaluation reads from.
package candles

import (
	"fmt"
	"strings"
	"time"
)

// Candle is the canonical OHLCV bucket produced by every exchange parser.
// Timestamp is the bucket open time in milliseconds since epoch.
type Candle struct {
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Timestamp int64   `json:"timestamp"`
	CloseTime int64   `json:"close_time"`
	Closed    bool    `json:"closed"`
}

// OpenTime returns the bucket open time.
func (c Candle) OpenTime() time.Time {
	return time.UnixMilli(c.Timestamp).UTC()
}

// BucketCloseTime returns the bucket close time, falling back to the open
// time when the exchange did not report one.
func (c Candle) BucketCloseTime() time.Time {
	if c.CloseTime > 0 {
		return time.UnixMilli(c.CloseTime).UTC()
	}
	return c.OpenTime()
}

// Key identifies one rolling buffer.
type Key struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Exchange  string `json:"exchange"`
}

// NewKey normalizes symbol and exchange casing.
func NewKey(symbol, timeframe, exchange string) Key {
	return Key{
		Symbol:    strings.ToUpper(symbol),
		Timeframe: timeframe,
		Exchange:  strings.ToLower(exchange),
	}
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Exchange, k.Symbol, k.Timeframe)
}

// Closes extracts close prices in buffer order.
func Closes(cs []Candle) []float64 {
	out := make([]float64, len(cs))
	for i, c := range cs {
		out[i] = c.Close
	}
	return out
}

// Volumes extracts volumes in buffer order.
func Volumes(cs []Candle) []float64 {
	out := make([]float64, len(cs))
	for i, c := range cs {
		out[i] = c.Volume
	}
	return out
}
