package exchange

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"signal-engine/internal/candles"
)

// BinanceParser handles the combined-stream kline format
// {stream, data:{e, s, k:{t,T,s,i,o,h,l,c,v,x}}}.
type BinanceParser struct{}

// Keys are matched case-insensitively when no exact field exists, so every
// key Binance sends is declared ("V" would otherwise land in "v").
type binanceKline struct {
	OpenTime  int64  `json:"t" validate:"required"`
	CloseTime int64  `json:"T"`
	Symbol    string `json:"s"`
	Interval  string `json:"i" validate:"required"`
	Open      string `json:"o" validate:"required"`
	High      string `json:"h" validate:"required"`
	Low       string `json:"l" validate:"required"`
	Close     string `json:"c" validate:"required"`
	Volume    string `json:"v" validate:"required"`
	IsClosed  bool   `json:"x"`

	FirstTradeID     int64  `json:"f"`
	LastTradeID      int64  `json:"L"`
	Trades           int64  `json:"n"`
	QuoteVolume      string `json:"q"`
	TakerBuyVolume   string `json:"V"`
	TakerBuyQuoteVol string `json:"Q"`
	Ignore           string `json:"B"`
}

type binanceKlineEvent struct {
	EventType string        `json:"e"`
	EventTime int64         `json:"E"`
	Symbol    string        `json:"s"`
	Kline     *binanceKline `json:"k"`
}

type binanceEnvelope struct {
	Stream string             `json:"stream"`
	Data   *binanceKlineEvent `json:"data"`
	// single-stream connections deliver the event unwrapped
	binanceKlineEvent
	// subscription acks: {"result":null,"id":1}
	ID *int64 `json:"id"`
}

func (BinanceParser) Exchange() string { return Binance }

func binanceStreamName(k candles.Key) string {
	return strings.ToLower(k.Symbol) + "@kline_" + k.Timeframe
}

func (BinanceParser) StreamURL(baseURL string, keys []candles.Key) string {
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = binanceStreamName(k)
	}
	return strings.TrimRight(baseURL, "/") + "/stream?streams=" + strings.Join(names, "/")
}

// SubscribeFrames is empty: streams are selected in the URL.
func (BinanceParser) SubscribeFrames([]candles.Key) ([][]byte, error) { return nil, nil }

func (BinanceParser) PingFrame() []byte { return nil }

func (BinanceParser) Parse(raw []byte) ([]Update, error) {
	var env binanceEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	event := env.Data
	if event == nil {
		if env.EventType == "" {
			if env.ID != nil {
				return nil, nil
			}
			return nil, fmt.Errorf("%w: no data or event", ErrUnsupportedEnvelope)
		}
		event = &env.binanceKlineEvent
	}
	if event.EventType != "" && event.EventType != "kline" {
		return nil, fmt.Errorf("%w: event %q", ErrUnsupportedEnvelope, event.EventType)
	}
	if event.Kline == nil {
		return nil, fmt.Errorf("%w: missing kline", ErrMalformedMessage)
	}

	k := event.Kline
	if err := validate.Struct(k); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	symbol := event.Symbol
	if symbol == "" {
		symbol = k.Symbol
	}
	if symbol == "" && env.Stream != "" {
		symbol, _, _ = strings.Cut(env.Stream, "@")
	}
	if symbol == "" {
		return nil, fmt.Errorf("%w: missing symbol", ErrMalformedMessage)
	}

	c, err := ohlcv{k.Open, k.High, k.Low, k.Close, k.Volume}.candle()
	if err != nil {
		return nil, err
	}
	c.Timestamp = k.OpenTime
	c.CloseTime = k.CloseTime
	c.Closed = k.IsClosed

	return []Update{{Key: candles.NewKey(symbol, k.Interval, Binance), Candle: c}}, nil
}
