package exchange

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"signal-engine/internal/candles"
)

// BybitParser handles the v5 topic format
// {topic:"kline.<interval>.<symbol>", data:[{start,end,interval,open,high,low,close,volume,confirm}]}.
type BybitParser struct{}

var bybitIntervals = map[string]string{
	"1m":  "1",
	"3m":  "3",
	"5m":  "5",
	"15m": "15",
	"30m": "30",
	"1h":  "60",
	"2h":  "120",
	"4h":  "240",
	"6h":  "360",
	"12h": "720",
	"1d":  "D",
	"1w":  "W",
	"1M":  "M",
}

var bybitTimeframes = func() map[string]string {
	m := make(map[string]string, len(bybitIntervals))
	for tf, iv := range bybitIntervals {
		m[iv] = tf
	}
	return m
}()

// BybitInterval maps a timeframe such as "1h" to Bybit's "60".
func BybitInterval(timeframe string) (string, error) {
	iv, ok := bybitIntervals[timeframe]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTimeframe, timeframe)
	}
	return iv, nil
}

type bybitKline struct {
	Start    int64  `json:"start" validate:"required"`
	End      int64  `json:"end"`
	Interval string `json:"interval"`
	Open     string `json:"open" validate:"required"`
	High     string `json:"high" validate:"required"`
	Low      string `json:"low" validate:"required"`
	Close    string `json:"close" validate:"required"`
	Volume   string `json:"volume" validate:"required"`
	Confirm  bool   `json:"confirm"`
}

type bybitEnvelope struct {
	Op    string          `json:"op"`
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
}

type bybitFrame struct {
	Op   string   `json:"op"`
	Args []string `json:"args,omitempty"`
}

func (BybitParser) Exchange() string { return Bybit }

func (BybitParser) StreamURL(baseURL string, _ []candles.Key) string { return baseURL }

func bybitTopic(k candles.Key) (string, error) {
	iv, err := BybitInterval(k.Timeframe)
	if err != nil {
		return "", err
	}
	return "kline." + iv + "." + strings.ToUpper(k.Symbol), nil
}

func (BybitParser) SubscribeFrames(keys []candles.Key) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	args := make([]string, 0, len(keys))
	for _, k := range keys {
		topic, err := bybitTopic(k)
		if err != nil {
			return nil, err
		}
		args = append(args, topic)
	}
	frame, err := json.Marshal(bybitFrame{Op: "subscribe", Args: args})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

func (BybitParser) PingFrame() []byte { return []byte(`{"op":"ping"}`) }

func (BybitParser) Parse(raw []byte) ([]Update, error) {
	var env bybitEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if env.Topic == "" {
		if env.Op != "" {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: no topic", ErrUnsupportedEnvelope)
	}

	parts := strings.Split(env.Topic, ".")
	if len(parts) != 3 || parts[0] != "kline" {
		return nil, fmt.Errorf("%w: topic %q", ErrUnsupportedEnvelope, env.Topic)
	}
	topicInterval, symbol := parts[1], parts[2]

	var entries []bybitKline
	if err := json.Unmarshal(env.Data, &entries); err != nil {
		return nil, fmt.Errorf("%w: data: %v", ErrMalformedMessage, err)
	}

	out := make([]Update, 0, len(entries))
	for _, e := range entries {
		if err := validate.Struct(e); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		iv := e.Interval
		if iv == "" {
			iv = topicInterval
		}
		tf, ok := bybitTimeframes[iv]
		if !ok {
			return nil, fmt.Errorf("%w: interval %q", ErrMalformedMessage, iv)
		}
		c, err := ohlcv{e.Open, e.High, e.Low, e.Close, e.Volume}.candle()
		if err != nil {
			return nil, err
		}
		c.Timestamp = e.Start
		c.CloseTime = e.End
		c.Closed = e.Confirm
		out = append(out, Update{Key: candles.NewKey(symbol, tf, Bybit), Candle: c})
	}
	return out, nil
}
