package binance

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"signal-engine/internal/candles"
	"signal-engine/internal/exchange"
)

const maxKlineLimit = 1500

// Klines fetches the most recent closed klines for symbol in ascending
// order. The in-progress kline Binance returns last is dropped.
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]candles.Candle, error) {
	if limit <= 0 || limit > maxKlineLimit-1 {
		limit = maxKlineLimit - 1
	}
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit+1))

	body, err := c.get(ctx, "/fapi/v1/klines", params, nil)
	if err != nil {
		return nil, fmt.Errorf("error fetching klines: %w", err)
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("error parsing klines: %w", err)
	}

	now := c.now().UnixMilli()
	out := make([]candles.Candle, 0, len(rows))
	for i, row := range rows {
		cd, err := parseKlineRow(row)
		if err != nil {
			return nil, fmt.Errorf("kline %d: %w", i, err)
		}
		if cd.CloseTime >= now {
			continue
		}
		out = append(out, cd)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func parseKlineRow(row []json.RawMessage) (candles.Candle, error) {
	var cd candles.Candle
	if len(row) < 7 {
		return cd, fmt.Errorf("short row of %d fields", len(row))
	}
	if err := json.Unmarshal(row[0], &cd.Timestamp); err != nil {
		return cd, fmt.Errorf("open time: %w", err)
	}
	if err := json.Unmarshal(row[6], &cd.CloseTime); err != nil {
		return cd, fmt.Errorf("close time: %w", err)
	}

	fields := []*float64{&cd.Open, &cd.High, &cd.Low, &cd.Close, &cd.Volume}
	for i, dst := range fields {
		var s string
		if err := json.Unmarshal(row[i+1], &s); err != nil {
			return cd, fmt.Errorf("field %d: %w", i+1, err)
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return cd, fmt.Errorf("field %d: %w", i+1, err)
		}
		*dst = d.InexactFloat64()
	}
	cd.Closed = true
	return cd, nil
}

// KlineLoader adapts Klines to candles.HistoryLoader.
type KlineLoader struct {
	Client *Client
}

// LoadRecentCandles returns newest first, matching the history loader
// contract. Keys of other exchanges yield nothing.
func (l KlineLoader) LoadRecentCandles(ctx context.Context, key candles.Key, limit int) ([]candles.Candle, error) {
	if key.Exchange != exchange.Binance {
		return nil, nil
	}
	cs, err := l.Client.Klines(ctx, key.Symbol, key.Timeframe, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(cs)-1; i < j; i, j = i+1, j-1 {
		cs[i], cs[j] = cs[j], cs[i]
	}
	return cs, nil
}
