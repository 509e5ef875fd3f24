package binance

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// ErrPositionUnknown means the position could not be determined.
var ErrPositionUnknown = errors.New("position state unknown")

// Position is one entry of /fapi/v2/positionRisk. In hedge mode a symbol
// has one entry per side.
type Position struct {
	Symbol       string          `json:"symbol"`
	PositionAmt  decimal.Decimal `json:"positionAmt"`
	EntryPrice   decimal.Decimal `json:"entryPrice"`
	MarkPrice    decimal.Decimal `json:"markPrice"`
	PositionSide string          `json:"positionSide"`
	UpdateTime   int64           `json:"updateTime"`
}

// IsOpen reports a non-zero position amount.
func (p Position) IsOpen() bool {
	return !p.PositionAmt.IsZero()
}

// PositionRisk returns the account's positions for symbol.
func (c *Client) PositionRisk(ctx context.Context, creds Credentials, symbol string) ([]Position, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))

	body, err := c.get(ctx, "/fapi/v2/positionRisk", params, &creds)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPositionUnknown, err)
	}

	var positions []Position
	if err := json.Unmarshal(body, &positions); err != nil {
		return nil, fmt.Errorf("%w: parse positions: %v", ErrPositionUnknown, err)
	}
	return positions, nil
}

// HasOpenPosition reports whether any side of symbol holds a position.
func (c *Client) HasOpenPosition(ctx context.Context, creds Credentials, symbol string) (bool, error) {
	positions, err := c.PositionRisk(ctx, creds, symbol)
	if err != nil {
		return false, err
	}
	for _, p := range positions {
		if p.IsOpen() {
			return true, nil
		}
	}
	return false, nil
}
