package strategy

import (
	"fmt"
	"time"
)

// SignalType is the direction of an emitted signal. The zero value means no signal.
type SignalType string

const (
	SignalBuy  SignalType = "BUY"
	SignalSell SignalType = "SELL"
	SignalNone SignalType = ""
)

// Opposite returns the closing direction for a position opened with t.
func (t SignalType) Opposite() SignalType {
	switch t {
	case SignalBuy:
		return SignalSell
	case SignalSell:
		return SignalBuy
	default:
		return SignalNone
	}
}

// StrategyType selects the evaluator and the shape of the config payload.
type StrategyType string

const (
	TypeCondition StrategyType = "condition"
	TypeATHGuard  StrategyType = "ath_guard"
	TypeFVG       StrategyType = "fvg"
	TypeMTF       StrategyType = "mtf"
)

// IndicatorType names the value a condition compares against its threshold.
type IndicatorType string

const (
	IndicatorPrice         IndicatorType = "price"
	IndicatorVolume        IndicatorType = "volume"
	IndicatorSMA           IndicatorType = "sma"
	IndicatorEMA           IndicatorType = "ema"
	IndicatorRSI           IndicatorType = "rsi"
	IndicatorMACD          IndicatorType = "macd"
	IndicatorMACDSignal    IndicatorType = "macd_signal"
	IndicatorMACDHistogram IndicatorType = "macd_histogram"
	IndicatorStochK        IndicatorType = "stoch_k"
	IndicatorStochD        IndicatorType = "stoch_d"
	IndicatorADX           IndicatorType = "adx"
	IndicatorBBUpper       IndicatorType = "bb_upper"
	IndicatorBBMiddle      IndicatorType = "bb_middle"
	IndicatorBBLower       IndicatorType = "bb_lower"
	IndicatorATR           IndicatorType = "atr"
	IndicatorVWAP          IndicatorType = "vwap"
)

// Operator is a condition comparison.
type Operator string

const (
	OpGreaterThan  Operator = "greater_than"
	OpLessThan     Operator = "less_than"
	OpCrossesAbove Operator = "crosses_above"
	OpCrossesBelow Operator = "crosses_below"
)

// Condition is one indicator/operator/threshold test.
type Condition struct {
	IndicatorType IndicatorType `json:"indicator_type" validate:"required,oneof=price volume sma ema rsi macd macd_signal macd_histogram stoch_k stoch_d adx bb_upper bb_middle bb_lower atr vwap"`
	Operator      Operator      `json:"operator" validate:"required,oneof=greater_than less_than crosses_above crosses_below"`
	Threshold     float64       `json:"threshold"`
	Period        int           `json:"period" validate:"gte=0,lte=500"`
}

func (c Condition) String() string {
	if c.Period > 0 {
		return fmt.Sprintf("%s(%d) %s %g", c.IndicatorType, c.Period, c.Operator, c.Threshold)
	}
	return fmt.Sprintf("%s %s %g", c.IndicatorType, c.Operator, c.Threshold)
}

// Definition is a strategy as loaded for one monitoring session. It is not
// mutated while the session runs.
type Definition struct {
	ID              int64        `json:"id" validate:"gt=0"`
	UserID          string       `json:"user_id" validate:"required"`
	Name            string       `json:"name"`
	Symbol          string       `json:"symbol" validate:"required,uppercase"`
	Timeframe       string       `json:"timeframe" validate:"required,oneof=1m 3m 5m 15m 30m 1h 2h 4h 6h 12h 1d"`
	Exchange        string       `json:"exchange" validate:"required,oneof=binance bybit"`
	Type            StrategyType `json:"strategy_type" validate:"required,oneof=condition ath_guard fvg mtf"`
	EntryConditions []Condition  `json:"entry_conditions" validate:"dive"`
	ExitConditions  []Condition  `json:"exit_conditions" validate:"dive"`
	Config          Config       `json:"-" validate:"required"`
}

// CrossDirection is the last crossing recorded for a strategy.
type CrossDirection string

const (
	CrossNone CrossDirection = "none"
	CrossUp   CrossDirection = "up"
	CrossDown CrossDirection = "down"
)

// LiveState is the durable per-strategy position and dedup state.
type LiveState struct {
	StrategyID              int64          `json:"strategy_id"`
	PositionOpen            bool           `json:"position_open"`
	PositionSide            SignalType     `json:"position_side,omitempty"`
	EntryPrice              *float64       `json:"entry_price,omitempty"`
	EntryTime               *time.Time     `json:"entry_time,omitempty"`
	Version                 int64          `json:"version"`
	LastCrossDirection      CrossDirection `json:"last_cross_direction"`
	LastProcessedCandleTime *time.Time     `json:"last_processed_candle_time,omitempty"`
}

// NewLiveState returns the defaults used when a strategy is first evaluated.
func NewLiveState(strategyID int64) *LiveState {
	return &LiveState{
		StrategyID:         strategyID,
		LastCrossDirection: CrossNone,
	}
}

// SignalStatus tracks notification delivery.
type SignalStatus string

const (
	StatusPending   SignalStatus = "pending"
	StatusDelivered SignalStatus = "delivered"
)

// Signal is one BUY/SELL emission. Only Status changes after creation.
type Signal struct {
	ID              string       `json:"id"`
	StrategyID      int64        `json:"strategy_id"`
	UserID          string       `json:"user_id"`
	Type            SignalType   `json:"signal_type"`
	Symbol          string       `json:"symbol"`
	Timeframe       string       `json:"timeframe"`
	Exchange        string       `json:"exchange"`
	Price           float64      `json:"price"`
	Reason          string       `json:"reason"`
	StopLoss        *float64     `json:"stop_loss,omitempty"`
	TakeProfit1     *float64     `json:"take_profit_1,omitempty"`
	TakeProfit2     *float64     `json:"take_profit_2,omitempty"`
	Confidence      *float64     `json:"confidence,omitempty"`
	CandleCloseTime time.Time    `json:"candle_close_time"`
	Status          SignalStatus `json:"status"`
	CreatedAt       time.Time    `json:"created_at"`
}

// IdempotencyKey is unique per (strategy, candle close time, signal type).
func (s *Signal) IdempotencyKey() string {
	return fmt.Sprintf("%d:%d:%s", s.StrategyID, s.CandleCloseTime.UnixMilli(), s.Type)
}

// CooldownKey identifies one cooldown window.
type CooldownKey struct {
	StrategyID int64
	Symbol     string
	Timeframe  string
}

func (k CooldownKey) String() string {
	return fmt.Sprintf("%d:%s:%s", k.StrategyID, k.Symbol, k.Timeframe)
}

// CooldownKeyFor builds the cooldown key of a definition.
func CooldownKeyFor(def *Definition) CooldownKey {
	return CooldownKey{StrategyID: def.ID, Symbol: def.Symbol, Timeframe: def.Timeframe}
}
