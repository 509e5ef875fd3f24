package strategy

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/go-playground/validator/v10"
)

var (
	ErrUnknownStrategyType = errors.New("unknown strategy type")
	ErrInvalidConfig       = errors.New("invalid strategy config")
)

var validate = validator.New()

// Config is the variant-specific parameter block of a strategy, selected by
// its StrategyType.
type Config interface {
	StrategyType() StrategyType
}

// ConditionConfig parameterizes the generic entry/exit condition strategy.
// Side is the entry direction; the exit emits the opposite.
type ConditionConfig struct {
	Side              SignalType `json:"side" validate:"oneof=BUY SELL"`
	StopLossPercent   float64    `json:"stop_loss_percent" validate:"gte=0,lt=100"`
	TakeProfitPercent float64    `json:"take_profit_percent" validate:"gte=0"`
}

func (*ConditionConfig) StrategyType() StrategyType { return TypeCondition }

// DefaultConditionConfig enters long with no protective levels.
func DefaultConditionConfig() *ConditionConfig {
	return &ConditionConfig{Side: SignalBuy}
}

// ATHGuardConfig holds every threshold and multiplier of the ATH Guard
// pipeline. Differences between deployments are data, not code.
type ATHGuardConfig struct {
	MinCandles             int     `json:"min_candles" validate:"gte=200"`
	SlopeLookback          int     `json:"slope_lookback" validate:"gte=1,lte=50"`
	SlopeThresholdPercent  float64 `json:"slope_threshold_percent" validate:"gte=0"`
	RSIPeriod              int     `json:"rsi_period" validate:"gte=2"`
	RSILongMax             float64 `json:"rsi_long_max" validate:"gt=0,lte=100"`
	RSIShortMin            float64 `json:"rsi_short_min" validate:"gte=0,ltfield=RSILongMax"`
	ADXPeriod              int     `json:"adx_period" validate:"gte=2"`
	ADXThreshold           float64 `json:"adx_threshold" validate:"gte=0,lte=100"`
	VolumePeriod           int     `json:"volume_period" validate:"gte=1"`
	VolumeRatioMin         float64 `json:"volume_ratio_min" validate:"gte=0"`
	ATRPeriod              int     `json:"atr_period" validate:"gte=2"`
	ATRAveragePeriod       int     `json:"atr_average_period" validate:"gte=1"`
	VolatilityPenaltyRatio float64 `json:"volatility_penalty_ratio" validate:"gt=0"`
	VolatilityVetoRatio    float64 `json:"volatility_veto_ratio" validate:"gtfield=VolatilityPenaltyRatio"`
	MinConfidence          float64 `json:"min_confidence" validate:"gte=0,lte=100"`
	ATRStopMultiplier      float64 `json:"atr_stop_multiplier" validate:"gt=0"`
	ATRTakeProfit1         float64 `json:"atr_take_profit_1" validate:"gt=0"`
	ATRTakeProfit2         float64 `json:"atr_take_profit_2" validate:"gtefield=ATRTakeProfit1"`
}

func (*ATHGuardConfig) StrategyType() StrategyType { return TypeATHGuard }

// DefaultATHGuardConfig returns the standard scalping thresholds.
func DefaultATHGuardConfig() *ATHGuardConfig {
	return &ATHGuardConfig{
		MinCandles:             200,
		SlopeLookback:          10,
		SlopeThresholdPercent:  0.05,
		RSIPeriod:              14,
		RSILongMax:             70,
		RSIShortMin:            30,
		ADXPeriod:              14,
		ADXThreshold:           20,
		VolumePeriod:           20,
		VolumeRatioMin:         1.2,
		ATRPeriod:              14,
		ATRAveragePeriod:       20,
		VolatilityPenaltyRatio: 1.5,
		VolatilityVetoRatio:    2.0,
		MinConfidence:          30,
		ATRStopMultiplier:      1.5,
		ATRTakeProfit1:         2.0,
		ATRTakeProfit2:         3.0,
	}
}

// FVGConfig parameterizes the fair-value-gap retest strategy.
type FVGConfig struct {
	MinGapPercent     float64 `json:"min_gap_percent" validate:"gt=0"`
	Lookback          int     `json:"lookback" validate:"gte=3,lte=500"`
	StopBufferPercent float64 `json:"stop_buffer_percent" validate:"gte=0,lt=100"`
	RiskReward        float64 `json:"risk_reward" validate:"gt=0"`
}

func (*FVGConfig) StrategyType() StrategyType { return TypeFVG }

func DefaultFVGConfig() *FVGConfig {
	return &FVGConfig{
		MinGapPercent:     0.1,
		Lookback:          50,
		StopBufferPercent: 0.1,
		RiskReward:        2.0,
	}
}

// MTFConfig parameterizes the multi-timeframe strategy. The higher timeframe
// is synthesized by grouping HigherTimeframeFactor buffer candles.
type MTFConfig struct {
	HigherTimeframeFactor int     `json:"higher_timeframe_factor" validate:"gte=2,lte=24"`
	TrendEMAPeriod        int     `json:"trend_ema_period" validate:"gte=2"`
	FastEMAPeriod         int     `json:"fast_ema_period" validate:"gte=2"`
	SlowEMAPeriod         int     `json:"slow_ema_period" validate:"gtfield=FastEMAPeriod"`
	RSIPeriod             int     `json:"rsi_period" validate:"gte=2"`
	RSIFloor              float64 `json:"rsi_floor" validate:"gte=0"`
	RSICeiling            float64 `json:"rsi_ceiling" validate:"gtfield=RSIFloor,lte=100"`
}

func (*MTFConfig) StrategyType() StrategyType { return TypeMTF }

func DefaultMTFConfig() *MTFConfig {
	return &MTFConfig{
		HigherTimeframeFactor: 4,
		TrendEMAPeriod:        50,
		FastEMAPeriod:         9,
		SlowEMAPeriod:         21,
		RSIPeriod:             14,
		RSIFloor:              35,
		RSICeiling:            65,
	}
}

// ParseConfig decodes raw parameters over the variant's defaults and
// validates the result. Empty or null input yields the defaults.
func ParseConfig(t StrategyType, raw []byte) (Config, error) {
	var cfg Config
	switch t {
	case TypeCondition:
		cfg = DefaultConditionConfig()
	case TypeATHGuard:
		cfg = DefaultATHGuardConfig()
	case TypeFVG:
		cfg = DefaultFVGConfig()
	case TypeMTF:
		cfg = DefaultMTFConfig()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategyType, t)
	}

	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("%w: decode %s params: %v", ErrInvalidConfig, t, err)
		}
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, t, err)
	}
	return cfg, nil
}

// Validate checks a fully assembled definition once at load time.
func (d *Definition) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("%w: strategy %d: %v", ErrInvalidConfig, d.ID, err)
	}
	if d.Config.StrategyType() != d.Type {
		return fmt.Errorf("%w: strategy %d: config is %s, type is %s",
			ErrInvalidConfig, d.ID, d.Config.StrategyType(), d.Type)
	}
	if err := validate.Struct(d.Config); err != nil {
		return fmt.Errorf("%w: strategy %d: %v", ErrInvalidConfig, d.ID, err)
	}
	return nil
}
