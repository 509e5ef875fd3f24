package database

import (
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"signal-engine/internal/strategy"
)

// Condition kinds stored in strategy_conditions.kind
const (
	ConditionKindEntry = "entry"
	ConditionKindExit  = "exit"
)

type strategyRow struct {
	ID           int64  `db:"id"`
	UserID       string `db:"user_id"`
	Name         string `db:"name"`
	Symbol       string `db:"symbol"`
	Timeframe    string `db:"timeframe"`
	Exchange     string `db:"exchange"`
	StrategyType string `db:"strategy_type"`
	Params       []byte `db:"params"`
}

type conditionRow struct {
	StrategyID    int64   `db:"strategy_id"`
	Kind          string  `db:"kind"`
	IndicatorType string  `db:"indicator_type"`
	Operator      string  `db:"operator"`
	Threshold     float64 `db:"threshold"`
	Period        int     `db:"period"`
	Position      int     `db:"position"`
}

// BufferedSignal is one row of the offline signal buffer.
type BufferedSignal struct {
	ID         int64
	Signal     *strategy.Signal
	Reason     string
	BufferedAt time.Time
}

// assembleDefinitions joins strategies with their conditions, parses the
// variant config, and validates each definition. Conditions must be ordered
// by position within each strategy and kind.
func assembleDefinitions(rows []strategyRow, conds []conditionRow) ([]*strategy.Definition, []error) {
	byID := make(map[int64]*strategy.Definition, len(rows))
	defs := make([]*strategy.Definition, 0, len(rows))
	for _, row := range rows {
		def := &strategy.Definition{
			ID:        row.ID,
			UserID:    row.UserID,
			Name:      row.Name,
			Symbol:    row.Symbol,
			Timeframe: row.Timeframe,
			Exchange:  row.Exchange,
			Type:      strategy.StrategyType(row.StrategyType),
		}
		byID[row.ID] = def
		defs = append(defs, def)
	}

	var errs []error
	for _, c := range conds {
		def, ok := byID[c.StrategyID]
		if !ok {
			continue
		}
		cond := strategy.Condition{
			IndicatorType: strategy.IndicatorType(c.IndicatorType),
			Operator:      strategy.Operator(c.Operator),
			Threshold:     c.Threshold,
			Period:        c.Period,
		}
		switch c.Kind {
		case ConditionKindEntry:
			def.EntryConditions = append(def.EntryConditions, cond)
		case ConditionKindExit:
			def.ExitConditions = append(def.ExitConditions, cond)
		}
	}

	valid := defs[:0]
	for i, def := range defs {
		cfg, err := strategy.ParseConfig(def.Type, rows[i].Params)
		if err != nil {
			errs = append(errs, fmt.Errorf("strategy %d: %w", def.ID, err))
			continue
		}
		def.Config = cfg
		if err := def.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		valid = append(valid, def)
	}
	return valid, errs
}

func decodeBuffered(payload []byte) (*strategy.Signal, error) {
	var sig strategy.Signal
	if err := json.Unmarshal(payload, &sig); err != nil {
		return nil, fmt.Errorf("decode buffered signal: %w", err)
	}
	if sig.ID == "" || sig.StrategyID == 0 || sig.Type == strategy.SignalNone {
		return nil, errors.New("buffered signal missing id, strategy or type")
	}
	return &sig, nil
}

// nullDecimal maps an optional price to a NUMERIC parameter.
func nullDecimal(v *float64) any {
	if v == nil {
		return nil
	}
	return decimal.NewFromFloat(*v)
}
