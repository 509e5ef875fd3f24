package main

import (
	"context"

	"signal-engine/internal/candles"
	"signal-engine/internal/strategy"
)

// sample is one replayed entry signal and the move that followed it.
type sample struct {
	Side       strategy.SignalType
	Confidence float64

	// MovePercent is signed in the trade's favor.
	MovePercent float64
}

type bucket struct {
	Min, Max float64
	Signals  int
	Winners  int
	Losers   int
	AvgMove  float64
}

func (b bucket) WinRate() float64 {
	if b.Signals == 0 {
		return 0
	}
	return float64(b.Winners) / float64(b.Signals) * 100
}

func defaultBuckets() []bucket {
	return []bucket{
		{Min: 0, Max: 50},
		{Min: 50, Max: 60},
		{Min: 60, Max: 70},
		{Min: 70, Max: 80},
		{Min: 80, Max: 90},
		{Min: 90, Max: 100.01},
	}
}

// replay walks history oldest to newest, evaluating the guard flat at each
// closed candle once it has cfg.MinCandles of lookback. Signals without
// horizon candles after them are not scored.
func replay(ctx context.Context, guard strategy.Evaluator, cfg *strategy.ATHGuardConfig, key candles.Key, history []candles.Candle, horizon int) ([]sample, error) {
	def := &strategy.Definition{
		Name:      "replay",
		Symbol:    key.Symbol,
		Timeframe: key.Timeframe,
		Exchange:  key.Exchange,
		Type:      strategy.TypeATHGuard,
		Config:    cfg,
	}

	var out []sample
	for end := cfg.MinCandles; end+horizon <= len(history); end++ {
		window := history[end-cfg.MinCandles : end]
		res, err := guard.Evaluate(ctx, strategy.Input{Strategy: def, Candles: window})
		if err != nil {
			return nil, err
		}
		if !res.HasSignal() || res.Confidence == nil {
			continue
		}

		entry := window[len(window)-1].Close
		exit := history[end+horizon-1].Close
		move := (exit - entry) / entry * 100
		if res.Type == strategy.SignalSell {
			move = -move
		}
		out = append(out, sample{Side: res.Type, Confidence: *res.Confidence, MovePercent: move})
	}
	return out, nil
}

func bucketize(samples []sample, buckets []bucket) []bucket {
	totals := make([]float64, len(buckets))
	for _, s := range samples {
		for i := range buckets {
			if s.Confidence >= buckets[i].Min && s.Confidence < buckets[i].Max {
				buckets[i].Signals++
				totals[i] += s.MovePercent
				switch {
				case s.MovePercent > 0:
					buckets[i].Winners++
				case s.MovePercent < 0:
					buckets[i].Losers++
				}
				break
			}
		}
	}
	for i := range buckets {
		if buckets[i].Signals > 0 {
			buckets[i].AvgMove = totals[i] / float64(buckets[i].Signals)
		}
	}
	return buckets
}
