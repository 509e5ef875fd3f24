package main

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"signal-engine/internal/database"
	"signal-engine/internal/dispatch"
	"signal-engine/internal/strategy"
)

// bufferStore is the part of the repository the drain needs.
type bufferStore interface {
	PendingBuffered(ctx context.Context, limit int) ([]database.BufferedSignal, error)
	InsertSignal(ctx context.Context, sig *strategy.Signal) error
	DeleteBuffered(ctx context.Context, id int64) error
}

type notifier interface {
	Notify(ctx context.Context, sig *strategy.Signal) error
}

type drainStats struct {
	Stored     int
	Duplicates int
	Failed     int
}

// drain replays buffered signals into the signals table in batches until the
// buffer is empty or a batch makes no progress. A row is removed once its
// signal is stored or found to be stored already; rows that fail stay for
// the next run.
func drain(ctx context.Context, store bufferStore, notify notifier, batch int, logger zerolog.Logger) (drainStats, error) {
	var stats drainStats
	failed := make(map[int64]bool)
	for {
		pending, err := store.PendingBuffered(ctx, batch)
		if err != nil {
			return stats, err
		}
		if len(pending) == 0 {
			return stats, nil
		}

		progressed := false
		for _, b := range pending {
			if failed[b.ID] {
				continue
			}
			log := logger.With().Int64("buffer_id", b.ID).Str("signal_id", b.Signal.ID).Logger()

			err := store.InsertSignal(ctx, b.Signal)
			switch {
			case errors.Is(err, dispatch.ErrDuplicateSignal):
				stats.Duplicates++
			case err != nil:
				stats.Failed++
				failed[b.ID] = true
				log.Warn().Err(err).Msg("Buffered signal still not storable")
				continue
			default:
				stats.Stored++
				if notify != nil {
					if err := notify.Notify(ctx, b.Signal); err != nil {
						log.Warn().Err(err).Msg("Notification for replayed signal failed")
					}
				}
			}

			if err := store.DeleteBuffered(ctx, b.ID); err != nil {
				return stats, err
			}
			progressed = true
		}
		if !progressed || len(pending) < batch {
			return stats, nil
		}
	}
}
