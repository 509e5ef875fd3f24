package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-engine/internal/database"
	"signal-engine/internal/dispatch"
	"signal-engine/internal/strategy"
)

type fakeBuffer struct {
	rows      []database.BufferedSignal
	insertErr map[string]error
	inserted  []string
}

func (f *fakeBuffer) PendingBuffered(_ context.Context, limit int) ([]database.BufferedSignal, error) {
	if limit > len(f.rows) {
		limit = len(f.rows)
	}
	return append([]database.BufferedSignal(nil), f.rows[:limit]...), nil
}

func (f *fakeBuffer) InsertSignal(_ context.Context, sig *strategy.Signal) error {
	if err := f.insertErr[sig.ID]; err != nil {
		return err
	}
	f.inserted = append(f.inserted, sig.ID)
	return nil
}

func (f *fakeBuffer) DeleteBuffered(_ context.Context, id int64) error {
	for i, r := range f.rows {
		if r.ID == id {
			f.rows = append(f.rows[:i], f.rows[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("row %d not found", id)
}

type countingNotifier struct{ n int }

func (c *countingNotifier) Notify(context.Context, *strategy.Signal) error {
	c.n++
	return nil
}

func buffered(n int) []database.BufferedSignal {
	out := make([]database.BufferedSignal, n)
	for i := range out {
		out[i] = database.BufferedSignal{ID: int64(i + 1), Signal: &strategy.Signal{ID: fmt.Sprintf("s%d", i+1)}}
	}
	return out
}

func TestDrainStoresAndRemovesRows(t *testing.T) {
	store := &fakeBuffer{
		rows: buffered(5),
		insertErr: map[string]error{
			"s2": fmt.Errorf("%w: key", dispatch.ErrDuplicateSignal),
			"s4": errors.New("connection refused"),
		},
	}
	notify := &countingNotifier{}

	stats, err := drain(context.Background(), store, notify, 2, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, drainStats{Stored: 3, Duplicates: 1, Failed: 1}, stats)
	assert.Equal(t, []string{"s1", "s3", "s5"}, store.inserted)
	assert.Equal(t, 3, notify.n)
	require.Len(t, store.rows, 1)
	assert.Equal(t, "s4", store.rows[0].Signal.ID)
}

func TestDrainStopsWhenNothingProgresses(t *testing.T) {
	store := &fakeBuffer{
		rows:      buffered(2),
		insertErr: map[string]error{"s1": errors.New("down"), "s2": errors.New("down")},
	}
	stats, err := drain(context.Background(), store, nil, 2, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Failed)
	assert.Len(t, store.rows, 2)
}
