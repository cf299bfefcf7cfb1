package ingest

import (
	"context"

	"github.com/rs/zerolog"

	"tick-feed-supervisor/internal/storage"
	"tick-feed-supervisor/internal/stream"
)

// DBSink archives ticks to PostgreSQL. Idempotency rides on the archive's
// conflict target, so redelivered ticks are silently absorbed.
type DBSink struct {
	store  storage.TickStore
	logger zerolog.Logger
}

// NewDBSink wraps a tick store as a stream sink.
func NewDBSink(store storage.TickStore, logger zerolog.Logger) *DBSink {
	return &DBSink{store: store, logger: logger.With().Str("component", "db_sink").Logger()}
}

// Accept inserts the tick into the archive.
func (s *DBSink) Accept(ctx context.Context, groupID string, tick stream.Tick) error {
	inserted, err := s.store.InsertTick(ctx, storage.TickRecord{
		GroupID:    groupID,
		SecurityID: tick.SecurityID,
		Price:      tick.Price,
		Quantity:   tick.Quantity,
		TickAt:     tick.At,
	})
	if err != nil {
		return err
	}
	if !inserted {
		s.logger.Debug().Str("security_id", tick.SecurityID).Time("at", tick.At).Msg("duplicate tick absorbed")
	}
	return nil
}

// Flush is a no-op; inserts are not buffered.
func (s *DBSink) Flush(context.Context) error {
	return nil
}

var _ stream.Sink = (*DBSink)(nil)
