package ingest

import (
	"context"

	"tick-feed-supervisor/internal/stream"
)

// MultiSink delivers every tick to all sinks. A failing sink does not stop
// delivery to the others; the first error is reported to the caller.
type MultiSink struct {
	sinks []stream.Sink
}

// NewMultiSink fans ticks out to the given sinks.
func NewMultiSink(sinks ...stream.Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Accept forwards the tick to every sink.
func (m *MultiSink) Accept(ctx context.Context, groupID string, tick stream.Tick) error {
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Accept(ctx, groupID, tick); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Flush flushes every sink.
func (m *MultiSink) Flush(ctx context.Context) error {
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Flush(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ stream.Sink = (*MultiSink)(nil)
