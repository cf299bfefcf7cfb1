package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Sink decouples event producers from delivery. Publishing never blocks the
// caller: events queue on a buffered channel and a single consumer goroutine
// drives the notifier. When the queue is full the event is dropped and logged
// locally; delivery failures are logged once, never retried.
type Sink struct {
	notifier Notifier
	logger   zerolog.Logger
	events   chan Event

	closeOnce sync.Once
	done      chan struct{}
}

// NewSink starts the consumer goroutine over the given notifier.
func NewSink(notifier Notifier, buffer int, logger zerolog.Logger) *Sink {
	if buffer <= 0 {
		buffer = 128
	}
	s := &Sink{
		notifier: notifier,
		logger:   logger.With().Str("component", "alert_sink").Logger(),
		events:   make(chan Event, buffer),
		done:     make(chan struct{}),
	}
	go s.consume()
	return s
}

// Publish enqueues an event, dropping it when the queue is full.
func (s *Sink) Publish(event Event) {
	select {
	case s.events <- event:
	default:
		s.logger.Warn().Str("code", event.Code).Msg("alert queue full, event dropped")
	}
}

// Emit builds and publishes an event in one call.
func (s *Sink) Emit(severity Severity, code, message string) {
	s.Publish(NewEvent(severity, code, message))
}

// Close stops the consumer after draining queued events.
func (s *Sink) Close() {
	s.closeOnce.Do(func() {
		close(s.events)
		<-s.done
	})
}

func (s *Sink) consume() {
	defer close(s.done)
	for event := range s.events {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.notifier.Notify(ctx, event); err != nil {
			s.logger.Error().Err(err).Str("code", event.Code).Msg("alert delivery failed")
		}
		cancel()
	}
}
