package alerting

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Severity classifies operational events.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarn     Severity = "WARN"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Event is an immutable operational notice emitted by the renewal daemon and
// the stream supervisors.
type Event struct {
	ID        uuid.UUID
	Severity  Severity
	Code      string
	Message   string
	Timestamp time.Time
}

// NewEvent stamps a fresh event.
func NewEvent(severity Severity, code, message string) Event {
	return Event{
		ID:        uuid.New(),
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// Notifier delivers events to an operational channel.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// LogNotifier writes events to the structured log.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier builds a log-backed notifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify logs the event at a level matching its severity.
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	entry := n.logger.Info()
	switch event.Severity {
	case SeverityWarn:
		entry = n.logger.Warn()
	case SeverityError, SeverityCritical:
		entry = n.logger.Error()
	}
	entry.Str("alert_id", event.ID.String()).
		Str("severity", string(event.Severity)).
		Str("code", event.Code).
		Time("at", event.Timestamp).
		Msg(event.Message)
	return nil
}

// Fanout delivers each event to every configured notifier. Individual
// delivery failures do not stop the remaining notifiers; the first error is
// returned.
type Fanout struct {
	notifiers []Notifier
}

// NewFanout combines notifiers into one.
func NewFanout(notifiers ...Notifier) *Fanout {
	return &Fanout{notifiers: notifiers}
}

// Notify dispatches to all notifiers.
func (f *Fanout) Notify(ctx context.Context, event Event) error {
	var first error
	for _, n := range f.notifiers {
		if err := n.Notify(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = (*Fanout)(nil)
)
