package stream

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"tick-feed-supervisor/internal/alerting"
	"tick-feed-supervisor/internal/credential"
	"tick-feed-supervisor/internal/markethours"
)

// State is the supervisor's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribing
	StateStreaming
	StateReconnecting
	StateDraining
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateSubscribing:
		return "SUBSCRIBING"
	case StateStreaming:
		return "STREAMING"
	case StateReconnecting:
		return "RECONNECTING"
	case StateDraining:
		return "DRAINING"
	default:
		return "DISCONNECTED"
	}
}

// CredentialReader is the read-only slice of the credential store the
// supervisor needs. Every (re)connect takes a fresh snapshot.
type CredentialReader interface {
	Read() (credential.Credential, error)
}

// Alerter publishes operational events without blocking.
type Alerter interface {
	Emit(severity alerting.Severity, code, message string)
}

// Options tune supervisor behaviour.
type Options struct {
	GroupID     string
	SecurityIDs []string

	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// StableReset is the minimum streaming duration after which backoff
	// returns to its initial value on the next failure.
	StableReset time.Duration
	// CredentialRetry bounds how long to wait after aborting on an expired
	// snapshot before re-reading the store; usually the renewal check
	// interval.
	CredentialRetry time.Duration

	MalformedRatio  float64
	MalformedMinMsg uint32
	BreakerInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = time.Second
	}
	if o.BackoffMax < o.BackoffInitial {
		o.BackoffMax = 60 * time.Second
	}
	if o.StableReset <= 0 {
		o.StableReset = 30 * time.Second
	}
	if o.CredentialRetry <= 0 {
		o.CredentialRetry = 5 * time.Minute
	}
	if o.MalformedRatio <= 0 || o.MalformedRatio > 1 {
		o.MalformedRatio = 0.5
	}
	if o.MalformedMinMsg == 0 {
		o.MalformedMinMsg = 50
	}
	if o.BreakerInterval <= 0 {
		o.BreakerInterval = 30 * time.Second
	}
}

// Supervisor owns one provider connection for one symbol group. It streams
// exactly while the market is open and a valid credential is available,
// otherwise stays deliberately disconnected. It communicates with the
// renewal daemon only through the credential store and the alert sink.
type Supervisor struct {
	opts   Options
	dialer Dialer
	creds  CredentialReader
	window markethours.Window
	sink   Sink
	alerts Alerter
	logger zerolog.Logger

	state   atomic.Int32
	backoff time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

// NewSupervisor constructs a supervisor for one symbol group.
func NewSupervisor(opts Options, dialer Dialer, creds CredentialReader, window markethours.Window, sink Sink, alerts Alerter, logger zerolog.Logger) *Supervisor {
	opts.applyDefaults()
	s := &Supervisor{
		opts:    opts,
		dialer:  dialer,
		creds:   creds,
		window:  window,
		sink:    sink,
		alerts:  alerts,
		logger:  logger.With().Str("component", "stream_supervisor").Str("group", opts.GroupID).Logger(),
		backoff: opts.BackoffInitial,
		now:     time.Now,
		sleep:   sleepCtx,
	}
	return s
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

func (s *Supervisor) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev != next {
		s.logger.Debug().Stringer("from", prev).Stringer("to", next).Msg("state transition")
	}
}

// Run drives the connection loop until ctx is cancelled. All recoverable
// failures are absorbed into alerts; Run only returns the ctx error.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info().Int("instruments", len(s.opts.SecurityIDs)).Msg("stream supervisor started")

	for ctx.Err() == nil {
		now := s.now()

		if s.window.Regime(now) == markethours.Closed {
			s.setState(StateDisconnected)
			wait := s.window.NextChange(now)
			s.logger.Info().Dur("until_open", wait).Msg("market closed, dormant")
			if !s.sleep(ctx, wait) {
				break
			}
			continue
		}

		cred, err := s.creds.Read()
		if err != nil {
			s.alerts.Emit(alerting.SeverityError, "credential_unreadable",
				fmt.Sprintf("%s: cannot read credential for connect: %v", s.opts.GroupID, err))
			s.setState(StateDisconnected)
			s.waitForCredential(ctx)
			continue
		}
		if !cred.Valid(s.now()) {
			// A handshake with an expired token is doomed; skip the network
			// call and wait for the renewal daemon.
			s.alerts.Emit(alerting.SeverityError, "stale_credential",
				fmt.Sprintf("%s: credential expired at %s, connect aborted",
					s.opts.GroupID, cred.ExpiresAt.Format(time.RFC3339)))
			s.setState(StateDisconnected)
			s.waitForCredential(ctx)
			continue
		}

		s.setState(StateConnecting)
		conn, err := s.dialer.Dial(ctx, cred)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.retry(ctx, "connect_failed", err)
			continue
		}

		s.setState(StateSubscribing)
		if err := conn.Subscribe(ctx, s.opts.SecurityIDs); err != nil {
			conn.Close()
			if ctx.Err() != nil {
				break
			}
			s.retry(ctx, "subscribe_failed", err)
			continue
		}

		s.setState(StateStreaming)
		s.alerts.Emit(alerting.SeverityInfo, "stream_connected",
			fmt.Sprintf("%s: streaming %d instruments", s.opts.GroupID, len(s.opts.SecurityIDs)))
		started := s.now()

		end, streamErr := s.streamLoop(ctx, conn)
		conn.Close()

		if s.now().Sub(started) >= s.opts.StableReset {
			s.backoff = s.opts.BackoffInitial
		}

		switch end {
		case endCancelled:
			// fall through to loop exit
		case endMarketClosed:
			s.drain(ctx)
		case endUnhealthy:
			s.retry(ctx, "stream_unhealthy", streamErr)
		default:
			s.retry(ctx, "stream_dropped", streamErr)
		}
	}

	s.setState(StateDisconnected)
	s.logger.Info().Msg("stream supervisor stopped")
	return ctx.Err()
}

type endReason int

const (
	endDropped endReason = iota
	endMarketClosed
	endUnhealthy
	endCancelled
)

// streamLoop reads and routes ticks until the connection ends, the market
// closes, or the malformed-message breaker opens.
func (s *Supervisor) streamLoop(ctx context.Context, conn Conn) (endReason, error) {
	breaker := s.newBreaker()

	subscribed := make(map[string]struct{}, len(s.opts.SecurityIDs))
	for _, id := range s.opts.SecurityIDs {
		subscribed[id] = struct{}{}
	}

	var malformed, accepted uint64
	for {
		if ctx.Err() != nil {
			return endCancelled, ctx.Err()
		}
		if s.window.Regime(s.now()) == markethours.Closed {
			s.logger.Info().Uint64("ticks", accepted).Uint64("malformed", malformed).Msg("market closed, draining")
			return endMarketClosed, nil
		}

		msg, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return endCancelled, ctx.Err()
			}
			return endDropped, err
		}

		tick, err := breaker.Execute(func() (Tick, error) {
			t, decodeErr := DecodeTick(msg)
			if decodeErr != nil {
				return Tick{}, decodeErr
			}
			if _, ok := subscribed[t.SecurityID]; !ok {
				return Tick{}, fmt.Errorf("%w: unsubscribed security id %s", ErrMalformed, t.SecurityID)
			}
			return t, nil
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || breaker.State() == gobreaker.StateOpen {
				s.alerts.Emit(alerting.SeverityWarn, "protocol_unhealthy",
					fmt.Sprintf("%s: malformed rate tripped breaker after %d bad messages, reconnecting",
						s.opts.GroupID, malformed))
				return endUnhealthy, err
			}
			malformed++
			continue
		}

		if err := s.sink.Accept(ctx, s.opts.GroupID, tick); err != nil {
			s.logger.Error().Err(err).Str("security_id", tick.SecurityID).Msg("sink rejected tick")
			continue
		}
		accepted++
	}
}

// drain finishes a session gracefully at market close: flush the sink, no
// reconnect until the next open window.
func (s *Supervisor) drain(ctx context.Context) {
	s.setState(StateDraining)
	if err := s.sink.Flush(ctx); err != nil {
		s.logger.Error().Err(err).Msg("sink flush failed during drain")
	}
	s.backoff = s.opts.BackoffInitial
	s.setState(StateDisconnected)
	s.alerts.Emit(alerting.SeverityInfo, "stream_drained",
		fmt.Sprintf("%s: session closed with market", s.opts.GroupID))
}

// retry waits out the current backoff before the next attempt, doubling it up
// to the cap. The regime is re-checked at the top of the loop, so a market
// close during the wait lands in Disconnected without another attempt.
func (s *Supervisor) retry(ctx context.Context, code string, cause error) {
	s.setState(StateReconnecting)
	delay := s.backoff
	s.backoff = minDuration(s.backoff*2, s.opts.BackoffMax)

	s.alerts.Emit(alerting.SeverityWarn, code,
		fmt.Sprintf("%s: %v; reconnecting in %s", s.opts.GroupID, cause, delay))
	s.sleep(ctx, delay)
}

// waitForCredential pauses until the renewal daemon has had a chance to act,
// bounded by the time to the next regime change.
func (s *Supervisor) waitForCredential(ctx context.Context) {
	wait := s.opts.CredentialRetry
	if until := s.window.NextChange(s.now()); until < wait {
		wait = until
	}
	s.sleep(ctx, wait)
}

func (s *Supervisor) newBreaker() *gobreaker.CircuitBreaker[Tick] {
	return gobreaker.NewCircuitBreaker[Tick](gobreaker.Settings{
		Name:     "decode_" + s.opts.GroupID,
		Interval: s.opts.BreakerInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < s.opts.MalformedMinMsg {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= s.opts.MalformedRatio
		},
	})
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
