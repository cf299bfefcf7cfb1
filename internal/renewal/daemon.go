package renewal

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tick-feed-supervisor/internal/alerting"
	"tick-feed-supervisor/internal/credential"
	"tick-feed-supervisor/internal/scheduler"
)

// Policy configures the renewal cadence.
type Policy struct {
	CheckInterval time.Duration
	RenewalBuffer time.Duration
}

// Validate rejects policies under which a check could be skipped past the
// point of no return.
func (p Policy) Validate() error {
	if p.CheckInterval < 10*time.Minute {
		return fmt.Errorf("renewal: check interval must be at least 10m, got %s", p.CheckInterval)
	}
	if p.CheckInterval >= p.RenewalBuffer {
		return fmt.Errorf("renewal: check interval %s must be shorter than renewal buffer %s",
			p.CheckInterval, p.RenewalBuffer)
	}
	return nil
}

// CredentialStore is the slice of the store the daemon needs.
type CredentialStore interface {
	Read() (credential.Credential, error)
	Replace(credential.Credential) error
}

// Alerter publishes operational events without blocking.
type Alerter interface {
	Emit(severity alerting.Severity, code, message string)
}

// Daemon keeps the stored credential fresh by renewing it ahead of expiry.
// It is the sole writer of the credential store and runs on its own goroutine,
// independent of stream I/O. All failures are absorbed into alerts; the old
// credential is never cleared on a failed renewal (fail-open).
type Daemon struct {
	store   CredentialStore
	renewer Renewer
	alerts  Alerter
	policy  Policy
	cadence *scheduler.Cadence
	logger  zerolog.Logger
}

// NewDaemon constructs the renewal daemon.
func NewDaemon(store CredentialStore, renewer Renewer, alerts Alerter, policy Policy, logger zerolog.Logger) (*Daemon, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	cadence := scheduler.New(scheduler.Options{
		Interval:  policy.CheckInterval,
		Immediate: true,
	}, logger)
	return &Daemon{
		store:   store,
		renewer: renewer,
		alerts:  alerts,
		policy:  policy,
		cadence: cadence,
		logger:  logger.With().Str("component", "renewal_daemon").Logger(),
	}, nil
}

// Run blocks until ctx is cancelled, checking freshness every CheckInterval.
// A check that is already in flight finishes before the daemon stops.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info().
		Dur("check_interval", d.policy.CheckInterval).
		Dur("renewal_buffer", d.policy.RenewalBuffer).
		Msg("renewal daemon started")
	return d.cadence.Run(ctx, d.CheckOnce)
}

// CheckOnce performs a single freshness check at the given instant. Renewal
// fires iff remaining validity is within the buffer. Failures are retried at
// the next scheduled check, never immediately, to bound the request rate
// during a provider outage.
func (d *Daemon) CheckOnce(ctx context.Context, at time.Time) error {
	current, err := d.store.Read()
	if err != nil {
		d.alerts.Emit(alerting.SeverityError, "credential_unreadable",
			fmt.Sprintf("cannot read credential: %v", err))
		return err
	}

	remaining := current.Remaining(at)
	if remaining > d.policy.RenewalBuffer {
		d.logger.Debug().Dur("remaining", remaining).Msg("token valid")
		d.alerts.Emit(alerting.SeverityInfo, "token_valid",
			fmt.Sprintf("token valid for %s", remaining.Round(time.Minute)))
		return nil
	}

	d.logger.Info().Dur("remaining", remaining).Msg("credential within renewal buffer, renewing")

	renewed, err := d.renewer.Renew(ctx, current)
	if err != nil {
		if remaining <= 0 {
			d.alerts.Emit(alerting.SeverityCritical, "credential_expired",
				fmt.Sprintf("credential expired %s ago and renewal failed: %v", -remaining, err))
		} else {
			d.alerts.Emit(alerting.SeverityError, "renewal_failed",
				fmt.Sprintf("renewal failed with %s validity left, keeping current credential: %v",
					remaining.Round(time.Minute), err))
		}
		return nil
	}

	// A renewal that does not extend validity would make expiry regress;
	// treat it like a failed exchange.
	if !renewed.ExpiresAt.After(current.ExpiresAt) {
		d.alerts.Emit(alerting.SeverityError, "renewal_stale",
			fmt.Sprintf("renewal returned expiry %s not after current %s, keeping current credential",
				renewed.ExpiresAt.Format(time.RFC3339), current.ExpiresAt.Format(time.RFC3339)))
		return nil
	}

	if err := d.store.Replace(renewed); err != nil {
		d.alerts.Emit(alerting.SeverityError, "credential_persist_failed",
			fmt.Sprintf("renewed but could not persist, keeping current credential: %v", err))
		return nil
	}

	d.alerts.Emit(alerting.SeverityInfo, "credential_renewed",
		fmt.Sprintf("credential renewed, new expiry %s", renewed.ExpiresAt.Format(time.RFC3339)))
	return nil
}
