package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"tick-feed-supervisor/internal/credential"
	"tick-feed-supervisor/internal/renewal"
)

// expiryDriftTolerance is how far the stored expiry may diverge from the
// token's own exp claim before the record counts as corrupted metadata.
const expiryDriftTolerance = time.Minute

// TokenStatus reports the stored credential against the expiry embedded in
// the token itself, optionally repairing a divergent record.
func (a *App) TokenStatus(ctx context.Context, opts TokenStatusOptions) error {
	store, err := a.openCredentialStore()
	if err != nil {
		return err
	}

	cred, err := store.Read()
	if err != nil {
		return err
	}

	now := time.Now()
	claimExpiry, claimErr := credential.ExpiryFromJWT(cred.AccessToken)

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "client id\t%s\n", cred.ClientID)
	fmt.Fprintf(writer, "stored expiry\t%s\n", cred.ExpiresAt.Format(time.RFC3339))
	if claimErr != nil {
		fmt.Fprintf(writer, "token expiry\tunreadable (%v)\n", claimErr)
	} else {
		fmt.Fprintf(writer, "token expiry\t%s\n", claimExpiry.Format(time.RFC3339))
	}
	if cred.Valid(now) {
		fmt.Fprintf(writer, "remaining\t%s\n", cred.Remaining(now).Round(time.Minute))
	} else {
		fmt.Fprintf(writer, "remaining\texpired %s ago\n", now.Sub(cred.ExpiresAt).Round(time.Minute))
	}
	writer.Flush()

	if claimErr != nil {
		if errors.Is(claimErr, credential.ErrNoExpiry) {
			return nil
		}
		return claimErr
	}

	drift := cred.ExpiresAt.Sub(claimExpiry)
	if drift < 0 {
		drift = -drift
	}
	if drift <= expiryDriftTolerance {
		return nil
	}

	if !opts.Repair {
		fmt.Fprintf(os.Stdout, "stored expiry diverges from token by %s; rerun with --repair to fix\n", drift.Round(time.Second))
		return nil
	}

	cred.ExpiresAt = claimExpiry
	if err := store.Replace(cred); err != nil {
		return fmt.Errorf("repair stored expiry: %w", err)
	}
	a.Logger.Info().Time("expires_at", claimExpiry).Msg("stored expiry repaired from token claim")
	fmt.Fprintln(os.Stdout, "stored expiry repaired")
	return nil
}

// TokenRenew forces one renewal exchange regardless of the remaining
// lifetime and commits the result.
func (a *App) TokenRenew(ctx context.Context) error {
	store, err := a.openCredentialStore()
	if err != nil {
		return err
	}

	cred, err := store.Read()
	if err != nil {
		return err
	}

	renewer := renewal.NewDhanRenewer(a.Config.Credential.RenewURL, a.Config.Credential.RequestTimeout, a.Logger)
	renewed, err := renewer.Renew(ctx, cred)
	if err != nil {
		return fmt.Errorf("renew token: %w", err)
	}
	if !renewed.ExpiresAt.After(cred.ExpiresAt) {
		return fmt.Errorf("provider returned a token expiring %s, not after the current %s",
			renewed.ExpiresAt.Format(time.RFC3339), cred.ExpiresAt.Format(time.RFC3339))
	}

	if err := store.Replace(renewed); err != nil {
		return fmt.Errorf("persist renewed token: %w", err)
	}

	fmt.Fprintf(os.Stdout, "token renewed; new expiry %s\n", renewed.ExpiresAt.Format(time.RFC3339))
	return nil
}
