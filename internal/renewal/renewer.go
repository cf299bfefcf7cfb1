package renewal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tick-feed-supervisor/internal/credential"
)

// ErrRejected indicates the provider refused the renewal exchange, as opposed
// to the exchange being unreachable.
var ErrRejected = errors.New("renewal: exchange rejected")

// Renewer exchanges a credential for one with a later expiry.
type Renewer interface {
	Renew(ctx context.Context, current credential.Credential) (credential.Credential, error)
}

// DhanRenewer drives the provider's RenewToken endpoint. The exchange is a
// GET authenticated by the current token and client id headers; the response
// carries only the new token string, whose expiry lives in its JWT payload.
type DhanRenewer struct {
	url    string
	client *http.Client
	logger zerolog.Logger
	now    func() time.Time
}

// NewDhanRenewer constructs the provider renewal client.
func NewDhanRenewer(url string, timeout time.Duration, logger zerolog.Logger) *DhanRenewer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &DhanRenewer{
		url:    strings.TrimRight(url, "/"),
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "renewer").Logger(),
		now:    time.Now,
	}
}

// Renew performs the renewal exchange.
func (r *DhanRenewer) Renew(ctx context.Context, current credential.Credential) (credential.Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return credential.Credential{}, fmt.Errorf("create renew request: %w", err)
	}
	req.Header.Set("access-token", current.AccessToken)
	req.Header.Set("dhanClientId", current.ClientID)
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return credential.Credential{}, fmt.Errorf("send renew request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return credential.Credential{}, fmt.Errorf("read renew response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return credential.Credential{}, fmt.Errorf("%w: status %d: %s",
			ErrRejected, resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return credential.Credential{}, fmt.Errorf("%w: response not JSON: %v", ErrRejected, err)
	}
	if body.AccessToken == "" {
		return credential.Credential{}, fmt.Errorf("%w: no access_token in response", ErrRejected)
	}

	expiry, err := credential.ExpiryFromJWT(body.AccessToken)
	if err != nil {
		return credential.Credential{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	issued := r.now().UTC()
	r.logger.Info().Time("expires_at", expiry).Msg("renewal exchange succeeded")

	return credential.Credential{
		AccessToken: body.AccessToken,
		ClientID:    current.ClientID,
		IssuedAt:    issued,
		ExpiresAt:   expiry,
	}, nil
}

var _ Renewer = (*DhanRenewer)(nil)
