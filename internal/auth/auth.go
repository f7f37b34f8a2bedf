// Package auth implements spec.md §4.A: obtaining and refreshing bearer
// credentials for the gRPC channel via an OAuth2 client-credentials grant.
package auth

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/cyoda-platform/cyoda-worker-go/internal/domain/model"
)

// Config holds the credentials and endpoint this Provider authenticates
// against — spec.md §4.A's "clientId, clientSecret, and a token endpoint
// URL" configuration inputs.
type Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// Provider obtains and refreshes bearer tokens for the gRPC channel.
type Provider interface {
	// GetToken returns a token valid for at least earliestExpiry-now;
	// callers must refresh before that instant. Failure to obtain a token
	// fails with an ErrorKindAuthFailed DispatchError and is retryable.
	GetToken(ctx context.Context) (token string, earliestExpiry time.Time, err error)
}

// oauthProvider is the concrete oauth2 client-credentials implementation.
type oauthProvider struct {
	source oauth2.TokenSource
}

// New builds a Provider over golang.org/x/oauth2/clientcredentials — the
// ecosystem's standard client-credentials flow, used the same way
// rakunlabs-at wires golang.org/x/oauth2 for its own service-to-service
// auth.
func New(cfg Config) Provider {
	ccfg := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}
	return &oauthProvider{source: ccfg.TokenSource(context.Background())}
}

func (p *oauthProvider) GetToken(ctx context.Context) (string, time.Time, error) {
	tok, err := p.source.Token()
	if err != nil {
		return "", time.Time{}, model.WrapDispatchError(model.ErrorKindAuthFailed,
			fmt.Errorf("auth: client-credentials grant failed: %w", err))
	}
	if tok.AccessToken == "" {
		return "", time.Time{}, model.NewDispatchError(model.ErrorKindAuthFailed, "auth: empty access token returned")
	}
	return tok.AccessToken, tok.Expiry, nil
}

// RetryingGetToken wraps a Provider with the same exponential-backoff
// retry shape used by the Supervisor and Stream Session's reconnect logic,
// giving up (and surfacing the last error) after maxAttempts.
func RetryingGetToken(ctx context.Context, p Provider, maxAttempts int, backoff func(attempt int) time.Duration) (string, time.Time, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		token, expiry, err := p.GetToken(ctx)
		if err == nil {
			return token, expiry, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return "", time.Time{}, ctx.Err()
		case <-time.After(backoff(attempt)):
		}
	}
	return "", time.Time{}, lastErr
}
