// Package credentials obtains and caches the bearer token used to call the
// remote catalog API.
//
// Tokens are acquired with the OAuth2 client-credentials grant. The expiry
// is read from the token's own "exp" claim; the signature is not verified
// because the token arrives over TLS straight from the issuer and is only
// ever forwarded back to the API that issued it.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"sharebucket/pkg/storage"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	DefaultIdentityBaseURL = "https://login.microsoftonline.com"
	DefaultResource        = "https://graph.microsoft.com"
)

// Config holds the client-credentials settings for one application
// registration.
type Config struct {
	IdentityBaseURL string
	TenantID        string
	ClientID        string
	ClientSecret    string
	// Resource is the API the token is requested for. The requested scope
	// is Resource + "/.default".
	Resource string
}

// TokenURL returns the token endpoint for the configured tenant.
func (c Config) TokenURL() string {
	base := c.IdentityBaseURL
	if base == "" {
		base = DefaultIdentityBaseURL
	}
	return fmt.Sprintf("%s/%s/oauth2/v2.0/token", strings.TrimRight(base, "/"), c.TenantID)
}

// Scope returns the ".default" scope for the configured resource.
func (c Config) Scope() string {
	resource := c.Resource
	if resource == "" {
		resource = DefaultResource
	}
	return strings.TrimRight(resource, "/") + "/.default"
}

// AuthError wraps any failure to obtain a usable token.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return "token exchange: " + e.Err.Error()
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func (e *AuthError) Is(target error) bool {
	return target == storage.ErrAuthFailure
}

// Observer is notified after every token exchange.
type Observer interface {
	ObserveTokenExchange(err error, elapsed time.Duration)
}

// Broker hands out a valid access token, exchanging client credentials for
// a new one whenever the cached token has expired.
//
// Refreshes are not deduplicated: callers that observe an expired token at
// the same time each perform an exchange and the last one stored wins.
// Tokens are interchangeable while valid, so this only costs an extra
// round trip.
type Broker struct {
	exchange   clientcredentials.Config
	httpClient *http.Client
	observer   Observer
	now        func() time.Time
	margin     time.Duration

	mu    sync.RWMutex
	token storage.AccessToken
}

type Option func(*Broker)

// WithHTTPClient sets the client used for the token exchange.
func WithHTTPClient(client *http.Client) Option {
	return func(b *Broker) {
		b.httpClient = client
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		b.now = now
	}
}

// WithExpiryMargin treats tokens as expired margin before their actual
// expiry. The default is no margin.
func WithExpiryMargin(margin time.Duration) Option {
	return func(b *Broker) {
		b.margin = margin
	}
}

// WithObserver registers an Observer for token exchanges.
func WithObserver(observer Observer) Option {
	return func(b *Broker) {
		b.observer = observer
	}
}

// NewBroker returns a Broker for cfg. No token is fetched until the first
// call to Token.
func NewBroker(cfg Config, opts ...Option) (*Broker, error) {
	if cfg.TenantID == "" {
		return nil, errors.New("tenant id must not be empty")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("client id must not be empty")
	}

	b := &Broker{
		exchange: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL(),
			Scopes:       []string{cfg.Scope()},
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		httpClient: http.DefaultClient,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b, nil
}

// cached returns the current token if it is still valid.
func (b *Broker) cached() (storage.AccessToken, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.token.Valid(b.now().Add(b.margin)) {
		return b.token, true
	}
	return storage.AccessToken{}, false
}

// Token returns a valid access token, performing a client-credentials
// exchange when the cached one is missing or expired.
func (b *Broker) Token(ctx context.Context) (storage.AccessToken, error) {
	if token, ok := b.cached(); ok {
		slog.Debug("Token still valid", "expires_at", token.ExpiresAt)
		return token, nil
	}

	start := time.Now()
	token, err := b.exchangeToken(ctx)
	if b.observer != nil {
		b.observer.ObserveTokenExchange(err, time.Since(start))
	}
	if err != nil {
		return storage.AccessToken{}, &AuthError{Err: err}
	}

	b.mu.Lock()
	b.token = token
	b.mu.Unlock()

	slog.Debug("New token fetched and stored", "expires_at", token.ExpiresAt)
	return token, nil
}

// exchangeToken performs the client-credentials grant and decodes the
// expiry of the returned token.
func (b *Broker) exchangeToken(ctx context.Context) (storage.AccessToken, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, b.httpClient)

	tok, err := b.exchange.Token(ctx)
	if err != nil {
		return storage.AccessToken{}, err
	}

	expiresAt, err := ExpiryFromJWT(tok.AccessToken)
	if err != nil {
		return storage.AccessToken{}, err
	}

	return storage.AccessToken{Value: tok.AccessToken, ExpiresAt: expiresAt}, nil
}

// ExpiryFromJWT reads the "exp" claim of a JWT without verifying its
// signature.
func ExpiryFromJWT(raw string) (time.Time, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return time.Time{}, fmt.Errorf("decode access token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, errors.New("access token has no exp claim")
	}
	return claims.ExpiresAt.Time, nil
}
