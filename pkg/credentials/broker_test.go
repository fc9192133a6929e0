package credentials_test

import (
	"net/http"
	"sync"
	"testing"
	"time"

	"sharebucket/pkg/credentials"
	"sharebucket/pkg/graph/graphtest"
	"sharebucket/pkg/storage"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/require"
)

func NewTestBroker(t *testing.T, srv *graphtest.Server, opts ...credentials.Option) *credentials.Broker {
	t.Helper()

	broker, err := credentials.NewBroker(credentials.Config{
		IdentityBaseURL: srv.IdentityBaseURL(),
		TenantID:        graphtest.TenantID,
		ClientID:        graphtest.ClientID,
		ClientSecret:    graphtest.ClientSecret,
	}, opts...)
	require.NoError(t, err, "NewBroker error")

	return broker
}

type countingObserver struct {
	mu       sync.Mutex
	total    int
	failures int
}

func (o *countingObserver) ObserveTokenExchange(err error, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.total++
	if err != nil {
		o.failures++
	}
}

func TestConfigEndpoints(t *testing.T) {
	t.Parallel()

	cfg := credentials.Config{TenantID: "contoso"}
	require.Equal(t, "https://login.microsoftonline.com/contoso/oauth2/v2.0/token", cfg.TokenURL())
	require.Equal(t, "https://graph.microsoft.com/.default", cfg.Scope())

	cfg = credentials.Config{
		IdentityBaseURL: "http://localhost:1234/",
		TenantID:        "t1",
		Resource:        "https://example.com/",
	}
	require.Equal(t, "http://localhost:1234/t1/oauth2/v2.0/token", cfg.TokenURL())
	require.Equal(t, "https://example.com/.default", cfg.Scope())
}

func TestNewBrokerRequiresIdentity(t *testing.T) {
	t.Parallel()

	_, err := credentials.NewBroker(credentials.Config{ClientID: "c"})
	require.Error(t, err, "missing tenant should be rejected")

	_, err = credentials.NewBroker(credentials.Config{TenantID: "t"})
	require.Error(t, err, "missing client id should be rejected")
}

func TestBrokerReusesValidToken(t *testing.T) {
	t.Parallel()

	srv := graphtest.NewServer(t)
	broker := NewTestBroker(t, srv)

	first, err := broker.Token(t.Context())
	require.NoError(t, err, "first Token")
	require.True(t, first.ExpiresAt.After(time.Now()), "token should expire in the future")

	second, err := broker.Token(t.Context())
	require.NoError(t, err, "second Token")

	require.Equal(t, first, second, "valid token should be reused")
	require.EqualValues(t, 1, srv.TokenRequests(), "exactly one exchange")
}

func TestBrokerRefreshesExpiredToken(t *testing.T) {
	t.Parallel()

	srv := graphtest.NewServer(t)
	broker := NewTestBroker(t, srv)

	// The first token is already expired when it is issued.
	srv.SetTokenTTL(-time.Minute)
	expired, err := broker.Token(t.Context())
	require.NoError(t, err, "first Token")
	require.True(t, expired.ExpiresAt.Before(time.Now()), "first token should be expired")
	require.EqualValues(t, 1, srv.TokenRequests())

	srv.SetTokenTTL(time.Hour)
	fresh, err := broker.Token(t.Context())
	require.NoError(t, err, "Token after expiry")
	require.EqualValues(t, 2, srv.TokenRequests(), "expired token triggers exactly one exchange")
	require.NotEqual(t, expired.Value, fresh.Value)
	require.True(t, fresh.ExpiresAt.After(time.Now()), "refreshed token should expire in the future")

	again, err := broker.Token(t.Context())
	require.NoError(t, err, "Token after refresh")
	require.Equal(t, fresh, again, "refreshed token should be reused")
	require.EqualValues(t, 2, srv.TokenRequests(), "no exchange while the token is valid")
}

func TestBrokerClockDrivesExpiry(t *testing.T) {
	t.Parallel()

	srv := graphtest.NewServer(t)

	var (
		mu  sync.Mutex
		now = time.Now()
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	broker := NewTestBroker(t, srv, credentials.WithClock(clock))

	_, err := broker.Token(t.Context())
	require.NoError(t, err)
	_, err = broker.Token(t.Context())
	require.NoError(t, err)
	require.EqualValues(t, 1, srv.TokenRequests())

	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()

	_, err = broker.Token(t.Context())
	require.NoError(t, err)
	require.EqualValues(t, 2, srv.TokenRequests(), "token past its exp claim must be replaced")
}

func TestBrokerExpiryMargin(t *testing.T) {
	t.Parallel()

	srv := graphtest.NewServer(t)
	broker := NewTestBroker(t, srv, credentials.WithExpiryMargin(2*time.Hour))

	for range 3 {
		_, err := broker.Token(t.Context())
		require.NoError(t, err)
	}

	require.EqualValues(t, 3, srv.TokenRequests(), "tokens inside the margin are never reused")
}

// Concurrent callers that see no valid token each perform their own
// exchange; refreshes are deliberately not serialized. Every caller must
// still receive a valid token.
func TestBrokerConcurrentRefreshIsNotDeduplicated(t *testing.T) {
	t.Parallel()

	srv := graphtest.NewServer(t)
	broker := NewTestBroker(t, srv)

	const callers = 16

	var wg sync.WaitGroup
	tokens := make([]storage.AccessToken, callers)
	errs := make([]error, callers)

	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tokens[i], errs[i] = broker.Token(t.Context())
		}()
	}
	wg.Wait()

	for i := range callers {
		require.NoErrorf(t, errs[i], "caller %d", i)
		require.Truef(t, tokens[i].Valid(time.Now()), "caller %d got an invalid token", i)
	}

	exchanges := srv.TokenRequests()
	require.GreaterOrEqual(t, exchanges, int64(1))
	require.LessOrEqual(t, exchanges, int64(callers))

	// Once settled the cached token is reused.
	_, err := broker.Token(t.Context())
	require.NoError(t, err)
	require.Equal(t, exchanges, srv.TokenRequests())
}

func TestBrokerExchangeFailure(t *testing.T) {
	t.Parallel()

	srv := graphtest.NewServer(t)
	observer := &countingObserver{}
	broker := NewTestBroker(t, srv, credentials.WithObserver(observer))

	srv.FailTokens(http.StatusUnauthorized, "invalid_client")

	_, err := broker.Token(t.Context())
	require.Error(t, err)
	require.ErrorIs(t, err, storage.ErrAuthFailure)
	require.EqualValues(t, 1, srv.TokenRequests(), "failures are not retried")

	var authErr *credentials.AuthError
	require.ErrorAs(t, err, &authErr)

	observer.mu.Lock()
	require.Equal(t, 1, observer.total)
	require.Equal(t, 1, observer.failures)
	observer.mu.Unlock()

	// The next call tries again rather than caching the failure.
	srv.FailTokens(0, "")
	_, err = broker.Token(t.Context())
	require.NoError(t, err)
	require.EqualValues(t, 2, srv.TokenRequests())
}

func TestBrokerRejectsOpaqueToken(t *testing.T) {
	t.Parallel()

	srv := graphtest.NewServer(t)
	srv.SetOpaqueTokens(true)
	broker := NewTestBroker(t, srv)

	_, err := broker.Token(t.Context())
	require.ErrorIs(t, err, storage.ErrAuthFailure, "token without a readable exp claim is unusable")
}

func TestBrokerUnreachableIssuer(t *testing.T) {
	t.Parallel()

	broker, err := credentials.NewBroker(credentials.Config{
		IdentityBaseURL: "http://127.0.0.1:1",
		TenantID:        graphtest.TenantID,
		ClientID:        graphtest.ClientID,
		ClientSecret:    graphtest.ClientSecret,
	})
	require.NoError(t, err)

	_, err = broker.Token(t.Context())
	require.ErrorIs(t, err, storage.ErrAuthFailure)
}

func TestExpiryFromJWT(t *testing.T) {
	t.Parallel()

	exp := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	sign := func(claims jwt.Claims) string {
		raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("whatever"))
		require.NoError(t, err)
		return raw
	}

	got, err := credentials.ExpiryFromJWT(sign(jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)}))
	require.NoError(t, err)
	require.True(t, exp.Equal(got), "expiry mismatch: %s", got)

	// Expired tokens still decode: validity is the broker's decision.
	past := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
	got, err = credentials.ExpiryFromJWT(sign(jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(past)}))
	require.NoError(t, err)
	require.True(t, past.Equal(got))

	_, err = credentials.ExpiryFromJWT(sign(jwt.RegisteredClaims{Subject: "no-exp"}))
	require.Error(t, err, "missing exp claim")

	_, err = credentials.ExpiryFromJWT("not-a-jwt")
	require.Error(t, err, "malformed token")
}
