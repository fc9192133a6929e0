package metrics

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"sharebucket/pkg/storage"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareCountsRequests(t *testing.T) {
	t.Parallel()

	m := New()
	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = io.WriteString(w, "ok")
	}))

	for _, path := range []string{"/a", "/b", "/missing"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequestWithContext(t.Context(), http.MethodGet, path, nil))
	}

	require.InDelta(t, 2, testutil.ToFloat64(m.requests.WithLabelValues("200", http.MethodGet)), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.requests.WithLabelValues("404", http.MethodGet)), 0)
	require.InDelta(t, 0, testutil.ToFloat64(m.inflight), 0, "inflight returns to zero")
}

func TestObserveRemoteCall(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveRemoteCall("list", nil, time.Millisecond)
	m.ObserveRemoteCall("stat", storage.NotFoundError{Key: "a"}, time.Millisecond)
	m.ObserveRemoteCall("stat", fmt.Errorf("wrapped: %w", &storage.RemoteError{Op: "stat", StatusCode: 500}), time.Millisecond)
	m.ObserveRemoteCall("content", errors.New("boom"), time.Millisecond)

	require.InDelta(t, 1, testutil.ToFloat64(m.remoteCalls.WithLabelValues("list", "ok")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.remoteCalls.WithLabelValues("stat", "not_found")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.remoteCalls.WithLabelValues("stat", "error")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.remoteCalls.WithLabelValues("content", "error")), 0)
}

func TestObserveTokenExchange(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveTokenExchange(nil, time.Millisecond)
	m.ObserveTokenExchange(nil, time.Millisecond)
	m.ObserveTokenExchange(storage.ErrAuthFailure, time.Millisecond)

	require.InDelta(t, 2, testutil.ToFloat64(m.tokenExchanges.WithLabelValues("ok")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.tokenExchanges.WithLabelValues("error")), 0)
}

func TestHandlerExposesCollectors(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveRemoteCall("list", nil, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequestWithContext(t.Context(), http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `sharebucket_graph_calls_total{op="list",result="ok"} 1`)
}

func TestRegistryGathersGatewayCollectors(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveRemoteCall("list", nil, time.Millisecond)
	m.ObserveRemoteCall("stat", storage.NotFoundError{Key: "a"}, time.Millisecond)
	m.ObserveTokenExchange(nil, time.Millisecond)

	count, err := testutil.GatherAndCount(m.Registry(), "sharebucket_graph_calls_total")
	require.NoError(t, err)
	require.Equal(t, 2, count, "one series per op and result")

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, family := range families {
		names = append(names, family.GetName())
	}
	require.Contains(t, names, "sharebucket_http_inflight_requests")
	require.Contains(t, names, "sharebucket_credentials_token_exchanges_total")
	require.Contains(t, names, "go_goroutines")
}
