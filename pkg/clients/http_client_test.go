package clients

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/erpconnect/pkg/compression"
	"github.com/ajitpratap0/erpconnect/pkg/config"
	"github.com/ajitpratap0/erpconnect/pkg/errors"
)

func newTestClient(t *testing.T, baseURL string, opts ...Option) *HTTPClient {
	t.Helper()
	cfg := DefaultHTTPConfig()
	cfg.BaseURL = baseURL
	cfg.ConnectorID = "erp-1"
	cfg.Timeout = 2 * time.Second
	c, err := NewHTTPClient(cfg, nil, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestHTTPClient_DecodesJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/items", r.URL.Path)
		assert.Equal(t, "open", r.URL.Query().Get("status"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = w.Write([]byte(`{"items":[1,2]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL+"/api/v1/")
	resp, err := c.Get(context.Background(), "/items", url.Values{"status": {"open"}})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "OK", resp.StatusText)
	assert.Equal(t, []interface{}{1.0, 2.0}, resp.Object()["items"])
	assert.Equal(t, 1, resp.Attempts)
}

func TestHTTPClient_DecompressesBody(t *testing.T) {
	payload, err := compression.Encode([]byte(`<edmx:Edmx/>`), compression.Zstd)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("Accept-Encoding"), "zstd")
		w.Header().Set("Content-Type", "application/xml")
		w.Header().Set("Content-Encoding", "zstd")
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	resp, err := newTestClient(t, srv.URL).Get(context.Background(), "$metadata", nil)
	require.NoError(t, err)
	assert.Equal(t, "<edmx:Edmx/>", resp.Data)
	assert.Equal(t, []byte("<edmx:Edmx/>"), resp.Body)
}

func TestHTTPClient_SendsJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"A1"}`))
	}))
	defer srv.Close()

	resp, err := newTestClient(t, srv.URL).Post(context.Background(), "orders", map[string]string{"name": "x"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, "A1", resp.Object()["id"])
}

func TestHTTPClient_RetriesTransientStatus(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	retry, _ := instantRetry(3)
	c := newTestClient(t, srv.URL, WithRetry(retry))

	resp, err := c.Get(context.Background(), "/", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Attempts)
	assert.Equal(t, int64(2), c.Metrics().Retries)

	atomic.StoreInt32(&hits, 0)
	resp, err = c.Do(context.Background(), &Request{Path: "/", SkipRetry: true})
	assert.Equal(t, http.StatusServiceUnavailable, errors.StatusCode(err))
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestHTTPClient_RetryAfterHeader(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	retry, slept := instantRetry(2)
	c := newTestClient(t, srv.URL, WithRetry(retry))

	_, err := c.Get(context.Background(), "/", nil)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{7 * time.Second}, *slept)

	atomic.StoreInt32(&hits, 0)
	_, err = c.Do(context.Background(), &Request{Path: "/", SkipRetry: true})
	assert.Equal(t, http.StatusTooManyRequests, errors.StatusCode(err))
	assert.Equal(t, 7*time.Second, errors.RetryAfter(err))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"120", 2 * time.Minute},
		{"0", 0},
		{"-3", 0},
		{"soon", 0},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{now.Add(-time.Hour).Format(http.TimeFormat), 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseRetryAfter(tt.in, now), tt.in)
	}
}

func TestHTTPClient_RequestErrorCarriesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"no such order"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Delete(context.Background(), "orders/9")
	require.Error(t, err)

	e, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.ErrorTypeRequest, e.Type)
	assert.Equal(t, "erp-1", e.ConnectorID)
	assert.Equal(t, http.MethodDelete, e.HTTP.Method)
	assert.Equal(t, srv.URL+"/orders/9", e.HTTP.URL)
	assert.Contains(t, e.HTTP.Body, "no such order")
}

func TestHTTPClient_RefreshesOn401AndReplaysOnce(t *testing.T) {
	ts := newTokenServer(t)
	creds := config.NewOAuth2Credentials("id", "secret", ts.URL, "")
	creds.SetToken("revoked", "refresh_0", time.Now().Add(time.Hour))
	auth := NewOAuth2Handler("erp-1", creds, nil)

	var hits int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.Header.Get("Authorization") != "Bearer access_1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer api.Close()

	retry, slept := instantRetry(3)
	c := newTestClient(t, api.URL, WithAuth(auth), WithRetry(retry))

	resp, err := c.Get(context.Background(), "/", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.Status)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
	assert.Equal(t, int32(1), atomic.LoadInt32(&ts.refreshes))
	assert.Empty(t, *slept, "the replay is not a retry")
	assert.Equal(t, 1, resp.Attempts)
}

func TestHTTPClient_ProactiveRefresh(t *testing.T) {
	ts := newTokenServer(t)
	creds := config.NewOAuth2Credentials("id", "secret", ts.URL, "")
	creds.SetToken("old", "refresh_0", time.Now().Add(4*time.Minute))
	auth := NewOAuth2Handler("erp-1", creds, nil)

	var seen atomic.Value
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get("Authorization"))
	}))
	defer api.Close()

	_, err := newTestClient(t, api.URL, WithAuth(auth)).Get(context.Background(), "/", nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer access_1", seen.Load())
}

func TestHTTPClient_CircuitBreakerFailsFast(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, Timeout: time.Minute}, "erp-1", nil)
	c := newTestClient(t, srv.URL, WithCircuitBreaker(cb))

	for i := 0; i < 2; i++ {
		_, err := c.Get(context.Background(), "/", nil)
		assert.Equal(t, http.StatusInternalServerError, errors.StatusCode(err))
	}

	_, err := c.Get(context.Background(), "/", nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCircuitBreaker))
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))

	resp, err := c.Do(context.Background(), &Request{Path: "/", SkipCircuitBreaker: true})
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
}

func TestHTTPClient_TimeoutIsConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Do(context.Background(), &Request{Path: "/slow", Timeout: 20 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConnection))
	assert.True(t, errors.IsReason(err, errors.ReasonTimeout))
	assert.Equal(t, errors.CodeTimedOut, errors.NetworkCode(err))
}

func TestHTTPClient_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	rl := NewTokenBucketRateLimiter(1, time.Minute, "erp-1", nil)
	c := newTestClient(t, srv.URL, WithRateLimiter(rl))

	_, err := c.Get(context.Background(), "/", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Get(ctx, "/", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = c.Do(context.Background(), &Request{Path: "/", SkipRateLimit: true})
	assert.NoError(t, err)
}

func TestHTTPClient_ResolveURL(t *testing.T) {
	c := newTestClient(t, "https://erp.example.com/odata/v4/")

	assert.Equal(t, "https://erp.example.com/odata/v4/Orders('A1')", c.ResolveURL("Orders('A1')", ""))
	assert.Equal(t, "https://erp.example.com/odata/v4/Orders?$top=5", c.ResolveURL("/Orders", "$top=5"))
	assert.Equal(t, "https://erp.example.com/odata/v4/Orders?$skiptoken=2&$top=5", c.ResolveURL("Orders?$skiptoken=2", "$top=5"))
	assert.Equal(t, "https://other.example.com/next", c.ResolveURL("https://other.example.com/next", ""))
	assert.Equal(t, "https://erp.example.com/odata/v4", c.ResolveURL("", ""))
}

func TestRequest_EncodedQuery(t *testing.T) {
	r := &Request{Query: url.Values{"q": {"a b"}}, RawQuery: "$filter=Name%20eq%20'x'"}
	assert.Equal(t, "q=a%20b&$filter=Name%20eq%20'x'", r.encodedQuery())
}
