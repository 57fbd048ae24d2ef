package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aluiziolira/tululu-scraper/config"
	"github.com/aluiziolira/tululu-scraper/parser"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.ListingURL = "http://tululu.test/l55/"
	cfg.BaseURL = "http://tululu.test/"
	cfg.TextEndpoint = "http://tululu.test/txt.php"
	cfg.Timeout = 2 * time.Second
	cfg.RetryBackoff = time.Millisecond
	cfg.RetryJitter = 0
	return cfg
}

func newTestFetcher(t *testing.T, cfg *config.Config) (*Fetcher, *httpmock.MockTransport) {
	t.Helper()
	f, err := NewFetcher(cfg, NewMetrics(), zap.NewNop())
	require.NoError(t, err)
	transport := httpmock.NewMockTransport()
	f.SetTransport(transport)
	return f, transport
}

func connRefused() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
}

func redirectResponder(location string) httpmock.Responder {
	return func(*http.Request) (*http.Response, error) {
		resp := httpmock.NewStringResponse(http.StatusFound, "")
		resp.Header.Set("Location", location)
		return resp, nil
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		expected   string
	}{
		{name: "nil", err: nil, statusCode: 0, expected: "unknown"},
		{name: "deadline", err: context.DeadlineExceeded, expected: "connection"},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, expected: "connection"},
		{name: "dns failure", err: &net.DNSError{Err: "no such host", Name: "tululu.test"}, expected: "connection"},
		{name: "refused", err: connRefused(), expected: "connection"},
		{name: "url error", err: &url.Error{Op: "Get", URL: "http://x", Err: errors.New("EOF")}, expected: "connection"},
		{name: "canceled", err: context.Canceled, expected: "canceled"},
		{name: "found", err: errors.New("Found"), statusCode: http.StatusFound, expected: "redirect"},
		{name: "moved without error", err: nil, statusCode: http.StatusMovedPermanently, expected: "redirect"},
		{name: "not found", err: errors.New("Not Found"), statusCode: http.StatusNotFound, expected: "http_status"},
		{name: "server error", err: nil, statusCode: http.StatusBadGateway, expected: "http_status"},
		{name: "other", err: errors.New("some other error"), expected: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ErrorTypeLabel(classifyError("http://tululu.test/", tt.err, tt.statusCode, ""))
			if got != tt.expected {
				t.Fatalf("classifyError(%v, %d) = %q, want %q", tt.err, tt.statusCode, got, tt.expected)
			}
		})
	}
}

func TestErrorTypeLabelTaxonomy(t *testing.T) {
	require.Equal(t, "transient", ErrorTypeLabel(fmt.Errorf("wrap: %w", ErrTransient{Err: connRefused()})))
	require.Equal(t, "malformed", ErrorTypeLabel(fmt.Errorf("page: %w", parser.ErrMalformedDocument)))
	require.Equal(t, "page_out_of_range", ErrorTypeLabel(ErrPageOutOfRange{FirstPage: 4, MaxPage: 2}))
}

func TestJitterBackOffBounds(t *testing.T) {
	b := &jitterBackOff{base: 100 * time.Millisecond, jitter: 500 * time.Millisecond}
	for i := 0; i < 200; i++ {
		d := b.NextBackOff()
		if d < 100*time.Millisecond || d >= 600*time.Millisecond {
			t.Fatalf("backoff %v outside [100ms, 600ms)", d)
		}
	}

	fixed := &jitterBackOff{base: 5 * time.Millisecond}
	require.Equal(t, 5*time.Millisecond, fixed.NextBackOff())
}

func TestFetcherSuccess(t *testing.T) {
	f, transport := newTestFetcher(t, testConfig())
	transport.RegisterResponder("GET", "http://tululu.test/b7/", httpmock.NewStringResponder(http.StatusOK, "<h1>x :: y</h1>"))

	resp, err := f.Fetch(context.Background(), "http://tululu.test/b7/", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "<h1>x :: y</h1>", string(resp.Body))
	require.Equal(t, "http://tululu.test/b7/", resp.URL)
	require.Equal(t, 1, f.RequestCount())
}

func TestFetcherMergesParams(t *testing.T) {
	f, transport := newTestFetcher(t, testConfig())
	transport.RegisterResponder("GET", "http://tululu.test/txt.php?id=5", httpmock.NewStringResponder(http.StatusOK, "text of five"))

	resp, err := f.Fetch(context.Background(), "http://tululu.test/txt.php", url.Values{"id": {"5"}})
	require.NoError(t, err)
	require.Equal(t, "text of five", string(resp.Body))
}

func TestFetcherRedirectDenied(t *testing.T) {
	tests := []struct {
		name        string
		finalStatus int
	}{
		{name: "landing page ok", finalStatus: http.StatusOK},
		{name: "landing page missing", finalStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, transport := newTestFetcher(t, testConfig())
			transport.RegisterResponder("GET", "http://tululu.test/b5/", redirectResponder("http://tululu.test/"))
			transport.RegisterResponder("GET", "http://tululu.test/", httpmock.NewStringResponder(tt.finalStatus, "landing"))

			_, err := f.Fetch(context.Background(), "http://tululu.test/b5/", nil)
			require.Error(t, err)

			var redirect ErrRedirectDenied
			require.True(t, errors.As(err, &redirect), "expected redirect, got %v", err)
			require.Equal(t, "http://tululu.test/", redirect.Location)
			var status ErrHTTPStatus
			require.False(t, errors.As(err, &status))
			require.False(t, IsTransient(err))
			require.Equal(t, 1, transport.GetTotalCallCount(), "redirects must not be retried or followed")
			require.Equal(t, 1, f.ErrorsByType()["redirect"])
		})
	}
}

func TestFetcherHTTPStatusNotRetried(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusForbidden, http.StatusInternalServerError} {
		t.Run(fmt.Sprintf("status_%d", status), func(t *testing.T) {
			f, transport := newTestFetcher(t, testConfig())
			transport.RegisterResponder("GET", "http://tululu.test/b9/", httpmock.NewStringResponder(status, ""))

			_, err := f.Fetch(context.Background(), "http://tululu.test/b9/", nil)
			var httpErr ErrHTTPStatus
			require.True(t, errors.As(err, &httpErr), "expected http status error, got %v", err)
			require.Equal(t, status, httpErr.StatusCode)
			require.Equal(t, 1, transport.GetTotalCallCount())
		})
	}
}

func TestFetcherTransientExhausted(t *testing.T) {
	cfg := testConfig()
	f, transport := newTestFetcher(t, cfg)
	transport.RegisterResponder("GET", "http://tululu.test/b1/", httpmock.NewErrorResponder(connRefused()))

	_, err := f.Fetch(context.Background(), "http://tululu.test/b1/", nil)
	require.True(t, IsTransient(err), "expected transient, got %v", err)

	var transient ErrTransient
	require.True(t, errors.As(err, &transient))
	require.Equal(t, cfg.MaxAttempts, transient.Attempts)
	require.Equal(t, 5, transport.GetTotalCallCount())
	require.Equal(t, 4, f.RetryCount())
}

func TestFetcherRecoversFromTransient(t *testing.T) {
	f, transport := newTestFetcher(t, testConfig())
	var mu sync.Mutex
	attempts := 0
	transport.RegisterResponder("GET", "http://tululu.test/b2/", func(*http.Request) (*http.Response, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return nil, connRefused()
		}
		return httpmock.NewStringResponse(http.StatusOK, "finally"), nil
	})

	resp, err := f.Fetch(context.Background(), "http://tululu.test/b2/", nil)
	require.NoError(t, err)
	require.Equal(t, "finally", string(resp.Body))
	require.Equal(t, 3, attempts)
	require.Equal(t, 2, f.RetryCount())
}

func TestFetcherCanceledContext(t *testing.T) {
	f, transport := newTestFetcher(t, testConfig())
	transport.RegisterResponder("GET", "http://tululu.test/b3/", httpmock.NewStringResponder(http.StatusOK, "ok"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Fetch(ctx, "http://tululu.test/b3/", nil)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, IsTransient(err))
}

func TestWithParams(t *testing.T) {
	got, err := withParams("https://tululu.org/txt.php?x=1", url.Values{"id": {"32"}})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(got, "https://tululu.org/txt.php?"))
	require.Contains(t, got, "id=32")
	require.Contains(t, got, "x=1")

	same, err := withParams("https://tululu.org/b1/", nil)
	require.NoError(t, err)
	require.Equal(t, "https://tululu.org/b1/", same)
}
