package scraper

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aluiziolira/tululu-scraper/config"
)

// Getter issues GET requests. Fetcher is the production implementation.
type Getter interface {
	Fetch(ctx context.Context, rawURL string, params url.Values) (*Response, error)
}

// Response is a successfully fetched, non-redirected document.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Fetcher wraps a colly collector with redirect detection, retries and a
// request budget shared by every caller.
type Fetcher struct {
	cfg       *config.Config
	collector *colly.Collector
	limiter   *rate.Limiter
	retry     *retryPolicy
	Metrics   *Metrics
	logger    *zap.Logger

	requestCount int64

	mu           sync.Mutex
	errorsByType map[string]int
}

// NewFetcher builds a fetcher configured from cfg.
func NewFetcher(cfg *config.Config, metrics *Metrics, logger *zap.Logger) (*Fetcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	collector := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
		colly.MaxBodySize(cfg.MaxBodySize),
	)

	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = !cfg.RespectRobotsTxt
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})
	// The site answers missing books with a redirect to a landing page.
	// Stop at the first hop so the 3xx reaches classifyError.
	collector.SetRedirectHandler(func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	})

	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.Parallelism,
		Delay:       cfg.Delay,
		RandomDelay: cfg.RandomDelay,
	}); err != nil {
		return nil, fmt.Errorf("configure rate limits: %w", err)
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &Fetcher{
		cfg:          cfg,
		collector:    collector,
		limiter:      rate.NewLimiter(limit, 1),
		retry:        newRetryPolicy(cfg, metrics, logger),
		Metrics:      metrics,
		logger:       logger,
		errorsByType: make(map[string]int),
	}, nil
}

// SetTransport replaces the HTTP transport used by the collector.
func (f *Fetcher) SetTransport(rt http.RoundTripper) {
	f.collector.WithTransport(rt)
}

// Fetch issues a GET for rawURL with params merged into its query.
// Connection failures are retried; redirects and HTTP errors are not.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, params url.Values) (*Response, error) {
	target, err := withParams(rawURL, params)
	if err != nil {
		return nil, err
	}

	var resp *Response
	err = f.retry.Do(ctx, target, func() error {
		if err := f.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
		r, err := f.fetchOnce(ctx, target)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		f.recordError(err)
		return nil, err
	}
	return resp, nil
}

// RequestCount returns the number of attempts issued so far.
func (f *Fetcher) RequestCount() int {
	return int(atomic.LoadInt64(&f.requestCount))
}

// RetryCount returns the number of retries scheduled so far.
func (f *Fetcher) RetryCount() int {
	return f.retry.TotalRetries()
}

// ErrorsByType returns a snapshot of terminal request failures by label.
func (f *Fetcher) ErrorsByType() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.errorsByType))
	for k, v := range f.errorsByType {
		out[k] = v
	}
	return out
}

func (f *Fetcher) fetchOnce(ctx context.Context, target string) (*Response, error) {
	var (
		result   *Response
		fetchErr error
	)

	collector := f.collector.Clone()
	collector.OnRequest(func(r *colly.Request) {
		r.Ctx.Put("start", time.Now())
		atomic.AddInt64(&f.requestCount, 1)
		f.Metrics.IncRequest("started")
	})
	collector.OnResponse(func(r *colly.Response) {
		f.observe(r)
		result = &Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		statusCode := 0
		location := ""
		if r != nil {
			f.observe(r)
			statusCode = r.StatusCode
			if r.Headers != nil {
				location = r.Headers.Get("Location")
			}
		}
		fetchErr = classifyError(target, err, statusCode, location)
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-done:
		if fetchErr != nil {
			f.Metrics.IncRequest("failed")
			return nil, fetchErr
		}
		if err != nil {
			f.Metrics.IncRequest("failed")
			return nil, classifyError(target, err, 0, "")
		}
		if result == nil {
			return nil, fmt.Errorf("no response received for %s", target)
		}
		f.Metrics.IncRequest("succeeded")
		return result, nil
	}
}

func (f *Fetcher) observe(r *colly.Response) {
	if r.Request == nil || r.Request.Ctx == nil {
		return
	}
	if start, ok := r.Request.Ctx.GetAny("start").(time.Time); ok {
		f.Metrics.ObserveDuration(time.Since(start))
	}
}

func (f *Fetcher) recordError(err error) {
	category := ErrorTypeLabel(err)
	f.mu.Lock()
	f.errorsByType[category]++
	f.mu.Unlock()
	f.Metrics.IncError(category)
}

func withParams(rawURL string, params url.Values) (string, error) {
	if len(params) == 0 {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	query := u.Query()
	for key, values := range params {
		for _, v := range values {
			query.Add(key, v)
		}
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}
