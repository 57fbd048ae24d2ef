package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the crawl.
type Metrics struct {
	Registry        *prometheus.Registry
	RequestsTotal   *prometheus.CounterVec
	RequestDuration prometheus.Histogram
	BooksTotal      *prometheus.CounterVec
	AssetsTotal     *prometheus.CounterVec
	RetriesTotal    prometheus.Counter
	ErrorsTotal     *prometheus.CounterVec
	BytesWritten    prometheus.Counter
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tululu_requests_total",
			Help: "Total HTTP attempts issued by the crawler.",
		},
		[]string{"phase"},
	)
	requestDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tululu_request_duration_seconds",
			Help:    "HTTP request latency for crawler requests.",
			Buckets: prometheus.DefBuckets,
		},
	)
	books := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tululu_books_total",
			Help: "Books processed by outcome.",
		},
		[]string{"outcome"},
	)
	assets := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tululu_assets_total",
			Help: "Asset downloads by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tululu_retries_total",
			Help: "Total number of retry attempts scheduled.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tululu_errors_total",
			Help: "Total number of crawler errors by type.",
		},
		[]string{"error_type"},
	)
	bytesWritten := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tululu_asset_bytes_written_total",
			Help: "Bytes of book text and cover images written to disk.",
		},
	)

	registry.MustRegister(requests, requestDuration, books, assets, retries, errorsTotal, bytesWritten)

	return &Metrics{
		Registry:        registry,
		RequestsTotal:   requests,
		RequestDuration: requestDuration,
		BooksTotal:      books,
		AssetsTotal:     assets,
		RetriesTotal:    retries,
		ErrorsTotal:     errorsTotal,
		BytesWritten:    bytesWritten,
	}
}

// IncRequest increments the requests total counter.
func (m *Metrics) IncRequest(phase string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(phase).Inc()
}

// ObserveDuration records an HTTP request duration.
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Observe(d.Seconds())
}

// IncBook counts a processed book by outcome (indexed, dropped).
func (m *Metrics) IncBook(outcome string) {
	if m == nil {
		return
	}
	m.BooksTotal.WithLabelValues(outcome).Inc()
}

// IncAsset counts an asset download by kind (text, cover) and outcome.
func (m *Metrics) IncAsset(kind, outcome string) {
	if m == nil {
		return
	}
	m.AssetsTotal.WithLabelValues(kind, outcome).Inc()
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// AddBytes records bytes written to disk.
func (m *Metrics) AddBytes(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesWritten.Add(float64(n))
}
