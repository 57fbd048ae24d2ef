package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"syscall"

	"github.com/aluiziolira/tululu-scraper/parser"
)

// ErrTransient indicates a network-level failure that survived every retry.
type ErrTransient struct {
	URL      string
	Attempts int
	Err      error
}

func (e ErrTransient) Error() string {
	return fmt.Errorf("transient after %d attempts on %s: %w", e.Attempts, e.URL, e.Err).Error()
}

func (e ErrTransient) Unwrap() error {
	return e.Err
}

// ErrRedirectDenied indicates the site redirected the request to a generic
// page, which is how it reports a missing book or text.
type ErrRedirectDenied struct {
	URL        string
	Location   string
	StatusCode int
}

func (e ErrRedirectDenied) Error() string {
	if e.Location == "" {
		return fmt.Sprintf("redirect: %s answered %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("redirect: %s redirected to %s", e.URL, e.Location)
}

// ErrHTTPStatus indicates a non-2xx response without a redirect.
type ErrHTTPStatus struct {
	URL        string
	StatusCode int
	Err        error
}

func (e ErrHTTPStatus) Error() string {
	return fmt.Errorf("http_status %d on %s: %w", e.StatusCode, e.URL, e.Err).Error()
}

func (e ErrHTTPStatus) Unwrap() error {
	return e.Err
}

// ErrPageOutOfRange indicates the first requested page is past the catalog end.
type ErrPageOutOfRange struct {
	FirstPage int
	MaxPage   int
}

func (e ErrPageOutOfRange) Error() string {
	return fmt.Sprintf("first page %d exceeds last catalog page %d", e.FirstPage, e.MaxPage)
}

// errRetryable marks a single attempt failure as worth another try.
type errRetryable struct {
	Err error
}

func (e errRetryable) Error() string {
	return fmt.Errorf("connection: %w", e.Err).Error()
}

func (e errRetryable) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is an exhausted network failure.
func IsTransient(err error) bool {
	var transient ErrTransient
	return errors.As(err, &transient)
}

// IsRedirectDenied reports whether err is the site's redirect-as-not-found signal.
func IsRedirectDenied(err error) bool {
	var redirect ErrRedirectDenied
	return errors.As(err, &redirect)
}

// ErrorTypeLabel returns a stable label for logs and metrics.
func ErrorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var transient ErrTransient
	if errors.As(err, &transient) {
		return "transient"
	}
	var redirect ErrRedirectDenied
	if errors.As(err, &redirect) {
		return "redirect"
	}
	var status ErrHTTPStatus
	if errors.As(err, &status) {
		return "http_status"
	}
	var retryable errRetryable
	if errors.As(err, &retryable) {
		return "connection"
	}
	var outOfRange ErrPageOutOfRange
	if errors.As(err, &outOfRange) {
		return "page_out_of_range"
	}
	if errors.Is(err, parser.ErrMalformedDocument) {
		return "malformed"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return "other"
}

// classifyError maps a single attempt outcome to the error taxonomy.
// Redirects are checked first so they never surface as HTTP errors.
func classifyError(rawURL string, err error, statusCode int, location string) error {
	if err == nil && statusCode == 0 {
		return nil
	}

	if statusCode >= 300 && statusCode < 400 {
		return ErrRedirectDenied{URL: rawURL, Location: location, StatusCode: statusCode}
	}
	if statusCode >= 400 || (statusCode > 0 && err != nil) {
		wrapped := err
		if wrapped == nil {
			wrapped = fmt.Errorf("http status %d", statusCode)
		}
		return ErrHTTPStatus{URL: rawURL, StatusCode: statusCode, Err: wrapped}
	}

	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errRetryable{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return errRetryable{Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errRetryable{Err: err}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return errRetryable{Err: err}
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return errRetryable{Err: err}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return errRetryable{Err: err}
	}
	return err
}
