package scraper

import (
	"context"
	"net/http"
	"net/url"
	"sync"
)

type fakePage struct {
	body string
	err  error
}

// fakeGetter serves canned bodies keyed by full URL and records every call.
type fakeGetter struct {
	mu    sync.Mutex
	pages map[string]fakePage
	calls []string
}

func newFakeGetter() *fakeGetter {
	return &fakeGetter{pages: make(map[string]fakePage)}
}

func (g *fakeGetter) set(rawURL, body string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pages[rawURL] = fakePage{body: body}
}

func (g *fakeGetter) fail(rawURL string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pages[rawURL] = fakePage{err: err}
}

func (g *fakeGetter) Fetch(_ context.Context, rawURL string, params url.Values) (*Response, error) {
	target, err := withParams(rawURL, params)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, target)
	page, ok := g.pages[target]
	if !ok {
		return nil, ErrHTTPStatus{URL: target, StatusCode: http.StatusNotFound}
	}
	if page.err != nil {
		return nil, page.err
	}
	return &Response{URL: target, StatusCode: http.StatusOK, Body: []byte(page.body)}, nil
}

func (g *fakeGetter) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.calls))
	copy(out, g.calls)
	return out
}
