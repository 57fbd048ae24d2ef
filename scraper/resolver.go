package scraper

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/aluiziolira/tululu-scraper/config"
	"github.com/aluiziolira/tululu-scraper/models"
	"github.com/aluiziolira/tululu-scraper/parser"
)

// Resolver turns a page range of the catalog into an ordered list of books.
type Resolver struct {
	getter     Getter
	listingURL string
	baseURL    string
	dedupeSize int
	logger     *zap.Logger

	pageCount int
}

// NewResolver builds a resolver reading listing pages through getter.
func NewResolver(cfg *config.Config, getter Getter, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		getter:     getter,
		listingURL: cfg.ListingURL,
		baseURL:    cfg.BaseURL,
		dedupeSize: cfg.DedupeMaxSize,
		logger:     logger,
	}
}

// Resolve returns the entries of pages firstPage..lastPage in page order,
// then document order. A lastPage of 0 means the last catalog page; a
// lastPage past the end is clamped. Any listing page failure aborts.
func (r *Resolver) Resolve(ctx context.Context, firstPage, lastPage int) ([]models.ItemRef, error) {
	if firstPage < 1 {
		return nil, fmt.Errorf("first page must be at least 1, got %d", firstPage)
	}
	r.pageCount = 0
	if lastPage != 0 && lastPage < firstPage {
		return nil, fmt.Errorf("last page %d is before first page %d", lastPage, firstPage)
	}

	firstURL, err := r.pageURL(1)
	if err != nil {
		return nil, err
	}
	first, err := r.fetchPage(ctx, firstURL)
	if err != nil {
		return nil, err
	}
	maxPage, err := parser.ParseLastPage(first)
	if err != nil {
		return nil, fmt.Errorf("listing page %s: %w", firstURL, err)
	}

	if firstPage > maxPage {
		return nil, ErrPageOutOfRange{FirstPage: firstPage, MaxPage: maxPage}
	}
	switch {
	case lastPage == 0:
		lastPage = maxPage
	case lastPage > maxPage:
		r.logger.Warn("last page exceeds catalog, clamping",
			zap.Int("requested", lastPage),
			zap.Int("max_page", maxPage),
		)
		lastPage = maxPage
	}

	seen, err := lru.New[int, struct{}](r.dedupeSize)
	if err != nil {
		return nil, fmt.Errorf("create dedupe cache: %w", err)
	}

	var refs []models.ItemRef
	for page := firstPage; page <= lastPage; page++ {
		pageURL, err := r.pageURL(page)
		if err != nil {
			return nil, err
		}
		body := first
		if page != 1 {
			if body, err = r.fetchPage(ctx, pageURL); err != nil {
				return nil, err
			}
		}
		entries, err := parser.ParseCatalogPage(body, r.baseURL)
		if err != nil {
			return nil, fmt.Errorf("listing page %s: %w", pageURL, err)
		}
		r.pageCount++
		for _, ref := range entries {
			if seen.Contains(ref.ID) {
				r.logger.Debug("duplicate catalog entry", zap.Int("id", ref.ID), zap.Int("page", page))
				continue
			}
			seen.Add(ref.ID, struct{}{})
			refs = append(refs, ref)
		}
		r.logger.Debug("listing page resolved",
			zap.Int("page", page),
			zap.Int("entries", len(entries)),
		)
	}

	r.logger.Info("catalog resolved",
		zap.Int("first_page", firstPage),
		zap.Int("last_page", lastPage),
		zap.Int("books", len(refs)),
	)
	return refs, nil
}

// RefsForIDs builds entries for a contiguous id range without touching the
// catalog.
func (r *Resolver) RefsForIDs(firstID, lastID int) ([]models.ItemRef, error) {
	if firstID < 1 {
		return nil, fmt.Errorf("first id must be at least 1, got %d", firstID)
	}
	if lastID < firstID {
		return nil, fmt.Errorf("last id %d is before first id %d", lastID, firstID)
	}
	refs := make([]models.ItemRef, 0, lastID-firstID+1)
	for id := firstID; id <= lastID; id++ {
		link, err := parser.BookURL(r.baseURL, id)
		if err != nil {
			return nil, err
		}
		refs = append(refs, models.ItemRef{ID: id, DetailURL: link})
	}
	return refs, nil
}

// PageCount returns the number of listing pages parsed by the last Resolve.
func (r *Resolver) PageCount() int {
	return r.pageCount
}

func (r *Resolver) fetchPage(ctx context.Context, pageURL string) ([]byte, error) {
	resp, err := r.getter.Fetch(ctx, pageURL, nil)
	if err != nil {
		r.logger.Error("listing page failed",
			zap.String("url", pageURL),
			zap.String("category", ErrorTypeLabel(err)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("listing page %s: %w", pageURL, err)
	}
	return resp.Body, nil
}

func (r *Resolver) pageURL(page int) (string, error) {
	base, err := url.Parse(r.listingURL)
	if err != nil {
		return "", fmt.Errorf("parse listing url: %w", err)
	}
	return base.JoinPath(strconv.Itoa(page)).String(), nil
}
