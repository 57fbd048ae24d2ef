// Package pipeline drives a crawl run: it resolves the work list, processes
// every book through fetch, parse and asset download, and keeps the index
// on disk current after each book.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aluiziolira/tululu-scraper/config"
	"github.com/aluiziolira/tululu-scraper/models"
	"github.com/aluiziolira/tululu-scraper/parser"
	"github.com/aluiziolira/tululu-scraper/scraper"
	"github.com/aluiziolira/tululu-scraper/storage"
)

const (
	booksDirName     = "books"
	imagesDirName    = "images"
	defaultIndexName = "books_info.json"
)

// Options select the work of one run.
type Options struct {
	FirstPage  int
	LastPage   int // 0 means the last catalog page
	SkipText   bool
	SkipImages bool
	OutputDir  string
	IndexPath  string // defaults to OutputDir/books_info.json
}

// IndexFile returns the index location for o.
func (o Options) IndexFile() string {
	if o.IndexPath != "" {
		return o.IndexPath
	}
	return filepath.Join(o.OutputDir, defaultIndexName)
}

// BooksDir returns the directory receiving book texts.
func (o Options) BooksDir() string {
	return filepath.Join(o.OutputDir, booksDirName)
}

// ImagesDir returns the directory receiving cover images.
func (o Options) ImagesDir() string {
	return filepath.Join(o.OutputDir, imagesDirName)
}

// OptionsFromConfig maps the output settings of cfg onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		SkipText:   cfg.SkipText,
		SkipImages: cfg.SkipImages,
		OutputDir:  cfg.OutputDir,
		IndexPath:  cfg.IndexPath,
	}
}

// fetchStats is implemented by getters that count their traffic.
type fetchStats interface {
	RequestCount() int
	RetryCount() int
	ErrorsByType() map[string]int
}

// Pipeline runs crawls against one site configuration.
type Pipeline struct {
	cfg        *config.Config
	getter     scraper.Getter
	resolver   *scraper.Resolver
	downloader *scraper.Downloader
	store      *storage.Store
	metrics    *scraper.Metrics
	logger     *zap.Logger
}

// New wires a pipeline over getter and store.
func New(cfg *config.Config, getter scraper.Getter, store *storage.Store, metrics *scraper.Metrics, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:        cfg,
		getter:     getter,
		resolver:   scraper.NewResolver(cfg, getter, logger),
		downloader: scraper.NewDownloader(getter, store, metrics, logger),
		store:      store,
		metrics:    metrics,
		logger:     logger,
	}
}

// Run crawls catalog pages opts.FirstPage..opts.LastPage. The returned
// result is non-nil whenever processing started, including on a fatal
// error, and then covers the books completed before it.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*models.RunResult, error) {
	result, logger := p.newResult()
	logger.Info("resolving catalog",
		zap.Int("first_page", opts.FirstPage),
		zap.Int("last_page", opts.LastPage),
	)

	refs, err := p.resolver.Resolve(ctx, opts.FirstPage, opts.LastPage)
	result.PageCount = p.resolver.PageCount()
	if err != nil {
		var outOfRange scraper.ErrPageOutOfRange
		if errors.As(err, &outOfRange) {
			logger.Warn("first page is past the end of the catalog",
				zap.Int("first_page", outOfRange.FirstPage),
				zap.Int("max_page", outOfRange.MaxPage),
			)
		} else {
			logger.Error("catalog resolution failed", zap.Error(err))
		}
		return nil, err
	}
	return p.process(ctx, refs, opts, result, logger)
}

// RunIDs crawls the books with ids firstID..lastID without reading the
// catalog. opts.FirstPage and opts.LastPage are ignored.
func (p *Pipeline) RunIDs(ctx context.Context, firstID, lastID int, opts Options) (*models.RunResult, error) {
	refs, err := p.resolver.RefsForIDs(firstID, lastID)
	if err != nil {
		return nil, err
	}
	result, logger := p.newResult()
	logger.Info("crawling id range", zap.Int("first_id", firstID), zap.Int("last_id", lastID))
	return p.process(ctx, refs, opts, result, logger)
}

func (p *Pipeline) newResult() (*models.RunResult, *zap.Logger) {
	runID := uuid.NewString()
	return &models.RunResult{
		RunID:        runID,
		StartTime:    time.Now(),
		ErrorsByType: make(map[string]int),
	}, p.logger.With(zap.String("run_id", runID))
}

func (p *Pipeline) process(ctx context.Context, refs []models.ItemRef, opts Options, result *models.RunResult, logger *zap.Logger) (*models.RunResult, error) {
	result.IndexPath = opts.IndexFile()
	defer p.finish(result)

	if err := p.store.EnsureDirs(opts.BooksDir(), opts.ImagesDir(), filepath.Dir(result.IndexPath)); err != nil {
		return result, fmt.Errorf("prepare output: %w", err)
	}
	writer, err := NewIndexWriter(p.store, p.cfg.OutputFormat, result.IndexPath)
	if err != nil {
		return result, err
	}
	defer func() {
		if err := writer.Close(); err != nil {
			logger.Error("close index writer", zap.Error(err))
		}
	}()

	coll := newCollection(len(refs), writer)
	if err := coll.flush(); err != nil {
		return result, err
	}

	workers := p.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, ref := range refs {
		if gctx.Err() != nil {
			break
		}
		i, ref := i, ref
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			record, err := p.processItem(gctx, ref, opts, logger)
			if err != nil {
				return err
			}
			if record == nil {
				return coll.drop(ref.ID)
			}
			return coll.add(i, record)
		})
	}
	runErr := g.Wait()
	if runErr == nil {
		runErr = ctx.Err()
	}

	result.Records = coll.records()
	result.ItemCount = len(result.Records)
	result.DroppedIDs = coll.droppedIDs()
	if runErr != nil {
		logger.Error("run aborted",
			zap.Int("completed", result.ItemCount),
			zap.Int("total", len(refs)),
			zap.String("category", scraper.ErrorTypeLabel(runErr)),
			zap.Error(runErr),
		)
		return result, runErr
	}
	if err := writer.Validate(); err != nil {
		return result, fmt.Errorf("validate index: %w", err)
	}
	logger.Info("run complete",
		zap.Int("books", result.ItemCount),
		zap.Int("dropped", len(result.DroppedIDs)),
		zap.String("index", result.IndexPath),
	)
	return result, nil
}

// processItem returns the record for ref, nil when the book is dropped, or
// an error that must stop the run.
func (p *Pipeline) processItem(ctx context.Context, ref models.ItemRef, opts Options, logger *zap.Logger) (*models.BookRecord, error) {
	log := logger.With(zap.Int("id", ref.ID), zap.String("url", ref.DetailURL))

	resp, err := p.getter.Fetch(ctx, ref.DetailURL, nil)
	if err != nil {
		if fatal(ctx, err) {
			return nil, fmt.Errorf("book %d: %w", ref.ID, err)
		}
		log.Warn("book unreachable, skipping", zap.String("category", scraper.ErrorTypeLabel(err)), zap.Error(err))
		p.metrics.IncBook("dropped")
		return nil, nil
	}

	record, err := parser.ParseBookPage(resp.Body, resp.URL)
	if err != nil {
		log.Warn("book page malformed, skipping", zap.String("category", scraper.ErrorTypeLabel(err)), zap.Error(err))
		p.metrics.IncBook("dropped")
		return nil, nil
	}
	record.ID = ref.ID

	if !opts.SkipText {
		if err := p.saveText(ctx, record, opts); err != nil {
			return nil, err
		}
	}
	if !opts.SkipImages {
		if err := p.saveCover(ctx, record, opts); err != nil {
			return nil, err
		}
	}
	if record.DownloadError != "" {
		log.Warn("book indexed with missing assets", zap.String("download_error", record.DownloadError))
		p.metrics.IncBook("partial")
	} else {
		log.Debug("book indexed")
		p.metrics.IncBook("indexed")
	}
	return record, nil
}

func (p *Pipeline) saveText(ctx context.Context, record *models.BookRecord, opts Options) error {
	name := storage.SanitizeFileName(fmt.Sprintf("%d. %s.txt", record.ID, record.Title))
	params := url.Values{"id": {strconv.Itoa(record.ID)}}

	path, _, err := p.downloader.DownloadText(ctx, p.cfg.TextEndpoint, params, filepath.Join(opts.BooksDir(), name))
	if err != nil {
		if fatal(ctx, err) {
			return fmt.Errorf("book %d text: %w", record.ID, err)
		}
		record.AddDownloadError(fmt.Sprintf("text: %v", err))
		return nil
	}
	record.TextAssetPath = path
	return nil
}

func (p *Pipeline) saveCover(ctx context.Context, record *models.BookRecord, opts Options) error {
	if record.CoverImageURL == "" {
		return nil
	}
	name := storage.SanitizeFileName(record.CoverImageFileName)
	if name == "" {
		name = strconv.Itoa(record.ID)
	}

	path, _, err := p.downloader.DownloadImage(ctx, record.CoverImageURL, filepath.Join(opts.ImagesDir(), name))
	if err != nil {
		if fatal(ctx, err) {
			return fmt.Errorf("book %d cover: %w", record.ID, err)
		}
		record.AddDownloadError(fmt.Sprintf("cover: %v", err))
		return nil
	}
	record.CoverAssetPath = path
	return nil
}

func (p *Pipeline) finish(result *models.RunResult) {
	result.EndTime = time.Now()
	if stats, ok := p.getter.(fetchStats); ok {
		result.RequestCount = stats.RequestCount()
		result.RetryCount = stats.RetryCount()
		for category, n := range stats.ErrorsByType() {
			result.ErrorsByType[category] = n
		}
	}
	var written int64
	for _, record := range result.Records {
		written += p.fileSize(record.TextAssetPath) + p.fileSize(record.CoverAssetPath)
	}
	result.BytesWritten = written
}

func (p *Pipeline) fileSize(path string) int64 {
	if path == "" {
		return 0
	}
	info, err := p.store.Fs().Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// fatal reports whether err means the network or the run itself is gone.
func fatal(ctx context.Context, err error) bool {
	return scraper.IsTransient(err) || ctx.Err() != nil || errors.Is(err, context.Canceled)
}

// collection holds records in listing order. Every change rewrites the
// index with the records completed so far.
type collection struct {
	mu      sync.Mutex
	slots   []*models.BookRecord
	dropped []int
	writer  IndexWriter
}

func newCollection(size int, writer IndexWriter) *collection {
	return &collection{
		slots:  make([]*models.BookRecord, size),
		writer: writer,
	}
}

func (c *collection) add(pos int, record *models.BookRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slots[pos] = record
	return c.flushLocked()
}

func (c *collection) drop(id int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped = append(c.dropped, id)
	return c.flushLocked()
}

func (c *collection) flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked()
}

func (c *collection) flushLocked() error {
	if err := c.writer.Write(c.recordsLocked()); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}

func (c *collection) records() []*models.BookRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recordsLocked()
}

func (c *collection) recordsLocked() []*models.BookRecord {
	out := make([]*models.BookRecord, 0, len(c.slots))
	for _, record := range c.slots {
		if record != nil {
			out = append(out, record)
		}
	}
	return out
}

func (c *collection) droppedIDs() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := slices.Clone(c.dropped)
	slices.Sort(out)
	return out
}
