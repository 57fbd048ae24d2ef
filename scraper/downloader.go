package scraper

import (
	"context"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/aluiziolira/tululu-scraper/storage"
)

// Downloader fetches book assets and writes them to caller-chosen paths.
// Destination directories must already exist.
type Downloader struct {
	getter  Getter
	store   *storage.Store
	metrics *Metrics
	logger  *zap.Logger
}

// NewDownloader builds a downloader writing through store.
func NewDownloader(getter Getter, store *storage.Store, metrics *Metrics, logger *zap.Logger) *Downloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Downloader{
		getter:  getter,
		store:   store,
		metrics: metrics,
		logger:  logger,
	}
}

// DownloadText fetches a book's text and writes the body verbatim to
// destPath. Ids without a text are redirected by the site and come back as
// ErrRedirectDenied.
func (d *Downloader) DownloadText(ctx context.Context, endpoint string, params url.Values, destPath string) (string, int, error) {
	resp, err := d.getter.Fetch(ctx, endpoint, params)
	if err != nil {
		d.metrics.IncAsset("text", ErrorTypeLabel(err))
		return "", 0, err
	}
	if err := d.store.WriteFile(destPath, resp.Body); err != nil {
		d.metrics.IncAsset("text", "write_error")
		return "", 0, err
	}
	d.metrics.IncAsset("text", "written")
	d.metrics.AddBytes(len(resp.Body))
	d.logger.Debug("text saved", zap.String("url", resp.URL), zap.String("path", destPath))
	return destPath, len(resp.Body), nil
}

// DownloadImage fetches a cover image into destPath. An existing file is
// kept as is and no request is made, so reruns only fetch new covers.
func (d *Downloader) DownloadImage(ctx context.Context, rawURL, destPath string) (string, int, error) {
	exists, err := d.store.Exists(destPath)
	if err != nil {
		return "", 0, err
	}
	if exists {
		d.metrics.IncAsset("cover", "exists")
		d.logger.Debug("cover already present", zap.String("path", destPath))
		return destPath, 0, nil
	}

	resp, err := d.getter.Fetch(ctx, rawURL, nil)
	if err != nil {
		d.metrics.IncAsset("cover", ErrorTypeLabel(err))
		return "", 0, err
	}
	if err := d.store.WriteFile(destPath, resp.Body); err != nil {
		d.metrics.IncAsset("cover", "write_error")
		return "", 0, fmt.Errorf("save cover: %w", err)
	}
	d.metrics.IncAsset("cover", "written")
	d.metrics.AddBytes(len(resp.Body))
	return destPath, len(resp.Body), nil
}
