// Package models defines data structures for the scraper.
package models

import "time"

// ItemRef points at one catalog entry discovered on a listing page.
type ItemRef struct {
	ID        int    `json:"id"`
	DetailURL string `json:"detail_url"`
}

// BookRecord is the metadata extracted from a detail page plus the
// outcome of its asset downloads.
type BookRecord struct {
	ID                 int      `json:"id"`
	Title              string   `json:"title"`
	Author             string   `json:"author"`
	Genres             []string `json:"genres"`
	Comments           []string `json:"comments"`
	CoverImageURL      string   `json:"img_url"`
	CoverImageFileName string   `json:"img_file_name"`
	TextAssetPath      string   `json:"book_path,omitempty"`
	CoverAssetPath     string   `json:"cover_path,omitempty"`
	DownloadError      string   `json:"download_error,omitempty"`
}

// AddDownloadError appends an asset failure to the record annotation.
func (b *BookRecord) AddDownloadError(msg string) {
	if msg == "" {
		return
	}
	if b.DownloadError == "" {
		b.DownloadError = msg
		return
	}
	b.DownloadError += "; " + msg
}

// RunResult holds the overall result of a crawl run.
type RunResult struct {
	RunID        string
	Records      []*BookRecord
	StartTime    time.Time
	EndTime      time.Time
	ItemCount    int
	DroppedIDs   []int
	ErrorsByType map[string]int
	RetryCount   int
	RequestCount int
	PageCount    int
	BytesWritten int64
	IndexPath    string
}
