package pipeline

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/aluiziolira/tululu-scraper/models"
	"github.com/aluiziolira/tululu-scraper/storage"
)

// IndexWriter persists the collected records. Write receives the full
// collection every time and replaces whatever was written before.
type IndexWriter interface {
	Write(records []*models.BookRecord) error
	Close() error
	Validate() error
}

// NewIndexWriter returns the writer for format ("json" or "dual") at path.
func NewIndexWriter(store *storage.Store, format, path string) (IndexWriter, error) {
	switch strings.ToLower(format) {
	case "", "json":
		return NewJSONWriter(store, path), nil
	case "dual":
		csvPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".csv"
		return NewDualWriter(store, path, csvPath), nil
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

// JSONWriter writes the index as a pretty-printed JSON array.
type JSONWriter struct {
	store *storage.Store
	path  string
	mu    sync.Mutex
}

// NewJSONWriter builds a JSON index writer for path.
func NewJSONWriter(store *storage.Store, path string) *JSONWriter {
	return &JSONWriter{store: store, path: path}
}

// Path returns the index location.
func (jw *JSONWriter) Path() string {
	return jw.path
}

// Write replaces the index with records.
func (jw *JSONWriter) Write(records []*models.BookRecord) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if records == nil {
		records = []*models.BookRecord{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode json index: %w", err)
	}
	data = append(data, '\n')
	if err := jw.store.WriteFileAtomic(jw.path, data); err != nil {
		return fmt.Errorf("write json index: %w", err)
	}
	return nil
}

// Close is a no-op; every Write leaves a complete file behind.
func (jw *JSONWriter) Close() error {
	return nil
}

// Validate reads the index back and checks that it decodes.
func (jw *JSONWriter) Validate() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	data, err := jw.store.ReadFile(jw.path)
	if err != nil {
		return fmt.Errorf("read json index: %w", err)
	}
	var records []models.BookRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("decode json index: %w", err)
	}
	return nil
}

var csvHeader = []string{"id", "title", "author", "genres", "comments", "img_url", "book_path", "cover_path", "download_error"}

// CSVWriter writes the index as a flat CSV export.
type CSVWriter struct {
	store *storage.Store
	path  string
	mu    sync.Mutex
}

// NewCSVWriter builds a CSV export writer for path.
func NewCSVWriter(store *storage.Store, path string) *CSVWriter {
	return &CSVWriter{store: store, path: path}
}

// Write replaces the export with a header row plus one row per record.
// Genres and comments are joined with " | ".
func (cw *CSVWriter) Write(records []*models.BookRecord) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, record := range records {
		row := []string{
			strconv.Itoa(record.ID),
			record.Title,
			record.Author,
			strings.Join(record.Genres, " | "),
			strings.Join(record.Comments, " | "),
			record.CoverImageURL,
			record.TextAssetPath,
			record.CoverAssetPath,
			record.DownloadError,
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush csv records: %w", err)
	}
	if err := cw.store.WriteFileAtomic(cw.path, buf.Bytes()); err != nil {
		return fmt.Errorf("write csv export: %w", err)
	}
	return nil
}

// Close is a no-op; every Write leaves a complete file behind.
func (cw *CSVWriter) Close() error {
	return nil
}

// Validate ensures the export has at least its header row.
func (cw *CSVWriter) Validate() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	data, err := cw.store.ReadFile(cw.path)
	if err != nil {
		return fmt.Errorf("read csv export: %w", err)
	}
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return fmt.Errorf("decode csv export: %w", err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("csv export is empty")
	}
	return nil
}

// DualWriter keeps a JSON index and a CSV export in step.
type DualWriter struct {
	jsonWriter *JSONWriter
	csvWriter  *CSVWriter
	mu         sync.Mutex
}

// NewDualWriter builds a writer producing both files.
func NewDualWriter(store *storage.Store, jsonPath, csvPath string) *DualWriter {
	return &DualWriter{
		jsonWriter: NewJSONWriter(store, jsonPath),
		csvWriter:  NewCSVWriter(store, csvPath),
	}
}

// Write writes records to both outputs.
func (dw *DualWriter) Write(records []*models.BookRecord) error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	if err := dw.jsonWriter.Write(records); err != nil {
		return fmt.Errorf("JSON write failed: %w", err)
	}
	if err := dw.csvWriter.Write(records); err != nil {
		return fmt.Errorf("CSV write failed: %w", err)
	}
	return nil
}

// Close closes both writers.
func (dw *DualWriter) Close() error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	var errs []error
	if err := dw.jsonWriter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("JSON close failed: %w", err))
	}
	if err := dw.csvWriter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("CSV close failed: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("multiple errors: %v", errs)
	}
	return nil
}

// Validate validates both output files.
func (dw *DualWriter) Validate() error {
	var errs []error
	if err := dw.jsonWriter.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("JSON validation failed: %w", err))
	}
	if err := dw.csvWriter.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("CSV validation failed: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("validation errors: %v", errs)
	}
	return nil
}
