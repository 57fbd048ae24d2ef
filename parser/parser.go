// Package parser extracts catalog and book data from tululu.org HTML.
// Every function here is pure: no network access, no side effects.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/aluiziolira/tululu-scraper/models"
)

// ErrMalformedDocument reports that a page does not have the expected shape.
var ErrMalformedDocument = errors.New("malformed document")

const titleSeparator = "::"

const (
	selectorHeading    = "h1"
	selectorCover      = "div.bookimage img"
	selectorGenres     = "span.d_book a"
	selectorComments   = "div.texts"
	selectorEntries    = "#content table.d_book"
	selectorPagination = "a.npage"
)

// ParseBookPage extracts a book record from a detail page. Relative links
// are resolved against pageURL.
func ParseBookPage(html []byte, pageURL string) (*models.BookRecord, error) {
	doc, err := newDocument(html)
	if err != nil {
		return nil, err
	}

	heading := doc.Find(selectorHeading).First()
	if heading.Length() == 0 {
		return nil, fmt.Errorf("%w: no heading on %s", ErrMalformedDocument, pageURL)
	}
	title, author, err := SplitHeading(heading.Text())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", pageURL, err)
	}

	book := &models.BookRecord{
		Title:    title,
		Author:   author,
		Genres:   []string{},
		Comments: []string{},
	}

	if src, ok := doc.Find(selectorCover).First().Attr("src"); ok && strings.TrimSpace(src) != "" {
		coverURL, fileName, err := resolveCover(pageURL, strings.TrimSpace(src))
		if err != nil {
			return nil, fmt.Errorf("%w: cover image %q: %v", ErrMalformedDocument, src, err)
		}
		book.CoverImageURL = coverURL
		book.CoverImageFileName = fileName
	}

	doc.Find(selectorGenres).Each(func(_ int, s *goquery.Selection) {
		if genre := strings.TrimSpace(s.Text()); genre != "" {
			book.Genres = append(book.Genres, genre)
		}
	})

	doc.Find(selectorComments).Each(func(_ int, s *goquery.Selection) {
		if comment := strings.TrimSpace(s.Find("span").First().Text()); comment != "" {
			book.Comments = append(book.Comments, comment)
		}
	})

	return book, nil
}

// SplitHeading splits "<title> :: <author>" into trimmed parts.
func SplitHeading(text string) (string, string, error) {
	title, author, found := strings.Cut(text, titleSeparator)
	if !found {
		return "", "", fmt.Errorf("%w: heading %q has no %q separator", ErrMalformedDocument, text, titleSeparator)
	}
	title = strings.TrimSpace(title)
	author = strings.TrimSpace(author)
	if title == "" || author == "" {
		return "", "", fmt.Errorf("%w: heading %q is missing title or author", ErrMalformedDocument, text)
	}
	return title, author, nil
}

// ParseLastPage reads the highest page number from the pagination control.
// A catalog without pagination has a single page.
func ParseLastPage(html []byte) (int, error) {
	doc, err := newDocument(html)
	if err != nil {
		return 0, err
	}
	links := doc.Find(selectorPagination)
	if links.Length() == 0 {
		return 1, nil
	}
	label := strings.TrimSpace(links.Last().Text())
	last, err := strconv.Atoi(label)
	if err != nil || last < 1 {
		return 0, fmt.Errorf("%w: pagination label %q", ErrMalformedDocument, label)
	}
	return last, nil
}

// ParseCatalogPage returns the entries of one listing page in document
// order. Permalinks are resolved against baseURL.
func ParseCatalogPage(html []byte, baseURL string) ([]models.ItemRef, error) {
	doc, err := newDocument(html)
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	var refs []models.ItemRef
	var parseErr error
	doc.Find(selectorEntries).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, ok := s.Find("tr").First().Find("a").First().Attr("href")
		if !ok {
			return true
		}
		id, err := BookIDFromPermalink(href)
		if err != nil {
			parseErr = err
			return false
		}
		link, err := base.Parse(href)
		if err != nil {
			parseErr = fmt.Errorf("%w: permalink %q: %v", ErrMalformedDocument, href, err)
			return false
		}
		refs = append(refs, models.ItemRef{ID: id, DetailURL: link.String()})
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return refs, nil
}

// BookIDFromPermalink extracts 239 from "/b239/".
func BookIDFromPermalink(href string) (int, error) {
	segment := strings.TrimPrefix(strings.Trim(strings.TrimSpace(href), "/"), "b")
	id, err := strconv.Atoi(segment)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: permalink %q", ErrMalformedDocument, href)
	}
	return id, nil
}

// BookURL builds the canonical detail page URL for id.
func BookURL(baseURL string, id int) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	return base.JoinPath(fmt.Sprintf("b%d", id), "/").String(), nil
}

// ValidateBook ensures the parser captured the required fields.
func ValidateBook(b *models.BookRecord) error {
	if b == nil {
		return fmt.Errorf("book is nil")
	}
	if strings.TrimSpace(b.Title) == "" {
		return fmt.Errorf("book %d missing title", b.ID)
	}
	if strings.TrimSpace(b.Author) == "" {
		return fmt.Errorf("book missing author for %s", b.Title)
	}
	return nil
}

func resolveCover(pageURL, src string) (string, string, error) {
	page, err := url.Parse(pageURL)
	if err != nil {
		return "", "", err
	}
	cover, err := page.Parse(src)
	if err != nil {
		return "", "", err
	}
	name := path.Base(cover.Path)
	if name == "/" || name == "." {
		name = ""
	}
	return cover.String(), name, nil
}

func newDocument(html []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	return doc, nil
}
