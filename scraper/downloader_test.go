package scraper

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aluiziolira/tululu-scraper/storage"
)

func newTestDownloader(t *testing.T, getter Getter) (*Downloader, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	store := storage.New(fs)
	require.NoError(t, store.EnsureDirs("books", "images"))
	return NewDownloader(getter, store, NewMetrics(), zap.NewNop()), fs
}

func TestDownloadTextVerbatim(t *testing.T) {
	body := "Глава 1\r\n\r\nБыл тёмный вечер.\n"
	g := newFakeGetter()
	g.set("http://tululu.test/txt.php?id=7", body)
	d, fs := newTestDownloader(t, g)

	path, n, err := d.DownloadText(context.Background(), "http://tululu.test/txt.php", url.Values{"id": {"7"}}, "books/7. Остров.txt")
	require.NoError(t, err)
	require.Equal(t, "books/7. Остров.txt", path)
	require.Equal(t, len(body), n)

	written, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	require.Equal(t, body, string(written))
}

func TestDownloadTextRedirectWritesNothing(t *testing.T) {
	f, transport := newTestFetcher(t, testConfig())
	transport.RegisterResponder(http.MethodGet, "http://tululu.test/txt.php?id=5", redirectResponder("http://tululu.test/"))
	d, fs := newTestDownloader(t, f)

	path, n, err := d.DownloadText(context.Background(), "http://tululu.test/txt.php", url.Values{"id": {"5"}}, "books/5. Пропавшая.txt")
	require.Error(t, err)
	require.True(t, IsRedirectDenied(err), "expected redirect denial, got %v", err)
	require.Empty(t, path)
	require.Zero(t, n)

	exists, err := afero.Exists(fs, "books/5. Пропавшая.txt")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestDownloadImageSkipsExisting(t *testing.T) {
	f, transport := newTestFetcher(t, testConfig())
	transport.RegisterResponder(http.MethodGet, "http://tululu.test/shots/7.jpg",
		httpmock.NewBytesResponder(http.StatusOK, []byte{0xff, 0xd8, 0xff, 0xe0}))
	d, fs := newTestDownloader(t, f)

	path, n, err := d.DownloadImage(context.Background(), "http://tululu.test/shots/7.jpg", "images/7.jpg")
	require.NoError(t, err)
	require.Equal(t, "images/7.jpg", path)
	require.Equal(t, 4, n)

	before, err := fs.Stat(path)
	require.NoError(t, err)

	path, n, err = d.DownloadImage(context.Background(), "http://tululu.test/shots/7.jpg", "images/7.jpg")
	require.NoError(t, err)
	require.Equal(t, "images/7.jpg", path)
	require.Zero(t, n)
	require.Equal(t, 1, transport.GetTotalCallCount())

	after, err := fs.Stat(path)
	require.NoError(t, err)
	require.Equal(t, before.ModTime(), after.ModTime())

	content, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	require.Equal(t, []byte{0xff, 0xd8, 0xff, 0xe0}, content)
}

func TestDownloadImageHTTPError(t *testing.T) {
	f, transport := newTestFetcher(t, testConfig())
	transport.RegisterResponder(http.MethodGet, "http://tululu.test/shots/8.jpg",
		httpmock.NewStringResponder(http.StatusNotFound, "missing"))
	d, fs := newTestDownloader(t, f)

	_, _, err := d.DownloadImage(context.Background(), "http://tululu.test/shots/8.jpg", "images/8.jpg")
	require.Error(t, err)
	require.Equal(t, "http_status", ErrorTypeLabel(err))

	exists, err := afero.Exists(fs, "images/8.jpg")
	require.NoError(t, err)
	require.False(t, exists)
}
