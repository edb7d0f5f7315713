package download

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lepinkainen/gutenzim/internal/cache"
	"github.com/lepinkainen/gutenzim/internal/library"
	"github.com/lepinkainen/gutenzim/internal/objcache"
	"github.com/lepinkainen/gutenzim/internal/ratelimit"
	"github.com/lepinkainen/gutenzim/internal/urls"
)

// fakeObjectCache is an in-memory ObjectCache.
type fakeObjectCache struct {
	objects map[string][]byte
	metas   map[string]objcache.Meta
	gets    int
	puts    int
}

func newFakeObjectCache() *fakeObjectCache {
	return &fakeObjectCache{
		objects: make(map[string][]byte),
		metas:   make(map[string]objcache.Meta),
	}
}

func (f *fakeObjectCache) Has(_ context.Context, key string) (bool, error) {
	_, ok := f.objects[key]
	return ok, nil
}

func (f *fakeObjectCache) StatMeta(_ context.Context, key string) (objcache.Meta, error) {
	return f.metas[key], nil
}

func (f *fakeObjectCache) Get(_ context.Context, key, dest string) error {
	f.gets++
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	return os.WriteFile(dest, f.objects[key], 0644)
}

func (f *fakeObjectCache) Put(_ context.Context, key, localPath string, meta objcache.Meta) error {
	f.puts++
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	f.objects[key] = data
	f.metas[key] = meta
	return nil
}

// testFetcher wires a Fetcher against a repository and mirror handler. The
// etag cache is pointed at a fresh database in a temp dir.
func testFetcher(t *testing.T, handler http.Handler, objCache ObjectCache, force bool) (*Fetcher, *library.Repository, string) {
	t.Helper()
	require.NoError(t, cache.ResetGlobalCache())
	viper.Set("cache.dbfile", filepath.Join(t.TempDir(), "cache.db"))
	viper.Set("cache.ttl", "1h")
	t.Cleanup(func() {
		_ = cache.ResetGlobalCache()
		viper.Reset()
	})

	repo, err := library.Open(filepath.Join(t.TempDir(), "library.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	dir := t.TempDir()
	resolver := urls.NewResolver(server.URL, nil, false)
	limiter := ratelimit.New("test", 1000)
	fetcher := NewFetcher(repo, resolver, limiter, objCache, Options{Dir: dir, Force: force})
	return fetcher, repo, dir
}

func zipBytes(t *testing.T, members map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range members {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func seedBook(t *testing.T, repo *library.Repository, book *library.Book, formats ...*library.BookFormat) {
	t.Helper()
	require.NoError(t, repo.UpsertBook(book))
	for _, f := range formats {
		require.NoError(t, repo.AddFormat(f))
	}
}

// serveFile answers GET and HEAD for one exact path with an ETag.
func serveFile(mux *http.ServeMux, path, etag string, body []byte) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if etag != "" {
			w.Header().Set("ETag", etag)
		}
		if r.Method == http.MethodHead {
			return
		}
		_, _ = io.Copy(w, bytes.NewReader(body))
	})
}

func TestFetchBook_ZippedHTML(t *testing.T) {
	mux := http.NewServeMux()
	serveFile(mux, "/1/2/123/123-h.zip", `"zip-etag"`, zipBytes(t, map[string]string{
		"123-h/123-h.htm": "<html>content</html>",
		"123-h/cover.jpg": "jpeg",
	}))

	fetcher, repo, dir := testFetcher(t, mux, nil, false)
	book := &library.Book{ID: 123, Title: "Zipped", AuthorID: library.AnonymousAuthorID, License: "PD"}
	seedBook(t, repo, book,
		&library.BookFormat{BookID: 123, Mime: "text/html", Pattern: "{id}-h.zip"})

	downloaded, err := fetcher.FetchBook(context.Background(), book, []string{"html"})
	require.NoError(t, err)
	assert.Equal(t, []string{"html"}, downloaded)

	html, err := os.ReadFile(filepath.Join(dir, "123.html"))
	require.NoError(t, err)
	assert.Equal(t, "<html>content</html>", string(html))
	assert.FileExists(t, filepath.Join(dir, "123_cover.jpg"))
	// the transient zip is gone
	assert.NoFileExists(t, filepath.Join(dir, "123.html.zip"))

	// provenance persisted
	rows, err := repo.FormatsFor(123, "text/html")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Contains(t, rows[0].DownloadedFrom, "/1/2/123/123-h.zip")

	stored, err := repo.GetBook(123)
	require.NoError(t, err)
	assert.Equal(t, `"zip-etag"`, stored.HTMLEtag)
}

func TestFetchBook_EpubDirect(t *testing.T) {
	mux := http.NewServeMux()
	serveFile(mux, "/0/5/5.epub", `"epub-etag"`, []byte("epub-payload"))

	fetcher, repo, dir := testFetcher(t, mux, nil, false)
	book := &library.Book{ID: 5, Title: "Book", AuthorID: library.AnonymousAuthorID, License: "PD"}
	seedBook(t, repo, book,
		&library.BookFormat{BookID: 5, Mime: "application/epub+zip", Pattern: "{id}.epub"})

	downloaded, err := fetcher.FetchBook(context.Background(), book, []string{"epub"})
	require.NoError(t, err)
	assert.Equal(t, []string{"epub"}, downloaded)

	data, err := os.ReadFile(filepath.Join(dir, "Book.5.epub"))
	require.NoError(t, err)
	assert.Equal(t, "epub-payload", string(data))

	stored, err := repo.GetBook(5)
	require.NoError(t, err)
	assert.Equal(t, `"epub-etag"`, stored.EpubEtag)
}

func TestFetchBook_DownloadedFromFastPath(t *testing.T) {
	hits := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/direct/5.epub", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			hits++
		}
		_, _ = w.Write([]byte("epub-payload"))
	})

	fetcher, repo, _ := testFetcher(t, mux, nil, false)
	book := &library.Book{ID: 5, Title: "Book", AuthorID: library.AnonymousAuthorID, License: "PD"}
	seedBook(t, repo, book)

	row := &library.BookFormat{BookID: 5, Mime: "application/epub+zip", Pattern: "{id}.epub"}
	require.NoError(t, repo.AddFormat(row))

	// remember a working URL the way an earlier run would have
	server := httptest.NewServer(mux)
	defer server.Close()
	require.NoError(t, repo.SetFormatSource(row.ID, server.URL+"/direct/5.epub"))

	downloaded, err := fetcher.FetchBook(context.Background(), book, []string{"epub"})
	require.NoError(t, err)
	assert.Equal(t, []string{"epub"}, downloaded)
	assert.Equal(t, 1, hits, "fast path must go straight to the remembered URL")
}

func TestFetchBook_NothingDownloadedDeletesBook(t *testing.T) {
	fetcher, repo, _ := testFetcher(t, http.NotFoundHandler(), nil, false)
	book := &library.Book{ID: 42, Title: "Ghost", AuthorID: library.AnonymousAuthorID, License: "PD"}
	seedBook(t, repo, book,
		&library.BookFormat{BookID: 42, Mime: "text/html", Pattern: "{id}-h.zip"})

	_, err := fetcher.FetchBook(context.Background(), book, []string{"html"})
	assert.ErrorIs(t, err, ErrNothingDownloaded)

	stored, repoErr := repo.GetBook(42)
	require.NoError(t, repoErr)
	assert.Nil(t, stored, "a book without content must not survive")
}

func TestFetchBook_MissingFormatRecordedUnsupported(t *testing.T) {
	mux := http.NewServeMux()
	serveFile(mux, "/1/2/123/123-h.htm", "", []byte("<html>ok</html>"))

	fetcher, repo, _ := testFetcher(t, mux, nil, false)
	book := &library.Book{ID: 123, Title: "Partial", AuthorID: library.AnonymousAuthorID, License: "PD"}
	seedBook(t, repo, book,
		&library.BookFormat{BookID: 123, Mime: "text/html", Pattern: "{id}-h.htm"})

	// epub has no format rows at all
	downloaded, err := fetcher.FetchBook(context.Background(), book, []string{"html", "epub"})
	require.NoError(t, err)
	assert.Equal(t, []string{"html"}, downloaded)

	stored, err := repo.GetBook(123)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.HasUnsupported("epub"))
	assert.False(t, stored.HasUnsupported("html"))
}

func TestFetchBook_SkipsExistingUnlessForced(t *testing.T) {
	requests := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		requests++
		http.NotFound(w, r)
	})

	fetcher, repo, dir := testFetcher(t, mux, nil, false)
	book := &library.Book{ID: 9, Title: "Cached", AuthorID: library.AnonymousAuthorID, License: "PD"}
	seedBook(t, repo, book,
		&library.BookFormat{BookID: 9, Mime: "text/html", Pattern: "{id}-h.htm"})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "9.html"), []byte("already here"), 0644))

	downloaded, err := fetcher.FetchBook(context.Background(), book, []string{"html"})
	require.NoError(t, err)
	assert.Equal(t, []string{"html"}, downloaded)
	assert.Zero(t, requests, "present content must not touch the mirror")
}

func TestFetchBook_CoverFailureKeepsBook(t *testing.T) {
	mux := http.NewServeMux()
	serveFile(mux, "/0/7/7-h.htm", "", []byte("<html>ok</html>"))
	// no cover handler registered, the canonical cover URL 404s

	fetcher, repo, dir := testFetcher(t, mux, nil, false)
	book := &library.Book{ID: 7, Title: "Covered", AuthorID: library.AnonymousAuthorID,
		License: "PD", CoverPage: true}
	seedBook(t, repo, book,
		&library.BookFormat{BookID: 7, Mime: "text/html", Pattern: "{id}-h.htm"})

	downloaded, err := fetcher.FetchBook(context.Background(), book, []string{"html"})
	require.NoError(t, err)
	assert.Equal(t, []string{"html"}, downloaded)
	assert.NoFileExists(t, filepath.Join(dir, CoverFilename(7)))

	stored, err := repo.GetBook(7)
	require.NoError(t, err)
	assert.NotNil(t, stored, "cover trouble never takes the book down")
}

func TestFetchBook_CoverDownloaded(t *testing.T) {
	mux := http.NewServeMux()
	serveFile(mux, "/0/7/7-h.htm", "", []byte("<html>ok</html>"))
	serveFile(mux, "/cache/epub/7/pg7.cover.medium.jpg", `"cover-etag"`, []byte("jpeg"))

	fetcher, repo, dir := testFetcher(t, mux, nil, false)
	book := &library.Book{ID: 7, Title: "Covered", AuthorID: library.AnonymousAuthorID,
		License: "PD", CoverPage: true}
	seedBook(t, repo, book,
		&library.BookFormat{BookID: 7, Mime: "text/html", Pattern: "{id}-h.htm"})

	_, err := fetcher.FetchBook(context.Background(), book, []string{"html"})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, CoverFilename(7)))

	stored, err := repo.GetBook(7)
	require.NoError(t, err)
	assert.Equal(t, `"cover-etag"`, stored.CoverEtag)
}

func TestFetchBook_ObjectCacheHit(t *testing.T) {
	mux := http.NewServeMux()
	// the mirror advertises the ETag but refuses the download: content must
	// come from the optimization cache
	mux.HandleFunc("/0/5/5.epub", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"e1"`)
		if r.Method != http.MethodHead {
			http.Error(w, "mirror down", http.StatusInternalServerError)
		}
	})

	objCache := newFakeObjectCache()
	objCache.objects["5/epub"] = []byte("optimized-epub")
	objCache.metas["5/epub"] = objcache.Meta{Etag: `"e1"`}

	fetcher, repo, dir := testFetcher(t, mux, objCache, false)
	book := &library.Book{ID: 5, Title: "Book", AuthorID: library.AnonymousAuthorID, License: "PD"}
	seedBook(t, repo, book,
		&library.BookFormat{BookID: 5, Mime: "application/epub+zip", Pattern: "{id}.epub"})

	downloaded, err := fetcher.FetchBook(context.Background(), book, []string{"epub"})
	require.NoError(t, err)
	assert.Equal(t, []string{"epub"}, downloaded)
	assert.Equal(t, 1, objCache.gets)

	data, err := os.ReadFile(filepath.Join(dir, "Book.5.epub"))
	require.NoError(t, err)
	assert.Equal(t, "optimized-epub", string(data))
}

func TestFetchBook_ObjectCacheStaleEtagIsMiss(t *testing.T) {
	mux := http.NewServeMux()
	serveFile(mux, "/0/5/5.epub", `"e2"`, []byte("fresh-epub"))

	objCache := newFakeObjectCache()
	objCache.objects["5/epub"] = []byte("stale-epub")
	objCache.metas["5/epub"] = objcache.Meta{Etag: `"e1"`}

	fetcher, repo, dir := testFetcher(t, mux, objCache, false)
	book := &library.Book{ID: 5, Title: "Book", AuthorID: library.AnonymousAuthorID, License: "PD"}
	seedBook(t, repo, book,
		&library.BookFormat{BookID: 5, Mime: "application/epub+zip", Pattern: "{id}.epub"})

	_, err := fetcher.FetchBook(context.Background(), book, []string{"epub"})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "Book.5.epub"))
	require.NoError(t, err)
	assert.Equal(t, "fresh-epub", string(data), "a stale cache object must fall back to the mirror")

	// the fresh download was uploaded back under the new fingerprint
	assert.Equal(t, 1, objCache.puts)
	assert.Equal(t, `"e2"`, objCache.metas["5/epub"].Etag)
}

func TestFetchBook_EtagHeadCachedAcrossRuns(t *testing.T) {
	heads, gets := 0, 0
	mux := http.NewServeMux()
	mux.HandleFunc("/0/5/5.epub", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"e1"`)
		if r.Method == http.MethodHead {
			heads++
			return
		}
		gets++
		_, _ = w.Write([]byte("epub-payload"))
	})

	// force mode re-downloads content but the etag lookup is cached
	fetcher, repo, _ := testFetcher(t, mux, nil, true)
	book := &library.Book{ID: 5, Title: "Book", AuthorID: library.AnonymousAuthorID, License: "PD"}
	seedBook(t, repo, book,
		&library.BookFormat{BookID: 5, Mime: "application/epub+zip", Pattern: "{id}.epub"})

	_, err := fetcher.FetchBook(context.Background(), book, []string{"epub"})
	require.NoError(t, err)
	_, err = fetcher.FetchBook(context.Background(), book, []string{"epub"})
	require.NoError(t, err)

	assert.Equal(t, 2, gets)
	assert.Equal(t, 1, heads, "the second run reads the etag from the cache")

	stored, err := repo.GetBook(5)
	require.NoError(t, err)
	assert.Equal(t, `"e1"`, stored.EpubEtag)
}
