// Package download fetches book content from the mirror. It probes candidate
// URLs per format, extracts zipped payloads safely, records ETag provenance
// and consults the remote optimization cache before hitting the mirror.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lepinkainen/gutenzim/internal/cache"
	pkgerrors "github.com/lepinkainen/gutenzim/internal/errors"
	"github.com/lepinkainen/gutenzim/internal/fileutil"
	"github.com/lepinkainen/gutenzim/internal/library"
	"github.com/lepinkainen/gutenzim/internal/objcache"
	"github.com/lepinkainen/gutenzim/internal/ratelimit"
	"github.com/lepinkainen/gutenzim/internal/retry"
	"github.com/lepinkainen/gutenzim/internal/urls"
)

// ErrNothingDownloaded is returned when no requested format could be
// fetched for a book. The book record is already deleted at that point.
var ErrNothingDownloaded = errors.New("no format could be downloaded")

// ObjectCache is the remote optimization cache contract. A nil cache
// disables the lookup and every download goes to the mirror.
type ObjectCache interface {
	Has(ctx context.Context, key string) (bool, error)
	StatMeta(ctx context.Context, key string) (objcache.Meta, error)
	Get(ctx context.Context, key, dest string) error
	Put(ctx context.Context, key, localPath string, meta objcache.Meta) error
}

// Options configures a Fetcher.
type Options struct {
	// Dir is the download cache directory
	Dir string
	// Force re-downloads content that is already on disk
	Force bool
	// OptimizerVersions maps a format to the cache artifact version the
	// caller accepts; a mismatch is a cache miss
	OptimizerVersions map[string]string
	// Timeout bounds each individual request (not the whole retry cycle)
	Timeout time.Duration
}

// Fetcher downloads book files and maintains their provenance rows.
type Fetcher struct {
	repo     *library.Repository
	resolver *urls.Resolver
	limiter  *ratelimit.Limiter
	cache    ObjectCache
	client   *http.Client
	opts     Options

	netPolicy retry.Policy
}

// NewFetcher creates a Fetcher. cache may be nil.
func NewFetcher(repo *library.Repository, resolver *urls.Resolver, limiter *ratelimit.Limiter, cache ObjectCache, opts Options) *Fetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Fetcher{
		repo:     repo,
		resolver: resolver,
		limiter:  limiter,
		cache:    cache,
		client:   &http.Client{Timeout: opts.Timeout},
		opts:     opts,
		netPolicy: retry.Policy{
			Name:        "download",
			MaxAttempts: 5,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    8 * time.Second,
			Multiplier:  2,
			Retryable:   pkgerrors.IsRetryableHTTP,
		},
	}
}

// FetchBook downloads every requested format for a book, then its cover.
// Individual format failures are tolerated; when no format at all succeeds
// the book and its partial artifacts are removed and ErrNothingDownloaded
// is returned.
func (f *Fetcher) FetchBook(ctx context.Context, book *library.Book, formats []string) ([]string, error) {
	var downloaded []string
	for _, format := range formats {
		ok, err := f.fetchFormat(ctx, book, format)
		if err != nil {
			slog.Warn("Format download failed",
				"book", book.ID, "format", format, "error", err)
			continue
		}
		if ok {
			downloaded = append(downloaded, format)
		}
	}

	if len(downloaded) == 0 {
		slog.Warn("No content for book, removing record", "book", book.ID)
		f.removeArtifacts(book)
		if err := f.repo.DeleteBook(book.ID); err != nil {
			return nil, err
		}
		return nil, ErrNothingDownloaded
	}

	// cover failures never take the book down with them
	if book.CoverPage {
		if err := f.fetchCover(ctx, book); err != nil {
			slog.Warn("Cover download failed", "book", book.ID, "error", err)
		}
	}
	return downloaded, nil
}

func (f *Fetcher) destPath(book *library.Book, format string) string {
	if format == "html" {
		return filepath.Join(f.opts.Dir, HTMLName(book.ID))
	}
	return filepath.Join(f.opts.Dir, ArchiveName(book, format))
}

func (f *Fetcher) fetchFormat(ctx context.Context, book *library.Book, format string) (bool, error) {
	mime, ok := library.FormatMatrix[format]
	if !ok {
		return false, fmt.Errorf("unknown format %q", format)
	}

	dest := f.destPath(book, format)
	if f.opts.Force {
		f.removeFormatArtifacts(book, format)
	} else {
		if book.HasUnsupported(format) {
			slog.Debug("Format known unsupported", "book", book.ID, "format", format)
			return false, nil
		}
		if fileutil.FileExists(dest) {
			slog.Debug("Already downloaded", "book", book.ID, "format", format, "path", dest)
			return true, nil
		}
	}

	rows, err := f.repo.FormatsFor(book.ID, mime)
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		if err := f.markUnsupported(book, format); err != nil {
			return false, err
		}
		return false, nil
	}
	bf := preferredRow(rows)

	var candidates []string
	if bf.DownloadedFrom != "" && !f.opts.Force {
		candidates = []string{bf.DownloadedFrom}
	} else {
		allRows, err := f.repo.FormatsFor(book.ID, "")
		if err != nil {
			return false, err
		}
		candidates = f.resolver.Candidates(book.ID, format, allRows)
	}

	for len(candidates) > 0 {
		candidate := candidates[len(candidates)-1]
		candidates = candidates[:len(candidates)-1]

		etag, err := f.tryCandidate(ctx, book, format, candidate, dest)
		if err != nil {
			slog.Debug("Candidate failed",
				"book", book.ID, "format", format, "url", candidate, "error", err)
			continue
		}

		if err := f.repo.SetFormatSource(bf.ID, candidate); err != nil {
			return false, err
		}
		if etag != "" {
			if err := f.repo.SetEtag(book.ID, format, etag); err != nil {
				return false, err
			}
		}
		return true, nil
	}

	// exhausted: drop the rows so a later run probes the mirror fresh
	if err := f.repo.DeleteFormats(book.ID, mime); err != nil {
		return false, err
	}
	if err := f.markUnsupported(book, format); err != nil {
		return false, err
	}
	return false, nil
}

// tryCandidate fetches one URL into dest and returns the content ETag when
// the mirror supplied one.
func (f *Fetcher) tryCandidate(ctx context.Context, book *library.Book, format, candidate, dest string) (string, error) {
	if strings.HasSuffix(candidate, ".zip") {
		zipPath := dest + ".zip"
		if err := f.downloadFile(ctx, candidate, zipPath); err != nil {
			return "", err
		}
		defer func() { _ = os.Remove(zipPath) }()
		if err := ExtractZip(zipPath, f.opts.Dir, book.ID); err != nil {
			return "", err
		}
		return f.headEtag(ctx, candidate), nil
	}

	etag := f.headEtag(ctx, candidate)
	if f.cacheHit(ctx, book.ID, format, etag, dest) {
		return etag, nil
	}
	if err := f.downloadFile(ctx, candidate, dest); err != nil {
		return "", err
	}
	f.storeInCache(ctx, book.ID, format, dest, etag)
	return etag, nil
}

// cacheHit fetches from the optimization cache when the stored object
// matches both the mirror ETag and the expected optimizer version. Any
// mismatch or cache trouble falls back to a mirror download.
func (f *Fetcher) cacheHit(ctx context.Context, bookID int, format, etag, dest string) bool {
	if f.cache == nil || etag == "" {
		return false
	}
	key := cacheKey(bookID, format)
	ok, err := f.cache.Has(ctx, key)
	if err != nil || !ok {
		return false
	}
	meta, err := f.cache.StatMeta(ctx, key)
	if err != nil {
		return false
	}
	if meta.Etag != etag || meta.OptimizerVersion != f.opts.OptimizerVersions[format] {
		slog.Debug("Stale cache object", "key", key,
			"etag", meta.Etag, "optimizer", meta.OptimizerVersion)
		return false
	}
	if err := f.cache.Get(ctx, key, dest); err != nil {
		slog.Warn("Cache download failed", "key", key, "error", err)
		return false
	}
	slog.Debug("Served from optimization cache", "key", key)
	return true
}

func (f *Fetcher) storeInCache(ctx context.Context, bookID int, format, localPath, etag string) {
	if f.cache == nil || etag == "" {
		return
	}
	key := cacheKey(bookID, format)
	meta := objcache.Meta{Etag: etag, OptimizerVersion: f.opts.OptimizerVersions[format]}
	if err := f.cache.Put(ctx, key, localPath, meta); err != nil {
		slog.Warn("Cache upload failed", "key", key, "error", err)
	}
}

func cacheKey(bookID int, format string) string {
	return fmt.Sprintf("%d/%s", bookID, format)
}

// downloadFile GETs a URL into dest under the network retry policy.
func (f *Fetcher) downloadFile(ctx context.Context, fileURL, dest string) error {
	return retry.Do(ctx, f.netPolicy, func() error {
		if err := f.limiter.Wait(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		resp, err := f.client.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return pkgerrors.NewHTTPError(fileURL, resp.StatusCode)
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return fmt.Errorf("failed to create download directory: %w", err)
		}
		out, err := os.Create(dest)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", dest, err)
		}
		defer func() { _ = out.Close() }()
		if _, err := io.Copy(out, resp.Body); err != nil {
			_ = os.Remove(dest)
			return fmt.Errorf("failed to write %s: %w", dest, err)
		}
		return nil
	})
}

// headEtag asks the mirror for a URL's ETag, best effort. Lookups go
// through the etag cache so repeat runs skip the HEAD round-trip.
func (f *Fetcher) headEtag(ctx context.Context, fileURL string) string {
	etag, _, err := cache.GetOrFetch("etag_cache", fileURL, func() (string, error) {
		return f.requestEtag(ctx, fileURL)
	})
	if err != nil {
		return ""
	}
	return etag
}

func (f *Fetcher) requestEtag(ctx context.Context, fileURL string) (string, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, fileURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", pkgerrors.NewHTTPError(fileURL, resp.StatusCode)
	}
	return resp.Header.Get("ETag"), nil
}

func (f *Fetcher) fetchCover(ctx context.Context, book *library.Book) error {
	dest := filepath.Join(f.opts.Dir, CoverFilename(book.ID))
	if fileutil.FileExists(dest) && !f.opts.Force {
		return nil
	}

	coverURL := f.resolver.CoverURL(book.ID)
	etag := f.headEtag(ctx, coverURL)
	if f.cacheHit(ctx, book.ID, "cover", etag, dest) {
		return f.repo.SetEtag(book.ID, "cover", etag)
	}
	if err := f.downloadFile(ctx, coverURL, dest); err != nil {
		return err
	}
	f.storeInCache(ctx, book.ID, "cover", dest, etag)
	if etag != "" {
		return f.repo.SetEtag(book.ID, "cover", etag)
	}
	return nil
}

func (f *Fetcher) markUnsupported(book *library.Book, format string) error {
	if book.HasUnsupported(format) {
		return nil
	}
	book.UnsupportedFormats = append(book.UnsupportedFormats, format)
	return f.repo.SetUnsupportedFormats(book.ID, book.UnsupportedFormats)
}

// preferredRow picks the row carrying embedded images when several exist.
func preferredRow(rows []*library.BookFormat) *library.BookFormat {
	for _, row := range rows {
		if row.Images {
			return row
		}
	}
	return rows[0]
}

// removeFormatArtifacts deletes one format's on-disk output before a forced
// re-download.
func (f *Fetcher) removeFormatArtifacts(book *library.Book, format string) {
	_ = os.Remove(f.destPath(book, format))
	if format == "html" {
		f.removeCompanions(book.ID)
	}
}

// removeArtifacts wipes everything a partially processed book left behind.
func (f *Fetcher) removeArtifacts(book *library.Book) {
	for format := range library.FormatMatrix {
		_ = os.Remove(f.destPath(book, format))
	}
	_ = os.Remove(filepath.Join(f.opts.Dir, CoverFilename(book.ID)))
	f.removeCompanions(book.ID)
}

func (f *Fetcher) removeCompanions(bookID int) {
	matches, err := filepath.Glob(filepath.Join(f.opts.Dir, fmt.Sprintf("%d_*", bookID)))
	if err != nil {
		return
	}
	for _, m := range matches {
		_ = os.Remove(m)
	}
}
