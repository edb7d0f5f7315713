// Package processor orchestrates the pipeline: a fixed-size worker pool
// takes catalog entries through parse, persist and download, then a final
// single-threaded pass computes popularity over the settled book set and
// hands everything to the exporter.
package processor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/lepinkainen/gutenzim/internal/cache"
	"github.com/lepinkainen/gutenzim/internal/catalog"
	"github.com/lepinkainen/gutenzim/internal/download"
	pkgerrors "github.com/lepinkainen/gutenzim/internal/errors"
	"github.com/lepinkainen/gutenzim/internal/export"
	"github.com/lepinkainen/gutenzim/internal/library"
	"github.com/lepinkainen/gutenzim/internal/progress"
	"github.com/lepinkainen/gutenzim/internal/ratelimit"
	"github.com/lepinkainen/gutenzim/internal/rdf"
	"github.com/lepinkainen/gutenzim/internal/retry"
	"github.com/lepinkainen/gutenzim/internal/urls"
)

const popularityStars = 5

// Summary counts run outcomes for the final report.
type Summary struct {
	Processed int
	Succeeded int
	Skipped   int
	Failed    int
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeSkipped
	outcomeFailed
)

// Options configures a Processor.
type Options struct {
	// Concurrency is the fixed worker pool width
	Concurrency int
	// Formats lists the logical formats to download per book
	Formats []string
	// Timeout bounds each metadata request
	Timeout time.Duration
}

// Processor drives the per-book pipeline.
type Processor struct {
	repo     *library.Repository
	fetcher  *download.Fetcher
	resolver *urls.Resolver
	limiter  *ratelimit.Limiter
	reporter *progress.Reporter
	exporter export.Exporter
	client   *http.Client
	opts     Options

	netPolicy     retry.Policy
	storagePolicy retry.Policy
}

// New creates a Processor. exporter may be nil to skip the export pass.
func New(repo *library.Repository, fetcher *download.Fetcher, resolver *urls.Resolver,
	limiter *ratelimit.Limiter, reporter *progress.Reporter, exporter export.Exporter,
	opts Options) *Processor {

	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Processor{
		repo:     repo,
		fetcher:  fetcher,
		resolver: resolver,
		limiter:  limiter,
		reporter: reporter,
		exporter: exporter,
		client:   &http.Client{Timeout: opts.Timeout},
		opts:     opts,
		netPolicy: retry.Policy{
			Name:        "metadata",
			MaxAttempts: 5,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    8 * time.Second,
			Multiplier:  2,
			Retryable:   pkgerrors.IsRetryableHTTP,
		},
		storagePolicy: retry.Policy{
			Name:        "storage",
			MaxAttempts: 10,
			BaseDelay:   250 * time.Millisecond,
			MaxDelay:    250 * time.Millisecond,
			Multiplier:  1,
			Retryable:   pkgerrors.IsStorageBusy,
		},
	}
}

// Run processes every catalog entry through the worker pool, then performs
// the popularity and export passes over the surviving books. Per-book
// failures are contained and counted; only cross-cutting failures return an
// error.
func (p *Processor) Run(ctx context.Context, entries []catalog.Entry) (Summary, error) {
	var (
		mu      sync.Mutex
		summary Summary
	)
	p.reporter.AddTotal(len(entries))

	jobs := make(chan catalog.Entry)
	var wg sync.WaitGroup
	for i := 0; i < p.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for entry := range jobs {
				result := p.processOne(ctx, entry)

				mu.Lock()
				summary.Processed++
				switch result {
				case outcomeSucceeded:
					summary.Succeeded++
				case outcomeSkipped:
					summary.Skipped++
				case outcomeFailed:
					summary.Failed++
				}
				mu.Unlock()
				p.reporter.Increment()
			}
		}()
	}

feed:
	for _, entry := range entries {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- entry:
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		p.reporter.Flush()
		return summary, err
	}

	// popularity needs the fully settled set, strictly after the pool joins
	if err := p.finalPass(); err != nil {
		return summary, err
	}
	p.reporter.Flush()

	slog.Info("Run complete",
		"processed", summary.Processed,
		"succeeded", summary.Succeeded,
		"skipped", summary.Skipped,
		"failed", summary.Failed)
	return summary, nil
}

// processOne takes one book through parse, persist and download. A panic in
// any stage fails that book only, never the pool.
func (p *Processor) processOne(ctx context.Context, entry catalog.Entry) (result outcome) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Book processing panicked", "book", entry.BookID, "panic", r)
			result = outcomeFailed
		}
	}()

	raw, err := p.fetchRDF(ctx, entry.BookID)
	if err != nil {
		slog.Warn("Metadata fetch failed", "book", entry.BookID, "error", err)
		return outcomeFailed
	}

	meta, err := rdf.Parse(raw, entry.BookID)
	if err != nil {
		// incomplete or unparsable metadata is never retried
		slog.Warn("Metadata rejected", "book", entry.BookID, "error", err)
		return outcomeSkipped
	}
	if !meta.Usable() {
		slog.Debug("Skipping unusable book",
			"book", entry.BookID, "title", meta.Title, "license", meta.License)
		return outcomeSkipped
	}

	book, err := p.persist(ctx, meta, entry)
	if err != nil {
		slog.Warn("Failed to persist book", "book", entry.BookID, "error", err)
		return outcomeFailed
	}

	if _, err := p.fetcher.FetchBook(ctx, book, p.opts.Formats); err != nil {
		slog.Warn("Book download failed", "book", entry.BookID, "error", err)
		return outcomeFailed
	}
	return outcomeSucceeded
}

// fetchRDF loads a book's RDF document through the local cache.
func (p *Processor) fetchRDF(ctx context.Context, bookID int) ([]byte, error) {
	raw, _, err := cache.GetOrFetch("rdf_cache", strconv.Itoa(bookID), func() (string, error) {
		var body string
		err := retry.Do(ctx, p.netPolicy, func() error {
			if err := p.limiter.Wait(ctx); err != nil {
				return err
			}
			rdfURL := p.resolver.RDFURL(bookID)
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, rdfURL, nil)
			if err != nil {
				return fmt.Errorf("failed to create request: %w", err)
			}
			resp, err := p.client.Do(req)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode != http.StatusOK {
				return pkgerrors.NewHTTPError(rdfURL, resp.StatusCode)
			}
			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("failed to read response: %w", err)
			}
			body = string(data)
			return nil
		})
		return body, err
	})
	if err != nil {
		return nil, err
	}
	return []byte(raw), nil
}

// persist stores the author, book, languages and format rows, then reloads
// the book so the caller sees stored provenance (etags, unsupported set).
func (p *Processor) persist(ctx context.Context, meta *rdf.Metadata, entry catalog.Entry) (*library.Book, error) {
	authorID := meta.AuthorID
	if authorID == "" {
		authorID = library.AnonymousAuthorID
	}
	author := &library.Author{
		GutID:      authorID,
		LastName:   meta.LastName,
		FirstNames: meta.FirstNames,
		BirthYear:  meta.BirthYear,
		DeathYear:  meta.DeathYear,
	}
	err := retry.Do(ctx, p.storagePolicy, func() error {
		_, err := p.repo.UpsertAuthor(author)
		return err
	})
	if err != nil {
		return nil, err
	}

	lcc := meta.LCCShelf
	if lcc == "" {
		lcc = entry.LCCShelf
	}
	book := &library.Book{
		ID:        meta.BookID,
		Title:     meta.Title,
		Subtitle:  meta.Subtitle,
		AuthorID:  authorID,
		License:   meta.License,
		Downloads: meta.Downloads,
		Bookshelf: meta.Bookshelf,
		LCCShelf:  lcc,
		CoverPage: meta.CoverImage,
	}
	if err := retry.Do(ctx, p.storagePolicy, func() error { return p.repo.UpsertBook(book) }); err != nil {
		return nil, err
	}

	languages := meta.Languages
	if len(languages) == 0 {
		languages = entry.Languages
	}
	err = retry.Do(ctx, p.storagePolicy, func() error {
		return p.repo.SetBookLanguages(meta.BookID, languages)
	})
	if err != nil {
		return nil, err
	}

	if err := p.syncFormats(ctx, meta); err != nil {
		return nil, err
	}

	stored, err := p.repo.GetBook(meta.BookID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("book %d vanished after upsert", meta.BookID)
	}
	return stored, nil
}

// syncFormats inserts format rows the repository does not know yet. Existing
// rows keep their downloaded_from provenance so repeat runs skip URL probing.
func (p *Processor) syncFormats(ctx context.Context, meta *rdf.Metadata) error {
	existing, err := p.repo.FormatsFor(meta.BookID, "")
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(existing))
	for _, row := range existing {
		known[row.Mime+"|"+row.Pattern] = true
	}

	for _, ref := range meta.Files {
		if known[ref.Mime+"|"+ref.Pattern] {
			continue
		}
		row := &library.BookFormat{
			BookID:  meta.BookID,
			Mime:    ref.Mime,
			Images:  ref.Images,
			Pattern: ref.Pattern,
		}
		if err := retry.Do(ctx, p.storagePolicy, func() error { return p.repo.AddFormat(row) }); err != nil {
			return err
		}
	}
	return nil
}

// finalPass computes popularity over all surviving books and exports the
// indexes.
func (p *Processor) finalPass() error {
	books, err := p.repo.ListBooks(library.Filter{})
	if err != nil {
		return err
	}
	if len(books) == 0 {
		slog.Warn("No books survived the run, nothing to export")
		return nil
	}

	limits := computeStarLimits(books)
	for _, book := range books {
		stars := 0
		for _, limit := range limits {
			if book.Downloads >= limit {
				stars++
			}
		}
		book.Popularity = stars
		if err := p.repo.SetPopularity(book.ID, stars); err != nil {
			return err
		}
	}

	if p.exporter != nil {
		return p.exporter.ExportBooks(books)
	}
	return nil
}

// computeStarLimits derives the download-count thresholds of the five star
// bands from a downloads-descending book list. A book's rating is the
// number of thresholds its count meets, so each band holds roughly a fifth
// of the population.
func computeStarLimits(books []*library.Book) [popularityStars]int {
	var limits [popularityStars]int
	if len(books) == 0 {
		return limits
	}

	count := float64(len(books))
	stars := popularityStars
	prev := books[0].Downloads
	for i, book := range books {
		if float64(i) > float64(popularityStars-stars+1)/popularityStars*count && book.Downloads < prev {
			limits[stars-1] = prev
			stars--
		}
		prev = book.Downloads
	}
	return limits
}
