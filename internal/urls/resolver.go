// Package urls enumerates every plausible mirror location for a book file.
// Decades of naming conventions coexist on the mirrors, so candidates are
// generated per historical pattern and ordered by likelihood.
package urls

import (
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/lepinkainen/gutenzim/internal/library"
)

// IndexChecker is the known-URL index harvested from a mirror listing.
// A zero-size index disables cross-checking.
type IndexChecker interface {
	HasURL(path string) (bool, error)
	URLIndexSize() (int, error)
}

// Resolver builds candidate URL stacks for one mirror.
type Resolver struct {
	// rootBase serves the digit-sharded file tree
	rootBase string
	// cacheBase serves the flat /cache/epub/{id}/ tree
	cacheBase string
	// etextBase is the prefix of the historical /etextNN directories
	etextBase string

	index IndexChecker
	// strict keeps the index filter result even when it is empty;
	// non-strict mode falls back to the unfiltered list (development)
	strict bool
}

// NewResolver creates a Resolver for the given mirror URL.
func NewResolver(mirrorURL string, index IndexChecker, strict bool) *Resolver {
	base := strings.TrimRight(mirrorURL, "/")
	return &Resolver{
		rootBase:  base,
		cacheBase: base + "/cache/epub",
		etextBase: base + "/etext",
		index:     index,
		strict:    strict,
	}
}

// ShardedPath splits a numeric id into one directory per digit except the
// last, then appends the full id. Ids up to 10 live under a literal "0"
// directory instead.
func ShardedPath(bookID int) string {
	id := strconv.Itoa(bookID)
	if bookID <= 10 {
		return "0/" + id
	}
	digits := strings.Split(id, "")
	return strings.Join(digits[:len(digits)-1], "/") + "/" + id
}

// Candidates returns every plausible URL for a book in the given logical
// format, stored least-likely-first: the caller consumes the list by
// popping from the end, so retry order runs most-likely-first.
func (r *Resolver) Candidates(bookID int, format string, formats []*library.BookFormat) []string {
	var ordered []string
	switch format {
	case "epub":
		ordered = r.epubCandidates(bookID)
	case "pdf":
		ordered = r.pdfCandidates(bookID, formats)
	case "html":
		ordered = r.htmlCandidates(bookID, formats)
	default:
		return nil
	}

	ordered = dedupe(ordered)
	ordered = r.filterByIndex(ordered)

	reversed := make([]string, len(ordered))
	for i, u := range ordered {
		reversed[len(ordered)-1-i] = u
	}
	return reversed
}

func (r *Resolver) shardedURL(bookID int, filename string) string {
	return r.rootBase + "/" + ShardedPath(bookID) + "/" + filename
}

func (r *Resolver) cacheURL(bookID int, filename string) string {
	return fmt.Sprintf("%s/%d/%s", r.cacheBase, bookID, filename)
}

// CoverURL is the canonical medium cover image location for a book.
func (r *Resolver) CoverURL(bookID int) string {
	return r.cacheURL(bookID, fmt.Sprintf("pg%d.cover.medium.jpg", bookID))
}

// RDFURL is the per-book RDF metadata document location.
func (r *Resolver) RDFURL(bookID int) string {
	return r.cacheURL(bookID, fmt.Sprintf("pg%d.rdf", bookID))
}

func (r *Resolver) epubCandidates(bookID int) []string {
	id := strconv.Itoa(bookID)
	return []string{
		r.shardedURL(bookID, id+".epub"),
		r.shardedURL(bookID, id+"-images.epub"),
		r.shardedURL(bookID, id+"-noimages.epub"),
	}
}

func (r *Resolver) pdfCandidates(bookID int, formats []*library.BookFormat) []string {
	id := strconv.Itoa(bookID)
	var ordered []string
	for _, f := range formats {
		if strings.Contains(f.Pattern, "images") {
			continue
		}
		ordered = append(ordered, r.shardedURL(bookID, expand(f.Pattern, id)))
	}
	ordered = append(ordered,
		r.cacheURL(bookID, id+"-pdf.pdf"),
		r.shardedURL(bookID, id+"-pdf.pdf"),
		r.cacheURL(bookID, id+".pdf"),
		r.cacheURL(bookID, "pg"+id+".pdf"),
	)
	return ordered
}

func (r *Resolver) htmlCandidates(bookID int, formats []*library.BookFormat) []string {
	id := strconv.Itoa(bookID)

	patterns := make([]string, 0, len(formats))
	for _, f := range formats {
		patterns = append(patterns, f.Pattern)
	}

	var ordered []string
	// books that only ship a zipped HTML archive expose their file list
	// through the format rows, try those paths first
	if !contains(patterns, "{id}-h.html") && contains(patterns, "{id}-h.zip") {
		for _, f := range formats {
			ordered = append(ordered, r.shardedURL(bookID, expand(f.Pattern, id)))
		}
	}

	ordered = append(ordered,
		r.shardedURL(bookID, id+"-h.zip"),
		r.shardedURL(bookID, id+"-h.htm"),
		r.shardedURL(bookID, id+"-h.html"),
		r.cacheURL(bookID, "pg"+id+".html.utf8"),
	)

	// the oldest digitizations live in /etext90../etext05 directories
	// under whatever filename the format rows advertise
	if name := htmlFilename(formats, id); name != "" {
		for _, year := range etextYears() {
			ordered = append(ordered, fmt.Sprintf("%s%s/%s", r.etextBase, year, name))
		}
	}
	return ordered
}

// htmlFilename returns the expanded filename of the first html-looking
// format row. Without one the last row's filename is used, so zip-only
// books still get their etext probes.
func htmlFilename(formats []*library.BookFormat, id string) string {
	for _, f := range formats {
		if strings.Contains(f.Pattern, "html") || strings.Contains(f.Pattern, "htm") {
			return expand(f.Pattern, id)
		}
	}
	if len(formats) > 0 {
		return expand(formats[len(formats)-1].Pattern, id)
	}
	return ""
}

// etextYears covers the 1990-2005 historical mirror directories.
func etextYears() []string {
	var years []string
	for i := 90; i <= 99; i++ {
		years = append(years, strconv.Itoa(i))
	}
	for i := 0; i <= 5; i++ {
		years = append(years, fmt.Sprintf("%02d", i))
	}
	return years
}

// filterByIndex keeps only candidates present in the known-URL index. With
// an empty result the unfiltered list is returned unless strict mode is on.
func (r *Resolver) filterByIndex(ordered []string) []string {
	if r.index == nil {
		return ordered
	}
	size, err := r.index.URLIndexSize()
	if err != nil || size == 0 {
		return ordered
	}

	var filtered []string
	for _, candidate := range ordered {
		parsed, err := url.Parse(candidate)
		if err != nil {
			continue
		}
		known, err := r.index.HasURL(strings.TrimPrefix(parsed.Path, "/"))
		if err != nil {
			slog.Warn("URL index lookup failed", "url", candidate, "error", err)
			continue
		}
		if known {
			filtered = append(filtered, candidate)
		}
	}
	if len(filtered) == 0 && !r.strict {
		return ordered
	}
	return filtered
}

func expand(pattern, id string) string {
	return strings.ReplaceAll(pattern, "{id}", id)
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func dedupe(list []string) []string {
	seen := make(map[string]bool, len(list))
	var out []string
	for _, s := range list {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
