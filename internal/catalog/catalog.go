// Package catalog loads the compressed Project Gutenberg catalog: one row
// per book carrying its id, language tags and raw Library of Congress
// classification.
package catalog

import (
	"compress/gzip"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/lepinkainen/gutenzim/internal/csvutil"
)

// Column positions in pg_catalog.csv:
// Text#, Type, Issued, Title, Language, Authors, Subjects, LoCC, Bookshelves
const (
	colBookID   = 0
	colLanguage = 4
	colLoCC     = 7
	minColumns  = 8
)

// Entry is one read-only catalog row.
type Entry struct {
	BookID    int
	Languages []string
	LCCShelf  string
}

// Load reads the gzipped catalog CSV. Rows with a non-numeric id are
// logged and skipped, they are not fatal.
func Load(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	defer func() { _ = f.Close() }()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("catalog is not a gzip file: %w", err)
	}
	defer func() { _ = gz.Close() }()

	entries, err := csvutil.ProcessCSVReader(gz, parseRow, csvutil.ProcessorOptions{
		SkipInvalid: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	slog.Info("Loaded catalog", "books", len(entries))
	return entries, nil
}

func parseRow(record []string) (Entry, error) {
	if len(record) < minColumns {
		return Entry{}, fmt.Errorf("row has %d columns, want at least %d", len(record), minColumns)
	}

	bookID, err := strconv.Atoi(strings.TrimSpace(record[colBookID]))
	if err != nil {
		return Entry{}, fmt.Errorf("invalid book id %q", record[colBookID])
	}

	var languages []string
	for _, lang := range strings.Split(record[colLanguage], ";") {
		if trimmed := strings.TrimSpace(lang); trimmed != "" {
			languages = append(languages, trimmed)
		}
	}

	return Entry{
		BookID:    bookID,
		Languages: languages,
		LCCShelf:  TransformLoCC(record[colLoCC]),
	}, nil
}

// TransformLoCC derives the browsing shelf code from a raw Library of
// Congress classification string: uppercase first letter, except class P
// which keeps its second letter when one exists (language/literature is
// subdivided at two letters upstream).
func TransformLoCC(locc string) string {
	locc = strings.ToUpper(strings.TrimSpace(locc))
	if locc == "" {
		return ""
	}
	if locc[0] == 'P' && len(locc) > 1 && isAlpha(locc[1]) {
		return locc[:2]
	}
	return locc[:1]
}

func isAlpha(b byte) bool {
	return b >= 'A' && b <= 'Z'
}

// FilterIDs returns the ids of entries matching the requested languages
// and explicit id set (empty slices mean no restriction).
func FilterIDs(entries []Entry, languages []string, onlyIDs []int) []int {
	only := make(map[int]bool, len(onlyIDs))
	for _, id := range onlyIDs {
		only[id] = true
	}
	wanted := make(map[string]bool, len(languages))
	for _, lang := range languages {
		wanted[lang] = true
	}

	var ids []int
	for _, entry := range entries {
		if len(only) > 0 && !only[entry.BookID] {
			continue
		}
		if len(wanted) > 0 {
			match := false
			for _, lang := range entry.Languages {
				if wanted[lang] {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		ids = append(ids, entry.BookID)
	}
	return ids
}
