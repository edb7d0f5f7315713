// Package export renders the processed library for downstream packaging:
// JSON indexes of books and authors plus resized cover thumbnails. The
// container writer consuming these lives outside this repository.
package export

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/disintegration/imaging"

	"github.com/lepinkainen/gutenzim/internal/download"
	"github.com/lepinkainen/gutenzim/internal/fileutil"
	"github.com/lepinkainen/gutenzim/internal/library"
)

// thumbnailWidth matches the card layout of the packaged UI.
const thumbnailWidth = 160

// Exporter consumes finished books. Implementations must be safe for
// sequential use from the orchestrator's final pass.
type Exporter interface {
	ExportBooks(books []*library.Book) error
}

// BookRecord is one entry of books.json.
type BookRecord struct {
	ID                 int      `json:"id"`
	Title              string   `json:"title"`
	Subtitle           string   `json:"subtitle,omitempty"`
	AuthorID           string   `json:"author_id"`
	AuthorName         string   `json:"author_name"`
	License            string   `json:"license"`
	Languages          []string `json:"languages"`
	Downloads          int      `json:"downloads"`
	Popularity         int      `json:"popularity"`
	Bookshelf          string   `json:"bookshelf,omitempty"`
	LCCShelf           string   `json:"lcc_shelf,omitempty"`
	CoverPage          bool     `json:"cover_page"`
	UnsupportedFormats []string `json:"unsupported_formats,omitempty"`
}

// JSONExporter writes books.json and authors.json and generates cover
// thumbnails next to the downloaded full-size covers.
type JSONExporter struct {
	repo       *library.Repository
	contentDir string
	outDir     string
	overwrite  bool
}

// NewJSONExporter creates a JSONExporter. contentDir is where the fetcher
// put book files, outDir receives the JSON indexes.
func NewJSONExporter(repo *library.Repository, contentDir, outDir string, overwrite bool) *JSONExporter {
	return &JSONExporter{
		repo:       repo,
		contentDir: contentDir,
		outDir:     outDir,
		overwrite:  overwrite,
	}
}

// ExportBooks writes the JSON indexes for the given books and resizes their
// cover images. Thumbnail failures are logged, not fatal: a missing small
// cover degrades the listing, it does not break it.
func (e *JSONExporter) ExportBooks(books []*library.Book) error {
	records := make([]BookRecord, 0, len(books))
	authorSeen := make(map[string]bool)
	var authors []*library.Author

	for _, book := range books {
		author, err := e.repo.GetAuthor(book.AuthorID)
		if err != nil {
			return fmt.Errorf("failed to load author %s: %w", book.AuthorID, err)
		}
		authorName := "Anonymous"
		if author != nil {
			authorName = author.Name()
			if !authorSeen[author.GutID] {
				authorSeen[author.GutID] = true
				authors = append(authors, author)
			}
		}

		records = append(records, BookRecord{
			ID:                 book.ID,
			Title:              book.Title,
			Subtitle:           book.Subtitle,
			AuthorID:           book.AuthorID,
			AuthorName:         authorName,
			License:            book.License,
			Languages:          book.Languages,
			Downloads:          book.Downloads,
			Popularity:         book.Popularity,
			Bookshelf:          book.Bookshelf,
			LCCShelf:           book.LCCShelf,
			CoverPage:          book.CoverPage,
			UnsupportedFormats: book.UnsupportedFormats,
		})

		if book.CoverPage {
			if err := e.thumbnail(book.ID); err != nil {
				slog.Warn("Thumbnail generation failed", "book", book.ID, "error", err)
			}
		}
	}

	if _, err := fileutil.WriteJSONFile(records, filepath.Join(e.outDir, "books.json"), e.overwrite); err != nil {
		return fmt.Errorf("failed to write books index: %w", err)
	}
	if _, err := fileutil.WriteJSONFile(authors, filepath.Join(e.outDir, "authors.json"), e.overwrite); err != nil {
		return fmt.Errorf("failed to write authors index: %w", err)
	}

	slog.Info("Exported library indexes", "books", len(records), "authors", len(authors))
	return nil
}

// thumbnail writes a resized copy of a book's cover next to the original.
func (e *JSONExporter) thumbnail(bookID int) error {
	src := filepath.Join(e.contentDir, download.CoverFilename(bookID))
	if !fileutil.FileExists(src) {
		return nil
	}
	dst := ThumbnailPath(e.contentDir, bookID)
	if fileutil.FileExists(dst) && !e.overwrite {
		return nil
	}

	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("failed to open cover: %w", err)
	}
	img = imaging.Resize(img, thumbnailWidth, 0, imaging.Lanczos)
	if err := imaging.Save(img, dst, imaging.JPEGQuality(85)); err != nil {
		return fmt.Errorf("failed to save thumbnail: %w", err)
	}
	return nil
}

// ThumbnailPath is the on-disk location of a book's small cover image.
func ThumbnailPath(contentDir string, bookID int) string {
	return filepath.Join(contentDir, fmt.Sprintf("%d_cover_image_small.jpg", bookID))
}
