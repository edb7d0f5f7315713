package download

import (
	"fmt"

	"github.com/lepinkainen/gutenzim/internal/fileutil"
	"github.com/lepinkainen/gutenzim/internal/library"
)

// ArchiveName is the on-disk name for a book's epub/pdf file.
func ArchiveName(book *library.Book, format string) string {
	return fmt.Sprintf("%s.%d.%s", fileutil.SanitizeFilename(book.Title), book.ID, format)
}

// HTMLName is the canonical HTML filename of a book. Companion files from
// zipped archives sit next to it with an "{id}_" prefix.
func HTMLName(bookID int) string {
	return fmt.Sprintf("%d.html", bookID)
}

// CoverFilename is the on-disk name for a book's cover image.
func CoverFilename(bookID int) string {
	return fmt.Sprintf("%d_cover_image.jpg", bookID)
}
