package rdf

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/lepinkainen/gutenzim/internal/catalog"
	pkgerrors "github.com/lepinkainen/gutenzim/internal/errors"
)

// lccResource marks a dcterms:subject as a Library of Congress
// Classification entry.
const lccResource = "http://purl.org/dc/terms/LCC"

// FileRef is one known file listing for a book: its mime type and the
// filename pattern with the book id templated out.
type FileRef struct {
	Mime    string
	URL     string
	Pattern string
	Images  bool
}

// Metadata is the normalized record extracted from one RDF document.
type Metadata struct {
	BookID     int
	Title      string
	Subtitle   string
	AuthorID   string
	FirstNames string
	LastName   string
	BirthYear  string
	DeathYear  string
	// Languages preserves encounter order; duplicates are harmless since
	// downstream storage is a set.
	Languages  []string
	Downloads  int
	License    string
	Bookshelf  string
	LCCShelf   string
	CoverImage bool
	Files      []FileRef
}

// Usable reports whether the record is good enough to persist. Books
// without a title or with a literal "None" license are skipped upstream too.
func (m *Metadata) Usable() bool {
	return m.Title != "" && m.License != "None"
}

// badBookFormats lists formats the RDF advertises but the mirror does not
// actually carry, known from years of scraping.
var badBookFormats = map[int][]string{
	39765: {"application/pdf"},
	40194: {"application/pdf"},
}

// Parse extracts a Metadata record from raw RDF bytes for the given book
// id. Missing license or download count is a hard error; most other fields
// degrade to empty values.
func Parse(raw []byte, bookID int) (*Metadata, error) {
	var doc xmlDocument
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, pkgerrors.NewMetadataParseError(bookID, err.Error())
	}

	ebook := &doc.Ebook
	meta := &Metadata{BookID: bookID}

	// The title may carry a newline-separated subtitle; line 0 is the
	// title, the rest joins into the subtitle.
	if len(ebook.Titles) > 0 {
		lines := strings.Split(ebook.Titles[0], "\n")
		meta.Title = strings.TrimSpace(lines[0])
		meta.Subtitle = strings.TrimSpace(strings.Join(lines[1:], " "))
	}

	// Only the first bookshelf node is kept when several exist.
	if len(ebook.Bookshelves) > 0 {
		meta.Bookshelf = ebook.Bookshelves[0].Value
	}

	for _, subject := range ebook.Subjects {
		if subject.Description.MemberOf.Resource == lccResource {
			meta.LCCShelf = catalog.TransformLoCC(strings.TrimSpace(subject.Description.Value))
			break
		}
	}

	parseAuthor(ebook, meta)

	for _, lang := range ebook.Languages {
		if lang.Value != "" {
			meta.Languages = append(meta.Languages, lang.Value)
		}
	}

	if ebook.Downloads == nil {
		return nil, pkgerrors.NewMetadataIncomplete(bookID, "downloads")
	}
	downloads, err := strconv.Atoi(strings.TrimSpace(ebook.Downloads.Text))
	if err != nil {
		return nil, pkgerrors.NewMetadataParseError(bookID,
			fmt.Sprintf("download count %q is not a number", ebook.Downloads.Text))
	}
	meta.Downloads = downloads

	if ebook.Rights == nil {
		return nil, pkgerrors.NewMetadataIncomplete(bookID, "license")
	}
	meta.License = strings.TrimSpace(ebook.Rights.Text)

	meta.CoverImage = hasCoverFile(ebook.Files, bookID)
	meta.Files = collectFiles(ebook.Files, bookID)

	return meta, nil
}

// parseAuthor tries the creator-like elements in order of preference. The
// agent id is the trailing segment of its .../agents/{id} reference.
func parseAuthor(ebook *xmlEbook, meta *Metadata) {
	strategies := []func() *xmlAgent{
		func() *xmlAgent {
			if ebook.Creator != nil {
				return ebook.Creator.Agent
			}
			return nil
		},
		func() *xmlAgent {
			if ebook.Compiler != nil {
				return ebook.Compiler.Agent
			}
			return nil
		},
	}

	var agent *xmlAgent
	for _, strategy := range strategies {
		if agent = strategy(); agent != nil {
			break
		}
	}
	if agent == nil {
		return
	}

	if parts := strings.Split(agent.About, "/"); agent.About != "" {
		meta.AuthorID = parts[len(parts)-1]
	}

	meta.LastName, meta.FirstNames = SplitName(agent.Name)
	meta.BirthYear = FormatYear(agent.BirthDate)
	meta.DeathYear = FormatYear(agent.DeathDate)
}

// SplitName parses a raw "Last, First Middle" name. Segment 0 is the last
// name; with several commas the remaining segments join in reverse order,
// which handles names carrying embedded suffix commas.
func SplitName(raw string) (lastName, firstNames string) {
	if raw == "" {
		return "", ""
	}
	parts := strings.Split(raw, ",")
	lastName = strings.TrimSpace(parts[0])
	if len(parts) > 1 {
		rest := make([]string, 0, len(parts)-1)
		for i := len(parts) - 1; i >= 1; i-- {
			if trimmed := strings.TrimSpace(parts[i]); trimmed != "" {
				rest = append(rest, trimmed)
			}
		}
		firstNames = strings.Join(rest, " ")
	}
	return lastName, firstNames
}

// FormatYear reformats negative-looking year strings with a "BC" suffix.
// The value stays textual; it is a domain convention, not a number.
func FormatYear(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if digits, ok := strings.CutPrefix(raw, "-"); ok && isAllDigits(digits) {
		return digits + " BC"
	}
	return raw
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// hasCoverFile reports whether any file listing points at the canonical
// cover path for exactly this book id.
func hasCoverFile(files []xmlFile, bookID int) bool {
	suffix := fmt.Sprintf("/cache/epub/%d/pg%d.cover.medium.jpg", bookID, bookID)
	for _, f := range files {
		if strings.HasSuffix(f.About, suffix) {
			return true
		}
	}
	return false
}

// collectFiles turns the RDF file listings into format references with the
// book id templated out of the filename. The mirror's PDF coverage is
// inconsistent with the RDF, so a conventional PDF pattern is forced in
// when none is advertised.
func collectFiles(files []xmlFile, bookID int) []FileRef {
	id := strconv.Itoa(bookID)
	var refs []FileRef
	hasPDF := false

	for _, f := range files {
		if len(f.Formats) == 0 || f.About == "" {
			continue
		}
		mime := f.Formats[0].Value
		if !strings.HasPrefix(mime, "text/plain") {
			if idx := strings.Index(mime, ";"); idx >= 0 {
				mime = strings.TrimSpace(mime[:idx])
			}
		}

		segments := strings.Split(f.About, "/")
		pattern := strings.ReplaceAll(segments[len(segments)-1], id, "{id}")

		if excluded(bookID, mime) {
			continue
		}
		if strings.HasPrefix(mime, "application/pdf") {
			hasPDF = true
		}

		refs = append(refs, FileRef{
			Mime:    mime,
			URL:     f.About,
			Pattern: pattern,
			Images:  strings.HasSuffix(pattern, ".images") || mime == "application/pdf",
		})
	}

	if !hasPDF && !excluded(bookID, "application/pdf") {
		refs = append(refs, FileRef{
			Mime:    "application/pdf",
			URL:     "forced",
			Pattern: "{id}-pdf.pdf",
			Images:  true,
		})
	}
	return refs
}

func excluded(bookID int, mime string) bool {
	for _, bad := range badBookFormats[bookID] {
		if bad == mime {
			return true
		}
	}
	return false
}
