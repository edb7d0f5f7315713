// Package library holds the book/author data model and the sqlite-backed
// repository shared by all pipeline workers.
package library

import "strings"

// Well-known author ids reserved by the upstream catalog.
const (
	VariousAuthorID   = "116"
	AnonymousAuthorID = "216"
)

// Author is a book creator identified by its stable Gutenberg agent id.
type Author struct {
	GutID      string `json:"gut_id"`
	LastName   string `json:"last_name"`
	FirstNames string `json:"first_names,omitempty"`
	// Signed-year strings; BCE values carry a " BC" suffix instead of a
	// minus sign, so these are never parsed as integers.
	BirthYear string `json:"birth_year,omitempty"`
	DeathYear string `json:"death_year,omitempty"`
}

// Name returns the display name, filesystem-safe and capped at 230 runes.
func (a *Author) Name() string {
	sanitize := func(text string) string {
		text = strings.ReplaceAll(strings.TrimSpace(text), "/", "-")
		if len(text) > 230 {
			text = text[:230]
		}
		return text
	}

	if a.FirstNames == "" && a.LastName == "" {
		return sanitize("Anonymous")
	}
	if a.FirstNames == "" {
		return sanitize(a.LastName)
	}
	if a.LastName == "" {
		return sanitize(a.FirstNames)
	}
	return sanitize(a.FirstNames + " " + a.LastName)
}

// FName returns a filename-safe author name with the id appended.
func (a *Author) FName() string {
	return a.Name() + "." + a.GutID
}

// Book is one catalog entry keyed by its integer Gutenberg id.
type Book struct {
	ID        int    `json:"id"`
	Title     string `json:"title"`
	Subtitle  string `json:"subtitle,omitempty"`
	AuthorID  string `json:"author_id"`
	License   string `json:"license"`
	Downloads int    `json:"downloads"`
	Bookshelf string `json:"bookshelf,omitempty"`
	LCCShelf  string `json:"lcc_shelf,omitempty"`
	CoverPage bool   `json:"cover_page"`
	// Popularity is the 0-5 star rating computed over the whole processed
	// set once every download has settled.
	Popularity int `json:"popularity"`
	// Languages is a set: a book may carry several language tags.
	Languages []string `json:"languages"`
	// UnsupportedFormats lists formats known not to exist for this book.
	UnsupportedFormats []string `json:"unsupported_formats,omitempty"`
	// Opaque cache-validation tokens from the mirror, compared verbatim.
	HTMLEtag  string `json:"html_etag,omitempty"`
	EpubEtag  string `json:"epub_etag,omitempty"`
	CoverEtag string `json:"cover_etag,omitempty"`
}

// HasUnsupported reports whether the given format is recorded as missing.
func (b *Book) HasUnsupported(format string) bool {
	for _, f := range b.UnsupportedFormats {
		if f == format {
			return true
		}
	}
	return false
}

// Etag returns the stored fingerprint for a format ("" when untracked).
func (b *Book) Etag(format string) string {
	switch format {
	case "html":
		return b.HTMLEtag
	case "epub":
		return b.EpubEtag
	case "cover":
		return b.CoverEtag
	}
	return ""
}

// BookFormat records one known (book, file-pattern) pair and the URL the
// file was last successfully fetched from.
type BookFormat struct {
	ID             int64
	BookID         int
	Mime           string
	Images         bool
	Pattern        string
	DownloadedFrom string
}

// FormatMatrix maps logical format names to the mime types the catalog uses.
var FormatMatrix = map[string]string{
	"html": "text/html",
	"epub": "application/epub+zip",
	"pdf":  "application/pdf",
}

// License fixtures known from the upstream catalog.
var LicenseNames = map[string]string{
	"PD":        "Public domain in the USA.",
	"None":      "None",
	"Copyright": "Copyrighted. Read the copyright notice inside this book for details.",
}
