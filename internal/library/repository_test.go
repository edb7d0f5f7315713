package library

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := Open(filepath.Join(t.TempDir(), "library.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestOpen_SeedsDefaultAuthors(t *testing.T) {
	repo := openTestRepo(t)

	various, err := repo.GetAuthor(VariousAuthorID)
	require.NoError(t, err)
	require.NotNil(t, various)
	assert.Equal(t, "Various", various.LastName)

	anon, err := repo.GetAuthor(AnonymousAuthorID)
	require.NoError(t, err)
	require.NotNil(t, anon)
	assert.Equal(t, "Anonymous", anon.LastName)
}

func TestGetAuthor_Missing(t *testing.T) {
	repo := openTestRepo(t)

	author, err := repo.GetAuthor("99999")
	require.NoError(t, err)
	assert.Nil(t, author)
}

func TestUpsertAuthor_InsertThenMerge(t *testing.T) {
	repo := openTestRepo(t)

	first, err := repo.UpsertAuthor(&Author{GutID: "30", LastName: "Wells"})
	require.NoError(t, err)
	assert.Equal(t, "Wells", first.LastName)

	// a second upsert fills in missing fields without erasing existing ones
	merged, err := repo.UpsertAuthor(&Author{GutID: "30", FirstNames: "H. G.", BirthYear: "1866"})
	require.NoError(t, err)
	assert.Equal(t, "Wells", merged.LastName)
	assert.Equal(t, "H. G.", merged.FirstNames)
	assert.Equal(t, "1866", merged.BirthYear)

	// empty fields never overwrite populated ones
	again, err := repo.UpsertAuthor(&Author{GutID: "30", LastName: "Wells"})
	require.NoError(t, err)
	assert.Equal(t, "H. G.", again.FirstNames)
}

func insertTestBook(t *testing.T, repo *Repository, id int, title string, downloads int) {
	t.Helper()
	require.NoError(t, repo.UpsertBook(&Book{
		ID:        id,
		Title:     title,
		AuthorID:  AnonymousAuthorID,
		License:   "Public domain in the USA.",
		Downloads: downloads,
	}))
}

func TestUpsertBook_PreservesProvenance(t *testing.T) {
	repo := openTestRepo(t)
	insertTestBook(t, repo, 1342, "Pride and Prejudice", 100)

	require.NoError(t, repo.SetEtag(1342, "html", `"abc123"`))
	require.NoError(t, repo.SetPopularity(1342, 5))
	require.NoError(t, repo.SetUnsupportedFormats(1342, []string{"pdf"}))

	// a metadata re-run must not clobber what later stages stored
	insertTestBook(t, repo, 1342, "Pride and Prejudice (2nd ed)", 150)

	book, err := repo.GetBook(1342)
	require.NoError(t, err)
	require.NotNil(t, book)
	assert.Equal(t, "Pride and Prejudice (2nd ed)", book.Title)
	assert.Equal(t, 150, book.Downloads)
	assert.Equal(t, `"abc123"`, book.HTMLEtag)
	assert.Equal(t, 5, book.Popularity)
	assert.Equal(t, []string{"pdf"}, book.UnsupportedFormats)
	assert.True(t, book.HasUnsupported("pdf"))
	assert.False(t, book.HasUnsupported("html"))
}

func TestGetBook_Missing(t *testing.T) {
	repo := openTestRepo(t)
	book, err := repo.GetBook(404)
	require.NoError(t, err)
	assert.Nil(t, book)
}

func TestSetBookLanguages_Replaces(t *testing.T) {
	repo := openTestRepo(t)
	insertTestBook(t, repo, 1, "Polyglot", 10)

	require.NoError(t, repo.SetBookLanguages(1, []string{"en", "fr"}))
	book, err := repo.GetBook(1)
	require.NoError(t, err)
	assert.Equal(t, []string{"en", "fr"}, book.Languages)

	require.NoError(t, repo.SetBookLanguages(1, []string{"de"}))
	book, err = repo.GetBook(1)
	require.NoError(t, err)
	assert.Equal(t, []string{"de"}, book.Languages)
}

func TestListBooks_OrderAndFilters(t *testing.T) {
	repo := openTestRepo(t)
	insertTestBook(t, repo, 1, "Low", 10)
	insertTestBook(t, repo, 2, "High", 1000)
	insertTestBook(t, repo, 3, "Mid", 500)
	require.NoError(t, repo.SetBookLanguages(1, []string{"en"}))
	require.NoError(t, repo.SetBookLanguages(2, []string{"fr"}))
	require.NoError(t, repo.SetBookLanguages(3, []string{"en"}))
	require.NoError(t, repo.AddFormat(&BookFormat{BookID: 2, Mime: "text/html", Pattern: "{id}-h.zip"}))

	all, err := repo.ListBooks(Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	// most downloaded first
	assert.Equal(t, []int{2, 3, 1}, []int{all[0].ID, all[1].ID, all[2].ID})

	english, err := repo.ListBooks(Filter{Languages: []string{"en"}})
	require.NoError(t, err)
	require.Len(t, english, 2)
	assert.Equal(t, 3, english[0].ID)

	withHTML, err := repo.ListBooks(Filter{Formats: []string{"html"}})
	require.NoError(t, err)
	require.Len(t, withHTML, 1)
	assert.Equal(t, 2, withHTML[0].ID)

	byID, err := repo.ListBooks(Filter{IDs: []int{1, 3}})
	require.NoError(t, err)
	require.Len(t, byID, 2)
}

func TestDeleteBook_Cascades(t *testing.T) {
	repo := openTestRepo(t)
	insertTestBook(t, repo, 7, "Doomed", 1)
	require.NoError(t, repo.SetBookLanguages(7, []string{"en"}))
	require.NoError(t, repo.AddFormat(&BookFormat{BookID: 7, Mime: "text/html", Pattern: "{id}-h.zip"}))

	require.NoError(t, repo.DeleteBook(7))

	book, err := repo.GetBook(7)
	require.NoError(t, err)
	assert.Nil(t, book)

	formats, err := repo.FormatsFor(7, "")
	require.NoError(t, err)
	assert.Empty(t, formats)
}

func TestFormats_RoundTrip(t *testing.T) {
	repo := openTestRepo(t)
	insertTestBook(t, repo, 5, "Formats", 1)

	f := &BookFormat{BookID: 5, Mime: "text/html", Images: true, Pattern: "{id}-h.zip"}
	require.NoError(t, repo.AddFormat(f))
	require.NotZero(t, f.ID)
	require.NoError(t, repo.AddFormat(&BookFormat{BookID: 5, Mime: "application/epub+zip", Pattern: "{id}.epub"}))

	html, err := repo.FormatsFor(5, "text/html")
	require.NoError(t, err)
	require.Len(t, html, 1)
	assert.True(t, html[0].Images)
	assert.Equal(t, "", html[0].DownloadedFrom)

	require.NoError(t, repo.SetFormatSource(f.ID, "http://mirror.test/5/5-h.zip"))
	html, err = repo.FormatsFor(5, "text/html")
	require.NoError(t, err)
	assert.Equal(t, "http://mirror.test/5/5-h.zip", html[0].DownloadedFrom)

	require.NoError(t, repo.DeleteFormats(5, "text/html"))
	remaining, err := repo.FormatsFor(5, "")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "application/epub+zip", remaining[0].Mime)
}

func TestSetEtag_UntrackedFormatIsNoop(t *testing.T) {
	repo := openTestRepo(t)
	insertTestBook(t, repo, 9, "Etags", 1)

	require.NoError(t, repo.SetEtag(9, "pdf", `"x"`))

	book, err := repo.GetBook(9)
	require.NoError(t, err)
	assert.Equal(t, "", book.Etag("pdf"))

	require.NoError(t, repo.SetEtag(9, "cover", `"c"`))
	book, err = repo.GetBook(9)
	require.NoError(t, err)
	assert.Equal(t, `"c"`, book.CoverEtag)
	assert.Equal(t, `"c"`, book.Etag("cover"))
}

func TestURLIndex(t *testing.T) {
	repo := openTestRepo(t)

	size, err := repo.URLIndexSize()
	require.NoError(t, err)
	assert.Zero(t, size)

	require.NoError(t, repo.ReplaceURLIndex([]string{
		"1/2/3/1234/1234.epub",
		"1/2/3/1234/1234-h.zip",
		"1/2/3/1234/1234.epub", // duplicate, ignored
	}))

	size, err = repo.URLIndexSize()
	require.NoError(t, err)
	assert.Equal(t, 2, size)

	known, err := repo.HasURL("1/2/3/1234/1234.epub")
	require.NoError(t, err)
	assert.True(t, known)

	unknown, err := repo.HasURL("no/such/path")
	require.NoError(t, err)
	assert.False(t, unknown)

	// a replace swaps the whole index
	require.NoError(t, repo.ReplaceURLIndex([]string{"only/one"}))
	size, err = repo.URLIndexSize()
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestAuthorName(t *testing.T) {
	testCases := []struct {
		name     string
		author   Author
		expected string
	}{
		{
			name:     "full name",
			author:   Author{GutID: "30", LastName: "Wells", FirstNames: "H. G."},
			expected: "H. G. Wells",
		},
		{
			name:     "last name only",
			author:   Author{GutID: "1", LastName: "Homer"},
			expected: "Homer",
		},
		{
			name:     "first names only",
			author:   Author{GutID: "2", FirstNames: "Voltaire"},
			expected: "Voltaire",
		},
		{
			name:     "empty falls back to Anonymous",
			author:   Author{GutID: "216"},
			expected: "Anonymous",
		},
		{
			name:     "slashes sanitized",
			author:   Author{GutID: "3", LastName: "A/B"},
			expected: "A-B",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.author.Name())
		})
	}
}
