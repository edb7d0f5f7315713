package library

// SQL schemas for the library database.

const authorsSchema = `
CREATE TABLE IF NOT EXISTS authors (
	gut_id TEXT PRIMARY KEY NOT NULL,
	last_name TEXT NOT NULL,
	first_names TEXT NOT NULL DEFAULT '',
	birth_year TEXT NOT NULL DEFAULT '',
	death_year TEXT NOT NULL DEFAULT ''
);
`

const booksSchema = `
CREATE TABLE IF NOT EXISTS books (
	book_id INTEGER PRIMARY KEY NOT NULL,
	title TEXT NOT NULL,
	subtitle TEXT NOT NULL DEFAULT '',
	author_id TEXT NOT NULL REFERENCES authors(gut_id),
	license TEXT NOT NULL,
	downloads INTEGER NOT NULL DEFAULT 0,
	bookshelf TEXT NOT NULL DEFAULT '',
	lcc_shelf TEXT NOT NULL DEFAULT '',
	cover_page INTEGER NOT NULL DEFAULT 0,
	popularity INTEGER NOT NULL DEFAULT 0,
	unsupported_formats TEXT NOT NULL DEFAULT '',
	html_etag TEXT NOT NULL DEFAULT '',
	epub_etag TEXT NOT NULL DEFAULT '',
	cover_etag TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_books_author ON books(author_id);
`

const bookLanguagesSchema = `
CREATE TABLE IF NOT EXISTS book_languages (
	book_id INTEGER NOT NULL REFERENCES books(book_id),
	code TEXT NOT NULL,
	PRIMARY KEY (book_id, code)
);
`

const bookFormatsSchema = `
CREATE TABLE IF NOT EXISTS book_formats (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	book_id INTEGER NOT NULL REFERENCES books(book_id),
	mime TEXT NOT NULL,
	images INTEGER NOT NULL DEFAULT 1,
	pattern TEXT NOT NULL,
	downloaded_from TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_book_formats_book ON book_formats(book_id);
`

// urlsSchema backs the known-URL index harvested from a mirror listing.
const urlsSchema = `
CREATE TABLE IF NOT EXISTS urls (
	path TEXT PRIMARY KEY NOT NULL
);
`

var allSchemas = []string{
	authorsSchema,
	booksSchema,
	bookLanguagesSchema,
	bookFormatsSchema,
	urlsSchema,
}
