package library

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	pkgerrors "github.com/lepinkainen/gutenzim/internal/errors"
)

// Repository is the shared store for books, authors, formats and the
// known-URL index. Writes are serialized with a mutex, reads may run
// concurrently from any worker.
type Repository struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string
}

// Filter narrows ListBooks results. Zero-value fields are ignored.
type Filter struct {
	// Languages keeps books carrying at least one of these codes
	Languages []string
	// Formats keeps books with at least one format row of these types
	Formats []string
	// IDs restricts to an explicit book id set
	IDs []int
}

// Open opens (creating if needed) the library database at dbPath.
func Open(dbPath string) (*Repository, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open library database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to library database: %w", err)
	}

	// lock contention between workers is expected, let sqlite wait a bit
	// before surfacing SQLITE_BUSY
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=10000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply pragma: %w", err)
		}
	}

	repo := &Repository{db: db, path: dbPath}
	for _, schema := range allSchemas {
		if _, err := db.Exec(schema); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to create table: %w", err)
		}
	}

	if err := repo.seedDefaultAuthors(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// seedDefaultAuthors inserts the catalog's reserved authors.
func (r *Repository) seedDefaultAuthors() error {
	for id, name := range map[string]string{
		VariousAuthorID:   "Various",
		AnonymousAuthorID: "Anonymous",
	} {
		_, err := r.db.Exec(
			`INSERT OR IGNORE INTO authors (gut_id, last_name) VALUES (?, ?)`,
			id, name,
		)
		if err != nil {
			return fmt.Errorf("failed to seed author %s: %w", id, err)
		}
	}
	return nil
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// wrap converts driver errors to the pipeline taxonomy so retry policies
// can tell contention apart from corruption.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if isBusy(err) {
		return &pkgerrors.StorageBusyError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// GetAuthor returns the author with the given id, or nil when absent.
func (r *Repository) GetAuthor(gutID string) (*Author, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getAuthorLocked(gutID)
}

func (r *Repository) getAuthorLocked(gutID string) (*Author, error) {
	var a Author
	err := r.db.QueryRow(
		`SELECT gut_id, last_name, first_names, birth_year, death_year
		 FROM authors WHERE gut_id = ?`, gutID,
	).Scan(&a.GutID, &a.LastName, &a.FirstNames, &a.BirthYear, &a.DeathYear)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get author", err)
	}
	return &a, nil
}

// UpsertAuthor creates the author or merges non-empty fields into the
// existing row. Two workers creating the same new author concurrently is
// expected: the loser of the insert race re-reads and merges instead of
// propagating the unique violation.
func (r *Repository) UpsertAuthor(a *Author) (*Author, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.getAuthorLocked(a.GutID)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		_, err := r.db.Exec(
			`INSERT INTO authors (gut_id, last_name, first_names, birth_year, death_year)
			 VALUES (?, ?, ?, ?, ?)`,
			a.GutID, a.LastName, a.FirstNames, a.BirthYear, a.DeathYear,
		)
		if err == nil {
			return a, nil
		}
		if !isUniqueViolation(err) {
			return nil, wrap("insert author", err)
		}
		// lost the creation race, fall through to merge
		existing, err = r.getAuthorLocked(a.GutID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("author %s vanished after unique violation", a.GutID)
		}
	}

	// never overwrite a populated field with an empty one
	if a.LastName != "" {
		existing.LastName = a.LastName
	}
	if a.FirstNames != "" {
		existing.FirstNames = a.FirstNames
	}
	if a.BirthYear != "" {
		existing.BirthYear = a.BirthYear
	}
	if a.DeathYear != "" {
		existing.DeathYear = a.DeathYear
	}

	_, err = r.db.Exec(
		`UPDATE authors SET last_name = ?, first_names = ?, birth_year = ?, death_year = ?
		 WHERE gut_id = ?`,
		existing.LastName, existing.FirstNames, existing.BirthYear, existing.DeathYear,
		existing.GutID,
	)
	if err != nil {
		return nil, wrap("update author", err)
	}
	return existing, nil
}

// UpsertBook inserts or updates the bibliographic fields of a book in one
// statement. Download provenance (etags, unsupported formats) and the
// popularity rating are owned by later pipeline stages and left untouched,
// which keeps re-runs idempotent.
func (r *Repository) UpsertBook(b *Book) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(
		`INSERT INTO books (book_id, title, subtitle, author_id, license, downloads,
		                    bookshelf, lcc_shelf, cover_page)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(book_id) DO UPDATE SET
		   title = excluded.title,
		   subtitle = excluded.subtitle,
		   author_id = excluded.author_id,
		   license = excluded.license,
		   downloads = excluded.downloads,
		   bookshelf = excluded.bookshelf,
		   lcc_shelf = excluded.lcc_shelf,
		   cover_page = excluded.cover_page`,
		b.ID, b.Title, b.Subtitle, b.AuthorID, b.License, b.Downloads,
		b.Bookshelf, b.LCCShelf, boolToInt(b.CoverPage),
	)
	return wrap("upsert book", err)
}

// GetBook returns the book with its language set loaded, or nil when absent.
func (r *Repository) GetBook(bookID int) (*Book, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		b           Book
		coverPage   int
		unsupported string
	)
	err := r.db.QueryRow(
		`SELECT book_id, title, subtitle, author_id, license, downloads, bookshelf,
		        lcc_shelf, cover_page, popularity, unsupported_formats,
		        html_etag, epub_etag, cover_etag
		 FROM books WHERE book_id = ?`, bookID,
	).Scan(&b.ID, &b.Title, &b.Subtitle, &b.AuthorID, &b.License, &b.Downloads,
		&b.Bookshelf, &b.LCCShelf, &coverPage, &b.Popularity, &unsupported,
		&b.HTMLEtag, &b.EpubEtag, &b.CoverEtag)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get book", err)
	}

	b.CoverPage = coverPage != 0
	b.UnsupportedFormats = splitJoined(unsupported)
	b.Languages, err = r.languagesLocked(bookID)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *Repository) languagesLocked(bookID int) ([]string, error) {
	rows, err := r.db.Query(
		`SELECT code FROM book_languages WHERE book_id = ? ORDER BY code`, bookID)
	if err != nil {
		return nil, wrap("get languages", err)
	}
	defer func() { _ = rows.Close() }()

	var langs []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, wrap("scan language", err)
		}
		langs = append(langs, code)
	}
	return langs, rows.Err()
}

// SetBookLanguages replaces the full language set for a book in one
// transaction, so concurrent readers never observe a book with zero
// languages.
func (r *Repository) SetBookLanguages(bookID int, languages []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return wrap("begin languages tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM book_languages WHERE book_id = ?`, bookID); err != nil {
		return wrap("clear languages", err)
	}
	for _, code := range languages {
		_, err := tx.Exec(
			`INSERT OR IGNORE INTO book_languages (book_id, code) VALUES (?, ?)`,
			bookID, code,
		)
		if err != nil {
			return wrap("insert language", err)
		}
	}
	return wrap("commit languages", tx.Commit())
}

// ListBooks returns books matching the filter, most downloaded first.
func (r *Repository) ListBooks(filter Filter) ([]*Book, error) {
	r.mu.RLock()

	query := `SELECT book_id FROM books b`
	var (
		clauses []string
		args    []any
	)
	if len(filter.IDs) > 0 {
		clauses = append(clauses,
			fmt.Sprintf("b.book_id IN (%s)", placeholders(len(filter.IDs))))
		for _, id := range filter.IDs {
			args = append(args, id)
		}
	}
	if len(filter.Languages) > 0 {
		clauses = append(clauses, fmt.Sprintf(
			`EXISTS (SELECT 1 FROM book_languages bl
			         WHERE bl.book_id = b.book_id AND bl.code IN (%s))`,
			placeholders(len(filter.Languages))))
		for _, code := range filter.Languages {
			args = append(args, code)
		}
	}
	if len(filter.Formats) > 0 {
		mimes := make([]string, 0, len(filter.Formats))
		for _, f := range filter.Formats {
			if mime, ok := FormatMatrix[f]; ok {
				mimes = append(mimes, mime)
			}
		}
		clauses = append(clauses, fmt.Sprintf(
			`EXISTS (SELECT 1 FROM book_formats bf
			         WHERE bf.book_id = b.book_id AND bf.mime IN (%s))`,
			placeholders(len(mimes))))
		for _, mime := range mimes {
			args = append(args, mime)
		}
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY b.downloads DESC, b.book_id"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		r.mu.RUnlock()
		return nil, wrap("list books", err)
	}
	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			r.mu.RUnlock()
			return nil, wrap("scan book id", err)
		}
		ids = append(ids, id)
	}
	err = rows.Err()
	_ = rows.Close()
	r.mu.RUnlock()
	if err != nil {
		return nil, wrap("list books", err)
	}

	books := make([]*Book, 0, len(ids))
	for _, id := range ids {
		book, err := r.GetBook(id)
		if err != nil {
			return nil, err
		}
		if book != nil {
			books = append(books, book)
		}
	}
	return books, nil
}

// DeleteBook removes a book together with its language and format rows.
// A book without any downloadable content must not survive a run.
func (r *Repository) DeleteBook(bookID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return wrap("begin delete tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM book_languages WHERE book_id = ?`,
		`DELETE FROM book_formats WHERE book_id = ?`,
		`DELETE FROM books WHERE book_id = ?`,
	} {
		if _, err := tx.Exec(stmt, bookID); err != nil {
			return wrap("delete book", err)
		}
	}
	return wrap("commit delete", tx.Commit())
}

// SetEtag stores the content fingerprint for a tracked format.
func (r *Repository) SetEtag(bookID int, format, etag string) error {
	var column string
	switch format {
	case "html":
		column = "html_etag"
	case "epub":
		column = "epub_etag"
	case "cover":
		column = "cover_etag"
	default:
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.Exec(
		fmt.Sprintf(`UPDATE books SET %s = ? WHERE book_id = ?`, column),
		etag, bookID,
	)
	return wrap("set etag", err)
}

// SetUnsupportedFormats replaces the unsupported-format set of a book.
func (r *Repository) SetUnsupportedFormats(bookID int, formats []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.Exec(
		`UPDATE books SET unsupported_formats = ? WHERE book_id = ?`,
		strings.Join(formats, ","), bookID,
	)
	return wrap("set unsupported formats", err)
}

// SetPopularity stores the computed star rating.
func (r *Repository) SetPopularity(bookID, stars int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.Exec(
		`UPDATE books SET popularity = ? WHERE book_id = ?`, stars, bookID)
	return wrap("set popularity", err)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func splitJoined(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
