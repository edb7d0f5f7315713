package library

import (
	"database/sql"
)

// Format row operations. The fetcher consults these to decide which URL
// shapes exist for a book and to remember the URL that worked last time.

// AddFormat inserts a format row for a book.
func (r *Repository) AddFormat(f *BookFormat) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(
		`INSERT INTO book_formats (book_id, mime, images, pattern, downloaded_from)
		 VALUES (?, ?, ?, ?, ?)`,
		f.BookID, f.Mime, boolToInt(f.Images), f.Pattern, f.DownloadedFrom,
	)
	if err != nil {
		return wrap("insert format", err)
	}
	f.ID, _ = res.LastInsertId()
	return nil
}

// FormatsFor returns every format row of a book, optionally narrowed to one
// mime type (pass "" for all).
func (r *Repository) FormatsFor(bookID int, mime string) ([]*BookFormat, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		rows *sql.Rows
		err  error
	)
	if mime == "" {
		rows, err = r.db.Query(
			`SELECT id, book_id, mime, images, pattern, downloaded_from
			 FROM book_formats WHERE book_id = ? ORDER BY id`, bookID)
	} else {
		rows, err = r.db.Query(
			`SELECT id, book_id, mime, images, pattern, downloaded_from
			 FROM book_formats WHERE book_id = ? AND mime = ? ORDER BY id`, bookID, mime)
	}
	if err != nil {
		return nil, wrap("query formats", err)
	}
	defer func() { _ = rows.Close() }()

	var formats []*BookFormat
	for rows.Next() {
		var (
			f      BookFormat
			images int
		)
		if err := rows.Scan(&f.ID, &f.BookID, &f.Mime, &images, &f.Pattern, &f.DownloadedFrom); err != nil {
			return nil, wrap("scan format", err)
		}
		f.Images = images != 0
		formats = append(formats, &f)
	}
	return formats, rows.Err()
}

// SetFormatSource remembers the URL a format was successfully fetched from
// so subsequent runs can skip URL probing.
func (r *Repository) SetFormatSource(formatID int64, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.Exec(
		`UPDATE book_formats SET downloaded_from = ? WHERE id = ?`, url, formatID)
	return wrap("set format source", err)
}

// DeleteFormats drops all format rows of a book for one mime type so a
// later run probes the mirror fresh.
func (r *Repository) DeleteFormats(bookID int, mime string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.Exec(
		`DELETE FROM book_formats WHERE book_id = ? AND mime = ?`, bookID, mime)
	return wrap("delete formats", err)
}

// ReplaceURLIndex swaps the known-URL index for a freshly harvested one.
func (r *Repository) ReplaceURLIndex(paths []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return wrap("begin url index tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM urls`); err != nil {
		return wrap("clear url index", err)
	}
	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO urls (path) VALUES (?)`)
	if err != nil {
		return wrap("prepare url insert", err)
	}
	defer func() { _ = stmt.Close() }()
	for _, p := range paths {
		if _, err := stmt.Exec(p); err != nil {
			return wrap("insert url", err)
		}
	}
	return wrap("commit url index", tx.Commit())
}

// HasURL reports whether a mirror-relative path is in the known-URL index.
func (r *Repository) HasURL(path string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var one int
	err := r.db.QueryRow(`SELECT 1 FROM urls WHERE path = ? LIMIT 1`, path).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, wrap("lookup url", err)
	}
	return true, nil
}

// URLIndexSize returns the number of known URLs (0 means no index loaded).
func (r *Repository) URLIndexSize() (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM urls`).Scan(&n); err != nil {
		return 0, wrap("count urls", err)
	}
	return n, nil
}
