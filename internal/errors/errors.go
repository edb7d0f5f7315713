// Package errors defines the error taxonomy shared by the pipeline stages.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// MetadataError represents a problem extracting bibliographic data from a
// book's RDF document. It is never retried: the book is logged and skipped.
type MetadataError struct {
	BookID int
	Field  string
	Reason string
}

func (e *MetadataError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("book %d: metadata incomplete: missing %s", e.BookID, e.Field)
	}
	return fmt.Sprintf("book %d: metadata parse failed: %s", e.BookID, e.Reason)
}

// NewMetadataIncomplete reports a required RDF field that was absent.
func NewMetadataIncomplete(bookID int, field string) *MetadataError {
	return &MetadataError{BookID: bookID, Field: field}
}

// NewMetadataParseError reports RDF that could not be parsed at all.
func NewMetadataParseError(bookID int, reason string) *MetadataError {
	return &MetadataError{BookID: bookID, Reason: reason}
}

// IsMetadataError reports whether err is a MetadataError (even when wrapped).
func IsMetadataError(err error) bool {
	var metaErr *MetadataError
	return errors.As(err, &metaErr)
}

// HTTPError carries the status code of a failed request so retry policies
// can distinguish transient server trouble from permanent client errors.
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s returned HTTP %d", e.URL, e.StatusCode)
}

// NewHTTPError creates an HTTPError for the given URL and status code.
func NewHTTPError(url string, statusCode int) *HTTPError {
	return &HTTPError{StatusCode: statusCode, URL: url}
}

// IsRetryableHTTP reports whether err is an HTTP error worth retrying.
// Codes 400-499 are permanent, except 429 which signals rate limiting.
func IsRetryableHTTP(err error) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		// connection failures, timeouts etc. arrive as transport errors
		return true
	}
	if httpErr.StatusCode == http.StatusTooManyRequests {
		return true
	}
	if httpErr.StatusCode >= http.StatusBadRequest && httpErr.StatusCode < http.StatusInternalServerError {
		return false
	}
	return true
}

// IsPermanentHTTP reports whether err is a client error that no amount of
// retrying will fix (4xx other than 429).
func IsPermanentHTTP(err error) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	return httpErr.StatusCode >= http.StatusBadRequest &&
		httpErr.StatusCode < http.StatusInternalServerError &&
		httpErr.StatusCode != http.StatusTooManyRequests
}

// ErrUnsafeArchive is returned when a zip member would escape the extraction
// directory. The whole archive is rejected, nothing is written.
var ErrUnsafeArchive = errors.New("archive contains unsafe member paths")

// ErrBadArchive is returned when a payload expected to be a zip is not one.
var ErrBadArchive = errors.New("payload is not a valid zip archive")

// StorageBusyError marks a store busy/locked condition. Expected under
// worker concurrency, retried with a constant short backoff.
type StorageBusyError struct {
	Op  string
	Err error
}

func (e *StorageBusyError) Error() string {
	return fmt.Sprintf("storage busy during %s: %v", e.Op, e.Err)
}

func (e *StorageBusyError) Unwrap() error {
	return e.Err
}

// IsStorageBusy reports whether err is a StorageBusyError (even when wrapped).
func IsStorageBusy(err error) bool {
	var busyErr *StorageBusyError
	return errors.As(err, &busyErr)
}
