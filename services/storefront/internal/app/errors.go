package app

import (
	"errors"
	"fmt"
)

var (
	ErrBookNotFound     = errors.New("book not found")
	ErrOrderNotFound    = errors.New("order not found")
	ErrAuthorNotFound   = errors.New("author not found")
	ErrCategoryNotFound = errors.New("category not found")

	// ErrPermissionDenied means the caller must buy the book first.
	ErrPermissionDenied = errors.New("must purchase before downloading")
	// ErrQuotaExceeded is matched by *QuotaError via errors.Is.
	ErrQuotaExceeded = errors.New("download limit reached")
	// ErrFileUnavailable means no file has been uploaded for the book.
	ErrFileUnavailable = errors.New("book file unavailable")

	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")

	// ErrInvalidCredentials is shown to end users and must not enable account enumeration.
	ErrInvalidCredentials       = errors.New("incorrect email address or password")
	ErrEmailAndPasswordRequired = errors.New("email and password required")
	ErrEmailAlreadyExists       = errors.New("email already exists")

	ErrInvalidInput    = errors.New("invalid input")
	ErrOrderNotPending = errors.New("order is not pending")
	ErrInUse           = errors.New("resource is still referenced")
	ErrInvalidWebhook  = errors.New("invalid webhook")
)

// QuotaError reports the current and maximum download counts of a paid book.
type QuotaError struct {
	DownloadCount int `json:"downloadCount"`
	MaxDownloads  int `json:"maxDownloads"`
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s (%d of %d downloads used)", ErrQuotaExceeded, e.DownloadCount, e.MaxDownloads)
}

func (e *QuotaError) Unwrap() error {
	return ErrQuotaExceeded
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
