package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ebookstore/internal/util"
	"ebookstore/pkg/domain"
	"ebookstore/pkg/storage"
)

// DownloadStatus evaluates the entitlement policy for (user, book) without side effects.
func (a *App) DownloadStatus(ctx context.Context, userID, bookID string) (domain.DownloadDecision, error) {
	book, err := a.getBook(ctx, bookID)
	if err != nil {
		return domain.DownloadDecision{}, err
	}
	return a.evaluate(ctx, userID, book)
}

func (a *App) evaluate(ctx context.Context, userID string, book domain.Book) (domain.DownloadDecision, error) {
	if book.IsFree() {
		return a.policy.Evaluate(book.Price, nil), nil
	}
	ent, ok, err := a.store.GetEntitlement(ctx, userID, book.ID)
	if err != nil {
		return domain.DownloadDecision{}, fmt.Errorf("get entitlement: %w", err)
	}
	if !ok {
		return a.policy.Evaluate(book.Price, nil), nil
	}
	return a.policy.Evaluate(book.Price, &ent), nil
}

// Download issues a signed URL for the book file. Paid downloads consume one
// unit of quota through a conditional increment; free downloads write nothing.
// The URL is signed before the increment so a storage failure never costs quota.
func (a *App) Download(ctx context.Context, userID, bookID string) (domain.DownloadLink, error) {
	book, err := a.getBook(ctx, bookID)
	if err != nil {
		return domain.DownloadLink{}, err
	}
	decision, err := a.evaluate(ctx, userID, book)
	if err != nil {
		return domain.DownloadLink{}, err
	}
	if !decision.CanDownload {
		if !decision.IsPurchased {
			return domain.DownloadLink{}, ErrPermissionDenied
		}
		return domain.DownloadLink{}, &QuotaError{DownloadCount: decision.DownloadCount, MaxDownloads: decision.MaxDownloads}
	}
	if strings.TrimSpace(book.FileKey) == "" {
		return domain.DownloadLink{}, ErrFileUnavailable
	}

	book, err = a.decorateBook(ctx, book)
	if err != nil {
		return domain.DownloadLink{}, err
	}
	filename := DownloadFilename(book.Title, book.AuthorName)
	url, err := a.objects.PresignGet(ctx, book.FileKey, a.presignExpiry, filename)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return domain.DownloadLink{}, ErrFileUnavailable
		}
		return domain.DownloadLink{}, fmt.Errorf("presign download: %w", err)
	}

	if !decision.IsFree {
		ent, ok, err := a.store.IncrementDownload(ctx, userID, book.ID, decision.MaxDownloads, a.clock())
		if err != nil {
			return domain.DownloadLink{}, fmt.Errorf("record download: %w", err)
		}
		if !ok {
			// lost a race against another download or the entitlement vanished
			if ent.UserID == "" {
				return domain.DownloadLink{}, ErrPermissionDenied
			}
			return domain.DownloadLink{}, &QuotaError{DownloadCount: ent.DownloadCount, MaxDownloads: decision.MaxDownloads}
		}
		util.LoggerFromContext(ctx).Info("paid download",
			"user_id", userID, "book_id", book.ID,
			"download_count", ent.DownloadCount, "max_downloads", decision.MaxDownloads)
	}
	return domain.DownloadLink{DownloadURL: url, Filename: filename}, nil
}

// DownloadFilename builds "{title} - {author}.pdf", dropping the author part
// when unknown and replacing characters that are unsafe in file names.
func DownloadFilename(title, author string) string {
	title = cleanFilenamePart(title)
	author = cleanFilenamePart(author)
	if title == "" {
		title = "book"
	}
	if author == "" {
		return title + ".pdf"
	}
	return title + " - " + author + ".pdf"
}

func cleanFilenamePart(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		case '\t', '\n', '\r':
			return ' '
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
