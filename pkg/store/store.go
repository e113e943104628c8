package store

import (
	"context"
	"errors"
	"math"
	"time"

	"ebookstore/pkg/domain"
)

// ErrEmailTaken is returned when a user would share an email with another user.
var ErrEmailTaken = errors.New("store: email already registered")

// Store defines persistence operations for the storefront.
type Store interface {
	// users
	// CreateUser inserts a new user. The very first user is stored as admin,
	// decided atomically with the insert.
	CreateUser(ctx context.Context, u domain.User) (domain.User, error)
	SaveUser(ctx context.Context, u domain.User) error
	HasUserEmail(ctx context.Context, email string) (bool, error)
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)

	// authors and categories
	SaveAuthor(ctx context.Context, a domain.Author) error
	GetAuthor(ctx context.Context, id string) (domain.Author, bool, error)
	ListAuthors(ctx context.Context) ([]domain.Author, error)
	DeleteAuthor(ctx context.Context, id string) error
	SaveCategory(ctx context.Context, c domain.Category) error
	GetCategory(ctx context.Context, id string) (domain.Category, bool, error)
	ListCategories(ctx context.Context) ([]domain.Category, error)
	DeleteCategory(ctx context.Context, id string) error

	// books
	SaveBook(ctx context.Context, b domain.Book) error
	GetBook(ctx context.Context, id string) (domain.Book, bool, error)
	ListBooks(ctx context.Context, q domain.BookQuery) ([]domain.Book, int, error)
	DeleteBook(ctx context.Context, id string) error

	// orders
	CreateOrder(ctx context.Context, o domain.Order) error
	GetOrder(ctx context.Context, id string) (domain.Order, bool, error)
	ListOrdersByUser(ctx context.Context, userID string) ([]domain.Order, error)
	ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error)
	// TransitionOrder moves an order from one status to another and reports
	// whether the order was in the expected status.
	TransitionOrder(ctx context.Context, id string, from, to domain.OrderStatus, at time.Time) (bool, error)

	// entitlements, keyed by (user_id, book_id)
	// EnsureEntitlement inserts the row when missing and leaves an existing row untouched.
	EnsureEntitlement(ctx context.Context, userID, bookID string, purchasedAt time.Time) (bool, error)
	GetEntitlement(ctx context.Context, userID, bookID string) (domain.Entitlement, bool, error)
	ListEntitlementsByUser(ctx context.Context, userID string) ([]domain.Entitlement, error)
	BookHasEntitlements(ctx context.Context, bookID string) (bool, error)
	// IncrementDownload atomically bumps download_count when it is below maxDownloads
	// (maxDownloads < 0 means no limit). It reports false when nothing was incremented.
	IncrementDownload(ctx context.Context, userID, bookID string, maxDownloads int, at time.Time) (domain.Entitlement, bool, error)

	// webhooks
	// RecordWebhookEvent stores the event and reports false when its id was
	// seen before, in which case the first stored event is returned.
	RecordWebhookEvent(ctx context.Context, ev domain.WebhookEvent) (domain.WebhookEvent, bool, error)
}

// SessionStore issues and validates session tokens.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
	DeleteSession(token string) error
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func normalizePage(q domain.BookQuery) (offset, limit int) {
	limit = q.PageSize
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	page := q.Page
	if page <= 0 {
		page = 1
	}
	// keeps offset+limit within int; such pages are past the end anyway
	if maxPage := math.MaxInt / limit; page > maxPage {
		page = maxPage
	}
	return (page - 1) * limit, limit
}
