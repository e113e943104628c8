package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"

	"ebookstore/pkg/cart"
	"ebookstore/pkg/domain"
	"ebookstore/pkg/entitlement"
	"ebookstore/pkg/queue"
	"ebookstore/pkg/storage"
	"ebookstore/pkg/store"
)

// CartStore keeps per-user cart lines.
type CartStore interface {
	Add(ctx context.Context, userID, bookID string, quantity int) (int, error)
	Set(ctx context.Context, userID, bookID string, quantity int) error
	Remove(ctx context.Context, userID, bookID string) error
	Items(ctx context.Context, userID string) ([]cart.Line, error)
	Clear(ctx context.Context, userID string) error
}

// OrderQueue schedules order materialization outside the request.
type OrderQueue interface {
	Enqueue(ctx context.Context, orderID string) (queue.Job, error)
}

// Config holds runtime dependencies for the core application.
type Config struct {
	Store    store.Store
	Sessions store.SessionStore
	Objects  storage.ObjectStore
	Cart     CartStore
	// Queue is optional; without it orders are materialized inline.
	Queue OrderQueue

	MaxDownloads  int
	PresignExpiry time.Duration
	Now           func() time.Time
}

// App is the storefront core: catalog, cart, orders, library and downloads.
type App struct {
	store         store.Store
	sessions      store.SessionStore
	objects       storage.ObjectStore
	cart          CartStore
	queue         OrderQueue
	policy        entitlement.Policy
	presignExpiry time.Duration
	now           func() time.Time
}

func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session store required")
	}
	if cfg.Objects == nil {
		return nil, errors.New("object store required")
	}
	if cfg.Cart == nil {
		return nil, errors.New("cart store required")
	}
	presignExpiry := cfg.PresignExpiry
	if presignExpiry <= 0 {
		presignExpiry = 15 * time.Minute
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &App{
		store:         cfg.Store,
		sessions:      cfg.Sessions,
		objects:       cfg.Objects,
		cart:          cfg.Cart,
		queue:         cfg.Queue,
		policy:        entitlement.NewPolicy(cfg.MaxDownloads),
		presignExpiry: presignExpiry,
		now:           now,
	}, nil
}

// MaxDownloads is the configured paid-book quota.
func (a *App) MaxDownloads() int {
	return a.policy.MaxDownloads()
}

func (a *App) clock() time.Time {
	return a.now().UTC()
}

func (a *App) getBook(ctx context.Context, id string) (domain.Book, error) {
	book, ok, err := a.store.GetBook(ctx, id)
	if err != nil {
		return domain.Book{}, fmt.Errorf("get book: %w", err)
	}
	if !ok {
		return domain.Book{}, ErrBookNotFound
	}
	return book, nil
}

// decorateBooks fills author and category names from one lookup of each table.
func (a *App) decorateBooks(ctx context.Context, books []domain.Book) ([]domain.Book, error) {
	if len(books) == 0 {
		return books, nil
	}
	authors, err := a.store.ListAuthors(ctx)
	if err != nil {
		return nil, fmt.Errorf("list authors: %w", err)
	}
	categories, err := a.store.ListCategories(ctx)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	authorNames := lo.Associate(authors, func(x domain.Author) (string, string) { return x.ID, x.Name })
	categoryNames := lo.Associate(categories, func(x domain.Category) (string, string) { return x.ID, x.Name })
	return lo.Map(books, func(b domain.Book, _ int) domain.Book {
		b.AuthorName = authorNames[b.AuthorID]
		b.CategoryName = categoryNames[b.CategoryID]
		return b
	}), nil
}

func (a *App) decorateBook(ctx context.Context, book domain.Book) (domain.Book, error) {
	if book.AuthorID != "" {
		author, ok, err := a.store.GetAuthor(ctx, book.AuthorID)
		if err != nil {
			return domain.Book{}, fmt.Errorf("get author: %w", err)
		}
		if ok {
			book.AuthorName = author.Name
		}
	}
	if book.CategoryID != "" {
		category, ok, err := a.store.GetCategory(ctx, book.CategoryID)
		if err != nil {
			return domain.Book{}, fmt.Errorf("get category: %w", err)
		}
		if ok {
			book.CategoryName = category.Name
		}
	}
	return book, nil
}
