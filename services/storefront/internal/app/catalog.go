package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"ebookstore/internal/util"
	"ebookstore/pkg/bookfile"
	"ebookstore/pkg/domain"
	"ebookstore/pkg/storage"
)

// BookPage is one page of catalog results.
type BookPage struct {
	Items    []domain.Book `json:"items"`
	Total    int           `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"pageSize"`
}

func (a *App) ListBooks(ctx context.Context, q domain.BookQuery) (BookPage, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = 20
	}
	if q.PageSize > 100 {
		q.PageSize = 100
	}
	switch q.Sort {
	case "", domain.SortNewest, domain.SortPriceAsc, domain.SortPriceDesc, domain.SortTitle:
	default:
		return BookPage{}, invalidf("unknown sort %q", q.Sort)
	}
	if q.MinPrice != nil && q.MaxPrice != nil && q.MinPrice.GreaterThan(*q.MaxPrice) {
		return BookPage{}, invalidf("minPrice must not exceed maxPrice")
	}
	books, total, err := a.store.ListBooks(ctx, q)
	if err != nil {
		return BookPage{}, fmt.Errorf("list books: %w", err)
	}
	books, err = a.decorateBooks(ctx, books)
	if err != nil {
		return BookPage{}, err
	}
	return BookPage{Items: books, Total: total, Page: q.Page, PageSize: q.PageSize}, nil
}

func (a *App) GetBook(ctx context.Context, id string) (domain.Book, error) {
	book, err := a.getBook(ctx, id)
	if err != nil {
		return domain.Book{}, err
	}
	return a.decorateBook(ctx, book)
}

func (a *App) ListAuthors(ctx context.Context) ([]domain.Author, error) {
	return a.store.ListAuthors(ctx)
}

func (a *App) ListCategories(ctx context.Context) ([]domain.Category, error) {
	return a.store.ListCategories(ctx)
}

// BookInput carries admin-editable book fields.
type BookInput struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	AuthorID    string          `json:"authorId"`
	CategoryID  string          `json:"categoryId"`
	Price       decimal.Decimal `json:"price"`
}

func (a *App) validateBookInput(ctx context.Context, in *BookInput) error {
	in.Title = strings.TrimSpace(in.Title)
	in.AuthorID = strings.TrimSpace(in.AuthorID)
	in.CategoryID = strings.TrimSpace(in.CategoryID)
	if in.Title == "" {
		return invalidf("title required")
	}
	if in.Price.IsNegative() {
		return invalidf("price must be >= 0")
	}
	if !in.Price.Equal(in.Price.Round(2)) {
		return invalidf("price supports at most two decimal places")
	}
	if in.AuthorID != "" {
		if _, ok, err := a.store.GetAuthor(ctx, in.AuthorID); err != nil {
			return fmt.Errorf("get author: %w", err)
		} else if !ok {
			return ErrAuthorNotFound
		}
	}
	if in.CategoryID != "" {
		if _, ok, err := a.store.GetCategory(ctx, in.CategoryID); err != nil {
			return fmt.Errorf("get category: %w", err)
		} else if !ok {
			return ErrCategoryNotFound
		}
	}
	return nil
}

func (a *App) CreateBook(ctx context.Context, in BookInput) (domain.Book, error) {
	if err := a.validateBookInput(ctx, &in); err != nil {
		return domain.Book{}, err
	}
	now := a.clock()
	book := domain.Book{
		ID:          util.NewID(),
		Title:       in.Title,
		Description: strings.TrimSpace(in.Description),
		AuthorID:    in.AuthorID,
		CategoryID:  in.CategoryID,
		Price:       in.Price,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.store.SaveBook(ctx, book); err != nil {
		return domain.Book{}, fmt.Errorf("save book: %w", err)
	}
	return a.GetBook(ctx, book.ID)
}

func (a *App) UpdateBook(ctx context.Context, id string, in BookInput) (domain.Book, error) {
	book, err := a.getBook(ctx, id)
	if err != nil {
		return domain.Book{}, err
	}
	if err := a.validateBookInput(ctx, &in); err != nil {
		return domain.Book{}, err
	}
	book.Title = in.Title
	book.Description = strings.TrimSpace(in.Description)
	book.AuthorID = in.AuthorID
	book.CategoryID = in.CategoryID
	book.Price = in.Price
	book.UpdatedAt = a.clock()
	if err := a.store.SaveBook(ctx, book); err != nil {
		return domain.Book{}, fmt.Errorf("save book: %w", err)
	}
	return a.GetBook(ctx, book.ID)
}

// DeleteBook removes a book nobody owns, together with its stored files.
func (a *App) DeleteBook(ctx context.Context, id string) error {
	book, err := a.getBook(ctx, id)
	if err != nil {
		return err
	}
	owned, err := a.store.BookHasEntitlements(ctx, id)
	if err != nil {
		return fmt.Errorf("check entitlements: %w", err)
	}
	if owned {
		return fmt.Errorf("%w: book has been purchased", ErrInUse)
	}
	if err := a.store.DeleteBook(ctx, id); err != nil {
		return fmt.Errorf("delete book: %w", err)
	}
	for _, key := range []string{book.FileKey, book.CoverKey} {
		if key == "" {
			continue
		}
		if err := a.objects.Delete(ctx, key); err != nil {
			util.LoggerFromContext(ctx).Warn("delete book object failed", "book_id", id, "key", key, "err", err)
		}
	}
	return nil
}

// UploadBookFile validates a PDF, stores it and records its page count.
func (a *App) UploadBookFile(ctx context.Context, id string, r io.Reader, limit int64) (domain.Book, error) {
	book, err := a.getBook(ctx, id)
	if err != nil {
		return domain.Book{}, err
	}
	data, err := bookfile.ReadAll(r, limit)
	if err != nil {
		return domain.Book{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	info, err := bookfile.InspectPDF(data)
	if err != nil {
		return domain.Book{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	key := storage.BookFileKey(book.ID)
	if err := a.objects.Put(ctx, key, bytes.NewReader(data), int64(len(data)), bookfile.ContentTypePDF); err != nil {
		return domain.Book{}, fmt.Errorf("store book file: %w", err)
	}
	book.FileKey = key
	book.PageCount = info.PageCount
	if book.Description == "" && info.Preview != "" {
		book.Description = info.Preview
	}
	book.UpdatedAt = a.clock()
	if err := a.store.SaveBook(ctx, book); err != nil {
		return domain.Book{}, fmt.Errorf("save book: %w", err)
	}
	util.LoggerFromContext(ctx).Info("book file uploaded", "book_id", book.ID, "pages", info.PageCount, "bytes", len(data))
	return a.GetBook(ctx, book.ID)
}

var coverTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
}

// UploadCover stores a cover image for the book.
func (a *App) UploadCover(ctx context.Context, id, filename string, r io.Reader, size int64) (domain.Book, error) {
	book, err := a.getBook(ctx, id)
	if err != nil {
		return domain.Book{}, err
	}
	ext := strings.ToLower(filepath.Ext(filename))
	contentType, ok := coverTypes[ext]
	if !ok {
		return domain.Book{}, invalidf("unsupported cover type %q", ext)
	}
	key := storage.CoverKey(book.ID, ext)
	if err := a.objects.Put(ctx, key, r, size, contentType); err != nil {
		return domain.Book{}, fmt.Errorf("store cover: %w", err)
	}
	if book.CoverKey != "" && book.CoverKey != key {
		_ = a.objects.Delete(ctx, book.CoverKey)
	}
	book.CoverKey = key
	book.UpdatedAt = a.clock()
	if err := a.store.SaveBook(ctx, book); err != nil {
		return domain.Book{}, fmt.Errorf("save book: %w", err)
	}
	return a.GetBook(ctx, book.ID)
}

// CoverURL returns a signed URL for the cover image.
func (a *App) CoverURL(ctx context.Context, id string) (string, error) {
	book, err := a.getBook(ctx, id)
	if err != nil {
		return "", err
	}
	if book.CoverKey == "" {
		return "", ErrFileUnavailable
	}
	return a.objects.PresignGet(ctx, book.CoverKey, a.presignExpiry, "")
}

// AuthorInput carries admin-editable author fields.
type AuthorInput struct {
	Name string `json:"name"`
	Bio  string `json:"bio"`
}

func (a *App) SaveAuthor(ctx context.Context, id string, in AuthorInput) (domain.Author, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return domain.Author{}, invalidf("name required")
	}
	now := a.clock()
	author := domain.Author{ID: id, Name: name, Bio: strings.TrimSpace(in.Bio), CreatedAt: now, UpdatedAt: now}
	if id == "" {
		author.ID = util.NewID()
	} else {
		prev, ok, err := a.store.GetAuthor(ctx, id)
		if err != nil {
			return domain.Author{}, fmt.Errorf("get author: %w", err)
		}
		if !ok {
			return domain.Author{}, ErrAuthorNotFound
		}
		author.CreatedAt = prev.CreatedAt
	}
	if err := a.store.SaveAuthor(ctx, author); err != nil {
		return domain.Author{}, fmt.Errorf("save author: %w", err)
	}
	return author, nil
}

// DeleteAuthor removes an author that no book references.
func (a *App) DeleteAuthor(ctx context.Context, id string) error {
	if _, ok, err := a.store.GetAuthor(ctx, id); err != nil {
		return fmt.Errorf("get author: %w", err)
	} else if !ok {
		return ErrAuthorNotFound
	}
	_, total, err := a.store.ListBooks(ctx, domain.BookQuery{AuthorID: id, PageSize: 1})
	if err != nil {
		return fmt.Errorf("list books: %w", err)
	}
	if total > 0 {
		return fmt.Errorf("%w: author has books", ErrInUse)
	}
	return a.store.DeleteAuthor(ctx, id)
}

// CategoryInput carries admin-editable category fields.
type CategoryInput struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

var slugUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases s and joins alphanumeric runs with dashes.
func Slugify(s string) string {
	return strings.Trim(slugUnsafe.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

func (a *App) SaveCategory(ctx context.Context, id string, in CategoryInput) (domain.Category, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return domain.Category{}, invalidf("name required")
	}
	slug := Slugify(in.Slug)
	if slug == "" {
		slug = Slugify(name)
	}
	now := a.clock()
	category := domain.Category{ID: id, Name: name, Slug: slug, CreatedAt: now, UpdatedAt: now}
	if id == "" {
		category.ID = util.NewID()
	} else {
		prev, ok, err := a.store.GetCategory(ctx, id)
		if err != nil {
			return domain.Category{}, fmt.Errorf("get category: %w", err)
		}
		if !ok {
			return domain.Category{}, ErrCategoryNotFound
		}
		category.CreatedAt = prev.CreatedAt
	}
	if err := a.store.SaveCategory(ctx, category); err != nil {
		return domain.Category{}, fmt.Errorf("save category: %w", err)
	}
	return category, nil
}

// DeleteCategory removes a category that no book references.
func (a *App) DeleteCategory(ctx context.Context, id string) error {
	if _, ok, err := a.store.GetCategory(ctx, id); err != nil {
		return fmt.Errorf("get category: %w", err)
	} else if !ok {
		return ErrCategoryNotFound
	}
	_, total, err := a.store.ListBooks(ctx, domain.BookQuery{CategoryID: id, PageSize: 1})
	if err != nil {
		return fmt.Errorf("list books: %w", err)
	}
	if total > 0 {
		return fmt.Errorf("%w: category has books", ErrInUse)
	}
	return a.store.DeleteCategory(ctx, id)
}
