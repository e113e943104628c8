package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"ebookstore/internal/util"
	"ebookstore/pkg/cart"
	"ebookstore/pkg/domain"
)

// AddToCart adds quantity of a known book to the user's cart.
func (a *App) AddToCart(ctx context.Context, user domain.User, bookID string, quantity int) (domain.Cart, error) {
	bookID = strings.TrimSpace(bookID)
	if _, err := a.getBook(ctx, bookID); err != nil {
		return domain.Cart{}, err
	}
	if _, err := a.cart.Add(ctx, user.ID, bookID, quantity); err != nil {
		if errors.Is(err, cart.ErrInvalidQuantity) {
			return domain.Cart{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return domain.Cart{}, err
	}
	return a.Cart(ctx, user)
}

func (a *App) RemoveFromCart(ctx context.Context, user domain.User, bookID string) (domain.Cart, error) {
	if err := a.cart.Remove(ctx, user.ID, strings.TrimSpace(bookID)); err != nil {
		return domain.Cart{}, err
	}
	return a.Cart(ctx, user)
}

func (a *App) ClearCart(ctx context.Context, user domain.User) error {
	return a.cart.Clear(ctx, user.ID)
}

// Cart resolves cart lines against current book prices. Lines for books
// that no longer exist are dropped from the cart.
func (a *App) Cart(ctx context.Context, user domain.User) (domain.Cart, error) {
	lines, err := a.cart.Items(ctx, user.ID)
	if err != nil {
		return domain.Cart{}, err
	}
	out := domain.Cart{Items: make([]domain.CartLine, 0, len(lines)), Subtotal: decimal.Zero}
	books := make([]domain.Book, 0, len(lines))
	quantities := make([]int, 0, len(lines))
	for _, line := range lines {
		book, ok, err := a.store.GetBook(ctx, line.BookID)
		if err != nil {
			return domain.Cart{}, fmt.Errorf("get book: %w", err)
		}
		if !ok {
			if err := a.cart.Remove(ctx, user.ID, line.BookID); err != nil {
				util.LoggerFromContext(ctx).Warn("drop stale cart line failed", "book_id", line.BookID, "err", err)
			}
			continue
		}
		books = append(books, book)
		quantities = append(quantities, line.Quantity)
	}
	books, err = a.decorateBooks(ctx, books)
	if err != nil {
		return domain.Cart{}, err
	}
	for i, book := range books {
		lineTotal := book.Price.Mul(decimal.NewFromInt(int64(quantities[i])))
		out.Items = append(out.Items, domain.CartLine{Book: book, Quantity: quantities[i], LineTotal: lineTotal})
		out.Subtotal = out.Subtotal.Add(lineTotal)
	}
	return out, nil
}
