package app

import (
	"context"
	"fmt"

	"ebookstore/pkg/domain"
)

// Library lists the user's entitlements with the current download decision
// for each. Entitlements for deleted books are skipped.
func (a *App) Library(ctx context.Context, user domain.User) ([]domain.LibraryItem, error) {
	ents, err := a.store.ListEntitlementsByUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("list entitlements: %w", err)
	}
	books := make([]domain.Book, 0, len(ents))
	kept := make([]domain.Entitlement, 0, len(ents))
	for _, ent := range ents {
		book, ok, err := a.store.GetBook(ctx, ent.BookID)
		if err != nil {
			return nil, fmt.Errorf("get book: %w", err)
		}
		if !ok {
			continue
		}
		books = append(books, book)
		kept = append(kept, ent)
	}
	books, err = a.decorateBooks(ctx, books)
	if err != nil {
		return nil, err
	}
	items := make([]domain.LibraryItem, 0, len(books))
	for i, book := range books {
		ent := kept[i]
		items = append(items, domain.LibraryItem{
			Book:        book,
			Entitlement: ent,
			Decision:    a.policy.Evaluate(book.Price, &ent),
		})
	}
	return items, nil
}

// ClaimFreeBook adds a free book to the user's library. The download policy
// does not depend on the claim; it only makes the book show up in Library.
func (a *App) ClaimFreeBook(ctx context.Context, user domain.User, bookID string) (domain.LibraryItem, error) {
	book, err := a.getBook(ctx, bookID)
	if err != nil {
		return domain.LibraryItem{}, err
	}
	if !book.IsFree() {
		return domain.LibraryItem{}, ErrPermissionDenied
	}
	if _, err := a.store.EnsureEntitlement(ctx, user.ID, book.ID, a.clock()); err != nil {
		return domain.LibraryItem{}, fmt.Errorf("claim book: %w", err)
	}
	ent, _, err := a.store.GetEntitlement(ctx, user.ID, book.ID)
	if err != nil {
		return domain.LibraryItem{}, fmt.Errorf("get entitlement: %w", err)
	}
	book, err = a.decorateBook(ctx, book)
	if err != nil {
		return domain.LibraryItem{}, err
	}
	return domain.LibraryItem{Book: book, Entitlement: ent, Decision: a.policy.Evaluate(book.Price, &ent)}, nil
}
