package app

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestLibraryShowsDecisions(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.addBook(t, "b1", "One", "5", true)
	env.addBook(t, "b2", "Two", "5", true)
	env.grant(t, buyer.ID, "b1", 3)
	env.grant(t, buyer.ID, "b2", 1)
	env.grant(t, buyer.ID, "gone", 0)

	items, err := env.app.Library(ctx, buyer)
	if err != nil {
		t.Fatalf("library: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	byBook := map[string]bool{}
	for _, item := range items {
		byBook[item.Book.ID] = item.Decision.CanDownload
		if !item.Decision.IsPurchased || item.Decision.MaxDownloads != 3 {
			t.Fatalf("unexpected decision: %+v", item.Decision)
		}
	}
	if byBook["b1"] || !byBook["b2"] {
		t.Fatalf("unexpected can-download map: %v", byBook)
	}
}

func TestClaimFreeBook(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.addBook(t, "free", "Free", "0", true)
	env.addBook(t, "paid", "Paid", "2", true)

	if _, err := env.app.ClaimFreeBook(ctx, buyer, "paid"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("claim paid err = %v", err)
	}
	item, err := env.app.ClaimFreeBook(ctx, buyer, "free")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !item.Decision.IsFree || !item.Decision.CanDownload || item.Entitlement.DownloadCount != 0 {
		t.Fatalf("unexpected claim: %+v", item)
	}
	if _, err := env.app.ClaimFreeBook(ctx, buyer, "free"); err != nil {
		t.Fatalf("re-claim: %v", err)
	}
	items, _ := env.app.Library(ctx, buyer)
	if len(items) != 1 {
		t.Fatalf("claim should add exactly one library item, got %d", len(items))
	}
}

func TestCartResolvesPrices(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.addBook(t, "b1", "One", "2.25", false)
	env.addBook(t, "b2", "Two", "1", false)

	if _, err := env.app.AddToCart(ctx, buyer, "missing", 1); !errors.Is(err, ErrBookNotFound) {
		t.Fatalf("add missing err = %v", err)
	}
	if _, err := env.app.AddToCart(ctx, buyer, "b1", 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("add zero err = %v", err)
	}
	if _, err := env.app.AddToCart(ctx, buyer, "b1", 2); err != nil {
		t.Fatalf("add: %v", err)
	}
	c, err := env.app.AddToCart(ctx, buyer, "b2", 1)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(c.Items) != 2 || !c.Subtotal.Equal(decimal.RequireFromString("5.5")) {
		t.Fatalf("unexpected cart: %+v", c)
	}

	if err := env.store.DeleteBook(ctx, "b2"); err != nil {
		t.Fatalf("delete book: %v", err)
	}
	c, err = env.app.Cart(ctx, buyer)
	if err != nil {
		t.Fatalf("cart: %v", err)
	}
	if len(c.Items) != 1 || c.Items[0].Book.ID != "b1" {
		t.Fatalf("stale line not dropped: %+v", c.Items)
	}
	c, err = env.app.RemoveFromCart(ctx, buyer, "b1")
	if err != nil || len(c.Items) != 0 {
		t.Fatalf("remove: %+v err=%v", c, err)
	}
}
