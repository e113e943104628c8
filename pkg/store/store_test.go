package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"

	"ebookstore/pkg/domain"
)

func newSQLiteStore(t *testing.T) Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", randomHexID(8))
	s, err := NewGormStoreWithDialector(sqlite.Open(dsn))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	sqlDB, err := s.DB().DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return s
}

func newMemStore(t *testing.T) Store {
	t.Helper()
	return NewMemoryStore()
}

var backends = map[string]func(*testing.T) Store{
	"gorm-sqlite": newSQLiteStore,
	"memory":      newMemStore,
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

func TestEnsureEntitlementIsIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		first := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
		created, err := s.EnsureEntitlement(ctx, "u1", "b1", first)
		if err != nil || !created {
			t.Fatalf("first ensure: created=%v err=%v", created, err)
		}
		if _, ok, err := s.IncrementDownload(ctx, "u1", "b1", 3, first.Add(time.Hour)); err != nil || !ok {
			t.Fatalf("increment: ok=%v err=%v", ok, err)
		}
		created, err = s.EnsureEntitlement(ctx, "u1", "b1", first.Add(24*time.Hour))
		if err != nil {
			t.Fatalf("second ensure: %v", err)
		}
		if created {
			t.Fatalf("second ensure must not create a new row")
		}
		ent, ok, err := s.GetEntitlement(ctx, "u1", "b1")
		if err != nil || !ok {
			t.Fatalf("get entitlement: ok=%v err=%v", ok, err)
		}
		if ent.DownloadCount != 1 {
			t.Fatalf("downloadCount = %d, want 1 (must not reset)", ent.DownloadCount)
		}
		if !ent.PurchasedAt.Equal(first) {
			t.Fatalf("purchasedAt = %v, want %v", ent.PurchasedAt, first)
		}
		list, err := s.ListEntitlementsByUser(ctx, "u1")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(list) != 1 {
			t.Fatalf("expected one entitlement row, got %d", len(list))
		}
	})
}

func TestIncrementDownloadStopsAtLimit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()
		if _, ok, err := s.IncrementDownload(ctx, "u1", "missing", 3, now); err != nil || ok {
			t.Fatalf("increment without entitlement: ok=%v err=%v", ok, err)
		}
		if _, err := s.EnsureEntitlement(ctx, "u1", "b1", now); err != nil {
			t.Fatalf("ensure: %v", err)
		}
		for i := 1; i <= 3; i++ {
			ent, ok, err := s.IncrementDownload(ctx, "u1", "b1", 3, now)
			if err != nil || !ok {
				t.Fatalf("increment %d: ok=%v err=%v", i, ok, err)
			}
			if ent.DownloadCount != i {
				t.Fatalf("downloadCount = %d, want %d", ent.DownloadCount, i)
			}
			if ent.LastDownloadedAt == nil {
				t.Fatalf("lastDownloadedAt not set")
			}
		}
		ent, ok, err := s.IncrementDownload(ctx, "u1", "b1", 3, now)
		if err != nil {
			t.Fatalf("increment over limit: %v", err)
		}
		if ok {
			t.Fatalf("increment over limit must be rejected")
		}
		if ent.DownloadCount != 3 {
			t.Fatalf("downloadCount = %d, want 3", ent.DownloadCount)
		}
		if _, ok, err := s.IncrementDownload(ctx, "u1", "b1", -1, now); err != nil || !ok {
			t.Fatalf("unlimited increment: ok=%v err=%v", ok, err)
		}
	})
}

func TestIncrementDownloadConcurrentNeverExceedsLimit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()
		if _, err := s.EnsureEntitlement(ctx, "u1", "b1", now); err != nil {
			t.Fatalf("ensure: %v", err)
		}
		if _, ok, err := s.IncrementDownload(ctx, "u1", "b1", 3, now); err != nil || !ok {
			t.Fatalf("seed increment: ok=%v err=%v", ok, err)
		}

		const workers = 12
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			granted int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok, err := s.IncrementDownload(ctx, "u1", "b1", 3, time.Now().UTC())
				if err != nil {
					t.Errorf("increment: %v", err)
					return
				}
				if ok {
					mu.Lock()
					granted++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if granted != 2 {
			t.Fatalf("granted = %d, want 2", granted)
		}
		ent, _, err := s.GetEntitlement(ctx, "u1", "b1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if ent.DownloadCount != 3 {
			t.Fatalf("final downloadCount = %d, want 3", ent.DownloadCount)
		}
	})
}

func TestTransitionOrderIsOneWay(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()
		order := domain.Order{
			ID:     "o1",
			UserID: "u1",
			Status: domain.OrderPending,
			Items: []domain.OrderItem{
				{BookID: "b1", Title: "One", Quantity: 1, UnitPrice: decimal.RequireFromString("4.50")},
				{BookID: "b2", Title: "Two", Quantity: 2, UnitPrice: decimal.RequireFromString("1.25")},
			},
			Subtotal:  decimal.RequireFromString("7.00"),
			Total:     decimal.RequireFromString("7.00"),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.CreateOrder(ctx, order); err != nil {
			t.Fatalf("create order: %v", err)
		}
		got, ok, err := s.GetOrder(ctx, "o1")
		if err != nil || !ok {
			t.Fatalf("get order: ok=%v err=%v", ok, err)
		}
		if len(got.Items) != 2 || got.Items[0].BookID != "b1" || got.Items[1].Quantity != 2 {
			t.Fatalf("unexpected items: %+v", got.Items)
		}
		if !got.Total.Equal(decimal.RequireFromString("7")) {
			t.Fatalf("total = %s, want 7", got.Total)
		}

		moved, err := s.TransitionOrder(ctx, "o1", domain.OrderPending, domain.OrderCompleted, now)
		if err != nil || !moved {
			t.Fatalf("complete: moved=%v err=%v", moved, err)
		}
		moved, err = s.TransitionOrder(ctx, "o1", domain.OrderPending, domain.OrderCancelled, now)
		if err != nil {
			t.Fatalf("cancel completed: %v", err)
		}
		if moved {
			t.Fatalf("completed order must not move back")
		}
		got, _, _ = s.GetOrder(ctx, "o1")
		if got.Status != domain.OrderCompleted || got.CompletedAt == nil {
			t.Fatalf("unexpected order after transitions: %+v", got)
		}
		completed, err := s.ListOrders(ctx, domain.OrderCompleted)
		if err != nil || len(completed) != 1 {
			t.Fatalf("list completed: n=%d err=%v", len(completed), err)
		}
		pending, err := s.ListOrders(ctx, domain.OrderPending)
		if err != nil || len(pending) != 0 {
			t.Fatalf("list pending: n=%d err=%v", len(pending), err)
		}
	})
}

func TestRecordWebhookEventDedupes(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ev := domain.WebhookEvent{
			ID:         "evt-1",
			Type:       "payment.succeeded",
			OrderID:    "o1",
			Payload:    []byte(`{"eventId":"evt-1"}`),
			ReceivedAt: time.Now().UTC(),
		}
		_, fresh, err := s.RecordWebhookEvent(ctx, ev)
		if err != nil || !fresh {
			t.Fatalf("first record: fresh=%v err=%v", fresh, err)
		}

		replay := ev
		replay.OrderID = "o2"
		replay.Type = "payment.failed"
		stored, fresh, err := s.RecordWebhookEvent(ctx, replay)
		if err != nil {
			t.Fatalf("second record: %v", err)
		}
		if fresh {
			t.Fatalf("duplicate event must not be fresh")
		}
		if stored.OrderID != "o1" || stored.Type != "payment.succeeded" {
			t.Fatalf("duplicate must return the first event, got %+v", stored)
		}
	})
}

func TestListBooksFiltersAndSorts(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		books := []domain.Book{
			{ID: "b1", Title: "Go in Practice", AuthorID: "a1", CategoryID: "c1", Price: decimal.RequireFromString("19.99"), CreatedAt: base, UpdatedAt: base},
			{ID: "b2", Title: "Free Primer", Description: "an intro to go", AuthorID: "a2", CategoryID: "c1", Price: decimal.Zero, CreatedAt: base.Add(time.Hour), UpdatedAt: base},
			{ID: "b3", Title: "Rust Notes", AuthorID: "a1", CategoryID: "c2", Price: decimal.RequireFromString("9.50"), CreatedAt: base.Add(2 * time.Hour), UpdatedAt: base},
		}
		for _, b := range books {
			if err := s.SaveBook(ctx, b); err != nil {
				t.Fatalf("save book %s: %v", b.ID, err)
			}
		}

		all, total, err := s.ListBooks(ctx, domain.BookQuery{})
		if err != nil || total != 3 {
			t.Fatalf("list all: total=%d err=%v", total, err)
		}
		if all[0].ID != "b3" {
			t.Fatalf("default sort should be newest first, got %s", all[0].ID)
		}

		found, total, err := s.ListBooks(ctx, domain.BookQuery{Search: "GO"})
		if err != nil || total != 2 {
			t.Fatalf("search: total=%d err=%v", total, err)
		}
		_ = found

		free, total, err := s.ListBooks(ctx, domain.BookQuery{FreeOnly: true})
		if err != nil || total != 1 || free[0].ID != "b2" {
			t.Fatalf("free filter: total=%d err=%v", total, err)
		}

		byAuthor, total, err := s.ListBooks(ctx, domain.BookQuery{AuthorID: "a1", Sort: domain.SortPriceAsc})
		if err != nil || total != 2 {
			t.Fatalf("author filter: total=%d err=%v", total, err)
		}
		if byAuthor[0].ID != "b3" || byAuthor[1].ID != "b1" {
			t.Fatalf("price_asc order wrong: %s, %s", byAuthor[0].ID, byAuthor[1].ID)
		}

		minPrice := decimal.RequireFromString("10")
		pricey, total, err := s.ListBooks(ctx, domain.BookQuery{MinPrice: &minPrice})
		if err != nil || total != 1 || pricey[0].ID != "b1" {
			t.Fatalf("min price filter: total=%d err=%v", total, err)
		}

		page, total, err := s.ListBooks(ctx, domain.BookQuery{Sort: domain.SortTitle, Page: 2, PageSize: 2})
		if err != nil || total != 3 {
			t.Fatalf("paged: total=%d err=%v", total, err)
		}
		if len(page) != 1 || page[0].ID != "b3" {
			t.Fatalf("second title page should hold b3, got %+v", page)
		}

		for _, q := range []domain.BookQuery{
			{Page: 5, PageSize: 2},
			{Page: math.MaxInt/100 + 2, PageSize: 100},
			{Page: math.MaxInt, PageSize: 1},
		} {
			beyond, total, err := s.ListBooks(ctx, q)
			if err != nil || total != 3 {
				t.Fatalf("page %d: total=%d err=%v", q.Page, total, err)
			}
			if len(beyond) != 0 {
				t.Fatalf("page %d past the end returned %d books", q.Page, len(beyond))
			}
		}
	})
}

func TestUsersAndCatalogMetadata(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()
		user := domain.User{ID: "u1", Email: "a@example.com", PasswordHash: "h", Role: domain.RoleAdmin, Status: domain.StatusActive, CreatedAt: now, UpdatedAt: now}
		if err := s.SaveUser(ctx, user); err != nil {
			t.Fatalf("save user: %v", err)
		}
		if exists, err := s.HasUserEmail(ctx, "a@example.com"); err != nil || !exists {
			t.Fatalf("has email: exists=%v err=%v", exists, err)
		}
		got, ok, err := s.GetUserByEmail(ctx, "a@example.com")
		if err != nil || !ok || got.Role != domain.RoleAdmin {
			t.Fatalf("get by email: %+v ok=%v err=%v", got, ok, err)
		}
		clash := domain.User{ID: "u2", Email: "a@example.com", PasswordHash: "h", Role: domain.RoleUser, CreatedAt: now, UpdatedAt: now}
		if err := s.SaveUser(ctx, clash); !errors.Is(err, ErrEmailTaken) {
			t.Fatalf("save user with taken email: %v", err)
		}

		if err := s.SaveAuthor(ctx, domain.Author{ID: "a1", Name: "Zed", CreatedAt: now, UpdatedAt: now}); err != nil {
			t.Fatalf("save author: %v", err)
		}
		if err := s.SaveAuthor(ctx, domain.Author{ID: "a2", Name: "Ann", CreatedAt: now, UpdatedAt: now}); err != nil {
			t.Fatalf("save author: %v", err)
		}
		authors, err := s.ListAuthors(ctx)
		if err != nil || len(authors) != 2 || authors[0].Name != "Ann" {
			t.Fatalf("list authors: %+v err=%v", authors, err)
		}
		if err := s.DeleteAuthor(ctx, "a1"); err != nil {
			t.Fatalf("delete author: %v", err)
		}
		if _, ok, _ := s.GetAuthor(ctx, "a1"); ok {
			t.Fatalf("author should be gone")
		}

		if err := s.SaveCategory(ctx, domain.Category{ID: "c1", Name: "Fiction", Slug: "fiction", CreatedAt: now, UpdatedAt: now}); err != nil {
			t.Fatalf("save category: %v", err)
		}
		cat, ok, err := s.GetCategory(ctx, "c1")
		if err != nil || !ok || cat.Slug != "fiction" {
			t.Fatalf("get category: %+v ok=%v err=%v", cat, ok, err)
		}
	})
}

func TestCreateUserPromotesOnlyTheFirst(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()
		newUser := func(id, email string) domain.User {
			return domain.User{ID: id, Email: email, PasswordHash: "h", Role: domain.RoleUser, Status: domain.StatusActive, CreatedAt: now, UpdatedAt: now}
		}

		first, err := s.CreateUser(ctx, newUser("u1", "first@example.com"))
		if err != nil || first.Role != domain.RoleAdmin {
			t.Fatalf("first user: %+v err=%v", first, err)
		}
		second, err := s.CreateUser(ctx, newUser("u2", "second@example.com"))
		if err != nil || second.Role != domain.RoleUser {
			t.Fatalf("second user: %+v err=%v", second, err)
		}
		if _, err := s.CreateUser(ctx, newUser("u3", "second@example.com")); !errors.Is(err, ErrEmailTaken) {
			t.Fatalf("duplicate email err = %v", err)
		}
		if _, ok, _ := s.GetUserByID(ctx, "u3"); ok {
			t.Fatalf("rejected user must not be stored")
		}
	})
}

func TestCreateUserConcurrentFirstSignups(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()
		const n = 8
		var (
			wg     sync.WaitGroup
			mu     sync.Mutex
			admins int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				u, err := s.CreateUser(ctx, domain.User{
					ID:           fmt.Sprintf("u%d", i),
					Email:        fmt.Sprintf("user%d@example.com", i),
					PasswordHash: "h",
					Role:         domain.RoleUser,
					CreatedAt:    now,
					UpdatedAt:    now,
				})
				if err != nil {
					t.Errorf("create user %d: %v", i, err)
					return
				}
				if u.Role == domain.RoleAdmin {
					mu.Lock()
					admins++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		if admins != 1 {
			t.Fatalf("expected exactly one admin, got %d", admins)
		}
	})
}
