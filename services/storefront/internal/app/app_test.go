package app

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"ebookstore/pkg/cart"
	"ebookstore/pkg/domain"
	"ebookstore/pkg/queue"
	"ebookstore/pkg/storage"
	"ebookstore/pkg/store"
)

var testNow = time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)

type testEnv struct {
	app     *App
	store   *store.MemoryStore
	objects *storage.MemoryStore
}

type fakeQueue struct {
	mu     sync.Mutex
	orders []string
	err    error
}

func (q *fakeQueue) Enqueue(_ context.Context, orderID string) (queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return queue.Job{}, q.err
	}
	q.orders = append(q.orders, orderID)
	return queue.Job{ID: "job-" + orderID, OrderID: orderID, Status: queue.StatusQueued}, nil
}

func newTestEnv(t *testing.T, q OrderQueue) testEnv {
	t.Helper()
	mem := store.NewMemoryStore()
	sessions, err := store.NewJWTSessionStore("test-secret-0123456789", time.Hour, store.NewMemoryTokenRevoker(), store.JWTOptions{})
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	redisSrv := miniredis.RunT(t)
	carts, err := cart.NewRedisCart(redis.NewClient(&redis.Options{Addr: redisSrv.Addr()}), "test:cart", time.Hour)
	if err != nil {
		t.Fatalf("cart: %v", err)
	}
	objects := storage.NewMemoryStore("http://files.test")
	cfg := Config{
		Store:         mem,
		Sessions:      sessions,
		Objects:       objects,
		Cart:          carts,
		MaxDownloads:  3,
		PresignExpiry: 5 * time.Minute,
		Now:           func() time.Time { return testNow },
	}
	if q != nil {
		cfg.Queue = q
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return testEnv{app: a, store: mem, objects: objects}
}

// addBook stores a book and, when withFile is set, an object for its PDF.
func (e testEnv) addBook(t *testing.T, id, title, price string, withFile bool) domain.Book {
	t.Helper()
	ctx := context.Background()
	if err := e.store.SaveAuthor(ctx, domain.Author{ID: "a-" + id, Name: "Author " + strings.ToUpper(id)}); err != nil {
		t.Fatalf("save author: %v", err)
	}
	book := domain.Book{
		ID:        id,
		Title:     title,
		AuthorID:  "a-" + id,
		Price:     decimal.RequireFromString(price),
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}
	if withFile {
		book.FileKey = storage.BookFileKey(id)
		if err := e.objects.Put(ctx, book.FileKey, strings.NewReader("%PDF-1.4"), 8, "application/pdf"); err != nil {
			t.Fatalf("put file: %v", err)
		}
	}
	if err := e.store.SaveBook(ctx, book); err != nil {
		t.Fatalf("save book: %v", err)
	}
	return book
}

func (e testEnv) grant(t *testing.T, userID, bookID string, downloads int) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.store.EnsureEntitlement(ctx, userID, bookID, testNow); err != nil {
		t.Fatalf("ensure entitlement: %v", err)
	}
	for i := 0; i < downloads; i++ {
		if _, ok, err := e.store.IncrementDownload(ctx, userID, bookID, -1, testNow); err != nil || !ok {
			t.Fatalf("seed download: ok=%v err=%v", ok, err)
		}
	}
}

func (e testEnv) downloadCount(t *testing.T, userID, bookID string) int {
	t.Helper()
	ent, ok, err := e.store.GetEntitlement(context.Background(), userID, bookID)
	if err != nil {
		t.Fatalf("get entitlement: %v", err)
	}
	if !ok {
		return -1
	}
	return ent.DownloadCount
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without store")
	}
}
