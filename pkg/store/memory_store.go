package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"ebookstore/pkg/domain"
)

type entitlementKey struct {
	userID string
	bookID string
}

// MemoryStore keeps everything in-process. It is used for tests and local runs.
type MemoryStore struct {
	mu           sync.RWMutex
	users        map[string]domain.User // key: user ID
	email        map[string]string      // email -> user ID
	authors      map[string]domain.Author
	categories   map[string]domain.Category
	books        map[string]domain.Book
	orders       map[string]domain.Order
	entitlements map[entitlementKey]domain.Entitlement
	webhooks     map[string]domain.WebhookEvent
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:        make(map[string]domain.User),
		email:        make(map[string]string),
		authors:      make(map[string]domain.Author),
		categories:   make(map[string]domain.Category),
		books:        make(map[string]domain.Book),
		orders:       make(map[string]domain.Order),
		entitlements: make(map[entitlementKey]domain.Entitlement),
		webhooks:     make(map[string]domain.WebhookEvent),
	}
}

func (m *MemoryStore) CreateUser(_ context.Context, u domain.User) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.email[u.Email]; taken {
		return domain.User{}, ErrEmailTaken
	}
	if len(m.users) == 0 {
		u.Role = domain.RoleAdmin
	}
	m.users[u.ID] = u
	m.email[u.Email] = u.ID
	return u, nil
}

func (m *MemoryStore) SaveUser(_ context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, taken := m.email[u.Email]; taken && owner != u.ID {
		return ErrEmailTaken
	}
	if prev, ok := m.users[u.ID]; ok && prev.Email != u.Email {
		delete(m.email, prev.Email)
	}
	m.users[u.ID] = u
	m.email[u.Email] = u.ID
	return nil
}

func (m *MemoryStore) HasUserEmail(_ context.Context, email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.email[email]
	return ok, nil
}

func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.email[email]; ok {
		u, exists := m.users[id]
		return u, exists, nil
	}
	return domain.User{}, false, nil
}

func (m *MemoryStore) GetUserByID(_ context.Context, id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) SaveAuthor(_ context.Context, a domain.Author) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.authors[a.ID]; ok {
		a.CreatedAt = prev.CreatedAt
	}
	m.authors[a.ID] = a
	return nil
}

func (m *MemoryStore) GetAuthor(_ context.Context, id string) (domain.Author, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.authors[id]
	return a, ok, nil
}

func (m *MemoryStore) ListAuthors(_ context.Context) ([]domain.Author, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Author, 0, len(m.authors))
	for _, a := range m.authors {
		res = append(res, a)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res, nil
}

func (m *MemoryStore) DeleteAuthor(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.authors, id)
	return nil
}

func (m *MemoryStore) SaveCategory(_ context.Context, c domain.Category) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.categories[c.ID]; ok {
		c.CreatedAt = prev.CreatedAt
	}
	m.categories[c.ID] = c
	return nil
}

func (m *MemoryStore) GetCategory(_ context.Context, id string) (domain.Category, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.categories[id]
	return c, ok, nil
}

func (m *MemoryStore) ListCategories(_ context.Context) ([]domain.Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Category, 0, len(m.categories))
	for _, c := range m.categories {
		res = append(res, c)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res, nil
}

func (m *MemoryStore) DeleteCategory(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.categories, id)
	return nil
}

func (m *MemoryStore) SaveBook(_ context.Context, b domain.Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.books[b.ID]; ok {
		b.CreatedAt = prev.CreatedAt
	}
	b.HasFile = strings.TrimSpace(b.FileKey) != ""
	b.AuthorName, b.CategoryName = "", ""
	m.books[b.ID] = b
	return nil
}

func (m *MemoryStore) GetBook(_ context.Context, id string) (domain.Book, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[id]
	return b, ok, nil
}

// ListBooks mirrors the filtering and ordering of GormStore.ListBooks.
func (m *MemoryStore) ListBooks(_ context.Context, q domain.BookQuery) ([]domain.Book, int, error) {
	m.mu.RLock()
	matched := make([]domain.Book, 0, len(m.books))
	search := strings.ToLower(strings.TrimSpace(q.Search))
	for _, b := range m.books {
		if search != "" &&
			!strings.Contains(strings.ToLower(b.Title), search) &&
			!strings.Contains(strings.ToLower(b.Description), search) {
			continue
		}
		if q.CategoryID != "" && b.CategoryID != q.CategoryID {
			continue
		}
		if q.AuthorID != "" && b.AuthorID != q.AuthorID {
			continue
		}
		if q.FreeOnly && !b.IsFree() {
			continue
		}
		if q.MinPrice != nil && b.Price.LessThan(*q.MinPrice) {
			continue
		}
		if q.MaxPrice != nil && b.Price.GreaterThan(*q.MaxPrice) {
			continue
		}
		matched = append(matched, b)
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		switch q.Sort {
		case domain.SortPriceAsc:
			if !a.Price.Equal(b.Price) {
				return a.Price.LessThan(b.Price)
			}
		case domain.SortPriceDesc:
			if !a.Price.Equal(b.Price) {
				return a.Price.GreaterThan(b.Price)
			}
		case domain.SortTitle:
			if a.Title != b.Title {
				return a.Title < b.Title
			}
			return a.ID < b.ID
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	total := len(matched)
	offset, limit := normalizePage(q)
	if offset >= total {
		return []domain.Book{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (m *MemoryStore) DeleteBook(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.books, id)
	return nil
}

func (m *MemoryStore) CreateOrder(_ context.Context, o domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.Items = append([]domain.OrderItem(nil), o.Items...)
	m.orders[o.ID] = o
	return nil
}

func (m *MemoryStore) GetOrder(_ context.Context, id string) (domain.Order, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	return o, ok, nil
}

func (m *MemoryStore) ListOrdersByUser(_ context.Context, userID string) ([]domain.Order, error) {
	return m.listOrders(func(o domain.Order) bool { return o.UserID == userID }), nil
}

func (m *MemoryStore) ListOrders(_ context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	return m.listOrders(func(o domain.Order) bool { return status == "" || o.Status == status }), nil
}

func (m *MemoryStore) listOrders(keep func(domain.Order) bool) []domain.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Order, 0)
	for _, o := range m.orders {
		if keep(o) {
			res = append(res, o)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res
}

func (m *MemoryStore) TransitionOrder(_ context.Context, id string, from, to domain.OrderStatus, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.Status != from {
		return false, nil
	}
	at = at.UTC()
	o.Status = to
	o.UpdatedAt = at
	if to == domain.OrderCompleted {
		o.CompletedAt = &at
	}
	m.orders[id] = o
	return true, nil
}

func (m *MemoryStore) EnsureEntitlement(_ context.Context, userID, bookID string, purchasedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := entitlementKey{userID: userID, bookID: bookID}
	if _, ok := m.entitlements[key]; ok {
		return false, nil
	}
	m.entitlements[key] = domain.Entitlement{
		UserID:      userID,
		BookID:      bookID,
		PurchasedAt: purchasedAt.UTC(),
	}
	return true, nil
}

func (m *MemoryStore) GetEntitlement(_ context.Context, userID, bookID string) (domain.Entitlement, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ent, ok := m.entitlements[entitlementKey{userID: userID, bookID: bookID}]
	return ent, ok, nil
}

func (m *MemoryStore) ListEntitlementsByUser(_ context.Context, userID string) ([]domain.Entitlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Entitlement, 0)
	for key, ent := range m.entitlements {
		if key.userID == userID {
			res = append(res, ent)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].PurchasedAt.After(res[j].PurchasedAt) })
	return res, nil
}

func (m *MemoryStore) BookHasEntitlements(_ context.Context, bookID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for key := range m.entitlements {
		if key.bookID == bookID {
			return true, nil
		}
	}
	return false, nil
}

// IncrementDownload holds the write lock across check and update.
func (m *MemoryStore) IncrementDownload(_ context.Context, userID, bookID string, maxDownloads int, at time.Time) (domain.Entitlement, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := entitlementKey{userID: userID, bookID: bookID}
	ent, ok := m.entitlements[key]
	if !ok {
		return domain.Entitlement{}, false, nil
	}
	if maxDownloads >= 0 && ent.DownloadCount >= maxDownloads {
		return ent, false, nil
	}
	at = at.UTC()
	ent.DownloadCount++
	ent.LastDownloadedAt = &at
	m.entitlements[key] = ent
	return ent, true, nil
}

func (m *MemoryStore) RecordWebhookEvent(_ context.Context, ev domain.WebhookEvent) (domain.WebhookEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stored, ok := m.webhooks[ev.ID]; ok {
		return stored, false, nil
	}
	m.webhooks[ev.ID] = ev
	return ev, true, nil
}
