package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"ebookstore/pkg/domain"
)

const migrateLockID int64 = 51807311

// GormStore implements Store using GORM. Production runs on Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the Postgres DB and runs auto-migrations under an advisory lock.
func NewGormStore(dsn string) (*GormStore, error) {
	return NewGormStoreWithDialector(postgres.Open(dsn))
}

// NewGormStoreWithDialector opens the DB with any GORM dialector and runs auto-migrations.
func NewGormStoreWithDialector(dialector gorm.Dialector) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	migrate := func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&UserModel{},
			&AuthorModel{},
			&CategoryModel{},
			&BookModel{},
			&OrderModel{},
			&OrderItemModel{},
			&EntitlementModel{},
			&WebhookEventModel{},
			&BootstrapClaimModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}
	if db.Dialector.Name() == "postgres" {
		err = withMigrationLock(db, migrate)
	} else {
		err = migrate(db)
	}
	if err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// DB exposes the underlying handle for connection tuning.
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

const firstAdminClaim = "first_admin"

// CreateUser inserts u. When the table is empty the insert races for the
// first_admin claim row; only the transaction that wins it stores an admin.
func (s *GormStore) CreateUser(ctx context.Context, u domain.User) (domain.User, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&UserModel{}).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			claim := BootstrapClaimModel{Name: firstAdminClaim, UserID: u.ID, ClaimedAt: u.CreatedAt.UTC()}
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&claim)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 1 {
				u.Role = domain.RoleAdmin
			}
		}
		model := userToModel(u)
		return tx.Create(&model).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return domain.User{}, ErrEmailTaken
	}
	if err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// SaveUser registers or updates a user.
func (s *GormStore) SaveUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "password_hash", "role", "status", "updated_at"}),
	}).Create(&model).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrEmailTaken
	}
	return err
}

// HasUserEmail checks if email exists.
func (s *GormStore) HasUserEmail(ctx context.Context, email string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&UserModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// SaveAuthor stores or updates an author.
func (s *GormStore) SaveAuthor(ctx context.Context, a domain.Author) error {
	model := AuthorModel{ID: a.ID, Name: a.Name, Bio: a.Bio, CreatedAt: a.CreatedAt, UpdatedAt: a.UpdatedAt}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "bio", "updated_at"}),
	}).Create(&model).Error
}

// GetAuthor returns an author by ID.
func (s *GormStore) GetAuthor(ctx context.Context, id string) (domain.Author, bool, error) {
	var model AuthorModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Author{}, false, nil
		}
		return domain.Author{}, false, err
	}
	return authorFromModel(model), true, nil
}

// ListAuthors returns authors ordered by name.
func (s *GormStore) ListAuthors(ctx context.Context) ([]domain.Author, error) {
	var models []AuthorModel
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Author, 0, len(models))
	for _, m := range models {
		res = append(res, authorFromModel(m))
	}
	return res, nil
}

// DeleteAuthor removes an author.
func (s *GormStore) DeleteAuthor(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&AuthorModel{}, "id = ?", id).Error
}

// SaveCategory stores or updates a category.
func (s *GormStore) SaveCategory(ctx context.Context, c domain.Category) error {
	model := CategoryModel{ID: c.ID, Name: c.Name, Slug: c.Slug, CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "slug", "updated_at"}),
	}).Create(&model).Error
}

// GetCategory returns a category by ID.
func (s *GormStore) GetCategory(ctx context.Context, id string) (domain.Category, bool, error) {
	var model CategoryModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Category{}, false, nil
		}
		return domain.Category{}, false, err
	}
	return categoryFromModel(model), true, nil
}

// ListCategories returns categories ordered by name.
func (s *GormStore) ListCategories(ctx context.Context) ([]domain.Category, error) {
	var models []CategoryModel
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Category, 0, len(models))
	for _, m := range models {
		res = append(res, categoryFromModel(m))
	}
	return res, nil
}

// DeleteCategory removes a category.
func (s *GormStore) DeleteCategory(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&CategoryModel{}, "id = ?", id).Error
}

// SaveBook stores or updates a book.
func (s *GormStore) SaveBook(ctx context.Context, b domain.Book) error {
	model := bookToModel(b)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"title", "description", "author_id", "category_id", "price",
			"file_key", "cover_key", "page_count", "updated_at",
		}),
	}).Create(&model).Error
}

// GetBook retrieves a book.
func (s *GormStore) GetBook(ctx context.Context, id string) (domain.Book, bool, error) {
	var model BookModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

// ListBooks returns one page of books matching q and the total match count.
func (s *GormStore) ListBooks(ctx context.Context, q domain.BookQuery) ([]domain.Book, int, error) {
	var total int64
	if err := s.bookFilter(ctx, q).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	offset, limit := normalizePage(q)
	var models []BookModel
	if err := s.bookFilter(ctx, q).
		Order(bookOrder(q.Sort)).
		Offset(offset).
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, 0, err
	}
	res := make([]domain.Book, 0, len(models))
	for _, m := range models {
		res = append(res, bookFromModel(m))
	}
	return res, int(total), nil
}

func (s *GormStore) bookFilter(ctx context.Context, q domain.BookQuery) *gorm.DB {
	tx := s.db.WithContext(ctx).Model(&BookModel{})
	if search := strings.ToLower(strings.TrimSpace(q.Search)); search != "" {
		like := "%" + search + "%"
		tx = tx.Where("LOWER(title) LIKE ? OR LOWER(description) LIKE ?", like, like)
	}
	if q.CategoryID != "" {
		tx = tx.Where("category_id = ?", q.CategoryID)
	}
	if q.AuthorID != "" {
		tx = tx.Where("author_id = ?", q.AuthorID)
	}
	if q.FreeOnly {
		tx = tx.Where("price = 0")
	}
	if q.MinPrice != nil {
		tx = tx.Where("price >= ?", *q.MinPrice)
	}
	if q.MaxPrice != nil {
		tx = tx.Where("price <= ?", *q.MaxPrice)
	}
	return tx
}

func bookOrder(sort domain.BookSort) string {
	switch sort {
	case domain.SortPriceAsc:
		return "price ASC, created_at DESC, id ASC"
	case domain.SortPriceDesc:
		return "price DESC, created_at DESC, id ASC"
	case domain.SortTitle:
		return "title ASC, id ASC"
	default:
		return "created_at DESC, id ASC"
	}
}

// DeleteBook removes a book.
func (s *GormStore) DeleteBook(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&BookModel{}, "id = ?", id).Error
}

// CreateOrder stores an order with its line items.
func (s *GormStore) CreateOrder(ctx context.Context, o domain.Order) error {
	model := orderToModel(o)
	return s.db.WithContext(ctx).Create(&model).Error
}

// GetOrder returns an order with its line items.
func (s *GormStore) GetOrder(ctx context.Context, id string) (domain.Order, bool, error) {
	var model OrderModel
	if err := s.db.WithContext(ctx).Preload("Items", orderItemsByID).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Order{}, false, nil
		}
		return domain.Order{}, false, err
	}
	return orderFromModel(model), true, nil
}

// ListOrdersByUser returns a user's orders, newest first.
func (s *GormStore) ListOrdersByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	return s.listOrders(ctx, "user_id = ?", userID)
}

// ListOrders returns all orders, optionally filtered by status.
func (s *GormStore) ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	if status == "" {
		return s.listOrders(ctx)
	}
	return s.listOrders(ctx, "status = ?", string(status))
}

func (s *GormStore) listOrders(ctx context.Context, conds ...any) ([]domain.Order, error) {
	var models []OrderModel
	tx := s.db.WithContext(ctx).Preload("Items", orderItemsByID).Order("created_at DESC")
	if len(conds) > 0 {
		tx = tx.Where(conds[0], conds[1:]...)
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Order, 0, len(models))
	for _, m := range models {
		res = append(res, orderFromModel(m))
	}
	return res, nil
}

func orderItemsByID(db *gorm.DB) *gorm.DB {
	return db.Order("id ASC")
}

// TransitionOrder updates status only when the order is currently in from.
func (s *GormStore) TransitionOrder(ctx context.Context, id string, from, to domain.OrderStatus, at time.Time) (bool, error) {
	updates := map[string]any{
		"status":     string(to),
		"updated_at": at.UTC(),
	}
	if to == domain.OrderCompleted {
		updates["completed_at"] = at.UTC()
	}
	res := s.db.WithContext(ctx).Model(&OrderModel{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// EnsureEntitlement inserts the (user, book) row unless it already exists.
func (s *GormStore) EnsureEntitlement(ctx context.Context, userID, bookID string, purchasedAt time.Time) (bool, error) {
	model := EntitlementModel{
		UserID:      userID,
		BookID:      bookID,
		PurchasedAt: purchasedAt.UTC(),
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "book_id"}},
		DoNothing: true,
	}).Create(&model)
	if res.Error != nil {
		return domain.WebhookEvent{}, false, res.Error
	}
	if res.RowsAffected > 0 {
		return ev, true, nil
	}
	var stored WebhookEventModel
	if err := s.db.WithContext(ctx).First(&stored, "id = ?", ev.ID).Error; err != nil {
		return domain.WebhookEvent{}, false, fmt.Errorf("load webhook event: %w", err)
	}
	return domain.WebhookEvent{
		ID:         stored.ID,
		Type:       stored.Type,
		OrderID:    stored.OrderID,
		Payload:    stored.Payload,
		ReceivedAt: stored.ReceivedAt,
	}, false, nil
}

// GetEntitlement returns the entitlement for (user, book).
func (s *GormStore) GetEntitlement(ctx context.Context, userID, bookID string) (domain.Entitlement, bool, error) {
	return getEntitlement(s.db.WithContext(ctx), userID, bookID)
}

func getEntitlement(tx *gorm.DB, userID, bookID string) (domain.Entitlement, bool, error) {
	var model EntitlementModel
	if err := tx.Where("user_id = ? AND book_id = ?", userID, bookID).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Entitlement{}, false, nil
		}
		return domain.Entitlement{}, false, err
	}
	return entitlementFromModel(model), true, nil
}

// ListEntitlementsByUser returns a user's entitlements, most recent purchase first.
func (s *GormStore) ListEntitlementsByUser(ctx context.Context, userID string) ([]domain.Entitlement, error) {
	var models []EntitlementModel
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("purchased_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Entitlement, 0, len(models))
	for _, m := range models {
		res = append(res, entitlementFromModel(m))
	}
	return res, nil
}

// BookHasEntitlements reports whether anyone owns the book.
func (s *GormStore) BookHasEntitlements(ctx context.Context, bookID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&EntitlementModel{}).Where("book_id = ?", bookID).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// IncrementDownload performs "count = count + 1 WHERE count < max" in one
// statement so concurrent downloads cannot exceed the quota.
func (s *GormStore) IncrementDownload(ctx context.Context, userID, bookID string, maxDownloads int, at time.Time) (domain.Entitlement, bool, error) {
	var (
		ent         domain.Entitlement
		incremented bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&EntitlementModel{}).Where("user_id = ? AND book_id = ?", userID, bookID)
		if maxDownloads >= 0 {
			q = q.Where("download_count < ?", maxDownloads)
		}
		res := q.Updates(map[string]any{
			"download_count":     gorm.Expr("download_count + ?", 1),
			"last_downloaded_at": at.UTC(),
		})
		if res.Error != nil {
			return res.Error
		}
		incremented = res.RowsAffected > 0
		var err error
		ent, _, err = getEntitlement(tx, userID, bookID)
		return err
	})
	if err != nil {
		return domain.Entitlement{}, false, err
	}
	return ent, incremented, nil
}

// RecordWebhookEvent inserts the event keyed by its id. A duplicate leaves the
// first row in place and returns it.
func (s *GormStore) RecordWebhookEvent(ctx context.Context, ev domain.WebhookEvent) (domain.WebhookEvent, bool, error) {
	model := WebhookEventModel{
		ID:         ev.ID,
		Type:       ev.Type,
		OrderID:    ev.OrderID,
		Payload:    ev.Payload,
		ReceivedAt: ev.ReceivedAt.UTC(),
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(&model)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		Role:         string(u.Role),
		Status:       string(u.Status),
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	status := domain.UserStatus(m.Status)
	if status == "" {
		status = domain.StatusActive
	}
	return domain.User{
		ID:           m.ID,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		Role:         domain.UserRole(m.Role),
		Status:       status,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func authorFromModel(m AuthorModel) domain.Author {
	return domain.Author{ID: m.ID, Name: m.Name, Bio: m.Bio, CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt}
}

func categoryFromModel(m CategoryModel) domain.Category {
	return domain.Category{ID: m.ID, Name: m.Name, Slug: m.Slug, CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt}
}

func bookToModel(b domain.Book) BookModel {
	return BookModel{
		ID:          b.ID,
		Title:       b.Title,
		Description: b.Description,
		AuthorID:    b.AuthorID,
		CategoryID:  b.CategoryID,
		Price:       b.Price,
		FileKey:     b.FileKey,
		CoverKey:    b.CoverKey,
		PageCount:   b.PageCount,
		CreatedAt:   b.CreatedAt,
		UpdatedAt:   b.UpdatedAt,
	}
}

func bookFromModel(m BookModel) domain.Book {
	return domain.Book{
		ID:          m.ID,
		Title:       m.Title,
		Description: m.Description,
		AuthorID:    m.AuthorID,
		CategoryID:  m.CategoryID,
		Price:       m.Price,
		FileKey:     m.FileKey,
		CoverKey:    m.CoverKey,
		HasFile:     strings.TrimSpace(m.FileKey) != "",
		PageCount:   m.PageCount,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func orderToModel(o domain.Order) OrderModel {
	items := make([]OrderItemModel, 0, len(o.Items))
	for _, item := range o.Items {
		items = append(items, OrderItemModel{
			OrderID:   o.ID,
			BookID:    item.BookID,
			Title:     item.Title,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	return OrderModel{
		ID:          o.ID,
		UserID:      o.UserID,
		Status:      string(o.Status),
		Subtotal:    o.Subtotal,
		Total:       o.Total,
		CreatedAt:   o.CreatedAt,
		UpdatedAt:   o.UpdatedAt,
		CompletedAt: o.CompletedAt,
		Items:       items,
	}
}

func orderFromModel(m OrderModel) domain.Order {
	items := make([]domain.OrderItem, 0, len(m.Items))
	for _, item := range m.Items {
		items = append(items, domain.OrderItem{
			BookID:    item.BookID,
			Title:     item.Title,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	return domain.Order{
		ID:          m.ID,
		UserID:      m.UserID,
		Status:      domain.OrderStatus(m.Status),
		Items:       items,
		Subtotal:    m.Subtotal,
		Total:       m.Total,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
		CompletedAt: m.CompletedAt,
	}
}

func entitlementFromModel(m EntitlementModel) domain.Entitlement {
	return domain.Entitlement{
		UserID:           m.UserID,
		BookID:           m.BookID,
		DownloadCount:    m.DownloadCount,
		PurchasedAt:      m.PurchasedAt,
		LastDownloadedAt: m.LastDownloadedAt,
	}
}
