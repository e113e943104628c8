package store

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string `gorm:"primaryKey"`
	Email        string `gorm:"uniqueIndex;not null"`
	PasswordHash string `gorm:"not null"`
	Role         string `gorm:"not null"`
	Status       string
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

func (UserModel) TableName() string { return "users" }

type AuthorModel struct {
	ID        string    `gorm:"primaryKey"`
	Name      string    `gorm:"not null;index"`
	Bio       string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (AuthorModel) TableName() string { return "authors" }

type CategoryModel struct {
	ID        string    `gorm:"primaryKey"`
	Name      string    `gorm:"not null"`
	Slug      string    `gorm:"uniqueIndex;not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (CategoryModel) TableName() string { return "categories" }

type BookModel struct {
	ID          string          `gorm:"primaryKey"`
	Title       string          `gorm:"not null;index"`
	Description string          `gorm:"type:text"`
	AuthorID    string          `gorm:"not null;index"`
	CategoryID  string          `gorm:"index"`
	Price       decimal.Decimal `gorm:"type:numeric(12,2);not null;check:price >= 0"`
	FileKey     string
	CoverKey    string
	PageCount   int
	CreatedAt   time.Time `gorm:"not null;index"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (BookModel) TableName() string { return "books" }

type OrderModel struct {
	ID          string          `gorm:"primaryKey"`
	UserID      string          `gorm:"not null;index"`
	Status      string          `gorm:"not null;index"`
	Subtotal    decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	Total       decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	CreatedAt   time.Time       `gorm:"not null;index"`
	UpdatedAt   time.Time       `gorm:"not null"`
	CompletedAt *time.Time
	Items       []OrderItemModel `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
}

func (OrderModel) TableName() string { return "orders" }

type OrderItemModel struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	OrderID   string `gorm:"not null;index"`
	BookID    string `gorm:"not null"`
	Title     string
	Quantity  int             `gorm:"not null"`
	UnitPrice decimal.Decimal `gorm:"type:numeric(12,2);not null"`
}

func (OrderItemModel) TableName() string { return "order_items" }

// EntitlementModel has a composite primary key, which is the upsert conflict key.
type EntitlementModel struct {
	UserID           string    `gorm:"primaryKey"`
	BookID           string    `gorm:"primaryKey;index"`
	DownloadCount    int       `gorm:"not null;default:0"`
	PurchasedAt      time.Time `gorm:"not null"`
	LastDownloadedAt *time.Time
}

func (EntitlementModel) TableName() string { return "entitlements" }

type WebhookEventModel struct {
	ID         string `gorm:"primaryKey"`
	Type       string `gorm:"not null"`
	OrderID    string `gorm:"index"`
	Payload    datatypes.JSON
	ReceivedAt time.Time `gorm:"not null"`
}

func (WebhookEventModel) TableName() string { return "webhook_events" }

// BootstrapClaimModel records one-time setup steps; the primary key makes
// each claim single-winner.
type BootstrapClaimModel struct {
	Name      string    `gorm:"primaryKey"`
	UserID    string    `gorm:"not null"`
	ClaimedAt time.Time `gorm:"not null"`
}

func (BootstrapClaimModel) TableName() string { return "bootstrap_claims" }
