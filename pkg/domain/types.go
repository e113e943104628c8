package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

type UserStatus string

const (
	StatusActive   UserStatus = "active"
	StatusDisabled UserStatus = "disabled"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderCompleted OrderStatus = "completed"
	OrderCancelled OrderStatus = "cancelled"
)

// UnlimitedDownloads marks a decision without a download cap.
const UnlimitedDownloads = -1

type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Role         UserRole   `json:"role"`
	Status       UserStatus `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

type Author struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Bio       string    `json:"bio,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Category struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Book is a catalog entry. A zero price marks the book as free.
type Book struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	Description  string          `json:"description,omitempty"`
	AuthorID     string          `json:"authorId"`
	AuthorName   string          `json:"author,omitempty"`
	CategoryID   string          `json:"categoryId"`
	CategoryName string          `json:"category,omitempty"`
	Price        decimal.Decimal `json:"price"`
	FileKey      string          `json:"-"`
	CoverKey     string          `json:"-"`
	HasFile      bool            `json:"hasFile"`
	PageCount    int             `json:"pageCount,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// IsFree reports whether the book can be downloaded without purchase.
func (b Book) IsFree() bool {
	return b.Price.IsZero()
}

// Entitlement grants a user the right to download a book. Identity is (UserID, BookID).
type Entitlement struct {
	UserID           string     `json:"userId"`
	BookID           string     `json:"bookId"`
	DownloadCount    int        `json:"downloadCount"`
	PurchasedAt      time.Time  `json:"purchasedAt"`
	LastDownloadedAt *time.Time `json:"lastDownloadedAt"`
}

// DownloadDecision is the outcome of evaluating the entitlement policy.
type DownloadDecision struct {
	CanDownload      bool       `json:"canDownload"`
	IsPurchased      bool       `json:"isPurchased"`
	IsFree           bool       `json:"isFree"`
	DownloadCount    int        `json:"downloadCount"`
	MaxDownloads     int        `json:"maxDownloads"`
	LastDownloadedAt *time.Time `json:"lastDownloadedAt"`
}

type DownloadLink struct {
	DownloadURL string `json:"downloadUrl"`
	Filename    string `json:"filename"`
}

type LibraryItem struct {
	Book        Book             `json:"book"`
	Entitlement Entitlement      `json:"entitlement"`
	Decision    DownloadDecision `json:"decision"`
}

type OrderItem struct {
	BookID    string          `json:"bookId"`
	Title     string          `json:"title,omitempty"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

type Order struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	Status      OrderStatus     `json:"status"`
	Items       []OrderItem     `json:"items"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	Total       decimal.Decimal `json:"total"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

type CartLine struct {
	Book      Book            `json:"book"`
	Quantity  int             `json:"quantity"`
	LineTotal decimal.Decimal `json:"lineTotal"`
}

type Cart struct {
	Items    []CartLine      `json:"items"`
	Subtotal decimal.Decimal `json:"subtotal"`
}

// BookSort selects catalog ordering.
type BookSort string

const (
	SortNewest    BookSort = "newest"
	SortPriceAsc  BookSort = "price_asc"
	SortPriceDesc BookSort = "price_desc"
	SortTitle     BookSort = "title"
)

// BookQuery filters and pages the catalog. Zero values mean "no filter".
type BookQuery struct {
	Search     string
	CategoryID string
	AuthorID   string
	FreeOnly   bool
	MinPrice   *decimal.Decimal
	MaxPrice   *decimal.Decimal
	Sort       BookSort
	Page       int
	PageSize   int
}

// WebhookEvent is a recorded payment notification.
type WebhookEvent struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	OrderID    string    `json:"orderId"`
	Payload    []byte    `json:"-"`
	ReceivedAt time.Time `json:"receivedAt"`
}
