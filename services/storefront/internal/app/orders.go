package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"ebookstore/internal/util"
	"ebookstore/pkg/domain"
	"ebookstore/pkg/queue"
)

// CheckoutItem is one requested line of an order.
type CheckoutItem struct {
	BookID   string `json:"bookId"`
	Quantity int    `json:"quantity"`
}

// Checkout prices the items at current book prices and creates a pending
// order. An order with a zero total has nothing to pay and completes at once.
func (a *App) Checkout(ctx context.Context, user domain.User, items []CheckoutItem) (domain.Order, error) {
	if len(items) == 0 {
		return domain.Order{}, invalidf("order has no items")
	}
	quantities := make(map[string]int, len(items))
	for _, item := range items {
		bookID := strings.TrimSpace(item.BookID)
		if bookID == "" {
			return domain.Order{}, invalidf("bookId required")
		}
		if item.Quantity < 1 {
			return domain.Order{}, invalidf("quantity must be at least 1")
		}
		quantities[bookID] += item.Quantity
	}
	bookIDs := lo.Uniq(lo.Map(items, func(item CheckoutItem, _ int) string { return strings.TrimSpace(item.BookID) }))

	now := a.clock()
	order := domain.Order{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		Status:    domain.OrderPending,
		Items:     make([]domain.OrderItem, 0, len(bookIDs)),
		Subtotal:  decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, bookID := range bookIDs {
		book, err := a.getBook(ctx, bookID)
		if err != nil {
			return domain.Order{}, fmt.Errorf("%w: %s", err, bookID)
		}
		qty := quantities[bookID]
		order.Items = append(order.Items, domain.OrderItem{
			BookID:    book.ID,
			Title:     book.Title,
			Quantity:  qty,
			UnitPrice: book.Price,
		})
		order.Subtotal = order.Subtotal.Add(book.Price.Mul(decimal.NewFromInt(int64(qty))))
	}
	order.Total = order.Subtotal

	if err := a.store.CreateOrder(ctx, order); err != nil {
		return domain.Order{}, fmt.Errorf("create order: %w", err)
	}
	util.LoggerFromContext(ctx).Info("order created",
		"order_id", order.ID, "user_id", user.ID, "items", len(order.Items), "total", order.Total.StringFixed(2))

	if order.Total.IsZero() {
		return a.CompleteOrder(ctx, order.ID)
	}
	return order, nil
}

// CheckoutCart checks out the user's cart and clears it on success.
func (a *App) CheckoutCart(ctx context.Context, user domain.User) (domain.Order, error) {
	lines, err := a.cart.Items(ctx, user.ID)
	if err != nil {
		return domain.Order{}, err
	}
	if len(lines) == 0 {
		return domain.Order{}, invalidf("cart is empty")
	}
	items := make([]CheckoutItem, 0, len(lines))
	for _, line := range lines {
		items = append(items, CheckoutItem{BookID: line.BookID, Quantity: line.Quantity})
	}
	order, err := a.Checkout(ctx, user, items)
	if err != nil {
		return domain.Order{}, err
	}
	if err := a.cart.Clear(ctx, user.ID); err != nil {
		util.LoggerFromContext(ctx).Warn("clear cart after checkout failed", "user_id", user.ID, "err", err)
	}
	return order, nil
}

func (a *App) getOrder(ctx context.Context, id string) (domain.Order, error) {
	order, ok, err := a.store.GetOrder(ctx, id)
	if err != nil {
		return domain.Order{}, fmt.Errorf("get order: %w", err)
	}
	if !ok {
		return domain.Order{}, ErrOrderNotFound
	}
	return order, nil
}

// GetOrder returns an order visible to the caller: its owner or an admin.
func (a *App) GetOrder(ctx context.Context, user domain.User, id string) (domain.Order, error) {
	order, err := a.getOrder(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	if order.UserID != user.ID && user.Role != domain.RoleAdmin {
		return domain.Order{}, ErrForbidden
	}
	return order, nil
}

func (a *App) ListMyOrders(ctx context.Context, user domain.User) ([]domain.Order, error) {
	return a.store.ListOrdersByUser(ctx, user.ID)
}

// ListOrders lists all orders, optionally filtered by status. Admin only.
func (a *App) ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	switch status {
	case "", domain.OrderPending, domain.OrderCompleted, domain.OrderCancelled:
	default:
		return nil, invalidf("unknown order status %q", status)
	}
	return a.store.ListOrders(ctx, status)
}

// CompleteOrder moves a pending order to completed and materializes its
// entitlements. Completing an already completed order only re-runs the
// materializer, so duplicate payment notifications are harmless.
func (a *App) CompleteOrder(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := a.getOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.Status == domain.OrderPending {
		moved, err := a.store.TransitionOrder(ctx, order.ID, domain.OrderPending, domain.OrderCompleted, a.clock())
		if err != nil {
			return domain.Order{}, fmt.Errorf("complete order: %w", err)
		}
		if order, err = a.getOrder(ctx, orderID); err != nil {
			return domain.Order{}, err
		}
		if moved {
			util.LoggerFromContext(ctx).Info("order completed", "order_id", order.ID, "user_id", order.UserID)
		}
	}
	if order.Status != domain.OrderCompleted {
		return domain.Order{}, fmt.Errorf("%w: %s", ErrOrderNotPending, order.Status)
	}
	if err := a.scheduleMaterialize(ctx, order); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func (a *App) scheduleMaterialize(ctx context.Context, order domain.Order) error {
	if a.queue != nil {
		job, err := a.queue.Enqueue(ctx, order.ID)
		if err == nil {
			util.LoggerFromContext(ctx).Info("materialize enqueued", "order_id", order.ID, "job_id", job.ID)
			return nil
		}
		util.LoggerFromContext(ctx).Warn("enqueue materialize failed, running inline", "order_id", order.ID, "err", err)
	}
	_, err := a.MaterializeOrder(ctx, order)
	return err
}

// MaterializeOrder ensures an entitlement exists for every line item of a
// completed order. Existing rows are left untouched, so it is safe to re-run
// after a partial failure. It returns how many rows were newly created.
func (a *App) MaterializeOrder(ctx context.Context, order domain.Order) (int, error) {
	if order.Status != domain.OrderCompleted {
		return 0, fmt.Errorf("%w: %s", ErrOrderNotPending, order.Status)
	}
	purchasedAt := a.clock()
	if order.CompletedAt != nil {
		purchasedAt = order.CompletedAt.UTC()
	}
	created := 0
	for _, item := range order.Items {
		fresh, err := a.store.EnsureEntitlement(ctx, order.UserID, item.BookID, purchasedAt)
		if err != nil {
			return created, fmt.Errorf("ensure entitlement for book %s: %w", item.BookID, err)
		}
		if fresh {
			created++
		}
	}
	util.LoggerFromContext(ctx).Info("order materialized",
		"order_id", order.ID, "user_id", order.UserID, "items", len(order.Items), "created", created)
	return created, nil
}

// MaterializeOrderByID loads the order and materializes it. Queue workers call this.
func (a *App) MaterializeOrderByID(ctx context.Context, orderID string) error {
	order, err := a.getOrder(ctx, orderID)
	if err != nil {
		return err
	}
	_, err = a.MaterializeOrder(ctx, order)
	return err
}

// CancelOrder moves a pending order to cancelled. Cancelling a cancelled
// order is a no-op; a completed order cannot be cancelled.
func (a *App) CancelOrder(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := a.getOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.Status == domain.OrderPending {
		if _, err := a.store.TransitionOrder(ctx, order.ID, domain.OrderPending, domain.OrderCancelled, a.clock()); err != nil {
			return domain.Order{}, fmt.Errorf("cancel order: %w", err)
		}
		if order, err = a.getOrder(ctx, orderID); err != nil {
			return domain.Order{}, err
		}
	}
	if order.Status != domain.OrderCancelled {
		return domain.Order{}, fmt.Errorf("%w: %s", ErrOrderNotPending, order.Status)
	}
	return order, nil
}

// CancelMyOrder cancels an order owned by the caller.
func (a *App) CancelMyOrder(ctx context.Context, user domain.User, orderID string) (domain.Order, error) {
	if _, err := a.GetOrder(ctx, user, orderID); err != nil {
		return domain.Order{}, err
	}
	return a.CancelOrder(ctx, orderID)
}

// HandleMaterializeJob is the queue handler for materialization jobs.
func (a *App) HandleMaterializeJob(ctx context.Context, job queue.Job) error {
	return a.MaterializeOrderByID(ctx, job.OrderID)
}
