package app

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"ebookstore/internal/util"
	"ebookstore/pkg/domain"
)

const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentFailed    = "payment.failed"
)

// PaymentEvent is the body of a payment provider notification.
type PaymentEvent struct {
	EventID string `json:"eventId"`
	Type    string `json:"type"`
	OrderID string `json:"orderId"`
}

// WebhookResult tells the caller what happened to an event.
type WebhookResult struct {
	Duplicate bool          `json:"duplicate"`
	Ignored   bool          `json:"ignored"`
	Order     *domain.Order `json:"order,omitempty"`
}

// SignPayload returns the hex HMAC-SHA256 of body under secret.
func SignPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a hex HMAC-SHA256 signature in constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// HandlePaymentEvent records the event and applies it to the order.
// Repeats are applied again: completion and cancellation are both idempotent,
// so a delivery that failed midway converges on retry. A repeated event id
// must carry the same type and order as its first delivery.
func (a *App) HandlePaymentEvent(ctx context.Context, ev PaymentEvent, raw []byte) (WebhookResult, error) {
	ev.EventID = strings.TrimSpace(ev.EventID)
	ev.OrderID = strings.TrimSpace(ev.OrderID)
	if ev.EventID == "" || ev.OrderID == "" || ev.Type == "" {
		return WebhookResult{}, fmt.Errorf("%w: eventId, type and orderId are required", ErrInvalidWebhook)
	}
	stored, fresh, err := a.store.RecordWebhookEvent(ctx, domain.WebhookEvent{
		ID:         ev.EventID,
		Type:       ev.Type,
		OrderID:    ev.OrderID,
		Payload:    raw,
		ReceivedAt: a.clock(),
	})
	if err != nil {
		return WebhookResult{}, fmt.Errorf("record webhook: %w", err)
	}
	logger := util.LoggerFromContext(ctx).With("event_id", ev.EventID, "event_type", ev.Type, "order_id", ev.OrderID)
	if !fresh && (stored.Type != ev.Type || stored.OrderID != ev.OrderID) {
		logger.Warn("webhook event id reused", "stored_type", stored.Type, "stored_order_id", stored.OrderID)
		return WebhookResult{}, fmt.Errorf("%w: event %s was first delivered for another order or type", ErrInvalidWebhook, ev.EventID)
	}
	result := WebhookResult{Duplicate: !fresh}

	switch ev.Type {
	case EventPaymentSucceeded:
		order, err := a.CompleteOrder(ctx, ev.OrderID)
		if err != nil {
			return result, err
		}
		result.Order = &order
	case EventPaymentFailed:
		order, err := a.CancelOrder(ctx, ev.OrderID)
		if errors.Is(err, ErrOrderNotPending) {
			// payment already settled; a late failure changes nothing
			logger.Warn("payment failure for settled order ignored")
			result.Ignored = true
			return result, nil
		}
		if err != nil {
			return result, err
		}
		result.Order = &order
	default:
		logger.Info("webhook event type ignored")
		result.Ignored = true
	}
	return result, nil
}
