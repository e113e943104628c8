package security

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestAlerter(t *testing.T) *AuditAlerter {
	t.Helper()
	mr := miniredis.RunT(t)
	alerter, err := NewAuditAlerter(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:alerts")
	if err != nil {
		t.Fatalf("new alerter: %v", err)
	}
	return alerter
}

func TestAuditAlerterObserveTriggers(t *testing.T) {
	alerter := newTestAlerter(t)
	var last AlertResult
	for i := 0; i < 3; i++ {
		result, err := alerter.Observe(context.Background(), "storefront.webhook.verify", "fail", "203.0.113.7")
		if err != nil {
			t.Fatalf("observe: %v", err)
		}
		if i < 2 && result.Triggered {
			t.Fatalf("triggered early at %d", i+1)
		}
		last = result
	}
	if !last.Triggered || last.Count != 3 || last.Threshold != 3 {
		t.Fatalf("expected alert threshold to trigger, got %+v", last)
	}

	other, err := alerter.Observe(context.Background(), "storefront.webhook.verify", "fail", "198.51.100.1")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if other.Triggered || other.Count != 1 {
		t.Fatalf("counters must be per ip, got %+v", other)
	}
}

func TestAuditAlerterObserveIgnoresUnknownRule(t *testing.T) {
	alerter := newTestAlerter(t)
	result, err := alerter.Observe(context.Background(), "storefront.login", "success", "127.0.0.1")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if result.Triggered || result.Count != 0 {
		t.Fatalf("unexpected result for unknown rule: %+v", result)
	}
}

func TestNilAlerterIsNoop(t *testing.T) {
	var alerter *AuditAlerter
	if _, err := alerter.Observe(context.Background(), "storefront.login", "fail", ""); err != nil {
		t.Fatalf("nil alerter: %v", err)
	}
	if _, err := NewAuditAlerter(nil, ""); err == nil {
		t.Fatalf("expected error without client")
	}
}
