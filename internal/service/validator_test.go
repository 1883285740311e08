package service

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	commonerrors "github.com/merchant/checkout/pkg/errors"
)

func newTestValidator(now time.Time) *CheckoutValidator {
	v := NewCheckoutValidator(DefaultConsentWindow, "")
	v.now = func() time.Time { return now }
	return v
}

func TestValidate_ConsentWindow(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	v := newTestValidator(now)

	tests := []struct {
		name string
		ts   time.Time
		code commonerrors.Code
	}{
		{"fresh", now.Add(-time.Hour), commonerrors.CodeOK},
		{"edge of window", now.Add(-24 * time.Hour), commonerrors.CodeOK},
		{"stale", now.Add(-24*time.Hour - time.Second), commonerrors.CodeConsentExpired},
		{"small skew", now.Add(2 * time.Minute), commonerrors.CodeOK},
		{"future", now.Add(10 * time.Minute), commonerrors.CodeConsentExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest("merchant-a")
			req.UserConsent.ConsentTimestamp = tt.ts
			_, err := v.Validate(req)
			if tt.code == commonerrors.CodeOK {
				if err != nil {
					t.Fatalf("expected nil, got %v", err)
				}
				return
			}
			if !commonerrors.IsCode(err, tt.code) {
				t.Fatalf("expected %s, got %v", tt.code, err)
			}
		})
	}
}

func TestValidate_Totals(t *testing.T) {
	v := newTestValidator(time.Now())
	req := validRequest("merchant-a")
	req.Currency = ""
	req.Items = []CheckoutItem{
		{SKU: "A", Quantity: 3, Price: decimal.RequireFromString("0.333")},
		{SKU: "B", Quantity: 1, Price: decimal.RequireFromString("10")},
	}

	order, err := v.Validate(req)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if order.total.StringFixed(2) != "11.00" {
		t.Fatalf("unexpected total %s", order.total)
	}
	if order.items[0].Subtotal != "1.00" || order.items[1].Price != "10.00" {
		t.Fatalf("unexpected items: %+v", order.items)
	}
	if order.currency != "USD" || order.method != "stripe" {
		t.Fatalf("unexpected defaults: %s %s", order.currency, order.method)
	}
	if len(order.reserve) != 2 || order.reserve[0].Quantity != 3 {
		t.Fatalf("unexpected reservation lines: %+v", order.reserve)
	}
}

func TestValidate_RequestShape(t *testing.T) {
	v := newTestValidator(time.Now())

	if _, err := v.Validate(nil); !commonerrors.IsCode(err, commonerrors.CodeInvalidRequest) {
		t.Fatalf("expected INVALID_REQUEST, got %v", err)
	}

	req := validRequest("")
	if _, err := v.Validate(req); !commonerrors.IsCode(err, commonerrors.CodeInvalidParam) {
		t.Fatalf("expected INVALID_PARAM for missing merchant, got %v", err)
	}

	req = validRequest("merchant-a")
	req.Currency = "usd"
	if _, err := v.Validate(req); !commonerrors.IsCode(err, commonerrors.CodeInvalidParam) {
		t.Fatalf("expected INVALID_PARAM for currency, got %v", err)
	}
}
