package pii

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedactor(t *testing.T) (*Redactor, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	r, err := NewRedactor(NewRedisVault(client, ""), "unit-test-secret-with-enough-entropy")
	if err != nil {
		t.Fatalf("NewRedactor: %v", err)
	}
	return r, mr
}

func TestRedactQuery(t *testing.T) {
	text := "Ship to jane@example.com, call +1 415 555 0100, card 4242 4242 4242 4242"
	out, found := RedactQuery(text)

	for _, leaked := range []string{"jane@example.com", "4242 4242", "555 0100"} {
		if strings.Contains(out, leaked) {
			t.Fatalf("%q leaked in %q", leaked, out)
		}
	}
	if len(found) != 3 {
		t.Fatalf("expected 3 detections, got %+v", found)
	}
	if found[0].Type != EntityCard || found[0].Masked != "***************4242" {
		t.Fatalf("unexpected card detection: %+v", found[0])
	}
}

func TestRedactQueryKeepsNonLuhnNumbersAsCards(t *testing.T) {
	out, found := RedactQuery("order 1234567890123")
	for _, d := range found {
		if d.Type == EntityCard {
			t.Fatalf("non-luhn number should not be a card: %q", out)
		}
	}
}

func TestSanitizeConversationLog(t *testing.T) {
	res := SanitizeConversationLog([]Message{
		{Role: "user", Content: "my email is a@b.io"},
		{Role: "assistant", Content: "thanks"},
	}, "m-1")

	if res.Summary.TotalRedactions != 1 || res.Summary.ByType[EntityEmail] != 1 {
		t.Fatalf("unexpected summary: %+v", res.Summary)
	}
	if res.Messages[0].Content != "my email is [EMAIL_REDACTED]" {
		t.Fatalf("unexpected content: %q", res.Messages[0].Content)
	}
}

func TestSecureTokenRoundTripAndTenantIsolation(t *testing.T) {
	r, mr := newTestRedactor(t)
	ctx := context.Background()

	tokenID, err := r.CreateSecureToken(ctx, "10 Downing Street", ClassAddress, "m-1", "u-1", 2)
	if err != nil {
		t.Fatalf("CreateSecureToken: %v", err)
	}
	if !strings.HasPrefix(tokenID, "tok_") {
		t.Fatalf("unexpected token id %q", tokenID)
	}

	got, err := r.RetrieveFromToken(ctx, tokenID, "m-1")
	if err != nil || got != "10 Downing Street" {
		t.Fatalf("RetrieveFromToken: %q, %v", got, err)
	}

	if _, err := r.RetrieveFromToken(ctx, tokenID, "m-2"); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("cross-tenant read must fail, got %v", err)
	}

	// 密文不含明文
	raw, _ := mr.Get("pii:token:m-1:" + tokenID)
	if strings.Contains(raw, "Downing") {
		t.Fatalf("value stored in clear text")
	}

	mr.FastForward(3 * time.Hour)
	if _, err := r.RetrieveFromToken(ctx, tokenID, "m-1"); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expired token should be gone, got %v", err)
	}
}

func TestTokenizePaymentData(t *testing.T) {
	r, _ := newTestRedactor(t)
	ctx := context.Background()

	res, err := r.TokenizePaymentData(ctx, map[string]string{
		"card_number": "4242424242424242",
		"cvv":         "123",
		"holder_name": "J Doe",
	}, "m-1", "u-1")
	if err != nil {
		t.Fatalf("TokenizePaymentData: %v", err)
	}

	if res.TokenizedData["holder_name"] != "J Doe" {
		t.Fatalf("non-sensitive field changed: %v", res.TokenizedData)
	}
	if res.TokenizedData["card_last4"] != "4242" {
		t.Fatalf("expected last4, got %v", res.TokenizedData["card_last4"])
	}
	if len(res.TokenMappings) != 2 {
		t.Fatalf("expected 2 token mappings, got %v", res.TokenMappings)
	}
	cvv, err := r.RetrieveFromToken(ctx, res.TokenMappings["cvv"], "m-1")
	if err != nil || cvv != "123" {
		t.Fatalf("cvv round trip: %q, %v", cvv, err)
	}
}
