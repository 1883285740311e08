package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func decodeLastLogLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	lines := strings.Split(buf.String(), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}

		var payload map[string]any
		if err := json.Unmarshal([]byte(lines[i]), &payload); err != nil {
			t.Fatalf("failed to decode log line: %v", err)
		}
		return payload
	}

	t.Fatal("no log lines found")
	return nil
}

func TestWithContextInjectsFields(t *testing.T) {
	var buf bytes.Buffer
	log := New("checkout", &buf)

	ctx := ContextWithTraceID(context.Background(), "trace-123")
	ctx = ContextWithSpanID(ctx, "span-456")
	ctx = ContextWithRequestID(ctx, "req-789")

	log.WithContext(ctx).Info("transaction confirmed")

	payload := decodeLastLogLine(t, &buf)

	if payload["service"] != "checkout" {
		t.Fatalf("expected service to be injected, got %v", payload["service"])
	}
	if payload["traceID"] != "trace-123" {
		t.Fatalf("expected traceID to be injected, got %v", payload["traceID"])
	}
	if payload["spanID"] != "span-456" {
		t.Fatalf("expected spanID to be injected, got %v", payload["spanID"])
	}
	if payload["requestID"] != "req-789" {
		t.Fatalf("expected requestID to be injected, got %v", payload["requestID"])
	}
	if payload["timestamp"] == nil {
		t.Fatalf("expected timestamp to be injected")
	}
	if payload["message"] != "transaction confirmed" {
		t.Fatalf("expected message to match, got %v", payload["message"])
	}
}

func TestWithMerchantAndFields(t *testing.T) {
	var buf bytes.Buffer
	log := New("checkout", &buf)

	log.WithMerchant("m-1", "tx-1").WithError(errors.New("gateway timeout")).Errorf("charge failed", map[string]interface{}{
		"provider": "stripe",
	})

	payload := decodeLastLogLine(t, &buf)
	if payload["merchantId"] != "m-1" || payload["transactionId"] != "tx-1" {
		t.Fatalf("expected tenant fields, got %v", payload)
	}
	if payload["error"] != "gateway timeout" {
		t.Fatalf("expected error field, got %v", payload["error"])
	}
	if payload["provider"] != "stripe" {
		t.Fatalf("expected provider field, got %v", payload["provider"])
	}
	if payload["level"] != "error" {
		t.Fatalf("expected error level, got %v", payload["level"])
	}
}

func TestWithMerchantOmitsEmptyTransaction(t *testing.T) {
	var buf bytes.Buffer
	New("checkout", &buf).WithMerchant("m-2", "").Warn("sweep skipped")

	payload := decodeLastLogLine(t, &buf)
	if _, ok := payload["transactionId"]; ok {
		t.Fatalf("transactionId should be omitted, got %v", payload["transactionId"])
	}
}
