package main

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/merchant/checkout/internal/config"
	"github.com/merchant/checkout/internal/events"
	"github.com/merchant/checkout/internal/model"
	"github.com/merchant/checkout/internal/provider"
	"github.com/merchant/checkout/internal/repository"
	"github.com/merchant/checkout/pkg/health"
)

func TestParseFlags(t *testing.T) {
	f, err := parseFlags([]string{"-once"}, io.Discard)
	if err != nil || !f.once {
		t.Fatalf("expected once flag, got %+v err=%v", f, err)
	}
	f, err = parseFlags(nil, io.Discard)
	if err != nil || f.once {
		t.Fatalf("expected defaults, got %+v err=%v", f, err)
	}
	if _, err := parseFlags([]string{"-bogus"}, io.Discard); err == nil {
		t.Fatalf("expected unknown flag error")
	}
}

func TestRetryInterval(t *testing.T) {
	cases := map[string]time.Duration{
		"@every 30s":  30 * time.Second,
		"@every 5m":   5 * time.Minute,
		"*/2 * * * *": 5 * time.Minute,
		"@every nope": 5 * time.Minute,
	}
	for spec, want := range cases {
		if got := retryInterval(spec); got != want {
			t.Fatalf("%q: want %s got %s", spec, want, got)
		}
	}
}

func TestNewRegistry(t *testing.T) {
	cfg := &config.Config{
		ProviderTimeout: time.Second,
		GatewayToken:    "token",
		Providers: map[string]config.ProviderConfig{
			"stripe":  {URL: "http://stripe.internal", Ceiling: decimal.RequireFromString("999999.99")},
			"adyen":   {Ceiling: decimal.RequireFromString("500000")},
			"default": {Ceiling: decimal.RequireFromString("10000")},
		},
	}
	reg := newRegistry(cfg)

	p, err := reg.Get(model.MethodStripe)
	if err != nil {
		t.Fatalf("stripe: %v", err)
	}
	if _, ok := p.(*provider.GatewayClient); !ok {
		t.Fatalf("expected gateway client for stripe, got %T", p)
	}
	p, err = reg.Get(model.MethodAdyen)
	if err != nil {
		t.Fatalf("adyen: %v", err)
	}
	if _, ok := p.(*provider.SimulatedProvider); !ok {
		t.Fatalf("expected simulated provider for adyen, got %T", p)
	}
	if c, ok := reg.Ceiling(model.MethodDefault); !ok || !c.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("unexpected default ceiling %s", c)
	}
}

func TestNewInventory(t *testing.T) {
	if _, ok := newInventory(&config.Config{}).(*provider.SimulatedInventory); !ok {
		t.Fatalf("expected simulated inventory")
	}
	cfg := &config.Config{InventoryURL: "http://inventory.internal", ProviderTimeout: time.Second}
	if _, ok := newInventory(cfg).(*provider.InventoryClient); !ok {
		t.Fatalf("expected inventory client")
	}
}

func TestNewPublisher(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	p, closeFn := newPublisher(&config.Config{EventTransport: config.TransportNone}, client)
	defer closeFn()
	if _, ok := p.(events.NopPublisher); !ok {
		t.Fatalf("expected nop publisher, got %T", p)
	}

	p, closeFn = newPublisher(&config.Config{EventTransport: config.TransportRedis, EventStream: "checkout:events", EventMaxLen: 100}, client)
	defer closeFn()
	if _, ok := p.(*events.RedisPublisher); !ok {
		t.Fatalf("expected redis publisher, got %T", p)
	}
}

func TestCompensationBacklogReadiness(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	tx, err := store.CreateTransaction(ctx, &model.Transaction{
		MerchantID:    "m-1",
		TotalAmount:   decimal.NewFromInt(10),
		Currency:      "USD",
		PaymentMethod: model.MethodDefault,
		Status:        model.TxCompensating,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	checker := health.NewBacklogChecker("compensation_backlog", compensationBacklog(store), 10)
	if res := checker.Check(ctx); res.Status != health.StatusUp {
		t.Fatalf("empty store should be up, got %+v", res)
	}

	a, err := store.AddCompensationAction(ctx, tx.TransactionID, "m-1", model.NewCompensationAction{
		ActionType: model.ActionPaymentRefund,
		RetryCount: 3,
		MaxRetries: 3,
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := store.UpdateCompensationAction(ctx, tx.TransactionID, "m-1", a.ActionID, model.ActionPatch{
		Status: model.Ptr(model.ActionFailed),
	}); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if res := checker.Check(ctx); res.Status != health.StatusDegraded {
		t.Fatalf("terminal action should degrade readiness, got %+v", res)
	}
}
