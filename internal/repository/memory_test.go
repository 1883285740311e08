package repository

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/merchant/checkout/internal/model"
)

func seedTx(t *testing.T, s *MemoryStore, merchantID string) *model.Transaction {
	t.Helper()
	tx, err := s.CreateTransaction(context.Background(), &model.Transaction{
		MerchantID:    merchantID,
		TotalAmount:   decimal.NewFromInt(25),
		Currency:      "USD",
		PaymentMethod: model.MethodDefault,
	})
	if err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}
	return tx
}

func TestMemoryStore_TenantIsolation(t *testing.T) {
	s := NewMemoryStore()
	tx := seedTx(t, s, "m-1")

	if _, err := s.GetTransaction(context.Background(), tx.TransactionID, "m-2"); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("expected not found for other merchant, got %v", err)
	}
	_, err := s.UpdateTransaction(context.Background(), tx.TransactionID, "m-2", model.TransactionPatch{
		Status: model.Ptr(model.TxFailed),
	})
	if !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("expected not found on update, got %v", err)
	}
	got, _ := s.GetTransaction(context.Background(), tx.TransactionID, "m-1")
	if got.Status != model.TxPending {
		t.Fatalf("status changed across tenants: %s", got.Status)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	tx := seedTx(t, s, "m-1")
	tx.Metadata["x"] = "mutated"

	got, _ := s.GetTransaction(context.Background(), tx.TransactionID, "m-1")
	if _, ok := got.Metadata["x"]; ok {
		t.Fatalf("store leaked internal map")
	}
}

func TestMemoryStore_ConditionalUpdate(t *testing.T) {
	s := NewMemoryStore()
	tx := seedTx(t, s, "m-1")
	ctx := context.Background()

	_, err := s.UpdateTransaction(ctx, tx.TransactionID, "m-1", model.TransactionPatch{
		Status:       model.Ptr(model.TxConfirmed),
		ExpectStatus: []model.TransactionStatus{model.TxPending},
	})
	if err != nil {
		t.Fatalf("first update: %v", err)
	}
	_, err = s.UpdateTransaction(ctx, tx.TransactionID, "m-1", model.TransactionPatch{
		Status:       model.Ptr(model.TxConfirmed),
		ExpectStatus: []model.TransactionStatus{model.TxPending},
	})
	if !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}
}

func TestMemoryStore_ActionsAndRetryable(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	tx := seedTx(t, s, "m-1")

	a1, err := s.AddCompensationAction(ctx, tx.TransactionID, "m-1", model.NewCompensationAction{ActionType: model.ActionInventoryRelease})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	a2, _ := s.AddCompensationAction(ctx, tx.TransactionID, "m-1", model.NewCompensationAction{ActionType: model.ActionPaymentRefund})

	got, _ := s.GetTransaction(ctx, tx.TransactionID, "m-1")
	if len(got.CompensationActions) != 2 || got.CompensationActions[0] != a1.ActionID {
		t.Fatalf("actions=%v", got.CompensationActions)
	}

	if _, err := s.UpdateCompensationAction(ctx, tx.TransactionID, "m-1", a2.ActionID, model.ActionPatch{
		Status:       model.Ptr(model.ActionFailed),
		ErrorMessage: model.Ptr("refund declined"),
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	pending, _ := s.GetPendingCompensationActions(ctx, "m-1")
	if len(pending) != 1 || pending[0].ActionID != a2.ActionID {
		t.Fatalf("pending=%v", pending)
	}
	if other, _ := s.GetPendingCompensationActions(ctx, "m-2"); len(other) != 0 {
		t.Fatalf("other merchant sees actions: %v", other)
	}
	merchants, _ := s.ListMerchantsWithRetryableActions(ctx)
	if len(merchants) != 1 || merchants[0] != "m-1" {
		t.Fatalf("merchants=%v", merchants)
	}

	if _, err := s.UpdateCompensationAction(ctx, tx.TransactionID, "m-1", a2.ActionID, model.ActionPatch{
		SupersededBy:        model.Ptr("next"),
		RequireUnsuperseded: true,
	}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	_, err = s.UpdateCompensationAction(ctx, tx.TransactionID, "m-1", a2.ActionID, model.ActionPatch{
		SupersededBy:        model.Ptr("again"),
		RequireUnsuperseded: true,
	})
	if !errors.Is(err, ErrActionSuperseded) {
		t.Fatalf("expected ErrActionSuperseded, got %v", err)
	}
	if pending, _ := s.GetPendingCompensationActions(ctx, "m-1"); len(pending) != 0 {
		t.Fatalf("superseded action still pending: %v", pending)
	}
}

func TestMemoryStore_AddActionUnknownTransaction(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.AddCompensationAction(context.Background(), "missing", "m-1", model.NewCompensationAction{ActionType: model.ActionOrderCancel})
	if !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
}

func TestMemoryStore_AddActionClaimsType(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	tx := seedTx(t, s, "m-1")

	first, err := s.AddCompensationAction(ctx, tx.TransactionID, "m-1", model.NewCompensationAction{ActionType: model.ActionPaymentRefund})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := s.AddCompensationAction(ctx, tx.TransactionID, "m-1", model.NewCompensationAction{ActionType: model.ActionPaymentRefund}); !errors.Is(err, ErrActionClaimed) {
		t.Fatalf("pending attempt must block the type, got %v", err)
	}

	if _, err := s.UpdateCompensationAction(ctx, tx.TransactionID, "m-1", first.ActionID, model.ActionPatch{
		Status: model.Ptr(model.ActionFailed),
	}); err != nil {
		t.Fatalf("fail: %v", err)
	}
	second, err := s.AddCompensationAction(ctx, tx.TransactionID, "m-1", model.NewCompensationAction{ActionType: model.ActionPaymentRefund, RetryCount: 1})
	if err != nil {
		t.Fatalf("failed attempt must not block a new one: %v", err)
	}
	history, _ := s.ListCompensationActions(ctx, tx.TransactionID, "m-1")
	if history[0].SupersededBy != second.ActionID {
		t.Fatalf("old failed attempt must be superseded by the new one: %+v", history[0])
	}
	if pending, _ := s.GetPendingCompensationActions(ctx, "m-1"); len(pending) != 0 {
		t.Fatalf("superseded attempt still retryable: %v", pending)
	}

	if _, err := s.UpdateCompensationAction(ctx, tx.TransactionID, "m-1", second.ActionID, model.ActionPatch{
		Status: model.Ptr(model.ActionCompleted),
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := s.AddCompensationAction(ctx, tx.TransactionID, "m-1", model.NewCompensationAction{ActionType: model.ActionPaymentRefund}); !errors.Is(err, ErrActionClaimed) {
		t.Fatalf("completed attempt must block the type, got %v", err)
	}
	if _, err := s.AddCompensationAction(ctx, tx.TransactionID, "m-1", model.NewCompensationAction{ActionType: model.ActionOrderCancel}); err != nil {
		t.Fatalf("other types are independent: %v", err)
	}
}

func TestMemoryStore_ConcurrentClaims(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	tx := seedTx(t, s, "m-1")

	const workers = 8
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		claimed atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.AddCompensationAction(ctx, tx.TransactionID, "m-1", model.NewCompensationAction{ActionType: model.ActionInventoryRelease})
			if err == nil {
				claimed.Add(1)
			} else if !errors.Is(err, ErrActionClaimed) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if n := claimed.Load(); n != 1 {
		t.Fatalf("expected exactly one claim, got %d", n)
	}
}

func TestMemoryStore_CompensationBacklog(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	fail := func(merchantID string, typ model.ActionType, retry, budget int) *model.CompensationAction {
		t.Helper()
		tx := seedTx(t, s, merchantID)
		a, err := s.AddCompensationAction(ctx, tx.TransactionID, merchantID, model.NewCompensationAction{
			ActionType: typ, RetryCount: retry, MaxRetries: budget,
		})
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		if _, err := s.UpdateCompensationAction(ctx, tx.TransactionID, merchantID, a.ActionID, model.ActionPatch{
			Status: model.Ptr(model.ActionFailed),
		}); err != nil {
			t.Fatalf("fail: %v", err)
		}
		return a
	}

	fail("m-1", model.ActionPaymentRefund, 0, 3)
	fail("m-2", model.ActionInventoryRelease, 1, 3)
	fail("m-2", model.ActionPaymentRefund, 3, 3)
	claimed := fail("m-1", model.ActionOrderCancel, 0, 3)
	if _, err := s.UpdateCompensationAction(ctx, claimed.TransactionID, "m-1", claimed.ActionID, model.ActionPatch{
		SupersededBy:        model.Ptr("next"),
		RequireUnsuperseded: true,
	}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	got, err := s.CompensationBacklog(ctx)
	if err != nil {
		t.Fatalf("backlog: %v", err)
	}
	if got.Retryable != 2 || got.Terminal != 1 {
		t.Fatalf("backlog=%+v", got)
	}
}
