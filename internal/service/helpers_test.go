package service

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/merchant/checkout/internal/events"
	"github.com/merchant/checkout/internal/metrics"
	"github.com/merchant/checkout/internal/model"
	"github.com/merchant/checkout/internal/provider"
	"github.com/merchant/checkout/internal/repository"
	"github.com/merchant/checkout/pkg/audit"
	commonerrors "github.com/merchant/checkout/pkg/errors"
	"github.com/merchant/checkout/pkg/logger"
	"github.com/merchant/checkout/pkg/pii"
)

var (
	_ TransactionStore = (*repository.MemoryStore)(nil)
	_ TransactionStore = (*repository.PostgresStore)(nil)
	_ PIIRedactor      = (*pii.Redactor)(nil)
	_ Compensator      = (*CompensationService)(nil)
)

// scriptedProvider 按脚本返回结果的支付提供方
type scriptedProvider struct {
	name string

	mu          sync.Mutex
	chargeErr   error
	refundErr   error
	refundFails int // 前 N 次退款失败，0 表示由 refundErr 决定
	charges     int
	refunds     []provider.RefundRequest
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Charge(_ context.Context, req provider.ChargeRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.charges++
	if p.chargeErr != nil {
		return "", p.chargeErr
	}
	return p.name + "_" + req.IntentID, nil
}

func (p *scriptedProvider) Refund(_ context.Context, req provider.RefundRequest) (provider.RefundStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refunds = append(p.refunds, req)
	if p.refundFails > 0 {
		p.refundFails--
		return "", commonerrors.New(commonerrors.CodeRefundFailed, "refund declined")
	}
	if p.refundErr != nil {
		return "", p.refundErr
	}
	return provider.RefundSucceeded, nil
}

func (p *scriptedProvider) chargeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.charges
}

func (p *scriptedProvider) refundRequests() []provider.RefundRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]provider.RefundRequest(nil), p.refunds...)
}

// scriptedInventory 包装模拟库存，可注入失败
type scriptedInventory struct {
	*provider.SimulatedInventory
	reserveErr error
	releaseErr error

	mu       sync.Mutex
	released []string
	// 非空时 Release 先通知 entered 再等待 gate 关闭
	entered chan struct{}
	gate    chan struct{}
}

func (i *scriptedInventory) Reserve(ctx context.Context, merchantID, key string, items []provider.ReserveItem) (string, error) {
	if i.reserveErr != nil {
		return "", i.reserveErr
	}
	return i.SimulatedInventory.Reserve(ctx, merchantID, key, items)
}

func (i *scriptedInventory) Release(ctx context.Context, merchantID, reservationID string) error {
	i.mu.Lock()
	i.released = append(i.released, reservationID)
	entered, gate, releaseErr := i.entered, i.gate, i.releaseErr
	i.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if releaseErr != nil {
		return releaseErr
	}
	return i.SimulatedInventory.Release(ctx, merchantID, reservationID)
}

func (i *scriptedInventory) releaseCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.released)
}

// block 让后续 Release 停在 gate 上，返回进入通知与放行函数
func (i *scriptedInventory) block() (<-chan struct{}, func()) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.entered = make(chan struct{}, 1)
	i.gate = make(chan struct{})
	gate := i.gate
	return i.entered, func() { close(gate) }
}

// flakyStore 对指定动作类型的前 N 次写入返回错误
type flakyStore struct {
	*repository.MemoryStore

	mu       sync.Mutex
	failType model.ActionType
	failures int
}

func (s *flakyStore) AddCompensationAction(ctx context.Context, transactionID, merchantID string, next model.NewCompensationAction) (*model.CompensationAction, error) {
	s.mu.Lock()
	if next.ActionType == s.failType && s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return nil, errStoreDown
	}
	s.mu.Unlock()
	return s.MemoryStore.AddCompensationAction(ctx, transactionID, merchantID, next)
}

// recordingPublisher 记录事件，failFor 中的类型发布失败
type recordingPublisher struct {
	mu      sync.Mutex
	events  []*events.Event
	failFor map[events.Type]error
}

func (p *recordingPublisher) Publish(_ context.Context, ev *events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failFor[ev.Type]; err != nil {
		return err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type harness struct {
	store     *repository.MemoryStore
	payments  *provider.Registry
	stripe    *scriptedProvider
	adyen     *scriptedProvider
	fallback  *provider.SimulatedProvider
	inventory *scriptedInventory
	audit     *audit.MemoryRepository
	publisher *recordingPublisher
	metrics   *metrics.Metrics
	comp      *CompensationService
	svc       *CheckoutService
	redis     *miniredis.Miniredis
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	redactor, err := pii.NewRedactor(pii.NewRedisVault(client, "pii:"), "test-secret")
	if err != nil {
		t.Fatalf("new redactor: %v", err)
	}

	h := &harness{
		store:     repository.NewMemoryStore(),
		payments:  provider.NewRegistry(),
		stripe:    &scriptedProvider{name: "stripe"},
		adyen:     &scriptedProvider{name: "adyen"},
		fallback:  provider.NewSimulatedProvider("default"),
		inventory: &scriptedInventory{SimulatedInventory: provider.NewSimulatedInventory()},
		audit:     audit.NewMemoryRepository(),
		publisher: &recordingPublisher{},
		metrics:   metrics.New(),
		redis:     mr,
	}
	h.payments.Register(model.MethodStripe, h.stripe, decimal.RequireFromString("999999.99"))
	h.payments.Register(model.MethodAdyen, h.adyen, decimal.RequireFromString("500000"))
	h.payments.Register(model.MethodDefault, h.fallback, decimal.RequireFromString("10000"))

	log := logger.New("checkout-test", io.Discard)
	h.comp = NewCompensationService(h.store, h.payments, h.inventory, h.audit, h.metrics, log)
	h.comp.SetPublisher(h.publisher)
	h.svc = NewCheckoutService(h.store, h.payments, h.inventory, h.comp, redactor, NewCheckoutValidator(DefaultConsentWindow, "USD"), h.audit, h.metrics, log)
	h.svc.SetPublisher(h.publisher)
	return h
}

// compensatorOn 共享 harness 的提供方与审计，换用另一个存储
func (h *harness) compensatorOn(store TransactionStore) *CompensationService {
	comp := NewCompensationService(store, h.payments, h.inventory, h.audit, h.metrics, logger.New("checkout-test", io.Discard))
	comp.SetPublisher(h.publisher)
	return comp
}

func validRequest(merchantID string) *CheckoutRequest {
	return &CheckoutRequest{
		MerchantID: merchantID,
		UserID:     "user-1",
		SessionID:  "sess-1",
		Items: []CheckoutItem{
			{SKU: "SKU-TEE", Name: "Tee", Quantity: 2, Price: decimal.RequireFromString("15.00")},
			{SKU: "SKU-MUG", Name: "Mug", Quantity: 1, Price: decimal.RequireFromString("31.00")},
			{SKU: "SKU-PIN", Name: "Pin", Quantity: 1, Price: decimal.RequireFromString("5.99")},
		},
		Currency:      "USD",
		PaymentMethod: "stripe",
		UserConsent: UserConsent{
			TermsAccepted:    true,
			PrivacyAccepted:  true,
			ConsentTimestamp: time.Now().Add(-time.Minute),
		},
	}
}

func actionTypes(actions []*model.CompensationAction) []string {
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		out = append(out, string(a.ActionType))
	}
	return out
}

func scrape(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

func assertMetric(t *testing.T, body, line string) {
	t.Helper()
	if !strings.Contains(body, line) {
		t.Fatalf("expected metric line %q in\n%s", line, body)
	}
}

var (
	errGateway   = errors.New("gateway timeout")
	errStoreDown = errors.New("connection reset by peer")
)
