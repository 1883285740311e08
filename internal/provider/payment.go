// Package provider 支付网关与库存系统适配
package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/merchant/checkout/internal/model"
	commonerrors "github.com/merchant/checkout/pkg/errors"
)

// ChargeRequest 扣款请求；IntentID 在扣款前落库，同时作为幂等键
type ChargeRequest struct {
	IntentID string
	Amount   decimal.Decimal
	Currency string
	Method   model.PaymentMethod
}

// RefundRequest 退款请求；Reference 为确认号或 intent
type RefundRequest struct {
	Reference      string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
}

type RefundStatus string

const (
	RefundSucceeded RefundStatus = "succeeded"
	RefundPending   RefundStatus = "pending"
)

// PaymentProvider 支付提供方
type PaymentProvider interface {
	Name() string
	Charge(ctx context.Context, req ChargeRequest) (confirmationID string, err error)
	Refund(ctx context.Context, req RefundRequest) (RefundStatus, error)
}

type registryEntry struct {
	provider PaymentProvider
	ceiling  decimal.Decimal
}

// Registry 支付方式到提供方与单笔上限的映射
type Registry struct {
	mu      sync.RWMutex
	entries map[model.PaymentMethod]registryEntry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[model.PaymentMethod]registryEntry)}
}

// Register 注册提供方；ceiling <= 0 表示不限额
func (r *Registry) Register(method model.PaymentMethod, p PaymentProvider, ceiling decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[method] = registryEntry{provider: p, ceiling: ceiling}
}

// Get 返回支付方式对应的提供方
func (r *Registry) Get(method model.PaymentMethod) (PaymentProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[method]
	if !ok {
		return nil, commonerrors.Newf(commonerrors.CodeUnsupportedMethod, "Unsupported payment method: %s", method)
	}
	return e.provider, nil
}

// Ceiling 返回单笔上限
func (r *Registry) Ceiling(method model.PaymentMethod) (decimal.Decimal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[method]
	if !ok {
		return decimal.Zero, false
	}
	return e.ceiling, true
}

// CheckLimit 超过提供方单笔上限时返回带提供方名称的错误，不调用提供方
func (r *Registry) CheckLimit(method model.PaymentMethod, amount decimal.Decimal) error {
	ceiling, ok := r.Ceiling(method)
	if !ok {
		return commonerrors.Newf(commonerrors.CodeUnsupportedMethod, "Unsupported payment method: %s", method)
	}
	if ceiling.IsPositive() && amount.GreaterThan(ceiling) {
		return commonerrors.Newf(commonerrors.CodeProviderLimitExceeded, "Amount exceeds %s transaction limit", displayName(method))
	}
	return nil
}

func displayName(method model.PaymentMethod) string {
	switch method {
	case model.MethodStripe:
		return "Stripe"
	case model.MethodAdyen:
		return "Adyen"
	case model.MethodDefault:
		return "default provider"
	default:
		s := string(method)
		if s == "" {
			return "provider"
		}
		return strings.ToUpper(s[:1]) + s[1:]
	}
}

// IntentID 由交易 ID 派生，重复扣款请求复用同一个幂等键
func IntentID(transactionID string) string {
	return fmt.Sprintf("pi_%s", transactionID)
}
