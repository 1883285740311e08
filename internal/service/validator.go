package service

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/merchant/checkout/internal/model"
	"github.com/merchant/checkout/internal/provider"
	commonerrors "github.com/merchant/checkout/pkg/errors"
	"github.com/merchant/checkout/pkg/validate"
)

const (
	DefaultConsentWindow = 24 * time.Hour
	// 客户端时钟允许的超前量
	consentClockSkew = 5 * time.Minute
)

// CheckoutValidator 结账请求校验，全部通过前不产生任何副作用
type CheckoutValidator struct {
	consentWindow   time.Duration
	defaultCurrency string
	now             func() time.Time
}

func NewCheckoutValidator(consentWindow time.Duration, defaultCurrency string) *CheckoutValidator {
	if consentWindow <= 0 {
		consentWindow = DefaultConsentWindow
	}
	if defaultCurrency == "" {
		defaultCurrency = "USD"
	}
	return &CheckoutValidator{
		consentWindow:   consentWindow,
		defaultCurrency: defaultCurrency,
		now:             time.Now,
	}
}

type validatedOrder struct {
	items    []ItemResult
	reserve  []provider.ReserveItem
	total    decimal.Decimal
	method   model.PaymentMethod
	currency string
}

// Validate 按 租户 -> 同意 -> 商品 -> 总额 -> 支付方式 -> 币种 的顺序校验
func (v *CheckoutValidator) Validate(req *CheckoutRequest) (*validatedOrder, error) {
	if req == nil {
		return nil, commonerrors.New(commonerrors.CodeInvalidRequest, "request body is required")
	}
	if err := validate.MerchantID(req.MerchantID); err != nil {
		return nil, err
	}
	if err := v.validateConsent(req.UserConsent); err != nil {
		return nil, err
	}
	if len(req.Items) == 0 {
		return nil, commonerrors.New(commonerrors.CodeInvalidItem, "At least one item is required")
	}

	order := &validatedOrder{
		items:   make([]ItemResult, 0, len(req.Items)),
		reserve: make([]provider.ReserveItem, 0, len(req.Items)),
		total:   decimal.Zero,
	}
	for _, item := range req.Items {
		if err := validate.SKU(item.SKU); err != nil {
			return nil, err
		}
		if err := validate.Quantity(item.SKU, item.Quantity); err != nil {
			return nil, err
		}
		if err := validate.Price(item.SKU, item.Price); err != nil {
			return nil, err
		}
		subtotal := item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))).Round(2)
		order.total = order.total.Add(subtotal)
		order.items = append(order.items, ItemResult{
			SKU:      item.SKU,
			Name:     item.Name,
			Quantity: item.Quantity,
			Price:    money(item.Price),
			Subtotal: money(subtotal),
		})
		order.reserve = append(order.reserve, provider.ReserveItem{SKU: item.SKU, Quantity: item.Quantity})
	}
	if !order.total.IsPositive() {
		return nil, commonerrors.New(commonerrors.CodeMinOrderAmount, "Minimum order amount not met")
	}

	method, err := model.ParsePaymentMethod(req.PaymentMethod)
	if err != nil {
		return nil, commonerrors.Newf(commonerrors.CodeUnsupportedMethod, "Unsupported payment method: %s", req.PaymentMethod)
	}
	order.method = method

	order.currency = req.Currency
	if order.currency == "" {
		order.currency = v.defaultCurrency
	}
	if err := validate.Currency(order.currency); err != nil {
		return nil, err
	}
	return order, nil
}

func (v *CheckoutValidator) validateConsent(c UserConsent) error {
	if !c.TermsAccepted {
		return commonerrors.New(commonerrors.CodeConsentRequired, "Terms and conditions must be accepted")
	}
	if !c.PrivacyAccepted {
		return commonerrors.New(commonerrors.CodeConsentRequired, "Privacy policy must be accepted")
	}
	if c.ConsentTimestamp.IsZero() {
		return commonerrors.New(commonerrors.CodeConsentRequired, "Consent timestamp is required")
	}
	now := v.now()
	if now.Sub(c.ConsentTimestamp) > v.consentWindow {
		return commonerrors.New(commonerrors.CodeConsentExpired, "Consent timestamp is too old")
	}
	if c.ConsentTimestamp.Sub(now) > consentClockSkew {
		return commonerrors.New(commonerrors.CodeConsentExpired, "Consent timestamp is in the future")
	}
	return nil
}
