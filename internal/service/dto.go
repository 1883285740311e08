package service

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/merchant/checkout/internal/model"
)

type CheckoutItem struct {
	SKU         string          `json:"sku"`
	Name        string          `json:"name"`
	Quantity    int             `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Description string          `json:"description,omitempty"`
}

type Address struct {
	Name       string `json:"name,omitempty"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

// String 单行地址，仅用于脱敏后记录
func (a *Address) String() string {
	if a == nil {
		return ""
	}
	var parts []string
	for _, p := range []string{a.Name, a.Line1, a.Line2, a.City, a.State, a.PostalCode, a.Country, a.Phone} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

type UserConsent struct {
	TermsAccepted    bool      `json:"terms_accepted"`
	PrivacyAccepted  bool      `json:"privacy_accepted"`
	ConsentTimestamp time.Time `json:"consent_timestamp"`
}

// CheckoutRequest 结账请求；MerchantID 由接入层从认证信息填充
type CheckoutRequest struct {
	MerchantID      string            `json:"-"`
	UserID          string            `json:"user_id"`
	SessionID       string            `json:"session_id"`
	Items           []CheckoutItem    `json:"items"`
	Currency        string            `json:"currency,omitempty"`
	PaymentMethod   string            `json:"payment_method"`
	PaymentDetails  map[string]string `json:"payment_details,omitempty"`
	ShippingAddress *Address          `json:"shipping_address,omitempty"`
	BillingAddress  *Address          `json:"billing_address,omitempty"`
	UserConsent     UserConsent       `json:"user_consent"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// ItemResult 金额字段为两位小数字符串
type ItemResult struct {
	SKU      string `json:"sku"`
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Price    string `json:"price"`
	Subtotal string `json:"subtotal"`
}

type CheckoutResponse struct {
	TransactionID       string              `json:"transaction_id,omitempty"`
	Status              string              `json:"status"`
	TotalAmount         string              `json:"total_amount"`
	Currency            string              `json:"currency,omitempty"`
	Items               []ItemResult        `json:"items,omitempty"`
	PaymentConfirmation string              `json:"payment_confirmation,omitempty"`
	OrderReference      string              `json:"order_reference,omitempty"`
	ErrorCode           string              `json:"error_code,omitempty"`
	ErrorMessage        string              `json:"error_message,omitempty"`
	Compensation        *CompensationResult `json:"compensation,omitempty"`
	CreatedAt           string              `json:"created_at,omitempty"`
}

type ActionStatusDTO struct {
	ActionID     string `json:"action_id"`
	ActionType   string `json:"action_type"`
	Status       string `json:"status"`
	RetryCount   int    `json:"retry_count"`
	MaxRetries   int    `json:"max_retries"`
	ErrorMessage string `json:"error_message,omitempty"`
	ExecutedAt   string `json:"executed_at,omitempty"`
	SupersededBy string `json:"superseded_by,omitempty"`
}

type TransactionStatusDTO struct {
	TransactionID       string            `json:"transaction_id"`
	Status              string            `json:"status"`
	TotalAmount         string            `json:"total_amount"`
	Currency            string            `json:"currency"`
	PaymentMethod       string            `json:"payment_method"`
	PaymentConfirmation string            `json:"payment_confirmation,omitempty"`
	OrderReference      string            `json:"order_reference,omitempty"`
	InventoryReserved   bool              `json:"inventory_reserved"`
	CompensationActions []ActionStatusDTO `json:"compensation_actions"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	CreatedAt           string            `json:"created_at"`
	UpdatedAt           string            `json:"updated_at"`
}

type CancellationResponse struct {
	TransactionID      string              `json:"transaction_id"`
	Status             string              `json:"status"`
	RefundStatus       string              `json:"refund_status"`
	CancellationReason string              `json:"cancellation_reason"`
	Compensation       *CompensationResult `json:"compensation,omitempty"`
}

const (
	RefundProcessing     = "processing"
	RefundNotRequired    = "not_required"
	RefundRetryScheduled = "retry_scheduled"
)

type CompensationResult struct {
	TransactionID   string   `json:"transaction_id"`
	Success         bool     `json:"success"`
	ActionsExecuted []string `json:"actions_executed"`
	Errors          []string `json:"errors"`
	FinalStatus     string   `json:"final_status"`
}

type RetryResult struct {
	Retried   int `json:"retried"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Terminal  int `json:"terminal"`
	Skipped   int `json:"skipped"`
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toStatusDTO(tx *model.Transaction, actions []*model.CompensationAction) *TransactionStatusDTO {
	out := &TransactionStatusDTO{
		TransactionID:       tx.TransactionID,
		Status:              string(tx.Status),
		TotalAmount:         money(tx.TotalAmount),
		Currency:            tx.Currency,
		PaymentMethod:       string(tx.PaymentMethod),
		PaymentConfirmation: tx.PaymentConfirmation,
		OrderReference:      tx.OrderReference,
		InventoryReserved:   tx.InventoryReserved,
		CompensationActions: make([]ActionStatusDTO, 0, len(actions)),
		Metadata:            tx.Metadata,
		CreatedAt:           formatTime(tx.CreatedAt),
		UpdatedAt:           formatTime(tx.UpdatedAt),
	}
	for _, a := range actions {
		dto := ActionStatusDTO{
			ActionID:     a.ActionID,
			ActionType:   string(a.ActionType),
			Status:       string(a.Status),
			RetryCount:   a.RetryCount,
			MaxRetries:   a.MaxRetries,
			ErrorMessage: a.ErrorMessage,
			SupersededBy: a.SupersededBy,
		}
		if a.ExecutedAt != nil {
			dto.ExecutedAt = formatTime(*a.ExecutedAt)
		}
		out.CompensationActions = append(out.CompensationActions, dto)
	}
	return out
}
