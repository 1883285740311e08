// Package model 交易与补偿动作的持久化模型
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type TransactionStatus string

const (
	TxPending      TransactionStatus = "pending"
	TxConfirmed    TransactionStatus = "confirmed"
	TxFailed       TransactionStatus = "failed"
	TxCompensating TransactionStatus = "compensating"
	TxCancelled    TransactionStatus = "cancelled"
)

type PaymentMethod string

const (
	MethodStripe  PaymentMethod = "stripe"
	MethodAdyen   PaymentMethod = "adyen"
	MethodDefault PaymentMethod = "default"
)

// ParsePaymentMethod 空值视为 default
func ParsePaymentMethod(s string) (PaymentMethod, error) {
	switch PaymentMethod(s) {
	case "":
		return MethodDefault, nil
	case MethodStripe, MethodAdyen, MethodDefault:
		return PaymentMethod(s), nil
	default:
		return "", fmt.Errorf("unsupported payment method: %q", s)
	}
}

// 交易状态允许的迁移
var txTransitions = map[TransactionStatus][]TransactionStatus{
	TxPending:      {TxConfirmed, TxFailed, TxCompensating},
	TxConfirmed:    {TxCompensating},
	TxFailed:       {TxCompensating},
	TxCompensating: {TxCompensating, TxCancelled},
	TxCancelled:    {},
}

// CanTransition 判断状态迁移是否合法
func CanTransition(from, to TransactionStatus) bool {
	for _, s := range txTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SourcesFor 返回能迁移到 to 的所有状态，用于条件更新
func SourcesFor(to TransactionStatus) []TransactionStatus {
	var out []TransactionStatus
	for _, from := range []TransactionStatus{TxPending, TxConfirmed, TxFailed, TxCompensating, TxCancelled} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

type Transaction struct {
	TransactionID          string            `json:"transactionId"`
	MerchantID             string            `json:"merchantId"`
	UserID                 string            `json:"userId"`
	SessionID              string            `json:"sessionId"`
	Status                 TransactionStatus `json:"status"`
	TotalAmount            decimal.Decimal   `json:"totalAmount"`
	Currency               string            `json:"currency"`
	PaymentMethod          PaymentMethod     `json:"paymentMethod"`
	PaymentConfirmation    string            `json:"paymentConfirmation,omitempty"`
	PaymentIntentID        string            `json:"paymentIntentId,omitempty"`
	OrderReference         string            `json:"orderReference,omitempty"`
	InventoryReserved      bool              `json:"inventoryReserved"`
	InventoryReservationID string            `json:"inventoryReservationId,omitempty"`
	CompensationActions    []string          `json:"compensationActions"`
	Metadata               map[string]string `json:"metadata"`
	CreatedAt              time.Time         `json:"createdAt"`
	UpdatedAt              time.Time         `json:"updatedAt"`
}

// Clone 深拷贝，存储层返回副本避免共享可变状态
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	cp := *t
	cp.CompensationActions = append([]string(nil), t.CompensationActions...)
	cp.Metadata = make(map[string]string, len(t.Metadata))
	for k, v := range t.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}

// PaymentReference 退款使用的支付引用：优先确认号，其次 intent
func (t *Transaction) PaymentReference() string {
	if t.PaymentConfirmation != "" {
		return t.PaymentConfirmation
	}
	return t.PaymentIntentID
}

// TransactionPatch 部分更新；nil 字段不修改。ExpectStatus 非空时为条件更新
type TransactionPatch struct {
	Status                 *TransactionStatus
	PaymentConfirmation    *string
	PaymentIntentID        *string
	OrderReference         *string
	InventoryReserved      *bool
	InventoryReservationID *string
	Metadata               map[string]string // 合并
	ExpectStatus           []TransactionStatus
}

// Apply 把补丁合并到 t（不检查 ExpectStatus）
func (p TransactionPatch) Apply(t *Transaction) {
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.PaymentConfirmation != nil {
		t.PaymentConfirmation = *p.PaymentConfirmation
	}
	if p.PaymentIntentID != nil {
		t.PaymentIntentID = *p.PaymentIntentID
	}
	if p.OrderReference != nil {
		t.OrderReference = *p.OrderReference
	}
	if p.InventoryReserved != nil {
		t.InventoryReserved = *p.InventoryReserved
	}
	if p.InventoryReservationID != nil {
		t.InventoryReservationID = *p.InventoryReservationID
	}
	if len(p.Metadata) > 0 && t.Metadata == nil {
		t.Metadata = make(map[string]string, len(p.Metadata))
	}
	for k, v := range p.Metadata {
		t.Metadata[k] = v
	}
}

// StatusAllowed ExpectStatus 为空或包含 s
func (p TransactionPatch) StatusAllowed(s TransactionStatus) bool {
	if len(p.ExpectStatus) == 0 {
		return true
	}
	for _, e := range p.ExpectStatus {
		if e == s {
			return true
		}
	}
	return false
}

// Ptr 取地址，便于构造补丁
func Ptr[T any](v T) *T { return &v }
