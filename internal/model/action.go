package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type ActionType string

const (
	ActionInventoryRelease ActionType = "inventory_release"
	ActionPaymentRefund    ActionType = "payment_refund"
	ActionOrderCancel      ActionType = "order_cancel"
	ActionNotificationSend ActionType = "notification_send"
)

// CompensationOrder 补偿动作的固定执行顺序
var CompensationOrder = []ActionType{
	ActionInventoryRelease,
	ActionPaymentRefund,
	ActionOrderCancel,
	ActionNotificationSend,
}

type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
)

const DefaultMaxRetries = 3

type CompensationAction struct {
	ActionID      string         `json:"actionId"`
	TransactionID string         `json:"transactionId"`
	MerchantID    string         `json:"merchantId"`
	ActionType    ActionType     `json:"actionType"`
	Status        ActionStatus   `json:"status"`
	RetryCount    int            `json:"retryCount"`
	MaxRetries    int            `json:"maxRetries"`
	ErrorMessage  string         `json:"errorMessage,omitempty"`
	ExecutedAt    *time.Time     `json:"executedAt,omitempty"`
	SupersededBy  string         `json:"supersededBy,omitempty"`
	Metadata      ActionMetadata `json:"metadata"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

func (a *CompensationAction) Clone() *CompensationAction {
	if a == nil {
		return nil
	}
	cp := *a
	if a.ExecutedAt != nil {
		t := *a.ExecutedAt
		cp.ExecutedAt = &t
	}
	return &cp
}

// Retryable 失败、未被新尝试取代且仍有重试额度
func (a *CompensationAction) Retryable() bool {
	return a.Status == ActionFailed && a.SupersededBy == "" && a.RetryCount < a.MaxRetries
}

// Terminal 重试额度耗尽仍失败，需要人工介入
func (a *CompensationAction) Terminal() bool {
	return a.Status == ActionFailed && a.RetryCount >= a.MaxRetries
}

// ActionBacklog 未被取代的失败动作数量
type ActionBacklog struct {
	Retryable int // 等待重试扫描
	Terminal  int // 需要人工介入
}

// NewCompensationAction AddCompensationAction 的入参
type NewCompensationAction struct {
	ActionID   string // 为空时由存储生成
	ActionType ActionType
	Metadata   ActionMetadata
	RetryCount int
	MaxRetries int // <= 0 时取 DefaultMaxRetries
}

// ActionPatch 补偿动作的部分更新
type ActionPatch struct {
	Status       *ActionStatus
	RetryCount   *int
	ErrorMessage *string
	ExecutedAt   *time.Time
	SupersededBy *string
	// RequireUnsuperseded 仅当动作尚未被取代时更新，用于重试认领
	RequireUnsuperseded bool
}

func (p ActionPatch) Apply(a *CompensationAction) {
	if p.Status != nil {
		a.Status = *p.Status
	}
	if p.RetryCount != nil {
		a.RetryCount = *p.RetryCount
	}
	if p.ErrorMessage != nil {
		a.ErrorMessage = *p.ErrorMessage
	}
	if p.ExecutedAt != nil {
		t := *p.ExecutedAt
		a.ExecutedAt = &t
	}
	if p.SupersededBy != nil {
		a.SupersededBy = *p.SupersededBy
	}
}

// ActionPayload 按动作类型区分的补偿数据
type ActionPayload interface {
	ActionType() ActionType
}

type InventoryRelease struct {
	ReservationID string `json:"reservationId"`
}

type PaymentRefund struct {
	Provider         PaymentMethod   `json:"provider"`
	PaymentReference string          `json:"paymentReference"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
}

type OrderCancel struct {
	OrderReference string `json:"orderReference,omitempty"`
}

type NotificationSend struct {
	UserID    string `json:"userId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Template  string `json:"template"`
}

func (InventoryRelease) ActionType() ActionType { return ActionInventoryRelease }
func (PaymentRefund) ActionType() ActionType { return ActionPaymentRefund }
func (OrderCancel) ActionType() ActionType { return ActionOrderCancel }
func (NotificationSend) ActionType() ActionType { return ActionNotificationSend }

// ActionMetadata 动作重试所需的全部数据，不依赖父交易
type ActionMetadata struct {
	TransactionID string
	MerchantID    string
	Reason        string
	Payload       ActionPayload
}

type metadataJSON struct {
	TransactionID string          `json:"transactionId"`
	MerchantID    string          `json:"merchantId"`
	Reason        string          `json:"reason"`
	Type          ActionType      `json:"type"`
	Payload       json.RawMessage `json:"payload"`
}

func (m ActionMetadata) MarshalJSON() ([]byte, error) {
	out := metadataJSON{
		TransactionID: m.TransactionID,
		MerchantID:    m.MerchantID,
		Reason:        m.Reason,
		Payload:       json.RawMessage("null"),
	}
	if m.Payload != nil {
		b, err := json.Marshal(m.Payload)
		if err != nil {
			return nil, err
		}
		out.Type = m.Payload.ActionType()
		out.Payload = b
	}
	return json.Marshal(out)
}

func (m *ActionMetadata) UnmarshalJSON(data []byte) error {
	var in metadataJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	m.TransactionID = in.TransactionID
	m.MerchantID = in.MerchantID
	m.Reason = in.Reason
	m.Payload = nil
	if in.Type == "" {
		return nil
	}
	p, err := decodePayload(in.Type, in.Payload)
	if err != nil {
		return err
	}
	m.Payload = p
	return nil
}

func decodePayload(t ActionType, raw json.RawMessage) (ActionPayload, error) {
	switch t {
	case ActionInventoryRelease:
		var p InventoryRelease
		err := json.Unmarshal(raw, &p)
		return p, err
	case ActionPaymentRefund:
		var p PaymentRefund
		err := json.Unmarshal(raw, &p)
		return p, err
	case ActionOrderCancel:
		var p OrderCancel
		err := json.Unmarshal(raw, &p)
		return p, err
	case ActionNotificationSend:
		var p NotificationSend
		err := json.Unmarshal(raw, &p)
		return p, err
	default:
		return nil, fmt.Errorf("unknown action type: %q", t)
	}
}
