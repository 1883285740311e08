// Package events 结账领域事件发布
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeCheckoutConfirmed Type = "checkout.confirmed"
	TypeOrderCancelled    Type = "order.cancelled"
	TypeNotification      Type = "checkout.notification"
)

// DefaultStream redis 传输使用的 stream 名
const DefaultStream = "checkout:events"

type Event struct {
	ID             string            `json:"id"`
	Type           Type              `json:"type"`
	MerchantID     string            `json:"merchantId"`
	TransactionID  string            `json:"transactionId"`
	OrderReference string            `json:"orderReference,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
	OccurredAt     int64             `json:"occurredAt"` // Unix 毫秒
}

func NewEvent(t Type, merchantID, transactionID string) *Event {
	return &Event{
		ID:            uuid.NewString(),
		Type:          t,
		MerchantID:    merchantID,
		TransactionID: transactionID,
		OccurredAt:    time.Now().UnixMilli(),
	}
}

// WithAttribute 设置附加属性
func (e *Event) WithAttribute(key, value string) *Event {
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[key] = value
	return e
}

// Publisher 事件发布端；Publish 返回错误时调用方决定是否重试
type Publisher interface {
	Publish(ctx context.Context, ev *Event) error
}

// NopPublisher 丢弃所有事件
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, *Event) error { return nil }
