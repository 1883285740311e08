package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	commonerrors "github.com/merchant/checkout/pkg/errors"
)

// ReserveItem 库存预留行
type ReserveItem struct {
	SKU      string `json:"Sku"`
	Quantity int    `json:"Quantity"`
}

// InventoryProvider 库存系统
type InventoryProvider interface {
	Reserve(ctx context.Context, merchantID, idempotencyKey string, items []ReserveItem) (reservationID string, err error)
	Release(ctx context.Context, merchantID, reservationID string) error
}

// InventoryClient 通过 HTTP 调用库存服务
type InventoryClient struct {
	http jsonClient
}

func NewInventoryClient(baseURL string, timeout time.Duration) *InventoryClient {
	return &InventoryClient{http: newJSONClient(baseURL, timeout)}
}

// WithToken 设置服务间调用令牌
func (c *InventoryClient) WithToken(token string) *InventoryClient {
	c.http.token = token
	return c
}

type ReservePayload struct {
	IdempotencyKey string        `json:"IdempotencyKey"`
	MerchantID     string        `json:"MerchantID"`
	Items          []ReserveItem `json:"Items"`
}

type ReserveResult struct {
	Success       bool   `json:"Success"`
	ReservationID string `json:"ReservationID"`
	ErrorCode     string `json:"ErrorCode"`
}

type ReleasePayload struct {
	MerchantID    string `json:"MerchantID"`
	ReservationID string `json:"ReservationID"`
}

type ReleaseResult struct {
	Success   bool   `json:"Success"`
	ErrorCode string `json:"ErrorCode"`
}

func (c *InventoryClient) Reserve(ctx context.Context, merchantID, idempotencyKey string, items []ReserveItem) (string, error) {
	var resp ReserveResult
	err := c.http.post(ctx, "/internal/reserve", &ReservePayload{
		IdempotencyKey: idempotencyKey,
		MerchantID:     merchantID,
		Items:          items,
	}, &resp)
	if err != nil {
		return "", commonerrors.Newf(commonerrors.CodeInventoryUnavailable, "inventory reserve failed: %v", err)
	}
	if !resp.Success || resp.ReservationID == "" {
		return "", commonerrors.Newf(commonerrors.CodeInventoryUnavailable, "inventory reserve rejected: %s", resp.ErrorCode)
	}
	return resp.ReservationID, nil
}

func (c *InventoryClient) Release(ctx context.Context, merchantID, reservationID string) error {
	var resp ReleaseResult
	err := c.http.post(ctx, "/internal/release", &ReleasePayload{
		MerchantID:    merchantID,
		ReservationID: reservationID,
	}, &resp)
	if err != nil {
		return fmt.Errorf("inventory release: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("inventory release rejected: %s", resp.ErrorCode)
	}
	return nil
}

// SimulatedInventory 内存库存预留，释放未知预留视为成功
type SimulatedInventory struct {
	mu           sync.Mutex
	reservations map[string][]ReserveItem
	byKey        map[string]string
}

func NewSimulatedInventory() *SimulatedInventory {
	return &SimulatedInventory{
		reservations: make(map[string][]ReserveItem),
		byKey:        make(map[string]string),
	}
}

func (s *SimulatedInventory) Reserve(ctx context.Context, merchantID, idempotencyKey string, items []ReserveItem) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "", commonerrors.New(commonerrors.CodeInventoryUnavailable, "no items to reserve")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byKey[merchantID+":"+idempotencyKey]; ok && idempotencyKey != "" {
		return id, nil
	}
	id := "res_" + uuid.NewString()
	s.reservations[id] = append([]ReserveItem(nil), items...)
	if idempotencyKey != "" {
		s.byKey[merchantID+":"+idempotencyKey] = id
	}
	return id, nil
}

func (s *SimulatedInventory) Release(ctx context.Context, _ string, reservationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reservations, reservationID)
	return nil
}

// Active 当前未释放的预留数
func (s *SimulatedInventory) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reservations)
}
