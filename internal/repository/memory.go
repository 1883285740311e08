package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/merchant/checkout/internal/model"
)

type txKey struct {
	merchantID    string
	transactionID string
}

// MemoryStore 内存实现，用于单机开发与测试
type MemoryStore struct {
	mu      sync.RWMutex
	txs     map[txKey]*model.Transaction
	actions map[string]*model.CompensationAction
	order   []string // action 创建顺序
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txs:     make(map[txKey]*model.Transaction),
		actions: make(map[string]*model.CompensationAction),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) CreateTransaction(_ context.Context, tx *model.Transaction) (*model.Transaction, error) {
	rec := tx.Clone()
	if rec.TransactionID == "" {
		rec.TransactionID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = model.TxPending
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]string{}
	}
	if rec.CompensationActions == nil {
		rec.CompensationActions = []string{}
	}
	now := s.now()
	rec.CreatedAt, rec.UpdatedAt = now, now

	s.mu.Lock()
	defer s.mu.Unlock()
	key := txKey{rec.MerchantID, rec.TransactionID}
	if _, ok := s.txs[key]; ok {
		return nil, ErrDuplicateTransaction
	}
	s.txs[key] = rec
	return rec.Clone(), nil
}

func (s *MemoryStore) GetTransaction(_ context.Context, transactionID, merchantID string) (*model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.txs[txKey{merchantID, transactionID}]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return tx.Clone(), nil
}

func (s *MemoryStore) UpdateTransaction(_ context.Context, transactionID, merchantID string, patch model.TransactionPatch) (*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[txKey{merchantID, transactionID}]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	if !patch.StatusAllowed(tx.Status) {
		return nil, fmt.Errorf("%w: current status %s", ErrStatusConflict, tx.Status)
	}
	patch.Apply(tx)
	tx.UpdatedAt = s.now()
	return tx.Clone(), nil
}

// AddCompensationAction 同类型已有 pending/completed 尝试时返回 ErrActionClaimed
func (s *MemoryStore) AddCompensationAction(_ context.Context, transactionID, merchantID string, in model.NewCompensationAction) (*model.CompensationAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[txKey{merchantID, transactionID}]
	if !ok {
		return nil, ErrTransactionNotFound
	}

	now := s.now()
	action := &model.CompensationAction{
		ActionID:      in.ActionID,
		TransactionID: transactionID,
		MerchantID:    merchantID,
		ActionType:    in.ActionType,
		Status:        model.ActionPending,
		RetryCount:    in.RetryCount,
		MaxRetries:    in.MaxRetries,
		Metadata:      in.Metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if action.ActionID == "" {
		action.ActionID = uuid.NewString()
	}
	if action.MaxRetries <= 0 {
		action.MaxRetries = model.DefaultMaxRetries
	}
	if _, exists := s.actions[action.ActionID]; exists {
		return nil, fmt.Errorf("compensation action %s already exists", action.ActionID)
	}
	for _, id := range tx.CompensationActions {
		if a := s.actions[id]; a.ActionType == action.ActionType && a.Status != model.ActionFailed {
			return nil, fmt.Errorf("%w: %s is %s", ErrActionClaimed, a.ActionID, a.Status)
		}
	}
	// 旧的失败尝试由新尝试取代，不再进入重试列表
	for _, id := range tx.CompensationActions {
		if a := s.actions[id]; a.ActionType == action.ActionType && a.SupersededBy == "" {
			a.SupersededBy = action.ActionID
			a.UpdatedAt = now
		}
	}

	s.actions[action.ActionID] = action
	s.order = append(s.order, action.ActionID)
	tx.CompensationActions = append(tx.CompensationActions, action.ActionID)
	tx.UpdatedAt = now
	return action.Clone(), nil
}

func (s *MemoryStore) UpdateCompensationAction(_ context.Context, transactionID, merchantID, actionID string, patch model.ActionPatch) (*model.CompensationAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[actionID]
	if !ok || a.TransactionID != transactionID || a.MerchantID != merchantID {
		return nil, ErrActionNotFound
	}
	if patch.RequireUnsuperseded && a.SupersededBy != "" {
		return nil, ErrActionSuperseded
	}
	patch.Apply(a)
	a.UpdatedAt = s.now()
	return a.Clone(), nil
}

func (s *MemoryStore) GetPendingCompensationActions(_ context.Context, merchantID string) ([]*model.CompensationAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.CompensationAction
	for _, id := range s.order {
		a := s.actions[id]
		if a.MerchantID == merchantID && a.Retryable() {
			out = append(out, a.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) ListCompensationActions(_ context.Context, transactionID, merchantID string) ([]*model.CompensationAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.CompensationAction
	for _, id := range s.order {
		a := s.actions[id]
		if a.MerchantID == merchantID && a.TransactionID == transactionID {
			out = append(out, a.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) ListMerchantsWithRetryableActions(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, a := range s.actions {
		if a.Retryable() {
			seen[a.MerchantID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

// CompensationBacklog 统计所有租户未被取代的失败动作
func (s *MemoryStore) CompensationBacklog(_ context.Context) (model.ActionBacklog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var b model.ActionBacklog
	for _, a := range s.actions {
		if a.SupersededBy != "" {
			continue
		}
		switch {
		case a.Retryable():
			b.Retryable++
		case a.Terminal():
			b.Terminal++
		}
	}
	return b, nil
}
