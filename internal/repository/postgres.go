package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/merchant/checkout/internal/model"
)

const transactionColumns = `transaction_id, merchant_id, user_id, session_id, status, total_amount::text, currency,
		       payment_method, payment_confirmation, payment_intent_id, order_reference,
		       inventory_reserved, inventory_reservation_id, compensation_action_ids, metadata,
		       created_at, updated_at`

const actionColumns = `action_id, transaction_id, merchant_id, action_type, status, retry_count, max_retries,
		       error_message, executed_at, superseded_by, metadata, created_at, updated_at`

// PostgresStore 交易仓储，所有读写都以 (transaction_id, merchant_id) 为键
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore 创建仓储
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// CreateTransaction 创建交易，ID 为空时生成
func (s *PostgresStore) CreateTransaction(ctx context.Context, tx *model.Transaction) (*model.Transaction, error) {
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

	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	query := `
		INSERT INTO checkout.transactions
		(transaction_id, merchant_id, user_id, session_id, status, total_amount, currency,
		 payment_method, payment_confirmation, payment_intent_id, order_reference,
		 inventory_reserved, inventory_reservation_id, compensation_action_ids, metadata,
		 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	_, err = s.db.ExecContext(ctx, query,
		rec.TransactionID, rec.MerchantID, rec.UserID, rec.SessionID, string(rec.Status),
		rec.TotalAmount.String(), rec.Currency, string(rec.PaymentMethod), rec.PaymentConfirmation,
		rec.PaymentIntentID, rec.OrderReference, rec.InventoryReserved, rec.InventoryReservationID,
		pq.Array(rec.CompensationActions), string(meta), rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateTransaction
		}
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	return rec, nil
}

// GetTransaction 获取交易；其他租户的同 ID 交易视为不存在
func (s *PostgresStore) GetTransaction(ctx context.Context, transactionID, merchantID string) (*model.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM checkout.transactions
		WHERE transaction_id = $1 AND merchant_id = $2
	`
	tx, err := scanTransaction(s.db.QueryRowContext(ctx, query, transactionID, merchantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return tx, nil
}

// UpdateTransaction 合并补丁；ExpectStatus 非空时仅在状态匹配时更新
func (s *PostgresStore) UpdateTransaction(ctx context.Context, transactionID, merchantID string, patch model.TransactionPatch) (*model.Transaction, error) {
	var (
		sets []string
		args []interface{}
	)
	set := func(col string, v interface{}) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if patch.Status != nil {
		set("status", string(*patch.Status))
	}
	if patch.PaymentConfirmation != nil {
		set("payment_confirmation", *patch.PaymentConfirmation)
	}
	if patch.PaymentIntentID != nil {
		set("payment_intent_id", *patch.PaymentIntentID)
	}
	if patch.OrderReference != nil {
		set("order_reference", *patch.OrderReference)
	}
	if patch.InventoryReserved != nil {
		set("inventory_reserved", *patch.InventoryReserved)
	}
	if patch.InventoryReservationID != nil {
		set("inventory_reservation_id", *patch.InventoryReservationID)
	}
	if len(patch.Metadata) > 0 {
		meta, err := json.Marshal(patch.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		args = append(args, string(meta))
		sets = append(sets, fmt.Sprintf("metadata = metadata || $%d::jsonb", len(args)))
	}
	set("updated_at", s.now())

	args = append(args, transactionID, merchantID)
	where := fmt.Sprintf("transaction_id = $%d AND merchant_id = $%d", len(args)-1, len(args))
	if len(patch.ExpectStatus) > 0 {
		args = append(args, pq.Array(statusStrings(patch.ExpectStatus)))
		where += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}

	query := `
		UPDATE checkout.transactions
		SET ` + strings.Join(sets, ", ") + `
		WHERE ` + where + `
		RETURNING ` + transactionColumns

	tx, err := scanTransaction(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		if len(patch.ExpectStatus) == 0 {
			return nil, ErrTransactionNotFound
		}
		return nil, s.conflictOrNotFound(ctx, transactionID, merchantID)
	}
	if err != nil {
		return nil, fmt.Errorf("update transaction: %w", err)
	}
	return tx, nil
}

func (s *PostgresStore) conflictOrNotFound(ctx context.Context, transactionID, merchantID string) error {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM checkout.transactions WHERE transaction_id = $1 AND merchant_id = $2`,
		transactionID, merchantID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrTransactionNotFound
	}
	if err != nil {
		return fmt.Errorf("check transaction status: %w", err)
	}
	return fmt.Errorf("%w: current status %s", ErrStatusConflict, status)
}

// AddCompensationAction 在同一事务中认领动作类型、取代旧的失败尝试并追加到交易的动作列表；
// 同类型已有 pending/completed 尝试时返回 ErrActionClaimed
func (s *PostgresStore) AddCompensationAction(ctx context.Context, transactionID, merchantID string, in model.NewCompensationAction) (*model.CompensationAction, error) {
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
	meta, err := json.Marshal(action.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal action metadata: %w", err)
	}

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer dbTx.Rollback()

	// 锁住交易行，同一交易的认领串行执行
	var locked string
	err = dbTx.QueryRowContext(ctx, `
		SELECT transaction_id FROM checkout.transactions
		WHERE transaction_id = $1 AND merchant_id = $2
		FOR UPDATE
	`, transactionID, merchantID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock transaction: %w", err)
	}

	var liveID, liveStatus string
	err = dbTx.QueryRowContext(ctx, `
		SELECT action_id, status FROM checkout.compensation_actions
		WHERE transaction_id = $1 AND merchant_id = $2 AND action_type = $3 AND status IN ('pending', 'completed')
		LIMIT 1
	`, transactionID, merchantID, string(action.ActionType)).Scan(&liveID, &liveStatus)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: %s is %s", ErrActionClaimed, liveID, liveStatus)
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("check action claim: %w", err)
	}

	_, err = dbTx.ExecContext(ctx, `
		UPDATE checkout.compensation_actions
		SET superseded_by = $1, updated_at = $2
		WHERE transaction_id = $3 AND merchant_id = $4 AND action_type = $5 AND superseded_by = ''
	`, action.ActionID, now, transactionID, merchantID, string(action.ActionType))
	if err != nil {
		return nil, fmt.Errorf("supersede failed attempts: %w", err)
	}

	_, err = dbTx.ExecContext(ctx, `
		UPDATE checkout.transactions
		SET compensation_action_ids = array_append(compensation_action_ids, $1), updated_at = $2
		WHERE transaction_id = $3 AND merchant_id = $4
	`, action.ActionID, now, transactionID, merchantID)
	if err != nil {
		return nil, fmt.Errorf("append action id: %w", err)
	}

	_, err = dbTx.ExecContext(ctx, `
		INSERT INTO checkout.compensation_actions
		(action_id, transaction_id, merchant_id, action_type, status, retry_count, max_retries,
		 error_message, executed_at, superseded_by, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, '', NULL, '', $8, $9, $10)
	`, action.ActionID, transactionID, merchantID, string(action.ActionType), string(action.Status),
		action.RetryCount, action.MaxRetries, string(meta), now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrActionClaimed
		}
		return nil, fmt.Errorf("insert compensation action: %w", err)
	}

	if err := dbTx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return action, nil
}

// UpdateCompensationAction 更新动作状态/重试次数/错误信息
func (s *PostgresStore) UpdateCompensationAction(ctx context.Context, transactionID, merchantID, actionID string, patch model.ActionPatch) (*model.CompensationAction, error) {
	var (
		sets []string
		args []interface{}
	)
	set := func(col string, v interface{}) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if patch.Status != nil {
		set("status", string(*patch.Status))
	}
	if patch.RetryCount != nil {
		set("retry_count", *patch.RetryCount)
	}
	if patch.ErrorMessage != nil {
		set("error_message", *patch.ErrorMessage)
	}
	if patch.ExecutedAt != nil {
		set("executed_at", patch.ExecutedAt.UTC())
	}
	if patch.SupersededBy != nil {
		set("superseded_by", *patch.SupersededBy)
	}
	set("updated_at", s.now())

	args = append(args, actionID, transactionID, merchantID)
	where := fmt.Sprintf("action_id = $%d AND transaction_id = $%d AND merchant_id = $%d", len(args)-2, len(args)-1, len(args))
	if patch.RequireUnsuperseded {
		where += " AND superseded_by = ''"
	}

	query := `
		UPDATE checkout.compensation_actions
		SET ` + strings.Join(sets, ", ") + `
		WHERE ` + where + `
		RETURNING ` + actionColumns

	action, err := scanAction(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		if !patch.RequireUnsuperseded {
			return nil, ErrActionNotFound
		}
		var n int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM checkout.compensation_actions WHERE action_id = $1 AND transaction_id = $2 AND merchant_id = $3`,
			actionID, transactionID, merchantID,
		).Scan(&n)
		if err != nil {
			return nil, fmt.Errorf("check compensation action: %w", err)
		}
		if n == 0 {
			return nil, ErrActionNotFound
		}
		return nil, ErrActionSuperseded
	}
	if err != nil {
		return nil, fmt.Errorf("update compensation action: %w", err)
	}
	return action, nil
}

// GetPendingCompensationActions 返回租户下可重试的失败动作
func (s *PostgresStore) GetPendingCompensationActions(ctx context.Context, merchantID string) ([]*model.CompensationAction, error) {
	query := `
		SELECT ` + actionColumns + `
		FROM checkout.compensation_actions
		WHERE merchant_id = $1 AND status = 'failed' AND superseded_by = '' AND retry_count < max_retries
		ORDER BY created_at ASC, action_id ASC
	`
	return s.queryActions(ctx, query, merchantID)
}

// ListCompensationActions 返回交易下全部动作（含历史尝试），按创建顺序
func (s *PostgresStore) ListCompensationActions(ctx context.Context, transactionID, merchantID string) ([]*model.CompensationAction, error) {
	query := `
		SELECT ` + actionColumns + `
		FROM checkout.compensation_actions
		WHERE transaction_id = $1 AND merchant_id = $2
		ORDER BY created_at ASC, action_id ASC
	`
	return s.queryActions(ctx, query, transactionID, merchantID)
}

// ListMerchantsWithRetryableActions 定时重试任务使用
func (s *PostgresStore) ListMerchantsWithRetryableActions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT merchant_id
		FROM checkout.compensation_actions
		WHERE status = 'failed' AND superseded_by = '' AND retry_count < max_retries
		ORDER BY merchant_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list merchants: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CompensationBacklog 就绪检查使用
func (s *PostgresStore) CompensationBacklog(ctx context.Context) (model.ActionBacklog, error) {
	var b model.ActionBacklog
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE retry_count < max_retries),
			COUNT(*) FILTER (WHERE retry_count >= max_retries)
		FROM checkout.compensation_actions
		WHERE status = 'failed' AND superseded_by = ''
	`).Scan(&b.Retryable, &b.Terminal)
	if err != nil {
		return model.ActionBacklog{}, fmt.Errorf("compensation backlog: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) queryActions(ctx context.Context, query string, args ...interface{}) ([]*model.CompensationAction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query compensation actions: %w", err)
	}
	defer rows.Close()

	var out []*model.CompensationAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (*model.Transaction, error) {
	var (
		tx        model.Transaction
		status    string
		amount    string
		method    string
		actionIDs pq.StringArray
		meta      []byte
	)
	err := row.Scan(
		&tx.TransactionID, &tx.MerchantID, &tx.UserID, &tx.SessionID, &status, &amount, &tx.Currency,
		&method, &tx.PaymentConfirmation, &tx.PaymentIntentID, &tx.OrderReference,
		&tx.InventoryReserved, &tx.InventoryReservationID, &actionIDs, &meta,
		&tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	tx.Status = model.TransactionStatus(status)
	tx.PaymentMethod = model.PaymentMethod(method)
	if tx.TotalAmount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse total_amount %q: %w", amount, err)
	}
	tx.CompensationActions = []string(actionIDs)
	if tx.CompensationActions == nil {
		tx.CompensationActions = []string{}
	}
	tx.Metadata = map[string]string{}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &tx.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &tx, nil
}

func scanAction(row rowScanner) (*model.CompensationAction, error) {
	var (
		a          model.CompensationAction
		actionType string
		status     string
		executedAt sql.NullTime
		meta       []byte
	)
	err := row.Scan(
		&a.ActionID, &a.TransactionID, &a.MerchantID, &actionType, &status, &a.RetryCount, &a.MaxRetries,
		&a.ErrorMessage, &executedAt, &a.SupersededBy, &meta, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.ActionType = model.ActionType(actionType)
	a.Status = model.ActionStatus(status)
	if executedAt.Valid {
		t := executedAt.Time
		a.ExecutedAt = &t
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &a.Metadata); err != nil {
			return nil, fmt.Errorf("decode action metadata: %w", err)
		}
	}
	return &a, nil
}

func statusStrings(in []model.TransactionStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
