package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/merchant/checkout/pkg/snowflake"
)

// DBRepository 使用 PostgreSQL（database/sql）存储审计记录，默认异步写入以避免阻塞结账主流程。
//
// 说明：
// - 表为 checkout.audit_logs（append-only）
// - 应用需自行 import PostgreSQL driver（如 github.com/lib/pq）
type DBRepository struct {
	db  *sql.DB
	ids *snowflake.Generator

	mu          sync.RWMutex
	closed      bool
	insertQueue chan *Record
	wg          sync.WaitGroup

	onError func(error)
}

type DBOption func(*dbOptions)

type dbOptions struct {
	queueSize  int
	workers    int
	onError    func(error)
	ids        *snowflake.Generator
	skipWorker bool
}

func WithQueueSize(size int) DBOption {
	return func(o *dbOptions) {
		if size > 0 {
			o.queueSize = size
		}
	}
}

func WithWorkers(n int) DBOption {
	return func(o *dbOptions) {
		if n > 0 {
			o.workers = n
		}
	}
}

func WithErrorHandler(fn func(error)) DBOption {
	return func(o *dbOptions) {
		if fn != nil {
			o.onError = fn
		}
	}
}

func WithIDGenerator(g *snowflake.Generator) DBOption {
	return func(o *dbOptions) {
		if g != nil {
			o.ids = g
		}
	}
}

// WithSynchronousWrite 让 Create() 直接写数据库
func WithSynchronousWrite() DBOption {
	return func(o *dbOptions) {
		o.skipWorker = true
	}
}

func NewDBRepository(db *sql.DB, opts ...DBOption) (*DBRepository, error) {
	if db == nil {
		return nil, errors.New("audit: db is nil")
	}

	cfg := dbOptions{
		queueSize: 4096,
		workers:   2,
		onError:   func(error) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.ids == nil {
		g, err := snowflake.New(0)
		if err != nil {
			return nil, err
		}
		cfg.ids = g
	}

	r := &DBRepository{
		db:      db,
		ids:     cfg.ids,
		onError: cfg.onError,
	}
	if cfg.skipWorker {
		return r, nil
	}

	r.insertQueue = make(chan *Record, cfg.queueSize)
	for i := 0; i < cfg.workers; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for item := range r.insertQueue {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := r.insert(ctx, item); err != nil {
					r.onError(err)
				}
				cancel()
			}
		}()
	}
	return r, nil
}

// Close 停止接收新记录并等待队列写完
func (r *DBRepository) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	if r.insertQueue != nil {
		close(r.insertQueue)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *DBRepository) Create(ctx context.Context, rec *Record) error {
	if r == nil || r.db == nil || rec == nil {
		return nil
	}

	if strings.TrimSpace(rec.Params) == "" {
		rec.Params = "{}"
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().UnixMilli()
	}
	if rec.ID == 0 {
		id, err := r.ids.Generate()
		if err != nil {
			return fmt.Errorf("audit: generate id: %w", err)
		}
		rec.ID = id
	}

	if r.insertQueue == nil {
		return r.insert(ctx, rec)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return errors.New("audit: repository closed")
	}
	select {
	case r.insertQueue <- rec:
	default:
		// 队列满：通知错误处理器，但不阻塞主流程
		r.onError(errors.New("audit: queue full, record dropped"))
	}
	return nil
}

func (r *DBRepository) Query(ctx context.Context, filter *QueryFilter) ([]*Record, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("audit: db repository not initialized")
	}

	var (
		where  []string
		args   []interface{}
		argIdx = 1
	)
	add := func(cond string, v interface{}) {
		where = append(where, fmt.Sprintf(cond, argIdx))
		args = append(args, v)
		argIdx++
	}
	if filter != nil {
		if filter.MerchantID != "" {
			add("merchant_id = $%d", filter.MerchantID)
		}
		if filter.TransactionID != "" {
			add("transaction_id = $%d", filter.TransactionID)
		}
		if filter.Operation != "" {
			add("operation = $%d", string(filter.Operation))
		}
		if filter.StartTime != 0 {
			add("timestamp >= $%d", filter.StartTime)
		}
		if filter.EndTime != 0 {
			add("timestamp <= $%d", filter.EndTime)
		}
	}

	query := `
SELECT id, operation, outcome, merchant_id, transaction_id, user_id, params, error_msg, timestamp, request_id
FROM checkout.audit_logs
`
	if len(where) > 0 {
		query += "WHERE " + strings.Join(where, " AND ") + "\n"
	}
	query += "ORDER BY timestamp DESC, id DESC\n"

	limit, offset := 100, 0
	if filter != nil {
		if filter.Limit > 0 {
			limit = filter.Limit
		}
		if filter.Offset > 0 {
			offset = filter.Offset
		}
	}
	query += fmt.Sprintf("LIMIT %d OFFSET %d", limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var item Record
		if err := rows.Scan(
			&item.ID,
			&item.Operation,
			&item.Outcome,
			&item.MerchantID,
			&item.TransactionID,
			&item.UserID,
			&item.Params,
			&item.ErrorMsg,
			&item.Timestamp,
			&item.RequestID,
		); err != nil {
			return nil, err
		}
		out = append(out, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *DBRepository) insert(ctx context.Context, rec *Record) error {
	const stmt = `
INSERT INTO checkout.audit_logs (
  id, operation, outcome, merchant_id, transaction_id, user_id, params, error_msg, timestamp, request_id
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)
`
	_, err := r.db.ExecContext(ctx, stmt,
		rec.ID,
		string(rec.Operation),
		string(rec.Outcome),
		rec.MerchantID,
		rec.TransactionID,
		rec.UserID,
		rec.Params,
		rec.ErrorMsg,
		rec.Timestamp,
		rec.RequestID,
	)
	return err
}
