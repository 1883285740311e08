// Package audit 结账与补偿流程的追加型审计记录
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type Operation string

const (
	OpCheckoutAttempt      Operation = "checkout_attempt"
	OpCheckoutSuccess      Operation = "checkout_success"
	OpCheckoutFailure      Operation = "checkout_failure"
	OpTransactionCancel    Operation = "transaction_cancel"
	OpCompensationStart    Operation = "compensation_start"
	OpCompensationComplete Operation = "compensation_complete"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

type Record struct {
	ID            int64     `json:"id"`
	Operation     Operation `json:"operation"`
	Outcome       Outcome   `json:"outcome"`
	MerchantID    string    `json:"merchantId"`
	TransactionID string    `json:"transactionId,omitempty"`
	UserID        string    `json:"userId,omitempty"`
	Params        string    `json:"params"` // JSON，已脱敏
	ErrorMsg      string    `json:"errorMsg,omitempty"`
	Timestamp     int64     `json:"timestamp"` // Unix 毫秒
	RequestID     string    `json:"requestId,omitempty"`
}

// Repository 审计记录写入（fire-and-forget）
type Repository interface {
	Create(ctx context.Context, rec *Record) error
}

type QueryFilter struct {
	MerchantID    string
	TransactionID string
	Operation     Operation
	StartTime     int64
	EndTime       int64
	Limit         int
	Offset        int
}

// NewRecord 创建审计记录，默认 outcome 为 success
func NewRecord(op Operation, merchantID string) *Record {
	return &Record{
		Operation:  op,
		Outcome:    OutcomeSuccess,
		MerchantID: merchantID,
		Params:     "{}",
		Timestamp:  time.Now().UnixMilli(),
	}
}

func (r *Record) WithTransaction(transactionID string) *Record {
	if r == nil {
		return nil
	}
	r.TransactionID = transactionID
	return r
}

func (r *Record) WithUser(userID string) *Record {
	if r == nil {
		return nil
	}
	r.UserID = userID
	return r
}

func (r *Record) WithRequestID(requestID string) *Record {
	if r == nil {
		return nil
	}
	r.RequestID = requestID
	return r
}

// WithParams 设置参数（自动脱敏敏感字段）
func (r *Record) WithParams(params map[string]interface{}) *Record {
	if r == nil {
		return nil
	}
	b, err := json.Marshal(SanitizeParams(params))
	if err != nil {
		r.Params = "{}"
		return r
	}
	r.Params = string(b)
	return r
}

// WithResult 设置结果
func (r *Record) WithResult(success bool, errMsg string) *Record {
	if r == nil {
		return nil
	}
	if success {
		r.Outcome = OutcomeSuccess
		r.ErrorMsg = ""
		return r
	}
	r.Outcome = OutcomeFailure
	r.ErrorMsg = errMsg
	return r
}

// MemoryRepository 进程内审计存储，用于测试与 memory 存储模式
type MemoryRepository struct {
	mu      sync.Mutex
	records []Record
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (m *MemoryRepository) Create(_ context.Context, rec *Record) error {
	if rec == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	cp.ID = int64(len(m.records) + 1)
	m.records = append(m.records, cp)
	return nil
}

// Records 返回记录副本，按写入顺序
func (m *MemoryRepository) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}

func (m *MemoryRepository) ByOperation(op Operation) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if r.Operation == op {
			out = append(out, r)
		}
	}
	return out
}
