package health

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// CheckFunc 把函数包装成检查项
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) CheckResult
}

func (f CheckFunc) Name() string                          { return f.CheckName }
func (f CheckFunc) Check(ctx context.Context) CheckResult { return f.Fn(ctx) }

// pingResult 依赖可达为 up，否则 down
func pingResult(start time.Time, err error) CheckResult {
	res := CheckResult{Status: StatusUp, LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = StatusDown
		res.Message = err.Error()
	}
	return res
}

// NewPostgresChecker 交易与补偿记录所在的库
func NewPostgresChecker(db *sql.DB) Checker {
	return CheckFunc{CheckName: "postgres", Fn: func(ctx context.Context) CheckResult {
		if db == nil {
			return CheckResult{Status: StatusDown, Message: "nil db"}
		}
		start := time.Now()
		return pingResult(start, db.PingContext(ctx))
	}}
}

// NewRedisChecker PII 令牌库、事件流与重试锁
func NewRedisChecker(client redis.Cmdable) Checker {
	return CheckFunc{CheckName: "redis", Fn: func(ctx context.Context) CheckResult {
		if client == nil {
			return CheckResult{Status: StatusDown, Message: "nil redis client"}
		}
		start := time.Now()
		return pingResult(start, client.Ping(ctx).Err())
	}}
}

// NewHTTPChecker 下游服务的健康端点，非 2xx/3xx 视为 down
func NewHTTPChecker(name, url string) Checker {
	client := &http.Client{Timeout: defaultCheckTimeout}
	return CheckFunc{CheckName: name, Fn: func(ctx context.Context) CheckResult {
		if url == "" {
			return CheckResult{Status: StatusDown, Message: "empty url"}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return CheckResult{Status: StatusDown, Message: err.Error()}
		}
		start := time.Now()
		resp, err := client.Do(req)
		if err != nil {
			return pingResult(start, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= http.StatusBadRequest {
			return pingResult(start, fmt.Errorf("unexpected status %s", resp.Status))
		}
		return pingResult(start, nil)
	}}
}

// NewLoopChecker 后台循环超过 maxAge 未运行时报告 degraded
func NewLoopChecker(name string, mon *LoopMonitor, maxAge time.Duration) Checker {
	return CheckFunc{CheckName: name, Fn: func(context.Context) CheckResult {
		if mon == nil {
			return CheckResult{Status: StatusDown, Message: "nil monitor"}
		}
		ok, age, lastErr := mon.Healthy(time.Now(), maxAge)
		if !ok {
			if age == 0 {
				return CheckResult{Status: StatusDegraded, Message: "never ran"}
			}
			return CheckResult{Status: StatusDegraded, Message: fmt.Sprintf("last run %s ago", age.Round(time.Second))}
		}
		if lastErr != "" {
			return CheckResult{Status: StatusDegraded, Message: lastErr}
		}
		return CheckResult{Status: StatusUp}
	}}
}

// Backlog 未被取代的失败补偿动作
type Backlog struct {
	Retryable int
	Terminal  int
}

// NewBacklogChecker 存在需人工介入的动作，或待重试动作超过 threshold 时报告 degraded
func NewBacklogChecker(name string, load func(ctx context.Context) (Backlog, error), threshold int) Checker {
	return CheckFunc{CheckName: name, Fn: func(ctx context.Context) CheckResult {
		start := time.Now()
		b, err := load(ctx)
		if err != nil {
			return pingResult(start, err)
		}
		res := CheckResult{
			Status:    StatusUp,
			LatencyMS: time.Since(start).Milliseconds(),
			Message:   fmt.Sprintf("retryable=%d terminal=%d", b.Retryable, b.Terminal),
		}
		switch {
		case b.Terminal > 0:
			res.Status = StatusDegraded
			res.Message = fmt.Sprintf("%d compensation actions need manual intervention, retryable=%d", b.Terminal, b.Retryable)
		case threshold > 0 && b.Retryable > threshold:
			res.Status = StatusDegraded
			res.Message = fmt.Sprintf("retry backlog %d exceeds %d", b.Retryable, threshold)
		}
		return res
	}}
}
