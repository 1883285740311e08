// Package health 存活/就绪检查
//
// 就绪结果分三级：关键依赖不可用为 down（503，摘除流量）；
// 其他检查项异常为 degraded（200，仍接收请求但需要关注）；其余为 up。
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
)

const defaultCheckTimeout = 2 * time.Second

type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

type CheckResult struct {
	Status    Status `json:"status"`
	LatencyMS int64  `json:"latencyMs"`
	Message   string `json:"message,omitempty"`
	Critical  bool   `json:"critical,omitempty"`
}

type Report struct {
	Status    Status                 `json:"status"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	CheckedAt time.Time              `json:"checkedAt"`
}

type registration struct {
	checker  Checker
	critical bool
}

// Health 汇总各检查项；注册在启动阶段完成，检查可并发执行
type Health struct {
	mu      sync.RWMutex
	checks  []registration
	ready   atomic.Bool
	timeout time.Duration
	now     func() time.Time
}

func New() *Health {
	return &Health{timeout: defaultCheckTimeout, now: time.Now}
}

// Register 非关键检查项，失败时整体 degraded
func (h *Health) Register(c Checker) {
	h.add(c, false)
}

// RegisterCritical 关键依赖，失败时整体 down
func (h *Health) RegisterCritical(c Checker) {
	h.add(c, true)
}

func (h *Health) add(c Checker, critical bool) {
	if c == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, registration{checker: c, critical: critical})
}

// SetReady 启动完成后置 true，开始关闭时置 false
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// Live 只说明进程在响应
func (h *Health) Live() Report {
	return Report{Status: StatusUp, CheckedAt: h.now().UTC()}
}

// Ready 运行全部检查项；未就绪时始终为 down
func (h *Health) Ready(ctx context.Context) Report {
	checks := h.run(ctx)
	status := summarize(checks)
	if !h.ready.Load() {
		status = StatusDown
	}
	return Report{Status: status, Checks: checks, CheckedAt: h.now().UTC()}
}

func (h *Health) run(ctx context.Context) map[string]CheckResult {
	h.mu.RLock()
	regs := append([]registration(nil), h.checks...)
	h.mu.RUnlock()
	if len(regs) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	results := make(map[string]CheckResult, len(regs))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, reg := range regs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := h.checkOne(ctx, reg.checker)
			res.Critical = reg.critical
			name := reg.checker.Name()
			if name == "" {
				name = "unknown"
			}
			mu.Lock()
			results[name] = res
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

// checkOne 单项超时按 down 处理
func (h *Health) checkOne(ctx context.Context, c Checker) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() { done <- c.Check(ctx) }()

	var res CheckResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res = CheckResult{Status: StatusDown, Message: "timeout"}
	}
	if res.Status == "" {
		res.Status = StatusDown
	}
	if res.LatencyMS == 0 {
		res.LatencyMS = time.Since(start).Milliseconds()
	}
	return res
}

func summarize(checks map[string]CheckResult) Status {
	overall := StatusUp
	for _, r := range checks {
		if r.Status == StatusUp {
			continue
		}
		if r.Critical && r.Status == StatusDown {
			return StatusDown
		}
		overall = StatusDegraded
	}
	return overall
}

func statusCode(s Status) int {
	if s == StatusDown {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Health) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, h.Live())
	}
}

func (h *Health) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep := h.Ready(r.Context())
		writeJSON(w, statusCode(rep.Status), rep)
	}
}
