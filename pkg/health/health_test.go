package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func fixedBacklog(b Backlog, err error) func(context.Context) (Backlog, error) {
	return func(context.Context) (Backlog, error) { return b, err }
}

func TestReadyReportsDependencies(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	mock.ExpectPing()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	h := New()
	h.RegisterCritical(NewPostgresChecker(db))
	h.Register(NewRedisChecker(rdb))
	h.Register(NewBacklogChecker("compensation_backlog", fixedBacklog(Backlog{Retryable: 3}, nil), 10))
	h.SetReady(true)

	rep := h.Ready(context.Background())
	if rep.Status != StatusUp {
		t.Fatalf("expected up, got %+v", rep)
	}
	if !rep.Checks["postgres"].Critical || rep.Checks["redis"].Critical {
		t.Fatalf("unexpected criticality: %+v", rep.Checks)
	}
	if got := rep.Checks["compensation_backlog"].Message; got != "retryable=3 terminal=0" {
		t.Fatalf("unexpected backlog message %q", got)
	}
}

func TestReadyDegradedKeepsServing(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	mr.Close()

	h := New()
	h.Register(NewRedisChecker(rdb))
	h.SetReady(true)

	rec := httptest.NewRecorder()
	h.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("degraded must still return 200, got %d", rec.Code)
	}
	var rep Report
	if err := json.Unmarshal(rec.Body.Bytes(), &rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rep.Status != StatusDegraded || rep.Checks["redis"].Status != StatusDown {
		t.Fatalf("unexpected report: %+v", rep)
	}
}

func TestReadyDownWhenCriticalFails(t *testing.T) {
	h := New()
	h.RegisterCritical(CheckFunc{CheckName: "postgres", Fn: func(context.Context) CheckResult {
		return CheckResult{Status: StatusDown, Message: "connection refused"}
	}})
	h.Register(NewBacklogChecker("compensation_backlog", fixedBacklog(Backlog{}, nil), 10))
	h.SetReady(true)

	rec := httptest.NewRecorder()
	h.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestCheckTimeout(t *testing.T) {
	h := New()
	h.timeout = 20 * time.Millisecond
	h.Register(CheckFunc{CheckName: "inventory", Fn: func(ctx context.Context) CheckResult {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return CheckResult{Status: StatusUp}
	}})
	h.SetReady(true)

	rep := h.Ready(context.Background())
	if res := rep.Checks["inventory"]; res.Status != StatusDown || res.Message != "timeout" {
		t.Fatalf("expected timeout, got %+v", res)
	}
}

func TestBacklogChecker(t *testing.T) {
	tests := []struct {
		name    string
		backlog Backlog
		err     error
		want    Status
		message string
	}{
		{"quiet", Backlog{Retryable: 2}, nil, StatusUp, "retryable=2"},
		{"over threshold", Backlog{Retryable: 11}, nil, StatusDegraded, "exceeds 10"},
		{"terminal", Backlog{Retryable: 1, Terminal: 2}, nil, StatusDegraded, "2 compensation actions need manual intervention"},
		{"store error", Backlog{}, errors.New("db down"), StatusDown, "db down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewBacklogChecker("compensation_backlog", fixedBacklog(tt.backlog, tt.err), 10)
			res := c.Check(context.Background())
			if res.Status != tt.want || !strings.Contains(res.Message, tt.message) {
				t.Fatalf("unexpected result: %+v", res)
			}
		})
	}
}

func TestHTTPChecker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if res := NewHTTPChecker("inventory", srv.URL+"/health").Check(context.Background()); res.Status != StatusUp {
		t.Fatalf("expected up, got %+v", res)
	}
	res := NewHTTPChecker("inventory", srv.URL+"/broken").Check(context.Background())
	if res.Status != StatusDown || !strings.Contains(res.Message, "502") {
		t.Fatalf("expected down with status, got %+v", res)
	}
}

func TestLoopChecker(t *testing.T) {
	mon := &LoopMonitor{}
	c := NewLoopChecker("compensation_retry", mon, time.Minute)

	if got := c.Check(context.Background()); got.Status != StatusDegraded || got.Message != "never ran" {
		t.Fatalf("never ticked should be degraded, got %+v", got)
	}
	mon.Tick()
	mon.SetError(errors.New("merchant m-1: list actions failed"))
	if got := c.Check(context.Background()).Status; got != StatusDegraded {
		t.Fatalf("failed sweep should be degraded, got %s", got)
	}
	mon.Tick()
	mon.SetError(nil)
	if got := c.Check(context.Background()).Status; got != StatusUp {
		t.Fatalf("expected up after a clean sweep, got %s", got)
	}
}

func TestLiveIgnoresReadiness(t *testing.T) {
	h := New()
	if h.Live().Status != StatusUp {
		t.Fatalf("live should always be up")
	}
	if h.Ready(context.Background()).Status != StatusDown {
		t.Fatalf("not-ready service should report down")
	}
}
