// Package scheduler 补偿重试定时任务
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/merchant/checkout/internal/metrics"
	"github.com/merchant/checkout/internal/service"
	"github.com/merchant/checkout/pkg/health"
	"github.com/merchant/checkout/pkg/logger"
	rediskit "github.com/merchant/checkout/pkg/redis"
	"github.com/merchant/checkout/pkg/tracing"
)

const (
	DefaultSchedule = "@every 5m"
	lockKey         = "checkout:compensation:retry:lock"
)

// Retrier 对单个租户执行一次重试
type Retrier interface {
	RetryFailedCompensations(ctx context.Context, merchantID string) (*service.RetryResult, error)
}

// MerchantLister 列出仍有可重试动作的租户
type MerchantLister interface {
	ListMerchantsWithRetryableActions(ctx context.Context) ([]string, error)
}

// RetrySweeper 周期性遍历租户并重试失败的补偿动作；配置 redis 时多副本只有一个实例执行
type RetrySweeper struct {
	retrier   Retrier
	merchants MerchantLister
	lock      *rediskit.Lock
	monitor   *health.LoopMonitor
	metrics   *metrics.Metrics
	log       *logger.Logger
	timeout   time.Duration

	mu      sync.Mutex
	running bool
}

func NewRetrySweeper(retrier Retrier, merchants MerchantLister, monitor *health.LoopMonitor, metricsClient *metrics.Metrics, log *logger.Logger, timeout time.Duration) *RetrySweeper {
	if log == nil {
		log = logger.Nop()
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &RetrySweeper{
		retrier:   retrier,
		merchants: merchants,
		monitor:   monitor,
		metrics:   metricsClient,
		log:       log,
		timeout:   timeout,
	}
}

// WithRedisLock 多副本部署时启用分布式锁
func (s *RetrySweeper) WithRedisLock(client redis.Cmdable) *RetrySweeper {
	if client != nil {
		s.lock = rediskit.NewLock(client, lockKey, uuid.NewString(), s.timeout)
	}
	return s
}

// RunOnce 执行一轮扫描；锁被其他实例持有或上一轮未结束时直接返回空结果
func (s *RetrySweeper) RunOnce(ctx context.Context) (*service.RetryResult, error) {
	total := &service.RetryResult{}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return total, nil
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ctx, span := tracing.StartSpan(ctx, "compensation.retry_sweep")
	defer span.End()

	if s.lock != nil {
		ok, err := s.lock.Acquire(ctx)
		if err != nil {
			s.record(err)
			return total, fmt.Errorf("acquire retry lock: %w", err)
		}
		if !ok {
			s.log.Debug("retry sweep skipped, lock held by another instance")
			if s.monitor != nil {
				s.monitor.Tick()
			}
			return total, nil
		}
		defer func() {
			if err := s.lock.Release(context.Background()); err != nil {
				s.log.WithError(err).Warn("release retry lock failed")
			}
		}()
	}

	merchants, err := s.merchants.ListMerchantsWithRetryableActions(ctx)
	if err != nil {
		s.record(err)
		return total, fmt.Errorf("list merchants: %w", err)
	}

	var errs []error
	for _, merchantID := range merchants {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		res, err := s.retrier.RetryFailedCompensations(ctx, merchantID)
		if err != nil {
			s.log.WithMerchant(merchantID, "").WithError(err).Error("compensation retry failed")
			errs = append(errs, fmt.Errorf("merchant %s: %w", merchantID, err))
			continue
		}
		total.Retried += res.Retried
		total.Succeeded += res.Succeeded
		total.Failed += res.Failed
		total.Terminal += res.Terminal
		total.Skipped += res.Skipped
	}

	err = errors.Join(errs...)
	tracing.SetError(ctx, err)
	s.record(err)
	if total.Retried > 0 || total.Skipped > 0 {
		s.log.Infof("retry sweep finished", map[string]interface{}{
			"merchants": len(merchants),
			"retried":   total.Retried,
			"succeeded": total.Succeeded,
			"failed":    total.Failed,
			"terminal":  total.Terminal,
		})
	}
	return total, err
}

func (s *RetrySweeper) record(err error) {
	s.metrics.IncRetrySweep(err)
	if s.monitor == nil {
		return
	}
	s.monitor.Tick()
	s.monitor.SetError(err)
}

// Start 按 cron 表达式（支持 @every）调度，ctx 结束时停止并等待正在执行的任务
func (s *RetrySweeper) Start(ctx context.Context, spec string) (<-chan struct{}, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid retry schedule %q: %w", spec, err)
	}

	c := cron.New(cron.WithParser(parser))
	c.Schedule(schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.RunOnce(ctx); err != nil {
			s.log.WithError(err).Warn("retry sweep finished with errors")
		}
	}))
	c.Start()
	s.log.Infof("compensation retry scheduler started", map[string]interface{}{"schedule": spec})

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		close(done)
	}()
	return done, nil
}
