package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/merchant/checkout/internal/config"
	"github.com/merchant/checkout/internal/events"
	"github.com/merchant/checkout/internal/handler"
	"github.com/merchant/checkout/internal/metrics"
	"github.com/merchant/checkout/internal/model"
	"github.com/merchant/checkout/internal/provider"
	"github.com/merchant/checkout/internal/repository"
	"github.com/merchant/checkout/internal/scheduler"
	"github.com/merchant/checkout/internal/service"
	"github.com/merchant/checkout/pkg/audit"
	"github.com/merchant/checkout/pkg/health"
	"github.com/merchant/checkout/pkg/logger"
	"github.com/merchant/checkout/pkg/pii"
	rediskit "github.com/merchant/checkout/pkg/redis"
	"github.com/merchant/checkout/pkg/response"
	"github.com/merchant/checkout/pkg/snowflake"
	"github.com/merchant/checkout/pkg/tracing"
)

// backlogReporter 两种存储都实现，供就绪检查统计补偿积压
type backlogReporter interface {
	CompensationBacklog(ctx context.Context) (model.ActionBacklog, error)
}

func compensationBacklog(r backlogReporter) func(context.Context) (health.Backlog, error) {
	return func(ctx context.Context) (health.Backlog, error) {
		b, err := r.CompensationBacklog(ctx)
		return health.Backlog{Retryable: b.Retryable, Terminal: b.Terminal}, err
	}
}

type cliFlags struct {
	once bool
}

func parseFlags(args []string, errOut io.Writer) (cliFlags, error) {
	fs := flag.NewFlagSet("checkout", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var f cliFlags
	fs.BoolVar(&f.once, "once", false, "run one compensation retry sweep and exit")
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	return f, nil
}

func main() {
	flags, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.New("merchant-checkout", os.Stderr).WithError(err).Error("invalid configuration")
		os.Exit(1)
	}
	logger.SetLevel(cfg.LogLevel)
	log := logger.New(cfg.ServiceName, os.Stdout)
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Error("invalid configuration")
		os.Exit(1)
	}
	log.Infof("starting", map[string]interface{}{"env": cfg.AppEnv, "store": cfg.StoreDriver, "events": cfg.EventTransport})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, flags, log); err != nil {
		log.WithError(err).Error("exited with error")
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, flags cliFlags, log *logger.Logger) error {
	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName,
		Environment: cfg.AppEnv,
		Endpoint:    cfg.TracingEndpoint,
		Enabled:     cfg.TracingEnabled,
		SampleRate:  cfg.TracingSampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.WithError(err).Warn("tracer flush failed")
		}
	}()

	hc := health.New()

	// Redis：令牌库、事件流、重试锁
	redisCfg := rediskit.DefaultConfig
	redisCfg.Addr = cfg.RedisAddr
	redisCfg.Password = cfg.RedisPassword
	redisCfg.DB = cfg.RedisDB
	redisClient, err := rediskit.NewClient(&redisCfg)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisClient.Close()
	hc.RegisterCritical(health.NewRedisChecker(redisClient))
	log.Info("connected to redis")

	// 存储
	var (
		store     service.TransactionStore
		backlog   backlogReporter
		auditRepo audit.Repository
		db        *sql.DB
	)
	ids, err := snowflake.New(cfg.WorkerID)
	if err != nil {
		return fmt.Errorf("id generator: %w", err)
	}
	switch cfg.StoreDriver {
	case config.StoreMemory:
		mem := repository.NewMemoryStore()
		store, backlog = mem, mem
		auditRepo = audit.NewMemoryRepository()
		log.Warn("using in-memory store, data is lost on restart")
	default:
		db, err = openDB(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		hc.RegisterCritical(health.NewPostgresChecker(db))
		if cfg.DBAutoMigrate {
			if err := repository.Migrate(db); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			log.Info("migrations applied")
		}
		pg := repository.NewPostgresStore(db)
		store, backlog = pg, pg

		opts := []audit.DBOption{
			audit.WithQueueSize(cfg.AuditQueueSize),
			audit.WithWorkers(cfg.AuditWorkers),
			audit.WithIDGenerator(ids),
			audit.WithErrorHandler(func(err error) {
				log.WithError(err).Warn("audit write failed")
			}),
		}
		if cfg.AuditSynchronous {
			opts = append(opts, audit.WithSynchronousWrite())
		}
		dbAudit, err := audit.NewDBRepository(db, opts...)
		if err != nil {
			return fmt.Errorf("audit repository: %w", err)
		}
		defer dbAudit.Close()
		auditRepo = dbAudit
	}

	hc.Register(health.NewBacklogChecker("compensation_backlog", compensationBacklog(backlog), cfg.BacklogThreshold))

	publisher, closePublisher := newPublisher(cfg, redisClient)
	defer closePublisher()

	payments := newRegistry(cfg)
	inventory := newInventory(cfg)
	if cfg.InventoryURL != "" {
		hc.Register(health.NewHTTPChecker("inventory", cfg.InventoryURL+"/health"))
	}

	redactor, err := pii.NewRedactor(pii.NewRedisVault(redisClient, cfg.PIIVaultPrefix), cfg.PIISecret)
	if err != nil {
		return fmt.Errorf("pii redactor: %w", err)
	}

	metricsClient := metrics.New()

	compensation := service.NewCompensationService(store, payments, inventory, auditRepo, metricsClient, log)
	compensation.SetPublisher(publisher)
	compensation.SetMaxRetries(cfg.CompensationMaxRetries)

	checkout := service.NewCheckoutService(
		store, payments, inventory, compensation, redactor,
		service.NewCheckoutValidator(cfg.ConsentWindow, cfg.DefaultCurrency),
		auditRepo, metricsClient, log,
	)
	checkout.SetPublisher(publisher)

	monitor := &health.LoopMonitor{}
	sweeper := scheduler.NewRetrySweeper(compensation, store, monitor, metricsClient, log, cfg.RetryTimeout).
		WithRedisLock(redisClient)

	if flags.once {
		res, err := sweeper.RunOnce(ctx)
		if res != nil {
			log.Infof("retry sweep finished", map[string]interface{}{
				"retried":   res.Retried,
				"succeeded": res.Succeeded,
				"failed":    res.Failed,
			})
		}
		return err
	}

	// 定时重试
	var sweeperDone <-chan struct{}
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	if cfg.RetryEnabled {
		sweeperDone, err = sweeper.Start(sweepCtx, cfg.RetrySchedule)
		if err != nil {
			return fmt.Errorf("start retry sweeper: %w", err)
		}
		hc.Register(health.NewLoopChecker("compensation_retry", monitor, 3*retryInterval(cfg.RetrySchedule)))
	}

	mux := http.NewServeMux()
	mux.Handle("GET /health/live", hc.LiveHandler())
	mux.Handle("GET /health/ready", hc.ReadyHandler())
	mux.Handle("GET /metrics", metricsClient.Handler())
	handler.New(checkout, compensation, log).Register(mux)

	var h http.Handler = mux
	h = response.RecoveryMiddleware(log)(h)
	h = tracing.HTTPMiddleware(h)
	h = response.RequestIDMiddleware(h)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("http server listening", map[string]interface{}{"port": cfg.HTTPPort})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	hc.SetReady(true)

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	// 退出顺序：HTTP -> 定时任务 -> 审计队列（defer）-> tracer（defer）
	log.Info("shutting down")
	hc.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	stopSweep()
	if sweeperDone != nil {
		select {
		case <-sweeperDone:
		case <-shutdownCtx.Done():
			log.Warn("retry sweeper did not stop in time")
		}
	}
	return nil
}

func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// newRegistry 未配置网关地址的支付方式使用本地模拟
func newRegistry(cfg *config.Config) *provider.Registry {
	reg := provider.NewRegistry()
	for _, method := range []model.PaymentMethod{model.MethodStripe, model.MethodAdyen, model.MethodDefault} {
		pc := cfg.Providers[string(method)]
		var p provider.PaymentProvider
		if pc.URL != "" {
			p = provider.NewGatewayClient(string(method), pc.URL, cfg.ProviderTimeout).WithToken(cfg.GatewayToken)
		} else {
			p = provider.NewSimulatedProvider(string(method))
		}
		reg.Register(method, p, pc.Ceiling)
	}
	return reg
}

func newInventory(cfg *config.Config) provider.InventoryProvider {
	if cfg.InventoryURL == "" {
		return provider.NewSimulatedInventory()
	}
	return provider.NewInventoryClient(cfg.InventoryURL, cfg.ProviderTimeout).WithToken(cfg.InventoryToken)
}

func newPublisher(cfg *config.Config, client redis.Cmdable) (events.Publisher, func()) {
	switch cfg.EventTransport {
	case config.TransportKafka:
		k := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		return k, func() { _ = k.Close() }
	case config.TransportRedis:
		stream := rediskit.NewStreamClient(client, cfg.EventMaxLen)
		return events.NewRedisPublisher(stream, cfg.EventStream), func() {}
	default:
		return events.NopPublisher{}, func() {}
	}
}

// retryInterval 只解析 @every 形式，其它表达式按 5 分钟估算
func retryInterval(spec string) time.Duration {
	const prefix = "@every "
	if len(spec) > len(prefix) && spec[:len(prefix)] == prefix {
		if d, err := time.ParseDuration(spec[len(prefix):]); err == nil && d > 0 {
			return d
		}
	}
	return 5 * time.Minute
}
