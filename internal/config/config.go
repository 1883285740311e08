// Package config 配置
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	envconfig "github.com/merchant/checkout/pkg/config"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	TransportNone  = "none"
	TransportRedis = "redis"
	TransportKafka = "kafka"

	devPIISecret = "dev-pii-key-change-me-32-bytes-minimum"
)

// Config 服务配置
type Config struct {
	ServiceName string
	HTTPPort    int
	AppEnv      string
	LogLevel    string

	// 存储
	StoreDriver       string
	DBHost            string
	DBPort            int
	DBUser            string
	DBPassword        string
	DBName            string
	DBSSLMode         string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBAutoMigrate     bool

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// 事件
	EventTransport string
	EventStream    string
	EventMaxLen    int64
	KafkaBrokers   []string
	KafkaTopic     string

	// 支付提供方；URL 为空时使用本地模拟
	Providers        map[string]ProviderConfig
	ProviderTimeout  time.Duration
	GatewayToken     string
	InventoryURL     string
	InventoryToken   string
	DefaultCurrency  string
	ConsentWindow    time.Duration
	PIISecret        string
	PIIVaultPrefix   string
	AuditQueueSize   int
	AuditWorkers     int
	AuditSynchronous bool

	// 补偿
	CompensationMaxRetries int
	RetrySchedule          string
	RetryTimeout           time.Duration
	RetryEnabled           bool
	// 可重试动作超过该值时就绪检查报告 degraded
	BacklogThreshold       int

	// Tracing
	TracingEnabled    bool
	TracingEndpoint   string
	TracingSampleRate float64

	WorkerID int64
}

// ProviderConfig 单个支付提供方
type ProviderConfig struct {
	URL     string
	Ceiling decimal.Decimal
}

// Load 加载配置；任一变量无法解析时返回错误
func Load() (*Config, error) {
	env := envconfig.NewEnv()
	appEnv := env.Lower("APP_ENV", "dev")
	cfg := &Config{
		ServiceName: env.String("SERVICE_NAME", "merchant-checkout"),
		HTTPPort:    env.Int("HTTP_PORT", 8090),
		AppEnv:      appEnv,
		LogLevel:    env.String("LOG_LEVEL", "info"),

		StoreDriver:       env.Lower("STORE_DRIVER", StorePostgres),
		DBHost:            env.String("DB_HOST", "localhost"),
		DBPort:            env.Int("DB_PORT", 5432),
		DBUser:            env.String("DB_USER", "checkout"),
		DBPassword:        env.String("DB_PASSWORD", "checkout123"),
		DBName:            env.String("DB_NAME", "checkout"),
		DBSSLMode:         env.String("DB_SSL_MODE", "disable"),
		DBMaxOpenConns:    env.Int("DB_MAX_OPEN_CONNS", 50),
		DBMaxIdleConns:    env.Int("DB_MAX_IDLE_CONNS", 10),
		DBConnMaxLifetime: env.Duration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		DBAutoMigrate:     env.Bool("DB_AUTO_MIGRATE", appEnv == "dev"),

		RedisAddr:     env.String("REDIS_ADDR", "localhost:6379"),
		RedisPassword: env.String("REDIS_PASSWORD", ""),
		RedisDB:       env.Int("REDIS_DB", 0),

		EventTransport: env.Lower("EVENT_TRANSPORT", TransportRedis),
		EventStream:    env.String("EVENT_STREAM", "checkout:events"),
		EventMaxLen:    int64(env.Int("EVENT_STREAM_MAXLEN", 100000)),
		KafkaBrokers:   env.List("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaTopic:     env.String("KAFKA_TOPIC", "checkout.events"),

		Providers: map[string]ProviderConfig{
			"stripe": {
				URL:     env.String("STRIPE_GATEWAY_URL", ""),
				Ceiling: env.Amount("STRIPE_MAX_AMOUNT", decimal.RequireFromString("999999.99")),
			},
			"adyen": {
				URL:     env.String("ADYEN_GATEWAY_URL", ""),
				Ceiling: env.Amount("ADYEN_MAX_AMOUNT", decimal.RequireFromString("500000")),
			},
			"default": {
				URL:     env.String("DEFAULT_GATEWAY_URL", ""),
				Ceiling: env.Amount("DEFAULT_MAX_AMOUNT", decimal.RequireFromString("10000")),
			},
		},
		ProviderTimeout:  env.Duration("PROVIDER_TIMEOUT", 5*time.Second),
		GatewayToken:     env.String("GATEWAY_TOKEN", "dev-gateway-token-change-me"),
		InventoryURL:     env.String("INVENTORY_URL", ""),
		InventoryToken:   env.String("INVENTORY_TOKEN", "dev-inventory-token-change-me"),
		DefaultCurrency:  strings.ToUpper(env.String("DEFAULT_CURRENCY", "USD")),
		ConsentWindow:    env.Duration("CONSENT_WINDOW", 24*time.Hour),
		PIISecret:        env.String("PII_SECRET", devPIISecret),
		PIIVaultPrefix:   env.String("PII_VAULT_PREFIX", "checkout:pii:"),
		AuditQueueSize:   env.Int("AUDIT_QUEUE_SIZE", 4096),
		AuditWorkers:     env.Int("AUDIT_WORKERS", 2),
		AuditSynchronous: env.Bool("AUDIT_SYNC", false),

		CompensationMaxRetries: env.Int("COMPENSATION_MAX_RETRIES", 3),
		RetrySchedule:          env.String("COMPENSATION_RETRY_SCHEDULE", "@every 5m"),
		RetryTimeout:           env.Duration("COMPENSATION_RETRY_TIMEOUT", 2*time.Minute),
		RetryEnabled:           env.Bool("COMPENSATION_RETRY_ENABLED", true),
		BacklogThreshold:       env.Int("COMPENSATION_BACKLOG_THRESHOLD", 100),

		TracingEnabled:    env.Bool("TRACING_ENABLED", false),
		TracingEndpoint:   env.String("TRACING_ENDPOINT", "http://localhost:14268/api/traces"),
		TracingSampleRate: env.Ratio("TRACING_SAMPLE_RATE", 1.0),

		WorkerID: int64(env.Int("WORKER_ID", 1)),
	}
	if err := env.Err(); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// Validate 非 dev 环境拒绝占位密钥
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreMemory, StorePostgres:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StorePostgres, StoreMemory, c.StoreDriver)
	}
	switch c.EventTransport {
	case TransportNone, TransportRedis, TransportKafka:
	default:
		return fmt.Errorf("EVENT_TRANSPORT must be one of none, redis, kafka, got %q", c.EventTransport)
	}
	if c.EventTransport == TransportKafka && len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required when EVENT_TRANSPORT=kafka")
	}
	if c.CompensationMaxRetries <= 0 {
		return fmt.Errorf("COMPENSATION_MAX_RETRIES must be positive")
	}
	if c.BacklogThreshold <= 0 {
		return fmt.Errorf("COMPENSATION_BACKLOG_THRESHOLD must be positive")
	}
	if len(c.PIISecret) < envconfig.MinSecretLength {
		return fmt.Errorf("PII_SECRET must be at least %d characters", envconfig.MinSecretLength)
	}
	if c.AppEnv == "dev" {
		return nil
	}
	if c.StoreDriver == StoreMemory {
		return fmt.Errorf("STORE_DRIVER=memory is only allowed in dev (APP_ENV=%s)", c.AppEnv)
	}
	if envconfig.IsInsecureDevSecret(c.PIISecret) {
		return fmt.Errorf("PII_SECRET must not be a dev placeholder (APP_ENV=%s)", c.AppEnv)
	}
	if envconfig.IsInsecureDevSecret(c.GatewayToken) {
		return fmt.Errorf("GATEWAY_TOKEN must not be a dev placeholder (APP_ENV=%s)", c.AppEnv)
	}
	if c.InventoryURL != "" && envconfig.IsInsecureDevSecret(c.InventoryToken) {
		return fmt.Errorf("INVENTORY_TOKEN must not be a dev placeholder (APP_ENV=%s)", c.AppEnv)
	}
	if c.DBPassword == "" || c.DBPassword == "checkout123" {
		return fmt.Errorf("DB_PASSWORD must be explicitly set (APP_ENV=%s)", c.AppEnv)
	}
	return nil
}

// DSN 返回数据库连接字符串
func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" port=" + strconv.Itoa(c.DBPort) +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=" + c.DBSSLMode
}
