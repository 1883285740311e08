package config

import (
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("STRIPE_MAX_AMOUNT", "")

	cfg := mustLoad(t)
	if cfg.AppEnv != "dev" || cfg.StoreDriver != StorePostgres || cfg.EventTransport != TransportRedis {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Providers["stripe"].Ceiling.String() != "999999.99" {
		t.Fatalf("unexpected stripe ceiling %s", cfg.Providers["stripe"].Ceiling)
	}
	if cfg.RetrySchedule != "@every 5m" || cfg.CompensationMaxRetries != 3 {
		t.Fatalf("unexpected compensation defaults: %s %d", cfg.RetrySchedule, cfg.CompensationMaxRetries)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("dev defaults must validate: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ADYEN_MAX_AMOUNT", "2500.50")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("EVENT_TRANSPORT", "KAFKA")
	t.Setenv("TRACING_SAMPLE_RATE", "0.1")
	t.Setenv("COMPENSATION_BACKLOG_THRESHOLD", "25")

	cfg := mustLoad(t)
	if cfg.Providers["adyen"].Ceiling.String() != "2500.5" {
		t.Fatalf("unexpected adyen ceiling %s", cfg.Providers["adyen"].Ceiling)
	}
	if cfg.EventTransport != TransportKafka || len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected kafka config: %s %v", cfg.EventTransport, cfg.KafkaBrokers)
	}
	if cfg.TracingSampleRate != 0.1 || cfg.BacklogThreshold != 25 {
		t.Fatalf("unexpected sample rate or backlog threshold: %v %d", cfg.TracingSampleRate, cfg.BacklogThreshold)
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("DEFAULT_MAX_AMOUNT", "-1")
	t.Setenv("TRACING_SAMPLE_RATE", "2")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected malformed values to be rejected")
	}
	if !strings.Contains(err.Error(), "DEFAULT_MAX_AMOUNT") || !strings.Contains(err.Error(), "TRACING_SAMPLE_RATE") {
		t.Fatalf("error must name every bad variable: %v", err)
	}
}

func TestValidateNonDev(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("DB_PASSWORD", "")

	cfg := mustLoad(t)
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "PII_SECRET") {
		t.Fatalf("expected dev PII secret rejection, got %v", err)
	}

	cfg.PIISecret = strings.Repeat("s", 40)
	cfg.GatewayToken = "prod-gateway-token"
	cfg.DBPassword = "a-real-password"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid prod config, got %v", err)
	}

	cfg.StoreDriver = StoreMemory
	if err := cfg.Validate(); err == nil {
		t.Fatalf("memory store must be rejected outside dev")
	}
}

func TestValidateRejectsUnknownDrivers(t *testing.T) {
	cfg := mustLoad(t)
	cfg.StoreDriver = "sqlite"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected store driver error")
	}
	cfg.StoreDriver = StoreMemory
	cfg.EventTransport = "nats"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected transport error")
	}
}

func TestDSN(t *testing.T) {
	cfg := &Config{DBHost: "db", DBPort: 5433, DBUser: "u", DBPassword: "p", DBName: "n", DBSSLMode: "require"}
	if got := cfg.DSN(); got != "host=db port=5433 user=u password=p dbname=n sslmode=require" {
		t.Fatalf("unexpected dsn %q", got)
	}
}

func mustLoad(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}
