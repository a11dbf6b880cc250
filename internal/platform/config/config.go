package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	id "escrow/pkg/domain"
)

// Config is the full process configuration, read once at startup.
type Config struct {
	Server    Server
	Database  DatabaseConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Verifier  VerifierConfig
	Monitor   MonitorConfig
	Scheduler SchedulerConfig
	RateLimit RateLimitConfig
	LogLevel  string
	// CatalogPath overrides the embedded milestone catalog when set.
	CatalogPath string
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr          string
	JWTSigningKey string
	JWTIssuer     string
}

// DatabaseConfig selects the Postgres backend. An empty URL runs on in-memory stores.
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig configures the alert-state, snapshot and proposal stores.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig configures the notification sink and audit outbox relay.
type KafkaConfig struct {
	Brokers            []string
	NotificationsTopic string
	AuditTopic         string
	RelayInterval      time.Duration
}

// VerifierConfig bounds calls to the evidence verifier.
type VerifierConfig struct {
	URL              string
	Timeout          time.Duration
	MaxAttempts      int
	Backoff          time.Duration
	FailureThreshold int
	Cooldown         time.Duration
}

// MonitorConfig sets the escrow warning band above each contract's minimum.
type MonitorConfig struct {
	WarningBuffer id.Money
}

// SchedulerConfig bounds how long the scheduler sleeps between due-date checks.
type SchedulerConfig struct {
	MaxSleep time.Duration
}

// RateLimitConfig sets per-actor request budgets per minute.
type RateLimitConfig struct {
	Disabled     bool
	ReadsPerMin  int
	WritesPerMin int
}

// FromEnv builds the config from environment variables so main stays lean.
func FromEnv() Config {
	return Config{
		Server: Server{
			Addr:          getEnv("ESCROW_ADDR", ":8080"),
			JWTSigningKey: getEnv("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
			JWTIssuer:     getEnv("JWT_ISSUER", "escrow"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    getInt("DATABASE_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getInt("DATABASE_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime: getDuration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     getInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getInt("REDIS_MIN_IDLE_CONNS", 1),
			DialTimeout:  getDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:            getList("KAFKA_BROKERS"),
			NotificationsTopic: getEnv("KAFKA_NOTIFICATIONS_TOPIC", "escrow.notifications"),
			AuditTopic:         getEnv("KAFKA_AUDIT_TOPIC", "escrow.audit"),
			RelayInterval:      getDuration("KAFKA_RELAY_INTERVAL", time.Second),
		},
		Verifier: VerifierConfig{
			URL:              os.Getenv("VERIFIER_URL"),
			Timeout:          getDuration("VERIFIER_TIMEOUT", 10*time.Second),
			MaxAttempts:      getInt("VERIFIER_MAX_ATTEMPTS", 3),
			Backoff:          getDuration("VERIFIER_BACKOFF", 500*time.Millisecond),
			FailureThreshold: getInt("VERIFIER_FAILURE_THRESHOLD", 5),
			Cooldown:         getDuration("VERIFIER_COOLDOWN", 30*time.Second),
		},
		Monitor: MonitorConfig{
			WarningBuffer: getMoney("ESCROW_WARNING_BUFFER", id.Dollars(5000)),
		},
		Scheduler: SchedulerConfig{
			MaxSleep: getDuration("SCHEDULER_MAX_SLEEP", time.Minute),
		},
		RateLimit: RateLimitConfig{
			Disabled:     getBool("RATELIMIT_DISABLED", false),
			ReadsPerMin:  getInt("RATELIMIT_READS_PER_MIN", 300),
			WritesPerMin: getInt("RATELIMIT_WRITES_PER_MIN", 60),
		},
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		CatalogPath: os.Getenv("MILESTONE_CATALOG_PATH"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getMoney(key string, fallback id.Money) id.Money {
	if v, err := id.ParseMoney(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
