package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Store    StoreConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Holds    HoldsConfig
	Orders   OrdersConfig
	Stripe   StripeConfig
	Kafka    KafkaConfig
	LogLevel slog.Level
}

type ServerConfig struct {
	Host string
	Port int
}

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
	DriverRedis    = "redis"
)

type StoreConfig struct {
	// Driver selects the record store: postgres or memory.
	Driver string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type PostgresConfig struct {
	User     string
	Password string
	Name     string
	Host     string
	Port     int
	SSLMode  string
	MaxConns int32
}

// DSN renders the connection URL understood by pgxpool.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode,
	)
}

type HoldsConfig struct {
	// Driver selects the hold table: redis or memory.
	Driver        string
	TTL           time.Duration
	SweepInterval time.Duration
	// RateLimit is the number of hold calls a holder may make per minute.
	// Zero disables the limiter.
	RateLimit int
}

type OrdersConfig struct {
	PendingTTL   time.Duration
	ReapInterval time.Duration
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
}

func (c StripeConfig) Enabled() bool { return c.SecretKey != "" }

type KafkaConfig struct {
	Brokers     []string
	NotifyTopic string
}

func (c KafkaConfig) Enabled() bool { return len(c.Brokers) > 0 }

func New() (*Config, error) {
	const op = "config.New"

	_ = godotenv.Load()

	serverPort, err := intEnv("SERVER_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	serverCfg := ServerConfig{
		Host: stringEnv("SERVER_HOST", "localhost"),
		Port: serverPort,
	}

	storeCfg := StoreConfig{Driver: stringEnv("STORE_DRIVER", DriverPostgres)}
	if storeCfg.Driver != DriverPostgres && storeCfg.Driver != DriverMemory {
		return nil, fmt.Errorf("%s: invalid STORE_DRIVER %q", op, storeCfg.Driver)
	}

	var postgresCfg PostgresConfig
	if storeCfg.Driver == DriverPostgres {
		postgresCfg, err = loadPostgres()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	redisDB, err := intEnv("REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	redisCfg := RedisConfig{
		Addr:     stringEnv("REDIS_ADDR", "localhost:6380"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       redisDB,
	}

	holdsCfg := HoldsConfig{Driver: stringEnv("HOLD_STORE", DriverRedis)}
	if holdsCfg.Driver != DriverRedis && holdsCfg.Driver != DriverMemory {
		return nil, fmt.Errorf("%s: invalid HOLD_STORE %q", op, holdsCfg.Driver)
	}
	if holdsCfg.TTL, err = durationEnv("HOLD_TTL", 10*time.Minute); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if holdsCfg.SweepInterval, err = durationEnv("HOLD_SWEEP_INTERVAL", 30*time.Second); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if holdsCfg.SweepInterval > time.Minute {
		return nil, fmt.Errorf("%s: HOLD_SWEEP_INTERVAL must be at most 1m", op)
	}
	if holdsCfg.RateLimit, err = intEnv("HOLD_RATE_LIMIT", 30); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var ordersCfg OrdersConfig
	if ordersCfg.PendingTTL, err = durationEnv("PENDING_ORDER_TTL", 30*time.Minute); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if ordersCfg.ReapInterval, err = durationEnv("ORDER_REAP_INTERVAL", time.Minute); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	stripeCfg := StripeConfig{
		SecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
	}
	if stripeCfg.Enabled() && stripeCfg.WebhookSecret == "" {
		return nil, fmt.Errorf("%s: missing STRIPE_WEBHOOK_SECRET", op)
	}

	kafkaCfg := KafkaConfig{
		Brokers:     listEnv("KAFKA_BROKERS"),
		NotifyTopic: stringEnv("KAFKA_NOTIFY_TOPIC", "tixledger.notifications"),
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(stringEnv("LOG_LEVEL", "INFO"))); err != nil {
		return nil, fmt.Errorf("%s: invalid LOG_LEVEL: %w", op, err)
	}

	return &Config{
		Server:   serverCfg,
		Store:    storeCfg,
		Postgres: postgresCfg,
		Redis:    redisCfg,
		Holds:    holdsCfg,
		Orders:   ordersCfg,
		Stripe:   stripeCfg,
		Kafka:    kafkaCfg,
		LogLevel: level,
	}, nil
}

func loadPostgres() (PostgresConfig, error) {
	port, err := intEnv("POSTGRES_PORT", 5432)
	if err != nil {
		return PostgresConfig{}, err
	}

	maxConns, err := intEnv("POSTGRES_MAX_CONNS", 0)
	if err != nil {
		return PostgresConfig{}, err
	}

	postgresUser := os.Getenv("POSTGRES_USER")
	if postgresUser == "" {
		return PostgresConfig{}, fmt.Errorf("missing POSTGRES_USER")
	}

	postgresPassword := os.Getenv("POSTGRES_PASSWORD")
	if postgresPassword == "" {
		return PostgresConfig{}, fmt.Errorf("missing POSTGRES_PASSWORD")
	}

	postgresDB := os.Getenv("POSTGRES_DB")
	if postgresDB == "" {
		return PostgresConfig{}, fmt.Errorf("missing POSTGRES_DB")
	}

	return PostgresConfig{
		User:     postgresUser,
		Password: postgresPassword,
		Name:     postgresDB,
		Host:     stringEnv("POSTGRES_HOST", "localhost"),
		Port:     port,
		SSLMode:  stringEnv("POSTGRES_SSLMODE", "disable"),
		MaxConns: int32(maxConns),
	}, nil
}

func stringEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return v, nil
}

func listEnv(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
