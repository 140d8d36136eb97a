package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	ExpiryBackendAsynq = "asynq"
	ExpiryBackendTimer = "timer"
)

type Config struct {
	Server      ServerConfig
	Postgres    PostgresConfig
	Redis       RedisConfig
	Reservation ReservationConfig
	Payment     PaymentConfig
	PubNub      PubNubConfig
}

type ServerConfig struct {
	Host string
	Port int
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
}

// DSN renders the pgx connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Name,
		c.SSLMode,
	)
}

type ReservationConfig struct {
	HoldTTL       time.Duration
	PollInterval  time.Duration
	ExpiryBackend string
	SweepCron     string
	HoldRateLimit int
}

type PaymentConfig struct {
	BaseURL         string
	AccessToken     string
	WebhookSecret   string
	NotificationURL string
}

type PubNubConfig struct {
	PublishKey   string
	SubscribeKey string
	SecretKey    string
	UserID       string
}

// Enabled reports whether enough keys are present to publish.
func (c PubNubConfig) Enabled() bool {
	return c.PublishKey != "" && c.SubscribeKey != ""
}

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

	postgresPort, err := intEnv("POSTGRES_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	postgresUser := os.Getenv("POSTGRES_USER")
	if postgresUser == "" {
		return nil, fmt.Errorf("%s: missing POSTGRES_USER", op)
	}

	postgresPassword := os.Getenv("POSTGRES_PASSWORD")
	if postgresPassword == "" {
		return nil, fmt.Errorf("%s: missing POSTGRES_PASSWORD", op)
	}

	postgresDB := os.Getenv("POSTGRES_DB")
	if postgresDB == "" {
		return nil, fmt.Errorf("%s: missing POSTGRES_DB", op)
	}

	postgresCfg := PostgresConfig{
		User:     postgresUser,
		Password: postgresPassword,
		Name:     postgresDB,
		Host:     stringEnv("POSTGRES_HOST", "localhost"),
		Port:     postgresPort,
		SSLMode:  stringEnv("POSTGRES_SSLMODE", "disable"),
	}

	redisDB, err := intEnv("REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	redisCfg := RedisConfig{
		Addr:     stringEnv("REDIS_ADDR", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       redisDB,
	}

	holdTTL, err := durationEnv("HOLD_TTL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	pollInterval, err := durationEnv("POLL_INTERVAL", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	holdRateLimit, err := intEnv("HOLD_RATE_LIMIT", 10)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	backend := stringEnv("EXPIRY_BACKEND", ExpiryBackendAsynq)
	if backend != ExpiryBackendAsynq && backend != ExpiryBackendTimer {
		return nil, fmt.Errorf("%s: invalid EXPIRY_BACKEND %q", op, backend)
	}

	reservationCfg := ReservationConfig{
		HoldTTL:       holdTTL,
		PollInterval:  pollInterval,
		ExpiryBackend: backend,
		SweepCron:     stringEnv("SWEEP_CRON", "*/1 * * * *"),
		HoldRateLimit: holdRateLimit,
	}

	// A missing access token is not fatal here: charge issuance reports it
	// to the buyer as a configuration error.
	paymentCfg := PaymentConfig{
		BaseURL:         stringEnv("PAYMENT_BASE_URL", "https://api.mercadopago.com"),
		AccessToken:     os.Getenv("PAYMENT_ACCESS_TOKEN"),
		WebhookSecret:   os.Getenv("PAYMENT_WEBHOOK_SECRET"),
		NotificationURL: os.Getenv("PAYMENT_NOTIFICATION_URL"),
	}

	pubnubCfg := PubNubConfig{
		PublishKey:   os.Getenv("PUBNUB_PUBLISH_KEY"),
		SubscribeKey: os.Getenv("PUBNUB_SUBSCRIBE_KEY"),
		SecretKey:    os.Getenv("PUBNUB_SECRET_KEY"),
		UserID:       stringEnv("PUBNUB_USER_ID", "rafflego-server"),
	}

	return &Config{
		Server:      serverCfg,
		Postgres:    postgresCfg,
		Redis:       redisCfg,
		Reservation: reservationCfg,
		Payment:     paymentCfg,
		PubNub:      pubnubCfg,
	}, nil
}

func stringEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
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
