package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string

	Server     ServerConfig
	OTP        OTPConfig
	Login      LoginConfig
	Hashing    HashingConfig
	Redis      RedisConfig
	Scylla     ScyllaConfig
	Kafka      KafkaConfig
	ClickHouse ClickHouseConfig
	SMS        SMSConfig
	SMTP       SMTPConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// OTPConfig is the tunable surface of the passcode lifecycle.
type OTPConfig struct {
	CodeLength         int           // digits per code
	ExpiryWindow       time.Duration // how long an issued code stays valid
	MaxAttempts        int           // verification tries per record, right or wrong
	ResendCooldown     time.Duration // minimum gap between issuances for the same key
	DefaultCountryCode string        // prefix applied to bare phone numbers, e.g. "+91"
	DebugMode          bool          // suppress real dispatch, log truncated codes
}

type LoginConfig struct {
	FailureThreshold int           // failed password logins before the reset hint
	FailureWindow    time.Duration // counter TTL
}

type HashingConfig struct {
	Argon2MemoryKiB   int
	Argon2Iterations  int
	Argon2Parallelism int
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers     []string
	EventsTopic string
}

type ClickHouseConfig struct {
	Addr     []string
	Database string
	Username string
	Password string
}

type SMSConfig struct {
	GatewayURL string
	APIKey     string
	SenderID   string
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type LoggingConfig struct {
	Level  string
	Format string
}

var (
	cfg     *Config
	loadCfg sync.Once
)

// LoadConfig reads configuration from the environment (with .env support for
// local development) exactly once and returns the shared instance.
func LoadConfig() *Config {
	loadCfg.Do(func() {
		_ = godotenv.Load()

		cfg = &Config{
			Environment: getEnv("ENVIRONMENT", "development"),
			Server: ServerConfig{
				Port:         getEnvInt("SERVER_PORT", 8080),
				ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
				WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
				IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			},
			OTP: OTPConfig{
				CodeLength:         getEnvInt("OTP_CODE_LENGTH", 6),
				ExpiryWindow:       time.Duration(getEnvInt("OTP_EXPIRY_MINUTES", 10)) * time.Minute,
				MaxAttempts:        getEnvInt("OTP_MAX_ATTEMPTS", 5),
				ResendCooldown:     time.Duration(getEnvInt("OTP_RESEND_COOLDOWN_SECONDS", 60)) * time.Second,
				DefaultCountryCode: getEnv("DEFAULT_COUNTRY_CODE", "+91"),
				DebugMode:          getEnvBool("OTP_DEBUG_MODE", false),
			},
			Login: LoginConfig{
				FailureThreshold: getEnvInt("LOGIN_FAILURE_THRESHOLD", 2),
				FailureWindow:    time.Duration(getEnvInt("LOGIN_FAILURE_WINDOW_HOURS", 24)) * time.Hour,
			},
			Hashing: HashingConfig{
				Argon2MemoryKiB:   getEnvInt("ARGON2_MEMORY_KIB", 64*1024),
				Argon2Iterations:  getEnvInt("ARGON2_ITERATIONS", 3),
				Argon2Parallelism: getEnvInt("ARGON2_PARALLELISM", 2),
			},
			Redis: RedisConfig{
				URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
				PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
			},
			Scylla: ScyllaConfig{
				Nodes:    getEnvList("SCYLLA_NODES", []string{"localhost:9042"}),
				Keyspace: getEnv("SCYLLA_KEYSPACE", "otp"),
				Username: getEnv("SCYLLA_USERNAME", ""),
				Password: getEnv("SCYLLA_PASSWORD", ""),
			},
			Kafka: KafkaConfig{
				Brokers:     getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
				EventsTopic: getEnv("KAFKA_EVENTS_TOPIC", "otp-events"),
			},
			ClickHouse: ClickHouseConfig{
				Addr:     getEnvList("CLICKHOUSE_ADDR", []string{"localhost:9000"}),
				Database: getEnv("CLICKHOUSE_DATABASE", "audit"),
				Username: getEnv("CLICKHOUSE_USERNAME", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			SMS: SMSConfig{
				GatewayURL: getEnv("SMS_GATEWAY_URL", ""),
				APIKey:     getEnv("SMS_GATEWAY_API_KEY", ""),
				SenderID:   getEnv("SMS_SENDER_ID", "LEARNHUB"),
			},
			SMTP: SMTPConfig{
				Host:     getEnv("SMTP_HOST", ""),
				Port:     getEnvInt("SMTP_PORT", 465),
				Username: getEnv("SMTP_USERNAME", ""),
				Password: getEnv("SMTP_PASSWORD", ""),
				From:     getEnv("SMTP_FROM", "no-reply@learnhub.local"),
			},
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
		}
	})

	return cfg
}

// Get returns the loaded config, loading it on first use.
func Get() *Config {
	return LoadConfig()
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
