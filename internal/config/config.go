package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the OTP service.
type Config struct {
	Environment string
	Server      ServerConfig
	Logging     LoggingConfig
	Store       StoreConfig
	Channels    ChannelsConfig
	Redis       RedisConfig
	Scylla      ScyllaConfig
	Kafka       KafkaConfig
	Clickhouse  ClickhouseConfig
	Hashing     HashingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

// StoreConfig selects and tunes the verification record store.
type StoreConfig struct {
	// Backend is "memory" for single-instance deployments or "redis"
	// for multi-instance deployments sharing one record table.
	Backend string
	// Shards is the lock-stripe count of the in-memory backend.
	Shards int
	// SweepInterval drives the background expired-record sweeper.
	SweepInterval time.Duration
	// MirrorEnabled turns on the best-effort Scylla write-through mirror.
	MirrorEnabled bool
}

// ChannelPolicy is the per-channel code policy.
type ChannelPolicy struct {
	CodeLength int
	TTL        time.Duration
}

type ChannelsConfig struct {
	WhatsApp ChannelPolicy
	SMS      ChannelPolicy
	Email    ChannelPolicy

	// WhatsApp session gateway (self-hosted)
	WhatsAppGatewayURL string
	WhatsAppInstance   string
	WhatsAppAPIKey     string
	WhatsAppTimeout    time.Duration

	// SMS provider
	SMSAPIURL   string
	SMSAPIKey   string
	SMSSenderID string
	SMSTimeout  time.Duration

	// Email provider (SMTP)
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	EmailFrom    string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Hosts    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type ClickhouseConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Database string
}

type HashingConfig struct {
	Argon2MemoryCost  int
	Argon2TimeCost    int
	Argon2Parallelism int
}

var (
	globalConfig *Config
	once         sync.Once
)

// LoadConfig loads configuration from the environment, reading an optional
// .env file first. The first load wins; later calls return the same config.
func LoadConfig() *Config {
	once.Do(func() {
		// .env is a development convenience; a missing file is fine
		_ = godotenv.Load()

		globalConfig = &Config{
			Environment: getEnv("ENVIRONMENT", "development"),
			Server: ServerConfig{
				Host:         getEnv("SERVER_HOST", "0.0.0.0"),
				Port:         getEnvInt("SERVER_PORT", 8080),
				ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
				WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
				IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			},
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
			Store: StoreConfig{
				Backend:       getEnv("OTP_STORE_BACKEND", "memory"),
				Shards:        getEnvInt("OTP_STORE_SHARDS", 32),
				SweepInterval: getEnvDuration("OTP_SWEEP_INTERVAL", time.Minute),
				MirrorEnabled: getEnvBool("SCYLLA_MIRROR_ENABLED", false),
			},
			Channels: ChannelsConfig{
				WhatsApp: ChannelPolicy{
					CodeLength: getEnvInt("WHATSAPP_CODE_LENGTH", 4),
					TTL:        getEnvDuration("WHATSAPP_CODE_TTL", 5*time.Minute),
				},
				SMS: ChannelPolicy{
					CodeLength: getEnvInt("SMS_CODE_LENGTH", 6),
					TTL:        getEnvDuration("SMS_CODE_TTL", 5*time.Minute),
				},
				Email: ChannelPolicy{
					CodeLength: getEnvInt("EMAIL_CODE_LENGTH", 6),
					TTL:        getEnvDuration("EMAIL_CODE_TTL", 10*time.Minute),
				},
				WhatsAppGatewayURL: getEnv("WHATSAPP_GATEWAY_URL", "http://localhost:8085"),
				WhatsAppInstance:   getEnv("WHATSAPP_INSTANCE", "otp-service"),
				WhatsAppAPIKey:     getEnv("WHATSAPP_API_KEY", ""),
				WhatsAppTimeout:    getEnvDuration("WHATSAPP_TIMEOUT", 10*time.Second),
				SMSAPIURL:          getEnv("SMS_API_URL", ""),
				SMSAPIKey:          getEnv("SMS_API_KEY", ""),
				SMSSenderID:        getEnv("SMS_SENDER_ID", "FUELFRND"),
				SMSTimeout:         getEnvDuration("SMS_TIMEOUT", 10*time.Second),
				SMTPHost:           getEnv("SMTP_HOST", "localhost"),
				SMTPPort:           getEnvInt("SMTP_PORT", 587),
				SMTPUsername:       getEnv("SMTP_USERNAME", ""),
				SMTPPassword:       getEnv("SMTP_PASSWORD", ""),
				EmailFrom:          getEnv("EMAIL_FROM", "no-reply@fuelfriendly.app"),
			},
			Redis: RedisConfig{
				URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
				PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
			},
			Scylla: ScyllaConfig{
				Hosts:    getEnvList("SCYLLA_HOSTS", []string{"localhost:9042"}),
				Keyspace: getEnv("SCYLLA_KEYSPACE", "otp_service"),
				Username: getEnv("SCYLLA_USERNAME", ""),
				Password: getEnv("SCYLLA_PASSWORD", ""),
			},
			Kafka: KafkaConfig{
				Enabled: getEnvBool("KAFKA_ENABLED", false),
				Brokers: getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
				Topic:   getEnv("KAFKA_OTP_TOPIC", "otp-events"),
			},
			Clickhouse: ClickhouseConfig{
				Enabled:  getEnvBool("CLICKHOUSE_ENABLED", false),
				URL:      getEnv("CLICKHOUSE_URL", "localhost:9000"),
				Username: getEnv("CLICKHOUSE_USERNAME", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
				Database: getEnv("CLICKHOUSE_DATABASE", "otp_audit"),
			},
			Hashing: HashingConfig{
				Argon2MemoryCost:  getEnvInt("ARGON2_MEMORY_COST", 65536),
				Argon2TimeCost:    getEnvInt("ARGON2_TIME_COST", 1),
				Argon2Parallelism: getEnvInt("ARGON2_PARALLELISM", 4),
			},
		}
	})

	return globalConfig
}

// Get returns the loaded configuration, loading defaults if needed.
func Get() *Config {
	if globalConfig == nil {
		return LoadConfig()
	}
	return globalConfig
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// GetServerAddress returns the host:port the HTTP server binds to.
func (c *Config) GetServerAddress() string {
	return c.Server.Host + ":" + strconv.Itoa(c.Server.Port)
}

// PolicyFor returns the code policy for a channel name.
// Unknown channels fall back to the SMS policy.
func (c *Config) PolicyFor(channel string) ChannelPolicy {
	switch channel {
	case "whatsapp":
		return c.Channels.WhatsApp
	case "email":
		return c.Channels.Email
	default:
		return c.Channels.SMS
	}
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
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}
