// Package config 配置
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config 服务配置
type Config struct {
	ServiceName string
	HTTPPort    int

	// PostgreSQL
	DBHost         string
	DBPort         int
	DBUser         string
	DBPassword     string
	DBName         string
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Redis
	RedisAddr     string
	RedisPassword string

	// Protocol timing
	PrepareTimeout  time.Duration
	DeliveryTimeout time.Duration
	CommitAckWait   time.Duration
	TxTimeout       time.Duration
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	EscalateAfter   int

	MaxConcurrentTx int
	ReaperInterval  time.Duration

	WorkerID int64

	// Resource managers served by this node. Comma separated IDs.
	SQLResources   []string
	RedisResources []string

	// Tracing
	TracingEnabled bool
	JaegerEndpoint string
	SampleRate     float64
}

// Load 加载配置
func Load() *Config {
	return &Config{
		ServiceName: getEnv("SERVICE_NAME", "tx-coordinator"),
		HTTPPort:    getEnvInt("HTTP_PORT", 8090),

		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnvInt("DB_PORT", 5436), // 默认使用5436避免与其他项目冲突
		DBUser:         getEnv("DB_USER", "txfabric"),
		DBPassword:     getEnv("DB_PASSWORD", "txfabric123"),
		DBName:         getEnv("DB_NAME", "txfabric"),
		DBMaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 20),
		DBMaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 5),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6380"), // 默认使用6380避免与本地Redis冲突
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		PrepareTimeout:  getEnvDuration("PREPARE_TIMEOUT", 5*time.Second),
		DeliveryTimeout: getEnvDuration("DELIVERY_TIMEOUT", 5*time.Second),
		CommitAckWait:   getEnvDuration("COMMIT_ACK_WAIT", 10*time.Second),
		TxTimeout:       getEnvDuration("TX_TIMEOUT", 30*time.Second),
		RetryBaseDelay:  getEnvDuration("RETRY_BASE_DELAY", 200*time.Millisecond),
		RetryMaxDelay:   getEnvDuration("RETRY_MAX_DELAY", 30*time.Second),
		EscalateAfter:   getEnvInt("ESCALATE_AFTER", 10),

		MaxConcurrentTx: getEnvInt("MAX_CONCURRENT_TX", 1000),
		ReaperInterval:  getEnvDuration("REAPER_INTERVAL", 10*time.Second),

		WorkerID: int64(getEnvInt("WORKER_ID", 1)),

		SQLResources:   getEnvSlice("SQL_RESOURCES", []string{"orders-db"}),
		RedisResources: getEnvSlice("REDIS_RESOURCES", []string{"inventory-cache"}),

		TracingEnabled: getEnvBool("TRACING_ENABLED", false),
		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		SampleRate:     getEnvFloat("TRACING_SAMPLE_RATE", 1.0),
	}
}

// DSN 返回数据库连接字符串
func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" port=" + strconv.Itoa(c.DBPort) +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=disable"
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP_PORT: %d", c.HTTPPort)
	}
	if c.PrepareTimeout <= 0 {
		return fmt.Errorf("PREPARE_TIMEOUT must be positive, got %s", c.PrepareTimeout)
	}
	if c.TxTimeout <= c.PrepareTimeout {
		return fmt.Errorf("TX_TIMEOUT (%s) must exceed PREPARE_TIMEOUT (%s)", c.TxTimeout, c.PrepareTimeout)
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("invalid retry delays: base=%s max=%s", c.RetryBaseDelay, c.RetryMaxDelay)
	}
	if c.MaxConcurrentTx < 0 {
		return fmt.Errorf("MAX_CONCURRENT_TX must not be negative, got %d", c.MaxConcurrentTx)
	}
	if len(c.SQLResources) == 0 && len(c.RedisResources) == 0 {
		return fmt.Errorf("at least one resource manager must be configured")
	}
	seen := make(map[string]bool)
	for _, id := range append(append([]string{}, c.SQLResources...), c.RedisResources...) {
		if id == "" {
			return fmt.Errorf("empty resource ID in configuration")
		}
		if seen[id] {
			return fmt.Errorf("duplicate resource ID: %s", id)
		}
		seen[id] = true
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
