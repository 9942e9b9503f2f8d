package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrMissingDatabaseURL is returned by Load when no connection string can be resolved.
var ErrMissingDatabaseURL = errors.New("DATABASE_URL is not set (checked DATABASE_URL_FILE and DATABASE_URL)")

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	URL      string
	MaxConns int
	MaxIdle  int
}

// RedisConfig Redis配置
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT配置（导入进度广播）
type MQTTConfig struct {
	Enabled  bool
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
}

// ImportConfig controls bulk workbook import runs.
type ImportConfig struct {
	TxMode         string // "row" or "run"
	MaxBytes       int64
	ProgressEvery  int
	ProgressStream string
}

// Config pwh-registry 配置
type Config struct {
	HTTP struct {
		Addr string
	}
	Database DatabaseConfig
	Redis    RedisConfig
	CacheTTL time.Duration
	Log      struct {
		Level  string
		Format string
	}
	Import ImportConfig
	MQTT   MQTTConfig
}

// Load reads the configuration from the environment. A missing connection
// string is fatal for the caller.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")

	url, err := resolveDatabaseURL()
	if err != nil {
		return nil, err
	}
	cfg.Database.URL = url
	cfg.Database.MaxConns = parseInt(getEnv("DB_MAX_CONNS", "10"), 10)
	cfg.Database.MaxIdle = parseInt(getEnv("DB_MAX_IDLE", "5"), 5)

	cfg.Redis.Enabled = getEnv("REDIS_ENABLED", "true") == "true"
	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = parseInt(getEnv("REDIS_DB", "0"), 0)
	cfg.CacheTTL = parseDuration(getEnv("CACHE_TTL", "10m"), 10*time.Minute)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	cfg.Import.TxMode = strings.ToLower(getEnv("IMPORT_TX_MODE", "row"))
	if cfg.Import.TxMode != "row" && cfg.Import.TxMode != "run" {
		return nil, fmt.Errorf("IMPORT_TX_MODE must be \"row\" or \"run\", got %q", cfg.Import.TxMode)
	}
	cfg.Import.MaxBytes = int64(parseInt(getEnv("IMPORT_MAX_BYTES", "20971520"), 20<<20))
	cfg.Import.ProgressEvery = parseInt(getEnv("IMPORT_PROGRESS_EVERY", "100"), 100)
	cfg.Import.ProgressStream = getEnv("IMPORT_PROGRESS_STREAM", "registry:import:progress")

	// MQTT 配置（默认禁用）
	cfg.MQTT.Enabled = getEnv("MQTT_ENABLED", "false") == "true"
	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "pwh-registry")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.Topic = getEnv("MQTT_TOPIC", "pwh-registry/import")
	cfg.MQTT.QoS = byte(parseInt(getEnv("MQTT_QOS", "1"), 1))

	return cfg, nil
}

// resolveDatabaseURL prefers a mounted secret file over the plain env var.
func resolveDatabaseURL() (string, error) {
	if path := os.Getenv("DATABASE_URL_FILE"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read DATABASE_URL_FILE: %w", err)
		}
		if url := strings.TrimSpace(string(b)); url != "" {
			return url, nil
		}
	}
	if url := strings.TrimSpace(os.Getenv("DATABASE_URL")); url != "" {
		return url, nil
	}
	return "", ErrMissingDatabaseURL
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
