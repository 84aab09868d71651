package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	JWT         JWTConfig
	WebSocket   WebSocketConfig
	ChangeGuard ChangeGuardConfig
	Redis       RedisConfig
	CORS        CORSConfig
	Logging     LoggingConfig
}

type ServerConfig struct {
	Port string
	Host string
	Env  string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

func (d DatabaseConfig) URL() string {
	return fmt.Sprintf("http://%s:%s@%s:%s", d.User, d.Password, d.Host, d.Port)
}

type JWTConfig struct {
	Secret     string
	Expiration time.Duration
}

type WebSocketConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
	WriteWait       time.Duration
	PongWait        time.Duration
	PingPeriod      time.Duration
	MaxConnPerUser  int
	SendBuffer      int
}

// ChangeGuardConfig holds the advisory edit-size thresholds. A zero value
// disables that threshold.
type ChangeGuardConfig struct {
	MaxChangedRatio float64
	MaxChangedChars int
	MaxHunks        int
}

type RedisConfig struct {
	Enabled         bool
	URL             string
	ExternalChannel string
	ChangesChannel  string
}

type CORSConfig struct {
	AllowedOrigins string
	AllowedMethods string
	AllowedHeaders string
}

type LoggingConfig struct {
	Verbosity string
}

func Load() (*Config, error) {
	godotenv.Load()

	jwtExp, err := time.ParseDuration(getEnv("JWT_EXPIRATION", "15m"))
	if err != nil {
		return nil, fmt.Errorf("invalid JWT_EXPIRATION: %w", err)
	}

	writeWait, err := time.ParseDuration(getEnv("WS_WRITE_WAIT", "10s"))
	if err != nil {
		return nil, fmt.Errorf("invalid WS_WRITE_WAIT: %w", err)
	}

	pongWait, err := time.ParseDuration(getEnv("WS_PONG_WAIT", "60s"))
	if err != nil {
		return nil, fmt.Errorf("invalid WS_PONG_WAIT: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "8080"),
			Host: getEnv("HOST", "0.0.0.0"),
			Env:  getEnv("ENV", "development"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5984"),
			User:     getEnv("DB_USER", "admin"),
			Password: getEnv("DB_PASSWORD", "password"),
			Name:     getEnv("DB_NAME", "inkdown_docs"),
		},
		JWT: JWTConfig{
			Secret:     getEnv("JWT_SECRET", "dev-secret-change-in-production"),
			Expiration: jwtExp,
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  getEnvAsInt("WS_READ_BUFFER_SIZE", 4096),
			WriteBufferSize: getEnvAsInt("WS_WRITE_BUFFER_SIZE", 4096),
			MaxMessageSize:  int64(getEnvAsInt("WS_MAX_MESSAGE_SIZE", 10485760)),
			WriteWait:       writeWait,
			PongWait:        pongWait,
			PingPeriod:      (pongWait * 9) / 10,
			MaxConnPerUser:  getEnvAsInt("WS_MAX_CONN_PER_USER", 16),
			SendBuffer:      getEnvAsInt("WS_SEND_BUFFER", 256),
		},
		ChangeGuard: ChangeGuardConfig{
			MaxChangedRatio: getEnvAsFloat("GUARD_MAX_CHANGED_RATIO", 0.5),
			MaxChangedChars: getEnvAsInt("GUARD_MAX_CHANGED_CHARS", 20000),
			MaxHunks:        getEnvAsInt("GUARD_MAX_HUNKS", 200),
		},
		Redis: RedisConfig{
			Enabled:         getEnvAsBool("REDIS_ENABLED", false),
			URL:             getEnv("REDIS_URL", "redis://localhost:6379/0"),
			ExternalChannel: getEnv("REDIS_EXTERNAL_CHANNEL", "docsync:external"),
			ChangesChannel:  getEnv("REDIS_CHANGES_CHANNEL", "docsync:changes"),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
			AllowedMethods: getEnv("CORS_ALLOWED_METHODS", "GET,POST,PUT,DELETE,OPTIONS"),
			AllowedHeaders: getEnv("CORS_ALLOWED_HEADERS", "Content-Type,Authorization"),
		},
		Logging: LoggingConfig{
			Verbosity: getEnv("LOG_VERBOSITY", "0"),
		},
	}

	if cfg.ChangeGuard.MaxChangedRatio < 0 {
		return nil, fmt.Errorf("invalid GUARD_MAX_CHANGED_RATIO: must not be negative")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}
