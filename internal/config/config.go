package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	JWT       JWTConfig
	WebSocket WebSocketConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Port            string
	Host            string
	Env             string
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

type JWTConfig struct {
	Secret                 string
	Expiration             time.Duration
	RefreshTokenExpiration time.Duration
}

type WebSocketConfig struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxConnPerUser int
}

type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
	Enabled           bool
}

type CORSConfig struct {
	AllowedOrigins string
	AllowedMethods string
	AllowedHeaders string
}

type LoggingConfig struct {
	Level string
}

// Load reads the sync server configuration from the environment and an
// optional .env file.
func Load() (*Config, error) {
	godotenv.Load()

	jwtExp, err := getEnvAsDuration("JWT_EXPIRATION", 15*time.Minute)
	if err != nil {
		return nil, err
	}
	refreshExp, err := getEnvAsDuration("REFRESH_TOKEN_EXPIRATION", 168*time.Hour)
	if err != nil {
		return nil, err
	}
	shutdown, err := getEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	pongWait, err := getEnvAsDuration("WS_PONG_WAIT", 60*time.Second)
	if err != nil {
		return nil, err
	}

	return &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", "8080"),
			Host:            getEnv("HOST", "0.0.0.0"),
			Env:             getEnv("ENV", "development"),
			ShutdownTimeout: shutdown,
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5984"),
			User:     getEnv("DB_USER", "admin"),
			Password: getEnv("DB_PASSWORD", "password"),
			Name:     getEnv("DB_NAME", "dailyvault"),
		},
		JWT: JWTConfig{
			Secret:                 getEnv("JWT_SECRET", "dev-secret-change-in-production"),
			Expiration:             jwtExp,
			RefreshTokenExpiration: refreshExp,
		},
		WebSocket: WebSocketConfig{
			WriteWait:      10 * time.Second,
			PongWait:       pongWait,
			PingPeriod:     pongWait * 9 / 10,
			MaxConnPerUser: getEnvAsInt("WS_MAX_CONN_PER_USER", 5),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: getEnvAsInt("RATE_LIMIT_REQUESTS_PER_MINUTE", 120),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 30),
			Enabled:           getEnvAsBool("RATE_LIMIT_ENABLED", true),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
			AllowedMethods: getEnv("CORS_ALLOWED_METHODS", "GET,POST,PUT,DELETE,OPTIONS"),
			AllowedHeaders: getEnv("CORS_ALLOWED_HEADERS", "Content-Type,Authorization,X-Device-ID,X-Request-ID"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}, nil
}

// ClientConfig configures the dailyvault CLI.
type ClientConfig struct {
	DataDir           string
	ServerURL         string
	DeviceID          string
	Offline           bool
	KDFIterations     int
	SyncInterval      time.Duration
	MaxRebaseAttempts int
	UnlockTimeout     time.Duration
	RequestTimeout    time.Duration
	StoreOpenRetries  int
	StoreOpenBackoff  time.Duration
	// DeviceKeyBackend is one of auto, keychain or database.
	DeviceKeyBackend  string
	LogLevel          string
}

const (
	DeviceKeyAuto     = "auto"
	DeviceKeyKeychain = "keychain"
	DeviceKeyDatabase = "database"
)

func LoadClient() (*ClientConfig, error) {
	godotenv.Load()

	syncInterval, err := getEnvAsDuration("SYNC_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, err
	}
	unlockTimeout, err := getEnvAsDuration("UNLOCK_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	requestTimeout, err := getEnvAsDuration("REQUEST_TIMEOUT", 15*time.Second)
	if err != nil {
		return nil, err
	}
	backoff, err := getEnvAsDuration("STORE_OPEN_BACKOFF", 100*time.Millisecond)
	if err != nil {
		return nil, err
	}

	deviceKeys := getEnv("DEVICE_KEY_BACKEND", DeviceKeyAuto)
	switch deviceKeys {
	case DeviceKeyAuto, DeviceKeyKeychain, DeviceKeyDatabase:
	default:
		return nil, fmt.Errorf("invalid DEVICE_KEY_BACKEND %q", deviceKeys)
	}

	dataDir := getEnv("DAILYVAULT_DATA_DIR", "")
	if dataDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("resolve data dir: %w", err)
		}
		dataDir = filepath.Join(base, "dailyvault")
	}

	return &ClientConfig{
		DataDir:           dataDir,
		ServerURL:         getEnv("DAILYVAULT_SERVER_URL", "http://localhost:8080"),
		DeviceID:          getEnv("DAILYVAULT_DEVICE_ID", ""),
		Offline:           getEnvAsBool("DAILYVAULT_OFFLINE", false),
		KDFIterations:     getEnvAsInt("KDF_ITERATIONS", 600000),
		SyncInterval:      syncInterval,
		MaxRebaseAttempts: getEnvAsInt("MAX_REBASE_ATTEMPTS", 3),
		UnlockTimeout:     unlockTimeout,
		RequestTimeout:    requestTimeout,
		StoreOpenRetries:  getEnvAsInt("STORE_OPEN_RETRIES", 5),
		StoreOpenBackoff:  backoff,
		DeviceKeyBackend:  deviceKeys,
		LogLevel:          getEnv("LOG_LEVEL", "warn"),
	}, nil
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

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}
