package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server      ServerConfig
	Local       LocalConfig
	Remote      RemoteConfig
	Replication ReplicationConfig
	Session     SessionConfig
	JWT         JWTConfig
	WebSocket   WebSocketConfig
	CORS        CORSConfig
	Logging     LoggingConfig
}

type ServerConfig struct {
	Port string
	Host string
	Env  string
}

type LocalConfig struct {
	Path string
}

type RemoteConfig struct {
	// URL may be empty, which disables replication.
	URL            string
	Database       string
	RequestTimeout time.Duration
}

type ReplicationConfig struct {
	BatchSize      int
	PollInterval   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AutoStart      bool
}

type SessionConfig struct {
	TTL time.Duration
}

type JWTConfig struct {
	Secret     string
	Expiration time.Duration
}

type WebSocketConfig struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxConnPerUser int
}

type CORSConfig struct {
	AllowedOrigins string
	AllowedMethods string
	AllowedHeaders string
}

type LoggingConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	godotenv.Load()

	requestTimeout, err := getEnvAsDuration("REMOTE_REQUEST_TIMEOUT", "15s")
	if err != nil {
		return nil, err
	}
	pollInterval, err := getEnvAsDuration("REPLICATION_POLL_INTERVAL", "5s")
	if err != nil {
		return nil, err
	}
	initialBackoff, err := getEnvAsDuration("REPLICATION_INITIAL_BACKOFF", "1s")
	if err != nil {
		return nil, err
	}
	maxBackoff, err := getEnvAsDuration("REPLICATION_MAX_BACKOFF", "2m")
	if err != nil {
		return nil, err
	}
	sessionTTL, err := getEnvAsDuration("SESSION_TTL", "10m")
	if err != nil {
		return nil, err
	}
	jwtExp, err := getEnvAsDuration("JWT_EXPIRATION", "72h")
	if err != nil {
		return nil, err
	}

	if maxBackoff < initialBackoff {
		return nil, fmt.Errorf("invalid REPLICATION_MAX_BACKOFF: must not be below REPLICATION_INITIAL_BACKOFF")
	}

	remoteURL := getEnv("REMOTE_URL", "")
	if remoteURL != "" {
		if err := ValidateRemoteURL(remoteURL); err != nil {
			return nil, err
		}
	}

	return &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "5985"),
			Host: getEnv("HOST", "127.0.0.1"),
			Env:  getEnv("ENV", "development"),
		},
		Local: LocalConfig{
			Path: getEnv("LOCAL_DB_PATH", "campo.db"),
		},
		Remote: RemoteConfig{
			URL:            remoteURL,
			Database:       getEnv("REMOTE_DB", "registros"),
			RequestTimeout: requestTimeout,
		},
		Replication: ReplicationConfig{
			BatchSize:      getEnvAsInt("REPLICATION_BATCH_SIZE", 100),
			PollInterval:   pollInterval,
			InitialBackoff: initialBackoff,
			MaxBackoff:     maxBackoff,
			AutoStart:      getEnvAsBool("REPLICATION_AUTO_START", true),
		},
		Session: SessionConfig{
			TTL: sessionTTL,
		},
		JWT: JWTConfig{
			Secret:     getEnv("JWT_SECRET", "dev-secret-change-in-production"),
			Expiration: jwtExp,
		},
		WebSocket: WebSocketConfig{
			WriteWait:      10 * time.Second,
			PongWait:       60 * time.Second,
			PingPeriod:     54 * time.Second,
			MaxConnPerUser: getEnvAsInt("WS_MAX_CONN_PER_USER", 5),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
			AllowedMethods: getEnv("CORS_ALLOWED_METHODS", "GET,POST,PUT,DELETE,OPTIONS"),
			AllowedHeaders: getEnv("CORS_ALLOWED_HEADERS", "Content-Type,Authorization"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}, nil
}

// ValidateRemoteURL rejects addresses replication could never reach.
func ValidateRemoteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid REMOTE_URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid REMOTE_URL: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid REMOTE_URL: missing host")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil && value > 0 {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key, defaultValue string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnv(key, defaultValue))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}
