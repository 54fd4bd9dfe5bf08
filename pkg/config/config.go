package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Stream backends accepted by SYNC_STREAM_BACKEND.
const (
	StreamBackendPostgres = "postgres"
	StreamBackendRedis    = "redis"
	StreamBackendNone     = "none"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Log      LogConfig
	CORS     CORSConfig
	Sync     SyncConfig
	Remote   RemoteConfig
	Features FeatureConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
	Issuer string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// SyncConfig tunes the approval-queue synchronization engine.
type SyncConfig struct {
	Topic              string
	StreamBackend      string
	DebounceWindow     time.Duration
	ApproveGrace       time.Duration
	WatcherWorkers     int
	WatcherRetries     int
	WatcherRetryDelay  time.Duration
	PGMinReconnect     time.Duration
	PGMaxReconnect     time.Duration
	WindowTTL          time.Duration
	LiveWriteTimeout   time.Duration
	LivePingInterval   time.Duration
	LiveSendBufferSize int
	RefetchConcurrency int
	DefaultPageSize    int
	MaxPageSize        int
}

// RemoteConfig points at the managed backend's action functions.
type RemoteConfig struct {
	FunctionsURL string
	Token        string
	Timeout      time.Duration
}

// FeatureConfig toggles optional surfaces.
type FeatureConfig struct {
	LiveUpdates bool
	Swagger     bool
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret: v.GetString("JWT_SECRET"),
		Issuer: v.GetString("JWT_ISSUER"),
	}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Sync = SyncConfig{
		Topic:              v.GetString("SYNC_TOPIC"),
		StreamBackend:      strings.ToLower(strings.TrimSpace(v.GetString("SYNC_STREAM_BACKEND"))),
		DebounceWindow:     parseDuration(v.GetString("SYNC_DEBOUNCE_WINDOW"), 3*time.Second),
		ApproveGrace:       parseDuration(v.GetString("SYNC_APPROVE_GRACE"), 300*time.Millisecond),
		WatcherWorkers:     v.GetInt("SYNC_WATCHER_WORKERS"),
		WatcherRetries:     v.GetInt("SYNC_WATCHER_RETRIES"),
		WatcherRetryDelay:  parseDuration(v.GetString("SYNC_WATCHER_RETRY_DELAY"), time.Second),
		PGMinReconnect:     parseDuration(v.GetString("SYNC_PG_MIN_RECONNECT"), 10*time.Second),
		PGMaxReconnect:     parseDuration(v.GetString("SYNC_PG_MAX_RECONNECT"), time.Minute),
		WindowTTL:          parseDuration(v.GetString("SYNC_WINDOW_TTL"), 10*time.Minute),
		LiveWriteTimeout:   parseDuration(v.GetString("SYNC_LIVE_WRITE_TIMEOUT"), 10*time.Second),
		LivePingInterval:   parseDuration(v.GetString("SYNC_LIVE_PING_INTERVAL"), 30*time.Second),
		LiveSendBufferSize: v.GetInt("SYNC_LIVE_SEND_BUFFER"),
		RefetchConcurrency: v.GetInt("SYNC_REFETCH_CONCURRENCY"),
		DefaultPageSize:    v.GetInt("SYNC_DEFAULT_PAGE_SIZE"),
		MaxPageSize:        v.GetInt("SYNC_MAX_PAGE_SIZE"),
	}
	switch cfg.Sync.StreamBackend {
	case StreamBackendPostgres, StreamBackendRedis, StreamBackendNone:
	default:
		return nil, errors.New("SYNC_STREAM_BACKEND must be one of postgres, redis, none")
	}

	cfg.Remote = RemoteConfig{
		FunctionsURL: strings.TrimRight(v.GetString("REMOTE_FUNCTIONS_URL"), "/"),
		Token:        v.GetString("REMOTE_FUNCTIONS_TOKEN"),
		Timeout:      parseDuration(v.GetString("REMOTE_TIMEOUT"), 30*time.Second),
	}

	cfg.Features = FeatureConfig{
		LiveUpdates: v.GetBool("ENABLE_LIVE_UPDATES"),
		Swagger:     v.GetBool("ENABLE_SWAGGER"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "lyrics_funnel")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_ISSUER", "")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("ALLOWED_ORIGINS", "")

	v.SetDefault("SYNC_TOPIC", "lyrics-approvals")
	v.SetDefault("SYNC_STREAM_BACKEND", StreamBackendPostgres)
	v.SetDefault("SYNC_DEBOUNCE_WINDOW", "3s")
	v.SetDefault("SYNC_APPROVE_GRACE", "300ms")
	v.SetDefault("SYNC_WATCHER_WORKERS", 1)
	v.SetDefault("SYNC_WATCHER_RETRIES", 3)
	v.SetDefault("SYNC_WATCHER_RETRY_DELAY", "1s")
	v.SetDefault("SYNC_PG_MIN_RECONNECT", "10s")
	v.SetDefault("SYNC_PG_MAX_RECONNECT", "1m")
	v.SetDefault("SYNC_WINDOW_TTL", "10m")
	v.SetDefault("SYNC_LIVE_WRITE_TIMEOUT", "10s")
	v.SetDefault("SYNC_LIVE_PING_INTERVAL", "30s")
	v.SetDefault("SYNC_LIVE_SEND_BUFFER", 16)
	v.SetDefault("SYNC_REFETCH_CONCURRENCY", 4)
	v.SetDefault("SYNC_DEFAULT_PAGE_SIZE", 20)
	v.SetDefault("SYNC_MAX_PAGE_SIZE", 100)

	v.SetDefault("REMOTE_FUNCTIONS_URL", "")
	v.SetDefault("REMOTE_FUNCTIONS_TOKEN", "")
	v.SetDefault("REMOTE_TIMEOUT", "30s")

	v.SetDefault("ENABLE_LIVE_UPDATES", true)
	v.SetDefault("ENABLE_SWAGGER", true)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
