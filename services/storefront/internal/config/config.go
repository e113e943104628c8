package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location, overridable with STOREFRONT_CONFIG.
var ConfigPath = envOr("STOREFRONT_CONFIG", "config.yaml")

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	StorageDriverMinio  = "minio"
	StorageDriverMemory = "memory"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	StoreDriver string `yaml:"storeDriver"`
	DatabaseURL string `yaml:"databaseURL"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	StorageDriver  string `yaml:"storageDriver"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	JWTSecret     string `yaml:"jwtSecret"`
	JWTIssuer     string `yaml:"jwtIssuer"`
	JWTAudience   string `yaml:"jwtAudience"`
	SessionTTL    string `yaml:"sessionTTL"`
	WebhookSecret string `yaml:"webhookSecret"`

	// MaxDownloads is the paid-book download quota. Zero means the default of 3.
	MaxDownloads   int    `yaml:"maxDownloads"`
	PresignExpiry  string `yaml:"presignExpiry"`
	CartTTL        string `yaml:"cartTTL"`
	MaxUploadBytes int64  `yaml:"maxUploadBytes"`
	MaxCoverBytes  int64  `yaml:"maxCoverBytes"`

	CORSAllowedOrigins []string `yaml:"corsAllowedOrigins"`
	TrustedProxies     []string `yaml:"trustedProxies"`

	SignupRateLimitPerMinute   int `yaml:"signupRateLimitPerMinute"`
	LoginRateLimitPerMinute    int `yaml:"loginRateLimitPerMinute"`
	DownloadRateLimitPerMinute int `yaml:"downloadRateLimitPerMinute"`

	QueueEnabled     bool   `yaml:"queueEnabled"`
	QueueStream      string `yaml:"queueStream"`
	QueueGroup       string `yaml:"queueGroup"`
	QueueConcurrency int    `yaml:"queueConcurrency"`
	QueueMaxRetries  int    `yaml:"queueMaxRetries"`
}

// Load reads config from path (defaults to ConfigPath), applies environment
// overrides and validates the result.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	setString(&cfg.Port, "PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.StoreDriver, "STOREFRONT_STORE_DRIVER")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setString(&cfg.StorageDriver, "STOREFRONT_STORAGE_DRIVER")
	setString(&cfg.MinioEndpoint, "MINIO_ENDPOINT")
	setString(&cfg.MinioAccessKey, "MINIO_ACCESS_KEY")
	setString(&cfg.MinioSecretKey, "MINIO_SECRET_KEY")
	setString(&cfg.MinioBucket, "MINIO_BUCKET")
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.MinioUseSSL = true
	}
	setString(&cfg.JWTSecret, "STOREFRONT_JWT_SECRET")
	setString(&cfg.WebhookSecret, "STOREFRONT_WEBHOOK_SECRET")
	setString(&cfg.SessionTTL, "STOREFRONT_SESSION_TTL")
	setString(&cfg.PresignExpiry, "STOREFRONT_PRESIGN_EXPIRY")
	setInt(&cfg.MaxDownloads, "STOREFRONT_MAX_DOWNLOADS")
	setInt(&cfg.DownloadRateLimitPerMinute, "STOREFRONT_DOWNLOAD_RATE_LIMIT_PER_MINUTE")
	setInt(&cfg.LoginRateLimitPerMinute, "STOREFRONT_LOGIN_RATE_LIMIT_PER_MINUTE")
	setInt(&cfg.SignupRateLimitPerMinute, "STOREFRONT_SIGNUP_RATE_LIMIT_PER_MINUTE")
	if v := os.Getenv("STOREFRONT_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("STOREFRONT_QUEUE_ENABLED"); v != "" {
		cfg.QueueEnabled = v == "true"
	}
	if v := os.Getenv("STOREFRONT_CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = splitCSV(v)
	}
	if v := os.Getenv("STOREFRONT_TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = splitCSV(v)
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = StoreDriverPostgres
	}
	if cfg.StorageDriver == "" {
		cfg.StorageDriver = StorageDriverMinio
	}
	if cfg.QueueStream == "" {
		cfg.QueueStream = "ebookstore:orders"
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = "materializer"
	}
	if cfg.QueueConcurrency <= 0 {
		cfg.QueueConcurrency = 2
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	switch cfg.StoreDriver {
	case StoreDriverPostgres:
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("config: unknown storeDriver %q", cfg.StoreDriver)
	}
	switch cfg.StorageDriver {
	case StorageDriverMinio:
		if cfg.MinioEndpoint == "" || cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" || cfg.MinioBucket == "" {
			return errors.New("config: minioEndpoint, minioAccessKey, minioSecretKey and minioBucket are required")
		}
	case StorageDriverMemory:
	default:
		return fmt.Errorf("config: unknown storageDriver %q", cfg.StorageDriver)
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if len(strings.TrimSpace(cfg.JWTSecret)) < 16 {
		return errors.New("config: jwtSecret must be at least 16 characters (set in config.yaml or STOREFRONT_JWT_SECRET)")
	}
	if cfg.WebhookSecret == "" {
		return errors.New("config: webhookSecret is required (set in config.yaml or STOREFRONT_WEBHOOK_SECRET)")
	}
	if cfg.MaxDownloads < 0 {
		return errors.New("config: maxDownloads must be >= 0")
	}
	if cfg.SignupRateLimitPerMinute < 0 || cfg.LoginRateLimitPerMinute < 0 || cfg.DownloadRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if cfg.MaxUploadBytes < 0 || cfg.MaxCoverBytes < 0 {
		return errors.New("config: upload limits must be >= 0")
	}
	for name, value := range map[string]string{
		"sessionTTL":    cfg.SessionTTL,
		"presignExpiry": cfg.PresignExpiry,
		"cartTTL":       cfg.CartTTL,
	} {
		if _, err := ParseDuration(name, value); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}

// ParseDuration parses an optional duration setting. Empty means zero.
func ParseDuration(name, value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", name, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("invalid %s duration: must be >= 0", name)
	}
	return dur, nil
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
