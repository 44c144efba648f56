package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the API server and supporting
// services.
type Config struct {
	ListenAddr string
	MySQLDSN   string

	TrialCredits       int
	MaxAreasPerRequest int

	RenderAPIKey       string
	RenderBaseURL      string
	RenderTimeout      time.Duration
	RenderConcurrency  int
	RenderPollInterval time.Duration

	ImageryBaseURL string
	ImageryAPIKey  string

	GatewayBaseURL   string
	GatewayAccountID string
	GatewaySecret    string

	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3PublicBaseURL string
	S3UsePathStyle  bool
	S3Prefix        string
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	loadEnvFile()

	cfg := Config{
		ListenAddr:         getEnv("LISTEN_ADDR", ":8080"),
		TrialCredits:       getInt("TRIAL_CREDITS", 3),
		MaxAreasPerRequest: getInt("MAX_AREAS_PER_REQUEST", 8),

		RenderBaseURL:      getEnv("RENDER_BASE_URL", "https://api.renderscape.ai"),
		RenderTimeout:      getDuration("RENDER_TIMEOUT", 5*time.Minute),
		RenderConcurrency:  getInt("RENDER_CONCURRENCY", 4),
		RenderPollInterval: getDuration("RENDER_POLL_INTERVAL", 3*time.Second),

		ImageryBaseURL: getEnv("IMAGERY_BASE_URL", ""),

		GatewayBaseURL: getEnv("GATEWAY_BASE_URL", "https://api.paygrove.io"),

		S3Endpoint:      getEnv("S3_ENDPOINT", ""),
		S3Region:        os.Getenv("S3_REGION"),
		S3AccessKey:     os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:     os.Getenv("S3_SECRET_KEY"),
		S3Bucket:        os.Getenv("S3_BUCKET"),
		S3PublicBaseURL: os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:  getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:        getEnv("S3_PREFIX", "renders"),
	}

	cfg.MySQLDSN = os.Getenv("MYSQL_DSN")
	cfg.RenderAPIKey = os.Getenv("RENDER_API_KEY")
	cfg.ImageryAPIKey = os.Getenv("IMAGERY_API_KEY")
	cfg.GatewayAccountID = os.Getenv("GATEWAY_ACCOUNT_ID")
	cfg.GatewaySecret = os.Getenv("GATEWAY_SECRET")

	var missing []string
	if cfg.MySQLDSN == "" {
		missing = append(missing, "MYSQL_DSN")
	}
	if cfg.RenderAPIKey == "" {
		missing = append(missing, "RENDER_API_KEY")
	}
	// Auto-reload needs the gateway charge API; either both credentials or
	// neither.
	if (cfg.GatewayAccountID == "") != (cfg.GatewaySecret == "") {
		missing = append(missing, "GATEWAY_ACCOUNT_ID/GATEWAY_SECRET")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %v", missing)
	}

	if cfg.RenderConcurrency < 1 {
		cfg.RenderConcurrency = 1
	}
	if cfg.MaxAreasPerRequest < 1 {
		cfg.MaxAreasPerRequest = 1
	}

	return cfg, nil
}

// GatewayConfigured reports whether auto-reload charges can be created.
func (c Config) GatewayConfigured() bool {
	return c.GatewayAccountID != "" && c.GatewaySecret != ""
}

// S3Configured reports whether rendered images are re-hosted on object
// storage; otherwise provider URLs are returned as-is.
func (c Config) S3Configured() bool {
	return c.S3Bucket != ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func loadEnvFile() {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			continue
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Overload(path); err == nil {
			return
		}
	}
}
