package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DBFile      string
	AdminAddr   string
	APIAddr     string
	BaseURL     string
	AuthSecret  string
	TokenExpiry time.Duration
	LogLevel    slog.Level

	HeartbeatTimeout  time.Duration
	SessionQueueDepth int
	PresenceGrace     time.Duration
	TypingTTL         time.Duration
	TypingDebounce    time.Duration
	DedupeTTL         time.Duration
	RateBurst         int
	RateInterval      time.Duration
	AllowedOrigins    []string

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubscriber string
}

// Load reads the configuration from the environment. In CLI mode the server
// secret is not required because commands talk to the admin API.
func Load(cliMode bool) (*Config, error) {
	cfg := &Config{
		DBFile:          getEnv("ROOMSYNC_DB", "roomsync.db"),
		AdminAddr:       getEnv("ADMIN_ADDR", "localhost:8081"),
		APIAddr:         getEnv("API_ADDR", ":8080"),
		BaseURL:         getEnv("BASE_URL", "http://localhost:8080"),
		AuthSecret:      os.Getenv("AUTH_SECRET"),
		VAPIDPublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
		VAPIDSubscriber: getEnv("VAPID_SUBSCRIBER", "mailto:admin@localhost"),
	}

	durations := []struct {
		key      string
		fallback string
		dst      *time.Duration
	}{
		{"TOKEN_EXPIRY", "24h", &cfg.TokenExpiry},
		{"HEARTBEAT_TIMEOUT", "60s", &cfg.HeartbeatTimeout},
		{"PRESENCE_GRACE", "5s", &cfg.PresenceGrace},
		{"TYPING_TTL", "5s", &cfg.TypingTTL},
		{"TYPING_DEBOUNCE", "1s", &cfg.TypingDebounce},
		{"DEDUPE_TTL", "10m", &cfg.DedupeTTL},
		{"RATE_INTERVAL", "10s", &cfg.RateInterval},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(getEnv(d.key, d.fallback))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = v
	}

	ints := []struct {
		key      string
		fallback string
		dst      *int
	}{
		{"SESSION_QUEUE_DEPTH", "256", &cfg.SessionQueueDepth},
		{"RATE_BURST", "20", &cfg.RateBurst},
	}
	for _, i := range ints {
		v, err := strconv.Atoi(getEnv(i.key, i.fallback))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", i.key, err)
		}
		*i.dst = v
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("HEARTBEAT_TIMEOUT must be greater than 0")
	}

	if c.SessionQueueDepth <= 0 {
		return fmt.Errorf("SESSION_QUEUE_DEPTH must be greater than 0")
	}

	if c.TypingTTL <= 0 || c.TypingDebounce < 0 || c.PresenceGrace < 0 {
		return fmt.Errorf("presence timings must not be negative and TYPING_TTL must be greater than 0")
	}

	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
