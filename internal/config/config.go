package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	minTicketSecret = 32
)

type APIConfig struct {
	Addr            string
	Store           string
	DatabaseURL     string
	AutoMigrate     bool
	SupabaseURL     string
	SupabaseAnonKey string
	TicketSecret    string
	TicketTTL       time.Duration
	OfferTTL        time.Duration
	StarterCoins    int64
	RedisURL        string
	AMQPURL         string
	AuditExchange   string
	WSOrigins       []string
}

type WorkerConfig struct {
	DatabaseURL string
	SweepEvery  time.Duration
	RunOnce     bool
	RedisURL    string
}

type CLIConfig struct {
	APIBaseURL string
	WSURL      string
}

// LoadDotEnv reads a .env file from the working directory when one exists.
func LoadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func LoadAPIFromEnv() (APIConfig, error) {
	addr := os.Getenv("PORT")
	if addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
	} else {
		addr = envDefault("MEMETRADE_API_ADDR", ":8080")
	}

	cfg := APIConfig{
		Addr:            addr,
		Store:           strings.ToLower(envDefault("MEMETRADE_STORE", StorePostgres)),
		DatabaseURL:     strings.TrimSpace(os.Getenv("DATABASE_URL")),
		AutoMigrate:     envBoolDefault("MEMETRADE_AUTO_MIGRATE", true),
		SupabaseURL:     strings.TrimRight(strings.TrimSpace(os.Getenv("SUPABASE_URL")), "/"),
		SupabaseAnonKey: strings.TrimSpace(os.Getenv("SUPABASE_ANON_KEY")),
		TicketSecret:    strings.TrimSpace(os.Getenv("MEMETRADE_TICKET_SECRET")),
		TicketTTL:       envDurationDefault("MEMETRADE_TICKET_TTL", time.Minute),
		OfferTTL:        envDurationDefault("MEMETRADE_OFFER_TTL", 30*time.Second),
		StarterCoins:    envInt64Default("MEMETRADE_STARTER_COINS", 1000),
		RedisURL:        strings.TrimSpace(os.Getenv("REDIS_URL")),
		AMQPURL:         strings.TrimSpace(os.Getenv("AMQP_URL")),
		AuditExchange:   envDefault("MEMETRADE_AUDIT_EXCHANGE", "memetrade.trades"),
		WSOrigins:       envList("MEMETRADE_WS_ORIGINS"),
	}
	switch cfg.Store {
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return cfg, fmt.Errorf("DATABASE_URL is required")
		}
	case StoreMemory:
	default:
		return cfg, fmt.Errorf("MEMETRADE_STORE must be %q or %q, got %q", StorePostgres, StoreMemory, cfg.Store)
	}
	if cfg.SupabaseURL == "" {
		return cfg, fmt.Errorf("SUPABASE_URL is required")
	}
	if cfg.SupabaseAnonKey == "" {
		return cfg, fmt.Errorf("SUPABASE_ANON_KEY is required")
	}
	if len(cfg.TicketSecret) < minTicketSecret {
		return cfg, fmt.Errorf("MEMETRADE_TICKET_SECRET must be at least %d characters", minTicketSecret)
	}
	if cfg.OfferTTL <= 0 {
		return cfg, fmt.Errorf("MEMETRADE_OFFER_TTL must be positive")
	}
	if cfg.StarterCoins < 0 {
		return cfg, fmt.Errorf("MEMETRADE_STARTER_COINS must not be negative")
	}
	return cfg, nil
}

func LoadWorkerFromEnv() (WorkerConfig, error) {
	cfg := WorkerConfig{
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		SweepEvery:  envDurationDefault("MEMETRADE_SWEEP_EVERY", 5*time.Second),
		RunOnce:     envBoolDefault("MEMETRADE_WORKER_RUN_ONCE", false),
		RedisURL:    strings.TrimSpace(os.Getenv("REDIS_URL")),
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.SweepEvery <= 0 {
		return cfg, fmt.Errorf("MEMETRADE_SWEEP_EVERY must be positive")
	}
	return cfg, nil
}

func LoadCLIFromEnv() CLIConfig {
	base := strings.TrimRight(envDefault("MT_API_BASE_URL", "http://localhost:8080"), "/")
	return CLIConfig{APIBaseURL: base, WSURL: WebSocketURL(base)}
}

// WebSocketURL maps an http(s) API base to the ws(s) notification endpoint.
func WebSocketURL(base string) string {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/ws"
	u.RawQuery = ""
	return u.String()
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envInt64Default(key string, fallback int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envBoolDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
