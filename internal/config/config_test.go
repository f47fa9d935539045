package config

import (
	"strings"
	"testing"
	"time"
)

func setAPIEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PORT", "")
	t.Setenv("MEMETRADE_API_ADDR", "")
	t.Setenv("MEMETRADE_STORE", "")
	t.Setenv("DATABASE_URL", "postgres://localhost/memetrade")
	t.Setenv("SUPABASE_URL", "https://example.supabase.co/")
	t.Setenv("SUPABASE_ANON_KEY", "anon")
	t.Setenv("MEMETRADE_TICKET_SECRET", strings.Repeat("s", 32))
	t.Setenv("MEMETRADE_OFFER_TTL", "")
	t.Setenv("MEMETRADE_STARTER_COINS", "")
	t.Setenv("MEMETRADE_WS_ORIGINS", "")
}

func TestLoadAPIDefaults(t *testing.T) {
	setAPIEnv(t)
	cfg, err := LoadAPIFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8080" || cfg.Store != StorePostgres {
		t.Fatalf("addr=%q store=%q", cfg.Addr, cfg.Store)
	}
	if cfg.OfferTTL != 30*time.Second || cfg.TicketTTL != time.Minute || cfg.StarterCoins != 1000 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.SupabaseURL != "https://example.supabase.co" {
		t.Fatalf("supabase url=%q", cfg.SupabaseURL)
	}
	if cfg.AuditExchange != "memetrade.trades" || !cfg.AutoMigrate {
		t.Fatalf("exchange=%q automigrate=%v", cfg.AuditExchange, cfg.AutoMigrate)
	}
}

func TestLoadAPIOverrides(t *testing.T) {
	setAPIEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("MEMETRADE_STORE", "Memory")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("MEMETRADE_OFFER_TTL", "45s")
	t.Setenv("MEMETRADE_STARTER_COINS", "250")
	t.Setenv("MEMETRADE_WS_ORIGINS", "localhost:*, example.com ,")

	cfg, err := LoadAPIFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9090" || cfg.Store != StoreMemory {
		t.Fatalf("addr=%q store=%q", cfg.Addr, cfg.Store)
	}
	if cfg.OfferTTL != 45*time.Second || cfg.StarterCoins != 250 {
		t.Fatalf("ttl=%v coins=%d", cfg.OfferTTL, cfg.StarterCoins)
	}
	if len(cfg.WSOrigins) != 2 || cfg.WSOrigins[1] != "example.com" {
		t.Fatalf("origins=%v", cfg.WSOrigins)
	}
}

func TestLoadAPIValidation(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{name: "postgres without url", key: "DATABASE_URL", val: ""},
		{name: "unknown store", key: "MEMETRADE_STORE", val: "sqlite"},
		{name: "missing supabase", key: "SUPABASE_URL", val: ""},
		{name: "missing anon key", key: "SUPABASE_ANON_KEY", val: ""},
		{name: "short ticket secret", key: "MEMETRADE_TICKET_SECRET", val: "tiny"},
		{name: "negative ttl", key: "MEMETRADE_OFFER_TTL", val: "-5s"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			setAPIEnv(t)
			t.Setenv(tc.key, tc.val)
			if _, err := LoadAPIFromEnv(); err == nil {
				t.Fatalf("expected error when %s=%q", tc.key, tc.val)
			}
		})
	}
}

func TestLoadWorker(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	if _, err := LoadWorkerFromEnv(); err == nil {
		t.Fatalf("expected DATABASE_URL error")
	}
	t.Setenv("DATABASE_URL", "postgres://localhost/memetrade")
	t.Setenv("MEMETRADE_SWEEP_EVERY", "")
	t.Setenv("MEMETRADE_WORKER_RUN_ONCE", "true")
	cfg, err := LoadWorkerFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SweepEvery != 5*time.Second || !cfg.RunOnce {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestWebSocketURL(t *testing.T) {
	tests := map[string]string{
		"http://localhost:8080":         "ws://localhost:8080/v1/ws",
		"https://api.example.com/":      "wss://api.example.com/v1/ws",
		"https://api.example.com/trade": "wss://api.example.com/trade/v1/ws",
		"not a url":                     "",
	}
	for in, want := range tests {
		if got := WebSocketURL(in); got != want {
			t.Fatalf("WebSocketURL(%q)=%q want %q", in, got, want)
		}
	}
}
