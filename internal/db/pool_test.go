package db

import (
	"context"
	"strings"
	"testing"
)

func TestSchemaDeclaresTradeTables(t *testing.T) {
	for _, table := range []string{
		"users.profiles",
		"economy.wallets",
		"economy.inventory",
		"economy.unique_assets",
		"trade.offers",
		"trade.sessions",
		"trade.line_items",
		"trade.idempotency_keys",
	} {
		if !strings.Contains(Schema(), "CREATE TABLE IF NOT EXISTS "+table) {
			t.Fatalf("schema missing %s", table)
		}
	}
}

func TestConnectRejectsBadURL(t *testing.T) {
	if _, err := Connect(context.Background(), "postgres://u:p@localhost:notaport/db"); err == nil {
		t.Fatalf("expected parse error")
	}
}
