package config

import "testing"

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("DEFAULT_REGISTER_ID", "")
	t.Setenv("RECEIPT_TTL_SECONDS", "not-a-number")

	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.Port)
	}
	if cfg.RegisterID != "register-1" {
		t.Fatalf("expected default register id, got %q", cfg.RegisterID)
	}
	if cfg.ReceiptTTLSeconds != 86400 {
		t.Fatalf("expected receipt TTL fallback, got %d", cfg.ReceiptTTLSeconds)
	}
	if cfg.Address() != ":8080" {
		t.Fatalf("unexpected address %q", cfg.Address())
	}
}
