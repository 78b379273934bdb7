package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	os.Unsetenv("STORE_BACKEND")
	os.Unsetenv("DATABASE_URL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "5000" {
		t.Errorf("expected default port 5000, got %s", cfg.Port)
	}
	if cfg.StoreBackend != "memory" {
		t.Errorf("expected memory store by default, got %s", cfg.StoreBackend)
	}
	if cfg.OTPTTL != 5*time.Minute {
		t.Errorf("expected OTP TTL 5m, got %s", cfg.OTPTTL)
	}
	if cfg.AccessGrantDuration != 15*time.Minute {
		t.Errorf("expected grant duration 15m, got %s", cfg.AccessGrantDuration)
	}
	if cfg.AccessSweepInterval != 5*time.Second {
		t.Errorf("expected sweep interval 5s, got %s", cfg.AccessSweepInterval)
	}
	if !cfg.RequireVerifiedDoctors {
		t.Error("expected verified doctors to be required by default")
	}
}

func TestLoad_PostgresRequiresDatabaseURL(t *testing.T) {
	os.Setenv("STORE_BACKEND", "postgres")
	defer os.Unsetenv("STORE_BACKEND")
	os.Unsetenv("DATABASE_URL")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when DATABASE_URL is missing for postgres backend")
	}
}

func TestLoad_DurationOverride(t *testing.T) {
	os.Setenv("ACCESS_WAITING_WINDOW", "90s")
	defer os.Unsetenv("ACCESS_WAITING_WINDOW")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AccessWaitingWindow != 90*time.Second {
		t.Errorf("expected 90s, got %s", cfg.AccessWaitingWindow)
	}
}

func TestConfig_IsDev(t *testing.T) {
	c := &Config{Env: "development"}
	if !c.IsDev() {
		t.Error("expected IsDev() to return true for development")
	}

	c.Env = "production"
	if c.IsDev() {
		t.Error("expected IsDev() to return false for production")
	}
}

func TestConfig_ResolvedAuthMode(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"explicit", Config{AuthMode: "external", Env: "development"}, "external"},
		{"dev", Config{Env: "development"}, "development"},
		{"prod", Config{Env: "production"}, "external"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.ResolvedAuthMode(); got != tt.want {
				t.Errorf("ResolvedAuthMode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func validConfig() Config {
	return Config{
		Env:                 "development",
		StoreBackend:        "memory",
		AuditBackend:        "memory",
		AccessWaitingWindow: time.Minute,
		AccessGrantDuration: time.Minute,
		AccessSweepInterval: time.Second,

		RequireVerifiedDoctors: true,
	}
}

func TestValidate_OK(t *testing.T) {
	c := validConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_ExternalNeedsIssuer(t *testing.T) {
	c := validConfig()
	c.Env = "staging"
	if err := c.Validate(); err == nil {
		t.Fatal("expected error when no issuer or signing key is configured")
	}
	c.AuthSigningKey = "secret"
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error with signing key: %v", err)
	}
}

func TestValidate_ProductionNeedsVaultKey(t *testing.T) {
	c := validConfig()
	c.Env = "production"
	c.AuthIssuer = "https://issuer.example.com"
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "VAULT_ENCRYPTION_KEY") {
		t.Fatalf("expected vault key error, got %v", err)
	}
	c.VaultEncryptionKey = strings.Repeat("ab", 32)
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_BadVaultKey(t *testing.T) {
	c := validConfig()
	c.VaultEncryptionKey = "zz"
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for non-hex key")
	}
	c.VaultEncryptionKey = "abcd"
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestValidate_FabricNeedsIdentity(t *testing.T) {
	c := validConfig()
	c.AuditBackend = "fabric"
	if err := c.Validate(); err == nil {
		t.Fatal("expected error when fabric settings are missing")
	}
}

func TestValidate_UnknownBackends(t *testing.T) {
	c := validConfig()
	c.StoreBackend = "sqlite"
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for unknown store backend")
	}
	c = validConfig()
	c.AuditBackend = "ethereum"
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for unknown audit backend")
	}
}

func TestSMTPConfigured(t *testing.T) {
	c := &Config{SMTPHost: "smtp.example.com"}
	if c.SMTPConfigured() {
		t.Error("expected false without credentials")
	}
	c.SMTPUser, c.SMTPPass = "u", "p"
	if !c.SMTPConfigured() {
		t.Error("expected true with host and credentials")
	}
}

func TestValidate_ProductionRequiresVerifiedDoctors(t *testing.T) {
	c := validConfig()
	c.Env = "production"
	c.AuthIssuer = "https://issuer.example.com"
	c.VaultEncryptionKey = strings.Repeat("ab", 32)
	c.RequireVerifiedDoctors = false
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "REQUIRE_VERIFIED_DOCTORS") {
		t.Fatalf("expected verified-doctor error, got %v", err)
	}

	c.Env = "development"
	if err := c.Validate(); err != nil {
		t.Fatalf("development may switch the check off: %v", err)
	}
}

func TestLoad_RequireVerifiedDoctorsOverride(t *testing.T) {
	os.Setenv("REQUIRE_VERIFIED_DOCTORS", "false")
	defer os.Unsetenv("REQUIRE_VERIFIED_DOCTORS")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RequireVerifiedDoctors {
		t.Error("expected override to disable the check")
	}
}
