package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	AuthMode       string   `mapstructure:"AUTH_MODE"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	StoreBackend   string   `mapstructure:"STORE_BACKEND"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	DBSchema       string   `mapstructure:"DB_SCHEMA"`
	RedisURL       string   `mapstructure:"REDIS_URL"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	VaultEncryptionKey string `mapstructure:"VAULT_ENCRYPTION_KEY"`

	// RequireVerifiedDoctors limits access requests and vault unlocks to
	// doctors an administrator has verified.
	RequireVerifiedDoctors bool `mapstructure:"REQUIRE_VERIFIED_DOCTORS"`

	SMTPHost   string `mapstructure:"SMTP_HOST"`
	SMTPPort   int    `mapstructure:"SMTP_PORT"`
	SMTPUser   string `mapstructure:"SMTP_USER"`
	SMTPPass   string `mapstructure:"SMTP_PASS"`
	SMTPSecure bool   `mapstructure:"SMTP_SECURE"`
	EmailFrom  string `mapstructure:"EMAIL_FROM"`

	OTPTTL              time.Duration `mapstructure:"OTP_TTL"`
	AccessWaitingWindow time.Duration `mapstructure:"ACCESS_WAITING_WINDOW"`
	AccessGrantDuration time.Duration `mapstructure:"ACCESS_GRANT_DURATION"`
	AccessSweepInterval time.Duration `mapstructure:"ACCESS_SWEEP_INTERVAL"`
	AccessRetention     time.Duration `mapstructure:"ACCESS_RETENTION"`
	PollIntervalHint    time.Duration `mapstructure:"POLL_INTERVAL_HINT"`

	AuditBackend     string `mapstructure:"AUDIT_BACKEND"`
	AuditLevelDBPath string `mapstructure:"AUDIT_LEVELDB_PATH"`
	AuditQueueSize   int    `mapstructure:"AUDIT_QUEUE_SIZE"`

	FabricPeerEndpoint string `mapstructure:"FABRIC_PEER_ENDPOINT"`
	FabricGatewayPeer  string `mapstructure:"FABRIC_GATEWAY_PEER"`
	FabricMSPID        string `mapstructure:"FABRIC_MSP_ID"`
	FabricCertPath     string `mapstructure:"FABRIC_CERT_PATH"`
	FabricKeyPath      string `mapstructure:"FABRIC_KEY_PATH"`
	FabricTLSCertPath  string `mapstructure:"FABRIC_TLS_CERT_PATH"`
	FabricChannel      string `mapstructure:"FABRIC_CHANNEL"`
	FabricChaincode    string `mapstructure:"FABRIC_CHAINCODE"`

	SummarizerURL   string `mapstructure:"SUMMARIZER_URL"`
	SummarizerToken string `mapstructure:"SUMMARIZER_TOKEN"`
}

var envKeys = []string{
	"PORT", "ENV", "AUTH_MODE", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE",
	"AUTH_SIGNING_KEY", "STORE_BACKEND", "DATABASE_URL", "DB_MAX_CONNS",
	"DB_MIN_CONNS", "DB_SCHEMA", "REDIS_URL", "CORS_ORIGINS", "RATE_LIMIT_RPS",
	"RATE_LIMIT_BURST", "VAULT_ENCRYPTION_KEY", "REQUIRE_VERIFIED_DOCTORS",
	"SMTP_HOST", "SMTP_PORT", "SMTP_USER", "SMTP_PASS", "SMTP_SECURE", "EMAIL_FROM",
	"OTP_TTL", "ACCESS_WAITING_WINDOW", "ACCESS_GRANT_DURATION",
	"ACCESS_SWEEP_INTERVAL", "ACCESS_RETENTION", "POLL_INTERVAL_HINT",
	"AUDIT_BACKEND", "AUDIT_LEVELDB_PATH", "AUDIT_QUEUE_SIZE",
	"FABRIC_PEER_ENDPOINT", "FABRIC_GATEWAY_PEER", "FABRIC_MSP_ID",
	"FABRIC_CERT_PATH", "FABRIC_KEY_PATH", "FABRIC_TLS_CERT_PATH",
	"FABRIC_CHANNEL", "FABRIC_CHAINCODE",
	"SUMMARIZER_URL", "SUMMARIZER_TOKEN",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "5000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("STORE_BACKEND", "memory")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_SCHEMA", "medvault")
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("REQUIRE_VERIFIED_DOCTORS", true)
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("OTP_TTL", "5m")
	v.SetDefault("ACCESS_WAITING_WINDOW", "5m")
	v.SetDefault("ACCESS_GRANT_DURATION", "15m")
	v.SetDefault("ACCESS_SWEEP_INTERVAL", "5s")
	v.SetDefault("ACCESS_RETENTION", "720h")
	v.SetDefault("POLL_INTERVAL_HINT", "3s")
	v.SetDefault("AUDIT_BACKEND", "memory")
	v.SetDefault("AUDIT_LEVELDB_PATH", "./data/audit")
	v.SetDefault("AUDIT_QUEUE_SIZE", 256)
	v.SetDefault("FABRIC_CHANNEL", "mychannel")
	v.SetDefault("FABRIC_CHAINCODE", "auditlog")

	for _, key := range envKeys {
		v.BindEnv(key)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.StoreBackend == "postgres" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is \"postgres\"")
	}

	if cfg.IsDev() {
		log.Println("WARNING: server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active and requests without a token get admin access.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set, otherwise "development" under
// ENV=development and "external" everywhere else.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "external"
}

// SMTPConfigured reports whether enough SMTP settings are present to relay
// mail. Without them OTP codes are written to the log instead.
func (c *Config) SMTPConfigured() bool {
	return c.SMTPHost != "" && c.SMTPUser != "" && c.SMTPPass != ""
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	switch mode {
	case "development":
	case "external":
		if c.AuthIssuer == "" && c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set when AUTH_MODE is \"external\" (current ENV=%q)", c.Env)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"external\", got %q", mode)
	}

	switch c.StoreBackend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("STORE_BACKEND must be \"memory\" or \"postgres\", got %q", c.StoreBackend)
	}

	if c.IsProduction() && c.VaultEncryptionKey == "" {
		return fmt.Errorf("VAULT_ENCRYPTION_KEY is required in production")
	}
	if c.IsProduction() && !c.RequireVerifiedDoctors {
		return fmt.Errorf("REQUIRE_VERIFIED_DOCTORS cannot be disabled in production")
	}
	if c.VaultEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.VaultEncryptionKey)
		if err != nil {
			return fmt.Errorf("VAULT_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("VAULT_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}

	if c.AccessWaitingWindow <= 0 {
		return fmt.Errorf("ACCESS_WAITING_WINDOW must be positive")
	}
	if c.AccessGrantDuration <= 0 {
		return fmt.Errorf("ACCESS_GRANT_DURATION must be positive")
	}
	if c.AccessSweepInterval <= 0 {
		return fmt.Errorf("ACCESS_SWEEP_INTERVAL must be positive")
	}

	switch c.AuditBackend {
	case "none", "memory", "leveldb":
	case "fabric":
		if c.FabricPeerEndpoint == "" || c.FabricMSPID == "" || c.FabricCertPath == "" || c.FabricKeyPath == "" {
			return fmt.Errorf("FABRIC_PEER_ENDPOINT, FABRIC_MSP_ID, FABRIC_CERT_PATH and FABRIC_KEY_PATH are required when AUDIT_BACKEND is \"fabric\"")
		}
	default:
		return fmt.Errorf("AUDIT_BACKEND must be one of none, memory, leveldb, fabric; got %q", c.AuditBackend)
	}

	return nil
}
