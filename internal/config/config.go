package config

import (
	"encoding/hex"
	"fmt"
	"log"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string `mapstructure:"PORT"`
	Env           string `mapstructure:"ENV"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`
	BaseURL       string `mapstructure:"BASE_URL"`
	EncryptionKey string `mapstructure:"ENCRYPTION_KEY"`
	SessionSecret string `mapstructure:"SESSION_SECRET"`
	AuditLogFile  string `mapstructure:"AUDIT_LOG_FILE"`
	WorkerCount   int    `mapstructure:"WORKER_COUNT"`

	EpicSandboxBaseURL    string `mapstructure:"EPIC_SANDBOX_BASE_URL"`
	EpicProductionBaseURL string `mapstructure:"EPIC_PRODUCTION_BASE_URL"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("WORKER_COUNT", 4)
	v.SetDefault("AUDIT_LOG_FILE", "logs/hipaa_audit.log")
	v.SetDefault("EPIC_SANDBOX_BASE_URL", "https://fhir.epic.com/interconnect-fhir-oauth/api/FHIR/R4")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("BASE_URL")
	v.BindEnv("ENCRYPTION_KEY")
	v.BindEnv("SESSION_SECRET")
	v.BindEnv("AUDIT_LOG_FILE")
	v.BindEnv("WORKER_COUNT")
	v.BindEnv("EPIC_SANDBOX_BASE_URL")
	v.BindEnv("EPIC_PRODUCTION_BASE_URL")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.EncryptionKey == "" {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: ENCRYPTION_KEY is not set. Stored Epic client secrets and")
		log.Println("WARNING: OAuth tokens will be persisted WITHOUT encryption at rest.")
		log.Println("WARNING: Set a 64-character hex ENCRYPTION_KEY before going live.")
		log.Println("WARNING: ============================================================")
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

// Validate checks that the configuration is safe to run. Production refuses
// to boot without an encryption key and a session secret, because both PHI
// hashing and secret storage at rest depend on them. The encryption key must
// be a 64-character hex string (32 bytes when decoded).
func (c *Config) Validate() error {
	if c.IsProduction() && c.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required in production")
	}
	if c.EncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.EncryptionKey)
		if err != nil {
			return fmt.Errorf("ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}
	if c.IsProduction() && c.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET is required in production (PHI identifier hashing)")
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("WORKER_COUNT must be at least 1, got %d", c.WorkerCount)
	}
	return nil
}

// EncryptionKeyBytes decodes ENCRYPTION_KEY. Returns nil when unset.
func (c *Config) EncryptionKeyBytes() []byte {
	if c.EncryptionKey == "" {
		return nil
	}
	b, err := hex.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil
	}
	return b
}
