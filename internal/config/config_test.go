package config

import (
	"strings"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Port:          "8000",
		Env:           "production",
		DatabaseURL:   "postgres://localhost/healthprep",
		EncryptionKey: strings.Repeat("ab", 32),
		SessionSecret: "s3cret",
		WorkerCount:   4,
	}
}

func TestValidate_Production(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidate_ProductionRequiresEncryptionKey(t *testing.T) {
	cfg := validConfig()
	cfg.EncryptionKey = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for missing ENCRYPTION_KEY in production")
	}
	if !strings.Contains(err.Error(), "ENCRYPTION_KEY") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidate_ProductionRequiresSessionSecret(t *testing.T) {
	cfg := validConfig()
	cfg.SessionSecret = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for missing SESSION_SECRET in production")
	}
	if !strings.Contains(err.Error(), "SESSION_SECRET") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidate_EncryptionKeyFormat(t *testing.T) {
	cases := []struct {
		name string
		key  string
		ok   bool
	}{
		{"valid 64 hex chars", strings.Repeat("0f", 32), true},
		{"not hex", strings.Repeat("zz", 32), false},
		{"too short", "abcd", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Env = "development"
			cfg.EncryptionKey = tc.key
			err := cfg.Validate()
			if tc.ok && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tc.ok && err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestValidate_WorkerCount(t *testing.T) {
	cfg := validConfig()
	cfg.WorkerCount = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero WORKER_COUNT")
	}
}

func TestEncryptionKeyBytes(t *testing.T) {
	cfg := validConfig()
	b := cfg.EncryptionKeyBytes()
	if len(b) != 32 {
		t.Errorf("expected 32 key bytes, got %d", len(b))
	}

	cfg.EncryptionKey = ""
	if cfg.EncryptionKeyBytes() != nil {
		t.Error("expected nil for unset key")
	}
}
