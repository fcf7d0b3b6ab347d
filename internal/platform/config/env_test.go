package config

import (
	"strings"
	"testing"
	"time"
)

type envTestConfig struct {
	Port int           `env:"COUNTERSIGN_TEST_PORT" envDefault:"123"`
	TTL  time.Duration `env:"COUNTERSIGN_TEST_TTL"  envDefault:"15m"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg envTestConfig

	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Port != 123 {
		t.Fatalf("expected default port 123, got %d", cfg.Port)
	}
	if cfg.TTL != 15*time.Minute {
		t.Fatalf("expected default ttl 15m, got %v", cfg.TTL)
	}
}

func TestParseEnvOverrides(t *testing.T) {
	t.Setenv("COUNTERSIGN_TEST_PORT", "9001")
	t.Setenv("COUNTERSIGN_TEST_TTL", "30s")

	var cfg envTestConfig
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Port != 9001 {
		t.Fatalf("expected port 9001, got %d", cfg.Port)
	}
	if cfg.TTL != 30*time.Second {
		t.Fatalf("expected ttl 30s, got %v", cfg.TTL)
	}
}

func TestParseEnvError(t *testing.T) {
	var cfg envTestConfig
	t.Setenv("COUNTERSIGN_TEST_PORT", "not-an-int")

	err := ParseEnv(&cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}
