package config

import "testing"

type envTestConfig struct {
	Addr   string `env:"CONFIG_TEST_ADDR" envDefault:":8080"`
	Secret string `env:"CONFIG_TEST_SECRET"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg envTestConfig
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("addr = %q, want %q", cfg.Addr, ":8080")
	}
	if cfg.Secret != "" {
		t.Fatalf("secret = %q, want empty", cfg.Secret)
	}
}

func TestParseEnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_TEST_ADDR", ":9999")
	t.Setenv("CONFIG_TEST_SECRET", "hunter2")

	var cfg envTestConfig
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Addr != ":9999" {
		t.Fatalf("addr = %q, want %q", cfg.Addr, ":9999")
	}
	if cfg.Secret != "hunter2" {
		t.Fatalf("secret = %q, want %q", cfg.Secret, "hunter2")
	}
}
