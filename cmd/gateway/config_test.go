package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestReadConfig_Defaults(t *testing.T) {
	t.Setenv("UPSTREAM_URL", "http://localhost:3000")

	cfg, err := readConfig()
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if cfg.listenAddr != ":8080" || cfg.adminAddr != ":9090" {
		t.Fatalf("unexpected addrs: %q %q", cfg.listenAddr, cfg.adminAddr)
	}
	if cfg.rejectStatus != 429 {
		t.Fatalf("expected 429, got %d", cfg.rejectStatus)
	}
	if cfg.expirySchedule != "@every 1m" {
		t.Fatalf("unexpected schedule %q", cfg.expirySchedule)
	}
	if cfg.logLevel != logrus.InfoLevel {
		t.Fatalf("expected info level, got %s", cfg.logLevel)
	}
	if cfg.counterCleanupEvery != 2*time.Minute {
		t.Fatalf("unexpected cleanup %s", cfg.counterCleanupEvery)
	}
	if len(cfg.allowedOrigins) != 0 {
		t.Fatalf("expected no extra origins, got %v", cfg.allowedOrigins)
	}
}

func TestReadConfig_AllowedOrigins(t *testing.T) {
	t.Setenv("UPSTREAM_URL", "http://localhost:3000")
	t.Setenv("ADMIN_ALLOWED_ORIGINS", " https://panel.example , ,http://localhost:5173")

	cfg, err := readConfig()
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	want := []string{"https://panel.example", "http://localhost:5173"}
	if len(cfg.allowedOrigins) != len(want) {
		t.Fatalf("expected %v, got %v", want, cfg.allowedOrigins)
	}
	for i := range want {
		if cfg.allowedOrigins[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, cfg.allowedOrigins)
		}
	}
}

func TestReadConfig_Validation(t *testing.T) {
	cases := map[string]map[string]string{
		"missing upstream": {"UPSTREAM_URL": ""},
		"redis without addr": {
			"UPSTREAM_URL": "http://x", "RATE_STATS_ENABLED": "true",
		},
		"bad status":   {"UPSTREAM_URL": "http://x", "REJECT_STATUS": "200"},
		"bad level":    {"UPSTREAM_URL": "http://x", "LOG_LEVEL": "loud"},
		"bad format":   {"UPSTREAM_URL": "http://x", "LOG_FORMAT": "xml"},
		"bad schedule": {"UPSTREAM_URL": "http://x", "BLACKLIST_EXPIRY_SCHEDULE": "sometimes"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := readConfig(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoadDotenv_DoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "test.env")
	if err := os.WriteFile(file, []byte("UPSTREAM_URL=http://from-file\nADMIN_ADDR=:7000\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("UPSTREAM_URL", "http://from-env")
	t.Setenv("ADMIN_ADDR", "")
	os.Unsetenv("ADMIN_ADDR")

	if err := loadDotenv(file, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	cfg, err := readConfig()
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if cfg.upstreamURL != "http://from-env" {
		t.Fatalf("expected env to win, got %q", cfg.upstreamURL)
	}
	if cfg.adminAddr != ":7000" {
		t.Fatalf("expected value from file, got %q", cfg.adminAddr)
	}
}

func TestNewLogger_JSON(t *testing.T) {
	l := newLogger(config{logLevel: logrus.DebugLevel, logFormat: "json"})
	if _, ok := l.Formatter.(*logrus.JSONFormatter); !ok {
		t.Fatalf("expected JSON formatter, got %T", l.Formatter)
	}
	if l.GetLevel() != logrus.DebugLevel {
		t.Fatalf("expected debug level")
	}
}
