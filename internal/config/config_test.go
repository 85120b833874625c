package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("expected defaults, got %v", err)
	}
	if cfg.Features.SampleBudget != 64 {
		t.Fatalf("unexpected sample budget %d", cfg.Features.SampleBudget)
	}
	if cfg.Scoring.Weights != (FallbackWeights{Sharpness: 0.4, Exposure: 0.4, Noise: 0.2}) {
		t.Fatalf("unexpected fallback weights %+v", cfg.Scoring.Weights)
	}
	if cfg.Scoring.PredictorTimeout.Std() != 40*time.Millisecond {
		t.Fatalf("unexpected predictor timeout %v", cfg.Scoring.PredictorTimeout.Std())
	}
}

func TestLoadOverridesPartialFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"features":{"sample_budget":32},"scoring":{"predictor_addr":"localhost:9090","predictor_timeout":"25ms"}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Features.SampleBudget != 32 {
		t.Fatalf("expected override, got %d", cfg.Features.SampleBudget)
	}
	if cfg.Features.NoiseWindow != 7 {
		t.Fatalf("expected untouched default noise window, got %d", cfg.Features.NoiseWindow)
	}
	if cfg.Scoring.PredictorAddr != "localhost:9090" || cfg.Scoring.PredictorTimeout.Std() != 25*time.Millisecond {
		t.Fatalf("unexpected scoring config %+v", cfg.Scoring)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"features":{"noise_window":4}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatalf("expected validation error for even noise window")
	}
}

func TestPathHonorsEnv(t *testing.T) {
	t.Setenv("FRAMEPICK_CONFIG", "/tmp/custom.json")
	if got := Path(); got != "/tmp/custom.json" {
		t.Fatalf("expected env override, got %s", got)
	}
}

func TestExpandUser(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err := expandUser("~/x/y.json")
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(home, "x/y.json") {
		t.Fatalf("unexpected expansion %s", got)
	}
}

func TestValidateRequiresCertKeyPairs(t *testing.T) {
	cfg := Default()
	cfg.Scoring.PredictorCert = "client.pem"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for client cert without key")
	}
	cfg.Scoring.PredictorKey = "client.key"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	cfg.Server.TLSKey = "server.key"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for server key without cert")
	}
}
