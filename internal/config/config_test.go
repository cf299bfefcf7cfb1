package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: tickfeeder\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Credential.CheckInterval != time.Hour {
		t.Errorf("check_interval = %s, want 1h", cfg.Credential.CheckInterval)
	}
	if cfg.Credential.RenewalBuffer != 6*time.Hour {
		t.Errorf("renewal_buffer = %s, want 6h", cfg.Credential.RenewalBuffer)
	}
	if cfg.Market.Open != "09:00" || cfg.Market.Close != "15:31" {
		t.Errorf("market window = %s-%s", cfg.Market.Open, cfg.Market.Close)
	}
	if cfg.Market.Timezone != "Asia/Kolkata" {
		t.Errorf("timezone = %s", cfg.Market.Timezone)
	}
	if cfg.Stream.BackoffInitial != time.Second || cfg.Stream.BackoffMax != 60*time.Second {
		t.Errorf("backoff = %s/%s", cfg.Stream.BackoffInitial, cfg.Stream.BackoffMax)
	}
	if cfg.Stream.BatchSize != 20 || cfg.Stream.BatchDelay != 1200*time.Millisecond {
		t.Errorf("batching = %d/%s", cfg.Stream.BatchSize, cfg.Stream.BatchDelay)
	}
	if cfg.Instruments.GroupSize != 350 {
		t.Errorf("group_size = %d, want 350", cfg.Instruments.GroupSize)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
credential:
  check_interval: 30m
  renewal_buffer: 4h
stream:
  backoff_max: 2m
  batch_size: 10
instruments:
  group_size: 100
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Credential.CheckInterval != 30*time.Minute {
		t.Errorf("check_interval = %s, want 30m", cfg.Credential.CheckInterval)
	}
	if cfg.Credential.RenewalBuffer != 4*time.Hour {
		t.Errorf("renewal_buffer = %s, want 4h", cfg.Credential.RenewalBuffer)
	}
	if cfg.Stream.BackoffMax != 2*time.Minute {
		t.Errorf("backoff_max = %s, want 2m", cfg.Stream.BackoffMax)
	}
	if cfg.Stream.BatchSize != 10 {
		t.Errorf("batch_size = %d, want 10", cfg.Stream.BatchSize)
	}
	if cfg.Instruments.GroupSize != 100 {
		t.Errorf("group_size = %d, want 100", cfg.Instruments.GroupSize)
	}
}

func TestLoadRejectsInvertedRenewalWindow(t *testing.T) {
	_, err := Load(writeConfig(t, `
credential:
  check_interval: 6h
  renewal_buffer: 1h
`))
	if err == nil {
		t.Fatal("check_interval above renewal_buffer should be rejected")
	}
}

func TestLoadRejectsBadMalformedRatio(t *testing.T) {
	_, err := Load(writeConfig(t, `
stream:
  malformed_ratio: 1.5
`))
	if err == nil {
		t.Fatal("malformed_ratio above 1 should be rejected")
	}
}

func TestLoadRejectsTelegramWithoutToken(t *testing.T) {
	_, err := Load(writeConfig(t, `
alerting:
  telegram:
    enabled: true
    chat_id: "42"
`))
	if err == nil {
		t.Fatal("enabled telegram without bot token should be rejected")
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 500}}
	if got := cfg.ResolveMaxPoints(0); got != 500 {
		t.Errorf("default = %d, want 500", got)
	}
	if got := cfg.ResolveMaxPoints(42); got != 42 {
		t.Errorf("override = %d, want 42", got)
	}
}
