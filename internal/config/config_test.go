package config_test

import (
	"testing"

	"lendledger/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.LiquidationThresholdPct != 150 {
		t.Errorf("threshold = %d, want 150", cfg.LiquidationThresholdPct)
	}
	if cfg.LiquidationBonusPct != 5 {
		t.Errorf("bonus = %d, want 5", cfg.LiquidationBonusPct)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("http addr = %s, want :8080", cfg.HTTPAddr)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("LEND_LIQUIDATION_THRESHOLD_PCT", "200")
	t.Setenv("LEND_DEBT_ASSET", "DAI")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.LiquidationThresholdPct != 200 {
		t.Errorf("threshold = %d, want 200", cfg.LiquidationThresholdPct)
	}
	if cfg.DebtAsset != "DAI" {
		t.Errorf("debt asset = %s, want DAI", cfg.DebtAsset)
	}
}

func TestLoad_RejectsBadThreshold(t *testing.T) {
	t.Setenv("LEND_LIQUIDATION_THRESHOLD_PCT", "100")

	if _, err := config.Load(); err == nil {
		t.Fatal("expected error for threshold 100")
	}
}
