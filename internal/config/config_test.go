package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
http_addr: ":8088"
oracle_max_age: 15s
risk:
  liquidation_threshold: 100000
  liquidation_incentive: 30000
  fee_recipient: treasury
monitor:
  interval: 5s
  auto_liquidate: false
markets:
  - collateral_token: WETH
    loan_token: USDC
    oracle_ref: chainlink:ETH-USDC
    lltv: 770000
    collateral_factor: 850000
    collateral_decimals: 6
    loan_decimals: 6
  - collateral_token: WBTC
    loan_token: USDC
    oracle_ref: chainlink:BTC-USDC
    lltv: 770000
    collateral_factor: 800000
    collateral_decimals: 8
    loan_decimals: 6
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.HTTPAddr != ":8088" {
		t.Errorf("http_addr = %q, want :8088", cfg.HTTPAddr)
	}
	if cfg.OracleMaxAge.Std() != 15*time.Second {
		t.Errorf("oracle_max_age = %v, want 15s", cfg.OracleMaxAge)
	}
	// Unset fields keep defaults.
	if cfg.MetricsAddr != ":9091" {
		t.Errorf("metrics_addr = %q, want default :9091", cfg.MetricsAddr)
	}
	if cfg.Risk.LiquidationThreshold != 100_000 {
		t.Errorf("threshold = %d, want 100_000", cfg.Risk.LiquidationThreshold)
	}
	if cfg.Risk.CallTimeout.Std() != 5*time.Second {
		t.Errorf("call_timeout = %v, want default 5s", cfg.Risk.CallTimeout)
	}
	if cfg.Monitor.AutoLiquidate {
		t.Error("auto_liquidate must be false")
	}
	if len(cfg.Markets) != 2 {
		t.Fatalf("markets = %d, want 2", len(cfg.Markets))
	}
	if cfg.Markets[1].CollateralDecimals != 8 {
		t.Errorf("wbtc decimals = %d, want 8", cfg.Markets[1].CollateralDecimals)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MW_POSTGRES_DSN", "postgres://env-dsn")
	t.Setenv("MW_AUTO_LIQUIDATE", "true")

	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PostgresDSN != "postgres://env-dsn" {
		t.Errorf("dsn = %q, want env override", cfg.PostgresDSN)
	}
	if !cfg.Monitor.AutoLiquidate {
		t.Error("env must override auto_liquidate")
	}
}

func TestLoad_NoMarkets(t *testing.T) {
	if _, err := Load(writeConfig(t, "http_addr: \":1\"\n")); !errors.Is(err, ErrNoMarkets) {
		t.Fatalf("expected ErrNoMarkets, got %v", err)
	}
}

func TestLoad_InvalidMarket(t *testing.T) {
	bad := `
markets:
  - collateral_token: WETH
    loan_token: USDC
    lltv: 770000
    collateral_factor: 2000000
    collateral_decimals: 6
    loan_decimals: 6
`
	if _, err := Load(writeConfig(t, bad)); err == nil {
		t.Fatal("expected error for collateral factor > 1")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
