package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"market_pulse/internal/domain"
	"market_pulse/internal/infra"
	"market_pulse/internal/simulation"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	yaml := fmt.Sprintf(`
app:
  name: market_pulse
  version: test
exchange:
  ws_url: ws://127.0.0.1:1/ws
  rest_url: http://127.0.0.1:1
feed:
  base_delay_ms: 10
  max_delay_ms: 50
  max_retries: 2
engine:
  flush_interval_ms: 20
  sim_tick_ms: 20
instruments:
  - symbol: BTCUSDT
    category: crypto
    base_price: "50000"
    stream: true
  - symbol: XYZ
    category: synthetics
    base_price: "100"
volatility:
  synthetics:
    max_deviation: 0.2
storage:
  path: %s
server:
  addr: 127.0.0.1:0
  mode: test
icons:
  dir: %s
logging:
  level: error
  dir: %s
`, filepath.Join(dir, "test.db"), filepath.Join(dir, "icons"), filepath.Join(dir, "logs"))

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestBootstrap_SeedCatalogKeepsFavorites(t *testing.T) {
	b := NewBootstrap()
	if err := b.Initialize(writeConfig(t)); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer b.Storage.Close()

	insts, err := b.SeedCatalog()
	if err != nil {
		t.Fatalf("SeedCatalog failed: %v", err)
	}
	if len(insts) != 2 {
		t.Fatalf("expected 2 instruments, got %d", len(insts))
	}

	if _, err := b.Storage.ToggleFavorite("XYZ"); err != nil {
		t.Fatalf("ToggleFavorite failed: %v", err)
	}

	// Re-seeding on the next start keeps user flags.
	insts, err = b.SeedCatalog()
	if err != nil {
		t.Fatalf("SeedCatalog failed: %v", err)
	}
	for _, inst := range insts {
		if inst.Symbol == "XYZ" && !inst.IsFavorite {
			t.Error("expected XYZ favorite preserved")
		}
		if inst.Symbol == "BTCUSDT" && !inst.StreamSupported {
			t.Error("expected BTCUSDT stream flag")
		}
	}
}

func TestBootstrap_Lifecycle(t *testing.T) {
	b := NewBootstrap()
	if err := b.Initialize(writeConfig(t)); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := b.Wire(ctx); err != nil {
		t.Fatalf("Wire failed: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// XYZ has no live stream and must be priced by the generator right away.
	deadline := time.Now().Add(3 * time.Second)
	var tick domain.PriceTick
	var ok bool
	for time.Now().Before(deadline) {
		if tick, ok = b.Engine.GetFlushedTick("XYZ"); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !ok {
		t.Fatal("no simulated tick for XYZ")
	}
	if !tick.IsSimulated() {
		t.Errorf("expected simulated tick, got %s", tick.Source)
	}

	cancel()
	done := make(chan struct{})
	go func() {
		b.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return")
	}
}

func TestProfileOverrides(t *testing.T) {
	got := profileOverrides(map[domain.Category]infra.VolatilityConfig{
		domain.CategoryForex: {MaxDeviation: 0.05},
	})

	def := simulation.DefaultProfiles()[domain.CategoryForex]
	p := got[domain.CategoryForex]
	if p.MaxDeviation != 0.05 {
		t.Errorf("expected max deviation 0.05, got %v", p.MaxDeviation)
	}
	if p.BaseVolatility != def.BaseVolatility || p.UpdateIntervalMs != def.UpdateIntervalMs {
		t.Errorf("expected untouched fields to keep defaults, got %+v", p)
	}
	if profileOverrides(nil) != nil {
		t.Error("expected nil table without overrides")
	}

	if _, err := simulation.DefaultProfiles().With(got); err != nil {
		t.Errorf("overrides must validate: %v", err)
	}
}
