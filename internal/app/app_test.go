package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/skalibog/btcsignals/internal/config"
	"github.com/skalibog/btcsignals/internal/live"
	"github.com/skalibog/btcsignals/internal/priceindex"
)

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	return &config.Config{
		Database: config.DatabaseConfig{Path: filepath.Join(dir, "app.db")},
		Binance:  config.BinanceConfig{Symbol: "BTCUSDT"},
		Relay:    config.RelayConfig{BaseURL: "http://127.0.0.1:1"},
		Sources: []config.SourceConfig{
			{ID: 1, Name: "AltSwing", Parser: "altswing"},
			{ID: 2, Name: "Broken", Parser: "missing"},
		},
		Pipeline: config.PipelineConfig{UnrecognizedDir: filepath.Join(dir, "unrecognized")},
		Index:    config.IndexConfig{LookupWindowMinutes: 2},
	}
}

func TestNewWiresComponents(t *testing.T) {
	a, err := New(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if a.Index.State() != priceindex.Loaded {
		t.Fatalf("price index must be loaded before use")
	}
	if len(a.Sources) != 1 || a.Sources[0].Name != "AltSwing" {
		t.Fatalf("invalid source must be excluded, got %+v", a.Sources)
	}
	if _, ok := a.Source("altswing"); !ok {
		t.Fatalf("source lookup must ignore case")
	}
	if a.Mirror != nil {
		t.Fatalf("mirror must stay disabled")
	}
	if a.Live().State() != live.Idle {
		t.Fatalf("new coordinator must be idle")
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
}

func TestNewFailsWithoutRelay(t *testing.T) {
	cfg := testConfig(t)
	cfg.Relay.BaseURL = ""
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatalf("expected error without relay address")
	}
}
