package config

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

type fakeParsers map[string]bool

func (f fakeParsers) Has(parserType string) bool { return f[parserType] }

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("BOT_TOKEN", "token-from-env")
	t.Setenv("ADMIN_USER_ID", "777")

	cfg, err := Load(filepath.Join("testdata", "config.yaml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Database.Path != "test.db" {
		t.Fatalf("unexpected database path: %s", cfg.Database.Path)
	}
	if cfg.Pipeline.HistoryDays != 30 {
		t.Fatalf("unexpected history days: %d", cfg.Pipeline.HistoryDays)
	}
	if cfg.Pipeline.PageSize != 100 {
		t.Fatalf("expected default page size 100, got %d", cfg.Pipeline.PageSize)
	}
	if cfg.Live.PriceTick() != 30*time.Second {
		t.Fatalf("unexpected price tick: %s", cfg.Live.PriceTick())
	}
	if cfg.Live.ContextFill() != 5*time.Minute {
		t.Fatalf("unexpected context fill period: %s", cfg.Live.ContextFill())
	}
	if cfg.Live.HealthCheck() != time.Hour {
		t.Fatalf("unexpected health period: %s", cfg.Live.HealthCheck())
	}
	if cfg.Index.LookupWindow() != 2*time.Minute {
		t.Fatalf("unexpected lookup window: %s", cfg.Index.LookupWindow())
	}
	if cfg.Notify.BotToken != "token-from-env" || cfg.Notify.AdminChatID != 777 {
		t.Fatalf("env overrides not applied: %+v", cfg.Notify)
	}
	if len(cfg.Sources) != 4 {
		t.Fatalf("expected 4 raw sources, got %d", len(cfg.Sources))
	}
	if cfg.Sources[1].TopicID == nil || *cfg.Sources[1].TopicID != 42 {
		t.Fatalf("topic id not decoded: %+v", cfg.Sources[1])
	}
}

func TestResolveSourcesExcludesBrokenOnes(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "config.yaml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	valid, errs := cfg.ResolveSources(fakeParsers{"altswing": true, "rsi_btc": true})
	if len(valid) != 2 {
		t.Fatalf("expected 2 valid sources, got %d", len(valid))
	}
	if len(errs) != 2 {
		t.Fatalf("expected 2 source errors, got %d: %v", len(errs), errs)
	}
	for _, e := range errs {
		var sce *SourceConfigError
		if !errors.As(e, &sce) {
			t.Fatalf("expected SourceConfigError, got %T", e)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config")
	}
}
