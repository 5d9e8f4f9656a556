package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/skalibog/btcsignals/internal/config"
	"github.com/skalibog/btcsignals/internal/parsers"
	"github.com/skalibog/btcsignals/internal/priceindex"
	"github.com/skalibog/btcsignals/internal/storage"
	"github.com/skalibog/btcsignals/pkg/models"
)

var msgTime = time.Date(2024, 3, 1, 12, 0, 20, 0, time.UTC)

type fixture struct {
	store *storage.SQLiteStore
	proc  *Processor
	dir   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewSQLiteStore(config.DatabaseConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("NewSQLiteStore error: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	idx := priceindex.New(store, 2*time.Minute)
	if _, err := store.SavePricePoints(ctx, []models.PricePoint{{Timestamp: msgTime.Truncate(time.Minute), Price: 61000}}); err != nil {
		t.Fatalf("SavePricePoints error: %v", err)
	}
	if err := idx.Load(ctx, store); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	unrec := NewUnrecognizedLog(filepath.Join(dir, "unrecognized"))
	return &fixture{
		store: store,
		proc:  NewProcessor(store, parsers.Default(), idx, unrec, nil),
		dir:   dir,
	}
}

func (f *fixture) raw(t *testing.T, src config.SourceConfig, msg models.Message) models.RawMessage {
	t.Helper()
	ctx := context.Background()
	if _, err := f.store.InsertRawMessages(ctx, src, []models.Message{msg}); err != nil {
		t.Fatalf("InsertRawMessages error: %v", err)
	}
	raw, err := f.store.RawMessage(ctx, src.ID, msg.ID)
	if err != nil || raw == nil {
		t.Fatalf("RawMessage error: %v", err)
	}
	return *raw
}

func TestProcessParsedSignal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := config.SourceConfig{ID: 1, Name: "AltSwing", Parser: "altswing"}
	raw := f.raw(t, src, models.Message{ID: 10, Timestamp: msgTime, Text: "\U0001f7e9 Avg. 5%"})

	res, err := f.proc.Process(ctx, src, raw)
	if err != nil {
		t.Fatalf("Process error: %v", err)
	}
	if res.Outcome != Parsed || !res.Inserted || res.SignalID == 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	c, err := f.store.Context(ctx, res.SignalID)
	if err != nil || c == nil {
		t.Fatalf("context missing: %v", err)
	}
	if c.PriceAtSignal == nil || *c.PriceAtSignal != 61000 {
		t.Fatalf("reference price not taken from index: %v", c.PriceAtSignal)
	}

	again, err := f.proc.Process(ctx, src, raw)
	if err != nil {
		t.Fatalf("second Process error: %v", err)
	}
	if again.Inserted || again.SignalID != res.SignalID {
		t.Fatalf("reprocessing must not create a new signal: %+v", again)
	}
}

func TestProcessNoMatchIsRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := config.SourceConfig{ID: 1, Name: "AltSwing", Parser: "altswing"}
	raw := f.raw(t, src, models.Message{ID: 11, Timestamp: msgTime, Text: "good morning"})

	res, err := f.proc.Process(ctx, src, raw)
	if err != nil {
		t.Fatalf("Process error: %v", err)
	}
	if res.Outcome != NoMatch {
		t.Fatalf("expected NoMatch, got %v", res.Outcome)
	}
	stored, _ := f.store.RawMessage(ctx, 1, 11)
	if !stored.Parsed || stored.ParseError != "no_match" {
		t.Fatalf("failure not recorded: %+v", stored)
	}
	f.proc.unrecognized.Close()
	data, err := os.ReadFile(f.proc.unrecognized.Path("AltSwing"))
	if err != nil {
		t.Fatalf("unrecognized log missing: %v", err)
	}
	if !strings.Contains(string(data), `"message_id":11`) || !strings.Contains(string(data), "good morning") {
		t.Fatalf("unexpected log contents: %s", data)
	}
}

func TestProcessValidationFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := config.SourceConfig{ID: 1, Name: "AltSwing", Parser: "altswing"}
	raw := f.raw(t, src, models.Message{ID: 12, Timestamp: msgTime, Text: "Avg. 500%"})

	res, err := f.proc.Process(ctx, src, raw)
	if err != nil {
		t.Fatalf("Process error: %v", err)
	}
	if res.Outcome != Invalid || !strings.HasPrefix(res.Reason, "validation: ") {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestProcessFilteredByAuthor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := config.SourceConfig{ID: 2, Name: "DyorAlerts", Parser: "dyor_alerts", FilterAuthor: "dyor_bot"}
	raw := f.raw(t, src, models.Message{ID: 1, Timestamp: msgTime, Text: "BTC/USDT-SPOT: 65000", SenderHandle: "random"})

	res, err := f.proc.Process(ctx, src, raw)
	if err != nil {
		t.Fatalf("Process error: %v", err)
	}
	if res.Outcome != Filtered || res.Reason != storage.ReasonFilteredAuthor {
		t.Fatalf("unexpected result %+v", res)
	}
	stats, err := f.store.SourceStats(ctx, 2)
	if err != nil {
		t.Fatalf("SourceStats error: %v", err)
	}
	if stats.SkippedFilter != 1 || stats.Pending != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

type fixedPrice float64

func (p fixedPrice) FetchCurrent(ctx context.Context) (models.PricePoint, error) {
	return models.PricePoint{Timestamp: time.Now(), Price: float64(p)}, nil
}

func TestLiveProcessorUsesCurrentPrice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := config.SourceConfig{ID: 1, Name: "AltSwing", Parser: "altswing"}
	later := msgTime.Add(3 * time.Hour)
	raw := f.raw(t, src, models.Message{ID: 20, Timestamp: later, Text: "Avg. 1%"})

	res, err := f.proc.ForLive(fixedPrice(62000)).Process(ctx, src, raw)
	if err != nil {
		t.Fatalf("Process error: %v", err)
	}
	c, _ := f.store.Context(ctx, res.SignalID)
	if c.PriceAtSignal == nil || *c.PriceAtSignal != 62000 {
		t.Fatalf("expected live price fallback, got %v", c.PriceAtSignal)
	}
}
