package backfill

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/skalibog/btcsignals/internal/config"
	"github.com/skalibog/btcsignals/internal/priceindex"
	"github.com/skalibog/btcsignals/internal/storage"
	"github.com/skalibog/btcsignals/pkg/models"
)

var base = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func minute(m int) time.Time {
	return base.Add(time.Duration(m) * time.Minute)
}

type fixture struct {
	store *storage.SQLiteStore
	index *priceindex.Index
}

func newFixture(t *testing.T, lastMinute int) *fixture {
	t.Helper()
	store, err := storage.NewSQLiteStore(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("NewSQLiteStore error: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	f := &fixture{store: store, index: priceindex.New(store, 2*time.Minute)}
	if err := f.index.Load(context.Background(), store); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	f.prices(t, 0, lastMinute)
	return f
}

// prices точки 60000+m для минут from..to
func (f *fixture) prices(t *testing.T, from, to int) {
	t.Helper()
	var points []models.PricePoint
	for m := from; m <= to; m++ {
		points = append(points, models.PricePoint{Timestamp: minute(m), Price: 60000 + float64(m)})
	}
	if _, err := f.index.Extend(context.Background(), points); err != nil {
		t.Fatalf("Extend error: %v", err)
	}
}

func (f *fixture) signal(t *testing.T, id int64, at time.Time) int64 {
	t.Helper()
	ctx := context.Background()
	src := config.SourceConfig{ID: 1, Name: "AltSwing", Parser: "altswing"}
	if _, err := f.store.InsertRawMessages(ctx, src, []models.Message{{ID: id, Timestamp: at, Text: "Avg. 1%"}}); err != nil {
		t.Fatalf("InsertRawMessages error: %v", err)
	}
	raw, err := f.store.RawMessage(ctx, 1, id)
	if err != nil || raw == nil {
		t.Fatalf("RawMessage error: %v", err)
	}
	v := 1.0
	res, err := f.store.CommitParsed(ctx, *raw, models.Signal{
		SourceID: 1, SourceName: "AltSwing", MessageID: id, MessageText: raw.Text, Timestamp: at, Value: &v,
	})
	if err != nil {
		t.Fatalf("CommitParsed error: %v", err)
	}
	return res.SignalID
}

func (f *fixture) backfiller(now time.Time) *Backfiller {
	b := New(f.store, f.index, 10)
	b.now = func() time.Time { return now }
	return b
}

func (f *fixture) contextOf(t *testing.T, signalID int64) models.SignalContext {
	t.Helper()
	c, err := f.store.Context(context.Background(), signalID)
	if err != nil || c == nil {
		t.Fatalf("Context error: %v", err)
	}
	return *c
}

func TestPassFillsMaturedHorizons(t *testing.T) {
	f := newFixture(t, 320)
	ctx := context.Background()
	id := f.signal(t, 1, minute(200))

	filled, err := f.backfiller(minute(400)).Pass(ctx)
	if err != nil {
		t.Fatalf("Pass error: %v", err)
	}
	if filled != 3 {
		t.Fatalf("expected 5m/15m/1h filled, got %d", filled)
	}
	c := f.contextOf(t, id)
	if c.FilledMask != models.Mask5m|models.Mask15m|models.Mask1h {
		t.Fatalf("unexpected mask %d", c.FilledMask)
	}
	if c.PriceAtSignal == nil || *c.PriceAtSignal != 60200 {
		t.Fatalf("base price not filled: %v", c.PriceAtSignal)
	}
	if p := c.PriceAfter["1h"]; p == nil || *p != 60260 {
		t.Fatalf("unexpected 1h price %v", p)
	}
	if p := c.ChangePct["5m"]; p == nil || *p != 0.0083 {
		t.Fatalf("unexpected 5m change %v", p)
	}
	if p := c.PriceBefore["1h"]; p == nil || *p != 60140 {
		t.Fatalf("unexpected 1h before price %v", p)
	}
	if c.PriceAfter["4h"] != nil {
		t.Fatalf("4h must wait for prices")
	}
}

func TestMaskSurvivesReloadAndOnlyGrows(t *testing.T) {
	f := newFixture(t, 320)
	ctx := context.Background()
	id := f.signal(t, 1, minute(200))
	if _, err := f.backfiller(minute(400)).Pass(ctx); err != nil {
		t.Fatalf("Pass error: %v", err)
	}

	// перезапуск процесса: новый индекс из того же хранилища
	f.index = priceindex.New(f.store, 2*time.Minute)
	if err := f.index.Load(ctx, f.store); err != nil {
		t.Fatalf("reload error: %v", err)
	}
	filled, err := f.backfiller(minute(400)).Pass(ctx)
	if err != nil {
		t.Fatalf("second Pass error: %v", err)
	}
	if filled != 0 {
		t.Fatalf("filled horizons must not be written again, got %d", filled)
	}
	if mask := f.contextOf(t, id).FilledMask; mask&models.Mask1h == 0 {
		t.Fatalf("1h bit lost after reload: %d", mask)
	}

	f.prices(t, 321, 1700)
	filled, err = f.backfiller(minute(1700)).Pass(ctx)
	if err != nil {
		t.Fatalf("third Pass error: %v", err)
	}
	c := f.contextOf(t, id)
	if filled != 2 || !c.Complete() {
		t.Fatalf("expected context complete, filled=%d mask=%d", filled, c.FilledMask)
	}
	if p := c.PriceAfter["5m"]; p == nil || *p != 60205 {
		t.Fatalf("5m price must not change, got %v", p)
	}

	pending, err := f.store.PendingContexts(ctx, nil, 10)
	if err != nil {
		t.Fatalf("PendingContexts error: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("complete context must not be pending")
	}
}

func TestHorizonWaitsForSettle(t *testing.T) {
	f := newFixture(t, 320)
	id := f.signal(t, 1, minute(200))
	// цена на минуте 205 уже есть, но минута еще не закрыта
	filled, err := f.backfiller(minute(205).Add(30 * time.Second)).FillSignal(context.Background(), id)
	if err != nil {
		t.Fatalf("FillSignal error: %v", err)
	}
	if filled != 0 || f.contextOf(t, id).FilledMask != 0 {
		t.Fatalf("horizon filled before settle")
	}
	filled, err = f.backfiller(minute(206)).FillSignal(context.Background(), id)
	if err != nil {
		t.Fatalf("FillSignal error: %v", err)
	}
	if filled != 1 || f.contextOf(t, id).FilledMask != models.Mask5m {
		t.Fatalf("5m must be filled once settled, filled=%d", filled)
	}
}

func TestPassPagesThroughAllPending(t *testing.T) {
	f := newFixture(t, 320)
	for i := int64(1); i <= 25; i++ {
		f.signal(t, i, minute(100+int(i)))
	}
	filled, err := f.backfiller(minute(400)).Pass(context.Background())
	if err != nil {
		t.Fatalf("Pass error: %v", err)
	}
	if filled != 25*3 {
		t.Fatalf("expected %d horizons, got %d", 25*3, filled)
	}
}

func TestChangePct(t *testing.T) {
	tests := []struct {
		base, price, want float64
	}{
		{100, 105, 5},
		{60000, 59400, -1},
		{60200, 60205, 0.0083},
		{3, 4, 33.3333},
	}
	for _, tt := range tests {
		if got := ChangePct(tt.base, tt.price); got != tt.want {
			t.Fatalf("ChangePct(%v, %v) = %v, want %v", tt.base, tt.price, got, tt.want)
		}
	}
}
