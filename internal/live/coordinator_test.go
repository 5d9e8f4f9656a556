package live

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/skalibog/btcsignals/internal/config"
	"github.com/skalibog/btcsignals/internal/ingest"
	"github.com/skalibog/btcsignals/internal/parsers"
	"github.com/skalibog/btcsignals/internal/priceindex"
	"github.com/skalibog/btcsignals/internal/source"
	"github.com/skalibog/btcsignals/internal/storage"
	"github.com/skalibog/btcsignals/pkg/models"
)

type liveAdapter struct {
	mu     sync.Mutex
	feeds  map[int64]chan models.Message
	active map[int64]bool
	// backlog сообщения, уже лежащие в буфере подписки на момент открытия
	backlog []models.Message
}

func newLiveAdapter() *liveAdapter {
	return &liveAdapter{feeds: make(map[int64]chan models.Message), active: make(map[int64]bool)}
}

func (a *liveAdapter) FetchHistoryPage(ctx context.Context, sourceID, beforeID int64, limit int) (source.Page, error) {
	return source.Page{}, nil
}

func (a *liveAdapter) SubscribeLive(ctx context.Context, sourceID int64) (<-chan models.Message, error) {
	in := make(chan models.Message)
	a.mu.Lock()
	out := make(chan models.Message, len(a.backlog))
	for _, m := range a.backlog {
		out <- m
	}
	a.backlog = nil
	a.feeds[sourceID] = in
	a.active[sourceID] = true
	a.mu.Unlock()
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				a.mu.Lock()
				a.active[sourceID] = false
				a.mu.Unlock()
				return
			case m := <-in:
				out <- m
			}
		}
	}()
	return out, nil
}

func (a *liveAdapter) SubscriptionActive(sourceID int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active[sourceID]
}

func (a *liveAdapter) Close() error { return nil }

// send ждет появления подписки и отдает в нее сообщение
func (a *liveAdapter) send(t *testing.T, sourceID int64, m models.Message) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		a.mu.Lock()
		ch := a.feeds[sourceID]
		a.mu.Unlock()
		if ch != nil {
			select {
			case ch <- m:
				return
			case <-time.After(5 * time.Second):
				t.Fatalf("subscription did not accept message")
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("subscription for %d never opened", sourceID)
}

type staticFeed struct {
	mu     sync.Mutex
	price  float64
	ranges [][2]time.Time

	// если заданы, FetchCurrent сообщает о вызове и ждет release
	entered chan struct{}
	release chan struct{}
}

func (f *staticFeed) FetchCandles(ctx context.Context, start, end time.Time) ([]models.PricePoint, error) {
	f.mu.Lock()
	f.ranges = append(f.ranges, [2]time.Time{start, end})
	f.mu.Unlock()
	var out []models.PricePoint
	for t := start.Truncate(time.Minute); t.Before(end); t = t.Add(time.Minute) {
		out = append(out, models.PricePoint{Timestamp: t, Price: f.price})
	}
	return out, nil
}

func (f *staticFeed) FetchCurrent(ctx context.Context) (models.PricePoint, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	return models.PricePoint{Timestamp: time.Now().UTC().Truncate(time.Minute), Price: f.price}, nil
}

type recordingFiller struct {
	mu     sync.Mutex
	filled []int64
}

func (f *recordingFiller) Pass(ctx context.Context) (int, error) { return 0, nil }

func (f *recordingFiller) FillSignal(ctx context.Context, signalID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filled = append(f.filled, signalID)
	return 1, nil
}

func (f *recordingFiller) ids() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.filled...)
}

type recordingNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (n *recordingNotifier) Notify(ctx context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, text)
	return nil
}

type fixture struct {
	store    *storage.SQLiteStore
	adapter  *liveAdapter
	feed     *staticFeed
	filler   *recordingFiller
	notifier *recordingNotifier
	index    *priceindex.Index
	coord    *Coordinator
}

var altSwing = config.SourceConfig{ID: 1, Name: "AltSwing", Parser: "altswing"}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewSQLiteStore(config.DatabaseConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("NewSQLiteStore error: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	idx := priceindex.New(store, 2*time.Minute)
	if err := idx.Load(context.Background(), store); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	f := &fixture{
		store:    store,
		adapter:  newLiveAdapter(),
		feed:     &staticFeed{price: 64000},
		filler:   &recordingFiller{},
		notifier: &recordingNotifier{},
		index:    idx,
	}
	proc := ingest.NewProcessor(store, parsers.Default(), idx, ingest.NewUnrecognizedLog(filepath.Join(dir, "unrecognized")), nil)
	f.coord = New(Deps{
		Store:     store,
		Adapter:   f.adapter,
		Feed:      f.feed,
		Index:     idx,
		Processor: proc,
		Filler:    f.filler,
		Notifier:  f.notifier,
		Sources:   []config.SourceConfig{altSwing},
		Config: config.LiveConfig{
			PriceTickSeconds:   3600,
			ContextFillSeconds: 3600,
			HealthCheckSeconds: 3600,
			SilenceHours:       48,
			BackfillQueue:      8,
			ResubscribeSeconds: 1,
		},
	})
	return f
}

func TestLiveMessageBecomesSignal(t *testing.T) {
	f := newFixture(t)
	if err := f.coord.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if f.coord.State() != Running {
		t.Fatalf("expected running, got %s", f.coord.State())
	}

	f.adapter.send(t, 1, models.Message{ID: 500, Timestamp: time.Now().UTC(), Text: "\U0001f7e9 Avg. 4%"})

	deadline := time.Now().Add(5 * time.Second)
	for len(f.filler.ids()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	ids := f.filler.ids()
	if len(ids) != 1 {
		t.Fatalf("expected signal queued for context, got %v", ids)
	}

	f.coord.Shutdown()
	if err := f.coord.Wait(); err != nil {
		t.Fatalf("Wait error: %v", err)
	}
	if f.coord.State() != Stopped {
		t.Fatalf("expected stopped, got %s", f.coord.State())
	}

	c, err := f.store.Context(context.Background(), ids[0])
	if err != nil || c == nil {
		t.Fatalf("context row missing: %v", err)
	}
	// индекс пуст, поэтому цена взята из текущего курса
	if c.PriceAtSignal == nil || *c.PriceAtSignal != 64000 {
		t.Fatalf("expected live price, got %v", c.PriceAtSignal)
	}
}

func TestShutdownSkipsBufferedMessages(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	for i := int64(1); i <= 20; i++ {
		f.adapter.backlog = append(f.adapter.backlog, models.Message{ID: i, Timestamp: now, Text: "\U0001f7e9 Avg. 4%"})
	}
	f.feed.entered = make(chan struct{}, 32)
	f.feed.release = make(chan struct{})

	if err := f.coord.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	select {
	case <-f.feed.entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("first message was not handled")
	}

	// первое сообщение в обработке, остальные 19 ждут в буфере
	f.coord.Shutdown()
	close(f.feed.release)
	if err := f.coord.Wait(); err != nil {
		t.Fatalf("Wait error: %v", err)
	}

	counts, err := f.store.Counts(context.Background())
	if err != nil {
		t.Fatalf("Counts error: %v", err)
	}
	if counts.Signals != 1 || counts.Raw != 1 {
		t.Fatalf("only the in-flight message may be stored, got raw=%d signals=%d", counts.Raw, counts.Signals)
	}
}

func TestStartTwice(t *testing.T) {
	f := newFixture(t)
	if err := f.coord.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer func() {
		f.coord.Shutdown()
		f.coord.Wait()
	}()
	if err := f.coord.Start(context.Background()); err != ErrAlreadyStarted {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestHealthReportsProblems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	f.coord.now = func() time.Time { return now }

	// сигнал трехдневной давности
	old := now.Add(-72 * time.Hour)
	if _, err := f.store.InsertRawMessages(ctx, altSwing, []models.Message{{ID: 1, Timestamp: old, Text: "Avg. 1%"}}); err != nil {
		t.Fatalf("InsertRawMessages error: %v", err)
	}
	raw, _ := f.store.RawMessage(ctx, 1, 1)
	if _, err := f.store.CommitParsed(ctx, *raw, models.Signal{SourceID: 1, SourceName: "AltSwing", MessageID: 1, Timestamp: old}); err != nil {
		t.Fatalf("CommitParsed error: %v", err)
	}

	issues := f.coord.Health(ctx)
	kinds := map[string]bool{}
	for _, is := range issues {
		kinds[is.Kind] = true
	}
	for _, want := range []string{"subscription", "price_feed", "silence"} {
		if !kinds[want] {
			t.Fatalf("missing %s issue in %+v", want, issues)
		}
	}

	f.coord.healthCheck(ctx)
	if len(f.notifier.texts) != 1 || !strings.Contains(f.notifier.texts[0], "AltSwing") {
		t.Fatalf("health report not sent: %v", f.notifier.texts)
	}
}

func TestPriceTickClosesGap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Minute)
	f.coord.now = func() time.Time { return now }
	if _, err := f.index.Extend(ctx, []models.PricePoint{{Timestamp: now.Add(-10 * time.Minute), Price: 63000}}); err != nil {
		t.Fatalf("Extend error: %v", err)
	}

	f.coord.priceTick(ctx)

	if len(f.feed.ranges) != 1 || !f.feed.ranges[0][0].Equal(now.Add(-9*time.Minute)) {
		t.Fatalf("unexpected catch-up request %v", f.feed.ranges)
	}
	latest, ok := f.index.Latest()
	if !ok || latest.Before(now.Add(-time.Minute)) {
		t.Fatalf("gap not closed, latest %v", latest)
	}
	if v, err := f.index.Lookup(now.Add(-5*time.Minute), priceindex.Floor); err != nil || v != 64000 {
		t.Fatalf("catch-up prices missing: %v %v", v, err)
	}
}
