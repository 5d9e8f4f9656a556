// Package priceindex хранит минутный ряд цен BTC в памяти
package priceindex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/skalibog/btcsignals/pkg/logger"
	"github.com/skalibog/btcsignals/pkg/models"
	"go.uber.org/zap"
)

var (
	// ErrUnavailable цена для запрошенного времени пока (или вообще) неизвестна
	ErrUnavailable = errors.New("цена недоступна")
	// ErrNotLoaded индекс еще не загружен из хранилища
	ErrNotLoaded = errors.New("индекс цен не загружен")
)

// Rounding правило округления времени до минуты
type Rounding int

const (
	// Floor округление вниз
	Floor Rounding = iota
	// Nearest округление к ближайшей минуте
	Nearest
)

// State состояние индекса
type State int

const (
	Uninitialized State = iota
	Loaded
)

func (s State) String() string {
	if s == Loaded {
		return "loaded"
	}
	return "uninitialized"
}

// Persister сохраняет новые точки до того, как они попадут в индекс
type Persister interface {
	SavePricePoints(ctx context.Context, points []models.PricePoint) (int, error)
}

// Streamer отдает все сохраненные точки
type Streamer interface {
	StreamPricePoints(ctx context.Context, fn func(models.PricePoint) error) error
}

// Index минутный ряд цен с поиском за O(1)
type Index struct {
	mu     sync.RWMutex
	prices map[int64]float64
	first  int64
	last   int64
	state  State

	// extendMu держит сохранение и слияние одной операцией
	extendMu sync.Mutex
	store    Persister
	window   int64
}

// New создает пустой индекс. window - сколько минут назад допускается
// искать ближайшую точку при пропуске данных.
func New(store Persister, window time.Duration) *Index {
	w := int64(window / time.Minute)
	if w < 0 {
		w = 0
	}
	return &Index{
		prices: make(map[int64]float64),
		store:  store,
		window: w,
	}
}

// Load строит индекс заново из хранилища и атомарно подменяет содержимое
func (idx *Index) Load(ctx context.Context, src Streamer) error {
	idx.extendMu.Lock()
	defer idx.extendMu.Unlock()

	start := time.Now()
	prices := make(map[int64]float64, 1<<16)
	var first, last int64
	err := src.StreamPricePoints(ctx, func(p models.PricePoint) error {
		key := p.Minute()
		if _, ok := prices[key]; ok {
			return nil
		}
		prices[key] = p.Price
		if len(prices) == 1 || key < first {
			first = key
		}
		if len(prices) == 1 || key > last {
			last = key
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ошибка загрузки цен: %w", err)
	}

	idx.mu.Lock()
	idx.prices = prices
	idx.first, idx.last = first, last
	idx.state = Loaded
	idx.mu.Unlock()

	logger.Info("Индекс цен загружен",
		zap.Int("points", len(prices)),
		zap.Duration("took", time.Since(start)))
	return nil
}

// Extend сохраняет точки и вливает их в индекс одной пачкой.
// Уже известные минуты не перезаписываются. Возвращает число новых минут.
func (idx *Index) Extend(ctx context.Context, points []models.PricePoint) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}
	idx.extendMu.Lock()
	defer idx.extendMu.Unlock()

	idx.mu.RLock()
	fresh := make([]models.PricePoint, 0, len(points))
	seen := make(map[int64]struct{}, len(points))
	for _, p := range points {
		key := p.Minute()
		if _, ok := idx.prices[key]; ok {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		fresh = append(fresh, p)
	}
	idx.mu.RUnlock()

	if len(fresh) == 0 {
		return 0, nil
	}
	if idx.store != nil {
		if _, err := idx.store.SavePricePoints(ctx, fresh); err != nil {
			return 0, fmt.Errorf("ошибка сохранения цен: %w", err)
		}
	}

	idx.mu.Lock()
	for _, p := range fresh {
		key := p.Minute()
		if len(idx.prices) == 0 || key < idx.first {
			idx.first = key
		}
		if len(idx.prices) == 0 || key > idx.last {
			idx.last = key
		}
		idx.prices[key] = p.Price
	}
	idx.mu.Unlock()
	return len(fresh), nil
}

// Lookup цена на момент t: точная минута либо ближайшая более ранняя в пределах окна
func (idx *Index) Lookup(t time.Time, rounding Rounding) (float64, error) {
	if rounding == Nearest {
		t = t.Add(30 * time.Second)
	}
	key := models.MinuteKey(t)

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.state != Loaded {
		return 0, ErrNotLoaded
	}
	if len(idx.prices) == 0 || key > idx.last {
		return 0, ErrUnavailable
	}
	for k := key; k >= key-idx.window; k-- {
		if p, ok := idx.prices[k]; ok {
			return p, nil
		}
	}
	return 0, ErrUnavailable
}

// Earliest первая минута индекса
func (idx *Index) Earliest() (time.Time, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if len(idx.prices) == 0 {
		return time.Time{}, false
	}
	return models.MinuteTime(idx.first), true
}

// Latest последняя минута индекса
func (idx *Index) Latest() (time.Time, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if len(idx.prices) == 0 {
		return time.Time{}, false
	}
	return models.MinuteTime(idx.last), true
}

// Len количество минут в индексе
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.prices)
}

// State текущее состояние
func (idx *Index) State() State {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.state
}
