package market

import (
	"sort"
	"sync"

	"github.com/skalibog/mtabot/pkg/models"
)

// Key идентификатор серии
type Key struct {
	Symbol    string
	Timeframe string
}

func (k Key) String() string {
	return k.Symbol + "_" + k.Timeframe
}

// Calculator рассчитывает индикаторы по окну свечей
type Calculator interface {
	Compute(candles []models.Candle) models.Indicators
	Required() int
}

// Series упорядоченная по времени открытия, без дубликатов, ограниченная по длине
// последовательность закрытых свечей одной пары символ/таймфрейм.
// Все изменения выполняются под мьютексом серии
type Series struct {
	mu         sync.Mutex
	key        Key
	capacity   int
	required   int
	candles    []models.Candle
	seen       map[int64]struct{}
	indicators models.Indicators
	lastPrice  float64
	ready      bool
}

func newSeries(key Key, capacity, required int) *Series {
	return &Series{
		key:      key,
		capacity: capacity,
		required: required,
		seen:     make(map[int64]struct{}, capacity),
	}
}

// AppendResult итог добавления закрытой свечи
type AppendResult struct {
	Stored      bool
	Ready       bool
	BecameReady bool
	Indicators  models.Indicators
	LastPrice   float64
	Length      int
}

// Snapshot согласованная копия состояния серии
type Snapshot struct {
	Key        Key
	Candles    []models.Candle
	Indicators models.Indicators
	LastPrice  float64
	Ready      bool
}

// Tick обновляет только последнюю цену (незакрытая свеча)
func (s *Series) Tick(price float64) {
	s.mu.Lock()
	s.lastPrice = price
	s.mu.Unlock()
}

// append добавляет закрытую свечу и пересчитывает индикаторы.
// Дубликат по времени открытия и свеча старше окна при заполненном окне отклоняются
func (s *Series) append(c models.Candle, calc Calculator) AppendResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.seen[c.OpenTime]; dup {
		return s.resultLocked(false, false)
	}

	n := len(s.candles)
	if n >= s.capacity && n > 0 && c.OpenTime < s.candles[0].OpenTime {
		return s.resultLocked(false, false)
	}

	newest := n == 0 || c.OpenTime > s.candles[n-1].OpenTime
	if newest {
		s.candles = append(s.candles, c)
	} else {
		// запоздавшая свеча: вставка на своё место сохраняет порядок
		i := sort.Search(n, func(i int) bool { return s.candles[i].OpenTime > c.OpenTime })
		s.candles = append(s.candles, models.Candle{})
		copy(s.candles[i+1:], s.candles[i:])
		s.candles[i] = c
	}
	s.seen[c.OpenTime] = struct{}{}

	for len(s.candles) > s.capacity {
		delete(s.seen, s.candles[0].OpenTime)
		s.candles = s.candles[1:]
	}

	s.indicators = calc.Compute(s.candles)
	if newest {
		s.lastPrice = c.Close
	}

	became := s.checkReadyLocked()
	return s.resultLocked(true, became)
}

// load сливает исторические свечи с текущими: сортировка один раз,
// существующие свечи имеют приоритет, индикаторы считаются один раз
func (s *Series) load(history []models.Candle, calc Calculator) AppendResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := make([]models.Candle, 0, len(s.candles)+len(history))
	merged = append(merged, s.candles...)
	full := len(s.candles) >= s.capacity
	for _, c := range history {
		if _, dup := s.seen[c.OpenTime]; dup {
			continue
		}
		if full && c.OpenTime < s.candles[0].OpenTime {
			continue
		}
		s.seen[c.OpenTime] = struct{}{}
		merged = append(merged, c)
	}
	if len(merged) == len(s.candles) {
		return s.resultLocked(false, false)
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].OpenTime < merged[j].OpenTime })
	if len(merged) > s.capacity {
		for _, c := range merged[:len(merged)-s.capacity] {
			delete(s.seen, c.OpenTime)
		}
		merged = merged[len(merged)-s.capacity:]
	}
	s.candles = merged

	s.indicators = calc.Compute(s.candles)
	if s.lastPrice == 0 && len(s.candles) > 0 {
		s.lastPrice = s.candles[len(s.candles)-1].Close
	}

	became := s.checkReadyLocked()
	return s.resultLocked(true, became)
}

// checkReadyLocked переводит серию в готовое состояние. Переход необратим
func (s *Series) checkReadyLocked() bool {
	if s.ready {
		return false
	}
	if len(s.candles) >= s.required {
		s.ready = true
		return true
	}
	return false
}

func (s *Series) resultLocked(stored, became bool) AppendResult {
	return AppendResult{
		Stored:      stored,
		Ready:       s.ready,
		BecameReady: became,
		Indicators:  s.indicators,
		LastPrice:   s.lastPrice,
		Length:      len(s.candles),
	}
}

// Snapshot возвращает копию состояния
func (s *Series) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	candles := make([]models.Candle, len(s.candles))
	copy(candles, s.candles)
	return Snapshot{
		Key:        s.key,
		Candles:    candles,
		Indicators: s.indicators,
		LastPrice:  s.lastPrice,
		Ready:      s.ready,
	}
}

// Recent возвращает копию последних n свечей
func (s *Series) Recent(n int) []models.Candle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.candles) {
		n = len(s.candles)
	}
	out := make([]models.Candle, n)
	copy(out, s.candles[len(s.candles)-n:])
	return out
}

func (s *Series) Indicators() models.Indicators {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indicators
}

func (s *Series) LastPrice() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPrice
}

func (s *Series) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Series) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.candles)
}

// Required длина истории, необходимая для готовности
func (s *Series) Required() int {
	return s.required
}
