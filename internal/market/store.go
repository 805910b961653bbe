package market

import (
	"sort"
	"sync"

	"github.com/skalibog/mtabot/pkg/models"
)

// DefaultMaxCandles ограничение длины серии по умолчанию
const DefaultMaxCandles = 500

// Store хранилище серий по паре символ/таймфрейм.
// Владеет всеми сериями; изменять их можно только через методы Store и Reducer
type Store struct {
	mu       sync.RWMutex
	calc     Calculator
	capacity int
	series   map[Key]*Series
}

// NewStore создает хранилище. Длина окна не меньше требуемой для индикаторов
func NewStore(calc Calculator, maxCandles int) *Store {
	if maxCandles <= 0 {
		maxCandles = DefaultMaxCandles
	}
	capacity := maxCandles
	if r := calc.Required(); r > capacity {
		capacity = r
	}
	return &Store{
		calc:     calc,
		capacity: capacity,
		series:   make(map[Key]*Series),
	}
}

// Capacity максимальная длина серии
func (s *Store) Capacity() int {
	return s.capacity
}

// Required длина истории для готовности серии
func (s *Store) Required() int {
	return s.calc.Required()
}

// Series возвращает серию, создавая её при первом обращении
func (s *Store) Series(symbol, timeframe string) *Series {
	key := Key{Symbol: symbol, Timeframe: timeframe}

	s.mu.RLock()
	ser, ok := s.series[key]
	s.mu.RUnlock()
	if ok {
		return ser
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ser, ok = s.series[key]; ok {
		return ser
	}
	ser = newSeries(key, s.capacity, s.calc.Required())
	s.series[key] = ser
	return ser
}

// Lookup возвращает серию без создания
func (s *Store) Lookup(symbol, timeframe string) (*Series, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ser, ok := s.series[Key{Symbol: symbol, Timeframe: timeframe}]
	return ser, ok
}

// Append добавляет закрытую свечу в серию
func (s *Store) Append(symbol, timeframe string, c models.Candle) AppendResult {
	return s.Series(symbol, timeframe).append(c, s.calc)
}

// Load загружает исторические свечи пачкой
func (s *Store) Load(symbol, timeframe string, candles []models.Candle) AppendResult {
	return s.Series(symbol, timeframe).load(candles, s.calc)
}

// Keys возвращает отсортированный список серий
func (s *Store) Keys() []Key {
	s.mu.RLock()
	keys := make([]Key, 0, len(s.series))
	for k := range s.series {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Symbol != keys[j].Symbol {
			return keys[i].Symbol < keys[j].Symbol
		}
		return keys[i].Timeframe < keys[j].Timeframe
	})
	return keys
}

// Snapshot копия серии; ok=false, если серии нет
func (s *Store) Snapshot(symbol, timeframe string) (Snapshot, bool) {
	ser, ok := s.Lookup(symbol, timeframe)
	if !ok {
		return Snapshot{}, false
	}
	return ser.Snapshot(), true
}

// Indicators последние индикаторы серии
func (s *Store) Indicators(symbol, timeframe string) models.Indicators {
	if ser, ok := s.Lookup(symbol, timeframe); ok {
		return ser.Indicators()
	}
	return models.Indicators{}
}

// LastPrice последняя известная цена серии
func (s *Store) LastPrice(symbol, timeframe string) float64 {
	if ser, ok := s.Lookup(symbol, timeframe); ok {
		return ser.LastPrice()
	}
	return 0
}

// Recent последние n закрытых свечей серии
func (s *Store) Recent(symbol, timeframe string, n int) []models.Candle {
	if ser, ok := s.Lookup(symbol, timeframe); ok {
		return ser.Recent(n)
	}
	return nil
}
