// Package position ведёт открытые позиции и управляет их жизненным циклом:
// трейлинг-стоп, лимит времени, выход по предсказателю и инвалидация.
package position

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/skalibog/mtabot/internal/storage"
	"github.com/skalibog/mtabot/pkg/logger"
	"github.com/skalibog/mtabot/pkg/models"
	"go.uber.org/zap"
)

var (
	// ErrPositionOpen по символу уже есть открытая позиция
	ErrPositionOpen = errors.New("позиция уже открыта")
	// ErrNoPosition по символу нет открытой позиции
	ErrNoPosition = errors.New("нет открытой позиции")
)

// Book единственный владелец состояния позиций. Не больше одной позиции на символ
type Book struct {
	mu        sync.RWMutex
	positions map[string]*models.Position
}

// NewBook создает пустую книгу позиций
func NewBook() *Book {
	return &Book{positions: make(map[string]*models.Position)}
}

func clone(p *models.Position) models.Position {
	out := *p
	if p.StrategyConfig != nil {
		cfg := *p.StrategyConfig
		out.StrategyConfig = &cfg
	}
	if p.TrailingStopPrice != nil {
		v := *p.TrailingStopPrice
		out.TrailingStopPrice = &v
	}
	return out
}

// Get копия позиции по символу
func (b *Book) Get(symbol string) (models.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.positions[symbol]
	if !ok {
		return models.Position{}, false
	}
	return clone(p), true
}

// Has есть ли открытая позиция по символу
func (b *Book) Has(symbol string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.positions[symbol]
	return ok
}

// Open записывает новую позицию
func (b *Book) Open(pos models.Position) error {
	if err := validate(pos); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.positions[pos.Symbol]; ok {
		return fmt.Errorf("%s: %w", pos.Symbol, ErrPositionOpen)
	}
	p := clone(&pos)
	b.positions[pos.Symbol] = &p
	return nil
}

// validate открытая позиция должна иметь направление, объём и цену входа
func validate(pos models.Position) error {
	switch {
	case !pos.IsOpen():
		return fmt.Errorf("%s: позиция без направления", pos.Symbol)
	case pos.Quantity <= 0:
		return fmt.Errorf("%s: недопустимый объём %v", pos.Symbol, pos.Quantity)
	case pos.EntryPrice <= 0:
		return fmt.Errorf("%s: недопустимая цена входа %v", pos.Symbol, pos.EntryPrice)
	}
	return nil
}

// Update изменяет позицию под блокировкой книги
func (b *Book) Update(symbol string, fn func(p *models.Position)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[symbol]
	if !ok {
		return fmt.Errorf("%s: %w", symbol, ErrNoPosition)
	}
	fn(p)
	return nil
}

// Remove удаляет позицию и возвращает её последнее состояние
func (b *Book) Remove(symbol string) (models.Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[symbol]
	if !ok {
		return models.Position{}, false
	}
	delete(b.positions, symbol)
	return clone(p), true
}

// All копии всех позиций, отсортированные по символу
func (b *Book) All() []models.Position {
	b.mu.RLock()
	out := make([]models.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, clone(p))
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Symbols символы с открытыми позициями
func (b *Book) Symbols() []string {
	all := b.All()
	out := make([]string, len(all))
	for i, p := range all {
		out[i] = p.Symbol
	}
	return out
}

// Len число открытых позиций
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.positions)
}

// Replace заменяет содержимое книги, пропуская позиции без направления
func (b *Book) Replace(positions []models.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions = make(map[string]*models.Position, len(positions))
	for i := range positions {
		if err := validate(positions[i]); err != nil {
			logger.Warn("Позиция пропущена", zap.Error(err))
			continue
		}
		p := clone(&positions[i])
		b.positions[p.Symbol] = &p
	}
}

// Save сохраняет позиции под ключом positions
func (b *Book) Save(ctx context.Context, store storage.Store) error {
	snapshot := make(map[string]models.Position)
	for _, p := range b.All() {
		snapshot[p.Symbol] = p
	}
	return store.Save(ctx, storage.KeyPositions, snapshot)
}

// LoadPositions читает сохранённые позиции. Отсутствие данных не ошибка
func LoadPositions(ctx context.Context, store storage.Store) ([]models.Position, error) {
	var saved map[string]models.Position
	if err := store.Load(ctx, storage.KeyPositions, &saved); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	out := make([]models.Position, 0, len(saved))
	for symbol, p := range saved {
		if !p.IsOpen() {
			continue
		}
		p.Symbol = symbol
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}
