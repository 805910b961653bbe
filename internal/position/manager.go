package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/skalibog/mtabot/internal/analysis/strategy"
	"github.com/skalibog/mtabot/internal/predictor"
	"github.com/skalibog/mtabot/internal/storage"
	"github.com/skalibog/mtabot/pkg/logger"
	"github.com/skalibog/mtabot/pkg/models"
	"go.uber.org/zap"
)

// ErrClosing позиция уже закрывается
var ErrClosing = errors.New("позиция в процессе закрытия")

// Precedence правило выбора причины закрытия, если сработало несколько проверок
type Precedence string

const (
	// PrecedenceLastWins причину задаёт последняя сработавшая проверка
	PrecedenceLastWins Precedence = "last"
	// PrecedenceFirstWins причину задаёт первая сработавшая проверка
	PrecedenceFirstWins Precedence = "first"
)

// ParsePrecedence разбирает значение из конфигурации. Неизвестное значение даёт last
func ParsePrecedence(s string) Precedence {
	if Precedence(s) == PrecedenceFirstWins {
		return PrecedenceFirstWins
	}
	return PrecedenceLastWins
}

// Fill исполнение закрывающего ордера. Нулевая цена означает, что данных нет
type Fill struct {
	Price float64
	Fee   float64
}

// Executor закрывает позицию на бирже
type Executor interface {
	ClosePosition(ctx context.Context, pos models.Position) (Fill, error)
}

// Evaluation итог проверки позиции
type Evaluation struct {
	Reason models.CloseReason
	// Triggered все сработавшие проверки в порядке выполнения
	Triggered []models.CloseReason
	// AIReason пояснение предсказателя при выходе AI_EXIT_SIGNAL
	AIReason          string
	Price             float64
	TrailingStopPrice *float64
	PnLPercent        float64
}

// Options настройки менеджера
type Options struct {
	Timeframes strategy.Timeframes
	Precedence Precedence
	// Now источник времени, по умолчанию time.Now
	Now func() time.Time
}

// Manager управляет открытыми позициями
type Manager struct {
	book       *Book
	src        strategy.Source
	predictor  predictor.Predictor
	executor   Executor
	journal    storage.Journal
	timeframes strategy.Timeframes
	precedence Precedence
	now        func() time.Time

	mu      sync.Mutex
	closing map[string]struct{}
}

// NewManager создает менеджер позиций
func NewManager(book *Book, src strategy.Source, p predictor.Predictor, exec Executor, journal storage.Journal, opts Options) *Manager {
	if p == nil {
		p = predictor.Disabled{}
	}
	if journal == nil {
		journal = storage.NopJournal{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Precedence == "" {
		opts.Precedence = PrecedenceLastWins
	}
	return &Manager{
		book:       book,
		src:        src,
		predictor:  p,
		executor:   exec,
		journal:    journal,
		timeframes: opts.Timeframes,
		precedence: opts.Precedence,
		now:        opts.Now,
		closing:    make(map[string]struct{}),
	}
}

// Book книга позиций менеджера
func (m *Manager) Book() *Book {
	return m.book
}

// Evaluate выполняет все проверки позиции и обновляет трейлинг-стоп.
// Позиция не закрывается
func (m *Manager) Evaluate(symbol string) (Evaluation, error) {
	if m.isClosing(symbol) {
		return Evaluation{}, fmt.Errorf("%s: %w", symbol, ErrClosing)
	}
	pos, ok := m.book.Get(symbol)
	if !ok {
		return Evaluation{}, fmt.Errorf("%s: %w", symbol, ErrNoPosition)
	}

	in := strategy.Gather(m.src, symbol, m.timeframes)
	ev := Evaluation{Price: in.Price, PnLPercent: PnLPercent(pos, in.Price)}
	set := func(r models.CloseReason) {
		ev.Triggered = append(ev.Triggered, r)
		if m.precedence == PrecedenceFirstWins && ev.Reason != models.ReasonNone {
			return
		}
		ev.Reason = r
	}
	hasPrice := in.Price > 0

	// трейлинг-стоп
	if ref := strategy.TrailingReference(pos.Strategy, pos.Side, in); ref != nil {
		stop := trail(pos, *ref)
		if pos.TrailingStopPrice == nil || *pos.TrailingStopPrice != stop || !pos.TrailingActive {
			if err := m.book.Update(symbol, func(p *models.Position) {
				p.TrailingActive = true
				p.TrailingStopPrice = &stop
			}); err != nil {
				return Evaluation{}, err
			}
			logger.Debug("Трейлинг-стоп обновлён",
				zap.String("symbol", symbol),
				zap.String("side", string(pos.Side)),
				zap.Float64("stop", stop))
		}
		pos.TrailingActive = true
		pos.TrailingStopPrice = &stop
	}
	if pos.TrailingActive && pos.TrailingStopPrice != nil {
		stop := *pos.TrailingStopPrice
		ev.TrailingStopPrice = &stop
		if hasPrice && crossed(pos.Side, in.Price, stop) {
			set(models.ReasonTrailingStop)
		}
	}

	// лимит времени
	if pos.MaxDurationMs > 0 && m.now().UnixMilli()-pos.OpenTime >= pos.MaxDurationMs {
		set(models.ReasonMaxDuration)
	}

	useInvalidation := pos.StrategyConfig != nil && pos.StrategyConfig.UseInvalidationExit

	// выход по предсказателю
	if pos.Strategy == models.AIPrediction && useInvalidation && m.predictor.IsReady() {
		candles := m.src.Recent(symbol, m.timeframes.Primary, 0)
		if exit := m.predictor.PredictExit(symbol, m.timeframes.Primary, candles, pos); exit != nil && exit.Action == predictor.ActionClose {
			ev.AIReason = exit.Reason
			set(models.ReasonAIExit)
		}
	}

	// инвалидация идеи входа
	if pos.Strategy != models.AIPrediction && useInvalidation && hasPrice &&
		strategy.Invalidated(pos.Strategy, pos.Side, in) {
		set(models.ReasonInvalidation)
	}

	return ev, nil
}

// trail новый уровень стопа: активация по опорному уровню,
// затем сдвиг только в сторону позиции
func trail(pos models.Position, ref float64) float64 {
	if !pos.TrailingActive || pos.TrailingStopPrice == nil {
		return ref
	}
	cur := *pos.TrailingStopPrice
	switch pos.Side {
	case models.SideLong:
		if ref > cur {
			return ref
		}
	case models.SideShort:
		if ref < cur {
			return ref
		}
	}
	return cur
}

func crossed(side models.Side, price, stop float64) bool {
	switch side {
	case models.SideLong:
		return price <= stop
	case models.SideShort:
		return price >= stop
	default:
		return false
	}
}

// Manage проверяет позицию и закрывает её, если сработала одна из проверок.
// Возвращает сделку при закрытии
func (m *Manager) Manage(ctx context.Context, symbol string) (*models.Trade, Evaluation, error) {
	ev, err := m.Evaluate(symbol)
	if err != nil {
		return nil, ev, err
	}
	if ev.Reason == models.ReasonNone {
		pos, _ := m.book.Get(symbol)
		logger.Debug("Позиция под управлением",
			zap.String("symbol", symbol),
			zap.String("side", string(pos.Side)),
			zap.Float64("quantity", pos.Quantity),
			zap.Float64("entry", pos.EntryPrice),
			zap.Float64("price", ev.Price),
			zap.Float64("pnl_percent", ev.PnLPercent))
		return nil, ev, nil
	}

	logger.Info("Сработала проверка закрытия",
		zap.String("symbol", symbol),
		zap.String("reason", string(ev.Reason)),
		zap.Any("triggered", ev.Triggered),
		zap.String("ai_reason", ev.AIReason))

	trade, err := m.Close(ctx, symbol, ev.Reason)
	return trade, ev, err
}

// Close закрывает позицию ордером на бирже. При ошибке ордера позиция не меняется
func (m *Manager) Close(ctx context.Context, symbol string, reason models.CloseReason) (*models.Trade, error) {
	if !m.beginClosing(symbol) {
		return nil, fmt.Errorf("%s: %w", symbol, ErrClosing)
	}
	defer m.endClosing(symbol)

	pos, ok := m.book.Get(symbol)
	if !ok {
		return nil, fmt.Errorf("%s: %w", symbol, ErrNoPosition)
	}

	fill, err := m.executor.ClosePosition(ctx, pos)
	if err != nil {
		logger.Error("Ошибка закрытия позиции",
			zap.String("symbol", symbol),
			zap.String("reason", string(reason)),
			zap.Error(err))
		return nil, fmt.Errorf("закрытие позиции %s: %w", symbol, err)
	}
	return m.settle(pos, reason, fill), nil
}

// Settle фиксирует позицию, закрытую без участия менеджера (например, стоп на бирже)
func (m *Manager) Settle(symbol string, reason models.CloseReason, fill Fill) (*models.Trade, error) {
	if !m.beginClosing(symbol) {
		return nil, fmt.Errorf("%s: %w", symbol, ErrClosing)
	}
	defer m.endClosing(symbol)

	pos, ok := m.book.Get(symbol)
	if !ok {
		return nil, fmt.Errorf("%s: %w", symbol, ErrNoPosition)
	}
	return m.settle(pos, reason, fill), nil
}

func (m *Manager) settle(pos models.Position, reason models.CloseReason, fill Fill) *models.Trade {
	if fill.Price <= 0 {
		fill = Fill{Price: m.src.LastPrice(pos.Symbol, m.timeframes.Primary)}
	}
	m.book.Remove(pos.Symbol)

	trade := &models.Trade{
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Strategy:   pos.Strategy,
		Reason:     reason,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  fill.Price,
		Quantity:   pos.Quantity,
		EntryFee:   pos.EntryFee,
		ExitFee:    fill.Fee,
		PnL:        RealizedPnL(pos, fill),
		OpenTime:   pos.OpenTime,
		CloseTime:  m.now().UnixMilli(),
	}
	m.journal.WriteTrade(*trade)

	logger.Info("Позиция закрыта",
		zap.String("symbol", trade.Symbol),
		zap.String("side", string(trade.Side)),
		zap.String("strategy", string(trade.Strategy)),
		zap.String("reason", string(reason)),
		zap.Float64("entry", trade.EntryPrice),
		zap.Float64("exit", trade.ExitPrice),
		zap.Float64("pnl", trade.PnL))
	return trade
}

func (m *Manager) isClosing(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.closing[symbol]
	return ok
}

func (m *Manager) beginClosing(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.closing[symbol]; ok {
		return false
	}
	m.closing[symbol] = struct{}{}
	return true
}

func (m *Manager) endClosing(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.closing, symbol)
}

// RealizedPnL прибыль сделки за вычетом комиссий входа и выхода
func RealizedPnL(pos models.Position, fill Fill) float64 {
	entry := decimal.NewFromFloat(pos.EntryPrice)
	exit := decimal.NewFromFloat(fill.Price)
	diff := exit.Sub(entry)
	if pos.Side == models.SideShort {
		diff = entry.Sub(exit)
	}
	pnl := diff.Mul(decimal.NewFromFloat(pos.Quantity)).
		Sub(decimal.NewFromFloat(pos.EntryFee)).
		Sub(decimal.NewFromFloat(fill.Fee))
	f, _ := pnl.Float64()
	return f
}

// PnLPercent изменение цены относительно входа в пользу позиции, в процентах
func PnLPercent(pos models.Position, price float64) float64 {
	if pos.EntryPrice == 0 || price <= 0 {
		return 0
	}
	entry := decimal.NewFromFloat(pos.EntryPrice)
	pct := decimal.NewFromFloat(price).Sub(entry).Div(entry).Mul(decimal.NewFromInt(100))
	if pos.Side == models.SideShort {
		pct = pct.Neg()
	}
	f, _ := pct.Round(4).Float64()
	return f
}
