// Package bot связывает поток свечей, выбор входа, управление позициями
// и режим работы в один цикл обработки.
//
// Все изменения позиций выполняются в горутине Run: уведомления о свечах,
// изменения позиций на бирже и проверки баланса обрабатываются по одному.
package bot

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/skalibog/mtabot/internal/config"
	"github.com/skalibog/mtabot/internal/decision"
	"github.com/skalibog/mtabot/internal/exchange"
	"github.com/skalibog/mtabot/internal/market"
	"github.com/skalibog/mtabot/internal/mode"
	"github.com/skalibog/mtabot/internal/position"
	"github.com/skalibog/mtabot/internal/storage"
	"github.com/skalibog/mtabot/pkg/logger"
	"github.com/skalibog/mtabot/pkg/models"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// balanceRefresh минимальный интервал между запросами баланса по свечам
const balanceRefresh = 30 * time.Second

// Exchange рыночные и аккаунтные данные биржи
type Exchange interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
	GetBalance(ctx context.Context, asset string) (float64, error)
	GetOpenPositions(ctx context.Context) ([]exchange.ExchangePosition, error)
}

// Orders размещение ордеров
type Orders interface {
	position.Executor
	Quantity(symbol string, balance, marginPercent float64, leverage int, price float64) (decimal.Decimal, error)
	PricePrecision(symbol string) int
	PlaceMarketOrder(ctx context.Context, symbol string, side models.Side, qty decimal.Decimal) (exchange.OrderResult, error)
	PlaceStopOrder(ctx context.Context, symbol string, side models.Side, price decimal.Decimal) (int64, error)
	PlaceTakeProfitOrder(ctx context.Context, symbol string, side models.Side, price decimal.Decimal) (int64, error)
}

// Decider выбор сигнала на вход
type Decider interface {
	Decide(symbol, timeframe string) (*models.Signal, decision.Outcome)
}

// Subscriber переподписка потока свечей
type Subscriber interface {
	Resubscribe(symbols, timeframes []string)
}

// ExecutionSource последние исполнения по символам
type ExecutionSource interface {
	Latest(symbol string) (exchange.Execution, bool)
}

// Collector сбор данных для обучения предсказателя
type Collector interface {
	Collect(symbol, timeframe string, c models.Candle, ind models.Indicators, prev *models.Candle) bool
	CollectHistory(symbol, timeframe string, candles []models.Candle) int
}

// Deps зависимости бота. Необязательные поля могут быть nil
type Deps struct {
	Config   *config.Config
	Store    *market.Store
	Queue    *market.Queue
	Manager  *position.Manager
	Decider  Decider
	Mode     *mode.Controller
	Exchange Exchange
	Orders   Orders
	Stream   Subscriber
	Storage  storage.Store
	Journal  storage.Journal

	// BalanceChanged сигнал потока пользовательских данных об изменении баланса
	BalanceChanged <-chan struct{}
	Executions     ExecutionSource
	Positions      <-chan exchange.PositionUpdate
	Collector      Collector
	Now            func() time.Time
}

// Bot основной цикл торговли
type Bot struct {
	cfg     *config.Config
	store   *market.Store
	queue   *market.Queue
	manager *position.Manager
	book    *position.Book
	decider Decider
	mode    *mode.Controller
	ex      Exchange
	orders  Orders
	stream  Subscriber
	kv      storage.Store
	journal storage.Journal

	balanceChanged <-chan struct{}
	executions     ExecutionSource
	positions      <-chan exchange.PositionUpdate
	collector      Collector
	now            func() time.Time

	primary string

	mu            sync.Mutex
	lastBalanceAt time.Time
}

// New создает бота
func New(d Deps) *Bot {
	if d.Journal == nil {
		d.Journal = storage.NopJournal{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Bot{
		cfg:            d.Config,
		store:          d.Store,
		queue:          d.Queue,
		manager:        d.Manager,
		book:           d.Manager.Book(),
		decider:        d.Decider,
		mode:           d.Mode,
		ex:             d.Exchange,
		orders:         d.Orders,
		stream:         d.Stream,
		kv:             d.Storage,
		journal:        d.Journal,
		balanceChanged: d.BalanceChanged,
		executions:     d.Executions,
		positions:      d.Positions,
		collector:      d.Collector,
		now:            d.Now,
		primary:        d.Config.Trading.PrimaryTimeframe(),
	}
}

// Prepare загружает историю, синхронизирует позиции и определяет стартовый режим
func (b *Bot) Prepare(ctx context.Context) error {
	b.Warmup(ctx)
	if err := b.SyncPositions(ctx); err != nil {
		logger.Error("Ошибка синхронизации позиций", zap.Error(err))
	}
	if _, err := b.checkBalance(ctx, true); err != nil {
		return err
	}
	return nil
}

// Subscriptions символы для потока свечей в текущем режиме
func (b *Bot) Subscriptions() []string {
	return b.mode.Subscriptions(b.cfg.Trading.Symbols, b.book.Symbols())
}

// Run обрабатывает события до отмены контекста
func (b *Bot) Run(ctx context.Context) error {
	interval := b.cfg.Trading.BalanceCheckInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-b.queue.C():
			b.OnCandle(ctx, n)
		case u, ok := <-b.positions:
			if !ok {
				b.positions = nil
				continue
			}
			b.OnPositionUpdate(ctx, u)
		case _, ok := <-b.balanceChanged:
			if !ok {
				b.balanceChanged = nil
				continue
			}
			if _, err := b.checkBalance(ctx, true); err != nil {
				logger.Error("Ошибка проверки баланса", zap.Error(err))
			}
		case <-ticker.C:
			if _, err := b.checkBalance(ctx, true); err != nil {
				logger.Error("Ошибка проверки баланса", zap.Error(err))
			}
		}
	}
}

// OnCandle обрабатывает закрытую свечу готовой серии
func (b *Bot) OnCandle(ctx context.Context, n market.Notification) {
	b.journal.WriteCandle(n.Symbol, n.Timeframe, n.Candle)
	b.collect(n)

	if n.Timeframe != b.primary {
		return
	}
	if _, err := b.checkBalance(ctx, false); err != nil {
		logger.Warn("Баланс не обновлён", zap.Error(err))
	}

	if b.book.Has(n.Symbol) {
		b.manage(ctx, n.Symbol)
		return
	}
	if !b.mode.CanEnter() {
		return
	}

	sig, outcome := b.decider.Decide(n.Symbol, n.Timeframe)
	if sig == nil {
		logger.Debug("Нет сигнала на вход",
			zap.String("symbol", n.Symbol),
			zap.String("outcome", outcome.String()))
		return
	}
	if err := b.Open(ctx, n.Symbol, *sig); err != nil {
		logger.Error("Вход не выполнен",
			zap.String("symbol", n.Symbol),
			zap.String("strategy", string(sig.Strategy)),
			zap.Error(err))
	}
}

func (b *Bot) collect(n market.Notification) {
	if b.collector == nil {
		return
	}
	var prev *models.Candle
	if recent := b.store.Recent(n.Symbol, n.Timeframe, 2); len(recent) == 2 && recent[1].OpenTime == n.Candle.OpenTime {
		prev = &recent[0]
	}
	b.collector.Collect(n.Symbol, n.Timeframe, n.Candle, n.Indicators, prev)
}

func (b *Bot) manage(ctx context.Context, symbol string) {
	cycle := uuid.NewString()
	trade, ev, err := b.manager.Manage(ctx, symbol)
	switch {
	case err != nil && errors.Is(err, position.ErrClosing):
		return
	case err != nil:
		logger.Error("Ошибка управления позицией",
			zap.String("symbol", symbol),
			zap.String("cycle", cycle),
			zap.Error(err))
		return
	case trade != nil:
		logger.Info("Цикл управления завершился закрытием",
			zap.String("symbol", symbol),
			zap.String("cycle", cycle),
			zap.String("reason", string(trade.Reason)))
		b.afterPositionsChanged()
		return
	}

	if b.mode.Mode() == models.ModeManagementOnly {
		pos, _ := b.book.Get(symbol)
		logger.Info("Сопровождение позиции",
			zap.String("symbol", symbol),
			zap.String("side", string(pos.Side)),
			zap.Float64("quantity", pos.Quantity),
			zap.Float64("entry", pos.EntryPrice),
			zap.Float64("price", ev.Price),
			zap.Float64("pnl_percent", ev.PnLPercent))
	}
}

// afterPositionsChanged в режиме сопровождения поток следует за открытыми позициями
func (b *Bot) afterPositionsChanged() {
	if b.mode.Mode() == models.ModeManagementOnly {
		b.resubscribe()
	}
}

func (b *Bot) resubscribe() {
	if b.stream == nil {
		return
	}
	b.stream.Resubscribe(b.Subscriptions(), b.cfg.Trading.Timeframes)
}

// checkBalance запрашивает доступный баланс и пересчитывает режим.
// force игнорирует ограничение частоты запросов
func (b *Bot) checkBalance(ctx context.Context, force bool) (float64, error) {
	b.mu.Lock()
	due := force || b.now().Sub(b.lastBalanceAt) >= balanceRefresh
	if due {
		b.lastBalanceAt = b.now()
	}
	b.mu.Unlock()
	if !due {
		return b.mode.Balance(), nil
	}

	balance, err := b.ex.GetBalance(ctx, b.cfg.Trading.QuoteAsset)
	if err != nil {
		return 0, err
	}

	if _, changed := b.mode.Evaluate(balance); changed {
		b.resubscribe()
	}
	return balance, nil
}

// Shutdown сохраняет позиции, свечи и модель предсказателя
func (b *Bot) Shutdown(ctx context.Context) error {
	if b.kv == nil {
		return nil
	}
	err := b.book.Save(ctx, b.kv)
	for _, key := range b.store.Keys() {
		candles := b.store.Recent(key.Symbol, key.Timeframe, 0)
		err = multierr.Append(err, b.kv.Save(ctx, storage.SeriesKey(storage.CollectionRawCandles, key.Symbol, key.Timeframe), candles))
	}
	if saver, ok := b.collector.(interface{ Save(context.Context) error }); ok {
		err = multierr.Append(err, saver.Save(ctx))
	}

	if err != nil {
		logger.Error("Ошибка сохранения состояния", zap.Error(err))
	} else {
		logger.Info("Состояние сохранено", zap.Int("positions", b.book.Len()))
	}
	return err
}
