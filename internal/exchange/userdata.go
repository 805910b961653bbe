package exchange

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/jpillora/backoff"
	"github.com/skalibog/mtabot/pkg/logger"
	"go.uber.org/zap"
)

const (
	keepaliveInterval = 30 * time.Minute
	executionTTL      = time.Hour
)

// OrderUpdate событие ORDER_TRADE_UPDATE
type OrderUpdate struct {
	Symbol     string
	OrderID    int64
	Status     string
	AvgPrice   float64
	CumQty     float64
	Commission float64
	Time       time.Time
}

// Execution накопленное исполнение ордера
type Execution struct {
	Symbol   string
	OrderID  int64
	Price    float64
	Quantity float64
	Fee      float64
	Filled   bool
	Time     time.Time
}

// ExecutionFeed последние исполнения ордеров из потока пользовательских данных
type ExecutionFeed struct {
	mu        sync.Mutex
	connected bool
	orders    map[int64]*Execution
	latest    map[string]Execution
	changed   chan struct{}
}

// NewExecutionFeed создает пустую ленту исполнений
func NewExecutionFeed() *ExecutionFeed {
	return &ExecutionFeed{
		orders:  make(map[int64]*Execution),
		latest:  make(map[string]Execution),
		changed: make(chan struct{}),
	}
}

// SetConnected отмечает состояние потока
func (f *ExecutionFeed) SetConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = v
}

// Connected подключён ли поток
func (f *ExecutionFeed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Record учитывает событие ордера. Комиссия суммируется по частичным исполнениям
func (f *ExecutionFeed) Record(u OrderUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.orders[u.OrderID]
	if !ok {
		e = &Execution{Symbol: u.Symbol, OrderID: u.OrderID}
		f.orders[u.OrderID] = e
	}
	e.Fee += u.Commission
	e.Time = u.Time
	if u.AvgPrice > 0 {
		e.Price = u.AvgPrice
	}
	if u.CumQty > 0 {
		e.Quantity = u.CumQty
	}
	if u.Status == string(futures.OrderStatusTypeFilled) {
		e.Filled = true
		f.latest[u.Symbol] = *e
	}

	for id, old := range f.orders {
		if u.Time.Sub(old.Time) > executionTTL {
			delete(f.orders, id)
		}
	}

	close(f.changed)
	f.changed = make(chan struct{})
}

// Latest последнее полное исполнение по символу
func (f *ExecutionFeed) Latest(symbol string) (Execution, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.latest[symbol]
	return e, ok
}

// Wait ждёт полного исполнения ордера. orderID == 0 означает любой ордер символа после since
func (f *ExecutionFeed) Wait(ctx context.Context, symbol string, orderID int64, since time.Time) (Execution, bool) {
	for {
		f.mu.Lock()
		if e, ok := f.orders[orderID]; ok && e.Filled {
			f.mu.Unlock()
			return *e, true
		}
		if e, ok := f.latest[symbol]; ok && orderID == 0 && !e.Time.Before(since) {
			f.mu.Unlock()
			return e, true
		}
		changed := f.changed
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return Execution{}, false
		case <-changed:
		}
	}
}

// PositionUpdate позиция из ACCOUNT_UPDATE
type PositionUpdate struct {
	Symbol     string
	Amount     float64
	EntryPrice float64
}

// UserDataStream поток пользовательских данных: исполнения, изменения баланса и позиции.
// ACCOUNT_UPDATE несёт баланс кошелька с учётом занятой маржи, поэтому
// поток только сообщает об изменении, а доступный баланс запрашивается через REST
type UserDataStream struct {
	client         *BinanceClient
	feed           *ExecutionFeed
	quote          string
	positions      chan PositionUpdate
	balanceChanged chan struct{}
	dial           userStreamDialer
	backoff        func() *backoff.Backoff
}

// userStreamDialer получает listen key и открывает поток
type userStreamDialer func(ctx context.Context, handler futures.WsUserDataHandler, errHandler futures.ErrHandler) (key string, doneC, stopC chan struct{}, err error)

// NewUserDataStream создает поток. quote котируемый актив, изменения которого отслеживаются
func NewUserDataStream(client *BinanceClient, feed *ExecutionFeed, quote string, buffer int) *UserDataStream {
	if buffer <= 0 {
		buffer = 64
	}
	s := &UserDataStream{
		client:         client,
		feed:           feed,
		quote:          quote,
		positions:      make(chan PositionUpdate, buffer),
		balanceChanged: make(chan struct{}, 1),
		backoff: func() *backoff.Backoff {
			return &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 2}
		},
	}
	s.dial = s.connect
	return s
}

func (s *UserDataStream) connect(ctx context.Context, handler futures.WsUserDataHandler, errHandler futures.ErrHandler) (string, chan struct{}, chan struct{}, error) {
	key, err := s.client.StartUserStream(ctx)
	if err != nil {
		return "", nil, nil, err
	}
	doneC, stopC, err := futures.WsUserDataServe(key, handler, errHandler)
	if err != nil {
		return "", nil, nil, err
	}
	return key, doneC, stopC, nil
}

// Positions изменения позиций на бирже
func (s *UserDataStream) Positions() <-chan PositionUpdate {
	return s.positions
}

// BalanceChanged сигнал об изменении баланса котируемого актива.
// Несколько изменений подряд схлопываются в один сигнал
func (s *UserDataStream) BalanceChanged() <-chan struct{} {
	return s.balanceChanged
}

// Run держит подключение до отмены контекста, переподключаясь с backoff
func (s *UserDataStream) Run(ctx context.Context) error {
	b := s.backoff()
	for {
		err := s.serve(ctx, b)
		s.feed.SetConnected(false)
		if ctx.Err() != nil {
			return nil
		}

		d := b.Duration()
		logger.Warn("Поток пользовательских данных отключён, переподключение",
			zap.Duration("delay", d),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d):
		}
	}
}

func (s *UserDataStream) serve(ctx context.Context, b *backoff.Backoff) error {
	var (
		errMu   sync.Mutex
		lastErr error
	)
	handler := func(ev *futures.WsUserDataEvent) {
		s.handle(ctx, ev)
	}
	errHandler := func(err error) {
		errMu.Lock()
		lastErr = err
		errMu.Unlock()
	}

	key, doneC, stopC, err := s.dial(ctx, handler, errHandler)
	if err != nil {
		return err
	}
	// подключение установлено: следующий разрыв начинает задержки сначала
	b.Reset()
	s.feed.SetConnected(true)
	logger.Info("Поток пользовательских данных подключён")

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			close(stopC)
			<-doneC
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.client.CloseUserStream(closeCtx, key); err != nil {
				logger.Warn("Ошибка закрытия потока пользовательских данных", zap.Error(err))
			}
			cancel()
			return nil
		case <-doneC:
			errMu.Lock()
			defer errMu.Unlock()
			return lastErr
		case <-keepalive.C:
			if err := s.client.KeepaliveUserStream(ctx, key); err != nil {
				logger.Error("Ошибка продления listen key", zap.Error(err))
			}
		}
	}
}

func (s *UserDataStream) handle(ctx context.Context, ev *futures.WsUserDataEvent) {
	if ev == nil {
		return
	}
	switch ev.Event {
	case futures.UserDataEventTypeOrderTradeUpdate:
		o := ev.OrderTradeUpdate
		s.feed.Record(OrderUpdate{
			Symbol:     o.Symbol,
			OrderID:    o.ID,
			Status:     string(o.Status),
			AvgPrice:   parseOrZero(o.AveragePrice),
			CumQty:     parseOrZero(o.AccumulatedFilledQty),
			Commission: parseOrZero(o.Commission),
			Time:       time.UnixMilli(o.TradeTime),
		})

	case futures.UserDataEventTypeAccountUpdate:
		for _, b := range ev.AccountUpdate.Balances {
			if b.Asset != s.quote {
				continue
			}
			select {
			case s.balanceChanged <- struct{}{}:
			default:
			}
			break
		}
		for _, p := range ev.AccountUpdate.Positions {
			u := PositionUpdate{
				Symbol:     p.Symbol,
				Amount:     parseOrZero(p.Amount),
				EntryPrice: parseOrZero(p.EntryPrice),
			}
			select {
			case s.positions <- u:
			case <-ctx.Done():
				return
			}
		}
	}
}

func parseOrZero(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
