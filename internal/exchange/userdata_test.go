package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/jpillora/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func accountUpdate(wallet string, positions ...futures.WsPosition) *futures.WsUserDataEvent {
	ev := &futures.WsUserDataEvent{Event: futures.UserDataEventTypeAccountUpdate}
	ev.AccountUpdate = futures.WsAccountUpdate{
		Reason: "ORDER",
		Balances: []futures.WsBalance{
			{Asset: "BNB", Balance: "3"},
			{Asset: "USDT", Balance: wallet, CrossWalletBalance: wallet},
		},
		Positions: positions,
	}
	return ev
}

func TestAccountUpdateSignalsBalanceChange(t *testing.T) {
	s := NewUserDataStream(nil, NewExecutionFeed(), "USDT", 4)
	ctx := context.Background()

	// кошелёк 100 не означает 100 доступных: сигнал не несёт суммы
	s.handle(ctx, accountUpdate("100"))
	s.handle(ctx, accountUpdate("101"))

	select {
	case <-s.BalanceChanged():
	default:
		t.Fatal("нет сигнала изменения баланса")
	}
	select {
	case <-s.BalanceChanged():
		t.Fatal("изменения подряд должны схлопываться")
	default:
	}
}

func TestAccountUpdateIgnoresOtherAssets(t *testing.T) {
	s := NewUserDataStream(nil, NewExecutionFeed(), "USDC", 4)
	s.handle(context.Background(), accountUpdate("100"))

	select {
	case <-s.BalanceChanged():
		t.Fatal("сигнал по чужому активу")
	default:
	}
}

func TestAccountUpdateForwardsPositions(t *testing.T) {
	s := NewUserDataStream(nil, NewExecutionFeed(), "USDT", 4)
	s.handle(context.Background(), accountUpdate("100",
		futures.WsPosition{Symbol: "BTCUSDT", Amount: "-0.5", EntryPrice: "100.5"}))

	select {
	case u := <-s.Positions():
		assert.Equal(t, PositionUpdate{Symbol: "BTCUSDT", Amount: -0.5, EntryPrice: 100.5}, u)
	default:
		t.Fatal("позиция не передана")
	}
}

func TestOrderTradeUpdateRecordsExecution(t *testing.T) {
	feed := NewExecutionFeed()
	s := NewUserDataStream(nil, feed, "USDT", 4)

	ev := &futures.WsUserDataEvent{Event: futures.UserDataEventTypeOrderTradeUpdate}
	ev.OrderTradeUpdate = futures.WsOrderTradeUpdate{
		Symbol:               "BTCUSDT",
		ID:                   7,
		Status:               futures.OrderStatusTypeFilled,
		AveragePrice:         "101.2",
		AccumulatedFilledQty: "0.3",
		Commission:           "0.01",
		TradeTime:            1000,
	}
	s.handle(context.Background(), ev)

	e, ok := feed.Latest("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, int64(7), e.OrderID)
	assert.Equal(t, 101.2, e.Price)
	assert.Equal(t, 0.3, e.Quantity)
	assert.Equal(t, 0.01, e.Fee)
}

func TestUserDataStreamResetsBackoffAfterConnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := NewUserDataStream(nil, NewExecutionFeed(), "USDT", 4)
	var b *backoff.Backoff
	s.backoff = func() *backoff.Backoff {
		b = &backoff.Backoff{Min: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2}
		return b
	}

	calls := 0
	attemptAfterConnect := -1.0
	s.dial = func(context.Context, futures.WsUserDataHandler, futures.ErrHandler) (string, chan struct{}, chan struct{}, error) {
		calls++
		switch {
		case calls <= 3:
			return "", nil, nil, errors.New("listen key недоступен")
		case calls == 4:
			doneC := make(chan struct{})
			close(doneC)
			return "key", doneC, make(chan struct{}), nil
		default:
			attemptAfterConnect = b.Attempt()
			cancel()
			return "", nil, nil, ctx.Err()
		}
	}

	require.NoError(t, s.Run(ctx))
	assert.Equal(t, 5, calls)
	// после успешного подключения отсчёт начался заново: одна задержка, а не четыре
	assert.Equal(t, 1.0, attemptAfterConnect)
	assert.False(t, s.feed.Connected())
}
