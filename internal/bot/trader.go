package bot

import (
	"context"
	"errors"
	"fmt"

	"github.com/skalibog/mtabot/internal/exchange"
	"github.com/skalibog/mtabot/internal/position"
	"github.com/skalibog/mtabot/pkg/logger"
	"github.com/skalibog/mtabot/pkg/models"
	"go.uber.org/zap"
)

// Open открывает позицию по принятому сигналу. Если рыночный ордер не исполнен,
// позиция не записывается
func (b *Bot) Open(ctx context.Context, symbol string, sig models.Signal) error {
	if b.book.Has(symbol) {
		return position.ErrPositionOpen
	}
	price := b.store.LastPrice(symbol, b.primary)
	if price <= 0 {
		return fmt.Errorf("нет цены для %s", symbol)
	}

	qty, err := b.orders.Quantity(symbol, b.mode.Balance(), b.cfg.Trading.MarginPercentPerTrade, b.cfg.Trading.Leverage, price)
	if errors.Is(err, exchange.ErrNotionalTooSmall) || errors.Is(err, exchange.ErrZeroQuantity) {
		logger.Warn("Вход пропущен: недостаточный объём",
			zap.String("symbol", symbol),
			zap.Float64("balance", b.mode.Balance()),
			zap.Error(err))
		return nil
	}
	if err != nil {
		return err
	}

	res, err := b.orders.PlaceMarketOrder(ctx, symbol, sig.Side, qty)
	if err != nil {
		return err
	}

	entry := position.Entry{
		Symbol:   symbol,
		Price:    res.AvgPrice,
		Quantity: res.ExecutedQty,
		Fee:      res.Fee,
		Time:     b.now(),
	}
	if entry.Price <= 0 {
		entry.Price, entry.Fee = b.lastFill(symbol, price)
	}
	if entry.Quantity <= 0 {
		entry.Quantity = qty.InexactFloat64()
	}

	pos := position.New(sig, entry)
	b.protect(ctx, &pos)
	if err := b.book.Open(pos); err != nil {
		return err
	}

	logger.Info("Позиция открыта",
		zap.String("symbol", symbol),
		zap.String("side", string(pos.Side)),
		zap.String("strategy", string(pos.Strategy)),
		zap.Bool("ai_confirmed", pos.AIConfirmed),
		zap.Float64("entry", pos.EntryPrice),
		zap.Float64("quantity", pos.Quantity),
		zap.Float64("fee", pos.EntryFee))
	b.afterPositionsChanged()
	return nil
}

// lastFill цена и комиссия последнего исполнения по символу, иначе fallback без комиссии
func (b *Bot) lastFill(symbol string, fallback float64) (float64, float64) {
	if b.executions != nil {
		if e, ok := b.executions.Latest(symbol); ok && e.Price > 0 {
			return e.Price, e.Fee
		}
	}
	return fallback, 0
}

// protect выставляет стоп-лосс и тейк-профит. Ошибки только логируются:
// позиция сопровождается менеджером и без защитных ордеров
func (b *Bot) protect(ctx context.Context, pos *models.Position) {
	cfg := pos.StrategyConfig
	if cfg == nil {
		return
	}
	stop, take := exchange.ProtectivePrices(pos.Side, pos.EntryPrice,
		cfg.StopLossPercent, cfg.TakeProfitPercent, b.orders.PricePrecision(pos.Symbol))

	if cfg.StopLossPercent > 0 {
		id, err := b.orders.PlaceStopOrder(ctx, pos.Symbol, pos.Side, stop)
		if err != nil {
			logger.Error("Стоп-лосс не выставлен", zap.String("symbol", pos.Symbol), zap.Error(err))
		} else {
			pos.StopOrderID = id
		}
	}
	if cfg.TakeProfitPercent > 0 {
		id, err := b.orders.PlaceTakeProfitOrder(ctx, pos.Symbol, pos.Side, take)
		if err != nil {
			logger.Error("Тейк-профит не выставлен", zap.String("symbol", pos.Symbol), zap.Error(err))
		} else {
			pos.TakeOrderID = id
		}
	}
}
