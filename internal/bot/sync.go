package bot

import (
	"context"
	"math"

	"github.com/skalibog/mtabot/internal/exchange"
	"github.com/skalibog/mtabot/internal/position"
	"github.com/skalibog/mtabot/pkg/logger"
	"github.com/skalibog/mtabot/pkg/models"
	"go.uber.org/zap"
)

// SyncPositions сверяет сохранённые позиции с открытыми на бирже.
// Биржа источник истины: закрытые там позиции удаляются, неизвестные принимаются
// на сопровождение под AI_Prediction
func (b *Bot) SyncPositions(ctx context.Context) error {
	var saved []models.Position
	if b.kv != nil {
		var err error
		if saved, err = position.LoadPositions(ctx, b.kv); err != nil {
			logger.Warn("Сохранённые позиции не прочитаны", zap.Error(err))
		}
	}

	live, err := b.ex.GetOpenPositions(ctx)
	if err != nil {
		// без данных биржи доверяем сохранённому состоянию
		b.book.Replace(saved)
		return err
	}

	bySymbol := make(map[string]models.Position, len(saved))
	for _, p := range saved {
		bySymbol[p.Symbol] = p
	}

	merged := make([]models.Position, 0, len(live))
	for _, lp := range live {
		if p, ok := bySymbol[lp.Symbol]; ok && p.Side == lp.Side() {
			merged = append(merged, p)
			delete(bySymbol, lp.Symbol)
			continue
		}
		merged = append(merged, b.adopt(lp.Symbol, lp.Amount, lp.EntryPrice))
		delete(bySymbol, lp.Symbol)
	}
	for symbol := range bySymbol {
		logger.Info("Позиция закрыта на бирже во время простоя", zap.String("symbol", symbol))
	}

	b.book.Replace(merged)
	logger.Info("Позиции синхронизированы",
		zap.Int("saved", len(saved)),
		zap.Int("exchange", len(live)),
		zap.Int("open", b.book.Len()))
	return nil
}

// adopt позиция, открытая вне бота
func (b *Bot) adopt(symbol string, amount, entryPrice float64) models.Position {
	side := models.SideLong
	if amount < 0 {
		side = models.SideShort
	}
	logger.Warn("Позиция принята на сопровождение",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Float64("amount", amount),
		zap.Float64("entry", entryPrice))

	return position.New(models.Signal{
		Side:     side,
		Strategy: models.AIPrediction,
		Config:   b.cfg.AIModule.Exit,
	}, position.Entry{
		Symbol:   symbol,
		Price:    entryPrice,
		Quantity: math.Abs(amount),
		Time:     b.now(),
	})
}

// OnPositionUpdate обрабатывает изменение позиции из потока пользовательских данных
func (b *Bot) OnPositionUpdate(ctx context.Context, u exchange.PositionUpdate) {
	_, known := b.book.Get(u.Symbol)
	switch {
	case u.Amount == 0 && known:
		price, fee := b.lastFill(u.Symbol, 0)
		if _, err := b.manager.Settle(u.Symbol, models.ReasonExchange, position.Fill{Price: price, Fee: fee}); err != nil {
			logger.Warn("Закрытие на бирже не учтено", zap.String("symbol", u.Symbol), zap.Error(err))
			return
		}
	case u.Amount != 0 && !known:
		if err := b.book.Open(b.adopt(u.Symbol, u.Amount, u.EntryPrice)); err != nil {
			logger.Warn("Позиция не принята", zap.String("symbol", u.Symbol), zap.Error(err))
			return
		}
	default:
		return
	}
	b.afterPositionsChanged()
}
