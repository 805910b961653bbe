package bot

import (
	"github.com/skalibog/mtabot/internal/position"
	"github.com/skalibog/mtabot/pkg/models"
)

// PositionStatus открытая позиция с текущей ценой
type PositionStatus struct {
	models.Position
	Price      float64
	PnLPercent float64
}

// SeriesStatus заполненность серии свечей
type SeriesStatus struct {
	Symbol    string
	Timeframe string
	Length    int
	Required  int
	Ready     bool
	LastPrice float64
}

// Status снимок состояния для интерфейса
type Status struct {
	Mode      models.Mode
	Balance   float64
	Positions []PositionStatus
	Series    []SeriesStatus
	Pending   int
}

// Status текущее состояние бота. Безопасен для вызова из других горутин
func (b *Bot) Status() Status {
	st := Status{
		Mode:    b.mode.Mode(),
		Balance: b.mode.Balance(),
		Pending: b.queue.Len(),
	}
	for _, p := range b.book.All() {
		price := b.store.LastPrice(p.Symbol, b.primary)
		ps := PositionStatus{Position: p, Price: price}
		if price > 0 {
			ps.PnLPercent = position.PnLPercent(p, price)
		}
		st.Positions = append(st.Positions, ps)
	}
	for _, key := range b.store.Keys() {
		snap, ok := b.store.Snapshot(key.Symbol, key.Timeframe)
		if !ok {
			continue
		}
		st.Series = append(st.Series, SeriesStatus{
			Symbol:    key.Symbol,
			Timeframe: key.Timeframe,
			Length:    len(snap.Candles),
			Required:  b.store.Required(),
			Ready:     snap.Ready,
			LastPrice: snap.LastPrice,
		})
	}
	return st
}
