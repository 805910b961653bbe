package position

import (
	"time"

	"github.com/skalibog/mtabot/pkg/models"
)

// DefaultMaxDuration лимит времени позиции, если в стратегии он не задан
const DefaultMaxDuration = 60 * time.Minute

// Entry параметры исполненного входа
type Entry struct {
	Symbol   string
	Price    float64
	Quantity float64
	Fee      float64
	Time     time.Time
}

// New создает позицию по принятому сигналу со снимком настроек стратегии
func New(sig models.Signal, e Entry) models.Position {
	cfg := sig.Config
	return models.Position{
		Symbol:         e.Symbol,
		Side:           sig.Side,
		EntryPrice:     e.Price,
		Quantity:       e.Quantity,
		EntryFee:       e.Fee,
		Strategy:       sig.Strategy,
		StrategyConfig: &cfg,
		OpenTime:       e.Time.UnixMilli(),
		MaxDurationMs:  MaxDuration(cfg).Milliseconds(),
		AIConfirmed:    sig.AIConfirmed,
	}
}

// MaxDuration лимит времени позиции для стратегии
func MaxDuration(cfg models.StrategyConfig) time.Duration {
	if cfg.MaxOperationDurationMinutes <= 0 {
		return DefaultMaxDuration
	}
	return time.Duration(cfg.MaxOperationDurationMinutes) * time.Minute
}
