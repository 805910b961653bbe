package predictor

import (
	"context"
	"errors"
	"time"

	"github.com/skalibog/mtabot/pkg/logger"
	"go.uber.org/zap"
)

// Pair пара символ/таймфрейм, по которой собираются данные
type Pair struct {
	Symbol    string
	Timeframe string
}

// Trainer периодически обучает модель, когда по всем парам собрано достаточно данных
type Trainer struct {
	model    *Linear
	pairs    []Pair
	interval time.Duration
}

// NewTrainer создает планировщик обучения
func NewTrainer(model *Linear, pairs []Pair, interval time.Duration) *Trainer {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Trainer{model: model, pairs: pairs, interval: interval}
}

// Run блокируется до отмены контекста
func (t *Trainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.TrainIfReady(ctx)
		}
	}
}

// TrainIfReady обучает модель, если у каждой пары достаточно точек
func (t *Trainer) TrainIfReady(ctx context.Context) bool {
	need := t.model.MinDataForTraining()
	for _, p := range t.pairs {
		if n := t.model.DataCount(p.Symbol, p.Timeframe); n < need {
			logger.Debug("Обучение отложено: мало данных",
				zap.String("symbol", p.Symbol),
				zap.String("timeframe", p.Timeframe),
				zap.Int("points", n),
				zap.Int("required", need))
			return false
		}
	}

	if err := t.model.Train(ctx); err != nil {
		if errors.Is(err, ErrInsufficientData) {
			logger.Warn("Обучение пропущено", zap.Error(err))
		} else {
			logger.Error("Ошибка обучения предсказателя", zap.Error(err))
		}
		return false
	}
	return true
}
