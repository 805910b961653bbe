// Package decision выбирает сигнал на вход: стратегии проверяются
// в фиксированном порядке, предсказатель может подтвердить или отменить сигнал.
package decision

import (
	"github.com/skalibog/mtabot/internal/analysis/strategy"
	"github.com/skalibog/mtabot/internal/config"
	"github.com/skalibog/mtabot/internal/predictor"
	"github.com/skalibog/mtabot/pkg/logger"
	"github.com/skalibog/mtabot/pkg/models"
	"go.uber.org/zap"
)

// Outcome итог цикла принятия решения
type Outcome int

const (
	// OutcomeNoSignal ни одна стратегия не дала сигнала
	OutcomeNoSignal Outcome = iota
	// OutcomeAccepted сигнал принят без подтверждения
	OutcomeAccepted
	// OutcomeConfirmed сигнал подтверждён предсказателем
	OutcomeConfirmed
	// OutcomeVetoed предсказатель против, цикл остановлен
	OutcomeVetoed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeVetoed:
		return "vetoed"
	default:
		return "no_signal"
	}
}

// Priority порядок проверки стратегий
var Priority = []models.Strategy{models.TrendFollowing, models.MeanReversion, models.Breakout}

// Engine движок выбора входа
type Engine struct {
	src        strategy.Source
	predictor  predictor.Predictor
	strategies config.StrategiesConfig
	timeframes strategy.Timeframes
}

// NewEngine создает движок. p может быть nil, если предсказатель выключен
func NewEngine(src strategy.Source, p predictor.Predictor, strategies config.StrategiesConfig, tf strategy.Timeframes) *Engine {
	if p == nil {
		p = predictor.Disabled{}
	}
	return &Engine{src: src, predictor: p, strategies: strategies, timeframes: tf}
}

// Decide возвращает принятый сигнал или nil.
// Вызывается только когда по символу нет открытой позиции
func (e *Engine) Decide(symbol, timeframe string) (*models.Signal, Outcome) {
	var ai *predictor.Prediction
	if e.predictor.IsReady() {
		ai = e.predictor.Predict(symbol, timeframe, e.src.Recent(symbol, timeframe, 0))
	}

	in := strategy.Gather(e.src, symbol, e.timeframes)
	for _, s := range Priority {
		cfg, _ := e.strategies.For(s)
		if !cfg.Enabled {
			continue
		}
		side := strategy.Evaluate(s, in, cfg)
		if side == models.SideNone {
			continue
		}

		log := logger.With(
			zap.String("symbol", symbol),
			zap.String("strategy", string(s)),
			zap.String("side", string(side)),
			zap.Float64("price", in.Price))

		if ai == nil || ai.Action == predictor.ActionHold {
			log.Info("Сигнал стратегии принят")
			return &models.Signal{Side: side, Strategy: s, Config: cfg}, OutcomeAccepted
		}
		if ai.Action.Side() == side {
			log.Info("Сигнал подтверждён предсказателем", zap.Float64("confidence", ai.Confidence))
			return &models.Signal{Side: side, Strategy: s, Config: cfg, AIConfirmed: true}, OutcomeConfirmed
		}

		log.Info("Сигнал отклонён предсказателем",
			zap.String("ai_action", string(ai.Action)),
			zap.Float64("confidence", ai.Confidence))
		return nil, OutcomeVetoed
	}
	return nil, OutcomeNoSignal
}
