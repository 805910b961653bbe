// Package predictor описывает контракт предсказателя направления
// и содержит простую онлайн-обучаемую линейную модель.
package predictor

import (
	"github.com/skalibog/mtabot/pkg/models"
)

// Action решение предсказателя
type Action string

const (
	ActionLong  Action = "LONG"
	ActionShort Action = "SHORT"
	ActionHold  Action = "HOLD"
	ActionClose Action = "CLOSE"
)

// Side переводит LONG/SHORT в направление позиции
func (a Action) Side() models.Side {
	switch a {
	case ActionLong:
		return models.SideLong
	case ActionShort:
		return models.SideShort
	default:
		return models.SideNone
	}
}

// Prediction прогноз для входа. Confidence в диапазоне 0..100
type Prediction struct {
	Action     Action
	Confidence float64
}

// ExitPrediction прогноз для выхода из позиции
type ExitPrediction struct {
	Action     Action
	Reason     string
	Confidence float64
}

// Predictor контракт предсказателя. nil означает отсутствие прогноза
type Predictor interface {
	IsReady() bool
	Predict(symbol, timeframe string, candles []models.Candle) *Prediction
	PredictExit(symbol, timeframe string, candles []models.Candle, pos models.Position) *ExitPrediction
}

// Disabled предсказатель, который никогда не готов
type Disabled struct{}

func (Disabled) IsReady() bool { return false }

func (Disabled) Predict(string, string, []models.Candle) *Prediction { return nil }

func (Disabled) PredictExit(string, string, []models.Candle, models.Position) *ExitPrediction {
	return nil
}
