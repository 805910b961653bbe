package strategy

import "github.com/skalibog/mtabot/pkg/models"

// Source рыночные данные, из которых собирается Input
type Source interface {
	Indicators(symbol, timeframe string) models.Indicators
	LastPrice(symbol, timeframe string) float64
	Recent(symbol, timeframe string, n int) []models.Candle
}

// Timeframes основной и подтверждающий таймфреймы
type Timeframes struct {
	Primary      string
	Confirmation string
}

// Gather собирает Input для символа. Цена всегда берётся с основного таймфрейма
func Gather(src Source, symbol string, tf Timeframes) Input {
	in := Input{
		Price:        src.LastPrice(symbol, tf.Primary),
		Primary:      src.Indicators(symbol, tf.Primary),
		Confirmation: src.Indicators(symbol, tf.Confirmation),
	}
	if last := src.Recent(symbol, tf.Primary, 1); len(last) == 1 {
		v := last[0].Volume
		in.Volume = &v
	}
	return in
}
