// Package strategy содержит правила входа, выхода по инвалидации
// и выбора опорного индикатора для трейлинг-стопа.
// Все функции чистые: состояние передаётся через Input.
package strategy

import (
	"math"

	"github.com/skalibog/mtabot/pkg/models"
)

// Input рыночное состояние символа на момент проверки
type Input struct {
	// Price последняя цена основного таймфрейма
	Price float64
	// Primary индикаторы основного таймфрейма
	Primary models.Indicators
	// Confirmation индикаторы подтверждающего таймфрейма
	Confirmation models.Indicators
	// Volume объём последней закрытой свечи основного таймфрейма
	Volume *float64
}

// TrendFollowing вход по тренду старшего таймфрейма на откате RSI
func TrendFollowing(in Input, cfg models.StrategyConfig) models.Side {
	rsi, ema := in.Primary.RSI, in.Confirmation.EMA
	if !present(rsi) || !present(ema) {
		return models.SideNone
	}
	if in.Price > *ema && *rsi < cfg.RSIOversold {
		return models.SideLong
	}
	if in.Price < *ema && *rsi > cfg.RSIOverbought {
		return models.SideShort
	}
	return models.SideNone
}

// MeanReversion вход на выходе цены за полосы Боллинджера с подтверждением RSI
func MeanReversion(in Input, cfg models.StrategyConfig) models.Side {
	bb, rsi := in.Primary.BB, in.Primary.RSI
	if !bandsPresent(bb) || !present(rsi) {
		return models.SideNone
	}
	if in.Price < bb.Lower && *rsi < cfg.RSIOversold {
		return models.SideLong
	}
	if in.Price > bb.Upper && *rsi > cfg.RSIOverbought {
		return models.SideShort
	}
	return models.SideNone
}

// Breakout пробой полосы Боллинджера на всплеске объёма
func Breakout(in Input, cfg models.StrategyConfig) models.Side {
	bb, sma := in.Primary.BB, in.Primary.SMAVolume
	if !bandsPresent(bb) || !present(sma) || !present(in.Volume) || *in.Volume == 0 {
		return models.SideNone
	}
	if *in.Volume <= *sma*cfg.MinVolumeSpike {
		return models.SideNone
	}
	if in.Price > bb.Upper {
		return models.SideLong
	}
	if in.Price < bb.Lower {
		return models.SideShort
	}
	return models.SideNone
}

// Evaluate проверяет стратегию по идентификатору
func Evaluate(s models.Strategy, in Input, cfg models.StrategyConfig) models.Side {
	switch s {
	case models.TrendFollowing:
		return TrendFollowing(in, cfg)
	case models.MeanReversion:
		return MeanReversion(in, cfg)
	case models.Breakout:
		return Breakout(in, cfg)
	default:
		return models.SideNone
	}
}

// TrailingReference опорный уровень трейлинг-стопа для стратегии.
// nil, если индикатор ещё не рассчитан
func TrailingReference(s models.Strategy, side models.Side, in Input) *float64 {
	var v *float64
	switch s {
	case models.TrendFollowing:
		v = in.Confirmation.EMA
	case models.MeanReversion:
		if in.Primary.BB != nil {
			v = &in.Primary.BB.Middle
		}
	case models.Breakout:
		if in.Primary.BB != nil {
			switch side {
			case models.SideLong:
				v = &in.Primary.BB.Lower
			case models.SideShort:
				v = &in.Primary.BB.Upper
			}
		}
	}
	if !present(v) {
		return nil
	}
	out := *v
	return &out
}

// Invalidated сообщает, что идея входа больше не актуальна
func Invalidated(s models.Strategy, side models.Side, in Input) bool {
	switch s {
	case models.TrendFollowing:
		ema := in.Confirmation.EMA
		if !present(ema) {
			return false
		}
		return (side == models.SideLong && in.Price < *ema) ||
			(side == models.SideShort && in.Price > *ema)
	case models.MeanReversion:
		// цена вернулась к средней линии
		bb := in.Primary.BB
		if !bandsPresent(bb) {
			return false
		}
		return (side == models.SideLong && in.Price > bb.Middle) ||
			(side == models.SideShort && in.Price < bb.Middle)
	case models.Breakout:
		// пробой не удержался
		bb := in.Primary.BB
		if !bandsPresent(bb) {
			return false
		}
		return (side == models.SideLong && in.Price < bb.Middle) ||
			(side == models.SideShort && in.Price > bb.Middle)
	default:
		return false
	}
}

func present(v *float64) bool {
	return v != nil && !math.IsNaN(*v) && !math.IsInf(*v, 0)
}

func bandsPresent(bb *models.Bands) bool {
	if bb == nil {
		return false
	}
	for _, v := range []float64{bb.Upper, bb.Middle, bb.Lower} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
