package technical

import (
	"math"

	"github.com/markcheno/go-talib"
	"github.com/skalibog/mtabot/internal/config"
	"github.com/skalibog/mtabot/pkg/models"
)

// Periods периоды индикаторов для одной серии свечей
type Periods struct {
	RSI             int
	EMA             int
	Bollinger       int
	BollingerStdDev float64
	VolumeSMA       int
}

// DefaultPeriods стандартные периоды
func DefaultPeriods() Periods {
	return Periods{RSI: 14, EMA: 200, Bollinger: 20, BollingerStdDev: 2, VolumeSMA: 20}
}

// PeriodsFromConfig берёт RSI и EMA из трендовой стратегии,
// полосы Боллинджера из стратегии возврата к среднему, SMA объёма из пробойной
func PeriodsFromConfig(cfg config.StrategiesConfig) Periods {
	p := Periods{
		RSI:             cfg.TrendFollowing.RSIPeriod,
		EMA:             cfg.TrendFollowing.EMAPeriod,
		Bollinger:       cfg.MeanReversion.BollingerPeriod,
		BollingerStdDev: cfg.MeanReversion.BollingerStdDev,
		VolumeSMA:       cfg.Breakout.VolumeSMAPeriod,
	}
	return p.withDefaults()
}

func (p Periods) withDefaults() Periods {
	d := DefaultPeriods()
	if p.RSI <= 0 {
		p.RSI = d.RSI
	}
	if p.EMA <= 0 {
		p.EMA = d.EMA
	}
	if p.Bollinger <= 0 {
		p.Bollinger = d.Bollinger
	}
	if p.BollingerStdDev <= 0 {
		p.BollingerStdDev = d.BollingerStdDev
	}
	if p.VolumeSMA <= 0 {
		p.VolumeSMA = d.VolumeSMA
	}
	return p
}

// Required минимальная длина истории, при которой считаются все индикаторы.
// RSI нужен на один элемент больше периода: он считается по разностям цен
func (p Periods) Required() int {
	return maxInt(p.RSI+1, p.EMA, p.Bollinger, p.VolumeSMA)
}

// Calculator рассчитывает индикаторы по окну свечей
type Calculator struct {
	periods Periods
}

// NewCalculator создает новый калькулятор индикаторов
func NewCalculator(p Periods) *Calculator {
	return &Calculator{periods: p.withDefaults()}
}

// Periods возвращает используемые периоды
func (c *Calculator) Periods() Periods {
	return c.periods
}

// Required минимальная длина истории для готовности серии
func (c *Calculator) Required() int {
	return c.periods.Required()
}

// Compute рассчитывает индикаторы по последнему значению окна.
// Индикатор остается nil, пока свечей меньше его периода
func (c *Calculator) Compute(candles []models.Candle) models.Indicators {
	var out models.Indicators
	if len(candles) == 0 {
		return out
	}

	closes := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, k := range candles {
		closes[i] = k.Close
		volumes[i] = k.Volume
	}

	if len(closes) >= c.periods.RSI+1 {
		out.RSI = last(talib.Rsi(closes, c.periods.RSI))
	}
	if len(closes) >= c.periods.EMA {
		out.EMA = last(talib.Ema(closes, c.periods.EMA))
	}
	if len(closes) >= c.periods.Bollinger {
		upper, middle, lower := talib.BBands(closes, c.periods.Bollinger,
			c.periods.BollingerStdDev, c.periods.BollingerStdDev, talib.SMA)
		u, m, l := last(upper), last(middle), last(lower)
		if u != nil && m != nil && l != nil {
			out.BB = &models.Bands{Upper: *u, Middle: *m, Lower: *l}
		}
	}
	if len(volumes) >= c.periods.VolumeSMA {
		out.SMAVolume = last(talib.Sma(volumes, c.periods.VolumeSMA))
	}

	return out
}

// ComputeSeries рассчитывает индикаторы для каждой свечи окна за один проход.
// Элемент i совпадает с Compute(candles[:i+1])
func (c *Calculator) ComputeSeries(candles []models.Candle) []models.Indicators {
	out := make([]models.Indicators, len(candles))
	if len(candles) == 0 {
		return out
	}

	closes := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, k := range candles {
		closes[i] = k.Close
		volumes[i] = k.Volume
	}

	var rsi, ema, upper, middle, lower, sma []float64
	if len(closes) >= c.periods.RSI+1 {
		rsi = talib.Rsi(closes, c.periods.RSI)
	}
	if len(closes) >= c.periods.EMA {
		ema = talib.Ema(closes, c.periods.EMA)
	}
	if len(closes) >= c.periods.Bollinger {
		upper, middle, lower = talib.BBands(closes, c.periods.Bollinger,
			c.periods.BollingerStdDev, c.periods.BollingerStdDev, talib.SMA)
	}
	if len(volumes) >= c.periods.VolumeSMA {
		sma = talib.Sma(volumes, c.periods.VolumeSMA)
	}

	for i := range candles {
		n := i + 1
		if rsi != nil && n >= c.periods.RSI+1 {
			out[i].RSI = last(rsi[:n])
		}
		if ema != nil && n >= c.periods.EMA {
			out[i].EMA = last(ema[:n])
		}
		if upper != nil && n >= c.periods.Bollinger {
			u, m, l := last(upper[:n]), last(middle[:n]), last(lower[:n])
			if u != nil && m != nil && l != nil {
				out[i].BB = &models.Bands{Upper: *u, Middle: *m, Lower: *l}
			}
		}
		if sma != nil && n >= c.periods.VolumeSMA {
			out[i].SMAVolume = last(sma[:n])
		}
	}
	return out
}

// last возвращает последнее конечное значение ряда
func last(series []float64) *float64 {
	if len(series) == 0 {
		return nil
	}
	v := series[len(series)-1]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func maxInt(values ...int) int {
	m := 0
	for _, v := range values {
		if v > m {
			m = v
		}
	}
	return m
}
