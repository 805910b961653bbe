package predictor

import (
	"math"

	"github.com/skalibog/mtabot/pkg/models"
)

// Feature признак модели
type Feature string

const (
	FeatureOpen         Feature = "open"
	FeatureHigh         Feature = "high"
	FeatureLow          Feature = "low"
	FeatureClose        Feature = "close"
	FeatureVolume       Feature = "volume"
	FeatureRSI          Feature = "rsi"
	FeatureEMA          Feature = "ema"
	FeatureBBUpper      Feature = "bb_upper"
	FeatureBBLower      Feature = "bb_lower"
	FeatureBBMiddle     Feature = "bb_middle"
	FeaturePriceChange  Feature = "price_change_1m"
	FeatureVolumeChange Feature = "volume_change_1m"
)

// Features порядок признаков модели
var Features = []Feature{
	FeatureOpen, FeatureHigh, FeatureLow, FeatureClose, FeatureVolume,
	FeatureRSI, FeatureEMA, FeatureBBUpper, FeatureBBLower, FeatureBBMiddle,
	FeaturePriceChange, FeatureVolumeChange,
}

// Range границы признака для min-max нормализации
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Normalize приводит значение к [0, 1] относительно границ.
// Вырожденный диапазон даёт 0
func (r Range) Normalize(v float64) float64 {
	if r.Max == r.Min {
		return 0
	}
	return (v - r.Min) / (r.Max - r.Min)
}

// Stats границы всех признаков одной пары символ/таймфрейм
type Stats map[Feature]Range

// DataPoint набор значений признаков на момент закрытия свечи.
// Отсутствующий признак не попадает в Values
type DataPoint struct {
	Timestamp int64               `json:"timestamp"`
	Close     float64             `json:"close"`
	Values    map[Feature]float64 `json:"values"`
}

// Get значение признака; ok=false, если признак отсутствует
func (d DataPoint) Get(f Feature) (float64, bool) {
	v, ok := d.Values[f]
	return v, ok
}

// NewDataPoint собирает точку из свечи, индикаторов и предыдущей свечи.
// Нечисловые значения и признаки без данных пропускаются
func NewDataPoint(c models.Candle, ind models.Indicators, prev *models.Candle) DataPoint {
	ts := c.CloseTime
	if ts == 0 {
		ts = c.OpenTime
	}
	dp := DataPoint{Timestamp: ts, Close: c.Close, Values: make(map[Feature]float64, len(Features))}

	set := func(f Feature, v float64) {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			dp.Values[f] = v
		}
	}
	setPtr := func(f Feature, v *float64) {
		if v != nil {
			set(f, *v)
		}
	}

	set(FeatureOpen, c.Open)
	set(FeatureHigh, c.High)
	set(FeatureLow, c.Low)
	set(FeatureClose, c.Close)
	set(FeatureVolume, c.Volume)
	setPtr(FeatureRSI, ind.RSI)
	setPtr(FeatureEMA, ind.EMA)
	if ind.BB != nil {
		set(FeatureBBUpper, ind.BB.Upper)
		set(FeatureBBLower, ind.BB.Lower)
		set(FeatureBBMiddle, ind.BB.Middle)
	}
	if prev != nil {
		if prev.Close != 0 {
			set(FeaturePriceChange, (c.Close-prev.Close)/prev.Close)
		}
		if prev.Volume != 0 {
			set(FeatureVolumeChange, (c.Volume-prev.Volume)/prev.Volume)
		}
	}
	return dp
}

// computeStats границы признаков по набору точек.
// Признак без единого значения получает диапазон [0, 1]
func computeStats(points []DataPoint) Stats {
	stats := make(Stats, len(Features))
	for _, f := range Features {
		r := Range{Min: math.Inf(1), Max: math.Inf(-1)}
		found := false
		for _, p := range points {
			if v, ok := p.Get(f); ok {
				found = true
				r.Min = math.Min(r.Min, v)
				r.Max = math.Max(r.Max, v)
			}
		}
		if !found {
			r = Range{Min: 0, Max: 1}
		}
		stats[f] = r
	}
	return stats
}

// vector нормализованные признаки точки. Отсутствующие признаки не входят
// в вектор и поэтому не влияют на оценку
func vector(p DataPoint, stats Stats) map[Feature]float64 {
	out := make(map[Feature]float64, len(p.Values))
	for _, f := range Features {
		v, ok := p.Get(f)
		if !ok {
			continue
		}
		r, ok := stats[f]
		if !ok {
			continue
		}
		out[f] = r.Normalize(v)
	}
	return out
}
