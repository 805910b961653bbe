package strategy

import (
	"math"
	"testing"

	"github.com/skalibog/mtabot/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f(v float64) *float64 { return &v }

var cfg = models.StrategyConfig{RSIOversold: 35, RSIOverbought: 65, MinVolumeSpike: 1.5}

func TestTrendFollowing(t *testing.T) {
	tests := []struct {
		name string
		in   Input
		want models.Side
	}{
		{"long above confirmation ema with oversold rsi",
			Input{Price: 105, Primary: models.Indicators{RSI: f(25)}, Confirmation: models.Indicators{EMA: f(100)}}, models.SideLong},
		{"short below confirmation ema with overbought rsi",
			Input{Price: 95, Primary: models.Indicators{RSI: f(70)}, Confirmation: models.Indicators{EMA: f(100)}}, models.SideShort},
		{"neutral rsi",
			Input{Price: 105, Primary: models.Indicators{RSI: f(50)}, Confirmation: models.Indicators{EMA: f(100)}}, models.SideNone},
		{"missing ema",
			Input{Price: 105, Primary: models.Indicators{RSI: f(25)}}, models.SideNone},
		{"missing rsi",
			Input{Price: 105, Confirmation: models.Indicators{EMA: f(100)}}, models.SideNone},
		{"nan rsi",
			Input{Price: 105, Primary: models.Indicators{RSI: f(math.NaN())}, Confirmation: models.Indicators{EMA: f(100)}}, models.SideNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TrendFollowing(tt.in, cfg))
		})
	}
}

func TestMeanReversion(t *testing.T) {
	bb := &models.Bands{Upper: 110, Middle: 100, Lower: 90}
	assert.Equal(t, models.SideLong, MeanReversion(Input{Price: 89, Primary: models.Indicators{BB: bb, RSI: f(20)}}, cfg))
	assert.Equal(t, models.SideShort, MeanReversion(Input{Price: 111, Primary: models.Indicators{BB: bb, RSI: f(80)}}, cfg))
	assert.Equal(t, models.SideNone, MeanReversion(Input{Price: 89, Primary: models.Indicators{BB: bb, RSI: f(50)}}, cfg))
	assert.Equal(t, models.SideNone, MeanReversion(Input{Price: 89, Primary: models.Indicators{RSI: f(20)}}, cfg))
}

func TestBreakout(t *testing.T) {
	ind := models.Indicators{BB: &models.Bands{Upper: 110, Middle: 100, Lower: 90}, SMAVolume: f(100)}
	assert.Equal(t, models.SideLong, Breakout(Input{Price: 111, Primary: ind, Volume: f(200)}, cfg))
	assert.Equal(t, models.SideShort, Breakout(Input{Price: 89, Primary: ind, Volume: f(200)}, cfg))
	assert.Equal(t, models.SideNone, Breakout(Input{Price: 111, Primary: ind, Volume: f(150)}, cfg), "объём должен превышать порог строго")
	assert.Equal(t, models.SideNone, Breakout(Input{Price: 111, Primary: ind}, cfg))
	assert.Equal(t, models.SideNone, Breakout(Input{Price: 100, Primary: ind, Volume: f(500)}, cfg))
}

func TestEvaluateUnknownStrategy(t *testing.T) {
	assert.Equal(t, models.SideNone, Evaluate(models.AIPrediction, Input{Price: 1}, cfg))
}

func TestTrailingReference(t *testing.T) {
	in := Input{
		Primary:      models.Indicators{BB: &models.Bands{Upper: 110, Middle: 100, Lower: 90}},
		Confirmation: models.Indicators{EMA: f(95)},
	}

	v := TrailingReference(models.TrendFollowing, models.SideLong, in)
	require.NotNil(t, v)
	assert.Equal(t, 95.0, *v)

	v = TrailingReference(models.MeanReversion, models.SideShort, in)
	require.NotNil(t, v)
	assert.Equal(t, 100.0, *v)

	v = TrailingReference(models.Breakout, models.SideLong, in)
	require.NotNil(t, v)
	assert.Equal(t, 90.0, *v)

	v = TrailingReference(models.Breakout, models.SideShort, in)
	require.NotNil(t, v)
	assert.Equal(t, 110.0, *v)

	assert.Nil(t, TrailingReference(models.AIPrediction, models.SideLong, in))
	assert.Nil(t, TrailingReference(models.TrendFollowing, models.SideLong, Input{}))
}

func TestInvalidated(t *testing.T) {
	bb := &models.Bands{Upper: 110, Middle: 100, Lower: 90}
	conf := models.Indicators{EMA: f(100)}

	assert.True(t, Invalidated(models.TrendFollowing, models.SideLong, Input{Price: 99, Confirmation: conf}))
	assert.False(t, Invalidated(models.TrendFollowing, models.SideLong, Input{Price: 101, Confirmation: conf}))
	assert.True(t, Invalidated(models.TrendFollowing, models.SideShort, Input{Price: 101, Confirmation: conf}))

	assert.True(t, Invalidated(models.MeanReversion, models.SideLong, Input{Price: 101, Primary: models.Indicators{BB: bb}}))
	assert.True(t, Invalidated(models.MeanReversion, models.SideShort, Input{Price: 99, Primary: models.Indicators{BB: bb}}))
	assert.False(t, Invalidated(models.MeanReversion, models.SideLong, Input{Price: 95, Primary: models.Indicators{BB: bb}}))

	assert.True(t, Invalidated(models.Breakout, models.SideLong, Input{Price: 99, Primary: models.Indicators{BB: bb}}))
	assert.False(t, Invalidated(models.Breakout, models.SideLong, Input{Price: 105, Primary: models.Indicators{BB: bb}}))

	assert.False(t, Invalidated(models.TrendFollowing, models.SideLong, Input{Price: 1}), "без индикатора инвалидации нет")
}
