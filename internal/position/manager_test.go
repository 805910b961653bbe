package position

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/skalibog/mtabot/internal/analysis/strategy"
	"github.com/skalibog/mtabot/internal/config"
	"github.com/skalibog/mtabot/internal/predictor"
	"github.com/skalibog/mtabot/internal/storage"
	"github.com/skalibog/mtabot/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	tf  = strategy.Timeframes{Primary: "1m", Confirmation: "1h"}
	now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

type fakeSource struct {
	price      float64
	indicators map[string]models.Indicators
	onRead     func()
}

func (f *fakeSource) Indicators(_, timeframe string) models.Indicators {
	return f.indicators[timeframe]
}

func (f *fakeSource) LastPrice(string, string) float64 {
	if f.onRead != nil {
		f.onRead()
	}
	return f.price
}

func (f *fakeSource) Recent(string, string, int) []models.Candle {
	return []models.Candle{{OpenTime: 1, Close: f.price, Volume: 1}}
}

func (f *fakeSource) setEMA(v float64) {
	f.indicators["1h"] = models.Indicators{EMA: &v}
}

type mockExecutor struct {
	mock.Mock
}

func (m *mockExecutor) ClosePosition(ctx context.Context, pos models.Position) (Fill, error) {
	args := m.Called(ctx, pos)
	return args.Get(0).(Fill), args.Error(1)
}

type mockPredictor struct {
	mock.Mock
}

func (m *mockPredictor) IsReady() bool {
	return m.Called().Bool(0)
}

func (m *mockPredictor) Predict(symbol, timeframe string, candles []models.Candle) *predictor.Prediction {
	p, _ := m.Called(symbol, timeframe, candles).Get(0).(*predictor.Prediction)
	return p
}

func (m *mockPredictor) PredictExit(symbol, timeframe string, candles []models.Candle, pos models.Position) *predictor.ExitPrediction {
	p, _ := m.Called(symbol, timeframe, candles, pos).Get(0).(*predictor.ExitPrediction)
	return p
}

type recordingJournal struct {
	storage.NopJournal
	trades []models.Trade
}

func (j *recordingJournal) WriteTrade(t models.Trade) {
	j.trades = append(j.trades, t)
}

func f(v float64) *float64 { return &v }

func trendConfig(invalidation bool) *models.StrategyConfig {
	cfg := config.Defaults().Strategies.TrendFollowing
	cfg.UseInvalidationExit = invalidation
	return &cfg
}

func newTestManager(src *fakeSource, p predictor.Predictor, exec Executor, precedence Precedence) *Manager {
	return NewManager(NewBook(), src, p, exec, nil, Options{
		Timeframes: tf,
		Precedence: precedence,
		Now:        func() time.Time { return now },
	})
}

func longTrend(entry float64, cfg *models.StrategyConfig) models.Position {
	return models.Position{
		Symbol:         "BTCUSDT",
		Side:           models.SideLong,
		EntryPrice:     entry,
		Quantity:       1,
		Strategy:       models.TrendFollowing,
		StrategyConfig: cfg,
		OpenTime:       now.Add(-10 * time.Minute).UnixMilli(),
		MaxDurationMs:  time.Hour.Milliseconds(),
	}
}

func TestMaxDurationReached(t *testing.T) {
	src := &fakeSource{price: 100, indicators: map[string]models.Indicators{}}
	src.setEMA(90)
	m := newTestManager(src, nil, nil, PrecedenceLastWins)

	pos := longTrend(100, trendConfig(true))
	pos.OpenTime = now.Add(-61 * time.Minute).UnixMilli()
	require.NoError(t, m.Book().Open(pos))

	ev, err := m.Evaluate("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, models.ReasonMaxDuration, ev.Reason)
	assert.Equal(t, []models.CloseReason{models.ReasonMaxDuration}, ev.Triggered)
}

func TestTrailingStopHit(t *testing.T) {
	src := &fakeSource{price: 107, indicators: map[string]models.Indicators{}}
	src.setEMA(108)
	m := newTestManager(src, nil, nil, PrecedenceLastWins)

	pos := longTrend(100, trendConfig(false))
	pos.TrailingActive = true
	pos.TrailingStopPrice = f(108)
	require.NoError(t, m.Book().Open(pos))

	ev, err := m.Evaluate("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, models.ReasonTrailingStop, ev.Reason)
	require.NotNil(t, ev.TrailingStopPrice)
	assert.Equal(t, 108.0, *ev.TrailingStopPrice)
}

func TestPrecedence(t *testing.T) {
	tests := []struct {
		name       string
		precedence Precedence
		want       models.CloseReason
	}{
		{"last check wins", PrecedenceLastWins, models.ReasonInvalidation},
		{"first check wins", PrecedenceFirstWins, models.ReasonTrailingStop},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{price: 107, indicators: map[string]models.Indicators{}}
			src.setEMA(108)
			m := newTestManager(src, nil, nil, tt.precedence)

			pos := longTrend(100, trendConfig(true))
			pos.OpenTime = now.Add(-2 * time.Hour).UnixMilli()
			pos.TrailingActive = true
			pos.TrailingStopPrice = f(108)
			require.NoError(t, m.Book().Open(pos))

			ev, err := m.Evaluate("BTCUSDT")
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev.Reason)
			assert.Equal(t, []models.CloseReason{
				models.ReasonTrailingStop, models.ReasonMaxDuration, models.ReasonInvalidation,
			}, ev.Triggered)
		})
	}
}

func TestMaxDurationMasksTrailingStop(t *testing.T) {
	src := &fakeSource{price: 107, indicators: map[string]models.Indicators{}}
	src.setEMA(108)
	m := newTestManager(src, nil, nil, PrecedenceLastWins)

	pos := longTrend(100, trendConfig(false))
	pos.OpenTime = now.Add(-2 * time.Hour).UnixMilli()
	pos.TrailingActive = true
	pos.TrailingStopPrice = f(108)
	require.NoError(t, m.Book().Open(pos))

	ev, err := m.Evaluate("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, models.ReasonMaxDuration, ev.Reason)
}

func TestTrailingMonotonicLong(t *testing.T) {
	src := &fakeSource{price: 200, indicators: map[string]models.Indicators{}}
	m := newTestManager(src, nil, nil, PrecedenceLastWins)
	require.NoError(t, m.Book().Open(longTrend(100, trendConfig(false))))

	var stops []float64
	for _, ema := range []float64{100, 102, 101, 105, 104} {
		src.setEMA(ema)
		ev, err := m.Evaluate("BTCUSDT")
		require.NoError(t, err)
		assert.Equal(t, models.ReasonNone, ev.Reason)
		stops = append(stops, *ev.TrailingStopPrice)
	}
	assert.Equal(t, []float64{100, 102, 102, 105, 105}, stops)

	pos, _ := m.Book().Get("BTCUSDT")
	assert.True(t, pos.TrailingActive)
	assert.Equal(t, 105.0, *pos.TrailingStopPrice)
}

func TestTrailingMonotonicShort(t *testing.T) {
	src := &fakeSource{price: 50, indicators: map[string]models.Indicators{}}
	m := newTestManager(src, nil, nil, PrecedenceLastWins)

	pos := longTrend(100, trendConfig(false))
	pos.Side = models.SideShort
	require.NoError(t, m.Book().Open(pos))

	var stops []float64
	for _, ema := range []float64{110, 108, 109, 105, 106} {
		src.setEMA(ema)
		ev, err := m.Evaluate("BTCUSDT")
		require.NoError(t, err)
		stops = append(stops, *ev.TrailingStopPrice)
	}
	assert.Equal(t, []float64{110, 108, 108, 105, 105}, stops)

	src.price = 105
	ev, err := m.Evaluate("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, models.ReasonTrailingStop, ev.Reason)
}

func TestBreakoutTrailsOppositeBand(t *testing.T) {
	src := &fakeSource{price: 120, indicators: map[string]models.Indicators{
		"1m": {BB: &models.Bands{Upper: 125, Middle: 115, Lower: 105}},
	}}
	m := newTestManager(src, nil, nil, PrecedenceLastWins)
	cfg := config.Defaults().Strategies.Breakout
	require.NoError(t, m.Book().Open(models.Position{
		Symbol: "BTCUSDT", Side: models.SideLong, EntryPrice: 110, Quantity: 1,
		Strategy: models.Breakout, StrategyConfig: &cfg,
		OpenTime: now.UnixMilli(), MaxDurationMs: time.Hour.Milliseconds(),
	}))

	ev, err := m.Evaluate("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 105.0, *ev.TrailingStopPrice)
	assert.Equal(t, models.ReasonNone, ev.Reason)
}

func TestEvaluateStopsWhenPositionClosedConcurrently(t *testing.T) {
	src := &fakeSource{price: 120, indicators: map[string]models.Indicators{
		"1m": {BB: &models.Bands{Upper: 125, Middle: 115, Lower: 105}},
	}}
	m := newTestManager(src, nil, nil, PrecedenceLastWins)
	cfg := config.Defaults().Strategies.Breakout
	require.NoError(t, m.Book().Open(models.Position{
		Symbol: "BTCUSDT", Side: models.SideLong, EntryPrice: 110, Quantity: 1,
		Strategy: models.Breakout, StrategyConfig: &cfg,
		OpenTime: now.UnixMilli(), MaxDurationMs: time.Hour.Milliseconds(),
	}))
	// позиция закрыта после снимка, но до обновления трейлинга
	src.onRead = func() { m.Book().Remove("BTCUSDT") }

	ev, err := m.Evaluate("BTCUSDT")
	assert.ErrorIs(t, err, ErrNoPosition)
	assert.Equal(t, Evaluation{}, ev)
	assert.False(t, m.Book().Has("BTCUSDT"))
}

func TestAIExit(t *testing.T) {
	exitCfg := config.Defaults().AIModule.Exit
	pos := models.Position{
		Symbol: "BTCUSDT", Side: models.SideLong, EntryPrice: 100, Quantity: 1,
		Strategy: models.AIPrediction, StrategyConfig: &exitCfg,
		OpenTime: now.UnixMilli(), MaxDurationMs: time.Hour.Milliseconds(),
	}

	t.Run("predictor says close", func(t *testing.T) {
		src := &fakeSource{price: 103, indicators: map[string]models.Indicators{}}
		src.setEMA(200)
		p := &mockPredictor{}
		p.On("IsReady").Return(true)
		p.On("PredictExit", "BTCUSDT", "1m", mock.Anything, mock.Anything).
			Return(&predictor.ExitPrediction{Action: predictor.ActionClose, Reason: "AI_PROFIT_TAKE_OVERBOUGHT", Confidence: 90})

		m := newTestManager(src, p, nil, PrecedenceLastWins)
		require.NoError(t, m.Book().Open(pos))

		ev, err := m.Evaluate("BTCUSDT")
		require.NoError(t, err)
		assert.Equal(t, models.ReasonAIExit, ev.Reason)
		assert.Equal(t, "AI_PROFIT_TAKE_OVERBOUGHT", ev.AIReason)
		assert.Nil(t, ev.TrailingStopPrice, "у AI_Prediction нет опорного уровня")
	})

	t.Run("predictor not ready", func(t *testing.T) {
		src := &fakeSource{price: 103, indicators: map[string]models.Indicators{}}
		p := &mockPredictor{}
		p.On("IsReady").Return(false)

		m := newTestManager(src, p, nil, PrecedenceLastWins)
		require.NoError(t, m.Book().Open(pos))

		ev, err := m.Evaluate("BTCUSDT")
		require.NoError(t, err)
		assert.Equal(t, models.ReasonNone, ev.Reason)
		p.AssertNotCalled(t, "PredictExit", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestInvalidationRespectsConfig(t *testing.T) {
	src := &fakeSource{price: 95, indicators: map[string]models.Indicators{}}
	src.setEMA(100)

	m := newTestManager(src, nil, nil, PrecedenceLastWins)
	pos := longTrend(100, trendConfig(false))
	require.NoError(t, m.Book().Open(pos))

	// трейлинг активируется на 100, цена 95 ниже стопа
	ev, err := m.Evaluate("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, models.ReasonTrailingStop, ev.Reason)
	assert.NotContains(t, ev.Triggered, models.ReasonInvalidation)
}

func TestCloseFailureLeavesPositionOpen(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{price: 110, indicators: map[string]models.Indicators{}}
	exec := &mockExecutor{}
	exec.On("ClosePosition", ctx, mock.Anything).Return(Fill{}, errors.New("timeout"))

	m := newTestManager(src, nil, exec, PrecedenceLastWins)
	pos := longTrend(100, trendConfig(true))
	require.NoError(t, m.Book().Open(pos))

	trade, err := m.Close(ctx, "BTCUSDT", models.ReasonInvalidation)
	assert.Error(t, err)
	assert.Nil(t, trade)

	got, ok := m.Book().Get("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, pos, got)
}

func TestCloseRecordsTrade(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{price: 110, indicators: map[string]models.Indicators{}}
	exec := &mockExecutor{}
	journal := &recordingJournal{}
	m := NewManager(NewBook(), src, nil, exec, journal, Options{Timeframes: tf, Now: func() time.Time { return now }})

	t.Run("fill from execution feed", func(t *testing.T) {
		exec.On("ClosePosition", ctx, mock.MatchedBy(func(p models.Position) bool { return p.Symbol == "BTCUSDT" })).
			Return(Fill{Price: 112, Fee: 0.05}, nil).Once()

		pos := longTrend(100, trendConfig(true))
		pos.Quantity = 0.5
		pos.EntryFee = 0.02
		require.NoError(t, m.Book().Open(pos))

		trade, err := m.Close(ctx, "BTCUSDT", models.ReasonInvalidation)
		require.NoError(t, err)
		assert.Equal(t, 112.0, trade.ExitPrice)
		assert.InDelta(t, 5.93, trade.PnL, 1e-9)
		assert.False(t, m.Book().Has("BTCUSDT"))
	})

	t.Run("fallback to last price", func(t *testing.T) {
		exec.On("ClosePosition", ctx, mock.Anything).Return(Fill{}, nil).Once()

		pos := longTrend(100, trendConfig(true))
		pos.Side = models.SideShort
		require.NoError(t, m.Book().Open(pos))

		trade, err := m.Close(ctx, "BTCUSDT", models.ReasonMaxDuration)
		require.NoError(t, err)
		assert.Equal(t, 110.0, trade.ExitPrice)
		assert.Equal(t, 0.0, trade.ExitFee)
		assert.InDelta(t, -10, trade.PnL, 1e-9)
	})

	require.Len(t, journal.trades, 2)
	assert.Equal(t, models.ReasonMaxDuration, journal.trades[1].Reason)
	exec.AssertExpectations(t)
}

func TestManageWithoutReasonKeepsPosition(t *testing.T) {
	src := &fakeSource{price: 120, indicators: map[string]models.Indicators{}}
	src.setEMA(100)
	exec := &mockExecutor{}
	m := newTestManager(src, nil, exec, PrecedenceLastWins)
	require.NoError(t, m.Book().Open(longTrend(100, trendConfig(true))))

	trade, ev, err := m.Manage(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, trade)
	assert.Equal(t, 20.0, ev.PnLPercent)
	exec.AssertNotCalled(t, "ClosePosition", mock.Anything, mock.Anything)
}

func TestEvaluateWithoutPosition(t *testing.T) {
	m := newTestManager(&fakeSource{indicators: map[string]models.Indicators{}}, nil, nil, PrecedenceLastWins)
	_, err := m.Evaluate("ETHUSDT")
	assert.ErrorIs(t, err, ErrNoPosition)
}

func TestParsePrecedence(t *testing.T) {
	assert.Equal(t, PrecedenceFirstWins, ParsePrecedence("first"))
	assert.Equal(t, PrecedenceLastWins, ParsePrecedence("last"))
	assert.Equal(t, PrecedenceLastWins, ParsePrecedence(""))
}
