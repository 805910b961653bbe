package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skalibog/mtabot/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
trading:
  symbols: [" btcusdt", "EthUsdt "]
  timeframes: ["1m", "1h"]
  leverage: 5
strategies:
  breakout:
    take_profit_percent: 4
storage:
  type: sqlite
`))
	require.NoError(t, err)

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Trading.Symbols)
	assert.Equal(t, "1m", cfg.Trading.PrimaryTimeframe())
	assert.Equal(t, "1h", cfg.Trading.ConfirmationTimeframe())
	assert.Equal(t, 5, cfg.Trading.Leverage)

	// незаданные поля остаются по умолчанию
	def := Defaults()
	assert.Equal(t, def.Trading.MarginPercentPerTrade, cfg.Trading.MarginPercentPerTrade)
	assert.Equal(t, def.Trading.QuoteAsset, cfg.Trading.QuoteAsset)
	assert.Equal(t, 5*time.Minute, cfg.Trading.BalanceCheckInterval)
	assert.Equal(t, 4.0, cfg.Strategies.Breakout.TakeProfitPercent)
	assert.Equal(t, def.Strategies.Breakout.StopLossPercent, cfg.Strategies.Breakout.StopLossPercent)
	assert.Equal(t, 200, cfg.Strategies.Breakout.EMAPeriod)
	assert.True(t, cfg.Strategies.Breakout.Enabled)
	assert.Equal(t, "last", cfg.Position.ClosePrecedence)
	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, "data/bot.db", cfg.Storage.SQLite.Path)
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "пустой список символов",
			yaml:    "trading:\n  symbols: []\n",
			wantErr: "trading.symbols",
		},
		{
			name:    "пустой список таймфреймов",
			yaml:    "trading:\n  timeframes: []\n",
			wantErr: "trading.timeframes",
		},
		{
			name:    "нулевое плечо",
			yaml:    "trading:\n  leverage: 0\n",
			wantErr: "trading.leverage",
		},
		{
			name:    "маржа больше 100 процентов",
			yaml:    "trading:\n  margin_percent_per_trade: 150\n",
			wantErr: "trading.margin_percent_per_trade",
		},
		{
			name:    "нулевой период RSI",
			yaml:    "strategies:\n  trend_following:\n    rsi_period: 0\n",
			wantErr: "strategies.trend_following",
		},
		{
			name:    "отрицательный период EMA",
			yaml:    "strategies:\n  breakout:\n    ema_period: -5\n",
			wantErr: "strategies.breakout",
		},
		{
			name:    "нулевой период объёма",
			yaml:    "strategies:\n  mean_reversion:\n    volume_sma_period: 0\n",
			wantErr: "strategies.mean_reversion",
		},
		{
			name:    "неизвестная политика закрытия",
			yaml:    "position:\n  close_precedence: random\n",
			wantErr: "position.close_precedence",
		},
		{
			name:    "неизвестное хранилище",
			yaml:    "storage:\n  type: redis\n",
			wantErr: "storage.type",
		},
		{
			name:    "некорректный YAML",
			yaml:    "trading: [",
			wantErr: "ошибка разбора",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Trading.Symbols = nil
	cfg.Storage.Type = "redis"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trading.symbols")
	assert.Contains(t, err.Error(), "storage.type")
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "1m", cfg.Trading.PrimaryTimeframe())
	assert.Equal(t, "1h", cfg.Trading.ConfirmationTimeframe())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("trading:\n  symbols: [solusdt]\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"SOLUSDT"}, cfg.Trading.Symbols)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestStrategiesFor(t *testing.T) {
	s := Defaults().Strategies
	cfg, ok := s.For(models.Breakout)
	require.True(t, ok)
	assert.Equal(t, 1.5, cfg.MinVolumeSpike)

	_, ok = s.For(models.AIPrediction)
	assert.False(t, ok)
}
