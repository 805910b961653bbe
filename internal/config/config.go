package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/skalibog/mtabot/pkg/logger"
	"github.com/skalibog/mtabot/pkg/models"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// Config представляет полную конфигурацию приложения
type Config struct {
	Binance    BinanceConfig    `yaml:"binance"`
	Trading    TradingConfig    `yaml:"trading"`
	Strategies StrategiesConfig `yaml:"strategies"`
	AIModule   AIModuleConfig   `yaml:"ai_module"`
	Market     MarketConfig     `yaml:"market"`
	Position   PositionConfig   `yaml:"position"`
	Storage    StorageConfig    `yaml:"storage"`
	Log        LogConfig        `yaml:"log"`
	UI         UIConfig         `yaml:"ui"`
}

// BinanceConfig содержит настройки подключения к Binance
type BinanceConfig struct {
	APIKey            string  `yaml:"api_key"`
	APISecret         string  `yaml:"api_secret"`
	Testnet           bool    `yaml:"testnet"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// TradingConfig содержит настройки торговли.
// Первый таймфрейм основной (триггер), последний подтверждающий
type TradingConfig struct {
	Symbols               []string      `yaml:"symbols"`
	Timeframes            []string      `yaml:"timeframes"`
	Leverage              int           `yaml:"leverage"`
	MarginPercentPerTrade float64       `yaml:"margin_percent_per_trade"`
	QuoteAsset            string        `yaml:"quote_asset"`
	TakerFeePercent       float64       `yaml:"taker_fee_percent"`
	MinBalance            float64       `yaml:"min_balance"`
	BalanceCheckInterval  time.Duration `yaml:"balance_check_interval"`
}

// PrimaryTimeframe основной таймфрейм
func (t TradingConfig) PrimaryTimeframe() string {
	if len(t.Timeframes) == 0 {
		return ""
	}
	return t.Timeframes[0]
}

// ConfirmationTimeframe подтверждающий таймфрейм
func (t TradingConfig) ConfirmationTimeframe() string {
	if len(t.Timeframes) == 0 {
		return ""
	}
	return t.Timeframes[len(t.Timeframes)-1]
}

// StrategiesConfig параметры стратегий
type StrategiesConfig struct {
	TrendFollowing models.StrategyConfig `yaml:"trend_following"`
	MeanReversion  models.StrategyConfig `yaml:"mean_reversion"`
	Breakout       models.StrategyConfig `yaml:"breakout"`
}

// For возвращает параметры стратегии по идентификатору
func (s StrategiesConfig) For(strategy models.Strategy) (models.StrategyConfig, bool) {
	switch strategy {
	case models.TrendFollowing:
		return s.TrendFollowing, true
	case models.MeanReversion:
		return s.MeanReversion, true
	case models.Breakout:
		return s.Breakout, true
	default:
		return models.StrategyConfig{}, false
	}
}

// AIModuleConfig настройки предиктора
type AIModuleConfig struct {
	Enabled            bool                  `yaml:"enabled"`
	TrainingInterval   time.Duration         `yaml:"training_interval"`
	MinDataForTraining int                   `yaml:"min_data_for_training"`
	MaxDataPoints      int                   `yaml:"max_data_points"`
	LearningRate       float64               `yaml:"learning_rate"`
	Epochs             int                   `yaml:"epochs"`
	Exit               models.StrategyConfig `yaml:"exit"`
}

// MarketConfig настройки рыночных данных
type MarketConfig struct {
	MaxCandles         int    `yaml:"max_candles"`
	HistoryLimit       int    `yaml:"history_limit"`
	StreamChunkSize    int    `yaml:"stream_chunk_size"`
	WSBaseURL          string `yaml:"ws_base_url"`
	NotificationBuffer int    `yaml:"notification_buffer"`
	WarmupConcurrency  int    `yaml:"warmup_concurrency"`
}

// PositionConfig настройки управления позицией
type PositionConfig struct {
	// ClosePrecedence: "last" (последняя сработавшая проверка) или "first"
	ClosePrecedence string `yaml:"close_precedence"`
}

// StorageConfig настройки хранения данных
type StorageConfig struct {
	Type             string          `yaml:"type"` // firestore | sqlite | none
	ForcePrimaryOnly bool            `yaml:"force_primary_only"`
	FileDir          string          `yaml:"file_dir"`
	Firestore        FirestoreConfig `yaml:"firestore"`
	SQLite           SQLiteConfig    `yaml:"sqlite"`
	Influx           InfluxConfig    `yaml:"influx"`
}

// FirestoreConfig настройки Firestore
type FirestoreConfig struct {
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
	Collection      string `yaml:"collection"`
}

// SQLiteConfig настройки SQLite
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// InfluxConfig настройки журнала InfluxDB
type InfluxConfig struct {
	Enabled      bool   `yaml:"enabled"`
	URL          string `yaml:"url"`
	Token        string `yaml:"token"`
	Organization string `yaml:"organization"`
	Bucket       string `yaml:"bucket"`
}

// LogConfig настройки логирования
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	JSONFile   string `yaml:"json_file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Console    bool   `yaml:"console"`
}

// Options переводит настройки в параметры логгера
func (l LogConfig) Options() logger.Options {
	return logger.Options{
		Level:      l.Level,
		File:       l.File,
		JSONFile:   l.JSONFile,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
		Console:    l.Console,
	}
}

// UIConfig настройки пользовательского интерфейса
type UIConfig struct {
	Enabled     bool `yaml:"enabled"`
	RefreshRate int  `yaml:"refresh_rate_ms"`
}

// Defaults возвращает конфигурацию со значениями по умолчанию
func Defaults() Config {
	lo := logger.DefaultOptions()
	return Config{
		Binance: BinanceConfig{RequestsPerSecond: 10, Burst: 20},
		Trading: TradingConfig{
			Symbols:               []string{"BTCUSDT"},
			Timeframes:            []string{"1m", "15m", "1h"},
			Leverage:              1,
			MarginPercentPerTrade: 10,
			QuoteAsset:            "USDT",
			TakerFeePercent:       0.04,
			MinBalance:            10,
			BalanceCheckInterval:  5 * time.Minute,
		},
		Strategies: StrategiesConfig{
			TrendFollowing: models.StrategyConfig{
				Enabled: true, UseInvalidationExit: true,
				EMAPeriod: 200, RSIPeriod: 14, RSIOversold: 35, RSIOverbought: 65,
				BollingerPeriod: 20, BollingerStdDev: 2, VolumeSMAPeriod: 20,
				TakeProfitPercent: 5, StopLossPercent: 2.5, TrailingStopPercent: 0.5,
				MaxOperationDurationMinutes: 60,
			},
			MeanReversion: models.StrategyConfig{
				Enabled: true, UseInvalidationExit: true,
				EMAPeriod: 200, RSIPeriod: 14, RSIOversold: 30, RSIOverbought: 70,
				BollingerPeriod: 20, BollingerStdDev: 2, VolumeSMAPeriod: 20,
				TakeProfitPercent: 2, StopLossPercent: 1, TrailingStopPercent: 0.5,
				MaxOperationDurationMinutes: 30,
			},
			Breakout: models.StrategyConfig{
				Enabled:   true,
				EMAPeriod: 200, RSIPeriod: 14, RSIOversold: 30, RSIOverbought: 70,
				BollingerPeriod: 20, BollingerStdDev: 2, VolumeSMAPeriod: 20, MinVolumeSpike: 1.5,
				TakeProfitPercent: 3, StopLossPercent: 1.5, TrailingStopPercent: 0.5,
				MaxOperationDurationMinutes: 20,
			},
		},
		AIModule: AIModuleConfig{
			TrainingInterval:   time.Hour,
			MinDataForTraining: 200,
			MaxDataPoints:      10000,
			LearningRate:       0.001,
			Epochs:             10,
			Exit: models.StrategyConfig{
				Enabled: true, UseInvalidationExit: true,
				TakeProfitPercent: 2, StopLossPercent: 1,
				MaxOperationDurationMinutes: 60,
			},
		},
		Market: MarketConfig{
			MaxCandles:         500,
			HistoryLimit:       1130,
			StreamChunkSize:    900,
			WSBaseURL:          "wss://fstream.binance.com",
			NotificationBuffer: 256,
			WarmupConcurrency:  4,
		},
		Position: PositionConfig{ClosePrecedence: "last"},
		Storage: StorageConfig{
			Type:      "none",
			FileDir:   "data",
			Firestore: FirestoreConfig{Collection: "bot_data"},
			SQLite:    SQLiteConfig{Path: "data/bot.db"},
		},
		Log: LogConfig{
			Level:      lo.Level,
			File:       lo.File,
			JSONFile:   lo.JSONFile,
			MaxSizeMB:  lo.MaxSizeMB,
			MaxBackups: lo.MaxBackups,
			MaxAgeDays: lo.MaxAgeDays,
		},
		UI: UIConfig{RefreshRate: 1000},
	}
}

// Load загружает конфигурацию из файла
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла конфигурации: %w", err)
	}
	return Parse(data)
}

// Parse разбирает YAML поверх значений по умолчанию
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("ошибка разбора файла конфигурации: %w", err)
	}

	for i, s := range cfg.Trading.Symbols {
		cfg.Trading.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Debug("Загружена конфигурация", zap.Any("trading", cfg.Trading))
	return &cfg, nil
}

// Validate проверяет согласованность настроек
func (c *Config) Validate() error {
	var errs []error
	if len(c.Trading.Symbols) == 0 {
		errs = append(errs, errors.New("trading.symbols: не задан ни один символ"))
	}
	if len(c.Trading.Timeframes) == 0 {
		errs = append(errs, errors.New("trading.timeframes: не задан ни один таймфрейм"))
	}
	if c.Trading.Leverage <= 0 {
		errs = append(errs, fmt.Errorf("trading.leverage: недопустимое значение %d", c.Trading.Leverage))
	}
	if c.Trading.MarginPercentPerTrade <= 0 || c.Trading.MarginPercentPerTrade > 100 {
		errs = append(errs, fmt.Errorf("trading.margin_percent_per_trade: недопустимое значение %v", c.Trading.MarginPercentPerTrade))
	}

	for name, s := range map[string]models.StrategyConfig{
		"trend_following": c.Strategies.TrendFollowing,
		"mean_reversion":  c.Strategies.MeanReversion,
		"breakout":        c.Strategies.Breakout,
	} {
		if s.RSIPeriod <= 0 || s.EMAPeriod <= 0 || s.BollingerPeriod <= 0 || s.VolumeSMAPeriod <= 0 {
			errs = append(errs, fmt.Errorf("strategies.%s: периоды индикаторов должны быть положительными", name))
		}
	}

	switch c.Position.ClosePrecedence {
	case "last", "first":
	default:
		errs = append(errs, fmt.Errorf("position.close_precedence: неизвестная политика %q", c.Position.ClosePrecedence))
	}

	switch c.Storage.Type {
	case "firestore", "sqlite", "none", "":
	default:
		errs = append(errs, fmt.Errorf("storage.type: неизвестный тип %q", c.Storage.Type))
	}

	return errors.Join(errs...)
}
