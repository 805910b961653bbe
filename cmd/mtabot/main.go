package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skalibog/mtabot/internal/analysis/strategy"
	"github.com/skalibog/mtabot/internal/analysis/technical"
	"github.com/skalibog/mtabot/internal/bot"
	"github.com/skalibog/mtabot/internal/config"
	"github.com/skalibog/mtabot/internal/decision"
	"github.com/skalibog/mtabot/internal/exchange"
	"github.com/skalibog/mtabot/internal/market"
	"github.com/skalibog/mtabot/internal/mode"
	"github.com/skalibog/mtabot/internal/position"
	"github.com/skalibog/mtabot/internal/predictor"
	"github.com/skalibog/mtabot/internal/storage"
	"github.com/skalibog/mtabot/internal/ui"
	"github.com/skalibog/mtabot/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "config.yaml", "путь к файлу конфигурации")
	flag.Parse()

	if _, err := os.Stat(*configPath); os.IsNotExist(err) {
		logger.Init(logger.DefaultOptions())
		logger.Fatal("Файл конфигурации не найден", zap.String("path", *configPath))
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Init(logger.DefaultOptions())
		logger.Fatal("Ошибка загрузки конфигурации", zap.Error(err))
	}

	// без UI логи идут в консоль
	opts := cfg.Log.Options()
	opts.Console = opts.Console || !cfg.UI.Enabled
	logger.Init(opts)
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cancel, cfg); err != nil {
		logger.Error("Бот остановлен с ошибкой", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("Бот остановлен")
}

func run(ctx context.Context, cancel context.CancelFunc, cfg *config.Config) error {
	kv, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer kv.Close()

	journal, err := storage.NewJournal(ctx, cfg.Storage.Influx)
	if err != nil {
		logger.Error("Журнал InfluxDB недоступен", zap.Error(err))
		journal = storage.NopJournal{}
	}
	defer journal.Close()

	client := exchange.NewBinanceClient(cfg.Binance)
	if err := client.LoadExchangeInfo(ctx, cfg.Trading.Symbols); err != nil {
		return err
	}
	for _, symbol := range cfg.Trading.Symbols {
		if err := client.SetupSymbol(ctx, symbol, cfg.Trading.Leverage); err != nil {
			logger.Error("Ошибка настройки символа", zap.String("symbol", symbol), zap.Error(err))
		}
	}

	timeframes := strategy.Timeframes{
		Primary:      cfg.Trading.PrimaryTimeframe(),
		Confirmation: cfg.Trading.ConfirmationTimeframe(),
	}
	store := market.NewStore(technical.NewCalculator(technical.PeriodsFromConfig(cfg.Strategies)), cfg.Market.MaxCandles)
	queue := market.NewQueue(cfg.Market.NotificationBuffer)
	reducer := market.NewReducer(store, queue)
	stream := exchange.NewKlineStream(cfg.Market.WSBaseURL, cfg.Market.StreamChunkSize, reducer)

	feed := exchange.NewExecutionFeed()
	userData := exchange.NewUserDataStream(client, feed, cfg.Trading.QuoteAsset, 0)
	orders := exchange.NewOrderService(client, feed, cfg.Trading.TakerFeePercent)

	var (
		pred      predictor.Predictor = predictor.Disabled{}
		collector bot.Collector
		trainer   *predictor.Trainer
	)
	if cfg.AIModule.Enabled {
		model := predictor.NewLinear(predictor.ConfigFrom(cfg.AIModule), kv)
		if err := model.Load(ctx); err != nil {
			logger.Error("Ошибка загрузки состояния предсказателя", zap.Error(err))
		}
		var pairs []predictor.Pair
		for _, symbol := range cfg.Trading.Symbols {
			pairs = append(pairs, predictor.Pair{Symbol: symbol, Timeframe: timeframes.Primary})
		}
		pred, collector = model, model
		trainer = predictor.NewTrainer(model, pairs, cfg.AIModule.TrainingInterval)
	}

	engine := decision.NewEngine(store, pred, cfg.Strategies, timeframes)
	manager := position.NewManager(position.NewBook(), store, pred, orders, journal, position.Options{
		Timeframes: timeframes,
		Precedence: position.ParsePrecedence(cfg.Position.ClosePrecedence),
	})

	b := bot.New(bot.Deps{
		Config:     cfg,
		Store:      store,
		Queue:      queue,
		Manager:    manager,
		Decider:    engine,
		Mode:       mode.NewController(cfg.Trading.MinBalance),
		Exchange:   client,
		Orders:     orders,
		Stream:     stream,
		Storage:    kv,
		Journal:    journal,
		Executions: feed,
		Positions:  userData.Positions(),
		Collector:  collector,

		BalanceChanged: userData.BalanceChanged(),
	})
	if err := b.Prepare(ctx); err != nil {
		return err
	}
	if trainer != nil {
		trainer.TrainIfReady(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	stream.Start(gctx, b.Subscriptions(), cfg.Trading.Timeframes)
	g.Go(func() error { return b.Run(gctx) })
	g.Go(func() error { return userData.Run(gctx) })
	if trainer != nil {
		g.Go(func() error { return trainer.Run(gctx) })
	}
	if cfg.UI.Enabled {
		g.Go(func() error {
			return ui.NewTermUI(cfg.UI, cfg.Log.JSONFile, b).Run(gctx, cancel)
		})
	}
	logger.Info("Бот запущен",
		zap.Strings("symbols", cfg.Trading.Symbols),
		zap.Strings("timeframes", cfg.Trading.Timeframes))

	err = g.Wait()
	stream.Stop()

	shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
	defer done()
	if serr := b.Shutdown(shutdownCtx); err == nil {
		err = serr
	}
	return err
}
