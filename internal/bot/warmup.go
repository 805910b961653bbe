package bot

import (
	"context"
	"errors"
	"sort"

	"github.com/skalibog/mtabot/internal/storage"
	"github.com/skalibog/mtabot/pkg/logger"
	"github.com/skalibog/mtabot/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Warmup загружает сохранённые и исторические свечи по всем символам и таймфреймам.
// Ошибка по одной паре не останавливает остальные
func (b *Bot) Warmup(ctx context.Context) {
	limit := b.cfg.Market.WarmupConcurrency
	if limit <= 0 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, symbol := range b.cfg.Trading.Symbols {
		for _, tf := range b.cfg.Trading.Timeframes {
			symbol, tf := symbol, tf
			g.Go(func() error {
				if err := b.warmupSeries(gctx, symbol, tf); err != nil {
					logger.Error("Ошибка загрузки истории",
						zap.String("symbol", symbol),
						zap.String("timeframe", tf),
						zap.Error(err))
				}
				return nil
			})
		}
	}
	_ = g.Wait()
	logger.Info("История загружена", zap.Int("series", len(b.store.Keys())))
}

func (b *Bot) warmupSeries(ctx context.Context, symbol, tf string) error {
	var saved []models.Candle
	if b.kv != nil {
		key := storage.SeriesKey(storage.CollectionRawCandles, symbol, tf)
		if err := b.kv.Load(ctx, key, &saved); err != nil && !errors.Is(err, storage.ErrNotFound) {
			logger.Warn("Сохранённые свечи не прочитаны", zap.String("key", key), zap.Error(err))
		}
	}

	fetched, err := b.ex.GetKlines(ctx, symbol, tf, b.cfg.Market.HistoryLimit)
	if err != nil && len(saved) == 0 {
		return err
	}
	if err != nil {
		logger.Warn("История с биржи недоступна, используются сохранённые свечи",
			zap.String("symbol", symbol), zap.String("timeframe", tf), zap.Error(err))
	}

	candles := mergeCandles(saved, fetched)
	res := b.store.Load(symbol, tf, candles)
	if b.collector != nil {
		b.collector.CollectHistory(symbol, tf, candles)
	}
	if b.kv != nil && len(fetched) > 0 {
		key := storage.SeriesKey(storage.CollectionRawCandles, symbol, tf)
		if err := b.kv.Save(ctx, key, b.store.Recent(symbol, tf, 0)); err != nil {
			logger.Warn("Свечи не сохранены", zap.String("key", key), zap.Error(err))
		}
	}

	logger.Debug("Серия загружена",
		zap.String("symbol", symbol),
		zap.String("timeframe", tf),
		zap.Int("saved", len(saved)),
		zap.Int("fetched", len(fetched)),
		zap.Bool("ready", res.Ready))
	return nil
}

// mergeCandles объединяет свечи по времени открытия. При совпадении остаётся
// свеча из первого набора
func mergeCandles(first, second []models.Candle) []models.Candle {
	seen := make(map[int64]struct{}, len(first)+len(second))
	out := make([]models.Candle, 0, len(first)+len(second))
	for _, set := range [][]models.Candle{first, second} {
		for _, c := range set {
			if _, ok := seen[c.OpenTime]; ok {
				continue
			}
			seen[c.OpenTime] = struct{}{}
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime < out[j].OpenTime })
	return out
}
