package market

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/skalibog/mtabot/pkg/logger"
	"github.com/skalibog/mtabot/pkg/models"
	"go.uber.org/zap"
)

// ErrMalformedEvent событие не прошло проверку и отброшено
var ErrMalformedEvent = errors.New("некорректное событие свечи")

// Event тик свечи из потока: частичный или финальный
type Event struct {
	Symbol    string
	Timeframe string
	Candle    models.Candle
}

// Reducer применяет события потока к хранилищу серий
// и уведомляет получателя о закрытых свечах готовых серий
type Reducer struct {
	store *Store
	sink  Sink
}

// NewReducer создает редьюсер
func NewReducer(store *Store, sink Sink) *Reducer {
	return &Reducer{store: store, sink: sink}
}

// Store хранилище, с которым работает редьюсер
func (r *Reducer) Store() *Store {
	return r.store
}

// OnEvent обрабатывает один тик. Некорректные события логируются и отбрасываются.
// Ошибка возвращается только если уведомление не доставлено из-за отмены контекста
func (r *Reducer) OnEvent(ctx context.Context, ev Event) error {
	if err := validate(ev); err != nil {
		logger.Warn("Отброшено некорректное событие свечи",
			zap.String("symbol", ev.Symbol),
			zap.String("timeframe", ev.Timeframe),
			zap.Error(err))
		return nil
	}

	if !ev.Candle.IsFinal {
		r.store.Series(ev.Symbol, ev.Timeframe).Tick(ev.Candle.Close)
		return nil
	}

	res := r.store.Append(ev.Symbol, ev.Timeframe, ev.Candle)
	if !res.Stored {
		logger.Debug("Повторная свеча пропущена",
			zap.String("symbol", ev.Symbol),
			zap.String("timeframe", ev.Timeframe),
			zap.Int64("open_time", ev.Candle.OpenTime))
		return nil
	}

	if res.BecameReady {
		logger.Info("Серия готова к анализу",
			zap.String("symbol", ev.Symbol),
			zap.String("timeframe", ev.Timeframe),
			zap.Int("candles", res.Length))
	}

	if !res.Ready {
		logger.Debug("Недостаточно истории, уведомление отложено",
			zap.String("symbol", ev.Symbol),
			zap.String("timeframe", ev.Timeframe),
			zap.Int("candles", res.Length),
			zap.Int("required", r.store.Required()))
		return nil
	}

	if r.sink == nil {
		return nil
	}
	if err := r.sink.Notify(ctx, Notification{
		Symbol:     ev.Symbol,
		Timeframe:  ev.Timeframe,
		Candle:     ev.Candle,
		Indicators: res.Indicators,
		LastPrice:  res.LastPrice,
	}); err != nil {
		return fmt.Errorf("уведомление %s %s не доставлено: %w", ev.Symbol, ev.Timeframe, err)
	}
	return nil
}

func validate(ev Event) error {
	if ev.Symbol == "" || ev.Timeframe == "" {
		return fmt.Errorf("%w: не указан символ или таймфрейм", ErrMalformedEvent)
	}
	c := ev.Candle
	if c.OpenTime <= 0 {
		return fmt.Errorf("%w: время открытия %d", ErrMalformedEvent, c.OpenTime)
	}
	for _, v := range []float64{c.Open, c.High, c.Low, c.Close, c.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("%w: недопустимое значение %v", ErrMalformedEvent, v)
		}
	}
	if c.Close == 0 {
		return fmt.Errorf("%w: нулевая цена закрытия", ErrMalformedEvent)
	}
	return nil
}
