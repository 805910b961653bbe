// internal/storage/influxdb.go
package storage

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/skalibog/mtabot/internal/config"
	"github.com/skalibog/mtabot/pkg/logger"
	"github.com/skalibog/mtabot/pkg/models"
	"go.uber.org/zap"
)

// Journal журнал закрытых свечей и сделок
type Journal interface {
	WriteCandle(symbol, timeframe string, candle models.Candle)
	WriteTrade(trade models.Trade)
	Close()
}

// NopJournal журнал, который ничего не пишет
type NopJournal struct{}

func (NopJournal) WriteCandle(string, string, models.Candle) {}
func (NopJournal) WriteTrade(models.Trade)                   {}
func (NopJournal) Close()                                    {}

// InfluxJournal пишет точки в InfluxDB через неблокирующий WriteAPI
type InfluxJournal struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	org      string
	bucket   string
}

// NewJournal возвращает журнал InfluxDB либо пустой журнал, если он выключен
func NewJournal(ctx context.Context, cfg config.InfluxConfig) (Journal, error) {
	if !cfg.Enabled {
		return NopJournal{}, nil
	}
	return NewInfluxJournal(ctx, cfg)
}

// NewInfluxJournal создает журнал InfluxDB
func NewInfluxJournal(ctx context.Context, cfg config.InfluxConfig) (*InfluxJournal, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Проверка соединения
	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ошибка соединения с InfluxDB: %w", err)
	}
	if health == nil || health.Status != "pass" {
		client.Close()
		return nil, fmt.Errorf("InfluxDB не в состоянии 'pass': %+v", health)
	}

	writeAPI := client.WriteAPI(cfg.Organization, cfg.Bucket)

	// Ошибки асинхронной записи только логируются
	go func() {
		for err := range writeAPI.Errors() {
			logger.Warn("Ошибка записи в InfluxDB", zap.Error(err))
		}
	}()

	return &InfluxJournal{
		client:   client,
		writeAPI: writeAPI,
		org:      cfg.Organization,
		bucket:   cfg.Bucket,
	}, nil
}

// WriteCandle записывает закрытую свечу
func (j *InfluxJournal) WriteCandle(symbol, timeframe string, candle models.Candle) {
	point := influxdb2.NewPoint(
		"candles",
		map[string]string{
			"symbol":   symbol,
			"interval": timeframe,
		},
		map[string]interface{}{
			"open":   candle.Open,
			"high":   candle.High,
			"low":    candle.Low,
			"close":  candle.Close,
			"volume": candle.Volume,
		},
		time.UnixMilli(candle.OpenTime),
	)
	j.writeAPI.WritePoint(point)
}

// WriteTrade записывает закрытую сделку
func (j *InfluxJournal) WriteTrade(trade models.Trade) {
	point := influxdb2.NewPoint(
		"trades",
		map[string]string{
			"symbol":   trade.Symbol,
			"side":     string(trade.Side),
			"strategy": string(trade.Strategy),
			"reason":   string(trade.Reason),
		},
		map[string]interface{}{
			"entry_price": trade.EntryPrice,
			"exit_price":  trade.ExitPrice,
			"quantity":    trade.Quantity,
			"entry_fee":   trade.EntryFee,
			"exit_fee":    trade.ExitFee,
			"pnl":         trade.PnL,
			"duration_ms": trade.CloseTime - trade.OpenTime,
		},
		time.UnixMilli(trade.CloseTime),
	)
	j.writeAPI.WritePoint(point)
	j.writeAPI.Flush()
}

// Close сбрасывает буфер и закрывает соединение
func (j *InfluxJournal) Close() {
	j.writeAPI.Flush()
	j.client.Close()
}
