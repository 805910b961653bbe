package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/skalibog/mtabot/internal/config"
	"github.com/skalibog/mtabot/pkg/logger"
	"github.com/skalibog/mtabot/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// codeNoNeedToChangeMargin тип маржи уже установлен
const codeNoNeedToChangeMargin = -4046

// SymbolInfo точность количества и цены символа
type SymbolInfo struct {
	Symbol            string
	QuantityPrecision int
	PricePrecision    int
}

// ExchangePosition позиция по данным биржи
type ExchangePosition struct {
	Symbol     string
	Amount     float64
	EntryPrice float64
}

// Side направление позиции по знаку количества
func (p ExchangePosition) Side() models.Side {
	switch {
	case p.Amount > 0:
		return models.SideLong
	case p.Amount < 0:
		return models.SideShort
	default:
		return models.SideNone
	}
}

// BinanceClient клиент фьючерсного API Binance с ограничением частоты запросов
type BinanceClient struct {
	futures *futures.Client
	limiter *rate.Limiter

	mu      sync.RWMutex
	symbols map[string]SymbolInfo
}

// NewBinanceClient создает новый клиент Binance
func NewBinanceClient(cfg config.BinanceConfig) *BinanceClient {
	futures.UseTestnet = cfg.Testnet
	client := futures.NewClient(cfg.APIKey, cfg.APISecret)

	rps, burst := cfg.RequestsPerSecond, cfg.Burst
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 1
	}
	return &BinanceClient{
		futures: client,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		symbols: make(map[string]SymbolInfo),
	}
}

func (c *BinanceClient) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("ожидание лимита запросов: %w", err)
	}
	return nil
}

// GetKlines получает исторические закрытые свечи
func (c *BinanceClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	klines, err := c.futures.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения свечей %s %s: %w", symbol, interval, err)
	}

	now := time.Now().UnixMilli()
	candles := make([]models.Candle, 0, len(klines))
	for _, k := range klines {
		if k == nil || k.CloseTime > now {
			continue
		}
		candle, err := candleFromStrings(k.OpenTime, k.CloseTime, k.Open, k.High, k.Low, k.Close, k.Volume)
		if err != nil {
			logger.Warn("Пропущена некорректная свеча",
				zap.String("symbol", symbol),
				zap.String("timeframe", interval),
				zap.Error(err))
			continue
		}
		candle.IsFinal = true
		candles = append(candles, candle)
	}
	return candles, nil
}

func candleFromStrings(openTime, closeTime int64, open, high, low, cls, volume string) (models.Candle, error) {
	values := make([]float64, 5)
	for i, s := range []string{open, high, low, cls, volume} {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return models.Candle{}, fmt.Errorf("некорректное число %q: %w", s, err)
		}
		values[i] = v
	}
	return models.Candle{
		OpenTime:  openTime,
		CloseTime: closeTime,
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
	}, nil
}

// GetBalance доступный баланс актива
func (c *BinanceClient) GetBalance(ctx context.Context, asset string) (float64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	balances, err := c.futures.NewGetBalanceService().Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("ошибка получения баланса: %w", err)
	}
	for _, b := range balances {
		if b.Asset != asset {
			continue
		}
		v, err := strconv.ParseFloat(b.AvailableBalance, 64)
		if err != nil {
			return 0, fmt.Errorf("некорректный баланс %s: %w", asset, err)
		}
		return v, nil
	}
	return 0, nil
}

// GetOpenPositions открытые позиции аккаунта
func (c *BinanceClient) GetOpenPositions(ctx context.Context) ([]ExchangePosition, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	risks, err := c.futures.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения позиций: %w", err)
	}

	var out []ExchangePosition
	for _, r := range risks {
		amt, err := strconv.ParseFloat(r.PositionAmt, 64)
		if err != nil || amt == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(r.EntryPrice, 64)
		out = append(out, ExchangePosition{Symbol: r.Symbol, Amount: amt, EntryPrice: entry})
	}
	return out, nil
}

// LoadExchangeInfo загружает точность количества и цены для символов
func (c *BinanceClient) LoadExchangeInfo(ctx context.Context, symbols []string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	info, err := c.futures.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return fmt.Errorf("ошибка получения информации о бирже: %w", err)
	}

	wanted := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		wanted[s] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range info.Symbols {
		if _, ok := wanted[s.Symbol]; !ok {
			continue
		}
		c.symbols[s.Symbol] = SymbolInfo{
			Symbol:            s.Symbol,
			QuantityPrecision: s.QuantityPrecision,
			PricePrecision:    s.PricePrecision,
		}
	}
	for s := range wanted {
		if _, ok := c.symbols[s]; !ok {
			logger.Warn("Символ не найден на бирже", zap.String("symbol", s))
		}
	}
	return nil
}

// SymbolInfo точность символа; ok=false, если информация не загружена
func (c *BinanceClient) SymbolInfo(symbol string) (SymbolInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.symbols[symbol]
	return info, ok
}

// SetupSymbol устанавливает изолированную маржу и плечо
func (c *BinanceClient) SetupSymbol(ctx context.Context, symbol string, leverage int) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	err := c.futures.NewChangeMarginTypeService().
		Symbol(symbol).
		MarginType(futures.MarginTypeIsolated).
		Do(ctx)
	if err != nil && !isAPIError(err, codeNoNeedToChangeMargin) {
		return fmt.Errorf("ошибка смены типа маржи %s: %w", symbol, err)
	}

	if err := c.wait(ctx); err != nil {
		return err
	}
	if _, err := c.futures.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx); err != nil {
		return fmt.Errorf("ошибка установки плеча %s: %w", symbol, err)
	}

	logger.Info("Символ настроен",
		zap.String("symbol", symbol),
		zap.String("margin", string(futures.MarginTypeIsolated)),
		zap.Int("leverage", leverage))
	return nil
}

func isAPIError(err error, code int64) bool {
	var apiErr *common.APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// StartUserStream получает ключ потока пользовательских данных
func (c *BinanceClient) StartUserStream(ctx context.Context) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	key, err := c.futures.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return "", fmt.Errorf("ошибка получения listen key: %w", err)
	}
	return key, nil
}

// KeepaliveUserStream продлевает ключ потока
func (c *BinanceClient) KeepaliveUserStream(ctx context.Context, listenKey string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	if err := c.futures.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
		return fmt.Errorf("ошибка продления listen key: %w", err)
	}
	return nil
}

// CloseUserStream закрывает ключ потока
func (c *BinanceClient) CloseUserStream(ctx context.Context, listenKey string) error {
	if err := c.futures.NewCloseUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
		return fmt.Errorf("ошибка закрытия listen key: %w", err)
	}
	return nil
}
