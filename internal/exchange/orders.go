package exchange

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/skalibog/mtabot/internal/position"
	"github.com/skalibog/mtabot/pkg/logger"
	"github.com/skalibog/mtabot/pkg/models"
	"go.uber.org/zap"
)

// MinNotional минимальный объём ордера в котируемой валюте
const MinNotional = 5.1

// fillWait сколько ждать исполнения из потока пользовательских данных
const fillWait = 2 * time.Second

var (
	// ErrNotionalTooSmall объём ордера ниже минимального
	ErrNotionalTooSmall = errors.New("объём ордера ниже минимального")
	// ErrZeroQuantity количество после округления равно нулю
	ErrZeroQuantity = errors.New("нулевое количество после округления")
)

// Sizing параметры расчёта размера позиции
type Sizing struct {
	Balance       float64
	MarginPercent float64
	Leverage      int
	Price         float64
	Precision     int
}

// Quantity количество контракта: маржа = баланс × процент, объём = маржа × плечо.
// Количество усекается до точности символа
func (s Sizing) Quantity() (decimal.Decimal, error) {
	if s.Price <= 0 {
		return decimal.Zero, fmt.Errorf("некорректная цена %v", s.Price)
	}
	margin := decimal.NewFromFloat(s.Balance).Mul(decimal.NewFromFloat(s.MarginPercent)).Div(decimal.NewFromInt(100))
	notional := margin.Mul(decimal.NewFromInt(int64(s.Leverage)))
	if notional.LessThan(decimal.NewFromFloat(MinNotional)) {
		return decimal.Zero, fmt.Errorf("%w: %s < %v", ErrNotionalTooSmall, notional.StringFixed(2), MinNotional)
	}

	qty := notional.Div(decimal.NewFromFloat(s.Price)).Truncate(int32(s.Precision))
	if !qty.IsPositive() {
		return decimal.Zero, ErrZeroQuantity
	}
	return qty, nil
}

// ProtectivePrices уровни стоп-лосса и тейк-профита от цены входа
func ProtectivePrices(side models.Side, entry, stopPercent, takePercent float64, precision int) (stop, take decimal.Decimal) {
	p := decimal.NewFromFloat(entry)
	hundred := decimal.NewFromInt(100)
	sl := decimal.NewFromFloat(stopPercent).Div(hundred)
	tp := decimal.NewFromFloat(takePercent).Div(hundred)
	one := decimal.NewFromInt(1)

	if side == models.SideShort {
		stop = p.Mul(one.Add(sl))
		take = p.Mul(one.Sub(tp))
	} else {
		stop = p.Mul(one.Sub(sl))
		take = p.Mul(one.Add(tp))
	}
	return stop.Round(int32(precision)), take.Round(int32(precision))
}

// OrderResult результат рыночного ордера
type OrderResult struct {
	OrderID     int64
	ExecutedQty float64
	AvgPrice    float64
	Fee         float64
}

// OrderService размещает ордера и закрывает позиции.
// Исполнения берутся из потока пользовательских данных, если он подключён
type OrderService struct {
	client    *BinanceClient
	feed      *ExecutionFeed
	takerFee  float64
	orderWait time.Duration
}

// NewOrderService создает сервис ордеров. takerFeePercent используется для оценки
// комиссии, когда исполнение не пришло из потока
func NewOrderService(client *BinanceClient, feed *ExecutionFeed, takerFeePercent float64) *OrderService {
	return &OrderService{
		client:    client,
		feed:      feed,
		takerFee:  takerFeePercent,
		orderWait: fillWait,
	}
}

func orderSide(side models.Side) futures.SideType {
	if side == models.SideShort {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func (s *OrderService) precision(symbol string) SymbolInfo {
	info, ok := s.client.SymbolInfo(symbol)
	if !ok {
		return SymbolInfo{Symbol: symbol, QuantityPrecision: 3, PricePrecision: 2}
	}
	return info
}

// PricePrecision точность цены символа
func (s *OrderService) PricePrecision(symbol string) int {
	return s.precision(symbol).PricePrecision
}

// Quantity размер позиции для символа по текущему балансу
func (s *OrderService) Quantity(symbol string, balance, marginPercent float64, leverage int, price float64) (decimal.Decimal, error) {
	return Sizing{
		Balance:       balance,
		MarginPercent: marginPercent,
		Leverage:      leverage,
		Price:         price,
		Precision:     s.precision(symbol).QuantityPrecision,
	}.Quantity()
}

// PlaceMarketOrder рыночный ордер на вход
func (s *OrderService) PlaceMarketOrder(ctx context.Context, symbol string, side models.Side, qty decimal.Decimal) (OrderResult, error) {
	return s.market(ctx, symbol, side, qty, false)
}

func (s *OrderService) market(ctx context.Context, symbol string, side models.Side, qty decimal.Decimal, reduceOnly bool) (OrderResult, error) {
	if err := s.client.wait(ctx); err != nil {
		return OrderResult{}, err
	}
	clientID := uuid.NewString()
	since := time.Now()
	svc := s.client.futures.NewCreateOrderService().
		Symbol(symbol).
		Side(orderSide(side)).
		Type(futures.OrderTypeMarket).
		Quantity(qty.String()).
		NewClientOrderID(clientID).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)
	if reduceOnly {
		svc = svc.ReduceOnly(true)
	}
	resp, err := svc.Do(ctx)
	if err != nil {
		return OrderResult{}, fmt.Errorf("ошибка рыночного ордера %s %s: %w", symbol, side, err)
	}

	res := OrderResult{OrderID: resp.OrderID}
	res.ExecutedQty, _ = strconv.ParseFloat(resp.ExecutedQuantity, 64)
	res.AvgPrice, _ = strconv.ParseFloat(resp.AvgPrice, 64)

	if exec, ok := s.awaitFill(ctx, symbol, resp.OrderID, since); ok {
		res.AvgPrice = exec.Price
		res.Fee = exec.Fee
		if exec.Quantity > 0 {
			res.ExecutedQty = exec.Quantity
		}
	} else if res.AvgPrice > 0 {
		res.Fee = estimateFee(res.AvgPrice, res.ExecutedQty, s.takerFee)
	}

	logger.Info("Рыночный ордер исполнен",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Int64("order_id", res.OrderID),
		zap.String("client_id", clientID),
		zap.Float64("qty", res.ExecutedQty),
		zap.Float64("price", res.AvgPrice),
		zap.Bool("reduce_only", reduceOnly))
	return res, nil
}

func (s *OrderService) awaitFill(ctx context.Context, symbol string, orderID int64, since time.Time) (Execution, bool) {
	if s.feed == nil || !s.feed.Connected() {
		return Execution{}, false
	}
	waitCtx, cancel := context.WithTimeout(ctx, s.orderWait)
	defer cancel()
	return s.feed.Wait(waitCtx, symbol, orderID, since)
}

func estimateFee(price, qty, feePercent float64) float64 {
	fee := decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(qty)).
		Mul(decimal.NewFromFloat(feePercent)).Div(decimal.NewFromInt(100))
	f, _ := fee.Round(8).Float64()
	return f
}

// PlaceStopOrder стоп-маркет на закрытие всей позиции
func (s *OrderService) PlaceStopOrder(ctx context.Context, symbol string, side models.Side, stopPrice decimal.Decimal) (int64, error) {
	return s.protective(ctx, symbol, side, futures.OrderTypeStopMarket, stopPrice)
}

// PlaceTakeProfitOrder тейк-профит-маркет на закрытие всей позиции
func (s *OrderService) PlaceTakeProfitOrder(ctx context.Context, symbol string, side models.Side, stopPrice decimal.Decimal) (int64, error) {
	return s.protective(ctx, symbol, side, futures.OrderTypeTakeProfitMarket, stopPrice)
}

// protective side направление позиции; ордер выставляется в противоположную сторону
func (s *OrderService) protective(ctx context.Context, symbol string, side models.Side, typ futures.OrderType, stopPrice decimal.Decimal) (int64, error) {
	if err := s.client.wait(ctx); err != nil {
		return 0, err
	}
	resp, err := s.client.futures.NewCreateOrderService().
		Symbol(symbol).
		Side(orderSide(side.Opposite())).
		Type(typ).
		StopPrice(stopPrice.String()).
		ClosePosition(true).
		NewClientOrderID(uuid.NewString()).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("ошибка ордера %s %s по %s: %w", typ, symbol, stopPrice, err)
	}
	return resp.OrderID, nil
}

// CancelOpenOrders снимает оставшиеся защитные ордера символа
func (s *OrderService) CancelOpenOrders(ctx context.Context, symbol string) error {
	if err := s.client.wait(ctx); err != nil {
		return err
	}
	if err := s.client.futures.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx); err != nil {
		return fmt.Errorf("ошибка отмены ордеров %s: %w", symbol, err)
	}
	return nil
}

// ClosePosition закрывает позицию встречным reduce-only ордером на всё количество
func (s *OrderService) ClosePosition(ctx context.Context, pos models.Position) (position.Fill, error) {
	prec := s.precision(pos.Symbol).QuantityPrecision
	qty := decimal.NewFromFloat(math.Abs(pos.Quantity)).Truncate(int32(prec))
	if !qty.IsPositive() {
		return position.Fill{}, fmt.Errorf("%s: %w", pos.Symbol, ErrZeroQuantity)
	}

	res, err := s.market(ctx, pos.Symbol, pos.Side.Opposite(), qty, true)
	if err != nil {
		return position.Fill{}, err
	}
	if err := s.CancelOpenOrders(ctx, pos.Symbol); err != nil {
		logger.Warn("Защитные ордера не сняты", zap.String("symbol", pos.Symbol), zap.Error(err))
	}

	// без данных об исполнении менеджер возьмёт последнюю цену и нулевую комиссию
	if res.AvgPrice <= 0 {
		return position.Fill{}, nil
	}
	return position.Fill{Price: res.AvgPrice, Fee: res.Fee}, nil
}
