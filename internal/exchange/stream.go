package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/skalibog/mtabot/internal/market"
	"github.com/skalibog/mtabot/pkg/logger"
	"github.com/skalibog/mtabot/pkg/models"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	// DefaultChunkSize потоков на одно подключение
	DefaultChunkSize = 900
	// DefaultStreamURL адрес комбинированного потока фьючерсов
	DefaultStreamURL = "wss://fstream.binance.com"

	readTimeout = 2 * time.Minute
)

// ErrMalformedMessage сообщение потока не разобрано
var ErrMalformedMessage = errors.New("некорректное сообщение потока")

// EventHandler получатель событий свечей
type EventHandler interface {
	OnEvent(ctx context.Context, ev market.Event) error
}

// KlineStream комбинированный поток свечей Binance, разбитый на подключения
// по chunkSize потоков. Каждое подключение переподключается независимо
type KlineStream struct {
	baseURL   string
	chunkSize int
	handler   EventHandler
	dialer    *websocket.Dialer
	backoff   func() *backoff.Backoff

	mu      sync.Mutex
	parent  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	streams []string
}

// NewKlineStream создает поток свечей
func NewKlineStream(baseURL string, chunkSize int, handler EventHandler) *KlineStream {
	if baseURL == "" {
		baseURL = DefaultStreamURL
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &KlineStream{
		baseURL:   strings.TrimRight(baseURL, "/"),
		chunkSize: chunkSize,
		handler:   handler,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		backoff: func() *backoff.Backoff {
			return &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 2}
		},
	}
}

// StreamNames имена потоков symbol@kline_tf
func StreamNames(symbols, timeframes []string) []string {
	out := make([]string, 0, len(symbols)*len(timeframes))
	for _, s := range symbols {
		for _, tf := range timeframes {
			out = append(out, strings.ToLower(s)+"@kline_"+tf)
		}
	}
	return out
}

// Chunk разбивает потоки на группы не больше size
func Chunk(streams []string, size int) [][]string {
	var out [][]string
	for len(streams) > 0 {
		n := size
		if n > len(streams) {
			n = len(streams)
		}
		out = append(out, streams[:n])
		streams = streams[n:]
	}
	return out
}

// Start подписывается на потоки символов и таймфреймов
func (s *KlineStream) Start(ctx context.Context, symbols, timeframes []string) {
	s.mu.Lock()
	s.parent = ctx
	s.mu.Unlock()
	s.Resubscribe(symbols, timeframes)
}

// Resubscribe закрывает текущие подключения и открывает новые.
// Серии в памяти не сбрасываются: повторные свечи отсекаются редьюсером
func (s *KlineStream) Resubscribe(symbols, timeframes []string) {
	s.stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.parent == nil {
		return
	}
	s.streams = StreamNames(symbols, timeframes)
	if len(s.streams) == 0 {
		logger.Info("Нет потоков для подписки")
		return
	}

	ctx, cancel := context.WithCancel(s.parent)
	s.cancel = cancel
	chunks := Chunk(s.streams, s.chunkSize)
	for i, chunk := range chunks {
		s.wg.Add(1)
		go s.run(ctx, i, chunk)
	}
	logger.Info("Подписка на потоки свечей",
		zap.Int("streams", len(s.streams)),
		zap.Int("connections", len(chunks)))
}

// Streams текущие потоки
func (s *KlineStream) Streams() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.streams...)
}

// Stop закрывает все подключения и ждёт их завершения
func (s *KlineStream) Stop() {
	s.stop()
}

func (s *KlineStream) stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *KlineStream) run(ctx context.Context, id int, streams []string) {
	defer s.wg.Done()
	log := logger.With(zap.Int("connection", id), zap.Int("streams", len(streams)))
	b := s.backoff()

	for {
		err := s.serve(ctx, streams, b)
		if ctx.Err() != nil {
			log.Debug("Подключение потока свечей закрыто")
			return
		}

		d := b.Duration()
		log.Warn("Поток свечей отключён, переподключение",
			zap.Duration("delay", d),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}
	}
}

func (s *KlineStream) serve(ctx context.Context, streams []string, b *backoff.Backoff) error {
	url := s.baseURL + "/stream?streams=" + strings.Join(streams, "/")
	conn, _, err := s.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("ошибка подключения: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	first := true
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("ошибка чтения: %w", err)
		}
		if first {
			b.Reset()
			first = false
		}

		ev, err := ParseKline(msg)
		if err != nil {
			logger.Warn("Сообщение потока отброшено", zap.Error(err), zap.ByteString("message", truncate(msg, 256)))
			continue
		}
		if err := s.handler.OnEvent(ctx, ev); err != nil {
			logger.Error("Ошибка обработки свечи",
				zap.String("symbol", ev.Symbol),
				zap.String("timeframe", ev.Timeframe),
				zap.Error(err))
		}
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

// ParseKline разбирает событие kline комбинированного или одиночного потока
func ParseKline(msg []byte) (market.Event, error) {
	if !gjson.ValidBytes(msg) {
		return market.Event{}, fmt.Errorf("%w: невалидный JSON", ErrMalformedMessage)
	}
	data := gjson.GetBytes(msg, "data")
	if !data.Exists() {
		data = gjson.ParseBytes(msg)
	}
	if e := data.Get("e").String(); e != "kline" {
		return market.Event{}, fmt.Errorf("%w: тип события %q", ErrMalformedMessage, e)
	}

	k := data.Get("k")
	if !k.IsObject() {
		return market.Event{}, fmt.Errorf("%w: нет поля k", ErrMalformedMessage)
	}
	symbol := data.Get("s").String()
	if symbol == "" {
		symbol = k.Get("s").String()
	}
	interval := k.Get("i").String()
	if symbol == "" || interval == "" {
		return market.Event{}, fmt.Errorf("%w: нет символа или интервала", ErrMalformedMessage)
	}

	var values [5]float64
	for i, field := range []string{"o", "h", "l", "c", "v"} {
		v, err := strconv.ParseFloat(k.Get(field).String(), 64)
		if err != nil {
			return market.Event{}, fmt.Errorf("%w: поле %s: %v", ErrMalformedMessage, field, err)
		}
		values[i] = v
	}
	openTime, closeTime := k.Get("t"), k.Get("T")
	if openTime.Type != gjson.Number || closeTime.Type != gjson.Number {
		return market.Event{}, fmt.Errorf("%w: нет времени свечи", ErrMalformedMessage)
	}

	return market.Event{
		Symbol:    strings.ToUpper(symbol),
		Timeframe: interval,
		Candle: models.Candle{
			OpenTime:  openTime.Int(),
			CloseTime: closeTime.Int(),
			Open:      values[0],
			High:      values[1],
			Low:       values[2],
			Close:     values[3],
			Volume:    values[4],
			IsFinal:   k.Get("x").Bool(),
		},
	}, nil
}
