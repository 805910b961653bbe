package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/skalibog/mtabot/internal/market"
	"github.com/skalibog/mtabot/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const finalKline = `{"stream":"btcusdt@kline_1m","data":{"e":"kline","E":1,"s":"BTCUSDT","k":{"t":60000,"T":119999,"s":"BTCUSDT","i":"1m","o":"100.5","h":"101","l":"99.5","c":"100.8","v":"12.3","x":true}}}`

const partialKline = `{"stream":"btcusdt@kline_1m","data":{"e":"kline","E":1,"s":"BTCUSDT","k":{"t":120000,"T":179999,"s":"BTCUSDT","i":"1m","o":"100.8","h":"101","l":"100","c":"100.9","v":"1","x":false}}}`

type recordingHandler struct {
	mu     sync.Mutex
	events []market.Event
}

func (h *recordingHandler) OnEvent(_ context.Context, ev market.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return nil
}

func (h *recordingHandler) Events() []market.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]market.Event(nil), h.events...)
}

func TestParseKline(t *testing.T) {
	ev, err := ParseKline([]byte(finalKline))
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", ev.Symbol)
	assert.Equal(t, "1m", ev.Timeframe)
	assert.Equal(t, int64(60000), ev.Candle.OpenTime)
	assert.Equal(t, int64(119999), ev.Candle.CloseTime)
	assert.Equal(t, 100.8, ev.Candle.Close)
	assert.Equal(t, 12.3, ev.Candle.Volume)
	assert.True(t, ev.Candle.IsFinal)

	ev, err = ParseKline([]byte(partialKline))
	require.NoError(t, err)
	assert.False(t, ev.Candle.IsFinal)
}

func TestParseKlineRejectsMalformed(t *testing.T) {
	for _, msg := range []string{
		`not json`,
		`{"result":null,"id":1}`,
		`{"data":{"e":"24hrTicker","s":"BTCUSDT"}}`,
		`{"data":{"e":"kline","s":"BTCUSDT","k":{"t":1,"T":2,"i":"1m","o":"x","h":"1","l":"1","c":"1","v":"1"}}}`,
		`{"data":{"e":"kline","s":"BTCUSDT","k":{"i":"1m","o":"1","h":"1","l":"1","c":"1","v":"1"}}}`,
		`{"data":{"e":"kline","k":{"t":1,"T":2,"o":"1","h":"1","l":"1","c":"1","v":"1"}}}`,
	} {
		_, err := ParseKline([]byte(msg))
		assert.ErrorIs(t, err, ErrMalformedMessage, msg)
	}
}

func TestStreamNamesAndChunks(t *testing.T) {
	names := StreamNames([]string{"BTCUSDT", "ETHUSDT"}, []string{"1m", "1h"})
	assert.Equal(t, []string{"btcusdt@kline_1m", "btcusdt@kline_1h", "ethusdt@kline_1m", "ethusdt@kline_1h"}, names)

	chunks := Chunk(names, 3)
	require.Len(t, chunks, 2)
	assert.Len(t, chunks[0], 3)
	assert.Len(t, chunks[1], 1)
	assert.Empty(t, Chunk(nil, 900))
}

func TestKlineStreamReconnectsAndSkipsMalformed(t *testing.T) {
	var connections int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "btcusdt@kline_1m", r.URL.Query().Get("streams"))
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		if atomic.AddInt32(&connections, 1) == 1 {
			for _, msg := range []string{"garbage", `{"data":{"e":"kline"}}`, partialKline, finalKline} {
				_ = c.WriteMessage(websocket.TextMessage, []byte(msg))
			}
			return
		}
		_ = c.WriteMessage(websocket.TextMessage, []byte(finalKline))
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	h := &recordingHandler{}
	s := NewKlineStream("ws"+strings.TrimPrefix(srv.URL, "http"), 900, h)
	s.backoff = func() *backoff.Backoff {
		return &backoff.Backoff{Min: 10 * time.Millisecond, Max: 50 * time.Millisecond, Factor: 2}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx, []string{"BTCUSDT"}, []string{"1m"})

	require.Eventually(t, func() bool { return len(h.Events()) == 3 }, 5*time.Second, 10*time.Millisecond)
	s.Stop()

	events := h.Events()
	assert.False(t, events[0].Candle.IsFinal)
	assert.True(t, events[1].Candle.IsFinal)
	assert.Equal(t, events[1], events[2], "после переподключения свеча пришла повторно")
	assert.GreaterOrEqual(t, atomic.LoadInt32(&connections), int32(2))
}

func TestKlineStreamFeedsReducerWithoutDuplicates(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for i := 0; i < 3; i++ {
			_ = c.WriteMessage(websocket.TextMessage, []byte(finalKline))
		}
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	store := market.NewStore(fixedCalc{}, 10)
	reducer := market.NewReducer(store, market.SinkFunc(func(context.Context, market.Notification) error { return nil }))
	s := NewKlineStream("ws"+strings.TrimPrefix(srv.URL, "http"), 900, reducer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx, []string{"BTCUSDT"}, []string{"1m"})

	require.Eventually(t, func() bool { return store.LastPrice("BTCUSDT", "1m") == 100.8 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	ser, ok := store.Lookup("BTCUSDT", "1m")
	require.True(t, ok)
	assert.Equal(t, 1, ser.Len())
}

type fixedCalc struct{}

func (fixedCalc) Compute([]models.Candle) models.Indicators { return models.Indicators{} }

func (fixedCalc) Required() int { return 1 }
