package market

import (
	"context"

	"github.com/skalibog/mtabot/pkg/models"
)

// Notification закрытая свеча готовой серии вместе с пересчитанными индикаторами
type Notification struct {
	Symbol     string
	Timeframe  string
	Candle     models.Candle
	Indicators models.Indicators
	LastPrice  float64
}

// Sink получатель уведомлений редьюсера
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// SinkFunc адаптер функции к Sink
type SinkFunc func(ctx context.Context, n Notification) error

func (f SinkFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// Queue ограниченная очередь уведомлений.
// Notify блокируется, пока в очереди нет места или пока не отменён контекст
type Queue struct {
	ch chan Notification
}

// NewQueue создает очередь заданной ёмкости
func NewQueue(size int) *Queue {
	if size < 0 {
		size = 0
	}
	return &Queue{ch: make(chan Notification, size)}
}

func (q *Queue) Notify(ctx context.Context, n Notification) error {
	select {
	case q.ch <- n:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// C канал для потребителя
func (q *Queue) C() <-chan Notification {
	return q.ch
}

// Len число ожидающих уведомлений
func (q *Queue) Len() int {
	return len(q.ch)
}
