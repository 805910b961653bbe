package storage

import (
	"context"
	"errors"

	"github.com/skalibog/mtabot/pkg/logger"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Fallback основное хранилище с файловым резервом.
// При forcePrimaryOnly и доступном основном хранилище резерв не используется
type Fallback struct {
	primary          Store
	fallback         Store
	forcePrimaryOnly bool
}

// NewFallback создает составное хранилище. primary может быть nil
func NewFallback(primary, fallback Store, forcePrimaryOnly bool) *Fallback {
	return &Fallback{primary: primary, fallback: fallback, forcePrimaryOnly: forcePrimaryOnly}
}

func (f *Fallback) primaryOnly() bool {
	return f.primary != nil && f.forcePrimaryOnly
}

func (f *Fallback) Load(ctx context.Context, key string, out interface{}) error {
	if f.primary != nil {
		err := f.primary.Load(ctx, key, out)
		if err == nil || f.primaryOnly() {
			return err
		}
		if !errors.Is(err, ErrNotFound) {
			logger.Warn("Ошибка чтения из основного хранилища, читаем резерв",
				zap.String("key", key), zap.Error(err))
		}
	}
	return f.fallback.Load(ctx, key, out)
}

func (f *Fallback) Save(ctx context.Context, key string, value interface{}) error {
	if f.primary == nil {
		return f.fallback.Save(ctx, key, value)
	}

	err := f.primary.Save(ctx, key, value)
	if err == nil || f.primaryOnly() {
		return err
	}

	logger.Warn("Ошибка записи в основное хранилище, пишем в резерв",
		zap.String("key", key), zap.Error(err))
	if ferr := f.fallback.Save(ctx, key, value); ferr != nil {
		return multierr.Append(err, ferr)
	}
	return nil
}

func (f *Fallback) Close() error {
	var err error
	if f.primary != nil {
		err = multierr.Append(err, f.primary.Close())
	}
	return multierr.Append(err, f.fallback.Close())
}
