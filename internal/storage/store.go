package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/skalibog/mtabot/internal/config"
	"github.com/skalibog/mtabot/pkg/logger"
	"go.uber.org/zap"
)

// ErrNotFound документа с таким ключом нет
var ErrNotFound = errors.New("документ не найден")

// Store хранилище ключ-значение. Значения сериализуются в JSON
type Store interface {
	Load(ctx context.Context, key string, out interface{}) error
	Save(ctx context.Context, key string, value interface{}) error
	Close() error
}

// Ключи документов
const (
	KeyPositions = "positions"
	KeyAIModel   = "ai_model"
	KeyAIData    = "ai_data"
	KeyAIStats   = "ai_stats"

	CollectionRawCandles = "raw_candles"
)

// SeriesKey ключ документа серии: <collection>_<SYMBOL>_<tf>
func SeriesKey(collection, symbol, timeframe string) string {
	return fmt.Sprintf("%s_%s_%s", collection, strings.ToUpper(symbol), timeframe)
}

// New собирает хранилище по конфигурации: основное (firestore или sqlite)
// и файловый резерв
func New(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	files, err := NewFileStore(cfg.FileDir)
	if err != nil {
		return nil, err
	}

	var primary Store
	switch cfg.Type {
	case "firestore":
		primary, err = NewFirestoreStore(ctx, cfg.Firestore)
	case "sqlite":
		primary, err = NewGormStore(cfg.SQLite.Path)
	default:
		return files, nil
	}
	if err != nil {
		// без основного хранилища работаем на файлах
		logger.Error("Основное хранилище недоступно, используется файловый резерв",
			zap.String("type", cfg.Type), zap.Error(err))
		return NewFallback(nil, files, false), nil
	}

	logger.Info("Подключено основное хранилище", zap.String("type", cfg.Type),
		zap.Bool("force_primary_only", cfg.ForcePrimaryOnly))
	return NewFallback(primary, files, cfg.ForcePrimaryOnly), nil
}
