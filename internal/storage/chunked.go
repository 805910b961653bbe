package storage

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

// MaxDocumentSize предел сериализованного документа. Firestore ограничивает
// документ 1 MiB вместе с именами полей, поэтому берётся с запасом
const MaxDocumentSize = 1_000_000

// ErrTooLarge документ превышает MaxDocumentSize
var ErrTooLarge = errors.New("документ превышает допустимый размер")

type chunkManifest struct {
	Chunks int `json:"chunks"`
	Count  int `json:"count"`
}

// ChunkKey ключ i-й части документа key
func ChunkKey(key string, i int) string {
	return fmt.Sprintf("%s_%d", key, i)
}

// SaveChunked сохраняет срез частями по size элементов: под key пишется
// оглавление, части под ChunkKey(key, i). Оглавление пишется последним
func SaveChunked[T any](ctx context.Context, s Store, key string, items []T, size int) error {
	if size <= 0 {
		return fmt.Errorf("некорректный размер части: %d", size)
	}

	m := chunkManifest{Count: len(items)}
	var errs error
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		errs = multierr.Append(errs, s.Save(ctx, ChunkKey(key, m.Chunks), items[start:end]))
		m.Chunks++
	}
	if errs != nil {
		return errs
	}
	return s.Save(ctx, key, m)
}

// LoadChunked читает срез, сохранённый SaveChunked
func LoadChunked[T any](ctx context.Context, s Store, key string) ([]T, error) {
	var m chunkManifest
	if err := s.Load(ctx, key, &m); err != nil {
		return nil, err
	}

	items := make([]T, 0, m.Count)
	for i := 0; i < m.Chunks; i++ {
		var part []T
		if err := s.Load(ctx, ChunkKey(key, i), &part); err != nil {
			return nil, fmt.Errorf("часть %d документа %s: %w", i, key, err)
		}
		items = append(items, part...)
	}
	if len(items) != m.Count {
		return nil, fmt.Errorf("документ %s: ожидалось %d элементов, прочитано %d", key, m.Count, len(items))
	}
	return items, nil
}
