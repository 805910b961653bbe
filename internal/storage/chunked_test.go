package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sizeLimitedStore отклоняет документы больше limit байт, как Firestore
type sizeLimitedStore struct {
	Store
	limit   int
	largest int
}

func (s *sizeLimitedStore) Save(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if len(data) > s.limit {
		return fmt.Errorf("%s: %w", key, ErrTooLarge)
	}
	s.largest = max(s.largest, len(data))
	return s.Store.Save(ctx, key, value)
}

func TestChunkedRoundTrip(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	store := &sizeLimitedStore{Store: fs, limit: 4096}
	ctx := context.Background()

	items := make([]string, 250)
	for i := range items {
		items[i] = strings.Repeat("x", 40)
	}
	// целиком документ не помещается
	assert.ErrorIs(t, store.Save(ctx, "items", items), ErrTooLarge)

	require.NoError(t, SaveChunked(ctx, store, "items", items, 50))
	assert.LessOrEqual(t, store.largest, store.limit)

	out, err := LoadChunked[string](ctx, store, "items")
	require.NoError(t, err)
	assert.Equal(t, items, out)
}

func TestChunkedEmptyAndMissing(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = LoadChunked[int](ctx, fs, "absent")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, SaveChunked(ctx, fs, "empty", []int{}, 10))
	out, err := LoadChunked[int](ctx, fs, "empty")
	require.NoError(t, err)
	assert.Empty(t, out)

	assert.Error(t, SaveChunked(ctx, fs, "bad", []int{1}, 0))
}

func TestChunkedDetectsMissingPart(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, SaveChunked(ctx, fs, "items", []int{1, 2, 3, 4, 5}, 2))
	require.NoError(t, fs.Save(ctx, ChunkKey("items", 1), []int{3}))

	_, err = LoadChunked[int](ctx, fs, "items")
	assert.Error(t, err)
}
