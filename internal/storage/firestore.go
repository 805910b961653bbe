package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"github.com/skalibog/mtabot/internal/config"
	"google.golang.org/api/option"
)

// FirestoreStore хранит документы в коллекции Firestore.
// Документ: {data: JSON строка, updatedAt: время записи}
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

type firestoreDoc struct {
	Data      string    `firestore:"data"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// NewFirestoreStore подключается к Firestore через Firebase Admin SDK
func NewFirestoreStore(ctx context.Context, cfg config.FirestoreConfig) (*FirestoreStore, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	var fbConfig *firebase.Config
	if cfg.ProjectID != "" {
		fbConfig = &firebase.Config{ProjectID: cfg.ProjectID}
	}

	app, err := firebase.NewApp(ctx, fbConfig, opts...)
	if err != nil {
		return nil, fmt.Errorf("ошибка инициализации firebase: %w", err)
	}

	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к firestore: %w", err)
	}

	collection := cfg.Collection
	if collection == "" {
		collection = "bot_data"
	}
	return &FirestoreStore{client: client, collection: collection}, nil
}

func (s *FirestoreStore) Load(ctx context.Context, key string, out interface{}) error {
	snap, err := s.client.Collection(s.collection).Doc(key).Get(ctx)
	if snap != nil && !snap.Exists() {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("ошибка чтения %s из firestore: %w", key, err)
	}

	var doc firestoreDoc
	if err := snap.DataTo(&doc); err != nil {
		return fmt.Errorf("ошибка разбора %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(doc.Data), out); err != nil {
		return fmt.Errorf("ошибка разбора %s: %w", key, err)
	}
	return nil
}

func (s *FirestoreStore) Save(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("ошибка сериализации %s: %w", key, err)
	}
	if len(data) > MaxDocumentSize {
		return fmt.Errorf("%s (%d байт): %w", key, len(data), ErrTooLarge)
	}
	_, err = s.client.Collection(s.collection).Doc(key).Set(ctx, firestoreDoc{
		Data:      string(data),
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("ошибка записи %s в firestore: %w", key, err)
	}
	return nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}
