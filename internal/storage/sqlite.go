package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// document строка таблицы bot_data
type document struct {
	Key       string `gorm:"column:doc_key;primaryKey;size:255"`
	Data      string `gorm:"type:text"`
	UpdatedAt time.Time
}

func (document) TableName() string { return "bot_data" }

// GormStore хранилище документов в SQLite через gorm
type GormStore struct {
	db *gorm.DB
}

// NewGormStore открывает (или создаёт) базу SQLite
func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("gorm store: не указан путь к базе")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("gorm store: ошибка создания каталога: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("gorm store: ошибка открытия базы: %w", err)
	}
	if err := db.AutoMigrate(&document{}); err != nil {
		return nil, fmt.Errorf("gorm store: ошибка миграции: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Load(ctx context.Context, key string, out interface{}) error {
	var doc document
	err := s.db.WithContext(ctx).Where("doc_key = ?", key).Take(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("ошибка чтения %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(doc.Data), out); err != nil {
		return fmt.Errorf("ошибка разбора %s: %w", key, err)
	}
	return nil
}

// Save вставляет или обновляет документ
func (s *GormStore) Save(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("ошибка сериализации %s: %w", key, err)
	}
	doc := document{Key: key, Data: string(data), UpdatedAt: time.Now().UTC()}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "doc_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
		}).
		Create(&doc).Error
	if err != nil {
		return fmt.Errorf("ошибка записи %s: %w", key, err)
	}
	return nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
