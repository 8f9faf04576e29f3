package store

import (
	"errors"
	"fmt"
	"github.com/XANi/ecos2mqtt/integration"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"strings"
	"time"
)

var ErrNotFound = errors.New("config entry not found")

// Entry is the persisted form of integration.ConfigEntry
type Entry struct {
	EntryID   string `gorm:"primaryKey;size:64"`
	Domain    string `gorm:"size:64;not null"`
	UniqueID  string `gorm:"size:128;uniqueIndex;not null"`
	Title     string
	Version   int
	UserID    string
	Username  string
	Password  string
	Host      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Entry) TableName() string {
	return "config_entries"
}

type Config struct {
	// DSN is a postgres URL/keyword string or a sqlite path, ":memory:" works for tests
	DSN    string
	Logger *zap.SugaredLogger
	Debug  bool
}

type Store struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func Open(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	db, err := gorm.Open(dialector(cfg.DSN), &gorm.Config{
		Logger: newLogger(cfg.Logger.Named("gorm"), cfg.Debug),
	})
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("error migrating database: %w", err)
	}
	cfg.Logger.Debugf("opened config entry store")
	return &Store{db: db, log: cfg.Logger}, nil
}

func dialector(dsn string) gorm.Dialector {
	switch {
	case strings.HasPrefix(dsn, "postgres://"),
		strings.HasPrefix(dsn, "postgresql://"),
		strings.Contains(dsn, "host=") && strings.Contains(dsn, "dbname="):
		return postgres.Open(dsn)
	default:
		return sqlite.Open(dsn)
	}
}

func (s *Store) Add(entry integration.ConfigEntry) error {
	e := Entry{
		EntryID:  entry.EntryID,
		Domain:   integration.Domain,
		UniqueID: entry.UniqueID,
		Title:    entry.Title,
		Version:  entry.Version,
		UserID:   entry.Data.ID,
		Username: entry.Data.Username,
		Password: entry.Data.Password,
		Host:     entry.Data.Host,
	}
	if err := s.db.Create(&e).Error; err != nil {
		return fmt.Errorf("error saving entry %s: %w", entry.Title, err)
	}
	return nil
}

func (s *Store) Remove(entryID string) error {
	res := s.db.Delete(&Entry{}, "entry_id = ?", entryID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, entryID)
	}
	return nil
}

func (s *Store) Get(entryID string) (integration.ConfigEntry, error) {
	var e Entry
	err := s.db.First(&e, "entry_id = ?", entryID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return integration.ConfigEntry{}, fmt.Errorf("%w: %s", ErrNotFound, entryID)
	}
	if err != nil {
		return integration.ConfigEntry{}, err
	}
	return e.configEntry(), nil
}

func (s *Store) List() ([]integration.ConfigEntry, error) {
	var rows []Entry
	if err := s.db.Where("domain = ?", integration.Domain).Order("created_at").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]integration.ConfigEntry, 0, len(rows))
	for _, e := range rows {
		out = append(out, e.configEntry())
	}
	return out, nil
}

func (s *Store) HasUniqueID(uniqueID string) (bool, error) {
	var count int64
	err := s.db.Model(&Entry{}).
		Where("domain = ? AND unique_id = ?", integration.Domain, uniqueID).
		Count(&count).Error
	return count > 0, err
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (e Entry) configEntry() integration.ConfigEntry {
	return integration.ConfigEntry{
		EntryID:  e.EntryID,
		UniqueID: e.UniqueID,
		Title:    e.Title,
		Version:  e.Version,
		Data: integration.Data{
			ID:       e.UserID,
			Username: e.Username,
			Password: e.Password,
			Host:     e.Host,
		},
	}
}
