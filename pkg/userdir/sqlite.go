package userdir

import (
	"context"
	"strings"
	"time"

	"github.com/arzzra/presence/pkg/sipauth"
	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

func init() {
	Register("sqlite", NewSQLite)
}

// SQLiteConfig параметры драйвера sqlite.
type SQLiteConfig struct {
	// Path файл базы, ":memory:" для временной
	Path string `mapstructure:"path"`
}

// Account строка таблицы accounts.
type Account struct {
	ID        uint   `gorm:"primaryKey"`
	Username  string `gorm:"uniqueIndex:idx_account_user_realm;not null"`
	Realm     string `gorm:"uniqueIndex:idx_account_user_realm;not null"`
	Secret    string `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SQLite каталог в sqlite через gorm.
type SQLite struct {
	db *gorm.DB
}

// NewSQLite фабрика драйвера sqlite.
func NewSQLite(cfg map[string]any) (Directory, error) {
	var c SQLiteConfig
	if err := decode(cfg, &c); err != nil {
		return nil, err
	}
	return OpenSQLite(c.Path)
}

// OpenSQLite открывает базу и создает таблицу accounts.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("path is required for sqlite driver")
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if err := db.AutoMigrate(&Account{}); err != nil {
		return nil, errors.Wrap(err, "migrate database")
	}
	return &SQLite{db: db}, nil
}

// Upsert создает или обновляет пароль учетной записи.
func (s *SQLite) Upsert(ctx context.Context, username, realm, secret string) error {
	acc := Account{Username: username, Realm: strings.ToLower(realm), Secret: secret}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "username"}, {Name: "realm"}},
		DoUpdates: clause.AssignmentColumns([]string{"secret", "updated_at"}),
	}).Create(&acc).Error
	return errors.Wrap(err, "upsert account")
}

// Delete удаляет учетную запись.
func (s *SQLite) Delete(ctx context.Context, username, realm string) error {
	res := s.db.WithContext(ctx).
		Where("username = ? AND realm = ?", username, strings.ToLower(realm)).
		Delete(&Account{})
	if res.Error != nil {
		return errors.Wrap(res.Error, "delete account")
	}
	if res.RowsAffected == 0 {
		return sipauth.ErrUserNotFound
	}
	return nil
}

func (s *SQLite) Lookup(ctx context.Context, username, realm string) (*sipauth.User, error) {
	var acc Account
	err := s.db.WithContext(ctx).
		Where("username = ? AND realm = ?", username, strings.ToLower(realm)).
		First(&acc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, sipauth.ErrUserNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "lookup account")
	}
	return &sipauth.User{Username: acc.Username, Realm: acc.Realm, Secret: acc.Secret}, nil
}

func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
