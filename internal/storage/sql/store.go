// Package sql implements the storage interfaces on a relational database
// through GORM. MySQL and PostgreSQL are supported; the connection pool is
// configured on the raw database/sql handle and handed to GORM.
package sql

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	gormmysql "gorm.io/driver/mysql"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"modmail/backend/internal/config"
	"modmail/backend/internal/domain"
	"modmail/backend/internal/storage"
)

// whitelistEntry is the persistence model for gate whitelist membership.
type whitelistEntry struct {
	UserID    string    `gorm:"primaryKey;column:user_id"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (whitelistEntry) TableName() string { return "whitelist" }

// Store is a relational implementation of storage.Store.
type Store struct {
	db    *gorm.DB
	sqlDB *sql.DB
}

// NewStore opens the configured database, applies pool settings and runs the
// schema migration.
func NewStore(cfg config.DatabaseConfig) (*Store, error) {
	sqlDB, err := sql.Open(cfg.Type, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Type, err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	var dialector gorm.Dialector
	switch cfg.Type {
	case "mysql":
		dialector = gormmysql.New(gormmysql.Config{Conn: sqlDB})
	case "postgres":
		dialector = gormpostgres.New(gormpostgres.Config{Conn: sqlDB})
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("gorm open: %w", err)
	}

	if err := db.AutoMigrate(
		&domain.BlockRecord{},
		&whitelistEntry{},
		&domain.ScheduledClosure{},
		&domain.ThreadLog{},
		&domain.LinkedMessage{},
		&domain.Macro{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{db: db, sqlDB: sqlDB}, nil
}

func (s *Store) Ping() error { return s.sqlDB.Ping() }

// DB exposes the raw handle for health checks.
func (s *Store) DB() *sql.DB { return s.sqlDB }

func (s *Store) Close() error { return s.sqlDB.Close() }

func (s *Store) SaveBlock(record *domain.BlockRecord) error {
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "target_id"}, {Name: "kind"}},
		UpdateAll: true,
	}).Create(record).Error
}

func (s *Store) GetBlock(targetID string, kind domain.BlockKind) (*domain.BlockRecord, error) {
	var rec domain.BlockRecord
	err := s.db.Where("target_id = ? AND kind = ?", targetID, kind).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrBlockNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) DeleteBlock(targetID string, kind domain.BlockKind) error {
	res := s.db.Where("target_id = ? AND kind = ?", targetID, kind).Delete(&domain.BlockRecord{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrBlockNotFound
	}
	return nil
}

func (s *Store) ListBlocks() ([]domain.BlockRecord, error) {
	var recs []domain.BlockRecord
	if err := s.db.Order("target_id").Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *Store) AddWhitelist(userID string) error {
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&whitelistEntry{UserID: userID, CreatedAt: time.Now().UTC()}).Error
}

func (s *Store) RemoveWhitelist(userID string) error {
	return s.db.Where("user_id = ?", userID).Delete(&whitelistEntry{}).Error
}

func (s *Store) IsWhitelisted(userID string) (bool, error) {
	var count int64
	err := s.db.Model(&whitelistEntry{}).Where("user_id = ?", userID).Count(&count).Error
	return count > 0, err
}

func (s *Store) SaveClosure(closure *domain.ScheduledClosure) error {
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "recipient_id"}},
		UpdateAll: true,
	}).Create(closure).Error
}

func (s *Store) GetClosure(recipientID string) (*domain.ScheduledClosure, error) {
	var c domain.ScheduledClosure
	err := s.db.Where("recipient_id = ?", recipientID).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrClosureNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) DeleteClosure(recipientID string) error {
	res := s.db.Where("recipient_id = ?", recipientID).Delete(&domain.ScheduledClosure{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrClosureNotFound
	}
	return nil
}

func (s *Store) ListClosures() ([]domain.ScheduledClosure, error) {
	var out []domain.ScheduledClosure
	if err := s.db.Order("time").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CreateLog(log *domain.ThreadLog) error {
	return s.db.Create(log).Error
}

func (s *Store) GetLogByChannel(channelID string) (*domain.ThreadLog, error) {
	var log domain.ThreadLog
	err := s.db.Where("channel_id = ?", channelID).Order("created_at DESC").First(&log).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrLogNotFound
	}
	if err != nil {
		return nil, err
	}
	return &log, nil
}

func (s *Store) GetOpenLogs() ([]domain.ThreadLog, error) {
	var logs []domain.ThreadLog
	if err := s.db.Where("open = ?", true).Order("created_at").Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) PostLog(channelID string, closer domain.Closer, message string) (*domain.ThreadLog, error) {
	log, err := s.GetLogByChannel(channelID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	log.Open = false
	log.ClosedAt = &now
	log.Closer = &closer
	log.CloseMessage = message
	if err := s.db.Save(log).Error; err != nil {
		return nil, err
	}
	return log, nil
}

func (s *Store) AppendLog(channelID string, msg domain.LogMessage) error {
	log, err := s.GetLogByChannel(channelID)
	if err != nil {
		return err
	}
	log.Messages = append(log.Messages, msg)
	return s.db.Save(log).Error
}

func (s *Store) MarkLogMessage(channelID, messageID string, edited, deleted bool) error {
	log, err := s.GetLogByChannel(channelID)
	if err != nil {
		return err
	}
	for i := range log.Messages {
		if log.Messages[i].MessageID == messageID {
			if edited {
				log.Messages[i].Edited = true
			}
			if deleted {
				log.Messages[i].Deleted = true
			}
			return s.db.Save(log).Error
		}
	}
	return storage.ErrLogNotFound
}

func (s *Store) GetLatestUserLog(recipientID string) (*domain.ThreadLog, error) {
	var log domain.ThreadLog
	err := s.db.Where("recipient_id = ?", recipientID).Order("created_at DESC").First(&log).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrLogNotFound
	}
	if err != nil {
		return nil, err
	}
	return &log, nil
}

func (s *Store) SaveLink(link *domain.LinkedMessage) error {
	return s.db.Create(link).Error
}

func (s *Store) GetLink(messageID string) (*domain.LinkedMessage, error) {
	var link domain.LinkedMessage
	err := s.db.Where("user_message_id = ? OR relay_message_id = ?", messageID, messageID).First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrMessageNotLinked
	}
	if err != nil {
		return nil, err
	}
	return &link, nil
}

func (s *Store) MarkLinkDeleted(messageID string) error {
	link, err := s.GetLink(messageID)
	if err != nil {
		return err
	}
	return s.db.Model(&domain.LinkedMessage{}).
		Where("user_message_id = ?", link.UserMessageID).
		Update("deleted", true).Error
}

func (s *Store) ListLinks(recipientID string) ([]domain.LinkedMessage, error) {
	var links []domain.LinkedMessage
	err := s.db.Where("recipient_id = ?", recipientID).Order("created_at").Find(&links).Error
	if err != nil {
		return nil, err
	}
	return links, nil
}

func (s *Store) SaveMacro(macro *domain.Macro) error {
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}, {Name: "kind"}},
		UpdateAll: true,
	}).Create(macro).Error
}

func (s *Store) GetMacro(name string, kind domain.MacroKind) (*domain.Macro, error) {
	var m domain.Macro
	err := s.db.Where("name = ? AND kind = ?", name, kind).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrMacroNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) DeleteMacro(name string, kind domain.MacroKind) error {
	res := s.db.Where("name = ? AND kind = ?", name, kind).Delete(&domain.Macro{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrMacroNotFound
	}
	return nil
}

func (s *Store) ListMacros(kind domain.MacroKind) ([]domain.Macro, error) {
	var out []domain.Macro
	if err := s.db.Where("kind = ?", kind).Order("name").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
