package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/softadastra/chatcore/internal/protocol"
)

type messageRow struct {
	ID          string  `gorm:"column:id;primaryKey"`
	Kind        string  `gorm:"column:kind"`
	Room        *string `gorm:"column:room"`
	Type        string  `gorm:"column:type"`
	TS          string  `gorm:"column:ts"`
	PayloadJSON string  `gorm:"column:payload_json"`
}

func (messageRow) TableName() string { return "messages" }

// SQLiteStore is the durable MessageStore provider: one database file
// with a WAL alongside it.
type SQLiteStore struct {
	db     *gorm.DB
	gen    *idGenerator
	logger zerolog.Logger
}

// OpenSQLite opens (creating if needed) the database at path and
// migrates the messages table.
//
// SQLite pragmas:
//   - journal_mode(WAL): concurrent readers with a single writer
//   - busy_timeout(5000): wait up to 5s when the database is locked
func OpenSQLite(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create database directory: %v", ErrStorageFailed, err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStorageFailed, path, err)
	}

	if err := db.AutoMigrate(&messageRow{}); err != nil {
		return nil, fmt.Errorf("%w: migrate schema: %v", ErrStorageFailed, err)
	}

	logger.Info().Str("path", path).Msg("message store opened")
	return &SQLiteStore{
		db:     db,
		gen:    newIDGenerator(),
		logger: logger,
	}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, env *protocol.Envelope) (*protocol.Envelope, error) {
	out := normalized(env, s.gen, time.Now)

	payload, err := payloadJSON(out)
	if err != nil {
		return nil, err
	}

	row := messageRow{
		ID:          out.ID,
		Kind:        out.Kind,
		Type:        out.Type,
		TS:          out.TS,
		PayloadJSON: payload,
	}
	if out.Room != "" {
		room := out.Room
		row.Room = &room
	}

	// Re-appending an id replaces the row, matching upsert semantics
	// of the original log.
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(&row).Error
	if err != nil {
		return nil, fmt.Errorf("%w: append id %s: %v", ErrStorageFailed, out.ID, err)
	}
	return out, nil
}

func (s *SQLiteStore) ListByRoom(ctx context.Context, room string, limit int, beforeID string) ([]*protocol.Envelope, error) {
	if limit <= 0 {
		return []*protocol.Envelope{}, nil
	}

	q := s.db.WithContext(ctx).Where("room = ?", room)
	if beforeID != "" {
		q = q.Where("id < ?", beforeID)
	}

	var rows []messageRow
	if err := q.Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: list room %s: %v", ErrStorageFailed, room, err)
	}
	return rowsToEnvelopes(rows), nil
}

func (s *SQLiteStore) ReplayFrom(ctx context.Context, startID string, limit int) ([]*protocol.Envelope, error) {
	if limit <= 0 {
		return []*protocol.Envelope{}, nil
	}

	var rows []messageRow
	err := s.db.WithContext(ctx).
		Where("id > ?", startID).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: replay from %s: %v", ErrStorageFailed, startID, err)
	}
	return rowsToEnvelopes(rows), nil
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("%w: close: %v", ErrStorageFailed, err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", ErrStorageFailed, err)
	}
	return nil
}

func rowsToEnvelopes(rows []messageRow) []*protocol.Envelope {
	out := make([]*protocol.Envelope, 0, len(rows))
	for _, r := range rows {
		env := &protocol.Envelope{
			ID:      r.ID,
			Kind:    r.Kind,
			TS:      r.TS,
			Type:    r.Type,
			Payload: decodePayload(r.PayloadJSON),
		}
		if r.Room != nil {
			env.Room = *r.Room
		}
		out = append(out, env)
	}
	return out
}
