// Package events keeps an operation journal in sqlite. Every mutating
// operation records one row; the console shows the most recent entries.
package events

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Journal entry levels.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Event represents one journalled operation.
type Event struct {
	ID        string
	Type      string // e.g. "world.create", "backup.restore"
	Level     string // "info", "warn", "error"
	Message   string
	World     string // empty for host-wide events
	CreatedAt time.Time
}

// ServiceProvider defines the interface for the operation journal.
type ServiceProvider interface {
	Record(eventType, level, message, world string)
	Recent(limit int) ([]Event, error)
}

// Service provides journal reads and writes.
type Service struct {
	db *sql.DB
}

// NewService creates a new journal service.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// Record writes one journal row. A journal failure is logged as a warning
// and swallowed so it never fails the operation being journalled.
func (s *Service) Record(eventType, level, message, world string) {
	var w sql.NullString
	if world != "" {
		w = sql.NullString{String: world, Valid: true}
	}

	_, err := s.db.Exec(
		"INSERT INTO events (id, type, level, message, world) VALUES (?, ?, ?, ?, ?)",
		uuid.New().String(), eventType, level, message, w,
	)
	if err != nil {
		log.Warn().Err(err).Str("type", eventType).Msg("event journal write failed")
	}
}

// Recent retrieves the most recent journal entries, newest first.
func (s *Service) Recent(limit int) ([]Event, error) {
	rows, err := s.db.Query(
		"SELECT id, type, level, message, world, created_at FROM events ORDER BY created_at DESC, id LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			event Event
			world sql.NullString
		)
		if err := rows.Scan(&event.ID, &event.Type, &event.Level, &event.Message, &world, &event.CreatedAt); err != nil {
			return nil, err
		}
		event.World = world.String
		events = append(events, event)
	}
	return events, rows.Err()
}
