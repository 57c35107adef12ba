package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements the archive repositories using SQLite. One store
// exists per instance, at instances/<id>/messages.db.
type SQLiteStore struct {
	db       *sql.DB
	Messages *SQLiteMessageRepo
}

// NewSQLiteStore creates a new SQLite-backed store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteStore{
		db:       db,
		Messages: &SQLiteMessageRepo{db: db},
	}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func runMigrations(db *sql.DB) error {
	migration := `
	CREATE TABLE IF NOT EXISTS ticket_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		channel_id TEXT NOT NULL,
		phone TEXT NOT NULL,
		sender TEXT NOT NULL DEFAULT '',
		direction TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		timestamp TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ticket_messages_channel ON ticket_messages(channel_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_ticket_messages_phone ON ticket_messages(phone, timestamp);
	`

	_, err := db.Exec(migration)
	return err
}

// SQLiteMessageRepo implements MessageRepository.
type SQLiteMessageRepo struct {
	db *sql.DB
}

func (r *SQLiteMessageRepo) Store(ctx context.Context, msg *TicketMessage) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO ticket_messages (channel_id, phone, sender, direction, content, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ChannelID, msg.Phone, msg.Sender, msg.Direction, msg.Content, msg.Timestamp,
	)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		msg.ID = id
	}
	return nil
}

// ListByChannel returns a channel's messages in chronological order.
func (r *SQLiteMessageRepo) ListByChannel(ctx context.Context, channelID string) ([]TicketMessage, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, channel_id, phone, sender, direction, content, timestamp
		FROM ticket_messages
		WHERE channel_id = ?
		ORDER BY timestamp ASC, id ASC`,
		channelID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows)
}

// ListByPhone returns the most recent messages exchanged with a contact across
// all of their past tickets, newest last.
func (r *SQLiteMessageRepo) ListByPhone(ctx context.Context, phone string, limit int) ([]TicketMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, channel_id, phone, sender, direction, content, timestamp
		FROM (
			SELECT id, channel_id, phone, sender, direction, content, timestamp
			FROM ticket_messages
			WHERE phone = ?
			ORDER BY timestamp DESC, id DESC
			LIMIT ?
		)
		ORDER BY timestamp ASC, id ASC`,
		phone, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows)
}

func (r *SQLiteMessageRepo) CountByChannel(ctx context.Context, channelID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ticket_messages WHERE channel_id = ?`, channelID,
	).Scan(&count)
	return count, err
}

func (r *SQLiteMessageRepo) DeleteByChannel(ctx context.Context, channelID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM ticket_messages WHERE channel_id = ?`, channelID)
	return err
}

func scanMessages(rows *sql.Rows) ([]TicketMessage, error) {
	var messages []TicketMessage
	for rows.Next() {
		var m TicketMessage
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.Phone, &m.Sender, &m.Direction, &m.Content, &m.Timestamp); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

var _ MessageRepository = (*SQLiteMessageRepo)(nil)
