package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested item is not found.
var ErrNotFound = errors.New("not found")

// MessageRepository defines operations for the ticket message archive.
type MessageRepository interface {
	Store(ctx context.Context, msg *TicketMessage) error
	ListByChannel(ctx context.Context, channelID string) ([]TicketMessage, error)
	ListByPhone(ctx context.Context, phone string, limit int) ([]TicketMessage, error)
	CountByChannel(ctx context.Context, channelID string) (int, error)
	DeleteByChannel(ctx context.Context, channelID string) error
}
