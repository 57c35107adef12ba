// Package store provides data persistence for bridged ticket messages.
package store

import (
	"time"
)

// Direction indicates which side of the bridge produced a message.
type Direction string

const (
	DirectionInbound  Direction = "whatsapp"
	DirectionOutbound Direction = "discord"
)

// TicketMessage is one bridged message, archived per ticket channel. The
// archive is the source for transcripts and for the previous-conversation
// attachment when a ticket is reopened.
type TicketMessage struct {
	ID        int64     `json:"id"`
	ChannelID string    `json:"channel_id"`
	Phone     string    `json:"phone"`
	Sender    string    `json:"sender"`
	Direction Direction `json:"direction"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}
