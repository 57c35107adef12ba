// Package wa provides the WhatsApp session capability, one session per
// instance, backed by whatsmeow.
package wa

import (
	"context"
	"errors"
)

// Common errors
var (
	ErrNotConnected    = errors.New("not connected to WhatsApp")
	ErrPairingRequired = errors.New("no WhatsApp session, QR pairing required")
	ErrInvalidPhone    = errors.New("invalid phone number")
)

// Attachment is a media payload arriving with a WhatsApp message.
type Attachment struct {
	Filename string
	MimeType string
	Data     []byte
}

// MessageHandler receives inbound WhatsApp messages. phone is the bare number
// of the sender, without the JID server suffix.
type MessageHandler func(phone, text string, attachments []Attachment)

// Session is the capability contract one instance holds on its WhatsApp
// connection. All call sites may assume the full method set exists.
type Session interface {
	// Connect establishes the connection. With showQR false a missing session
	// fails with ErrPairingRequired instead of starting a pairing flow. The
	// returned bool reports whether auth material already existed.
	Connect(ctx context.Context, showQR bool) (bool, error)

	// Disconnect tears the connection down. With logout true the session is
	// logged out and auth material wiped, forcing a fresh QR pairing next time.
	Disconnect(logout bool)

	IsConnected() bool
	IsLoggedIn() bool

	SendMessage(ctx context.Context, phone, text string) error
	SendImage(ctx context.Context, phone string, data []byte, caption string) error
	SendDocument(ctx context.Context, phone string, data []byte, filename string) error

	OnMessage(h MessageHandler)
	OnReady(h func())
	OnDisconnected(h func())

	// QRChannel delivers pairing codes while a QR flow is active.
	QRChannel() <-chan string

	Close() error
}
