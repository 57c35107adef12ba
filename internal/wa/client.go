package wa

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"

	"github.com/TheRealBossRPG/whatsapp-discord-bridge-clean-sub002/internal/state"
)

// Client wraps the whatsmeow client for one instance.
type Client struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	storePath string
	log       *slog.Logger
	stateMgr  *state.Machine

	mu           sync.RWMutex
	qrChan       chan string
	msgHandlers  []MessageHandler
	readyFns     []func()
	disconnFns   []func()
	isConnected  bool
}

// ClientConfig holds configuration for one session client.
type ClientConfig struct {
	// StorePath is the per-instance whatsmeow database, e.g.
	// instances/<id>/whatsapp.db.
	StorePath string
	StateMgr  *state.Machine
}

// NewClient creates a session client. The connection is not opened yet.
func NewClient(ctx context.Context, cfg *ClientConfig, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}

	storeDir := filepath.Dir(cfg.StorePath)
	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	dbLog := &slogAdapter{log: log.With("component", "whatsmeow-db")}

	container, err := sqlstore.New(ctx, "sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on", cfg.StorePath), dbLog)
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}

	return &Client{
		container: container,
		storePath: cfg.StorePath,
		log:       log,
		stateMgr:  cfg.StateMgr,
		qrChan:    make(chan string, 10),
	}, nil
}

// Connect establishes the WhatsApp connection. With showQR false and no stored
// auth material it fails with ErrPairingRequired so the caller can decide to
// start an explicit pairing flow. Returns whether auth material already
// existed.
func (c *Client) Connect(ctx context.Context, showQR bool) (bool, error) {
	c.mu.Lock()

	if c.client != nil && c.client.IsConnected() {
		c.mu.Unlock()
		return true, nil
	}

	deviceStore, err := c.container.GetFirstDevice(ctx)
	if err != nil {
		c.mu.Unlock()
		return false, fmt.Errorf("failed to get device store: %w", err)
	}

	clientLog := &slogAdapter{log: c.log.With("component", "whatsmeow")}
	c.client = whatsmeow.NewClient(deviceStore, clientLog)
	c.client.AddEventHandler(c.handleEvent)

	if c.stateMgr != nil {
		_ = c.stateMgr.Fire(ctx, state.TriggerConnect)
	}

	hasSession := c.client.Store.ID != nil

	// Release the lock before connecting: handleEvent takes it again for
	// PairSuccess/Connected and would deadlock otherwise.
	c.mu.Unlock()

	if !hasSession {
		if !showQR {
			if c.stateMgr != nil {
				_ = c.stateMgr.Fire(ctx, state.TriggerDisconnect)
			}
			return false, ErrPairingRequired
		}

		c.log.Info("no session found, starting QR pairing")
		if c.stateMgr != nil {
			_ = c.stateMgr.Fire(ctx, state.TriggerQRRequired)
		}
		// QR codes reach qrChan via the event handler; completion is observed
		// through the Connected/PairSuccess events.
		if err := c.client.Connect(); err != nil {
			return false, fmt.Errorf("failed to connect for QR pairing: %w", err)
		}
		return false, nil
	}

	if err := c.client.Connect(); err != nil {
		if c.stateMgr != nil {
			_ = c.stateMgr.Fire(ctx, state.TriggerConnectionLost)
		}
		return true, fmt.Errorf("failed to connect: %w", err)
	}

	c.mu.Lock()
	c.isConnected = true
	c.mu.Unlock()
	return true, nil
}

// Disconnect closes the connection. With logout true the session is logged out
// and the on-disk auth material removed, forcing a fresh QR pairing next time.
func (c *Client) Disconnect(logout bool) {
	c.mu.Lock()
	client := c.client
	c.isConnected = false
	c.mu.Unlock()

	if client == nil {
		return
	}

	if logout {
		if err := client.Logout(context.Background()); err != nil {
			c.log.Warn("logout failed, wiping local auth material anyway", "error", err)
		}
		if c.stateMgr != nil {
			_ = c.stateMgr.Fire(context.Background(), state.TriggerLogout)
		}
	} else {
		if c.stateMgr != nil {
			_ = c.stateMgr.Fire(context.Background(), state.TriggerDisconnect)
		}
	}

	client.Disconnect()
}

// IsConnected returns true if connected to WhatsApp.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client != nil && c.client.IsConnected()
}

// IsLoggedIn returns true if we have an authenticated session.
func (c *Client) IsLoggedIn() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client != nil && c.client.Store.ID != nil
}

// IsReady returns true if the client is connected and logged in.
func (c *Client) IsReady() bool {
	return c.IsConnected() && c.IsLoggedIn()
}

// QRChannel returns the channel receiving QR pairing codes.
func (c *Client) QRChannel() <-chan string {
	return c.qrChan
}

// OnMessage registers a handler for inbound messages.
func (c *Client) OnMessage(h MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgHandlers = append(c.msgHandlers, h)
}

// OnReady registers a handler called when the session becomes operational.
func (c *Client) OnReady(h func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readyFns = append(c.readyFns, h)
}

// OnDisconnected registers a handler called when the connection drops.
func (c *Client) OnDisconnected(h func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnFns = append(c.disconnFns, h)
}

// SendMessage sends a text message to a phone number.
func (c *Client) SendMessage(ctx context.Context, phone, text string) error {
	recipient, err := phoneToJID(phone)
	if err != nil {
		return err
	}
	if !c.IsReady() {
		return ErrNotConnected
	}

	_, err = c.client.SendMessage(ctx, recipient, &waE2E.Message{
		Conversation: &text,
	})
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// SendImage uploads and sends an image with an optional caption.
func (c *Client) SendImage(ctx context.Context, phone string, data []byte, caption string) error {
	recipient, err := phoneToJID(phone)
	if err != nil {
		return err
	}
	if !c.IsReady() {
		return ErrNotConnected
	}

	mimeType := http.DetectContentType(data)
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = "image/jpeg"
	}

	uploaded, err := c.client.Upload(ctx, data, whatsmeow.MediaImage)
	if err != nil {
		return fmt.Errorf("failed to upload image: %w", err)
	}

	msg := &waE2E.Message{
		ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(caption),
			Mimetype:      proto.String(mimeType),
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uint64(len(data))),
		},
	}

	if _, err := c.client.SendMessage(ctx, recipient, msg); err != nil {
		return fmt.Errorf("failed to send image: %w", err)
	}
	return nil
}

// SendDocument uploads and sends a document.
func (c *Client) SendDocument(ctx context.Context, phone string, data []byte, filename string) error {
	recipient, err := phoneToJID(phone)
	if err != nil {
		return err
	}
	if !c.IsReady() {
		return ErrNotConnected
	}

	uploaded, err := c.client.Upload(ctx, data, whatsmeow.MediaDocument)
	if err != nil {
		return fmt.Errorf("failed to upload document: %w", err)
	}

	msg := &waE2E.Message{
		DocumentMessage: &waE2E.DocumentMessage{
			FileName:      proto.String(filename),
			Mimetype:      proto.String(http.DetectContentType(data)),
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uint64(len(data))),
		},
	}

	if _, err := c.client.SendMessage(ctx, recipient, msg); err != nil {
		return fmt.Errorf("failed to send document: %w", err)
	}
	return nil
}

// Close closes the client and releases resources.
func (c *Client) Close() error {
	c.Disconnect(false)
	if c.container != nil {
		return c.container.Close()
	}
	return nil
}

// handleEvent processes events from whatsmeow.
func (c *Client) handleEvent(evt interface{}) {
	switch e := evt.(type) {
	case *events.QR:
		// Only the first code is currently active; whatsmeow fires a fresh QR
		// event on rotation.
		if len(e.Codes) > 0 {
			select {
			case c.qrChan <- e.Codes[0]:
			default:
				c.log.Warn("QR channel full, dropping code")
			}
		}

	case *events.PairSuccess:
		c.log.Info("pairing successful")
		if c.stateMgr != nil {
			_ = c.stateMgr.Fire(context.Background(), state.TriggerQRScanned)
		}

	case *events.Connected:
		c.mu.Lock()
		c.isConnected = true
		readyFns := append([]func(){}, c.readyFns...)
		c.mu.Unlock()

		if c.stateMgr != nil {
			ctx := context.Background()
			if ok, _ := c.stateMgr.CanFire(ctx, state.TriggerAuthenticated); ok {
				_ = c.stateMgr.Fire(ctx, state.TriggerAuthenticated)
			} else {
				_ = c.stateMgr.Fire(ctx, state.TriggerReconnected)
			}
		}
		for _, fn := range readyFns {
			fn()
		}

	case *events.Disconnected:
		c.mu.Lock()
		c.isConnected = false
		disconnFns := append([]func(){}, c.disconnFns...)
		c.mu.Unlock()

		if c.stateMgr != nil {
			_ = c.stateMgr.Fire(context.Background(), state.TriggerConnectionLost)
		}
		for _, fn := range disconnFns {
			fn()
		}

	case *events.LoggedOut:
		c.log.Info("logged out by remote", "reason", e.Reason)
		if c.stateMgr != nil {
			_ = c.stateMgr.Fire(context.Background(), state.TriggerLogout)
		}

	case *events.Message:
		c.dispatchMessage(e)
	}
}

// dispatchMessage extracts text from an inbound message and fans it out to
// registered handlers. Own messages are skipped: the bridge relays them from
// the Discord side already.
func (c *Client) dispatchMessage(evt *events.Message) {
	if evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}

	phone := evt.Info.Sender.User
	text := extractMessageText(evt.Message)

	c.mu.RLock()
	handlers := make([]MessageHandler, len(c.msgHandlers))
	copy(handlers, c.msgHandlers)
	c.mu.RUnlock()

	for _, h := range handlers {
		h(phone, text, nil)
	}
}

// phoneToJID converts a bare phone number into a user JID.
func phoneToJID(phone string) (types.JID, error) {
	phone = strings.TrimPrefix(strings.TrimSpace(phone), "+")
	if phone == "" {
		return types.JID{}, ErrInvalidPhone
	}
	return types.NewJID(phone, types.DefaultUserServer), nil
}

// extractMessageText pulls displayable text out of a message payload.
func extractMessageText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if msg.Conversation != nil {
		return *msg.Conversation
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	if img := msg.GetImageMessage(); img != nil {
		return img.GetCaption()
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		return vid.GetCaption()
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		return doc.GetTitle()
	}
	if msg.GetAudioMessage() != nil {
		return "[audio]"
	}
	if msg.GetStickerMessage() != nil {
		return "[sticker]"
	}
	if msg.GetLocationMessage() != nil {
		return "[location]"
	}
	if contact := msg.GetContactMessage(); contact != nil {
		return "[contact: " + contact.GetDisplayName() + "]"
	}
	return ""
}

// slogAdapter adapts slog.Logger to whatsmeow's log interface.
type slogAdapter struct {
	log *slog.Logger
}

func (s *slogAdapter) Debugf(msg string, args ...interface{}) {
	s.log.Debug(fmt.Sprintf(msg, args...))
}

func (s *slogAdapter) Infof(msg string, args ...interface{}) {
	s.log.Info(fmt.Sprintf(msg, args...))
}

func (s *slogAdapter) Warnf(msg string, args ...interface{}) {
	s.log.Warn(fmt.Sprintf(msg, args...))
}

func (s *slogAdapter) Errorf(msg string, args ...interface{}) {
	s.log.Error(fmt.Sprintf(msg, args...))
}

func (s *slogAdapter) Sub(module string) waLog.Logger {
	return &slogAdapter{log: s.log.With("module", module)}
}

var (
	_ waLog.Logger = (*slogAdapter)(nil)
	_ Session      = (*Client)(nil)
)
