// Package transcript renders closed-ticket conversations into transcript
// files from the message archive.
package transcript

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/TheRealBossRPG/whatsapp-discord-bridge-clean-sub002/internal/store"
)

type contactHint struct {
	phone    string
	username string
}

// Manager generates transcript files for one instance, under
// instances/<id>/transcripts/.
type Manager struct {
	dir      string
	messages store.MessageRepository
	log      *slog.Logger

	mu    sync.Mutex
	hints map[string]contactHint // channelID -> contact
}

// NewManager creates a transcript manager writing into dir.
func NewManager(dir string, messages store.MessageRepository, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		dir:      dir,
		messages: messages,
		log:      log.With("component", "transcript"),
		hints:    make(map[string]contactHint),
	}
}

// EnsurePhone records which contact a channel belongs to, so a transcript can
// still be labeled when generation races the mapping removal during close.
func (m *Manager) EnsurePhone(channelID, phone, username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hints[channelID] = contactHint{phone: phone, username: username}
}

// Contact returns the recorded contact for a channel, if any.
func (m *Manager) Contact(channelID string) (phone, username string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hints[channelID]
	return h.phone, h.username, ok
}

// Generate renders the channel's archived messages to a transcript file and
// returns its path. An empty archive still produces a (header-only) file:
// the close flow treats any error here as degraded, never blocking deletion.
func (m *Manager) Generate(ctx context.Context, channelID, closedBy string) (string, error) {
	m.mu.Lock()
	hint := m.hints[channelID]
	delete(m.hints, channelID)
	m.mu.Unlock()

	msgs, err := m.messages.ListByChannel(ctx, channelID)
	if err != nil {
		return "", fmt.Errorf("failed to load archived messages: %w", err)
	}

	phone := hint.phone
	if phone == "" {
		for _, msg := range msgs {
			if msg.Phone != "" {
				phone = msg.Phone
				break
			}
		}
	}
	if phone == "" {
		phone = "unknown"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Ticket transcript\n")
	fmt.Fprintf(&b, "Contact: %s", phone)
	if hint.username != "" {
		fmt.Fprintf(&b, " (%s)", hint.username)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Closed by: %s\n", closedBy)
	fmt.Fprintf(&b, "Closed at: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Messages: %d\n\n", len(msgs))

	for _, msg := range msgs {
		sender := msg.Sender
		if sender == "" {
			sender = string(msg.Direction)
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n",
			msg.Timestamp.UTC().Format("2006-01-02 15:04:05"), sender, msg.Content)
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create transcript directory: %w", err)
	}

	name := fmt.Sprintf("transcript-%s-%d.txt", sanitizePhone(phone), time.Now().UnixMilli())
	path := filepath.Join(m.dir, name)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("failed to write transcript: %w", err)
	}

	m.log.Info("transcript generated", "channel_id", channelID, "path", path, "messages", len(msgs))
	return path, nil
}

// LatestForPhone returns the newest transcript previously generated for a
// contact, used as the previous-conversation attachment on reopen.
func (m *Manager) LatestForPhone(phone string) (string, bool) {
	prefix := "transcript-" + sanitizePhone(phone) + "-"

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return "", false
	}

	var matches []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			matches = append(matches, e.Name())
		}
	}
	if len(matches) == 0 {
		return "", false
	}

	// Millisecond suffix in the name sorts lexicographically within a prefix.
	sort.Strings(matches)
	return filepath.Join(m.dir, matches[len(matches)-1]), true
}

func sanitizePhone(phone string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
}
