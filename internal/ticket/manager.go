// Package ticket owns the support-ticket channel state: the phone↔channel
// mapping, the per-channel status machine, and the ticket lifecycle built on
// top of them.
package ticket

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/TheRealBossRPG/whatsapp-discord-bridge-clean-sub002/internal/settings"
)

// Status is the durable per-channel ticket status.
type Status string

const (
	StatusOpen    Status = "open"
	StatusClosing Status = "closing"
	StatusClosed  Status = "closed"
)

// ErrBackwardTransition is returned when a status update would move a ticket
// backward (closing→open, closed→anything).
var ErrBackwardTransition = errors.New("ticket status cannot move backward")

const (
	statusFileName  = "ticket_status.json"
	mappingFileName = "channel_map.json"
)

// ChannelManager owns the bidirectional phone↔channel mapping and ticket
// statuses for one instance. Both are persisted immediately on change so a
// crash mid-close does not lose the closing marker.
type ChannelManager struct {
	dir string
	log *slog.Logger

	mu             sync.Mutex
	phoneToChannel map[string]string
	channelToPhone map[string]string
	statuses       map[string]Status
	// In-memory guard against concurrent close triggers. Checked and inserted
	// under mu, which is what makes TryBeginClosing atomic.
	closing map[string]struct{}
}

// NewChannelManager loads or initializes the manager state under dir.
func NewChannelManager(dir string, log *slog.Logger) (*ChannelManager, error) {
	if log == nil {
		log = slog.Default()
	}

	m := &ChannelManager{
		dir:            dir,
		log:            log.With("component", "ticket-channels"),
		phoneToChannel: make(map[string]string),
		channelToPhone: make(map[string]string),
		statuses:       make(map[string]Status),
		closing:        make(map[string]struct{}),
	}

	if err := settings.ReadJSON(m.statusPath(), &m.statuses); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.log.Warn("unreadable ticket status file, starting empty", "error", err)
	}
	if err := settings.ReadJSON(m.mappingPath(), &m.phoneToChannel); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.log.Warn("unreadable channel map file, starting empty", "error", err)
	}
	for phone, ch := range m.phoneToChannel {
		m.channelToPhone[ch] = phone
	}

	return m, nil
}

func (m *ChannelManager) statusPath() string {
	return filepath.Join(m.dir, statusFileName)
}

func (m *ChannelManager) mappingPath() string {
	return filepath.Join(m.dir, mappingFileName)
}

// SetMapping associates a phone number with a channel. Any previous mapping
// of either side is dropped first, so each phone maps to at most one channel
// and vice versa.
func (m *ChannelManager) SetMapping(phone, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.phoneToChannel[phone]; ok {
		delete(m.channelToPhone, old)
	}
	if old, ok := m.channelToPhone[channelID]; ok {
		delete(m.phoneToChannel, old)
	}

	m.phoneToChannel[phone] = channelID
	m.channelToPhone[channelID] = phone
	return m.persistMappingsLocked()
}

// RemoveMapping drops the mapping for a phone number. Unknown phones are a
// no-op.
func (m *ChannelManager) RemoveMapping(phone string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	channelID, ok := m.phoneToChannel[phone]
	if !ok {
		return nil
	}
	delete(m.phoneToChannel, phone)
	delete(m.channelToPhone, channelID)
	return m.persistMappingsLocked()
}

// ChannelID returns the channel mapped to a phone number.
func (m *ChannelManager) ChannelID(phone string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.phoneToChannel[phone]
	return id, ok
}

// Phone returns the phone number mapped to a channel.
func (m *ChannelManager) Phone(channelID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	phone, ok := m.channelToPhone[channelID]
	return phone, ok
}

// SetStatus updates a channel's ticket status and persists immediately.
// Transitions only move forward: open→closing→closed.
func (m *ChannelManager) SetStatus(channelID string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setStatusLocked(channelID, status)
}

func (m *ChannelManager) setStatusLocked(channelID string, status Status) error {
	current, ok := m.statuses[channelID]
	if ok && !allowedTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrBackwardTransition, current, status)
	}
	m.statuses[channelID] = status
	return settings.WriteJSONAtomic(m.statusPath(), m.statuses)
}

func allowedTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusOpen:
		return to == StatusClosing || to == StatusClosed
	case StatusClosing:
		return to == StatusClosed
	default: // closed is terminal
		return false
	}
}

// GetStatus returns a channel's status.
func (m *ChannelManager) GetStatus(channelID string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.statuses[channelID]
	return s, ok
}

// IsClosed reports whether a channel must no longer be treated as an active
// ticket. Deliberately true for closing as well as closed: a ticket mid-close
// must not accept new routed messages.
func (m *ChannelManager) IsClosed(channelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.closing[channelID]; ok {
		return true
	}
	s := m.statuses[channelID]
	return s == StatusClosing || s == StatusClosed
}

// TryBeginClosing atomically claims the right to close a channel. It returns
// false if the channel is already closing or closed, guarding against
// duplicate close triggers from double button-clicks or racing events. On
// success the closing status is persisted before returning.
func (m *ChannelManager) TryBeginClosing(channelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.closing[channelID]; ok {
		return false
	}
	if s := m.statuses[channelID]; s == StatusClosing || s == StatusClosed {
		return false
	}

	m.closing[channelID] = struct{}{}
	if err := m.setStatusLocked(channelID, StatusClosing); err != nil {
		// Keep the in-memory claim: the close is proceeding even if the
		// durable marker could not be written.
		m.log.Error("failed to persist closing status", "channel_id", channelID, "error", err)
	}
	return true
}

// EndClosing releases the in-memory closing guard. Called after the deletion
// attempt regardless of its outcome, so a failed delete does not lock the
// channel id out of future close attempts.
func (m *ChannelManager) EndClosing(channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.closing, channelID)
}

func (m *ChannelManager) persistMappingsLocked() error {
	return settings.WriteJSONAtomic(m.mappingPath(), m.phoneToChannel)
}
