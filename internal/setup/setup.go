// Package setup holds in-progress guild setup sessions. A setup session
// collects the channel choices and message templates an admin picks during
// the interactive setup flow, before any instance exists for the guild.
package setup

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/TheRealBossRPG/whatsapp-discord-bridge-clean-sub002/internal/settings"
)

// ErrNoSession is returned when a guild has no active setup session.
var ErrNoSession = errors.New("no active setup session for guild")

// Session is the state accumulated during one guild's setup flow.
type Session struct {
	GuildID    string
	UserID     string // admin driving the setup
	CategoryID string

	TranscriptChannelID string
	VouchChannelID      string

	// Customized templates chosen during setup, applied to the instance
	// settings on completion.
	Templates settings.Settings

	StartedAt time.Time
	UpdatedAt time.Time
}

// Store keeps at most one active setup session per guild and expires
// abandoned ones. Sessions are purely in-memory: a restart cancels setup,
// which is the safe outcome for a half-configured guild.
type Store struct {
	ttl  time.Duration
	log  *slog.Logger
	done chan struct{}

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewStore creates a session store whose janitor expires sessions older than
// ttl. Stop must be called to release the janitor.
func NewStore(ttl time.Duration, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{
		ttl:      ttl,
		log:      log.With("component", "setup"),
		done:     make(chan struct{}),
		sessions: make(map[string]*Session),
	}
	go s.janitor()
	return s
}

// Begin starts (or restarts) a setup session for a guild. An existing session
// for the same guild is discarded: the latest admin interaction wins.
func (s *Store) Begin(guildID, userID string) *Session {
	now := time.Now()
	sess := &Session{
		GuildID:   guildID,
		UserID:    userID,
		StartedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	if _, ok := s.sessions[guildID]; ok {
		s.log.Info("restarting setup session", "guild_id", guildID, "user_id", userID)
	}
	s.sessions[guildID] = sess
	s.mu.Unlock()

	return sess
}

// Get returns a copy of the guild's active session.
func (s *Store) Get(guildID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[guildID]
	if !ok {
		return Session{}, ErrNoSession
	}
	return *sess, nil
}

// Update applies fn to the guild's session under the store lock and bumps its
// activity timestamp.
func (s *Store) Update(guildID string, fn func(*Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[guildID]
	if !ok {
		return ErrNoSession
	}
	fn(sess)
	sess.UpdatedAt = time.Now()
	return nil
}

// Complete removes the session and returns its final state for instance
// creation.
func (s *Store) Complete(guildID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[guildID]
	if !ok {
		return Session{}, ErrNoSession
	}
	delete(s.sessions, guildID)
	return *sess, nil
}

// Cancel discards the guild's session if one exists.
func (s *Store) Cancel(guildID string) {
	s.mu.Lock()
	delete(s.sessions, guildID)
	s.mu.Unlock()
}

// Active returns the number of in-flight setup sessions.
func (s *Store) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Stop shuts down the expiry janitor.
func (s *Store) Stop() {
	close(s.done)
}

func (s *Store) janitor() {
	interval := s.ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.expire(time.Now())
		case <-s.done:
			return
		}
	}
}

func (s *Store) expire(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for guildID, sess := range s.sessions {
		if now.Sub(sess.UpdatedAt) > s.ttl {
			delete(s.sessions, guildID)
			s.log.Info("setup session expired", "guild_id", guildID, "user_id", sess.UserID)
		}
	}
}
