package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/TheRealBossRPG/whatsapp-discord-bridge-clean-sub002/internal/config"
	"github.com/TheRealBossRPG/whatsapp-discord-bridge-clean-sub002/internal/discord"
	"github.com/TheRealBossRPG/whatsapp-discord-bridge-clean-sub002/internal/health"
	"github.com/TheRealBossRPG/whatsapp-discord-bridge-clean-sub002/internal/settings"
	"github.com/TheRealBossRPG/whatsapp-discord-bridge-clean-sub002/internal/setup"
	"github.com/TheRealBossRPG/whatsapp-discord-bridge-clean-sub002/internal/state"
	"github.com/TheRealBossRPG/whatsapp-discord-bridge-clean-sub002/internal/store"
	"github.com/TheRealBossRPG/whatsapp-discord-bridge-clean-sub002/internal/ticket"
	"github.com/TheRealBossRPG/whatsapp-discord-bridge-clean-sub002/internal/transcript"
	"github.com/TheRealBossRPG/whatsapp-discord-bridge-clean-sub002/internal/wa"
)

// Manager errors
var (
	ErrNoInstance       = errors.New("no instance for guild")
	ErrAlreadyConnected = errors.New("session already connected")
	ErrQRTimeout        = errors.New("timed out waiting for QR pairing")
)

// SessionFactory builds a WhatsApp session for one instance. Swappable so
// tests can run the registry without a real whatsmeow client.
type SessionFactory func(ctx context.Context, storePath string, sm *state.Machine, log *slog.Logger) (wa.Session, error)

func defaultSessionFactory(ctx context.Context, storePath string, sm *state.Machine, log *slog.Logger) (wa.Session, error) {
	return wa.NewClient(ctx, &wa.ClientConfig{StorePath: storePath, StateMgr: sm}, log)
}

// Manager is the single authoritative guild→Instance registry. Every
// instance lookup in the process goes through GetByGuildID; nothing else
// re-implements the fallback order.
type Manager struct {
	cfg      *config.Config
	api      discord.ChannelAPI
	cfgStore *settings.Store
	sessions SessionFactory
	log      *slog.Logger

	mu        sync.RWMutex
	instances map[string]*Instance // keyed by instanceID
}

// NewManager creates the registry. sessions may be nil to use the whatsmeow
// factory.
func NewManager(cfg *config.Config, api discord.ChannelAPI, log *slog.Logger, sessions SessionFactory) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if sessions == nil {
		sessions = defaultSessionFactory
	}
	return &Manager{
		cfg:       cfg,
		api:       api,
		cfgStore:  settings.NewStore(cfg.DataDir, log),
		sessions:  sessions,
		log:       log.With("component", "instance-manager"),
		instances: make(map[string]*Instance),
	}
}

// SettingsStore exposes the settings store for read-only callers.
func (m *Manager) SettingsStore() *settings.Store {
	return m.cfgStore
}

// GetByGuildID resolves a guild to its instance: live map by id, then a live
// scan on guild id (instance and guild ids can diverge after migrations),
// then a temporary read-only view reconstructed from the settings files so
// settings UIs work before the session is live.
func (m *Manager) GetByGuildID(guildID string) (*Instance, error) {
	m.mu.RLock()
	if inst, ok := m.instances[guildID]; ok {
		m.mu.RUnlock()
		return inst, nil
	}
	for _, inst := range m.instances {
		if inst.GuildID == guildID {
			m.mu.RUnlock()
			return inst, nil
		}
	}
	m.mu.RUnlock()

	for instanceID, id := range m.cfgStore.ListAll() {
		if id.GuildID != guildID && instanceID != guildID {
			continue
		}
		inst := &Instance{
			ID:        instanceID,
			GuildID:   guildID,
			Temporary: true,
			cfg:       m.cfg,
			log:       m.log.With("instance_id", instanceID, "temporary", true),
		}
		inst.applySettings(m.cfgStore.Load(instanceID))
		return inst, nil
	}
	return nil, ErrNoInstance
}

// CreateInstance creates (or returns) the guild's instance from a completed
// setup session. The guild id doubles as the instance id, which is what makes
// creation idempotent per guild.
func (m *Manager) CreateInstance(ctx context.Context, guildID string, sess setup.Session) (*Instance, error) {
	m.mu.RLock()
	existing, ok := m.instances[guildID]
	m.mu.RUnlock()
	if ok {
		return existing, nil
	}

	instanceID := guildID

	// Identity first so the index always knows the instance, then the
	// non-identity customization only when setup produced any.
	identity := settings.Settings{
		GuildID:             guildID,
		CategoryID:          sess.CategoryID,
		TranscriptChannelID: sess.TranscriptChannelID,
		VouchChannelID:      sess.VouchChannelID,
	}
	if err := m.cfgStore.Save(instanceID, identity); err != nil {
		return nil, fmt.Errorf("failed to persist instance identity: %w", err)
	}
	if !isZeroCustomization(sess.Templates) {
		if err := m.cfgStore.Save(instanceID, sess.Templates); err != nil {
			return nil, fmt.Errorf("failed to persist instance customization: %w", err)
		}
	}

	inst, err := m.bootInstance(ctx, instanceID, guildID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.instances[instanceID] = inst
	m.mu.Unlock()

	m.log.Info("instance created", "instance_id", instanceID, "category_id", sess.CategoryID)
	return inst, nil
}

// bootInstance constructs a live instance from its on-disk state.
func (m *Manager) bootInstance(ctx context.Context, instanceID, guildID string) (*Instance, error) {
	dir := m.cfg.InstanceDir(instanceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create instance directory: %w", err)
	}

	log := m.log.With("instance_id", instanceID)
	sm := state.NewMachine()

	session, err := m.sessions(ctx, filepath.Join(dir, "whatsapp.db"), sm, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	archive, err := store.NewSQLiteStore(filepath.Join(dir, "messages.db"))
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to open message archive: %w", err)
	}

	channels, err := ticket.NewChannelManager(dir, log)
	if err != nil {
		session.Close()
		archive.Close()
		return nil, fmt.Errorf("failed to load ticket state: %w", err)
	}

	transcripts := transcript.NewManager(filepath.Join(dir, "transcripts"), archive.Messages, log)
	monitor := health.NewMonitor(instanceID, m.cfg, sm, log)

	inst := &Instance{
		ID:            instanceID,
		GuildID:       guildID,
		cfg:           m.cfg,
		api:           m.api,
		session:       session,
		machine:       sm,
		monitor:       monitor,
		archive:       archive,
		transcripts:   transcripts,
		settingsStore: m.cfgStore,
		log:           log,
	}
	inst.applySettings(m.cfgStore.Load(instanceID))

	inst.lifecycle = ticket.NewLifecycle(ticket.LifecycleConfig{
		GuildID:     guildID,
		API:         m.api,
		Session:     session,
		Channels:    channels,
		Transcripts: transcripts,
		Settings:    inst.Settings,
		DeleteDelay: m.cfg.TicketDeleteDelay,
		Log:         log,
	})

	session.OnMessage(func(phone, text string, attachments []wa.Attachment) {
		hctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := inst.HandleWhatsAppMessage(hctx, phone, "", text, attachments); err != nil {
			log.Error("inbound relay failed", "phone", phone, "error", err)
		}
	})
	reconnect := func() {
		rctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := session.Connect(rctx, false); err != nil {
			log.Warn("reconnect attempt failed", "error", err)
		}
	}
	session.OnReady(monitor.OnConnectionRestored)
	session.OnDisconnected(func() {
		monitor.ScheduleReconnect(reconnect)
	})
	monitor.WatchKeepalive(m.cfg.KeepaliveInterval, func() bool {
		return session.IsConnected() || sm.IsPairing()
	}, reconnect)

	return inst, nil
}

// SaveInstanceSettings merges a partial settings payload for an instance and
// mirrors the merged result into the live instance when one exists. Safe to
// call before the instance has ever connected.
func (m *Manager) SaveInstanceSettings(instanceID string, partial settings.Settings) error {
	if err := m.cfgStore.Save(instanceID, partial); err != nil {
		return err
	}

	m.mu.RLock()
	inst, ok := m.instances[instanceID]
	m.mu.RUnlock()
	if ok {
		inst.applySettings(m.cfgStore.Load(instanceID))
	}
	return nil
}

// Disconnect tears a guild's session down. With fullCleanup the instance is
// removed from the registry, the global index and disk entirely; without it
// only the session auth material is dropped and the instance stays registered
// as inactive so the guild can re-pair without a process restart.
func (m *Manager) Disconnect(guildID string, fullCleanup bool) (bool, error) {
	m.mu.Lock()
	inst, ok := m.instances[guildID]
	if ok {
		delete(m.instances, guildID)
	}
	m.mu.Unlock()

	if !ok && !fullCleanup {
		return false, ErrNoInstance
	}

	instanceID, instGuildID := guildID, guildID
	if inst != nil {
		instanceID, instGuildID = inst.ID, inst.GuildID
		inst.close(true) // logout drops auth material, forcing re-pairing
	}

	if fullCleanup {
		if err := m.cfgStore.Remove(instanceID); err != nil {
			m.log.Warn("failed to remove instance from index", "instance_id", instanceID, "error", err)
		}
		if err := os.RemoveAll(m.cfg.InstanceDir(instanceID)); err != nil {
			m.log.Warn("failed to remove instance directory", "instance_id", instanceID, "error", err)
		}
		m.log.Info("instance disconnected", "instance_id", instanceID, "full_cleanup", true)
		return true, nil
	}

	// Identity and settings survive a soft disconnect. Re-register a fresh
	// instance with a logged-out session so GenerateQRCode keeps working.
	fresh, err := m.bootInstance(context.Background(), instanceID, instGuildID)
	if err != nil {
		m.log.Warn("failed to re-register instance after disconnect", "instance_id", instanceID, "error", err)
		return true, nil
	}
	m.mu.Lock()
	m.instances[instanceID] = fresh
	m.mu.Unlock()

	m.log.Info("instance disconnected", "instance_id", instanceID, "full_cleanup", false)
	return true, nil
}

// GenerateQRCode starts a pairing flow for the guild and returns the QR code
// payload to render. Three outcomes: ErrAlreadyConnected when the session
// needs no pairing, the QR string when pairing produced one, ErrQRTimeout
// when the session never resolved within the configured window.
func (m *Manager) GenerateQRCode(ctx context.Context, guildID string) (string, error) {
	m.mu.RLock()
	inst, ok := m.instances[guildID]
	m.mu.RUnlock()
	if !ok {
		return "", ErrNoInstance
	}

	if inst.session.IsConnected() && inst.session.IsLoggedIn() {
		return "", ErrAlreadyConnected
	}

	connectErr := make(chan error, 1)
	go func() {
		hadAuth, err := inst.session.Connect(ctx, true)
		if err != nil {
			connectErr <- err
			return
		}
		if hadAuth {
			connectErr <- ErrAlreadyConnected
		}
	}()

	timeout := time.NewTimer(m.cfg.QRTimeout)
	defer timeout.Stop()

	select {
	case qr := <-inst.session.QRChannel():
		if qr == "" {
			return "", ErrQRTimeout
		}
		return qr, nil
	case err := <-connectErr:
		return "", err
	case <-timeout.C:
		return "", ErrQRTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// InitializeAll reconstructs every indexed instance at process start, trying
// each session's stored auth material without forcing a fresh pairing. One
// broken instance never blocks the rest of the fleet.
func (m *Manager) InitializeAll(ctx context.Context) int {
	index := m.cfgStore.ListAll()
	started := 0

	for instanceID, id := range index {
		guildID := id.GuildID
		if guildID == "" {
			guildID = instanceID
		}

		inst, err := m.bootInstance(ctx, instanceID, guildID)
		if err != nil {
			m.log.Error("failed to initialize instance", "instance_id", instanceID, "error", err)
			continue
		}

		m.mu.Lock()
		m.instances[instanceID] = inst
		m.mu.Unlock()

		if _, err := inst.session.Connect(ctx, false); err != nil {
			if errors.Is(err, wa.ErrPairingRequired) {
				inst.log.Info("instance needs QR pairing before it can connect")
			} else {
				inst.log.Warn("initial connect failed", "error", err)
			}
		}
		started++
	}

	m.log.Info("instances initialized", "indexed", len(index), "started", started)
	return started
}

// Shutdown disconnects every live instance without cleaning anything up.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	instances := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		instances = append(instances, inst)
	}
	m.instances = make(map[string]*Instance)
	m.mu.Unlock()

	for _, inst := range instances {
		inst.close(false)
	}
	m.log.Info("all instances shut down", "count", len(instances))
}

// Instances returns a snapshot of the live instances.
func (m *Manager) Instances() []*Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst)
	}
	return out
}

func isZeroCustomization(s settings.Settings) bool {
	return s.WelcomeMessage == "" && s.IntroMessage == "" && s.ReopenMessage == "" &&
		s.NewTicketMessage == "" && s.ClosingMessage == "" && s.VouchMessage == "" &&
		s.VouchSuccessMessage == "" && s.TranscriptsEnabled == nil &&
		s.VouchEnabled == nil && s.SendClosingMessage == nil && len(s.SpecialChannels) == 0
}
