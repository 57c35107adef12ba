package ticket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/TheRealBossRPG/whatsapp-discord-bridge-clean-sub002/internal/discord"
	"github.com/TheRealBossRPG/whatsapp-discord-bridge-clean-sub002/internal/settings"
	"github.com/TheRealBossRPG/whatsapp-discord-bridge-clean-sub002/internal/transcript"
	"github.com/TheRealBossRPG/whatsapp-discord-bridge-clean-sub002/internal/wa"
)

// Lifecycle errors
var (
	ErrMissingContact = errors.New("phone number and username are required")
	ErrNoCategory     = errors.New("no ticket category configured")
	ErrAlreadyClosing = errors.New("ticket is already closing")
	ErrUnknownTicket  = errors.New("channel has no ticket")
)

// Default message templates, used when the instance has not configured its own.
const (
	defaultNewTicketMessage = "New ticket: {name} ({phoneNumber})"
	defaultWelcomeMessage   = "Hello {name}! A member of our team will be with you shortly."
	defaultClosingMessage   = "Thanks {name}! Your support ticket has been closed."
)

// SettingsFunc returns the instance's current settings. The lifecycle reads
// them per operation so settings edits apply to tickets already open.
type SettingsFunc func() settings.Settings

// LifecycleConfig wires a Lifecycle.
type LifecycleConfig struct {
	GuildID     string
	API         discord.ChannelAPI
	Session     wa.Session
	Channels    *ChannelManager
	Transcripts *transcript.Manager
	Settings    SettingsFunc
	DeleteDelay time.Duration
	Log         *slog.Logger
}

// Lifecycle drives ticket channels through NONE → OPEN → CLOSING → DELETED.
type Lifecycle struct {
	guildID     string
	api         discord.ChannelAPI
	session     wa.Session
	channels    *ChannelManager
	transcripts *transcript.Manager
	settings    SettingsFunc
	deleteDelay time.Duration
	log         *slog.Logger
	restore     *restoreQueue
}

// NewLifecycle creates a ticket lifecycle for one instance.
func NewLifecycle(cfg LifecycleConfig) *Lifecycle {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Lifecycle{
		guildID:     cfg.GuildID,
		api:         cfg.API,
		session:     cfg.Session,
		channels:    cfg.Channels,
		transcripts: cfg.Transcripts,
		settings:    cfg.Settings,
		deleteDelay: cfg.DeleteDelay,
		log:         log.With("component", "ticket-lifecycle"),
		restore:     newRestoreQueue(),
	}
}

// Channels exposes the channel manager for routing decisions.
func (l *Lifecycle) Channels() *ChannelManager {
	return l.channels
}

// CreateTicket opens a ticket channel for a WhatsApp contact. If the contact
// already has an open, non-closing ticket, the existing channel is returned
// and nothing new is created. Guild or category resolution failure aborts the
// call; bootstrap-message failures after the channel exists are degraded to
// log lines and the channel is kept (no rollback).
func (l *Lifecycle) CreateTicket(ctx context.Context, phone, username string) (*discordgo.Channel, error) {
	phone = strings.TrimSpace(phone)
	username = strings.TrimSpace(username)
	if phone == "" || username == "" {
		return nil, ErrMissingContact
	}

	// Existing open ticket wins over creating a duplicate.
	if existingID, ok := l.channels.ChannelID(phone); ok && !l.channels.IsClosed(existingID) {
		ch, err := l.api.Channel(existingID)
		if err == nil {
			l.log.Debug("reusing open ticket", "phone", phone, "channel_id", existingID)
			return ch, nil
		}
		// The mapped channel is gone (deleted out-of-band); fall through and
		// create a replacement.
		l.log.Warn("mapped ticket channel unavailable, recreating", "channel_id", existingID, "error", err)
	}

	cfg := l.settings()
	if cfg.CategoryID == "" {
		return nil, ErrNoCategory
	}
	if _, err := l.api.Guild(l.guildID); err != nil {
		return nil, fmt.Errorf("failed to resolve guild %s: %w", l.guildID, err)
	}

	name := channelName(username, phone)
	ch, err := l.createChannel(name, cfg.CategoryID)
	if err != nil {
		return nil, err
	}

	if err := l.channels.SetMapping(phone, ch.ID); err != nil {
		l.log.Error("failed to persist channel mapping", "channel_id", ch.ID, "error", err)
	}
	if err := l.channels.SetStatus(ch.ID, StatusOpen); err != nil {
		l.log.Error("failed to persist open status", "channel_id", ch.ID, "error", err)
	}
	l.transcripts.EnsurePhone(ch.ID, phone, username)

	l.sendBootstrap(ch.ID, phone, username, cfg)

	l.log.Info("ticket created", "phone", phone, "username", username, "channel_id", ch.ID)
	return ch, nil
}

// createChannel runs the bounded creation fallback chain: full permission
// overwrites, then no overwrites, then a bare channel moved under the
// category afterwards. Permission edge cases that break the richer call can
// often be routed around by retrying with less.
func (l *Lifecycle) createChannel(name, categoryID string) (*discordgo.Channel, error) {
	overwrites := []*discordgo.PermissionOverwrite{
		{
			ID:   l.guildID, // @everyone role id equals the guild id
			Type: discordgo.PermissionOverwriteTypeRole,
			Deny: discordgo.PermissionViewChannel,
		},
	}
	if botID := l.api.BotUserID(); botID != "" {
		overwrites = append(overwrites, &discordgo.PermissionOverwrite{
			ID:    botID,
			Type:  discordgo.PermissionOverwriteTypeMember,
			Allow: discordgo.PermissionViewChannel | discordgo.PermissionSendMessages | discordgo.PermissionManageMessages | discordgo.PermissionAttachFiles | discordgo.PermissionReadMessageHistory,
		})
	}

	// Attempt 1: category + overwrites.
	ch, err := l.api.CreateChannelComplex(l.guildID, discordgo.GuildChannelCreateData{
		Name:                 name,
		Type:                 discordgo.ChannelTypeGuildText,
		ParentID:             categoryID,
		PermissionOverwrites: overwrites,
	})
	if err == nil {
		return ch, nil
	}
	l.log.Warn("channel creation with overwrites failed, retrying without", "error", err)

	// Attempt 2: category only.
	ch, err = l.api.CreateChannelComplex(l.guildID, discordgo.GuildChannelCreateData{
		Name:     name,
		Type:     discordgo.ChannelTypeGuildText,
		ParentID: categoryID,
	})
	if err == nil {
		return ch, nil
	}
	l.log.Warn("channel creation under category failed, retrying bare", "error", err)

	// Attempt 3: bare channel, then a best-effort move under the category.
	ch, err = l.api.CreateChannel(l.guildID, name, discordgo.ChannelTypeGuildText)
	if err != nil {
		return nil, fmt.Errorf("failed to create ticket channel: %w", err)
	}
	if moved, moveErr := l.api.EditChannel(ch.ID, &discordgo.ChannelEdit{ParentID: categoryID}); moveErr != nil {
		l.log.Warn("failed to move ticket channel under category", "channel_id", ch.ID, "error", moveErr)
	} else {
		ch = moved
	}
	return ch, nil
}

// sendBootstrap posts the ordered opening sequence into a fresh ticket
// channel. Every step is degraded-feature on failure.
func (l *Lifecycle) sendBootstrap(channelID, phone, username string, cfg settings.Settings) {
	marker := renderTemplate(cfg.NewTicketMessage, defaultNewTicketMessage, username, phone)
	if _, err := l.api.SendMessage(channelID, marker); err != nil {
		l.log.Warn("failed to send new-ticket marker", "channel_id", channelID, "error", err)
	}

	if prev, ok := l.transcripts.LatestForPhone(phone); ok {
		if f, err := os.Open(prev); err != nil {
			l.log.Warn("failed to open previous transcript", "path", prev, "error", err)
		} else {
			if _, err := l.api.SendFile(channelID, filepath.Base(prev), f); err != nil {
				l.log.Warn("failed to attach previous transcript", "channel_id", channelID, "error", err)
			}
			f.Close()
		}
	}

	welcome := renderTemplate(cfg.WelcomeMessage, defaultWelcomeMessage, username, phone)
	if _, err := l.api.SendMessage(channelID, welcome); err != nil {
		l.log.Warn("failed to send welcome message", "channel_id", channelID, "error", err)
	}

	l.postTicketInfo(channelID, phone, username)
}

// postTicketInfo posts and pins the ticket-info embed with its controls.
// A pin denial is a warning, not a failure.
func (l *Lifecycle) postTicketInfo(channelID, phone, username string) {
	embed := &discordgo.MessageEmbed{
		Title: "Ticket Information",
		Fields: []*discordgo.MessageEmbedField{
			{Name: "User", Value: username, Inline: true},
			{Name: "WhatsApp", Value: phone, Inline: true},
		},
		Color:     0x57F287,
		Timestamp: time.Now().Format(time.RFC3339),
	}
	components := []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{Label: "Edit", Style: discordgo.SecondaryButton, CustomID: "ticket-edit"},
				discordgo.Button{Label: "Close", Style: discordgo.DangerButton, CustomID: "ticket-close"},
			},
		},
	}

	msg, err := l.api.SendComplex(channelID, &discordgo.MessageSend{
		Embed:      embed,
		Components: components,
	})
	if err != nil {
		l.log.Warn("failed to post ticket info embed", "channel_id", channelID, "error", err)
		return
	}
	if err := l.api.PinMessage(channelID, msg.ID); err != nil {
		l.log.Warn("failed to pin ticket info embed", "channel_id", channelID, "error", err)
	}
}

// CloseTicket closes a ticket channel: optional closing message to the
// contact, transcript generation, mapping removal, then delayed channel
// deletion. Duplicate or racing calls are rejected by the closing guard and
// perform no side effects.
func (l *Lifecycle) CloseTicket(ctx context.Context, channelID, closedBy string) error {
	// A channel with neither a mapping nor a tracked status was never a
	// ticket; refusing here keeps arbitrary channels from being deleted.
	if _, mapped := l.channels.Phone(channelID); !mapped {
		if _, tracked := l.channels.GetStatus(channelID); !tracked {
			return ErrUnknownTicket
		}
	}

	if !l.channels.TryBeginClosing(channelID) {
		l.log.Info("close rejected, ticket already closing", "channel_id", channelID)
		return ErrAlreadyClosing
	}

	cfg := l.settings()
	phone, hasPhone := l.channels.Phone(channelID)

	if hasPhone && cfg.ClosingMessageOn() && l.session != nil {
		// {name} is the contact being messaged, not the closing agent.
		name := phone
		if _, username, ok := l.transcripts.Contact(channelID); ok && username != "" {
			name = username
		}
		closing := renderTemplate(cfg.ClosingMessage, defaultClosingMessage, name, phone)
		if err := l.session.SendMessage(ctx, phone, closing); err != nil {
			l.log.Warn("failed to send closing message", "phone", phone, "error", err)
		}
	}

	// Transcript failure must never leave the ticket stuck: a missing
	// transcript beats an undeletable channel.
	if cfg.TranscriptsOn() {
		path, err := l.transcripts.Generate(ctx, channelID, closedBy)
		if err != nil {
			l.log.Error("transcript generation failed", "channel_id", channelID, "error", err)
		} else if cfg.TranscriptChannelID != "" {
			l.postTranscript(cfg.TranscriptChannelID, path)
		}
	}

	if hasPhone {
		if err := l.channels.RemoveMapping(phone); err != nil {
			l.log.Error("failed to remove channel mapping", "phone", phone, "error", err)
		}
	}
	if err := l.channels.SetStatus(channelID, StatusClosed); err != nil {
		l.log.Error("failed to persist closed status", "channel_id", channelID, "error", err)
	}

	l.scheduleDelete(channelID)
	l.log.Info("ticket closed", "channel_id", channelID, "closed_by", closedBy)
	return nil
}

// scheduleDelete removes the Discord channel after the configured delay so
// the closing confirmation stays readable. The closing guard is released
// whatever the outcome; a failed delete may be retried by a later close.
func (l *Lifecycle) scheduleDelete(channelID string) {
	deleteFn := func() {
		defer l.channels.EndClosing(channelID)
		if err := l.api.DeleteChannel(channelID); err != nil {
			l.log.Error("failed to delete ticket channel", "channel_id", channelID, "error", err)
		}
	}

	if l.deleteDelay <= 0 {
		deleteFn()
		return
	}
	time.AfterFunc(l.deleteDelay, deleteFn)
}

func (l *Lifecycle) postTranscript(transcriptChannelID, path string) {
	f, err := os.Open(path)
	if err != nil {
		l.log.Warn("failed to open transcript for posting", "path", path, "error", err)
		return
	}
	defer f.Close()

	if _, err := l.api.SendFile(transcriptChannelID, filepath.Base(path), f); err != nil {
		l.log.Warn("failed to post transcript", "channel_id", transcriptChannelID, "error", err)
	}
}

// BeginRestore marks a channel as restoring: inbound history for it is
// buffered until FinishRestore flushes it in sequence order.
func (l *Lifecycle) BeginRestore(channelID string) {
	l.restore.begin(channelID)
}

// IsRestoring reports whether a channel is buffering historical messages.
func (l *Lifecycle) IsRestoring(channelID string) bool {
	return l.restore.isRestoring(channelID)
}

// QueueRestoredMessage buffers one historical message. Returns false when the
// channel is not restoring, in which case the caller delivers directly.
func (l *Lifecycle) QueueRestoredMessage(channelID string, seq int64, text string) bool {
	return l.restore.enqueue(channelID, seq, text)
}

// FinishRestore flushes a channel's buffered history to Discord in sequence
// order. Individual send failures are logged and skipped so one bad message
// does not wedge the rest of the flush.
func (l *Lifecycle) FinishRestore(ctx context.Context, channelID string) error {
	msgs := l.restore.finish(channelID)
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := l.api.SendMessage(channelID, msg.text); err != nil {
			l.log.Warn("failed to deliver restored message", "channel_id", channelID, "seq", msg.seq, "error", err)
		}
	}
	l.log.Info("restore complete", "channel_id", channelID, "messages", len(msgs))
	return nil
}

// channelName builds a ticket channel name from the contact details.
func channelName(username, phone string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		case r == ' ', r == '_':
			return '-'
		default:
			return -1
		}
	}, username)
	clean = strings.Trim(clean, "-")
	if clean == "" {
		clean = "contact"
	}

	suffix := phone
	if len(suffix) > 4 {
		suffix = suffix[len(suffix)-4:]
	}
	return fmt.Sprintf("ticket-%s-%s", clean, suffix)
}

// renderTemplate substitutes {name} and {phoneNumber} into a template,
// falling back when the instance has not configured one.
func renderTemplate(tpl, fallback, name, phone string) string {
	if tpl == "" {
		tpl = fallback
	}
	tpl = strings.ReplaceAll(tpl, "{name}", name)
	tpl = strings.ReplaceAll(tpl, "{phoneNumber}", phone)
	return tpl
}
