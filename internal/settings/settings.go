// Package settings provides durable persistence for instance identity and
// custom settings, split between per-instance settings files and a global
// identity index.
package settings

import (
	"time"
)

// SpecialChannel holds the replacement text for a configured special channel.
// When a relayed WhatsApp message mentions the channel, the raw reference is
// replaced by this message.
type SpecialChannel struct {
	Message string `json:"message"`
}

// Settings holds the full per-instance configuration. A zero-value Settings is
// valid and means "all defaults". The same type doubles as a partial update:
// only set fields (non-empty strings, non-nil pointers/maps) are applied on
// merge.
type Settings struct {
	// Identity fields, mirrored into the global index.
	GuildID             string `json:"guildId,omitempty"`
	CategoryID          string `json:"categoryId,omitempty"`
	TranscriptChannelID string `json:"transcriptChannelId,omitempty"`
	VouchChannelID      string `json:"vouchChannelId,omitempty"`

	// Message templates. {name} and {phoneNumber} are substituted at send time.
	WelcomeMessage      string `json:"welcomeMessage,omitempty"`
	IntroMessage        string `json:"introMessage,omitempty"`
	ReopenMessage       string `json:"reopenTicketMessage,omitempty"`
	NewTicketMessage    string `json:"newTicketMessage,omitempty"`
	ClosingMessage      string `json:"closingMessage,omitempty"`
	VouchMessage        string `json:"vouchMessage,omitempty"`
	VouchSuccessMessage string `json:"vouchSuccessMessage,omitempty"`

	// Feature flags. Pointers so an explicit false survives a merge and an
	// unset flag falls back to the default.
	TranscriptsEnabled *bool `json:"transcriptsEnabled,omitempty"`
	VouchEnabled       *bool `json:"vouchEnabled,omitempty"`
	SendClosingMessage *bool `json:"sendClosingMessage,omitempty"`

	SpecialChannels map[string]SpecialChannel `json:"specialChannels,omitempty"`

	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Identity is the minimal per-instance record kept in the global index.
// Template and flag fields are deliberately excluded so the shared file stays
// small and never carries editable message content.
type Identity struct {
	GuildID             string `json:"guildId"`
	CategoryID          string `json:"categoryId,omitempty"`
	TranscriptChannelID string `json:"transcriptChannelId,omitempty"`
	VouchChannelID      string `json:"vouchChannelId,omitempty"`
}

// HasIdentity reports whether any identity field is set.
func (s Settings) HasIdentity() bool {
	return s.GuildID != "" || s.CategoryID != "" ||
		s.TranscriptChannelID != "" || s.VouchChannelID != ""
}

// Merge applies the set fields of partial over s and reports whether any
// identity field changed. Unset fields of partial leave s untouched.
func (s *Settings) Merge(partial Settings) bool {
	identityChanged := false

	if partial.GuildID != "" && partial.GuildID != s.GuildID {
		s.GuildID = partial.GuildID
		identityChanged = true
	}
	if partial.CategoryID != "" && partial.CategoryID != s.CategoryID {
		s.CategoryID = partial.CategoryID
		identityChanged = true
	}
	if partial.TranscriptChannelID != "" && partial.TranscriptChannelID != s.TranscriptChannelID {
		s.TranscriptChannelID = partial.TranscriptChannelID
		identityChanged = true
	}
	if partial.VouchChannelID != "" && partial.VouchChannelID != s.VouchChannelID {
		s.VouchChannelID = partial.VouchChannelID
		identityChanged = true
	}

	if partial.WelcomeMessage != "" {
		s.WelcomeMessage = partial.WelcomeMessage
	}
	if partial.IntroMessage != "" {
		s.IntroMessage = partial.IntroMessage
	}
	if partial.ReopenMessage != "" {
		s.ReopenMessage = partial.ReopenMessage
	}
	if partial.NewTicketMessage != "" {
		s.NewTicketMessage = partial.NewTicketMessage
	}
	if partial.ClosingMessage != "" {
		s.ClosingMessage = partial.ClosingMessage
	}
	if partial.VouchMessage != "" {
		s.VouchMessage = partial.VouchMessage
	}
	if partial.VouchSuccessMessage != "" {
		s.VouchSuccessMessage = partial.VouchSuccessMessage
	}

	if partial.TranscriptsEnabled != nil {
		s.TranscriptsEnabled = partial.TranscriptsEnabled
	}
	if partial.VouchEnabled != nil {
		s.VouchEnabled = partial.VouchEnabled
	}
	if partial.SendClosingMessage != nil {
		s.SendClosingMessage = partial.SendClosingMessage
	}

	if partial.SpecialChannels != nil {
		if s.SpecialChannels == nil {
			s.SpecialChannels = make(map[string]SpecialChannel, len(partial.SpecialChannels))
		}
		for id, sc := range partial.SpecialChannels {
			s.SpecialChannels[id] = sc
		}
	}

	return identityChanged
}

// Identity extracts the identity subset of the settings.
func (s *Settings) Identity() Identity {
	return Identity{
		GuildID:             s.GuildID,
		CategoryID:          s.CategoryID,
		TranscriptChannelID: s.TranscriptChannelID,
		VouchChannelID:      s.VouchChannelID,
	}
}

// TranscriptsOn reports whether transcripts are enabled (default true).
func (s *Settings) TranscriptsOn() bool {
	return s.TranscriptsEnabled == nil || *s.TranscriptsEnabled
}

// VouchOn reports whether vouch posting is enabled (default true).
func (s *Settings) VouchOn() bool {
	return s.VouchEnabled == nil || *s.VouchEnabled
}

// ClosingMessageOn reports whether the closing message should be sent to the
// WhatsApp user. Default-safe is NOT to message the user: only an explicit
// true enables it.
func (s *Settings) ClosingMessageOn() bool {
	return s.SendClosingMessage != nil && *s.SendClosingMessage
}
