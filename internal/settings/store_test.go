package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func newTestStore(t *testing.T) (*Store, string) {
	dir := t.TempDir()
	return NewStore(dir, nil), dir
}

func TestStore_LoadMissing(t *testing.T) {
	store, _ := newTestStore(t)

	got := store.Load("I1")
	assert.Equal(t, Settings{}, got)
}

func TestStore_LoadCorrupt(t *testing.T) {
	store, dir := newTestStore(t)

	path := filepath.Join(dir, "instances", "I1", "settings.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	// Corrupt file is treated as empty, never an error.
	got := store.Load("I1")
	assert.Equal(t, Settings{}, got)
}

func TestStore_SaveMerges(t *testing.T) {
	store, _ := newTestStore(t)

	require.NoError(t, store.Save("I1", Settings{WelcomeMessage: "hello {name}"}))
	require.NoError(t, store.Save("I1", Settings{ClosingMessage: "bye"}))

	got := store.Load("I1")
	assert.Equal(t, "hello {name}", got.WelcomeMessage)
	assert.Equal(t, "bye", got.ClosingMessage)
}

func TestStore_SaveRetainsExplicitFalse(t *testing.T) {
	store, _ := newTestStore(t)

	require.NoError(t, store.Save("I1", Settings{TranscriptsEnabled: boolPtr(false)}))
	require.NoError(t, store.Save("I1", Settings{WelcomeMessage: "hi"}))

	got := store.Load("I1")
	require.NotNil(t, got.TranscriptsEnabled)
	assert.False(t, *got.TranscriptsEnabled)
	assert.False(t, got.TranscriptsOn())
}

func TestStore_SaveSpecialChannelsMerge(t *testing.T) {
	store, _ := newTestStore(t)

	require.NoError(t, store.Save("I1", Settings{
		SpecialChannels: map[string]SpecialChannel{"C1": {Message: "rules"}},
	}))
	require.NoError(t, store.Save("I1", Settings{
		SpecialChannels: map[string]SpecialChannel{"C2": {Message: "faq"}},
	}))

	got := store.Load("I1")
	assert.Len(t, got.SpecialChannels, 2)
	assert.Equal(t, "rules", got.SpecialChannels["C1"].Message)
	assert.Equal(t, "faq", got.SpecialChannels["C2"].Message)
}

func TestStore_IndexHoldsIdentityOnly(t *testing.T) {
	store, dir := newTestStore(t)

	require.NoError(t, store.Save("I1", Settings{
		GuildID:             "G1",
		CategoryID:          "C1",
		TranscriptChannelID: "T1",
		WelcomeMessage:      "hello",
		TranscriptsEnabled:  boolPtr(true),
	}))

	index := store.ListAll()
	require.Contains(t, index, "I1")
	assert.Equal(t, "G1", index["I1"].GuildID)
	assert.Equal(t, "C1", index["I1"].CategoryID)
	assert.Equal(t, "T1", index["I1"].TranscriptChannelID)

	// The raw index file must not contain template or flag keys.
	raw, err := os.ReadFile(filepath.Join(dir, "instance_configs.json"))
	require.NoError(t, err)

	var decoded map[string]map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.NotContains(t, decoded["I1"], "welcomeMessage")
	assert.NotContains(t, decoded["I1"], "transcriptsEnabled")
}

func TestStore_IdentityAgreesAcrossFiles(t *testing.T) {
	store, _ := newTestStore(t)

	require.NoError(t, store.Save("I1", Settings{TranscriptChannelID: "T1"}))

	index := store.ListAll()
	assert.Equal(t, "T1", index["I1"].TranscriptChannelID)

	loaded := store.Load("I1")
	assert.Equal(t, "T1", loaded.TranscriptChannelID)
}

func TestStore_NonIdentitySaveSkipsIndex(t *testing.T) {
	store, dir := newTestStore(t)

	require.NoError(t, store.Save("I1", Settings{WelcomeMessage: "hi"}))

	_, err := os.Stat(filepath.Join(dir, "instance_configs.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestStore_SaveRepairsLostIndex(t *testing.T) {
	store, dir := newTestStore(t)

	payload := Settings{GuildID: "G1", TranscriptChannelID: "T1"}
	require.NoError(t, store.Save("I1", payload))
	require.NoError(t, os.Remove(filepath.Join(dir, "instance_configs.json")))

	// Re-saving unchanged identity rebuilds the index entry.
	require.NoError(t, store.Save("I1", payload))

	index := store.ListAll()
	require.Contains(t, index, "I1")
	assert.Equal(t, "G1", index["I1"].GuildID)
	assert.Equal(t, "T1", index["I1"].TranscriptChannelID)
}

func TestStore_Remove(t *testing.T) {
	store, _ := newTestStore(t)

	require.NoError(t, store.Save("I1", Settings{GuildID: "G1", CategoryID: "C1"}))
	require.NoError(t, store.Save("I2", Settings{GuildID: "G2", CategoryID: "C2"}))

	require.NoError(t, store.Remove("I1"))

	index := store.ListAll()
	assert.NotContains(t, index, "I1")
	assert.Contains(t, index, "I2")

	// Removing an unknown instance is a no-op.
	require.NoError(t, store.Remove("I-unknown"))
}

func TestSettings_ClosingMessageOn(t *testing.T) {
	var s Settings
	assert.False(t, s.ClosingMessageOn(), "unset must default to not messaging the user")

	s.SendClosingMessage = boolPtr(false)
	assert.False(t, s.ClosingMessageOn())

	s.SendClosingMessage = boolPtr(true)
	assert.True(t, s.ClosingMessageOn())
}

func TestWriteJSONAtomic_NoLeftoverTmp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")

	require.NoError(t, WriteJSONAtomic(path, map[string]string{"a": "1"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "out.json", entries[0].Name())
}
