package transcript

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheRealBossRPG/whatsapp-discord-bridge-clean-sub002/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.SQLiteStore, string) {
	dir := t.TempDir()
	db, err := store.NewSQLiteStore(filepath.Join(dir, "messages.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	m := NewManager(filepath.Join(dir, "transcripts"), db.Messages, nil)
	return m, db, dir
}

func TestManager_Generate(t *testing.T) {
	m, db, _ := newTestManager(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, db.Messages.Store(ctx, &store.TicketMessage{
		ChannelID: "chan1", Phone: "15551234567", Sender: "Alice",
		Direction: store.DirectionInbound, Content: "hello", Timestamp: base,
	}))
	require.NoError(t, db.Messages.Store(ctx, &store.TicketMessage{
		ChannelID: "chan1", Phone: "15551234567", Sender: "staff",
		Direction: store.DirectionOutbound, Content: "hi there", Timestamp: base.Add(time.Minute),
	}))

	m.EnsurePhone("chan1", "15551234567", "Alice")

	path, err := m.Generate(ctx, "chan1", "moderator")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)

	assert.Contains(t, content, "Contact: 15551234567 (Alice)")
	assert.Contains(t, content, "Closed by: moderator")
	assert.Contains(t, content, "Alice: hello")
	assert.Contains(t, content, "staff: hi there")
}

func TestManager_GenerateWithoutHint(t *testing.T) {
	m, db, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, db.Messages.Store(ctx, &store.TicketMessage{
		ChannelID: "chan1", Phone: "15551234567", Sender: "Alice",
		Direction: store.DirectionInbound, Content: "hi", Timestamp: time.Now(),
	}))

	// Phone is recovered from the archive when no hint was recorded.
	path, err := m.Generate(ctx, "chan1", "moderator")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Contact: 15551234567")
}

func TestManager_GenerateEmptyArchive(t *testing.T) {
	m, _, _ := newTestManager(t)

	// No messages at all still produces a header-only transcript.
	path, err := m.Generate(context.Background(), "chan-empty", "moderator")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Messages: 0")
}

func TestManager_LatestForPhone(t *testing.T) {
	m, db, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, db.Messages.Store(ctx, &store.TicketMessage{
		ChannelID: "chan1", Phone: "15551234567",
		Direction: store.DirectionInbound, Content: "first", Timestamp: time.Now(),
	}))

	m.EnsurePhone("chan1", "15551234567", "Alice")
	first, err := m.Generate(ctx, "chan1", "mod")
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)

	m.EnsurePhone("chan2", "15551234567", "Alice")
	second, err := m.Generate(ctx, "chan2", "mod")
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	got, ok := m.LatestForPhone("15551234567")
	require.True(t, ok)
	assert.Equal(t, second, got)

	_, ok = m.LatestForPhone("19999999999")
	assert.False(t, ok)
}
