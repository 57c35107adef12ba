package ticket

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*ChannelManager, string) {
	t.Helper()
	dir := t.TempDir()
	m, err := NewChannelManager(dir, nil)
	require.NoError(t, err)
	return m, dir
}

func TestSetMappingUniqueness(t *testing.T) {
	m, _ := newTestManager(t)

	require.NoError(t, m.SetMapping("15551234567", "chan-1"))

	// Re-mapping the phone drops the old channel side.
	require.NoError(t, m.SetMapping("15551234567", "chan-2"))
	id, ok := m.ChannelID("15551234567")
	require.True(t, ok)
	assert.Equal(t, "chan-2", id)
	_, ok = m.Phone("chan-1")
	assert.False(t, ok, "stale channel should no longer resolve")

	// Re-mapping the channel drops the old phone side.
	require.NoError(t, m.SetMapping("15559876543", "chan-2"))
	_, ok = m.ChannelID("15551234567")
	assert.False(t, ok, "stale phone should no longer resolve")
	phone, ok := m.Phone("chan-2")
	require.True(t, ok)
	assert.Equal(t, "15559876543", phone)
}

func TestRemoveMapping(t *testing.T) {
	m, _ := newTestManager(t)

	require.NoError(t, m.SetMapping("15551234567", "chan-1"))
	require.NoError(t, m.RemoveMapping("15551234567"))

	_, ok := m.ChannelID("15551234567")
	assert.False(t, ok)
	_, ok = m.Phone("chan-1")
	assert.False(t, ok)

	// Unknown phone is a no-op.
	require.NoError(t, m.RemoveMapping("unknown"))
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		wantErr bool
	}{
		{"open to closing", StatusOpen, StatusClosing, false},
		{"open to closed", StatusOpen, StatusClosed, false},
		{"closing to closed", StatusClosing, StatusClosed, false},
		{"closing back to open", StatusClosing, StatusOpen, true},
		{"closed back to open", StatusClosed, StatusOpen, true},
		{"closed back to closing", StatusClosed, StatusClosing, true},
		{"same status", StatusClosing, StatusClosing, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestManager(t)
			require.NoError(t, m.SetStatus("chan-1", tt.from))

			err := m.SetStatus("chan-1", tt.to)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrBackwardTransition)
				got, _ := m.GetStatus("chan-1")
				assert.Equal(t, tt.from, got, "rejected transition must not change status")
			} else {
				require.NoError(t, err)
				got, _ := m.GetStatus("chan-1")
				assert.Equal(t, tt.to, got)
			}
		})
	}
}

func TestStatePersistsAcrossReload(t *testing.T) {
	m, dir := newTestManager(t)

	require.NoError(t, m.SetMapping("15551234567", "chan-1"))
	require.NoError(t, m.SetStatus("chan-1", StatusOpen))
	require.NoError(t, m.SetStatus("chan-2", StatusClosed))

	reloaded, err := NewChannelManager(dir, nil)
	require.NoError(t, err)

	id, ok := reloaded.ChannelID("15551234567")
	require.True(t, ok)
	assert.Equal(t, "chan-1", id)
	phone, ok := reloaded.Phone("chan-1")
	require.True(t, ok)
	assert.Equal(t, "15551234567", phone)

	s, ok := reloaded.GetStatus("chan-1")
	require.True(t, ok)
	assert.Equal(t, StatusOpen, s)
	s, ok = reloaded.GetStatus("chan-2")
	require.True(t, ok)
	assert.Equal(t, StatusClosed, s)
}

func TestCorruptStateFilesStartEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, statusFileName), []byte("{not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, mappingFileName), []byte("[]"), 0o644))

	m, err := NewChannelManager(dir, nil)
	require.NoError(t, err)

	_, ok := m.GetStatus("chan-1")
	assert.False(t, ok)
	_, ok = m.ChannelID("15551234567")
	assert.False(t, ok)
}

func TestIsClosed(t *testing.T) {
	m, _ := newTestManager(t)

	assert.False(t, m.IsClosed("chan-1"), "unknown channel is not closed")

	require.NoError(t, m.SetStatus("chan-1", StatusOpen))
	assert.False(t, m.IsClosed("chan-1"))

	require.NoError(t, m.SetStatus("chan-1", StatusClosing))
	assert.True(t, m.IsClosed("chan-1"), "closing counts as closed for routing")

	require.NoError(t, m.SetStatus("chan-1", StatusClosed))
	assert.True(t, m.IsClosed("chan-1"))
}

func TestTryBeginClosingSingleWinner(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.SetStatus("chan-1", StatusOpen))

	const attempts = 32
	var wg sync.WaitGroup
	wins := make(chan struct{}, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.TryBeginClosing("chan-1") {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	assert.Len(t, wins, 1, "exactly one caller may claim the close")

	s, _ := m.GetStatus("chan-1")
	assert.Equal(t, StatusClosing, s, "winner persists the closing status")
}

func TestTryBeginClosingRejectsClosedChannel(t *testing.T) {
	m, _ := newTestManager(t)

	require.NoError(t, m.SetStatus("chan-1", StatusClosed))
	assert.False(t, m.TryBeginClosing("chan-1"))

	require.NoError(t, m.SetStatus("chan-2", StatusClosing))
	assert.False(t, m.TryBeginClosing("chan-2"))
}

func TestEndClosingReleasesGuard(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.SetStatus("chan-1", StatusOpen))

	require.True(t, m.TryBeginClosing("chan-1"))
	m.EndClosing("chan-1")

	// Guard released, but the persisted closing status still rejects a
	// second close claim.
	assert.False(t, m.TryBeginClosing("chan-1"))
	assert.True(t, m.IsClosed("chan-1"))
}
