package health

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheRealBossRPG/whatsapp-discord-bridge-clean-sub002/internal/config"
	"github.com/TheRealBossRPG/whatsapp-discord-bridge-clean-sub002/internal/state"
)

func newTestMonitor(t *testing.T, mutate func(*config.Config)) *Monitor {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	m := NewMonitor("guild-1", cfg, state.NewMachine(), nil)
	require.NotNil(t, m)
	t.Cleanup(m.Stop)
	return m
}

func TestMonitor_GetStatus(t *testing.T) {
	m := newTestMonitor(t, nil)

	status := m.GetStatus()
	assert.Equal(t, "guild-1", status.InstanceID)
	assert.Equal(t, string(state.StateDisconnected), status.State)
	assert.False(t, status.Connected)
	assert.GreaterOrEqual(t, status.UptimeSeconds, int64(0))
}

func TestMonitor_Counters(t *testing.T) {
	m := newTestMonitor(t, nil)

	m.RecordRelayed()
	m.RecordRelayed()
	m.RecordArchived()
	m.RecordTicketOpened()
	m.RecordTicketClosed()
	m.RecordTicketClosed()

	status := m.GetStatus()
	assert.Equal(t, int64(2), status.MessagesRelayed)
	assert.Equal(t, int64(1), status.MessagesArchived)
	assert.Equal(t, int64(1), status.TicketsOpened)
	assert.Equal(t, int64(2), status.TicketsClosed)
	assert.False(t, status.LastMessage.IsZero())
}

func TestMonitor_ReconnectBackoff(t *testing.T) {
	m := newTestMonitor(t, func(cfg *config.Config) {
		cfg.ReconnectBaseDelay = 100 * time.Millisecond
		cfg.ReconnectMaxDelay = 1 * time.Second
		cfg.ReconnectMaxRetries = 5
	})

	// Delays are randomized but bounded.
	delay := m.NextReconnectDelay()
	assert.Greater(t, delay, time.Duration(0))
	assert.LessOrEqual(t, delay, 1*time.Second)

	_ = m.NextReconnectDelay()
	_ = m.NextReconnectDelay()

	m.ResetBackoff()
	delayAfterReset := m.NextReconnectDelay()
	assert.Greater(t, delayAfterReset, time.Duration(0))
	assert.LessOrEqual(t, delayAfterReset, 1*time.Second)
}

func TestMonitor_MaxRetriesExceeded(t *testing.T) {
	m := newTestMonitor(t, func(cfg *config.Config) {
		cfg.ReconnectBaseDelay = 1 * time.Millisecond
		cfg.ReconnectMaxDelay = 10 * time.Millisecond
		cfg.ReconnectMaxRetries = 3
	})

	for i := 0; i < 4; i++ {
		_ = m.NextReconnectDelay()
	}
	assert.True(t, m.MaxRetriesExceeded())

	// Exceeded budget turns scheduling into a no-op.
	m.ScheduleReconnect(func() { t.Fatal("callback must not run") })
	time.Sleep(20 * time.Millisecond)
}

func TestMonitor_ScheduleReconnect(t *testing.T) {
	m := newTestMonitor(t, func(cfg *config.Config) {
		cfg.ReconnectBaseDelay = 1 * time.Millisecond
		cfg.ReconnectMaxDelay = 10 * time.Millisecond
	})

	var fired atomic.Bool
	done := make(chan struct{})
	m.ScheduleReconnect(func() {
		fired.Store(true)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect callback did not fire")
	}
	assert.True(t, fired.Load())
	assert.Equal(t, 1, m.ReconnectCount())
}

func TestMonitor_StopCancelsPendingReconnect(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ReconnectBaseDelay = 1 * time.Hour
	cfg.ReconnectMaxDelay = 2 * time.Hour
	m := NewMonitor("guild-1", cfg, state.NewMachine(), nil)

	m.ScheduleReconnect(func() { t.Error("callback must not run after stop") })
	m.Stop()

	assert.Equal(t, 0, m.ReconnectCount())
}

func TestMonitor_WatchKeepalive(t *testing.T) {
	m := newTestMonitor(t, func(cfg *config.Config) {
		cfg.ReconnectBaseDelay = time.Millisecond
		cfg.ReconnectMaxDelay = 5 * time.Millisecond
	})

	done := make(chan struct{})
	var once sync.Once
	m.WatchKeepalive(5*time.Millisecond, func() bool { return false }, func() {
		once.Do(func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("keepalive did not schedule a reconnect")
	}
}

func TestMonitor_StateUpdates(t *testing.T) {
	cfg := config.DefaultConfig()
	sm := state.NewMachine()
	m := NewMonitor("guild-1", cfg, sm, nil)
	t.Cleanup(m.Stop)

	require.NoError(t, sm.Fire(context.Background(), state.TriggerConnect))

	status := m.GetStatus()
	assert.Equal(t, string(state.StateConnecting), status.State)
}

func TestMonitor_OnConnectionRestored(t *testing.T) {
	m := newTestMonitor(t, func(cfg *config.Config) {
		cfg.ReconnectMaxRetries = 2
	})

	_ = m.NextReconnectDelay()
	_ = m.NextReconnectDelay()
	_ = m.NextReconnectDelay()
	require.True(t, m.MaxRetriesExceeded())

	m.OnConnectionRestored()
	assert.False(t, m.MaxRetriesExceeded())
}
