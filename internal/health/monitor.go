// Package health tracks per-instance session health and drives reconnection
// with exponential backoff.
package health

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/TheRealBossRPG/whatsapp-discord-bridge-clean-sub002/internal/config"
	"github.com/TheRealBossRPG/whatsapp-discord-bridge-clean-sub002/internal/state"
)

// Status is a snapshot of one instance's session health.
type Status struct {
	InstanceID       string    `json:"instance_id"`
	State            string    `json:"state"`
	Connected        bool      `json:"connected"`
	UptimeSeconds    int64     `json:"uptime_seconds"`
	LastMessage      time.Time `json:"last_message"`
	ReconnectCount   int       `json:"reconnect_count"`
	MessagesRelayed  int64     `json:"messages_relayed"`
	MessagesArchived int64     `json:"messages_archived"`
	TicketsOpened    int64     `json:"tickets_opened"`
	TicketsClosed    int64     `json:"tickets_closed"`
}

// Monitor tracks one instance's session health and schedules reconnects.
// Each instance owns its own monitor so a flapping guild does not inflate
// another guild's backoff.
type Monitor struct {
	instanceID   string
	stateMachine *state.Machine
	log          *slog.Logger

	reconnectBackoff *backoff.ExponentialBackOff
	maxRetries       int
	retryCount       int

	startTime        time.Time
	lastMessage      time.Time
	reconnectCount   int
	messagesRelayed  atomic.Int64
	messagesArchived atomic.Int64
	ticketsOpened    atomic.Int64
	ticketsClosed    atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
}

// NewMonitor creates a health monitor for one instance.
func NewMonitor(instanceID string, cfg *config.Config, sm *state.Machine, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.ReconnectBaseDelay
	bo.MaxInterval = cfg.ReconnectMaxDelay
	bo.MaxElapsedTime = 0 // retries are bounded by count, not wall time
	bo.Reset()

	return &Monitor{
		instanceID:       instanceID,
		stateMachine:     sm,
		log:              log.With("component", "health", "instance_id", instanceID),
		reconnectBackoff: bo,
		maxRetries:       cfg.ReconnectMaxRetries,
		startTime:        time.Now(),
		ctx:              ctx,
		cancel:           cancel,
	}
}

// Stop cancels any pending reconnect and waits for it to drain.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

// GetStatus returns the current health snapshot.
func (m *Monitor) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	currentState, _ := m.stateMachine.State(context.Background())

	return Status{
		InstanceID:       m.instanceID,
		State:            string(currentState),
		Connected:        currentState == state.StateReady,
		UptimeSeconds:    int64(time.Since(m.startTime).Seconds()),
		LastMessage:      m.lastMessage,
		ReconnectCount:   m.reconnectCount,
		MessagesRelayed:  m.messagesRelayed.Load(),
		MessagesArchived: m.messagesArchived.Load(),
		TicketsOpened:    m.ticketsOpened.Load(),
		TicketsClosed:    m.ticketsClosed.Load(),
	}
}

// RecordRelayed records a message relayed across the bridge in either
// direction.
func (m *Monitor) RecordRelayed() {
	m.messagesRelayed.Add(1)
	m.mu.Lock()
	m.lastMessage = time.Now()
	m.mu.Unlock()
}

// RecordArchived records a message written to the message archive.
func (m *Monitor) RecordArchived() {
	m.messagesArchived.Add(1)
}

// RecordTicketOpened increments the opened-ticket counter.
func (m *Monitor) RecordTicketOpened() {
	m.ticketsOpened.Add(1)
}

// RecordTicketClosed increments the closed-ticket counter.
func (m *Monitor) RecordTicketClosed() {
	m.ticketsClosed.Add(1)
}

// NextReconnectDelay advances the backoff and returns the next delay.
func (m *Monitor) NextReconnectDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.retryCount++
	return m.reconnectBackoff.NextBackOff()
}

// ResetBackoff resets the backoff after a successful connection.
func (m *Monitor) ResetBackoff() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reconnectBackoff.Reset()
	m.retryCount = 0
}

// MaxRetriesExceeded reports whether the retry budget is spent.
func (m *Monitor) MaxRetriesExceeded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.retryCount > m.maxRetries
}

// ReconnectCount returns how many reconnects this instance has performed.
func (m *Monitor) ReconnectCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reconnectCount
}

// ScheduleReconnect runs callback after the next backoff delay. It is a no-op
// once the retry budget is spent or the monitor is stopped.
func (m *Monitor) ScheduleReconnect(callback func()) {
	if m.MaxRetriesExceeded() {
		m.log.Error("max reconnection retries exceeded, giving up")
		return
	}

	delay := m.NextReconnectDelay()
	m.log.Info("scheduling reconnect", "delay", delay, "attempt", m.retryCount)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		select {
		case <-time.After(delay):
			m.mu.Lock()
			m.reconnectCount++
			m.mu.Unlock()
			callback()
		case <-m.ctx.Done():
		}
	}()
}

// WatchKeepalive polls the session's liveness every interval and schedules a
// reconnect when it is down. At most one keepalive-triggered reconnect is in
// flight at a time.
func (m *Monitor) WatchKeepalive(interval time.Duration, alive func() bool, reconnect func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var pending atomic.Bool
		for {
			select {
			case <-ticker.C:
				if alive() {
					pending.Store(false)
					continue
				}
				if pending.CompareAndSwap(false, true) {
					m.ScheduleReconnect(func() {
						defer pending.Store(false)
						reconnect()
					})
				}
			case <-m.ctx.Done():
				return
			}
		}
	}()
}

// OnConnectionRestored resets the backoff once the session is back up.
func (m *Monitor) OnConnectionRestored() {
	m.ResetBackoff()
	m.log.Info("connection restored, backoff reset")
}
