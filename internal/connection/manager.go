// Package connection owns the transport handle and the connection state
// machine: connect/disconnect, reconnection scheduling with jittered backoff,
// heartbeat latency sampling, and the liveness health check. All state here
// is mutated by this package alone; other components read snapshots.
package connection

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"arquiz/internal/config"
	"arquiz/internal/dispatch"
	"arquiz/internal/transport"
	"arquiz/pkg/types"
)

// Quality thresholds applied to the rolling average latency.
const (
	excellentLatency = 100 * time.Millisecond
	goodLatency      = 300 * time.Millisecond
)

// attempt is one in-flight connect shared by every concurrent Connect caller.
type attempt struct {
	done chan struct{}
	err  error
	gen  uint64
}

// Manager drives the connection lifecycle. The generation counter invalidates
// every timer and pump belonging to a torn-down transport, so a stale timer
// can never act on a newer session.
type Manager struct {
	cfg    *config.Config
	dialer transport.Dialer
	bus    *dispatch.Registry
	header http.Header
	logger zerolog.Logger

	mu             sync.Mutex
	phase          types.ConnectionPhase
	quality        types.ConnectionQuality
	attempts       int
	lastError      string
	tr             transport.Transport
	gen            uint64
	inflight       *attempt
	online         bool
	foreground     bool
	suspended      bool
	retryPending   bool
	reconnectTimer *time.Timer
	notify         chan struct{}

	samples      []time.Duration
	lastPongAt   time.Time
	healthMisses int
}

// NewManager creates a lifecycle manager in the initializing phase. The
// header carries the ambient credentials supplied by the owning collaborator.
func NewManager(cfg *config.Config, dialer transport.Dialer, bus *dispatch.Registry, header http.Header, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:        cfg,
		dialer:     dialer,
		bus:        bus,
		header:     header,
		logger:     logger.With().Str("component", "connection").Logger(),
		phase:      types.PhaseInitializing,
		quality:    types.QualityDisconnected,
		online:     true,
		foreground: true,
		notify:     make(chan struct{}),
	}
}

// Connect opens a transport to the coordination server. It is idempotent:
// while already connected it is a no-op, and concurrent callers collapse onto
// the single in-flight attempt and share its result.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.suspended {
		m.mu.Unlock()
		return types.ErrSessionTerminated
	}
	if m.phase == types.PhaseConnected && m.tr != nil {
		m.mu.Unlock()
		return nil
	}
	if a := m.inflight; a != nil {
		m.mu.Unlock()
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if m.phase == types.PhaseError {
		// Explicit reconnect after exhaustion restarts with a fresh budget.
		m.attempts = 0
		m.lastError = ""
	}
	a := &attempt{done: make(chan struct{}), gen: m.gen}
	m.inflight = a
	m.stopReconnectTimerLocked()
	m.setPhaseLocked(types.PhaseConnecting)
	m.mu.Unlock()
	m.publishState()

	err := m.dialAndInstall(ctx, a)
	m.finishAttempt(a, err)
	if err != nil {
		m.handleConnectFailure(err)
	}
	return err
}

// Disconnect is an intentional close: it cancels every pending timer and
// in-flight reconnection, tears down the transport, and never schedules a
// retry. Connect may be called again afterwards.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	m.retryPending = false
	m.stopReconnectTimerLocked()
	tr := m.tr
	m.tr = nil
	m.setPhaseLocked(types.PhaseDisconnected)
	m.quality = types.QualityDisconnected
	m.samples = nil
	m.healthMisses = 0
	m.mu.Unlock()

	if tr != nil {
		_ = tr.Close()
	}
	m.publishState()
}

// Reconnect forces a fresh connection cycle: intentional teardown followed by
// an immediate connect.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.Disconnect()
	return m.Connect(ctx)
}

// Suspend is the terminal teardown used when the participant has been removed
// from the room. The transport is closed and no reconnection will ever be
// scheduled for this session.
func (m *Manager) Suspend(reason string) {
	m.mu.Lock()
	m.suspended = true
	m.gen++
	m.retryPending = false
	m.stopReconnectTimerLocked()
	tr := m.tr
	m.tr = nil
	m.setPhaseLocked(types.PhaseDisconnected)
	m.quality = types.QualityDisconnected
	m.lastError = reason
	m.mu.Unlock()

	if tr != nil {
		_ = tr.Close()
	}
	m.publishState()
}

// SetOnline records the host's network reachability. Going offline pauses
// reconnection; coming back online triggers an immediate reconnect check when
// not already connected.
func (m *Manager) SetOnline(online bool) {
	m.setAvailability(func() { m.online = online })
}

// SetForeground records foreground/background visibility. Reconnection never
// runs while backgrounded.
func (m *Manager) SetForeground(foreground bool) {
	m.setAvailability(func() { m.foreground = foreground })
}

func (m *Manager) setAvailability(update func()) {
	m.mu.Lock()
	update()
	available := m.online && m.foreground
	if !available {
		// Park any scheduled retry until the host is reachable again.
		if m.reconnectTimer != nil {
			m.stopReconnectTimerLocked()
			m.retryPending = true
		}
		m.mu.Unlock()
		return
	}
	shouldRetry := m.retryPending && m.phase != types.PhaseConnected && !m.suspended
	m.retryPending = false
	gen := m.gen
	m.mu.Unlock()

	if shouldRetry {
		go m.retry(gen)
	}
}

// WaitConnected blocks until the manager reaches the connected phase, the
// retry budget is exhausted, or ctx expires.
func (m *Manager) WaitConnected(ctx context.Context) error {
	for {
		m.mu.Lock()
		switch {
		case m.phase == types.PhaseConnected:
			m.mu.Unlock()
			return nil
		case m.suspended:
			m.mu.Unlock()
			return types.ErrSessionTerminated
		case m.phase == types.PhaseError:
			msg := m.lastError
			m.mu.Unlock()
			return fmt.Errorf("%w: %s", types.ErrNotConnected, msg)
		}
		ch := m.notify
		m.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return types.ErrNotConnected
		}
	}
}

// Transport returns the live transport, or nil when disconnected.
func (m *Manager) Transport() transport.Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != types.PhaseConnected {
		return nil
	}
	return m.tr
}

// State returns a snapshot of the connection state.
func (m *Manager) State() types.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

// Metrics returns the state snapshot plus rolling latency aggregates.
func (m *Manager) Metrics() types.ConnectionMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return types.ConnectionMetrics{
		State:          m.stateLocked(),
		AverageLatency: averageLatency(m.samples),
		SampleCount:    len(m.samples),
	}
}

func (m *Manager) stateLocked() types.ConnectionState {
	var latest time.Duration
	if len(m.samples) > 0 {
		latest = m.samples[len(m.samples)-1]
	}
	return types.ConnectionState{
		Phase:             m.phase,
		Quality:           m.quality,
		ReconnectAttempts: m.attempts,
		LastError:         m.lastError,
		HeartbeatLatency:  latest,
	}
}

// dialAndInstall opens the transport and, if this attempt is still current,
// installs it and starts the pumps.
func (m *Manager) dialAndInstall(ctx context.Context, a *attempt) error {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	tr, err := m.dialer.Dial(dialCtx, m.cfg.ServerURL, m.header)
	if err != nil {
		return fmt.Errorf("failed to open transport: %w", err)
	}

	m.mu.Lock()
	if m.suspended || m.gen != a.gen {
		m.mu.Unlock()
		_ = tr.Close()
		return ErrConnectCancelled
	}
	m.gen++
	gen := m.gen
	m.tr = tr
	m.attempts = 0
	m.lastError = ""
	m.samples = nil
	m.healthMisses = 0
	m.lastPongAt = time.Now()
	m.quality = types.QualityDisconnected // until the first latency sample
	m.setPhaseLocked(types.PhaseConnected)
	m.mu.Unlock()

	m.logger.Info().Str("url", m.cfg.ServerURL).Msg("connected")
	m.publishState()

	go m.readPump(tr, gen)
	go m.heartbeatLoop(tr, gen)
	go m.healthLoop(tr, gen)
	go m.watchClose(tr, gen)
	return nil
}

func (m *Manager) finishAttempt(a *attempt, err error) {
	a.err = err
	close(a.done)
	m.mu.Lock()
	if m.inflight == a {
		m.inflight = nil
	}
	m.mu.Unlock()
}

// handleConnectFailure consumes one unit of the retry budget and either
// schedules the next attempt or surfaces the terminal error.
func (m *Manager) handleConnectFailure(err error) {
	m.mu.Lock()
	if m.suspended || err == ErrConnectCancelled {
		m.mu.Unlock()
		return
	}
	m.attempts++
	m.lastError = err.Error()
	m.scheduleReconnectLocked()
	m.mu.Unlock()
	m.publishState()
}

// scheduleReconnectLocked plans the next retry. Never called for intentional
// disconnects; never schedules while offline, backgrounded, or suspended.
func (m *Manager) scheduleReconnectLocked() {
	if m.suspended {
		return
	}
	if m.attempts >= m.cfg.MaxRetries {
		m.setPhaseLocked(types.PhaseError)
		m.lastError = ErrRetriesExhausted.Error()
		m.logger.Error().Int("attempts", m.attempts).Msg("retry budget exhausted")
		return
	}
	m.setPhaseLocked(types.PhaseReconnecting)
	if !m.online || !m.foreground {
		m.retryPending = true
		return
	}

	delay := RetryDelay(m.cfg.BaseDelay, m.cfg.MaxDelay, m.cfg.BackoffMultiplier, m.attempts)
	gen := m.gen
	m.logger.Info().Dur("delay", delay).Int("attempt", m.attempts).Msg("reconnect scheduled")
	m.reconnectTimer = time.AfterFunc(delay, func() { m.retry(gen) })
}

// retry performs one background reconnect attempt if the session it was
// scheduled for is still the current one.
func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.suspended || m.phase == types.PhaseConnected || m.inflight != nil {
		m.mu.Unlock()
		return
	}
	if !m.online || !m.foreground {
		m.retryPending = true
		m.mu.Unlock()
		return
	}
	a := &attempt{done: make(chan struct{}), gen: m.gen}
	m.inflight = a
	m.mu.Unlock()

	err := m.dialAndInstall(context.Background(), a)
	m.finishAttempt(a, err)
	if err != nil {
		m.handleConnectFailure(err)
	}
}

// watchClose reacts to the transport dying. Reconnection is solely this
// handler's responsibility; the health check never forces one.
func (m *Manager) watchClose(tr transport.Transport, gen uint64) {
	<-tr.Done()

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	if tr.Intentional() {
		m.mu.Unlock()
		return
	}
	m.tr = nil
	m.quality = types.QualityDisconnected
	if err := tr.Err(); err != nil {
		m.lastError = err.Error()
	}
	m.logger.Warn().Str("error", m.lastError).Msg("transport lost")
	m.scheduleReconnectLocked()
	m.mu.Unlock()
	m.publishState()
}

// readPump publishes inbound envelopes to the dispatch registry and feeds
// pong frames back into latency sampling.
func (m *Manager) readPump(tr transport.Transport, gen uint64) {
	for env := range tr.Inbound() {
		if m.generation() != gen {
			return
		}
		if env.Type == types.EventPong {
			m.handlePong(env)
			continue
		}
		m.bus.Publish(env.Type, env)
	}
}

// heartbeatLoop emits a timestamped ping every heartbeat interval. Round-trip
// latency is recorded when the matching pong arrives.
func (m *Manager) heartbeatLoop(tr transport.Transport, gen uint64) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if m.generation() != gen {
				return
			}
			env, err := types.NewEnvelope(types.EventPing, types.PingPayload{SentAt: time.Now()})
			if err != nil {
				continue
			}
			if err := tr.Emit(env); err != nil {
				m.logger.Debug().Err(err).Msg("heartbeat emit failed")
			}
		case <-tr.Done():
			return
		}
	}
}

// healthLoop counts consecutive intervals without a pong and escalates
// quality to poor past the threshold. It deliberately does not reconnect;
// duplicate reconnect storms are avoided by leaving that to watchClose.
func (m *Manager) healthLoop(tr transport.Transport, gen uint64) {
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			if m.gen != gen {
				m.mu.Unlock()
				return
			}
			if time.Since(m.lastPongAt) >= m.cfg.HealthInterval {
				m.healthMisses++
			} else {
				m.healthMisses = 0
			}
			escalated := false
			if m.healthMisses >= m.cfg.HealthMissThreshold && m.quality != types.QualityPoor {
				m.quality = types.QualityPoor
				escalated = true
				m.logger.Warn().Int("misses", m.healthMisses).Msg("health check failing, quality degraded")
			}
			m.mu.Unlock()
			if escalated {
				m.publishState()
			}
		case <-tr.Done():
			return
		}
	}
}

func (m *Manager) handlePong(env types.Envelope) {
	var ping types.PingPayload
	if err := env.Decode(&ping); err != nil {
		m.logger.Warn().Err(err).Msg("dropping malformed pong")
		return
	}
	latency := time.Since(ping.SentAt)
	if latency < 0 {
		return
	}

	m.mu.Lock()
	m.samples = append(m.samples, latency)
	if len(m.samples) > m.cfg.LatencyWindow {
		m.samples = m.samples[len(m.samples)-m.cfg.LatencyWindow:]
	}
	m.lastPongAt = time.Now()
	m.healthMisses = 0
	previous := m.quality
	m.quality = classifyQuality(averageLatency(m.samples))
	changed := previous != m.quality
	m.mu.Unlock()

	if changed {
		m.publishState()
	}
}

func (m *Manager) generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen
}

// setPhaseLocked records the phase and wakes every WaitConnected caller.
func (m *Manager) setPhaseLocked(phase types.ConnectionPhase) {
	if m.phase == phase {
		return
	}
	m.phase = phase
	close(m.notify)
	m.notify = make(chan struct{})
}

func (m *Manager) stopReconnectTimerLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) publishState() {
	m.bus.Publish(types.EventConnectionStateChanged, m.State())
}

func classifyQuality(avg time.Duration) types.ConnectionQuality {
	switch {
	case avg <= 0:
		return types.QualityDisconnected
	case avg < excellentLatency:
		return types.QualityExcellent
	case avg < goodLatency:
		return types.QualityGood
	default:
		return types.QualityPoor
	}
}

func averageLatency(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range samples {
		total += s
	}
	return total / time.Duration(len(samples))
}
