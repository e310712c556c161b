package connection_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arquiz/internal/config"
	"arquiz/internal/connection"
	"arquiz/internal/coordtest"
	"arquiz/internal/dispatch"
	"arquiz/internal/transport"
	"arquiz/pkg/types"
)

func testConfig(url string) *config.Config {
	return &config.Config{
		ServerURL:           url,
		ConnectTimeout:      2 * time.Second,
		MaxRetries:          5,
		BaseDelay:           20 * time.Millisecond,
		MaxDelay:            100 * time.Millisecond,
		BackoffMultiplier:   1.5,
		HeartbeatInterval:   25 * time.Millisecond,
		HealthInterval:      40 * time.Millisecond,
		HealthMissThreshold: 3,
		LatencyWindow:       10,
		RequestTimeout:      time.Second,
		ActionTimeout:       time.Second,
	}
}

func newManager(t *testing.T, srv *coordtest.Server, cfg *config.Config) (*connection.Manager, *dispatch.Registry) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(srv.URL())
	}
	bus := dispatch.NewRegistry(zerolog.Nop())
	dialer := &transport.WebsocketDialer{HandshakeTimeout: cfg.ConnectTimeout, Logger: zerolog.Nop()}
	m := connection.NewManager(cfg, dialer, bus, nil, zerolog.Nop())
	t.Cleanup(m.Disconnect)
	return m, bus
}

func TestConnectIsIdempotent(t *testing.T) {
	srv := coordtest.NewServer()
	defer srv.Close()
	m, _ := newManager(t, srv, nil)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Connect(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, srv.ConnectionCount(), "concurrent connects must collapse onto one transport")
	assert.Equal(t, types.PhaseConnected, m.State().Phase)

	// Connecting again while connected is a no-op.
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, 1, srv.ConnectionCount())
}

func TestConnectPublishesStateTransitions(t *testing.T) {
	srv := coordtest.NewServer()
	defer srv.Close()
	m, bus := newManager(t, srv, nil)

	var mu sync.Mutex
	var phases []types.ConnectionPhase
	bus.Subscribe(types.EventConnectionStateChanged, func(payload any) {
		state, ok := payload.(types.ConnectionState)
		if !ok {
			return
		}
		mu.Lock()
		phases = append(phases, state.Phase)
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, phases, types.PhaseConnecting)
	assert.Contains(t, phases, types.PhaseConnected)
}

func TestIntentionalDisconnectNeverReconnects(t *testing.T) {
	srv := coordtest.NewServer()
	defer srv.Close()
	m, _ := newManager(t, srv, nil)

	require.NoError(t, m.Connect(context.Background()))
	m.Disconnect()

	assert.Equal(t, types.PhaseDisconnected, m.State().Phase)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, srv.ConnectionCount(), "intentional disconnect must not schedule retries")
}

func TestAutoReconnectAfterUnexpectedDrop(t *testing.T) {
	srv := coordtest.NewServer()
	defer srv.Close()
	m, _ := newManager(t, srv, nil)

	require.NoError(t, m.Connect(context.Background()))
	srv.DropConnections()

	require.Eventually(t, func() bool {
		return m.State().Phase == types.PhaseConnected && srv.ConnectionCount() >= 2
	}, 3*time.Second, 10*time.Millisecond, "client must recover once the server is reachable again")
	assert.Equal(t, 0, m.State().ReconnectAttempts, "attempts reset on successful connect")
}

func TestRetryBudgetExhaustion(t *testing.T) {
	srv := coordtest.NewServer()
	defer srv.Close()
	cfg := testConfig(srv.URL())
	cfg.MaxRetries = 2
	m, _ := newManager(t, srv, cfg)

	srv.SetRefuse(true)
	err := m.Connect(context.Background())
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return m.State().Phase == types.PhaseError
	}, 3*time.Second, 10*time.Millisecond)

	state := m.State()
	assert.Equal(t, cfg.MaxRetries, state.ReconnectAttempts)
	assert.NotEmpty(t, state.LastError)

	// Explicit reconnect after exhaustion starts a fresh cycle.
	srv.SetRefuse(false)
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, types.PhaseConnected, m.State().Phase)
}

func TestOfflinePausesReconnection(t *testing.T) {
	srv := coordtest.NewServer()
	defer srv.Close()
	m, _ := newManager(t, srv, nil)

	require.NoError(t, m.Connect(context.Background()))
	m.SetOnline(false)
	srv.DropConnections()

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, srv.ConnectionCount(), "no retries while offline")
	assert.Equal(t, types.PhaseReconnecting, m.State().Phase)

	m.SetOnline(true)
	require.Eventually(t, func() bool {
		return m.State().Phase == types.PhaseConnected
	}, 3*time.Second, 10*time.Millisecond, "returning online triggers an immediate reconnect check")
}

func TestBackgroundPausesReconnection(t *testing.T) {
	srv := coordtest.NewServer()
	defer srv.Close()
	m, _ := newManager(t, srv, nil)

	require.NoError(t, m.Connect(context.Background()))
	m.SetForeground(false)
	srv.DropConnections()

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, srv.ConnectionCount(), "no retries while backgrounded")

	m.SetForeground(true)
	require.Eventually(t, func() bool {
		return m.State().Phase == types.PhaseConnected
	}, 3*time.Second, 10*time.Millisecond)
}

func TestHeartbeatSamplesLatency(t *testing.T) {
	srv := coordtest.NewServer()
	defer srv.Close()
	m, _ := newManager(t, srv, nil)

	require.NoError(t, m.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return m.Metrics().SampleCount > 0
	}, 3*time.Second, 10*time.Millisecond)

	metrics := m.Metrics()
	assert.Equal(t, types.QualityExcellent, metrics.State.Quality, "loopback latency classifies as excellent")
	assert.Greater(t, metrics.AverageLatency, time.Duration(0))
	assert.LessOrEqual(t, metrics.SampleCount, 10, "rolling window is bounded")
}

func TestHealthCheckEscalatesWithoutReconnecting(t *testing.T) {
	srv := coordtest.NewServer()
	defer srv.Close()
	m, _ := newManager(t, srv, nil)

	srv.SetSilent(true)
	require.NoError(t, m.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return m.State().Quality == types.QualityPoor
	}, 3*time.Second, 10*time.Millisecond, "missed health checks degrade quality")

	assert.Equal(t, types.PhaseConnected, m.State().Phase)
	assert.Equal(t, 1, srv.ConnectionCount(), "health check must never force a reconnect")
}

func TestSuspendIsTerminal(t *testing.T) {
	srv := coordtest.NewServer()
	defer srv.Close()
	m, _ := newManager(t, srv, nil)

	require.NoError(t, m.Connect(context.Background()))
	m.Suspend("removed from room")

	assert.Equal(t, types.PhaseDisconnected, m.State().Phase)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, srv.ConnectionCount(), "suspended sessions never reconnect")

	err := m.Connect(context.Background())
	assert.ErrorIs(t, err, types.ErrSessionTerminated)
}

func TestWaitConnected(t *testing.T) {
	srv := coordtest.NewServer()
	defer srv.Close()
	m, _ := newManager(t, srv, nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = m.Connect(context.Background())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.WaitConnected(ctx))
}

func TestWaitConnectedTimesOut(t *testing.T) {
	srv := coordtest.NewServer()
	defer srv.Close()
	m, _ := newManager(t, srv, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.WaitConnected(ctx), types.ErrNotConnected)
}
