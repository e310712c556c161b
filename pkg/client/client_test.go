package client_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arquiz/internal/config"
	"arquiz/internal/coordtest"
	"arquiz/pkg/client"
	"arquiz/pkg/types"
)

func testConfig(url string) *config.Config {
	return &config.Config{
		ServerURL:           url,
		ConnectTimeout:      2 * time.Second,
		MaxRetries:          3,
		BaseDelay:           20 * time.Millisecond,
		MaxDelay:            100 * time.Millisecond,
		BackoffMultiplier:   1.5,
		HeartbeatInterval:   25 * time.Millisecond,
		HealthInterval:      time.Second,
		HealthMissThreshold: 5,
		LatencyWindow:       10,
		RequestTimeout:      time.Second,
		ActionTimeout:       time.Second,
	}
}

func newClient(t *testing.T, srv *coordtest.Server, identity types.Identity) *client.Client {
	t.Helper()
	c, err := client.New(testConfig(srv.URL()), identity, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := client.New(&config.Config{}, types.Identity{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestNewAssignsUserID(t *testing.T) {
	srv := coordtest.NewServer()
	defer srv.Close()

	c := newClient(t, srv, types.Identity{DisplayName: "Alice", Role: types.RoleStudent})
	assert.NotEmpty(t, c.Identity().UserID, "an anonymous identity still gets a stable user id")
}

func TestJoinLifecycle(t *testing.T) {
	srv := coordtest.NewServer()
	defer srv.Close()
	srv.SetJoinFunc(func(p types.JoinPayload) types.JoinAck {
		return types.JoinAck{
			Success: true,
			Room:    &types.RoomSession{RoomID: p.RoomID, AccessCode: p.AccessCode, Status: types.RoomWaiting},
			Participants: []types.Participant{
				{ID: "p1", UserID: "u1", Name: "Alice", Role: types.RoleStudent},
				{ID: "p2", UserID: "u2", Name: "Bob", Role: types.RoleStudent},
			},
		}
	})

	c := newClient(t, srv, types.Identity{UserID: "u1", DisplayName: "Alice", Role: types.RoleStudent})

	var mu sync.Mutex
	var rosterEvents int
	c.Subscribe(types.EventRosterUpdated, func(any) {
		mu.Lock()
		rosterEvents++
		mu.Unlock()
	})

	room, err := c.JoinRoom(context.Background(), "room-1", "CODE42", "Alice", types.RoleUnspecified)
	require.NoError(t, err)
	assert.Equal(t, "room-1", room.RoomID)
	assert.Len(t, c.Participants(), 2)
	assert.Equal(t, types.PhaseConnected, c.ConnectionState().Phase)

	mu.Lock()
	assert.Greater(t, rosterEvents, 0, "join publishes the seeded roster")
	mu.Unlock()

	c.LeaveRoom()
	assert.Nil(t, c.Room())
	assert.Empty(t, c.Participants())
	require.Eventually(t, func() bool {
		return len(srv.Leaves()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestModeratorKickEndToEnd(t *testing.T) {
	srv := coordtest.NewServer()
	defer srv.Close()
	srv.SetJoinFunc(func(p types.JoinPayload) types.JoinAck {
		return types.JoinAck{
			Success: true,
			Room:    &types.RoomSession{RoomID: p.RoomID, Status: types.RoomActive},
			Participants: []types.Participant{
				{ID: "p1", UserID: "u1", Name: "Alice", Role: types.RoleStudent},
				{ID: "p2", UserID: "u2", Name: "Bob", Role: types.RoleStudent},
			},
		}
	})

	c := newClient(t, srv, types.Identity{UserID: "t-1", DisplayName: "Ms. Frizzle", Role: types.RoleTeacher})
	_, err := c.JoinRoom(context.Background(), "room-1", "CODE42", "Ms. Frizzle", types.RoleTeacher)
	require.NoError(t, err)

	require.NoError(t, c.KickParticipant(context.Background(), "room-1", "u2", "disruptive"))

	participants := c.Participants()
	require.Len(t, participants, 1)
	assert.Equal(t, "u1", participants[0].UserID)
	require.Len(t, srv.Kicks(), 1)
	assert.Equal(t, "u2", srv.Kicks()[0].ParticipantID)
}

func TestConnectionMetricsAccumulate(t *testing.T) {
	srv := coordtest.NewServer()
	defer srv.Close()

	c := newClient(t, srv, types.Identity{UserID: "u1", DisplayName: "Alice", Role: types.RoleStudent})
	require.NoError(t, c.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return c.ConnectionMetrics().SampleCount > 0
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, types.QualityExcellent, c.ConnectionState().Quality)
}

func TestSubscribeUnsubscribe(t *testing.T) {
	srv := coordtest.NewServer()
	defer srv.Close()

	c := newClient(t, srv, types.Identity{UserID: "u1", DisplayName: "Alice", Role: types.RoleStudent})

	var mu sync.Mutex
	var got int
	unsub := c.Subscribe(types.EventConnectionStateChanged, func(any) {
		mu.Lock()
		got++
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	unsub()
	mu.Lock()
	seen := got
	mu.Unlock()
	assert.Greater(t, seen, 0)

	c.Disconnect()
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, seen, got, "no deliveries after unsubscribe")
	mu.Unlock()
}
