// Package client is the public surface of the real-time room core. UI
// collaborators construct one Client per session, call into it for
// connection, join, and moderation operations, and subscribe to published
// events for everything pushed by the server.
package client

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"arquiz/internal/config"
	"arquiz/internal/connection"
	"arquiz/internal/dispatch"
	"arquiz/internal/moderation"
	"arquiz/internal/roster"
	"arquiz/internal/session"
	"arquiz/internal/transport"
	"arquiz/pkg/types"
)

// Client wires the connection manager, roster synchronizer, session
// controller, and moderation coordinator behind one facade. The identity is
// the explicit session context threaded through every operation; there is no
// ambient credential lookup.
type Client struct {
	cfg      *config.Config
	identity types.Identity

	bus        *dispatch.Registry
	roster     *roster.Roster
	conn       *connection.Manager
	session    *session.Controller
	moderation *moderation.Coordinator
}

// New creates a client that dials real coordination servers.
func New(cfg *config.Config, identity types.Identity, logger zerolog.Logger) (*Client, error) {
	dialer := &transport.WebsocketDialer{
		HandshakeTimeout: cfg.ConnectTimeout,
		Logger:           logger,
	}
	return NewWithDialer(cfg, identity, dialer, logger)
}

// NewWithDialer creates a client over a custom transport dialer. Tests use
// this seam to run against in-process servers or fakes.
func NewWithDialer(cfg *config.Config, identity types.Identity, dialer transport.Dialer, logger zerolog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if identity.UserID == "" {
		identity.UserID = uuid.New().String()
	}

	bus := dispatch.NewRegistry(logger)
	r := roster.New()
	conn := connection.NewManager(cfg, dialer, bus, authHeader(identity), logger)
	ctrl := session.NewController(cfg, conn, r, bus, identity, logger)
	mod := moderation.NewCoordinator(cfg, conn, ctrl, r, bus, identity, logger)

	return &Client{
		cfg:        cfg,
		identity:   identity,
		bus:        bus,
		roster:     r,
		conn:       conn,
		session:    ctrl,
		moderation: mod,
	}, nil
}

// Connect establishes the transport. Idempotent: concurrent and repeated
// calls share the single in-flight attempt.
func (c *Client) Connect(ctx context.Context) error {
	return c.conn.Connect(ctx)
}

// Disconnect closes the transport intentionally; no reconnect is scheduled.
func (c *Client) Disconnect() {
	c.conn.Disconnect()
}

// Reconnect tears the transport down and dials again immediately.
func (c *Client) Reconnect(ctx context.Context) error {
	return c.conn.Reconnect(ctx)
}

// JoinRoom joins a room, connecting first if necessary. Role may be left
// unspecified to use the identity's role.
func (c *Client) JoinRoom(ctx context.Context, roomID, accessCode, displayName string, role types.Role) (*types.RoomSession, error) {
	return c.session.Join(ctx, roomID, accessCode, displayName, role)
}

// LeaveRoom leaves the current room; a no-op when not joined.
func (c *Client) LeaveRoom() {
	c.session.Leave()
}

// KickParticipant removes a participant with confirmed delivery semantics.
func (c *Client) KickParticipant(ctx context.Context, roomID, participantID, reason string) error {
	return c.moderation.Kick(ctx, roomID, participantID, reason)
}

// Subscribe registers a handler for a published event and returns its
// unsubscribe function.
func (c *Client) Subscribe(event string, handler dispatch.Handler) func() {
	return c.bus.Subscribe(event, handler)
}

// ConnectionState returns a snapshot of the connection state machine.
func (c *Client) ConnectionState() types.ConnectionState {
	return c.conn.State()
}

// ConnectionMetrics returns the state snapshot plus latency aggregates.
func (c *Client) ConnectionMetrics() types.ConnectionMetrics {
	return c.conn.Metrics()
}

// Room returns the current room session, or nil when not joined.
func (c *Client) Room() *types.RoomSession {
	return c.session.Room()
}

// Participants returns the roster filtered for the local viewer's role.
func (c *Client) Participants() []types.Participant {
	return c.session.Participants()
}

// SetOnline reports host network reachability; reconnection pauses while
// offline and probes immediately on recovery.
func (c *Client) SetOnline(online bool) {
	c.conn.SetOnline(online)
}

// SetForeground reports host visibility; reconnection pauses in background.
func (c *Client) SetForeground(foreground bool) {
	c.conn.SetForeground(foreground)
}

// Identity returns the session context this client was built with.
func (c *Client) Identity() types.Identity {
	return c.identity
}

// Close leaves any joined room, disconnects, and releases subscriptions.
func (c *Client) Close() {
	c.session.Leave()
	c.moderation.Close()
	c.session.Close()
	c.conn.Disconnect()
}

func authHeader(identity types.Identity) http.Header {
	header := http.Header{}
	if identity.Token != "" {
		header.Set("Authorization", "Bearer "+identity.Token)
	}
	header.Set("X-User-Id", identity.UserID)
	return header
}
