// Package session implements the join/leave protocol and the room-metadata
// cache, and normalizes inbound roster events into the local collection.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"arquiz/internal/config"
	"arquiz/internal/connection"
	"arquiz/internal/dispatch"
	"arquiz/internal/roster"
	"arquiz/pkg/types"
)

// Controller owns the RoomSession. It is non-nil only while the client holds
// an active join, set atomically from a join acknowledgment and never
// partially constructed.
type Controller struct {
	cfg      *config.Config
	conn     *connection.Manager
	roster   *roster.Roster
	bus      *dispatch.Registry
	identity types.Identity
	logger   zerolog.Logger

	mu         sync.Mutex
	room       *types.RoomSession
	subscribed bool
	unsubs     []func()
}

// NewController creates a controller bound to the given session identity.
func NewController(cfg *config.Config, conn *connection.Manager, r *roster.Roster, bus *dispatch.Registry, identity types.Identity, logger zerolog.Logger) *Controller {
	return &Controller{
		cfg:      cfg,
		conn:     conn,
		roster:   r,
		bus:      bus,
		identity: identity,
		logger:   logger.With().Str("component", "session").Logger(),
	}
}

// Join joins a room with an access code. It validates inputs before any
// network call, connects the transport if needed (waiting a bounded time),
// and on an affirmative acknowledgment atomically installs the RoomSession
// and seeds the roster from the bundled participant list. Rejections are
// returned as typed errors without mutating local state.
func (c *Controller) Join(ctx context.Context, roomID, accessCode, displayName string, role types.Role) (*types.RoomSession, error) {
	if role == types.RoleUnspecified {
		role = c.identity.Role
	}
	payload := types.JoinPayload{
		RoomID:      roomID,
		AccessCode:  accessCode,
		DisplayName: displayName,
		UserID:      c.identity.UserID,
		Role:        role,
	}
	return c.join(ctx, payload)
}

// JoinAsModerator is the auto-join recovery path for privileged callers who
// enter a moderation surface without first completing the normal join flow.
// No access code is required; the server authorizes by role.
func (c *Controller) JoinAsModerator(ctx context.Context, roomID string) (*types.RoomSession, error) {
	if !c.identity.Role.Privileged() {
		return nil, types.ErrUnauthorized
	}
	payload := types.JoinPayload{
		RoomID:      roomID,
		DisplayName: c.identity.DisplayName,
		UserID:      c.identity.UserID,
		Role:        c.identity.Role,
		Moderator:   true,
	}
	return c.join(ctx, payload)
}

func (c *Controller) join(ctx context.Context, payload types.JoinPayload) (*types.RoomSession, error) {
	if err := payload.ValidateJoin(); err != nil {
		return nil, err
	}
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	tr := c.conn.Transport()
	if tr == nil {
		return nil, types.ErrNotConnected
	}

	env, err := types.NewEnvelope(types.EventJoinRoom, payload)
	if err != nil {
		return nil, err
	}
	resp, err := tr.Request(ctx, env, c.cfg.RequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("join request failed: %w", err)
	}

	var ack types.JoinAck
	if err := resp.Decode(&ack); err != nil {
		return nil, err
	}
	if !ack.Success {
		return nil, fmt.Errorf("%w: %s", types.JoinError(ack.Code), ack.Error)
	}
	if ack.Room == nil {
		return nil, fmt.Errorf("%w: acknowledgment carried no room", types.ErrJoinRejected)
	}

	room := *ack.Room
	c.mu.Lock()
	c.room = &room
	c.subscribeLocked()
	c.mu.Unlock()

	c.roster.Replace(ack.Participants)
	c.logger.Info().Str("room", room.RoomID).Int("participants", len(ack.Participants)).Msg("joined room")
	c.publishRoom()
	c.publishRoster()

	snapshot := room
	return &snapshot, nil
}

// Leave leaves the current room. It is idempotent, emits the leave
// notification best-effort, and always clears local state synchronously:
// the local view must never stay stale because the network leave failed.
func (c *Controller) Leave() {
	c.mu.Lock()
	if c.room == nil {
		c.mu.Unlock()
		return
	}
	roomID := c.room.RoomID
	c.room = nil
	c.mu.Unlock()

	if tr := c.conn.Transport(); tr != nil {
		if env, err := types.NewEnvelope(types.EventLeaveRoom, types.LeavePayload{RoomID: roomID}); err == nil {
			if err := tr.Emit(env); err != nil {
				c.logger.Debug().Err(err).Msg("leave notification not delivered")
			}
		}
	}

	c.roster.Clear()
	c.logger.Info().Str("room", roomID).Msg("left room")
	c.publishRoom()
	c.publishRoster()
}

// Terminate clears local session state without emitting a leave, used when
// the server has already removed this participant.
func (c *Controller) Terminate() {
	c.mu.Lock()
	c.room = nil
	c.mu.Unlock()
	c.roster.Clear()
	c.publishRoom()
	c.publishRoster()
}

// Room returns a copy of the current room session, or nil when not joined.
func (c *Controller) Room() *types.RoomSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.room == nil {
		return nil
	}
	snapshot := *c.room
	return &snapshot
}

// Participants returns the roster as seen by the local viewer's role.
func (c *Controller) Participants() []types.Participant {
	return c.roster.Visible(c.identity.Role)
}

// ensureConnected triggers a connect when the transport is down and waits for
// it, bounded by the request timeout. Exhausting the wait is a NotConnected
// failure.
func (c *Controller) ensureConnected(ctx context.Context) error {
	if c.conn.Transport() != nil {
		return nil
	}
	if err := c.conn.Connect(ctx); err == nil {
		return nil
	} else if errors.Is(err, types.ErrSessionTerminated) {
		return err
	}
	// The first attempt failed; background retries may still land in time.
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	return c.conn.WaitConnected(waitCtx)
}

// subscribeLocked installs the inbound event handlers exactly once, so
// subsequent roster and room updates are processed automatically after the
// first successful join.
func (c *Controller) subscribeLocked() {
	if c.subscribed {
		return
	}
	c.subscribed = true
	c.unsubs = append(c.unsubs,
		c.bus.Subscribe(types.EventParticipantJoined, c.onParticipantUpsert),
		c.bus.Subscribe(types.EventParticipantUpdated, c.onParticipantUpsert),
		c.bus.Subscribe(types.EventParticipantLeft, c.onParticipantGone),
		c.bus.Subscribe(types.EventParticipantKicked, c.onParticipantGone),
		c.bus.Subscribe(types.EventParticipantsUpdated, c.onBulkSync),
		c.bus.Subscribe(types.EventRoomStarted, c.onRoomStarted),
		c.bus.Subscribe(types.EventRoomJoined, c.onRoomResync),
	)
}

// Close releases the controller's event subscriptions.
func (c *Controller) Close() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.subscribed = false
	c.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

func (c *Controller) live() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room != nil
}

func (c *Controller) onParticipantUpsert(payload any) {
	env, ok := payload.(types.Envelope)
	if !ok || !c.live() {
		return
	}
	var p types.Participant
	if err := env.Decode(&p); err != nil {
		c.logger.Warn().Err(err).Str("event", env.Type).Msg("dropping malformed participant event")
		return
	}
	c.roster.Upsert(p)
	c.publishRoster()
}

func (c *Controller) onParticipantGone(payload any) {
	env, ok := payload.(types.Envelope)
	if !ok || !c.live() {
		return
	}
	var ref types.ParticipantRef
	if err := env.Decode(&ref); err != nil {
		c.logger.Warn().Err(err).Str("event", env.Type).Msg("dropping malformed participant event")
		return
	}
	c.roster.Remove(ref.Key())
	c.publishRoster()
}

func (c *Controller) onBulkSync(payload any) {
	env, ok := payload.(types.Envelope)
	if !ok || !c.live() {
		return
	}
	var bulk types.RosterPayload
	if err := env.Decode(&bulk); err != nil {
		c.logger.Warn().Err(err).Msg("dropping malformed bulk sync")
		return
	}
	c.roster.Replace(bulk.Participants)
	c.publishRoster()
}

func (c *Controller) onRoomStarted(payload any) {
	env, ok := payload.(types.Envelope)
	if !ok {
		return
	}
	var event types.RoomEventPayload
	if err := env.Decode(&event); err != nil {
		c.logger.Warn().Err(err).Msg("dropping malformed room event")
		return
	}

	c.mu.Lock()
	if c.room == nil || c.room.RoomID != event.RoomID {
		c.mu.Unlock()
		return
	}
	c.room.Status = types.RoomActive
	if event.Status != "" {
		c.room.Status = event.Status
	}
	if event.Quiz != nil {
		c.room.Quiz = event.Quiz
	}
	c.mu.Unlock()
	c.publishRoom()
}

// onRoomResync handles a server-pushed room_joined broadcast, used to
// reconcile state after a reconnect.
func (c *Controller) onRoomResync(payload any) {
	env, ok := payload.(types.Envelope)
	if !ok || !c.live() {
		return
	}
	var ack types.JoinAck
	if err := env.Decode(&ack); err != nil || !ack.Success || ack.Room == nil {
		return
	}

	room := *ack.Room
	c.mu.Lock()
	if c.room == nil || c.room.RoomID != room.RoomID {
		c.mu.Unlock()
		return
	}
	c.room = &room
	c.mu.Unlock()

	if len(ack.Participants) > 0 {
		c.roster.Replace(ack.Participants)
		c.publishRoster()
	}
	c.publishRoom()
}

func (c *Controller) publishRoom() {
	c.bus.Publish(types.EventRoomUpdated, c.Room())
}

func (c *Controller) publishRoster() {
	c.bus.Publish(types.EventRosterUpdated, c.Participants())
}
