// Package moderation coordinates moderator actions with confirmed delivery:
// a kick mutates local state only once the server acknowledges success.
package moderation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"arquiz/internal/config"
	"arquiz/internal/connection"
	"arquiz/internal/dispatch"
	"arquiz/internal/roster"
	"arquiz/internal/session"
	"arquiz/pkg/types"
)

// PendingAction tracks one issued moderation request between emit and
// acknowledgment or timeout. At most one exists per target.
type PendingAction struct {
	CorrelationID string
	Target        string
	IssuedAt      time.Time
}

// Coordinator issues kick requests and handles the target side of being
// kicked.
type Coordinator struct {
	cfg      *config.Config
	conn     *connection.Manager
	session  *session.Controller
	roster   *roster.Roster
	bus      *dispatch.Registry
	identity types.Identity
	logger   zerolog.Logger

	mu      sync.Mutex
	pending map[string]PendingAction
	unsubs  []func()
}

// NewCoordinator creates the coordinator and installs the kicked_from_room
// handler; the target side must work even if this client never issues a kick.
func NewCoordinator(cfg *config.Config, conn *connection.Manager, ctrl *session.Controller, r *roster.Roster, bus *dispatch.Registry, identity types.Identity, logger zerolog.Logger) *Coordinator {
	c := &Coordinator{
		cfg:      cfg,
		conn:     conn,
		session:  ctrl,
		roster:   r,
		bus:      bus,
		identity: identity,
		logger:   logger.With().Str("component", "moderation").Logger(),
		pending:  make(map[string]PendingAction),
	}
	c.unsubs = append(c.unsubs, bus.Subscribe(types.EventKickedFromRoom, c.onKicked))
	return c
}

// Kick removes a participant from the room with confirmed delivery. The
// target must exist in the unfiltered roster. A privileged caller who is not
// joined to the room is auto-joined first. A second kick against a target
// with a pending action is rejected synchronously; no duplicate wire request
// is issued. On timeout or a failure acknowledgment the participant stays in
// the local roster until a confirmed removal event arrives.
func (c *Coordinator) Kick(ctx context.Context, roomID, participantID, reason string) error {
	payload := types.KickPayload{RoomID: roomID, ParticipantID: participantID, Reason: reason}
	if err := payload.Validate(); err != nil {
		return err
	}

	if c.session.Room() == nil {
		if !c.identity.Role.Privileged() {
			return types.ErrUnauthorized
		}
		// Moderation surfaces may be entered without the normal join flow;
		// recover with a transparent auto-join instead of failing outright.
		if _, err := c.session.JoinAsModerator(ctx, roomID); err != nil {
			return fmt.Errorf("auto-join for moderation failed: %w", err)
		}
	}

	if _, exists := c.roster.Get(participantID); !exists {
		return types.ErrParticipantNotFound
	}

	action, err := c.reserve(participantID)
	if err != nil {
		return err
	}
	defer c.release(participantID)

	tr := c.conn.Transport()
	if tr == nil {
		return types.ErrNotConnected
	}

	env, err := types.NewEnvelope(types.EventKickParticipant, payload)
	if err != nil {
		return err
	}
	env.CorrelationID = action.CorrelationID

	resp, err := tr.Request(ctx, env, c.cfg.ActionTimeout)
	if err != nil {
		// Do not assume success: the roster keeps the target until a
		// confirmed removal event arrives.
		c.logger.Warn().Str("target", participantID).Err(err).Msg("kick not acknowledged")
		return fmt.Errorf("%w: %s", types.ErrKickTimedOut, err)
	}

	var ack types.Ack
	if err := resp.Decode(&ack); err != nil {
		return err
	}
	if !ack.Success {
		return fmt.Errorf("%w: %s", types.ErrKickRejected, ack.Error)
	}

	c.roster.Remove(participantID)
	c.logger.Info().Str("target", participantID).Str("room", roomID).Msg("participant kicked")
	c.bus.Publish(types.EventRosterUpdated, c.session.Participants())
	return nil
}

// Pending reports whether a moderation action is in flight for the target.
func (c *Coordinator) Pending(participantID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, exists := c.pending[participantID]
	return exists
}

// Close releases the coordinator's event subscriptions.
func (c *Coordinator) Close() {
	for _, u := range c.unsubs {
		u()
	}
	c.unsubs = nil
}

func (c *Coordinator) reserve(participantID string) (PendingAction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pending[participantID]; exists {
		return PendingAction{}, types.ErrActionPending
	}
	action := PendingAction{
		CorrelationID: uuid.New().String(),
		Target:        participantID,
		IssuedAt:      time.Now(),
	}
	c.pending[participantID] = action
	return action, nil
}

func (c *Coordinator) release(participantID string) {
	c.mu.Lock()
	delete(c.pending, participantID)
	c.mu.Unlock()
}

// onKicked handles the target side of moderation: clear local state, tear the
// transport down terminally, and surface the reason to the owning
// collaborator. This state must never be auto-recovered by reconnect logic.
func (c *Coordinator) onKicked(payload any) {
	env, ok := payload.(types.Envelope)
	if !ok {
		return
	}
	var kicked types.KickedPayload
	if err := env.Decode(&kicked); err != nil {
		// Even a malformed notification means the server removed us.
		kicked = types.KickedPayload{}
	}

	c.logger.Warn().Str("room", kicked.RoomID).Str("reason", kicked.Reason).Msg("removed from room")
	c.session.Terminate()
	reason := kicked.Reason
	if reason == "" {
		reason = types.ErrSessionTerminated.Error()
	}
	c.conn.Suspend(reason)
	c.bus.Publish(types.EventKicked, kicked)
}
