package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// ConnectionPhase is the lifecycle phase of the transport connection.
// Transitions are owned exclusively by the connection manager.
type ConnectionPhase string

const (
	PhaseInitializing ConnectionPhase = "initializing"
	PhaseDisconnected ConnectionPhase = "disconnected"
	PhaseConnecting   ConnectionPhase = "connecting"
	PhaseConnected    ConnectionPhase = "connected"
	PhaseReconnecting ConnectionPhase = "reconnecting"
	PhaseError        ConnectionPhase = "error"
)

// ConnectionQuality classifies the connection from rolling latency samples.
type ConnectionQuality string

const (
	QualityExcellent    ConnectionQuality = "excellent"
	QualityGood         ConnectionQuality = "good"
	QualityPoor         ConnectionQuality = "poor"
	QualityDisconnected ConnectionQuality = "disconnected"
)

// Role is a participant's role within a room.
type Role string

const (
	RoleStudent     Role = "student"
	RoleTeacher     Role = "teacher"
	RoleAdmin       Role = "admin"
	RoleUnspecified Role = ""
)

// Privileged reports whether the role may see the full roster and issue
// moderation actions.
func (r Role) Privileged() bool {
	return r == RoleTeacher || r == RoleAdmin
}

// ParticipantStatus is a participant's activity state within a room.
type ParticipantStatus string

const (
	StatusConnected    ParticipantStatus = "connected"
	StatusDisconnected ParticipantStatus = "disconnected"
	StatusAnswering    ParticipantStatus = "answering"
	StatusFinished     ParticipantStatus = "finished"
)

// RoomStatus is the server-reported state of the room itself.
type RoomStatus string

const (
	RoomWaiting  RoomStatus = "waiting"
	RoomActive   RoomStatus = "active"
	RoomPaused   RoomStatus = "paused"
	RoomFinished RoomStatus = "finished"
)

// Participant is one entry in the room roster. ID is the transient connection
// identifier assigned by the server; UserID, when present, is the persistent
// identity. Key() resolves the two.
type Participant struct {
	ID           string            `json:"id"`
	UserID       string            `json:"userId,omitempty"`
	Name         string            `json:"name"`
	Email        string            `json:"email,omitempty"`
	Role         Role              `json:"role"`
	IsHost       bool              `json:"isHost"`
	Status       ParticipantStatus `json:"status"`
	Score        int               `json:"score"`
	LastActivity time.Time         `json:"lastActivity"`
}

// Key returns the roster identity key for the participant. The persistent
// user id wins over the transient connection id so a reconnecting participant
// is recognized rather than duplicated.
func (p Participant) Key() string {
	if p.UserID != "" {
		return p.UserID
	}
	return p.ID
}

// QuizSummary is the quiz attached to a room, passed through unchanged.
type QuizSummary struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	CurrentQuestion int    `json:"currentQuestion"`
	TotalQuestions  int    `json:"totalQuestions"`
}

// RoomSession is the joined room's metadata. It is set atomically from a join
// acknowledgment and is nil whenever the client holds no active join.
type RoomSession struct {
	RoomID           string       `json:"roomId"`
	AccessCode       string       `json:"accessCode"`
	Status           RoomStatus   `json:"status"`
	ParticipantCount int          `json:"participantCount"`
	MaxParticipants  int          `json:"maxParticipants"`
	Quiz             *QuizSummary `json:"quiz,omitempty"`
}

// ConnectionState is a snapshot of the connection manager's state.
type ConnectionState struct {
	Phase             ConnectionPhase   `json:"phase"`
	Quality           ConnectionQuality `json:"quality"`
	ReconnectAttempts int               `json:"reconnectAttempts"`
	LastError         string            `json:"lastError,omitempty"`
	HeartbeatLatency  time.Duration     `json:"heartbeatLatency"`
}

// ConnectionMetrics extends ConnectionState with aggregate latency figures.
type ConnectionMetrics struct {
	State          ConnectionState `json:"state"`
	AverageLatency time.Duration   `json:"averageLatency"`
	SampleCount    int             `json:"sampleCount"`
}

// Identity is the ambient session context threaded explicitly through the
// public API instead of being looked up from globals.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Role        Role   `json:"role"`
	Token       string `json:"token,omitempty"`
}

// Wire event names. These are part of the coordination-server contract.
const (
	// Outbound requests.
	EventJoinRoom        = "join_room"
	EventLeaveRoom       = "leave_room"
	EventKickParticipant = "kick_participant"
	EventPing            = "ping"

	// Inbound events.
	EventRoomJoined          = "room_joined"
	EventKickAck             = "kick_ack"
	EventPong                = "pong"
	EventParticipantJoined   = "participant_joined"
	EventParticipantLeft     = "participant_left"
	EventParticipantUpdated  = "participant_updated"
	EventParticipantsUpdated = "participants_updated"
	EventParticipantKicked   = "participant_kicked"
	EventKickedFromRoom      = "kicked_from_room"
	EventRoomStarted         = "room_started"
)

// Client-side events republished to UI collaborators through the dispatch
// registry. Payloads are snapshots, never shared internal state.
const (
	EventConnectionStateChanged = "connection_state_changed"
	EventRosterUpdated          = "roster_updated"
	EventRoomUpdated            = "room_updated"
	EventKicked                 = "kicked"
)

// Envelope is the frame exchanged with the coordination server. Any inbound
// envelope whose CorrelationID matches a pending request resolves it.
type Envelope struct {
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// NewEnvelope builds an envelope with the payload marshaled into Data.
func NewEnvelope(eventType string, payload any) (Envelope, error) {
	env := Envelope{Type: eventType, Timestamp: time.Now()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
		}
		env.Data = data
	}
	return env, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// JoinPayload is the body of a join_room request.
type JoinPayload struct {
	RoomID      string `json:"roomId"`
	AccessCode  string `json:"accessCode,omitempty"`
	DisplayName string `json:"displayName"`
	UserID      string `json:"userId,omitempty"`
	Role        Role   `json:"role,omitempty"`
	Moderator   bool   `json:"moderator,omitempty"`
}

// JoinAck is the body of a room_joined acknowledgment.
type JoinAck struct {
	Success      bool          `json:"success"`
	Error        string        `json:"error,omitempty"`
	Code         string        `json:"code,omitempty"`
	Room         *RoomSession  `json:"room,omitempty"`
	Participants []Participant `json:"participants,omitempty"`
}

// LeavePayload is the body of a leave_room notification.
type LeavePayload struct {
	RoomID string `json:"roomId"`
}

// KickPayload is the body of a kick_participant request.
type KickPayload struct {
	RoomID        string `json:"roomId"`
	ParticipantID string `json:"participantId"`
	Reason        string `json:"reason,omitempty"`
}

// Ack is a generic request acknowledgment.
type Ack struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// PingPayload carries the client timestamp echoed back in the pong.
type PingPayload struct {
	SentAt time.Time `json:"sentAt"`
}

// KickedPayload is the body of a kicked_from_room notification.
type KickedPayload struct {
	RoomID string `json:"roomId"`
	Reason string `json:"reason,omitempty"`
}

// ParticipantRef identifies a participant in left/kicked events.
type ParticipantRef struct {
	ID     string `json:"id"`
	UserID string `json:"userId,omitempty"`
}

// Key resolves the reference to a roster identity key, persistent id first.
func (r ParticipantRef) Key() string {
	if r.UserID != "" {
		return r.UserID
	}
	return r.ID
}

// RosterPayload is the body of a participants_updated bulk sync.
type RosterPayload struct {
	Participants []Participant `json:"participants"`
}

// RoomEventPayload is the body of room lifecycle events such as room_started.
type RoomEventPayload struct {
	RoomID string      `json:"roomId"`
	Status RoomStatus  `json:"status,omitempty"`
	Quiz   *QuizSummary `json:"quiz,omitempty"`
}
