package types_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arquiz/pkg/types"
)

func TestParticipantKey(t *testing.T) {
	tests := []struct {
		name        string
		participant types.Participant
		want        string
	}{
		{
			name:        "persistent user id wins over connection id",
			participant: types.Participant{ID: "conn-1", UserID: "user-1"},
			want:        "user-1",
		},
		{
			name:        "connection id used when no user id",
			participant: types.Participant{ID: "conn-1"},
			want:        "conn-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.participant.Key())
		})
	}
}

func TestParticipantNormalize(t *testing.T) {
	p := types.Participant{ID: "conn-9", UserID: "user-9", Name: "Alice"}
	normalized := p.Normalize()

	assert.Equal(t, "user-9", normalized.ID)
	assert.Equal(t, types.StatusConnected, normalized.Status)
	assert.False(t, normalized.LastActivity.IsZero())
}

func TestEnvelopeRoundTrip(t *testing.T) {
	payload := types.JoinPayload{RoomID: "R1", AccessCode: "ABC123", DisplayName: "Alice"}
	env, err := types.NewEnvelope(types.EventJoinRoom, payload)
	require.NoError(t, err)
	assert.Equal(t, types.EventJoinRoom, env.Type)
	assert.False(t, env.Timestamp.IsZero())

	var decoded types.JoinPayload
	require.NoError(t, env.Decode(&decoded))
	assert.Equal(t, payload, decoded)
}

func TestEnvelopeDecodeEmptyPayload(t *testing.T) {
	env := types.Envelope{Type: types.EventPong, Timestamp: time.Now()}
	var payload types.PingPayload
	assert.Error(t, env.Decode(&payload))
}

func TestJoinErrorMapping(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{types.CodeRoomNotFound, types.ErrRoomNotFound},
		{types.CodeUnauthorized, types.ErrUnauthorized},
		{types.CodeInvalidAccessCode, types.ErrInvalidAccessCode},
		{"something_else", types.ErrJoinRejected},
		{"", types.ErrJoinRejected},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.ErrorIs(t, types.JoinError(tt.code), tt.want)
		})
	}
}

func TestRolePrivileged(t *testing.T) {
	assert.True(t, types.RoleTeacher.Privileged())
	assert.True(t, types.RoleAdmin.Privileged())
	assert.False(t, types.RoleStudent.Privileged())
	assert.False(t, types.RoleUnspecified.Privileged())
}
