package types

import (
	"regexp"
	"strings"
	"time"
)

var accessCodeRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidAccessCode checks the access code format: 1-32 characters,
// alphanumeric plus underscore/hyphen.
func IsValidAccessCode(code string) bool {
	if len(code) < 1 || len(code) > 32 {
		return false
	}
	return accessCodeRegex.MatchString(code)
}

// IsValidDisplayName checks that the display name is non-blank and at most
// 50 characters.
func IsValidDisplayName(name string) bool {
	trimmed := strings.TrimSpace(name)
	return len(trimmed) >= 1 && len(name) <= 50
}

// ValidateJoin rejects a join request before any network call is made.
func (p *JoinPayload) ValidateJoin() error {
	if p.RoomID == "" {
		return ErrMissingRoomID
	}
	if !p.Moderator {
		if p.AccessCode == "" {
			return ErrMissingAccessCode
		}
		if !IsValidAccessCode(p.AccessCode) {
			return ErrInvalidAccessCode
		}
	}
	if !IsValidDisplayName(p.DisplayName) {
		return ErrMissingDisplayName
	}
	return nil
}

// Validate rejects a kick request that is missing its target.
func (k *KickPayload) Validate() error {
	if k.RoomID == "" {
		return ErrMissingRoomID
	}
	if k.ParticipantID == "" {
		return ErrParticipantNotFound
	}
	return nil
}

// Normalize folds the participant onto its identity key and fills defaults.
// Payloads from the server sometimes carry only the transient connection id
// and sometimes both ids; callers must normalize on first sight so the roster
// never holds two entries for the same person.
func (p Participant) Normalize() Participant {
	p.ID = p.Key()
	if p.Role == "" {
		p.Role = RoleUnspecified
	}
	if p.Status == "" {
		p.Status = StatusConnected
	}
	if p.LastActivity.IsZero() {
		p.LastActivity = time.Now()
	}
	return p
}
