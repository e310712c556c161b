// Package roster keeps the local participant collection consistent with
// server-authoritative state. It owns the Participant set exclusively; other
// components read copies through accessors, never shared references.
package roster

import (
	"sync"

	"arquiz/pkg/types"
)

// Roster is the keyed participant collection. Exactly one live entry exists
// per identity key at any time: merges match on key, never duplicate-append.
type Roster struct {
	mu           sync.RWMutex
	participants map[string]types.Participant
}

// New creates an empty roster.
func New() *Roster {
	return &Roster{participants: make(map[string]types.Participant)}
}

// Replace applies a bulk sync: the previous set is discarded entirely so
// stale entries are never merged forward.
func (r *Roster) Replace(participants []types.Participant) {
	fresh := make(map[string]types.Participant, len(participants))
	for _, p := range participants {
		p = p.Normalize()
		fresh[p.Key()] = p
	}

	r.mu.Lock()
	r.participants = fresh
	r.mu.Unlock()
}

// Upsert merges a single joined or updated participant. An existing entry is
// updated in place, preserving fields the new payload leaves unset.
func (r *Roster) Upsert(p types.Participant) types.Participant {
	key := p.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, exists := r.participants[key]
	if !exists {
		p = p.Normalize()
		r.participants[key] = p
		return p
	}
	// Merge the raw payload so fields it leaves unset keep their current
	// values; normalization defaults must not overwrite them.
	merged := merge(existing, p)
	merged.ID = key
	r.participants[key] = merged
	return merged
}

// Remove deletes a participant by identity key. An absent key is a no-op,
// not an error: the entry may already be gone.
func (r *Roster) Remove(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.participants[key]; !exists {
		return false
	}
	delete(r.participants, key)
	return true
}

// Get looks up a participant by identity key in the unfiltered set.
func (r *Roster) Get(key string) (types.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[key]
	return p, ok
}

// All returns a copy of the unfiltered set. Moderation operates on this view.
func (r *Roster) All() []types.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	return out
}

// Visible projects the roster for a viewer. Privileged viewers see everyone;
// others see the set minus teachers and hosts. This is a read-time
// projection: the authoritative set is never mutated by filtering.
func (r *Roster) Visible(viewer types.Role) []types.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		if !viewer.Privileged() && (p.Role == types.RoleTeacher || p.IsHost) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Len returns the unfiltered roster size.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

// Clear empties the roster, used on leave and terminal teardown.
func (r *Roster) Clear() {
	r.mu.Lock()
	r.participants = make(map[string]types.Participant)
	r.mu.Unlock()
}

// merge folds the incoming payload onto the existing entry, keeping existing
// values wherever the payload carries zero values.
func merge(existing, incoming types.Participant) types.Participant {
	out := existing
	if incoming.Name != "" {
		out.Name = incoming.Name
	}
	if incoming.Email != "" {
		out.Email = incoming.Email
	}
	if incoming.Role != types.RoleUnspecified {
		out.Role = incoming.Role
	}
	if incoming.Status != "" {
		out.Status = incoming.Status
	}
	if incoming.Score != 0 {
		out.Score = incoming.Score
	}
	if incoming.IsHost {
		out.IsHost = true
	}
	if !incoming.LastActivity.IsZero() {
		out.LastActivity = incoming.LastActivity
	}
	return out
}
