package voice

import (
	"time"

	"github.com/benbjohnson/clock"
)

type registryEntry struct {
	active      bool
	lockedUntil time.Time
}

// SessionRegistry tracks which speakers are being recorded for one
// destination. It is not safe for concurrent use; the owning controller loop
// is its only caller.
type SessionRegistry struct {
	clock   clock.Clock
	lock    time.Duration
	entries map[SpeakerID]*registryEntry
}

func NewSessionRegistry(clk clock.Clock, lock time.Duration) *SessionRegistry {
	if clk == nil {
		clk = clock.New()
	}
	return &SessionRegistry{clock: clk, lock: lock, entries: make(map[SpeakerID]*registryEntry)}
}

// TryBegin marks speaker active and returns true when no session is active
// and the post-completion lock has expired.
func (r *SessionRegistry) TryBegin(speaker SpeakerID) bool {
	e, ok := r.entries[speaker]
	if !ok {
		r.entries[speaker] = &registryEntry{active: true}
		return true
	}
	if e.active || r.clock.Now().Before(e.lockedUntil) {
		return false
	}
	e.active = true
	e.lockedUntil = time.Time{}
	return true
}

// Complete marks speaker inactive and starts the post-completion lock.
func (r *SessionRegistry) Complete(speaker SpeakerID) {
	e, ok := r.entries[speaker]
	if !ok {
		e = &registryEntry{}
		r.entries[speaker] = e
	}
	e.active = false
	e.lockedUntil = r.clock.Now().Add(r.lock)
}

// Active reports whether a session is running for speaker.
func (r *SessionRegistry) Active(speaker SpeakerID) bool {
	e, ok := r.entries[speaker]
	return ok && e.active
}

// LockedUntil returns the end of speaker's current lock, or the zero time.
func (r *SessionRegistry) LockedUntil(speaker SpeakerID) time.Time {
	if e, ok := r.entries[speaker]; ok {
		return e.lockedUntil
	}
	return time.Time{}
}

// Forget drops an idle speaker whose lock has expired. Active speakers and
// speakers still inside their lock are kept.
func (r *SessionRegistry) Forget(speaker SpeakerID) bool {
	e, ok := r.entries[speaker]
	if !ok {
		return false
	}
	if e.active || r.clock.Now().Before(e.lockedUntil) {
		return false
	}
	delete(r.entries, speaker)
	return true
}

// Len returns the number of tracked speakers.
func (r *SessionRegistry) Len() int { return len(r.entries) }
