// Package occupant defines the identity value tracked by the occupant
// registry: one (room, nickname, real address) tuple, plus the local-only
// fields that ride along on whichever node currently hosts that user's
// connection.
package occupant

import (
	"sync"
	"time"
)

// Address is a user's external identity (bare or full user@domain[/resource]),
// as distinct from the in-room address (room@service/nick). It is opaque to
// this package beyond being comparable and usable as a map key.
type Address string

// Key is the three-field identity tuple that equality and hashing are based
// on. Two Occupants with the same Key are the same occupant, regardless of
// any local-only state either copy carries.
type Key struct {
	RoomName string
	Nickname string
	Real     Address
}

// PingHandle is an opaque, cancellable reference to a scheduled liveness
// probe. The idle-user ping scheduler that creates these lives outside this
// module (see spec §1, external collaborators); the registry only needs to
// be able to cancel one when the occupant it was issued for disappears.
type PingHandle interface {
	Cancel()
}

// Occupant is one (room, nickname, real-address) tuple present in the
// cluster, plus local-only fields that are only ever meaningful on the node
// that hosts the occupant's client connection. Local-only fields never
// travel in a broadcast task and never participate in equality or hashing.
//
// Mutating the identity fields after construction is not supported — the
// nickname-change path always builds a new Occupant and runs it through
// Store.Replace rather than mutating one in place, which is what keeps both
// indices consistent with the fields used to locate entries in them.
type Occupant struct {
	Key

	mu              sync.Mutex
	lastActive      time.Time
	lastPingRequest time.Time
	pendingPingTask PingHandle
}

// New creates an Occupant with its identity fields set and LastActive
// initialized to now, matching the Java original's constructor.
func New(roomName, nickname string, real Address) *Occupant {
	return &Occupant{
		Key:        Key{RoomName: roomName, Nickname: nickname, Real: real},
		lastActive: time.Now(),
	}
}

// LastActive returns the timestamp of the most recent recorded local
// activity for this occupant, or the zero Time if none was ever recorded.
func (o *Occupant) LastActive() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastActive
}

// Touch records activity now. Called only for occupants known to be hosted
// on the local node (see registry.Store.RegisterActivity).
func (o *Occupant) Touch(now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastActive = now
}

// LastPingRequest returns the timestamp at which the most recent liveness
// probe was scheduled for this occupant, or the zero Time if none was ever
// scheduled. It is not cleared when a probe is cancelled.
func (o *Occupant) LastPingRequest() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastPingRequest
}

// PendingPing returns the currently scheduled liveness probe handle, or nil.
func (o *Occupant) PendingPing() PingHandle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pendingPingTask
}

// SetPendingPing records a newly scheduled liveness probe. Setting a non-nil
// handle stamps LastPingRequest to now, matching the Java original.
func (o *Occupant) SetPendingPing(handle PingHandle, now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pendingPingTask = handle
	if handle != nil {
		o.lastPingRequest = now
	}
}

// CancelPendingPing cancels and clears any scheduled liveness probe. It is a
// no-op if none is pending. Called by Store.Replace's delete phase so that a
// departing occupant never leaves a dangling probe behind.
func (o *Occupant) CancelPendingPing() {
	o.mu.Lock()
	handle := o.pendingPingTask
	o.pendingPingTask = nil
	o.mu.Unlock()

	if handle != nil {
		handle.Cancel()
	}
}
