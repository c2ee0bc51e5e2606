// Package tasks defines the broadcast mutation descriptors produced by the
// event sink and consumed by the task applier, on both the originating
// node and every peer that receives them over the cluster dispatcher.
package tasks

import (
	"github.com/example/nats-chat-occupant-registry/internal/occupant"
	"github.com/example/nats-chat-occupant-registry/internal/registry"
)

// OccupantRef is the wire-safe projection of an Occupant: identity fields
// only, the way every broadcast task carries it (§4.2 "carries only
// identity fields, never local-only fields").
type OccupantRef struct {
	Room        string           `json:"room"`
	Nickname    string           `json:"nickname"`
	RealAddress occupant.Address `json:"realAddress"`
}

func (r OccupantRef) occupant() *occupant.Occupant {
	return occupant.New(r.Room, r.Nickname, r.RealAddress)
}

// AddedTask announces a newly joined occupant.
type AddedTask struct {
	Service     string           `json:"service"`
	Room        string           `json:"room"`
	Nickname    string           `json:"nickname"`
	RealAddress occupant.Address `json:"realAddress"`
	Origin      registry.NodeID  `json:"origin"`
}

// UpdatedTask announces a nickname change for an occupant already present.
type UpdatedTask struct {
	Service     string           `json:"service"`
	Room        string           `json:"room"`
	OldNickname string           `json:"oldNickname"`
	NewNickname string           `json:"newNickname"`
	RealAddress occupant.Address `json:"realAddress"`
	Origin      registry.NodeID  `json:"origin"`
}

// RemovedTask announces that an occupant has left.
type RemovedTask struct {
	Service     string           `json:"service"`
	Room        string           `json:"room"`
	Nickname    string           `json:"nickname"`
	RealAddress occupant.Address `json:"realAddress"`
	Origin      registry.NodeID  `json:"origin"`
}

// NickKickedTask announces a nickname-collision kick. It is deliberately
// not service-scoped at the point the event sink observes it (§4.2), but
// it still carries Service so peers route it to the right registry
// instance before applying the cluster-wide removal.
type NickKickedTask struct {
	Service  string          `json:"service"`
	Room     string          `json:"room"`
	Nickname string          `json:"nickname"`
	Origin   registry.NodeID `json:"origin"`
}

// PeerSnapshotTask carries a peer's complete local occupant set, sent on
// topology change so other nodes can reconcile their copy of that peer's
// entries in one shot.
type PeerSnapshotTask struct {
	Service   string          `json:"service"`
	Occupants []OccupantRef   `json:"occupants"`
	Origin    registry.NodeID `json:"origin"`
}

// Applier applies AddedTask/UpdatedTask/RemovedTask/NickKickedTask/
// PeerSnapshotTask to a Store. One Applier wraps exactly one Store,
// matching the one-registry-per-service model (§2).
type Applier struct {
	store *registry.Store
}

// NewApplier wraps store for task application.
func NewApplier(store *registry.Store) *Applier {
	return &Applier{store: store}
}

// ApplyAdded builds the incoming Occupant and inserts it under t.Origin.
func (a *Applier) ApplyAdded(t AddedTask) {
	occ := occupant.New(t.Room, t.Nickname, t.RealAddress)
	a.store.Replace(nil, occ, t.Origin)
}

// ApplyUpdated builds old and new Occupants sharing RealAddress and
// replaces one for the other under t.Origin.
func (a *Applier) ApplyUpdated(t UpdatedTask) {
	old := occupant.New(t.Room, t.OldNickname, t.RealAddress)
	new_ := occupant.New(t.Room, t.NewNickname, t.RealAddress)
	a.store.Replace(old, new_, t.Origin)
}

// ApplyRemoved builds the outgoing Occupant and deletes it from t.Origin.
func (a *Applier) ApplyRemoved(t RemovedTask) {
	occ := occupant.New(t.Room, t.Nickname, t.RealAddress)
	a.store.Replace(occ, nil, t.Origin)
}

// ApplyNickKicked implements the two-phase lock-not-upgradeable pattern
// mandated by §4.3/§9: collect matches under the read lock, release it,
// then remove every match under one write lock fanned out over every node
// — ReplaceBatchOnEveryNode's single critical section, not one
// ReplaceOnEveryNode call per match, so a concurrent reader never observes
// a partially-applied kick. A match that has since disappeared is simply a
// no-op delete, which is safe because every primitive is idempotent on
// absence.
func (a *Applier) ApplyNickKicked(t NickKickedTask) {
	matches := a.store.OccupantsMatchingNickAndRoom(t.Nickname, t.Room)
	a.store.ReplaceBatchOnEveryNode(matches)
}

// ApplyPeerSnapshot replaces everything known for t.Origin with the
// payload in one write-lock critical section and returns the outcome
// classification (applied / redundant / conflicting) so the caller can
// decide whether to surface anything beyond the Store's own logging.
func (a *Applier) ApplyPeerSnapshot(t PeerSnapshotTask) registry.SnapshotOutcome {
	occupants := make([]*occupant.Occupant, 0, len(t.Occupants))
	for _, ref := range t.Occupants {
		occupants = append(occupants, ref.occupant())
	}
	return a.store.ApplySnapshot(t.Origin, occupants)
}
