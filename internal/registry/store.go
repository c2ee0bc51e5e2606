// Package registry implements the cluster-wide occupant registry: the
// in-memory, per-service dual index of which real users are occupants of
// which rooms, partitioned by the cluster node hosting their connection.
//
// One Store exists per MUC service. It is the sole owner of both indices;
// every mutation anywhere in this module goes through one of the Store's
// write-locked mutators (Replace and its fan-out forms, ApplySnapshot,
// NodeLeft, LocalDetached) so the two indices never drift out of sync with
// each other (see spec §4.1, §9 "dual coupled index").
package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/example/nats-chat-occupant-registry/internal/config"
	"github.com/example/nats-chat-occupant-registry/internal/occupant"
)

// debugInvariants gates the §7/§8 invariant checks that run after every
// mutation when enabled. Off by default so normal operation stays bounded
// by the affected set per §5; set REGISTRY_DEBUG_INVARIANTS=true to turn
// every mutation into also a full consistency scan that panics on the first
// violation found ("detecting (1)-(4) of §3 after a mutation is a
// programming error and should surface as a panic-class failure in debug
// builds").
var debugInvariants = config.EnvBoolOrDefault("REGISTRY_DEBUG_INVARIANTS", false)

// NodeID is an opaque, hashable, comparable identifier of a cluster peer
// supplied by the cluster layer. One distinguished value is the local
// node's own identifier (see Store.LocalNode).
type NodeID string

// byAddress is the innermost layer of occupantsByNode: every occupant on a
// given node sharing one real address, deduplicated by identity Key.
type byAddress map[occupant.Address]map[occupant.Key]*occupant.Occupant

// Store holds the two coupled indices under one reader/writer lock and
// exposes the primitive mutation (Replace) and read projections (§4.5) that
// everything else in this module is built from. The zero value is not
// usable; construct with New.
type Store struct {
	mu sync.RWMutex

	// occupantsByNode: node-id -> real-address -> set of Occupant (by Key).
	occupantsByNode map[NodeID]byAddress

	// nodesByOccupant: occupant identity -> set of node-id currently
	// hosting that identity. In steady state exactly one entry; more than
	// one only transiently during split-brain merge (§3).
	nodesByOccupant map[occupant.Key]map[NodeID]bool

	// occupants backs nodesByOccupant's keys with the live *Occupant value
	// so that local-only field mutations (RegisterActivity, ping
	// bookkeeping) are visible through every index that references the
	// same identity.
	occupants map[occupant.Key]*occupant.Occupant

	local NodeID
	log   *slog.Logger
}

// New creates an empty Store for the given local node identifier. logger
// may be nil, in which case slog.Default() is used.
func New(local NodeID, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		occupantsByNode: make(map[NodeID]byAddress),
		nodesByOccupant: make(map[occupant.Key]map[NodeID]bool),
		occupants:       make(map[occupant.Key]*occupant.Occupant),
		local:           local,
		log:             logger,
	}
}

// LocalNode returns the node identifier this Store instance was created
// for.
func (s *Store) LocalNode() NodeID {
	return s.local
}

// Replace is the primitive single-node mutation of the registry (§4.1). It
// removes old (if non-nil) and/or inserts new (if non-nil) for the given
// node only; an empty node is treated as an ordinary node id, not as "every
// node" (fan-out is ReplaceOnEveryNode / ReplaceBatchOnEveryNode).
//
// Both the delete and insert phase happen under one write-lock acquisition,
// so the result is observable as a single atomic step. Passing nil for old
// or new expresses an insert-only or delete-only call.
func (s *Store) Replace(old, new *occupant.Occupant, node NodeID) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaceLocked(old, new, node)
	s.checkInvariantsLocked()
	recordReplace(replaceOpKind(old, new), start)
}

// ReplaceOnEveryNode is Replace with no target node: it fans out over every
// node currently present in occupantsByNode. Exposed separately from
// Replace(old, new, "") because an empty NodeID is also a legitimate
// zero-value node identifier supplied by a real cluster layer, and callers
// should not be able to confuse "no target" with "target is the empty
// node".
func (s *Store) ReplaceOnEveryNode(old, new *occupant.Occupant) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaceAllLocked(old, new)
	s.checkInvariantsLocked()
	recordReplace(replaceOpKind(old, new)+"_fanout", start)
}

// ReplaceBatchOnEveryNode atomically removes every occupant in victims from
// every node currently present in occupantsByNode, in a single write-lock
// critical section. This is the batch form a cluster-wide nickname kick
// needs (§4.3, §9): "under one write lock, replace(occ, null, null) for
// each" match, so a concurrent reader never observes a partially-applied
// kick with some nicks already gone and others still present.
func (s *Store) ReplaceBatchOnEveryNode(victims []*occupant.Occupant) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range victims {
		s.replaceAllLocked(v, nil)
	}
	s.checkInvariantsLocked()
	recordReplace("nick_kicked_batch", start)
}

func (s *Store) replaceAllLocked(old, new *occupant.Occupant) {
	nodes := make([]NodeID, 0, len(s.occupantsByNode))
	for n := range s.occupantsByNode {
		nodes = append(nodes, n)
	}
	for _, n := range nodes {
		s.replaceLocked(old, new, n)
	}
}

func (s *Store) replaceLocked(old, new *occupant.Occupant, node NodeID) {
	s.deleteLocked(old, node)
	if new != nil {
		s.insertLocked(new, node)
	}
	s.log.Debug("replaced occupant", "old", keyOrNil(old), "new", keyOrNil(new), "node", node)
}

func (s *Store) deleteLocked(old *occupant.Occupant, node NodeID) {
	if old == nil {
		return
	}

	if byAddr, ok := s.occupantsByNode[node]; ok {
		if set, ok := byAddr[old.Real]; ok {
			delete(set, old.Key)
			if len(set) == 0 {
				delete(byAddr, old.Real)
				if len(byAddr) == 0 {
					delete(s.occupantsByNode, node)
				}
			}
		}
	}

	if nodes, ok := s.nodesByOccupant[old.Key]; ok {
		delete(nodes, node)
		if len(nodes) == 0 {
			delete(s.nodesByOccupant, old.Key)
			delete(s.occupants, old.Key)
		}
	}

	old.CancelPendingPing()
}

func (s *Store) insertLocked(new *occupant.Occupant, node NodeID) {
	byAddr, ok := s.occupantsByNode[node]
	if !ok {
		byAddr = make(byAddress)
		s.occupantsByNode[node] = byAddr
	}
	set, ok := byAddr[new.Real]
	if !ok {
		set = make(map[occupant.Key]*occupant.Occupant)
		byAddr[new.Real] = set
	}
	set[new.Key] = new

	nodes, ok := s.nodesByOccupant[new.Key]
	if !ok {
		nodes = make(map[NodeID]bool)
		s.nodesByOccupant[new.Key] = nodes
	}
	nodes[node] = true

	s.occupants[new.Key] = new
}

func keyOrNil(o *occupant.Occupant) any {
	if o == nil {
		return nil
	}
	return o.Key
}

// RoomNamesForAddress returns the set of room names in which any Occupant
// has the given real address, scanning the keys of the reverse index
// (§4.5).
func (s *Store) RoomNamesForAddress(addr occupant.Address) map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rooms := make(map[string]bool)
	for key := range s.nodesByOccupant {
		if key.Real == addr {
			rooms[key.RoomName] = true
		}
	}
	return rooms
}

// LocalOccupants returns a flat, defensively-copied set of the Occupants
// currently registered under the local node.
func (s *Store) LocalOccupants() []*occupant.Occupant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.occupantsOnNodeLocked(s.local)
}

func (s *Store) occupantsOnNodeLocked(node NodeID) []*occupant.Occupant {
	byAddr, ok := s.occupantsByNode[node]
	if !ok {
		return nil
	}
	var out []*occupant.Occupant
	for _, set := range byAddr {
		for _, o := range set {
			out = append(out, o)
		}
	}
	return out
}

// RegisterActivity stamps LastActive = now on every local Occupant whose
// real address matches addr. It is only meaningful for occupants hosted on
// the local node, since that is the only node this process can observe
// activity for.
func (s *Store) RegisterActivity(addr occupant.Address, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byAddr, ok := s.occupantsByNode[s.local]
	if !ok {
		return
	}
	for _, o := range byAddr[addr] {
		o.Touch(now)
	}
}

// LastActivityOnLocalNode returns the maximum LastActive over local
// Occupants for addr, and whether any local Occupant for addr exists at
// all.
func (s *Store) LastActivityOnLocalNode(addr occupant.Address) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byAddr, ok := s.occupantsByNode[s.local]
	if !ok {
		return time.Time{}, false
	}
	set, ok := byAddr[addr]
	if !ok || len(set) == 0 {
		return time.Time{}, false
	}

	var max time.Time
	for _, o := range set {
		if t := o.LastActive(); t.After(max) {
			max = t
		}
	}
	return max, true
}

// NumberOfUniqueUsers returns the size of the reverse index: the count of
// distinct Occupant identities known across the cluster.
func (s *Store) NumberOfUniqueUsers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodesByOccupant)
}

// Exists reports whether the reverse-index set for key contains at least
// one node other than exclude, for a genuine exclude node id. exclude has
// no special "no exclusion" meaning here — a caller that wants plain
// existence anywhere in the cluster should call ExistsAnywhere instead of
// passing the zero NodeID, since "" is a legitimate (if degenerate) node id
// a real cluster layer could hand back and overloading it here would be
// the same ambiguity ReplaceOnEveryNode was split out of Replace to avoid.
func (s *Store) Exists(key occupant.Key, exclude NodeID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for n := range s.nodesByOccupant[key] {
		if n != exclude {
			return true
		}
	}
	return false
}

// ExistsAnywhere reports whether the given identity is present on any node.
func (s *Store) ExistsAnywhere(key occupant.Key) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodesByOccupant[key]
	return ok
}

// OccupantsForRoomByNode filters a single node's occupants by room name.
// The source marks the equivalent Java method as a TODO for a room-keyed
// secondary index; left as a linear scan here for the same reason (see
// spec §9): a secondary index would remove the scan but doubles the
// invariant surface that Replace would need to maintain.
func (s *Store) OccupantsForRoomByNode(room string, node NodeID) []*occupant.Occupant {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*occupant.Occupant
	for _, o := range s.occupantsOnNodeLocked(node) {
		if o.RoomName == room {
			out = append(out, o)
		}
	}
	return out
}

// OccupantsForRoomExceptForNode scans every node but exclude for occupants
// whose room matches. Same linear-scan caveat as OccupantsForRoomByNode.
func (s *Store) OccupantsForRoomExceptForNode(room string, exclude NodeID) []*occupant.Occupant {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*occupant.Occupant
	for n, byAddr := range s.occupantsByNode {
		if n == exclude {
			continue
		}
		for _, set := range byAddr {
			for _, o := range set {
				if o.RoomName == room {
					out = append(out, o)
				}
			}
		}
	}
	return out
}

// OccupantsForRoom scans every node for occupants whose room matches,
// regardless of which node hosts them. Used by room-destroy handling,
// which must remove an occupant from every node it is known to exist on
// (normally exactly one, transiently more during split-brain merge).
func (s *Store) OccupantsForRoom(room string) []*occupant.Occupant {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*occupant.Occupant
	for _, byAddr := range s.occupantsByNode {
		for _, set := range byAddr {
			for _, o := range set {
				if o.RoomName == room {
					out = append(out, o)
				}
			}
		}
	}
	return out
}

// OccupantsByNode returns a materialized copy of the registry's
// node -> occupant-set view (see spec §9: "prefer materialized copies at API
// boundaries"). The map and slices are fresh; the *Occupant values in them
// are the live ones the Store holds, not copies.
func (s *Store) OccupantsByNode() map[NodeID][]*occupant.Occupant {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[NodeID][]*occupant.Occupant, len(s.occupantsByNode))
	for n := range s.occupantsByNode {
		result[n] = s.occupantsOnNodeLocked(n)
	}
	return result
}

// NodesByOccupant returns a materialized copy of the reverse index: each
// occupant identity mapped to the set of node IDs currently hosting it.
func (s *Store) NodesByOccupant() map[occupant.Key][]NodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[occupant.Key][]NodeID, len(s.nodesByOccupant))
	for key, nodes := range s.nodesByOccupant {
		list := make([]NodeID, 0, len(nodes))
		for n := range nodes {
			list = append(list, n)
		}
		result[key] = list
	}
	return result
}

// OccupantsMatchingNickAndRoom collects every Occupant across all nodes
// whose (nickname, roomName) match, without holding the lock past the
// scan. Used by the nickname-kick path, which must release the read lock
// before re-acquiring the write lock (§4.3, §9 "lock not upgradeable").
func (s *Store) OccupantsMatchingNickAndRoom(nickname, room string) []*occupant.Occupant {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*occupant.Occupant
	for _, byAddr := range s.occupantsByNode {
		for _, set := range byAddr {
			for _, o := range set {
				if o.Nickname == nickname && o.RoomName == room {
					out = append(out, o)
				}
			}
		}
	}
	return out
}

// occupantsForNodeLocked returns a defensive copy of every Occupant currently
// registered for node, keyed by identity — used by topology handling and
// peer-snapshot reconciliation, which both need a stable snapshot to diff
// against while the indices are being rewritten under the write lock.
func (s *Store) occupantsForNodeLocked(node NodeID) map[occupant.Key]*occupant.Occupant {
	byAddr, ok := s.occupantsByNode[node]
	if !ok {
		return nil
	}
	out := make(map[occupant.Key]*occupant.Occupant)
	for _, set := range byAddr {
		for k, o := range set {
			out[k] = o
		}
	}
	return out
}

// SnapshotOutcome classifies how an applied PeerSnapshot compared against
// what the registry already held for the snapshot's origin node.
type SnapshotOutcome int

const (
	// SnapshotApplied means there was no prior data for origin: a plain
	// first-hydration apply, nothing to report.
	SnapshotApplied SnapshotOutcome = iota
	// SnapshotRedundant means the prior set for origin was non-empty and
	// identical to the incoming payload.
	SnapshotRedundant
	// SnapshotConflicting means the prior set for origin was non-empty and
	// differed from the incoming payload. The incoming snapshot always
	// wins regardless.
	SnapshotConflicting
)

// ApplySnapshot replaces everything currently known for origin with the
// given occupants in one write-lock critical section. The defensive copy
// of the prior state is taken before any mutation, and the outcome
// comparison is made against that copy rather than the live (now mutated)
// set — comparing post-mutation would spuriously report every snapshot as
// redundant (see SPEC_FULL.md supplemented feature #3).
func (s *Store) ApplySnapshot(origin NodeID, occupants []*occupant.Occupant) SnapshotOutcome {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	prior := s.occupantsForNodeLocked(origin)

	for _, o := range prior {
		s.deleteLocked(o, origin)
	}
	for _, o := range occupants {
		s.insertLocked(o, origin)
	}

	outcome := s.classifySnapshot(prior, occupants)
	switch outcome {
	case SnapshotRedundant:
		s.log.Info("redundant peer snapshot", "origin", origin, "count", len(occupants))
	case SnapshotConflicting:
		s.log.Warn("conflicting snapshot overwritten", "origin", origin, "priorCount", len(prior), "newCount", len(occupants))
	}
	s.checkInvariantsLocked()
	recordReplace("peer_snapshot", start)
	return outcome
}

func (s *Store) classifySnapshot(prior map[occupant.Key]*occupant.Occupant, incoming []*occupant.Occupant) SnapshotOutcome {
	if len(prior) == 0 {
		return SnapshotApplied
	}
	if len(prior) != len(incoming) {
		return SnapshotConflicting
	}
	for _, o := range incoming {
		if _, ok := prior[o.Key]; !ok {
			return SnapshotConflicting
		}
	}
	return SnapshotRedundant
}

// NodeLeft reports that node n has left the cluster. It removes every
// Occupant held for n and returns the removed set — the caller uses it to
// fabricate "has left" presence for locally-connected observers.
func (s *Store) NodeLeft(n NodeID) []*occupant.Occupant {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := s.occupantsForNodeLocked(n)
	for _, o := range removed {
		s.deleteLocked(o, n)
	}
	s.checkInvariantsLocked()
	recordNodeLeft(n, len(removed))

	out := make([]*occupant.Occupant, 0, len(removed))
	for _, o := range removed {
		out = append(out, o)
	}
	return out
}

// LocalDetached reports that the local node has been severed from the
// cluster. It retains the local node's own occupants, discards every
// other node's entries, rebuilds nodesByOccupant from local occupants
// only, and returns the set of identities that were known on some other
// node but are not also present locally under the same identity (the
// "lost" set, computed by merge-aware identity comparison per §4.4).
func (s *Store) LocalDetached() []*occupant.Occupant {
	s.mu.Lock()
	defer s.mu.Unlock()

	local := s.occupantsForNodeLocked(s.local)

	lost := make(map[occupant.Key]*occupant.Occupant)
	for node, byAddr := range s.occupantsByNode {
		if node == s.local {
			continue
		}
		for _, set := range byAddr {
			for k, o := range set {
				if _, stillLocal := local[k]; !stillLocal {
					lost[k] = o
				}
			}
		}
	}

	for node := range s.occupantsByNode {
		if node != s.local {
			delete(s.occupantsByNode, node)
		}
	}

	s.nodesByOccupant = make(map[occupant.Key]map[NodeID]bool)
	s.occupants = make(map[occupant.Key]*occupant.Occupant)
	for k, o := range local {
		nodes := make(map[NodeID]bool)
		nodes[s.local] = true
		s.nodesByOccupant[k] = nodes
		s.occupants[k] = o
	}
	s.checkInvariantsLocked()
	recordLocalDetached(len(lost))

	out := make([]*occupant.Occupant, 0, len(lost))
	for _, o := range lost {
		out = append(out, o)
	}
	return out
}

// checkInvariantsLocked verifies P1, P2 and P4 of §8 after a mutation. Must
// be called with the write lock held. The scan is O(total occupants), which
// is why it only runs at all when REGISTRY_DEBUG_INVARIANTS is set — §5
// requires every critical section to stay bounded by the affected set in
// normal operation, so this check is opt-in rather than running on every
// production mutation. A violation found while enabled is a programming
// error and panics, per §7 ("should surface as a panic-class failure in
// debug builds").
func (s *Store) checkInvariantsLocked() {
	if !debugInvariants {
		return
	}
	if violation := s.firstInvariantViolationLocked(); violation != "" {
		panic("registry: invariant violated: " + violation)
	}
}

func (s *Store) firstInvariantViolationLocked() string {
	for node, byAddr := range s.occupantsByNode {
		for addr, set := range byAddr {
			if len(set) == 0 {
				return "empty address set retained for node " + string(node)
			}
			for key, o := range set {
				if o == nil {
					return "nil occupant retained"
				}
				if key.Real != addr || o.Key != key {
					return "occupant stored under mismatched address/key"
				}
				if key.RoomName == "" || key.Nickname == "" || key.Real == "" {
					return "occupant with empty identity field retained"
				}
				nodes, ok := s.nodesByOccupant[key]
				if !ok || !nodes[node] {
					return "occupantsByNode entry missing from reverse index"
				}
			}
		}
		if len(byAddr) == 0 {
			return "empty node entry retained in occupantsByNode"
		}
	}

	for key, nodes := range s.nodesByOccupant {
		if len(nodes) == 0 {
			return "empty node set retained in nodesByOccupant"
		}
		for node := range nodes {
			byAddr, ok := s.occupantsByNode[node]
			if !ok {
				return "nodesByOccupant references a node absent from occupantsByNode"
			}
			set, ok := byAddr[key.Real]
			if !ok {
				return "nodesByOccupant references an address absent from occupantsByNode"
			}
			if _, ok := set[key]; !ok {
				return "nodesByOccupant references an occupant absent from occupantsByNode"
			}
		}
	}
	return ""
}
