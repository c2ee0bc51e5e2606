// Package muc adapts multi-user-chat room lifecycle callbacks into
// registry mutations plus broadcast tasks (spec §4.2). It is the only
// package that knows about both the MUC event shapes and the task wire
// shapes; everything downstream of it only ever sees one or the other.
package muc

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/example/nats-chat-occupant-registry/internal/cluster"
	"github.com/example/nats-chat-occupant-registry/internal/config"
	"github.com/example/nats-chat-occupant-registry/internal/occupant"
	"github.com/example/nats-chat-occupant-registry/internal/registry"
	"github.com/example/nats-chat-occupant-registry/internal/tasks"
)

// RoomAddress identifies a room the way the MUC service's callbacks do:
// domain plus the short (node-part) room name within it.
type RoomAddress struct {
	Domain string
	Name   string
}

// Listener is the MUC event interface this package consumes (spec §6):
// five meaningful callbacks plus four the registry has no use for but
// which the MUC service still delivers to every listener.
type Listener interface {
	OccupantJoined(room RoomAddress, nickname string, real occupant.Address)
	NicknameChanged(room RoomAddress, oldNickname, newNickname string, real occupant.Address)
	OccupantLeft(room RoomAddress, nickname string, real occupant.Address)
	OccupantNickKicked(room RoomAddress, nickname string)
	RoomDestroyed(room RoomAddress)

	RoomCreated(room RoomAddress)
	MessageReceived(room RoomAddress, nickname, body string)
	PrivateMessageReceived(room RoomAddress, nickname, body string)
	SubjectChanged(room RoomAddress, nickname, subject string)
}

func subject(service, kind string) string {
	return fmt.Sprintf("muc.%s.task.%s", service, kind)
}

// EventSink is the concrete Listener wired to one service's Store. It
// performs the local mutation before issuing the broadcast, never the
// reverse (§9 "broadcast vs apply order").
type EventSink struct {
	serviceDomain string
	store         *registry.Store
	applier       *tasks.Applier
	dispatcher    cluster.Dispatcher
	cfg           *config.ClusterTaskConfig
	log           *slog.Logger
}

// NewEventSink creates an EventSink for serviceDomain, backed by store and
// applier (which must wrap the same store) and broadcasting via
// dispatcher, with its broadcast mode governed by cfg.
func NewEventSink(serviceDomain string, store *registry.Store, applier *tasks.Applier, dispatcher cluster.Dispatcher, cfg *config.ClusterTaskConfig, logger *slog.Logger) *EventSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventSink{
		serviceDomain: serviceDomain,
		store:         store,
		applier:       applier,
		dispatcher:    dispatcher,
		cfg:           cfg,
		log:           logger,
	}
}

// ForService reports whether room belongs to this sink's service domain.
// Exported (rather than an inline unexported filter) because collaborators
// outside this package — most notably the router deciding whether to
// deliver a stanza to this service's registry at all — need the same
// predicate (SPEC_FULL.md supplemented feature #4).
func (s *EventSink) ForService(room RoomAddress) bool {
	return room.Domain == s.serviceDomain
}

func (s *EventSink) broadcast(subj string, task any) {
	ctx := context.Background()
	var err error
	if s.cfg != nil && s.cfg.Nonblocking() {
		err = s.dispatcher.DispatchAsync(subj, task)
	} else {
		err = s.dispatcher.DispatchSync(ctx, subj, task)
	}
	if err != nil {
		s.log.Warn("broadcast failed, peer will catch up on next snapshot", "subject", subj, "err", err)
	}
}

// OccupantJoined applies the join locally then broadcasts AddedTask.
// Dropped silently if room does not belong to this service (§4.2 filter
// table).
func (s *EventSink) OccupantJoined(room RoomAddress, nickname string, real occupant.Address) {
	if !s.ForService(room) {
		return
	}
	local := s.store.LocalNode()
	occ := occupant.New(room.Name, nickname, real)
	s.store.Replace(nil, occ, local)
	s.broadcast(subject(s.serviceDomain, "added"), tasks.AddedTask{
		Service:     s.serviceDomain,
		Room:        room.Name,
		Nickname:    nickname,
		RealAddress: real,
		Origin:      local,
	})
}

// NicknameChanged applies the rename locally then broadcasts UpdatedTask.
func (s *EventSink) NicknameChanged(room RoomAddress, oldNickname, newNickname string, real occupant.Address) {
	if !s.ForService(room) {
		return
	}
	local := s.store.LocalNode()
	old := occupant.New(room.Name, oldNickname, real)
	new_ := occupant.New(room.Name, newNickname, real)
	s.store.Replace(old, new_, local)
	s.broadcast(subject(s.serviceDomain, "updated"), tasks.UpdatedTask{
		Service:     s.serviceDomain,
		Room:        room.Name,
		OldNickname: oldNickname,
		NewNickname: newNickname,
		RealAddress: real,
		Origin:      local,
	})
}

// OccupantLeft applies the departure locally then broadcasts RemovedTask.
func (s *EventSink) OccupantLeft(room RoomAddress, nickname string, real occupant.Address) {
	if !s.ForService(room) {
		return
	}
	local := s.store.LocalNode()
	occ := occupant.New(room.Name, nickname, real)
	s.store.Replace(occ, nil, local)
	s.broadcast(subject(s.serviceDomain, "removed"), tasks.RemovedTask{
		Service:     s.serviceDomain,
		Room:        room.Name,
		Nickname:    nickname,
		RealAddress: real,
		Origin:      local,
	})
}

// OccupantNickKicked applies a nickname-collision kick and broadcasts
// NickKickedTask. Deliberately not gated by ForService — the source
// applies this rule cluster-wide regardless of which service's room
// triggered the collision (spec §4.2, §9 open question #1).
func (s *EventSink) OccupantNickKicked(room RoomAddress, nickname string) {
	local := s.store.LocalNode()
	task := tasks.NickKickedTask{
		Service:  s.serviceDomain,
		Room:     room.Name,
		Nickname: nickname,
		Origin:   local,
	}
	s.applier.ApplyNickKicked(task)
	s.broadcast(subject(s.serviceDomain, "nick-kicked"), task)
}

// BroadcastSnapshot sends this node's complete local occupant set to every
// peer as a PeerSnapshotTask — the join-reconciliation mechanism a node
// uses on startup and again after reconnecting to let every peer hydrate
// its copy of this node's entries in one shot (§4.3, §6 "produced,
// replicated" task; triggered on topology change per the PeerSnapshotTask
// doc comment). There is no local apply step here, unlike the other
// broadcasts: a node's own occupants are already in its Store by
// construction, so this call only ever needs to go out, never in.
func (s *EventSink) BroadcastSnapshot() {
	local := s.store.LocalNode()
	occupants := s.store.LocalOccupants()
	refs := make([]tasks.OccupantRef, 0, len(occupants))
	for _, o := range occupants {
		refs = append(refs, tasks.OccupantRef{Room: o.RoomName, Nickname: o.Nickname, RealAddress: o.Real})
	}
	s.broadcast(subject(s.serviceDomain, "peersnapshot"), tasks.PeerSnapshotTask{
		Service:   s.serviceDomain,
		Occupants: refs,
		Origin:    local,
	})
}

// RoomDestroyed removes every occupant of room from every node it is
// known to exist on. There is no broadcast: peers observe the same
// room-destroyed callback from their own copy of the MUC service and
// perform the same local cleanup independently (§4.2).
func (s *EventSink) RoomDestroyed(room RoomAddress) {
	if !s.ForService(room) {
		return
	}
	for _, occ := range s.store.OccupantsForRoom(room.Name) {
		s.store.ReplaceOnEveryNode(occ, nil)
	}
}

// RoomCreated, MessageReceived, PrivateMessageReceived and SubjectChanged
// carry no registry-relevant state; the registry only needs the five
// membership-affecting callbacks above.
func (s *EventSink) RoomCreated(RoomAddress)                           {}
func (s *EventSink) MessageReceived(RoomAddress, string, string)       {}
func (s *EventSink) PrivateMessageReceived(RoomAddress, string, string) {}
func (s *EventSink) SubjectChanged(RoomAddress, string, string)        {}
