package muc

import (
	"context"
	"sync"
	"testing"

	"github.com/example/nats-chat-occupant-registry/internal/occupant"
	"github.com/example/nats-chat-occupant-registry/internal/registry"
	"github.com/example/nats-chat-occupant-registry/internal/tasks"
)

type recordedDispatch struct {
	subject string
	task    any
	sync    bool
}

type fakeDispatcher struct {
	mu    sync.Mutex
	local registry.NodeID
	sent  []recordedDispatch
	err   error
}

func (f *fakeDispatcher) LocalNode() registry.NodeID { return f.local }

func (f *fakeDispatcher) DispatchSync(ctx context.Context, subject string, task any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, recordedDispatch{subject: subject, task: task, sync: true})
	return f.err
}

func (f *fakeDispatcher) DispatchAsync(subject string, task any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, recordedDispatch{subject: subject, task: task, sync: false})
	return f.err
}

func newSink(t *testing.T) (*EventSink, *registry.Store, *fakeDispatcher) {
	t.Helper()
	store := registry.New("A", nil)
	applier := tasks.NewApplier(store)
	dispatcher := &fakeDispatcher{local: "A"}
	sink := NewEventSink("conference.example.com", store, applier, dispatcher, nil, nil)
	return sink, store, dispatcher
}

func TestEventSink_OccupantJoined(t *testing.T) {
	sink, store, dispatcher := newSink(t)
	room := RoomAddress{Domain: "conference.example.com", Name: "lobby"}

	sink.OccupantJoined(room, "alice", "alice@ex")

	if !store.ExistsAnywhere(occupant.Key{RoomName: "lobby", Nickname: "alice", Real: "alice@ex"}) {
		t.Fatal("expected local mutation to apply before broadcast")
	}
	if len(dispatcher.sent) != 1 {
		t.Fatalf("sent %d broadcasts, want 1", len(dispatcher.sent))
	}
	got, ok := dispatcher.sent[0].task.(tasks.AddedTask)
	if !ok {
		t.Fatalf("broadcast task type = %T, want AddedTask", dispatcher.sent[0].task)
	}
	if got.RealAddress != "alice@ex" || got.Nickname != "alice" || got.Room != "lobby" || got.Origin != "A" {
		t.Fatalf("AddedTask = %+v, unexpected fields", got)
	}
	if !dispatcher.sent[0].sync {
		t.Fatal("expected synchronous dispatch by default (nil config)")
	}
}

func TestEventSink_IgnoresForeignServiceDomain(t *testing.T) {
	sink, store, dispatcher := newSink(t)
	room := RoomAddress{Domain: "other.example.com", Name: "lobby"}

	sink.OccupantJoined(room, "alice", "alice@ex")

	if store.ExistsAnywhere(occupant.Key{RoomName: "lobby", Nickname: "alice", Real: "alice@ex"}) {
		t.Fatal("expected cross-service event to be dropped silently")
	}
	if len(dispatcher.sent) != 0 {
		t.Fatalf("sent %d broadcasts for foreign-domain event, want 0", len(dispatcher.sent))
	}
}

func TestEventSink_NicknameChanged(t *testing.T) {
	sink, store, dispatcher := newSink(t)
	room := RoomAddress{Domain: "conference.example.com", Name: "lobby"}
	sink.OccupantJoined(room, "alice", "alice@ex")

	sink.NicknameChanged(room, "alice", "alice2", "alice@ex")

	if store.ExistsAnywhere(occupant.Key{RoomName: "lobby", Nickname: "alice", Real: "alice@ex"}) {
		t.Fatal("expected old nickname identity to be gone")
	}
	if !store.ExistsAnywhere(occupant.Key{RoomName: "lobby", Nickname: "alice2", Real: "alice@ex"}) {
		t.Fatal("expected new nickname identity to exist")
	}
	last := dispatcher.sent[len(dispatcher.sent)-1]
	if _, ok := last.task.(tasks.UpdatedTask); !ok {
		t.Fatalf("last broadcast type = %T, want UpdatedTask", last.task)
	}
}

func TestEventSink_OccupantLeft(t *testing.T) {
	sink, store, dispatcher := newSink(t)
	room := RoomAddress{Domain: "conference.example.com", Name: "lobby"}
	sink.OccupantJoined(room, "alice", "alice@ex")

	sink.OccupantLeft(room, "alice", "alice@ex")

	if store.ExistsAnywhere(occupant.Key{RoomName: "lobby", Nickname: "alice", Real: "alice@ex"}) {
		t.Fatal("expected occupant to be gone after leave")
	}
	last := dispatcher.sent[len(dispatcher.sent)-1]
	if _, ok := last.task.(tasks.RemovedTask); !ok {
		t.Fatalf("last broadcast type = %T, want RemovedTask", last.task)
	}
}

func TestEventSink_NickKickedIgnoresServiceFilter(t *testing.T) {
	store := registry.New("A", nil)
	applier := tasks.NewApplier(store)
	dispatcher := &fakeDispatcher{local: "A"}
	sink := NewEventSink("conference.example.com", store, applier, dispatcher, nil, nil)

	store.Replace(nil, occupant.New("r2", "dup", "a@ex"), "A")
	store.Replace(nil, occupant.New("r2", "dup", "b@ex"), "B")

	// Room domain deliberately does not match this sink's service — the
	// kick event is not filtered by service domain (spec §4.2, §9).
	sink.OccupantNickKicked(RoomAddress{Domain: "other.example.com", Name: "r2"}, "dup")

	if store.ExistsAnywhere(occupant.Key{RoomName: "r2", Nickname: "dup", Real: "a@ex"}) {
		t.Fatal("expected a@ex to be kicked despite foreign room domain")
	}
	if store.ExistsAnywhere(occupant.Key{RoomName: "r2", Nickname: "dup", Real: "b@ex"}) {
		t.Fatal("expected b@ex to be kicked despite foreign room domain")
	}
	if len(dispatcher.sent) != 1 {
		t.Fatalf("sent %d broadcasts, want 1", len(dispatcher.sent))
	}
}

func TestEventSink_RoomDestroyedRemovesEveryNode(t *testing.T) {
	sink, store, _ := newSink(t)
	store.Replace(nil, occupant.New("lobby", "alice", "alice@ex"), "A")
	store.Replace(nil, occupant.New("lobby", "bob", "bob@ex"), "B")

	sink.RoomDestroyed(RoomAddress{Domain: "conference.example.com", Name: "lobby"})

	if store.ExistsAnywhere(occupant.Key{RoomName: "lobby", Nickname: "alice", Real: "alice@ex"}) {
		t.Fatal("expected alice to be removed on room destroy")
	}
	if store.ExistsAnywhere(occupant.Key{RoomName: "lobby", Nickname: "bob", Real: "bob@ex"}) {
		t.Fatal("expected bob to be removed on room destroy")
	}
}

func TestEventSink_BroadcastSnapshotCarriesLocalOccupants(t *testing.T) {
	sink, store, dispatcher := newSink(t)
	room := RoomAddress{Domain: "conference.example.com", Name: "lobby"}
	sink.OccupantJoined(room, "alice", "alice@ex")
	dispatcher.sent = nil // drop the AddedTask broadcast, only interested in the snapshot below

	store.Replace(nil, occupant.New("lobby", "bob", "bob@ex"), "B") // a peer's occupant, not local

	sink.BroadcastSnapshot()

	if len(dispatcher.sent) != 1 {
		t.Fatalf("sent %d broadcasts, want 1", len(dispatcher.sent))
	}
	got, ok := dispatcher.sent[0].task.(tasks.PeerSnapshotTask)
	if !ok {
		t.Fatalf("broadcast task type = %T, want PeerSnapshotTask", dispatcher.sent[0].task)
	}
	if got.Origin != "A" {
		t.Fatalf("Origin = %q, want A", got.Origin)
	}
	if len(got.Occupants) != 1 || got.Occupants[0].Nickname != "alice" {
		t.Fatalf("Occupants = %+v, want only the local occupant alice", got.Occupants)
	}
}

func TestEventSink_NoOpCallbacksDoNotPanic(t *testing.T) {
	sink, _, _ := newSink(t)
	room := RoomAddress{Domain: "conference.example.com", Name: "lobby"}
	sink.RoomCreated(room)
	sink.MessageReceived(room, "alice", "hi")
	sink.PrivateMessageReceived(room, "alice", "hi")
	sink.SubjectChanged(room, "alice", "new subject")
}
