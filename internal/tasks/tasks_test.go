package tasks

import (
	"testing"

	"github.com/example/nats-chat-occupant-registry/internal/occupant"
	"github.com/example/nats-chat-occupant-registry/internal/registry"
)

func TestApplier_ApplyAdded(t *testing.T) {
	store := registry.New("A", nil)
	applier := NewApplier(store)

	applier.ApplyAdded(AddedTask{
		Service:     "conference.example.com",
		Room:        "r1",
		Nickname:    "a1",
		RealAddress: "alice@ex",
		Origin:      "B",
	})

	if !store.ExistsAnywhere(occupant.Key{RoomName: "r1", Nickname: "a1", Real: "alice@ex"}) {
		t.Fatal("expected occupant to exist after ApplyAdded")
	}
}

func TestApplier_ApplyUpdated(t *testing.T) {
	store := registry.New("A", nil)
	applier := NewApplier(store)
	applier.ApplyAdded(AddedTask{Room: "r1", Nickname: "a1", RealAddress: "alice@ex", Origin: "B"})

	applier.ApplyUpdated(UpdatedTask{
		Room:        "r1",
		OldNickname: "a1",
		NewNickname: "a2",
		RealAddress: "alice@ex",
		Origin:      "B",
	})

	oldKey := occupant.Key{RoomName: "r1", Nickname: "a1", Real: "alice@ex"}
	newKey := occupant.Key{RoomName: "r1", Nickname: "a2", Real: "alice@ex"}
	if store.ExistsAnywhere(oldKey) {
		t.Fatal("expected old nickname identity to be gone")
	}
	if !store.ExistsAnywhere(newKey) {
		t.Fatal("expected new nickname identity to exist")
	}
}

func TestApplier_ApplyRemoved(t *testing.T) {
	store := registry.New("A", nil)
	applier := NewApplier(store)
	applier.ApplyAdded(AddedTask{Room: "r1", Nickname: "a1", RealAddress: "alice@ex", Origin: "B"})

	applier.ApplyRemoved(RemovedTask{Room: "r1", Nickname: "a1", RealAddress: "alice@ex", Origin: "B"})

	if store.ExistsAnywhere(occupant.Key{RoomName: "r1", Nickname: "a1", Real: "alice@ex"}) {
		t.Fatal("expected occupant to be gone after ApplyRemoved")
	}
}

func TestApplier_ApplyNickKicked(t *testing.T) {
	store := registry.New("A", nil)
	applier := NewApplier(store)
	applier.ApplyAdded(AddedTask{Room: "r2", Nickname: "dup", RealAddress: "a@ex", Origin: "A"})
	applier.ApplyAdded(AddedTask{Room: "r2", Nickname: "dup", RealAddress: "b@ex", Origin: "B"})
	applier.ApplyAdded(AddedTask{Room: "r2", Nickname: "dup", RealAddress: "c@ex", Origin: "C"})

	applier.ApplyNickKicked(NickKickedTask{Room: "r2", Nickname: "dup", Origin: "A"})

	for _, addr := range []occupant.Address{"a@ex", "b@ex", "c@ex"} {
		if store.ExistsAnywhere(occupant.Key{RoomName: "r2", Nickname: "dup", Real: addr}) {
			t.Fatalf("expected %s to be kicked from r2", addr)
		}
	}
}

func TestApplier_ApplyPeerSnapshot(t *testing.T) {
	store := registry.New("A", nil)
	applier := NewApplier(store)

	outcome := applier.ApplyPeerSnapshot(PeerSnapshotTask{
		Origin: "B",
		Occupants: []OccupantRef{
			{Room: "r1", Nickname: "b1", RealAddress: "bob@ex"},
		},
	})

	if outcome != registry.SnapshotApplied {
		t.Fatalf("ApplyPeerSnapshot outcome = %v, want SnapshotApplied", outcome)
	}
	if !store.ExistsAnywhere(occupant.Key{RoomName: "r1", Nickname: "b1", Real: "bob@ex"}) {
		t.Fatal("expected snapshot occupant to be present")
	}
}

func TestApplier_ApplyPeerSnapshot_RedundantThenConflicting(t *testing.T) {
	store := registry.New("A", nil)
	applier := NewApplier(store)
	ref := OccupantRef{Room: "r1", Nickname: "b1", RealAddress: "bob@ex"}

	applier.ApplyPeerSnapshot(PeerSnapshotTask{Origin: "B", Occupants: []OccupantRef{ref}})

	if outcome := applier.ApplyPeerSnapshot(PeerSnapshotTask{Origin: "B", Occupants: []OccupantRef{ref}}); outcome != registry.SnapshotRedundant {
		t.Fatalf("second snapshot outcome = %v, want SnapshotRedundant", outcome)
	}

	other := OccupantRef{Room: "r3", Nickname: "b2", RealAddress: "bob@ex"}
	if outcome := applier.ApplyPeerSnapshot(PeerSnapshotTask{Origin: "B", Occupants: []OccupantRef{ref, other}}); outcome != registry.SnapshotConflicting {
		t.Fatalf("third snapshot outcome = %v, want SnapshotConflicting", outcome)
	}
}
