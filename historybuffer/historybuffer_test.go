package historybuffer

import (
	"testing"

	"github.com/agentbridge/agentctl/block"
)

func blk(id string) block.Block {
	return block.Block{ID: id, ConversationID: "c1", Type: block.TypeText}
}

func TestAppendAndSnapshot(t *testing.T) {
	r := NewRegistry(3)
	r.Append("c1", blk("a"))
	r.Append("c1", blk("b"))
	snap := r.Snapshot("c1")
	if len(snap) != 2 || snap[0].ID != "a" || snap[1].ID != "b" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestAppendEvictsOldestAtCapacity(t *testing.T) {
	r := NewRegistry(2)
	r.Append("c1", blk("a"))
	r.Append("c1", blk("b"))
	r.Append("c1", blk("c"))
	snap := r.Snapshot("c1")
	if len(snap) != 2 || snap[0].ID != "b" || snap[1].ID != "c" {
		t.Fatalf("snapshot = %+v, want eviction of oldest", snap)
	}
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	r := NewRegistry(5)
	r.Append("c1", blk("a"))
	snap := r.Snapshot("c1")
	snap[0].ID = "mutated"
	if r.Snapshot("c1")[0].ID != "a" {
		t.Fatal("mutating a snapshot must not affect the registry's stored copy")
	}
}

func TestDropRemovesBuffer(t *testing.T) {
	r := NewRegistry(5)
	r.Append("c1", blk("a"))
	r.Drop("c1")
	if snap := r.Snapshot("c1"); len(snap) != 0 {
		t.Fatalf("snapshot after drop = %+v, want empty", snap)
	}
}

func TestSnapshotOfUnknownConversationIsEmpty(t *testing.T) {
	r := NewRegistry(5)
	if snap := r.Snapshot("missing"); len(snap) != 0 {
		t.Fatalf("snapshot = %+v, want empty for unknown id", snap)
	}
}
