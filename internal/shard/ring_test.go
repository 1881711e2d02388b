package shard

import (
	"fmt"
	"math"
	"testing"
)

func TestRing_Add(t *testing.T) {
	r := NewRing(10)
	r.Add("shard-0")
	r.Add("shard-1")
	r.Add("shard-2")
	if r.Size() != 3 {
		t.Errorf("Expected 3 members, got %d", r.Size())
	}
	if len(r.sortedHashes) != 30 {
		t.Errorf("Expected 30 virtual nodes, got %d", len(r.sortedHashes))
	}

	r.Add("shard-0")
	if r.Size() != 3 {
		t.Errorf("Adding duplicate member should not increase size, got %d", r.Size())
	}
}

func TestRing_OwnerEmpty(t *testing.T) {
	if _, err := NewRing(0).Owner("device-1"); err == nil {
		t.Error("Expected error when ring is empty")
	}
}

func TestRing_OwnerDeterministic(t *testing.T) {
	a, b := NewRing(150), NewRing(150)
	for _, m := range []string{"shard-0", "shard-1", "shard-2"} {
		a.Add(m)
	}
	for _, m := range []string{"shard-2", "shard-0", "shard-1"} {
		b.Add(m)
	}
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("StromWater_Device_%d", i)
		oa, _ := a.Owner(key)
		ob, _ := b.Owner(key)
		if oa != ob {
			t.Fatalf("insertion order changed owner of %s: %s vs %s", key, oa, ob)
		}
	}
}

func TestRing_Distribution(t *testing.T) {
	r := NewRing(150)
	for i := 0; i < 4; i++ {
		r.Add(Name(i))
	}
	counts := map[string]int{}
	const keys = 4000
	for i := 0; i < keys; i++ {
		owner, _ := r.Owner(fmt.Sprintf("device-%05d", i))
		counts[owner]++
	}
	expected := float64(keys) / 4
	for m, c := range counts {
		if dev := math.Abs(float64(c)-expected) / expected; dev > 0.35 {
			t.Errorf("member %s owns %d keys (%.0f%% off even)", m, c, dev*100)
		}
	}
}

func TestAssignment_PartitionsRoster(t *testing.T) {
	const count = 3
	owners := map[string]int{}
	for idx := 0; idx < count; idx++ {
		a, err := NewAssignment(idx, count)
		if err != nil {
			t.Fatalf("NewAssignment: %v", err)
		}
		for i := 0; i < 60; i++ {
			id := fmt.Sprintf("StromWater_Device_%d", i)
			if a.Owns(id) {
				owners[id]++
			}
		}
	}
	for i := 0; i < 60; i++ {
		id := fmt.Sprintf("StromWater_Device_%d", i)
		if owners[id] != 1 {
			t.Errorf("%s owned by %d shards, want exactly 1", id, owners[id])
		}
	}
}

func TestAssignment_SingleShardOwnsAll(t *testing.T) {
	a, err := NewAssignment(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !a.Owns("anything") || a.Self() != "shard-0" || a.Shards() != 1 {
		t.Errorf("single shard must own every device")
	}
}

func TestNewAssignment_OutOfRange(t *testing.T) {
	if _, err := NewAssignment(3, 3); err == nil {
		t.Error("expected error for index == count")
	}
	if _, err := NewAssignment(0, 0); err == nil {
		t.Error("expected error for zero shards")
	}
}
