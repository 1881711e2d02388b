// Package shard splits a device roster across simulator processes with a
// consistent hash ring, so adding a process moves only a fraction of devices.
package shard

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"
)

const defaultVirtualNodes = 150

type Ring struct {
	ring         map[uint32]string
	sortedHashes []uint32
	virtualNodes int
	members      map[string]bool
	mu           sync.RWMutex
}

func NewRing(virtualNodes int) *Ring {
	if virtualNodes <= 0 {
		virtualNodes = defaultVirtualNodes
	}
	return &Ring{
		ring:         make(map[uint32]string),
		sortedHashes: make([]uint32, 0),
		virtualNodes: virtualNodes,
		members:      make(map[string]bool),
	}
}

func (r *Ring) Add(member string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.members[member] {
		return
	}
	r.members[member] = true

	for i := 0; i < r.virtualNodes; i++ {
		h := hashKey(fmt.Sprintf("%s#%d", member, i))
		r.ring[h] = member
		r.sortedHashes = append(r.sortedHashes, h)
	}
	sort.Slice(r.sortedHashes, func(i, j int) bool {
		return r.sortedHashes[i] < r.sortedHashes[j]
	})
}

// Owner returns the member responsible for key.
func (r *Ring) Owner(key string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.ring) == 0 {
		return "", fmt.Errorf("no members in ring")
	}
	h := hashKey(key)
	idx := sort.Search(len(r.sortedHashes), func(i int) bool {
		return r.sortedHashes[i] >= h
	})
	if idx == len(r.sortedHashes) {
		idx = 0
	}
	return r.ring[r.sortedHashes[idx]], nil
}

func (r *Ring) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func hashKey(key string) uint32 {
	return crc32.ChecksumIEEE([]byte(key))
}

// Name is the ring member name of shard index.
func Name(index int) string {
	return fmt.Sprintf("shard-%d", index)
}

// Assignment answers whether this process publishes a given device.
type Assignment struct {
	self string
	ring *Ring
}

// NewAssignment builds a ring of count shards and selects index as self.
func NewAssignment(index, count int) (*Assignment, error) {
	if count < 1 || index < 0 || index >= count {
		return nil, fmt.Errorf("shard %d of %d out of range", index, count)
	}
	r := NewRing(defaultVirtualNodes)
	for i := 0; i < count; i++ {
		r.Add(Name(i))
	}
	return &Assignment{self: Name(index), ring: r}, nil
}

func (a *Assignment) Owns(deviceID string) bool {
	owner, err := a.ring.Owner(deviceID)
	return err == nil && owner == a.self
}

func (a *Assignment) Self() string {
	return a.self
}

// Shards is the number of processes sharing the roster.
func (a *Assignment) Shards() int {
	return a.ring.Size()
}
