package main

import "sync"

// Store is the sole mutable shared resource: a bitmap and its change
// tracker under one read-write lock. Readers are full-state request
// handlers; writers are toggle handlers and the tick loop's
// PublishAndClear. Subscribe/Unsubscribe also take the write lock since
// they mutate the tracker's subscription table.
type Store struct {
	mu      sync.RWMutex
	bitmap  *Bitmap
	tracker *ChangeTracker
}

func NewStore() *Store {
	return &Store{
		bitmap:  NewBitmap(),
		tracker: NewChangeTracker(),
	}
}

func (s *Store) Get(i uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bitmap.Get(i)
}

// ChunkBytesCopy returns a freshly allocated copy of chunk c's bytes, safe
// to use after the call returns.
func (s *Store) ChunkBytesCopy(c uint32) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.bitmap.ChunkBytes(c)
	out := make([]byte, len(src))
	copy(out, src)
	return out
}

// Toggle flips bit i, marks the owning update chunk dirty, and returns the
// population-count delta.
func (s *Store) Toggle(i uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delta := s.bitmap.Toggle(i)
	if i < TotalBits {
		s.tracker.MarkDirty(uint32(i / UpdateChunkBits))
	}
	return delta
}

// ApplyRemoteChange writes a replicated update chunk's post-image bytes
// directly, without re-dirtying it. Marking it dirty would make the
// replication bridge (which receives every published Change through the
// tracker's sink) observe its own inbound write and re-publish it back to
// NATS, looping the change between
// instances forever. The tradeoff: a chunk that changes only via replication
// doesn't push a delta to local WS subscribers until they next issue a
// ChunkFullStateRequest — acceptable since replicated state still reads
// correctly, it just isn't proactively pushed.
func (s *Store) ApplyRemoteChange(byteOffset uint32, data [UpdateChunkBytes]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(s.bitmap.bits[byteOffset:byteOffset+UpdateChunkBytes], data[:])
}

// SetReplicationSink wires (or unwires) the replication bridge's feed
// channel into the tracker.
func (s *Store) SetReplicationSink(ch chan Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracker.SetSink(ch)
}

func (s *Store) Subscribe(c uint32) *subscriberHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker.Subscribe(c)
}

func (s *Store) Unsubscribe(h *subscriberHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracker.Unsubscribe(h)
}

// PublishAndClear runs one tick's publication pass under the write lock.
func (s *Store) PublishAndClear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracker.PublishAndClear(s.bitmap)
}

// CountOnes computes the full population count, used once at startup after
// loading a snapshot.
func (s *Store) CountOnes() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bitmap.CountOnes()
}

// Snapshot returns a copy of the full bitmap for persistence.
func (s *Store) Snapshot() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]byte, len(s.bitmap.bits))
	copy(out, s.bitmap.bits)
	return out
}

// LoadInto replaces the bitmap contents in place (startup only, before the
// server begins accepting connections, so no lock contention is possible).
func (s *Store) LoadInto(data []byte) {
	n := copy(s.bitmap.bits, data)
	for i := n; i < len(s.bitmap.bits); i++ {
		s.bitmap.bits[i] = 0
	}
}
