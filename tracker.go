package main

import "math/bits"

// SubscriptionBacklog is the per-subscriber bounded backlog size. Overflow
// drops the oldest-pending send silently; the client is expected to recover
// by issuing a fresh ChunkFullStateRequest.
const SubscriptionBacklog = 128

// Change is an immutable snapshot of one update chunk's post-image bytes at
// publication time.
type Change struct {
	ByteOffset uint32
	Bytes      [UpdateChunkBytes]byte
}

// subscriberHandle is what Store.Subscribe hands back to a connection. It
// wraps the actual delivery channel plus enough identity to remove itself
// from its chunk's fan-out group on unsubscribe.
type subscriberHandle struct {
	chunk uint32
	ch    chan Change
}

// chunkGroup is the set of subscriber handles currently interested in one
// chunk's deltas. There is no per-chunk broadcast primitive in the standard
// library (Go channels are single-consumer), so a chunk's "broadcast
// channel" is modeled as a small fan-out: publish does a non-blocking send
// to every handle's own channel.
type chunkGroup struct {
	subs map[*subscriberHandle]struct{}
}

// ChangeTracker holds the dirty mask and the lazily-created per-chunk
// subscription table. All access is expected to happen under the owning
// Store's single read-write lock; ChangeTracker itself does no locking.
type ChangeTracker struct {
	dirty  []uint64 // bitset, one bit per update chunk across the whole bitmap
	groups map[uint32]*chunkGroup

	// sink, if set, receives every published Change regardless of chunk
	// subscriptions — the replication bridge's feed. A single extra
	// non-blocking send alongside the per-chunk fan-out, not a 4096-way
	// subscription into every chunk group.
	sink chan Change
}

func NewChangeTracker() *ChangeTracker {
	return &ChangeTracker{
		dirty:  make([]uint64, (TotalUpdateUnit+63)/64),
		groups: make(map[uint32]*chunkGroup),
	}
}

// SetSink installs (or clears, with nil) the replication feed channel.
func (t *ChangeTracker) SetSink(ch chan Change) {
	t.sink = ch
}

// MarkDirty sets the dirty bit for update chunk u.
func (t *ChangeTracker) MarkDirty(u uint32) {
	t.dirty[u/64] |= 1 << (u % 64)
}

// Subscribe creates (lazily) the fan-out group for chunk c and returns a new
// subscriber handle joined to it. Every handle subscribed to c receives
// every Change published for c — subscribing twice to the same chunk from
// two different clients gives each its own full feed, not a shared split.
func (t *ChangeTracker) Subscribe(c uint32) *subscriberHandle {
	g, ok := t.groups[c]
	if !ok {
		g = &chunkGroup{subs: make(map[*subscriberHandle]struct{})}
		t.groups[c] = g
	}
	h := &subscriberHandle{chunk: c, ch: make(chan Change, SubscriptionBacklog)}
	g.subs[h] = struct{}{}
	return h
}

// Unsubscribe removes a handle from its chunk's fan-out group. Safe to call
// with nil. The chunk's group itself is left in place even if it becomes
// empty — per spec, subscription channels (here, groups) outlive individual
// clients and are never garbage-collected in the reference design.
func (t *ChangeTracker) Unsubscribe(h *subscriberHandle) {
	if h == nil {
		return
	}
	if g, ok := t.groups[h.chunk]; ok {
		delete(g.subs, h)
	}
}

// PublishAndClear walks the dirty mask in ascending update-chunk order,
// publishes a Change to every subscriber of the owning chunk (skipping
// chunks with no subscribers), and clears the mask.
func (t *ChangeTracker) PublishAndClear(bm *Bitmap) {
	for word := range t.dirty {
		w := t.dirty[word]
		if w == 0 {
			continue
		}
		for w != 0 {
			bit := bits.TrailingZeros64(w)
			w &= w - 1
			t.publishUpdateChunk(bm, uint32(word*64+bit))
		}
		t.dirty[word] = 0
	}
}

func (t *ChangeTracker) publishUpdateChunk(bm *Bitmap, u uint32) {
	c := uint32((uint64(u) * UpdateChunkBits) / BitsPerChunk)
	g, hasGroup := t.groups[c]
	hasSubs := hasGroup && len(g.subs) > 0
	if !hasSubs && t.sink == nil {
		return
	}
	byteOffsetInChunk := (uint64(u) * UpdateChunkBits % BitsPerChunk) / 8
	chunkBytes := bm.ChunkBytes(c)

	var change Change
	change.ByteOffset = u * UpdateChunkBytes
	copy(change.Bytes[:], chunkBytes[byteOffsetInChunk:byteOffsetInChunk+UpdateChunkBytes])

	if hasSubs {
		for h := range g.subs {
			select {
			case h.ch <- change:
			default:
				// backlog full: drop the oldest pending Change to make room,
				// client resyncs via ChunkFullStateRequest
				select {
				case <-h.ch:
				default:
				}
				select {
				case h.ch <- change:
				default:
				}
			}
		}
	}

	if t.sink != nil {
		select {
		case t.sink <- change:
		default:
			sysReplicationDropped.Inc()
		}
	}
}
