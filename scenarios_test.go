package main

import "testing"

// These mirror the worked end-to-end scenarios: they drive the same Store
// and protocol codecs a live connection would, without opening a socket.

func TestScenario_HelloExchange(t *testing.T) {
	frame := AppendHello(nil)
	want := []byte{0x00, 0x01, 0x00, 0x01, 0x00}
	if len(frame) != len(want) {
		t.Fatalf("expected hello frame of %d bytes, got %d", len(want), len(frame))
	}
	for i := range want {
		if frame[i] != want[i] {
			t.Fatalf("hello frame mismatch at byte %d: expected %#x, got %#x", i, want[i], frame[i])
		}
	}
}

func TestScenario_SingleToggleNoSubscribers(t *testing.T) {
	s := NewStore()
	m := NewMetrics()

	_, payload, err := Decode([]byte{0x13, 0x05, 0x00, 0x00, 0x00})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	p := payload.(ToggleBitPayload)

	delta := s.Toggle(uint64(p.Index))
	m.AddCheckedBits(delta)
	m.IncBitToggles()

	if m.bitToggles != 1 {
		t.Errorf("expected bitmap_bit_toggles=1, got %d", m.bitToggles)
	}
	if m.checkedBits != 1 {
		t.Errorf("expected bitmap_checked_bits=1, got %d", m.checkedBits)
	}

	s.PublishAndClear() // no subscribers: nothing to observe, this must not panic
}

func TestScenario_SubscribeThenToggle(t *testing.T) {
	s := NewStore()

	_, payload, err := Decode([]byte{0x14, 0x00, 0x00})
	if err != nil {
		t.Fatalf("Decode subscribe: %v", err)
	}
	sub := payload.(PartialStateSubscriptionPayload)
	h := s.Subscribe(uint32(sub.ChunkIndex))

	s.Toggle(5)
	s.PublishAndClear()

	select {
	case change := <-h.ch:
		if change.ByteOffset != 0 {
			t.Errorf("expected offset=0, got %d", change.ByteOffset)
		}
		if change.Bytes[0] != 0x20 {
			t.Errorf("expected chunk[0]=0x20, got %#x", change.Bytes[0])
		}
		for i := 1; i < UpdateChunkBytes; i++ {
			if change.Bytes[i] != 0 {
				t.Fatalf("expected remaining bytes to be 0, byte %d was %#x", i, change.Bytes[i])
			}
		}
	default:
		t.Fatal("expected a PartialStateUpdate-worthy Change after the toggle")
	}
}

func TestScenario_CrossChunkIsolation(t *testing.T) {
	s := NewStore()
	h := s.Subscribe(0)

	s.Toggle(BitsPerChunk + 7) // lands in chunk 1
	s.PublishAndClear()

	select {
	case <-h.ch:
		t.Fatal("expected no Change delivered to a chunk-0 subscriber from a chunk-1 write")
	default:
	}
}

func TestScenario_FullStateRequest(t *testing.T) {
	s := NewStore()
	s.Subscribe(0)
	s.Toggle(5)
	s.PublishAndClear()

	_, payload, err := Decode([]byte{0x10, 0x00, 0x00})
	if err != nil {
		t.Fatalf("Decode request: %v", err)
	}
	req := payload.(ChunkFullStateRequestPayload)

	chunkBytes := s.ChunkBytesCopy(uint32(req.ChunkIndex))
	resp, err := AppendChunkFullStateResponse(nil, req.ChunkIndex, chunkBytes)
	if err != nil {
		t.Fatalf("AppendChunkFullStateResponse: %v", err)
	}

	if resp[0] != 0x11 {
		t.Fatalf("expected response id 0x11, got %#x", resp[0])
	}
	if resp[1] != 0 || resp[2] != 0 {
		t.Fatalf("expected chunk index 0,0, got %d,%d", resp[1], resp[2])
	}
	if len(resp)-3 != ChunkBytes {
		t.Fatalf("expected %d bytes of chunk data, got %d", ChunkBytes, len(resp)-3)
	}
	if resp[3] != 0x20 {
		t.Errorf("expected first chunk byte 0x20, got %#x", resp[3])
	}
}

func TestScenario_ShutdownPersistenceRoundTrip(t *testing.T) {
	s := NewStore()
	s.Toggle(0)
	s.Toggle(99)

	snap := s.Snapshot()

	reloaded := NewStore()
	reloaded.LoadInto(snap)

	chunkBytes := reloaded.ChunkBytesCopy(0)
	if chunkBytes[0] != 0x01 {
		t.Errorf("expected byte[0]=0x01 after reload, got %#x", chunkBytes[0])
	}
	if chunkBytes[12] != 0x08 {
		t.Errorf("expected byte[12]=0x08 after reload (bit 99), got %#x", chunkBytes[12])
	}
}
