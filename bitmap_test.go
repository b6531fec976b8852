package main

import "testing"

func TestBitmap_ToggleIdempotence(t *testing.T) {
	b := NewBitmap()

	if b.Get(100) {
		t.Fatal("bit 100 should start clear")
	}

	delta := b.Toggle(100)
	if delta != 1 {
		t.Errorf("expected delta +1 on first toggle, got %d", delta)
	}
	if !b.Get(100) {
		t.Error("bit 100 should be set after toggle")
	}

	delta = b.Toggle(100)
	if delta != -1 {
		t.Errorf("expected delta -1 on second toggle, got %d", delta)
	}
	if b.Get(100) {
		t.Error("bit 100 should be clear after second toggle")
	}
}

func TestBitmap_SetNoOpWhenUnchanged(t *testing.T) {
	b := NewBitmap()

	if delta := b.Set(5, false); delta != 0 {
		t.Errorf("setting an already-clear bit to false should be a no-op, got delta %d", delta)
	}

	b.Set(5, true)
	if delta := b.Set(5, true); delta != 0 {
		t.Errorf("setting an already-set bit to true should be a no-op, got delta %d", delta)
	}
}

func TestBitmap_OutOfRangeIsNoOp(t *testing.T) {
	b := NewBitmap()

	if b.Get(TotalBits) {
		t.Error("Get at TotalBits (one past the end) should return false")
	}
	if delta := b.Set(TotalBits, true); delta != 0 {
		t.Errorf("Set at TotalBits should be a no-op, got delta %d", delta)
	}
	if delta := b.Toggle(TotalBits + 1000); delta != 0 {
		t.Errorf("Toggle past the end should be a no-op, got delta %d", delta)
	}
}

func TestBitmap_BoundaryBit(t *testing.T) {
	b := NewBitmap()

	last := TotalBits - 1
	if delta := b.Toggle(last); delta != 1 {
		t.Errorf("expected delta +1 toggling the last valid bit, got %d", delta)
	}
	if !b.Get(last) {
		t.Error("last valid bit should read set")
	}
}

func TestBitmap_ChunkBytesView(t *testing.T) {
	b := NewBitmap()

	b.Set(ChunkBytes*8*2+16, true) // bit 16 of chunk 2

	cb := b.ChunkBytes(2)
	if len(cb) != ChunkBytes {
		t.Fatalf("expected chunk view of %d bytes, got %d", ChunkBytes, len(cb))
	}
	if cb[2] != 0x01 {
		t.Errorf("expected byte 2 of chunk 2 to have bit 0 set, got %08b", cb[2])
	}

	other := b.ChunkBytes(0)
	for _, by := range other {
		if by != 0 {
			t.Fatal("chunk 0 should be untouched by a write in chunk 2")
		}
	}
}

func TestBitmap_CountOnes(t *testing.T) {
	b := NewBitmap()

	if n := b.CountOnes(); n != 0 {
		t.Fatalf("expected 0 set bits on a fresh bitmap, got %d", n)
	}

	indices := []uint64{0, 1, 63, 64, 1000000, TotalBits - 1}
	for _, i := range indices {
		b.Toggle(i)
	}

	if n := b.CountOnes(); n != uint64(len(indices)) {
		t.Errorf("expected %d set bits, got %d", len(indices), n)
	}
}
