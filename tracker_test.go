package main

import "testing"

func TestChangeTracker_UntouchedChunkNoEmission(t *testing.T) {
	bm := NewBitmap()
	tr := NewChangeTracker()

	h := tr.Subscribe(0)
	tr.PublishAndClear(bm) // nothing marked dirty

	select {
	case <-h.ch:
		t.Fatal("expected no Change for a chunk with no dirty update units")
	default:
	}
}

func TestChangeTracker_SubscriberReceivesChange(t *testing.T) {
	bm := NewBitmap()
	tr := NewChangeTracker()

	// Update unit 0 lives in chunk 0.
	bm.Toggle(5)
	tr.MarkDirty(0)

	h := tr.Subscribe(0)
	tr.PublishAndClear(bm)

	select {
	case change := <-h.ch:
		if change.ByteOffset != 0 {
			t.Errorf("expected byte offset 0, got %d", change.ByteOffset)
		}
		if change.Bytes[0] != 0x20 {
			t.Errorf("expected byte 0 to be 0x20 (bit 5 set), got %08b", change.Bytes[0])
		}
	default:
		t.Fatal("expected a Change to be published to the subscriber")
	}
}

func TestChangeTracker_AscendingOrderPerTick(t *testing.T) {
	bm := NewBitmap()
	tr := NewChangeTracker()

	// Two update units within chunk 0, touched out of order.
	secondUnitBit := uint64(UpdateChunkBits) * 3
	firstUnitBit := uint64(UpdateChunkBits) * 1
	bm.Toggle(secondUnitBit)
	bm.Toggle(firstUnitBit)
	tr.MarkDirty(3)
	tr.MarkDirty(1)

	h := tr.Subscribe(0)
	tr.PublishAndClear(bm)

	first, ok := <-h.ch
	if !ok {
		t.Fatal("expected first Change")
	}
	second, ok := <-h.ch
	if !ok {
		t.Fatal("expected second Change")
	}
	if first.ByteOffset >= second.ByteOffset {
		t.Errorf("expected changes in ascending byte-offset order, got %d then %d", first.ByteOffset, second.ByteOffset)
	}
}

func TestChangeTracker_DirtyMaskClearedAfterPublish(t *testing.T) {
	bm := NewBitmap()
	tr := NewChangeTracker()

	bm.Toggle(5)
	tr.MarkDirty(0)

	h := tr.Subscribe(0)
	tr.PublishAndClear(bm)
	<-h.ch // drain the first publication

	tr.PublishAndClear(bm) // nothing new dirtied

	select {
	case <-h.ch:
		t.Fatal("expected no second Change once the dirty mask has been cleared")
	default:
	}
}

func TestChangeTracker_MultipleSubscribersAllReceive(t *testing.T) {
	bm := NewBitmap()
	tr := NewChangeTracker()

	bm.Toggle(5)
	tr.MarkDirty(0)

	h1 := tr.Subscribe(0)
	h2 := tr.Subscribe(0)
	tr.PublishAndClear(bm)

	for _, h := range []*subscriberHandle{h1, h2} {
		select {
		case <-h.ch:
		default:
			t.Error("expected every subscriber of the dirtied chunk to receive the Change")
		}
	}
}

func TestChangeTracker_UnsubscribedChunkGetsNoFanOut(t *testing.T) {
	bm := NewBitmap()
	tr := NewChangeTracker()

	bm.Toggle(5)
	tr.MarkDirty(0)

	h := tr.Subscribe(1) // a different chunk
	tr.PublishAndClear(bm)

	select {
	case <-h.ch:
		t.Fatal("expected no Change for a subscriber of an unrelated chunk")
	default:
	}
}

func TestChangeTracker_UnsubscribeStopsDelivery(t *testing.T) {
	bm := NewBitmap()
	tr := NewChangeTracker()

	h := tr.Subscribe(0)
	tr.Unsubscribe(h)

	bm.Toggle(5)
	tr.MarkDirty(0)
	tr.PublishAndClear(bm)

	select {
	case <-h.ch:
		t.Fatal("expected no Change after unsubscribing")
	default:
	}
}

func TestChangeTracker_SinkReceivesRegardlessOfSubscribers(t *testing.T) {
	bm := NewBitmap()
	tr := NewChangeTracker()

	sink := make(chan Change, 1)
	tr.SetSink(sink)

	bm.Toggle(5)
	tr.MarkDirty(0) // no chunk-0 subscriber at all
	tr.PublishAndClear(bm)

	select {
	case change := <-sink:
		if change.ByteOffset != 0 {
			t.Errorf("expected byte offset 0, got %d", change.ByteOffset)
		}
	default:
		t.Fatal("expected the replication sink to receive a Change even with no chunk subscribers")
	}
}
