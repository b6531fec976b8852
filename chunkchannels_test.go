package main

import "testing"

func TestChunkDeltaSubject_RoundTrip(t *testing.T) {
	tests := []uint32{0, 1, 2048, Chunks - 1}

	for _, c := range tests {
		subject := chunkDeltaSubject(c)
		got, ok := parseChunkFromSubject(subject)
		if !ok {
			t.Fatalf("expected parseChunkFromSubject to accept %q", subject)
		}
		if got != c {
			t.Errorf("expected chunk %d, got %d", c, got)
		}
	}
}

func TestChunkDeltaSubject_Shape(t *testing.T) {
	if got := chunkDeltaSubject(7); got != "bitmap.chunk.7.delta" {
		t.Errorf("expected %q, got %q", "bitmap.chunk.7.delta", got)
	}
}

func TestParseChunkFromSubject_RejectsUnrelatedSubjects(t *testing.T) {
	bad := []string{
		"bitmap.chunk.delta",
		"other.subject.7.delta",
		"bitmap.chunk.notanumber.delta",
		"bitmap.chunk.7",
	}
	for _, subject := range bad {
		if _, ok := parseChunkFromSubject(subject); ok {
			t.Errorf("expected subject %q to be rejected", subject)
		}
	}
}
