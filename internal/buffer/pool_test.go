package buffer

import "testing"

func TestBytePoolGetPutRoundTrip(t *testing.T) {
	p := NewBytePool()

	buf := p.Get(100)
	if len(buf) != 100 {
		t.Fatalf("expected length 100, got %d", len(buf))
	}
	for i := range buf {
		buf[i] = 0xAB
	}
	p.Put(buf)

	buf2 := p.Get(100)
	if len(buf2) != 100 {
		t.Fatalf("expected length 100, got %d", len(buf2))
	}
	for i, b := range buf2 {
		if b != 0 {
			t.Fatalf("expected zeroed buffer at index %d, got %x", i, b)
		}
	}
}

func TestBytePoolOversizeFallsBackToDirectAlloc(t *testing.T) {
	p := NewBytePool()
	buf := p.Get(100_000_000)
	if len(buf) != 100_000_000 {
		t.Fatalf("expected direct allocation of requested size, got %d", len(buf))
	}
}
