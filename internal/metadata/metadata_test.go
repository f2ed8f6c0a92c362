package metadata

import "testing"

func TestSetSyncThenGet(t *testing.T) {
	s := NewService(4, 2)
	defer s.Close()

	s.SetSync("a", []byte("1"))
	v, ok := s.Get("a")
	if !ok || string(v) != "1" {
		t.Fatalf("get a: ok=%v v=%q", ok, v)
	}
}

func TestEvictsBeyondCacheSize(t *testing.T) {
	s := NewService(2, 2)
	defer s.Close()

	s.SetSync("a", []byte("1"))
	s.SetSync("b", []byte("2"))
	s.SetSync("c", []byte("3")) // evicts "a", the least recently used

	if _, ok := s.Get("a"); ok {
		t.Fatal("expected a to be evicted")
	}
	if s.Len() != 2 {
		t.Fatalf("len = %d, want 2", s.Len())
	}
}

func TestGetRefreshesRecency(t *testing.T) {
	s := NewService(2, 2)
	defer s.Close()

	s.SetSync("a", []byte("1"))
	s.SetSync("b", []byte("2"))
	s.Get("a") // a is now more recent than b
	s.SetSync("c", []byte("3"))

	if _, ok := s.Get("b"); ok {
		t.Fatal("expected b to be evicted instead of a")
	}
	if _, ok := s.Get("a"); !ok {
		t.Fatal("expected a to survive eviction")
	}
}

func TestDelete(t *testing.T) {
	s := NewService(4, 2)
	defer s.Close()

	s.SetSync("a", []byte("1"))
	s.Delete("a")
	if _, ok := s.Get("a"); ok {
		t.Fatal("expected a to be gone after delete")
	}
}
