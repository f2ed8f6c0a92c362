package solanalayer

import (
	"context"
	"testing"

	"github.com/scttfrdmn/layerfs/internal/layer"
)

func TestSolanaRoundTrip(t *testing.T) {
	s := New(NewRPCClient("http://localhost:8899", "/tmp/id.json"))
	ctx := context.Background()

	fd, err := s.Open(ctx, "/obj", layer.O_RDWR|layer.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.Pwrite(ctx, fd, []byte("payload"), 0); err != nil {
		t.Fatalf("pwrite: %v", err)
	}
	if err := s.Close(ctx, fd); err != nil {
		t.Fatalf("close: %v", err)
	}

	fd2, err := s.Open(ctx, "/obj", layer.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	buf := make([]byte, 7)
	if n, err := s.Pread(ctx, fd2, buf, 0); err != nil || n != 7 || string(buf) != "payload" {
		t.Fatalf("pread: n=%d err=%v buf=%q", n, err, buf)
	}
	s.Close(ctx, fd2)
}

func TestSolanaOpenWithoutCreateFailsOnMissing(t *testing.T) {
	s := New(NewRPCClient("http://localhost:8899", "/tmp/id.json"))
	ctx := context.Background()
	_, err := s.Open(ctx, "/missing", layer.O_RDONLY, 0)
	if err != layer.ErrNotExist {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestSolanaUnlinkRemovesObject(t *testing.T) {
	s := New(NewRPCClient("http://localhost:8899", "/tmp/id.json"))
	ctx := context.Background()

	fd, _ := s.Open(ctx, "/obj", layer.O_RDWR|layer.O_CREATE, 0o644)
	s.Pwrite(ctx, fd, []byte("x"), 0)
	s.Close(ctx, fd)

	if err := s.Unlink(ctx, "/obj"); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if _, err := s.Lstat(ctx, "/obj"); err != layer.ErrNotExist {
		t.Fatalf("expected ErrNotExist after unlink, got %v", err)
	}
}
