package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/scttfrdmn/layerfs/internal/layer"
)

func TestLocalWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")

	l := New()
	ctx := context.Background()

	fd, err := l.Open(ctx, path, layer.O_RDWR|layer.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	n, err := l.Pwrite(ctx, fd, []byte("hello"), 0)
	if err != nil || n != 5 {
		t.Fatalf("pwrite: n=%d err=%v", n, err)
	}

	buf := make([]byte, 5)
	n, err = l.Pread(ctx, fd, buf, 0)
	if err != nil || n != 5 || string(buf) != "hello" {
		t.Fatalf("pread: n=%d err=%v buf=%q", n, err, buf)
	}

	if err := l.Close(ctx, fd); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := l.Pread(ctx, fd, buf, 0); err != layer.ErrInvalidDescriptor {
		t.Fatalf("expected ErrInvalidDescriptor after close, got %v", err)
	}
}

func TestLocalZeroByteIO(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "b.txt")
	l := New()
	ctx := context.Background()

	fd, err := l.Open(ctx, path, layer.O_RDWR|layer.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close(ctx, fd)

	n, err := l.Pwrite(ctx, fd, nil, 0)
	if err != nil || n != 0 {
		t.Fatalf("zero write: n=%d err=%v", n, err)
	}
	n, err = l.Pread(ctx, fd, nil, 0)
	if err != nil || n != 0 {
		t.Fatalf("zero read: n=%d err=%v", n, err)
	}
}

func TestLocalShortReadAtEOF(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c.txt")
	l := New()
	ctx := context.Background()

	fd, err := l.Open(ctx, path, layer.O_RDWR|layer.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close(ctx, fd)

	if _, err := l.Pwrite(ctx, fd, []byte("abc"), 0); err != nil {
		t.Fatalf("pwrite: %v", err)
	}

	buf := make([]byte, 10)
	n, err := l.Pread(ctx, fd, buf, 0)
	if err != nil {
		t.Fatalf("pread: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected short read of 3 bytes, got %d", n)
	}
}

func TestLocalUnlink(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "d.txt")
	l := New()
	ctx := context.Background()

	fd, err := l.Open(ctx, path, layer.O_RDWR|layer.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	l.Close(ctx, fd)

	if err := l.Unlink(ctx, path); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected file removed, stat err=%v", err)
	}
}
