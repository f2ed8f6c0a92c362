package antitamper

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/scttfrdmn/layerfs/internal/hasher"
	"github.com/scttfrdmn/layerfs/internal/layer"
	"github.com/scttfrdmn/layerfs/internal/layers/local"
)

func newLayer(t *testing.T, mode Mode, blockSize int) (*AntiTamper, string) {
	t.Helper()
	h, err := hasher.New(hasher.SHA256)
	if err != nil {
		t.Fatalf("hasher.New: %v", err)
	}
	dir := t.TempDir()
	hashesDir := filepath.Join(dir, "hashes")
	if err := os.MkdirAll(hashesDir, 0o755); err != nil {
		t.Fatalf("mkdir hashes: %v", err)
	}
	at, err := New(local.New(), local.New(), hashesDir, h, mode, blockSize)
	if err != nil {
		t.Fatalf("antitamper.New: %v", err)
	}
	return at, dir
}

func TestAntiTamperFileModeRoundTrip(t *testing.T) {
	at, dir := newLayer(t, FileMode, 0)
	ctx := context.Background()
	path := filepath.Join(dir, "data.bin")

	fd, err := at.Open(ctx, path, layer.O_RDWR|layer.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := at.Pwrite(ctx, fd, []byte("hello world"), 0); err != nil {
		t.Fatalf("pwrite: %v", err)
	}
	if err := at.Close(ctx, fd); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopen: verification should pass silently (no way to observe the
	// warning here, but the read path must still return correct bytes).
	fd2, err := at.Open(ctx, path, layer.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	buf := make([]byte, 11)
	n, err := at.Pread(ctx, fd2, buf, 0)
	if err != nil || n != 11 || string(buf) != "hello world" {
		t.Fatalf("pread: n=%d err=%v buf=%q", n, err, buf)
	}
	at.Close(ctx, fd2)
}

func TestAntiTamperBlockModeRoundTrip(t *testing.T) {
	at, dir := newLayer(t, BlockMode, 16)
	ctx := context.Background()
	path := filepath.Join(dir, "data.bin")

	fd, err := at.Open(ctx, path, layer.O_RDWR|layer.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	data := bytes.Repeat([]byte("z"), 40)
	if _, err := at.Pwrite(ctx, fd, data, 0); err != nil {
		t.Fatalf("pwrite: %v", err)
	}

	buf := make([]byte, 40)
	n, err := at.Pread(ctx, fd, buf, 0)
	if err != nil || n != 40 || !bytes.Equal(buf, data) {
		t.Fatalf("pread: n=%d err=%v", n, err)
	}
	at.Close(ctx, fd)
}

func TestAntiTamperUnlinkRemovesHashFile(t *testing.T) {
	at, dir := newLayer(t, FileMode, 0)
	ctx := context.Background()
	path := filepath.Join(dir, "data.bin")

	fd, err := at.Open(ctx, path, layer.O_RDWR|layer.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	at.Pwrite(ctx, fd, []byte("x"), 0)
	at.Close(ctx, fd)

	hashPath := at.hashPathFor(path)
	if _, err := at.hash.Lstat(ctx, hashPath); err != nil {
		t.Fatalf("expected hash file to exist before unlink: %v", err)
	}

	if err := at.Unlink(ctx, path); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if _, err := at.hash.Lstat(ctx, hashPath); err == nil {
		t.Fatalf("expected hash file removed after unlink")
	}
}
