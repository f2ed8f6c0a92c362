package encryption

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/scttfrdmn/layerfs/internal/layer"
	"github.com/scttfrdmn/layerfs/internal/layers/local"
)

var testKey = bytes.Repeat([]byte{0x42}, 64) // AES-256-XTS key

func TestEncryptionRoundTrip(t *testing.T) {
	const B = 16
	enc, err := New(local.New(), B, testKey)
	if err != nil {
		t.Fatalf("encryption.New: %v", err)
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	ctx := context.Background()

	fd, err := enc.Open(ctx, path, layer.O_RDWR|layer.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	data := bytes.Repeat([]byte("secret!"), 32)[:B*2]
	if _, err := enc.Pwrite(ctx, fd, data, 0); err != nil {
		t.Fatalf("pwrite: %v", err)
	}

	buf := make([]byte, len(data))
	n, err := enc.Pread(ctx, fd, buf, 0)
	if err != nil || n != len(data) || !bytes.Equal(buf, data) {
		t.Fatalf("pread: n=%d err=%v", n, err)
	}
}

func TestEncryptionStoresCiphertextNotPlaintext(t *testing.T) {
	const B = 16
	backing := local.New()
	enc, err := New(backing, B, testKey)
	if err != nil {
		t.Fatalf("encryption.New: %v", err)
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	ctx := context.Background()

	fd, err := enc.Open(ctx, path, layer.O_RDWR|layer.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	plain := bytes.Repeat([]byte{0xAA}, B)
	if _, err := enc.Pwrite(ctx, fd, plain, 0); err != nil {
		t.Fatalf("pwrite: %v", err)
	}
	enc.Close(ctx, fd)

	raw, err := backing.Open(ctx, path, layer.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("raw open: %v", err)
	}
	defer backing.Close(ctx, raw)
	onDisk := make([]byte, B)
	if _, err := backing.Pread(ctx, raw, onDisk, 0); err != nil {
		t.Fatalf("raw pread: %v", err)
	}
	if bytes.Equal(onDisk, plain) {
		t.Fatal("expected on-disk bytes to differ from plaintext")
	}
}

func TestEncryptionRejectsUnalignedWrite(t *testing.T) {
	const B = 16
	enc, err := New(local.New(), B, testKey)
	if err != nil {
		t.Fatalf("encryption.New: %v", err)
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	ctx := context.Background()
	fd, err := enc.Open(ctx, path, layer.O_RDWR|layer.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := enc.Pwrite(ctx, fd, []byte("short"), 0); err == nil {
		t.Fatal("expected error for unaligned write")
	}
}

func TestEncryptionConstructionFailsOnZeroBlockSize(t *testing.T) {
	if _, err := New(local.New(), 0, testKey); err == nil {
		t.Fatal("expected construction error for block_size=0")
	}
}
