package blockalign

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/scttfrdmn/layerfs/internal/layer"
	"github.com/scttfrdmn/layerfs/internal/layers/local"
)

func open(t *testing.T, blockSize int) (*BlockAlign, layer.Descriptor, string, context.Context) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	ba, err := New(local.New(), blockSize)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	fd, err := ba.Open(ctx, path, layer.O_RDWR|layer.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return ba, fd, path, ctx
}

func TestBlockAlignUnalignedWriteCrossesBoundary(t *testing.T) {
	ba, fd, _, ctx := open(t, 4096)

	n, err := ba.Pwrite(ctx, fd, []byte("XY"), 4095)
	if err != nil || n != 2 {
		t.Fatalf("pwrite: n=%d err=%v", n, err)
	}

	st, err := ba.Fstat(ctx, fd)
	if err != nil {
		t.Fatalf("fstat: %v", err)
	}
	if st.Size != 4097 {
		t.Fatalf("expected size 4097, got %d", st.Size)
	}

	buf := make([]byte, 2)
	n, err = ba.Pread(ctx, fd, buf, 4095)
	if err != nil || n != 2 || string(buf) != "XY" {
		t.Fatalf("pread: n=%d err=%v buf=%q", n, err, buf)
	}
}

func TestBlockAlignRoundTripArbitraryRanges(t *testing.T) {
	ba, fd, _, ctx := open(t, 16)

	data := bytes.Repeat([]byte("0123456789abcdef"), 10) // 160 bytes
	offsets := []int64{0, 3, 16, 17, 100, 150}
	for _, off := range offsets {
		end := off + 10
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		chunk := data[off:end]
		if len(chunk) == 0 {
			continue
		}
		if _, err := ba.Pwrite(ctx, fd, chunk, off); err != nil {
			t.Fatalf("pwrite at %d: %v", off, err)
		}
		buf := make([]byte, len(chunk))
		n, err := ba.Pread(ctx, fd, buf, off)
		if err != nil || n != len(chunk) || !bytes.Equal(buf, chunk) {
			t.Fatalf("round trip at %d: n=%d err=%v buf=%q want=%q", off, n, err, buf, chunk)
		}
	}
}

func TestBlockAlignZeroByteIO(t *testing.T) {
	ba, fd, _, ctx := open(t, 16)
	n, err := ba.Pwrite(ctx, fd, nil, 0)
	if err != nil || n != 0 {
		t.Fatalf("zero write: n=%d err=%v", n, err)
	}
	n, err = ba.Pread(ctx, fd, nil, 0)
	if err != nil || n != 0 {
		t.Fatalf("zero read: n=%d err=%v", n, err)
	}
}

func TestBlockAlignConstructionFailsOnZeroBlockSize(t *testing.T) {
	if _, err := New(local.New(), 0); err == nil {
		t.Fatal("expected construction error for block_size=0")
	}
}

func TestBlockAlignShortReadPastEOF(t *testing.T) {
	ba, fd, _, ctx := open(t, 16)
	if _, err := ba.Pwrite(ctx, fd, []byte("hello"), 0); err != nil {
		t.Fatalf("pwrite: %v", err)
	}
	buf := make([]byte, 20)
	n, err := ba.Pread(ctx, fd, buf, 0)
	if err != nil {
		t.Fatalf("pread: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected short read of 5, got %d", n)
	}
}

func TestBlockAlignSizeSurvivesReopen(t *testing.T) {
	ba, fd, path, ctx := open(t, 4096)

	if _, err := ba.Pwrite(ctx, fd, []byte("XY"), 4095); err != nil {
		t.Fatalf("pwrite: %v", err)
	}
	if err := ba.Close(ctx, fd); err != nil {
		t.Fatalf("close: %v", err)
	}

	fd2, err := ba.Open(ctx, path, layer.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	st, err := ba.Fstat(ctx, fd2)
	if err != nil {
		t.Fatalf("fstat: %v", err)
	}
	if st.Size != 4097 {
		t.Fatalf("expected logical size 4097 to survive reopen, got %d", st.Size)
	}

	buf := make([]byte, 2)
	n, err := ba.Pread(ctx, fd2, buf, 4095)
	if err != nil || n != 2 || string(buf) != "XY" {
		t.Fatalf("pread after reopen: n=%d err=%v buf=%q", n, err, buf)
	}
}

func TestBlockAlignFtruncateExtendsLogicalSizeWithoutMaterializing(t *testing.T) {
	ba, fd, _, ctx := open(t, 16)

	if err := ba.Ftruncate(ctx, fd, 10); err != nil {
		t.Fatalf("ftruncate: %v", err)
	}
	st, err := ba.Fstat(ctx, fd)
	if err != nil || st.Size != 10 {
		t.Fatalf("fstat after extend: st=%+v err=%v", st, err)
	}

	buf := make([]byte, 10)
	n, err := ba.Pread(ctx, fd, buf, 0)
	if err != nil || n != 10 {
		t.Fatalf("pread after extend: n=%d err=%v", n, err)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("expected zero-filled hole at %d, got %x", i, b)
		}
	}
}
