package compression

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/scttfrdmn/layerfs/internal/codec"
	"github.com/scttfrdmn/layerfs/internal/layer"
	"github.com/scttfrdmn/layerfs/internal/layers/local"
)

func open(t *testing.T, blockSize int) (*Compression, layer.Descriptor, string, context.Context) {
	t.Helper()
	c, err := codec.New(codec.LZ4, 0)
	if err != nil {
		t.Fatalf("codec.New: %v", err)
	}
	cl, err := New(local.New(), blockSize, c)
	if err != nil {
		t.Fatalf("compression.New: %v", err)
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	ctx := context.Background()
	fd, err := cl.Open(ctx, path, layer.O_RDWR|layer.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return cl, fd, path, ctx
}

func TestCompressionRoundTrip(t *testing.T) {
	cl, fd, _, ctx := open(t, 16)

	data := bytes.Repeat([]byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"), 2) // 64 bytes, very compressible
	if _, err := cl.Pwrite(ctx, fd, data, 0); err != nil {
		t.Fatalf("pwrite: %v", err)
	}

	buf := make([]byte, len(data))
	n, err := cl.Pread(ctx, fd, buf, 0)
	if err != nil || n != len(data) || !bytes.Equal(buf, data) {
		t.Fatalf("pread: n=%d err=%v", n, err)
	}
}

func TestCompressionAppendGrowthScenario(t *testing.T) {
	// Mirrors the spec's append-growth scenario: write block 0 of 'A's,
	// block 1 of 'B's, overwrite block 0 with 'C's, append block 2.
	const B = 16
	cl, fd, _, ctx := open(t, B)

	blockA := bytes.Repeat([]byte("A"), B)
	blockB := bytes.Repeat([]byte("B"), B)
	blockC := bytes.Repeat([]byte("C"), B)

	if _, err := cl.Pwrite(ctx, fd, blockA, 0); err != nil {
		t.Fatalf("write A: %v", err)
	}
	if _, err := cl.Pwrite(ctx, fd, blockB, B); err != nil {
		t.Fatalf("write B: %v", err)
	}
	st, _ := cl.Fstat(ctx, fd)
	if st.Size != 2*B {
		t.Fatalf("expected logical eof %d, got %d", 2*B, st.Size)
	}

	if _, err := cl.Pwrite(ctx, fd, blockC, 0); err != nil {
		t.Fatalf("overwrite C: %v", err)
	}
	st, _ = cl.Fstat(ctx, fd)
	if st.Size != 2*B {
		t.Fatalf("expected logical eof unchanged at %d, got %d", 2*B, st.Size)
	}

	blockD := bytes.Repeat([]byte("D"), B)
	if _, err := cl.Pwrite(ctx, fd, blockD, 2*B); err != nil {
		t.Fatalf("append D: %v", err)
	}
	st, _ = cl.Fstat(ctx, fd)
	if st.Size != 3*B {
		t.Fatalf("expected logical eof %d, got %d", 3*B, st.Size)
	}

	for i, want := range [][]byte{blockC, blockB, blockD} {
		buf := make([]byte, B)
		if _, err := cl.Pread(ctx, fd, buf, int64(i)*B); err != nil {
			t.Fatalf("read block %d: %v", i, err)
		}
		if !bytes.Equal(buf, want) {
			t.Fatalf("block %d: got %q want %q", i, buf, want)
		}
	}
}

func TestCompressionTruncateShrinksLogicalEOF(t *testing.T) {
	const B = 16
	cl, fd, _, ctx := open(t, B)

	data := bytes.Repeat([]byte("z"), 48)
	if _, err := cl.Pwrite(ctx, fd, data, 0); err != nil {
		t.Fatalf("pwrite: %v", err)
	}
	if err := cl.Ftruncate(ctx, fd, 20); err != nil {
		t.Fatalf("ftruncate: %v", err)
	}
	st, err := cl.Fstat(ctx, fd)
	if err != nil || st.Size != 20 {
		t.Fatalf("fstat after truncate: st=%+v err=%v", st, err)
	}

	buf := make([]byte, 20)
	n, err := cl.Pread(ctx, fd, buf, 0)
	if err != nil || n != 20 {
		t.Fatalf("pread after truncate: n=%d err=%v", n, err)
	}
}

func TestCompressionReconstructsIndexOnReopen(t *testing.T) {
	const B = 16
	c, err := codec.New(codec.LZ4, 0)
	if err != nil {
		t.Fatalf("codec.New: %v", err)
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	ctx := context.Background()

	cl1, err := New(local.New(), B, c)
	if err != nil {
		t.Fatalf("compression.New: %v", err)
	}
	fd, err := cl1.Open(ctx, path, layer.O_RDWR|layer.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	data := bytes.Repeat([]byte("q"), 32)
	if _, err := cl1.Pwrite(ctx, fd, data, 0); err != nil {
		t.Fatalf("pwrite: %v", err)
	}
	if err := cl1.Close(ctx, fd); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Fresh layer instance with cold in-process state: must reconstruct
	// the block index from the persisted footer.
	cl2, err := New(local.New(), B, c)
	if err != nil {
		t.Fatalf("compression.New (reopen): %v", err)
	}
	fd2, err := cl2.Open(ctx, path, layer.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	buf := make([]byte, 32)
	n, err := cl2.Pread(ctx, fd2, buf, 0)
	if err != nil || n != 32 || !bytes.Equal(buf, data) {
		t.Fatalf("pread after reopen: n=%d err=%v buf=%q", n, err, buf)
	}
}
