package benchmark

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/scttfrdmn/layerfs/internal/layer"
	"github.com/scttfrdmn/layerfs/internal/layers/local"
)

func TestBenchmarkIsIdentityPassthrough(t *testing.T) {
	b := New(local.New(), "test", 2)
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	ctx := context.Background()

	fd, err := b.Open(ctx, path, layer.O_RDWR|layer.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := b.Pwrite(ctx, fd, []byte("hi"), 0); err != nil {
		t.Fatalf("pwrite: %v", err)
	}
	buf := make([]byte, 2)
	n, err := b.Pread(ctx, fd, buf, 0)
	if err != nil || n != 2 || !bytes.Equal(buf, []byte("hi")) {
		t.Fatalf("pread: n=%d err=%v buf=%q", n, err, buf)
	}
	if err := b.Close(ctx, fd); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestBenchmarkEmitsRateAfterOpsReps(t *testing.T) {
	b := New(local.New(), "label", 3)
	var out bytes.Buffer
	b.out = &out

	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	ctx := context.Background()

	fd, _ := b.Open(ctx, path, layer.O_RDWR|layer.O_CREATE, 0o644)
	b.Fstat(ctx, fd)
	b.Fstat(ctx, fd)
	// Open counted as #1, so the second Fstat (#3) completed the
	// ops_reps=3 window, emitted a rate line and reset the counter; this
	// fourth call is the first of the next window.
	b.Fstat(ctx, fd)

	if b.count != 1 {
		t.Fatalf("expected counter 1 after the ops_reps window reset, got %d", b.count)
	}
	if !strings.Contains(out.String(), "label:") {
		t.Fatalf("expected a rate line containing the label, got %q", out.String())
	}
}
