package demux

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/scttfrdmn/layerfs/internal/layer"
	"github.com/scttfrdmn/layerfs/internal/layers/local"
)

func TestDemuxConstructionRejectsBothPassthroughRoles(t *testing.T) {
	_, err := New([]ChildSpec{
		{Layer: local.New(), PassthroughRead: true, PassthroughWrite: true},
		{Layer: local.New()},
	})
	if err == nil {
		t.Fatal("expected construction error for child with both passthrough roles")
	}
}

func TestDemuxConstructionRejectsAllPassthroughRead(t *testing.T) {
	_, err := New([]ChildSpec{
		{Layer: local.New(), PassthroughRead: true},
		{Layer: local.New(), PassthroughRead: true},
	})
	if err == nil {
		t.Fatal("expected construction error when every child is passthrough_read")
	}
}

func TestDemuxConstructionRejectsPassthroughReadAndEnforced(t *testing.T) {
	_, err := New([]ChildSpec{
		{Layer: local.New(), PassthroughRead: true, Enforced: true},
		{Layer: local.New()},
	})
	if err == nil {
		t.Fatal("expected construction error for passthrough_read child also marked enforced")
	}
}

func TestDemuxWriteFanOutAndReadBack(t *testing.T) {
	dir := t.TempDir()
	d, err := New([]ChildSpec{
		{Layer: local.New(), Enforced: true},
		{Layer: local.New(), Enforced: true},
	})
	if err != nil {
		t.Fatalf("demux.New: %v", err)
	}
	ctx := context.Background()
	path := filepath.Join(dir, "f.bin")

	fd, err := d.Open(ctx, path, layer.O_RDWR|layer.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := d.Pwrite(ctx, fd, []byte("mirrored"), 0); err != nil {
		t.Fatalf("pwrite: %v", err)
	}
	buf := make([]byte, 8)
	n, err := d.Pread(ctx, fd, buf, 0)
	if err != nil || n != 8 || string(buf) != "mirrored" {
		t.Fatalf("pread: n=%d err=%v buf=%q", n, err, buf)
	}
	if err := d.Close(ctx, fd); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestDemuxSinglePassthroughReadIsExclusive(t *testing.T) {
	dir := t.TempDir()
	real := local.New()
	shadow := local.New()
	d, err := New([]ChildSpec{
		{Layer: real, PassthroughRead: true},
		{Layer: shadow},
	})
	if err != nil {
		t.Fatalf("demux.New: %v", err)
	}
	ctx := context.Background()
	path := filepath.Join(dir, "f.bin")

	fd, err := d.Open(ctx, path, layer.O_RDWR|layer.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := d.Pwrite(ctx, fd, []byte("AB"), 0); err != nil {
		t.Fatalf("pwrite: %v", err)
	}

	cf, _ := d.childFDs(fd)
	// Both children open the same host file, so the shadow child's bytes
	// cannot differ; instead invalidate only the shadow (non-passthrough-read)
	// child's descriptor, so any read routed to it would fail.
	if err := shadow.Close(ctx, cf[1]); err != nil {
		t.Fatalf("direct shadow close: %v", err)
	}

	buf := make([]byte, 2)
	n, err := d.Pread(ctx, fd, buf, 0)
	if err != nil || n != 2 || !bytes.Equal(buf, []byte("AB")) {
		t.Fatalf("expected passthrough_read child's original bytes, got n=%d err=%v buf=%q", n, err, buf)
	}
}
