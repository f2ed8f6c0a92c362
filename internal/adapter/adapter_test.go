package adapter

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/scttfrdmn/layerfs/internal/config"
	"github.com/scttfrdmn/layerfs/internal/layer"
)

func minimalDoc() []byte {
	return []byte(`
root: fs
log_mode: disabled
fs:
  type: local
`)
}

func TestNewBuildsTreeFromConfig(t *testing.T) {
	a, err := New(minimalDoc())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if a.Root() == nil {
		t.Fatal("Root() returned nil")
	}
	if a.Metadata() != nil {
		t.Fatal("expected no metadata service without a services table")
	}
}

func TestNewRejectsUnknownType(t *testing.T) {
	_, err := New([]byte(`
root: fs
fs:
  type: not_a_real_type
`))
	if err == nil {
		t.Fatal("expected an error for an unknown layer type")
	}
}

func TestNewRejectsMissingRoot(t *testing.T) {
	_, err := New([]byte(`log_mode: disabled`))
	if err == nil {
		t.Fatal("expected an error for a missing root key")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	a, err := New(minimalDoc())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()

	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := a.Start(ctx); err == nil {
		t.Fatal("second Start() should fail")
	}
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := a.Stop(ctx); err == nil {
		t.Fatal("second Stop() should fail")
	}
}

func TestAdapterForwardsOperationsToRoot(t *testing.T) {
	dir := t.TempDir()
	a, err := New(minimalDoc())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()
	path := filepath.Join(dir, "a.txt")

	fd, err := a.Open(ctx, path, layer.O_RDWR|layer.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := a.Pwrite(ctx, fd, []byte("hello"), 0); err != nil {
		t.Fatalf("Pwrite() error = %v", err)
	}
	buf := make([]byte, 5)
	if n, err := a.Pread(ctx, fd, buf, 0); err != nil || n != 5 || string(buf) != "hello" {
		t.Fatalf("Pread() n=%d err=%v buf=%q", n, err, buf)
	}
	st, err := a.Fstat(ctx, fd)
	if err != nil || st.Size != 5 {
		t.Fatalf("Fstat() st=%+v err=%v", st, err)
	}
	if err := a.Close(ctx, fd); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := a.Unlink(ctx, path); err != nil {
		t.Fatalf("Unlink() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected file to be removed, stat err = %v", err)
	}
}

func TestNewWithConfigUsesProcessMetricsSettings(t *testing.T) {
	procCfg := config.NewDefault()
	procCfg.Monitoring.Metrics.Prometheus = false // disable, so Enabled collapses to false

	a, err := NewWithConfig(minimalDoc(), procCfg)
	if err != nil {
		t.Fatalf("NewWithConfig() error = %v", err)
	}
	if a.Metrics() == nil {
		t.Fatal("expected a metrics collector")
	}
}

func TestAdapterWithMetadataService(t *testing.T) {
	doc := []byte(`
root: fs
fs:
  type: local
services:
  type: metadata
  cache_size: 8
  threads: 1
`)
	a, err := New(doc)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if a.Metadata() == nil {
		t.Fatal("expected a metadata service")
	}
	a.Metadata().Set("k", []byte("v"))
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}
