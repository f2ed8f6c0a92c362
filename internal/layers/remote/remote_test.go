package remote

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/scttfrdmn/layerfs/internal/layer"
)

func TestRemoteRoundTrip(t *testing.T) {
	r, err := New("127.0.0.1:0")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer r.Shutdown()

	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	ctx := context.Background()

	fd, err := r.Open(ctx, path, layer.O_RDWR|layer.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := r.Pwrite(ctx, fd, []byte("hello world"), 0); err != nil {
		t.Fatalf("pwrite: %v", err)
	}

	buf := make([]byte, 11)
	n, err := r.Pread(ctx, fd, buf, 0)
	if err != nil || n != 11 || string(buf) != "hello world" {
		t.Fatalf("pread: n=%d err=%v buf=%q", n, err, buf)
	}

	st, err := r.Fstat(ctx, fd)
	if err != nil || st.Size != 11 {
		t.Fatalf("fstat: st=%+v err=%v", st, err)
	}

	if err := r.Close(ctx, fd); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := r.Unlink(ctx, path); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected removed, got err=%v", err)
	}
}
