// Package benchmark implements the Benchmark layer: a pure pass-through
// wrapper that counts invocations and periodically reports a rate to
// standard output. It carries no correctness guarantees beyond the
// identity transform (§4.9).
package benchmark

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/scttfrdmn/layerfs/internal/layer"
)

func init() {
	layer.Default().Register("benchmark", func(deps layer.BuildDeps) (layer.Layer, error) {
		next, ok := deps.Named["next"]
		if !ok {
			return nil, fmt.Errorf("benchmark: missing required option %q", "next")
		}
		label, _ := deps.Options["label"].(string)
		reps, _ := deps.Options["reps"].(int)
		return New(next, label, reps), nil
	})
}

// Benchmark wraps child, counting every call and emitting a rate line
// every opsReps invocations.
type Benchmark struct {
	child   layer.Layer
	label   string
	opsReps int64

	mu    sync.Mutex
	count int64
	since time.Time
	out   io.Writer
}

// New constructs a Benchmark layer. If opsReps <= 0 it defaults to
// 1000. label identifies this instance in the emitted rate lines.
func New(child layer.Layer, label string, opsReps int) *Benchmark {
	if opsReps <= 0 {
		opsReps = 1000
	}
	if label == "" {
		label = "benchmark"
	}
	return &Benchmark{child: child, label: label, opsReps: int64(opsReps), since: time.Now(), out: os.Stdout}
}

func (b *Benchmark) Children() []layer.Layer { return []layer.Layer{b.child} }

// tick increments the invocation counter and, every opsReps calls,
// prints "label: rate_per_second" and resets the window.
func (b *Benchmark) tick() {
	b.mu.Lock()
	b.count++
	if b.count >= b.opsReps {
		elapsed := time.Since(b.since).Seconds()
		rate := float64(b.count)
		if elapsed > 0 {
			rate = float64(b.count) / elapsed
		}
		fmt.Fprintf(b.out, "%s: %.2f\n", b.label, rate)
		b.count = 0
		b.since = time.Now()
	}
	b.mu.Unlock()
}

func (b *Benchmark) Open(ctx context.Context, path string, flags layer.OpenFlags, mode os.FileMode) (layer.Descriptor, error) {
	defer b.tick()
	return b.child.Open(ctx, path, flags, mode)
}

func (b *Benchmark) Close(ctx context.Context, fd layer.Descriptor) error {
	defer b.tick()
	return b.child.Close(ctx, fd)
}

func (b *Benchmark) Pread(ctx context.Context, fd layer.Descriptor, buf []byte, offset int64) (int, error) {
	defer b.tick()
	return b.child.Pread(ctx, fd, buf, offset)
}

func (b *Benchmark) Pwrite(ctx context.Context, fd layer.Descriptor, buf []byte, offset int64) (int, error) {
	defer b.tick()
	return b.child.Pwrite(ctx, fd, buf, offset)
}

func (b *Benchmark) Ftruncate(ctx context.Context, fd layer.Descriptor, length int64) error {
	defer b.tick()
	return b.child.Ftruncate(ctx, fd, length)
}

func (b *Benchmark) Fstat(ctx context.Context, fd layer.Descriptor) (layer.Stat, error) {
	defer b.tick()
	return b.child.Fstat(ctx, fd)
}

func (b *Benchmark) Lstat(ctx context.Context, path string) (layer.Stat, error) {
	defer b.tick()
	return b.child.Lstat(ctx, path)
}

func (b *Benchmark) Unlink(ctx context.Context, path string) error {
	defer b.tick()
	return b.child.Unlink(ctx, path)
}
