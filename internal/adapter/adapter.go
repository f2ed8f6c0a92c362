// Package adapter wires a configuration document (§6) into a running
// Layer tree and exposes the uniform operation set to callers. Earlier
// revisions of this adapter mounted a FUSE filesystem over a fixed
// S3-backend/cache/write-buffer stack; the configuration interface has
// no notion of a mount point, so this adapter's job shrinks to what it
// actually asks for: build the tree, expose its root and any named
// services, tear both down cleanly.
package adapter

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/scttfrdmn/layerfs/internal/config"
	"github.com/scttfrdmn/layerfs/internal/layer"
	"github.com/scttfrdmn/layerfs/internal/metadata"
	"github.com/scttfrdmn/layerfs/internal/metrics"
	"github.com/scttfrdmn/layerfs/internal/treebuilder"
)

// Adapter owns one Layer tree built from a configuration document, plus
// whichever named services (metadata, metrics) that document requested.
type Adapter struct {
	mu      sync.Mutex
	root    layer.Layer
	logMode treebuilder.LogMode
	meta    *metadata.Service
	metrics *metrics.Collector
	started bool
}

// New parses yamlDoc per §6 and constructs the Layer tree and named
// services it describes. Construction failures (unknown type, missing
// reference, cycle) surface here, before any I/O is attempted. Metrics
// are enabled whenever log_mode isn't disabled, with no process-level
// configuration beyond that; use NewWithConfig to drive the metrics
// port, labels and namespace from an ambient Configuration instead.
func New(yamlDoc []byte) (*Adapter, error) {
	return NewWithConfig(yamlDoc, nil)
}

// NewWithConfig is New, but sources the metrics collector's settings
// (port, labels, enabled state) from procCfg's Monitoring section
// instead of the log_mode-only default. A nil procCfg behaves exactly
// like New.
func NewWithConfig(yamlDoc []byte, procCfg *config.Configuration) (*Adapter, error) {
	tree, err := treebuilder.Build(yamlDoc)
	if err != nil {
		return nil, fmt.Errorf("adapter: building layer tree: %w", err)
	}

	metricsCfg := &metrics.Config{
		Enabled:   tree.LogMode != treebuilder.LogDisabled,
		Namespace: "layerfs",
	}
	if procCfg != nil {
		metricsCfg = procCfg.ToMetricsConfig()
	}

	collector, err := metrics.NewCollector(metricsCfg)
	if err != nil {
		return nil, fmt.Errorf("adapter: initializing metrics collector: %w", err)
	}

	return &Adapter{
		root:    tree.Root,
		logMode: tree.LogMode,
		meta:    tree.Metadata,
		metrics: collector,
	}, nil
}

// Start marks the adapter live. Layer construction already happened in
// New; there is nothing further to acquire, so Start's job is limited
// to bookkeeping and an opening log line at log modes above disabled.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return fmt.Errorf("adapter: already started")
	}
	if a.logMode != treebuilder.LogDisabled {
		log.Printf("layerfs: tree ready, %d descendant layers, log_mode=%s", layer.DescendantCount(a.root), a.logMode)
	}
	a.started = true
	return nil
}

// Stop shuts down the metadata service's worker pool, if one was
// configured. The tree itself holds no process-wide resource beyond the
// descriptors callers open against it, which remain each caller's
// responsibility to Close.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return fmt.Errorf("adapter: not started")
	}
	if a.meta != nil {
		a.meta.Close()
	}
	a.started = false
	if a.logMode != treebuilder.LogDisabled {
		log.Printf("layerfs: stopped")
	}
	return nil
}

// Root returns the layer the configuration named as `root`. Callers
// drive the uniform operation set against it directly.
func (a *Adapter) Root() layer.Layer { return a.root }

// Metadata returns the embedded KV service the configuration's
// `services` table requested, or nil if none was configured.
func (a *Adapter) Metadata() *metadata.Service { return a.meta }

// Metrics returns the adapter's metrics collector.
func (a *Adapter) Metrics() *metrics.Collector { return a.metrics }

// Open, Close, Pread, Pwrite, Ftruncate, Fstat, Lstat and Unlink forward
// to the root layer, so callers holding an *Adapter never need to reach
// past it into the tree directly.

func (a *Adapter) Open(ctx context.Context, path string, flags layer.OpenFlags, mode os.FileMode) (layer.Descriptor, error) {
	return a.root.Open(ctx, path, flags, mode)
}

func (a *Adapter) Close(ctx context.Context, fd layer.Descriptor) error {
	return a.root.Close(ctx, fd)
}

func (a *Adapter) Pread(ctx context.Context, fd layer.Descriptor, buf []byte, offset int64) (int, error) {
	return a.root.Pread(ctx, fd, buf, offset)
}

func (a *Adapter) Pwrite(ctx context.Context, fd layer.Descriptor, buf []byte, offset int64) (int, error) {
	return a.root.Pwrite(ctx, fd, buf, offset)
}

func (a *Adapter) Ftruncate(ctx context.Context, fd layer.Descriptor, length int64) error {
	return a.root.Ftruncate(ctx, fd, length)
}

func (a *Adapter) Fstat(ctx context.Context, fd layer.Descriptor) (layer.Stat, error) {
	return a.root.Fstat(ctx, fd)
}

func (a *Adapter) Lstat(ctx context.Context, path string) (layer.Stat, error) {
	return a.root.Lstat(ctx, path)
}

func (a *Adapter) Unlink(ctx context.Context, path string) error {
	return a.root.Unlink(ctx, path)
}
