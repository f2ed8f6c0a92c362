// Package demux implements the Demultiplexer layer: fan a single
// upstream operation out to N child layers with per-child
// passthrough_read / passthrough_write / enforced roles (§4.7).
package demux

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/scttfrdmn/layerfs/internal/layer"
	"github.com/scttfrdmn/layerfs/pkg/utils"
)

// ChildSpec configures one child's role in the fan-out.
type ChildSpec struct {
	Layer            layer.Layer
	PassthroughRead  bool
	PassthroughWrite bool
	Enforced         bool
}

// Demux fans every operation out across its children per ChildSpec
// roles, validated once at construction.
type Demux struct {
	children []ChildSpec
	enforced []int // indices into children that are enforced

	mu     sync.Mutex
	fdMaps map[layer.Descriptor][]layer.Descriptor
	next   layer.Descriptor
	free   []layer.Descriptor

	logger *utils.Logger
}

func init() {
	layer.Default().Register("demultiplexer", func(deps layer.BuildDeps) (layer.Layer, error) {
		if len(deps.Children) == 0 {
			return nil, fmt.Errorf("demultiplexer: requires at least one child layer")
		}
		readFlags, _ := deps.Options["passthrough_read"].([]interface{})
		writeFlags, _ := deps.Options["passthrough_write"].([]interface{})
		enforcedFlags, _ := deps.Options["enforced"].([]interface{})

		children := make([]ChildSpec, len(deps.Children))
		for i, child := range deps.Children {
			children[i] = ChildSpec{
				Layer:            child,
				PassthroughRead:  boolAt(readFlags, i),
				PassthroughWrite: boolAt(writeFlags, i),
				Enforced:         boolAt(enforcedFlags, i),
			}
		}
		return New(children)
	})
}

func boolAt(flags []interface{}, i int) bool {
	if i >= len(flags) {
		return false
	}
	b, _ := flags[i].(bool)
	return b
}

// New validates the child configuration and constructs a Demux.
// Construction fails on any rule violation from §4.7:
//   - no child may set both PassthroughRead and PassthroughWrite;
//   - not every child may be PassthroughRead;
//   - not every child may be PassthroughWrite;
//   - a PassthroughRead child must not be Enforced.
func New(children []ChildSpec) (*Demux, error) {
	if len(children) == 0 {
		return nil, fmt.Errorf("demux: at least one child is required")
	}
	allPassthroughRead := true
	allPassthroughWrite := true
	var enforced []int
	for i, c := range children {
		if c.PassthroughRead && c.PassthroughWrite {
			return nil, fmt.Errorf("demux: child %d cannot be both passthrough_read and passthrough_write", i)
		}
		if c.PassthroughRead && c.Enforced {
			return nil, fmt.Errorf("demux: child %d is passthrough_read and cannot also be enforced", i)
		}
		if !c.PassthroughRead {
			allPassthroughRead = false
		}
		if !c.PassthroughWrite {
			allPassthroughWrite = false
		}
		if c.Enforced {
			enforced = append(enforced, i)
		}
	}
	if allPassthroughRead {
		return nil, fmt.Errorf("demux: at least one child must be a real reader (not all may be passthrough_read)")
	}
	if allPassthroughWrite {
		return nil, fmt.Errorf("demux: at least one child must be a real writer (not all may be passthrough_write)")
	}
	return &Demux{
		children: children,
		enforced: enforced,
		fdMaps:   make(map[layer.Descriptor][]layer.Descriptor),
		logger:   utils.NewLogger(utils.WARN, os.Stderr),
	}, nil
}

func (d *Demux) Children() []layer.Layer {
	out := make([]layer.Layer, len(d.children))
	for i, c := range d.children {
		out[i] = c.Layer
	}
	return out
}

func (d *Demux) allocFD() layer.Descriptor {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n := len(d.free); n > 0 {
		fd := d.free[n-1]
		d.free = d.free[:n-1]
		return fd
	}
	fd := d.next
	d.next++
	return fd
}

func (d *Demux) Open(ctx context.Context, path string, flags layer.OpenFlags, mode os.FileMode) (layer.Descriptor, error) {
	childFDs := make([]layer.Descriptor, len(d.children))
	for i, c := range d.children {
		fd, err := c.Layer.Open(ctx, path, flags, mode)
		if err != nil {
			for j := 0; j < i; j++ {
				d.children[j].Layer.Close(ctx, childFDs[j])
			}
			return layer.InvalidDescriptor, err
		}
		childFDs[i] = fd
	}

	fd := d.allocFD()
	d.mu.Lock()
	d.fdMaps[fd] = childFDs
	d.mu.Unlock()
	return fd, nil
}

func (d *Demux) childFDs(fd layer.Descriptor) ([]layer.Descriptor, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cf, ok := d.fdMaps[fd]
	return cf, ok
}

func (d *Demux) Close(ctx context.Context, fd layer.Descriptor) error {
	cf, ok := d.childFDs(fd)
	if !ok {
		return layer.ErrInvalidDescriptor
	}

	var firstErr error
	for i, c := range d.children {
		if err := c.Layer.Close(ctx, cf[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	d.mu.Lock()
	delete(d.fdMaps, fd)
	d.free = append(d.free, fd)
	d.mu.Unlock()
	return firstErr
}

// singlePassthroughReader returns the index of the sole
// passthrough_read child, or -1 if there is none or more than one.
func (d *Demux) singlePassthroughReader() int {
	idx := -1
	count := 0
	for i, c := range d.children {
		if c.PassthroughRead {
			idx = i
			count++
		}
	}
	if count == 1 {
		return idx
	}
	return -1
}

func (d *Demux) Pread(ctx context.Context, fd layer.Descriptor, buf []byte, offset int64) (int, error) {
	cf, ok := d.childFDs(fd)
	if !ok {
		return 0, layer.ErrInvalidDescriptor
	}

	if idx := d.singlePassthroughReader(); idx >= 0 {
		return d.children[idx].Layer.Pread(ctx, cf[idx], buf, offset)
	}

	type result struct {
		n    int
		data []byte
		err  error
	}
	order := make([]int, 0, len(d.children))
	results := make(map[int]result, len(d.children))
	for i, c := range d.children {
		if c.PassthroughRead {
			continue
		}
		tmp := make([]byte, len(buf))
		n, err := c.Layer.Pread(ctx, cf[i], tmp, offset)
		results[i] = result{n: n, data: tmp, err: err}
		order = append(order, i)
	}
	if len(order) == 0 {
		// "if none, the first child is read"
		tmp := make([]byte, len(buf))
		n, err := d.children[0].Layer.Pread(ctx, cf[0], tmp, offset)
		results[0] = result{n: n, data: tmp, err: err}
		order = append(order, 0)
	}

	candidates := order
	if len(d.enforced) > 0 {
		candidates = d.enforced
	}
	var firstErr error
	for _, i := range candidates {
		r, tried := results[i]
		if !tried {
			continue
		}
		if r.err == nil {
			copy(buf, r.data[:r.n])
			return r.n, nil
		}
		if firstErr == nil {
			firstErr = r.err
		}
	}
	if firstErr != nil {
		return 0, firstErr
	}
	return 0, fmt.Errorf("demux: no reader available")
}

func (d *Demux) Pwrite(ctx context.Context, fd layer.Descriptor, buf []byte, offset int64) (int, error) {
	cf, ok := d.childFDs(fd)
	if !ok {
		return 0, layer.ErrInvalidDescriptor
	}

	var enforcedErr error
	n := len(buf)
	for i, c := range d.children {
		if c.PassthroughWrite {
			continue
		}
		wn, err := c.Layer.Pwrite(ctx, cf[i], buf, offset)
		if err != nil {
			if isEnforced(d.enforced, i) && enforcedErr == nil {
				enforcedErr = err
			} else if !isEnforced(d.enforced, i) {
				d.logger.Warn("demux: non-enforced child %d write failed: %v", i, err)
			}
		} else if wn != len(buf) && isEnforced(d.enforced, i) && enforcedErr == nil {
			enforcedErr = layer.ErrShortWrite
		}
	}
	if enforcedErr != nil {
		return 0, enforcedErr
	}
	return n, nil
}

func isEnforced(enforced []int, i int) bool {
	for _, e := range enforced {
		if e == i {
			return true
		}
	}
	return false
}

func (d *Demux) Ftruncate(ctx context.Context, fd layer.Descriptor, length int64) error {
	cf, ok := d.childFDs(fd)
	if !ok {
		return layer.ErrInvalidDescriptor
	}
	var enforcedErr error
	for i, c := range d.children {
		if err := c.Layer.Ftruncate(ctx, cf[i], length); err != nil {
			if isEnforced(d.enforced, i) && enforcedErr == nil {
				enforcedErr = err
			}
		}
	}
	return enforcedErr
}

func (d *Demux) Fstat(ctx context.Context, fd layer.Descriptor) (layer.Stat, error) {
	cf, ok := d.childFDs(fd)
	if !ok {
		return layer.Stat{}, layer.ErrInvalidDescriptor
	}
	return d.aggregateStat(func(i int) (layer.Stat, error) {
		return d.children[i].Layer.Fstat(ctx, cf[i])
	})
}

func (d *Demux) Lstat(ctx context.Context, path string) (layer.Stat, error) {
	return d.aggregateStat(func(i int) (layer.Stat, error) {
		return d.children[i].Layer.Lstat(ctx, path)
	})
}

func (d *Demux) aggregateStat(call func(i int) (layer.Stat, error)) (layer.Stat, error) {
	results := make([]layer.Stat, len(d.children))
	errs := make([]error, len(d.children))
	for i := range d.children {
		results[i], errs[i] = call(i)
	}

	if len(d.enforced) > 0 {
		for _, i := range d.enforced {
			if errs[i] != nil {
				return layer.Stat{}, errs[i]
			}
		}
		return results[d.enforced[0]], nil
	}
	if errs[0] != nil {
		return layer.Stat{}, errs[0]
	}
	return results[0], nil
}

func (d *Demux) Unlink(ctx context.Context, path string) error {
	var enforcedErr error
	for i, c := range d.children {
		if err := c.Layer.Unlink(ctx, path); err != nil {
			if isEnforced(d.enforced, i) && enforcedErr == nil {
				enforcedErr = err
			}
		}
	}
	return enforcedErr
}
