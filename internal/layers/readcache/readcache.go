// Package readcache implements the Read-Cache layer: a fixed-size,
// approximately-LRU block cache sitting above a block-aligned child,
// keyed by (fd, block index). Grounded on the teacher's container/list
// + map LRU idiom (internal/cache/lru.go), narrowed to the fixed block
// granularity this layer's contract calls for.
package readcache

import (
	"container/list"
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/scttfrdmn/layerfs/internal/layer"
)

func init() {
	layer.Default().Register("read_cache", func(deps layer.BuildDeps) (layer.Layer, error) {
		next, ok := deps.Named["next"]
		if !ok {
			return nil, fmt.Errorf("read_cache: missing required option %q", "next")
		}
		blockSize, _ := deps.Options["block_size"].(int)
		numBlocks, _ := deps.Options["num_blocks"].(int)
		return New(next, blockSize, numBlocks)
	})
}

type blockKey struct {
	fd  layer.Descriptor
	idx int64
}

type entry struct {
	key     blockKey
	data    []byte // always len == blockSize
	valid   int    // number of valid leading bytes (< blockSize at EOF)
	element *list.Element
}

// ReadCache caches fixed-size blocks read from a single block-aligned
// child. Capacity is fixed at construction (num_blocks * block_size, per
// §4.4); eviction is approximate LRU via a doubly-linked list.
type ReadCache struct {
	mu sync.Mutex

	child     layer.Layer
	blockSize int64
	numBlocks int

	items map[blockKey]*entry
	order *list.List // front = most recently used

	// fdPaths tracks each live descriptor's path so Unlink can evict
	// that path's cached blocks without a dedicated inode lookup;
	// Close removes the entry once the descriptor is no longer live.
	fdPaths map[layer.Descriptor]string
}

// New constructs a Read-Cache layer over child. Construction fails if
// blockSize or numBlocks is not positive.
func New(child layer.Layer, blockSize, numBlocks int) (*ReadCache, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("readcache: block_size must be positive, got %d", blockSize)
	}
	if numBlocks <= 0 {
		return nil, fmt.Errorf("readcache: num_blocks must be positive, got %d", numBlocks)
	}
	return &ReadCache{
		child:     child,
		blockSize: int64(blockSize),
		numBlocks: numBlocks,
		items:     make(map[blockKey]*entry),
		order:     list.New(),
		fdPaths:   make(map[layer.Descriptor]string),
	}, nil
}

func (c *ReadCache) Children() []layer.Layer { return []layer.Layer{c.child} }

func (c *ReadCache) Open(ctx context.Context, path string, flags layer.OpenFlags, mode os.FileMode) (layer.Descriptor, error) {
	fd, err := c.child.Open(ctx, path, flags, mode)
	if err != nil {
		return fd, err
	}
	c.mu.Lock()
	c.fdPaths[fd] = path
	c.mu.Unlock()
	return fd, nil
}

// Close evicts every cache entry belonging to fd before forwarding to
// the child. Without this, internal/layer.FDTable's free-list recycling
// means the very next Open on a different path can receive the same fd
// value and silently observe this file's stale cached blocks.
func (c *ReadCache) Close(ctx context.Context, fd layer.Descriptor) error {
	c.mu.Lock()
	for key, e := range c.items {
		if key.fd == fd {
			c.evictLocked(e)
		}
	}
	delete(c.fdPaths, fd)
	c.mu.Unlock()
	return c.child.Close(ctx, fd)
}

func (c *ReadCache) Ftruncate(ctx context.Context, fd layer.Descriptor, length int64) error {
	if err := c.child.Ftruncate(ctx, fd, length); err != nil {
		return err
	}
	newLast := length / c.blockSize
	if length%c.blockSize != 0 {
		newLast++
	}
	c.mu.Lock()
	for key, e := range c.items {
		if key.fd == fd && key.idx >= newLast {
			c.evictLocked(e)
		}
	}
	c.mu.Unlock()
	return nil
}

func (c *ReadCache) Fstat(ctx context.Context, fd layer.Descriptor) (layer.Stat, error) {
	return c.child.Fstat(ctx, fd)
}

func (c *ReadCache) Lstat(ctx context.Context, path string) (layer.Stat, error) {
	return c.child.Lstat(ctx, path)
}

// Unlink evicts all cache entries for path's currently-open descriptors
// before forwarding to the child (§4.4: "On unlink, all entries for
// that path's inode are evicted"). Descriptors are tracked by path
// rather than a resolved (device, inode) pair, which is equivalent as
// long as the path hasn't been reused by a rename since those
// descriptors were opened.
func (c *ReadCache) Unlink(ctx context.Context, path string) error {
	c.mu.Lock()
	for fd, p := range c.fdPaths {
		if p != path {
			continue
		}
		for key, e := range c.items {
			if key.fd == fd {
				c.evictLocked(e)
			}
		}
	}
	c.mu.Unlock()
	return c.child.Unlink(ctx, path)
}

func (c *ReadCache) evictLocked(e *entry) {
	c.order.Remove(e.element)
	delete(c.items, e.key)
}

func (c *ReadCache) touchLocked(e *entry) {
	c.order.MoveToFront(e.element)
}

func (c *ReadCache) insertLocked(key blockKey, data []byte, valid int) {
	if e, ok := c.items[key]; ok {
		e.data = data
		e.valid = valid
		c.touchLocked(e)
		return
	}
	e := &entry{key: key, data: data, valid: valid}
	e.element = c.order.PushFront(e)
	c.items[key] = e

	for len(c.items) > c.numBlocks {
		back := c.order.Back()
		if back == nil {
			break
		}
		c.evictLocked(back.Value.(*entry))
	}
}

// Pread iterates the requested block range: cache hits copy out directly;
// a run of consecutive misses is fetched from the child in one call and
// split into blocks before insertion (§4.4).
func (c *ReadCache) Pread(ctx context.Context, fd layer.Descriptor, out []byte, offset int64) (int, error) {
	if len(out) == 0 {
		return 0, nil
	}

	first := offset / c.blockSize
	last := (offset + int64(len(out)) - 1) / c.blockSize

	total := 0
	blk := first
	for blk <= last {
		c.mu.Lock()
		e, hit := c.items[blockKey{fd, blk}]
		if hit {
			c.touchLocked(e)
		}
		c.mu.Unlock()

		if hit {
			n := c.copyFromEntry(e, blk, out, offset)
			total += n
			if e.valid < int(c.blockSize) {
				break // short block: EOF
			}
			blk++
			continue
		}

		// Find the run of consecutive misses starting at blk.
		runStart := blk
		runEnd := blk
		for runEnd+1 <= last {
			c.mu.Lock()
			_, hit2 := c.items[blockKey{fd, runEnd + 1}]
			c.mu.Unlock()
			if hit2 {
				break
			}
			runEnd++
		}

		runBlocks := int(runEnd-runStart) + 1
		runBuf := make([]byte, runBlocks*int(c.blockSize))
		n, err := c.child.Pread(ctx, fd, runBuf, runStart*c.blockSize)
		if err != nil {
			return total, err
		}

		eof := false
		for i := 0; i < runBlocks; i++ {
			bStart := i * int(c.blockSize)
			bEnd := bStart + int(c.blockSize)
			valid := int(c.blockSize)
			if n < bEnd {
				valid = n - bStart
				if valid < 0 {
					valid = 0
				}
				eof = true
			}
			data := make([]byte, c.blockSize)
			copy(data, runBuf[bStart:bStart+valid])

			key := blockKey{fd, runStart + int64(i)}
			c.mu.Lock()
			c.insertLocked(key, data, valid)
			e := c.items[key]
			c.mu.Unlock()

			cn := c.copyFromEntry(e, key.idx, out, offset)
			total += cn

			if eof && valid < int(c.blockSize) {
				return total, nil
			}
		}
		blk = runEnd + 1
	}
	return total, nil
}

func (c *ReadCache) copyFromEntry(e *entry, blk int64, out []byte, offset int64) int {
	blockStart := blk * c.blockSize
	srcLo := int64(0)
	if offset > blockStart {
		srcLo = offset - blockStart
	}
	srcHi := int64(e.valid)
	if offset+int64(len(out)) < blockStart+int64(e.valid) {
		srcHi = offset + int64(len(out)) - blockStart
	}
	if srcHi <= srcLo {
		return 0
	}
	dstOffset := blockStart + srcLo - offset
	return copy(out[dstOffset:dstOffset+(srcHi-srcLo)], e.data[srcLo:srcHi])
}

// Pwrite forwards to the child and invalidates or updates the touched
// blocks in place so a subsequent read never observes stale data.
func (c *ReadCache) Pwrite(ctx context.Context, fd layer.Descriptor, in []byte, offset int64) (int, error) {
	n, err := c.child.Pwrite(ctx, fd, in, offset)
	if n > 0 {
		first := offset / c.blockSize
		last := (offset + int64(n) - 1) / c.blockSize
		c.mu.Lock()
		for blk := first; blk <= last; blk++ {
			if e, ok := c.items[blockKey{fd, blk}]; ok {
				c.evictLocked(e)
			}
		}
		c.mu.Unlock()
	}
	return n, err
}
