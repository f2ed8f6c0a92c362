// Package compression implements the Sparse-Block Compression layer:
// per-block compression against a configured codec, with a per-file
// block index (physical sizes, uncompressed flags, logical EOF) keyed
// by (device, inode) so it survives rename. The index is persisted as
// a small trailing footer written on close/ftruncate and reconstructed
// on open when no in-process mapping exists (resolves the spec's open
// question on reopen semantics).
package compression

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"os"
	"sync"

	"github.com/scttfrdmn/layerfs/internal/codec"
	"github.com/scttfrdmn/layerfs/internal/layer"
)

func init() {
	layer.Default().Register("compression", func(deps layer.BuildDeps) (layer.Layer, error) {
		next, ok := deps.Named["next"]
		if !ok {
			return nil, fmt.Errorf("compression: missing required option %q", "next")
		}
		blockSize, _ := deps.Options["block_size"].(int)
		algName, _ := deps.Options["algorithm"].(string)
		level, _ := deps.Options["level"].(int)
		var alg codec.Algorithm
		switch algName {
		case "zstd":
			alg = codec.ZSTD
		default:
			alg = codec.LZ4
		}
		c, err := codec.New(alg, level)
		if err != nil {
			return nil, err
		}
		return New(next, blockSize, c)
	})
}

type fileKey struct {
	dev, ino uint64
	path     string // fallback discriminator when dev/ino are unavailable
}

// footerPayload is the on-disk representation of a file's block index,
// gob-encoded and appended after the last physical block.
type footerPayload struct {
	LogicalEOF   int64
	Sizes        []int64
	Uncompressed []bool
}

type fileState struct {
	mu           sync.Mutex
	sizes        []int64
	uncompressed []bool
	logicalEOF   int64
	refs         int
}

func (fs *fileState) dataEnd() int64 {
	var total int64
	for _, s := range fs.sizes {
		total += s
	}
	return total
}

func (fs *fileState) blockOffset(block int) int64 {
	var total int64
	for i := 0; i < block && i < len(fs.sizes); i++ {
		total += fs.sizes[i]
	}
	return total
}

type fdState struct {
	child layer.Descriptor
	key   fileKey
}

// Compression wraps a single terminal (or further-composed) child and
// compresses each fixed-size block independently before storage.
type Compression struct {
	child     layer.Layer
	blockSize int64
	codec     codec.Codec

	mu    sync.Mutex
	files map[fileKey]*fileState
	fds   *layer.FDTable[*fdState]
}

// New constructs a Sparse-Block Compression layer over child using the
// given block size and codec.
func New(child layer.Layer, blockSize int, c codec.Codec) (*Compression, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("compression: block_size must be positive, got %d", blockSize)
	}
	return &Compression{
		child:     child,
		blockSize: int64(blockSize),
		codec:     c,
		files:     make(map[fileKey]*fileState),
		fds:       layer.NewFDTable[*fdState](),
	}, nil
}

func (c *Compression) Children() []layer.Layer { return []layer.Layer{c.child} }

func (c *Compression) Open(ctx context.Context, path string, flags layer.OpenFlags, mode os.FileMode) (layer.Descriptor, error) {
	childFD, err := c.child.Open(ctx, path, flags, mode)
	if err != nil {
		return layer.InvalidDescriptor, err
	}
	st, err := c.child.Fstat(ctx, childFD)
	if err != nil {
		c.child.Close(ctx, childFD)
		return layer.InvalidDescriptor, err
	}
	key := fileKey{dev: st.Dev, ino: st.Ino}
	if key.dev == 0 && key.ino == 0 {
		key.path = path
	}

	c.mu.Lock()
	fs, ok := c.files[key]
	if !ok {
		fs = c.reconstructLocked(ctx, childFD, st.Size)
		c.files[key] = fs
	}
	fs.refs++
	c.mu.Unlock()

	fd := c.fds.Insert(&fdState{child: childFD, key: key})
	return fd, nil
}

// reconstructLocked reads the trailing footer (if present and
// well-formed) to recover a file's block index; otherwise it returns a
// fresh, empty mapping. Called with c.mu held.
func (c *Compression) reconstructLocked(ctx context.Context, childFD layer.Descriptor, size int64) *fileState {
	fs := &fileState{}
	if size < 8 {
		return fs
	}
	trailer := make([]byte, 8)
	if n, err := c.child.Pread(ctx, childFD, trailer, size-8); err != nil || n != 8 {
		return fs
	}
	flen := int64(binary.BigEndian.Uint64(trailer))
	if flen <= 0 || flen+8 > size {
		return fs
	}
	buf := make([]byte, flen)
	if n, err := c.child.Pread(ctx, childFD, buf, size-8-flen); err != nil || int64(n) != flen {
		return fs
	}
	var payload footerPayload
	if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&payload); err != nil {
		return fs
	}
	fs.sizes = payload.Sizes
	fs.uncompressed = payload.Uncompressed
	fs.logicalEOF = payload.LogicalEOF
	return fs
}

func (c *Compression) writeFooter(ctx context.Context, childFD layer.Descriptor, fs *fileState) error {
	payload := footerPayload{LogicalEOF: fs.logicalEOF, Sizes: fs.sizes, Uncompressed: fs.uncompressed}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(payload); err != nil {
		return err
	}
	dataEnd := fs.dataEnd()
	if err := c.child.Ftruncate(ctx, childFD, dataEnd); err != nil {
		return err
	}
	if _, err := c.child.Pwrite(ctx, childFD, buf.Bytes(), dataEnd); err != nil {
		return err
	}
	trailer := make([]byte, 8)
	binary.BigEndian.PutUint64(trailer, uint64(buf.Len()))
	_, err := c.child.Pwrite(ctx, childFD, trailer, dataEnd+int64(buf.Len()))
	return err
}

func (c *Compression) Close(ctx context.Context, fd layer.Descriptor) error {
	fs, ok := c.fds.Remove(fd)
	if !ok {
		return layer.ErrInvalidDescriptor
	}

	c.mu.Lock()
	file := c.files[fs.key]
	c.mu.Unlock()

	var ferr error
	if file != nil {
		file.mu.Lock()
		ferr = c.writeFooter(ctx, fs.child, file)
		file.mu.Unlock()

		c.mu.Lock()
		file.refs--
		if file.refs <= 0 {
			delete(c.files, fs.key)
		}
		c.mu.Unlock()
	}

	if err := c.child.Close(ctx, fs.child); err != nil {
		return err
	}
	return ferr
}

func (c *Compression) lookup(fd layer.Descriptor) (*fdState, *fileState, bool) {
	fs, ok := c.fds.Get(fd)
	if !ok {
		return nil, nil, false
	}
	c.mu.Lock()
	file := c.files[fs.key]
	c.mu.Unlock()
	return fs, file, file != nil
}

// readLogicalBlock returns the full blockSize worth of logical bytes
// for blockIndex: decompressed content for a stored block, or zeros for
// a hole or a block past the stored range.
func (c *Compression) readLogicalBlock(ctx context.Context, childFD layer.Descriptor, fs *fileState, blockIndex int) ([]byte, error) {
	out := make([]byte, c.blockSize)
	if blockIndex >= len(fs.sizes) || fs.sizes[blockIndex] == 0 {
		return out, nil
	}
	physSize := fs.sizes[blockIndex]
	raw := make([]byte, physSize)
	if _, err := c.child.Pread(ctx, childFD, raw, fs.blockOffset(blockIndex)); err != nil {
		return nil, err
	}
	if fs.uncompressed[blockIndex] {
		copy(out, raw)
		return out, nil
	}
	if err := c.codec.Decompress(out, raw); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Compression) Pread(ctx context.Context, fd layer.Descriptor, out []byte, offset int64) (int, error) {
	if len(out) == 0 {
		return 0, nil
	}
	fs, file, ok := c.lookup(fd)
	if !ok {
		return 0, layer.ErrInvalidDescriptor
	}

	file.mu.Lock()
	defer file.mu.Unlock()

	if offset >= file.logicalEOF {
		return 0, nil
	}
	end := offset + int64(len(out))
	if end > file.logicalEOF {
		end = file.logicalEOF
	}
	want := end - offset

	first := int(offset / c.blockSize)
	last := int((end - 1) / c.blockSize)

	total := int64(0)
	for blk := first; blk <= last; blk++ {
		block, err := c.readLogicalBlock(ctx, fs.child, file, blk)
		if err != nil {
			return int(total), err
		}
		blockStart := int64(blk) * c.blockSize
		srcLo := int64(0)
		if offset > blockStart {
			srcLo = offset - blockStart
		}
		srcHi := c.blockSize
		if offset+want < blockStart+c.blockSize {
			srcHi = offset + want - blockStart
		}
		if srcHi > srcLo {
			dstOff := blockStart + srcLo - offset
			n := copy(out[dstOff:dstOff+(srcHi-srcLo)], block[srcLo:srcHi])
			total += int64(n)
		}
	}
	return int(total), nil
}

func (c *Compression) Pwrite(ctx context.Context, fd layer.Descriptor, in []byte, offset int64) (int, error) {
	if len(in) == 0 {
		return 0, nil
	}
	fs, file, ok := c.lookup(fd)
	if !ok {
		return 0, layer.ErrInvalidDescriptor
	}

	file.mu.Lock()
	defer file.mu.Unlock()

	first := int(offset / c.blockSize)
	last := int((offset + int64(len(in)) - 1) / c.blockSize)

	for blk := first; blk <= last; blk++ {
		full, err := c.readLogicalBlock(ctx, fs.child, file, blk)
		if err != nil {
			return 0, err
		}
		blockStart := int64(blk) * c.blockSize

		patchLo := int64(0)
		if offset > blockStart {
			patchLo = offset - blockStart
		}
		patchHi := c.blockSize
		if offset+int64(len(in)) < blockStart+c.blockSize {
			patchHi = offset + int64(len(in)) - blockStart
		}
		srcLo := blockStart + patchLo - offset
		copy(full[patchLo:patchHi], in[srcLo:srcLo+(patchHi-patchLo)])

		compressed, err := c.codec.Compress(full)
		if err != nil {
			return 0, err
		}

		for len(file.sizes) <= blk {
			file.sizes = append(file.sizes, 0)
			file.uncompressed = append(file.uncompressed, true)
		}

		offsetBefore := file.blockOffset(blk)
		oldSize := file.sizes[blk]

		var payload []byte
		uncompressed := false
		if int64(len(compressed)) >= c.blockSize {
			payload = full
			uncompressed = true
		} else {
			payload = compressed
		}

		if int64(len(payload)) != oldSize {
			// An unchanged size is rewritten in place at its prefix
			// offset. A size change shifts every later block's
			// prefix-sum offset, so this block and all blocks after
			// it are rewritten contiguously.
			if err := c.relocateBlockLocked(ctx, fs.child, file, blk, payload, uncompressed); err != nil {
				return 0, err
			}
		} else {
			if _, err := c.child.Pwrite(ctx, fs.child, payload, offsetBefore); err != nil {
				return 0, err
			}
			file.uncompressed[blk] = uncompressed
		}
	}

	if end := offset + int64(len(in)); end > file.logicalEOF {
		file.logicalEOF = end
	}
	return len(in), nil
}

// relocateBlockLocked rewrites blk's physical payload and every block
// after it contiguously, since this block's physical size changed and
// every later block's prefix-sum offset shifts. Called with file.mu held.
func (c *Compression) relocateBlockLocked(ctx context.Context, childFD layer.Descriptor, file *fileState, blk int, payload []byte, uncompressed bool) error {
	tailBlocks := make([][]byte, 0, len(file.sizes)-blk)
	tailFlags := make([]bool, 0, len(file.sizes)-blk)
	for i := blk + 1; i < len(file.sizes); i++ {
		raw := make([]byte, file.sizes[i])
		if _, err := c.child.Pread(ctx, childFD, raw, file.blockOffset(i)); err != nil {
			return err
		}
		tailBlocks = append(tailBlocks, raw)
		tailFlags = append(tailFlags, file.uncompressed[i])
	}

	file.sizes[blk] = int64(len(payload))
	file.uncompressed[blk] = uncompressed

	writeOff := file.blockOffset(blk)
	if _, err := c.child.Pwrite(ctx, childFD, payload, writeOff); err != nil {
		return err
	}
	writeOff += int64(len(payload))
	for i, raw := range tailBlocks {
		file.sizes[blk+1+i] = int64(len(raw))
		file.uncompressed[blk+1+i] = tailFlags[i]
		if _, err := c.child.Pwrite(ctx, childFD, raw, writeOff); err != nil {
			return err
		}
		writeOff += int64(len(raw))
	}
	return nil
}

func (c *Compression) Ftruncate(ctx context.Context, fd layer.Descriptor, length int64) error {
	fs, file, ok := c.lookup(fd)
	if !ok {
		return layer.ErrInvalidDescriptor
	}

	file.mu.Lock()
	defer file.mu.Unlock()

	if length < file.logicalEOF {
		newLastBlock := int(length / c.blockSize)
		if length%c.blockSize != 0 {
			newLastBlock++
		}
		if newLastBlock < len(file.sizes) {
			file.sizes = file.sizes[:newLastBlock]
			file.uncompressed = file.uncompressed[:newLastBlock]
		}
	}
	file.logicalEOF = length
	return c.writeFooter(ctx, fs.child, file)
}

func (c *Compression) Fstat(ctx context.Context, fd layer.Descriptor) (layer.Stat, error) {
	fs, file, ok := c.lookup(fd)
	if !ok {
		return layer.Stat{}, layer.ErrInvalidDescriptor
	}
	st, err := c.child.Fstat(ctx, fs.child)
	if err != nil {
		return layer.Stat{}, err
	}
	file.mu.Lock()
	st.Size = file.logicalEOF
	file.mu.Unlock()
	return st, nil
}

func (c *Compression) Lstat(ctx context.Context, path string) (layer.Stat, error) {
	return c.child.Lstat(ctx, path)
}

func (c *Compression) Unlink(ctx context.Context, path string) error {
	return c.child.Unlink(ctx, path)
}
