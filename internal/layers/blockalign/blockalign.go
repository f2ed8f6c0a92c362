// Package blockalign implements the Block-Align layer: it converts
// arbitrary (offset, len) I/O into block-aligned child I/O via
// read-modify-write, so every layer below it can assume full-sized,
// block-aligned requests except at EOF. A per-file logical-length
// mapping (keyed by device/inode, mirroring the Compression layer)
// tracks the true file size independent of the block-padded physical
// size the child stores, and is persisted as a trailing 8-byte footer
// so it survives reopen.
package blockalign

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/scttfrdmn/layerfs/internal/buffer"
	"github.com/scttfrdmn/layerfs/internal/layer"
)

func init() {
	layer.Default().Register("block_align", func(deps layer.BuildDeps) (layer.Layer, error) {
		next, ok := deps.Named["next"]
		if !ok {
			return nil, fmt.Errorf("block_align: missing required option %q", "next")
		}
		blockSize, _ := deps.Options["block_size"].(int)
		return New(next, blockSize)
	})
}

const footerLen = 8 // big-endian logicalEOF

type fileKey struct {
	dev, ino uint64
	path     string // fallback discriminator when dev/ino are unavailable
}

type fileState struct {
	mu         sync.Mutex
	logicalEOF int64
	refs       int
}

type fdState struct {
	child layer.Descriptor
	key   fileKey
}

// BlockAlign sits above a single child and guarantees that child only
// ever sees full, block-aligned pread/pwrite requests (except a final
// short read at EOF).
type BlockAlign struct {
	child     layer.Layer
	blockSize int64
	pool      *buffer.BytePool

	mu    sync.Mutex
	files map[fileKey]*fileState
	fds   *layer.FDTable[*fdState]
}

// New constructs a Block-Align layer over child with the given block
// size. Construction fails if blockSize is not positive (§4.2: "If
// block_size == 0, construction fails").
func New(child layer.Layer, blockSize int) (*BlockAlign, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("blockalign: block_size must be positive, got %d", blockSize)
	}
	return &BlockAlign{
		child:     child,
		blockSize: int64(blockSize),
		pool:      buffer.NewBytePool(),
		files:     make(map[fileKey]*fileState),
		fds:       layer.NewFDTable[*fdState](),
	}, nil
}

func (b *BlockAlign) Children() []layer.Layer { return []layer.Layer{b.child} }

// blockAlignUp rounds length up to the next multiple of blockSize.
func (b *BlockAlign) blockAlignUp(length int64) int64 {
	if length <= 0 {
		return 0
	}
	rem := length % b.blockSize
	if rem == 0 {
		return length
	}
	return length + (b.blockSize - rem)
}

func (b *BlockAlign) Open(ctx context.Context, path string, flags layer.OpenFlags, mode os.FileMode) (layer.Descriptor, error) {
	childFD, err := b.child.Open(ctx, path, flags, mode)
	if err != nil {
		return layer.InvalidDescriptor, err
	}
	st, err := b.child.Fstat(ctx, childFD)
	if err != nil {
		b.child.Close(ctx, childFD)
		return layer.InvalidDescriptor, err
	}
	key := fileKey{dev: st.Dev, ino: st.Ino}
	if key.dev == 0 && key.ino == 0 {
		key.path = path
	}

	b.mu.Lock()
	fs, ok := b.files[key]
	if !ok {
		fs = b.reconstructLocked(ctx, childFD, st.Size)
		b.files[key] = fs
	}
	fs.refs++
	b.mu.Unlock()

	fd := b.fds.Insert(&fdState{child: childFD, key: key})
	return fd, nil
}

// reconstructLocked recovers a file's logical length from its trailing
// footer when no in-process mapping exists yet. If the footer is
// absent or doesn't line up with a block boundary, the whole physical
// size is treated as logical (e.g. a file never touched by this layer).
// Called with b.mu held.
func (b *BlockAlign) reconstructLocked(ctx context.Context, childFD layer.Descriptor, physicalSize int64) *fileState {
	if physicalSize >= footerLen {
		footerOff := physicalSize - footerLen
		trailer := make([]byte, footerLen)
		if n, err := b.child.Pread(ctx, childFD, trailer, footerOff); err == nil && n == footerLen {
			candidate := int64(binary.BigEndian.Uint64(trailer))
			if candidate >= 0 && b.blockAlignUp(candidate) == footerOff {
				return &fileState{logicalEOF: candidate}
			}
		}
	}
	return &fileState{logicalEOF: physicalSize}
}

// writeFooter truncates the child to exactly the blocks needed for
// fs.logicalEOF and appends the 8-byte logical-length trailer after
// them. Called with fs.mu held.
func (b *BlockAlign) writeFooter(ctx context.Context, childFD layer.Descriptor, fs *fileState) error {
	dataEnd := b.blockAlignUp(fs.logicalEOF)
	if err := b.child.Ftruncate(ctx, childFD, dataEnd); err != nil {
		return err
	}
	trailer := make([]byte, footerLen)
	binary.BigEndian.PutUint64(trailer, uint64(fs.logicalEOF))
	_, err := b.child.Pwrite(ctx, childFD, trailer, dataEnd)
	return err
}

func (b *BlockAlign) lookup(fd layer.Descriptor) (*fdState, *fileState, bool) {
	fs, ok := b.fds.Get(fd)
	if !ok {
		return nil, nil, false
	}
	b.mu.Lock()
	file := b.files[fs.key]
	b.mu.Unlock()
	return fs, file, file != nil
}

func (b *BlockAlign) Close(ctx context.Context, fd layer.Descriptor) error {
	fs, ok := b.fds.Remove(fd)
	if !ok {
		return layer.ErrInvalidDescriptor
	}

	b.mu.Lock()
	file := b.files[fs.key]
	b.mu.Unlock()

	var ferr error
	if file != nil {
		file.mu.Lock()
		ferr = b.writeFooter(ctx, fs.child, file)
		file.mu.Unlock()

		b.mu.Lock()
		file.refs--
		if file.refs <= 0 {
			delete(b.files, fs.key)
		}
		b.mu.Unlock()
	}

	if err := b.child.Close(ctx, fs.child); err != nil {
		return err
	}
	return ferr
}

func (b *BlockAlign) Ftruncate(ctx context.Context, fd layer.Descriptor, length int64) error {
	fs, file, ok := b.lookup(fd)
	if !ok {
		return layer.ErrInvalidDescriptor
	}
	file.mu.Lock()
	defer file.mu.Unlock()
	file.logicalEOF = length
	return b.writeFooter(ctx, fs.child, file)
}

func (b *BlockAlign) Fstat(ctx context.Context, fd layer.Descriptor) (layer.Stat, error) {
	fs, file, ok := b.lookup(fd)
	if !ok {
		return layer.Stat{}, layer.ErrInvalidDescriptor
	}
	st, err := b.child.Fstat(ctx, fs.child)
	if err != nil {
		return layer.Stat{}, err
	}
	file.mu.Lock()
	st.Size = file.logicalEOF
	file.mu.Unlock()
	return st, nil
}

func (b *BlockAlign) Lstat(ctx context.Context, path string) (layer.Stat, error) {
	return b.child.Lstat(ctx, path)
}

func (b *BlockAlign) Unlink(ctx context.Context, path string) error {
	return b.child.Unlink(ctx, path)
}

// readBlock reads exactly one full block at blockIndex from the child,
// returning as many bytes as the child has (short at EOF).
func (b *BlockAlign) readBlock(ctx context.Context, fd layer.Descriptor, blockIndex int64) ([]byte, int, error) {
	buf := b.pool.GetBuffer(int(b.blockSize))
	n, err := b.child.Pread(ctx, fd, buf, blockIndex*b.blockSize)
	if err != nil {
		b.pool.PutBuffer(buf)
		return nil, 0, err
	}
	return buf, n, nil
}

// Pread implements the read algorithm of §4.2: read the covering block
// range from the child, then return the requested slice, clipped
// against the file's logical length rather than the child's
// block-padded physical size.
func (b *BlockAlign) Pread(ctx context.Context, fd layer.Descriptor, out []byte, offset int64) (int, error) {
	if len(out) == 0 {
		return 0, nil
	}
	fs, file, ok := b.lookup(fd)
	if !ok {
		return 0, layer.ErrInvalidDescriptor
	}

	file.mu.Lock()
	logicalEOF := file.logicalEOF
	file.mu.Unlock()

	if offset >= logicalEOF {
		return 0, nil
	}
	want := int64(len(out))
	if offset+want > logicalEOF {
		want = logicalEOF - offset
	}

	first := offset / b.blockSize
	last := (offset + want - 1) / b.blockSize

	total := 0
	for blk := first; blk <= last; blk++ {
		buf, n, err := b.readBlock(ctx, fs.child, blk)
		if err != nil {
			return total, err
		}

		blockStart := blk * b.blockSize
		// Intersection of [blockStart, blockStart+n) and [offset, offset+want)
		srcLo := int64(0)
		if offset > blockStart {
			srcLo = offset - blockStart
		}
		srcHi := int64(n)
		if offset+want < blockStart+int64(n) {
			srcHi = offset + want - blockStart
		}

		if srcHi > srcLo {
			dstOffset := blockStart + srcLo - offset
			n2 := copy(out[dstOffset:dstOffset+(srcHi-srcLo)], buf[srcLo:srcHi])
			total += n2
		}
		short := int64(n) < b.blockSize
		b.pool.PutBuffer(buf[:cap(buf)])

		if short {
			// Child returned a short block: end of file.
			break
		}
	}
	return total, nil
}

func (b *BlockAlign) Pwrite(ctx context.Context, fd layer.Descriptor, in []byte, offset int64) (int, error) {
	if len(in) == 0 {
		return 0, nil
	}
	fs, file, ok := b.lookup(fd)
	if !ok {
		return 0, layer.ErrInvalidDescriptor
	}

	first := offset / b.blockSize
	last := (offset + int64(len(in)) - 1) / b.blockSize

	written := 0
	for blk := first; blk <= last; blk++ {
		blockStart := blk * b.blockSize

		startsAligned := blk != first || offset == blockStart
		endsAligned := blk != last || (offset+int64(len(in)))%b.blockSize == 0

		if startsAligned && endsAligned {
			// Full interior block: write directly, no read.
			srcLo := blockStart - offset
			srcHi := srcLo + b.blockSize
			if srcLo < 0 {
				srcLo = 0
			}
			if srcHi > int64(len(in)) {
				srcHi = int64(len(in))
			}
			n, err := b.child.Pwrite(ctx, fs.child, in[srcLo:srcHi], blockStart)
			if err != nil {
				return written, err
			}
			written += n
			continue
		}

		// Partial block: read-modify-write. The child always receives
		// a full, zero-padded block for alignment below this layer;
		// the file's tracked logical length (not the child's padded
		// physical size) is what Fstat/Pread report.
		block := b.pool.GetBuffer(int(b.blockSize))
		n, err := b.child.Pread(ctx, fs.child, block, blockStart)
		if err != nil {
			b.pool.PutBuffer(block)
			return written, err
		}
		if n < int(b.blockSize) {
			// Zero-fill the hole past current EOF before patching.
			for i := n; i < int(b.blockSize); i++ {
				block[i] = 0
			}
		}

		patchLo := int64(0)
		if offset > blockStart {
			patchLo = offset - blockStart
		}
		patchHi := b.blockSize
		if offset+int64(len(in)) < blockStart+b.blockSize {
			patchHi = offset + int64(len(in)) - blockStart
		}
		srcLo := blockStart + patchLo - offset

		copy(block[patchLo:patchHi], in[srcLo:srcLo+(patchHi-patchLo)])

		wn, err := b.child.Pwrite(ctx, fs.child, block, blockStart)
		b.pool.PutBuffer(block)
		if err != nil {
			return written, err
		}
		if wn < int(b.blockSize) {
			return written, layer.ErrShortWrite
		}
		written += int(patchHi - patchLo)
	}

	file.mu.Lock()
	if end := offset + int64(len(in)); end > file.logicalEOF {
		file.logicalEOF = end
	}
	ferr := b.writeFooter(ctx, fs.child, file)
	file.mu.Unlock()
	if ferr != nil {
		return written, ferr
	}
	return written, nil
}
