// Package antitamper implements the Anti-Tampering layer in its two
// modes: file mode (whole-file hash, verified on open and recomputed
// on close) and block mode (per-block hash, checked on every read and
// updated on every write). Both modes share the descriptor-mapping and
// path-keyed locking scaffolding described in §4.6.
package antitamper

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/scttfrdmn/layerfs/internal/hasher"
	"github.com/scttfrdmn/layerfs/internal/layer"
	"github.com/scttfrdmn/layerfs/internal/locktable"
	"github.com/scttfrdmn/layerfs/pkg/utils"
)

// Mode selects whole-file or per-block hashing.
type Mode string

const (
	FileMode  Mode = "file"
	BlockMode Mode = "block"
)

func init() {
	layer.Default().Register("anti_tampering", func(deps layer.BuildDeps) (layer.Layer, error) {
		data, ok := deps.Named["data_layer"]
		if !ok {
			return nil, fmt.Errorf("anti_tampering: missing required option %q", "data_layer")
		}
		hashChild, ok := deps.Named["hash_layer"]
		if !ok {
			return nil, fmt.Errorf("anti_tampering: missing required option %q", "hash_layer")
		}
		storage, _ := deps.Options["hashes_storage"].(string)
		algName, _ := deps.Options["algorithm"].(string)
		modeName, _ := deps.Options["mode"].(string)
		blockSize, _ := deps.Options["block_size"].(int)

		alg := hasher.SHA256
		if algName == "sha512" {
			alg = hasher.SHA512
		}
		h, err := hasher.New(alg)
		if err != nil {
			return nil, err
		}
		mode := FileMode
		if modeName == "block" {
			mode = BlockMode
		}
		return New(data, hashChild, storage, h, mode, blockSize)
	})
}

// fdState is the Anti-Tampering FD mapping entry (§3): data-child
// descriptor, owned copies of the data path and derived hash path.
type fdState struct {
	data     layer.Descriptor
	dataPath string
	hashPath string
}

// AntiTamper wraps a data child and a hash-storage child, enforcing
// integrity verification according to Mode.
type AntiTamper struct {
	data    layer.Layer
	hash    layer.Layer
	storage string
	h       hasher.Hasher
	mode    Mode
	blockSize int64

	locks  *locktable.Table
	fds    *layer.FDTable[*fdState]
	logger *utils.Logger
}

// New constructs an Anti-Tampering layer. blockSize is required (and
// must be positive) for BlockMode; it is ignored in FileMode.
func New(data, hash layer.Layer, hashesStorage string, h hasher.Hasher, mode Mode, blockSize int) (*AntiTamper, error) {
	if mode == BlockMode && blockSize <= 0 {
		return nil, fmt.Errorf("antitamper: block_size must be positive in block mode, got %d", blockSize)
	}
	return &AntiTamper{
		data:      data,
		hash:      hash,
		storage:   hashesStorage,
		h:         h,
		mode:      mode,
		blockSize: int64(blockSize),
		locks:     locktable.New(),
		fds:       layer.NewFDTable[*fdState](),
		logger:    utils.NewLogger(utils.WARN, os.Stderr),
	}, nil
}

func (a *AntiTamper) Children() []layer.Layer { return []layer.Layer{a.data, a.hash} }

// hashPathFor derives the hash artifact's path: hashes_storage +
// "/" + hex(hash_of(data_path)) + ".hash" — a deterministic flat
// namespace independent of the data child's directory structure.
func (a *AntiTamper) hashPathFor(dataPath string) string {
	digest := a.h.Sum([]byte(dataPath))
	return a.storage + "/" + digest + ".hash"
}

func (a *AntiTamper) Open(ctx context.Context, path string, flags layer.OpenFlags, mode os.FileMode) (layer.Descriptor, error) {
	dataFD, err := a.data.Open(ctx, path, flags, mode)
	if err != nil {
		return layer.InvalidDescriptor, err
	}
	hashPath := a.hashPathFor(path)

	if a.mode == FileMode {
		a.verifyFileOnOpen(ctx, path, hashPath)
	} else {
		// Block mode: ensure the hash file exists (zero length if new);
		// verification happens per-block at read time.
		if hfd, err := a.hash.Open(ctx, hashPath, layer.O_RDWR|layer.O_CREATE, 0o644); err == nil {
			a.hash.Close(ctx, hfd)
		}
	}

	fd := a.fds.Insert(&fdState{data: dataFD, dataPath: path, hashPath: hashPath})
	return fd, nil
}

// verifyFileOnOpen streams the data file through the hasher and
// compares it against the stored whole-file hash, if any. Mismatches
// are logged, never fatal to the open (§4.6: "non-fatal").
func (a *AntiTamper) verifyFileOnOpen(ctx context.Context, dataPath, hashPath string) {
	hfd, err := a.hash.Open(ctx, hashPath, layer.O_RDONLY, 0o644)
	if err != nil {
		return // no prior hash recorded; nothing to verify against
	}
	defer a.hash.Close(ctx, hfd)

	storedHash := make([]byte, a.h.HexWidth())
	n, err := a.hash.Pread(ctx, hfd, storedHash, 0)
	if err != nil || n != len(storedHash) {
		return
	}

	vfd, err := a.data.Open(ctx, dataPath, layer.O_RDONLY, 0)
	if err != nil {
		return
	}
	defer a.data.Close(ctx, vfd)

	a.locks.AcquireRead(dataPath)
	defer a.locks.ReleaseRead(dataPath)

	st, err := a.data.Fstat(ctx, vfd)
	if err != nil {
		return
	}
	actual, err := a.h.SumReader(&descReader{ctx: ctx, l: a.data, fd: vfd})
	if err != nil {
		return
	}
	if st.Size > 0 && actual != string(storedHash) {
		a.logger.Warn("antitamper: hash mismatch on open for %s: stored=%s actual=%s", dataPath, storedHash, actual)
	}
}

// descReader adapts a layer descriptor's Pread into an io.Reader for
// streaming hash computation.
type descReader struct {
	ctx    context.Context
	l      layer.Layer
	fd     layer.Descriptor
	offset int64
}

func (r *descReader) Read(p []byte) (int, error) {
	n, err := r.l.Pread(r.ctx, r.fd, p, r.offset)
	r.offset += int64(n)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (a *AntiTamper) Close(ctx context.Context, fd layer.Descriptor) error {
	fs, ok := a.fds.Remove(fd)
	if !ok {
		return layer.ErrInvalidDescriptor
	}

	if a.mode == FileMode {
		a.locks.AcquireWrite(fs.dataPath)
		a.rehashFile(ctx, fs.dataPath, fs.hashPath)
		a.locks.ReleaseWrite(fs.dataPath)
	}

	return a.data.Close(ctx, fs.data)
}

func (a *AntiTamper) rehashFile(ctx context.Context, dataPath, hashPath string) {
	vfd, err := a.data.Open(ctx, dataPath, layer.O_RDONLY, 0)
	if err != nil {
		return
	}
	digest, err := a.h.SumReader(&descReader{ctx: ctx, l: a.data, fd: vfd})
	a.data.Close(ctx, vfd)
	if err != nil {
		return
	}

	hfd, err := a.hash.Open(ctx, hashPath, layer.O_RDWR|layer.O_CREATE|layer.O_TRUNC, 0o644)
	if err != nil {
		a.logger.Warn("antitamper: failed to open hash file %s: %v", hashPath, err)
		return
	}
	defer a.hash.Close(ctx, hfd)
	if _, err := a.hash.Pwrite(ctx, hfd, []byte(digest), 0); err != nil {
		a.logger.Warn("antitamper: failed to write hash file %s: %v", hashPath, err)
	}
}

func (a *AntiTamper) Pread(ctx context.Context, fd layer.Descriptor, buf []byte, offset int64) (int, error) {
	fs, ok := a.fds.Get(fd)
	if !ok {
		return 0, layer.ErrInvalidDescriptor
	}

	a.locks.AcquireRead(fs.dataPath)
	defer a.locks.ReleaseRead(fs.dataPath)

	n, err := a.data.Pread(ctx, fs.data, buf, offset)
	if err != nil || a.mode != BlockMode || n == 0 {
		return n, err
	}
	a.verifyBlocks(ctx, fs.hashPath, buf[:n], offset)
	return n, err
}

func (a *AntiTamper) Pwrite(ctx context.Context, fd layer.Descriptor, buf []byte, offset int64) (int, error) {
	fs, ok := a.fds.Get(fd)
	if !ok {
		return 0, layer.ErrInvalidDescriptor
	}

	a.locks.AcquireWrite(fs.dataPath)
	defer a.locks.ReleaseWrite(fs.dataPath)

	n, err := a.data.Pwrite(ctx, fs.data, buf, offset)
	if err != nil || a.mode != BlockMode || n == 0 {
		return n, err
	}
	a.updateBlockHashes(ctx, fs.hashPath, buf[:n], offset)
	return n, err
}

// blockHashes computes the concatenated fixed-width hex hash of each
// block_size chunk of data (the final chunk may be partial).
func (a *AntiTamper) blockHashes(data []byte) []byte {
	out := make([]byte, 0, (len(data)/int(a.blockSize)+1)*a.h.HexWidth())
	for i := 0; i < len(data); i += int(a.blockSize) {
		end := i + int(a.blockSize)
		if end > len(data) {
			end = len(data)
		}
		out = append(out, []byte(a.h.Sum(data[i:end]))...)
	}
	return out
}

func (a *AntiTamper) updateBlockHashes(ctx context.Context, hashPath string, data []byte, offset int64) {
	firstBlock := offset / a.blockSize
	concat := a.blockHashes(data)

	hfd, err := a.hash.Open(ctx, hashPath, layer.O_RDWR|layer.O_CREATE, 0o644)
	if err != nil {
		a.logger.Warn("antitamper: failed to open hash file %s: %v", hashPath, err)
		return
	}
	defer a.hash.Close(ctx, hfd)
	if _, err := a.hash.Pwrite(ctx, hfd, concat, firstBlock*int64(a.h.HexWidth())); err != nil {
		a.logger.Warn("antitamper: failed to write block hashes to %s: %v", hashPath, err)
	}
}

func (a *AntiTamper) verifyBlocks(ctx context.Context, hashPath string, data []byte, offset int64) {
	firstBlock := offset / a.blockSize
	expected := a.blockHashes(data)

	hfd, err := a.hash.Open(ctx, hashPath, layer.O_RDONLY, 0o644)
	if err != nil {
		a.logger.Warn("antitamper: missing hash file %s for verification", hashPath)
		return
	}
	defer a.hash.Close(ctx, hfd)

	stored := make([]byte, len(expected))
	n, err := a.hash.Pread(ctx, hfd, stored, firstBlock*int64(a.h.HexWidth()))
	if err != nil {
		a.logger.Warn("antitamper: failed to read hash file %s: %v", hashPath, err)
		return
	}
	hw := a.h.HexWidth()
	for i := 0; i*hw+hw <= n; i++ {
		want := expected[i*hw : i*hw+hw]
		got := stored[i*hw : i*hw+hw]
		if !equalBytes(want, got) {
			a.logger.Warn("antitamper: block hash mismatch at block %d of %s", firstBlock+int64(i), hashPath)
		}
	}
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (a *AntiTamper) Ftruncate(ctx context.Context, fd layer.Descriptor, length int64) error {
	fs, ok := a.fds.Get(fd)
	if !ok {
		return layer.ErrInvalidDescriptor
	}
	a.locks.AcquireWrite(fs.dataPath)
	defer a.locks.ReleaseWrite(fs.dataPath)
	// Open-question §9.1: the hash file is not truncated to match;
	// stale trailing block hashes beyond the new block count are
	// harmless since they are never read past the current size.
	return a.data.Ftruncate(ctx, fs.data, length)
}

func (a *AntiTamper) Fstat(ctx context.Context, fd layer.Descriptor) (layer.Stat, error) {
	fs, ok := a.fds.Get(fd)
	if !ok {
		return layer.Stat{}, layer.ErrInvalidDescriptor
	}
	a.locks.AcquireRead(fs.dataPath)
	defer a.locks.ReleaseRead(fs.dataPath)
	return a.data.Fstat(ctx, fs.data)
}

func (a *AntiTamper) Lstat(ctx context.Context, path string) (layer.Stat, error) {
	a.locks.AcquireRead(path)
	defer a.locks.ReleaseRead(path)
	return a.data.Lstat(ctx, path)
}

func (a *AntiTamper) Unlink(ctx context.Context, path string) error {
	a.locks.AcquireWrite(path)
	defer a.locks.ReleaseWrite(path)

	if err := a.data.Unlink(ctx, path); err != nil {
		return err
	}
	hashPath := a.hashPathFor(path)
	a.hash.Unlink(ctx, hashPath)
	return nil
}
