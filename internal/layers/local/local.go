// Package local implements the local-filesystem terminal layer: the
// simplest backend in the stack, forwarding every operation directly to
// the OS via package os.
package local

import (
	"context"
	"io"
	"os"

	"github.com/scttfrdmn/layerfs/internal/layer"
)

func init() {
	layer.Default().Register("local", func(deps layer.BuildDeps) (layer.Layer, error) {
		return New(), nil
	})
}

// Local is a terminal layer backed by the host filesystem. It has no
// children. Its own descriptor space is independent of the OS file
// descriptor the underlying *os.File holds, per the spec's "layers never
// forge descriptors belonging to other layers".
type Local struct {
	fds *layer.FDTable[*os.File]
}

// New creates a Local terminal layer.
func New() *Local {
	return &Local{fds: layer.NewFDTable[*os.File]()}
}

func (l *Local) Children() []layer.Layer { return nil }

func toOSFlags(flags layer.OpenFlags) int {
	var f int
	switch {
	case flags.Has(layer.O_RDONLY):
		f |= os.O_RDONLY
	case flags.Has(layer.O_WRONLY):
		f |= os.O_WRONLY
	case flags.Has(layer.O_RDWR):
		f |= os.O_RDWR
	}
	if flags.Has(layer.O_CREATE) {
		f |= os.O_CREATE
	}
	if flags.Has(layer.O_TRUNC) {
		f |= os.O_TRUNC
	}
	if flags.Has(layer.O_APPEND) {
		f |= os.O_APPEND
	}
	return f
}

func (l *Local) Open(ctx context.Context, path string, flags layer.OpenFlags, mode os.FileMode) (layer.Descriptor, error) {
	f, err := os.OpenFile(path, toOSFlags(flags), mode)
	if err != nil {
		return layer.InvalidDescriptor, err
	}
	return l.fds.Insert(f), nil
}

func (l *Local) Close(ctx context.Context, fd layer.Descriptor) error {
	f, ok := l.fds.Remove(fd)
	if !ok {
		return layer.ErrInvalidDescriptor
	}
	return f.Close()
}

func (l *Local) Pread(ctx context.Context, fd layer.Descriptor, buf []byte, offset int64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	f, ok := l.fds.Get(fd)
	if !ok {
		return 0, layer.ErrInvalidDescriptor
	}
	n, err := f.ReadAt(buf, offset)
	if err == io.EOF {
		// Short reads at EOF are legal and carry no error (§4.2).
		return n, nil
	}
	return n, err
}

func (l *Local) Pwrite(ctx context.Context, fd layer.Descriptor, buf []byte, offset int64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	f, ok := l.fds.Get(fd)
	if !ok {
		return 0, layer.ErrInvalidDescriptor
	}
	return f.WriteAt(buf, offset)
}

func (l *Local) Ftruncate(ctx context.Context, fd layer.Descriptor, length int64) error {
	f, ok := l.fds.Get(fd)
	if !ok {
		return layer.ErrInvalidDescriptor
	}
	return f.Truncate(length)
}

func (l *Local) Fstat(ctx context.Context, fd layer.Descriptor) (layer.Stat, error) {
	f, ok := l.fds.Get(fd)
	if !ok {
		return layer.Stat{}, layer.ErrInvalidDescriptor
	}
	info, err := f.Stat()
	if err != nil {
		return layer.Stat{}, err
	}
	return statFromOS(info), nil
}

func (l *Local) Lstat(ctx context.Context, path string) (layer.Stat, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return layer.Stat{}, err
	}
	return statFromOS(info), nil
}

func (l *Local) Unlink(ctx context.Context, path string) error {
	return os.Remove(path)
}

func statFromOS(info os.FileInfo) layer.Stat {
	dev, ino := devIno(info)
	return layer.Stat{
		Size:    info.Size(),
		Mode:    info.Mode(),
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
		Dev:     dev,
		Ino:     ino,
	}
}
