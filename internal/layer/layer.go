// Package layer defines the uniform operation contract every layer in the
// stack honors, and the primitives used to compose layers into a tree.
package layer

import (
	"context"
	"os"
	"time"

	objerrors "github.com/scttfrdmn/layerfs/pkg/errors"
)

// Descriptor is the externally visible handle returned by a layer's Open.
// It is valid only within the issuing layer's own handle space; layers
// never forge descriptors belonging to a different layer.
type Descriptor int64

// InvalidDescriptor is returned on failed opens.
const InvalidDescriptor Descriptor = -1

// OpenFlags mirrors the POSIX open(2) flag bits this stack recognizes.
type OpenFlags int

const (
	O_RDONLY OpenFlags = 1 << iota
	O_WRONLY
	O_RDWR
	O_CREATE
	O_TRUNC
	O_APPEND
)

func (f OpenFlags) Has(bit OpenFlags) bool { return f&bit != 0 }

// Stat is the metadata a layer reports for a path or open descriptor.
// It deliberately mirrors only the fields the operation set in §3 of the
// specification needs; it is not a full os.FileInfo replacement.
type Stat struct {
	Size    int64
	Mode    os.FileMode
	ModTime time.Time
	IsDir   bool

	// Dev and Ino identify the underlying file independent of path, used
	// by layers (e.g. Sparse-Block Compression, §4.3) that key per-file
	// state so it survives rename. Zero on backends that have no native
	// notion of device/inode (e.g. the S3 terminal).
	Dev uint64
	Ino uint64
}

// Layer is the uniform capability table every layer in the stack exposes.
// A parent layer holds an owned reference to each child and forwards calls
// through this interface, never reaching into a child's internal state.
type Layer interface {
	Open(ctx context.Context, path string, flags OpenFlags, mode os.FileMode) (Descriptor, error)
	Close(ctx context.Context, fd Descriptor) error
	Pread(ctx context.Context, fd Descriptor, buf []byte, offset int64) (int, error)
	Pwrite(ctx context.Context, fd Descriptor, buf []byte, offset int64) (int, error)
	Ftruncate(ctx context.Context, fd Descriptor, length int64) error
	Fstat(ctx context.Context, fd Descriptor) (Stat, error)
	Lstat(ctx context.Context, path string) (Stat, error)
	Unlink(ctx context.Context, path string) error

	// Children returns this layer's owned child layers, in construction
	// order. Terminal layers return nil. Used by the demultiplexer sizing
	// summary and by diagnostics; never used to bypass the capability
	// table.
	Children() []Layer
}

// Common sentinel errors layers return through the uniform operation set.
// Contracts map these onto pkg/errors codes so callers can branch on
// either the sentinel or the structured error.
var (
	ErrInvalidDescriptor = objerrors.NewError(objerrors.ErrCodeInvalidDescriptor, "descriptor not open in this layer")
	ErrNotExist          = objerrors.NewError(objerrors.ErrCodeFileNotFound, "path does not exist")
	ErrExist             = objerrors.NewError(objerrors.ErrCodeDirectoryExists, "path already exists")
	ErrPermission        = objerrors.NewError(objerrors.ErrCodePermissionDenied, "permission denied")
	ErrShortWrite        = objerrors.NewError(objerrors.ErrCodeShortWrite, "short write to child layer")
)

// contextKey namespaces values carried in the application context slot
// that travels unchanged with every call (§3: "application context").
type contextKey string

const applicationContextKey contextKey = "objectfs.application_context"

// WithApplicationContext attaches an opaque caller-supplied value that
// layers read, but never retain past the call, and never mutate.
func WithApplicationContext(ctx context.Context, v interface{}) context.Context {
	return context.WithValue(ctx, applicationContextKey, v)
}

// ApplicationContext retrieves the value set by WithApplicationContext.
func ApplicationContext(ctx context.Context) (interface{}, bool) {
	v := ctx.Value(applicationContextKey)
	return v, v != nil
}

// DescendantCount reports the total number of descendant layers rooted at
// l, used by the demultiplexer for sizing its child FD vectors.
func DescendantCount(l Layer) int {
	count := 0
	for _, c := range l.Children() {
		count += 1 + DescendantCount(c)
	}
	return count
}
