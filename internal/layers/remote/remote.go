// Package remote implements the remote terminal layer: a blocking
// loopback socket stub included for interface completeness. Per §9 of the
// specification this is a placeholder, not a production remote protocol
// — a production reimplementation would replace the request/response
// plumbing here with a real wire protocol, not extend it in place.
package remote

import (
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/scttfrdmn/layerfs/internal/circuit"
	"github.com/scttfrdmn/layerfs/internal/layer"
	"github.com/scttfrdmn/layerfs/pkg/errors"
	"github.com/scttfrdmn/layerfs/pkg/retry"
)

func init() {
	layer.Default().Register("remote", func(deps layer.BuildDeps) (layer.Layer, error) {
		addr, _ := deps.Options["address"].(string)
		if addr == "" {
			addr = "127.0.0.1:0"
		}
		return New(addr)
	})
}

// request is the fixed-shape struct sent to the loopback stub server for
// every operation.
type request struct {
	Op     string
	Path   string
	Fd     int64
	Buf    []byte
	Offset int64
	Length int64
	Flags  int
	Mode   uint32
}

type response struct {
	N     int
	Fd    int64
	Buf   []byte
	Stat  layer.Stat
	ErrStr string
}

// Remote is a terminal layer that proxies every operation to a blocking
// loopback server implementing the local filesystem underneath. It has no
// children.
type Remote struct {
	addr     string
	listener net.Listener

	// serverFiles is the loopback server's own descriptor table; entirely
	// separate from any handle space a client of Remote might maintain.
	serverFiles *layer.FDTable[*os.File]

	breaker *circuit.CircuitBreaker
	retryer *retry.Retryer

	mu sync.Mutex
}

// New starts a loopback listener whose server half serves requests
// directly from the host filesystem, and returns a Remote client bound to it. Retrieval/startup failure aborts
// construction, consistent with the rest of the stack's fail-fast
// construction-time errors.
func New(addr string) (*Remote, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("remote: listen %s: %w", addr, err)
	}
	r := &Remote{
		addr:        ln.Addr().String(),
		listener:    ln,
		serverFiles: layer.NewFDTable[*os.File](),
		breaker:     circuit.NewCircuitBreaker("remote:"+ln.Addr().String(), circuit.Config{}),
		retryer:     retry.New(retry.DefaultConfig()),
	}
	go r.serve()
	return r, nil
}

// guard runs a round trip through the circuit breaker and, inside it,
// through exponential-backoff retry, mirroring the s3layer terminal's
// guard. Dial/encode/decode failures are treated as transient; an
// ErrStr returned by the stub server itself (e.g. an invalid descriptor)
// is an application error, not a network error, and is never retried.
func (r *Remote) guard(ctx context.Context, fn func() (response, error)) (response, error) {
	var resp response
	err := r.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		return r.retryer.DoWithContext(ctx, func(context.Context) error {
			var err error
			resp, err = fn()
			if err == nil {
				return nil
			}
			if _, ok := err.(*dialError); ok {
				return errors.NewError(errors.ErrCodeNetworkError, err.Error()).WithCause(err)
			}
			return err
		})
	})
	return resp, err
}

// dialError wraps a failure to establish or use the connection, as
// opposed to an application-level error reported by the stub server.
type dialError struct{ err error }

func (d *dialError) Error() string { return d.err.Error() }
func (d *dialError) Unwrap() error { return d.err }

func (r *Remote) Children() []layer.Layer { return nil }

func (r *Remote) serve() {
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			return
		}
		go r.handleConn(conn)
	}
}

func (r *Remote) handleConn(conn net.Conn) {
	defer conn.Close()
	dec := gob.NewDecoder(conn)
	enc := gob.NewEncoder(conn)

	var req request
	if err := dec.Decode(&req); err != nil {
		return
	}

	resp := r.dispatch(req)
	_ = enc.Encode(resp)
}

// dispatch executes a decoded request against the local filesystem. The
// stub's own server half is itself just a thin wrapper over os, since the
// point of this layer is the round-trip, not a novel storage medium.
func (r *Remote) dispatch(req request) response {
	errResp := func(err error) response { return response{ErrStr: err.Error()} }

	switch req.Op {
	case "open":
		f, err := os.OpenFile(req.Path, req.Flags, os.FileMode(req.Mode))
		if err != nil {
			return errResp(err)
		}
		return response{Fd: int64(r.serverFiles.Insert(f))}
	case "close":
		f, ok := r.serverFiles.Remove(layer.Descriptor(req.Fd))
		if !ok {
			return errResp(layer.ErrInvalidDescriptor)
		}
		if err := f.Close(); err != nil {
			return errResp(err)
		}
		return response{}
	case "pread":
		f, ok := r.serverFiles.Get(layer.Descriptor(req.Fd))
		if !ok {
			return errResp(layer.ErrInvalidDescriptor)
		}
		buf := make([]byte, req.Length)
		n, err := f.ReadAt(buf, req.Offset)
		if err != nil && err != io.EOF {
			return errResp(err)
		}
		return response{N: n, Buf: buf[:n]}
	case "pwrite":
		f, ok := r.serverFiles.Get(layer.Descriptor(req.Fd))
		if !ok {
			return errResp(layer.ErrInvalidDescriptor)
		}
		n, err := f.WriteAt(req.Buf, req.Offset)
		if err != nil {
			return errResp(err)
		}
		return response{N: n}
	case "ftruncate":
		f, ok := r.serverFiles.Get(layer.Descriptor(req.Fd))
		if !ok {
			return errResp(layer.ErrInvalidDescriptor)
		}
		if err := f.Truncate(req.Length); err != nil {
			return errResp(err)
		}
		return response{}
	case "fstat":
		f, ok := r.serverFiles.Get(layer.Descriptor(req.Fd))
		if !ok {
			return errResp(layer.ErrInvalidDescriptor)
		}
		info, err := f.Stat()
		if err != nil {
			return errResp(err)
		}
		return response{Stat: layer.Stat{Size: info.Size(), Mode: info.Mode(), ModTime: info.ModTime(), IsDir: info.IsDir()}}
	case "lstat":
		info, err := os.Lstat(req.Path)
		if err != nil {
			return errResp(err)
		}
		return response{Stat: layer.Stat{Size: info.Size(), Mode: info.Mode(), ModTime: info.ModTime(), IsDir: info.IsDir()}}
	case "unlink":
		if err := os.Remove(req.Path); err != nil {
			return errResp(err)
		}
		return response{}
	default:
		return errResp(fmt.Errorf("remote: unknown op %q", req.Op))
	}
}

func (r *Remote) roundTrip(req request) (response, error) {
	return r.guard(context.Background(), func() (response, error) {
		conn, err := net.Dial("tcp", r.addr)
		if err != nil {
			return response{}, &dialError{fmt.Errorf("remote: dial: %w", err)}
		}
		defer conn.Close()

		enc := gob.NewEncoder(conn)
		dec := gob.NewDecoder(conn)
		if err := enc.Encode(req); err != nil {
			return response{}, &dialError{fmt.Errorf("remote: encode request: %w", err)}
		}
		var resp response
		if err := dec.Decode(&resp); err != nil {
			return response{}, &dialError{fmt.Errorf("remote: decode response: %w", err)}
		}
		if resp.ErrStr != "" {
			return response{}, fmt.Errorf("remote: %s", resp.ErrStr)
		}
		return resp, nil
	})
}

func (r *Remote) Open(ctx context.Context, path string, flags layer.OpenFlags, mode os.FileMode) (layer.Descriptor, error) {
	var osFlags int
	switch {
	case flags.Has(layer.O_RDONLY):
		osFlags |= os.O_RDONLY
	case flags.Has(layer.O_WRONLY):
		osFlags |= os.O_WRONLY
	case flags.Has(layer.O_RDWR):
		osFlags |= os.O_RDWR
	}
	if flags.Has(layer.O_CREATE) {
		osFlags |= os.O_CREATE
	}
	if flags.Has(layer.O_TRUNC) {
		osFlags |= os.O_TRUNC
	}
	resp, err := r.roundTrip(request{Op: "open", Path: path, Flags: osFlags, Mode: uint32(mode)})
	if err != nil {
		return layer.InvalidDescriptor, err
	}
	return layer.Descriptor(resp.Fd), nil
}

func (r *Remote) Close(ctx context.Context, fd layer.Descriptor) error {
	_, err := r.roundTrip(request{Op: "close", Fd: int64(fd)})
	return err
}

func (r *Remote) Pread(ctx context.Context, fd layer.Descriptor, buf []byte, offset int64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	resp, err := r.roundTrip(request{Op: "pread", Fd: int64(fd), Length: int64(len(buf)), Offset: offset})
	if err != nil {
		return 0, err
	}
	n := copy(buf, resp.Buf)
	return n, nil
}

func (r *Remote) Pwrite(ctx context.Context, fd layer.Descriptor, buf []byte, offset int64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	resp, err := r.roundTrip(request{Op: "pwrite", Fd: int64(fd), Buf: buf, Offset: offset})
	if err != nil {
		return 0, err
	}
	return resp.N, nil
}

func (r *Remote) Ftruncate(ctx context.Context, fd layer.Descriptor, length int64) error {
	_, err := r.roundTrip(request{Op: "ftruncate", Fd: int64(fd), Length: length})
	return err
}

func (r *Remote) Fstat(ctx context.Context, fd layer.Descriptor) (layer.Stat, error) {
	resp, err := r.roundTrip(request{Op: "fstat", Fd: int64(fd)})
	if err != nil {
		return layer.Stat{}, err
	}
	return resp.Stat, nil
}

func (r *Remote) Lstat(ctx context.Context, path string) (layer.Stat, error) {
	resp, err := r.roundTrip(request{Op: "lstat", Path: path})
	if err != nil {
		return layer.Stat{}, err
	}
	return resp.Stat, nil
}

func (r *Remote) Unlink(ctx context.Context, path string) error {
	_, err := r.roundTrip(request{Op: "unlink", Path: path})
	return err
}

// Shutdown stops accepting new connections. Not part of the Layer interface;
// callers that own the listener's lifecycle call this directly during
// shutdown.
func (r *Remote) Shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listener.Close()
}
