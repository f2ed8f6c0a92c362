// Package solanalayer implements the solana terminal layer: a
// blockchain-backed sink stub. open/pwrite stage data against an
// injected SolanaClient so the account/program RPC surface stays
// mockable in tests — real cluster account storage is out of this
// repository's testable surface, the same stance §9 takes on the
// remote layer.
package solanalayer

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/scttfrdmn/layerfs/internal/layer"
)

func init() {
	layer.Default().Register("solana", func(deps layer.BuildDeps) (layer.Layer, error) {
		rpcURL, _ := deps.Options["rpc_url"].(string)
		keypairPath, _ := deps.Options["keypair_path"].(string)
		if rpcURL == "" {
			return nil, fmt.Errorf("solana: missing required option %q", "rpc_url")
		}
		return New(NewRPCClient(rpcURL, keypairPath)), nil
	})
}

// SolanaClient is the narrow surface solanalayer needs from a cluster
// connection: store, fetch, drop, and size a path-keyed blob. A real
// implementation would map these onto account writes/reads signed with
// the keypair at keypair_path; this package only depends on the
// interface, so tests supply a fake.
type SolanaClient interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Stat(ctx context.Context, key string) (size int64, modTime time.Time, err error)
}

// rpcClient is the default SolanaClient: an in-memory stand-in that
// records what a real cluster round-trip would carry (rpcURL,
// keypairPath) without making one. Swap in a real client once a
// program account layout is chosen.
type rpcClient struct {
	rpcURL      string
	keypairPath string

	mu      sync.Mutex
	objects map[string][]byte
	stamps  map[string]time.Time
}

// NewRPCClient constructs the default (non-networked) SolanaClient.
func NewRPCClient(rpcURL, keypairPath string) SolanaClient {
	return &rpcClient{
		rpcURL:      rpcURL,
		keypairPath: keypairPath,
		objects:     make(map[string][]byte),
		stamps:      make(map[string]time.Time),
	}
}

func (c *rpcClient) Put(ctx context.Context, key string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.objects[key] = cp
	c.stamps[key] = time.Now()
	return nil
}

func (c *rpcClient) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.objects[key]
	if !ok {
		return nil, layer.ErrNotExist
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (c *rpcClient) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.objects[key]; !ok {
		return layer.ErrNotExist
	}
	delete(c.objects, key)
	delete(c.stamps, key)
	return nil
}

func (c *rpcClient) Stat(ctx context.Context, key string) (int64, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.objects[key]
	if !ok {
		return 0, time.Time{}, layer.ErrNotExist
	}
	return int64(len(data)), c.stamps[key], nil
}

type fdState struct {
	key   string
	buf   []byte
	dirty bool
}

// Solana is a terminal layer (no children) whose descriptors hold a
// whole-blob buffer staged for a single Put on Close, the same
// read-modify-write-on-close shape as s3layer — neither backend
// supports partial in-place writes.
type Solana struct {
	client SolanaClient
	fds    *layer.FDTable[*fdState]
}

// New wraps a SolanaClient in the Layer operation set.
func New(client SolanaClient) *Solana {
	return &Solana{client: client, fds: layer.NewFDTable[*fdState]()}
}

func (s *Solana) Children() []layer.Layer { return nil }

func (s *Solana) Open(ctx context.Context, path string, flags layer.OpenFlags, mode os.FileMode) (layer.Descriptor, error) {
	data, err := s.client.Get(ctx, path)
	switch {
	case err == nil:
		return s.fds.Insert(&fdState{key: path, buf: data}), nil
	case err == layer.ErrNotExist:
		if !flags.Has(layer.O_CREATE) {
			return layer.InvalidDescriptor, layer.ErrNotExist
		}
		return s.fds.Insert(&fdState{key: path, dirty: true}), nil
	default:
		return layer.InvalidDescriptor, err
	}
}

func (s *Solana) Close(ctx context.Context, fd layer.Descriptor) error {
	st, ok := s.fds.Remove(fd)
	if !ok {
		return layer.ErrInvalidDescriptor
	}
	if !st.dirty {
		return nil
	}
	return s.client.Put(ctx, st.key, st.buf)
}

func (s *Solana) Pread(ctx context.Context, fd layer.Descriptor, buf []byte, offset int64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	st, ok := s.fds.Get(fd)
	if !ok {
		return 0, layer.ErrInvalidDescriptor
	}
	if offset >= int64(len(st.buf)) {
		return 0, nil
	}
	return copy(buf, st.buf[offset:]), nil
}

func (s *Solana) Pwrite(ctx context.Context, fd layer.Descriptor, buf []byte, offset int64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	st, ok := s.fds.Get(fd)
	if !ok {
		return 0, layer.ErrInvalidDescriptor
	}
	end := offset + int64(len(buf))
	if end > int64(len(st.buf)) {
		grown := make([]byte, end)
		copy(grown, st.buf)
		st.buf = grown
	}
	copy(st.buf[offset:end], buf)
	st.dirty = true
	return len(buf), nil
}

func (s *Solana) Ftruncate(ctx context.Context, fd layer.Descriptor, length int64) error {
	st, ok := s.fds.Get(fd)
	if !ok {
		return layer.ErrInvalidDescriptor
	}
	if length <= int64(len(st.buf)) {
		st.buf = st.buf[:length]
	} else {
		grown := make([]byte, length)
		copy(grown, st.buf)
		st.buf = grown
	}
	st.dirty = true
	return nil
}

func (s *Solana) Fstat(ctx context.Context, fd layer.Descriptor) (layer.Stat, error) {
	st, ok := s.fds.Get(fd)
	if !ok {
		return layer.Stat{}, layer.ErrInvalidDescriptor
	}
	return layer.Stat{Size: int64(len(st.buf)), Mode: 0o644, ModTime: time.Now()}, nil
}

func (s *Solana) Lstat(ctx context.Context, path string) (layer.Stat, error) {
	size, modTime, err := s.client.Stat(ctx, path)
	if err != nil {
		return layer.Stat{}, err
	}
	return layer.Stat{Size: size, Mode: 0o644, ModTime: modTime}, nil
}

func (s *Solana) Unlink(ctx context.Context, path string) error {
	return s.client.Delete(ctx, path)
}
