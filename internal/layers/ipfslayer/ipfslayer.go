// Package ipfslayer implements the ipfs_opendal terminal layer: files
// stored in an IPFS node's Mutable File System (MFS), addressed by path
// rather than content hash, through the node's HTTP API (§9's external,
// out-of-process backend class — just another registry entry, same as
// any other terminal).
package ipfslayer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/scttfrdmn/layerfs/internal/layer"
)

func init() {
	layer.Default().Register("ipfs_opendal", func(deps layer.BuildDeps) (layer.Layer, error) {
		apiEndpoint, _ := deps.Options["api_endpoint"].(string)
		root, _ := deps.Options["root"].(string)
		if apiEndpoint == "" {
			return nil, fmt.Errorf("ipfs_opendal: missing required option %q", "api_endpoint")
		}
		return New(apiEndpoint, root), nil
	})
}

type fdState struct {
	path string
}

// IPFS is a terminal layer backed by an IPFS node's MFS API. It has no
// children.
type IPFS struct {
	apiEndpoint string
	root        string
	client      *http.Client
	fds         *layer.FDTable[*fdState]
}

// New constructs an IPFS terminal layer talking to the Kubo HTTP API at
// apiEndpoint (e.g. "http://127.0.0.1:5001"). root prefixes every MFS
// path, letting one node host multiple independent trees.
func New(apiEndpoint, root string) *IPFS {
	return &IPFS{
		apiEndpoint: strings.TrimRight(apiEndpoint, "/"),
		root:        "/" + strings.Trim(root, "/"),
		client:      &http.Client{Timeout: 30 * time.Second},
		fds:         layer.NewFDTable[*fdState](),
	}
}

func (i *IPFS) Children() []layer.Layer { return nil }

func (i *IPFS) mfsPath(path string) string {
	p := i.root + "/" + strings.TrimPrefix(path, "/")
	return strings.ReplaceAll(p, "//", "/")
}

func (i *IPFS) apiURL(call string, params url.Values) string {
	return fmt.Sprintf("%s/api/v0/files/%s?%s", i.apiEndpoint, call, params.Encode())
}

func (i *IPFS) Open(ctx context.Context, path string, flags layer.OpenFlags, mode os.FileMode) (layer.Descriptor, error) {
	mp := i.mfsPath(path)
	_, statErr := i.stat(ctx, mp)
	switch {
	case statErr == nil:
		if flags.Has(layer.O_TRUNC) {
			if err := i.writeAt(ctx, mp, nil, 0, true, true); err != nil {
				return layer.InvalidDescriptor, err
			}
		}
	case statErr == layer.ErrNotExist:
		if !flags.Has(layer.O_CREATE) {
			return layer.InvalidDescriptor, layer.ErrNotExist
		}
		if err := i.writeAt(ctx, mp, nil, 0, true, true); err != nil {
			return layer.InvalidDescriptor, err
		}
	default:
		return layer.InvalidDescriptor, statErr
	}
	return i.fds.Insert(&fdState{path: mp}), nil
}

func (i *IPFS) Close(ctx context.Context, fd layer.Descriptor) error {
	if _, ok := i.fds.Remove(fd); !ok {
		return layer.ErrInvalidDescriptor
	}
	return nil
}

func (i *IPFS) Pread(ctx context.Context, fd layer.Descriptor, buf []byte, offset int64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	st, ok := i.fds.Get(fd)
	if !ok {
		return 0, layer.ErrInvalidDescriptor
	}
	params := url.Values{}
	params.Set("arg", st.path)
	params.Set("offset", strconv.FormatInt(offset, 10))
	params.Set("count", strconv.Itoa(len(buf)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.apiURL("read", params), nil)
	if err != nil {
		return 0, err
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("ipfslayer: read: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, apiError(resp)
	}
	n, err := io.ReadFull(resp.Body, buf)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return n, nil // short read at EOF is not an error (§4.2)
	}
	return n, err
}

func (i *IPFS) Pwrite(ctx context.Context, fd layer.Descriptor, buf []byte, offset int64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	st, ok := i.fds.Get(fd)
	if !ok {
		return 0, layer.ErrInvalidDescriptor
	}
	if err := i.writeAt(ctx, st.path, buf, offset, true, false); err != nil {
		return 0, err
	}
	return len(buf), nil
}

// writeAt issues a files/write call. create allocates the file if
// absent; truncate drops any bytes beyond what this call writes.
func (i *IPFS) writeAt(ctx context.Context, mfsPath string, data []byte, offset int64, create, truncate bool) error {
	params := url.Values{}
	params.Set("arg", mfsPath)
	params.Set("offset", strconv.FormatInt(offset, 10))
	params.Set("create", strconv.FormatBool(create))
	params.Set("parents", "true")
	if truncate {
		params.Set("truncate", "true")
	}

	var body strings.Builder
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("data", "data")
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.apiURL("write", params), strings.NewReader(body.String()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := i.client.Do(req)
	if err != nil {
		return fmt.Errorf("ipfslayer: write: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return nil
}

// Ftruncate shrinks by reading the surviving prefix and rewriting it
// with truncate=true; MFS write's own truncate flag only drops bytes
// past what a given call writes, so shrinking without writing new data
// needs this read-then-rewrite. Growth just needs a truncating write
// of the right length.
func (i *IPFS) Ftruncate(ctx context.Context, fd layer.Descriptor, length int64) error {
	st, ok := i.fds.Get(fd)
	if !ok {
		return layer.ErrInvalidDescriptor
	}
	info, err := i.stat(ctx, st.path)
	if err != nil {
		return err
	}
	if length >= info.Size {
		pad := make([]byte, length-info.Size)
		return i.writeAt(ctx, st.path, pad, info.Size, true, true)
	}
	buf := make([]byte, length)
	if length > 0 {
		params := url.Values{}
		params.Set("arg", st.path)
		params.Set("offset", "0")
		params.Set("count", strconv.FormatInt(length, 10))
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.apiURL("read", params), nil)
		if err != nil {
			return err
		}
		resp, err := i.client.Do(req)
		if err != nil {
			return fmt.Errorf("ipfslayer: read for truncate: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return apiError(resp)
		}
		if _, err := io.ReadFull(resp.Body, buf); err != nil && err != io.ErrUnexpectedEOF {
			return err
		}
	}
	return i.writeAt(ctx, st.path, buf, 0, true, true)
}

func (i *IPFS) Fstat(ctx context.Context, fd layer.Descriptor) (layer.Stat, error) {
	st, ok := i.fds.Get(fd)
	if !ok {
		return layer.Stat{}, layer.ErrInvalidDescriptor
	}
	return i.stat(ctx, st.path)
}

func (i *IPFS) Lstat(ctx context.Context, path string) (layer.Stat, error) {
	return i.stat(ctx, i.mfsPath(path))
}

type mfsStatResponse struct {
	Size uint64 `json:"Size"`
	Type string `json:"Type"`
}

func (i *IPFS) stat(ctx context.Context, mfsPath string) (layer.Stat, error) {
	params := url.Values{}
	params.Set("arg", mfsPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.apiURL("stat", params), nil)
	if err != nil {
		return layer.Stat{}, err
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return layer.Stat{}, fmt.Errorf("ipfslayer: stat: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return layer.Stat{}, layer.ErrNotExist
	}
	if resp.StatusCode != http.StatusOK {
		return layer.Stat{}, apiError(resp)
	}
	var out mfsStatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return layer.Stat{}, fmt.Errorf("ipfslayer: decode stat: %w", err)
	}
	return layer.Stat{Size: int64(out.Size), Mode: 0o644, ModTime: time.Now(), IsDir: out.Type == "directory"}, nil
}

func (i *IPFS) Unlink(ctx context.Context, path string) error {
	params := url.Values{}
	params.Set("arg", i.mfsPath(path))
	params.Set("force", "true")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.apiURL("rm", params), nil)
	if err != nil {
		return err
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return fmt.Errorf("ipfslayer: rm: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return layer.ErrNotExist
	}
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return nil
}

func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("ipfslayer: api returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
