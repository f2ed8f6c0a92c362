// Package encryption implements the Encryption layer: block-aligned
// AES-XTS over a terminal (or further-composed) child. It assumes its
// caller is a Block-Align layer that only ever issues full, aligned
// blocks (§4.8); it does not authenticate ciphertext — integrity is
// the anti-tampering layer's role.
package encryption

import (
	"context"
	"crypto/aes"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/scttfrdmn/layerfs/internal/layer"
	"golang.org/x/crypto/xts"
)

func init() {
	layer.Default().Register("encryption", func(deps layer.BuildDeps) (layer.Layer, error) {
		next, ok := deps.Named["next"]
		if !ok {
			return nil, fmt.Errorf("encryption: missing required option %q", "next")
		}
		blockSize, _ := deps.Options["block_size"].(int)

		if keyHex, ok := deps.Options["encryption_key"].(string); ok && keyHex != "" {
			key, err := hex.DecodeString(keyHex)
			if err != nil {
				return nil, fmt.Errorf("encryption: invalid hex key: %w", err)
			}
			return New(next, blockSize, key)
		}

		addr, _ := deps.Options["vault_addr"].(string)
		secretPath, _ := deps.Options["secret_path"].(string)
		apiKey, _ := deps.Options["api_key"].(string)
		key, err := fetchRemoteKey(addr, secretPath, apiKey)
		if err != nil {
			return nil, fmt.Errorf("encryption: remote key fetch failed: %w", err)
		}
		return New(next, blockSize, key)
	})
}

// fetchRemoteKey retrieves the XTS key once, out-of-band, from a remote
// key source over HTTP. Retrieval failure aborts layer construction
// (§4.8): there is no lazy retry on the I/O path.
func fetchRemoteKey(address, secretPath, apiKey string) ([]byte, error) {
	if address == "" {
		return nil, fmt.Errorf("no vault_addr configured and no inline key given")
	}
	url := address + secretPath
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("key source returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	key, err := hex.DecodeString(string(body))
	if err != nil {
		// Accept the response as already-raw key bytes if it isn't hex.
		return body, nil
	}
	return key, nil
}

// Encryption wraps child with block-aligned AES-XTS.
type Encryption struct {
	child     layer.Layer
	blockSize int64
	cipher    *xts.Cipher
}

// New constructs an Encryption layer. key must be a valid AES-XTS key
// (32 bytes for AES-128-XTS, 64 for AES-256-XTS).
func New(child layer.Layer, blockSize int, key []byte) (*Encryption, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("encryption: block_size must be positive, got %d", blockSize)
	}
	c, err := xts.NewCipher(aes.NewCipher, key)
	if err != nil {
		return nil, fmt.Errorf("encryption: xts cipher init: %w", err)
	}
	return &Encryption{child: child, blockSize: int64(blockSize), cipher: c}, nil
}

func (e *Encryption) Children() []layer.Layer { return []layer.Layer{e.child} }

func (e *Encryption) Open(ctx context.Context, path string, flags layer.OpenFlags, mode os.FileMode) (layer.Descriptor, error) {
	return e.child.Open(ctx, path, flags, mode)
}

func (e *Encryption) Close(ctx context.Context, fd layer.Descriptor) error {
	return e.child.Close(ctx, fd)
}

func (e *Encryption) Ftruncate(ctx context.Context, fd layer.Descriptor, length int64) error {
	return e.child.Ftruncate(ctx, fd, length)
}

func (e *Encryption) Fstat(ctx context.Context, fd layer.Descriptor) (layer.Stat, error) {
	return e.child.Fstat(ctx, fd)
}

func (e *Encryption) Lstat(ctx context.Context, path string) (layer.Stat, error) {
	return e.child.Lstat(ctx, path)
}

func (e *Encryption) Unlink(ctx context.Context, path string) error {
	return e.child.Unlink(ctx, path)
}

// sectorFor derives the XTS tweak (sector number) for the block at the
// given byte offset; one sector per logical block, consistent between
// encrypt and decrypt.
func (e *Encryption) sectorFor(offset int64) uint64 {
	return uint64(offset / e.blockSize)
}

func (e *Encryption) Pwrite(ctx context.Context, fd layer.Descriptor, in []byte, offset int64) (int, error) {
	if len(in) == 0 {
		return 0, nil
	}
	if offset%e.blockSize != 0 || int64(len(in))%e.blockSize != 0 {
		return 0, fmt.Errorf("encryption: write not block-aligned (offset=%d len=%d block_size=%d); place a block-align layer above", offset, len(in), e.blockSize)
	}

	cipherBuf := make([]byte, len(in))
	for i := int64(0); i < int64(len(in)); i += e.blockSize {
		plain := in[i : i+e.blockSize]
		sector := e.sectorFor(offset + i)
		e.cipher.Encrypt(cipherBuf[i:i+e.blockSize], plain, sector)
	}
	return e.child.Pwrite(ctx, fd, cipherBuf, offset)
}

func (e *Encryption) Pread(ctx context.Context, fd layer.Descriptor, out []byte, offset int64) (int, error) {
	if len(out) == 0 {
		return 0, nil
	}
	if offset%e.blockSize != 0 {
		return 0, fmt.Errorf("encryption: read not block-aligned (offset=%d block_size=%d); place a block-align layer above", offset, e.blockSize)
	}

	cipherBuf := make([]byte, len(out))
	n, err := e.child.Pread(ctx, fd, cipherBuf, offset)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	full := (n / int(e.blockSize)) * int(e.blockSize)
	for i := 0; i < full; i += int(e.blockSize) {
		sector := e.sectorFor(offset + int64(i))
		e.cipher.Decrypt(out[i:i+int(e.blockSize)], cipherBuf[i:i+int(e.blockSize)], sector)
	}
	if full < n {
		// A short trailing chunk (e.g. an unaligned truncate point):
		// zero-pad a scratch sector before decrypting so the cipher
		// always sees a full block, then report only the available
		// plaintext bytes back to the caller.
		scratch := make([]byte, e.blockSize)
		copy(scratch, cipherBuf[full:n])
		plain := make([]byte, e.blockSize)
		sector := e.sectorFor(offset + int64(full))
		e.cipher.Decrypt(plain, scratch, sector)
		copy(out[full:n], plain[:n-full])
	}
	return n, nil
}
