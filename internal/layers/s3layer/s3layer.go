// Package s3layer implements the s3_opendal terminal layer: an S3-backed
// object store presented through the uniform Layer operation set. S3 has
// no partial-write API, so each open descriptor buffers the object's full
// contents in memory, patched in place by Pwrite/Ftruncate, and flushed
// back with a single PutObject on Close (§4's terminal layer contract).
package s3layer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/scttfrdmn/layerfs/internal/circuit"
	"github.com/scttfrdmn/layerfs/internal/layer"
	objerrors "github.com/scttfrdmn/layerfs/pkg/errors"
	"github.com/scttfrdmn/layerfs/pkg/retry"
)

func init() {
	layer.Default().Register("s3_opendal", func(deps layer.BuildDeps) (layer.Layer, error) {
		endpoint, _ := deps.Options["endpoint"].(string)
		accessKeyID, _ := deps.Options["access_key_id"].(string)
		secretAccessKey, _ := deps.Options["secret_access_key"].(string)
		region, _ := deps.Options["region"].(string)
		bucket, _ := deps.Options["bucket"].(string)
		root, _ := deps.Options["root"].(string)
		if bucket == "" {
			return nil, fmt.Errorf("s3_opendal: missing required option %q", "bucket")
		}
		return New(context.Background(), Config{
			Endpoint:        endpoint,
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
			Region:          region,
			Bucket:          bucket,
			Root:            root,
		})
	})
}

// Config names the connection parameters documented for the s3_opendal
// layer type.
type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Bucket          string
	// Root prefixes every key, letting one bucket host multiple
	// independent trees.
	Root string
}

type objectState struct {
	key     string
	buf     []byte
	loaded  bool
	dirty   bool
	removed bool
}

// S3 is a terminal layer (no children) backed by an S3-compatible bucket.
// Every call against the bucket is gated by a circuit breaker and retried
// with backoff on transient failures.
type S3 struct {
	client  *s3.Client
	bucket  string
	root    string
	breaker *circuit.CircuitBreaker
	retryer *retry.Retryer

	mu  sync.Mutex
	fds *layer.FDTable[*objectState]
}

// New constructs an S3 terminal layer and verifies the bucket is reachable.
func New(ctx context.Context, cfg Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3layer: bucket cannot be empty")
	}

	var optFns []func(*config.LoadOptions) error
	if cfg.Region != "" {
		optFns = append(optFns, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("s3layer: loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3{
		client:  client,
		bucket:  cfg.Bucket,
		root:    strings.Trim(cfg.Root, "/"),
		breaker: circuit.NewCircuitBreaker("s3layer:"+cfg.Bucket, circuit.Config{}),
		retryer: retry.New(retry.DefaultConfig()),
		fds:     layer.NewFDTable[*objectState](),
	}, nil
}

// guard runs fn through the circuit breaker and, inside it, through
// exponential-backoff retry. classify controls which failures the
// retryer treats as transient: it must return an *errors.ObjectFSError
// with Retryable set for anything worth retrying, and the original err
// unchanged otherwise (e.g. a not-found, which retrying cannot fix).
func (s *S3) guard(ctx context.Context, classify func(error) error, fn func() error) error {
	return s.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		return s.retryer.DoWithContext(ctx, func(context.Context) error {
			if err := fn(); err != nil {
				return classify(err)
			}
			return nil
		})
	})
}

// classifyAWSErr marks anything that isn't a not-found response as a
// retryable network error; not-found responses are never retryable.
func classifyAWSErr(err error) error {
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return err
	}
	return objerrors.NewError(objerrors.ErrCodeNetworkError, err.Error()).WithCause(err)
}

func (s *S3) Children() []layer.Layer { return nil }

func (s *S3) keyFor(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	if s.root == "" {
		return trimmed
	}
	return s.root + "/" + trimmed
}

func (s *S3) Open(ctx context.Context, path string, flags layer.OpenFlags, mode os.FileMode) (layer.Descriptor, error) {
	key := s.keyFor(path)
	st := &objectState{key: key}

	data, err := s.getObject(ctx, key)
	switch {
	case err == nil:
		st.buf = data
		st.loaded = true
	case errors.Is(err, layer.ErrNotExist):
		if !flags.Has(layer.O_CREATE) {
			return layer.InvalidDescriptor, layer.ErrNotExist
		}
		st.loaded = true
		st.dirty = true // materialize an empty object so Fstat/Lstat see it immediately
	default:
		return layer.InvalidDescriptor, err
	}

	if flags.Has(layer.O_TRUNC) {
		st.buf = nil
		st.dirty = true
	}

	return s.fds.Insert(st), nil
}

func (s *S3) Close(ctx context.Context, fd layer.Descriptor) error {
	st, ok := s.fds.Remove(fd)
	if !ok {
		return layer.ErrInvalidDescriptor
	}
	if st.removed || !st.dirty {
		return nil
	}
	return s.putObject(ctx, st.key, st.buf)
}

func (s *S3) Pread(ctx context.Context, fd layer.Descriptor, buf []byte, offset int64) (int, error) {
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
	n := copy(buf, st.buf[offset:])
	return n, nil
}

func (s *S3) Pwrite(ctx context.Context, fd layer.Descriptor, buf []byte, offset int64) (int, error) {
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

func (s *S3) Ftruncate(ctx context.Context, fd layer.Descriptor, length int64) error {
	st, ok := s.fds.Get(fd)
	if !ok {
		return layer.ErrInvalidDescriptor
	}
	switch {
	case length <= int64(len(st.buf)):
		st.buf = st.buf[:length]
	default:
		grown := make([]byte, length)
		copy(grown, st.buf)
		st.buf = grown
	}
	st.dirty = true
	return nil
}

func (s *S3) Fstat(ctx context.Context, fd layer.Descriptor) (layer.Stat, error) {
	st, ok := s.fds.Get(fd)
	if !ok {
		return layer.Stat{}, layer.ErrInvalidDescriptor
	}
	return layer.Stat{Size: int64(len(st.buf)), Mode: 0o644, ModTime: time.Now()}, nil
}

func (s *S3) Lstat(ctx context.Context, path string) (layer.Stat, error) {
	key := s.keyFor(path)
	var out *s3.HeadObjectOutput
	err := s.guard(ctx, classifyAWSErr, func() error {
		var err error
		out, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		return err
	})
	if err != nil {
		return layer.Stat{}, translateError(err, key)
	}
	return layer.Stat{
		Size:    aws.ToInt64(out.ContentLength),
		Mode:    0o644,
		ModTime: aws.ToTime(out.LastModified),
	}, nil
}

func (s *S3) Unlink(ctx context.Context, path string) error {
	key := s.keyFor(path)
	err := s.guard(ctx, classifyAWSErr, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		return err
	})
	if err != nil {
		return translateError(err, key)
	}
	return nil
}

func (s *S3) getObject(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.guard(ctx, classifyAWSErr, func() error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		defer out.Body.Close()
		data, err = io.ReadAll(out.Body)
		return err
	})
	if err != nil {
		return nil, translateError(err, key)
	}
	return data, nil
}

func (s *S3) putObject(ctx context.Context, key string, data []byte) error {
	err := s.guard(ctx, classifyAWSErr, func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
		})
		return err
	})
	if err != nil {
		return translateError(err, key)
	}
	return nil
}

func translateError(err error, key string) error {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return layer.ErrNotExist
	}
	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return layer.ErrNotExist
	}
	return fmt.Errorf("s3layer: %s: %w", key, err)
}
