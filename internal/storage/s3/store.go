// Package s3 stores set snapshots in S3-compatible object storage through the
// MinIO client.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/encrypt"

	"pkt.systems/hlld/internal/storage"
)

// Config controls the behaviour of the S3 storage backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	ServerSideEnc  string
	KMSKeyID       string
	CustomCreds    *credentials.Credentials
	Transport      http.RoundTripper
}

// Store implements storage.Backend on an S3 bucket.
type Store struct {
	client *minio.Client
	bucket string
	keys   storage.Keyspace
	sse    encrypt.ServerSide
}

// New builds a Store. Credentials come from cfg.CustomCreds or, failing that,
// the AWS and MinIO environment, the shared credentials file and IAM.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	sse, err := serverSide(cfg.ServerSideEnc, cfg.KMSKeyID)
	if err != nil {
		return nil, err
	}
	opts := &minio.Options{
		Creds:     cfg.CustomCreds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if opts.Creds == nil {
		opts.Creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	if opts.Transport == nil {
		opts.Transport = storage.HTTPTransport(false)
	}
	if cfg.ForcePathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpointHost(cfg), opts)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		keys:   storage.NewKeyspace(cfg.Prefix),
		sse:    sse,
	}, nil
}

func endpointHost(cfg Config) string {
	switch {
	case cfg.Endpoint != "":
		return cfg.Endpoint
	case cfg.Region != "":
		return "s3." + cfg.Region + ".amazonaws.com"
	}
	return "s3.amazonaws.com"
}

func serverSide(mode, kmsKey string) (encrypt.ServerSide, error) {
	switch strings.ToUpper(mode) {
	case "":
		return nil, nil
	case "AES256":
		return encrypt.NewSSE(), nil
	case "AWS:KMS", "KMS":
		if kmsKey == "" {
			return nil, fmt.Errorf("s3: %s encryption requires a KMS key id", mode)
		}
		sse, err := encrypt.NewSSEKMS(kmsKey, nil)
		if err != nil {
			return nil, fmt.Errorf("s3: kms encryption: %w", err)
		}
		return sse, nil
	}
	return nil, fmt.Errorf("s3: unsupported server-side encryption %q", mode)
}

// Close is a no-op; the MinIO client holds no resources beyond its transport.
func (s *Store) Close() error { return nil }

// BucketExists reports whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return false, classify(err, "s3: bucket exists")
	}
	return ok, nil
}

// ListObjects enumerates snapshot objects in lexical order.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	listOpts := minio.ListObjectsOptions{
		Prefix:    s.keys.Scan(opts.Prefix),
		Recursive: true,
	}
	if opts.StartAfter != "" {
		listOpts.StartAfter = s.keys.Object(opts.StartAfter)
	}
	if opts.Limit > 0 {
		listOpts.MaxKeys = opts.Limit + 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	result := &storage.ListResult{}
	for obj := range s.client.ListObjects(ctx, s.bucket, listOpts) {
		if obj.Err != nil {
			return nil, classify(obj.Err, "s3: list objects")
		}
		key, ok := s.keys.Logical(obj.Key)
		if !ok {
			continue
		}
		if opts.Limit > 0 && len(result.Objects) == opts.Limit {
			result.Truncated = true
			break
		}
		result.Objects = append(result.Objects, storage.ObjectInfo{
			Key:          key,
			ETag:         storage.TrimETag(obj.ETag),
			Size:         obj.Size,
			LastModified: obj.LastModified,
			ContentType:  obj.ContentType,
		})
		result.NextStartAfter = key
	}
	return result, nil
}

// GetObject streams the snapshot stored at key.
func (s *Store) GetObject(ctx context.Context, key string) (io.ReadCloser, *storage.ObjectInfo, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.keys.Object(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, nil, classify(err, "s3: get object")
	}
	// GetObject is lazy; Stat issues the request and surfaces a missing key.
	st, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		if isNotFound(err) {
			return nil, nil, storage.ErrNotFound
		}
		return nil, nil, classify(err, "s3: stat object")
	}
	return &notFoundAwareObject{object: obj}, &storage.ObjectInfo{
		Key:          key,
		ETag:         storage.TrimETag(st.ETag),
		Size:         st.Size,
		LastModified: st.LastModified,
		ContentType:  st.ContentType,
	}, nil
}

// PutObject uploads body to key, replacing any previous snapshot.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	putOpts := minio.PutObjectOptions{
		ContentType:          storage.ContentTypeOr(opts.ContentType),
		ServerSideEncryption: s.sse,
	}
	up, err := s.client.PutObject(ctx, s.bucket, s.keys.Object(key), body, storage.ObjectLength(body), putOpts)
	if err != nil {
		return nil, classify(err, "s3: put object")
	}
	modified := up.LastModified
	if modified.IsZero() {
		modified = time.Now().UTC()
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         storage.TrimETag(up.ETag),
		Size:         up.Size,
		LastModified: modified,
		ContentType:  putOpts.ContentType,
	}, nil
}

// DeleteObject removes key. S3 deletes succeed for missing keys, so the key
// is stat'ed first unless opts.IgnoreNotFound is set.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	name := s.keys.Object(key)
	if !opts.IgnoreNotFound {
		if _, err := s.client.StatObject(ctx, s.bucket, name, minio.StatObjectOptions{}); err != nil {
			if isNotFound(err) {
				return storage.ErrNotFound
			}
			return classify(err, "s3: stat object")
		}
	}
	err := s.client.RemoveObject(ctx, s.bucket, name, minio.RemoveObjectOptions{})
	switch {
	case err == nil:
		return nil
	case isNotFound(err) && opts.IgnoreNotFound:
		return nil
	case isNotFound(err):
		return storage.ErrNotFound
	}
	return classify(err, "s3: delete object")
}

// notFoundAwareObject maps a 404 surfacing mid-read to storage.ErrNotFound.
type notFoundAwareObject struct {
	object io.ReadCloser
}

func (o *notFoundAwareObject) Read(p []byte) (int, error) {
	n, err := o.object.Read(p)
	if err != nil && isNotFound(err) {
		err = storage.ErrNotFound
	}
	return n, err
}

func (o *notFoundAwareObject) Close() error {
	return o.object.Close()
}

func isNotFound(err error) bool {
	var resp minio.ErrorResponse
	return errors.As(err, &resp) && resp.StatusCode == http.StatusNotFound
}

func isRetryable(err error) bool {
	if storage.IsTemporaryNetworkError(err) {
		return true
	}
	return err != nil && storage.RetryableStatus(minio.ToErrorResponse(err).StatusCode)
}

func classify(err error, op string) error {
	return storage.Classify(err, op, isRetryable)
}
