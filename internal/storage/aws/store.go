// Package aws stores set snapshots in Amazon S3 through aws-sdk-go-v2.
package aws

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"

	"pkt.systems/hlld/internal/storage"
)

// Config controls the behaviour of the AWS S3 storage backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	ServerSideEnc  string
	KMSKeyID       string
}

// Store implements storage.Backend on an S3 bucket.
type Store struct {
	client *s3.Client
	bucket string
	keys   storage.Keyspace
	sse    types.ServerSideEncryption
	kmsKey string
}

// opTimeout caps a single request when the caller's context has no sooner
// deadline.
const opTimeout = 5 * time.Minute

// New builds a Store using the default AWS credential chain.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("aws: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws: region is required")
	}
	store := &Store{
		bucket: cfg.Bucket,
		keys:   storage.NewKeyspace(cfg.Prefix),
		kmsKey: cfg.KMSKeyID,
	}
	switch strings.ToUpper(cfg.ServerSideEnc) {
	case "":
	case "AES256":
		store.sse = types.ServerSideEncryptionAes256
	case "AWS:KMS", "KMS":
		store.sse = types.ServerSideEncryptionAwsKms
	default:
		return nil, fmt.Errorf("aws: unsupported server-side encryption %q", cfg.ServerSideEnc)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(
		context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(&http.Client{Transport: storage.HTTPTransport(cfg.Insecure)}),
	)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	store.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpointURL(endpoint, cfg.Insecure))
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return store, nil
}

func endpointURL(endpoint string, insecure bool) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	if insecure {
		return "http://" + endpoint
	}
	return "https://" + endpoint
}

// Close is a no-op for the SDK client.
func (s *Store) Close() error { return nil }

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= opTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, opTimeout)
}

// BucketExists reports whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	switch {
	case err == nil:
		return true, nil
	case isNotFound(err):
		return false, nil
	}
	return false, classify(err, "aws: head bucket")
}

// ListObjects enumerates snapshot objects in lexical order.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.keys.Scan(opts.Prefix)),
	}
	if opts.StartAfter != "" {
		input.StartAfter = aws.String(s.keys.Object(opts.StartAfter))
	}
	if opts.Limit > 0 {
		input.MaxKeys = aws.Int32(int32(opts.Limit + 1))
	}

	result := &storage.ListResult{}
	pager := s3.NewListObjectsV2Paginator(s.client, input)
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, classify(err, "aws: list objects")
		}
		for _, obj := range page.Contents {
			key, ok := s.keys.Logical(aws.ToString(obj.Key))
			if !ok {
				continue
			}
			if opts.Limit > 0 && len(result.Objects) == opts.Limit {
				result.Truncated = true
				return result, nil
			}
			result.Objects = append(result.Objects, storage.ObjectInfo{
				Key:          key,
				ETag:         storage.TrimETag(aws.ToString(obj.ETag)),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
			result.NextStartAfter = key
		}
	}
	return result, nil
}

// GetObject streams the snapshot stored at key. The request context stays
// alive until the returned reader is closed.
func (s *Store) GetObject(ctx context.Context, key string) (io.ReadCloser, *storage.ObjectInfo, error) {
	ctx, cancel := withTimeout(ctx)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.keys.Object(key)),
	})
	if err != nil {
		cancel()
		if isNotFound(err) {
			return nil, nil, storage.ErrNotFound
		}
		return nil, nil, classify(err, "aws: get object")
	}
	info := &storage.ObjectInfo{
		Key:          key,
		ETag:         storage.TrimETag(aws.ToString(out.ETag)),
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: aws.ToTime(out.LastModified),
		ContentType:  aws.ToString(out.ContentType),
	}
	return &cancelOnClose{ReadCloser: out.Body, cancel: cancel}, info, nil
}

// PutObject uploads body to key, replacing any previous snapshot.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	payload, length, err := seekableBody(body)
	if err != nil {
		return nil, err
	}
	contentType := storage.ContentTypeOr(opts.ContentType)
	input := &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(s.keys.Object(key)),
		Body:                 payload,
		ContentLength:        aws.Int64(length),
		ContentType:          aws.String(contentType),
		ServerSideEncryption: s.sse,
	}
	if s.sse == types.ServerSideEncryptionAwsKms && s.kmsKey != "" {
		input.SSEKMSKeyId = aws.String(s.kmsKey)
	}
	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		return nil, classify(err, "aws: put object")
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         storage.TrimETag(aws.ToString(out.ETag)),
		Size:         length,
		LastModified: time.Now().UTC(),
		ContentType:  contentType,
	}, nil
}

// DeleteObject removes key. Missing keys are detected with a HEAD request
// unless opts.IgnoreNotFound is set.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	name := aws.String(s.keys.Object(key))
	if !opts.IgnoreNotFound {
		if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: name}); err != nil {
			if isNotFound(err) {
				return storage.ErrNotFound
			}
			return classify(err, "aws: head object")
		}
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: name})
	switch {
	case err == nil:
		return nil
	case isNotFound(err) && opts.IgnoreNotFound:
		return nil
	case isNotFound(err):
		return storage.ErrNotFound
	}
	return classify(err, "aws: delete object")
}

// seekableBody returns body with a known length; the SDK signs the payload
// and needs both.
func seekableBody(body io.Reader) (io.ReadSeeker, int64, error) {
	if rs, ok := body.(io.ReadSeeker); ok {
		if n := storage.ObjectLength(body); n >= 0 {
			return rs, n, nil
		}
	}
	buf, err := io.ReadAll(body)
	if err != nil {
		return nil, 0, fmt.Errorf("aws: buffer body: %w", err)
	}
	return bytes.NewReader(buf), int64(len(buf)), nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}

func statusCode(err error) (int, bool) {
	var coded interface{ HTTPStatusCode() int }
	if errors.As(err, &coded) {
		return coded.HTTPStatusCode(), true
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode(), true
	}
	return 0, false
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	code, ok := statusCode(err)
	return ok && code == http.StatusNotFound
}

func isRetryable(err error) bool {
	if storage.IsTemporaryNetworkError(err) {
		return true
	}
	code, ok := statusCode(err)
	return ok && storage.RetryableStatus(code)
}

func classify(err error, op string) error {
	return storage.Classify(err, op, isRetryable)
}
