// Package storage defines the object storage contract used to persist set
// snapshots, plus helpers shared by every backend implementation.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// Content types stamped on stored objects.
const (
	ContentTypeOctetStream = "application/octet-stream"
	ContentTypeSnapshot    = "application/vnd.hlld.snapshot"
)

var (
	// ErrNotFound is returned when no object exists at a key.
	ErrNotFound = errors.New("storage: not found")
	// ErrNotImplemented marks a store URL scheme or capability hlld cannot use.
	ErrNotImplemented = errors.New("storage: not implemented")
	// ErrInvalidKey is returned for keys a backend cannot represent.
	ErrInvalidKey = errors.New("storage: invalid key")
)

// Backend is the object storage contract hlld persists set snapshots through.
// Keys are slash separated and relative to the backend's configured prefix.
type Backend interface {
	// ListObjects returns one page of keys matching opts, sorted bytewise.
	ListObjects(ctx context.Context, opts ListOptions) (*ListResult, error)
	// GetObject opens key for reading. The caller closes the reader.
	GetObject(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error)
	// PutObject stores body at key, replacing any previous snapshot.
	PutObject(ctx context.Context, key string, body io.Reader, opts PutObjectOptions) (*ObjectInfo, error)
	// DeleteObject removes key. A missing key is ErrNotFound unless
	// opts.IgnoreNotFound is set.
	DeleteObject(ctx context.Context, key string, opts DeleteObjectOptions) error
	Close() error
}

// transient marks a failure the retry layer may repeat.
type transient struct{ error }

func (t transient) Unwrap() error { return t.error }

// NewTransientError marks err as retryable. A nil err stays nil.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transient{err}
}

// IsTransient reports whether any error in err's chain is marked retryable.
func IsTransient(err error) bool {
	var t transient
	return errors.As(err, &t)
}

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
	ContentType  string
}

type PutObjectOptions struct {
	ContentType string
}

type DeleteObjectOptions struct {
	IgnoreNotFound bool
}

// ListOptions selects keys with Prefix that sort after StartAfter. Limit caps
// the page size; zero lets the backend choose.
type ListOptions struct {
	Prefix     string
	StartAfter string
	Limit      int
}

// ListResult is one page of keys. When Truncated is set the next page starts
// after NextStartAfter.
type ListResult struct {
	Objects        []ObjectInfo
	NextStartAfter string
	Truncated      bool
}

// ListAll follows ListObjects pages until the listing under prefix is
// exhausted.
func ListAll(ctx context.Context, backend Backend, prefix string) ([]ObjectInfo, error) {
	opts := ListOptions{Prefix: prefix}
	var out []ObjectInfo
	for {
		page, err := backend.ListObjects(ctx, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Objects...)
		if !page.Truncated || page.NextStartAfter == "" {
			return out, nil
		}
		opts.StartAfter = page.NextStartAfter
	}
}

// ReadAll reads the whole object at key.
func ReadAll(ctx context.Context, backend Backend, key string) ([]byte, *ObjectInfo, error) {
	body, info, err := backend.GetObject(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	data, err := io.ReadAll(body)
	if cerr := body.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, nil, err
	}
	return data, info, nil
}
