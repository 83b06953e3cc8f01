// Package memory provides an in-process storage.Backend used for ephemeral
// daemons and tests.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/spaolacci/murmur3"

	"pkt.systems/hlld/internal/clock"
	"pkt.systems/hlld/internal/storage"
)

// Store implements storage.Backend in memory; nothing survives the process.
type Store struct {
	clock clock.Clock

	mu      sync.RWMutex
	objects map[string]storage.ObjectInfo
	data    map[string][]byte
	keys    []string // sorted
}

// Option customises a Store.
type Option func(*Store)

// WithClock stamps LastModified from c instead of the wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		clock:   clock.Real{},
		objects: make(map[string]storage.ObjectInfo),
		data:    make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// Len reports how many objects are stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// ListObjects enumerates objects in lexical order.
func (s *Store) ListObjects(_ context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	from, _ := slices.BinarySearch(s.keys, opts.Prefix)
	if opts.StartAfter != "" {
		after, found := slices.BinarySearch(s.keys, opts.StartAfter)
		if found {
			after++
		}
		from = max(from, after)
	}
	result := &storage.ListResult{}
	for _, key := range s.keys[from:] {
		if !strings.HasPrefix(key, opts.Prefix) {
			break
		}
		if opts.Limit > 0 && len(result.Objects) == opts.Limit {
			result.Truncated = true
			break
		}
		result.Objects = append(result.Objects, s.objects[key])
		result.NextStartAfter = key
	}
	return result, nil
}

// GetObject returns a reader over the stored payload.
func (s *Store) GetObject(_ context.Context, key string) (io.ReadCloser, *storage.ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.objects[key]
	if !ok {
		return nil, nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(s.data[key])), &info, nil
}

// PutObject stores or replaces the object for key. The ETag is a hash of the
// payload.
func (s *Store) PutObject(_ context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	if key == "" {
		return nil, storage.ErrInvalidKey
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("memory: read body: %w", err)
	}
	hi, lo := murmur3.Sum128(payload)
	info := storage.ObjectInfo{
		Key:          key,
		ETag:         fmt.Sprintf("%016x%016x", hi, lo),
		Size:         int64(len(payload)),
		LastModified: s.clock.Now(),
		ContentType:  opts.ContentType,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.objects[key]; !exists {
		idx, _ := slices.BinarySearch(s.keys, key)
		s.keys = slices.Insert(s.keys, idx, key)
	}
	s.objects[key] = info
	s.data[key] = payload
	return &info, nil
}

// DeleteObject removes key.
func (s *Store) DeleteObject(_ context.Context, key string, opts storage.DeleteObjectOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.objects[key]; !exists {
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	delete(s.objects, key)
	delete(s.data, key)
	if idx, found := slices.BinarySearch(s.keys, key); found {
		s.keys = slices.Delete(s.keys, idx, idx+1)
	}
	return nil
}
