// Package disk implements storage.Backend on a local directory.
//
// Objects live under <root>/objects using their key as a relative path.
// Writes land in <root>/tmp first and are renamed into place, so a reader
// never observes a partial snapshot. A LOCK file guards the root against a
// second daemon.
package disk

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spaolacci/murmur3"

	"pkt.systems/hlld/internal/clock"
	"pkt.systems/hlld/internal/storage"
)

// Config captures the tunables for the disk backend.
type Config struct {
	Root string
	// Clock stamps LastModified on writes. Defaults to the wall clock.
	Clock clock.Clock
}

// Store implements storage.Backend on the local filesystem.
type Store struct {
	root    string
	objects string
	tmp     string
	clock   clock.Clock
	lock    *os.File
}

// New opens (creating if needed) a store rooted at cfg.Root and takes an
// exclusive lock on it until Close.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	s := &Store{
		root:  filepath.Clean(cfg.Root),
		clock: cfg.Clock,
	}
	if s.clock == nil {
		s.clock = clock.Real{}
	}
	s.objects = filepath.Join(s.root, "objects")
	s.tmp = filepath.Join(s.root, "tmp")
	for _, dir := range []string{s.objects, s.tmp} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	lock, err := os.OpenFile(filepath.Join(s.root, "LOCK"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("disk: open lock: %w", err)
	}
	if err := lockDir(lock); err != nil {
		_ = lock.Close()
		return nil, fmt.Errorf("disk: data directory %q is in use: %w", s.root, err)
	}
	s.lock = lock
	s.clearTemp()
	return s, nil
}

// Root returns the directory the store is rooted at.
func (s *Store) Root() string { return s.root }

// Close releases the directory lock. Calling it again is a no-op.
func (s *Store) Close() error {
	lock := s.lock
	if lock == nil {
		return nil
	}
	s.lock = nil
	return errors.Join(unlockDir(lock), lock.Close())
}

// clearTemp removes leftovers from writes interrupted by a crash.
func (s *Store) clearTemp() {
	entries, _ := os.ReadDir(s.tmp)
	for _, e := range entries {
		_ = os.Remove(filepath.Join(s.tmp, e.Name()))
	}
}

// pathFor maps key to its file. Keys must be canonical relative paths.
func (s *Store) pathFor(key string) (string, error) {
	trimmed := strings.TrimPrefix(key, "/")
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty object key", storage.ErrInvalidKey)
	}
	clean := strings.TrimPrefix(path.Clean("/"+trimmed), "/")
	if clean != trimmed {
		return "", fmt.Errorf("%w: %q is not canonical", storage.ErrInvalidKey, key)
	}
	return filepath.Join(s.objects, filepath.FromSlash(clean)), nil
}

func statInfo(key string, fi fs.FileInfo) storage.ObjectInfo {
	return storage.ObjectInfo{
		Key:          key,
		ETag:         fmt.Sprintf("%x-%x", fi.ModTime().UnixNano(), fi.Size()),
		Size:         fi.Size(),
		LastModified: fi.ModTime().UTC(),
		ContentType:  storage.ContentTypeOctetStream,
	}
}

// ListObjects walks the object tree and returns keys in lexical order.
func (s *Store) ListObjects(_ context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	var found []storage.ObjectInfo
	err := filepath.WalkDir(s.objects, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(s.objects, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, opts.Prefix) || (opts.StartAfter != "" && key <= opts.StartAfter) {
			return nil
		}
		fi, err := d.Info()
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil
		case err != nil:
			return err
		}
		found = append(found, statInfo(key, fi))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("disk: list objects: %w", err)
	}
	// Directory walks order "a/b" before "a-b"; keys compare as strings.
	slices.SortFunc(found, func(a, b storage.ObjectInfo) int { return cmp.Compare(a.Key, b.Key) })

	result := &storage.ListResult{Objects: found}
	if opts.Limit > 0 && len(found) > opts.Limit {
		result.Objects = found[:opts.Limit]
		result.Truncated = true
	}
	if n := len(result.Objects); n > 0 {
		result.NextStartAfter = result.Objects[n-1].Key
	}
	return result, nil
}

// GetObject opens the file for key.
func (s *Store) GetObject(_ context.Context, key string) (io.ReadCloser, *storage.ObjectInfo, error) {
	p, err := s.pathFor(key)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(p)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, nil, storage.ErrNotFound
	case err != nil:
		return nil, nil, fmt.Errorf("disk: open object %q: %w", key, err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("disk: stat object %q: %w", key, err)
	}
	info := statInfo(key, fi)
	return f, &info, nil
}

// PutObject writes body to a synced temp file and renames it over key.
func (s *Store) PutObject(_ context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	dst, err := s.pathFor(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare directory for %q: %w", key, err)
	}
	tmp, err := os.CreateTemp(s.tmp, "object-*")
	if err != nil {
		return nil, fmt.Errorf("disk: create temp object for %q: %w", key, err)
	}
	hash := murmur3.New128()
	n, err := writeSynced(tmp, io.TeeReader(body, hash))
	if err == nil {
		err = os.Rename(tmp.Name(), dst)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("disk: write object %q: %w", key, err)
	}
	// The rename is durable once the parent directory is synced; a failure
	// here leaves the new object readable.
	_ = syncDir(filepath.Dir(dst))
	hi, lo := hash.Sum128()
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         fmt.Sprintf("%016x%016x", hi, lo),
		Size:         n,
		LastModified: s.clock.Now(),
		ContentType:  storage.ContentTypeOr(opts.ContentType),
	}, nil
}

func writeSynced(f *os.File, r io.Reader) (int64, error) {
	n, err := io.Copy(f, r)
	if err == nil {
		err = f.Sync()
	}
	return n, errors.Join(err, f.Close())
}

// DeleteObject removes the file for key.
func (s *Store) DeleteObject(_ context.Context, key string, opts storage.DeleteObjectOptions) error {
	p, err := s.pathFor(key)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist) && opts.IgnoreNotFound:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return storage.ErrNotFound
	}
	return fmt.Errorf("disk: remove object %q: %w", key, err)
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
