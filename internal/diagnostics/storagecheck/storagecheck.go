// Package storagecheck runs round-trip diagnostics against a configured
// storage backend before the daemon is pointed at it.
package storagecheck

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"time"

	"github.com/google/uuid"

	"pkt.systems/hlld"
	"pkt.systems/hlld/internal/storage"
	"pkt.systems/hlld/internal/storage/memory"
)

// Result captures the outcome of store verification checks.
type Result struct {
	Provider          string
	Bucket            string
	Prefix            string
	Path              string
	Endpoint          string
	Insecure          bool
	Credentials       hlld.CredentialSummary
	Checks            []CheckResult
	RecommendedPolicy string
	AdditionalMessage string
}

// Passed reports whether all checks succeeded.
func (r Result) Passed() bool {
	for _, check := range r.Checks {
		if check.Err != nil {
			return false
		}
	}
	return true
}

// CheckResult is the outcome of a single verification step.
type CheckResult struct {
	Name string
	Err  error
}

const diagnosticsPrefix = "hlld-diagnostics/"

// VerifyStore runs provider-specific diagnostics for the configured backend.
func VerifyStore(ctx context.Context, cfg hlld.Config) (Result, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return Result{}, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "aws":
		return verifyAWS(ctx, cfg)
	case "s3":
		return verifyS3(ctx, cfg)
	case "azure":
		return verifyAzure(ctx, cfg)
	case "disk":
		return verifyDisk(ctx, cfg)
	case "mem", "memory", "":
		result := Result{Provider: "memory"}
		result.Checks = runBackendChecks(ctx, memory.New())
		return result, nil
	default:
		return Result{}, storage.ErrNotImplemented
	}
}

// openAndCheck records opening the backend as the check named step, then runs
// the round-trip checks when it opened.
func openAndCheck[B storage.Backend](ctx context.Context, res *Result, step string, open func() (B, error)) {
	backend, err := open()
	res.Checks = append(res.Checks, CheckResult{Name: step, Err: err})
	if err != nil {
		return
	}
	defer backend.Close()
	res.Checks = append(res.Checks, runBackendChecks(ctx, backend)...)
}

// runBackendChecks writes, reads, lists and deletes a synthetic snapshot
// object under hlld-diagnostics/.
func runBackendChecks(ctx context.Context, backend storage.Backend) []CheckResult {
	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	var checks []CheckResult
	run := func(name string, fn func(context.Context) error) {
		checks = append(checks, CheckResult{Name: name, Err: fn(ctx)})
	}

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	key := path.Join(diagnosticsPrefix, id.String())
	payload := []byte("hlld diagnostic " + id.String())

	run("ListSets", func(ctx context.Context) error {
		_, err := backend.ListObjects(ctx, storage.ListOptions{Prefix: "sets/", Limit: 1})
		return err
	})
	run("PutObject", func(ctx context.Context) error {
		_, err := backend.PutObject(ctx, key, bytes.NewReader(payload), storage.PutObjectOptions{ContentType: storage.ContentTypeOctetStream})
		return err
	})
	run("GetObject", func(ctx context.Context) error {
		rc, _, err := backend.GetObject(ctx, key)
		if err != nil {
			return err
		}
		defer rc.Close()
		got, err := io.ReadAll(rc)
		if err != nil {
			return err
		}
		if !bytes.Equal(got, payload) {
			return fmt.Errorf("read back %d bytes, want %d matching bytes", len(got), len(payload))
		}
		return nil
	})
	run("ListObjects", func(ctx context.Context) error {
		objects, err := storage.ListAll(ctx, backend, diagnosticsPrefix)
		if err != nil {
			return err
		}
		for _, obj := range objects {
			if obj.Key == key {
				return nil
			}
		}
		return fmt.Errorf("object %s missing from listing", key)
	})
	run("DeleteObject", func(ctx context.Context) error {
		return backend.DeleteObject(ctx, key, storage.DeleteObjectOptions{})
	})
	run("NotFoundAfterDelete", func(ctx context.Context) error {
		rc, _, err := backend.GetObject(ctx, key)
		if err == nil {
			rc.Close()
			return fmt.Errorf("object %s still readable after delete", key)
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("expected not found, got %w", err)
		}
		return nil
	})
	return checks
}
