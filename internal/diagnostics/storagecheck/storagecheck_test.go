package storagecheck

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"

	"pkt.systems/hlld"
	"pkt.systems/hlld/internal/storage"
)

func assertPassed(t *testing.T, res Result) {
	t.Helper()
	if !res.Passed() {
		for _, check := range res.Checks {
			if check.Err != nil {
				t.Errorf("check %s failed: %v", check.Name, check.Err)
			}
		}
		t.FailNow()
	}
	if len(res.Checks) == 0 {
		t.Fatal("expected checks to run")
	}
}

func TestVerifyStoreMemory(t *testing.T) {
	res, err := VerifyStore(context.Background(), hlld.Config{Store: "mem://"})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Provider != "memory" {
		t.Fatalf("unexpected provider %q", res.Provider)
	}
	assertPassed(t, res)
}

func TestVerifyStoreDisk(t *testing.T) {
	dir := t.TempDir()
	res, err := VerifyStore(context.Background(), hlld.Config{Store: "disk://" + dir})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Path != dir {
		t.Fatalf("unexpected path %q", res.Path)
	}
	assertPassed(t, res)
}

func TestVerifyStoreS3Compatible(t *testing.T) {
	backend := s3mem.New()
	if err := backend.CreateBucket("hlld-verify"); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	server := httptest.NewServer(gofakes3.New(backend).Server())
	defer server.Close()
	host := strings.TrimPrefix(server.URL, "http://")

	cfg := hlld.Config{
		Store:             "s3://" + host + "/hlld-verify/prod?insecure=1&path-style=1&region=us-east-1",
		S3AccessKeyID:     "test",
		S3SecretAccessKey: "test",
	}
	res, err := VerifyStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Bucket != "hlld-verify" || res.Prefix != "prod" || !res.Insecure {
		t.Fatalf("unexpected result %+v", res)
	}
	assertPassed(t, res)

	cfg.Store = "s3://" + host + "/missing-bucket?insecure=1&path-style=1&region=us-east-1"
	res, err = VerifyStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("verify missing: %v", err)
	}
	if res.Passed() {
		t.Fatal("expected missing bucket to fail verification")
	}
}

func TestVerifyStoreUnsupported(t *testing.T) {
	_, err := VerifyStore(context.Background(), hlld.Config{Store: "ftp://nowhere"})
	if !errors.Is(err, storage.ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
}

func TestBuildAWSPolicyScopesPrefix(t *testing.T) {
	policy := buildAWSPolicy("sets", "prod/hlld/")
	if !strings.Contains(policy, "arn:aws:s3:::sets/prod/hlld/*") {
		t.Fatalf("policy missing prefix resource:\n%s", policy)
	}
	if !strings.Contains(policy, `"arn:aws:s3:::sets"`) {
		t.Fatalf("policy missing bucket resource:\n%s", policy)
	}
}
