package storage_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"testing"

	"pkt.systems/hlld/internal/storage"
)

func TestKeyspace(t *testing.T) {
	t.Parallel()

	ks := storage.NewKeyspace("/cluster-a/")
	if got := ks.Object("/sets/alpha"); got != "cluster-a/sets/alpha" {
		t.Fatalf("object: %q", got)
	}
	if got := ks.Object(""); got != "cluster-a" {
		t.Fatalf("root object: %q", got)
	}
	if got := ks.Scan("sets/"); got != "cluster-a/sets/" {
		t.Fatalf("scan: %q", got)
	}
	if got, ok := ks.Logical("cluster-a/sets/alpha"); !ok || got != "sets/alpha" {
		t.Fatalf("logical: %q %v", got, ok)
	}
	if _, ok := ks.Logical("cluster-b/sets/alpha"); ok {
		t.Fatal("foreign name accepted")
	}
	if _, ok := ks.Logical("cluster-a/"); ok {
		t.Fatal("empty key accepted")
	}

	bare := storage.NewKeyspace("")
	if got := bare.Object("/sets/alpha"); got != "sets/alpha" {
		t.Fatalf("bare object: %q", got)
	}
	if got := bare.Scan("/sets/"); got != "sets/" {
		t.Fatalf("bare scan: %q", got)
	}
	if got, ok := bare.Logical("sets/alpha"); !ok || got != "sets/alpha" {
		t.Fatalf("bare logical: %q %v", got, ok)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTemporaryNetworkError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"reset", syscall.ECONNRESET, true},
		{"refused in op", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, true},
		{"timeout", timeoutErr{}, true},
		{"dns temporary", &net.DNSError{IsTemporary: true}, true},
		{"dns permanent", &net.DNSError{IsNotFound: true}, false},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := storage.IsTemporaryNetworkError(tc.err); got != tc.want {
			t.Errorf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	if storage.Classify(nil, "op", nil) != nil {
		t.Fatal("nil error should stay nil")
	}
	base := errors.New("status 503")
	err := storage.Classify(base, "s3: put object", func(error) bool { return true })
	if !storage.IsTransient(err) || !errors.Is(err, base) {
		t.Fatalf("expected transient wrap, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "s3: put object: ") {
		t.Fatalf("missing op prefix: %q", err.Error())
	}
	if storage.IsTransient(storage.Classify(base, "op", nil)) {
		t.Fatal("plain error marked transient")
	}
	if !storage.IsTransient(storage.Classify(syscall.EPIPE, "op", nil)) {
		t.Fatal("broken pipe should be transient")
	}
}

func TestRetryableStatus(t *testing.T) {
	t.Parallel()

	for code, want := range map[int]bool{
		http.StatusOK:                  false,
		http.StatusNotFound:            false,
		http.StatusRequestTimeout:      true,
		http.StatusTooManyRequests:     true,
		http.StatusInternalServerError: true,
		http.StatusServiceUnavailable:  true,
	} {
		if got := storage.RetryableStatus(code); got != want {
			t.Errorf("status %d: got %v want %v", code, got, want)
		}
	}
}

func TestObjectLength(t *testing.T) {
	t.Parallel()

	r := bytes.NewReader([]byte("abcdef"))
	_, _ = r.Seek(2, io.SeekStart)
	if n := storage.ObjectLength(r); n != 4 {
		t.Fatalf("seeker length %d", n)
	}
	if pos, _ := r.Seek(0, io.SeekCurrent); pos != 2 {
		t.Fatalf("position moved to %d", pos)
	}
	if n := storage.ObjectLength(io.MultiReader(strings.NewReader("ab"))); n != -1 {
		t.Fatalf("stream length %d", n)
	}
}

func TestHTTPTransport(t *testing.T) {
	t.Parallel()

	tr := storage.HTTPTransport(true)
	if tr.TLSClientConfig == nil || !tr.TLSClientConfig.InsecureSkipVerify {
		t.Fatal("insecure transport should skip verification")
	}
	if tr.MaxIdleConnsPerHost < 16 {
		t.Fatalf("idle per host %d", tr.MaxIdleConnsPerHost)
	}
	if storage.HTTPTransport(false).TLSClientConfig != nil && storage.HTTPTransport(false).TLSClientConfig.InsecureSkipVerify {
		t.Fatal("secure transport skips verification")
	}
}
