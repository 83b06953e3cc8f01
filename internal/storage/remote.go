package storage

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"syscall"
	"time"
)

// Keyspace maps logical snapshot keys onto the object names of a remote
// bucket or container rooted at an optional prefix.
type Keyspace string

// NewKeyspace normalises prefix by trimming surrounding slashes.
func NewKeyspace(prefix string) Keyspace {
	return Keyspace(strings.Trim(prefix, "/"))
}

// Object returns the remote object name for key.
func (k Keyspace) Object(key string) string {
	key = strings.TrimPrefix(key, "/")
	switch {
	case k == "":
		return key
	case key == "":
		return string(k)
	}
	return path.Join(string(k), key)
}

// Scan returns the remote listing prefix covering the logical prefix p.
func (k Keyspace) Scan(p string) string {
	p = strings.TrimPrefix(p, "/")
	if k == "" {
		return p
	}
	return string(k) + "/" + p
}

// Logical converts a remote object name back to its logical key. It reports
// false for names outside the keyspace.
func (k Keyspace) Logical(name string) (string, bool) {
	if k == "" {
		name = strings.TrimPrefix(name, "/")
		return name, name != ""
	}
	key, ok := strings.CutPrefix(name, string(k)+"/")
	return key, ok && key != ""
}

// Classify wraps err with op and marks it transient when retryable says so.
func Classify(err error, op string, retryable func(error) bool) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", op, err)
	if IsTemporaryNetworkError(err) || (retryable != nil && retryable(err)) {
		return NewTransientError(wrapped)
	}
	return wrapped
}

// RetryableStatus reports whether an HTTP status from an object store is
// worth retrying.
func RetryableStatus(code int) bool {
	return code >= http.StatusInternalServerError ||
		code == http.StatusTooManyRequests ||
		code == http.StatusRequestTimeout
}

// IsTemporaryNetworkError reports timeouts, dropped connections and
// temporary resolver failures.
func IsTemporaryNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	for _, errno := range connErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var connErrnos = []syscall.Errno{
	syscall.ECONNRESET,
	syscall.ECONNABORTED,
	syscall.ECONNREFUSED,
	syscall.EPIPE,
	syscall.EHOSTUNREACH,
	syscall.ENETUNREACH,
}

// HTTPTransport returns a clone of the default transport with pool limits
// suited to snapshot traffic.
func HTTPTransport(insecure bool) *http.Transport {
	var t *http.Transport
	if base, ok := http.DefaultTransport.(*http.Transport); ok {
		t = base.Clone()
	} else {
		t = &http.Transport{Proxy: http.ProxyFromEnvironment}
	}
	t.MaxIdleConns = max(t.MaxIdleConns, 64)
	t.MaxIdleConnsPerHost = max(t.MaxIdleConnsPerHost, 16)
	if t.IdleConnTimeout == 0 {
		t.IdleConnTimeout = 90 * time.Second
	}
	if t.TLSHandshakeTimeout == 0 {
		t.TLSHandshakeTimeout = 10 * time.Second
	}
	if t.ExpectContinueTimeout == 0 {
		t.ExpectContinueTimeout = time.Second
	}
	if insecure {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return t
}

// ContentTypeOr returns ct, or the octet-stream type when ct is empty.
func ContentTypeOr(ct string) string {
	if ct == "" {
		return ContentTypeOctetStream
	}
	return ct
}

// TrimETag strips the quotes some stores put around entity tags.
func TrimETag(etag string) string {
	return strings.Trim(etag, "\"")
}

// ObjectLength reports the remaining length of body when it can seek, and
// -1 otherwise. The read position is left unchanged.
func ObjectLength(body io.Reader) int64 {
	seeker, ok := body.(io.Seeker)
	if !ok {
		return -1
	}
	cur, err := seeker.Seek(0, io.SeekCurrent)
	if err != nil {
		return -1
	}
	end, err := seeker.Seek(0, io.SeekEnd)
	if err != nil {
		return -1
	}
	if _, err := seeker.Seek(cur, io.SeekStart); err != nil {
		return -1
	}
	return end - cur
}
