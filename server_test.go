package hlld

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"pkt.systems/hlld/internal/storage"
	"pkt.systems/hlld/internal/storage/memory"
	"pkt.systems/pslog"
)

func dialTest(t *testing.T, ts *TestServer) *LineClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := ts.Dial(ctx)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func mustDo(t *testing.T, c *LineClient, line, want string) {
	t.Helper()
	got, err := c.Do(line)
	if err != nil {
		t.Fatalf("%q: %v", line, err)
	}
	if got != want {
		t.Fatalf("%q: got %q want %q", line, got, want)
	}
}

func TestServerProtocolRoundTrip(t *testing.T) {
	ts := StartTestServer(t, WithTestLoggerFromTB(t, pslog.InfoLevel))
	c := dialTest(t, ts)

	mustDo(t, c, "create visitors", "Done\n")
	mustDo(t, c, "create visitors", "Exists\n")
	mustDo(t, c, "b visitors alice bob carol", "Done\n")
	mustDo(t, c, "s visitors alice", "Done\n")
	mustDo(t, c, "size visitors", "Size 3\n")
	mustDo(t, c, "list vis", "START\nvisitors 0.016250 12 3280 3\nEND\n")
	mustDo(t, c, "flush visitors", "Done\n")
	mustDo(t, c, "close visitors", "Done\n")
	mustDo(t, c, "size visitors", "Size 3\n")
	mustDo(t, c, "drop visitors", "Done\n")
	mustDo(t, c, "size visitors", "Set does not exist\n")
	mustDo(t, c, "bogus", "Client Error: Command not supported\n")
}

func TestServerRecoversSetsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	store := "disk://" + dir

	first := StartTestServer(t, WithTestStore(store))
	c := dialTest(t, first)
	mustDo(t, c, "create durable precision=10", "Done\n")
	mustDo(t, c, "b durable a b c d", "Done\n")
	mustDo(t, c, "create ephemeral in_memory=1", "Done\n")
	mustDo(t, c, "s ephemeral x", "Done\n")
	_ = c.Close()
	if err := first.Stop(context.Background()); err != nil {
		t.Fatalf("stop first: %v", err)
	}

	second := StartTestServer(t, WithTestStore(store))
	c2 := dialTest(t, second)
	mustDo(t, c2, "list", "START\ndurable 0.032500 10 820 4\nEND\n")
	mustDo(t, c2, "size durable", "Size 4\n")
	mustDo(t, c2, "s durable e", "Done\n")
	mustDo(t, c2, "size durable", "Size 5\n")
	mustDo(t, c2, "size ephemeral", "Set does not exist\n")
}

func TestServerConcurrentClients(t *testing.T) {
	ts := StartTestServer(t)
	admin := dialTest(t, ts)
	mustDo(t, admin, "create shared", "Done\n")

	const clients = 8
	errCh := make(chan error, clients)
	for i := range clients {
		go func(i int) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			c, err := ts.Dial(ctx)
			if err != nil {
				errCh <- err
				return
			}
			defer c.Close()
			for j := range 25 {
				resp, err := c.Do("s shared " + strings.Repeat("k", i+1) + "-" + string(rune('a'+j)))
				if err != nil {
					errCh <- err
					return
				}
				if resp != "Done\n" {
					errCh <- errors.New("unexpected response " + resp)
					return
				}
			}
			errCh <- nil
		}(i)
	}
	for range clients {
		if err := <-errCh; err != nil {
			t.Fatalf("client: %v", err)
		}
	}
	resp, err := admin.Do("size shared")
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	var n int
	if _, err := fmt.Sscanf(resp, "Size %d\n", &n); err != nil || n < 190 || n > 210 {
		t.Fatalf("unexpected size %q for 200 distinct keys", resp)
	}
}

func TestServerOverlongLineClosesConnection(t *testing.T) {
	ts := StartTestServer(t, WithTestConfigFunc(func(cfg *Config) {
		cfg.MaxLine = 64
	}))
	if got := ts.Server.Config().MaxLine; got != 64 {
		t.Fatalf("max line = %d", got)
	}
	c := dialTest(t, ts)
	mustDo(t, c, "create "+strings.Repeat("z", 128), "Client Error: Bad arguments\n")
	if _, err := c.Do("list"); err == nil {
		t.Fatal("expected connection to be closed after overlong line")
	}
}

func TestServerConnguardBlocksRepeatOffenders(t *testing.T) {
	ts := StartTestServer(t, WithTestConfigFunc(func(cfg *Config) {
		cfg.MaxLine = 64
		cfg.ConnguardEnabled = true
		cfg.ConnguardFailureThreshold = 2
		cfg.ConnguardBlockDuration = time.Minute
	}))
	for range 2 {
		c := dialTest(t, ts)
		mustDo(t, c, "create "+strings.Repeat("z", 128), "Client Error: Bad arguments\n")
		_, _ = c.Do("list")
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		c := dialTest(t, ts)
		_, err := c.Do("list")
		if err != nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("expected blocked host to be disconnected")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type closeCountingBackend struct {
	storage.Backend
	closes int
}

func (b *closeCountingBackend) Close() error {
	b.closes++
	return b.Backend.Close()
}

func TestServerShutdownFlushesAndClosesBackend(t *testing.T) {
	mem := memory.New()
	backend := &closeCountingBackend{Backend: mem}
	ts, err := NewTestServer(context.Background(), WithTestBackend(backend))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	c := dialTest(t, ts)
	mustDo(t, c, "create pending", "Done\n")
	mustDo(t, c, "b pending one two three", "Done\n")
	if err := ts.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if backend.closes != 1 {
		t.Fatalf("expected backend closed once, got %d", backend.closes)
	}
	objects, err := storage.ListAll(context.Background(), mem, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(objects) != 1 {
		t.Fatalf("expected one stored snapshot, got %d", len(objects))
	}
	if err := ts.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestServerListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	_, err = NewTestServer(context.Background(), WithTestConfigFunc(func(cfg *Config) {
		cfg.Listen = ln.Addr().String()
	}))
	if err == nil {
		t.Fatal("expected listen conflict to fail startup")
	}
}
