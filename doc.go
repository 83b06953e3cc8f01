// Package hlld exposes the Go APIs behind a network daemon that manages named
// HyperLogLog sets. Clients create sets, add keys, and ask for cardinality
// estimates over a line-oriented TCP protocol. The server is designed to run
// cleanly as PID 1, but the package also makes it easy to embed the server in
// an existing process or a test.
//
// # Running a server
//
// The server listens on TCP address `Config.Listen` (default 127.0.0.1:4553).
//
//	cfg := hlld.Config{
//	    Store:  "disk:///var/lib/hlld",
//	    Listen: ":4553",
//	}
//	srv, err := hlld.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("hlld: %v", err)
//	    }
//	}()
//	defer func() {
//	    if err := srv.Shutdown(context.Background()); err != nil {
//	        log.Printf("hlld shutdown: %v", err)
//	    }
//	}()
//
// Start recovers every stored set in the closed state before binding the
// listener, so the first command against a recovered set faults its sketch
// back into memory. Shutdown stops accepting connections, lets in-flight
// commands finish, flushes every dirty proxied set, and closes the backend.
//
// # Protocol
//
// Each request is one line terminated by "\n" (a trailing "\r" is ignored).
// Responses are a single line, or a START/END block for list and info:
//
//	create visitors precision=14
//	Done
//	b visitors alice bob carol
//	Done
//	size visitors
//	Size 3
//	list
//	START
//	visitors 0.008125 14 13108 3
//	END
//
// Commands are create, drop, close, clear, flush, list, info, size, set (s),
// and bulk (b). Malformed requests receive a "Client Error: ..." line and the
// connection stays open, except for lines longer than `Config.MaxLine`, which
// close the connection and, when `Config.ConnguardEnabled` is set, count
// toward blocking the remote host.
//
// # Sets and modes
//
// Sets are either proxied (the default), where the sketch is persisted to the
// storage backend and may be closed to release memory, or in-memory, where the
// sketch never touches storage and is lost on restart. The default precision
// and mode come from `Config.DefaultPrecision`, `Config.DefaultEps`, and
// `Config.DefaultInMemory`. `Config.ClosedPolicy` decides whether a write to a
// closed set reopens it ("reopen") or is rejected ("reject").
//
// Dirty proxied sets are flushed every `Config.FlushInterval`, rate limited by
// `Config.FlushRate`. Dropped sets are reclaimed in the background after
// `Config.VacuumGrace`; recreating a name before then answers
// "Delete in progress".
//
// # Embedding and helpers
//
// `StartServer` launches a server in a goroutine, waits for readiness, and
// returns a stop function. `StartTestServer` wraps it for tests and returns a
// handle that can dial protocol connections:
//
//	ts := hlld.StartTestServer(t, hlld.WithTestStore("mem://"))
//	c, _ := ts.Dial(ctx)
//	resp, _ := c.Do("create demo")
//
// # Storage backends
//
// Configure the storage layer via `Config.Store`:
//
//   - `mem://` – in-memory (tests and local experimentation)
//   - `disk:///var/lib/hlld` – local filesystem, one snapshot file per set
//   - `azure://account/container` – Azure Blob Storage (Shared Key or SAS auth)
//   - `aws://bucket/prefix` – AWS S3 (uses standard AWS credential sources, requires region)
//   - `s3://host:port/bucket` – MinIO or other S3-compatible stores (TLS on unless `?insecure=1`)
//
// Every backend is wrapped with storage tracing (unless
// `Config.DisableStorageTracing`) and retries with exponential backoff on
// transient errors.
package hlld
