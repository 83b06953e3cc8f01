package protocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"pkt.systems/pslog"
)

// Connection defaults.
const (
	DefaultMaxLine  = 16 << 20
	readBufferSize  = 64 << 10
	writeBufferSize = 64 << 10
)

// ConnConfig tunes a served connection.
type ConnConfig struct {
	// MaxLine bounds a command line in bytes, newline included.
	MaxLine int
	// IdleTimeout closes the connection after this long without a complete
	// command. Zero disables it.
	IdleTimeout time.Duration
}

// ServeConn reads command lines from conn until EOF, ctx cancellation or a
// protocol violation, dispatching each one in order. Responses are buffered
// and flushed whenever no further pipelined input is already buffered.
func (d *Dispatcher) ServeConn(ctx context.Context, conn net.Conn, cfg ConnConfig) error {
	maxLine := cfg.MaxLine
	if maxLine <= 0 {
		maxLine = DefaultMaxLine
	}
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = d.logger
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	r := bufio.NewReaderSize(conn, min(readBufferSize, maxLine))
	w := bufio.NewWriterSize(conn, writeBufferSize)
	var line []byte
	for {
		if cfg.IdleTimeout > 0 && ctx.Err() == nil {
			_ = conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
		}
		var err error
		line, err = readLine(r, line[:0], maxLine)
		switch {
		case err == nil:
		case errors.Is(err, ErrMalformedCommand):
			logger.Warn("protocol.conn.line_too_long", "limit", maxLine)
			_ = writeClientError(w, MsgBadArgs)
			_ = w.Flush()
			return err
		case errors.Is(err, io.EOF):
			if len(line) > 0 {
				if derr := d.Dispatch(ctx, line, w); derr != nil {
					return derr
				}
			}
			return w.Flush()
		case errors.Is(err, os.ErrDeadlineExceeded):
			_ = w.Flush()
			if ctx.Err() != nil {
				return nil
			}
			logger.Debug("protocol.conn.idle_timeout", "timeout", cfg.IdleTimeout)
			return nil
		default:
			return err
		}
		if err := d.Dispatch(ctx, line, w); err != nil {
			return err
		}
		if r.Buffered() == 0 {
			if err := w.Flush(); err != nil {
				return err
			}
		}
	}
}

// readLine appends the next newline-terminated line to buf. Lines longer than
// limit fail with ErrMalformedCommand.
func readLine(r *bufio.Reader, buf []byte, limit int) ([]byte, error) {
	for {
		chunk, err := r.ReadSlice('\n')
		if len(buf)+len(chunk) > limit {
			return buf, fmt.Errorf("%w: line exceeds %d bytes", ErrMalformedCommand, limit)
		}
		buf = append(buf, chunk...)
		switch {
		case err == nil:
			return buf, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return buf, err
		}
	}
}
