// Package protocol implements the line-oriented text protocol: command
// parsing, dispatch onto the set manager and response formatting.
package protocol

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"pkt.systems/hlld/internal/core"
	"pkt.systems/hlld/internal/loggingutil"
	"pkt.systems/pslog"
)

// Response lines.
const (
	RespDone             = "Done\n"
	RespExists           = "Exists\n"
	RespDeleteInProgress = "Delete in progress\n"
	RespSetNotExist      = "Set does not exist\n"
	RespNotProxied       = "Set is not proxied. Close it first.\n"
	RespInternalError    = "Internal Error\n"
	RespStart            = "START\n"
	RespEnd              = "END\n"

	clientErrorPrefix = "Client Error: "
)

// Client error messages.
const (
	MsgNotSupported   = "Command not supported"
	MsgNameNeeded     = "Must provide set name"
	MsgNameKeyNeeded  = "Must provide set name and key"
	MsgBadSetName     = "Bad set name"
	MsgBadArgs        = "Bad arguments"
	MsgUnexpectedArgs = "Unexpected arguments"
	MsgNotSliding     = "Set is not sliding"
)

// ErrMalformedCommand reports a line that could not be parsed into a command.
var ErrMalformedCommand = errors.New("protocol: malformed command")

// Manager is the set lifecycle surface the dispatcher drives.
type Manager interface {
	Defaults() core.SetConfig
	Create(ctx context.Context, name string, cfg core.SetConfig) error
	Drop(ctx context.Context, name string) error
	CloseSet(ctx context.Context, name string) error
	Clear(ctx context.Context, name string) error
	Flush(ctx context.Context, name string) error
	FlushAll(ctx context.Context) error
	Set(ctx context.Context, name string, key []byte) error
	Bulk(ctx context.Context, name string, keys [][]byte) error
	Size(ctx context.Context, name string, eps float64) (uint64, error)
	SizeWindow(ctx context.Context, name string, at time.Time, window time.Duration) (uint64, error)
	Info(ctx context.Context, name string) (core.SetInfo, error)
	List(ctx context.Context, prefix string) []core.SetInfo
}

// Dispatcher turns command lines into manager calls.
type Dispatcher struct {
	mgr    Manager
	logger pslog.Logger
}

// NewDispatcher binds a dispatcher to mgr.
func NewDispatcher(mgr Manager, logger pslog.Logger) *Dispatcher {
	return &Dispatcher{
		mgr:    mgr,
		logger: loggingutil.Subsystem(logger, "protocol", "dispatch"),
	}
}

type handlerFunc func(d *Dispatcher, ctx context.Context, args [][]byte, w *bufio.Writer) error

var handlers = map[string]handlerFunc{
	"set":    (*Dispatcher).handleSet,
	"s":      (*Dispatcher).handleSet,
	"bulk":   (*Dispatcher).handleBulk,
	"b":      (*Dispatcher).handleBulk,
	"create": (*Dispatcher).handleCreate,
	"drop":   (*Dispatcher).handleDrop,
	"close":  (*Dispatcher).handleClose,
	"clear":  (*Dispatcher).handleClear,
	"flush":  (*Dispatcher).handleFlush,
	"info":   (*Dispatcher).handleInfo,
	"list":   (*Dispatcher).handleList,
	"size":   (*Dispatcher).handleSize,
}

// Dispatch executes one command line and writes its response to w. The line
// may carry a trailing "\r\n" or "\n". Argument slices alias line and are
// only used for the duration of the call. Only write errors are returned.
func (d *Dispatcher) Dispatch(ctx context.Context, line []byte, w *bufio.Writer) error {
	line = bytes.TrimRight(line, "\r\n")
	fields := bytes.Fields(line)
	if len(fields) == 0 {
		return writeClientError(w, MsgNotSupported)
	}
	handler, ok := handlers[string(fields[0])]
	if !ok {
		d.logger.Debug("protocol.command.unsupported", "verb", string(fields[0]))
		return writeClientError(w, MsgNotSupported)
	}
	return handler(d, ctx, fields[1:], w)
}

func (d *Dispatcher) handleSet(ctx context.Context, args [][]byte, w *bufio.Writer) error {
	switch {
	case len(args) < 2:
		return writeClientError(w, MsgNameKeyNeeded)
	case len(args) > 2:
		return writeClientError(w, MsgUnexpectedArgs)
	}
	return d.respond(ctx, w, "set", d.mgr.Set(ctx, string(args[0]), args[1]))
}

func (d *Dispatcher) handleBulk(ctx context.Context, args [][]byte, w *bufio.Writer) error {
	if len(args) < 2 {
		return writeClientError(w, MsgNameKeyNeeded)
	}
	return d.respond(ctx, w, "bulk", d.mgr.Bulk(ctx, string(args[0]), args[1:]))
}

func (d *Dispatcher) handleCreate(ctx context.Context, args [][]byte, w *bufio.Writer) error {
	if len(args) == 0 {
		return writeClientError(w, MsgNameNeeded)
	}
	name := string(args[0])
	if !core.ValidName(name) {
		return writeClientError(w, MsgBadSetName)
	}
	opts := make([]string, 0, len(args)-1)
	for _, arg := range args[1:] {
		opts = append(opts, string(arg))
	}
	cfg, err := core.ParseOptions(d.mgr.Defaults(), opts)
	if err != nil {
		return writeClientError(w, MsgBadArgs)
	}
	return d.respond(ctx, w, "create", d.mgr.Create(ctx, name, cfg))
}

func (d *Dispatcher) handleDrop(ctx context.Context, args [][]byte, w *bufio.Writer) error {
	return d.nameOnly(ctx, args, w, "drop", d.mgr.Drop)
}

func (d *Dispatcher) handleClose(ctx context.Context, args [][]byte, w *bufio.Writer) error {
	return d.nameOnly(ctx, args, w, "close", d.mgr.CloseSet)
}

func (d *Dispatcher) handleClear(ctx context.Context, args [][]byte, w *bufio.Writer) error {
	return d.nameOnly(ctx, args, w, "clear", d.mgr.Clear)
}

func (d *Dispatcher) handleFlush(ctx context.Context, args [][]byte, w *bufio.Writer) error {
	if len(args) == 0 {
		if err := d.mgr.FlushAll(ctx); err != nil {
			d.logger.Warn("protocol.flush_all.partial", "error", err)
		}
		_, err := w.WriteString(RespDone)
		return err
	}
	return d.nameOnly(ctx, args, w, "flush", d.mgr.Flush)
}

func (d *Dispatcher) nameOnly(ctx context.Context, args [][]byte, w *bufio.Writer, op string, fn func(context.Context, string) error) error {
	switch {
	case len(args) == 0:
		return writeClientError(w, MsgNameNeeded)
	case len(args) > 1:
		return writeClientError(w, MsgUnexpectedArgs)
	}
	return d.respond(ctx, w, op, fn(ctx, string(args[0])))
}

// handleSize answers "size <name> [eps]" and, for sliding sets,
// "size <name> <timestamp> <window>".
func (d *Dispatcher) handleSize(ctx context.Context, args [][]byte, w *bufio.Writer) error {
	var (
		size uint64
		err  error
	)
	switch len(args) {
	case 0:
		return writeClientError(w, MsgNameNeeded)
	case 1:
		size, err = d.mgr.Size(ctx, string(args[0]), 0)
	case 2:
		eps, perr := core.ParseEpsilon(string(args[1]))
		if perr != nil {
			return writeClientError(w, MsgBadArgs)
		}
		size, err = d.mgr.Size(ctx, string(args[0]), eps)
	case 3:
		at, window, perr := core.ParseWindowArgs(string(args[1]), string(args[2]))
		if perr != nil {
			return writeClientError(w, MsgBadArgs)
		}
		size, err = d.mgr.SizeWindow(ctx, string(args[0]), at, window)
	default:
		return writeClientError(w, MsgUnexpectedArgs)
	}
	if err != nil {
		return d.respond(ctx, w, "size", err)
	}
	buf := w.AvailableBuffer()
	buf = append(buf, "Size "...)
	buf = strconv.AppendUint(buf, size, 10)
	buf = append(buf, '\n')
	_, err = w.Write(buf)
	return err
}

func (d *Dispatcher) handleInfo(ctx context.Context, args [][]byte, w *bufio.Writer) error {
	switch {
	case len(args) == 0:
		return writeClientError(w, MsgNameNeeded)
	case len(args) > 1:
		return writeClientError(w, MsgUnexpectedArgs)
	}
	info, err := d.mgr.Info(ctx, string(args[0]))
	if err != nil {
		return d.respond(ctx, w, "info", err)
	}
	inMemory := 0
	if info.Config.Mode == core.InMemory {
		inMemory = 1
	}
	if _, err := w.WriteString(RespStart); err != nil {
		return err
	}
	fmt.Fprintf(w, "in_memory %d\n", inMemory)
	fmt.Fprintf(w, "page_ins %d\n", info.PageIns)
	fmt.Fprintf(w, "page_outs %d\n", info.PageOuts)
	fmt.Fprintf(w, "epsilon %f\n", info.Config.Epsilon)
	fmt.Fprintf(w, "precision %d\n", info.Config.Precision)
	fmt.Fprintf(w, "sets %d\n", info.Sets)
	fmt.Fprintf(w, "size %d\n", info.Size)
	if info.Config.Sliding() {
		fmt.Fprintf(w, "sliding_period %d\n", int64(info.Config.Window.Period/time.Second))
		fmt.Fprintf(w, "sliding_precision %d\n", int64(info.Config.Window.Granularity/time.Second))
	}
	fmt.Fprintf(w, "storage %d\n", info.Storage)
	_, err = w.WriteString(RespEnd)
	return err
}

func (d *Dispatcher) handleList(ctx context.Context, args [][]byte, w *bufio.Writer) error {
	if len(args) > 1 {
		return writeClientError(w, MsgUnexpectedArgs)
	}
	var prefix string
	if len(args) == 1 {
		prefix = string(args[0])
	}
	if _, err := w.WriteString(RespStart); err != nil {
		return err
	}
	for _, info := range d.mgr.List(ctx, prefix) {
		fmt.Fprintf(w, "%s %f %d %d %d\n", info.Name, info.Config.Epsilon, info.Config.Precision, info.Storage, info.Size)
	}
	_, err := w.WriteString(RespEnd)
	return err
}

// respond maps a manager result onto its response line.
func (d *Dispatcher) respond(ctx context.Context, w *bufio.Writer, op string, err error) error {
	var resp string
	switch {
	case err == nil:
		resp = RespDone
	case errors.Is(err, core.ErrSetDoesNotExist):
		resp = RespSetNotExist
	case errors.Is(err, core.ErrAlreadyExists):
		resp = RespExists
	case errors.Is(err, core.ErrDeletionInProgress):
		resp = RespDeleteInProgress
	case errors.Is(err, core.ErrNotProxiedOrNotClosed):
		resp = RespNotProxied
	case errors.Is(err, core.ErrInvalidName):
		return writeClientError(w, MsgBadSetName)
	case errors.Is(err, core.ErrBadOptions):
		return writeClientError(w, MsgBadArgs)
	case errors.Is(err, core.ErrNotSliding):
		return writeClientError(w, MsgNotSliding)
	default:
		logger := pslog.LoggerFromContext(ctx)
		if logger == nil {
			logger = d.logger
		}
		logger.Error("protocol.command.failed", "op", op, "error", err)
		resp = RespInternalError
	}
	_, werr := w.WriteString(resp)
	return werr
}

func writeClientError(w *bufio.Writer, msg string) error {
	w.WriteString(clientErrorPrefix)
	w.WriteString(msg)
	return w.WriteByte('\n')
}
