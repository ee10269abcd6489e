package ftp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/netlift/ftp/internal/ratelimit"
)

// DataResult describes a finished data transfer.
type DataResult struct {
	// Size is the number of bytes transferred
	Size int64

	// Data holds the received bytes of an in-memory receive
	Data []byte

	// Path is the file written by a receive to file. It differs from the
	// requested path when the write mode picked a numbered name.
	Path string
}

// dataConfig carries the session settings a data connection needs.
type dataConfig struct {
	dialer      Dialer
	logger      *slog.Logger
	chunkSize   int
	ioTimeout   time.Duration
	limiter     *ratelimit.Limiter
	progress    func(int64)
	connTimeout time.Duration
}

// dataConn is a single-use data connection. In active mode it listens and
// accepts one connection from the server; in passive mode it dials the
// server.
type dataConn struct {
	cfg   dataConfig
	state *stateBox[ConnState]

	// closing is set once disconnect starts, so transfer errors it causes
	// can be told apart from real failures.
	closing atomic.Bool

	mu   sync.Mutex
	ln   net.Listener
	conn net.Conn
}

func newDataConn(cfg dataConfig) *dataConn {
	if cfg.chunkSize <= 0 {
		cfg.chunkSize = defaultMaxReceive
	}
	d := &dataConn{cfg: cfg, state: newStateBox(ConnInitialised)}
	d.state.onChange = func(from, to ConnState, err error) {
		if err != nil {
			cfg.logger.Debug("data connection state", "from", from, "to", to, "error", err)
			return
		}
		cfg.logger.Debug("data connection state", "from", from, "to", to)
	}
	return d
}

// State returns the connection state and the error that caused a failure.
func (d *dataConn) State() (ConnState, error) {
	return d.state.get()
}

// listen binds a listener on addr:port and accepts exactly one connection
// in the background. SO_REUSEADDR is set so ports of recent transfers can
// be reused.
func (d *dataConn) listen(ctx context.Context, addr IPv4Address, port IPPort) error {
	const op = "data listen"
	if cur, ok := d.state.transition(ConnStartListening, ConnInitialised); !ok {
		return errorf(KindNotInitialised, op, "data connection is %s", cur)
	}

	lc := net.ListenConfig{Control: reuseAddr}
	ln, err := lc.Listen(ctx, "tcp4", joinHostPort(addr, port))
	if err != nil {
		d.state.set(ConnFailed, err)
		return newError(KindConnectionFailed, op, err)
	}
	d.mu.Lock()
	d.ln = ln
	d.mu.Unlock()
	d.state.set(ConnListening, nil)

	go d.accept(ln)
	return nil
}

func (d *dataConn) accept(ln net.Listener) {
	conn, err := ln.Accept()
	// one connection per transfer
	_ = ln.Close()
	if err != nil {
		if d.closing.Load() {
			return
		}
		d.state.set(ConnFailed, err)
		return
	}
	d.state.set(ConnConnecting, nil)

	d.mu.Lock()
	if d.closing.Load() {
		d.mu.Unlock()
		_ = conn.Close()
		return
	}
	d.conn = &deadlineConn{Conn: conn, timeout: d.cfg.ioTimeout}
	d.mu.Unlock()

	d.cfg.logger.Debug("data connection accepted", "remote", conn.RemoteAddr())
	d.state.set(ConnConnected, nil)
}

// waitForConnection blocks until the server has connected to the
// listener, the listener failed, or timeout elapsed. On timeout the
// listener is closed.
func (d *dataConn) waitForConnection(ctx context.Context, timeout time.Duration) error {
	const op = "data wait"
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	st, err := d.state.waitWhile(wctx, func(s ConnState) bool {
		return s == ConnStartListening || s == ConnListening || s == ConnConnecting
	})
	if wctx.Err() != nil && st != ConnConnected {
		d.disconnect()
		return newError(KindConnectionFailed, op, wctx.Err())
	}
	if st != ConnConnected {
		if err == nil {
			return errorf(KindConnectionFailed, op, "data connection is %s", st)
		}
		return newError(KindConnectionFailed, op, err)
	}
	return nil
}

// connect dials the server's data port over IPv4.
func (d *dataConn) connect(ctx context.Context, addr IPv4Address, port IPPort) error {
	const op = "data connect"
	if cur, ok := d.state.transition(ConnConnecting, ConnInitialised); !ok {
		return errorf(KindNotInitialised, op, "data connection is %s", cur)
	}

	dctx, cancel := context.WithTimeout(ctx, d.cfg.connTimeout)
	defer cancel()
	conn, err := d.cfg.dialer.DialContext(dctx, "tcp4", joinHostPort(addr, port))
	if err != nil {
		d.state.set(ConnFailed, err)
		return newError(KindConnectionFailed, op, err)
	}

	d.mu.Lock()
	if d.closing.Load() {
		d.mu.Unlock()
		_ = conn.Close()
		return newError(KindConnectionFailed, op, net.ErrClosed)
	}
	d.conn = &deadlineConn{Conn: conn, timeout: d.cfg.ioTimeout}
	d.mu.Unlock()

	d.state.set(ConnConnected, nil)
	return nil
}

// disconnect closes the listener and the connection. It is safe to call
// more than once and concurrently with a transfer, which then fails.
func (d *dataConn) disconnect() {
	d.closing.Store(true)

	d.mu.Lock()
	ln, conn := d.ln, d.conn
	d.ln, d.conn = nil, nil
	d.mu.Unlock()

	st, _ := d.state.get()
	if st == ConnConnected {
		d.state.set(ConnDisconnecting, nil)
	}
	if ln != nil {
		_ = ln.Close()
	}
	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			d.cfg.logger.Debug("closing data connection", "error", err)
		}
	}
	if st != ConnFailed {
		d.state.set(ConnDisconnected, nil)
	}
}

// disconnectedLocally reports whether disconnect has been called.
func (d *dataConn) disconnectedLocally() bool {
	return d.closing.Load()
}

// current returns the working connection. After a local disconnect it
// reports ConnectionFailed, the same kind a transfer cut short by the
// disconnect gets.
func (d *dataConn) current(op string) (net.Conn, error) {
	if d.disconnectedLocally() {
		return nil, newError(KindConnectionFailed, op, net.ErrClosed)
	}
	if st, _ := d.state.get(); st != ConnConnected {
		return nil, errorf(KindNotConnected, op, "data connection is %s", st)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil, newError(KindNotConnected, op, nil)
	}
	return d.conn, nil
}

// transferError records err as the connection's failure, unless the
// connection was closed on purpose, and wraps it.
func (d *dataConn) transferError(ctx context.Context, kind ErrorKind, op string, err error) error {
	err = ioError(ctx, err)
	if !d.closing.Load() {
		d.state.set(ConnFailed, err)
	}
	return newError(kind, op, err)
}

func (d *dataConn) writer(ctx context.Context, conn net.Conn) io.Writer {
	var w io.Writer = conn
	w = ratelimit.NewWriter(ctx, w, d.cfg.limiter)
	if d.cfg.progress != nil {
		w = &ProgressWriter{Writer: w, Callback: d.cfg.progress}
	}
	return w
}

func (d *dataConn) reader(ctx context.Context, conn net.Conn) io.Reader {
	r := ratelimit.NewReader(ctx, conn, d.cfg.limiter)
	if d.cfg.progress != nil {
		r = &ProgressReader{Reader: r, Callback: d.cfg.progress}
	}
	return r
}

// send writes data in one go and closes the connection.
func (d *dataConn) send(ctx context.Context, data []byte) (*DataResult, error) {
	const op = "data send"
	conn, err := d.current(op)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, d.disconnect)
	defer stop()

	n, err := d.writer(ctx, conn).Write(data)
	if err != nil {
		return nil, d.transferError(ctx, KindConnectionFailed, op, err)
	}
	d.disconnect()
	return &DataResult{Size: int64(n)}, nil
}

// sendFile copies f to the connection one chunk at a time and closes the
// connection once f is exhausted.
func (d *dataConn) sendFile(ctx context.Context, f *os.File) (*DataResult, error) {
	const op = "data send file"
	conn, err := d.current(op)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, d.disconnect)
	defer stop()

	w := d.writer(ctx, conn)
	chunk := make([]byte, d.cfg.chunkSize)
	var total int64
	for {
		n, rerr := f.Read(chunk)
		if n > 0 {
			if _, werr := w.Write(chunk[:n]); werr != nil {
				return nil, d.transferError(ctx, KindConnectionFailed, op, werr)
			}
			total += int64(n)
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			d.disconnect()
			return nil, newError(KindFileReadFailed, op, rerr)
		}
	}
	d.disconnect()
	return &DataResult{Size: total}, nil
}

// receive reads from the connection into w until the server closes it.
func (d *dataConn) receive(ctx context.Context, op string, w io.Writer) (int64, error) {
	conn, err := d.current(op)
	if err != nil {
		return 0, err
	}
	stop := context.AfterFunc(ctx, d.disconnect)
	defer stop()

	r := d.reader(ctx, conn)
	chunk := make([]byte, d.cfg.chunkSize)
	var total int64
	for {
		n, rerr := r.Read(chunk)
		if n > 0 {
			if _, werr := w.Write(chunk[:n]); werr != nil {
				d.disconnect()
				var ferr *Error
				if errors.As(werr, &ferr) {
					return total, werr
				}
				return total, newError(KindFileWriteFailed, op, werr)
			}
			total += int64(n)
		}
		if errors.Is(rerr, io.EOF) {
			// the server signals the end of the transfer by closing
			d.state.set(ConnDisconnected, nil)
			d.disconnect()
			return total, nil
		}
		if rerr != nil {
			return total, d.transferError(ctx, KindConnectionFailed, op, rerr)
		}
	}
}

// receiveInMemory collects everything the server sends.
func (d *dataConn) receiveInMemory(ctx context.Context) (*DataResult, error) {
	var buf bytes.Buffer
	n, err := d.receive(ctx, "data receive", &buf)
	if err != nil {
		return nil, err
	}
	return &DataResult{Size: n, Data: buf.Bytes()}, nil
}

// receiveToFile streams everything the server sends into the file at
// path, opened according to mode. Chunks are written as they arrive. The
// file is opened on the first chunk, or at the end of an empty transfer,
// so a transfer that fails before any data leaves the file system alone.
func (d *dataConn) receiveToFile(ctx context.Context, path string, mode WriteMode) (*DataResult, error) {
	const op = "data receive file"
	dst := &lazyFile{path: path, mode: mode}
	n, err := d.receive(ctx, op, dst)
	if err == nil {
		err = dst.open()
	}
	if cerr := dst.Close(); cerr != nil && err == nil {
		err = newError(KindFileWriteFailed, op, cerr)
	}
	if err != nil {
		return nil, err
	}
	return &DataResult{Size: n, Path: dst.actual}, nil
}
