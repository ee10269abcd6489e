package ftp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"
)

// defaultMaxReceive is the largest single read on a connection, one
// Ethernet TCP segment.
const defaultMaxReceive = 1460

// controlConn is the control connection of a session: one TCP stream that
// carries commands and replies in lock-step.
type controlConn struct {
	host string
	port int

	dialer     Dialer
	logger     *slog.Logger
	maxReceive int

	state *stateBox[ConnState]
	ports *portAllocator

	mu     sync.Mutex // guards the fields below
	conn   net.Conn
	buf    []byte // bytes received but not yet consumed by a reply
	local  endpoint
	remote endpoint
}

func newControlConn(host string, port int, dialer Dialer, logger *slog.Logger) *controlConn {
	c := &controlConn{
		host:       host,
		port:       port,
		dialer:     dialer,
		logger:     logger,
		maxReceive: defaultMaxReceive,
		state:      newStateBox(ConnInitialised),
		ports:      newPortAllocator(),
	}
	c.state.onChange = func(from, to ConnState, err error) {
		if err != nil {
			logger.Debug("control connection state", "from", from, "to", to, "error", err)
			return
		}
		logger.Debug("control connection state", "from", from, "to", to)
	}
	return c
}

// State returns the connection state and the error that caused a failure.
func (c *controlConn) State() (ConnState, error) {
	return c.state.get()
}

// connect dials the server over IPv4. It is permitted from Initialised,
// Disconnected and Failed.
func (c *controlConn) connect(ctx context.Context, timeout time.Duration) error {
	const op = "connect"
	if cur, ok := c.state.transition(ConnConnecting, ConnInitialised, ConnDisconnected, ConnFailed); !ok {
		return errorf(KindNotInitialised, op, "control connection is %s", cur)
	}

	addr := net.JoinHostPort(c.host, strconv.Itoa(c.port))
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(dctx, "tcp4", addr)
	if err != nil {
		c.state.set(ConnFailed, err)
		return newError(KindConnectionFailed, op, err)
	}

	local, remote := socketEndpoints(conn)
	c.mu.Lock()
	c.conn = conn
	c.buf = nil
	c.local, c.remote = local, remote
	c.mu.Unlock()

	if local.ok {
		c.ports.reset(local.port.Incremented(1))
	}
	c.state.set(ConnConnected, nil)
	c.logger.Debug("control connection established", "remote", conn.RemoteAddr(), "local", conn.LocalAddr())
	return nil
}

// disconnect closes the connection. A connected stream is shut down
// through Disconnecting; anything else is torn down immediately.
func (c *controlConn) disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.buf = nil
	c.mu.Unlock()

	st, _ := c.state.get()
	if st == ConnConnected {
		c.state.set(ConnDisconnecting, nil)
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			c.logger.Debug("closing control connection", "error", err)
		}
	}
	switch st {
	case ConnUninitialised, ConnInitialised:
	default:
		c.state.set(ConnDisconnected, nil)
	}
}

func (c *controlConn) current(op string) (net.Conn, error) {
	if st, _ := c.state.get(); st != ConnConnected {
		return nil, errorf(KindNotConnected, op, "control connection is %s", st)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, newError(KindNotConnected, op, nil)
	}
	return c.conn, nil
}

// sendCommand writes cmd to the server.
func (c *controlConn) sendCommand(ctx context.Context, cmd *command) error {
	const op = "send command"
	conn, err := c.current(op)
	if err != nil {
		return err
	}
	wire := cmd.wire()
	if wire == "" {
		return errorf(KindCommandFailed, op, "empty command")
	}

	c.logger.Debug("ftp command", "cmd", cmd.String())

	stop := bindContext(ctx, conn)
	defer stop()
	if _, err := io.WriteString(conn, wire); err != nil {
		err = ioError(ctx, err)
		c.state.set(ConnFailed, err)
		return newError(KindConnectionFailed, op, err)
	}
	return nil
}

// receiveReply reads until ParseReply yields a complete or preliminary
// reply for a command of group g. Bytes after the reply are kept for the
// next call.
func (c *controlConn) receiveReply(ctx context.Context, g CommandGroup) (*Reply, error) {
	const op = "receive reply"
	conn, err := c.current(op)
	if err != nil {
		return nil, err
	}

	stop := bindContext(ctx, conn)
	defer stop()

	c.mu.Lock()
	buf := c.buf
	c.buf = nil
	c.mu.Unlock()

	chunk := make([]byte, c.maxReceive)
	for {
		res, err := ParseReply(buf, g)
		if err != nil {
			return nil, err
		}
		if res.Complete || res.Preliminary {
			return c.keep(res), nil
		}
		if len(buf) > MaxReplySize {
			return nil, errorf(KindParseResponseFailed, op, "reply exceeds %d bytes", MaxReplySize)
		}

		n, rerr := conn.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if rerr == nil {
			continue
		}
		// The peer may close right after its last reply (221 to QUIT).
		res, err = ParseReply(buf, g)
		if rerr = ioError(ctx, rerr); errors.Is(rerr, io.EOF) {
			c.state.set(ConnDisconnected, nil)
		} else {
			c.state.set(ConnFailed, rerr)
		}
		if err == nil && (res.Complete || res.Preliminary) {
			return c.keep(res), nil
		}
		return nil, newError(KindConnectionFailed, op, rerr)
	}
}

// keep stores the bytes following res for the next receive and returns
// the reply.
func (c *controlConn) keep(res ParseResult) *Reply {
	c.mu.Lock()
	c.buf = append([]byte(nil), res.Rest...)
	c.mu.Unlock()
	reply := res.Reply
	c.logger.Debug("ftp reply", "code", reply.Code, "message", reply.Message)
	return &reply
}

// localAddress returns the local IPv4 address of the control connection,
// which is announced in PORT commands.
func (c *controlConn) localAddress() (IPv4Address, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local.addr, c.local.ok
}

// remoteAddress returns the server's IPv4 address.
func (c *controlConn) remoteAddress() (IPv4Address, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote.addr, c.remote.ok
}

// nextFreePort hands out the next active-mode listener port.
func (c *controlConn) nextFreePort() IPPort {
	return c.ports.next()
}
