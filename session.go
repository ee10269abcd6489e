package ftp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/netlift/ftp/internal/ratelimit"
)

// maxListenAttempts bounds the ports tried when an active-mode listener
// cannot bind.
const maxListenAttempts = 16

// Session is a client session with one FTP server. All methods are safe
// for concurrent use; commands are executed one at a time in the order
// callers acquire the session.
type Session struct {
	// id correlates the log lines of one session
	id string

	logger *slog.Logger
	dialer Dialer

	serverURL *url.URL
	host      string
	port      int

	connectTimeout time.Duration
	listenTimeout  time.Duration
	commandTimeout time.Duration
	idleTimeout    time.Duration

	chunkSize int
	limiter   *ratelimit.Limiter
	progress  func(int64)
	writeMode WriteMode
	parsers   []ListingParser

	// mode holds the DataConnectionMode
	mode atomic.Int32

	state *stateBox[SessionState]

	// sendGate admits one command/reply exchange on the control
	// connection at a time.
	sendGate *semaphore.Weighted

	// cmdGate serializes whole operations, so that the steps of a login
	// are never interleaved with another caller's command.
	cmdGate *semaphore.Weighted

	// mu protects the fields below
	mu          sync.Mutex
	control     *controlConn
	lastCommand time.Time
	quitChan    chan struct{}
}

// NewSession creates a session for rawURL, which must have the form
// ftp://host:port with an explicit port. No connection is made until Open.
//
// Example:
//
//	s, err := ftp.NewSession("ftp://ftp.example.com:21")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := s.Open(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close(ctx)
func NewSession(rawURL string, options ...Option) (*Session, error) {
	s := &Session{
		id:             uuid.NewString(),
		logger:         slog.New(slog.DiscardHandler),
		dialer:         &net.Dialer{},
		connectTimeout: DefaultConnectTimeout,
		listenTimeout:  DefaultListenTimeout,
		commandTimeout: DefaultCommandTimeout,
		chunkSize:      defaultMaxReceive,
		writeMode:      WriteSafeWithRename,
		state:          newStateBox(StateUninitialised),
		sendGate:       semaphore.NewWeighted(1),
		cmdGate:        semaphore.NewWeighted(1),
	}

	for _, opt := range options {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	s.logger = s.logger.With("session", s.id)
	s.state.onChange = func(from, to SessionState, err error) {
		if err != nil {
			s.logger.Debug("session state", "from", from, "to", to, "error", err)
			return
		}
		s.logger.Debug("session state", "from", from, "to", to)
	}

	u, host, port, err := parseServerURL(rawURL)
	if err != nil {
		return nil, err
	}
	s.serverURL, s.host, s.port = u, host, port
	s.state.set(StateInitialised, nil)
	return s, nil
}

// parseServerURL accepts only ftp://host:port.
func parseServerURL(rawURL string) (*url.URL, string, int, error) {
	const op = "parse url"
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", 0, newError(KindBadURL, op, err)
	}
	if u.Scheme != "ftp" {
		return nil, "", 0, errorf(KindBadURL, op, "scheme must be ftp, got %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return nil, "", 0, errorf(KindBadURL, op, "missing host in %q", rawURL)
	}
	portStr := u.Port()
	if portStr == "" {
		return nil, "", 0, errorf(KindBadURL, op, "missing port in %q", rawURL)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, "", 0, errorf(KindBadURL, op, "invalid port %q", portStr)
	}
	return u, host, port, nil
}

// ServerURL returns the URL the session connects to.
func (s *Session) ServerURL() *url.URL {
	u := *s.serverURL
	return &u
}

// ID returns the correlation id that appears in the session's log lines.
func (s *Session) ID() string {
	return s.id
}

// State returns the session state and, for StateFailed, the cause.
func (s *Session) State() (SessionState, error) {
	return s.state.get()
}

// DataConnectionMode returns the mode used for the next data connection.
func (s *Session) DataConnectionMode() DataConnectionMode {
	return DataConnectionMode(s.mode.Load())
}

// SetDataConnectionMode changes the mode used for subsequent data
// connections.
func (s *Session) SetDataConnectionMode(m DataConnectionMode) {
	s.mode.Store(int32(m))
}

func (s *Session) dataConfig() dataConfig {
	return dataConfig{
		dialer:      s.dialer,
		logger:      s.logger,
		chunkSize:   s.chunkSize,
		ioTimeout:   s.commandTimeout,
		limiter:     s.limiter,
		progress:    s.progress,
		connTimeout: s.connectTimeout,
	}
}

func (s *Session) currentControl() *controlConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.control
}

// Open connects to the server and reads its welcome. It is permitted from
// the Initialised, Closed and Failed states and leaves the session Opened,
// ready for Login.
func (s *Session) Open(ctx context.Context) error {
	const op = "open"
	if err := s.cmdGate.Acquire(ctx, 1); err != nil {
		return newError(KindConnectionFailed, op, err)
	}
	defer s.cmdGate.Release(1)

	if cur, ok := s.state.transition(StateOpening, StateInitialised, StateClosed, StateFailed); !ok {
		return errorf(KindNotInitialised, op, "session is %s", cur)
	}
	s.stopKeepAlive()

	s.mu.Lock()
	old := s.control
	s.control = nil
	s.mu.Unlock()
	if old != nil {
		old.disconnect()
	}

	control := newControlConn(s.host, s.port, s.dialer, s.logger)
	if err := control.connect(ctx, s.connectTimeout); err != nil {
		s.state.set(StateFailed, err)
		return err
	}
	s.mu.Lock()
	s.control = control
	s.mu.Unlock()

	if err := s.readWelcome(ctx, control); err != nil {
		control.disconnect()
		s.state.set(StateFailed, err)
		return err
	}

	s.touch()
	s.state.set(StateOpened, nil)
	s.logger.Info("session opened", "server", s.serverURL.Host)
	return nil
}

// readWelcome accepts a 2xx greeting. A 120 ("ready in nnn minutes") is
// followed by the real greeting.
func (s *Session) readWelcome(ctx context.Context, control *controlConn) error {
	const op = "open"
	if err := s.sendGate.Acquire(ctx, 1); err != nil {
		return newError(KindConnectionFailed, op, err)
	}
	defer s.sendGate.Release(1)

	for {
		rctx, cancel := context.WithTimeout(ctx, s.commandTimeout)
		reply, err := control.receiveReply(rctx, GroupSimple)
		cancel()
		if err != nil {
			return err
		}
		if reply.Code == CodeServiceReadyIn {
			s.logger.Info("server not ready yet", "message", reply.Message)
			continue
		}
		if !reply.Is2xx() {
			return newError(KindConnectionFailed, op,
				&ProtocolError{Command: "connect", Response: reply.Message, Code: reply.Code})
		}
		return nil
	}
}

// Close drops the control connection without sending QUIT. It is
// permitted from the Opened and Idle states; use Logout for an orderly
// goodbye.
func (s *Session) Close(ctx context.Context) error {
	const op = "close"
	if err := s.cmdGate.Acquire(ctx, 1); err != nil {
		return newError(KindConnectionFailed, op, err)
	}
	defer s.cmdGate.Release(1)

	if cur, ok := s.state.transition(StateClosing, StateOpened, StateIdle); !ok {
		return errorf(KindNotOpened, op, "session is %s", cur)
	}
	s.shutdown()
	s.state.set(StateClosed, nil)
	s.logger.Info("session closed")
	return nil
}

func (s *Session) shutdown() {
	s.stopKeepAlive()
	s.mu.Lock()
	control := s.control
	s.control = nil
	s.mu.Unlock()
	if control != nil {
		control.disconnect()
	}
}

// stateError reports a call made in the wrong session state.
func stateError(op string, cur SessionState) error {
	switch cur {
	case StateOpened, StateIdle, StateBusy:
		return errorf(KindNotInitialised, op, "session is %s", cur)
	}
	return errorf(KindNotOpened, op, "session is %s", cur)
}

// run executes fn as one operation: it holds the command gate, checks
// that the session is in one of the allowed states, and marks it Busy
// meanwhile. fn returns the state to leave the session in.
func (s *Session) run(ctx context.Context, op string, allowed []SessionState, fn func(ctx context.Context, control *controlConn, prev SessionState) (SessionState, error)) error {
	if err := s.cmdGate.Acquire(ctx, 1); err != nil {
		return newError(KindConnectionFailed, op, err)
	}
	defer s.cmdGate.Release(1)

	prev, ok := s.state.transition(StateBusy, allowed...)
	if !ok {
		return stateError(op, prev)
	}
	control := s.currentControl()
	if control == nil {
		s.state.set(prev, nil)
		return errorf(KindNotConnected, op, "no control connection")
	}

	next, err := fn(ctx, control, prev)
	s.state.set(next, nil)
	return err
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastCommand = time.Now()
	s.mu.Unlock()
}

// checkExpected warns about reply codes RFC 959 does not list for cmd.
func (s *Session) checkExpected(cmd *command, reply *Reply) {
	if len(cmd.expected) > 0 && !cmd.expects(reply.Code) {
		s.logger.Warn("unexpected reply code", "cmd", cmd.verb, "code", reply.Code, "message", reply.Message)
	}
}

// commandResult is what performCommand hands back to the wrappers.
type commandResult struct {
	reply *Reply
	data  *DataResult
}

// performCommand executes one command, with its data transfer if it has
// one. Only one command is in flight on the control connection at a time.
func (s *Session) performCommand(ctx context.Context, control *controlConn, cmd *command) (*commandResult, error) {
	if err := s.sendGate.Acquire(ctx, 1); err != nil {
		return nil, newError(KindConnectionFailed, cmd.verb, err)
	}
	defer s.sendGate.Release(1)
	defer s.touch()

	if cmd.direction == ControlOnly {
		reply, err := s.exchange(ctx, control, cmd)
		if err != nil {
			return nil, err
		}
		return &commandResult{reply: reply}, nil
	}
	return s.transfer(ctx, control, cmd)
}

// exchange sends cmd and reads one reply.
func (s *Session) exchange(ctx context.Context, control *controlConn, cmd *command) (*Reply, error) {
	if err := control.sendCommand(ctx, cmd); err != nil {
		return nil, err
	}
	rctx, cancel := context.WithTimeout(ctx, s.commandTimeout)
	defer cancel()
	reply, err := control.receiveReply(rctx, cmd.group)
	if err != nil {
		return nil, err
	}
	s.checkExpected(cmd, reply)
	return reply, nil
}

// transfer runs a command that needs a data connection. Active and
// passive mode differ only in how the connection is established; the
// reply loop is shared.
func (s *Session) transfer(ctx context.Context, control *controlConn, cmd *command) (*commandResult, error) {
	op := cmd.verb

	// Local files are checked before anything goes on the wire.
	var source interface {
		Close() error
	}
	var upload func(ctx context.Context, d *dataConn) (*DataResult, error)
	switch {
	case cmd.direction == SendWithData && cmd.payload == PayloadFile:
		f, err := openSource(cmd.localPath)
		if err != nil {
			return nil, err
		}
		source = f
		upload = func(ctx context.Context, d *dataConn) (*DataResult, error) { return d.sendFile(ctx, f) }
	case cmd.direction == SendWithData:
		upload = func(ctx context.Context, d *dataConn) (*DataResult, error) { return d.send(ctx, cmd.data) }
	case cmd.payload == PayloadFile:
		if err := checkDestination(cmd.localPath, cmd.writeMode); err != nil {
			return nil, err
		}
	}
	if source != nil {
		defer source.Close()
	}

	mode := s.DataConnectionMode()
	var (
		data *dataConn
		err  error
	)
	if mode == Active {
		data, err = s.listenActive(ctx, control)
	} else {
		data, err = s.dialPassive(ctx, control)
	}
	if err != nil {
		return nil, err
	}
	defer data.disconnect()

	if err := control.sendCommand(ctx, cmd); err != nil {
		return nil, err
	}

	var (
		g, gctx   = errgroup.WithContext(ctx)
		started   bool
		aborted   bool
		phaseDone chan struct{}
		result    *DataResult
		errs      *multierror.Error
		final     *Reply
	)

	for final == nil {
		rctx, cancel := replyContext(ctx, phaseDone, s.commandTimeout)
		reply, err := control.receiveReply(rctx, cmd.group)
		cancel()
		if err != nil {
			data.disconnect()
			aborted = true
			errs = multierror.Append(errs, err)
			break
		}
		s.checkExpected(cmd, reply)

		switch ClassifyReply(reply.Code, cmd.group) {
		case ClassPreliminary:
			if started {
				continue
			}
			started = true
			// The data phase runs alongside the reply reads, so a failure
			// reply can end it, also while waiting for an active connection.
			phaseDone = make(chan struct{})
			done := phaseDone
			g.Go(func() error {
				defer close(done)
				defer data.disconnect()
				res, err := s.dataPhase(gctx, data, mode, cmd, upload)
				result = res
				return err
			})

		case ClassSuccess:
			final = reply

		default:
			data.disconnect()
			aborted = true
			final = reply
		}
	}

	if err := g.Wait(); err != nil {
		// a data phase cut short by our own disconnect after a failure
		// reply is reported by that reply
		if aborted && KindOf(err) == KindConnectionFailed {
			s.logger.Debug("data transfer ended by disconnect", "cmd", op, "error", err)
		} else {
			errs = multierror.Append(errs, err)
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return &commandResult{reply: final, data: result}, err
	}
	if result == nil {
		result = &DataResult{}
	}
	return &commandResult{reply: final, data: result}, nil
}

// dataPhase moves the payload once the server has signalled it is ready.
// In active mode it first waits for the server to connect.
func (s *Session) dataPhase(ctx context.Context, data *dataConn, mode DataConnectionMode, cmd *command, upload func(context.Context, *dataConn) (*DataResult, error)) (*DataResult, error) {
	if mode == Active {
		if err := data.waitForConnection(ctx, s.listenTimeout); err != nil {
			return nil, err
		}
	}
	switch {
	case upload != nil:
		return upload(ctx, data)
	case cmd.payload == PayloadFile:
		return data.receiveToFile(ctx, cmd.localPath, cmd.writeMode)
	}
	return data.receiveInMemory(ctx)
}

// replyContext bounds a reply read by timeout. While the data phase is
// running the server only replies once the transfer ends, so the timeout
// starts when done is closed.
func replyContext(ctx context.Context, done <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	if done == nil {
		return context.WithTimeout(ctx, timeout)
	}
	select {
	case <-done:
		return context.WithTimeout(ctx, timeout)
	default:
	}
	rctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-done:
		case <-rctx.Done():
			return
		}
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-t.C:
			cancel()
		case <-rctx.Done():
		}
	}()
	return rctx, cancel
}

// listenActive starts a listener on the next free port and announces it
// with PORT. A port that cannot be bound is skipped.
func (s *Session) listenActive(ctx context.Context, control *controlConn) (*dataConn, error) {
	const op = "active setup"
	addr, ok := control.localAddress()
	if !ok || addr.IsUnspecified() {
		return nil, errorf(KindConnectionFailed, op, "control connection has no local IPv4 address")
	}

	var errs *multierror.Error
	for range maxListenAttempts {
		port := control.nextFreePort()
		data := newDataConn(s.dataConfig())
		if err := data.listen(ctx, addr, port); err != nil {
			s.logger.Debug("listen failed, trying next port", "port", port, "error", err)
			errs = multierror.Append(errs, err)
			continue
		}

		reply, err := s.exchange(ctx, control, portCommand(addr, port))
		if err != nil {
			data.disconnect()
			return nil, err
		}
		if !reply.Is2xx() {
			data.disconnect()
			return nil, newError(KindCommandFailed, op,
				&ProtocolError{Command: "PORT", Response: reply.Message, Code: reply.Code})
		}
		return data, nil
	}
	return nil, newError(KindConnectionFailed, op, errs.ErrorOrNil())
}

// dialPassive sends PASV and dials the address from the reply. An
// unspecified address means the control connection's peer.
func (s *Session) dialPassive(ctx context.Context, control *controlConn) (*dataConn, error) {
	const op = "passive setup"
	reply, err := s.exchange(ctx, control, pasvCommand())
	if err != nil {
		return nil, err
	}
	if reply.Code != CodeEnteringPassiveMode {
		return nil, newError(KindCommandFailed, op,
			&ProtocolError{Command: "PASV", Response: reply.Message, Code: reply.Code})
	}
	addr, port, err := ParsePASV(reply.Message)
	if err != nil {
		return nil, err
	}
	if addr.IsUnspecified() {
		if remote, ok := control.remoteAddress(); ok {
			addr = remote
		}
	}

	data := newDataConn(s.dataConfig())
	if err := data.connect(ctx, addr, port); err != nil {
		return nil, err
	}
	return data, nil
}
