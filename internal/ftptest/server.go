// Package ftptest runs a small in-process FTP server for tests.
//
// The server keeps its files in memory, supports passive (PASV) and active
// (PORT) data connections, and can be told to phrase its PASV replies
// differently, to dribble replies out a byte at a time, or to require an
// account after the password.
package ftptest

import (
	"fmt"
	"io"
	"net"
	"net/textproto"
	"path"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// User is an account known to the server.
type User struct {
	Password string

	// Account, when set, is demanded with 332 after the password.
	Account string
}

// Option configures a Server.
type Option func(*Server)

// WithUser adds a user. The default user is "demo" with password "secret".
func WithUser(name string, u User) Option {
	return func(s *Server) { s.users[name] = u }
}

// WithPASVFormat sets the text of 227 replies. The single %s verb receives
// the "h1,h2,h3,h4,p1,p2" sextet.
func WithPASVFormat(format string) Option {
	return func(s *Server) { s.pasvFormat = format }
}

// WithPASVAddress makes PASV announce addr instead of the real listener
// address, for example "0,0,0,0".
func WithPASVAddress(commaAddr string) Option {
	return func(s *Server) { s.pasvAddr = commaAddr }
}

// WithWelcome replaces the greeting. Lines are sent verbatim.
func WithWelcome(lines ...string) Option {
	return func(s *Server) { s.welcome = lines }
}

// WithChunkedReplies writes every reply one byte at a time.
func WithChunkedReplies() Option {
	return func(s *Server) { s.chunked = true }
}

// WithReply overrides the reply to a command verb. The lines are sent
// verbatim and the command has no other effect.
func WithReply(verb string, lines ...string) Option {
	return func(s *Server) { s.overrides[strings.ToUpper(verb)] = lines }
}

// WithoutDataConnect makes the server never connect back in active mode.
func WithoutDataConnect() Option {
	return func(s *Server) { s.noActiveDial = true }
}

// Server is an in-process FTP server.
type Server struct {
	ln   net.Listener
	Addr string
	Host string
	Port int

	users        map[string]User
	pasvFormat   string
	pasvAddr     string
	welcome      []string
	chunked      bool
	noActiveDial bool
	overrides    map[string][]string

	mu       sync.Mutex
	files    map[string][]byte
	dirs     map[string]bool
	commands []string

	wg     sync.WaitGroup
	closed chan struct{}
	conns  map[net.Conn]struct{}
	lns    map[net.Listener]struct{}
}

// New starts a server on a loopback port and stops it when the test ends.
func New(t testing.TB, opts ...Option) *Server {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	s := &Server{
		ln:         ln,
		Addr:       addr.String(),
		Host:       addr.IP.String(),
		Port:       addr.Port,
		users:      map[string]User{"demo": {Password: "secret"}},
		pasvFormat: "Entering Passive Mode (%s).",
		welcome:    []string{"220 Service ready"},
		overrides:  make(map[string][]string),
		files:      make(map[string][]byte),
		dirs:       map[string]bool{"/": true},
		closed:     make(chan struct{}),
		conns:      make(map[net.Conn]struct{}),
		lns:        make(map[net.Listener]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// URL returns the ftp:// URL of the server.
func (s *Server) URL() string {
	return "ftp://" + s.Addr
}

// AddFile stores a file. Missing parent directories are created.
func (s *Server) AddFile(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name = path.Clean("/" + name)
	s.files[name] = slices.Clone(data)
	for dir := path.Dir(name); dir != "/"; dir = path.Dir(dir) {
		s.dirs[dir] = true
	}
}

// AddDir creates a directory and its missing parents.
func (s *Server) AddDir(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for dir := path.Clean("/" + name); dir != "/"; dir = path.Dir(dir) {
		s.dirs[dir] = true
	}
}

// File returns the content of a stored file.
func (s *Server) File(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[path.Clean("/"+name)]
	return slices.Clone(data), ok
}

// Commands returns every command line received so far, in order, with the
// arguments of PASS and ACCT removed.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.commands)
}

// Close stops the server and drops all connections.
func (s *Server) Close() {
	select {
	case <-s.closed:
		return
	default:
	}
	close(s.closed)
	_ = s.ln.Close()
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	for ln := range s.lns {
		_ = ln.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				_ = conn.Close()
			}()
			s.handle(conn)
		}()
	}
}

// session is the state of one control connection.
type session struct {
	s    *Server
	conn net.Conn
	text *textproto.Conn

	user     string
	loggedIn bool
	awaitAcc bool
	cwd      string

	pasv   net.Listener
	active string
}

func (s *Server) handle(conn net.Conn) {
	c := &session{s: s, conn: conn, text: textproto.NewConn(conn), cwd: "/"}
	defer c.closeData()

	for _, line := range s.welcome {
		c.raw(line)
	}

	for {
		line, err := c.text.ReadLine()
		if err != nil {
			return
		}
		verb, arg, _ := strings.Cut(line, " ")
		verb = strings.ToUpper(verb)

		logged := line
		if verb == "PASS" || verb == "ACCT" {
			logged = verb
		}
		s.mu.Lock()
		s.commands = append(s.commands, logged)
		s.mu.Unlock()

		if lines, ok := s.overrides[verb]; ok {
			for _, l := range lines {
				c.raw(l)
			}
			continue
		}
		if !c.dispatch(verb, arg) {
			return
		}
	}
}

// raw sends one reply line.
func (c *session) raw(line string) {
	data := line + "\r\n"
	if !c.s.chunked {
		_, _ = io.WriteString(c.conn, data)
		return
	}
	for i := range len(data) {
		_, _ = c.conn.Write([]byte{data[i]})
		time.Sleep(time.Millisecond)
	}
}

func (c *session) reply(code int, format string, args ...any) {
	c.raw(fmt.Sprintf("%d %s", code, fmt.Sprintf(format, args...)))
}

func (c *session) abs(p string) string {
	if strings.HasPrefix(p, "/") {
		return path.Clean(p)
	}
	return path.Clean(path.Join(c.cwd, p))
}

// dispatch handles one command and reports whether to keep serving.
func (c *session) dispatch(verb, arg string) bool {
	switch verb {
	case "USER":
		c.user, c.loggedIn, c.awaitAcc = arg, false, false
		c.reply(331, "User name okay, need password.")
		return true
	case "PASS":
		u, ok := c.s.users[c.user]
		if !ok || u.Password != arg {
			c.reply(530, "Not logged in.")
			return true
		}
		if u.Account != "" {
			c.awaitAcc = true
			c.reply(332, "Need account for login.")
			return true
		}
		c.loggedIn = true
		c.reply(230, "User logged in, proceed.")
		return true
	case "ACCT":
		u := c.s.users[c.user]
		if !c.awaitAcc || u.Account != arg {
			c.reply(530, "Not logged in.")
			return true
		}
		c.awaitAcc, c.loggedIn = false, true
		c.reply(230, "User logged in, proceed.")
		return true
	case "QUIT":
		c.reply(221, "Service closing control connection.")
		return false
	case "NOOP":
		c.reply(200, "Command okay.")
		return true
	}

	if !c.loggedIn {
		c.reply(530, "Not logged in.")
		return true
	}

	switch verb {
	case "PWD":
		c.reply(257, "%q is the current directory.", c.cwd)
	case "CWD":
		dir := c.abs(arg)
		c.s.mu.Lock()
		ok := c.s.dirs[dir]
		c.s.mu.Unlock()
		if !ok {
			c.reply(550, "Requested action not taken.")
			return true
		}
		c.cwd = dir
		c.reply(250, "Directory changed to %s.", dir)
	case "CDUP":
		c.cwd = path.Dir(c.cwd)
		c.reply(200, "Command okay.")
	case "TYPE":
		switch arg {
		case "A", "I", "E", "L", "A N", "L 8":
			c.reply(200, "Type set to %s.", arg)
		default:
			c.reply(504, "Command not implemented for that parameter.")
		}
	case "PASV":
		c.openPassive()
	case "PORT":
		c.setActive(arg)
	case "LIST":
		c.list(arg)
	case "RETR":
		c.retrieve(arg)
	case "STOR":
		c.store(arg)
	default:
		c.reply(502, "Command not implemented.")
	}
	return true
}

func (c *session) closeData() {
	if c.pasv != nil {
		c.s.mu.Lock()
		delete(c.s.lns, c.pasv)
		c.s.mu.Unlock()
		_ = c.pasv.Close()
		c.pasv = nil
	}
	c.active = ""
}

func (c *session) openPassive() {
	c.closeData()
	ln, err := net.Listen("tcp4", c.s.Host+":0")
	if err != nil {
		c.reply(425, "Can't open data connection.")
		return
	}
	c.pasv = ln
	c.s.mu.Lock()
	c.s.lns[ln] = struct{}{}
	c.s.mu.Unlock()
	port := ln.Addr().(*net.TCPAddr).Port
	addr := strings.ReplaceAll(c.s.Host, ".", ",")
	if c.s.pasvAddr != "" {
		addr = c.s.pasvAddr
	}
	sextet := fmt.Sprintf("%s,%d,%d", addr, port/256, port%256)
	c.reply(227, c.s.pasvFormat, sextet)
}

func (c *session) setActive(arg string) {
	c.closeData()
	parts := strings.Split(arg, ",")
	if len(parts) != 6 {
		c.reply(501, "Syntax error in parameters or arguments.")
		return
	}
	var v [6]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			c.reply(501, "Syntax error in parameters or arguments.")
			return
		}
		v[i] = n
	}
	c.active = net.JoinHostPort(fmt.Sprintf("%d.%d.%d.%d", v[0], v[1], v[2], v[3]), strconv.Itoa(v[4]*256+v[5]))
	c.reply(200, "Command okay.")
}

// dataConn opens the data connection announced by the last PASV or PORT.
func (c *session) dataConn() (net.Conn, error) {
	defer c.closeData()
	switch {
	case c.pasv != nil:
		_ = c.pasv.(*net.TCPListener).SetDeadline(time.Now().Add(10 * time.Second))
		return c.pasv.Accept()
	case c.active != "":
		if c.s.noActiveDial {
			return nil, fmt.Errorf("active connections disabled")
		}
		return net.DialTimeout("tcp4", c.active, 10*time.Second)
	}
	return nil, fmt.Errorf("no data connection set up")
}

func (c *session) list(arg string) {
	// "-al path", "-al" or "path"
	fields := strings.Fields(arg)
	if len(fields) > 0 && strings.HasPrefix(fields[0], "-") {
		fields = fields[1:]
	}
	dir := c.cwd
	if len(fields) > 0 {
		dir = c.abs(strings.Join(fields, " "))
	}

	c.s.mu.Lock()
	ok := c.s.dirs[dir]
	var lines []string
	if ok {
		lines = c.s.listing(dir)
	}
	c.s.mu.Unlock()
	if !ok {
		c.closeData()
		c.reply(550, "Requested action not taken.")
		return
	}

	c.reply(150, "Here comes the directory listing.")
	conn, err := c.dataConn()
	if err != nil {
		c.reply(425, "Can't open data connection.")
		return
	}
	for _, l := range lines {
		_, _ = io.WriteString(conn, l+"\r\n")
	}
	_ = conn.Close()
	c.reply(226, "Directory send OK.")
}

// listing renders dir in `ls -al` style. The caller holds s.mu.
func (s *Server) listing(dir string) []string {
	var names []string
	for name := range s.files {
		if path.Dir(name) == dir {
			names = append(names, name)
		}
	}
	for name := range s.dirs {
		if name != "/" && path.Dir(name) == dir {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var lines []string
	for _, name := range names {
		if data, ok := s.files[name]; ok {
			lines = append(lines, fmt.Sprintf("-rw-r--r--   1 demo     users    %8d Jan 15 12:34 %s", len(data), path.Base(name)))
			continue
		}
		lines = append(lines, fmt.Sprintf("drwxr-xr-x   2 demo     users        4096 Jan 15  2024 %s", path.Base(name)))
	}
	return lines
}

func (c *session) retrieve(arg string) {
	name := c.abs(arg)
	c.s.mu.Lock()
	data, ok := c.s.files[name]
	data = slices.Clone(data)
	c.s.mu.Unlock()
	if !ok {
		c.closeData()
		c.reply(550, "File not found.")
		return
	}

	c.reply(150, "Opening BINARY mode data connection for %s (%d bytes).", path.Base(name), len(data))
	conn, err := c.dataConn()
	if err != nil {
		c.reply(425, "Can't open data connection.")
		return
	}
	_, err = conn.Write(data)
	_ = conn.Close()
	if err != nil {
		c.reply(426, "Connection closed; transfer aborted.")
		return
	}
	c.reply(226, "Transfer complete.")
}

func (c *session) store(arg string) {
	name := c.abs(arg)
	c.s.mu.Lock()
	dirOK := c.s.dirs[path.Dir(name)]
	c.s.mu.Unlock()
	if arg == "" || !dirOK {
		c.closeData()
		c.reply(553, "Requested action not taken. File name not allowed.")
		return
	}

	c.reply(150, "Ok to send data.")
	conn, err := c.dataConn()
	if err != nil {
		c.reply(425, "Can't open data connection.")
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	data, err := io.ReadAll(conn)
	_ = conn.Close()
	if err != nil {
		c.reply(426, "Connection closed; transfer aborted.")
		return
	}
	c.s.mu.Lock()
	c.s.files[name] = data
	c.s.mu.Unlock()
	c.reply(226, "Transfer complete.")
}
