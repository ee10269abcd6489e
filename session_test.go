package ftp_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/netlift/ftp"
	"github.com/netlift/ftp/internal/ftptest"
)

func newSession(t *testing.T, srv *ftptest.Server, opts ...ftp.Option) *ftp.Session {
	t.Helper()
	opts = append([]ftp.Option{ftp.WithCommandTimeout(5 * time.Second)}, opts...)
	s, err := ftp.NewSession(srv.URL(), opts...)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func openAndLogin(t *testing.T, s *ftp.Session) {
	t.Helper()
	ctx := context.Background()
	if err := s.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	res, err := s.Login(ctx, "demo", "secret", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !res.OK() {
		t.Fatalf("Login refused: %d %s", res.Code, res.Message)
	}
}

func requireState(t *testing.T, s *ftp.Session, want ftp.SessionState) {
	t.Helper()
	if got, err := s.State(); got != want {
		t.Fatalf("state = %v (%v), want %v", got, err, want)
	}
}

func commandsWithPrefix(srv *ftptest.Server, prefix string) []string {
	var out []string
	for _, c := range srv.Commands() {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func exerciseTransfers(t *testing.T, srv *ftptest.Server, s *ftp.Session) {
	t.Helper()
	ctx := context.Background()

	list, err := s.List(ctx, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if !list.OK() || len(list.Items) != 0 {
		t.Fatalf("empty List = %v with %d items", list.Outcome, len(list.Items))
	}

	payload := bytes.Repeat([]byte("ftp data "), 2000)
	stored, err := s.StoreData(ctx, payload, "a.txt")
	if err != nil {
		t.Fatalf("StoreData: %v", err)
	}
	if !stored.OK() || stored.Code != ftp.CodeClosingDataConnection {
		t.Fatalf("StoreData = %d %s", stored.Code, stored.Message)
	}
	if stored.Size != int64(len(payload)) {
		t.Errorf("stored %d bytes, want %d", stored.Size, len(payload))
	}
	if got, _ := srv.File("a.txt"); !bytes.Equal(got, payload) {
		t.Errorf("server holds %d bytes, want %d", len(got), len(payload))
	}

	retrieved, err := s.RetrieveData(ctx, "a.txt")
	if err != nil {
		t.Fatalf("RetrieveData: %v", err)
	}
	if !retrieved.OK() || !bytes.Equal(retrieved.Data, payload) {
		t.Fatalf("RetrieveData = %v, %d bytes", retrieved.Outcome, len(retrieved.Data))
	}

	list, err = s.List(ctx, "/")
	if err != nil {
		t.Fatal(err)
	}
	files := list.FilesOnly()
	if len(files) != 1 || files[0].Name != "a.txt" || files[0].Size != uint64(len(payload)) {
		t.Errorf("listing = %+v", list.Items)
	}
	requireState(t, s, ftp.StateIdle)
}

func TestSession_Passive(t *testing.T) {
	t.Parallel()
	srv := ftptest.New(t)
	s := newSession(t, srv)
	openAndLogin(t, s)
	requireState(t, s, ftp.StateIdle)

	exerciseTransfers(t, srv, s)
	if len(commandsWithPrefix(srv, "PASV")) != 4 {
		t.Errorf("PASV sent %d times, want 4", len(commandsWithPrefix(srv, "PASV")))
	}

	res, err := s.Logout(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK() || res.Code != ftp.CodeServiceClosing {
		t.Errorf("Logout = %d %s", res.Code, res.Message)
	}
	requireState(t, s, ftp.StateClosed)
}

func TestSession_Active(t *testing.T) {
	t.Parallel()
	srv := ftptest.New(t)
	s := newSession(t, srv, ftp.WithDataConnectionMode(ftp.Active))
	if s.DataConnectionMode() != ftp.Active {
		t.Fatalf("mode = %v", s.DataConnectionMode())
	}
	openAndLogin(t, s)
	exerciseTransfers(t, srv, s)

	ports := commandsWithPrefix(srv, "PORT ")
	if len(ports) != 4 {
		t.Fatalf("PORT sent %d times", len(ports))
	}
	seen := make(map[string]bool)
	for _, p := range ports {
		if !strings.HasPrefix(p, "PORT 127,0,0,1,") {
			t.Errorf("unexpected %q", p)
		}
		if seen[p] {
			t.Errorf("port reused: %q", p)
		}
		seen[p] = true
	}
	if len(commandsWithPrefix(srv, "PASV")) != 0 {
		t.Error("PASV sent in active mode")
	}
}

func TestSession_SwitchMode(t *testing.T) {
	t.Parallel()
	srv := ftptest.New(t)
	srv.AddFile("f.bin", []byte("switch"))
	s := newSession(t, srv)
	openAndLogin(t, s)
	ctx := context.Background()

	for _, m := range []ftp.DataConnectionMode{ftp.Active, ftp.Passive, ftp.Active} {
		s.SetDataConnectionMode(m)
		res, err := s.RetrieveData(ctx, "f.bin")
		if err != nil || string(res.Data) != "switch" {
			t.Fatalf("%v: %v %q", m, err, res.Data)
		}
	}
	if len(commandsWithPrefix(srv, "PORT")) != 2 || len(commandsWithPrefix(srv, "PASV")) != 1 {
		t.Errorf("commands = %v", srv.Commands())
	}
}

func TestSession_Login(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		opts     []ftptest.Option
		user     string
		pass     string
		account  string
		ok       bool
		code     int
		failed   ftp.LoginStep
		commands []string
	}{
		{
			name: "password", user: "demo", pass: "secret", ok: true, code: 230,
			commands: []string{"USER demo", "PASS"},
		},
		{
			name: "wrong password", user: "demo", pass: "nope", code: 530, failed: ftp.LoginStepPassword,
			commands: []string{"USER demo", "PASS"},
		},
		{
			name: "unknown user refused at USER", user: "ghost", pass: "x", code: 530, failed: ftp.LoginStepUsername,
			opts:     []ftptest.Option{ftptest.WithReply("USER", "530 Not logged in.")},
			commands: []string{"USER ghost"},
		},
		{
			name: "user without password", user: "anon", ok: true, code: 230,
			opts:     []ftptest.Option{ftptest.WithReply("USER", "230 Logged in.")},
			commands: []string{"USER anon"},
		},
		{
			name: "account", user: "acme", pass: "pw", account: "billing", ok: true, code: 230,
			opts:     []ftptest.Option{ftptest.WithUser("acme", ftptest.User{Password: "pw", Account: "billing"})},
			commands: []string{"USER acme", "PASS", "ACCT"},
		},
		{
			name: "account missing", user: "acme", pass: "pw", code: 332, failed: ftp.LoginStepAccount,
			opts:     []ftptest.Option{ftptest.WithUser("acme", ftptest.User{Password: "pw", Account: "billing"})},
			commands: []string{"USER acme", "PASS"},
		},
		{
			name: "account wrong", user: "acme", pass: "pw", account: "other", code: 530, failed: ftp.LoginStepAccount,
			opts:     []ftptest.Option{ftptest.WithUser("acme", ftptest.User{Password: "pw", Account: "billing"})},
			commands: []string{"USER acme", "PASS", "ACCT"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := ftptest.New(t, tt.opts...)
			s := newSession(t, srv)
			ctx := context.Background()
			if err := s.Open(ctx); err != nil {
				t.Fatal(err)
			}
			res, err := s.Login(ctx, tt.user, tt.pass, tt.account)
			if err != nil {
				t.Fatalf("Login error: %v", err)
			}
			if res.OK() != tt.ok || res.Code != tt.code || res.FailedStep != tt.failed {
				t.Errorf("Login = ok %v code %d step %v, want ok %v code %d step %v",
					res.OK(), res.Code, res.FailedStep, tt.ok, tt.code, tt.failed)
			}
			if tt.ok {
				requireState(t, s, ftp.StateIdle)
				if err := res.Err(); err != nil {
					t.Errorf("Err() = %v for a successful login", err)
				}
			} else {
				requireState(t, s, ftp.StateOpened)
				if err := res.Err(); !errors.Is(err, ftp.ErrLoginFailed) || !strings.Contains(err.Error(), tt.failed.String()) {
					t.Errorf("Err() = %v, want LoginFailed naming %q", err, tt.failed)
				}
			}
			if got := srv.Commands(); !slices.Equal(got, tt.commands) {
				t.Errorf("commands = %q, want %q", got, tt.commands)
			}
		})
	}
}

func TestSession_RetryLoginAfterRefusal(t *testing.T) {
	t.Parallel()
	srv := ftptest.New(t)
	s := newSession(t, srv)
	ctx := context.Background()
	if err := s.Open(ctx); err != nil {
		t.Fatal(err)
	}
	if res, err := s.Login(ctx, "demo", "wrong", ""); err != nil || res.OK() {
		t.Fatalf("first login = %+v, %v", res, err)
	}
	if res, err := s.Login(ctx, "demo", "secret", ""); err != nil || !res.OK() {
		t.Fatalf("second login = %+v, %v", res, err)
	}
}

func TestSession_Directories(t *testing.T) {
	t.Parallel()
	srv := ftptest.New(t)
	srv.AddDir("pub/docs")
	s := newSession(t, srv)
	openAndLogin(t, s)
	ctx := context.Background()

	pwd, err := s.PrintWorkingDirectory(ctx)
	if err != nil || !pwd.OK() || pwd.Path != "/" {
		t.Fatalf("PWD = %+v, %v", pwd, err)
	}

	res, err := s.ChangeWorkingDirectory(ctx, "/pub/docs")
	if err != nil || !res.OK() || res.Code != ftp.CodeFileActionOK {
		t.Fatalf("CWD = %+v, %v", res, err)
	}
	if pwd, _ = s.PrintWorkingDirectory(ctx); pwd.Path != "/pub/docs" {
		t.Errorf("PWD after CWD = %q", pwd.Path)
	}

	res, err = s.ChangeWorkingDirectory(ctx, "/missing")
	if err != nil {
		t.Fatal(err)
	}
	if res.OK() || res.Code != ftp.CodeFileUnavailable {
		t.Errorf("CWD to a missing directory = %+v", res)
	}

	if res, err = s.ChangeToParentDirectory(ctx); err != nil || !res.OK() {
		t.Fatalf("CDUP = %+v, %v", res, err)
	}
	if pwd, _ = s.PrintWorkingDirectory(ctx); pwd.Path != "/pub" {
		t.Errorf("PWD after CDUP = %q", pwd.Path)
	}

	list, err := s.List(ctx, "/pub")
	if err != nil {
		t.Fatal(err)
	}
	dirs := list.FoldersOnly(false)
	if len(dirs) != 1 || dirs[0].Name != "docs" || !dirs[0].IsDir() {
		t.Errorf("FoldersOnly = %+v", dirs)
	}

	list, err = s.List(ctx, "/nowhere")
	if err != nil {
		t.Fatal(err)
	}
	if list.OK() || list.Code != ftp.CodeFileUnavailable || len(list.Items) != 0 {
		t.Errorf("List of missing directory = %+v", list)
	}
}

func TestSession_SetType(t *testing.T) {
	t.Parallel()
	srv := ftptest.New(t)
	s := newSession(t, srv)
	openAndLogin(t, s)
	ctx := context.Background()

	for _, tc := range []ftp.TypeCode{ftp.TypeASCII, ftp.TypeImage, ftp.TypeEBCDIC} {
		res, err := s.SetType(ctx, tc)
		if err != nil || !res.OK() {
			t.Errorf("TYPE %s = %+v, %v", tc, res, err)
		}
	}
	res, err := s.SetType(ctx, ftp.TypeCode("X"))
	if err != nil {
		t.Fatal(err)
	}
	if res.OK() || res.Code != ftp.CodeNotImplementedParameter {
		t.Errorf("TYPE X = %+v", res)
	}
	if got := commandsWithPrefix(srv, "TYPE"); !slices.Equal(got, []string{"TYPE A", "TYPE I", "TYPE E", "TYPE X"}) {
		t.Errorf("commands = %q", got)
	}
}

func TestSession_PWDQuoting(t *testing.T) {
	t.Parallel()
	tests := []struct {
		reply string
		path  string
		fails bool
	}{
		{`257 "/home/demo" is the current directory.`, "/home/demo", false},
		{`257 "/it""s here" created.`, `/it"s here`, false},
		{`257 no quotes here`, "", true},
	}
	for _, tt := range tests {
		srv := ftptest.New(t, ftptest.WithReply("PWD", tt.reply))
		s := newSession(t, srv)
		openAndLogin(t, s)
		res, err := s.PrintWorkingDirectory(context.Background())
		if tt.fails {
			if !errors.Is(err, ftp.ErrParseResponseFailed) {
				t.Errorf("%s: error = %v, want ParseResponseFailed", tt.reply, err)
			}
			continue
		}
		if err != nil || res.Path != tt.path {
			t.Errorf("%s: path = %q, %v", tt.reply, res.Path, err)
		}
	}
}

func TestSession_RetrieveFile(t *testing.T) {
	t.Parallel()
	srv := ftptest.New(t)
	srv.AddFile("foo.txt", []byte("remote content"))
	s := newSession(t, srv)
	openAndLogin(t, s)
	ctx := context.Background()

	dir := t.TempDir()
	local := filepath.Join(dir, "foo.txt")
	res, err := s.RetrieveFile(ctx, "foo.txt", local)
	if err != nil || !res.OK() {
		t.Fatalf("RetrieveFile = %+v, %v", res, err)
	}
	if res.Path != local || res.Size != 14 {
		t.Errorf("result = %+v", res)
	}

	// the default write mode picks a numbered name
	res, err = s.RetrieveFile(ctx, "foo.txt", local)
	if err != nil || !res.OK() {
		t.Fatalf("second RetrieveFile = %+v, %v", res, err)
	}
	if want := filepath.Join(dir, "foo 0.txt"); res.Path != want {
		t.Errorf("path = %q, want %q", res.Path, want)
	}
	if b, _ := os.ReadFile(res.Path); string(b) != "remote content" {
		t.Errorf("content = %q", b)
	}

	res, err = s.RetrieveFileMode(ctx, "foo.txt", local, ftp.WriteAppend)
	if err != nil || !res.OK() {
		t.Fatalf("append = %+v, %v", res, err)
	}
	if b, _ := os.ReadFile(local); string(b) != "remote contentremote content" {
		t.Errorf("appended content = %q", b)
	}

	before := len(srv.Commands())
	_, err = s.RetrieveFileMode(ctx, "foo.txt", local, ftp.WriteSafe)
	if !errors.Is(err, ftp.ErrFileWriteFailed) {
		t.Fatalf("safe mode error = %v, want FileWriteFailed", err)
	}
	if after := len(srv.Commands()); after != before {
		t.Errorf("%d commands sent for a refused download", after-before)
	}
	requireState(t, s, ftp.StateIdle)

	res, err = s.RetrieveFile(ctx, "missing.txt", filepath.Join(dir, "missing.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if res.OK() || res.Code != ftp.CodeFileUnavailable {
		t.Errorf("missing file = %+v", res)
	}
}

func TestSession_StoreFile(t *testing.T) {
	t.Parallel()
	srv := ftptest.New(t)
	s := newSession(t, srv, ftp.WithChunkSize(100))
	openAndLogin(t, s)
	ctx := context.Background()

	local := filepath.Join(t.TempDir(), "up.bin")
	content := bytes.Repeat([]byte{1, 2, 3, 4}, 1000)
	if err := os.WriteFile(local, content, 0o644); err != nil {
		t.Fatal(err)
	}
	res, err := s.StoreFile(ctx, local, "up.bin")
	if err != nil || !res.OK() {
		t.Fatalf("StoreFile = %+v, %v", res, err)
	}
	if got, _ := srv.File("up.bin"); !bytes.Equal(got, content) {
		t.Errorf("server holds %d bytes", len(got))
	}

	before := len(srv.Commands())
	_, err = s.StoreFile(ctx, filepath.Join(t.TempDir(), "nope.bin"), "nope.bin")
	if !errors.Is(err, ftp.ErrFileOpenFailed) {
		t.Fatalf("missing source error = %v, want FileOpenFailed", err)
	}
	if after := len(srv.Commands()); after != before {
		t.Errorf("%d commands sent for a missing source", after-before)
	}

	res, err = s.StoreData(ctx, []byte("x"), "/no/such/dir/x")
	if err != nil {
		t.Fatal(err)
	}
	if res.OK() || res.Code != ftp.CodeFileNameNotAllowed {
		t.Errorf("store into missing directory = %+v", res)
	}
}

func TestSession_ConcurrentCommands(t *testing.T) {
	t.Parallel()
	srv := ftptest.New(t)
	s := newSession(t, srv)
	openAndLogin(t, s)
	ctx := context.Background()

	const workers = 10
	var wg sync.WaitGroup
	errs := make(chan error, 2*workers)
	for range workers {
		wg.Add(2)
		go func() {
			defer wg.Done()
			res, err := s.PrintWorkingDirectory(ctx)
			if err != nil {
				errs <- err
				return
			}
			if res.Code != ftp.CodePathnameCreated || res.Path != "/" {
				errs <- errors.New("PWD got reply " + res.Message)
			}
		}()
		go func() {
			defer wg.Done()
			res, err := s.Noop(ctx)
			if err != nil {
				errs <- err
				return
			}
			if res.Code != ftp.CodeCommandOK {
				errs <- errors.New("NOOP got reply " + res.Message)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if n := len(commandsWithPrefix(srv, "PWD")); n != workers {
		t.Errorf("server saw %d PWD, want %d", n, workers)
	}
	if n := len(commandsWithPrefix(srv, "NOOP")); n != workers {
		t.Errorf("server saw %d NOOP, want %d", n, workers)
	}
	requireState(t, s, ftp.StateIdle)
}

func TestSession_WrongState(t *testing.T) {
	t.Parallel()
	srv := ftptest.New(t)
	s := newSession(t, srv)
	ctx := context.Background()
	requireState(t, s, ftp.StateInitialised)

	if _, err := s.Login(ctx, "demo", "secret", ""); !errors.Is(err, ftp.ErrNotOpened) {
		t.Errorf("Login before Open: %v", err)
	}
	if _, err := s.Noop(ctx); !errors.Is(err, ftp.ErrNotOpened) {
		t.Errorf("Noop before Open: %v", err)
	}
	if err := s.Close(ctx); !errors.Is(err, ftp.ErrNotOpened) {
		t.Errorf("Close before Open: %v", err)
	}

	if err := s.Open(ctx); err != nil {
		t.Fatal(err)
	}
	requireState(t, s, ftp.StateOpened)
	if err := s.Open(ctx); !errors.Is(err, ftp.ErrNotInitialised) {
		t.Errorf("second Open: %v", err)
	}
	if _, err := s.PrintWorkingDirectory(ctx); !errors.Is(err, ftp.ErrNotInitialised) {
		t.Errorf("PWD before Login: %v", err)
	}
	if _, err := s.RetrieveData(ctx, "x"); !errors.Is(err, ftp.ErrNotInitialised) {
		t.Errorf("RETR before Login: %v", err)
	}
	if res, err := s.Noop(ctx); err != nil || !res.OK() {
		t.Errorf("Noop before Login = %+v, %v", res, err)
	}

	if res, err := s.Login(ctx, "demo", "secret", ""); err != nil || !res.OK() {
		t.Fatal(err)
	}
	if _, err := s.Login(ctx, "demo", "secret", ""); !errors.Is(err, ftp.ErrNotInitialised) {
		t.Errorf("second Login: %v", err)
	}

	if err := s.Close(ctx); err != nil {
		t.Fatal(err)
	}
	requireState(t, s, ftp.StateClosed)
	if _, err := s.PrintWorkingDirectory(ctx); !errors.Is(err, ftp.ErrNotOpened) {
		t.Errorf("PWD after Close: %v", err)
	}
	if got := commandsWithPrefix(srv, "QUIT"); len(got) != 0 {
		t.Error("Close sent QUIT")
	}
}

func TestNewSession_BadURL(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{
		"",
		"ftp.example.com:21",
		"http://ftp.example.com:21",
		"ftp://ftp.example.com",
		"ftp://:21",
		"ftp://ftp.example.com:0",
		"ftp://ftp.example.com:65536",
		"ftp://ftp.example.com:port",
		"ftp://[::1",
	} {
		if _, err := ftp.NewSession(raw); !errors.Is(err, ftp.ErrBadURL) {
			t.Errorf("NewSession(%q) error = %v, want BadURL", raw, err)
		}
	}

	s, err := ftp.NewSession("ftp://ftp.example.com:2121")
	if err != nil {
		t.Fatal(err)
	}
	if u := s.ServerURL(); u.Hostname() != "ftp.example.com" || u.Port() != "2121" {
		t.Errorf("ServerURL = %v", u)
	}
	if s.ID() == "" {
		t.Error("empty session id")
	}
}

func TestSession_Welcome(t *testing.T) {
	t.Parallel()
	t.Run("delayed", func(t *testing.T) {
		t.Parallel()
		srv := ftptest.New(t, ftptest.WithWelcome("120 Ready in 1 minute.", "220 Ready"))
		s := newSession(t, srv)
		if err := s.Open(context.Background()); err != nil {
			t.Fatal(err)
		}
		requireState(t, s, ftp.StateOpened)
	})

	t.Run("multi-line", func(t *testing.T) {
		t.Parallel()
		srv := ftptest.New(t, ftptest.WithWelcome("220-Welcome", "  to the test server", "220 Ready"))
		s := newSession(t, srv)
		openAndLogin(t, s)
	})

	t.Run("refused", func(t *testing.T) {
		t.Parallel()
		srv := ftptest.New(t, ftptest.WithWelcome("421 Too many users"))
		s := newSession(t, srv)
		err := s.Open(context.Background())
		if !errors.Is(err, ftp.ErrConnectionFailed) {
			t.Fatalf("error = %v, want ConnectionFailed", err)
		}
		var pe *ftp.ProtocolError
		if !errors.As(err, &pe) || pe.Code != 421 || !pe.IsTemporary() {
			t.Errorf("ProtocolError = %+v", pe)
		}
		requireState(t, s, ftp.StateFailed)

		// Open is permitted again after a failure
		if err := s.Open(context.Background()); !errors.Is(err, ftp.ErrConnectionFailed) {
			t.Errorf("reopen error = %v", err)
		}
	})

	t.Run("no server", func(t *testing.T) {
		t.Parallel()
		srv := ftptest.New(t)
		url := srv.URL()
		srv.Close()
		s, err := ftp.NewSession(url, ftp.WithConnectTimeout(time.Second))
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Open(context.Background()); !errors.Is(err, ftp.ErrConnectionFailed) {
			t.Errorf("error = %v, want ConnectionFailed", err)
		}
		requireState(t, s, ftp.StateFailed)
	})
}

func TestSession_PASVFormats(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		opts []ftptest.Option
	}{
		{"unclosed parenthesis", []ftptest.Option{ftptest.WithPASVFormat("Entering Passive Mode (%s")}},
		{"bare sextet", []ftptest.Option{ftptest.WithPASVFormat("Entering Passive Mode. %s")}},
		{"equals prefix", []ftptest.Option{ftptest.WithPASVFormat("=%s")}},
		{"unspecified address", []ftptest.Option{ftptest.WithPASVAddress("0,0,0,0")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := ftptest.New(t, tt.opts...)
			srv.AddFile("f.txt", []byte("pasv"))
			s := newSession(t, srv)
			openAndLogin(t, s)
			res, err := s.RetrieveData(context.Background(), "f.txt")
			if err != nil || string(res.Data) != "pasv" {
				t.Fatalf("RetrieveData = %v, %v", res, err)
			}
		})
	}
}

func TestSession_PASVRefused(t *testing.T) {
	t.Parallel()
	srv := ftptest.New(t, ftptest.WithReply("PASV", "502 Command not implemented."))
	s := newSession(t, srv)
	openAndLogin(t, s)

	_, err := s.List(context.Background(), "")
	if !errors.Is(err, ftp.ErrCommandFailed) {
		t.Fatalf("error = %v, want CommandFailed", err)
	}
	var pe *ftp.ProtocolError
	if !errors.As(err, &pe) || pe.Command != "PASV" || pe.Code != 502 {
		t.Errorf("ProtocolError = %+v", pe)
	}
	requireState(t, s, ftp.StateIdle)
	if len(commandsWithPrefix(srv, "LIST")) != 0 {
		t.Error("LIST sent without a data connection")
	}
}

func TestSession_PORTRefused(t *testing.T) {
	t.Parallel()
	srv := ftptest.New(t, ftptest.WithReply("PORT", "500 Illegal PORT command."))
	s := newSession(t, srv, ftp.WithDataConnectionMode(ftp.Active))
	openAndLogin(t, s)

	_, err := s.RetrieveData(context.Background(), "f.txt")
	var pe *ftp.ProtocolError
	if !errors.Is(err, ftp.ErrCommandFailed) || !errors.As(err, &pe) || pe.Command != "PORT" {
		t.Fatalf("error = %v", err)
	}
	requireState(t, s, ftp.StateIdle)
}

func TestSession_ActiveServerCannotConnect(t *testing.T) {
	t.Parallel()
	srv := ftptest.New(t, ftptest.WithoutDataConnect())
	srv.AddFile("f.txt", []byte("never"))
	s := newSession(t, srv,
		ftp.WithDataConnectionMode(ftp.Active),
		ftp.WithListenTimeout(time.Minute),
	)
	openAndLogin(t, s)

	start := time.Now()
	res, err := s.RetrieveData(context.Background(), "f.txt")
	if err != nil {
		t.Fatalf("RetrieveData error = %v, want a failure result", err)
	}
	if res.OK() || res.Code != ftp.CodeCannotOpenDataConn {
		t.Errorf("result = %v %d, want failure 425", res.Outcome, res.Code)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("waited %v for a connection the server gave up on", elapsed)
	}
	requireState(t, s, ftp.StateIdle)

	// the control connection is still usable
	if res, err := s.Noop(context.Background()); err != nil || !res.OK() {
		t.Errorf("Noop after failed transfer = %+v, %v", res, err)
	}
}

func TestSession_ActiveListenTimeout(t *testing.T) {
	t.Parallel()
	// the server announces the transfer, then neither connects nor replies
	srv := ftptest.New(t, ftptest.WithReply("RETR", "150 Opening data connection."))
	s := newSession(t, srv,
		ftp.WithDataConnectionMode(ftp.Active),
		ftp.WithListenTimeout(200*time.Millisecond),
		ftp.WithCommandTimeout(300*time.Millisecond),
	)
	openAndLogin(t, s)

	res, err := s.RetrieveData(context.Background(), "f.txt")
	if !errors.Is(err, ftp.ErrConnectionFailed) {
		t.Fatalf("error = %v, want ConnectionFailed", err)
	}
	if res != nil && res.OK() {
		t.Error("transfer without data connection reported success")
	}
	requireState(t, s, ftp.StateIdle)
}

func TestSession_PreliminaryThenFailure(t *testing.T) {
	t.Parallel()
	finals := []struct {
		line string
		code int
	}{
		{"425 Can't open data connection.", 425},
		{"451 Requested action aborted: local error in processing.", 451},
		{"550 Requested action not taken.", 550},
	}

	for _, mode := range []ftp.DataConnectionMode{ftp.Passive, ftp.Active} {
		for _, final := range finals {
			t.Run(fmt.Sprintf("%s/%d", mode, final.code), func(t *testing.T) {
				t.Parallel()
				srv := ftptest.New(t,
					ftptest.WithReply("RETR", "150 Opening data connection.", final.line),
					ftptest.WithReply("LIST", "150 Here comes the directory listing.", final.line),
				)
				s := newSession(t, srv,
					ftp.WithDataConnectionMode(mode),
					ftp.WithListenTimeout(time.Minute),
				)
				openAndLogin(t, s)
				ctx := context.Background()

				start := time.Now()
				res, err := s.RetrieveData(ctx, "f.txt")
				if err != nil {
					t.Fatalf("RetrieveData error = %v, want a failure result", err)
				}
				if res.OK() || res.Code != final.code {
					t.Errorf("RetrieveData = %v %d, want failure %d", res.Outcome, res.Code, final.code)
				}
				if len(res.Data) != 0 {
					t.Errorf("RetrieveData returned %d bytes", len(res.Data))
				}

				lres, err := s.List(ctx, "/")
				if err != nil {
					t.Fatalf("List error = %v, want a failure result", err)
				}
				if lres.OK() || lres.Code != final.code || len(lres.Items) != 0 {
					t.Errorf("List = %v %d with %d items, want failure %d", lres.Outcome, lres.Code, len(lres.Items), final.code)
				}
				if elapsed := time.Since(start); elapsed > 10*time.Second {
					t.Errorf("refused transfers took %v", elapsed)
				}

				requireState(t, s, ftp.StateIdle)
				if res, err := s.Noop(ctx); err != nil || !res.OK() {
					t.Errorf("Noop after refused transfers = %+v, %v", res, err)
				}
			})
		}
	}
}

func TestSession_RetrieveFileRefusedAfterPreliminary(t *testing.T) {
	t.Parallel()
	for _, mode := range []ftp.DataConnectionMode{ftp.Passive, ftp.Active} {
		t.Run(mode.String(), func(t *testing.T) {
			t.Parallel()
			srv := ftptest.New(t, ftptest.WithReply("RETR",
				"150 Opening data connection.",
				"451 Requested action aborted: local error in processing."))
			s := newSession(t, srv, ftp.WithDataConnectionMode(mode))
			openAndLogin(t, s)
			ctx := context.Background()

			dir := t.TempDir()
			fresh := filepath.Join(dir, "new.txt")
			res, err := s.RetrieveFile(ctx, "f.txt", fresh)
			if err != nil {
				t.Fatalf("RetrieveFile error = %v", err)
			}
			if res.OK() || res.Code != 451 || res.Path != "" {
				t.Errorf("RetrieveFile = %v %d path %q, want failure 451 and no path", res.Outcome, res.Code, res.Path)
			}
			if _, err := os.Stat(fresh); !errors.Is(err, os.ErrNotExist) {
				t.Errorf("refused download created %s: %v", fresh, err)
			}

			existing := filepath.Join(dir, "old.txt")
			if err := os.WriteFile(existing, []byte("keep me"), 0o644); err != nil {
				t.Fatal(err)
			}
			res, err = s.RetrieveFileMode(ctx, "f.txt", existing, ftp.WriteOverwrite)
			if err != nil {
				t.Fatalf("RetrieveFileMode error = %v", err)
			}
			if res.OK() || res.Code != 451 {
				t.Errorf("RetrieveFileMode = %v %d, want failure 451", res.Outcome, res.Code)
			}
			if b, _ := os.ReadFile(existing); string(b) != "keep me" {
				t.Errorf("refused overwrite changed the file to %q", b)
			}

			entries, err := os.ReadDir(dir)
			if err != nil {
				t.Fatal(err)
			}
			if len(entries) != 1 {
				t.Errorf("directory holds %d entries, want only old.txt", len(entries))
			}
		})
	}
}

func TestSession_ChunkedReplies(t *testing.T) {
	t.Parallel()
	srv := ftptest.New(t, ftptest.WithChunkedReplies(),
		ftptest.WithWelcome("220-Hello", "220 Ready"))
	srv.AddFile("c.txt", []byte("chunked"))
	s := newSession(t, srv)
	openAndLogin(t, s)
	ctx := context.Background()

	pwd, err := s.PrintWorkingDirectory(ctx)
	if err != nil || pwd.Path != "/" {
		t.Fatalf("PWD = %+v, %v", pwd, err)
	}
	res, err := s.RetrieveData(ctx, "c.txt")
	if err != nil || string(res.Data) != "chunked" {
		t.Fatalf("RetrieveData = %+v, %v", res, err)
	}
}

func TestSession_LogoutAndReopen(t *testing.T) {
	t.Parallel()
	srv := ftptest.New(t)
	s := newSession(t, srv)
	ctx := context.Background()

	if err := s.Open(ctx); err != nil {
		t.Fatal(err)
	}
	// logout is allowed before login
	if res, err := s.Logout(ctx); err != nil || !res.OK() {
		t.Fatalf("Logout = %+v, %v", res, err)
	}
	requireState(t, s, ftp.StateClosed)

	openAndLogin(t, s)
	if res, err := s.Logout(ctx); err != nil || !res.OK() {
		t.Fatalf("Logout = %+v, %v", res, err)
	}
	requireState(t, s, ftp.StateClosed)
	if _, err := s.Noop(ctx); !errors.Is(err, ftp.ErrNotOpened) {
		t.Errorf("Noop after Logout: %v", err)
	}
}

func TestSession_TransportFailureKeepsSession(t *testing.T) {
	t.Parallel()
	srv := ftptest.New(t)
	s := newSession(t, srv)
	openAndLogin(t, s)
	srv.Close()

	_, err := s.Noop(context.Background())
	if !errors.Is(err, ftp.ErrConnectionFailed) {
		t.Fatalf("error = %v, want ConnectionFailed", err)
	}
	requireState(t, s, ftp.StateIdle)
	if _, err := s.Noop(context.Background()); err == nil {
		t.Error("command on a dead connection succeeded")
	}
	if err := s.Close(context.Background()); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestSession_Canceled(t *testing.T) {
	t.Parallel()
	srv := ftptest.New(t)
	s := newSession(t, srv)
	openAndLogin(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Noop(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	requireState(t, s, ftp.StateIdle)
}

func TestSession_KeepAlive(t *testing.T) {
	t.Parallel()
	srv := ftptest.New(t)
	s := newSession(t, srv, ftp.WithIdleTimeout(100*time.Millisecond))
	openAndLogin(t, s)

	deadline := time.Now().Add(3 * time.Second)
	for len(commandsWithPrefix(srv, "NOOP")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no keep-alive NOOP sent")
		}
		time.Sleep(20 * time.Millisecond)
	}
	requireState(t, s, ftp.StateIdle)
}

func TestSession_ProgressAndLimit(t *testing.T) {
	t.Parallel()
	srv := ftptest.New(t)
	payload := make([]byte, 32*1024)
	srv.AddFile("big.bin", payload)

	var last atomic.Int64
	s := newSession(t, srv,
		ftp.WithProgress(func(n int64) { last.Store(n) }),
		ftp.WithBandwidthLimit(1<<20),
	)
	openAndLogin(t, s)
	res, err := s.RetrieveData(context.Background(), "big.bin")
	if err != nil || res.Size != int64(len(payload)) {
		t.Fatalf("RetrieveData = %+v, %v", res, err)
	}
	if last.Load() != int64(len(payload)) {
		t.Errorf("progress = %d, want %d", last.Load(), len(payload))
	}
}

type upperParser struct{}

func (upperParser) Parse(line string) (*ftp.FileListItem, bool) {
	if !strings.HasPrefix(line, "-") {
		return nil, false
	}
	f := strings.Fields(line)
	return &ftp.FileListItem{Name: strings.ToUpper(f[len(f)-1]), Type: ftp.FileRegular, Raw: line}, true
}

func TestSession_CustomListParser(t *testing.T) {
	t.Parallel()
	srv := ftptest.New(t)
	srv.AddFile("a.txt", []byte("a"))
	srv.AddDir("sub")
	s := newSession(t, srv, ftp.WithListParser(upperParser{}))
	openAndLogin(t, s)

	list, err := s.List(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(list.Items) != 2 {
		t.Fatalf("items = %+v", list.Items)
	}
	if list.FilesOnly()[0].Name != "A.TXT" {
		t.Errorf("custom parser not used: %+v", list.FilesOnly())
	}
	if list.FoldersOnly(false)[0].Name != "sub" {
		t.Errorf("built-in parser not used for directories: %+v", list.FoldersOnly(false))
	}
}
