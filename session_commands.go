package ftp

import (
	"context"
	"strings"
)

// Outcome tells whether the server accepted a command.
type Outcome int

const (
	Success Outcome = iota
	Failure
)

func (o Outcome) String() string {
	if o == Success {
		return "success"
	}
	return "failure"
}

// Result is the server's verdict on a command. A negative reply is a
// Failure result, not an error; errors are kept for transport, local I/O
// and misuse problems.
type Result struct {
	Outcome Outcome

	// Code is the final reply code
	Code int

	// Message is the text of the final reply
	Message string
}

// OK reports whether the outcome is Success.
func (r *Result) OK() bool {
	return r.Outcome == Success
}

func resultFrom(reply *Reply, ok bool) Result {
	r := Result{Outcome: Failure, Code: reply.Code, Message: reply.Message}
	if ok {
		r.Outcome = Success
	}
	return r
}

// LoginStep names the login step that was refused.
type LoginStep int

const (
	LoginStepNone LoginStep = iota
	LoginStepUsername
	LoginStepPassword
	LoginStepAccount
)

func (s LoginStep) String() string {
	switch s {
	case LoginStepUsername:
		return "username failure"
	case LoginStepPassword:
		return "password failure"
	case LoginStepAccount:
		return "account failure"
	}
	return "none"
}

// LoginResult is the outcome of Login.
type LoginResult struct {
	Result

	// FailedStep is the step the server refused, for Failure outcomes
	FailedStep LoginStep
}

// Err returns nil for a successful login and a LoginFailed *Error naming
// the refused step otherwise, for callers that treat a refusal as fatal.
func (r *LoginResult) Err() error {
	if r.OK() {
		return nil
	}
	return errorf(KindLoginFailed, "login", "%s: %d %s", r.FailedStep, r.Code, r.Message)
}

// PWDResult is the outcome of PrintWorkingDirectory.
type PWDResult struct {
	Result

	// Path is the working directory from a 257 reply
	Path string
}

// ListResult is the outcome of List.
type ListResult struct {
	Result

	// Items holds the parsed entries; lines that could not be parsed are
	// left out
	Items []FileListItem

	// Raw is the listing as received
	Raw string
}

// FoldersOnly returns the directory entries, without "." and ".." unless
// includeDotFolders is set.
func (r *ListResult) FoldersOnly(includeDotFolders bool) []FileListItem {
	var out []FileListItem
	for _, item := range r.Items {
		if !item.IsDir() {
			continue
		}
		if item.IsDotDir() && !includeDotFolders {
			continue
		}
		out = append(out, item)
	}
	return out
}

// FilesOnly returns the entries that are not directories.
func (r *ListResult) FilesOnly() []FileListItem {
	var out []FileListItem
	for _, item := range r.Items {
		if !item.IsDir() {
			out = append(out, item)
		}
	}
	return out
}

// TransferResult is the outcome of a store or retrieve.
type TransferResult struct {
	Result

	// Size is the number of bytes moved over the data connection
	Size int64

	// Path is the local file written by RetrieveFile
	Path string

	// Data is the content received by RetrieveData
	Data []byte
}

var (
	whenOpened    = []SessionState{StateOpened}
	whenConnected = []SessionState{StateOpened, StateIdle}
	whenIdle      = []SessionState{StateIdle}
)

// simple runs a control-only command and reports 2xx as success.
func (s *Session) simple(ctx context.Context, op string, allowed []SessionState, cmd *command) (*Result, error) {
	var out *Result
	err := s.run(ctx, op, allowed, func(ctx context.Context, control *controlConn, prev SessionState) (SessionState, error) {
		res, err := s.performCommand(ctx, control, cmd)
		if err != nil {
			return prev, err
		}
		r := resultFrom(res.reply, res.reply.Is2xx())
		out = &r
		return prev, nil
	})
	return out, err
}

// Login authenticates with USER, then PASS and ACCT when the server asks
// for them. The session must be Opened and becomes Idle on success. A
// refused step ends the login; the session stays Opened.
func (s *Session) Login(ctx context.Context, username, password, account string) (*LoginResult, error) {
	var out *LoginResult
	err := s.run(ctx, "login", whenOpened, func(ctx context.Context, control *controlConn, prev SessionState) (SessionState, error) {
		res, err := s.login(ctx, control, username, password, account)
		if err != nil {
			return prev, err
		}
		out = res
		if res.OK() {
			s.logger.Info("logged in", "user", username)
			s.startKeepAlive()
			return StateIdle, nil
		}
		s.logger.Info("login refused", "user", username, "step", res.FailedStep, "code", res.Code)
		return prev, nil
	})
	return out, err
}

func (s *Session) login(ctx context.Context, control *controlConn, username, password, account string) (*LoginResult, error) {
	succeeded := func(reply *Reply) *LoginResult {
		return &LoginResult{Result: resultFrom(reply, true)}
	}
	refused := func(reply *Reply, step LoginStep) *LoginResult {
		return &LoginResult{Result: resultFrom(reply, false), FailedStep: step}
	}

	res, err := s.performCommand(ctx, control, userCommand(username))
	if err != nil {
		return nil, err
	}
	reply := res.reply
	switch reply.Code {
	case CodeUserLoggedIn:
		return succeeded(reply), nil
	case CodeNeedPassword:
		res, err = s.performCommand(ctx, control, passCommand(password))
		if err != nil {
			return nil, err
		}
		reply = res.reply
		switch reply.Code {
		case CodeUserLoggedIn, CodeCommandSuperfluous:
			return succeeded(reply), nil
		case CodeNeedAccount:
		default:
			return refused(reply, LoginStepPassword), nil
		}
	case CodeNeedAccount:
	default:
		return refused(reply, LoginStepUsername), nil
	}

	// the server wants an account
	if account == "" {
		return refused(reply, LoginStepAccount), nil
	}
	res, err = s.performCommand(ctx, control, acctCommand(account))
	if err != nil {
		return nil, err
	}
	if !res.reply.Is2xx() {
		return refused(res.reply, LoginStepAccount), nil
	}
	return succeeded(res.reply), nil
}

// Logout sends QUIT. When the server confirms with 221 the connection is
// closed and the session becomes Closed.
func (s *Session) Logout(ctx context.Context) (*Result, error) {
	var out *Result
	err := s.run(ctx, "logout", whenConnected, func(ctx context.Context, control *controlConn, prev SessionState) (SessionState, error) {
		res, err := s.performCommand(ctx, control, quitCommand())
		if err != nil {
			return prev, err
		}
		r := resultFrom(res.reply, res.reply.Code == CodeServiceClosing)
		out = &r
		if !r.OK() {
			return prev, nil
		}
		s.shutdown()
		s.logger.Info("logged out")
		return StateClosed, nil
	})
	return out, err
}

// Noop sends NOOP. It is permitted before and after login.
func (s *Session) Noop(ctx context.Context) (*Result, error) {
	return s.simple(ctx, "noop", whenConnected, noopCommand())
}

// PrintWorkingDirectory sends PWD and extracts the quoted path of the 257
// reply.
func (s *Session) PrintWorkingDirectory(ctx context.Context) (*PWDResult, error) {
	var out *PWDResult
	err := s.run(ctx, "pwd", whenIdle, func(ctx context.Context, control *controlConn, prev SessionState) (SessionState, error) {
		res, err := s.performCommand(ctx, control, pwdCommand())
		if err != nil {
			return prev, err
		}
		ok := res.reply.Code == CodePathnameCreated
		out = &PWDResult{Result: resultFrom(res.reply, ok)}
		if ok {
			path, perr := quotedPath(res.reply.Message)
			if perr != nil {
				return prev, perr
			}
			out.Path = path
		}
		return prev, nil
	})
	return out, err
}

// quotedPath returns the path of a 257 reply such as
// `"/home/user" is the current directory`. A doubled quote inside the
// path stands for one quote.
func quotedPath(msg string) (string, error) {
	start := strings.IndexByte(msg, '"')
	if start == -1 {
		return "", errorf(KindParseResponseFailed, "pwd", "invalid PWD reply: %s", msg)
	}
	var b strings.Builder
	for i := start + 1; i < len(msg); i++ {
		if msg[i] != '"' {
			b.WriteByte(msg[i])
			continue
		}
		if i+1 < len(msg) && msg[i+1] == '"' {
			b.WriteByte('"')
			i++
			continue
		}
		return b.String(), nil
	}
	return "", errorf(KindParseResponseFailed, "pwd", "invalid PWD reply: %s", msg)
}

// ChangeWorkingDirectory sends CWD.
func (s *Session) ChangeWorkingDirectory(ctx context.Context, path string) (*Result, error) {
	return s.simple(ctx, "cwd", whenIdle, cwdCommand(path))
}

// ChangeToParentDirectory sends CDUP.
func (s *Session) ChangeToParentDirectory(ctx context.Context) (*Result, error) {
	return s.simple(ctx, "cdup", whenIdle, cdupCommand())
}

// SetType sends TYPE with the given representation type.
func (s *Session) SetType(ctx context.Context, t TypeCode) (*Result, error) {
	return s.simple(ctx, "type", whenIdle, typeCommand(t))
}

// List sends "LIST -al path" and parses the listing. An empty directory
// gives a successful result with no items.
func (s *Session) List(ctx context.Context, path string) (*ListResult, error) {
	var out *ListResult
	err := s.run(ctx, "list", whenIdle, func(ctx context.Context, control *controlConn, prev SessionState) (SessionState, error) {
		res, err := s.performCommand(ctx, control, listCommand(path))
		if err != nil {
			return prev, err
		}
		out = &ListResult{Result: resultFrom(res.reply, res.reply.Is2xx())}
		if out.OK() {
			out.Raw = string(res.data.Data)
			out.Items = ParseList(out.Raw, s.parsers...)
		}
		return prev, nil
	})
	return out, err
}

// transferCommand runs a data command and converts its outcome.
func (s *Session) transferCommand(ctx context.Context, op string, cmd *command) (*TransferResult, error) {
	var out *TransferResult
	err := s.run(ctx, op, whenIdle, func(ctx context.Context, control *controlConn, prev SessionState) (SessionState, error) {
		res, err := s.performCommand(ctx, control, cmd)
		if err != nil {
			return prev, err
		}
		out = &TransferResult{Result: resultFrom(res.reply, res.reply.Is2xx())}
		if res.data != nil {
			out.Size = res.data.Size
			out.Path = res.data.Path
			out.Data = res.data.Data
		}
		return prev, nil
	})
	return out, err
}

// StoreFile uploads the local file at localPath to remotePath with STOR.
func (s *Session) StoreFile(ctx context.Context, localPath, remotePath string) (*TransferResult, error) {
	return s.transferCommand(ctx, "store", storFileCommand(remotePath, localPath))
}

// StoreData uploads data to remotePath with STOR.
func (s *Session) StoreData(ctx context.Context, data []byte, remotePath string) (*TransferResult, error) {
	return s.transferCommand(ctx, "store", storMemoryCommand(remotePath, data))
}

// RetrieveFile downloads remotePath into localPath with RETR. An existing
// localPath is handled according to the session's write mode; the path
// actually written is in the result.
func (s *Session) RetrieveFile(ctx context.Context, remotePath, localPath string) (*TransferResult, error) {
	return s.transferCommand(ctx, "retrieve", retrFileCommand(remotePath, localPath, s.writeMode))
}

// RetrieveFileMode is RetrieveFile with an explicit write mode.
func (s *Session) RetrieveFileMode(ctx context.Context, remotePath, localPath string, mode WriteMode) (*TransferResult, error) {
	return s.transferCommand(ctx, "retrieve", retrFileCommand(remotePath, localPath, mode))
}

// RetrieveData downloads remotePath into memory with RETR.
func (s *Session) RetrieveData(ctx context.Context, remotePath string) (*TransferResult, error) {
	return s.transferCommand(ctx, "retrieve", retrMemoryCommand(remotePath))
}
