package ftp

import (
	"fmt"
	"slices"
	"strings"
)

// CommandGroup determines how the replies to a command are interpreted.
type CommandGroup int

const (
	// GroupSimple: ABOR, ALLO, DELE, CWD, CDUP, SMNT, HELP, MODE, NOOP, PASV,
	// QUIT, SITE, PORT, SYST, STAT, RMD, MKD, PWD, STRU, TYPE.
	GroupSimple CommandGroup = iota
	// GroupSimpleExtended: APPE, LIST, NLST, REIN, RETR, STOR, STOU. A 1xx
	// reply announces a data transfer and is followed by a final reply.
	GroupSimpleExtended
	// GroupRename: RNFR followed by RNTO.
	GroupRename
	// GroupRestart: REST followed by APPE, STOR or RETR.
	GroupRestart
	// GroupLogin: USER, PASS, ACCT.
	GroupLogin
)

func (g CommandGroup) String() string {
	switch g {
	case GroupSimple:
		return "simple"
	case GroupSimpleExtended:
		return "simple-extended"
	case GroupRename:
		return "rename"
	case GroupRestart:
		return "restart"
	case GroupLogin:
		return "login"
	}
	return fmt.Sprintf("CommandGroup(%d)", int(g))
}

// Direction tells whether a command needs a data connection, and which way
// the payload flows.
type Direction int

const (
	ControlOnly Direction = iota
	ReceiveWithData
	SendWithData
)

func (d Direction) String() string {
	switch d {
	case ControlOnly:
		return "control-only"
	case ReceiveWithData:
		return "receive"
	case SendWithData:
		return "send"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// PayloadKind is where the payload of a data command comes from or goes to.
type PayloadKind int

const (
	PayloadNone PayloadKind = iota
	PayloadMemory
	PayloadFile
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadNone:
		return "none"
	case PayloadMemory:
		return "memory"
	case PayloadFile:
		return "file"
	}
	return fmt.Sprintf("PayloadKind(%d)", int(k))
}

// TypeCode is the argument of the TYPE command.
type TypeCode string

const (
	TypeASCII  TypeCode = "A"
	TypeImage  TypeCode = "I"
	TypeEBCDIC TypeCode = "E"
	TypeLocal  TypeCode = "L"
)

// command describes one FTP request. Descriptors are built by the
// constructors below and never modified afterwards.
type command struct {
	verb string
	arg  string

	// hasArg sends the argument separator even when arg is empty
	hasArg bool

	// secret hides the argument from logs
	secret bool

	group     CommandGroup
	direction Direction
	payload   PayloadKind

	// data is the upload source for PayloadMemory sends
	data []byte

	// localPath is the upload source or download destination for PayloadFile
	localPath string
	writeMode WriteMode

	// expected lists the reply codes RFC 959 allows for this command
	expected []int
}

// wire returns the CRLF-terminated request sent on the control connection.
func (c *command) wire() string {
	if c.verb == "" {
		return ""
	}
	if !c.hasArg {
		return c.verb + "\r\n"
	}
	return c.verb + " " + c.arg + "\r\n"
}

// String returns the request for logging, with secrets masked.
func (c *command) String() string {
	if !c.hasArg {
		return c.verb
	}
	if c.secret {
		return c.verb + " ****"
	}
	return strings.TrimRight(c.verb+" "+c.arg, " ")
}

func (c *command) expects(code int) bool {
	return slices.Contains(c.expected, code)
}

func simpleCommand(verb string, expected ...int) *command {
	return &command{verb: verb, group: GroupSimple, expected: expected}
}

func simpleCommandArg(verb, arg string, expected ...int) *command {
	return &command{verb: verb, arg: arg, hasArg: true, group: GroupSimple, expected: expected}
}

func userCommand(username string) *command {
	return &command{
		verb: "USER", arg: username, hasArg: true, group: GroupLogin,
		expected: []int{CodeUserLoggedIn, CodeNeedPassword, CodeNeedAccount, CodeNotLoggedIn,
			CodeSyntaxError, CodeSyntaxErrorParameters, CodeServiceNotAvailable},
	}
}

func passCommand(password string) *command {
	return &command{
		verb: "PASS", arg: password, hasArg: true, secret: true, group: GroupLogin,
		expected: []int{CodeUserLoggedIn, CodeCommandSuperfluous, CodeNeedAccount, CodeNotLoggedIn,
			CodeSyntaxError, CodeSyntaxErrorParameters, CodeBadSequence, CodeServiceNotAvailable},
	}
}

func acctCommand(account string) *command {
	return &command{
		verb: "ACCT", arg: account, hasArg: true, secret: true, group: GroupLogin,
		expected: []int{CodeUserLoggedIn, CodeCommandSuperfluous, CodeNotLoggedIn,
			CodeSyntaxError, CodeSyntaxErrorParameters, CodeBadSequence, CodeServiceNotAvailable},
	}
}

func pwdCommand() *command {
	return simpleCommand("PWD", CodePathnameCreated,
		CodeSyntaxError, CodeSyntaxErrorParameters, CodeNotImplemented, CodeServiceNotAvailable, CodeFileUnavailable)
}

func cwdCommand(path string) *command {
	return simpleCommandArg("CWD", path, CodeFileActionOK,
		CodeSyntaxError, CodeSyntaxErrorParameters, CodeNotImplemented, CodeServiceNotAvailable,
		CodeNotLoggedIn, CodeFileUnavailable)
}

func cdupCommand() *command {
	return simpleCommand("CDUP", CodeCommandOK, CodeFileActionOK,
		CodeSyntaxError, CodeSyntaxErrorParameters, CodeNotImplemented, CodeServiceNotAvailable,
		CodeNotLoggedIn, CodeFileUnavailable)
}

func typeCommand(t TypeCode) *command {
	return simpleCommandArg("TYPE", string(t), CodeCommandOK,
		CodeSyntaxError, CodeSyntaxErrorParameters, CodeNotImplementedParameter,
		CodeServiceNotAvailable, CodeNotLoggedIn)
}

func noopCommand() *command {
	return simpleCommand("NOOP", CodeCommandOK, CodeSyntaxError, CodeServiceNotAvailable)
}

func quitCommand() *command {
	return simpleCommand("QUIT", CodeServiceClosing, CodeSyntaxError)
}

func pasvCommand() *command {
	return simpleCommand("PASV", CodeEnteringPassiveMode,
		CodeSyntaxError, CodeSyntaxErrorParameters, CodeNotImplemented, CodeServiceNotAvailable, CodeNotLoggedIn)
}

func portCommand(a IPv4Address, p IPPort) *command {
	c := simpleCommandArg("PORT", "", CodeCommandOK,
		CodeSyntaxError, CodeSyntaxErrorParameters, CodeServiceNotAvailable, CodeNotLoggedIn)
	// An unspecified address or port cannot be announced; the empty wire
	// string makes sending fail.
	if a.IsUnspecified() || p.IsUnspecified() {
		c.verb = ""
		return c
	}
	c.arg = FormatHostPort(a, p)
	return c
}

var transferCodes = []int{
	CodeDataConnectionOpen, CodeFileStatusOK, CodeRestartMarker,
	CodeClosingDataConnection, CodeFileActionOK,
	CodeCannotOpenDataConn, CodeTransferAborted, CodeLocalError, CodeFileUnavailableBusy,
	CodeFileUnavailable, CodeFileNameNotAllowed, CodeSyntaxErrorParameters,
	CodeServiceNotAvailable, CodeNotLoggedIn,
}

var storCodes = slices.Concat(transferCodes, []int{CodeInsufficientStorage, CodeExceededStorage})

func listCommand(path string) *command {
	return &command{
		verb: "LIST", arg: "-al " + path, hasArg: true,
		group: GroupSimpleExtended, direction: ReceiveWithData, payload: PayloadMemory,
		expected: []int{CodeDataConnectionOpen, CodeFileStatusOK, CodeClosingDataConnection, CodeFileActionOK,
			CodeCannotOpenDataConn, CodeTransferAborted, CodeLocalError, CodeFileUnavailableBusy,
			CodeSyntaxError, CodeSyntaxErrorParameters, CodeNotImplemented, CodeServiceNotAvailable, CodeNotLoggedIn},
	}
}

func retrFileCommand(remotePath, localPath string, mode WriteMode) *command {
	return &command{
		verb: "RETR", arg: remotePath, hasArg: true,
		group: GroupSimpleExtended, direction: ReceiveWithData, payload: PayloadFile,
		localPath: localPath, writeMode: mode, expected: transferCodes,
	}
}

func retrMemoryCommand(remotePath string) *command {
	return &command{
		verb: "RETR", arg: remotePath, hasArg: true,
		group: GroupSimpleExtended, direction: ReceiveWithData, payload: PayloadMemory,
		expected: transferCodes,
	}
}

func storFileCommand(remotePath, localPath string) *command {
	return &command{
		verb: "STOR", arg: remotePath, hasArg: true,
		group: GroupSimpleExtended, direction: SendWithData, payload: PayloadFile,
		localPath: localPath, expected: storCodes,
	}
}

func storMemoryCommand(remotePath string, data []byte) *command {
	return &command{
		verb: "STOR", arg: remotePath, hasArg: true,
		group: GroupSimpleExtended, direction: SendWithData, payload: PayloadMemory,
		data: data, expected: storCodes,
	}
}
