package ftp

import (
	"errors"
	"fmt"
)

// ErrorKind classifies the errors returned by this package.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNotInitialised
	KindBadURL
	KindNotConnected
	KindNotOpened
	KindConnectionFailed
	KindLoginFailed
	KindCommandFailed
	KindParseResponseFailed
	KindFileOpenFailed
	KindFileReadFailed
	KindFileWriteFailed
)

var kindNames = [...]string{
	KindUnknown:             "unknown error",
	KindNotInitialised:      "not initialised",
	KindBadURL:              "bad url",
	KindNotConnected:        "not connected",
	KindNotOpened:           "not opened",
	KindConnectionFailed:    "connection failed",
	KindLoginFailed:         "login failed",
	KindCommandFailed:       "command failed",
	KindParseResponseFailed: "parse response failed",
	KindFileOpenFailed:      "file open failed",
	KindFileReadFailed:      "file read failed",
	KindFileWriteFailed:     "file write failed",
}

func (k ErrorKind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return kindNames[KindUnknown]
	}
	return kindNames[k]
}

// Sentinel errors, one per kind. They match any *Error of the same kind.
// Login refusals are results; ErrLoginFailed matches the error
// LoginResult.Err makes of one:
//
//	if errors.Is(err, ftp.ErrNotOpened) {
//	    // log in first
//	}
var (
	ErrUnknown             = &Error{Kind: KindUnknown}
	ErrNotInitialised      = &Error{Kind: KindNotInitialised}
	ErrBadURL              = &Error{Kind: KindBadURL}
	ErrNotConnected        = &Error{Kind: KindNotConnected}
	ErrNotOpened           = &Error{Kind: KindNotOpened}
	ErrConnectionFailed    = &Error{Kind: KindConnectionFailed}
	ErrLoginFailed         = &Error{Kind: KindLoginFailed}
	ErrCommandFailed       = &Error{Kind: KindCommandFailed}
	ErrParseResponseFailed = &Error{Kind: KindParseResponseFailed}
	ErrFileOpenFailed      = &Error{Kind: KindFileOpenFailed}
	ErrFileReadFailed      = &Error{Kind: KindFileReadFailed}
	ErrFileWriteFailed     = &Error{Kind: KindFileWriteFailed}
)

// Error is the error type returned for transport, local I/O and misuse failures.
// Negative server replies are not errors; they are reported through results.
type Error struct {
	// Kind classifies the failure
	Kind ErrorKind

	// Op is the operation that failed (e.g., "open", "data receive")
	Op string

	// Err is the underlying cause, if any
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return "ftp: " + e.Kind.String()
	case e.Err == nil:
		return fmt.Sprintf("ftp: %s: %s", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("ftp: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("ftp: %s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind carrying no
// operation or cause, which is what the package sentinels look like.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// ProtocolError represents an FTP protocol error with full context of the
// command/response conversation. It is returned (wrapped in a CommandFailed
// *Error) when the server refuses a step the client cannot continue without,
// such as PASV or PORT.
type ProtocolError struct {
	// Command is the FTP command that was sent (e.g., "PASV")
	Command string

	// Response is the message received from the server (e.g., "Permission denied")
	Response string

	// Code is the numeric FTP response code (e.g., 550)
	Code int
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("ftp: %s failed: %s (code %d)", e.Command, e.Response, e.Code)
}

// Is4xx returns true if the error code is in the 4xx range (temporary failure).
func (e *ProtocolError) Is4xx() bool {
	return e.Code >= 400 && e.Code < 500
}

// Is5xx returns true if the error code is in the 5xx range (permanent failure).
func (e *ProtocolError) Is5xx() bool {
	return e.Code >= 500 && e.Code < 600
}

// IsTemporary returns true if the error is a temporary failure (4xx).
func (e *ProtocolError) IsTemporary() bool {
	return e.Is4xx()
}

// IsPermanent returns true if the error is a permanent failure (5xx).
func (e *ProtocolError) IsPermanent() bool {
	return e.Is5xx()
}
