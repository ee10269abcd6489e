package ftp

// Reply codes defined by RFC 959.
const (
	CodeRestartMarker           = 110
	CodeServiceReadyIn          = 120
	CodeDataConnectionOpen      = 125
	CodeFileStatusOK            = 150
	CodeCommandOK               = 200
	CodeCommandSuperfluous      = 202
	CodeSystemStatus            = 211
	CodeDirectoryStatus         = 212
	CodeFileStatus              = 213
	CodeHelpMessage             = 214
	CodeSystemType              = 215
	CodeServiceReady            = 220
	CodeServiceClosing          = 221
	CodeDataConnectionOpened    = 225
	CodeClosingDataConnection   = 226
	CodeEnteringPassiveMode     = 227
	CodeUserLoggedIn            = 230
	CodeFileActionOK            = 250
	CodePathnameCreated         = 257
	CodeNeedPassword            = 331
	CodeNeedAccount             = 332
	CodeFileActionPending       = 350
	CodeServiceNotAvailable     = 421
	CodeCannotOpenDataConn      = 425
	CodeTransferAborted         = 426
	CodeFileUnavailableBusy     = 450
	CodeLocalError              = 451
	CodeInsufficientStorage     = 452
	CodeSyntaxError             = 500
	CodeSyntaxErrorParameters   = 501
	CodeNotImplemented          = 502
	CodeBadSequence             = 503
	CodeNotImplementedParameter = 504
	CodeNotLoggedIn             = 530
	CodeNeedAccountForStoring   = 532
	CodeFileUnavailable         = 550
	CodePageTypeUnknown         = 551
	CodeExceededStorage         = 552
	CodeFileNameNotAllowed      = 553
)

// ReplyClass is the protocol meaning of a reply code for a given command group.
type ReplyClass int

const (
	// ClassPreliminary is a 1xx reply to a simple-extended command: the data
	// transfer may start and another reply follows.
	ClassPreliminary ReplyClass = iota
	// ClassIntermediate is a 3xx reply: the server needs more information.
	ClassIntermediate
	// ClassSuccess is a 2xx reply.
	ClassSuccess
	// ClassFailure is everything else, including a 1xx reply to a command
	// that does not open a data transfer.
	ClassFailure
)

func (c ReplyClass) String() string {
	switch c {
	case ClassPreliminary:
		return "preliminary"
	case ClassIntermediate:
		return "intermediate"
	case ClassSuccess:
		return "success"
	}
	return "failure"
}

// ClassifyReply maps a reply code to its meaning for commands of group g.
func ClassifyReply(code int, g CommandGroup) ReplyClass {
	switch {
	case code >= 100 && code < 200:
		if g == GroupSimpleExtended {
			return ClassPreliminary
		}
		return ClassFailure
	case code >= 200 && code < 300:
		return ClassSuccess
	case code >= 300 && code < 400:
		return ClassIntermediate
	}
	return ClassFailure
}
