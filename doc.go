// Package ftp implements the client side of the FTP protocol (RFC 959):
// the control connection, active and passive data connections, reply
// parsing and the session state machine.
//
// # Overview
//
// A Session talks to one server. It is created with NewSession, connected
// with Open and authenticated with Login:
//
//	s, err := ftp.NewSession("ftp://ftp.example.com:21")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ctx := context.Background()
//	if err := s.Open(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close(ctx)
//
//	res, err := s.Login(ctx, "demo", "secret", "")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !res.OK() {
//	    log.Fatalf("login refused at %s: %d %s", res.FailedStep, res.Code, res.Message)
//	}
//
// # Results and Errors
//
// Every command returns a result carrying the server's final reply code
// and message. A negative reply (4xx, 5xx) is a Failure outcome, not an
// error. Errors are reserved for transport failures, local file problems,
// unparseable replies and calls made in the wrong state; they are *Error
// values whose Kind can be matched with errors.Is against the package
// sentinels:
//
//	if _, err := s.List(ctx, "/pub"); errors.Is(err, ftp.ErrNotInitialised) {
//	    // not logged in yet
//	}
//
// # States
//
// A session moves through Initialised, Opening, Opened (connected, not
// logged in), Idle (logged in) and Busy (a command is running). Logout and
// Close lead to Closed, from which Open may be called again. Login,
// Noop and Logout are accepted while Opened; directory and transfer
// commands need Idle.
//
// # Data Connections
//
// Passive mode (PASV) is the default. In active mode the client listens
// on a port from the dynamic range 49152-65535 and announces it with
// PORT:
//
//	s, _ := ftp.NewSession("ftp://ftp.example.com:21",
//	    ftp.WithDataConnectionMode(ftp.Active),
//	)
//
// The mode can be changed between commands with SetDataConnectionMode.
//
// # File Transfers
//
// Upload from memory or from a file:
//
//	s.StoreData(ctx, []byte("hello"), "hello.txt")
//	s.StoreFile(ctx, "report.pdf", "reports/report.pdf")
//
// Download into memory or into a file:
//
//	res, _ := s.RetrieveData(ctx, "hello.txt")
//	fmt.Println(string(res.Data))
//
//	res, _ = s.RetrieveFile(ctx, "reports/report.pdf", "report.pdf")
//	fmt.Println("written to", res.Path)
//
// An existing download destination is handled by the session's WriteMode;
// the default writes to "report 0.pdf", "report 1.pdf" and so on.
//
// # Concurrency
//
// All Session methods are safe for concurrent use. Commands run one at a
// time, in the order callers acquire the session, and a command's reply is
// always delivered to the caller that sent it.
package ftp
