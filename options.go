package ftp

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/netlift/ftp/internal/ratelimit"
)

// Default timeouts.
const (
	DefaultConnectTimeout = 15 * time.Second
	DefaultListenTimeout  = 2 * time.Minute
	DefaultCommandTimeout = 5 * time.Minute
)

// DataConnectionMode selects how data connections are set up.
type DataConnectionMode int

const (
	// Passive mode: the client sends PASV and dials the server.
	Passive DataConnectionMode = iota
	// Active mode: the client listens and announces itself with PORT.
	Active
)

func (m DataConnectionMode) String() string {
	if m == Active {
		return "active"
	}
	return "passive"
}

// Option is a functional option for configuring a Session.
type Option func(*Session) error

// WithLogger enables logging using the provided logger.
// Commands, replies and connection state changes are logged at debug level.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	}))
//	s, _ := ftp.NewSession("ftp://ftp.example.com:21", ftp.WithLogger(logger))
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) error {
		if logger == nil {
			return fmt.Errorf("nil logger")
		}
		s.logger = logger
		return nil
	}
}

// WithDialer sets the dialer used for the control connection and for
// passive-mode data connections. *net.Dialer satisfies Dialer.
func WithDialer(d Dialer) Option {
	return func(s *Session) error {
		if d == nil {
			return fmt.Errorf("nil dialer")
		}
		s.dialer = d
		return nil
	}
}

// WithConnectTimeout bounds establishing the control connection and
// passive-mode data connections.
func WithConnectTimeout(d time.Duration) Option {
	return func(s *Session) error {
		if d <= 0 {
			return fmt.Errorf("connect timeout must be positive, got %v", d)
		}
		s.connectTimeout = d
		return nil
	}
}

// WithListenTimeout bounds how long an active-mode listener waits for the
// server to connect.
func WithListenTimeout(d time.Duration) Option {
	return func(s *Session) error {
		if d <= 0 {
			return fmt.Errorf("listen timeout must be positive, got %v", d)
		}
		s.listenTimeout = d
		return nil
	}
}

// WithCommandTimeout bounds waiting for a reply and every single read or
// write on a data connection.
func WithCommandTimeout(d time.Duration) Option {
	return func(s *Session) error {
		if d <= 0 {
			return fmt.Errorf("command timeout must be positive, got %v", d)
		}
		s.commandTimeout = d
		return nil
	}
}

// WithDataConnectionMode selects active or passive data connections.
// Passive is the default.
func WithDataConnectionMode(m DataConnectionMode) Option {
	return func(s *Session) error {
		if m != Active && m != Passive {
			return fmt.Errorf("unknown data connection mode %d", int(m))
		}
		s.mode.Store(int32(m))
		return nil
	}
}

// WithChunkSize sets the largest single read or write on a data connection.
func WithChunkSize(n int) Option {
	return func(s *Session) error {
		if n <= 0 {
			return fmt.Errorf("chunk size must be positive, got %d", n)
		}
		s.chunkSize = n
		return nil
	}
}

// WithBandwidthLimit limits data transfers to bytesPerSecond.
// Zero or a negative value means unlimited.
func WithBandwidthLimit(bytesPerSecond int64) Option {
	return func(s *Session) error {
		s.limiter = ratelimit.New(bytesPerSecond)
		return nil
	}
}

// WithProgress installs a callback that receives the running byte count
// of each data transfer.
func WithProgress(fn func(bytesTransferred int64)) Option {
	return func(s *Session) error {
		s.progress = fn
		return nil
	}
}

// WithWriteMode sets how RetrieveFile treats an existing destination.
// The default is WriteSafeWithRename.
func WithWriteMode(m WriteMode) Option {
	return func(s *Session) error {
		if m < WriteSafe || m > WriteAppend {
			return fmt.Errorf("unknown write mode %d", int(m))
		}
		s.writeMode = m
		return nil
	}
}

// WithListParser adds a directory listing parser.
// Custom parsers are tried before the built-in Unix parser.
func WithListParser(parser ListingParser) Option {
	return func(s *Session) error {
		s.parsers = append(s.parsers, parser)
		return nil
	}
}

// WithIdleTimeout sets the maximum idle time before sending NOOP keep-alive.
// If a logged-in session is idle for longer than this duration, a NOOP
// command is sent so the server does not drop the connection.
// Set to 0 to disable automatic keep-alive.
//
// Example:
//
//	s, _ := ftp.NewSession("ftp://ftp.example.com:21",
//	    ftp.WithIdleTimeout(5*time.Minute),
//	)
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Session) error {
		if d < 0 {
			return fmt.Errorf("idle timeout must not be negative, got %v", d)
		}
		s.idleTimeout = d
		return nil
	}
}
