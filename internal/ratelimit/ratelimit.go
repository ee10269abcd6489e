// Package ratelimit throttles data connection transfers to a byte rate.
//
// It is a thin layer over golang.org/x/time/rate that meters io.Reader and
// io.Writer traffic and honours context cancellation while waiting.
package ratelimit

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// Limiter limits the rate of data transfer to a number of bytes per second.
// Bursts of up to one second worth of data are allowed.
type Limiter struct {
	lim *rate.Limiter
}

// New creates a limiter for bytesPerSecond. It returns nil, meaning
// unlimited, when bytesPerSecond is not positive.
func New(bytesPerSecond int64) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	burst := int(min(bytesPerSecond, int64(1<<30)))
	return &Limiter{lim: rate.NewLimiter(rate.Limit(bytesPerSecond), burst)}
}

// Burst returns the largest number of bytes a single wait may ask for.
func (l *Limiter) Burst() int {
	if l == nil {
		return 0
	}
	return l.lim.Burst()
}

// WaitN blocks until n bytes may pass or ctx is done. Requests larger
// than the burst are split.
func (l *Limiter) WaitN(ctx context.Context, n int) error {
	if l == nil {
		return nil
	}
	burst := l.lim.Burst()
	for n > 0 {
		take := min(n, burst)
		if err := l.lim.WaitN(ctx, take); err != nil {
			return err
		}
		n -= take
	}
	return nil
}

type reader struct {
	ctx     context.Context
	r       io.Reader
	limiter *Limiter
}

// NewReader returns a reader that waits on limiter before each read.
// If limiter is nil, the original reader is returned unchanged.
func NewReader(ctx context.Context, r io.Reader, limiter *Limiter) io.Reader {
	if limiter == nil {
		return r
	}
	return &reader{ctx: ctx, r: r, limiter: limiter}
}

// Read implements io.Reader. It reads at most one burst at a time and pays
// for the bytes actually read.
func (r *reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if burst := r.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := r.r.Read(p)
	if n > 0 {
		if werr := r.limiter.WaitN(r.ctx, n); werr != nil && err == nil {
			err = werr
		}
	}
	return n, err
}

type writer struct {
	ctx     context.Context
	w       io.Writer
	limiter *Limiter
}

// NewWriter returns a writer that waits on limiter before each write.
// If limiter is nil, the original writer is returned unchanged.
func NewWriter(ctx context.Context, w io.Writer, limiter *Limiter) io.Writer {
	if limiter == nil {
		return w
	}
	return &writer{ctx: ctx, w: w, limiter: limiter}
}

// Write implements io.Writer, writing in chunks of at most one burst so
// backpressure applies before the bytes leave.
func (w *writer) Write(p []byte) (int, error) {
	burst := w.limiter.Burst()
	written := 0
	for written < len(p) {
		chunk := min(len(p)-written, burst)
		if err := w.limiter.WaitN(w.ctx, chunk); err != nil {
			return written, err
		}
		n, err := w.w.Write(p[written : written+chunk])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
