// Package relay streams request and response bodies through the proxy
// without holding whole payloads in memory.
package relay

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
)

// Op names the side of a relay that failed.
const (
	OpRead  = "read"
	OpWrite = "write"
)

const bufferSize = 32 * 1024

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, bufferSize)
		return &b
	},
}

// Error is returned when a relay stops before the source is exhausted.
type Error struct {
	Op  string
	N   int64 // bytes written to the sink before the failure
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("relay %s after %d bytes: %v", e.Op, e.N, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Copy streams src into dst and returns the number of bytes written.
// declared is the advertised body length, or -1 when unknown; a source that
// ends early is reported as io.ErrUnexpectedEOF. When dst implements
// http.Flusher it is flushed after every chunk so progress output reaches
// the client as soon as the upstream produces it.
func Copy(dst io.Writer, src io.Reader, declared int64) (int64, error) {
	bp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bp)
	buf := *bp

	fl, _ := dst.(http.Flusher)

	var n int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			n += int64(nw)
			if werr == nil && nw != nr {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				return n, &Error{Op: OpWrite, N: n, Err: werr}
			}
			if fl != nil {
				fl.Flush()
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return n, &Error{Op: OpRead, N: n, Err: rerr}
		}
	}

	if declared >= 0 && n != declared {
		return n, &Error{Op: OpRead, N: n, Err: io.ErrUnexpectedEOF}
	}
	return n, nil
}

// Body wraps an inbound request body handed to the upstream transport. It
// enforces the declared length, counts bytes and remembers the first read
// failure, which the transport does not reliably surface.
type Body struct {
	rc       io.ReadCloser
	declared int64
	onRead   func(n int)

	n   atomic.Int64
	mu  sync.Mutex
	err error
}

// NewBody wraps rc. declared is the inbound Content-Length or -1. onRead,
// when non-nil, is called with the size of every successful read.
func NewBody(rc io.ReadCloser, declared int64, onRead func(n int)) *Body {
	return &Body{rc: rc, declared: declared, onRead: onRead}
}

func (b *Body) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if n > 0 {
		total := b.n.Add(int64(n))
		if b.onRead != nil {
			b.onRead(n)
		}
		if b.declared >= 0 && total > b.declared {
			err = fmt.Errorf("request body exceeds declared length %d", b.declared)
		}
	}
	if errors.Is(err, io.EOF) && b.declared >= 0 && b.n.Load() < b.declared {
		err = io.ErrUnexpectedEOF
	}
	if err != nil && !errors.Is(err, io.EOF) {
		b.mu.Lock()
		if b.err == nil {
			b.err = err
		}
		b.mu.Unlock()
	}
	return n, err
}

func (b *Body) Close() error {
	return b.rc.Close()
}

// N returns the number of bytes read so far.
func (b *Body) N() int64 {
	return b.n.Load()
}

// Err returns the first read failure other than io.EOF, if any.
func (b *Body) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}
