// Package conntest provides in-memory netpoll.Connection fakes for tests.
// Only the methods used by this module are implemented; any other call panics
// on the embedded nil interface.
//
// Package conntest는 테스트용 메모리 기반 netpoll.Connection 가짜 구현을 제공합니다.
package conntest

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cloudwego/netpoll"
)

// ErrReadTimeout is returned by a blocking read that outlived the read timeout.
var ErrReadTimeout = errors.New("conntest: read timeout")

// Conn is a fake connection. Bytes given to Feed become readable through
// Reader; bytes flushed through Writer are collected for Output.
type Conn struct {
	netpoll.Connection

	mu          sync.Mutex
	cond        *sync.Cond
	in          []byte
	out         bytes.Buffer
	closed      bool
	readTimeout time.Duration
	writeTOs    []time.Duration

	w      netpoll.Writer
	remote net.Addr
}

// New returns an open connection with no buffered input.
func New() *Conn {
	c := &Conn{
		remote: &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 50000},
	}
	c.cond = sync.NewCond(&c.mu)
	c.w = netpoll.NewWriter(lockedWriter{c})
	return c
}

// Feed makes s readable.
func (c *Conn) Feed(s string) {
	c.mu.Lock()
	c.in = append(c.in, s...)
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Output returns everything written so far.
func (c *Conn) Output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.String()
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SetRemoteAddr overrides the peer address.
func (c *Conn) SetRemoteAddr(a net.Addr) { c.remote = a }

func (c *Conn) Reader() netpoll.Reader { return reader{c} }

func (c *Conn) Writer() netpoll.Writer { return c.w }

func (c *Conn) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cond.Broadcast()
	return nil
}

func (c *Conn) RemoteAddr() net.Addr { return c.remote }

func (c *Conn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 8080}
}

func (c *Conn) SetReadTimeout(d time.Duration) error {
	c.mu.Lock()
	c.readTimeout = d
	c.mu.Unlock()
	return nil
}

func (c *Conn) SetWriteTimeout(d time.Duration) error {
	c.mu.Lock()
	c.writeTOs = append(c.writeTOs, d)
	c.mu.Unlock()
	return nil
}

// WriteTimeouts returns every value passed to SetWriteTimeout, oldest first.
func (c *Conn) WriteTimeouts() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.writeTOs...)
}

// Read drains buffered input, returning io.EOF once closed and empty.
func (c *Conn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.in) == 0 {
		if c.closed {
			return 0, io.EOF
		}
		c.cond.Wait()
	}
	n := copy(p, c.in)
	c.in = c.in[n:]
	return n, nil
}

func (c *Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	return c.out.Write(p)
}

type lockedWriter struct{ c *Conn }

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	return w.c.out.Write(p)
}

type reader struct {
	c *Conn
}

var _ netpoll.Reader = reader{}

func (r reader) Len() int {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	return len(r.c.in)
}

// Next blocks until n bytes are buffered, the connection closes or the read timeout passes.
func (r reader) Next(n int) ([]byte, error) {
	c := r.c
	c.mu.Lock()
	defer c.mu.Unlock()

	var deadline time.Time
	if c.readTimeout > 0 {
		deadline = time.Now().Add(c.readTimeout)
		timer := time.AfterFunc(c.readTimeout, c.cond.Broadcast)
		defer timer.Stop()
	}
	for len(c.in) < n {
		if c.closed {
			return nil, net.ErrClosed
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return nil, ErrReadTimeout
		}
		c.cond.Wait()
	}
	p := append([]byte(nil), c.in[:n]...)
	c.in = c.in[n:]
	return p, nil
}

func (r reader) Release() error { return nil }

func (r reader) Peek(n int) ([]byte, error) { panic("conntest: Peek not implemented") }
func (r reader) Skip(n int) error { panic("conntest: Skip not implemented") }
func (r reader) Until(delim byte) ([]byte, error) { panic("conntest: Until not implemented") }
func (r reader) ReadString(n int) (string, error) { panic("conntest: ReadString not implemented") }
func (r reader) ReadBinary(n int) ([]byte, error) { panic("conntest: ReadBinary not implemented") }
func (r reader) ReadByte() (byte, error) { panic("conntest: ReadByte not implemented") }
func (r reader) Slice(n int) (netpoll.Reader, error) { panic("conntest: Slice not implemented") }
