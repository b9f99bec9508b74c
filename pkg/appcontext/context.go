package appcontext

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cloudwego/netpoll"

	"github.com/DevNewbie1826/netpoll-httpcore/pkg/request"
)

var (
	// ErrTimeout is returned when a request did not arrive in time.
	// ErrTimeout은 요청이 제시간에 도착하지 않았을 때 반환됩니다.
	ErrTimeout = errors.New("timed out waiting for request")

	// ErrConnectionClosed is returned when the peer went away mid-read.
	// ErrConnectionClosed는 읽기 도중 상대방이 연결을 끊었을 때 반환됩니다.
	ErrConnectionClosed = errors.New("connection closed by peer")
)

var crlf = []byte("\r\n")

// Owner identifies the component that currently holds a connection.
// Owner는 현재 연결을 보유한 컴포넌트를 나타냅니다.
type Owner int32

const (
	OwnerAcceptor Owner = iota
	OwnerReactor
	OwnerWorker
	OwnerHijacked
	OwnerClosed
)

func (o Owner) String() string {
	switch o {
	case OwnerAcceptor:
		return "acceptor"
	case OwnerReactor:
		return "reactor"
	case OwnerWorker:
		return "worker"
	case OwnerHijacked:
		return "hijacked"
	case OwnerClosed:
		return "closed"
	}
	return "owner(" + strconv.Itoa(int(o)) + ")"
}

// RemoteAddrMode selects where the peer address of a request comes from.
// RemoteAddrMode는 요청의 상대 주소를 어디에서 가져올지 선택합니다.
type RemoteAddrMode uint8

const (
	RemoteAddrSocket RemoteAddrMode = iota
	RemoteAddrValue
	RemoteAddrHeader
	RemoteAddrProxy
)

// ParseRemoteAddrMode parses "socket", "value", "header" or "proxy_protocol".
func ParseRemoteAddrMode(s string) (RemoteAddrMode, error) {
	switch strings.ToLower(s) {
	case "", "socket":
		return RemoteAddrSocket, nil
	case "value":
		return RemoteAddrValue, nil
	case "header":
		return RemoteAddrHeader, nil
	case "proxy_protocol", "proxy":
		return RemoteAddrProxy, nil
	}
	return 0, fmt.Errorf("unknown remote address mode %q", s)
}

// Listener describes the bind a connection was accepted on.
// Listener는 연결이 수락된 바인드 주소를 설명합니다.
type Listener struct {
	Addr   string
	Mode   RemoteAddrMode
	Value  string
	Header string
}

// RequestContext is one accepted connection plus the parse state of the
// request being read from it. It is owned by exactly one component at a time;
// ownership moves with Hand and is never shared.
//
// RequestContext는 수락된 연결 하나와 그 연결에서 읽고 있는 요청의 파싱 상태입니다.
// 한 번에 정확히 하나의 컴포넌트가 소유하며, 소유권은 Hand로 이전되고 공유되지 않습니다.
type RequestContext struct {
	conn     netpoll.Connection
	ctx      context.Context // Cancelled when the peer disconnects. // 연결 종료 시 취소됩니다.
	listener *Listener
	state    *request.State

	owner     atomic.Int32
	handback  chan struct{}
	timeoutAt atomic.Int64

	expectProxy bool
	proxyBuf    []byte
	peer        string
}

// NewRequestContext creates the context for a freshly accepted connection.
// NewRequestContext는 새로 수락된 연결을 위한 컨텍스트를 생성합니다.
func NewRequestContext(conn netpoll.Connection, parent context.Context, l *Listener, limits request.Limits) *RequestContext {
	if l == nil {
		l = &Listener{}
	}
	return &RequestContext{
		conn:        conn,
		ctx:         parent,
		listener:    l,
		state:       request.New(limits),
		handback:    make(chan struct{}, 1),
		expectProxy: l.Mode == RemoteAddrProxy,
	}
}

// Conn returns the netpoll.Connection.
// Conn은 netpoll.Connection을 반환합니다.
func (c *RequestContext) Conn() netpoll.Connection {
	return c.conn
}

// Context returns the connection context.
// Context는 연결 컨텍스트를 반환합니다.
func (c *RequestContext) Context() context.Context {
	return c.ctx
}

// State returns the parse state of the current request.
// State는 현재 요청의 파싱 상태를 반환합니다.
func (c *RequestContext) State() *request.State {
	return c.state
}

// Listener returns the bind the connection came from.
func (c *RequestContext) Listener() *Listener {
	return c.listener
}

// Owner returns the current owner.
func (c *RequestContext) Owner() Owner {
	return Owner(c.owner.Load())
}

// Hand transfers ownership to o. A closed or hijacked connection keeps its
// owner and Hand returns false. Handing to anyone but the reactor clears the deadline.
//
// Hand는 소유권을 o에게 이전합니다. 닫혔거나 하이재킹된 연결은 소유자가 바뀌지 않으며 false를 반환합니다.
func (c *RequestContext) Hand(o Owner) bool {
	for {
		cur := Owner(c.owner.Load())
		if cur == OwnerClosed || cur == OwnerHijacked {
			return false
		}
		if c.owner.CompareAndSwap(int32(cur), int32(o)) {
			break
		}
	}
	if o != OwnerReactor {
		c.timeoutAt.Store(0)
	}
	c.signal()
	return true
}

// Handback delivers a signal after every ownership change.
// Handback은 소유권이 바뀔 때마다 신호를 전달합니다.
func (c *RequestContext) Handback() <-chan struct{} {
	return c.handback
}

func (c *RequestContext) signal() {
	select {
	case c.handback <- struct{}{}:
	default:
	}
}

// SetTimeout sets the deadline to now plus d.
// SetTimeout은 데드라인을 현재 시각에 d를 더한 값으로 설정합니다.
func (c *RequestContext) SetTimeout(d time.Duration) {
	c.timeoutAt.Store(time.Now().Add(d).UnixNano())
}

// TimeoutAt returns the deadline, or the zero time when none is set.
// TimeoutAt은 데드라인을 반환하며, 설정되지 않았으면 zero time을 반환합니다.
func (c *RequestContext) TimeoutAt() time.Time {
	n := c.timeoutAt.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Ready reports whether a whole request is buffered.
func (c *RequestContext) Ready() bool {
	return c.state.Ready()
}

// CanClose reports whether no byte of a request has been received, so the
// connection may be dropped without a response.
// CanClose는 요청 바이트를 하나도 받지 않아 응답 없이 연결을 닫아도 되는지 보고합니다.
func (c *RequestContext) CanClose() bool {
	return len(c.proxyBuf) == 0 && !c.state.Started()
}

// TryToFinish feeds whatever is buffered on the connection into the request
// state without waiting and reports whether the request is complete.
//
// TryToFinish는 기다리지 않고 연결에 버퍼된 바이트를 요청 상태에 공급하며,
// 요청이 완성되었는지 보고합니다.
func (c *RequestContext) TryToFinish() (bool, error) {
	r := c.conn.Reader()
	if n := r.Len(); n > 0 {
		p, err := r.Next(n)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
		}
		err = c.feed(p)
		_ = r.Release()
		if err != nil {
			return false, err
		}
	}
	if c.state.Ready() {
		return true, nil
	}
	if !c.conn.IsActive() {
		return false, ErrConnectionClosed
	}
	return false, c.sendContinue()
}

// EagerlyFinish is TryToFinish for a connection that may have nothing buffered yet.
// EagerlyFinish는 아직 버퍼된 데이터가 없을 수 있는 연결에 대한 TryToFinish입니다.
func (c *RequestContext) EagerlyFinish() (bool, error) {
	if c.state.Ready() {
		return true, nil
	}
	if c.conn.Reader().Len() == 0 {
		return false, nil
	}
	return c.TryToFinish()
}

// Finish blocks until the request is complete or timeout elapses. Cancelling
// ctx closes the connection to abort the wait and returns its cause.
//
// Finish는 요청이 완성되거나 timeout이 지날 때까지 블로킹합니다.
// ctx가 취소되면 대기를 중단하기 위해 연결을 닫고 취소 원인을 반환합니다.
func (c *RequestContext) Finish(ctx context.Context, timeout time.Duration) error {
	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()

	deadline := time.Now().Add(timeout)
	r := c.conn.Reader()
	for {
		ready, err := c.TryToFinish()
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if err != nil || ready {
			return err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrTimeout
		}
		_ = c.conn.SetReadTimeout(remaining)
		p, err := r.Next(1)
		if err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			if !time.Now().Before(deadline) {
				return ErrTimeout
			}
			return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
		}
		err = c.feed(p)
		_ = r.Release()
		if err != nil {
			return err
		}
	}
}

// Reset prepares for the next request on a kept-alive connection. With
// fastCheck set it also takes whatever is already buffered on the socket.
// It reports whether the next request is already complete.
//
// Reset은 keep-alive 연결의 다음 요청을 준비합니다. fastCheck가 설정되면 소켓에 이미
// 버퍼된 데이터도 가져오며, 다음 요청이 이미 완성되었는지 보고합니다.
func (c *RequestContext) Reset(fastCheck bool) (bool, error) {
	if _, err := c.state.Reset(); err != nil {
		return false, err
	}
	if c.state.Ready() {
		return true, nil
	}
	if !fastCheck || c.conn.Reader().Len() == 0 {
		return false, nil
	}
	return c.TryToFinish()
}

func (c *RequestContext) feed(p []byte) error {
	if c.expectProxy {
		rest, err := c.readProxy(p)
		if err != nil || len(rest) == 0 {
			return err
		}
		p = rest
	}
	_, err := c.state.Feed(p)
	return err
}

func (c *RequestContext) readProxy(p []byte) ([]byte, error) {
	c.proxyBuf = append(c.proxyBuf, p...)
	i := bytes.Index(c.proxyBuf, crlf)
	if i < 0 {
		if len(c.proxyBuf) > maxProxyLine {
			return nil, request.ParseError{Cause: request.ErrMalformedRequest, Detail: "PROXY header too long"}
		}
		return nil, nil
	}
	if i+len(crlf) > maxProxyLine {
		return nil, request.ParseError{Cause: request.ErrMalformedRequest, Detail: "PROXY header too long"}
	}
	peer, err := parseProxyLine(c.proxyBuf[:i])
	if err != nil {
		return nil, request.ParseError{Cause: request.ErrMalformedRequest, Detail: err.Error()}
	}
	c.peer = peer
	c.expectProxy = false
	rest := c.proxyBuf[i+len(crlf):]
	c.proxyBuf = nil
	return rest, nil
}

func (c *RequestContext) sendContinue() error {
	if !c.state.NeedsContinue() {
		return nil
	}
	w := c.conn.Writer()
	if _, err := w.WriteString("HTTP/1.1 100 Continue\r\n\r\n"); err != nil {
		return err
	}
	c.state.AckContinue()
	return w.Flush()
}

// RemoteAddr returns the peer address according to the listener's policy.
// RemoteAddr는 리스너 정책에 따라 상대 주소를 반환합니다.
func (c *RequestContext) RemoteAddr(h http.Header) string {
	switch c.listener.Mode {
	case RemoteAddrValue:
		return c.listener.Value
	case RemoteAddrHeader:
		if v := h.Get(c.listener.Header); v != "" {
			return v
		}
	case RemoteAddrProxy:
		if c.peer != "" {
			return c.peer
		}
	}
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// WriteError writes a bodiless error response that closes the connection.
// WriteError는 연결을 닫는 본문 없는 에러 응답을 씁니다.
func (c *RequestContext) WriteError(status int) error {
	w := c.conn.Writer()
	line := "HTTP/1.1 " + strconv.Itoa(status) + " " + http.StatusText(status) +
		"\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"
	if _, err := w.WriteString(line); err != nil {
		return err
	}
	return w.Flush()
}

// Timeout ends a connection whose deadline passed. A request whose headers
// are incomplete is answered with 408; one that is mid-body is just closed.
//
// Timeout은 데드라인이 지난 연결을 종료합니다. 헤더가 완성되지 않은 요청에는 408로 응답하고,
// 본문을 받는 중인 요청은 그냥 닫습니다.
func (c *RequestContext) Timeout() error {
	if !c.state.HeaderComplete() {
		_ = c.WriteError(http.StatusRequestTimeout)
	}
	_ = c.Close()
	return ErrTimeout
}

// Hijack marks the connection as taken over by the application and returns
// bytes that were read past the current request.
// Hijack은 연결이 애플리케이션에 넘어갔음을 표시하고, 현재 요청 이후에 읽힌 바이트를 반환합니다.
func (c *RequestContext) Hijack() []byte {
	for {
		cur := Owner(c.owner.Load())
		if cur == OwnerClosed || cur == OwnerHijacked {
			return nil
		}
		if c.owner.CompareAndSwap(int32(cur), int32(OwnerHijacked)) {
			break
		}
	}
	c.signal()
	return c.state.TakeBuffered()
}

// Close closes the socket and releases the request state. It is safe to call more than once.
// Close는 소켓을 닫고 요청 상태를 해제합니다. 여러 번 호출해도 안전합니다.
func (c *RequestContext) Close() error {
	if Owner(c.owner.Swap(int32(OwnerClosed))) == OwnerClosed {
		return nil
	}
	c.signal()
	_ = c.state.Close()
	return c.conn.Close()
}
