package appcontext

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DevNewbie1826/netpoll-httpcore/internal/conntest"
	"github.com/DevNewbie1826/netpoll-httpcore/pkg/request"
)

func newContext(t *testing.T, l *Listener) (*RequestContext, *conntest.Conn) {
	t.Helper()
	conn := conntest.New()
	rc := NewRequestContext(conn, context.Background(), l, request.DefaultLimits())
	t.Cleanup(func() { _ = rc.Close() })
	return rc, conn
}

func TestEagerlyFinish_NothingBuffered(t *testing.T) {
	rc, _ := newContext(t, nil)

	ready, err := rc.EagerlyFinish()
	require.NoError(t, err)
	assert.False(t, ready)
	assert.True(t, rc.CanClose())
}

func TestTryToFinish_Incremental(t *testing.T) {
	rc, conn := newContext(t, nil)

	conn.Feed("GET / HTTP/1.1\r\nHo")
	ready, err := rc.TryToFinish()
	require.NoError(t, err)
	assert.False(t, ready)
	assert.False(t, rc.CanClose())

	conn.Feed("st: a\r\n\r\n")
	ready, err = rc.TryToFinish()
	require.NoError(t, err)
	assert.True(t, ready)
	assert.Equal(t, "a", rc.State().Header.Get("Host"))
}

func TestTryToFinish_PeerGone(t *testing.T) {
	rc, conn := newContext(t, nil)
	_ = conn.Close()

	_, err := rc.TryToFinish()
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestTryToFinish_ParseError(t *testing.T) {
	rc, conn := newContext(t, nil)
	conn.Feed("GET / HTTP/1.1\r\nContent-Length: x\r\n\r\n")

	_, err := rc.TryToFinish()
	var pe request.ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusBadRequest, pe.StatusCode())
}

func TestTryToFinish_SendsContinueOnce(t *testing.T) {
	rc, conn := newContext(t, nil)
	conn.Feed("POST / HTTP/1.1\r\nHost: a\r\nExpect: 100-continue\r\nContent-Length: 4\r\n\r\n")

	ready, err := rc.TryToFinish()
	require.NoError(t, err)
	assert.False(t, ready)
	assert.Equal(t, "HTTP/1.1 100 Continue\r\n\r\n", conn.Output())

	conn.Feed("da")
	_, err = rc.TryToFinish()
	require.NoError(t, err)
	conn.Feed("ta")
	ready, err = rc.TryToFinish()
	require.NoError(t, err)
	assert.True(t, ready)
	assert.Equal(t, "HTTP/1.1 100 Continue\r\n\r\n", conn.Output())
}

func TestFinish_WaitsForBytes(t *testing.T) {
	rc, conn := newContext(t, nil)
	conn.Feed("GET / HTTP/1.1\r\n")

	go func() {
		time.Sleep(20 * time.Millisecond)
		conn.Feed("Host: a\r\n\r\n")
	}()

	err := rc.Finish(context.Background(), time.Second)
	require.NoError(t, err)
	assert.True(t, rc.Ready())
}

func TestFinish_Timeout(t *testing.T) {
	rc, conn := newContext(t, nil)
	conn.Feed("GET / HTTP/1.1\r\n")

	start := time.Now()
	err := rc.Finish(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestFinish_Cancelled(t *testing.T) {
	rc, conn := newContext(t, nil)
	cause := errors.New("shutting down")
	ctx, cancel := context.WithCancelCause(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel(cause)
	}()

	err := rc.Finish(ctx, time.Second)
	assert.ErrorIs(t, err, cause)
	assert.True(t, conn.Closed())
}

func TestReset_PipelinedRequest(t *testing.T) {
	rc, conn := newContext(t, nil)
	conn.Feed("GET /a HTTP/1.1\r\nHost: a\r\n\r\nGET /b HTTP/1.1\r\nHost: a\r\n\r\n")

	ready, err := rc.TryToFinish()
	require.NoError(t, err)
	require.True(t, ready)
	assert.Equal(t, "/a", rc.State().RequestURI)

	ready, err = rc.Reset(false)
	require.NoError(t, err)
	assert.True(t, ready)
	assert.Equal(t, "/b", rc.State().RequestURI)
}

func TestReset_FastCheckReadsSocket(t *testing.T) {
	rc, conn := newContext(t, nil)
	conn.Feed("GET /a HTTP/1.1\r\nHost: a\r\n\r\n")
	ready, err := rc.TryToFinish()
	require.NoError(t, err)
	require.True(t, ready)

	conn.Feed("GET /b HTTP/1.1\r\nHost: a\r\n\r\n")

	ready, err = rc.Reset(false)
	require.NoError(t, err)
	assert.False(t, ready, "without fast check the socket is left alone")

	ready, err = rc.Reset(true)
	require.NoError(t, err)
	assert.True(t, ready)
	assert.Equal(t, "/b", rc.State().RequestURI)
}

func TestHand_Ownership(t *testing.T) {
	rc, _ := newContext(t, nil)
	assert.Equal(t, OwnerAcceptor, rc.Owner())

	rc.SetTimeout(time.Minute)
	require.True(t, rc.Hand(OwnerReactor))
	assert.False(t, rc.TimeoutAt().IsZero(), "the reactor keeps the deadline")

	require.True(t, rc.Hand(OwnerWorker))
	assert.True(t, rc.TimeoutAt().IsZero(), "a worker clears the deadline")

	select {
	case <-rc.Handback():
	default:
		t.Fatal("expected a handback signal")
	}

	require.NoError(t, rc.Close())
	assert.False(t, rc.Hand(OwnerWorker))
	assert.Equal(t, OwnerClosed, rc.Owner())
}

func TestHijack(t *testing.T) {
	rc, conn := newContext(t, nil)
	conn.Feed("GET / HTTP/1.1\r\nHost: a\r\nUpgrade: x\r\n\r\nextra")
	ready, err := rc.TryToFinish()
	require.NoError(t, err)
	require.True(t, ready)

	rest := rc.Hijack()
	assert.Equal(t, "extra", string(rest))
	assert.Equal(t, OwnerHijacked, rc.Owner())
	assert.False(t, rc.Hand(OwnerReactor))
	assert.Nil(t, rc.Hijack())
}

func TestTimeout_WritesRequestTimeout(t *testing.T) {
	rc, conn := newContext(t, nil)
	conn.Feed("GET / HTTP/1.1\r\nHo")
	_, err := rc.TryToFinish()
	require.NoError(t, err)

	assert.ErrorIs(t, rc.Timeout(), ErrTimeout)
	assert.Contains(t, conn.Output(), "HTTP/1.1 408 Request Timeout\r\n")
	assert.Contains(t, conn.Output(), "Connection: close\r\n")
	assert.True(t, conn.Closed())
}

func TestTimeout_MidBodyClosesSilently(t *testing.T) {
	rc, conn := newContext(t, nil)
	conn.Feed("POST / HTTP/1.1\r\nHost: a\r\nContent-Length: 10\r\n\r\nabc")
	_, err := rc.TryToFinish()
	require.NoError(t, err)

	assert.ErrorIs(t, rc.Timeout(), ErrTimeout)
	assert.Empty(t, conn.Output())
	assert.True(t, conn.Closed())
}

func TestClose_Idempotent(t *testing.T) {
	rc, conn := newContext(t, nil)
	require.NoError(t, rc.Close())
	require.NoError(t, rc.Close())
	assert.True(t, conn.Closed())
	assert.Equal(t, OwnerClosed, rc.Owner())
}

func TestRemoteAddr_Policies(t *testing.T) {
	h := http.Header{"X-Forwarded-For": {"10.1.1.1"}}

	rc, _ := newContext(t, nil)
	assert.Equal(t, "127.0.0.1:50000", rc.RemoteAddr(h))

	rc, _ = newContext(t, &Listener{Mode: RemoteAddrValue, Value: "1.2.3.4"})
	assert.Equal(t, "1.2.3.4", rc.RemoteAddr(h))

	rc, _ = newContext(t, &Listener{Mode: RemoteAddrHeader, Header: "X-Forwarded-For"})
	assert.Equal(t, "10.1.1.1", rc.RemoteAddr(h))
	assert.Equal(t, "127.0.0.1:50000", rc.RemoteAddr(http.Header{}), "falls back to the socket")
}

func TestProxyProtocol(t *testing.T) {
	rc, conn := newContext(t, &Listener{Mode: RemoteAddrProxy})
	conn.SetRemoteAddr(&net.TCPAddr{IP: net.ParseIP("10.0.0.9"), Port: 1})

	conn.Feed("PROXY TCP4 192.168.0.1 192.168.0.11 56324 443\r\nGET / HT")
	ready, err := rc.TryToFinish()
	require.NoError(t, err)
	assert.False(t, ready)

	conn.Feed("TP/1.1\r\nHost: a\r\n\r\n")
	ready, err = rc.TryToFinish()
	require.NoError(t, err)
	require.True(t, ready)
	assert.Equal(t, "192.168.0.1:56324", rc.RemoteAddr(nil))
}

func TestProxyProtocol_SplitHeader(t *testing.T) {
	rc, conn := newContext(t, &Listener{Mode: RemoteAddrProxy})

	conn.Feed("PROXY TCP6 ::1 ::1 ")
	_, err := rc.TryToFinish()
	require.NoError(t, err)
	assert.False(t, rc.CanClose(), "a partial PROXY line counts as started")

	conn.Feed("8080 80\r\nGET / HTTP/1.1\r\nHost: a\r\n\r\n")
	ready, err := rc.TryToFinish()
	require.NoError(t, err)
	require.True(t, ready)
	assert.Equal(t, "[::1]:8080", rc.RemoteAddr(nil))
}

func TestProxyProtocol_Invalid(t *testing.T) {
	rc, conn := newContext(t, &Listener{Mode: RemoteAddrProxy})
	conn.Feed("GET / HTTP/1.1\r\nHost: a\r\n\r\n")

	_, err := rc.TryToFinish()
	var pe request.ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusBadRequest, pe.StatusCode())
}

func TestParseRemoteAddrMode(t *testing.T) {
	for in, want := range map[string]RemoteAddrMode{
		"":               RemoteAddrSocket,
		"socket":         RemoteAddrSocket,
		"Value":          RemoteAddrValue,
		"header":         RemoteAddrHeader,
		"proxy_protocol": RemoteAddrProxy,
	} {
		got, err := ParseRemoteAddrMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseRemoteAddrMode("dns")
	assert.Error(t, err)
}
