package adaptor

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/bytebufferpool"

	"github.com/DevNewbie1826/netpoll-httpcore/internal/conntest"
	"github.com/DevNewbie1826/netpoll-httpcore/pkg/appcontext"
	"github.com/DevNewbie1826/netpoll-httpcore/pkg/request"
)

type fixture struct {
	conn *conntest.Conn
	rc   *appcontext.RequestContext
	req  *http.Request
	rw   *ResponseWriter
}

// newFixture parses raw as a request and prepares a ResponseWriter for it.
func newFixture(t *testing.T, raw string) *fixture {
	t.Helper()
	conn := conntest.New()
	conn.Feed(raw)
	rc := appcontext.NewRequestContext(conn, context.Background(), nil, request.DefaultLimits())
	ready, err := rc.TryToFinish()
	require.NoError(t, err)
	require.True(t, ready)

	req, err := GetRequest(context.Background(), rc)
	require.NoError(t, err)

	buf := bytebufferpool.Get()
	rw := NewResponseWriter(rc, req, buf, WantsKeepAlive(req))
	t.Cleanup(func() {
		rw.Release()
		bytebufferpool.Put(buf)
		_ = rc.Close()
	})
	return &fixture{conn: conn, rc: rc, req: req, rw: rw}
}

func (f *fixture) response(t *testing.T) (*http.Response, string) {
	t.Helper()
	resp, err := http.ReadResponse(bufio.NewReader(strings.NewReader(f.conn.Output())), f.req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

// onlyReader implements only io.Reader, hiding io.WriterTo.
type onlyReader struct {
	io.Reader
}

const get11 = "GET /x HTTP/1.1\r\nHost: h\r\n\r\n"

func TestResponse_ContentLengthFromBuffer(t *testing.T) {
	f := newFixture(t, get11)

	_, err := f.rw.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, f.rw.EndResponse())

	out := f.conn.Output()
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n"), out)
	assert.Contains(t, out, "Content-Length: 5\r\n")
	assert.NotContains(t, out, "Connection:")
	assert.True(t, strings.HasSuffix(out, "\r\n\r\nhello"), out)
	assert.True(t, f.rw.KeepAlive())

	resp, body := f.response(t)
	assert.Equal(t, "hello", body)
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("Date"))
}

func TestResponse_EmptyBody(t *testing.T) {
	f := newFixture(t, get11)
	f.rw.WriteHeader(http.StatusAccepted)
	require.NoError(t, f.rw.EndResponse())

	resp, body := f.response(t)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, int64(0), resp.ContentLength)
	assert.Empty(t, body)
}

func TestResponse_FlushStreamsChunked(t *testing.T) {
	f := newFixture(t, get11)

	_, _ = f.rw.Write([]byte("first"))
	f.rw.Flush()
	assert.True(t, f.rw.Committed())
	_, _ = f.rw.Write([]byte("second"))
	require.NoError(t, f.rw.EndResponse())

	out := f.conn.Output()
	assert.Contains(t, out, "Transfer-Encoding: chunked\r\n")
	assert.NotContains(t, out, "Content-Length")
	assert.True(t, strings.HasSuffix(out, "0\r\n\r\n"), out)

	resp, body := f.response(t)
	assert.Equal(t, []string{"chunked"}, resp.TransferEncoding)
	assert.Equal(t, "firstsecond", body)
	assert.True(t, f.rw.KeepAlive())
}

func TestResponse_LargeBodyStreams(t *testing.T) {
	f := newFixture(t, get11)
	payload := strings.Repeat("z", streamThreshold+10)

	_, err := f.rw.Write([]byte(payload))
	require.NoError(t, err)
	require.NoError(t, f.rw.EndResponse())

	resp, body := f.response(t)
	assert.Equal(t, []string{"chunked"}, resp.TransferEncoding)
	assert.Equal(t, payload, body)
}

func TestResponse_HandlerChunkedWinsOverContentLength(t *testing.T) {
	f := newFixture(t, get11)
	f.rw.Header().Set("Transfer-Encoding", "chunked")
	f.rw.Header().Set("Content-Length", "100")

	_, err := f.rw.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, f.rw.EndResponse())

	out := f.conn.Output()
	assert.Equal(t, 1, strings.Count(out, "Transfer-Encoding: chunked"))
	assert.NotContains(t, out, "Content-Length")
	_, body := f.response(t)
	assert.Equal(t, "hello", body)
}

func TestResponse_DeclaredContentLength(t *testing.T) {
	f := newFixture(t, get11)
	f.rw.Header().Set("Content-Length", "4")

	_, err := f.rw.Write([]byte("abc"))
	require.NoError(t, err)
	_, err = f.rw.Write([]byte("de"))
	assert.ErrorIs(t, err, http.ErrContentLength)
	_, err = f.rw.Write([]byte("d"))
	require.NoError(t, err)
	require.NoError(t, f.rw.EndResponse())

	_, body := f.response(t)
	assert.Equal(t, "abcd", body)
	assert.True(t, f.rw.KeepAlive())
}

func TestResponse_ShortDeclaredBodyCloses(t *testing.T) {
	f := newFixture(t, get11)
	f.rw.Header().Set("Content-Length", "10")
	_, _ = f.rw.Write([]byte("abc"))
	require.NoError(t, f.rw.EndResponse())

	assert.False(t, f.rw.KeepAlive())
	assert.Contains(t, f.conn.Output(), "Connection: close\r\n")
}

func TestResponse_NoBodyStatuses(t *testing.T) {
	for _, code := range []int{http.StatusNoContent, http.StatusNotModified} {
		f := newFixture(t, get11)
		f.rw.WriteHeader(code)
		_, err := f.rw.Write([]byte("x"))
		assert.ErrorIs(t, err, http.ErrBodyNotAllowed)
		require.NoError(t, f.rw.EndResponse())

		out := f.conn.Output()
		assert.NotContains(t, out, "Content-Length")
		assert.NotContains(t, out, "Transfer-Encoding")
		assert.True(t, strings.HasSuffix(out, "\r\n\r\n"))
	}
}

func TestResponse_InformationalBeforeFinal(t *testing.T) {
	f := newFixture(t, get11)
	f.rw.Header().Set("Link", "</style.css>; rel=preload")
	f.rw.WriteHeader(http.StatusEarlyHints)
	assert.False(t, f.rw.Committed())
	assert.Zero(t, f.rw.Status())

	f.rw.WriteHeader(http.StatusOK)
	_, err := f.rw.Write([]byte("ok"))
	require.NoError(t, err)
	require.NoError(t, f.rw.EndResponse())

	out := f.conn.Output()
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 103 Early Hints\r\nLink: </style.css>; rel=preload\r\n\r\nHTTP/1.1 200 OK\r\n"), out)

	br := bufio.NewReader(strings.NewReader(out))
	hints, err := http.ReadResponse(br, f.req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusEarlyHints, hints.StatusCode)

	final, err := http.ReadResponse(br, f.req)
	require.NoError(t, err)
	body, err := io.ReadAll(final.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, final.StatusCode)
	assert.Equal(t, "ok", string(body))
	assert.True(t, f.rw.KeepAlive())
}

func TestResponse_InformationalSkippedForHTTP10(t *testing.T) {
	f := newFixture(t, "GET / HTTP/1.0\r\n\r\n")
	f.rw.WriteHeader(http.StatusEarlyHints)
	_, err := f.rw.Write([]byte("ok"))
	require.NoError(t, err)
	require.NoError(t, f.rw.EndResponse())

	assert.True(t, strings.HasPrefix(f.conn.Output(), "HTTP/1.0 200 OK\r\n"), f.conn.Output())
}

func TestResponse_Head(t *testing.T) {
	f := newFixture(t, "HEAD / HTTP/1.1\r\nHost: h\r\n\r\n")
	n, err := f.rw.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	require.NoError(t, f.rw.EndResponse())

	out := f.conn.Output()
	assert.Contains(t, out, "Content-Length: 5\r\n")
	assert.True(t, strings.HasSuffix(out, "\r\n\r\n"), "HEAD carries no body")
}

func TestResponse_HTTP10(t *testing.T) {
	f := newFixture(t, "GET / HTTP/1.0\r\n\r\n")
	assert.False(t, f.rw.KeepAlive())
	_, _ = f.rw.Write([]byte("ok"))
	require.NoError(t, f.rw.EndResponse())

	out := f.conn.Output()
	assert.True(t, strings.HasPrefix(out, "HTTP/1.0 200 OK\r\n"), out)
	assert.Contains(t, out, "Connection: close\r\n")
}

func TestResponse_HTTP10KeepAlive(t *testing.T) {
	f := newFixture(t, "GET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n")
	_, _ = f.rw.Write([]byte("ok"))
	require.NoError(t, f.rw.EndResponse())

	assert.True(t, f.rw.KeepAlive())
	assert.Contains(t, f.conn.Output(), "Connection: keep-alive\r\n")
}

func TestResponse_HTTP10StreamClosesConnection(t *testing.T) {
	f := newFixture(t, "GET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n")
	_, _ = f.rw.Write([]byte("part"))
	f.rw.Flush()
	_, _ = f.rw.Write([]byte("rest"))
	require.NoError(t, f.rw.EndResponse())

	out := f.conn.Output()
	assert.False(t, f.rw.KeepAlive())
	assert.NotContains(t, out, "Transfer-Encoding")
	assert.Contains(t, out, "Connection: close\r\n")
	assert.True(t, strings.HasSuffix(out, "\r\n\r\npartrest"), out)
}

func TestResponse_HandlerConnectionClose(t *testing.T) {
	f := newFixture(t, get11)
	f.rw.Header().Set("Connection", "close")
	require.NoError(t, f.rw.EndResponse())

	assert.False(t, f.rw.KeepAlive())
	assert.Equal(t, 1, strings.Count(f.conn.Output(), "Connection: close"))
}

func TestResponse_InvalidHeadersDropped(t *testing.T) {
	f := newFixture(t, get11)
	f.rw.Header().Set("X-Good", "yes")
	f.rw.Header()["X-Bad"] = []string{"a\r\nInjected: 1"}
	f.rw.Header()["Bad Name"] = []string{"v"}
	require.NoError(t, f.rw.EndResponse())

	out := f.conn.Output()
	assert.Contains(t, out, "X-Good: yes\r\n")
	assert.NotContains(t, out, "Injected")
	assert.NotContains(t, out, "Bad Name")
}

func TestResponse_HeadersSorted(t *testing.T) {
	f := newFixture(t, get11)
	f.rw.Header().Set("Zeta", "1")
	f.rw.Header().Set("Alpha", "2")
	require.NoError(t, f.rw.EndResponse())

	out := f.conn.Output()
	assert.Less(t, strings.Index(out, "Alpha:"), strings.Index(out, "Zeta:"))
}

func TestReadFrom_DeclaredLengthCopiesRaw(t *testing.T) {
	f := newFixture(t, get11)
	f.rw.Header().Set("Content-Length", "11")

	n, err := f.rw.ReadFrom(onlyReader{strings.NewReader("hello world")})
	require.NoError(t, err)
	assert.Equal(t, int64(11), n)
	require.NoError(t, f.rw.EndResponse())

	out := f.conn.Output()
	assert.NotContains(t, out, "Transfer-Encoding")
	assert.True(t, strings.HasSuffix(out, "\r\n\r\nhello world"), out)
}

func TestReadFrom_UnknownLengthIsChunked(t *testing.T) {
	f := newFixture(t, get11)

	_, err := io.Copy(f.rw, onlyReader{strings.NewReader("streamed")})
	require.NoError(t, err)
	require.NoError(t, f.rw.EndResponse())

	resp, body := f.response(t)
	assert.Equal(t, []string{"chunked"}, resp.TransferEncoding)
	assert.Equal(t, "streamed", body)
}

func TestHijack_ReturnsPipelinedBytes(t *testing.T) {
	f := newFixture(t, "GET /ws HTTP/1.1\r\nHost: h\r\nUpgrade: websocket\r\n\r\nframe")

	_, brw, err := f.rw.Hijack()
	require.NoError(t, err)
	assert.True(t, f.rw.Hijacked())
	assert.False(t, f.rw.KeepAlive())
	assert.Equal(t, appcontext.OwnerHijacked, f.rc.Owner())

	p := make([]byte, 5)
	_, err = io.ReadFull(brw, p)
	require.NoError(t, err)
	assert.Equal(t, "frame", string(p))

	_, _, err = f.rw.Hijack()
	assert.ErrorIs(t, err, http.ErrHijacked)
	_, err = f.rw.Write([]byte("x"))
	assert.ErrorIs(t, err, http.ErrHijacked)
	require.NoError(t, f.rw.EndResponse())
	assert.Empty(t, f.conn.Output())
}

func TestDiscard(t *testing.T) {
	f := newFixture(t, get11)
	f.rw.Header().Set("X-Partial", "1")
	_, _ = f.rw.Write([]byte("partial"))

	require.True(t, f.rw.Discard())
	f.rw.WriteHeader(http.StatusInternalServerError)
	_, _ = f.rw.Write([]byte("oops"))
	require.NoError(t, f.rw.EndResponse())

	resp, body := f.response(t)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("X-Partial"))
	assert.Equal(t, "oops", body)
	assert.False(t, f.rw.Discard(), "committed responses cannot be discarded")
}

func TestGetRequest(t *testing.T) {
	f := newFixture(t, "POST /p/a?q=1 HTTP/1.1\r\nHost: example.com\r\nContent-Length: 3\r\n\r\nabc")

	r := f.req
	assert.Equal(t, http.MethodPost, r.Method)
	assert.Equal(t, "/p/a", r.URL.Path)
	assert.Equal(t, "q=1", r.URL.RawQuery)
	assert.Equal(t, "http", r.URL.Scheme)
	assert.Equal(t, "example.com", r.Host)
	assert.Equal(t, "/p/a?q=1", r.RequestURI)
	assert.Empty(t, r.Header.Get("Host"))
	assert.Equal(t, "127.0.0.1:50000", r.RemoteAddr)
	assert.Equal(t, int64(3), r.ContentLength)
	assert.False(t, r.Close)

	body, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(body))
}

func TestGetRequest_AsteriskForm(t *testing.T) {
	f := newFixture(t, "OPTIONS * HTTP/1.1\r\nHost: h\r\n\r\n")
	assert.Equal(t, "*", f.req.URL.Path)
}

func TestGetRequest_MissingHost(t *testing.T) {
	conn := conntest.New()
	conn.Feed("GET / HTTP/1.1\r\n\r\n")
	rc := appcontext.NewRequestContext(conn, context.Background(), nil, request.DefaultLimits())
	defer rc.Close()
	_, err := rc.TryToFinish()
	require.NoError(t, err)

	_, err = GetRequest(context.Background(), rc)
	var pe request.ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusBadRequest, pe.StatusCode())
}

func TestWantsKeepAlive(t *testing.T) {
	tests := []struct {
		major, minor int
		conn         string
		want         bool
	}{
		{1, 1, "", true},
		{1, 1, "close", false},
		{1, 1, "Keep-Alive, Close", false},
		{1, 0, "", false},
		{1, 0, "keep-alive", true},
		{1, 0, "Keep-Alive", true},
	}
	for _, tt := range tests {
		r := &http.Request{ProtoMajor: tt.major, ProtoMinor: tt.minor, Header: http.Header{}}
		if tt.conn != "" {
			r.Header.Set("Connection", tt.conn)
		}
		assert.Equal(t, tt.want, WantsKeepAlive(r), "%d.%d %q", tt.major, tt.minor, tt.conn)
	}
}
