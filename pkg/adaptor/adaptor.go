package adaptor

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/valyala/bytebufferpool"
	"golang.org/x/net/http/httpguts"

	"github.com/DevNewbie1826/netpoll-httpcore/pkg/appcontext"
	"github.com/DevNewbie1826/netpoll-httpcore/pkg/request"
)

// streamThreshold is the amount of buffered body after which the response
// is committed and streamed instead of framed with a computed Content-Length.
const streamThreshold = 32 * 1024

// ResponseWriter implements http.ResponseWriter on top of a netpoll connection.
// Small bodies are collected in the worker's buffer and sent with a
// Content-Length; larger or flushed bodies are streamed with chunked framing
// on HTTP/1.1 and delimited by closing the connection on HTTP/1.0.
//
// ResponseWriter는 netpoll 연결 위에서 http.ResponseWriter를 구현합니다.
// 작은 본문은 워커 버퍼에 모아 Content-Length와 함께 보내고, 크거나 플러시된 본문은
// HTTP/1.1에서는 chunked로, HTTP/1.0에서는 연결 종료로 구분하여 스트리밍합니다.
type ResponseWriter struct {
	rc     *appcontext.RequestContext
	req    *http.Request
	header http.Header
	buf    *bytebufferpool.ByteBuffer

	status      int
	wroteHeader bool
	committed   bool
	chunked     bool
	hijacked    bool
	keepAlive   bool
	isHead      bool

	declared int64
	written  int64
	err      error
}

// rwPool recycles ResponseWriter objects to reduce GC pressure.
// rwPool은 ResponseWriter 객체를 재활용하여 가비지 컬렉션(GC) 부하를 줄입니다.
var rwPool = sync.Pool{
	New: func() any {
		return &ResponseWriter{
			header: make(http.Header),
		}
	},
}

// copyBufPool provides buffers for ReadFrom.
// copyBufPool은 ReadFrom을 위한 버퍼를 제공합니다.
var copyBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, streamThreshold)
		return &b
	},
}

// NewResponseWriter creates a ResponseWriter from the pool. buf is borrowed
// from the caller and must stay valid until EndResponse returns. keepAlive
// is the persistence the request asked for; the response may only lower it.
//
// NewResponseWriter는 풀에서 ResponseWriter를 생성합니다. buf는 호출자로부터 빌린 것이며
// EndResponse가 반환될 때까지 유효해야 합니다.
func NewResponseWriter(rc *appcontext.RequestContext, req *http.Request, buf *bytebufferpool.ByteBuffer, keepAlive bool) *ResponseWriter {
	rw := rwPool.Get().(*ResponseWriter)
	rw.rc = rc
	rw.req = req
	rw.buf = buf
	rw.keepAlive = keepAlive
	rw.isHead = req.Method == http.MethodHead
	rw.declared = -1
	return rw
}

// Release returns the ResponseWriter to the pool.
// Release는 ResponseWriter를 풀에 반환합니다.
func (rw *ResponseWriter) Release() {
	rw.rc = nil
	rw.req = nil
	rw.buf = nil
	rw.status = 0
	rw.wroteHeader = false
	rw.committed = false
	rw.chunked = false
	rw.hijacked = false
	rw.keepAlive = false
	rw.isHead = false
	rw.declared = -1
	rw.written = 0
	rw.err = nil

	// Clear the header map for reuse, avoiding re-allocation overhead.
	// 재사용을 위해 헤더 맵을 초기화하여 재할당 오버헤드를 방지합니다.
	clear(rw.header)

	rwPool.Put(rw)
}

func (rw *ResponseWriter) Header() http.Header {
	return rw.header
}

func (rw *ResponseWriter) WriteHeader(statusCode int) {
	if rw.wroteHeader || rw.hijacked {
		return
	}
	if statusCode < 100 || statusCode > 999 {
		panic("invalid WriteHeader code " + strconv.Itoa(statusCode))
	}
	if statusCode >= 100 && statusCode <= 199 && statusCode != http.StatusSwitchingProtocols {
		rw.writeInformational(statusCode)
		return
	}
	rw.wroteHeader = true
	rw.status = statusCode

	rw.declared = -1
	if httpguts.HeaderValuesContainsToken(rw.header["Transfer-Encoding"], "chunked") {
		return
	}
	if cl := textproto.TrimString(rw.header.Get("Content-Length")); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
			rw.declared = n
		}
	}
}

func (rw *ResponseWriter) Write(p []byte) (int, error) {
	if rw.hijacked {
		return 0, http.ErrHijacked
	}
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	if !bodyAllowedForStatus(rw.status) {
		return 0, http.ErrBodyNotAllowed
	}
	if rw.err != nil {
		return 0, rw.err
	}
	if rw.declared >= 0 && rw.written+int64(len(p)) > rw.declared {
		return 0, http.ErrContentLength
	}
	rw.written += int64(len(p))
	if rw.isHead {
		return len(p), nil
	}

	if rw.committed && rw.buf.Len() == 0 && len(p) >= streamThreshold {
		if err := rw.send(p); err != nil {
			return 0, err
		}
		return len(p), rw.flushWriter()
	}
	_, _ = rw.buf.Write(p)
	if rw.buf.Len() >= streamThreshold {
		if err := rw.flushBuffered(); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// ReadFrom implements io.ReaderFrom for file transfers. The response is
// committed first, so a Content-Length set by the handler (as http.ServeFile
// does) is honored and the file is copied straight onto the connection.
// As of netpoll v0.7.2 the Writer does not implement io.ReaderFrom, so data
// moves through a pooled buffer.
//
// ReadFrom은 파일 전송을 위해 io.ReaderFrom을 구현합니다. 응답을 먼저 커밋하므로
// 핸들러가 설정한 Content-Length(http.ServeFile처럼)가 유지되고 파일이 연결로 바로 복사됩니다.
func (rw *ResponseWriter) ReadFrom(src io.Reader) (n int64, err error) {
	if rw.hijacked {
		return 0, http.ErrHijacked
	}
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	if !bodyAllowedForStatus(rw.status) {
		return 0, http.ErrBodyNotAllowed
	}
	if rw.isHead {
		return io.Copy(writerOnly{rw}, src)
	}
	if err := rw.flushBuffered(); err != nil {
		return 0, err
	}

	bufp := copyBufPool.Get().(*[]byte)
	defer copyBufPool.Put(bufp)
	buf := *bufp

	for {
		nr, er := src.Read(buf)
		if nr > 0 {
			if rw.declared >= 0 && rw.written+int64(nr) > rw.declared {
				return n, http.ErrContentLength
			}
			if err := rw.send(buf[:nr]); err != nil {
				return n, err
			}
			// The chunk must leave before buf is reused.
			if err := rw.flushWriter(); err != nil {
				return n, err
			}
			rw.written += int64(nr)
			n += int64(nr)
		}
		if er != nil {
			if er != io.EOF {
				err = er
			}
			return n, err
		}
	}
}

// Flush sends the headers and any buffered body. The response switches to
// streaming framing if it did not declare a Content-Length.
// Flush는 헤더와 버퍼된 본문을 전송합니다. Content-Length를 선언하지 않은 응답은 스트리밍 방식으로 전환됩니다.
func (rw *ResponseWriter) Flush() {
	_ = rw.FlushError()
}

// FlushError is Flush reporting the write error, for http.ResponseController.
func (rw *ResponseWriter) FlushError() error {
	if rw.hijacked {
		return http.ErrHijacked
	}
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.flushBuffered()
}

// Hijack hands the connection to the caller. Bytes that arrived after the
// current request are served first by the returned reader.
// Hijack은 연결을 호출자에게 넘깁니다. 현재 요청 이후에 도착한 바이트는 반환된 reader가 먼저 제공합니다.
func (rw *ResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if rw.hijacked {
		return nil, nil, http.ErrHijacked
	}
	rw.hijacked = true
	rw.keepAlive = false
	rw.buf.Reset()

	rest := rw.rc.Hijack()
	conn := rw.rc.Conn()
	var r io.Reader = conn
	if len(rest) > 0 {
		r = io.MultiReader(bytes.NewReader(rest), conn)
	}
	return conn, bufio.NewReadWriter(bufio.NewReader(r), bufio.NewWriter(conn)), nil
}

// Hijacked returns true if the connection has been hijacked.
// Hijacked는 연결이 하이재킹되었는지 여부를 반환합니다.
func (rw *ResponseWriter) Hijacked() bool {
	return rw.hijacked
}

// Committed reports whether the status line has been written to the connection.
// Committed는 상태 라인이 연결에 기록되었는지 보고합니다.
func (rw *ResponseWriter) Committed() bool {
	return rw.committed
}

// KeepAlive reports whether the connection may carry another request.
// KeepAlive는 연결이 다음 요청을 처리할 수 있는지 보고합니다.
func (rw *ResponseWriter) KeepAlive() bool {
	return rw.keepAlive && !rw.hijacked && rw.err == nil
}

// Status returns the response status, or 0 before WriteHeader.
func (rw *ResponseWriter) Status() int {
	return rw.status
}

// ForceClose makes the response end the connection.
func (rw *ResponseWriter) ForceClose() {
	rw.keepAlive = false
}

// Discard drops everything the handler produced so far so that an error
// response can be written instead. It is a no-op once committed.
// Discard는 에러 응답을 대신 쓸 수 있도록 핸들러가 만든 내용을 버립니다. 커밋 이후에는 아무 일도 하지 않습니다.
func (rw *ResponseWriter) Discard() bool {
	if rw.committed || rw.hijacked {
		return false
	}
	clear(rw.header)
	rw.buf.Reset()
	rw.status = 0
	rw.wroteHeader = false
	rw.declared = -1
	rw.written = 0
	return true
}

// EndResponse completes the response and flushes it.
// EndResponse는 응답을 완료하고 플러시합니다.
func (rw *ResponseWriter) EndResponse() error {
	if rw.hijacked {
		return nil
	}
	if rw.err != nil {
		return rw.err
	}
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	if rw.declared >= 0 && rw.written < rw.declared && bodyAllowedForStatus(rw.status) && !rw.isHead {
		// The peer would wait for bytes that never come.
		rw.keepAlive = false
	}
	if !rw.committed {
		rw.commit(true)
	}
	if err := rw.send(rw.buf.Bytes()); err != nil {
		return err
	}
	if rw.chunked {
		if _, err := rw.rc.Conn().Writer().WriteString("0\r\n\r\n"); err != nil {
			return rw.fail(err)
		}
	}
	err := rw.flushWriter()
	rw.buf.Reset()
	return err
}

func (rw *ResponseWriter) flushBuffered() error {
	if rw.err != nil {
		return rw.err
	}
	if !rw.committed {
		rw.commit(false)
	}
	if err := rw.send(rw.buf.Bytes()); err != nil {
		return err
	}
	err := rw.flushWriter()
	rw.buf.Reset()
	return err
}

// send frames p onto the connection writer. The writer may keep a reference
// to p until it is flushed.
func (rw *ResponseWriter) send(p []byte) error {
	if len(p) == 0 || rw.isHead || !bodyAllowedForStatus(rw.status) {
		return nil
	}
	w := rw.rc.Conn().Writer()
	if rw.chunked {
		if _, err := w.WriteString(strconv.FormatInt(int64(len(p)), 16) + "\r\n"); err != nil {
			return rw.fail(err)
		}
	}
	if _, err := w.WriteBinary(p); err != nil {
		return rw.fail(err)
	}
	if rw.chunked {
		if _, err := w.WriteString("\r\n"); err != nil {
			return rw.fail(err)
		}
	}
	return nil
}

func (rw *ResponseWriter) flushWriter() error {
	if err := rw.rc.Conn().Writer().Flush(); err != nil {
		return rw.fail(err)
	}
	return nil
}

func (rw *ResponseWriter) fail(err error) error {
	if rw.err == nil {
		rw.err = err
	}
	rw.keepAlive = false
	return rw.err
}

// commit picks the body framing and writes the status line and headers.
// final means the whole body is in the buffer.
func (rw *ResponseWriter) commit(final bool) {
	rw.committed = true
	h := rw.header
	allowed := bodyAllowedForStatus(rw.status)
	http11 := rw.req.ProtoAtLeast(1, 1)

	if httpguts.HeaderValuesContainsToken(h["Connection"], "close") {
		rw.keepAlive = false
	}
	h.Del("Connection")
	wantChunked := httpguts.HeaderValuesContainsToken(h["Transfer-Encoding"], "chunked")
	h.Del("Transfer-Encoding")
	if rw.declared < 0 && rw.status != http.StatusNotModified {
		h.Del("Content-Length")
	}

	if _, ok := h["Date"]; !ok {
		h.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	if _, ok := h["Content-Type"]; !ok && allowed && rw.buf.Len() > 0 {
		sniff := rw.buf.Bytes()
		if len(sniff) > 512 {
			sniff = sniff[:512]
		}
		h.Set("Content-Type", http.DetectContentType(sniff))
	}

	var framing string
	switch {
	case !allowed:
		if rw.status != http.StatusNotModified {
			h.Del("Content-Length")
		}
	case rw.declared >= 0:
	case final && !wantChunked:
		if !rw.isHead || rw.written > 0 {
			h.Set("Content-Length", strconv.FormatInt(rw.written, 10))
		}
	case rw.isHead:
	case http11:
		rw.chunked = true
		framing = "Transfer-Encoding: chunked\r\n"
	default:
		rw.keepAlive = false
	}

	hdr := bytebufferpool.Get()
	defer bytebufferpool.Put(hdr)

	writeStatusLine(hdr, http11, rw.status)
	writeHeaderLines(hdr, h)
	hdr.WriteString(framing)
	if !rw.keepAlive {
		hdr.WriteString("Connection: close\r\n")
	} else if !http11 {
		hdr.WriteString("Connection: keep-alive\r\n")
	}
	hdr.WriteString("\r\n")

	// The string copy lets hdr go back to the pool before the writer flushes.
	if _, err := rw.rc.Conn().Writer().WriteString(hdr.String()); err != nil {
		_ = rw.fail(err)
	}
}

// writeInformational sends a 1xx response ahead of the final one. HTTP/1.0
// clients do not understand them, so nothing is sent to those.
// writeInformational은 최종 응답에 앞서 1xx 응답을 보냅니다. HTTP/1.0 클라이언트에는 보내지 않습니다.
func (rw *ResponseWriter) writeInformational(code int) {
	if rw.committed || rw.err != nil || !rw.req.ProtoAtLeast(1, 1) {
		return
	}
	hdr := bytebufferpool.Get()
	defer bytebufferpool.Put(hdr)

	writeStatusLine(hdr, true, code)
	writeHeaderLines(hdr, rw.header)
	hdr.WriteString("\r\n")

	w := rw.rc.Conn().Writer()
	if _, err := w.WriteString(hdr.String()); err != nil {
		_ = rw.fail(err)
		return
	}
	_ = rw.flushWriter()
}

func writeStatusLine(hdr *bytebufferpool.ByteBuffer, http11 bool, status int) {
	if http11 {
		hdr.WriteString("HTTP/1.1 ")
	} else {
		hdr.WriteString("HTTP/1.0 ")
	}
	hdr.WriteString(strconv.Itoa(status))
	hdr.WriteString(" ")
	if text := http.StatusText(status); text != "" {
		hdr.WriteString(text)
	} else {
		hdr.WriteString("status code " + strconv.Itoa(status))
	}
	hdr.WriteString("\r\n")
}

// writeHeaderLines writes h in a stable order. Invalid names and values are dropped.
// writeHeaderLines는 h를 정렬된 순서로 기록하며, 잘못된 이름과 값은 버립니다.
func writeHeaderLines(hdr *bytebufferpool.ByteBuffer, h http.Header) {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if !httpguts.ValidHeaderFieldName(k) {
			continue
		}
		for _, v := range h[k] {
			if !httpguts.ValidHeaderFieldValue(v) {
				continue
			}
			hdr.WriteString(k)
			hdr.WriteString(": ")
			hdr.WriteString(v)
			hdr.WriteString("\r\n")
		}
	}
}

// GetRequest builds the *http.Request for the complete request held by rc.
// GetRequest는 rc가 보유한 완성된 요청으로 *http.Request를 만듭니다.
func GetRequest(ctx context.Context, rc *appcontext.RequestContext) (*http.Request, error) {
	st := rc.State()

	rawURI := st.RequestURI
	justAuthority := st.Method == http.MethodConnect && !strings.HasPrefix(rawURI, "/")
	if justAuthority {
		rawURI = "http://" + rawURI
	}
	u, err := url.ParseRequestURI(rawURI)
	if err != nil {
		return nil, request.ParseError{Cause: request.ErrMalformedRequest, Detail: err.Error()}
	}
	if justAuthority {
		u.Scheme = ""
	}

	host := u.Host
	if host == "" {
		host = st.Header.Get("Host")
	}
	if host == "" && st.ProtoAtLeast(1, 1) && !justAuthority {
		return nil, request.ParseError{Cause: request.ErrMalformedHeader, Detail: "missing required Host header"}
	}

	req := &http.Request{
		Method:        st.Method,
		URL:           u,
		Proto:         st.Proto,
		ProtoMajor:    st.ProtoMajor,
		ProtoMinor:    st.ProtoMinor,
		Header:        st.Header,
		Body:          st.Body(),
		ContentLength: st.ContentLength(),
		Host:          host,
		RequestURI:    st.RequestURI,
	}
	req.Close = !WantsKeepAlive(req)
	req.RemoteAddr = rc.RemoteAddr(req.Header)
	delete(req.Header, "Host")

	if !justAuthority {
		req.URL.Scheme = "http"
		req.URL.Host = host
	}
	return req.WithContext(ctx), nil
}

// WantsKeepAlive reports whether the client asked for a persistent connection.
// HTTP/1.1 persists unless "Connection: close"; HTTP/1.0 only with "Connection: keep-alive".
//
// WantsKeepAlive는 클라이언트가 지속 연결을 요청했는지 보고합니다.
func WantsKeepAlive(r *http.Request) bool {
	conn := r.Header["Connection"]
	if r.ProtoAtLeast(1, 1) {
		return !httpguts.HeaderValuesContainsToken(conn, "close")
	}
	return r.ProtoMajor == 1 && httpguts.HeaderValuesContainsToken(conn, "keep-alive")
}

// bodyAllowedForStatus reports whether a given response status code permits a body.
// See RFC 7230, section 3.3.
func bodyAllowedForStatus(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == http.StatusNoContent:
		return false
	case status == http.StatusNotModified:
		return false
	}
	return true
}

// writerOnly hides ReadFrom so io.Copy uses Write.
type writerOnly struct {
	io.Writer
}

var (
	_ http.ResponseWriter = (*ResponseWriter)(nil)
	_ http.Flusher        = (*ResponseWriter)(nil)
	_ http.Hijacker       = (*ResponseWriter)(nil)
	_ io.ReaderFrom       = (*ResponseWriter)(nil)
)
