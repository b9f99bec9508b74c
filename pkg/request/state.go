// Package request implements an incremental HTTP/1.x request parser.
// A State is fed raw bytes as they arrive and reports when a whole request,
// headers and body, has been assembled. It never performs I/O on a socket.
//
// Package request는 점진적인 HTTP/1.x 요청 파서를 구현합니다.
// State는 도착하는 원시 바이트를 받아 헤더와 본문을 포함한 전체 요청이 조립되었는지 알려주며,
// 소켓 I/O를 직접 수행하지 않습니다.
package request

import (
	"bytes"
	"io"
	"net/http"
	"strconv"

	"github.com/valyala/bytebufferpool"
	"golang.org/x/net/http/httpguts"
)

// Status is the outcome of feeding bytes into a State.
// Status는 State에 바이트를 공급한 결과입니다.
type Status uint8

const (
	// Incomplete means more bytes are needed.
	// Incomplete는 더 많은 바이트가 필요함을 의미합니다.
	Incomplete Status = iota
	// Complete means headers and body are fully assembled.
	// Complete는 헤더와 본문이 모두 조립되었음을 의미합니다.
	Complete
)

func (s Status) String() string {
	if s == Complete {
		return "complete"
	}
	return "incomplete"
}

// Limits bounds the resources a single request may consume.
// Limits는 단일 요청이 사용할 수 있는 자원의 한도를 정합니다.
type Limits struct {
	// MaxHeaderBytes bounds the request line plus header fields.
	MaxHeaderBytes int
	// MaxBufferedBody is the largest body kept in memory; larger bodies go to a temp file.
	MaxBufferedBody int64
	// MaxChunkHeader bounds one chunk size line including extensions.
	MaxChunkHeader int
	// MaxChunkExcess bounds accumulated extension bytes not paid for by payload.
	MaxChunkExcess int64
	// TempDir is where spooled bodies are created. Empty means os.TempDir.
	TempDir string
}

// DefaultLimits returns the limits used when none are configured.
// DefaultLimits는 별도 설정이 없을 때 사용되는 한도를 반환합니다.
func DefaultLimits() Limits {
	return Limits{
		MaxHeaderBytes:  112 * 1024,
		MaxBufferedBody: 112 * 1024,
		MaxChunkHeader:  4096,
		MaxChunkExcess:  16 * 1024,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxHeaderBytes <= 0 {
		l.MaxHeaderBytes = d.MaxHeaderBytes
	}
	if l.MaxBufferedBody <= 0 {
		l.MaxBufferedBody = d.MaxBufferedBody
	}
	if l.MaxChunkHeader <= 0 {
		l.MaxChunkHeader = d.MaxChunkHeader
	}
	if l.MaxChunkExcess <= 0 {
		l.MaxChunkExcess = d.MaxChunkExcess
	}
	return l
}

type phase uint8

const (
	phaseHeader phase = iota
	phaseBody
	phaseChunked
	phaseReady
	phaseFailed
)

// State accumulates one request at a time from a byte stream.
// After a request completes, Reset prepares the State for the next one on
// the same connection, starting with any bytes that arrived early.
//
// State는 바이트 스트림으로부터 한 번에 하나의 요청을 누적합니다.
// 요청이 완료된 뒤 Reset을 호출하면 같은 연결의 다음 요청을 위해 준비되며,
// 미리 도착한 바이트부터 파싱을 시작합니다.
type State struct {
	Method     string
	RequestURI string
	Proto      string
	ProtoMajor int
	ProtoMinor int
	Header     http.Header

	limits Limits
	phase  phase
	err    error

	head    *bytebufferpool.ByteBuffer
	body    *Body
	chunked chunkedDecoder
	chunks  bool

	remaining     int64
	contentLength int64
	pending       []byte

	expectContinue bool
	continueSent   bool
}

// New returns an empty State.
// New는 비어 있는 State를 반환합니다.
func New(limits Limits) *State {
	return &State{
		limits:        limits.withDefaults(),
		head:          bytebufferpool.Get(),
		contentLength: -1,
	}
}

// Feed consumes p. It never blocks and never retains p.
// Once a request is Complete, further bytes are queued for the next request.
//
// Feed는 p를 소비합니다. 블로킹하지 않으며 p를 보관하지 않습니다.
// 요청이 Complete가 된 이후의 바이트는 다음 요청을 위해 보관됩니다.
func (s *State) Feed(p []byte) (Status, error) {
	switch s.phase {
	case phaseFailed:
		return Incomplete, s.err
	case phaseReady:
		s.pending = append(s.pending, p...)
		return Complete, nil
	case phaseBody:
		return s.feedBody(p)
	case phaseChunked:
		return s.feedChunked(p)
	default:
		return s.feedHeader(p)
	}
}

func (s *State) feedHeader(p []byte) (Status, error) {
	if s.head.Len() == 0 {
		// Stray CRLFs between pipelined requests are tolerated.
		for len(p) > 0 && (p[0] == '\r' || p[0] == '\n') {
			p = p[1:]
		}
		if len(p) == 0 {
			return Incomplete, nil
		}
	}

	start := s.head.Len() - len(headerEnd) + 1
	if start < 0 {
		start = 0
	}
	_, _ = s.head.Write(p)

	idx := bytes.Index(s.head.B[start:], headerEnd)
	if idx < 0 {
		if s.head.Len() > s.limits.MaxHeaderBytes {
			return s.fail(parseError(ErrHeaderTooLarge, "limit is %d bytes", s.limits.MaxHeaderBytes))
		}
		return Incomplete, nil
	}
	end := start + idx
	if end > s.limits.MaxHeaderBytes {
		return s.fail(parseError(ErrHeaderTooLarge, "limit is %d bytes", s.limits.MaxHeaderBytes))
	}

	if err := s.parseHeader(s.head.B[:end]); err != nil {
		return s.fail(err)
	}
	rest := append([]byte(nil), s.head.B[end+len(headerEnd):]...)
	if err := s.setupBody(); err != nil {
		return s.fail(err)
	}

	switch s.phase {
	case phaseBody:
		return s.feedBody(rest)
	case phaseChunked:
		return s.feedChunked(rest)
	default:
		return s.ready(rest)
	}
}

// setupBody picks the body strategy from the framing headers.
func (s *State) setupBody() error {
	te := s.Header["Transfer-Encoding"]
	cl := s.Header["Content-Length"]

	switch {
	case len(te) > 0 && len(cl) > 0:
		return parseError(ErrInvalidFraming, "both Content-Length and Transfer-Encoding present")

	case len(te) > 0:
		if err := transferCodings(te); err != nil {
			return err
		}
		body, err := newBody(s.limits.MaxBufferedBody, s.limits.TempDir, -1)
		if err != nil {
			return err
		}
		s.body = body
		s.chunks = true
		s.chunked = newChunkedDecoder(s.limits)
		s.phase = phaseChunked

	case len(cl) > 0:
		n, err := contentLength(cl)
		if err != nil {
			return err
		}
		s.contentLength = n
		if n == 0 {
			s.phase = phaseReady
			return nil
		}
		body, err := newBody(s.limits.MaxBufferedBody, s.limits.TempDir, n)
		if err != nil {
			return err
		}
		s.body = body
		s.remaining = n
		s.phase = phaseBody

	default:
		s.contentLength = 0
		s.phase = phaseReady
		return nil
	}

	if s.ProtoAtLeast(1, 1) && httpguts.HeaderValuesContainsToken(s.Header["Expect"], "100-continue") {
		s.expectContinue = true
	}
	return nil
}

func (s *State) feedBody(p []byte) (Status, error) {
	n := int64(len(p))
	if n > s.remaining {
		n = s.remaining
	}
	if n > 0 {
		if _, err := s.body.Write(p[:n]); err != nil {
			return s.fail(err)
		}
		s.remaining -= n
	}
	if s.remaining > 0 {
		return Incomplete, nil
	}
	return s.ready(p[n:])
}

func (s *State) feedChunked(p []byte) (Status, error) {
	n, done, err := s.chunked.decode(p, s.body)
	if err != nil {
		return s.fail(err)
	}
	if !done {
		return Incomplete, nil
	}
	return s.ready(p[n:])
}

func (s *State) ready(rest []byte) (Status, error) {
	s.phase = phaseReady
	s.expectContinue = false
	if len(rest) > 0 {
		s.pending = append(s.pending, rest...)
	}
	if s.body == nil {
		return Complete, nil
	}
	if err := s.body.rewind(); err != nil {
		return s.fail(err)
	}
	s.contentLength = s.body.Len()
	if s.chunks {
		s.Header.Del("Transfer-Encoding")
		s.Header.Set("Content-Length", strconv.FormatInt(s.contentLength, 10))
	}
	return Complete, nil
}

func (s *State) fail(err error) (Status, error) {
	s.phase = phaseFailed
	s.err = err
	return Incomplete, err
}

// Reset discards the current request and starts parsing the next one from
// bytes that were received past its end.
// Reset은 현재 요청을 폐기하고, 그 끝을 넘어 수신된 바이트로 다음 요청의 파싱을 시작합니다.
func (s *State) Reset() (Status, error) {
	if s.head == nil {
		return Incomplete, errStateClosed
	}
	if s.body != nil {
		_ = s.body.Close()
		s.body = nil
	}
	s.Method, s.RequestURI, s.Proto = "", "", ""
	s.ProtoMajor, s.ProtoMinor = 0, 0
	s.Header = nil
	s.phase = phaseHeader
	s.err = nil
	s.head.Reset()
	s.chunks = false
	s.chunked = chunkedDecoder{}
	s.remaining = 0
	s.contentLength = -1
	s.expectContinue = false
	s.continueSent = false

	p := s.pending
	s.pending = nil
	if len(p) == 0 {
		return Incomplete, nil
	}
	return s.Feed(p)
}

// Close releases buffers and any spooled body file.
// Close는 버퍼와 임시 파일로 옮겨진 본문을 해제합니다.
func (s *State) Close() error {
	var err error
	if s.body != nil {
		err = s.body.Close()
		s.body = nil
	}
	if s.head != nil {
		bytebufferpool.Put(s.head)
		s.head = nil
	}
	s.pending = nil
	s.phase = phaseFailed
	s.err = errStateClosed
	return err
}

// ProtoAtLeast reports whether the request protocol is at least major.minor.
func (s *State) ProtoAtLeast(major, minor int) bool {
	return s.ProtoMajor > major || s.ProtoMajor == major && s.ProtoMinor >= minor
}

// Ready reports whether a whole request is assembled.
// Ready는 전체 요청이 조립되었는지 보고합니다.
func (s *State) Ready() bool { return s.phase == phaseReady }

// HeaderComplete reports whether the header section has been parsed.
func (s *State) HeaderComplete() bool {
	return s.Header != nil
}

// InDataPhase reports whether headers are done and body bytes are still expected.
// InDataPhase는 헤더가 끝났고 본문 바이트를 아직 기다리는 중인지 보고합니다.
func (s *State) InDataPhase() bool {
	return s.phase == phaseBody || s.phase == phaseChunked
}

// Started reports whether any byte of the current request has been accepted.
// A connection whose State has not started may be closed without a response.
//
// Started는 현재 요청의 바이트를 하나라도 받았는지 보고합니다.
// 시작되지 않은 State의 연결은 응답 없이 닫아도 됩니다.
func (s *State) Started() bool {
	return s.phase != phaseHeader || s.head != nil && s.head.Len() > 0
}

// Err returns the error that stopped parsing, if any.
func (s *State) Err() error { return s.err }

// NeedsContinue reports whether a "100 Continue" interim response is owed.
// NeedsContinue는 "100 Continue" 중간 응답을 보내야 하는지 보고합니다.
func (s *State) NeedsContinue() bool {
	return s.expectContinue && !s.continueSent
}

// AckContinue records that the interim response was written.
// AckContinue는 중간 응답이 전송되었음을 기록합니다.
func (s *State) AckContinue() { s.continueSent = true }

// ContentLength returns the body length of a ready request, the declared
// length while the body is being read, or -1 when unknown.
func (s *State) ContentLength() int64 { return s.contentLength }

// Body returns the assembled body of a ready request.
// Body는 완료된 요청의 조립된 본문을 반환합니다.
func (s *State) Body() io.ReadCloser {
	if s.body == nil || s.phase != phaseReady {
		return http.NoBody
	}
	return s.body
}

// Spooled reports whether the body was moved to a temporary file.
func (s *State) Spooled() bool {
	return s.body != nil && s.body.Spooled()
}

// Buffered returns the number of bytes held for the next request.
func (s *State) Buffered() int { return len(s.pending) }

// TakeBuffered returns the bytes held for the next request and forgets them.
// It is used when the connection leaves HTTP, e.g. after a hijack.
func (s *State) TakeBuffered() []byte {
	p := s.pending
	s.pending = nil
	return p
}
