package request

import (
	"errors"
	"fmt"
	"net/http"
)

// Parse failures reported by State.Feed. They are always wrapped in a ParseError.
// State.Feed가 보고하는 파싱 실패 목록입니다. 항상 ParseError로 감싸져 반환됩니다.
var (
	ErrHeaderTooLarge      = errors.New("request header is longer than allowed")
	ErrMalformedRequest    = errors.New("malformed request line")
	ErrMalformedHeader     = errors.New("malformed header")
	ErrInvalidFraming      = errors.New("invalid message framing")
	ErrUnsupportedEncoding = errors.New("unsupported transfer encoding")
	ErrInvalidChunk        = errors.New("invalid chunk")
	ErrChunkHeaderTooLarge = errors.New("chunk header is longer than allowed")
	ErrChunkOverhead       = errors.New("maximum chunk excess detected")
)

// ParseError describes why a byte stream could not be framed as a request.
// ParseError는 바이트 스트림을 요청으로 해석할 수 없었던 이유를 설명합니다.
type ParseError struct {
	Cause  error
	Detail string
}

// Error implements the error interface.
func (e ParseError) Error() string {
	if e.Detail == "" {
		return e.Cause.Error()
	}
	return fmt.Sprintf("%s: %s", e.Cause, e.Detail)
}

// Unwrap implements the implicit interface used by errors.Is and errors.As.
func (e ParseError) Unwrap() error {
	return e.Cause
}

// StatusCode returns the response status a server should answer with.
// StatusCode는 서버가 응답해야 할 상태 코드를 반환합니다.
func (e ParseError) StatusCode() int {
	switch {
	case errors.Is(e.Cause, ErrHeaderTooLarge):
		return http.StatusRequestHeaderFieldsTooLarge
	case errors.Is(e.Cause, ErrUnsupportedEncoding):
		return http.StatusNotImplemented
	default:
		return http.StatusBadRequest
	}
}

var errStateClosed = errors.New("request state is closed")

func parseError(cause error, format string, args ...any) error {
	return ParseError{Cause: cause, Detail: fmt.Sprintf(format, args...)}
}
