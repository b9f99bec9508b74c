package request

import (
	"bytes"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

var (
	crlf      = []byte("\r\n")
	headerEnd = []byte("\r\n\r\n")
)

// allowedCodings lists the codings that may precede the final "chunked".
var allowedCodings = map[string]bool{
	"compress": true,
	"deflate":  true,
	"gzip":     true,
}

// parseHeader parses the request line and header fields of block,
// which holds everything before the terminating blank line.
func (s *State) parseHeader(block []byte) error {
	line, rest, _ := bytes.Cut(block, crlf)
	if err := s.parseRequestLine(line); err != nil {
		return err
	}

	header := make(http.Header)
	for len(rest) > 0 {
		line, rest, _ = bytes.Cut(rest, crlf)
		if len(line) == 0 {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			return parseError(ErrMalformedHeader, "obsolete line folding")
		}
		i := bytes.IndexByte(line, ':')
		if i <= 0 {
			return parseError(ErrMalformedHeader, "missing colon in %q", truncate(line))
		}
		name := string(line[:i])
		if !httpguts.ValidHeaderFieldName(name) {
			return parseError(ErrMalformedHeader, "invalid header name %q", name)
		}
		value := textproto.TrimString(string(line[i+1:]))
		if !httpguts.ValidHeaderFieldValue(value) {
			return parseError(ErrMalformedHeader, "invalid value for header %q", name)
		}
		key := textproto.CanonicalMIMEHeaderKey(name)
		header[key] = append(header[key], value)
	}

	if len(header["Host"]) > 1 {
		return parseError(ErrMalformedHeader, "too many Host headers")
	}
	s.Header = header
	return nil
}

// parseRequestLine parses "GET /foo HTTP/1.1" into its three parts.
func (s *State) parseRequestLine(line []byte) error {
	method, rest, ok1 := bytes.Cut(line, []byte(" "))
	target, proto, ok2 := bytes.Cut(rest, []byte(" "))
	if !ok1 || !ok2 {
		return parseError(ErrMalformedRequest, "%q", truncate(line))
	}
	if !validMethod(method) {
		return parseError(ErrMalformedRequest, "invalid method %q", truncate(method))
	}
	if len(target) == 0 || bytes.ContainsAny(target, " \t\x7f") || hasControl(target) {
		return parseError(ErrMalformedRequest, "invalid request target %q", truncate(target))
	}
	major, minor, ok := http.ParseHTTPVersion(string(proto))
	if !ok || major != 1 {
		return parseError(ErrMalformedRequest, "unsupported protocol %q", truncate(proto))
	}

	s.Method = string(method)
	s.RequestURI = string(target)
	s.Proto = string(proto)
	s.ProtoMajor, s.ProtoMinor = major, minor
	return nil
}

// transferCodings validates a Transfer-Encoding field list: the last coding
// must be chunked, it must appear once, and anything before it must be a known coding.
func transferCodings(values []string) error {
	var codings []string
	for _, v := range values {
		for _, c := range strings.Split(v, ",") {
			c = strings.ToLower(textproto.TrimString(c))
			if c != "" {
				codings = append(codings, c)
			}
		}
	}
	if len(codings) == 0 {
		return parseError(ErrInvalidFraming, "empty Transfer-Encoding")
	}

	chunked := 0
	known := true
	for i, c := range codings {
		if c == "chunked" {
			chunked++
			continue
		}
		if i < len(codings)-1 && !allowedCodings[c] {
			known = false
		}
	}
	last := codings[len(codings)-1]

	switch {
	case last == "chunked" && chunked == 1 && known:
		return nil
	case chunked > 1:
		return parseError(ErrInvalidFraming, "multiple chunked codings in %q", strings.Join(values, ", "))
	case !known:
		return parseError(ErrUnsupportedEncoding, "unknown coding in %q", strings.Join(values, ", "))
	case chunked == 1:
		return parseError(ErrInvalidFraming, "chunked must be the final coding in %q", strings.Join(values, ", "))
	case !allowedCodings[last]:
		return parseError(ErrUnsupportedEncoding, "unknown coding in %q", strings.Join(values, ", "))
	default:
		return parseError(ErrInvalidFraming, "final coding must be chunked in %q", strings.Join(values, ", "))
	}
}

// contentLength validates Content-Length values. Repeated values must agree.
func contentLength(values []string) (int64, error) {
	var n int64 = -1
	for _, v := range values {
		v = textproto.TrimString(v)
		if v == "" || strings.IndexFunc(v, notDigit) >= 0 {
			return 0, parseError(ErrInvalidFraming, "invalid Content-Length %q", v)
		}
		x, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, parseError(ErrInvalidFraming, "invalid Content-Length %q", v)
		}
		if n >= 0 && x != n {
			return 0, parseError(ErrInvalidFraming, "conflicting Content-Length values")
		}
		n = x
	}
	return n, nil
}

func validMethod(method []byte) bool {
	if len(method) == 0 {
		return false
	}
	for _, c := range method {
		if !httpguts.IsTokenRune(rune(c)) {
			return false
		}
	}
	return true
}

func hasControl(b []byte) bool {
	for _, c := range b {
		if c < ' ' {
			return true
		}
	}
	return false
}

func notDigit(r rune) bool {
	return r < '0' || r > '9'
}

func truncate(b []byte) string {
	if len(b) > 64 {
		return string(b[:64]) + "..."
	}
	return string(b)
}
