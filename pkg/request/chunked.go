package request

import (
	"io"
)

type chunkState uint8

const (
	chunkSize chunkState = iota
	chunkExt
	chunkSizeLF
	chunkData
	chunkDataCR
	chunkDataLF
	chunkTrailer
	chunkTrailerLine
	chunkTrailerLineLF
	chunkTrailerEndLF
	chunkDone
)

// maxChunkSize keeps size*16 from overflowing int64.
const maxChunkSize = 1 << 59

// chunkedDecoder decodes a chunked body one byte range at a time.
// Trailer fields are consumed and dropped.
type chunkedDecoder struct {
	state chunkState

	size      int64
	remaining int64
	digits    int
	lineLen   int
	extLen    int

	excess     int64
	trailerLen int

	maxLine    int
	maxExcess  int64
	maxTrailer int
}

func newChunkedDecoder(l Limits) chunkedDecoder {
	return chunkedDecoder{
		maxLine:    l.MaxChunkHeader,
		maxExcess:  l.MaxChunkExcess,
		maxTrailer: l.MaxHeaderBytes,
	}
}

// decode consumes p, writing payload bytes to sink. It returns the number of
// bytes of p that belong to the body and whether the terminating chunk
// and trailer section have been read.
func (d *chunkedDecoder) decode(p []byte, sink io.Writer) (int, bool, error) {
	i := 0
	for i < len(p) {
		if d.state == chunkData {
			n := int64(len(p) - i)
			if n > d.remaining {
				n = d.remaining
			}
			if _, err := sink.Write(p[i : i+int(n)]); err != nil {
				return i, false, err
			}
			i += int(n)
			d.remaining -= n
			if d.remaining == 0 {
				d.state = chunkDataCR
			}
			continue
		}

		c := p[i]
		i++
		switch d.state {
		case chunkSize:
			if err := d.countLine(); err != nil {
				return i, false, err
			}
			if v, ok := unhex(c); ok {
				if d.size >= maxChunkSize {
					return i, false, parseError(ErrInvalidChunk, "chunk size overflows")
				}
				d.size = d.size<<4 | int64(v)
				d.digits++
				continue
			}
			if d.digits == 0 {
				return i, false, parseError(ErrInvalidChunk, "invalid chunk size byte %q", c)
			}
			switch c {
			case ';', ' ', '\t':
				d.extLen++
				d.state = chunkExt
			case '\r':
				d.state = chunkSizeLF
			default:
				return i, false, parseError(ErrInvalidChunk, "invalid chunk size byte %q", c)
			}

		case chunkExt:
			if err := d.countLine(); err != nil {
				return i, false, err
			}
			switch {
			case c == '\r':
				d.state = chunkSizeLF
			case c == '\n' || (c < ' ' && c != '\t') || c == 0x7f:
				return i, false, parseError(ErrInvalidChunk, "invalid byte in chunk extension")
			default:
				d.extLen++
			}

		case chunkSizeLF:
			if c != '\n' {
				return i, false, parseError(ErrInvalidChunk, "chunk size line must end with CRLF")
			}
			// Extensions are paid for by payload; a long stream of tiny chunks
			// with long extensions is rejected.
			d.excess += int64(d.extLen) - d.size
			if d.excess >= d.maxExcess {
				return i, false, parseError(ErrChunkOverhead, "%d bytes", d.excess)
			}
			if d.size == 0 {
				d.state = chunkTrailer
			} else {
				d.remaining = d.size
				d.state = chunkData
			}
			d.size, d.digits, d.lineLen, d.extLen = 0, 0, 0, 0

		case chunkDataCR:
			if c != '\r' {
				return i, false, parseError(ErrInvalidChunk, "chunk data must end with CRLF")
			}
			d.state = chunkDataLF

		case chunkDataLF:
			if c != '\n' {
				return i, false, parseError(ErrInvalidChunk, "chunk data must end with CRLF")
			}
			d.state = chunkSize

		case chunkTrailer:
			if c == '\r' {
				d.state = chunkTrailerEndLF
				continue
			}
			if err := d.countTrailer(); err != nil {
				return i, false, err
			}
			d.state = chunkTrailerLine

		case chunkTrailerLine:
			if err := d.countTrailer(); err != nil {
				return i, false, err
			}
			if c == '\r' {
				d.state = chunkTrailerLineLF
			}

		case chunkTrailerLineLF:
			if c != '\n' {
				return i, false, parseError(ErrInvalidChunk, "trailer line must end with CRLF")
			}
			d.state = chunkTrailer

		case chunkTrailerEndLF:
			if c != '\n' {
				return i, false, parseError(ErrInvalidChunk, "trailer section must end with CRLF")
			}
			d.state = chunkDone
			return i, true, nil

		case chunkDone:
			return i - 1, true, nil
		}
	}
	return i, d.state == chunkDone, nil
}

func (d *chunkedDecoder) countLine() error {
	d.lineLen++
	if d.lineLen > d.maxLine {
		return parseError(ErrChunkHeaderTooLarge, "limit is %d bytes", d.maxLine)
	}
	return nil
}

func (d *chunkedDecoder) countTrailer() error {
	d.trailerLen++
	if d.trailerLen > d.maxTrailer {
		return parseError(ErrHeaderTooLarge, "trailer section exceeds %d bytes", d.maxTrailer)
	}
	return nil
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
