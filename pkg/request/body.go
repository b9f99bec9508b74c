package request

import (
	"bytes"
	"io"
	"os"

	"github.com/valyala/bytebufferpool"
)

const tempPattern = "httpcore-body-*"

// Body is the sink a request body is assembled into.
// Small bodies stay in a pooled buffer; once the size passes the threshold the
// bytes move to an unlinked temporary file.
// Body는 요청 본문이 조립되는 저장소입니다.
// 작은 본문은 풀링된 버퍼에 머물고, 임계값을 넘으면 unlink된 임시 파일로 옮겨집니다.
type Body struct {
	mem       *bytebufferpool.ByteBuffer
	file      *os.File
	threshold int64
	tempDir   string
	size      int64
	rd        io.Reader
}

func newBody(threshold int64, tempDir string, expected int64) (*Body, error) {
	b := &Body{
		threshold: threshold,
		tempDir:   tempDir,
	}
	if expected > threshold {
		if err := b.openFile(); err != nil {
			return nil, err
		}
		return b, nil
	}
	b.mem = bytebufferpool.Get()
	return b, nil
}

// Write appends p to the body, spilling to disk when needed.
func (b *Body) Write(p []byte) (int, error) {
	if b.file == nil && int64(b.mem.Len()+len(p)) > b.threshold {
		if err := b.spill(); err != nil {
			return 0, err
		}
	}
	if b.file != nil {
		n, err := b.file.Write(p)
		b.size += int64(n)
		return n, err
	}
	n, _ := b.mem.Write(p)
	b.size += int64(n)
	return n, nil
}

// Len returns the number of body bytes stored.
func (b *Body) Len() int64 {
	return b.size
}

// Spooled reports whether the body lives in a temporary file.
func (b *Body) Spooled() bool {
	return b.file != nil
}

// Read reads the assembled body. It is only meaningful once the request is complete.
func (b *Body) Read(p []byte) (int, error) {
	if b.rd == nil {
		return 0, io.EOF
	}
	return b.rd.Read(p)
}

// Close releases the pooled buffer or the temporary file. It is safe to call more than once.
func (b *Body) Close() error {
	b.rd = nil
	if b.mem != nil {
		bytebufferpool.Put(b.mem)
		b.mem = nil
	}
	if b.file != nil {
		err := b.file.Close()
		b.file = nil
		return err
	}
	return nil
}

func (b *Body) rewind() error {
	if b.file != nil {
		if _, err := b.file.Seek(0, io.SeekStart); err != nil {
			return err
		}
		b.rd = b.file
		return nil
	}
	if b.mem == nil {
		b.rd = bytes.NewReader(nil)
		return nil
	}
	b.rd = bytes.NewReader(b.mem.B)
	return nil
}

func (b *Body) spill() error {
	if err := b.openFile(); err != nil {
		return err
	}
	if _, err := b.file.Write(b.mem.B); err != nil {
		return err
	}
	bytebufferpool.Put(b.mem)
	b.mem = nil
	return nil
}

func (b *Body) openFile() error {
	f, err := os.CreateTemp(b.tempDir, tempPattern)
	if err != nil {
		return err
	}
	// The file stays readable through f after the name is gone.
	_ = os.Remove(f.Name())
	b.file = f
	return nil
}
