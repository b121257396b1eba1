package file

import (
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/errcode"
)

// Text is a string held in a fixed-capacity borrowed buffer.
type Text struct {
	buf []byte
	n   int
}

func NewText(buf []byte) Text {
	return Text{buf: buf}
}

// Set copies s into the buffer. A string longer than the buffer leaves the
// Text unchanged and fails with OutOfMemory.
func (t *Text) Set(s string) error {
	if len(s) > len(t.buf) {
		return errcode.Errorf(errcode.OutOfMemory, "%d bytes exceeds capacity %d", len(s), len(t.buf))
	}
	t.n = copy(t.buf, s)
	return nil
}

func (t *Text) Reset() {
	t.n = 0
}

func (t Text) Cap() int {
	return len(t.buf)
}

func (t Text) Empty() bool {
	return t.n == 0
}

func (t Text) String() string {
	return string(t.buf[:t.n])
}
