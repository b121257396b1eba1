package file

import (
	"math/bits"

	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/errcode"
)

// Bitmap tracks block completion, one bit per block, over a borrowed buffer.
// A set bit means the block has been written.
type Bitmap struct {
	bits   []byte
	blocks uint32
}

// BitmapSize is the number of bytes needed to track blocks.
func BitmapSize(blocks uint32) int {
	return int((uint64(blocks) + 7) / 8)
}

// NewBitmap borrows buf to track blocks, all initially missing. A buffer too
// small for blocks is RxFileTooLarge.
func NewBitmap(buf []byte, blocks uint32) (Bitmap, error) {
	need := BitmapSize(blocks)
	if len(buf) < need {
		return Bitmap{}, errcode.Errorf(errcode.RxFileTooLarge,
			"bitmap for %d blocks needs %d bytes, have %d", blocks, need, len(buf))
	}
	b := Bitmap{bits: buf[:need:need], blocks: blocks}
	for i := range b.bits {
		b.bits[i] = 0
	}
	return b, nil
}

// Len is the number of blocks tracked.
func (b Bitmap) Len() uint32 {
	return b.blocks
}

// Set marks block i received. It reports false when i is out of range or was
// already set.
func (b Bitmap) Set(i uint32) bool {
	if i >= b.blocks {
		return false
	}
	mask := byte(1) << (i % 8)
	if b.bits[i/8]&mask != 0 {
		return false
	}
	b.bits[i/8] |= mask
	return true
}

// IsSet reports whether block i has been received. Out of range indices are
// never set.
func (b Bitmap) IsSet(i uint32) bool {
	if i >= b.blocks {
		return false
	}
	return b.bits[i/8]&(byte(1)<<(i%8)) != 0
}

// Count is the number of blocks set.
func (b Bitmap) Count() uint32 {
	var n int
	for _, v := range b.bits {
		n += bits.OnesCount8(v)
	}
	return uint32(n)
}

// NextMissing returns the first unset block at or after from.
func (b Bitmap) NextMissing(from uint32) (uint32, bool) {
	for i := from; i < b.blocks; i++ {
		if i%8 == 0 && b.bits[i/8] == 0xff {
			i += 7
			continue
		}
		if !b.IsSet(i) {
			return i, true
		}
	}
	return 0, false
}

// Missing collects up to len(into) unset blocks in ascending order.
func (b Bitmap) Missing(into []uint32) []uint32 {
	limit := len(into)
	out := into[:0]
	next := uint32(0)
	for len(out) < limit {
		i, ok := b.NextMissing(next)
		if !ok {
			break
		}
		out = append(out, i)
		next = i + 1
	}
	return out
}

// Bytes exposes the bitmap's backing bytes.
func (b Bitmap) Bytes() []byte {
	return b.bits
}
