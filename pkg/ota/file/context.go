// Package file holds the in-progress transfer state for one firmware file and
// reassembles it from fixed-size blocks.
package file

import (
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/errcode"
)

// Protocol is the data transfer protocol a file is received over.
type Protocol uint8

const (
	ProtocolUnknown Protocol = iota
	// ProtocolMessaging streams blocks over the messaging transport.
	ProtocolMessaging
	// ProtocolBulk fetches blocks as byte ranges over the bulk transport.
	ProtocolBulk
)

func (p Protocol) String() string {
	switch p {
	case ProtocolMessaging:
		return "MQTT"
	case ProtocolBulk:
		return "HTTP"
	}
	return "unknown"
}

// ParseProtocol maps a job document protocol name.
func ParseProtocol(s string) Protocol {
	switch s {
	case "MQTT":
		return ProtocolMessaging
	case "HTTP":
		return ProtocolBulk
	}
	return ProtocolUnknown
}

// Sink is the destination a file's blocks are written to. It is created by
// the platform for each file.
type Sink interface {
	WriteAt(p []byte, off int64) (int, error)
}

// Buffers are the caller owned, fixed capacity buffers a Context borrows.
type Buffers struct {
	FilePath   []byte
	CertPath   []byte
	StreamName []byte
	URL        []byte
	AuthScheme []byte
	Signature  []byte
	Bitmap     []byte
	Decode     []byte
}

// DefaultBuffers allocates buffers able to hold a file of up to maxBlocks
// blocks of blockSize bytes.
func DefaultBuffers(maxBlocks uint32, blockSize int) Buffers {
	return Buffers{
		FilePath:   make([]byte, 1024),
		CertPath:   make([]byte, 1024),
		StreamName: make([]byte, 64),
		URL:        make([]byte, 1600),
		AuthScheme: make([]byte, 1600),
		Signature:  make([]byte, 256),
		Bitmap:     make([]byte, BitmapSize(maxBlocks)),
		Decode:     make([]byte, blockSize),
	}
}

// Context is the transfer state of one file.
type Context struct {
	FileID    uint32
	Size      uint32
	BlockSize uint32
	Blocks    uint32
	Received  uint32
	FileType  uint32
	UpdatedBy uint32
	Protocol  Protocol

	FilePath   Text
	CertPath   Text
	StreamName Text
	URL        Text
	AuthScheme Text

	Signature []byte
	Bitmap    Bitmap
	Decode    []byte

	// Handle is the destination, nil until the platform creates it.
	Handle Sink

	sigBuf    []byte
	bitmapBuf []byte
	inUse     bool
}

func NewContext(b Buffers) *Context {
	return &Context{
		FilePath:   NewText(b.FilePath),
		CertPath:   NewText(b.CertPath),
		StreamName: NewText(b.StreamName),
		URL:        NewText(b.URL),
		AuthScheme: NewText(b.AuthScheme),
		Decode:     b.Decode,
		sigBuf:     b.Signature,
		bitmapBuf:  b.Bitmap,
	}
}

// BlockCount is ceil(size / blockSize).
func BlockCount(size, blockSize uint32) uint32 {
	if blockSize == 0 {
		return 0
	}
	return uint32((uint64(size) + uint64(blockSize) - 1) / uint64(blockSize))
}

// Prepare sizes the context for a file, resetting the bitmap and counts. A
// file with more blocks than the bitmap buffer can track fails with
// RxFileTooLarge and leaves the context unchanged.
func (c *Context) Prepare(size, blockSize uint32) error {
	if blockSize == 0 || len(c.Decode) < int(blockSize) {
		return errcode.Errorf(errcode.OutOfMemory, "decode buffer of %d bytes cannot hold %d byte blocks", len(c.Decode), blockSize)
	}
	blocks := BlockCount(size, blockSize)
	bm, err := NewBitmap(c.bitmapBuf, blocks)
	if err != nil {
		return err
	}
	c.Size = size
	c.BlockSize = blockSize
	c.Blocks = blocks
	c.Received = 0
	c.Bitmap = bm
	return nil
}

// SetSignature copies sig into the borrowed signature buffer.
func (c *Context) SetSignature(sig []byte) error {
	if len(sig) > len(c.sigBuf) {
		return errcode.Errorf(errcode.OutOfMemory, "signature of %d bytes exceeds capacity %d", len(sig), len(c.sigBuf))
	}
	n := copy(c.sigBuf, sig)
	c.Signature = c.sigBuf[:n]
	return nil
}

// SignatureCap is the capacity of the signature buffer.
func (c *Context) SignatureCap() int {
	return len(c.sigBuf)
}

// InUse reports whether the context holds an active transfer.
func (c *Context) InUse() bool {
	return c.inUse
}

// Claim marks the context in use.
func (c *Context) Claim() {
	c.inUse = true
}

// Complete reports whether every block has been received.
func (c *Context) Complete() bool {
	return c.inUse && c.Blocks > 0 && c.Received == c.Blocks
}

// Release clears all transfer state. Borrowed buffers are retained.
func (c *Context) Release() {
	c.FileID, c.Size, c.BlockSize, c.Blocks, c.Received = 0, 0, 0, 0, 0
	c.FileType, c.UpdatedBy = 0, 0
	c.Protocol = ProtocolUnknown
	c.FilePath.Reset()
	c.CertPath.Reset()
	c.StreamName.Reset()
	c.URL.Reset()
	c.AuthScheme.Reset()
	c.Signature = nil
	c.Bitmap = Bitmap{}
	c.Handle = nil
	c.inUse = false
}

// BlockLen is the expected payload length of block i.
func (c *Context) BlockLen(i uint32) uint32 {
	if i >= c.Blocks {
		return 0
	}
	if i == c.Blocks-1 {
		return c.Size - i*c.BlockSize
	}
	return c.BlockSize
}
