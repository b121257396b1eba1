package file

import (
	"github.com/pkg/errors"

	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/errcode"
)

// Result is the outcome of ingesting one block.
type Result uint8

const (
	// Rejected blocks are malformed or out of range; they are dropped and the
	// transfer continues.
	Rejected Result = iota
	Accepted
	// Duplicate blocks were already written and are not counted again.
	Duplicate
	// Complete is Accepted for the block finishing the file.
	Complete
)

func (r Result) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case Complete:
		return "complete"
	}
	return "rejected"
}

// Sub-codes reported with GenericIngestError for rejected blocks.
const (
	SubBlockOutOfRange uint32 = iota + 1
	SubBlockSizeMismatch
	SubFileIDMismatch
	SubDecode
)

// Ingest records block index with payload. A rejected block is returned with
// a GenericIngestError; any other error is from the destination and fatal to
// the transfer.
func (c *Context) Ingest(index uint32, payload []byte) (Result, error) {
	if index >= c.Blocks {
		return Rejected, errors.WithMessagef(errcode.New(errcode.GenericIngestError, SubBlockOutOfRange),
			"block %d of %d", index, c.Blocks)
	}
	if want := c.BlockLen(index); uint32(len(payload)) != want {
		return Rejected, errors.WithMessagef(errcode.New(errcode.GenericIngestError, SubBlockSizeMismatch),
			"block %d has %d bytes, want %d", index, len(payload), want)
	}
	if c.Bitmap.IsSet(index) {
		return Duplicate, nil
	}
	if c.Handle == nil {
		return Rejected, errcode.Errorf(errcode.NullFilePtr, "no destination for block %d", index)
	}
	off := int64(index) * int64(c.BlockSize)
	if _, err := c.Handle.WriteAt(payload, off); err != nil {
		return Rejected, errcode.Wrap(err, errcode.FileAbort, "write block")
	}
	c.Bitmap.Set(index)
	c.Received++
	if c.Received == c.Blocks {
		return Complete, nil
	}
	return Accepted, nil
}

// IsRejection reports whether err from Ingest only rejects the block.
func IsRejection(err error) bool {
	return errcode.Is(err, errcode.GenericIngestError)
}
