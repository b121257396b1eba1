package file

import (
	"bytes"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/errcode"
)

// Block is a decoded data envelope. Payload aliases the decode buffer.
type Block struct {
	FileID  uint32
	Index   uint32
	Size    uint32
	Payload []byte
}

// DecodeBlock decodes a msgpack block envelope {f, i, l, p}, copying the
// payload into the decode buffer. A declared size l must match the payload.
func (c *Context) DecodeBlock(raw []byte) (Block, error) {
	var blk Block
	sized := false
	dec := msgpack.NewDecoder(bytes.NewReader(raw))
	n, err := dec.DecodeMapLen()
	if err != nil {
		return blk, decodeErr(err, "envelope")
	}
	for i := 0; i < n; i++ {
		key, err := dec.DecodeString()
		if err != nil {
			return blk, decodeErr(err, "key")
		}
		switch key {
		case "f":
			blk.FileID, err = dec.DecodeUint32()
		case "i":
			blk.Index, err = dec.DecodeUint32()
		case "l":
			blk.Size, err = dec.DecodeUint32()
			sized = true
		case "p":
			var l int
			l, err = dec.DecodeBytesLen()
			if err != nil {
				break
			}
			if l < 0 || l > len(c.Decode) {
				return blk, errors.WithMessagef(errcode.New(errcode.GenericIngestError, SubBlockSizeMismatch),
					"payload of %d bytes exceeds decode buffer", l)
			}
			blk.Payload = c.Decode[:l]
			err = dec.ReadFull(blk.Payload)
		default:
			err = dec.Skip()
		}
		if err != nil {
			return blk, decodeErr(err, key)
		}
	}
	if sized && int(blk.Size) != len(blk.Payload) {
		return blk, errors.WithMessagef(errcode.New(errcode.GenericIngestError, SubBlockSizeMismatch),
			"block declares %d bytes, carries %d", blk.Size, len(blk.Payload))
	}
	if blk.FileID != c.FileID {
		return blk, errors.WithMessagef(errcode.New(errcode.GenericIngestError, SubFileIDMismatch),
			"block for file %d, transferring %d", blk.FileID, c.FileID)
	}
	return blk, nil
}

func decodeErr(err error, what string) error {
	return errors.WithMessagef(errcode.New(errcode.GenericIngestError, SubDecode), "decode %s: %v", what, err)
}

// EncodeBlock produces a block envelope, the counterpart of DecodeBlock.
func EncodeBlock(fileID, index uint32, payload []byte) ([]byte, error) {
	return msgpack.Marshal(&blockEnvelope{
		FileID:  fileID,
		Index:   index,
		Size:    uint32(len(payload)),
		Payload: payload,
	})
}

type blockEnvelope struct {
	FileID  uint32 `msgpack:"f"`
	Index   uint32 `msgpack:"i"`
	Size    uint32 `msgpack:"l"`
	Payload []byte `msgpack:"p"`
}

// StreamRequest asks the messaging backend for a run of blocks.
type StreamRequest struct {
	ClientToken string `msgpack:"c"`
	FileID      uint32 `msgpack:"f"`
	BlockSize   uint32 `msgpack:"l"`
	Offset      uint32 `msgpack:"o"`
	Count       uint32 `msgpack:"n"`
	Bitmap      []byte `msgpack:"b"`
}

// EncodeStreamRequest encodes a request for count blocks from offset. The
// receive bitmap lets the backend skip blocks already held.
func (c *Context) EncodeStreamRequest(clientToken string, offset, count uint32) ([]byte, error) {
	b, err := msgpack.Marshal(&StreamRequest{
		ClientToken: clientToken,
		FileID:      c.FileID,
		BlockSize:   c.BlockSize,
		Offset:      offset,
		Count:       count,
		Bitmap:      c.Bitmap.Bytes(),
	})
	if err != nil {
		return nil, errcode.Wrap(err, errcode.FailedToEncodeCBOR, "stream request")
	}
	return b, nil
}

// DecodeStreamRequest is used by backends and tests.
func DecodeStreamRequest(b []byte) (StreamRequest, error) {
	var r StreamRequest
	err := msgpack.Unmarshal(b, &r)
	return r, err
}
