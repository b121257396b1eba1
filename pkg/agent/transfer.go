package agent

import (
	"context"

	"github.com/google/uuid"

	"github.com/amazonlinux/bottlerocket/otaagent/pkg/marker"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/osal"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/errcode"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/file"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/transport"
)

// openTransport readies the data transport selected for the file.
func (a *Agent) openTransport(ctx context.Context) error {
	switch a.fc.Protocol {
	case file.ProtocolMessaging:
		topic := marker.StreamData(a.thing, a.fc.StreamName.String())
		if len(topic) > marker.MaxTopicLen {
			return errcode.Errorf(errcode.TopicTooLarge, "%d byte topic", len(topic))
		}
		h := &transport.HandlerFuncs{OnMessageFunc: a.onStreamMessage}
		if err := a.msg.Subscribe(ctx, topic, h); err != nil {
			return errcode.Wrap(err, errcode.SubscribeFailed, "subscribe to stream")
		}
		a.stream = topic
	case file.ProtocolBulk:
		h := &transport.HandlerFuncs{OnBlockFunc: a.onBlock, OnErrorFunc: a.onRangeError}
		if err := a.bulk.Init(ctx, a.fc.URL.String(), a.fc.AuthScheme.String(), h); err != nil {
			return errcode.Wrap(err, errcode.HTTPInitFailed, "init bulk transfer")
		}
		a.bulkOpen = true
	default:
		return errcode.Errorf(errcode.InvalidDataProtocol, "%s", a.fc.Protocol)
	}
	return nil
}

func (a *Agent) closeTransport(ctx context.Context) {
	if a.stream != "" {
		if err := a.msg.Unsubscribe(ctx, a.stream); err != nil {
			a.log.WithError(err).WithField("topic", a.stream).Warn("unable to unsubscribe from stream")
		}
		a.stream = ""
	}
	if a.bulkOpen {
		if err := a.bulk.Deinit(); err != nil {
			a.log.WithError(err).Warn("unable to release bulk transfer")
		}
		a.bulkOpen = false
	}
}

// roundSize is the number of blocks to ask for: the configured maximum, or
// the remainder when it is smaller.
func (a *Agent) roundSize() uint32 {
	remaining := a.fc.Blocks - a.fc.Received
	if remaining > a.cfg.MaxBlocksPerRequest {
		return a.cfg.MaxBlocksPerRequest
	}
	return remaining
}

// requestBlocks issues one round of requests for missing blocks.
func (a *Agent) requestBlocks(ctx context.Context) error {
	n := a.roundSize()
	if n == 0 {
		return nil
	}
	switch a.fc.Protocol {
	case file.ProtocolMessaging:
		first, _ := a.fc.Bitmap.NextMissing(0)
		req, err := a.fc.EncodeStreamRequest(uuid.NewString(), first, n)
		if err != nil {
			return err
		}
		topic := marker.StreamGet(a.thing, a.fc.StreamName.String())
		if err := a.msg.Publish(ctx, topic, req); err != nil {
			return errcode.Wrap(err, errcode.PublishFailed, "request blocks")
		}
	case file.ProtocolBulk:
		issued := uint32(0)
		for _, i := range a.fc.Bitmap.Missing(a.missing[:n]) {
			start := int64(i) * int64(a.fc.BlockSize)
			end := start + int64(a.fc.BlockLen(i)) - 1
			if err := a.bulk.Request(ctx, start, end); err != nil {
				if issued == 0 {
					return errcode.Wrap(err, errcode.HTTPRequestFailed, "request block")
				}
				// The round ends with the blocks already asked for.
				a.log.WithError(err).WithField("blocks", issued).Warn("shortened request round")
				break
			}
			issued++
		}
		n = issued
	}
	a.outstanding = n
	a.log.WithField("blocks", n).Debug("requested blocks")
	return nil
}

// decodeBlock extracts the block index and payload carried by ev.
func (a *Agent) decodeBlock(ev osal.Event) (uint32, []byte, error) {
	raw := ev.Buf.Bytes()
	if a.fc.Protocol == file.ProtocolBulk {
		if ev.Offset < 0 || a.fc.BlockSize == 0 || ev.Offset%int64(a.fc.BlockSize) != 0 {
			return 0, nil, errcode.Errorf(errcode.GenericIngestError, "unaligned offset %d", ev.Offset)
		}
		return uint32(ev.Offset / int64(a.fc.BlockSize)), raw, nil
	}
	blk, err := a.fc.DecodeBlock(raw)
	if err != nil {
		return 0, nil, err
	}
	return blk.Index, blk.Payload, nil
}
