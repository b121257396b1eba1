// Package transport defines the capabilities the agent needs from the
// network: topic based messaging for jobs and streamed blocks, and ranged
// bulk fetches for file data.
package transport

import "context"

// Messaging is a publish/subscribe transport.
type Messaging interface {
	// Subscribe delivers messages on topic to h until unsubscribed.
	Subscribe(ctx context.Context, topic string, h Handler) error
	Unsubscribe(ctx context.Context, topic string) error
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Bulk fetches byte ranges of a file.
type Bulk interface {
	// Init prepares requests against url. authScheme is an optional
	// Authorization header value.
	Init(ctx context.Context, url, authScheme string, h BlockHandler) error
	// Request asks for the inclusive byte range [start, end]. Results are
	// delivered asynchronously to the handler given to Init. Request blocks
	// while the transport has no capacity for another request.
	Request(ctx context.Context, start, end int64) error
	// Deinit waits for requests in flight and releases the transfer.
	Deinit() error
}
