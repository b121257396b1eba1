// Package httprange fetches file blocks with HTTP range requests, typically
// against a presigned URL.
package httprange

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/amazonlinux/bottlerocket/otaagent/pkg/logging"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/errcode"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/transport"
)

const DefaultMaxInFlight = 8

type Config struct {
	Client      *http.Client
	MaxInFlight int
}

// Bulk issues each range request on its own goroutine, bounded by
// MaxInFlight. Request waits for a free slot.
type Bulk struct {
	log    logging.Logger
	client *http.Client
	limit  int

	mu      sync.Mutex
	slots   chan struct{}
	url     string
	auth    string
	handler transport.BlockHandler
	group   *errgroup.Group
}

var _ transport.Bulk = (*Bulk)(nil)

func New(log logging.Logger, cfg Config) *Bulk {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	return &Bulk{log: log, client: cfg.Client, limit: cfg.MaxInFlight}
}

func (b *Bulk) Init(ctx context.Context, url, authScheme string, h transport.BlockHandler) error {
	if url == "" || h == nil {
		return errcode.Errorf(errcode.HTTPInitFailed, "url and handler are required")
	}
	if _, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil); err != nil {
		return errcode.Wrap(err, errcode.HTTPInitFailed, "url")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.url, b.auth, b.handler = url, authScheme, h
	b.group = &errgroup.Group{}
	b.slots = make(chan struct{}, b.limit)
	return nil
}

func (b *Bulk) Request(ctx context.Context, start, end int64) error {
	b.mu.Lock()
	url, auth, h, group, slots := b.url, b.auth, b.handler, b.group, b.slots
	b.mu.Unlock()
	if group == nil {
		return errcode.Errorf(errcode.HTTPRequestFailed, "not initialized")
	}
	if start < 0 || end < start {
		return errcode.Errorf(errcode.HTTPRequestFailed, "invalid range %d-%d", start, end)
	}
	select {
	case slots <- struct{}{}:
	case <-ctx.Done():
		return errcode.Wrap(ctx.Err(), errcode.HTTPRequestFailed, "waiting for a request slot")
	}
	group.Go(func() error {
		defer func() { <-slots }()
		data, err := b.fetch(ctx, url, auth, start, end)
		if err != nil {
			b.log.WithError(err).WithField("offset", start).Warn("range request failed")
			h.OnError(start, err)
			return nil
		}
		h.OnBlock(start, data)
		return nil
	})
	return nil
}

func (b *Bulk) fetch(ctx context.Context, url, auth string, start, end int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errcode.Wrap(err, errcode.HTTPRequestFailed, "request")
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, errcode.Wrap(err, errcode.HTTPRequestFailed, "get")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		return nil, errcode.New(errcode.HTTPRequestFailed, uint32(resp.StatusCode))
	}
	want := end - start + 1
	data, err := io.ReadAll(io.LimitReader(resp.Body, want+1))
	if err != nil {
		return nil, errcode.Wrap(err, errcode.HTTPRequestFailed, "read body")
	}
	if int64(len(data)) > want {
		return nil, errors.WithMessagef(errcode.Of(errcode.HTTPRequestFailed), "range %d-%d returned more than %d bytes", start, end, want)
	}
	return data, nil
}

func (b *Bulk) Deinit() error {
	b.mu.Lock()
	group := b.group
	b.group, b.handler, b.slots = nil, nil, nil
	b.mu.Unlock()
	if group != nil {
		return group.Wait()
	}
	return nil
}
