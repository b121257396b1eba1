package transport

import (
	"context"
	"strings"
	"sync"

	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/errcode"
)

// SchemeBulk dispatches to a Bulk chosen by the URL scheme given to Init.
type SchemeBulk struct {
	Schemes map[string]Bulk
	Default Bulk

	mu     sync.Mutex
	active Bulk
}

var _ Bulk = (*SchemeBulk)(nil)

func (s *SchemeBulk) Init(ctx context.Context, url, authScheme string, h BlockHandler) error {
	b := s.Default
	if i := strings.Index(url, "://"); i > 0 {
		if sb, ok := s.Schemes[url[:i]]; ok {
			b = sb
		}
	}
	if b == nil {
		return errcode.Errorf(errcode.HTTPInitFailed, "no transport for %q", url)
	}
	if err := b.Init(ctx, url, authScheme, h); err != nil {
		return err
	}
	s.mu.Lock()
	s.active = b
	s.mu.Unlock()
	return nil
}

func (s *SchemeBulk) Request(ctx context.Context, start, end int64) error {
	s.mu.Lock()
	b := s.active
	s.mu.Unlock()
	if b == nil {
		return errcode.Errorf(errcode.HTTPRequestFailed, "not initialized")
	}
	return b.Request(ctx, start, end)
}

func (s *SchemeBulk) Deinit() error {
	s.mu.Lock()
	b := s.active
	s.active = nil
	s.mu.Unlock()
	if b == nil {
		return nil
	}
	return b.Deinit()
}
