// Package s3range fetches file blocks with ranged S3 GetObject calls, for
// job documents naming an s3://bucket/key location.
package s3range

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/amazonlinux/bottlerocket/otaagent/pkg/logging"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/errcode"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/transport"
)

// GetObjectAPI is the part of the S3 client used.
type GetObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type Config struct {
	// Region is optional, the default credential chain's region is used
	// otherwise.
	Region string
	// Endpoint overrides the S3 endpoint for S3-compatible stores.
	Endpoint     string
	UsePathStyle bool
	MaxInFlight  int
}

// NewClient builds an S3 client from the default credential chain.
func NewClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return s3.NewFromConfig(awsConfig, s3Opts...), nil
}

// Bulk issues ranged GetObject calls.
type Bulk struct {
	log   logging.Logger
	api   GetObjectAPI
	limit int

	mu      sync.Mutex
	bucket  string
	key     string
	handler transport.BlockHandler
	group   *errgroup.Group
	slots   chan struct{}
}

var _ transport.Bulk = (*Bulk)(nil)

func New(log logging.Logger, api GetObjectAPI, maxInFlight int) *Bulk {
	if maxInFlight <= 0 {
		maxInFlight = 8
	}
	return &Bulk{log: log, api: api, limit: maxInFlight}
}

// ParseLocation splits s3://bucket/key.
func ParseLocation(location string) (bucket, key string, err error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", "", errors.Wrap(err, "location")
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", errors.Errorf("location %q is not s3://bucket/key", location)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", errors.Errorf("location %q has no key", location)
	}
	return u.Host, key, nil
}

// Init ignores authScheme, requests are signed with the client's
// credentials.
func (b *Bulk) Init(_ context.Context, location, _ string, h transport.BlockHandler) error {
	if h == nil {
		return errcode.Errorf(errcode.HTTPInitFailed, "handler is required")
	}
	bucket, key, err := ParseLocation(location)
	if err != nil {
		return errcode.Wrap(err, errcode.HTTPInitFailed, "init")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bucket, b.key, b.handler = bucket, key, h
	b.group = &errgroup.Group{}
	b.slots = make(chan struct{}, b.limit)
	return nil
}

func (b *Bulk) Request(ctx context.Context, start, end int64) error {
	b.mu.Lock()
	bucket, key, h, group, slots := b.bucket, b.key, b.handler, b.group, b.slots
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
		data, err := b.fetch(ctx, bucket, key, start, end)
		if err != nil {
			b.log.WithError(err).WithField("offset", start).Warn("ranged get failed")
			h.OnError(start, err)
			return nil
		}
		h.OnBlock(start, data)
		return nil
	})
	return nil
}

func (b *Bulk) fetch(ctx context.Context, bucket, key string, start, end int64) ([]byte, error) {
	out, err := b.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", start, end)),
	})
	if err != nil {
		return nil, errcode.Wrap(err, errcode.HTTPRequestFailed, "get object")
	}
	defer out.Body.Close()
	want := end - start + 1
	data, err := io.ReadAll(io.LimitReader(out.Body, want+1))
	if err != nil {
		return nil, errcode.Wrap(err, errcode.HTTPRequestFailed, "read object")
	}
	if int64(len(data)) > want {
		return nil, errcode.Errorf(errcode.HTTPRequestFailed, "range %d-%d returned more than %d bytes", start, end, want)
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
