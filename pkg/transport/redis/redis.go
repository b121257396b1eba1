// Package redis implements messaging over Redis pub/sub channels, one
// channel per topic.
package redis

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/amazonlinux/bottlerocket/otaagent/pkg/logging"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/errcode"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/transport"
)

const (
	DefaultTimeout = 5 * time.Second
	DefaultRetries = 3
)

type Config struct {
	// URL is redis://[:password@]host:port[/db]
	URL     string
	Timeout time.Duration
	Retries int
}

// Messaging publishes and subscribes through a Redis server.
type Messaging struct {
	log    logging.Logger
	config Config
	client *goredis.Client

	mu   sync.Mutex
	subs map[string]*goredis.PubSub
	wg   sync.WaitGroup
}

var _ transport.Messaging = (*Messaging)(nil)

func New(log logging.Logger, cfg Config) (*Messaging, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis messaging requires a URL")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid redis URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, errors.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	return &Messaging{
		log:    log,
		config: cfg,
		client: goredis.NewClient(opts),
		subs:   make(map[string]*goredis.PubSub),
	}, nil
}

func (m *Messaging) Subscribe(ctx context.Context, topic string, h transport.Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[topic]; ok {
		return nil
	}

	sctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()
	ps := m.client.Subscribe(sctx, topic)
	// confirmed subscriptions see everything published after Subscribe
	if _, err := ps.Receive(sctx); err != nil {
		ps.Close()
		return errcode.Wrap(err, errcode.SubscribeFailed, topic)
	}
	m.subs[topic] = ps

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for msg := range ps.Channel() {
			h.OnMessage(msg.Channel, []byte(msg.Payload))
		}
		m.log.WithField("topic", topic).Debug("subscription closed")
	}()
	return nil
}

func (m *Messaging) Unsubscribe(ctx context.Context, topic string) error {
	m.mu.Lock()
	ps, ok := m.subs[topic]
	delete(m.subs, topic)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := ps.Unsubscribe(ctx, topic); err != nil {
		ps.Close()
		return errcode.Wrap(err, errcode.UnsubscribeFailed, topic)
	}
	if err := ps.Close(); err != nil {
		return errcode.Wrap(err, errcode.UnsubscribeFailed, topic)
	}
	return nil
}

// Publish retries with exponential backoff.
func (m *Messaging) Publish(ctx context.Context, topic string, payload []byte) error {
	var lastErr error
	attempts := 1 + m.config.Retries
	for i := 0; i < attempts; i++ {
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 100 * time.Millisecond
			select {
			case <-ctx.Done():
				return errcode.Wrap(ctx.Err(), errcode.PublishFailed, topic)
			case <-time.After(backoff):
			}
		}
		pctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
		lastErr = m.client.Publish(pctx, topic, payload).Err()
		cancel()
		if lastErr == nil {
			return nil
		}
		m.log.WithError(lastErr).WithField("topic", topic).Debug("publish attempt failed")
	}
	return errcode.Wrap(lastErr, errcode.PublishFailed, topic)
}

// Close ends all subscriptions and the client.
func (m *Messaging) Close() error {
	m.mu.Lock()
	for topic, ps := range m.subs {
		ps.Close()
		delete(m.subs, topic)
	}
	m.mu.Unlock()
	m.wg.Wait()
	return m.client.Close()
}
