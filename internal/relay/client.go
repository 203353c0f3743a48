package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tenex-sh/tenexd/internal/errs"
	"github.com/tenex-sh/tenexd/internal/telemetry"
)

// Conn is the low-level relay wire connection: exactly the seam
// spec.md §1 calls out as an external collaborator ("a client that
// subscribes with filters and publishes signed events"). A production
// binary supplies a websocket-backed implementation; tests supply a fake.
type Conn interface {
	// Subscribe opens a subscription and returns a channel of raw events;
	// the channel closes when the connection drops.
	Subscribe(ctx context.Context, filters ...Filter) (<-chan Event, error)
	// Send publishes a signed event to this relay.
	Send(ctx context.Context, ev Event) error
	// URL identifies the relay for logging.
	URL() string
	Close() error
}

// ClientConfig configures publish retry behavior (spec.md §4.1: base
// 500ms, cap 30s, max 5 attempts).
type ClientConfig struct {
	PublishBaseDelay time.Duration
	PublishMaxDelay  time.Duration
	PublishMaxTries  uint64
}

// DefaultClientConfig returns the spec's documented retry policy.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PublishBaseDelay: 500 * time.Millisecond,
		PublishMaxDelay:  30 * time.Second,
		PublishMaxTries:  5,
	}
}

// Client is an EventBus backed by a set of relay Conns. Publishes are
// retried per-relay with exponential backoff; a publish succeeds once any
// one relay accepts the event. The inbound stream fans in every relay's
// subscription. A Conn whose channel closes leaves the fan-in for good:
// Client does not reconnect or resubscribe it, and once every Conn's
// channel has closed the inbound stream closes too.
type Client struct {
	cfg   ClientConfig
	conns []Conn
	log   telemetry.Logger

	mu     sync.Mutex
	closed bool
}

// NewClient wires conns (one per relay URL) into a single EventBus.
func NewClient(cfg ClientConfig, log telemetry.Logger, conns ...Conn) *Client {
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	return &Client{cfg: cfg, conns: conns, log: log}
}

// Subscribe fans every relay's subscription stream into one channel. The
// returned channel is closed when ctx is cancelled or when every relay's
// subscription channel has closed; relays whose Subscribe fails are skipped.
func (c *Client) Subscribe(ctx context.Context, filters ...Filter) (<-chan Event, error) {
	if len(c.conns) == 0 {
		return nil, &errs.FatalError{Reason: "relay client has no configured connections"}
	}

	out := make(chan Event, 256)
	var wg sync.WaitGroup

	for _, conn := range c.conns {
		ch, err := conn.Subscribe(ctx, filters...)
		if err != nil {
			c.log.Warn(ctx, "relay subscribe failed", "relay", conn.URL(), "error", err)
			continue
		}
		wg.Add(1)
		go func(conn Conn, ch <-chan Event) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-ch:
					if !ok {
						return
					}
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}(conn, ch)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out, nil
}

// Publish signs ev with signer and tries the relays in order, retrying each
// with exponential backoff. It stops at the first relay that accepts the
// signed event and returns the signed event's ID; later relays are not
// sent the event.
func (c *Client) Publish(ctx context.Context, signer Signer, ev UnsignedEvent) (string, error) {
	signed, err := signer.Sign(ev)
	if err != nil {
		return "", &errs.ValidationError{Subject: "publish: sign event", Err: err}
	}

	var lastErr error
	for _, conn := range c.conns {
		if err := c.publishWithRetry(ctx, conn, signed); err != nil {
			lastErr = err
			c.log.Warn(ctx, "publish failed on relay", "relay", conn.URL(), "error", err)
			continue
		}
		return signed.ID, nil
	}

	return "", &errs.TransportError{Op: "publish", Err: fmt.Errorf("all relays failed: %w", lastErr)}
}

func (c *Client) publishWithRetry(ctx context.Context, conn Conn, ev Event) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.PublishBaseDelay
	bo.MaxInterval = c.cfg.PublishMaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2

	policy := backoff.WithMaxRetries(bo, c.cfg.PublishMaxTries-1)

	return backoff.Retry(func() error {
		err := conn.Send(ctx, ev)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
}

// Close tears down every relay connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var errList []error
	for _, conn := range c.conns {
		if err := conn.Close(); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// isRetryable classifies transport errors the way a publish retry loop
// should: timeouts and transient network failures are retried, context
// cancellation is not.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return true
}
