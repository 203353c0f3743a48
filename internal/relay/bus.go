package relay

import "context"

// EventBus is the daemon's view of the relay network: a consolidated
// subscription feeding one inbound stream, and a publish path. Concrete
// RelayClient transport/cryptographic signing is an external collaborator
// (spec.md §1); EventBus is the seam the rest of the daemon programs
// against so it can be driven by a fake in tests.
type EventBus interface {
	// Subscribe returns a channel of inbound events matching any of the
	// given filters. The channel is closed on ctx cancellation; Client
	// also closes it once all of its relay connections have dropped, and
	// does not reconnect them.
	Subscribe(ctx context.Context, filters ...Filter) (<-chan Event, error)

	// Publish signs and sends ev, retrying transient failures with
	// backoff, and returns the resulting event ID. After the retry
	// budget is exhausted it returns a *errs.TransportError.
	Publish(ctx context.Context, signer Signer, ev UnsignedEvent) (string, error)

	// Close tears down all subscriptions and connections.
	Close() error
}
