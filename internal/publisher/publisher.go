// Package publisher implements the serialized publish queue spec.md §5
// requires: "within a single conversation, reply events emitted by a
// given agent preserve source order (enforced by serializing publishes
// per (project, agent, conversation) tuple)". AgentExecutor is the sole
// caller; ToolRegistry and ConversationCoordinator never publish directly.
package publisher

import (
	"context"
	"sync"

	"github.com/tenex-sh/tenexd/internal/relay"
	"github.com/tenex-sh/tenexd/internal/telemetry"
)

// Key identifies one serialization lane.
type Key struct {
	ProjectID      string
	AgentPubkey    string
	ConversationID string
}

// Publisher wraps an EventBus, ensuring publishes sharing a Key never
// interleave with one another.
type Publisher struct {
	bus relay.EventBus
	log telemetry.Logger

	mu    sync.Mutex
	lanes map[Key]*sync.Mutex
}

// New builds a Publisher over bus.
func New(bus relay.EventBus, log telemetry.Logger) *Publisher {
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	return &Publisher{bus: bus, log: log, lanes: make(map[Key]*sync.Mutex)}
}

// Publish signs and sends ev through the lane identified by key,
// blocking until any publish already in flight for that key completes.
func (p *Publisher) Publish(ctx context.Context, key Key, signer relay.Signer, ev relay.UnsignedEvent) (string, error) {
	lane := p.laneFor(key)
	lane.Lock()
	defer lane.Unlock()

	id, err := p.bus.Publish(ctx, signer, ev)
	if err != nil {
		p.log.Warn(ctx, "publish failed", "project", key.ProjectID, "agent", key.AgentPubkey, "conversation", key.ConversationID, "error", err)
		return "", err
	}
	return id, nil
}

func (p *Publisher) laneFor(key Key) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lane, ok := p.lanes[key]
	if !ok {
		lane = &sync.Mutex{}
		p.lanes[key] = lane
	}
	return lane
}
