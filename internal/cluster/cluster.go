// Package cluster implements the status/heartbeat broadcaster (spec.md §6:
// "Status / heartbeat: ephemeral, published every 30s per active project,
// listing active agents and their tool inventories"). Every daemon process
// runs one ticker per active project; when a Redis URL is configured, a
// Pulse pool node ensures only one daemon in the cluster emits heartbeats
// for a given project, the same distributed-ticker technique the teacher
// uses for provider health pings (registry/health_tracker.go).
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/pool"
	"goa.design/pulse/rmap"

	"github.com/tenex-sh/tenexd/internal/agent"
	"github.com/tenex-sh/tenexd/internal/project"
	"github.com/tenex-sh/tenexd/internal/relay"
	"github.com/tenex-sh/tenexd/internal/router"
	"github.com/tenex-sh/tenexd/internal/telemetry"
)

// DefaultInterval matches spec.md §6's "published every 30s".
const DefaultInterval = 30 * time.Second

const presenceMapName = "tenexd:projects"
const poolName = "tenexd:heartbeat"

// SignerResolver resolves the identity a project's heartbeat is published
// under — the project's Project Manager agent.
type SignerResolver func(agentPubkey string) (relay.Signer, error)

// Options configures a Broadcaster.
type Options struct {
	Interval time.Duration
	Log      telemetry.Logger

	// RedisURL, when set, enables cross-daemon coordination via Pulse: a
	// replicated presence map plus a distributed ticker per project so
	// only one daemon in the cluster emits a given project's heartbeat.
	// Left empty, the Broadcaster runs a plain local ticker per project.
	RedisURL string
}

// Broadcaster runs one heartbeat ticker per active project.
type Broadcaster struct {
	bus      relay.EventBus
	signers  SignerResolver
	log      telemetry.Logger
	interval time.Duration

	redis    *redis.Client
	presence *rmap.Map
	poolNode *pool.Node

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New builds a Broadcaster. When opts.RedisURL is set, New dials Redis and
// joins the Pulse presence map and pool node eagerly — a failure here is
// returned rather than silently degrading to single-node mode, since the
// caller asked for clustering explicitly.
func New(ctx context.Context, bus relay.EventBus, signers SignerResolver, opts Options) (*Broadcaster, error) {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	log := opts.Log
	if log == nil {
		log = telemetry.NoopLogger{}
	}

	b := &Broadcaster{
		bus:      bus,
		signers:  signers,
		log:      log,
		interval: interval,
		cancels:  make(map[string]context.CancelFunc),
	}

	if opts.RedisURL == "" {
		return b, nil
	}

	redisOpts, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	presence, err := rmap.Join(ctx, presenceMapName, rdb)
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("join presence map: %w", err)
	}

	node, err := pool.AddNode(ctx, poolName, rdb)
	if err != nil {
		presence.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("add pool node: %w", err)
	}

	b.redis = rdb
	b.presence = presence
	b.poolNode = node
	return b, nil
}

// Watch starts broadcasting heartbeats for rt until ctx is cancelled or
// Stop(rt.ID()) is called. A second call for the same project replaces the
// first.
func (b *Broadcaster) Watch(ctx context.Context, rt *project.Runtime) {
	b.Stop(rt.ID())

	loopCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancels[rt.ID()] = cancel
	b.mu.Unlock()

	if b.poolNode != nil {
		go b.runClusteredLoop(loopCtx, rt)
		return
	}
	go b.runLocalLoop(loopCtx, rt)
}

// Stop halts heartbeats for projectID, if running, and clears any presence
// entry for it.
func (b *Broadcaster) Stop(projectID string) {
	b.mu.Lock()
	cancel, ok := b.cancels[projectID]
	delete(b.cancels, projectID)
	b.mu.Unlock()
	if ok {
		cancel()
	}
	if b.presence != nil {
		if _, err := b.presence.Delete(context.Background(), projectID); err != nil {
			b.log.Warn(context.Background(), "presence delete failed", "project", projectID, "error", err)
		}
	}
}

// Close stops every running heartbeat and releases cluster resources.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	for id, cancel := range b.cancels {
		cancel()
		delete(b.cancels, id)
	}
	b.mu.Unlock()

	var err error
	if b.poolNode != nil {
		err = b.poolNode.Close(context.Background())
	}
	if b.presence != nil {
		b.presence.Close()
	}
	if b.redis != nil {
		if cerr := b.redis.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (b *Broadcaster) runLocalLoop(ctx context.Context, rt *project.Runtime) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.beat(ctx, rt)
		}
	}
}

// runClusteredLoop joins the presence map and, when a distributed ticker is
// available, defers to it so only one daemon in the pool actually emits
// rt's heartbeat; any other daemon still watching the same project simply
// never receives a tick. Falls back to a local ticker if the distributed
// one can't be created.
func (b *Broadcaster) runClusteredLoop(ctx context.Context, rt *project.Runtime) {
	if _, err := b.presence.Set(ctx, rt.ID(), strconv.FormatInt(time.Now().Unix(), 10)); err != nil {
		b.log.Warn(ctx, "presence set failed", "project", rt.ID(), "error", err)
	}

	tickerName := fmt.Sprintf("tenexd:heartbeat:%s", rt.ID())
	pt, err := b.poolNode.NewTicker(ctx, tickerName, b.interval)
	if err != nil {
		b.log.Warn(ctx, "distributed ticker unavailable, falling back to local loop", "project", rt.ID(), "error", err)
		b.runLocalLoop(ctx, rt)
		return
	}
	defer pt.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pt.C:
			b.beat(ctx, rt)
		}
	}
}

// heartbeatPayload lists a project's active agents and tool inventories
// (spec.md §6).
type heartbeatPayload struct {
	Agents []agentStatus `json:"agents"`
}

type agentStatus struct {
	Pubkey string   `json:"pubkey"`
	Slug   string   `json:"slug"`
	Tools  []string `json:"tools"`
}

func (b *Broadcaster) beat(ctx context.Context, rt *project.Runtime) {
	signer, err := b.signers(rt.Agents().PM())
	if err != nil {
		b.log.Warn(ctx, "heartbeat signer resolution failed", "project", rt.ID(), "error", err)
		return
	}

	content, err := json.Marshal(buildPayload(rt.Agents()))
	if err != nil {
		b.log.Warn(ctx, "heartbeat payload encode failed", "project", rt.ID(), "error", err)
		return
	}

	ev := relay.UnsignedEvent{
		Kind:      router.KindStatusHeartbeat,
		CreatedAt: time.Now().UTC(),
		Content:   string(content),
		Tags:      []relay.Tag{{"d", rt.ID()}},
	}
	if _, err := b.bus.Publish(ctx, signer, ev); err != nil {
		b.log.Warn(ctx, "heartbeat publish failed", "project", rt.ID(), "error", err)
	}
}

func buildPayload(reg *agent.Registry) heartbeatPayload {
	pubkeys := reg.Pubkeys()
	sort.Strings(pubkeys)

	agents := make([]agentStatus, 0, len(pubkeys))
	for _, pk := range pubkeys {
		def, ok := reg.Definition(pk)
		if !ok {
			continue
		}
		tools := append([]string(nil), def.ToolAllow...)
		sort.Strings(tools)
		agents = append(agents, agentStatus{Pubkey: def.PubKey, Slug: def.Slug, Tools: tools})
	}
	return heartbeatPayload{Agents: agents}
}
