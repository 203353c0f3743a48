package cluster_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenex-sh/tenexd/internal/agent"
	"github.com/tenex-sh/tenexd/internal/cluster"
	"github.com/tenex-sh/tenexd/internal/project"
	"github.com/tenex-sh/tenexd/internal/relay"
	"github.com/tenex-sh/tenexd/internal/router"
	"github.com/tenex-sh/tenexd/internal/store/filestore"
)

func writeAgent(t *testing.T, globalDir string, def agent.Definition) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(globalDir, "agents"), 0o755))
	data, err := json.Marshal(def)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(globalDir, "agents", def.PubKey+".json"), data, 0o644))
}

func newTestRuntime(t *testing.T, id string) *project.Runtime {
	t.Helper()
	globalDir := t.TempDir()
	writeAgent(t, globalDir, agent.Definition{
		PubKey: "pm-pubkey", Slug: "pm", DisplayName: "Planner",
		ToolAllow: []string{"delegate", "complete"}, IsPM: true,
	})
	writeAgent(t, globalDir, agent.Definition{
		PubKey: "exec-pubkey", Slug: "executor", DisplayName: "Builder",
		ToolAllow: []string{"complete"},
	})

	st, err := filestore.Open(t.TempDir())
	require.NoError(t, err)

	rt, err := project.New(id, project.Definition{
		Coordinate:   "31933:owner:myproj",
		PubKey:       "owner",
		Name:         "myproj",
		AgentPubkeys: []string{"pm-pubkey", "exec-pubkey"},
	}, project.Options{
		Dir:          t.TempDir(),
		IdleTimeout:  time.Minute,
		GlobalLoader: agent.NewGlobalLoader(globalDir),
		Store:        st,
	})
	require.NoError(t, err)
	return rt
}

type fakeSigner struct{ pubkey string }

func (f fakeSigner) PubKey() string { return f.pubkey }
func (f fakeSigner) Sign(u relay.UnsignedEvent) (relay.Event, error) {
	return relay.Event{Kind: u.Kind, PubKey: f.pubkey, Content: u.Content, Tags: u.Tags}, nil
}

type recordingBus struct {
	mu     sync.Mutex
	events []relay.UnsignedEvent
}

func (b *recordingBus) Subscribe(ctx context.Context, filters ...relay.Filter) (<-chan relay.Event, error) {
	return nil, nil
}

func (b *recordingBus) Publish(ctx context.Context, signer relay.Signer, ev relay.UnsignedEvent) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return "evt", nil
}

func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) snapshot() []relay.UnsignedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]relay.UnsignedEvent, len(b.events))
	copy(out, b.events)
	return out
}

func TestWatchPublishesHeartbeatsOnInterval(t *testing.T) {
	rt := newTestRuntime(t, "proj-heartbeat")
	bus := &recordingBus{}

	bc, err := cluster.New(context.Background(), bus, func(pubkey string) (relay.Signer, error) {
		return fakeSigner{pubkey: pubkey}, nil
	}, cluster.Options{Interval: 10 * time.Millisecond})
	require.NoError(t, err)
	defer bc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bc.Watch(ctx, rt)

	require.Eventually(t, func() bool {
		return len(bus.snapshot()) >= 2
	}, time.Second, 5*time.Millisecond)

	events := bus.snapshot()
	for _, ev := range events {
		assert.Equal(t, router.KindStatusHeartbeat, ev.Kind)
		assert.Equal(t, relay.Tag{"d", "proj-heartbeat"}, ev.Tags[0])

		var payload struct {
			Agents []struct {
				Pubkey string   `json:"pubkey"`
				Slug   string   `json:"slug"`
				Tools  []string `json:"tools"`
			} `json:"agents"`
		}
		require.NoError(t, json.Unmarshal([]byte(ev.Content), &payload))
		require.Len(t, payload.Agents, 2)
	}
}

func TestStopHaltsHeartbeats(t *testing.T) {
	rt := newTestRuntime(t, "proj-stop")
	bus := &recordingBus{}

	bc, err := cluster.New(context.Background(), bus, func(pubkey string) (relay.Signer, error) {
		return fakeSigner{pubkey: pubkey}, nil
	}, cluster.Options{Interval: 5 * time.Millisecond})
	require.NoError(t, err)
	defer bc.Close()

	bc.Watch(context.Background(), rt)
	require.Eventually(t, func() bool { return len(bus.snapshot()) >= 1 }, time.Second, 2*time.Millisecond)

	bc.Stop(rt.ID())
	countAtStop := len(bus.snapshot())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, countAtStop, len(bus.snapshot()), "no further heartbeats should publish after Stop")
}
