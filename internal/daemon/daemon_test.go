package daemon_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenex-sh/tenexd/internal/agent"
	"github.com/tenex-sh/tenexd/internal/daemon"
	"github.com/tenex-sh/tenexd/internal/llm"
	"github.com/tenex-sh/tenexd/internal/relay"
	"github.com/tenex-sh/tenexd/internal/router"
	"github.com/tenex-sh/tenexd/internal/store"
	"github.com/tenex-sh/tenexd/internal/store/filestore"
)

func writeAgent(t *testing.T, globalDir string, def agent.Definition) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(globalDir, "agents"), 0o755))
	data, err := json.Marshal(def)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(globalDir, "agents", def.PubKey+".json"), data, 0o644))
}

type scriptedStreamer struct {
	chunks []llm.Chunk
	i      int
}

func (s *scriptedStreamer) Recv() (llm.Chunk, error) {
	if s.i >= len(s.chunks) {
		return llm.Chunk{}, io.EOF
	}
	c := s.chunks[s.i]
	s.i++
	return c, nil
}

func (s *scriptedStreamer) Close() error { return nil }

// completingProvider always replies with a single "complete" tool call,
// so every dispatched turn terminates in one step.
type completingProvider struct {
	summary string
}

func (p *completingProvider) Stream(ctx context.Context, req llm.Request) (llm.Streamer, error) {
	input, _ := json.Marshal(map[string]string{"summary": p.summary})
	return &scriptedStreamer{chunks: []llm.Chunk{
		{Type: llm.ChunkToolCall, ToolCall: &llm.ToolCall{ID: "call-1", Name: "complete", Input: input}},
	}}, nil
}

type fakeBus struct {
	mu        sync.Mutex
	ch        chan relay.Event
	published []relay.UnsignedEvent
	closed    bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{ch: make(chan relay.Event, 32)}
}

func (b *fakeBus) Subscribe(ctx context.Context, filters ...relay.Filter) (<-chan relay.Event, error) {
	return b.ch, nil
}

func (b *fakeBus) Publish(ctx context.Context, signer relay.Signer, ev relay.UnsignedEvent) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, ev)
	return "evt", nil
}

func (b *fakeBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBus) emit(ev relay.Event) { b.ch <- ev }

func (b *fakeBus) snapshot() []relay.UnsignedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]relay.UnsignedEvent, len(b.published))
	copy(out, b.published)
	return out
}

func newTestDaemon(t *testing.T, bus *fakeBus, globalDir string) *daemon.Daemon {
	t.Helper()
	projectsDir := t.TempDir()
	stores := func(_ string, dir string) (store.Store, error) {
		return filestore.Open(dir)
	}
	provider := &completingProvider{summary: "done"}
	return daemon.New(daemon.Options{
		Bus:          bus,
		GlobalLoader: agent.NewGlobalLoader(globalDir),
		ProjectsDir:  projectsDir,
		Stores:       stores,
		Providers: func(model string) (llm.Provider, error) {
			return provider, nil
		},
		Signers:      daemon.NewPassthroughSignerResolver(),
		IdleTimeout:  time.Hour,
		ReapInterval: time.Hour,
	})
}

func projectDefinitionEvent(coordName, owner string, agentPubkeys ...string) relay.Event {
	tags := []relay.Tag{{"d", coordName}}
	for _, pk := range agentPubkeys {
		tags = append(tags, relay.Tag{"agent", pk})
	}
	return relay.Event{
		ID:        "projdef-1",
		Kind:      router.KindProjectDefinition,
		PubKey:    owner,
		CreatedAt: time.Now(),
		Tags:      tags,
	}
}

func TestIngestCreatesRuntimeAndRoutesRootMessageToPM(t *testing.T) {
	globalDir := t.TempDir()
	writeAgent(t, globalDir, agent.Definition{
		PubKey: "pm-pubkey", Slug: "pm", Model: "claude-3-haiku",
		ToolAllow: []string{"complete"}, IsPM: true,
	})
	writeAgent(t, globalDir, agent.Definition{
		PubKey: "exec-pubkey", Slug: "executor", Model: "gpt-4o-mini",
		ToolAllow: []string{"complete"},
	})

	bus := newFakeBus()
	d := newTestDaemon(t, bus, globalDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(runDone)
	}()

	coordinate := fmt.Sprintf("%d:%s:%s", router.KindProjectDefinition, "owner", "myproj")
	bus.emit(projectDefinitionEvent("myproj", "owner", "pm-pubkey", "exec-pubkey"))

	require.Eventually(t, func() bool {
		_, ok := d.ByProject(coordinate)
		return ok
	}, time.Second, 5*time.Millisecond)

	bus.emit(relay.Event{
		ID:        "root-1",
		Kind:      router.KindConversationMessage,
		PubKey:    "user",
		CreatedAt: time.Now(),
		Content:   "hi",
		Tags:      []relay.Tag{{"a", coordinate}},
	})

	require.Eventually(t, func() bool {
		for _, ev := range bus.snapshot() {
			if ev.Kind == router.KindConversationMessage && ev.Content == "done" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-runDone
}

func TestShutdownClosesBus(t *testing.T) {
	globalDir := t.TempDir()
	writeAgent(t, globalDir, agent.Definition{
		PubKey: "pm-pubkey", Slug: "pm", Model: "claude-3-haiku",
		ToolAllow: []string{"complete"}, IsPM: true,
	})

	bus := newFakeBus()
	d := newTestDaemon(t, bus, globalDir)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = d.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	require.NoError(t, d.Shutdown(context.Background()))
	assert.True(t, bus.closed)
}
