package executor_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenex-sh/tenexd/internal/agent"
	"github.com/tenex-sh/tenexd/internal/executor"
	"github.com/tenex-sh/tenexd/internal/llm"
	"github.com/tenex-sh/tenexd/internal/project"
	"github.com/tenex-sh/tenexd/internal/publisher"
	"github.com/tenex-sh/tenexd/internal/relay"
	"github.com/tenex-sh/tenexd/internal/router"
	"github.com/tenex-sh/tenexd/internal/store/filestore"
)

// finalReplies filters out rate-limited streaming-status events, leaving
// only the finalized conversation-message events a test cares about.
func finalReplies(events []relay.UnsignedEvent) []relay.UnsignedEvent {
	var out []relay.UnsignedEvent
	for _, ev := range events {
		if ev.Kind == router.KindConversationMessage {
			out = append(out, ev)
		}
	}
	return out
}

func writeAgent(t *testing.T, globalDir string, def agent.Definition) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(globalDir, "agents"), 0o755))
	data, err := json.Marshal(def)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(globalDir, "agents", def.PubKey+".json"), data, 0o644))
}

func newTestRuntime(t *testing.T) *project.Runtime {
	t.Helper()
	globalDir := t.TempDir()
	writeAgent(t, globalDir, agent.Definition{
		PubKey:      "pm-pubkey",
		Slug:        "pm",
		DisplayName: "Planner",
		Role:        "Project manager",
		Model:       "claude-3-haiku",
		ToolAllow:   []string{"delegate", "delegate_phase", "complete"},
		IsPM:        true,
	})
	writeAgent(t, globalDir, agent.Definition{
		PubKey:      "exec-pubkey",
		Slug:        "executor",
		DisplayName: "Builder",
		Model:       "gpt-4o-mini",
		ToolAllow:   []string{"complete"},
	})

	st, err := filestore.Open(t.TempDir())
	require.NoError(t, err)

	rt, err := project.New("proj-1", project.Definition{
		Coordinate:   "31933:owner:myproj",
		PubKey:       "owner",
		Name:         "myproj",
		AgentPubkeys: []string{"pm-pubkey", "exec-pubkey"},
	}, project.Options{
		Dir:          t.TempDir(),
		IdleTimeout:  time.Minute,
		MaxTokens:    4000,
		GlobalLoader: agent.NewGlobalLoader(globalDir),
		Store:        st,
	})
	require.NoError(t, err)
	return rt
}

func rootTrigger(t *testing.T, rt *project.Runtime, id string) {
	t.Helper()
	_, err := rt.Conversations().Ingest(context.Background(), relay.Event{ID: id, PubKey: "user", Content: "hi", CreatedAt: time.Now()})
	require.NoError(t, err)
}

// scriptedStreamer replays a fixed sequence of chunks.
type scriptedStreamer struct {
	chunks []llm.Chunk
	i      int
	err    error // returned once the script is exhausted, instead of io.EOF
}

func (s *scriptedStreamer) Recv() (llm.Chunk, error) {
	if s.i >= len(s.chunks) {
		if s.err != nil {
			return llm.Chunk{}, s.err
		}
		return llm.Chunk{}, io.EOF
	}
	c := s.chunks[s.i]
	s.i++
	return c, nil
}

func (s *scriptedStreamer) Close() error { return nil }

// scriptedProvider returns one streamer per Stream call, in order. If
// calls exceed len(streamers), the last one is reused.
type scriptedProvider struct {
	mu        sync.Mutex
	streamers []*scriptedStreamer
	calls     int
}

func (p *scriptedProvider) Stream(ctx context.Context, req llm.Request) (llm.Streamer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	if idx >= len(p.streamers) {
		idx = len(p.streamers) - 1
	}
	p.calls++
	return p.streamers[idx], nil
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

func newExecutor(bus *recordingBus, provider llm.Provider) *executor.Executor {
	pub := publisher.New(bus, nil)
	return executor.New(pub,
		func(model string) (llm.Provider, error) { return provider, nil },
		func(pubkey string) (relay.Signer, error) { return fakeSigner{pubkey: pubkey}, nil },
		executor.Options{StatusInterval: time.Millisecond},
	)
}

func TestRunTextOnlyTurnPublishesOneFinalReply(t *testing.T) {
	rt := newTestRuntime(t)
	rootTrigger(t, rt, "trigger-1")

	provider := &scriptedProvider{streamers: []*scriptedStreamer{{
		chunks: []llm.Chunk{
			{Type: llm.ChunkText, TextDelta: "hello "},
			{Type: llm.ChunkText, TextDelta: "world"},
			{Type: llm.ChunkFinish, StopReason: "end_turn"},
		},
	}}}
	bus := &recordingBus{}
	ex := newExecutor(bus, provider)

	res, err := ex.Run(context.Background(), rt, executor.TurnInput{
		AgentPubkey:    "exec-pubkey",
		ConversationID: "trigger-1",
		TriggerEventID: "trigger-1",
	})
	require.NoError(t, err)
	assert.Equal(t, executor.StopStreamEnd, res.Reason)
	assert.Equal(t, "hello world", res.Summary)

	events := finalReplies(bus.snapshot())
	require.Len(t, events, 1)
	assert.Equal(t, "hello world", events[0].Content)
}

func TestRunFlushesTextBeforeInvokingTool(t *testing.T) {
	rt := newTestRuntime(t)
	rootTrigger(t, rt, "trigger-2")

	toolInput, err := json.Marshal(map[string]string{"summary": "all done"})
	require.NoError(t, err)

	provider := &scriptedProvider{streamers: []*scriptedStreamer{{
		chunks: []llm.Chunk{
			{Type: llm.ChunkText, TextDelta: "working on it..."},
			{Type: llm.ChunkToolCall, ToolCall: &llm.ToolCall{ID: "t1", Name: "complete", Input: toolInput}},
		},
	}}}
	bus := &recordingBus{}
	ex := newExecutor(bus, provider)

	res, err := ex.Run(context.Background(), rt, executor.TurnInput{
		AgentPubkey:    "exec-pubkey",
		ConversationID: "trigger-2",
		TriggerEventID: "trigger-2",
	})
	require.NoError(t, err)
	assert.Equal(t, executor.StopComplete, res.Reason)
	assert.Equal(t, "all done", res.Summary)

	events := finalReplies(bus.snapshot())
	require.Len(t, events, 2, "expected a flushed pre-tool reply and a final reply")
	assert.Equal(t, "working on it...", events[0].Content)
	assert.Equal(t, "all done", events[1].Content)
}

func TestRunRefusesSelfDelegationWithoutInvokingRegistry(t *testing.T) {
	rt := newTestRuntime(t)
	rootTrigger(t, rt, "trigger-3")

	delegateInput, err := json.Marshal(map[string]any{"recipients": []string{"pm"}, "message": "do it"})
	require.NoError(t, err)
	finalInput, err := json.Marshal(map[string]string{"summary": "gave up"})
	require.NoError(t, err)

	provider := &scriptedProvider{streamers: []*scriptedStreamer{{
		chunks: []llm.Chunk{
			{Type: llm.ChunkToolCall, ToolCall: &llm.ToolCall{ID: "t1", Name: "delegate", Input: delegateInput}},
		},
	}, {
		chunks: []llm.Chunk{
			{Type: llm.ChunkToolCall, ToolCall: &llm.ToolCall{ID: "t2", Name: "complete", Input: finalInput}},
		},
	}}}
	bus := &recordingBus{}
	ex := newExecutor(bus, provider)

	// pm-pubkey delegating to "pm" (itself) must be rejected before the
	// delegation registry ever sees it; the turn continues and the agent
	// finishes via complete on the next step.
	res, err := ex.Run(context.Background(), rt, executor.TurnInput{
		AgentPubkey:    "pm-pubkey",
		ConversationID: "trigger-3",
		TriggerEventID: "trigger-3",
	})
	require.NoError(t, err)
	assert.Equal(t, executor.StopComplete, res.Reason)
	assert.Equal(t, "gave up", res.Summary)
	assert.Zero(t, rt.Delegations().PendingCount(), "self-delegation must never reach the registry")
}

func TestRunStopsAtStepLimit(t *testing.T) {
	rt := newTestRuntime(t)
	rootTrigger(t, rt, "trigger-4")

	// A provider that always returns a tool call to a non-terminal tool
	// never satisfies a stop condition on its own, so the executor must
	// cut it off at the step limit.
	streamers := make([]*scriptedStreamer, 0, 3)
	for i := 0; i < 3; i++ {
		streamers = append(streamers, &scriptedStreamer{chunks: []llm.Chunk{
			{Type: llm.ChunkToolCall, ToolCall: &llm.ToolCall{ID: "loop", Name: "set_phase", Input: mustMarshal(t, map[string]string{"phase": "CHAT", "reason": "loop"})}},
		}})
	}
	provider := &scriptedProvider{streamers: streamers}
	bus := &recordingBus{}
	pub := publisher.New(bus, nil)
	ex := executor.New(pub,
		func(model string) (llm.Provider, error) { return provider, nil },
		func(pubkey string) (relay.Signer, error) { return fakeSigner{pubkey: pubkey}, nil },
		executor.Options{StatusInterval: time.Millisecond, MaxSteps: 2},
	)

	res, err := ex.Run(context.Background(), rt, executor.TurnInput{
		AgentPubkey:    "pm-pubkey",
		ConversationID: "trigger-4",
		TriggerEventID: "trigger-4",
	})
	require.Error(t, err)
	assert.Equal(t, executor.StopStepLimit, res.Reason)
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestRunRetriesTransientStreamError(t *testing.T) {
	rt := newTestRuntime(t)
	rootTrigger(t, rt, "trigger-5")

	failing := &scriptedStreamer{err: llm.Transient(errors.New("connection reset"))}
	succeeding := &scriptedStreamer{chunks: []llm.Chunk{
		{Type: llm.ChunkText, TextDelta: "recovered"},
		{Type: llm.ChunkFinish, StopReason: "end_turn"},
	}}
	provider := &scriptedProvider{streamers: []*scriptedStreamer{failing, succeeding}}
	bus := &recordingBus{}
	ex := newExecutor(bus, provider)

	res, err := ex.Run(context.Background(), rt, executor.TurnInput{
		AgentPubkey:    "exec-pubkey",
		ConversationID: "trigger-5",
		TriggerEventID: "trigger-5",
	})
	require.NoError(t, err)
	assert.Equal(t, executor.StopStreamEnd, res.Reason)
	assert.Equal(t, "recovered", res.Summary)
}
