// Package executor implements the AgentExecutor (spec.md §4.9): the
// loop that drives a single agent turn from prompt assembly through
// streamed LLM output and tool calls to a published reply.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/tenex-sh/tenexd/internal/agent"
	"github.com/tenex-sh/tenexd/internal/conversation"
	"github.com/tenex-sh/tenexd/internal/errs"
	"github.com/tenex-sh/tenexd/internal/llm"
	"github.com/tenex-sh/tenexd/internal/project"
	"github.com/tenex-sh/tenexd/internal/publisher"
	"github.com/tenex-sh/tenexd/internal/relay"
	"github.com/tenex-sh/tenexd/internal/router"
	"github.com/tenex-sh/tenexd/internal/telemetry"
	"github.com/tenex-sh/tenexd/internal/tool"
)

// KindStreamingStatus is the ephemeral event kind carrying in-progress
// text deltas, rate-limited to avoid flooding the relay (spec.md §4.9
// step 3, §5 "the streaming-status publisher is rate-limited, not
// queued").
const KindStreamingStatus = 21113

const defaultMaxSteps = 20
const defaultMaxRetries = 3
const defaultStatusInterval = 250 * time.Millisecond

var selfDelegatingTools = map[string]bool{
	"delegate":          true,
	"delegate_external": true,
	"delegate_followup": true,
}

// ProviderResolver selects the LLM provider for a model string (spec.md
// §6's llm.* routing table maps role names to model strings; the
// concrete provider — Anthropic vs OpenAI — is chosen from the model
// string itself by the daemon wiring layer).
type ProviderResolver func(model string) (llm.Provider, error)

// SignerResolver returns the relay.Signer for an agent's own keypair
// (spec.md §3: every agent is "identified by pubkey ... an LLM-backed
// identity with its own keypair").
type SignerResolver func(agentPubkey string) (relay.Signer, error)

// TurnInput is everything one turn needs beyond the shared
// project-scoped registries already held by the project.Runtime.
type TurnInput struct {
	AgentPubkey    string
	ConversationID string // conversation root ID
	TriggerEventID string // event this agent is waking on
	QTag           string // set when this turn is a delegation reply: echoes the request event ID
	PendingSummaries []conversation.Message
}

// StopReason identifies why a turn ended.
type StopReason string

const (
	StopComplete    StopReason = "complete"
	StopStreamEnd   StopReason = "stream_finished"
	StopStepLimit   StopReason = "step_limit"
	StopCancelled   StopReason = "cancelled"
)

// Result summarizes a finished turn.
type Result struct {
	Reason       StopReason
	Summary      string
	StepsUsed    int
	ReplyEventID string
}

// Options configures an Executor.
type Options struct {
	MaxSteps       int
	MaxRetries     int
	StatusInterval time.Duration
	Log            telemetry.Logger
}

// Executor drives AgentExecutor turns. It is process-wide (unlike the
// per-project registries), since publishing and provider selection are
// ambient concerns; every call takes the project.Runtime it operates
// against explicitly (spec.md §9's "thread a ProjectContext handle
// explicitly" design note).
type Executor struct {
	pub       *publisher.Publisher
	providers ProviderResolver
	signers   SignerResolver
	log       telemetry.Logger

	maxSteps       int
	maxRetries     int
	statusInterval time.Duration
}

// New builds an Executor.
func New(pub *publisher.Publisher, providers ProviderResolver, signers SignerResolver, opts Options) *Executor {
	log := opts.Log
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	interval := opts.StatusInterval
	if interval <= 0 {
		interval = defaultStatusInterval
	}
	return &Executor{
		pub:            pub,
		providers:      providers,
		signers:        signers,
		log:            log,
		maxSteps:       maxSteps,
		maxRetries:     maxRetries,
		statusInterval: interval,
	}
}

// Run executes one agent turn against rt.
func (e *Executor) Run(ctx context.Context, rt *project.Runtime, in TurnInput) (Result, error) {
	rt.BeginTurn()
	defer rt.EndTurn()

	def, ok := rt.Agents().Definition(in.AgentPubkey)
	if !ok {
		return Result{}, &errs.ValidationError{Subject: "executor run", Err: fmt.Errorf("unknown agent %q", in.AgentPubkey)}
	}
	signer, err := e.signers(in.AgentPubkey)
	if err != nil {
		return Result{}, err
	}
	provider, err := e.providers(def.Model)
	if err != nil {
		return Result{}, err
	}

	phase, err := rt.Conversations().Phase(in.ConversationID)
	if err != nil {
		return Result{}, err
	}

	history, err := rt.Conversations().ThreadFor(in.TriggerEventID, in.AgentPubkey, in.PendingSummaries)
	if err != nil {
		return Result{}, err
	}

	messages := []llm.Message{{Role: llm.RoleSystem, Text: assemblePrompt(def, phase, rt.Tools())}}
	messages = append(messages, toLLMMessages(history)...)

	tools := toolDefinitions(def, rt.Tools())
	pubKey := publisher.Key{ProjectID: rt.ID(), AgentPubkey: in.AgentPubkey, ConversationID: in.ConversationID}
	limiter := rate.NewLimiter(rate.Every(e.statusInterval), 1)

	var textBuf strings.Builder
	steps := 0

	for {
		steps++
		if steps > e.maxSteps {
			res := Result{Reason: StopStepLimit, StepsUsed: steps - 1}
			e.publishLimitNotice(ctx, rt, in, pubKey, signer, errs.StepLimitError{MaxSteps: e.maxSteps})
			return res, &errs.StepLimitError{MaxSteps: e.maxSteps}
		}

		req := llm.Request{Model: def.Model, Messages: messages, Tools: tools}
		chunk, call, finishReason, err := e.consumeOneStep(ctx, provider, req, rt, in, pubKey, signer, limiter, &textBuf)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return Result{Reason: StopCancelled, StepsUsed: steps}, err
			}
			return Result{StepsUsed: steps}, err
		}

		switch {
		case call != nil:
			flushed := textBuf.String()
			if flushed != "" {
				if _, perr := e.publishFinal(ctx, rt, in, pubKey, signer, flushed); perr != nil {
					return Result{StepsUsed: steps}, perr
				}
			}
			textBuf.Reset()

			stop, toolResultMsg, err := e.invokeTool(ctx, rt, in, *call)
			if err != nil {
				return Result{StepsUsed: steps}, err
			}
			messages = append(messages, toolTurnMessages(*call, flushed, toolResultMsg)...)
			if stop != nil {
				id, perr := e.publishFinal(ctx, rt, in, pubKey, signer, summaryText(stop.Output))
				if perr != nil {
					return Result{StepsUsed: steps}, perr
				}
				return Result{Reason: StopComplete, Summary: summaryText(stop.Output), StepsUsed: steps, ReplyEventID: id}, nil
			}
			continue
		case finishReason != "":
			id, err := e.publishFinal(ctx, rt, in, pubKey, signer, textBuf.String())
			if err != nil {
				return Result{StepsUsed: steps}, err
			}
			return Result{Reason: StopStreamEnd, Summary: textBuf.String(), StepsUsed: steps, ReplyEventID: id}, nil
		default:
			_ = chunk // text-only step exhausted the stream without a tool call or explicit finish; treat as done
			id, err := e.publishFinal(ctx, rt, in, pubKey, signer, textBuf.String())
			if err != nil {
				return Result{StepsUsed: steps}, err
			}
			return Result{Reason: StopStreamEnd, Summary: textBuf.String(), StepsUsed: steps, ReplyEventID: id}, nil
		}
	}
}

// consumeOneStep drains one LLM stream to completion (a finish chunk or
// a tool call), retrying transient failures with jittered exponential
// backoff (spec.md §4.9 step 5, max 3 attempts).
func (e *Executor) consumeOneStep(
	ctx context.Context,
	provider llm.Provider,
	req llm.Request,
	rt *project.Runtime,
	in TurnInput,
	pubKey publisher.Key,
	signer relay.Signer,
	limiter *rate.Limiter,
	textBuf *strings.Builder,
) (lastChunk llm.Chunk, call *llm.ToolCall, finishReason string, err error) {
	var attempt int
	for {
		attempt++
		lastChunk, call, finishReason, err = e.streamOnce(ctx, provider, req, rt, in, pubKey, signer, limiter, textBuf)
		if err == nil || !llm.IsTransient(err) || attempt >= e.maxRetries {
			return lastChunk, call, finishReason, err
		}
		textBuf.Reset()
		e.log.Warn(ctx, "llm stream transient failure, retrying", "attempt", attempt, "error", err)
		if werr := waitBackoff(ctx, attempt); werr != nil {
			return llm.Chunk{}, nil, "", werr
		}
	}
}

func (e *Executor) streamOnce(
	ctx context.Context,
	provider llm.Provider,
	req llm.Request,
	rt *project.Runtime,
	in TurnInput,
	pubKey publisher.Key,
	signer relay.Signer,
	limiter *rate.Limiter,
	textBuf *strings.Builder,
) (llm.Chunk, *llm.ToolCall, string, error) {
	stream, err := provider.Stream(ctx, req)
	if err != nil {
		return llm.Chunk{}, nil, "", err
	}
	defer stream.Close()

	for {
		chunk, err := stream.Recv()
		if err != nil {
			return llm.Chunk{}, nil, "", err
		}
		switch chunk.Type {
		case llm.ChunkText:
			textBuf.WriteString(chunk.TextDelta)
			if limiter.Allow() {
				e.publishStatus(ctx, rt, in, pubKey, signer, textBuf.String())
			}
		case llm.ChunkToolCall:
			return chunk, chunk.ToolCall, "", nil
		case llm.ChunkFinish:
			return chunk, nil, chunk.StopReason, nil
		}
	}
}

// invokeTool applies the self-delegation defense-in-depth check (spec.md
// §4.9's "the executor refuses any delegate.../delegate_external/
// delegate_followup tool call whose resolved recipient set contains its
// own pubkey" — DelegationRegistry.Register already rejects this, but
// the executor checks first so a rejected call never reaches the
// registry or counts against any retry budget there), then invokes the
// tool via ToolRegistry.
func (e *Executor) invokeTool(ctx context.Context, rt *project.Runtime, in TurnInput, call llm.ToolCall) (*tool.StopExecution, string, error) {
	if selfDelegatingTools[call.Name] {
		if err := rejectSelfDelegation(rt.Agents(), in.AgentPubkey, call.Input); err != nil {
			return nil, err.Error(), nil
		}
	}

	tc := tool.Context{
		ProjectID:      rt.ID(),
		ConversationID: in.ConversationID,
		AgentPubkey:    in.AgentPubkey,
		ToolUseID:      call.ID,
	}
	if def, ok := rt.Agents().Definition(in.AgentPubkey); ok {
		tc.AgentSlug = def.Slug
	}

	output, err := rt.Tools().Invoke(ctx, tc, call.Name, call.Input)
	var stop *tool.StopExecution
	if errors.As(err, &stop) {
		return stop, "", nil
	}
	if stopOut, ok := output.(*tool.StopExecution); ok {
		return stopOut, "", nil
	}
	if err != nil {
		return nil, err.Error(), nil
	}
	return nil, encodeToolResult(output), nil
}

type recipientsPayload struct {
	Recipients []string `json:"recipients"`
}

func rejectSelfDelegation(agents *agent.Registry, delegator string, input json.RawMessage) error {
	var p recipientsPayload
	if err := json.Unmarshal(input, &p); err != nil {
		return nil // malformed input surfaces via schema validation in ToolRegistry.Invoke
	}
	for _, recipient := range p.Recipients {
		pk, err := agents.Resolve(recipient)
		if err != nil {
			continue
		}
		if pk == delegator {
			return &errs.SelfDelegationError{Agent: delegator}
		}
	}
	return nil
}

func encodeToolResult(output any) string {
	if output == nil {
		return ""
	}
	if s, ok := output.(string); ok {
		return s
	}
	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Sprintf("%v", output)
	}
	return string(data)
}

func toolTurnMessages(call llm.ToolCall, flushedText, toolResult string) []llm.Message {
	assistant := llm.Message{Role: llm.RoleAssistant, Text: flushedText, ToolCalls: []llm.ToolCall{call}}
	user := llm.Message{Role: llm.RoleUser, ToolResults: []llm.ToolResult{{ToolCallID: call.ID, Content: toolResult}}}
	return []llm.Message{assistant, user}
}

func summaryText(output any) string {
	if s, ok := output.(string); ok {
		return s
	}
	return encodeToolResult(output)
}

func (e *Executor) publishStatus(ctx context.Context, rt *project.Runtime, in TurnInput, key publisher.Key, signer relay.Signer, partial string) {
	ev := relay.UnsignedEvent{
		Kind:      KindStreamingStatus,
		CreatedAt: time.Now().UTC(),
		Content:   partial,
		Tags:      replyTags(in),
	}
	if _, err := e.pub.Publish(ctx, key, signer, ev); err != nil {
		e.log.Warn(ctx, "streaming status publish failed", "project", rt.ID(), "agent", in.AgentPubkey, "error", err)
	}
}

func (e *Executor) publishFinal(ctx context.Context, rt *project.Runtime, in TurnInput, key publisher.Key, signer relay.Signer, text string) (string, error) {
	tags := replyTags(in)
	if phase, ok := rt.Conversations().ConsumePendingPhaseTag(in.ConversationID); ok {
		tags = append(tags, relay.Tag{"phase", phase})
	}
	ev := relay.UnsignedEvent{
		Kind:      router.KindConversationMessage,
		CreatedAt: time.Now().UTC(),
		Content:   text,
		Tags:      tags,
	}
	return e.pub.Publish(ctx, key, signer, ev)
}

func (e *Executor) publishLimitNotice(ctx context.Context, rt *project.Runtime, in TurnInput, key publisher.Key, signer relay.Signer, cause errs.StepLimitError) {
	ev := relay.UnsignedEvent{
		Kind:      router.KindConversationMessage,
		CreatedAt: time.Now().UTC(),
		Content:   fmt.Sprintf("turn stopped: %s", cause.Error()),
		Tags:      replyTags(in),
	}
	if _, err := e.pub.Publish(ctx, key, signer, ev); err != nil {
		e.log.Warn(ctx, "step limit notice publish failed", "project", rt.ID(), "agent", in.AgentPubkey, "error", err)
	}
}

func replyTags(in TurnInput) []relay.Tag {
	tags := []relay.Tag{
		{"e", in.TriggerEventID, "reply"},
		{"E", in.ConversationID},
	}
	if in.QTag != "" {
		tags = append(tags, relay.Tag{"q", in.QTag})
	}
	return tags
}

func toLLMMessages(history []conversation.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		role := llm.RoleUser
		switch m.Role {
		case conversation.RoleAssistant:
			role = llm.RoleAssistant
		case conversation.RoleSystem:
			role = llm.RoleSystem
		}
		out = append(out, llm.Message{Role: role, Text: m.Content})
	}
	return out
}

func assemblePrompt(def agent.Definition, phase string, tools *tool.Registry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s (%s).\n", def.DisplayName, def.Slug)
	if def.Role != "" {
		fmt.Fprintf(&b, "Role: %s\n", def.Role)
	}
	if def.Instructions != "" {
		fmt.Fprintf(&b, "\n%s\n", def.Instructions)
	}
	fmt.Fprintf(&b, "\nCurrent conversation phase: %s\n", phase)
	if instr, ok := phaseInstructions[phase]; ok {
		b.WriteString(instr)
		b.WriteString("\n")
	}

	names := append([]string(nil), def.ToolAllow...)
	sort.Strings(names)
	if len(names) > 0 {
		b.WriteString("\nAvailable tools:\n")
		for _, name := range names {
			spec, ok := tools.Lookup(name)
			if !ok {
				continue
			}
			fmt.Fprintf(&b, "- %s: %s\n", spec.Name, spec.Description)
		}
	}
	return b.String()
}

var phaseInstructions = map[string]string{
	conversation.PhaseChat:         "Engage conversationally; no deliverable is expected yet.",
	conversation.PhaseBrainstorm:   "Explore approaches broadly before committing to one.",
	conversation.PhasePlan:         "Produce or refine a concrete plan before execution begins.",
	conversation.PhaseExecute:      "Carry out the plan; prefer delegation for specialist work.",
	conversation.PhaseVerification: "Check the work against the original request before closing out.",
	conversation.PhaseChores:       "Handle cleanup and incidental follow-ups.",
	conversation.PhaseReflection:   "Summarize what happened and capture lessons for next time.",
}

func toolDefinitions(def agent.Definition, tools *tool.Registry) []llm.ToolDefinition {
	out := make([]llm.ToolDefinition, 0, len(def.ToolAllow))
	for _, name := range def.ToolAllow {
		spec, ok := tools.Lookup(name)
		if !ok {
			continue
		}
		out = append(out, llm.ToolDefinition{Name: spec.Name, Description: spec.Description, InputSchema: spec.InputSchema})
	}
	return out
}

// waitBackoff sleeps a jittered exponential backoff for the given retry
// attempt (1-indexed), or returns ctx's error if it's cancelled first.
func waitBackoff(ctx context.Context, attempt int) error {
	base := 200 * time.Millisecond
	delay := base * time.Duration(1<<uint(attempt-1))
	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	timer := time.NewTimer(delay/2 + jitter)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
