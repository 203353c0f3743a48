package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// anthropicMessages captures the subset of the Anthropic SDK used here,
// so tests can substitute a fake (mirrors features/model/anthropic's
// MessagesClient seam).
type anthropicMessages interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// AnthropicProvider implements Provider on top of the Anthropic Claude
// Messages API.
type AnthropicProvider struct {
	msg          anthropicMessages
	defaultModel string
	maxTokens    int
	temperature  float64
}

// NewAnthropicProvider builds a provider using the default HTTP client,
// authenticating with apiKey, which must be non-empty and takes the place
// of any ANTHROPIC_API_KEY the SDK would read from the environment.
func NewAnthropicProvider(apiKey, defaultModel string, maxTokens int, temperature float64) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, errors.New("llm: anthropic api key is required")
	}
	if defaultModel == "" {
		return nil, errors.New("llm: anthropic default model is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicProvider{
		msg:          &client.Messages,
		defaultModel: defaultModel,
		maxTokens:    maxTokens,
		temperature:  temperature,
	}, nil
}

// Stream issues a streaming Messages call and adapts its SSE events
// into Chunks.
func (p *AnthropicProvider) Stream(ctx context.Context, req Request) (Streamer, error) {
	params, err := p.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	stream := p.msg.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, translateAnthropicErr(err)
	}
	return newAnthropicStreamer(ctx, stream), nil
}

func (p *AnthropicProvider) prepareRequest(req Request) (sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return sdk.MessageNewParams{}, errors.New("llm: anthropic request requires at least one message")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	if maxTokens <= 0 {
		return sdk.MessageNewParams{}, errors.New("llm: anthropic request requires max_tokens")
	}

	msgs, system := encodeAnthropicMessages(req.Messages)
	if len(msgs) == 0 {
		return sdk.MessageNewParams{}, errors.New("llm: anthropic request requires at least one user/assistant message")
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	temp := req.Temperature
	if temp == 0 {
		temp = p.temperature
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}
	if tools := encodeAnthropicTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}
	return params, nil
}

func encodeAnthropicMessages(msgs []Message) ([]sdk.MessageParam, string) {
	out := make([]sdk.MessageParam, 0, len(msgs))
	var system string

	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			if m.Text != "" {
				system = m.Text
			}
		case RoleUser:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolResults))
			if m.Text != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Text))
			}
			for _, tr := range m.ToolResults {
				blocks = append(blocks, sdk.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
			}
			if len(blocks) > 0 {
				out = append(out, sdk.NewUserMessage(blocks...))
			}
		case RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Text != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Text))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, decodeInput(tc.Input), tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, sdk.NewAssistantMessage(blocks...))
			}
		}
	}
	return out, system
}

func decodeInput(raw json.RawMessage) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{}
	}
	return v
}

func encodeAnthropicTools(defs []ToolDefinition) []sdk.ToolUnionParam {
	if len(defs) == 0 {
		return nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		var schemaFields map[string]any
		if len(def.InputSchema) > 0 {
			_ = json.Unmarshal(def.InputSchema, &schemaFields)
		}
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schemaFields}, def.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out
}

func translateAnthropicErr(err error) error {
	if isRateLimitedErr(err) {
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	}
	if isRetryableNetErr(err) {
		return Transient(err)
	}
	return err
}

func isRateLimitedErr(err error) bool {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}

func isRetryableNetErr(err error) bool {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// anthropicStreamer adapts an Anthropic SSE stream into Chunks,
// buffering tool_use JSON fragments per content-block index until the
// block closes (spec.md §4.9: a tool call is only actionable once
// complete).
type anthropicStreamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	toolBlocks map[int64]*anthropicToolBuffer
	stopReason string
}

type anthropicToolBuffer struct {
	id        string
	name      string
	fragments []string
}

func newAnthropicStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion]) *anthropicStreamer {
	cctx, cancel := context.WithCancel(ctx)
	return &anthropicStreamer{
		ctx:        cctx,
		cancel:     cancel,
		stream:     stream,
		toolBlocks: make(map[int64]*anthropicToolBuffer),
	}
}

func (s *anthropicStreamer) Recv() (Chunk, error) {
	for {
		select {
		case <-s.ctx.Done():
			return Chunk{}, s.ctx.Err()
		default:
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				return Chunk{}, translateAnthropicErr(err)
			}
			return Chunk{}, io.EOF
		}
		chunk, emit, err := s.handle(s.stream.Current())
		if err != nil {
			return Chunk{}, err
		}
		if emit {
			return chunk, nil
		}
	}
}

func (s *anthropicStreamer) handle(event sdk.MessageStreamEventUnion) (Chunk, bool, error) {
	switch ev := event.AsAny().(type) {
	case sdk.ContentBlockStartEvent:
		if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			s.toolBlocks[ev.Index] = &anthropicToolBuffer{id: tu.ID, name: tu.Name}
		}
		return Chunk{}, false, nil
	case sdk.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return Chunk{}, false, nil
			}
			return Chunk{Type: ChunkText, TextDelta: delta.Text}, true, nil
		case sdk.InputJSONDelta:
			tb, ok := s.toolBlocks[ev.Index]
			if !ok {
				return Chunk{}, false, nil
			}
			tb.fragments = append(tb.fragments, delta.PartialJSON)
			return Chunk{}, false, nil
		}
		return Chunk{}, false, nil
	case sdk.ContentBlockStopEvent:
		tb, ok := s.toolBlocks[ev.Index]
		if !ok {
			return Chunk{}, false, nil
		}
		delete(s.toolBlocks, ev.Index)
		raw := joinFragments(tb.fragments)
		return Chunk{Type: ChunkToolCall, ToolCall: &ToolCall{ID: tb.id, Name: tb.name, Input: raw}}, true, nil
	case sdk.MessageDeltaEvent:
		s.stopReason = string(ev.Delta.StopReason)
		return Chunk{}, false, nil
	case sdk.MessageStopEvent:
		return Chunk{Type: ChunkFinish, StopReason: s.stopReason}, true, nil
	default:
		return Chunk{}, false, nil
	}
}

func joinFragments(fragments []string) json.RawMessage {
	joined := ""
	for _, f := range fragments {
		joined += f
	}
	if joined == "" {
		joined = "{}"
	}
	return json.RawMessage(joined)
}

func (s *anthropicStreamer) Close() error {
	s.cancel()
	return s.stream.Close()
}
