package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"
)

// openaiChatCompletions captures the subset of the OpenAI SDK used
// here, mirroring the Anthropic adapter's seam for a narrow, fakeable
// dependency.
type openaiChatCompletions interface {
	NewStreaming(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk]
}

// OpenAIProvider implements Provider on top of the OpenAI Chat
// Completions API.
type OpenAIProvider struct {
	chat         openaiChatCompletions
	defaultModel string
	maxTokens    int
	temperature  float64
}

// NewOpenAIProvider builds a provider using the default HTTP client,
// authenticating with apiKey, which must be non-empty and takes the place
// of any OPENAI_API_KEY the SDK would read from the environment.
func NewOpenAIProvider(apiKey, defaultModel string, maxTokens int, temperature float64) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, errors.New("llm: openai api key is required")
	}
	if defaultModel == "" {
		return nil, errors.New("llm: openai default model is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIProvider{
		chat:         client.Chat.Completions,
		defaultModel: defaultModel,
		maxTokens:    maxTokens,
		temperature:  temperature,
	}, nil
}

// Stream issues a streaming chat completion call and adapts the
// resulting SSE chunks into Chunks.
func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (Streamer, error) {
	params, err := p.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	stream := p.chat.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, translateOpenAIErr(err)
	}
	return newOpenAIStreamer(ctx, stream), nil
}

func (p *OpenAIProvider) prepareRequest(req Request) (sdk.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return sdk.ChatCompletionNewParams{}, errors.New("llm: openai request requires at least one message")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	params := sdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(modelID),
		Messages: encodeOpenAIMessages(req.Messages),
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(maxTokens))
	}
	temp := req.Temperature
	if temp == 0 {
		temp = p.temperature
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}
	if tools := encodeOpenAITools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}
	return params, nil
}

func encodeOpenAIMessages(msgs []Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			if m.Text != "" {
				out = append(out, sdk.SystemMessage(m.Text))
			}
		case RoleUser:
			if m.Text != "" {
				out = append(out, sdk.UserMessage(m.Text))
			}
			for _, tr := range m.ToolResults {
				out = append(out, sdk.ToolMessage(tr.Content, tr.ToolCallID))
			}
		case RoleAssistant:
			if len(m.ToolCalls) == 0 {
				if m.Text != "" {
					out = append(out, sdk.AssistantMessage(m.Text))
				}
				continue
			}
			calls := make([]sdk.ChatCompletionMessageToolCallParam, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				calls = append(calls, sdk.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: sdk.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			out = append(out, sdk.ChatCompletionMessageParamUnion{
				OfAssistant: &sdk.ChatCompletionAssistantMessageParam{
					Content:   sdk.ChatCompletionAssistantMessageParamContentUnion{OfString: sdk.String(m.Text)},
					ToolCalls: calls,
				},
			})
		}
	}
	return out
}

func encodeOpenAITools(defs []ToolDefinition) []sdk.ChatCompletionToolParam {
	if len(defs) == 0 {
		return nil
	}
	out := make([]sdk.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		var params map[string]any
		if len(def.InputSchema) > 0 {
			_ = json.Unmarshal(def.InputSchema, &params)
		}
		out = append(out, sdk.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        def.Name,
				Description: sdk.String(def.Description),
				Parameters:  shared.FunctionParameters(params),
			},
		})
	}
	return out
}

func translateOpenAIErr(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 {
			return errors.Join(ErrRateLimited, err)
		}
		if apiErr.StatusCode >= 500 {
			return Transient(err)
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient(err)
	}
	return err
}

// openaiStreamer adapts an OpenAI chat-completion-chunk SSE stream into
// Chunks, buffering each tool call's argument fragments by index until
// the stream reports finish_reason (OpenAI does not emit a discrete
// "block stop" event the way Anthropic does).
type openaiStreamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.ChatCompletionChunk]

	toolCalls map[int64]*openaiToolBuffer
	toolOrder []int64
	pending   []Chunk
}

type openaiToolBuffer struct {
	id   string
	name string
	args string
}

func newOpenAIStreamer(ctx context.Context, stream *ssestream.Stream[sdk.ChatCompletionChunk]) *openaiStreamer {
	cctx, cancel := context.WithCancel(ctx)
	return &openaiStreamer{
		ctx:       cctx,
		cancel:    cancel,
		stream:    stream,
		toolCalls: make(map[int64]*openaiToolBuffer),
	}
}

func (s *openaiStreamer) Recv() (Chunk, error) {
	for {
		if len(s.pending) > 0 {
			c := s.pending[0]
			s.pending = s.pending[1:]
			return c, nil
		}
		select {
		case <-s.ctx.Done():
			return Chunk{}, s.ctx.Err()
		default:
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				return Chunk{}, translateOpenAIErr(err)
			}
			return Chunk{}, io.EOF
		}
		s.handle(s.stream.Current())
	}
}

func (s *openaiStreamer) handle(chunk sdk.ChatCompletionChunk) {
	if len(chunk.Choices) == 0 {
		return
	}
	choice := chunk.Choices[0]

	if choice.Delta.Content != "" {
		s.pending = append(s.pending, Chunk{Type: ChunkText, TextDelta: choice.Delta.Content})
	}

	for _, tc := range choice.Delta.ToolCalls {
		idx := tc.Index
		tb, ok := s.toolCalls[idx]
		if !ok {
			tb = &openaiToolBuffer{}
			s.toolCalls[idx] = tb
			s.toolOrder = append(s.toolOrder, idx)
		}
		if tc.ID != "" {
			tb.id = tc.ID
		}
		if tc.Function.Name != "" {
			tb.name = tc.Function.Name
		}
		tb.args += tc.Function.Arguments
	}

	if choice.FinishReason == "" {
		return
	}

	for _, idx := range s.toolOrder {
		tb := s.toolCalls[idx]
		args := tb.args
		if args == "" {
			args = "{}"
		}
		s.pending = append(s.pending, Chunk{
			Type:     ChunkToolCall,
			ToolCall: &ToolCall{ID: tb.id, Name: tb.name, Input: json.RawMessage(args)},
		})
	}
	s.toolCalls = make(map[int64]*openaiToolBuffer)
	s.toolOrder = nil

	s.pending = append(s.pending, Chunk{Type: ChunkFinish, StopReason: string(choice.FinishReason)})
}

func (s *openaiStreamer) Close() error {
	s.cancel()
	return s.stream.Close()
}
