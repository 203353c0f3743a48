package llm

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDecoder feeds a fixed sequence of SSE events to an ssestream.Stream
// without touching the network (grounded on the teacher's
// features/model/anthropic/stream_test.go testDecoder).
type testDecoder struct {
	events []ssestream.Event
	i      int
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }
func (d *testDecoder) Next() bool {
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}
func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return nil }

func mustEvent(t *testing.T, typ string, body string) ssestream.Event {
	t.Helper()
	var ev sdk.MessageStreamEventUnion
	require.NoError(t, json.Unmarshal([]byte(body), &ev))
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	return ssestream.Event{Type: typ, Data: data}
}

func TestAnthropicStreamerEmitsTextAndToolCall(t *testing.T) {
	events := []ssestream.Event{
		mustEvent(t, "content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"t1","name":"delegate"}}`),
		mustEvent(t, "content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hello"}}`),
		mustEvent(t, "content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"recipients\":[\"pm\"]}"}}`),
		mustEvent(t, "content_block_stop", `{"type":"content_block_stop","index":1}`),
		mustEvent(t, "message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":3}}`),
		mustEvent(t, "message_stop", `{"type":"message_stop"}`),
	}
	dec := &testDecoder{events: events}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)
	s := newAnthropicStreamer(context.Background(), stream)
	defer s.Close()

	var chunks []Chunk
	for {
		c, err := s.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		chunks = append(chunks, c)
	}

	var sawText, sawTool, sawFinish bool
	for _, c := range chunks {
		switch c.Type {
		case ChunkText:
			sawText = true
			assert.Equal(t, "hello", c.TextDelta)
		case ChunkToolCall:
			sawTool = true
			require.NotNil(t, c.ToolCall)
			assert.Equal(t, "delegate", c.ToolCall.Name)
			assert.JSONEq(t, `{"recipients":["pm"]}`, string(c.ToolCall.Input))
		case ChunkFinish:
			sawFinish = true
			assert.Equal(t, "tool_use", c.StopReason)
		}
	}
	assert.True(t, sawText, "expected a text chunk")
	assert.True(t, sawTool, "expected a tool_call chunk")
	assert.True(t, sawFinish, "expected a finish chunk")
}

func TestEncodeAnthropicMessagesSeparatesSystemFromTurns(t *testing.T) {
	msgs := []Message{
		{Role: RoleSystem, Text: "you are a helpful agent"},
		{Role: RoleUser, Text: "hello"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "t1", Name: "delegate", Input: json.RawMessage(`{"x":1}`)}}},
		{Role: RoleUser, ToolResults: []ToolResult{{ToolCallID: "t1", Content: "done"}}},
	}
	out, system := encodeAnthropicMessages(msgs)
	assert.Equal(t, "you are a helpful agent", system)
	require.Len(t, out, 3)
}
