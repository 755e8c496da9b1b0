package anthropic

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlocks_StringShorthand(t *testing.T) {
	var msg Message
	require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":"hello"}`), &msg))
	require.Len(t, msg.Content, 1)
	assert.Equal(t, BlockTypeText, msg.Content[0].Type)
	assert.Equal(t, "hello", msg.Content[0].Text)
}

func TestBlocks_Array(t *testing.T) {
	var msg Message
	body := `{"role":"user","content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}`
	require.NoError(t, json.Unmarshal([]byte(body), &msg))
	require.Len(t, msg.Content, 2)
	assert.Equal(t, "b", msg.Content[1].Text)
}

func TestSystemPrompt(t *testing.T) {
	var req MessagesRequest
	require.NoError(t, json.Unmarshal([]byte(`{"model":"m","system":"be brief","messages":[]}`), &req))
	assert.Equal(t, "be brief", req.System.Text())

	require.NoError(t, json.Unmarshal([]byte(
		`{"model":"m","system":[{"type":"text","text":"one"},{"type":"text","text":"two"}],"messages":[]}`), &req))
	assert.Equal(t, "one\n\ntwo", req.System.Text())
}

func TestContentBlock_UnknownTypeRoundTrip(t *testing.T) {
	raw := `{"type":"web_search_result","url":"https://example.com","rank":3}`
	var block ContentBlock
	require.NoError(t, json.Unmarshal([]byte(raw), &block))
	assert.Equal(t, "web_search_result", block.Type)

	out, err := json.Marshal(block)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out), "unknown blocks must pass through unchanged")
}

func TestContentBlock_ThinkingSignaturePreserved(t *testing.T) {
	raw := `{"type":"thinking","thinking":"let me see","signature":"sig==ABC/123"}`
	var block ContentBlock
	require.NoError(t, json.Unmarshal([]byte(raw), &block))
	assert.Equal(t, "sig==ABC/123", block.Signature)

	out, err := json.Marshal(block)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))
}

func TestToolResultText(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"string", `"it worked"`, "it worked"},
		{"text blocks", `[{"type":"text","text":"line1"},{"type":"text","text":"line2"}]`, "line1\nline2"},
		{"object", `{"ok":true}`, `{"ok":true}`},
		{"empty", ``, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			block := ContentBlock{Type: BlockTypeToolResult, Content: json.RawMessage(tt.content)}
			assert.Equal(t, tt.want, block.ToolResultText())
		})
	}
}

func TestNewMessage(t *testing.T) {
	msg := NewMessage("claude-sonnet-4-5")
	assert.True(t, strings.HasPrefix(msg.ID, "msg_"))
	assert.NotContains(t, msg.ID, "-")
	assert.Equal(t, "assistant", msg.Role)
	assert.Equal(t, "message", msg.Type)
	assert.NotNil(t, msg.Content)
}

func TestTextMessageEvents_Framing(t *testing.T) {
	events := TextMessageEvents("m", "hello")
	require.Len(t, events, 6)
	assert.Equal(t, EventMessageStart, events[0].Type)
	assert.Equal(t, EventContentBlockStart, events[1].Type)
	assert.Equal(t, EventContentBlockDelta, events[2].Type)
	assert.Equal(t, "hello", events[2].Delta.Text)
	assert.Equal(t, EventContentBlockStop, events[3].Type)
	assert.Equal(t, EventMessageDelta, events[4].Type)
	assert.Equal(t, EventMessageStop, events[5].Type)
}
