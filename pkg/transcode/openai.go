// Package transcode converts requests and streaming events between the
// Anthropic Messages shape and the OpenAI / Cloud-Code vendor shapes. All
// conversions are pure; streaming state lives in small per-request state
// machines.
package transcode

import (
	"encoding/json"
	"strings"

	"github.com/antigravityproxy/gateway/pkg/anthropic"
)

// ============================================================================
// OPENAI CHAT COMPLETIONS WIRE TYPES
// ============================================================================

type OpenAIRequest struct {
	Model       string          `json:"model"`
	Messages    []OpenAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       []OpenAITool    `json:"tools,omitempty"`
	ToolChoice  interface{}     `json:"tool_choice,omitempty"`
}

type OpenAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []OpenAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type OpenAITool struct {
	Type     string             `json:"type"`
	Function OpenAIToolFunction `json:"function"`
}

type OpenAIToolFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type OpenAIToolCall struct {
	Index    *int               `json:"index,omitempty"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function OpenAIFunctionCall `json:"function"`
}

type OpenAIFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type OpenAIResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []OpenAIChoice `json:"choices"`
	Usage   *OpenAIUsage   `json:"usage,omitempty"`
}

type OpenAIChoice struct {
	Message      OpenAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type OpenAIStreamResponse struct {
	Choices []OpenAIStreamChoice `json:"choices"`
	Usage   *OpenAIUsage         `json:"usage,omitempty"`
}

type OpenAIStreamChoice struct {
	Delta        OpenAIDelta `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type OpenAIDelta struct {
	Content   string           `json:"content,omitempty"`
	ToolCalls []OpenAIToolCall `json:"tool_calls,omitempty"`
}

type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ============================================================================
// REQUEST CONVERSION
// ============================================================================

// ToOpenAIRequest converts an Anthropic request to Chat Completions shape.
// Tool-call IDs carry over unchanged so tool_result references stay valid.
func ToOpenAIRequest(req *anthropic.MessagesRequest) OpenAIRequest {
	out := OpenAIRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}

	if system := req.System.Text(); system != "" {
		out.Messages = append(out.Messages, OpenAIMessage{Role: "system", Content: system})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "assistant":
			out.Messages = append(out.Messages, assistantToOpenAI(msg))
		default:
			out.Messages = append(out.Messages, userToOpenAI(msg)...)
		}
	}

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, OpenAITool{
			Type: "function",
			Function: OpenAIToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}

	if req.ToolChoice != nil {
		switch req.ToolChoice.Type {
		case "auto":
			out.ToolChoice = "auto"
		case "any":
			out.ToolChoice = "required"
		case "tool":
			out.ToolChoice = map[string]interface{}{
				"type":     "function",
				"function": map[string]interface{}{"name": req.ToolChoice.Name},
			}
		}
	}

	return out
}

func assistantToOpenAI(msg anthropic.Message) OpenAIMessage {
	var texts []string
	var toolCalls []OpenAIToolCall

	for _, block := range msg.Content {
		switch block.Type {
		case anthropic.BlockTypeText:
			texts = append(texts, block.Text)
		case anthropic.BlockTypeToolUse:
			args := string(block.Input)
			if args == "" {
				args = "{}"
			}
			toolCalls = append(toolCalls, OpenAIToolCall{
				ID:   block.ID,
				Type: "function",
				Function: OpenAIFunctionCall{
					Name:      block.Name,
					Arguments: args,
				},
			})
		}
	}

	return OpenAIMessage{
		Role:      "assistant",
		Content:   strings.Join(texts, ""),
		ToolCalls: toolCalls,
	}
}

// userToOpenAI fans a user message out into OpenAI messages: text parts
// become one user message, and each tool_result becomes a tool message
// carrying its tool_call_id.
func userToOpenAI(msg anthropic.Message) []OpenAIMessage {
	var texts []string
	var toolResults []OpenAIMessage

	for _, block := range msg.Content {
		switch block.Type {
		case anthropic.BlockTypeText:
			texts = append(texts, block.Text)
		case anthropic.BlockTypeToolResult:
			toolResults = append(toolResults, OpenAIMessage{
				Role:       "tool",
				Content:    block.ToolResultText(),
				ToolCallID: block.ToolUseID,
			})
		}
	}

	var out []OpenAIMessage
	if len(texts) > 0 || len(toolResults) == 0 {
		out = append(out, OpenAIMessage{Role: "user", Content: strings.Join(texts, "")})
	}
	return append(out, toolResults...)
}

// ============================================================================
// RESPONSE CONVERSION
// ============================================================================

// FromOpenAIResponse wraps a non-streaming Chat Completions response in an
// Anthropic message. Usage is zeroed; the local endpoint's counts are not
// comparable to upstream token accounting.
func FromOpenAIResponse(model string, resp *OpenAIResponse) *anthropic.MessageResponse {
	msg := anthropic.NewMessage(model)
	msg.StopReason = "end_turn"

	if len(resp.Choices) == 0 {
		return msg
	}
	choice := resp.Choices[0]

	if choice.Message.Content != "" {
		msg.Content = append(msg.Content, anthropic.ContentBlock{
			Type: anthropic.BlockTypeText,
			Text: choice.Message.Content,
		})
	}
	for _, tc := range choice.Message.ToolCalls {
		input := json.RawMessage(tc.Function.Arguments)
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		msg.Content = append(msg.Content, anthropic.ContentBlock{
			Type:  anthropic.BlockTypeToolUse,
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
		msg.StopReason = "tool_use"
	}

	return msg
}

// ============================================================================
// STREAM CONVERSION
// ============================================================================

// OpenAIStream maps Chat Completions stream deltas onto Anthropic events.
// Block indexes are allocated in arrival order; a content_block_start is
// always emitted before the first delta at an index.
type OpenAIStream struct {
	model     string
	nextIndex int

	textIndex int
	toolIndex map[int]int // openai tool_call index -> anthropic block index
	lastTool  int
	open      []int
	sawTool   bool
}

// NewOpenAIStream returns a stream state for one request.
func NewOpenAIStream(model string) *OpenAIStream {
	return &OpenAIStream{
		model:     model,
		textIndex: -1,
		toolIndex: make(map[int]int),
		lastTool:  -1,
	}
}

// Start opens the Anthropic stream.
func (s *OpenAIStream) Start() anthropic.StreamEvent {
	return anthropic.MessageStart(s.model)
}

// Next translates one upstream stream chunk. Returns nil when the chunk
// carries nothing representable.
func (s *OpenAIStream) Next(chunk *OpenAIStreamResponse) []anthropic.StreamEvent {
	if len(chunk.Choices) == 0 {
		return nil
	}
	delta := chunk.Choices[0].Delta

	var events []anthropic.StreamEvent

	if delta.Content != "" {
		if s.textIndex < 0 {
			s.textIndex = s.allocIndex()
			events = append(events, anthropic.ContentBlockStart(s.textIndex, anthropic.ContentBlock{
				Type: anthropic.BlockTypeText,
			}))
		}
		events = append(events, anthropic.TextDelta(s.textIndex, delta.Content))
	}

	for _, tc := range delta.ToolCalls {
		key := s.lastTool
		if tc.Index != nil {
			key = *tc.Index
		} else if tc.ID != "" {
			key = len(s.toolIndex)
		}

		if tc.ID != "" {
			blockIdx := s.allocIndex()
			s.toolIndex[key] = blockIdx
			s.lastTool = key
			s.sawTool = true
			events = append(events, anthropic.ContentBlockStart(blockIdx, anthropic.ContentBlock{
				Type:  anthropic.BlockTypeToolUse,
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: json.RawMessage("{}"),
			}))
		}

		if tc.Function.Arguments != "" {
			if blockIdx, ok := s.toolIndex[key]; ok {
				events = append(events, anthropic.InputJSONDelta(blockIdx, tc.Function.Arguments))
			}
		}
	}

	return events
}

// Finish closes all open blocks and terminates the stream.
func (s *OpenAIStream) Finish() []anthropic.StreamEvent {
	var events []anthropic.StreamEvent
	for _, index := range s.open {
		events = append(events, anthropic.ContentBlockStop(index))
	}
	s.open = nil

	stopReason := "end_turn"
	if s.sawTool {
		stopReason = "tool_use"
	}
	events = append(events, anthropic.MessageDelta(stopReason, &anthropic.Usage{}))
	return append(events, anthropic.MessageStop())
}

// SawContent reports whether any content block was opened.
func (s *OpenAIStream) SawContent() bool {
	return s.nextIndex > 0
}

func (s *OpenAIStream) allocIndex() int {
	index := s.nextIndex
	s.nextIndex++
	s.open = append(s.open, index)
	return index
}
