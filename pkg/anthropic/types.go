// Package anthropic defines the Anthropic Messages wire types the gateway
// accepts and emits, plus request validation.
package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Content block type tags. Unknown tags are accepted and passed through
// opaquely so vendor additions survive the proxy.
const (
	BlockTypeText             = "text"
	BlockTypeImage            = "image"
	BlockTypeToolUse          = "tool_use"
	BlockTypeToolResult       = "tool_result"
	BlockTypeThinking         = "thinking"
	BlockTypeRedactedThinking = "redacted_thinking"
)

// MessagesRequest is a POST /v1/messages body.
type MessagesRequest struct {
	Model       string       `json:"model"`
	Messages    []Message    `json:"messages"`
	System      SystemPrompt `json:"system,omitempty"`
	MaxTokens   int          `json:"max_tokens"`
	Stream      bool         `json:"stream,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
	TopP        *float64     `json:"top_p,omitempty"`
	TopK        *int         `json:"top_k,omitempty"`
	Tools       []Tool       `json:"tools,omitempty"`
	ToolChoice  *ToolChoice  `json:"tool_choice,omitempty"`
	Thinking    *Thinking    `json:"thinking,omitempty"`
}

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content Blocks `json:"content"`
}

// Blocks is an ordered list of content blocks. It unmarshals from either a
// plain string (shorthand for a single text block) or an array of blocks.
type Blocks []ContentBlock

func (b *Blocks) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "\"") {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*b = Blocks{{Type: BlockTypeText, Text: s}}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*b = blocks
	return nil
}

// SystemPrompt unmarshals from either a string or an array of text blocks.
type SystemPrompt []ContentBlock

func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	var blocks Blocks
	if err := blocks.UnmarshalJSON(data); err != nil {
		return err
	}
	*s = SystemPrompt(blocks)
	return nil
}

// Text concatenates the text parts of the system prompt.
func (s SystemPrompt) Text() string {
	var parts []string
	for _, b := range s {
		if b.Type == BlockTypeText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// ImageSource carries base64 image data.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// ContentBlock is the tagged union of Anthropic content block shapes.
// Blocks with an unrecognized Type keep their original JSON and marshal
// back byte-identical.
type ContentBlock struct {
	Type string

	// text
	Text string

	// image
	Source *ImageSource

	// tool_use
	ID    string
	Name  string
	Input json.RawMessage

	// tool_result; Content is a string or nested blocks, kept raw
	ToolUseID string
	Content   json.RawMessage

	// thinking; Signature is an opaque vendor value preserved byte-exact
	Thinking  string
	Signature string

	// redacted_thinking
	Data string

	raw json.RawMessage
}

type contentBlockJSON struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Source    *ImageSource    `json:"source,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Signature string          `json:"signature,omitempty"`
	Data      string          `json:"data,omitempty"`
}

func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	var j contentBlockJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	*b = ContentBlock{
		Type:      j.Type,
		Text:      j.Text,
		Source:    j.Source,
		ID:        j.ID,
		Name:      j.Name,
		Input:     j.Input,
		ToolUseID: j.ToolUseID,
		Content:   j.Content,
		Thinking:  j.Thinking,
		Signature: j.Signature,
		Data:      j.Data,
	}
	b.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (b ContentBlock) MarshalJSON() ([]byte, error) {
	switch b.Type {
	case BlockTypeText, BlockTypeImage, BlockTypeToolUse, BlockTypeToolResult,
		BlockTypeThinking, BlockTypeRedactedThinking:
		return json.Marshal(contentBlockJSON{
			Type:      b.Type,
			Text:      b.Text,
			Source:    b.Source,
			ID:        b.ID,
			Name:      b.Name,
			Input:     b.Input,
			ToolUseID: b.ToolUseID,
			Content:   b.Content,
			Thinking:  b.Thinking,
			Signature: b.Signature,
			Data:      b.Data,
		})
	default:
		if b.raw != nil {
			return b.raw, nil
		}
		return json.Marshal(contentBlockJSON{Type: b.Type, Text: b.Text})
	}
}

// ToolResultText renders a tool_result content payload as a plain string,
// stringifying non-string content.
func (b ContentBlock) ToolResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err == nil {
		var parts []string
		for _, inner := range blocks {
			if inner.Type == BlockTypeText {
				parts = append(parts, inner.Text)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
	}
	return string(b.Content)
}

// Tool describes a callable tool.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// ToolChoice selects how the model may call tools: auto, any, or a named tool.
type ToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// Thinking enables extended reasoning with a token budget.
type Thinking struct {
	Type         string `json:"type,omitempty"`
	BudgetTokens int    `json:"budget_tokens"`
}

// Usage reports token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// MessageResponse is a complete assistant message.
type MessageResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model,omitempty"`
	Content      []ContentBlock `json:"content"`
	StopReason   string         `json:"stop_reason,omitempty"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// NewMessage returns an empty assistant message with a fresh id.
func NewMessage(model string) *MessageResponse {
	return &MessageResponse{
		ID:      fmt.Sprintf("msg_%s", strings.ReplaceAll(uuid.New().String(), "-", "")),
		Type:    "message",
		Role:    "assistant",
		Model:   model,
		Content: []ContentBlock{},
	}
}

// APIError is the wire error object.
type APIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ErrorResponse is the top-level error body.
type ErrorResponse struct {
	Type  string   `json:"type"`
	Error APIError `json:"error"`
}
