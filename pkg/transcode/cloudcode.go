package transcode

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/antigravityproxy/gateway/pkg/anthropic"
)

// ============================================================================
// CLOUD-CODE PROTO-JSON WIRE TYPES
// Request envelope for <base>/v1internal:streamGenerateContent?alt=sse
// ============================================================================

type CloudCodeRequest struct {
	Model   string         `json:"model"`
	Project string         `json:"project,omitempty"`
	Request CloudCodeInner `json:"request"`
}

type CloudCodeInner struct {
	Contents          []CloudContent         `json:"contents"`
	SystemInstruction *CloudContent          `json:"systemInstruction,omitempty"`
	Tools             []CloudToolSet         `json:"tools,omitempty"`
	ToolConfig        *CloudToolConfig       `json:"toolConfig,omitempty"`
	GenerationConfig  *CloudGenerationConfig `json:"generationConfig,omitempty"`
}

type CloudContent struct {
	Role  string      `json:"role,omitempty"`
	Parts []CloudPart `json:"parts"`
}

// CloudPart is one content part. Thought parts carry an opaque signature
// that must survive the round trip byte-exact.
type CloudPart struct {
	Text             string                 `json:"text,omitempty"`
	Thought          bool                   `json:"thought,omitempty"`
	ThoughtSignature string                 `json:"thoughtSignature,omitempty"`
	FunctionCall     *CloudFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *CloudFunctionResponse `json:"functionResponse,omitempty"`
	InlineData       *CloudBlob             `json:"inlineData,omitempty"`
}

type CloudFunctionCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type CloudFunctionResponse struct {
	ID       string                 `json:"id,omitempty"`
	Name     string                 `json:"name,omitempty"`
	Response map[string]interface{} `json:"response"`
}

type CloudBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type CloudToolSet struct {
	FunctionDeclarations []CloudFunctionDeclaration `json:"functionDeclarations,omitempty"`
}

type CloudFunctionDeclaration struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type CloudToolConfig struct {
	FunctionCallingConfig *CloudFunctionCallingConfig `json:"functionCallingConfig,omitempty"`
}

type CloudFunctionCallingConfig struct {
	Mode                 string   `json:"mode"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type CloudGenerationConfig struct {
	Temperature     *float64             `json:"temperature,omitempty"`
	TopP            *float64             `json:"topP,omitempty"`
	TopK            *int                 `json:"topK,omitempty"`
	MaxOutputTokens int                  `json:"maxOutputTokens,omitempty"`
	ThinkingConfig  *CloudThinkingConfig `json:"thinkingConfig,omitempty"`
}

type CloudThinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts"`
	ThinkingBudget  int  `json:"thinkingBudget,omitempty"`
}

// Response frames arrive wrapped in {"response": {...}} on the SSE stream.
type CloudCodeResponse struct {
	Response *CloudInnerResponse `json:"response,omitempty"`
	Error    *CloudError         `json:"error,omitempty"`
}

type CloudInnerResponse struct {
	Candidates    []CloudCandidate `json:"candidates,omitempty"`
	UsageMetadata *CloudUsage      `json:"usageMetadata,omitempty"`
}

type CloudCandidate struct {
	Content      CloudContent `json:"content"`
	FinishReason string       `json:"finishReason,omitempty"`
}

type CloudUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	ThoughtsTokenCount   int `json:"thoughtsTokenCount"`
}

type CloudError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Status  string          `json:"status"`
	Details json.RawMessage `json:"details,omitempty"`
}

// ============================================================================
// REQUEST CONVERSION
// ============================================================================

// ToCloudCode wraps an Anthropic request in the Cloud-Code envelope.
// Thinking blocks and their signatures pass through unchanged so follow-up
// requests remain valid cross-model.
func ToCloudCode(req *anthropic.MessagesRequest, projectID string) CloudCodeRequest {
	inner := CloudCodeInner{}

	if system := req.System.Text(); system != "" {
		inner.SystemInstruction = &CloudContent{Parts: []CloudPart{{Text: system}}}
	}

	// tool_use id -> name, so functionResponse parts can name their function
	toolNames := make(map[string]string)

	for _, msg := range req.Messages {
		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}

		var parts []CloudPart
		for _, block := range msg.Content {
			switch block.Type {
			case anthropic.BlockTypeText:
				parts = append(parts, CloudPart{Text: block.Text})
			case anthropic.BlockTypeThinking:
				parts = append(parts, CloudPart{
					Text:             block.Thinking,
					Thought:          true,
					ThoughtSignature: block.Signature,
				})
			case anthropic.BlockTypeRedactedThinking:
				parts = append(parts, CloudPart{
					Thought:          true,
					ThoughtSignature: block.Data,
				})
			case anthropic.BlockTypeToolUse:
				toolNames[block.ID] = block.Name
				parts = append(parts, CloudPart{FunctionCall: &CloudFunctionCall{
					ID:   block.ID,
					Name: block.Name,
					Args: block.Input,
				}})
			case anthropic.BlockTypeToolResult:
				parts = append(parts, CloudPart{FunctionResponse: &CloudFunctionResponse{
					ID:   block.ToolUseID,
					Name: toolNames[block.ToolUseID],
					Response: map[string]interface{}{
						"output": block.ToolResultText(),
					},
				}})
			case anthropic.BlockTypeImage:
				if block.Source != nil {
					parts = append(parts, CloudPart{InlineData: &CloudBlob{
						MimeType: block.Source.MediaType,
						Data:     block.Source.Data,
					}})
				}
			}
		}
		if len(parts) == 0 {
			continue
		}
		inner.Contents = append(inner.Contents, CloudContent{Role: role, Parts: parts})
	}

	if len(req.Tools) > 0 {
		set := CloudToolSet{}
		for _, tool := range req.Tools {
			set.FunctionDeclarations = append(set.FunctionDeclarations, CloudFunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			})
		}
		inner.Tools = []CloudToolSet{set}
	}

	if req.ToolChoice != nil {
		cfg := &CloudFunctionCallingConfig{Mode: "AUTO"}
		switch req.ToolChoice.Type {
		case "any":
			cfg.Mode = "ANY"
		case "tool":
			cfg.Mode = "ANY"
			cfg.AllowedFunctionNames = []string{req.ToolChoice.Name}
		}
		inner.ToolConfig = &CloudToolConfig{FunctionCallingConfig: cfg}
	}

	gen := &CloudGenerationConfig{
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		TopK:            req.TopK,
		MaxOutputTokens: req.MaxTokens,
	}
	if req.Thinking != nil {
		gen.ThinkingConfig = &CloudThinkingConfig{
			IncludeThoughts: true,
			ThinkingBudget:  req.Thinking.BudgetTokens,
		}
	}
	inner.GenerationConfig = gen

	return CloudCodeRequest{
		Model:   req.Model,
		Project: projectID,
		Request: inner,
	}
}

func mapFinishReason(finishReason string, sawTool bool) string {
	switch finishReason {
	case "MAX_TOKENS":
		return "max_tokens"
	case "STOP", "":
		if sawTool {
			return "tool_use"
		}
		return "end_turn"
	default:
		if sawTool {
			return "tool_use"
		}
		return "end_turn"
	}
}

func toolCallID(fc *CloudFunctionCall) string {
	if fc.ID != "" {
		return fc.ID
	}
	return fmt.Sprintf("toolu_%s", strings.ReplaceAll(uuid.New().String(), "-", ""))
}

// FromCloudCode converts a non-streaming Cloud-Code response into a complete
// Anthropic message.
func FromCloudCode(model string, resp *CloudInnerResponse) *anthropic.MessageResponse {
	msg := anthropic.NewMessage(model)

	var sawTool bool
	finishReason := ""
	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		finishReason = cand.FinishReason
		for _, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				sawTool = true
				input := part.FunctionCall.Args
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				msg.Content = append(msg.Content, anthropic.ContentBlock{
					Type:  anthropic.BlockTypeToolUse,
					ID:    toolCallID(part.FunctionCall),
					Name:  part.FunctionCall.Name,
					Input: input,
				})
			case part.Thought:
				msg.Content = append(msg.Content, anthropic.ContentBlock{
					Type:      anthropic.BlockTypeThinking,
					Thinking:  part.Text,
					Signature: part.ThoughtSignature,
				})
			case part.Text != "":
				msg.Content = append(msg.Content, anthropic.ContentBlock{
					Type: anthropic.BlockTypeText,
					Text: part.Text,
				})
			}
		}
	}

	msg.StopReason = mapFinishReason(finishReason, sawTool)
	if resp.UsageMetadata != nil {
		msg.Usage = anthropic.Usage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
		}
	}
	return msg
}

// ============================================================================
// STREAM CONVERSION
// ============================================================================

// blockKind tracks the open streaming block.
type blockKind int

const (
	blockNone blockKind = iota
	blockText
	blockThinking
)

// CloudStream maps Cloud-Code SSE frames onto Anthropic events 1:1.
type CloudStream struct {
	model     string
	nextIndex int
	current   blockKind
	curIndex  int
	sawTool   bool
	usage     anthropic.Usage
	finish    string
}

// NewCloudStream returns a stream state for one request.
func NewCloudStream(model string) *CloudStream {
	return &CloudStream{model: model, current: blockNone}
}

// Start opens the Anthropic stream.
func (s *CloudStream) Start() anthropic.StreamEvent {
	return anthropic.MessageStart(s.model)
}

// Next translates one upstream SSE frame into zero or more events.
func (s *CloudStream) Next(frame *CloudCodeResponse) []anthropic.StreamEvent {
	if frame.Response == nil {
		return nil
	}

	var events []anthropic.StreamEvent

	if frame.Response.UsageMetadata != nil {
		s.usage = anthropic.Usage{
			InputTokens:  frame.Response.UsageMetadata.PromptTokenCount,
			OutputTokens: frame.Response.UsageMetadata.CandidatesTokenCount,
		}
	}

	if len(frame.Response.Candidates) == 0 {
		return nil
	}
	cand := frame.Response.Candidates[0]
	if cand.FinishReason != "" {
		s.finish = cand.FinishReason
	}

	for _, part := range cand.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			events = append(events, s.closeCurrent()...)
			index := s.nextIndex
			s.nextIndex++
			s.sawTool = true

			input := part.FunctionCall.Args
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			events = append(events,
				anthropic.ContentBlockStart(index, anthropic.ContentBlock{
					Type:  anthropic.BlockTypeToolUse,
					ID:    toolCallID(part.FunctionCall),
					Name:  part.FunctionCall.Name,
					Input: json.RawMessage("{}"),
				}),
				anthropic.InputJSONDelta(index, string(input)),
				anthropic.ContentBlockStop(index),
			)

		case part.Thought:
			if s.current != blockThinking {
				events = append(events, s.closeCurrent()...)
				s.curIndex = s.nextIndex
				s.nextIndex++
				s.current = blockThinking
				events = append(events, anthropic.ContentBlockStart(s.curIndex, anthropic.ContentBlock{
					Type: anthropic.BlockTypeThinking,
				}))
			}
			if part.Text != "" {
				events = append(events, anthropic.ThinkingDelta(s.curIndex, part.Text))
			}
			if part.ThoughtSignature != "" {
				events = append(events, anthropic.SignatureDelta(s.curIndex, part.ThoughtSignature))
			}

		case part.Text != "":
			if s.current != blockText {
				events = append(events, s.closeCurrent()...)
				s.curIndex = s.nextIndex
				s.nextIndex++
				s.current = blockText
				events = append(events, anthropic.ContentBlockStart(s.curIndex, anthropic.ContentBlock{
					Type: anthropic.BlockTypeText,
				}))
			}
			events = append(events, anthropic.TextDelta(s.curIndex, part.Text))
		}
	}

	return events
}

// Finish closes any open block and terminates the stream.
func (s *CloudStream) Finish() []anthropic.StreamEvent {
	events := s.closeCurrent()
	events = append(events, anthropic.MessageDelta(mapFinishReason(s.finish, s.sawTool), &s.usage))
	return append(events, anthropic.MessageStop())
}

// SawContent reports whether any content block was opened; streams that end
// without content trigger the empty-response retry path.
func (s *CloudStream) SawContent() bool {
	return s.nextIndex > 0
}

func (s *CloudStream) closeCurrent() []anthropic.StreamEvent {
	if s.current == blockNone {
		return nil
	}
	index := s.curIndex
	s.current = blockNone
	return []anthropic.StreamEvent{anthropic.ContentBlockStop(index)}
}
