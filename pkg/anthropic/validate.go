package anthropic

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Validation limits for incoming requests.
const (
	MaxMessages       = 500
	MaxTextBytes      = 2 * 1024 * 1024
	MaxImageBytes     = 10 * 1024 * 1024
	MaxToolNameLen    = 256
	MaxTools          = 100
	MaxTokensCeiling  = 200000
	DefaultMaxTokens  = 8192
	MaxNestingDepth   = 50
	MinThinkingBudget = 1000
	MaxThinkingBudget = 100000
)

var toolNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

var allowedImageMediaTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// pollutionKeys are rejected anywhere in a decoded request body.
var pollutionKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// ValidationError is a request rejection with a human-readable message.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(format string, args ...interface{}) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ScanBody decodes a raw request body and rejects prototype-pollution keys
// and nesting deeper than MaxNestingDepth before any field is interpreted.
func ScanBody(raw []byte) error {
	var body interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return invalid("Request body is not valid JSON")
	}
	return scanValue(body, 0)
}

func scanValue(v interface{}, depth int) error {
	if depth > MaxNestingDepth {
		return invalid("Request nesting exceeds maximum depth of %d", MaxNestingDepth)
	}
	switch val := v.(type) {
	case map[string]interface{}:
		for key, inner := range val {
			if pollutionKeys[key] {
				return invalid("Prototype pollution attempt detected")
			}
			if err := scanValue(inner, depth+1); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, inner := range val {
			if err := scanValue(inner, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// Validate checks a decoded request against the schema limits and applies
// defaults: stream defaults to false (zero value) and max_tokens is clamped
// to DefaultMaxTokens.
func Validate(req *MessagesRequest) error {
	if len(req.Messages) == 0 {
		return invalid("messages must be a non-empty array")
	}
	if len(req.Messages) > MaxMessages {
		return invalid("messages exceeds maximum of %d entries", MaxMessages)
	}

	toolUseIDs := make(map[string]bool)
	for i, msg := range req.Messages {
		if msg.Role != "user" && msg.Role != "assistant" {
			return invalid("messages[%d].role must be user or assistant", i)
		}
		for j, block := range msg.Content {
			if err := validateBlock(i, j, block, toolUseIDs); err != nil {
				return err
			}
		}
	}

	if req.MaxTokens < 1 || req.MaxTokens > MaxTokensCeiling {
		return invalid("max_tokens must be between 1 and %d", MaxTokensCeiling)
	}
	if req.MaxTokens > DefaultMaxTokens {
		req.MaxTokens = DefaultMaxTokens
	}

	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return invalid("temperature must be between 0 and 2")
	}
	if req.TopP != nil && (*req.TopP < 0 || *req.TopP > 1) {
		return invalid("top_p must be between 0 and 1")
	}
	if req.TopK != nil && (*req.TopK < 1 || *req.TopK > 500) {
		return invalid("top_k must be between 1 and 500")
	}

	if len(req.Tools) > MaxTools {
		return invalid("tools exceeds maximum of %d entries", MaxTools)
	}
	for _, tool := range req.Tools {
		if tool.Name == "" || len(tool.Name) > MaxToolNameLen || !toolNameRe.MatchString(tool.Name) {
			return invalid("tool name %q is invalid", tool.Name)
		}
	}

	if req.Thinking != nil {
		if req.Thinking.BudgetTokens < MinThinkingBudget || req.Thinking.BudgetTokens > MaxThinkingBudget {
			return invalid("thinking.budget_tokens must be between %d and %d", MinThinkingBudget, MaxThinkingBudget)
		}
	}

	return nil
}

func validateBlock(msgIdx, blockIdx int, block ContentBlock, toolUseIDs map[string]bool) error {
	switch block.Type {
	case BlockTypeText:
		if len(block.Text) > MaxTextBytes {
			return invalid("messages[%d].content[%d]: text exceeds %d bytes", msgIdx, blockIdx, MaxTextBytes)
		}
	case BlockTypeImage:
		if block.Source == nil {
			return invalid("messages[%d].content[%d]: image block requires a source", msgIdx, blockIdx)
		}
		if !allowedImageMediaTypes[block.Source.MediaType] {
			return invalid("messages[%d].content[%d]: unsupported image media_type %q", msgIdx, blockIdx, block.Source.MediaType)
		}
		if len(block.Source.Data) > MaxImageBytes {
			return invalid("messages[%d].content[%d]: image exceeds %d bytes", msgIdx, blockIdx, MaxImageBytes)
		}
	case BlockTypeToolUse:
		if block.ID == "" {
			return invalid("messages[%d].content[%d]: tool_use block requires an id", msgIdx, blockIdx)
		}
		if block.Name == "" || len(block.Name) > MaxToolNameLen || !toolNameRe.MatchString(block.Name) {
			return invalid("messages[%d].content[%d]: tool_use name %q is invalid", msgIdx, blockIdx, block.Name)
		}
		toolUseIDs[block.ID] = true
	case BlockTypeToolResult:
		if block.ToolUseID == "" {
			return invalid("messages[%d].content[%d]: tool_result requires tool_use_id", msgIdx, blockIdx)
		}
		if !toolUseIDs[block.ToolUseID] {
			return invalid("messages[%d].content[%d]: tool_result references unknown tool_use_id %q", msgIdx, blockIdx, block.ToolUseID)
		}
	default:
		// Unknown block types pass through opaquely.
	}
	return nil
}
