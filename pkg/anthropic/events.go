package anthropic

// Stream event type tags. A stream begins with message_start and terminates
// with message_stop or error.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventPing              = "ping"
	EventError             = "error"
)

// Delta type tags within content_block_delta.
const (
	DeltaTypeText      = "text_delta"
	DeltaTypeInputJSON = "input_json_delta"
	DeltaTypeThinking  = "thinking_delta"
	DeltaTypeSignature = "signature_delta"
)

// Delta is the payload of content_block_delta and message_delta events.
type Delta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	Signature   string `json:"signature,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// StreamEvent is one tagged event in an Anthropic SSE stream.
type StreamEvent struct {
	Type         string           `json:"type"`
	Message      *MessageResponse `json:"message,omitempty"`
	Index        *int             `json:"index,omitempty"`
	ContentBlock *ContentBlock    `json:"content_block,omitempty"`
	Delta        *Delta           `json:"delta,omitempty"`
	Usage        *Usage           `json:"usage,omitempty"`
	Error        *APIError        `json:"error,omitempty"`
}

func idx(i int) *int { return &i }

// MessageStart opens a stream with an empty assistant message envelope.
func MessageStart(model string) StreamEvent {
	return StreamEvent{Type: EventMessageStart, Message: NewMessage(model)}
}

// ContentBlockStart opens the content block at index.
func ContentBlockStart(index int, block ContentBlock) StreamEvent {
	return StreamEvent{Type: EventContentBlockStart, Index: idx(index), ContentBlock: &block}
}

// TextDelta appends text to the block at index.
func TextDelta(index int, text string) StreamEvent {
	return StreamEvent{Type: EventContentBlockDelta, Index: idx(index), Delta: &Delta{Type: DeltaTypeText, Text: text}}
}

// InputJSONDelta appends a partial JSON fragment to the tool_use block at index.
func InputJSONDelta(index int, partial string) StreamEvent {
	return StreamEvent{Type: EventContentBlockDelta, Index: idx(index), Delta: &Delta{Type: DeltaTypeInputJSON, PartialJSON: partial}}
}

// ThinkingDelta appends reasoning text to the thinking block at index.
func ThinkingDelta(index int, text string) StreamEvent {
	return StreamEvent{Type: EventContentBlockDelta, Index: idx(index), Delta: &Delta{Type: DeltaTypeThinking, Thinking: text}}
}

// SignatureDelta carries the opaque thinking signature for the block at index.
func SignatureDelta(index int, signature string) StreamEvent {
	return StreamEvent{Type: EventContentBlockDelta, Index: idx(index), Delta: &Delta{Type: DeltaTypeSignature, Signature: signature}}
}

// ContentBlockStop closes the block at index.
func ContentBlockStop(index int) StreamEvent {
	return StreamEvent{Type: EventContentBlockStop, Index: idx(index)}
}

// MessageDelta reports the stop reason and final usage.
func MessageDelta(stopReason string, usage *Usage) StreamEvent {
	return StreamEvent{Type: EventMessageDelta, Delta: &Delta{StopReason: stopReason}, Usage: usage}
}

// MessageStop terminates a stream normally.
func MessageStop() StreamEvent {
	return StreamEvent{Type: EventMessageStop}
}

// ErrorEvent terminates a stream with an error frame.
func ErrorEvent(errType, message string) StreamEvent {
	return StreamEvent{Type: EventError, Error: &APIError{Type: errType, Message: message}}
}

// TextMessageEvents frames a complete single-text assistant message as a
// well-formed event sequence.
func TextMessageEvents(model, text string) []StreamEvent {
	return []StreamEvent{
		MessageStart(model),
		ContentBlockStart(0, ContentBlock{Type: BlockTypeText}),
		TextDelta(0, text),
		ContentBlockStop(0),
		MessageDelta("end_turn", &Usage{}),
		MessageStop(),
	}
}
