package chat

// DeltaKind tags one incremental unit of a streamed response. Every wire
// format's parser reduces to this same sequence.
type DeltaKind string

const (
	DeltaText              DeltaKind = "text"
	DeltaToolCallStart     DeltaKind = "tool_call_start"
	DeltaToolCallArgs      DeltaKind = "tool_call_args"
	DeltaToolCallEnd       DeltaKind = "tool_call_end"
	DeltaThinking          DeltaKind = "thinking"
	DeltaThinkingSignature DeltaKind = "thinking_signature"
	DeltaThinkingDone      DeltaKind = "thinking_done"
	DeltaDone              DeltaKind = "done"
	DeltaError             DeltaKind = "error"
)

// StreamDelta is the unit of the ordered delta sequence emitted by a
// streaming parser. Fields are populated per kind:
//
//	text               Text
//	tool_call_start    CallID, ToolName
//	tool_call_args     CallID, Args (partial JSON)
//	tool_call_end      CallID
//	thinking           Text
//	thinking_signature Signature
//	thinking_done      Thinking (finalized part with metadata attached)
//	done               FinishReason
//	error              Err (and Error for wire serialization)
type StreamDelta struct {
	Kind         DeltaKind     `json:"kind"`
	Text         string        `json:"text,omitempty"`
	CallID       string        `json:"callId,omitempty"`
	ToolName     string        `json:"toolName,omitempty"`
	Args         string        `json:"args,omitempty"`
	Signature    string        `json:"signature,omitempty"`
	Thinking     *ThinkingPart `json:"thinking,omitempty"`
	FinishReason string        `json:"finishReason,omitempty"`
	Error        string        `json:"error,omitempty"`

	Err error `json:"-"`
}

// TextDelta is a convenience constructor for the common case.
func TextDelta(text string) StreamDelta {
	return StreamDelta{Kind: DeltaText, Text: text}
}

func ErrorDelta(err error) StreamDelta {
	return StreamDelta{Kind: DeltaError, Err: err, Error: err.Error()}
}

func DoneDelta(finishReason string) StreamDelta {
	return StreamDelta{Kind: DeltaDone, FinishReason: finishReason}
}
