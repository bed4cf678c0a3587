// Package chat defines the provider-agnostic conversation model shared by
// all wire-format converters: messages built from typed parts, streaming
// deltas, and the request/model descriptors exchanged with providers.
package chat

import (
	"encoding/json"
	"fmt"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation. Parts are ordered; converters must
// preserve that order except where a wire protocol imposes its own (thinking
// blocks first for Claude and Gemini).
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// Part is a tagged variant of message content.
type Part interface {
	isPart()
	PartType() string
}

type TextPart struct {
	Text string `json:"text"`
}

// ToolCallPart is an assistant-issued tool invocation. Input holds the raw
// JSON arguments exactly as produced by the model.
type ToolCallPart struct {
	CallID string          `json:"callId"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input"`
}

// ToolResultPart carries the caller-supplied result for a prior tool call.
// Content is either a string or an arbitrary JSON value.
type ToolResultPart struct {
	CallID  string `json:"callId"`
	Content any    `json:"content"`
}

// ImagePart holds inline base64 data or a remote URL, never both.
type ImagePart struct {
	MIME string `json:"mime"`
	Data string `json:"data,omitempty"`
	URL  string `json:"url,omitempty"`
}

// ThinkingMeta finalizes a thinking part. A nil *ThinkingMeta on the part
// means the block is still streaming. Redacted blocks carry the provider's
// opaque blob in Data and must be echoed verbatim on replay; complete blocks
// carry the provider-issued Signature bound to the exact thinking text.
type ThinkingMeta struct {
	Signature string `json:"signature,omitempty"`
	Redacted  bool   `json:"redacted,omitempty"`
	Data      string `json:"data,omitempty"`
}

type ThinkingPart struct {
	Text string        `json:"value"`
	Meta *ThinkingMeta `json:"metadata,omitempty"`
}

func (TextPart) isPart()       {}
func (ToolCallPart) isPart()   {}
func (ToolResultPart) isPart() {}
func (ImagePart) isPart()      {}
func (ThinkingPart) isPart()   {}

func (TextPart) PartType() string       { return "text" }
func (ToolCallPart) PartType() string   { return "tool_call" }
func (ToolResultPart) PartType() string { return "tool_result" }
func (ImagePart) PartType() string      { return "image" }
func (ThinkingPart) PartType() string   { return "thinking" }

// Tool describes a callable tool offered to the model. InputSchema is plain
// JSON Schema; format converters are responsible for subsetting it to what
// their protocol accepts.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// ThinkingConfig enables extended thinking / reasoning on a request.
// BudgetTokens drives Claude and Gemini; Effort and Summary drive the
// OpenAI Responses reasoning parameter.
type ThinkingConfig struct {
	BudgetTokens int    `json:"budgetTokens,omitempty"`
	Effort       string `json:"effort,omitempty"`
	Summary      string `json:"summary,omitempty"`
}

// Request is a provider-agnostic chat completion request.
type Request struct {
	Model       string          `json:"model"`
	Messages    []Message       `json:"messages"`
	Tools       []Tool          `json:"tools,omitempty"`
	MaxTokens   int             `json:"maxTokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"topP,omitempty"`
	Thinking    *ThinkingConfig `json:"thinking,omitempty"`
}

// Model describes a discovered model. Descriptors are immutable; discovery
// replaces them wholesale.
type Model struct {
	ID               string `json:"id"`
	DisplayName      string `json:"displayName"`
	MaxInputTokens   int    `json:"maxInputTokens,omitempty"`
	MaxOutputTokens  int    `json:"maxOutputTokens,omitempty"`
	SupportsTools    bool   `json:"supportsTools"`
	SupportsVision   bool   `json:"supportsVision"`
	SupportsThinking bool   `json:"supportsThinking"`
}

// MarshalJSON emits each part with an explicit type discriminant.
func (m Message) MarshalJSON() ([]byte, error) {
	parts := make([]map[string]any, 0, len(m.Parts))
	for _, p := range m.Parts {
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}

		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, err
		}

		obj["type"] = p.PartType()
		parts = append(parts, obj)
	}

	return json.Marshal(struct {
		Role  Role             `json:"role"`
		Parts []map[string]any `json:"parts"`
	}{Role: m.Role, Parts: parts})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role  Role              `json:"role"`
		Parts []json.RawMessage `json:"parts"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	m.Role = raw.Role
	m.Parts = make([]Part, 0, len(raw.Parts))

	for i, rp := range raw.Parts {
		part, err := decodePart(rp)
		if err != nil {
			return fmt.Errorf("part %d: %w", i, err)
		}

		m.Parts = append(m.Parts, part)
	}

	return nil
}

func decodePart(data []byte) (Part, error) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}

	return PartFromMap(obj)
}
