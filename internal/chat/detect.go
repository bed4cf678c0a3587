package chat

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownPart is returned when a decoded value matches no part shape.
var ErrUnknownPart = errors.New("unknown message part")

// PartFromMap classifies a decoded JSON object as a Part. The "type"
// discriminant wins when present; otherwise classification falls back to
// structural field presence, since parts arriving through a serialization
// boundary may have lost their tag. A thinking part is recognized by a
// "value" field accompanied by "metadata" (which may be null); a tool call
// by "callId", "name" and "input" together.
func PartFromMap(obj map[string]any) (Part, error) {
	if t, ok := obj["type"].(string); ok && t != "" {
		return partFromTagged(t, obj)
	}

	return partFromShape(obj)
}

func partFromTagged(tag string, obj map[string]any) (Part, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}

	switch tag {
	case "text":
		var p TextPart
		return p, json.Unmarshal(raw, &p)
	case "tool_call":
		var p ToolCallPart
		return p, json.Unmarshal(raw, &p)
	case "tool_result":
		var p ToolResultPart
		return p, json.Unmarshal(raw, &p)
	case "image":
		var p ImagePart
		return p, json.Unmarshal(raw, &p)
	case "thinking":
		var p ThinkingPart
		return p, json.Unmarshal(raw, &p)
	default:
		return nil, fmt.Errorf("%w: type %q", ErrUnknownPart, tag)
	}
}

func partFromShape(obj map[string]any) (Part, error) {
	_, hasValue := obj["value"]
	_, hasMetadata := obj["metadata"]
	_, hasCallID := obj["callId"]
	_, hasName := obj["name"]
	_, hasInput := obj["input"]
	_, hasContent := obj["content"]
	_, hasText := obj["text"]
	_, hasMIME := obj["mime"]
	_, hasURL := obj["url"]

	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}

	switch {
	case hasValue && (hasMetadata || !hasCallID && !hasText):
		var p ThinkingPart
		return p, json.Unmarshal(raw, &p)
	case hasCallID && hasName && hasInput:
		var p ToolCallPart
		return p, json.Unmarshal(raw, &p)
	case hasCallID && hasContent:
		var p ToolResultPart
		return p, json.Unmarshal(raw, &p)
	case hasText:
		var p TextPart
		return p, json.Unmarshal(raw, &p)
	case hasMIME || hasURL:
		var p ImagePart
		return p, json.Unmarshal(raw, &p)
	default:
		return nil, ErrUnknownPart
	}
}

// AsThinkingPart reports whether v is a thinking part, accepting both the
// concrete type and an untyped map that crossed a serialization boundary.
func AsThinkingPart(v any) (ThinkingPart, bool) {
	switch p := v.(type) {
	case ThinkingPart:
		return p, true
	case *ThinkingPart:
		if p != nil {
			return *p, true
		}
	case map[string]any:
		if part, err := PartFromMap(p); err == nil {
			if tp, ok := part.(ThinkingPart); ok {
				return tp, true
			}
		}
	}

	return ThinkingPart{}, false
}

// AsToolCallPart mirrors AsThinkingPart for tool calls.
func AsToolCallPart(v any) (ToolCallPart, bool) {
	switch p := v.(type) {
	case ToolCallPart:
		return p, true
	case *ToolCallPart:
		if p != nil {
			return *p, true
		}
	case map[string]any:
		if part, err := PartFromMap(p); err == nil {
			if tc, ok := part.(ToolCallPart); ok {
				return tc, true
			}
		}
	}

	return ToolCallPart{}, false
}
