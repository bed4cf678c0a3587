package providers

import "strings"

// Capability heuristics for discovered models. Explicit API-reported fields
// are trusted first; name keywords are the fallback. Unknown models default
// to tool-capable, non-thinking, and vision only on a keyword match.

var visionKeywords = []string{
	"vision", "4o", "gpt-4.1", "gpt-5", "omni", "multimodal",
	"claude-3", "claude-sonnet", "claude-opus", "claude-haiku",
	"gemini", "pixtral", "llava", "-vl",
}

var thinkingKeywords = []string{
	"thinking", "reasoner", "reasoning", "-r1", "gpt-5",
	"gemini-2.5", "claude-3-7", "claude-sonnet-4", "claude-opus-4",
}

var noToolKeywords = []string{
	"whisper", "embed", "tts-", "dall-e", "moderation", "o1-preview", "o1-mini",
}

// DetectVision reports whether a model accepts image input.
func DetectVision(meta map[string]any, id string) bool {
	if v, ok := metaBool(meta, "supports_vision", "vision"); ok {
		return v
	}

	if hasCapability(meta, "vision", "image") {
		return true
	}

	return matchesAny(id, visionKeywords)
}

// DetectTools reports whether a model supports tool/function calling.
func DetectTools(meta map[string]any, id string) bool {
	if v, ok := metaBool(meta, "supports_tools", "function_calling", "tool_use"); ok {
		return v
	}

	if hasCapability(meta, "tools", "function_call", "function_calling") {
		return true
	}

	// Tool support is the norm for chat models; only known non-chat or
	// legacy reasoning models are excluded.
	return !matchesAny(id, noToolKeywords)
}

// DetectThinking reports whether a model emits thinking/reasoning blocks.
func DetectThinking(meta map[string]any, id string) bool {
	if v, ok := metaBool(meta, "supports_thinking", "reasoning", "extended_thinking"); ok {
		return v
	}

	if hasCapability(meta, "reasoning", "thinking") {
		return true
	}

	lower := strings.ToLower(id)

	// o-series reasoning models, but not "oss" or "omni" lookalikes
	for _, prefix := range []string{"o1", "o3", "o4"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}

	return matchesAny(id, thinkingKeywords)
}

func metaBool(meta map[string]any, keys ...string) (bool, bool) {
	for _, key := range keys {
		if v, ok := meta[key].(bool); ok {
			return v, true
		}
	}

	return false, false
}

func hasCapability(meta map[string]any, names ...string) bool {
	caps, ok := meta["capabilities"].([]any)
	if !ok {
		return false
	}

	for _, c := range caps {
		s, ok := c.(string)
		if !ok {
			continue
		}

		for _, name := range names {
			if strings.EqualFold(s, name) {
				return true
			}
		}
	}

	return false
}

func matchesAny(id string, keywords []string) bool {
	lower := strings.ToLower(id)

	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}

	return false
}
