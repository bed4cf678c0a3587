package providers

import (
	"strings"

	"github.com/Davincible/modelbridge/internal/config"
)

// ModelFamily is the protocol family a model identifier belongs to.
type ModelFamily string

const (
	FamilyClaude  ModelFamily = "claude"
	FamilyGemini  ModelFamily = "gemini"
	FamilyOpenAI  ModelFamily = "openai"
	FamilyUnknown ModelFamily = "unknown"
)

var openAIPrefixes = []string{"gpt-", "o1", "o3", "o4", "chatgpt-", "text-"}

// ClassifyModel maps a raw model identifier to its protocol family. The
// check order is fixed: proxy endpoints list identifiers that embed several
// provider names (for example "gemini-claude-opus"), and "claude" must win
// over any other keyword, then "gemini"/"oss", then OpenAI-style prefixes.
// Reordering the checks breaks that precedence.
func ClassifyModel(id string) ModelFamily {
	lower := strings.ToLower(id)

	if strings.Contains(lower, "claude") {
		return FamilyClaude
	}

	if strings.Contains(lower, "gemini") || strings.Contains(lower, "oss") {
		return FamilyGemini
	}

	if strings.Contains(lower, "openai") {
		return FamilyOpenAI
	}

	for _, prefix := range openAIPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return FamilyOpenAI
		}
	}

	return FamilyUnknown
}

// MatchesFormat filters a discovered model identifier against the wire
// format a provider is configured for, so that a proxy endpoint listing
// models for several backends does not leak cross-format entries. Ids with
// no recognizable family pass: they are endpoint-specific and the endpoint
// speaks the configured format.
func MatchesFormat(id string, format config.Format) bool {
	switch ClassifyModel(id) {
	case FamilyClaude:
		return format == config.FormatClaude
	case FamilyGemini:
		return format == config.FormatGemini
	case FamilyOpenAI:
		return format == config.FormatOpenAIChat || format == config.FormatOpenAIResponses
	default:
		return true
	}
}
