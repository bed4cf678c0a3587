package providers

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/Davincible/modelbridge/internal/chat"
)

const tokensPerMessage = 4 // role/format framing overhead per turn

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
	encodingErr  error
)

func getEncoding() (*tiktoken.Tiktoken, error) {
	encodingOnce.Do(func() {
		encoding, encodingErr = tiktoken.GetEncoding("cl100k_base")
	})

	return encoding, encodingErr
}

// countTokens estimates the token footprint of a conversation with the
// cl100k_base encoding. Providers tokenize differently, so this is an
// estimate for routing and budgeting, not an exact bill.
func countTokens(messages []chat.Message) (int, error) {
	enc, err := getEncoding()
	if err != nil {
		return 0, fmt.Errorf("load token encoding: %w", err)
	}

	total := 0

	for _, msg := range messages {
		total += tokensPerMessage

		for _, part := range msg.Parts {
			total += len(enc.Encode(partText(part), nil, nil))
		}
	}

	return total, nil
}

func partText(part chat.Part) string {
	switch p := part.(type) {
	case chat.TextPart:
		return p.Text
	case chat.ThinkingPart:
		return p.Text
	case chat.ToolCallPart:
		return p.Name + string(p.Input)
	case chat.ToolResultPart:
		switch c := p.Content.(type) {
		case string:
			return c
		default:
			raw, err := json.Marshal(c)
			if err != nil {
				return ""
			}

			return string(raw)
		}
	case chat.ImagePart:
		// Inline image data is not text; count only the reference.
		return p.URL
	default:
		return ""
	}
}

// flattenText joins all text-bearing parts, used by tests and the CLI.
func flattenText(msg chat.Message) string {
	var b strings.Builder

	for _, part := range msg.Parts {
		if p, ok := part.(chat.TextPart); ok {
			b.WriteString(p.Text)
		}
	}

	return b.String()
}
