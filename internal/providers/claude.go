package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Davincible/modelbridge/internal/chat"
	"github.com/Davincible/modelbridge/internal/config"
)

const (
	anthropicVersion       = "2023-06-01"
	claudeMaxTokensDefault = 4096

	// Thinking requests must leave room for visible output on top of the
	// thinking budget.
	claudeThinkingHeadroom = 1024
)

type claudeProvider struct {
	client *client
}

func newClaudeProvider(cl *client) *claudeProvider {
	return &claudeProvider{client: cl}
}

func (p *claudeProvider) Name() string          { return p.client.cfg.Name }
func (p *claudeProvider) Format() config.Format { return config.FormatClaude }

func (p *claudeProvider) headers() map[string]string {
	return map[string]string{
		"x-api-key":         p.client.apiKey(),
		"anthropic-version": anthropicVersion,
	}
}

func (p *claudeProvider) CountTokens(messages []chat.Message) (int, error) {
	return countTokens(messages)
}

// Claude wire types.

type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	System      string          `json:"system,omitempty"`
	Messages    []claudeMessage `json:"messages"`
	Tools       []claudeTool    `json:"tools,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stream      bool            `json:"stream"`
	Thinking    *claudeThinking `json:"thinking,omitempty"`
}

type claudeThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type claudeMessage struct {
	Role    string        `json:"role"`
	Content []claudeBlock `json:"content"`
}

type claudeBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking / redacted_thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
	Data      string `json:"data,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   any    `json:"content,omitempty"`

	// image
	Source *claudeImageSource `json:"source,omitempty"`
}

type claudeImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type claudeTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// buildClaudeRequest translates the internal conversation into the Claude
// messages payload, enforcing the thinking-continuity rules at translation
// time (see convertClaudeAssistant).
func buildClaudeRequest(req *chat.Request) (*claudeRequest, error) {
	thinking := req.Thinking != nil && req.Thinking.BudgetTokens > 0

	out := &claudeRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      true,
	}

	if out.MaxTokens == 0 {
		out.MaxTokens = claudeMaxTokensDefault
	}

	if thinking {
		out.Thinking = &claudeThinking{
			Type:         "enabled",
			BudgetTokens: req.Thinking.BudgetTokens,
		}

		// max_tokens must exceed the thinking budget or the request is
		// rejected outright.
		if out.MaxTokens <= req.Thinking.BudgetTokens {
			out.MaxTokens = req.Thinking.BudgetTokens + claudeThinkingHeadroom
		}
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case chat.RoleSystem:
			text := flattenText(msg)
			if out.System != "" && text != "" {
				out.System += "\n\n"
			}

			out.System += text
		case chat.RoleUser:
			content, err := convertClaudeUser(msg)
			if err != nil {
				return nil, err
			}

			out.Messages = append(out.Messages, claudeMessage{Role: "user", Content: content})
		case chat.RoleAssistant:
			content, err := convertClaudeAssistant(msg, thinking)
			if err != nil {
				return nil, err
			}

			out.Messages = append(out.Messages, claudeMessage{Role: "assistant", Content: content})
		default:
			return nil, &RequestError{Format: "claude", Reason: fmt.Sprintf("unsupported role %q", msg.Role)}
		}
	}

	for _, tool := range req.Tools {
		if tool.Name == "" {
			return nil, &RequestError{Format: "claude", Reason: "tool with empty name"}
		}

		schema := tool.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}

		out.Tools = append(out.Tools, claudeTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}

	return out, nil
}

func convertClaudeUser(msg chat.Message) ([]claudeBlock, error) {
	var content []claudeBlock

	for _, part := range msg.Parts {
		switch p := part.(type) {
		case chat.TextPart:
			content = append(content, claudeBlock{Type: "text", Text: p.Text})
		case chat.ToolResultPart:
			if p.CallID == "" {
				return nil, &RequestError{Format: "claude", Reason: "tool result without call id"}
			}

			content = append(content, claudeBlock{
				Type:      "tool_result",
				ToolUseID: p.CallID,
				Content:   p.Content,
			})
		case chat.ImagePart:
			source := &claudeImageSource{}
			if p.URL != "" {
				source.Type = "url"
				source.URL = p.URL
			} else {
				source.Type = "base64"
				source.MediaType = p.MIME
				source.Data = p.Data
			}

			content = append(content, claudeBlock{Type: "image", Source: source})
		case chat.ThinkingPart:
			// Thinking never occurs in user turns; drop rather than send
			// something the endpoint will reject.
		default:
			return nil, &RequestError{Format: "claude", Reason: fmt.Sprintf("unsupported user part %T", part)}
		}
	}

	return content, nil
}

// convertClaudeAssistant rebuilds an assistant turn for replay. With
// thinking enabled the endpoint requires that any assistant message carrying
// a tool_use block starts with a thinking or redacted_thinking block, and
// that replayed thinking keeps its original signature byte for byte. History
// summarization upstream may have stripped thinking while keeping the tool
// calls, so when the structural requirement cannot be met from real parts a
// placeholder {redacted_thinking, data: ""} is synthesized. No placeholder
// is ever added without a tool call, and a real thinking block is never
// duplicated.
func convertClaudeAssistant(msg chat.Message, thinkingEnabled bool) ([]claudeBlock, error) {
	var (
		thinkingBlocks []claudeBlock
		rest           []claudeBlock
		hasToolCall    bool
	)

	for _, part := range msg.Parts {
		if tp, ok := chat.AsThinkingPart(part); ok {
			if !thinkingEnabled || tp.Meta == nil {
				// Disabled: the endpoint rejects thinking blocks. Unsigned
				// (still-streaming) parts are not replayable either way.
				continue
			}

			if tp.Meta.Redacted {
				thinkingBlocks = append(thinkingBlocks, claudeBlock{
					Type: "redacted_thinking",
					Data: tp.Meta.Data,
				})
			} else {
				thinkingBlocks = append(thinkingBlocks, claudeBlock{
					Type:      "thinking",
					Thinking:  tp.Text,
					Signature: tp.Meta.Signature,
				})
			}

			continue
		}

		if tc, ok := chat.AsToolCallPart(part); ok {
			if tc.CallID == "" || tc.Name == "" {
				return nil, &RequestError{Format: "claude", Reason: "tool call without id or name"}
			}

			input := tc.Input
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}

			hasToolCall = true
			rest = append(rest, claudeBlock{
				Type:  "tool_use",
				ID:    tc.CallID,
				Name:  tc.Name,
				Input: input,
			})

			continue
		}

		switch p := part.(type) {
		case chat.TextPart:
			rest = append(rest, claudeBlock{Type: "text", Text: p.Text})
		case chat.ToolResultPart:
			return nil, &RequestError{Format: "claude", Reason: "tool result in assistant message"}
		default:
			return nil, &RequestError{Format: "claude", Reason: fmt.Sprintf("unsupported assistant part %T", part)}
		}
	}

	if thinkingEnabled && hasToolCall && len(thinkingBlocks) == 0 {
		thinkingBlocks = []claudeBlock{{Type: "redacted_thinking", Data: ""}}
	}

	return append(thinkingBlocks, rest...), nil
}

func (p *claudeProvider) StreamChat(ctx context.Context, req *chat.Request) (<-chan chat.StreamDelta, error) {
	wireReq, err := buildClaudeRequest(req)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("marshal claude request: %w", err)
	}

	stream, err := p.client.postStream(ctx, p.client.url("/v1/messages"), p.headers(), body)
	if err != nil {
		return nil, err
	}

	out := make(chan chat.StreamDelta)
	go consumeStream(ctx, stream, newClaudeStreamParser(), out)

	return out, nil
}

// claudeStreamParser is the content_block state machine. A thinking block
// is finalized only at content_block_stop, because the signature arrives in
// a signature_delta immediately before the stop marker and never earlier.
type claudeStreamParser struct {
	blocks       map[int]*claudeBlockState
	finishReason string
}

type claudeBlockState struct {
	blockType string
	callID    string
	thinking  []byte
	signature string
	redacted  string
}

func newClaudeStreamParser() *claudeStreamParser {
	return &claudeStreamParser{blocks: make(map[int]*claudeBlockState)}
}

type claudeStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	Message *struct {
		ID    string `json:"id"`
		Model string `json:"model"`
	} `json:"message,omitempty"`

	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
		Data string `json:"data"`
	} `json:"content_block,omitempty"`

	Delta *struct {
		Type        string  `json:"type"`
		Text        string  `json:"text"`
		Thinking    string  `json:"thinking"`
		Signature   string  `json:"signature"`
		PartialJSON string  `json:"partial_json"`
		Data        string  `json:"data"`
		StopReason  *string `json:"stop_reason"`
	} `json:"delta,omitempty"`

	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (cp *claudeStreamParser) parse(ev sseEvent) ([]chat.StreamDelta, error) {
	var event claudeStreamEvent
	if err := json.Unmarshal([]byte(ev.Data), &event); err != nil {
		return nil, &ProtocolError{Format: "claude", Context: "decode stream event", Err: err}
	}

	switch event.Type {
	case "message_start", "ping":
		return nil, nil
	case "content_block_start":
		return cp.handleBlockStart(event)
	case "content_block_delta":
		return cp.handleBlockDelta(event)
	case "content_block_stop":
		return cp.handleBlockStop(event)
	case "message_delta":
		if event.Delta != nil && event.Delta.StopReason != nil {
			cp.finishReason = *event.Delta.StopReason
		}

		return nil, nil
	case "message_stop":
		reason := cp.finishReason
		if reason == "" {
			reason = "end_turn"
		}

		return []chat.StreamDelta{chat.DoneDelta(reason)}, nil
	case "error":
		msg := "unknown upstream error"
		if event.Error != nil {
			msg = event.Error.Message
		}

		return nil, &ProtocolError{Format: "claude", Context: "upstream error event: " + msg}
	default:
		// Unknown lifecycle events are skipped, not fatal: the protocol
		// adds event types over time.
		return nil, nil
	}
}

func (cp *claudeStreamParser) handleBlockStart(event claudeStreamEvent) ([]chat.StreamDelta, error) {
	if event.ContentBlock == nil {
		return nil, &ProtocolError{Format: "claude", Context: "content_block_start without content_block"}
	}

	state := &claudeBlockState{blockType: event.ContentBlock.Type}
	cp.blocks[event.Index] = state

	switch event.ContentBlock.Type {
	case "tool_use":
		state.callID = event.ContentBlock.ID

		return []chat.StreamDelta{{
			Kind:     chat.DeltaToolCallStart,
			CallID:   event.ContentBlock.ID,
			ToolName: event.ContentBlock.Name,
		}}, nil
	case "redacted_thinking":
		state.redacted = event.ContentBlock.Data
		return nil, nil
	default:
		return nil, nil
	}
}

func (cp *claudeStreamParser) handleBlockDelta(event claudeStreamEvent) ([]chat.StreamDelta, error) {
	if event.Delta == nil {
		return nil, &ProtocolError{Format: "claude", Context: "content_block_delta without delta"}
	}

	state, ok := cp.blocks[event.Index]
	if !ok {
		return nil, &ProtocolError{Format: "claude", Context: fmt.Sprintf("delta for unknown block %d", event.Index)}
	}

	switch event.Delta.Type {
	case "text_delta":
		return []chat.StreamDelta{chat.TextDelta(event.Delta.Text)}, nil
	case "thinking_delta":
		state.thinking = append(state.thinking, event.Delta.Thinking...)
		return []chat.StreamDelta{{Kind: chat.DeltaThinking, Text: event.Delta.Thinking}}, nil
	case "signature_delta":
		state.signature += event.Delta.Signature
		return []chat.StreamDelta{{Kind: chat.DeltaThinkingSignature, Signature: event.Delta.Signature}}, nil
	case "input_json_delta":
		return []chat.StreamDelta{{
			Kind:   chat.DeltaToolCallArgs,
			CallID: state.callID,
			Args:   event.Delta.PartialJSON,
		}}, nil
	default:
		return nil, nil
	}
}

func (cp *claudeStreamParser) handleBlockStop(event claudeStreamEvent) ([]chat.StreamDelta, error) {
	state, ok := cp.blocks[event.Index]
	if !ok {
		return nil, nil
	}

	delete(cp.blocks, event.Index)

	switch state.blockType {
	case "thinking":
		return []chat.StreamDelta{{
			Kind: chat.DeltaThinkingDone,
			Thinking: &chat.ThinkingPart{
				Text: string(state.thinking),
				Meta: &chat.ThinkingMeta{Signature: state.signature},
			},
		}}, nil
	case "redacted_thinking":
		return []chat.StreamDelta{{
			Kind: chat.DeltaThinkingDone,
			Thinking: &chat.ThinkingPart{
				Meta: &chat.ThinkingMeta{Redacted: true, Data: state.redacted},
			},
		}}, nil
	case "tool_use":
		return []chat.StreamDelta{{Kind: chat.DeltaToolCallEnd, CallID: state.callID}}, nil
	default:
		return nil, nil
	}
}

// claudeModelList is the GET /v1/models payload.
type claudeModelList struct {
	Data []struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
	} `json:"data"`
}

func (p *claudeProvider) ListModels(ctx context.Context) ([]chat.Model, error) {
	body, err := p.client.getJSON(ctx, p.client.url("/v1/models"), p.headers())
	if err != nil {
		return nil, &DiscoveryError{Provider: p.Name(), Err: err}
	}

	var list claudeModelList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, &DiscoveryError{Provider: p.Name(), Err: &ProtocolError{Format: "claude", Context: "decode model list", Err: err}}
	}

	models := make([]chat.Model, 0, len(list.Data))

	for _, m := range list.Data {
		if !MatchesFormat(m.ID, config.FormatClaude) {
			continue
		}

		display := m.DisplayName
		if display == "" {
			display = m.ID
		}

		models = append(models, chat.Model{
			ID:               m.ID,
			DisplayName:      display,
			MaxInputTokens:   200000,
			MaxOutputTokens:  8192,
			SupportsTools:    DetectTools(nil, m.ID),
			SupportsVision:   DetectVision(nil, m.ID),
			SupportsThinking: DetectThinking(nil, m.ID),
		})
	}

	return models, nil
}
