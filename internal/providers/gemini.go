package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/Davincible/modelbridge/internal/chat"
	"github.com/Davincible/modelbridge/internal/config"
)

type geminiProvider struct {
	client *client
}

func newGeminiProvider(cl *client) *geminiProvider {
	return &geminiProvider{client: cl}
}

func (p *geminiProvider) Name() string          { return p.client.cfg.Name }
func (p *geminiProvider) Format() config.Format { return config.FormatGemini }

func (p *geminiProvider) CountTokens(messages []chat.Message) (int, error) {
	return countTokens(messages)
}

// Gemini wire types. Thought parts carry thought:true and an optional
// thoughtSignature that must be replayed verbatim on the next turn.

type geminiRequest struct {
	Contents          []geminiContent    `json:"contents"`
	SystemInstruction *geminiContent     `json:"systemInstruction,omitempty"`
	Tools             []geminiToolGroup  `json:"tools,omitempty"`
	GenerationConfig  *geminiGenConfig   `json:"generationConfig,omitempty"`
	SafetySettings    []geminiSafety     `json:"safetySettings,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string          `json:"text,omitempty"`
	Thought          bool            `json:"thought,omitempty"`
	ThoughtSignature string          `json:"thoughtSignature,omitempty"`
	FunctionCall     *geminiFuncCall `json:"functionCall,omitempty"`
	FunctionResponse *geminiFuncResp `json:"functionResponse,omitempty"`
	InlineData       *geminiBlob     `json:"inlineData,omitempty"`
	FileData         *geminiFileData `json:"fileData,omitempty"`
}

type geminiFuncCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type geminiFuncResp struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiBlob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFileData struct {
	MIMEType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type geminiToolGroup struct {
	FunctionDeclarations []geminiFuncDecl `json:"functionDeclarations"`
}

type geminiFuncDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type geminiGenConfig struct {
	MaxOutputTokens int                   `json:"maxOutputTokens,omitempty"`
	Temperature     *float64              `json:"temperature,omitempty"`
	TopP            *float64              `json:"topP,omitempty"`
	ThinkingConfig  *geminiThinkingConfig `json:"thinkingConfig,omitempty"`
}

type geminiThinkingConfig struct {
	ThinkingBudget  int  `json:"thinkingBudget,omitempty"`
	IncludeThoughts bool `json:"includeThoughts"`
}

type geminiSafety struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

// schemaScrubFields are JSON-Schema keywords the Gemini function-declaration
// schema dialect rejects.
var schemaScrubFields = []string{
	"$schema", "additionalProperties", "$id", "$ref", "$defs", "definitions",
}

// scrubSchema strips unsupported keywords from a tool schema at every
// nesting level, leaving the original untouched.
func scrubSchema(data any, fields []string) any {
	switch v := data.(type) {
	case map[string]any:
		result := make(map[string]any, len(v))

		for key, value := range v {
			drop := false

			for _, field := range fields {
				if key == field {
					drop = true
					break
				}
			}

			if !drop {
				result[key] = scrubSchema(value, fields)
			}
		}

		return result
	case []any:
		result := make([]any, len(v))
		for i, item := range v {
			result[i] = scrubSchema(item, fields)
		}

		return result
	default:
		return v
	}
}

func buildGeminiRequest(req *chat.Request) (*geminiRequest, error) {
	out := &geminiRequest{
		SafetySettings: defaultGeminiSafety(),
	}

	genConfig := &geminiGenConfig{
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
	}

	if req.Thinking != nil {
		genConfig.ThinkingConfig = &geminiThinkingConfig{
			ThinkingBudget:  req.Thinking.BudgetTokens,
			IncludeThoughts: true,
		}
	}

	out.GenerationConfig = genConfig

	// functionResponse must reference the original call's name, but tool
	// results only carry the call id. Recover names from earlier tool calls.
	toolNames := make(map[string]string)

	for _, msg := range req.Messages {
		for _, part := range msg.Parts {
			if tc, ok := chat.AsToolCallPart(part); ok && tc.CallID != "" {
				toolNames[tc.CallID] = tc.Name
			}
		}
	}

	var system []geminiPart

	for _, msg := range req.Messages {
		if msg.Role == chat.RoleSystem {
			for _, part := range msg.Parts {
				if p, ok := part.(chat.TextPart); ok {
					system = append(system, geminiPart{Text: p.Text})
				}
			}

			continue
		}

		content, err := convertGeminiMessage(msg, toolNames)
		if err != nil {
			return nil, err
		}

		if len(content.Parts) > 0 {
			out.Contents = append(out.Contents, content)
		}
	}

	if len(system) > 0 {
		out.SystemInstruction = &geminiContent{Parts: system}
	}

	if len(req.Tools) > 0 {
		group := geminiToolGroup{}

		for _, tool := range req.Tools {
			if tool.Name == "" {
				return nil, &RequestError{Format: "gemini", Reason: "tool with empty name"}
			}

			decl := geminiFuncDecl{
				Name:        tool.Name,
				Description: tool.Description,
			}

			if tool.InputSchema != nil {
				decl.Parameters = scrubSchema(tool.InputSchema, schemaScrubFields).(map[string]any)
			}

			group.FunctionDeclarations = append(group.FunctionDeclarations, decl)
		}

		out.Tools = []geminiToolGroup{group}
	}

	return out, nil
}

func defaultGeminiSafety() []geminiSafety {
	categories := []string{
		"HARM_CATEGORY_HARASSMENT",
		"HARM_CATEGORY_HATE_SPEECH",
		"HARM_CATEGORY_SEXUALLY_EXPLICIT",
		"HARM_CATEGORY_DANGEROUS_CONTENT",
	}

	settings := make([]geminiSafety, 0, len(categories))
	for _, c := range categories {
		settings = append(settings, geminiSafety{Category: c, Threshold: "BLOCK_NONE"})
	}

	return settings
}

func convertGeminiMessage(msg chat.Message, toolNames map[string]string) (geminiContent, error) {
	role := "user"
	if msg.Role == chat.RoleAssistant {
		role = "model"
	}

	var thoughts, rest []geminiPart

	for _, part := range msg.Parts {
		if tp, ok := chat.AsThinkingPart(part); ok {
			if msg.Role != chat.RoleAssistant || tp.Meta == nil || tp.Meta.Signature == "" {
				// Unsigned or foreign thinking has no replayable form.
				continue
			}

			thoughts = append(thoughts, geminiPart{
				Text:             tp.Text,
				Thought:          true,
				ThoughtSignature: tp.Meta.Signature,
			})

			continue
		}

		if tc, ok := chat.AsToolCallPart(part); ok {
			if tc.Name == "" {
				return geminiContent{}, &RequestError{Format: "gemini", Reason: "tool call without name"}
			}

			id := tc.CallID
			if id == "" {
				id = uuid.NewString()
			}

			var args map[string]any
			if len(tc.Input) > 0 {
				if err := json.Unmarshal(tc.Input, &args); err != nil {
					return geminiContent{}, &RequestError{
						Format: "gemini",
						Reason: fmt.Sprintf("tool call %s: arguments are not a JSON object", tc.Name),
					}
				}
			}

			rest = append(rest, geminiPart{
				FunctionCall: &geminiFuncCall{ID: id, Name: tc.Name, Args: args},
			})

			continue
		}

		switch p := part.(type) {
		case chat.TextPart:
			rest = append(rest, geminiPart{Text: p.Text})
		case chat.ToolResultPart:
			if p.CallID == "" {
				return geminiContent{}, &RequestError{Format: "gemini", Reason: "tool result without call id"}
			}

			name := toolNames[p.CallID]
			if name == "" {
				name = p.CallID
			}

			rest = append(rest, geminiPart{
				FunctionResponse: &geminiFuncResp{
					ID:       p.CallID,
					Name:     name,
					Response: geminiResponsePayload(p.Content),
				},
			})
		case chat.ImagePart:
			if p.URL != "" {
				rest = append(rest, geminiPart{
					FileData: &geminiFileData{MIMEType: p.MIME, FileURI: p.URL},
				})
			} else {
				rest = append(rest, geminiPart{
					InlineData: &geminiBlob{MIMEType: p.MIME, Data: p.Data},
				})
			}
		default:
			return geminiContent{}, &RequestError{Format: "gemini", Reason: fmt.Sprintf("unsupported part %T", part)}
		}
	}

	// Thought parts lead the replayed turn so signatures precede the tool
	// calls they authorize.
	return geminiContent{Role: role, Parts: append(thoughts, rest...)}, nil
}

// geminiResponsePayload wraps tool output in the structured object the
// function-response schema requires.
func geminiResponsePayload(content any) map[string]any {
	switch c := content.(type) {
	case nil:
		return map[string]any{}
	case string:
		return map[string]any{"content": c}
	case map[string]any:
		return c
	default:
		return map[string]any{"content": c}
	}
}

func (p *geminiProvider) StreamChat(ctx context.Context, req *chat.Request) (<-chan chat.StreamDelta, error) {
	wireReq, err := buildGeminiRequest(req)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("marshal gemini request: %w", err)
	}

	endpoint := p.client.url("/v1beta/models/"+url.PathEscape(req.Model)+":streamGenerateContent") +
		"?alt=sse&key=" + url.QueryEscape(p.client.apiKey())

	stream, err := p.client.postStream(ctx, endpoint, nil, body)
	if err != nil {
		return nil, err
	}

	out := make(chan chat.StreamDelta)
	go consumeStream(ctx, stream, newGeminiStreamParser(), out)

	return out, nil
}

// geminiStreamParser translates streamGenerateContent chunks. Thought parts
// arrive before answer parts within a turn; pending thought text is finalized
// when the first non-thought part or the finish reason shows up.
type geminiStreamParser struct {
	thinking  []byte
	signature string
	done      bool
}

func newGeminiStreamParser() *geminiStreamParser {
	return &geminiStreamParser{}
}

type geminiStreamChunk struct {
	Candidates []struct {
		Content *struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`

	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (gp *geminiStreamParser) parse(ev sseEvent) ([]chat.StreamDelta, error) {
	var chunk geminiStreamChunk
	if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
		return nil, &ProtocolError{Format: "gemini", Context: "decode stream chunk", Err: err}
	}

	if chunk.Error != nil {
		return nil, &ProtocolError{
			Format:  "gemini",
			Context: fmt.Sprintf("upstream error %s: %s", chunk.Error.Status, chunk.Error.Message),
		}
	}

	if len(chunk.Candidates) == 0 {
		return nil, nil
	}

	candidate := chunk.Candidates[0]

	var deltas []chat.StreamDelta

	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			deltas = append(deltas, gp.handlePart(part)...)
		}
	}

	if candidate.FinishReason != "" && !gp.done {
		gp.done = true
		deltas = append(deltas, gp.finalizeThinking()...)
		deltas = append(deltas, chat.DoneDelta(mapGeminiFinishReason(candidate.FinishReason)))
	}

	return deltas, nil
}

func (gp *geminiStreamParser) handlePart(part geminiPart) []chat.StreamDelta {
	if part.Thought {
		var deltas []chat.StreamDelta

		if part.Text != "" {
			gp.thinking = append(gp.thinking, part.Text...)
			deltas = append(deltas, chat.StreamDelta{Kind: chat.DeltaThinking, Text: part.Text})
		}

		if part.ThoughtSignature != "" {
			gp.signature += part.ThoughtSignature
			deltas = append(deltas, chat.StreamDelta{
				Kind:      chat.DeltaThinkingSignature,
				Signature: part.ThoughtSignature,
			})
		}

		return deltas
	}

	deltas := gp.finalizeThinking()

	switch {
	case part.FunctionCall != nil:
		fc := part.FunctionCall

		id := fc.ID
		if id == "" {
			id = uuid.NewString()
		}

		args := "{}"
		if fc.Args != nil {
			if raw, err := json.Marshal(fc.Args); err == nil {
				args = string(raw)
			}
		}

		// Function calls arrive whole, not argument-by-argument.
		deltas = append(deltas,
			chat.StreamDelta{Kind: chat.DeltaToolCallStart, CallID: id, ToolName: fc.Name},
			chat.StreamDelta{Kind: chat.DeltaToolCallArgs, CallID: id, Args: args},
			chat.StreamDelta{Kind: chat.DeltaToolCallEnd, CallID: id},
		)
	case part.Text != "":
		deltas = append(deltas, chat.TextDelta(part.Text))
	}

	return deltas
}

func (gp *geminiStreamParser) finalizeThinking() []chat.StreamDelta {
	if len(gp.thinking) == 0 && gp.signature == "" {
		return nil
	}

	thinking := &chat.ThinkingPart{
		Text: string(gp.thinking),
		Meta: &chat.ThinkingMeta{Signature: gp.signature},
	}

	gp.thinking = nil
	gp.signature = ""

	return []chat.StreamDelta{{Kind: chat.DeltaThinkingDone, Thinking: thinking}}
}

func mapGeminiFinishReason(reason string) string {
	switch reason {
	case "STOP", "OTHER", "FINISH_REASON_UNSPECIFIED":
		return "end_turn"
	case "MAX_TOKENS":
		return "max_tokens"
	case "MALFORMED_FUNCTION_CALL":
		return "tool_use"
	case "SAFETY", "RECITATION", "LANGUAGE", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return "stop_sequence"
	default:
		return "end_turn"
	}
}

func (p *geminiProvider) ListModels(ctx context.Context) ([]chat.Model, error) {
	endpoint := p.client.url("/v1beta/models") + "?key=" + url.QueryEscape(p.client.apiKey())

	var payload struct {
		Models []struct {
			Name                       string   `json:"name"`
			DisplayName                string   `json:"displayName"`
			InputTokenLimit            int      `json:"inputTokenLimit"`
			OutputTokenLimit           int      `json:"outputTokenLimit"`
			SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
		} `json:"models"`
	}

	body, err := p.client.getJSON(ctx, endpoint, nil)
	if err != nil {
		return nil, &DiscoveryError{Provider: p.Name(), Err: err}
	}

	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &DiscoveryError{
			Provider: p.Name(),
			Err:      &ProtocolError{Format: "gemini", Context: "decode model list", Err: err},
		}
	}

	var models []chat.Model

	for _, m := range payload.Models {
		supported := false

		for _, method := range m.SupportedGenerationMethods {
			if method == "generateContent" || method == "streamGenerateContent" {
				supported = true
				break
			}
		}

		if !supported {
			continue
		}

		id := strings.TrimPrefix(m.Name, "models/")
		if !MatchesFormat(id, config.FormatGemini) {
			continue
		}

		inputLimit := m.InputTokenLimit
		if inputLimit == 0 {
			inputLimit = 1048576
		}

		outputLimit := m.OutputTokenLimit
		if outputLimit == 0 {
			outputLimit = 8192
		}

		models = append(models, chat.Model{
			ID:               id,
			DisplayName:      m.DisplayName,
			MaxInputTokens:   inputLimit,
			MaxOutputTokens:  outputLimit,
			SupportsTools:    DetectTools(nil, id),
			SupportsVision:   DetectVision(nil, id),
			SupportsThinking: DetectThinking(nil, id),
		})
	}

	return models, nil
}
