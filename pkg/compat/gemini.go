package compat

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/genai"

	"github.com/modelgate/modelgate/pkg/protocol"
)

// GeminiCompat reaches its provider through the vendor SDK rather than a
// manifest-driven HTTP exchange, so the payload and SSE halves of the Compat
// contract fail with explicit errors and callers use the SDK interfaces.
type GeminiCompat struct {
	mu     sync.Mutex
	client *genai.Client
}

// NewGeminiCompat wraps an existing client, or creates one lazily from the
// GEMINI_API_KEY / GOOGLE_API_KEY environment on first use when nil.
func NewGeminiCompat(client *genai.Client) *GeminiCompat {
	return &GeminiCompat{client: client}
}

func (c *GeminiCompat) Name() string { return "gemini" }

func (c *GeminiCompat) BuildPayload(in BuildInput) (map[string]any, error) {
	return nil, fmt.Errorf("gemini compat is SDK-only: no HTTP payload can be built")
}

func (c *GeminiCompat) ParseResponse(raw []byte) (*protocol.LLMResponse, error) {
	return nil, fmt.Errorf("gemini compat is SDK-only: responses are produced by the SDK call")
}

func (c *GeminiCompat) StreamingFlags() map[string]any { return nil }

func (c *GeminiCompat) NewStreamState() StreamState {
	return sdkOnlyStreamState{family: "gemini"}
}

type sdkOnlyStreamState struct {
	family string
}

func (s sdkOnlyStreamState) ParseEvent([]byte) ([]protocol.StreamEvent, error) {
	return nil, fmt.Errorf("%s compat is SDK-only: it has no SSE stream to parse", s.family)
}

func (s sdkOnlyStreamState) FinishedWithToolCalls() bool { return false }

func (s sdkOnlyStreamState) Final() StreamFinal { return StreamFinal{} }

func (c *GeminiCompat) ensureClient(ctx context.Context) (*genai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	c.client = client
	return client, nil
}

func (c *GeminiCompat) SerializeTools(tools []protocol.UnifiedTool) any {
	declarations := make([]*genai.FunctionDeclaration, len(tools))
	for i, tool := range tools {
		declarations[i] = &genai.FunctionDeclaration{
			Name:                 tool.Name,
			Description:          tool.Description,
			ParametersJsonSchema: tool.Parameters,
		}
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

func (c *GeminiCompat) SerializeToolChoice(choice any) any {
	switch v := choice.(type) {
	case nil:
		return nil
	case string:
		switch v {
		case "auto":
			return &genai.ToolConfig{FunctionCallingConfig: &genai.FunctionCallingConfig{
				Mode: genai.FunctionCallingConfigModeAuto,
			}}
		case "none":
			return &genai.ToolConfig{FunctionCallingConfig: &genai.FunctionCallingConfig{
				Mode: genai.FunctionCallingConfigModeNone,
			}}
		case "required":
			return &genai.ToolConfig{FunctionCallingConfig: &genai.FunctionCallingConfig{
				Mode: genai.FunctionCallingConfigModeAny,
			}}
		}
		return nil
	case map[string]any:
		if name, ok := v["name"].(string); ok {
			return &genai.ToolConfig{FunctionCallingConfig: &genai.FunctionCallingConfig{
				Mode:                 genai.FunctionCallingConfigModeAny,
				AllowedFunctionNames: []string{name},
			}}
		}
	}
	return nil
}

func (c *GeminiCompat) buildConfig(in BuildInput) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if in.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: in.System}},
		}
	}
	if s := in.Settings; s != nil {
		if s.Temperature != nil {
			config.Temperature = genai.Ptr(float32(*s.Temperature))
		}
		if s.TopP != nil {
			config.TopP = genai.Ptr(float32(*s.TopP))
		}
		if s.MaxTokens != nil {
			config.MaxOutputTokens = int32(*s.MaxTokens)
		}
		config.StopSequences = s.Stop
		if s.Reasoning.On() {
			thinking := &genai.ThinkingConfig{IncludeThoughts: true}
			if s.Reasoning.Budget != nil {
				thinking.ThinkingBudget = genai.Ptr(int32(*s.Reasoning.Budget))
			}
			config.ThinkingConfig = thinking
		}
	}
	if len(in.Tools) > 0 {
		config.Tools = c.SerializeTools(in.Tools).([]*genai.Tool)
	}
	if choice := c.SerializeToolChoice(in.ToolChoice); choice != nil {
		config.ToolConfig = choice.(*genai.ToolConfig)
	}
	return config
}

func (c *GeminiCompat) buildContents(messages []protocol.Message) []*genai.Content {
	var contents []*genai.Content
	for _, msg := range messages {
		switch msg.Role {
		case protocol.RoleSystem:
			continue

		case protocol.RoleUser:
			var parts []*genai.Part
			for _, part := range msg.Content {
				switch part.Type {
				case protocol.ContentPartTypeText:
					if isBlank(part.Text) {
						continue
					}
					parts = append(parts, &genai.Part{Text: part.Text})
				case protocol.ContentPartTypeImage:
					parts = append(parts, &genai.Part{
						FileData: &genai.FileData{FileURI: part.ImageURL},
					})
				case protocol.ContentPartTypeDocument:
					if part.Source != nil && part.Source.Base64 != "" {
						parts = append(parts, &genai.Part{
							InlineData: &genai.Blob{
								MIMEType: part.MimeType,
								Data:     decodeBase64(part.Source.Base64),
							},
						})
					}
				}
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: parts})
			}

		case protocol.RoleAssistant:
			var parts []*genai.Part
			if text := msg.JoinedText(); !isBlank(text) {
				parts = append(parts, &genai.Part{Text: text})
			}
			for _, call := range msg.ToolCalls {
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{Name: call.Name, Args: call.Arguments},
				})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
			}

		case protocol.RoleTool:
			contents = append(contents, &genai.Content{
				Role: genai.RoleUser,
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						Name:     msg.Name,
						Response: map[string]any{"content": msg.JoinedText()},
					},
				}},
			})
		}
	}
	return contents
}

// CallSDK performs one non-streaming exchange through the SDK.
func (c *GeminiCompat) CallSDK(ctx context.Context, in BuildInput) (*protocol.LLMResponse, error) {
	client, err := c.ensureClient(ctx)
	if err != nil {
		return nil, err
	}

	response, err := client.Models.GenerateContent(ctx, in.Model, c.buildContents(in.Messages), c.buildConfig(in))
	if err != nil {
		return nil, fmt.Errorf("gemini call failed: %w", err)
	}
	if len(response.Candidates) == 0 {
		return nil, fmt.Errorf("gemini response has no candidates")
	}
	return c.convertResponse(in.Model, response), nil
}

func (c *GeminiCompat) convertResponse(model string, response *genai.GenerateContentResponse) *protocol.LLMResponse {
	out := &protocol.LLMResponse{Model: model, Role: protocol.RoleAssistant}

	candidate := response.Candidates[0]
	callSeq := 0
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			switch {
			case part.Thought && part.Text != "":
				if out.Reasoning == nil {
					out.Reasoning = &protocol.Reasoning{}
				}
				out.Reasoning.Text += part.Text
			case part.Text != "":
				out.Content = append(out.Content, protocol.TextPart(part.Text))
			case part.FunctionCall != nil:
				out.ToolCalls = append(out.ToolCalls, protocol.ToolCall{
					ID:        fmt.Sprintf("call_%d", callSeq),
					Name:      part.FunctionCall.Name,
					Arguments: part.FunctionCall.Args,
				})
				callSeq++
			}
		}
	}

	switch {
	case len(out.ToolCalls) > 0:
		out.FinishReason = protocol.FinishReasonToolCalls
	case candidate.FinishReason == genai.FinishReasonMaxTokens:
		out.FinishReason = protocol.FinishReasonLength
	default:
		out.FinishReason = protocol.FinishReasonStop
	}

	if meta := response.UsageMetadata; meta != nil {
		out.Usage = &protocol.Usage{
			PromptTokens:     int(meta.PromptTokenCount),
			CompletionTokens: int(meta.CandidatesTokenCount),
			TotalTokens:      int(meta.TotalTokenCount),
			ReasoningTokens:  int(meta.ThoughtsTokenCount),
		}
	}
	return out
}

// StreamSDK performs one streaming exchange. Function calls arrive whole, so
// each one is emitted as an immediate start and end pair.
func (c *GeminiCompat) StreamSDK(ctx context.Context, in BuildInput) (<-chan protocol.StreamEvent, error) {
	client, err := c.ensureClient(ctx)
	if err != nil {
		return nil, err
	}

	events := make(chan protocol.StreamEvent, 16)
	go func() {
		defer close(events)
		callSeq := 0
		var usage *protocol.Usage

		for response, err := range client.Models.GenerateContentStream(ctx, in.Model, c.buildContents(in.Messages), c.buildConfig(in)) {
			if err != nil {
				events <- protocol.ErrorEvent("provider_error", err.Error())
				return
			}
			if meta := response.UsageMetadata; meta != nil {
				usage = &protocol.Usage{
					PromptTokens:     int(meta.PromptTokenCount),
					CompletionTokens: int(meta.CandidatesTokenCount),
					TotalTokens:      int(meta.TotalTokenCount),
					ReasoningTokens:  int(meta.ThoughtsTokenCount),
				}
			}
			if len(response.Candidates) == 0 || response.Candidates[0].Content == nil {
				continue
			}
			for _, part := range response.Candidates[0].Content.Parts {
				switch {
				case part.Thought && part.Text != "":
					events <- protocol.StreamEvent{
						Type:      protocol.StreamEventReasoning,
						Reasoning: &protocol.ReasoningDelta{Text: part.Text},
					}
				case part.Text != "":
					events <- protocol.DeltaEvent(part.Text)
				case part.FunctionCall != nil:
					callID := fmt.Sprintf("call_%d", callSeq)
					callSeq++
					events <- protocol.ToolStreamEvent(protocol.ToolEvent{
						Phase:  protocol.ToolPhaseStart,
						CallID: callID,
						Name:   part.FunctionCall.Name,
					})
					events <- protocol.ToolStreamEvent(protocol.ToolEvent{
						Phase:     protocol.ToolPhaseEnd,
						CallID:    callID,
						Name:      part.FunctionCall.Name,
						Arguments: marshalArguments(part.FunctionCall.Args),
					})
				}
			}
		}
		if usage != nil {
			events <- protocol.StreamEvent{Type: protocol.StreamEventUsage, Usage: usage}
		}
	}()
	return events, nil
}
