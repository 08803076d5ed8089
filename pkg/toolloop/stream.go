package toolloop

import (
	"context"
	"fmt"

	"github.com/modelgate/modelgate/pkg/compat"
	"github.com/modelgate/modelgate/pkg/history"
	"github.com/modelgate/modelgate/pkg/protocol"
	"github.com/modelgate/modelgate/pkg/provider"
)

// StreamFunc opens one streaming provider exchange with the current history
// and tool set.
type StreamFunc func(ctx context.Context, messages []protocol.Message, toolset []protocol.UnifiedTool) (*provider.StreamHandle, error)

// RunStream drives the streaming loop. Every provider event is forwarded to
// emit as it arrives; tool executions between rounds surface as tool_result
// events. Terminal error events become the returned error instead of being
// forwarded, so the caller renders the failure exactly once.
func (l *Loop) RunStream(ctx context.Context, messages []protocol.Message, stream StreamFunc, emit func(protocol.StreamEvent)) (compat.StreamFinal, []protocol.Message, error) {
	toolset := l.set.Tools
	finalRound := false

	for {
		handle, err := stream(ctx, messages, toolset)
		if err != nil {
			return compat.StreamFinal{}, messages, err
		}

		var streamErr *protocol.ErrorBody
		for event := range handle.Events {
			if event.Type == protocol.StreamEventError {
				streamErr = event.Error
				continue
			}
			emit(event)
		}
		if streamErr != nil {
			return compat.StreamFinal{}, messages, fmt.Errorf("stream failed: %s", streamErr.Message)
		}

		final := handle.Final()
		if finalRound || !handle.FinishedWithToolCalls() {
			return final, messages, nil
		}

		messages = append(messages, assistantMessage(final))

		toolMsgs, _, exhausted, err := l.executeRound(ctx, final.ToolCalls)
		if err != nil {
			return compat.StreamFinal{}, messages, err
		}
		emitToolResults(emit, final.ToolCalls, toolMsgs)
		messages = append(messages, toolMsgs...)

		history.PruneToolResults(messages, l.opts.PreserveToolResults)
		history.PruneReasoning(messages, l.opts.PreserveReasoning)

		if exhausted {
			if !l.opts.FinalPrompt {
				return final, messages, nil
			}
			messages = append(messages, protocol.Message{
				Role:    protocol.RoleUser,
				Content: []protocol.ContentPart{protocol.TextPart(FinalPromptText)},
			})
			toolset = nil
			finalRound = true
		}
	}
}

// assistantMessage rebuilds the assistant turn from the aggregated stream
// values so the next round sees what was streamed.
func assistantMessage(final compat.StreamFinal) protocol.Message {
	msg := protocol.Message{
		Role:      protocol.RoleAssistant,
		ToolCalls: final.ToolCalls,
		Reasoning: final.Reasoning,
	}
	if final.Text != "" {
		msg.Content = append(msg.Content, protocol.TextPart(final.Text))
	}
	return msg
}

func emitToolResults(emit func(protocol.StreamEvent), calls []protocol.ToolCall, toolMsgs []protocol.Message) {
	for i, msg := range toolMsgs {
		for _, part := range msg.Content {
			if part.Type != protocol.ContentPartTypeToolResult {
				continue
			}
			emit(protocol.ToolStreamEvent(protocol.ToolEvent{
				Phase:   protocol.ToolPhaseResult,
				CallID:  calls[i].ID,
				Name:    part.ToolName,
				Result:  part.Result,
				IsError: part.IsError,
			}))
		}
	}
}
