package toolloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/modelgate/modelgate/pkg/history"
	"github.com/modelgate/modelgate/pkg/protocol"
	"github.com/modelgate/modelgate/pkg/tools"
)

// FinalPromptText opens the synthetic user message injected when the budget
// is spent and the final prompt is enabled.
const FinalPromptText = "All tool calls have been consumed. Provide your final answer using the tool results above; no further tool calls are available."

// TruncationMarker is appended as a second text part when a tool result was
// cut down to toolResultMaxChars.
const TruncationMarker = "[tool result truncated]"

// CallFunc performs one non-streaming provider exchange with the current
// history and tool set.
type CallFunc func(ctx context.Context, messages []protocol.Message, toolset []protocol.UnifiedTool) (*protocol.LLMResponse, error)

// Loop executes tool rounds against a dispatcher until the model stops
// calling tools or the budget ends the conversation.
type Loop struct {
	dispatcher *tools.Dispatcher
	set        *tools.ToolSet
	opts       Options
	logger     *slog.Logger
}

func New(dispatcher *tools.Dispatcher, set *tools.ToolSet, opts Options, logger *slog.Logger) *Loop {
	return &Loop{dispatcher: dispatcher, set: set, opts: opts, logger: logger}
}

func countdownText(used, max, remaining int) string {
	return fmt.Sprintf("Tool calls used %d of %d - %d remaining.", used, max, remaining)
}

// Run drives the non-streaming loop starting from an initial response that
// contains tool calls. It returns the final response (with accumulated tool
// results under raw.toolResults) and the full message history.
func (l *Loop) Run(ctx context.Context, messages []protocol.Message, initial *protocol.LLMResponse, call CallFunc) (*protocol.LLMResponse, []protocol.Message, error) {
	last := initial
	var records []map[string]any

	for {
		if len(last.ToolCalls) == 0 {
			return attachRecords(last, records), messages, nil
		}

		messages = append(messages, last.AsMessage())

		toolMsgs, roundRecords, exhausted, err := l.executeRound(ctx, last.ToolCalls)
		if err != nil {
			return nil, messages, err
		}
		messages = append(messages, toolMsgs...)
		records = append(records, roundRecords...)

		history.PruneToolResults(messages, l.opts.PreserveToolResults)
		history.PruneReasoning(messages, l.opts.PreserveReasoning)

		if exhausted {
			if !l.opts.FinalPrompt {
				return attachRecords(last, records), messages, nil
			}
			messages = append(messages, protocol.Message{
				Role:    protocol.RoleUser,
				Content: []protocol.ContentPart{protocol.TextPart(FinalPromptText)},
			})
			final, err := call(ctx, messages, nil)
			if err != nil {
				return nil, messages, err
			}
			return attachRecords(final, records), messages, nil
		}

		next, err := call(ctx, messages, l.set.Tools)
		if err != nil {
			return nil, messages, err
		}
		last = next
	}
}

// executeRound runs every tool call of one assistant turn. Once the budget
// rejects a call, it and all remaining calls get a budget-exhausted tool
// message and the round reports exhaustion.
func (l *Loop) executeRound(ctx context.Context, calls []protocol.ToolCall) ([]protocol.Message, []map[string]any, bool, error) {
	messages := make([]protocol.Message, len(calls))
	records := make([]map[string]any, len(calls))

	// budget decisions stay sequential even in parallel mode
	granted := len(calls)
	for i := range calls {
		if !l.opts.Budget.Consume(1) {
			granted = i
			break
		}
	}
	for i := granted; i < len(calls); i++ {
		messages[i] = l.budgetExhaustedMessage(calls[i])
	}

	total, bounded := l.opts.Budget.Max()
	firstNumber := l.opts.Budget.Used() - granted + 1
	remaining := l.opts.Budget.Remaining()

	runOne := func(ctx context.Context, i int) error {
		call := calls[i]
		if bounded {
			ctx = WithProgress(ctx, Progress{
				ToolCallNumber:     firstNumber + i,
				ToolCallTotal:      total,
				ToolCallsRemaining: remaining,
				FinalToolCall:      remaining == 0 && i == granted-1,
			})
		}
		msg, record, err := l.invoke(ctx, call)
		if err != nil {
			return err
		}
		messages[i] = msg
		records[i] = record
		return nil
	}

	if l.opts.Parallel && granted > 1 {
		group, groupCtx := errgroup.WithContext(ctx)
		for i := 0; i < granted; i++ {
			group.Go(func() error { return runOne(groupCtx, i) })
		}
		if err := group.Wait(); err != nil {
			return nil, nil, false, err
		}
	} else {
		for i := 0; i < granted; i++ {
			if err := runOne(ctx, i); err != nil {
				return nil, nil, false, err
			}
		}
	}

	compactRecords := make([]map[string]any, 0, granted)
	for _, record := range records {
		if record != nil {
			compactRecords = append(compactRecords, record)
		}
	}
	return messages, compactRecords, granted < len(calls), nil
}

// invoke dispatches one call and renders its tool message. Fatal dispatcher
// errors propagate; everything else becomes a tool_execution_failed result
// the model can react to.
func (l *Loop) invoke(ctx context.Context, call protocol.ToolCall) (protocol.Message, map[string]any, error) {
	original := l.set.Original(call.Name)

	result, err := l.dispatcher.Dispatch(ctx, original, call.Arguments)
	isError := false
	if err != nil {
		var execErr *tools.ToolExecutionError
		if errors.As(err, &execErr) && execErr.Fatal {
			return protocol.Message{}, nil, err
		}
		l.logger.Warn("tool execution failed", "tool", original, "error", err)
		result = map[string]any{
			"error":   "tool_execution_failed",
			"message": err.Error(),
			"tool":    original,
		}
		isError = true
	}

	msg := l.toolMessage(call, original, result, isError)
	record := map[string]any{"tool": original, "result": result}
	return msg, record, nil
}

func (l *Loop) toolMessage(call protocol.ToolCall, original string, result map[string]any, isError bool) protocol.Message {
	text := stringifyResult(result)

	parts := []protocol.ContentPart{}
	if l.opts.ToolResultMaxChars > 0 {
		if runes := []rune(text); len(runes) > l.opts.ToolResultMaxChars {
			text = string(runes[:l.opts.ToolResultMaxChars]) + "…"
			parts = append(parts, protocol.TextPart(text), protocol.TextPart(TruncationMarker))
		}
	}
	if len(parts) == 0 {
		parts = append(parts, protocol.TextPart(text))
	}
	parts = append(parts, protocol.ToolResultPart(original, result, isError))

	if l.opts.Countdown {
		if max, bounded := l.opts.Budget.Max(); bounded {
			parts = append(parts, protocol.TextPart(countdownText(l.opts.Budget.Used(), max, l.opts.Budget.Remaining())))
		}
	}

	return protocol.Message{
		Role:       protocol.RoleTool,
		ToolCallID: call.ID,
		Name:       call.Name,
		Content:    parts,
	}
}

func (l *Loop) budgetExhaustedMessage(call protocol.ToolCall) protocol.Message {
	result := map[string]any{"error": "tool_call_budget_exhausted"}
	return protocol.Message{
		Role:       protocol.RoleTool,
		ToolCallID: call.ID,
		Name:       call.Name,
		Content: []protocol.ContentPart{
			protocol.TextPart(stringifyResult(result)),
			protocol.ToolResultPart(l.set.Original(call.Name), result, true),
		},
	}
}

func stringifyResult(result map[string]any) string {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return string(raw)
}

func attachRecords(response *protocol.LLMResponse, records []map[string]any) *protocol.LLMResponse {
	if len(records) == 0 {
		return response
	}
	if response.Raw == nil {
		response.Raw = make(map[string]any, 1)
	}
	response.Raw["toolResults"] = records
	return response
}
