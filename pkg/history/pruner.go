// Package history implements context pruning between tool rounds: historical
// tool results and reasoning are redacted down to a window of the most recent
// cycles so long conversations stay within provider context limits.
package history

import (
	"strconv"
	"strings"

	"github.com/modelgate/modelgate/pkg/protocol"
)

const (
	// RedactedPlaceholder replaces the text of a pruned tool result.
	RedactedPlaceholder = "[tool result redacted]"

	// RedactionReason is attached to the tool_result part of pruned messages.
	RedactionReason = "context_pruned"
)

// PreservePolicy is the parsed form of "all" | "none" | N.
type PreservePolicy struct {
	All bool
	N   int
}

// PreserveAll keeps everything.
var PreserveAll = PreservePolicy{All: true}

// ParsePreservePolicy coerces a raw setting value. Unrecognized values fall
// back to def; negative counts clamp to zero.
func ParsePreservePolicy(value any, def PreservePolicy) PreservePolicy {
	switch v := value.(type) {
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "all":
			return PreserveAll
		case "none":
			return PreservePolicy{N: 0}
		}
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return PreservePolicy{N: max(n, 0)}
		}
	case int:
		return PreservePolicy{N: max(v, 0)}
	case int64:
		return PreservePolicy{N: max(int(v), 0)}
	case float64:
		return PreservePolicy{N: max(int(v), 0)}
	}
	return def
}

// Cycle is an assistant turn with tool calls plus the indices of the tool
// messages answering them.
type Cycle struct {
	AssistantIndex int
	ToolIndexes    []int
}

// FindToolCycles identifies tool cycles in order of appearance. A cycle is an
// assistant message with a non-empty toolCalls list together with the
// immediately following tool messages whose toolCallId matches one of its
// calls. Orphaned tool messages are never assigned to a cycle.
func FindToolCycles(messages []protocol.Message) []Cycle {
	var cycles []Cycle
	for i := 0; i < len(messages); i++ {
		msg := messages[i]
		if msg.Role != protocol.RoleAssistant || len(msg.ToolCalls) == 0 {
			continue
		}
		callIDs := make(map[string]bool, len(msg.ToolCalls))
		for _, call := range msg.ToolCalls {
			callIDs[call.ID] = true
		}

		cycle := Cycle{AssistantIndex: i}
		for j := i + 1; j < len(messages); j++ {
			if messages[j].Role != protocol.RoleTool {
				break
			}
			if callIDs[messages[j].ToolCallID] {
				cycle.ToolIndexes = append(cycle.ToolIndexes, j)
			}
		}
		cycles = append(cycles, cycle)
	}
	return cycles
}

// PruneToolResults rewrites the tool messages of all but the last policy.N
// cycles: the first text part becomes RedactedPlaceholder and a tool_result
// part carries {redacted:true, reason:RedactionReason}. Already-redacted
// messages are skipped, making the operation idempotent. System and user
// messages are never touched.
func PruneToolResults(messages []protocol.Message, policy PreservePolicy) {
	if policy.All {
		return
	}
	cycles := FindToolCycles(messages)
	keep := policy.N
	if keep > len(cycles) {
		keep = len(cycles)
	}
	for _, cycle := range cycles[:len(cycles)-keep] {
		for _, idx := range cycle.ToolIndexes {
			redactToolMessage(&messages[idx])
		}
	}
}

func redactToolMessage(msg *protocol.Message) {
	if isRedacted(msg) {
		return
	}
	redactedResult := map[string]any{"redacted": true, "reason": RedactionReason}

	textDone := false
	resultDone := false
	for i := range msg.Content {
		part := &msg.Content[i]
		switch part.Type {
		case protocol.ContentPartTypeText:
			if !textDone {
				part.Text = RedactedPlaceholder
				textDone = true
			}
		case protocol.ContentPartTypeToolResult:
			if !resultDone {
				part.Result = redactedResult
				part.IsError = false
				resultDone = true
			}
		}
	}
	if !textDone {
		msg.Content = append(msg.Content, protocol.TextPart(RedactedPlaceholder))
	}
	if !resultDone {
		msg.Content = append(msg.Content, protocol.ContentPart{
			Type:   protocol.ContentPartTypeToolResult,
			Result: redactedResult,
		})
	}
}

func isRedacted(msg *protocol.Message) bool {
	for _, part := range msg.Content {
		if part.Type != protocol.ContentPartTypeToolResult {
			continue
		}
		if result, ok := part.Result.(map[string]any); ok {
			if redacted, _ := result["redacted"].(bool); redacted {
				return true
			}
		}
	}
	return false
}

// PruneReasoning marks reasoning redacted on all but the last policy.N
// reasoning-bearing assistant messages. Whether a compat honors the flag is
// provider-specific: families with signed thinking blocks ignore it.
func PruneReasoning(messages []protocol.Message, policy PreservePolicy) {
	if policy.All {
		return
	}
	var bearing []int
	for i := range messages {
		if messages[i].Role == protocol.RoleAssistant && messages[i].Reasoning != nil && messages[i].Reasoning.Text != "" {
			bearing = append(bearing, i)
		}
	}
	keep := policy.N
	if keep > len(bearing) {
		keep = len(bearing)
	}
	for _, idx := range bearing[:len(bearing)-keep] {
		messages[idx].Reasoning.Redacted = true
	}
}
