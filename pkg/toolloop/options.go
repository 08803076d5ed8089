// Package toolloop drives the assistant-tool-assistant cycle of a single
// run: budget accounting, countdown and final-prompt injection, result
// truncation, history pruning, and sequential or parallel tool execution.
package toolloop

import (
	"context"

	"github.com/modelgate/modelgate/pkg/budget"
	"github.com/modelgate/modelgate/pkg/history"
	"github.com/modelgate/modelgate/pkg/utils"
)

// Options are the runtime flags of one loop, coerced from the call spec's
// runtime settings.
type Options struct {
	Budget              *budget.ToolCallBudget
	Countdown           bool
	FinalPrompt         bool
	Parallel            bool
	ToolResultMaxChars  int
	PreserveToolResults history.PreservePolicy
	PreserveReasoning   history.PreservePolicy
}

// ParseOptions coerces the runtime settings map. Loosely-typed flag values
// ("yes", 1, "off") are normalized; the budget defaults to 10 calls.
func ParseOptions(runtime map[string]any) Options {
	return Options{
		Budget:              budget.New(utils.ParseMaxToolIterations(runtime["maxToolIterations"])),
		Countdown:           utils.NormalizeFlag(runtime["toolCountdownEnabled"], false),
		FinalPrompt:         utils.NormalizeFlag(runtime["toolFinalPromptEnabled"], false),
		Parallel:            utils.NormalizeFlag(runtime["parallelToolExecution"], false),
		ToolResultMaxChars:  utils.ParseChars(runtime["toolResultMaxChars"]),
		PreserveToolResults: history.ParsePreservePolicy(runtime["preserveToolResults"], history.PreserveAll),
		PreserveReasoning:   history.ParsePreservePolicy(runtime["preserveReasoning"], history.PreserveAll),
	}
}

// Progress describes where one tool call sits within the budget. It is
// threaded into the dispatcher context for telemetry and omitted entirely
// when the budget is unbounded.
type Progress struct {
	ToolCallNumber     int  `json:"toolCallNumber"`
	ToolCallTotal      int  `json:"toolCallTotal"`
	ToolCallsRemaining int  `json:"toolCallsRemaining"`
	FinalToolCall      bool `json:"finalToolCall"`
}

type progressKey struct{}

// WithProgress attaches call progress to a context.
func WithProgress(ctx context.Context, p Progress) context.Context {
	return context.WithValue(ctx, progressKey{}, p)
}

// ProgressFromContext returns the progress attached by WithProgress.
func ProgressFromContext(ctx context.Context) (Progress, bool) {
	p, ok := ctx.Value(progressKey{}).(Progress)
	return p, ok
}
