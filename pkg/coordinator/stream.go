package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelgate/modelgate/pkg/protocol"
	"github.com/modelgate/modelgate/pkg/provider"
	"github.com/modelgate/modelgate/pkg/toolloop"
	"github.com/modelgate/modelgate/pkg/tools"
)

// Stream executes a streaming call. Validation and tool discovery happen
// synchronously so spec errors surface as a JSON 400 before any SSE bytes;
// everything after runs in a goroutine feeding the returned channel, which
// closes when the run ends. Failures after the stream opened arrive as a
// terminal error event.
func (c *Coordinator) Stream(ctx context.Context, spec *protocol.LLMCallSpec) (<-chan protocol.StreamEvent, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}
	ctx = batchScope(ctx, spec)

	set, rt, err := c.discover(ctx, spec)
	if err != nil {
		return nil, err
	}

	out := make(chan protocol.StreamEvent, 16)
	go func() {
		defer close(out)

		emit := func(ev protocol.StreamEvent) {
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		}
		if err := c.streamRun(ctx, spec, set, rt, emit); err != nil {
			emit(errorEventFor(err))
		}
	}()
	return out, nil
}

func (c *Coordinator) streamRun(ctx context.Context, spec *protocol.LLMCallSpec, set *tools.ToolSet, rt *toolRuntime, emit func(protocol.StreamEvent)) error {
	var toolset []protocol.UnifiedTool
	if set != nil {
		toolset = set.Tools
	}

	// document preprocessing follows the first target's manifest; failover
	// targets reuse the same processed history
	firstPlan, err := c.plan(spec, spec.LLMPriority[0], toolset)
	if err != nil {
		return err
	}

	var chosen *callPlan
	open := func(ctx context.Context, messages []protocol.Message, toolset []protocol.UnifiedTool) (*provider.StreamHandle, error) {
		if chosen != nil {
			in := chosen.input
			in.Messages = messages
			in.Tools = toolset
			return c.providers.Stream(ctx, chosen.target.Provider, in, chosen.extras)
		}
		var lastErr error
		for i, target := range spec.LLMPriority {
			plan := firstPlan
			if i > 0 {
				var err error
				plan, err = c.plan(spec, target, toolset)
				if err != nil {
					return nil, err
				}
			}
			in := plan.input
			in.Messages = messages
			in.Tools = toolset
			handle, err := c.providers.Stream(ctx, target.Provider, in, plan.extras)
			if err == nil {
				chosen = plan
				return handle, nil
			}
			var execErr *provider.ExecutionError
			if !errors.As(err, &execErr) || i == len(spec.LLMPriority)-1 {
				return nil, err
			}
			c.logger.Warn("provider stream failed, trying next in priority",
				"provider", target.Provider, "rateLimited", execErr.IsRateLimit, "error", err)
			lastErr = err
		}
		return nil, lastErr
	}

	if rt == nil {
		return forwardStream(ctx, firstPlan.messages, open, emit)
	}

	loop := toolloop.New(rt.dispatcher, set, toolloop.ParseOptions(firstPlan.runtime), c.logger)
	_, _, err = loop.RunStream(ctx, firstPlan.messages, open, emit)
	return err
}

// forwardStream is the tool-less path: one provider stream, events relayed
// as-is, terminal error events returned as the run error.
func forwardStream(ctx context.Context, messages []protocol.Message, open toolloop.StreamFunc, emit func(protocol.StreamEvent)) error {
	handle, err := open(ctx, messages, nil)
	if err != nil {
		return err
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
		return fmt.Errorf("stream failed: %s", streamErr.Message)
	}
	return nil
}

func errorEventFor(err error) protocol.StreamEvent {
	var execErr *provider.ExecutionError
	if errors.As(err, &execErr) {
		code := "provider_error"
		if execErr.IsRateLimit {
			code = "rate_limited"
		}
		return protocol.ErrorEvent(code, err.Error())
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return protocol.ErrorEvent("validation_error", err.Error())
	}
	return protocol.ErrorEvent("internal_error", err.Error())
}
