// Package coordinator executes one call specification end to end: provider
// resolution with priority failover, settings partitioning, document
// preprocessing, tool discovery, and the tool loop. A coordinator is
// short-lived; the facade creates one per request and closes it at the end.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/modelgate/modelgate/pkg/compat"
	"github.com/modelgate/modelgate/pkg/embedders"
	"github.com/modelgate/modelgate/pkg/logger"
	"github.com/modelgate/modelgate/pkg/mcpman"
	"github.com/modelgate/modelgate/pkg/plugins"
	"github.com/modelgate/modelgate/pkg/protocol"
	"github.com/modelgate/modelgate/pkg/provider"
	"github.com/modelgate/modelgate/pkg/toolloop"
	"github.com/modelgate/modelgate/pkg/tools"
	"github.com/modelgate/modelgate/pkg/vector"
)

// ValidationError is a malformed or unsatisfiable call spec. The facade maps
// it to HTTP 400.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Coordinator owns the per-request execution state. Provider exchanges go
// through the shared manager; the retrieval subsystems are created lazily
// and drained on Close.
type Coordinator struct {
	registry  *plugins.Registry
	compats   *compat.Registry
	providers *provider.Manager
	sinks     *logger.SinkManager
	logger    *slog.Logger

	mu      sync.Mutex
	runtime *toolRuntime
}

// toolRuntime bundles the lazily-created tool subsystems of one coordinator.
type toolRuntime struct {
	mcp        *mcpman.Manager
	embedders  *embedders.Manager
	vectors    *vector.Manager
	discovery  *tools.Discovery
	dispatcher *tools.Dispatcher
}

func New(registry *plugins.Registry, compats *compat.Registry, sinks *logger.SinkManager, log *slog.Logger) *Coordinator {
	return &Coordinator{
		registry:  registry,
		compats:   compats,
		providers: provider.NewManager(registry, compats, sinks, log),
		sinks:     sinks,
		logger:    log,
	}
}

// needsTools reports whether the spec references any tool source. Only then
// is the tool runtime created, so a plain chat call never touches the tool,
// MCP, or vector manifest categories.
func needsTools(spec *protocol.LLMCallSpec) bool {
	return len(spec.Tools) > 0 ||
		len(spec.FunctionToolNames) > 0 ||
		len(spec.MCPServers) > 0 ||
		len(spec.VectorPriority) > 0 ||
		spec.VectorContext != nil
}

func (c *Coordinator) toolRuntime() *toolRuntime {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runtime == nil {
		mcp := mcpman.NewManager(c.registry, c.logger)
		embed := embedders.NewManager(c.registry, c.sinks, c.logger)
		vectors := vector.NewManager(c.registry, embed.EmbedOne, c.sinks, c.logger)
		c.runtime = &toolRuntime{
			mcp:        mcp,
			embedders:  embed,
			vectors:    vectors,
			discovery:  tools.NewDiscovery(c.registry, mcp, vectors, c.logger),
			dispatcher: tools.NewDispatcher(c.registry, mcp, vectors, c.logger),
		}
	}
	return c.runtime
}

// retrieval returns the runtime for the vector/embedding endpoints, which
// share the same lazily-created managers.
func (c *Coordinator) retrieval() *toolRuntime {
	return c.toolRuntime()
}

// RegisterModule exposes in-process tool handlers for module routes, for
// callers embedding the gateway as a library.
func (c *Coordinator) RegisterModule(path, handler string, fn tools.ModuleFunc) {
	c.toolRuntime().dispatcher.RegisterModule(path, handler, fn)
}

func validateSpec(spec *protocol.LLMCallSpec) error {
	if spec == nil || len(spec.Messages) == 0 {
		return validationErrorf("spec requires at least one message")
	}
	if len(spec.LLMPriority) == 0 {
		return validationErrorf("spec requires a non-empty llmPriority")
	}
	for i, target := range spec.LLMPriority {
		if target.Provider == "" || target.Model == "" {
			return validationErrorf("llmPriority[%d] requires provider and model", i)
		}
	}
	return nil
}

// callPlan is the per-target result of settings merging and document
// preprocessing, ready to hand to the provider manager.
type callPlan struct {
	target   protocol.LLMTarget
	manifest *plugins.ProviderManifest
	input    compat.BuildInput
	extras   map[string]any
	runtime  map[string]any
	messages []protocol.Message
}

func (c *Coordinator) plan(spec *protocol.LLMCallSpec, target protocol.LLMTarget, toolset []protocol.UnifiedTool) (*callPlan, error) {
	manifest, _, err := c.providers.Resolve(target.Provider)
	if err != nil {
		return nil, err
	}

	merged := protocol.DeepMerge(spec.Settings, target.Settings)
	llm, runtime, extras := protocol.PartitionSettings(merged)
	settings := protocol.ParseCallSettings(llm)

	processed, err := preprocessDocuments(spec.Messages, manifest.DocumentMode)
	if err != nil {
		return nil, err
	}
	system, rest := compat.AggregateSystem(processed)

	return &callPlan{
		target:   target,
		manifest: manifest,
		input: compat.BuildInput{
			Model:    target.Model,
			System:   system,
			Messages: rest,
			Settings: &settings,
			Tools:    toolset,
		},
		extras:   extras,
		runtime:  runtime,
		messages: rest,
	}, nil
}

// batchScope applies metadata.batchId to the request context so the per-call
// sinks of this run land under the batch directory.
func batchScope(ctx context.Context, spec *protocol.LLMCallSpec) context.Context {
	if id, ok := spec.Metadata["batchId"].(string); ok && id != "" {
		return logger.WithBatchID(ctx, id)
	}
	return ctx
}

// discover builds the effective tool set and configures the dispatcher.
// It returns a nil set when the spec references no tool source.
func (c *Coordinator) discover(ctx context.Context, spec *protocol.LLMCallSpec) (*tools.ToolSet, *toolRuntime, error) {
	if !needsTools(spec) {
		return nil, nil, nil
	}
	rt := c.toolRuntime()
	set, err := rt.discovery.Discover(ctx, spec)
	if err != nil {
		return nil, nil, err
	}
	rt.dispatcher.SetMCPServers(set.MCPServers)
	if mode := vectorMode(spec); mode == "tool" || mode == "both" {
		toolName := ""
		if spec.VectorContext != nil {
			toolName = spec.VectorContext.ToolName
		}
		rt.dispatcher.EnableVectorSearch(toolName, spec.VectorPriority)
	}
	return set, rt, nil
}

func vectorMode(spec *protocol.LLMCallSpec) string {
	if spec.VectorContext == nil {
		return "off"
	}
	return spec.VectorContext.Mode
}

// Run executes a non-streaming call: resolve the provider (failing over
// through llmPriority on provider execution errors), call it, and drive the
// tool loop when the response carries tool calls.
func (c *Coordinator) Run(ctx context.Context, spec *protocol.LLMCallSpec) (*protocol.LLMResponse, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}
	ctx = batchScope(ctx, spec)

	set, rt, err := c.discover(ctx, spec)
	if err != nil {
		return nil, err
	}
	var toolset []protocol.UnifiedTool
	if set != nil {
		toolset = set.Tools
	}

	plan, response, err := c.callWithFailover(ctx, spec, toolset)
	if err != nil {
		return nil, err
	}

	if len(response.ToolCalls) == 0 || rt == nil {
		return response, nil
	}

	loop := toolloop.New(rt.dispatcher, set, toolloop.ParseOptions(plan.runtime), c.logger)
	final, _, err := loop.Run(ctx, plan.messages, response, func(ctx context.Context, messages []protocol.Message, toolset []protocol.UnifiedTool) (*protocol.LLMResponse, error) {
		in := plan.input
		in.Messages = messages
		in.Tools = toolset
		return c.providers.Call(ctx, plan.target.Provider, in, plan.extras)
	})
	return final, err
}

// callWithFailover tries each priority target in order. Provider execution
// errors (transport, non-2xx, rate limits) move on to the next target;
// anything else fails the run immediately.
func (c *Coordinator) callWithFailover(ctx context.Context, spec *protocol.LLMCallSpec, toolset []protocol.UnifiedTool) (*callPlan, *protocol.LLMResponse, error) {
	var lastErr error
	for i, target := range spec.LLMPriority {
		plan, err := c.plan(spec, target, toolset)
		if err != nil {
			return nil, nil, err
		}
		response, err := c.providers.Call(ctx, target.Provider, plan.input, plan.extras)
		if err == nil {
			return plan, response, nil
		}
		var execErr *provider.ExecutionError
		if !errors.As(err, &execErr) || i == len(spec.LLMPriority)-1 {
			return nil, nil, err
		}
		c.logger.Warn("provider failed, trying next in priority",
			"provider", target.Provider, "rateLimited", execErr.IsRateLimit, "error", err)
		lastErr = err
	}
	return nil, nil, lastErr
}

// Close drains every lazily-created subsystem.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	rt := c.runtime
	c.runtime = nil
	c.mu.Unlock()
	if rt == nil {
		return nil
	}
	var errs []error
	if err := rt.mcp.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := rt.vectors.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := rt.embedders.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
