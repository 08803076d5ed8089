package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/modelgate/modelgate/pkg/httpclient"
	"github.com/modelgate/modelgate/pkg/mcpman"
	"github.com/modelgate/modelgate/pkg/plugins"
	"github.com/modelgate/modelgate/pkg/protocol"
	"github.com/modelgate/modelgate/pkg/vector"
)

// DefaultToolTimeout bounds a single tool invocation when the route does not
// set its own timeout.
const DefaultToolTimeout = 120 * time.Second

// ToolExecutionError is a failed tool invocation. Fatal errors (timeouts,
// subprocess crashes) abort the tool loop; others are reported back to the
// model as tool results.
type ToolExecutionError struct {
	Tool  string
	Fatal bool
	Err   error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %q failed: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// ModuleFunc is an in-process tool handler registered under a module path.
type ModuleFunc func(ctx context.Context, args map[string]any) (any, error)

// Dispatcher routes a tool call to its configured invoke kind. Routes come
// from the plugin registry and are compiled once on first dispatch.
type Dispatcher struct {
	registry *plugins.Registry
	mcp      *mcpman.Manager
	vectors  *vector.Manager
	logger   *slog.Logger
	client   *httpclient.Client

	modulesMu sync.RWMutex
	modules   map[string]ModuleFunc

	vectorToolName string
	vectorEnabled  bool
	vectorPriority []string
	mcpServers     []string

	routesOnce sync.Once
	routes     []compiledRoute
	routesErr  error
}

func NewDispatcher(registry *plugins.Registry, mcp *mcpman.Manager, vectors *vector.Manager, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		mcp:      mcp,
		vectors:  vectors,
		logger:   log,
		client:   httpclient.New(httpclient.WithLogger(log)),
		modules:  make(map[string]ModuleFunc),
	}
}

// RegisterModule binds an in-process handler to a module path. An empty
// handler name means the default "handle".
func (d *Dispatcher) RegisterModule(path, handler string, fn ModuleFunc) {
	if handler == "" {
		handler = "handle"
	}
	d.modulesMu.Lock()
	d.modules[path+"/"+handler] = fn
	d.modulesMu.Unlock()
}

// EnableVectorSearch turns on the built-in handler under the given tool name
// with the stores to query, in priority order.
func (d *Dispatcher) EnableVectorSearch(toolName string, priority []string) {
	if toolName == "" {
		toolName = DefaultVectorSearchToolName
	}
	d.vectorToolName = toolName
	d.vectorEnabled = true
	d.vectorPriority = priority
}

// SetMCPServers declares the enabled servers for virtual MCP routing.
func (d *Dispatcher) SetMCPServers(servers []string) {
	d.mcpServers = servers
}

func (d *Dispatcher) loadRoutes() ([]compiledRoute, error) {
	d.routesOnce.Do(func() {
		manifests, err := d.registry.GetProcessRoutes()
		if err != nil {
			d.routesErr = err
			return
		}
		d.routes, d.routesErr = compileRoutes(manifests)
	})
	return d.routes, d.routesErr
}

// Dispatch invokes one tool call by its original (unsanitized) name. The
// result is always an object; non-object results are wrapped as
// {result: value}.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	routes, err := d.loadRoutes()
	if err != nil {
		return nil, &ToolExecutionError{Tool: name, Err: err}
	}

	var timeout time.Duration
	invoke := func(ctx context.Context) (map[string]any, error) {
		return nil, &ToolExecutionError{Tool: name, Err: fmt.Errorf("no route matches")}
	}

	matched := false
	for i := range routes {
		route := &routes[i]
		if !route.matches(name) {
			continue
		}
		matched = true
		timeout = time.Duration(route.manifest.TimeoutMs) * time.Millisecond
		invoke = d.routeInvoker(route.manifest, name, args)
		break
	}

	if !matched {
		if server, local, ok := d.virtualMCPTarget(name); ok {
			invoke = func(ctx context.Context) (map[string]any, error) {
				return d.invokeMCP(ctx, server, local, args)
			}
			matched = true
		} else if d.vectorEnabled && name == d.vectorToolName {
			invoke = func(ctx context.Context) (map[string]any, error) {
				return d.invokeVectorSearch(ctx, args)
			}
			matched = true
		}
	}
	if !matched {
		return nil, &ToolExecutionError{Tool: name, Err: fmt.Errorf("no route matches tool %q", name)}
	}

	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := invoke(ctx)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &ToolExecutionError{Tool: name, Fatal: true, Err: fmt.Errorf("timed out after %v", timeout)}
		}
		var execErr *ToolExecutionError
		if errors.As(err, &execErr) {
			return nil, err
		}
		return nil, &ToolExecutionError{Tool: name, Err: err}
	}
	return result, nil
}

func (d *Dispatcher) routeInvoker(manifest *plugins.RouteManifest, name string, args map[string]any) func(context.Context) (map[string]any, error) {
	switch manifest.Kind {
	case "module":
		return func(ctx context.Context) (map[string]any, error) {
			return d.invokeModule(ctx, manifest, args)
		}
	case "http":
		return func(ctx context.Context) (map[string]any, error) {
			return d.invokeHTTP(ctx, manifest, name, args)
		}
	case "command":
		return func(ctx context.Context) (map[string]any, error) {
			return d.invokeCommand(ctx, manifest, name, args)
		}
	case "mcp":
		return func(ctx context.Context) (map[string]any, error) {
			return d.invokeMCP(ctx, manifest.Server, name, args)
		}
	case "vector_search":
		return func(ctx context.Context) (map[string]any, error) {
			return d.invokeVectorSearch(ctx, args)
		}
	default:
		return func(ctx context.Context) (map[string]any, error) {
			return nil, fmt.Errorf("route %q has unknown kind %q", manifest.Name, manifest.Kind)
		}
	}
}

// virtualMCPTarget recognizes "<server>.<tool>" and "<server>_<tool>" names
// for enabled servers.
func (d *Dispatcher) virtualMCPTarget(name string) (server, local string, ok bool) {
	for _, candidate := range d.mcpServers {
		for _, sep := range []string{".", "_"} {
			prefix := candidate + sep
			if strings.HasPrefix(name, prefix) && len(name) > len(prefix) {
				return candidate, name[len(prefix):], true
			}
		}
	}
	return "", "", false
}

func (d *Dispatcher) invokeModule(ctx context.Context, manifest *plugins.RouteManifest, args map[string]any) (map[string]any, error) {
	handler := manifest.Handler
	if handler == "" {
		handler = "handle"
	}

	d.modulesMu.RLock()
	fn, ok := d.modules[manifest.Path+"/"+handler]
	d.modulesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("module %q has no handler %q", manifest.Path, handler)
	}

	result, err := fn(ctx, args)
	if err != nil {
		return nil, err
	}
	return wrapResult(result), nil
}

func (d *Dispatcher) invokeHTTP(ctx context.Context, manifest *plugins.RouteManifest, name string, args map[string]any) (map[string]any, error) {
	payload, err := json.Marshal(map[string]any{"tool": name, "arguments": args})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize tool context: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, manifest.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range manifest.Headers {
		req.Header.Set(key, value)
	}

	resp, err := d.client.Do(req)
	if resp == nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("tool endpoint returned HTTP %d: %s", resp.StatusCode, string(body))
	}
	return parseResultJSON(body)
}

func (d *Dispatcher) invokeCommand(ctx context.Context, manifest *plugins.RouteManifest, name string, args map[string]any) (map[string]any, error) {
	payload, err := json.Marshal(map[string]any{"tool": name, "arguments": args})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize tool context: %w", err)
	}

	cmd := exec.CommandContext(ctx, manifest.Command, manifest.Args...)
	cmd.Env = append(os.Environ(), manifest.Env...)
	cmd.Stdin = strings.NewReader(string(payload) + "\n")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		// subprocess failure is not reported back to the model
		return nil, &ToolExecutionError{
			Tool:  name,
			Fatal: true,
			Err:   fmt.Errorf("command failed: %w: %s", err, strings.TrimSpace(stderr.String())),
		}
	}
	return parseResultJSON(stdout.Bytes())
}

func (d *Dispatcher) invokeMCP(ctx context.Context, server, tool string, args map[string]any) (map[string]any, error) {
	if d.mcp == nil {
		return nil, fmt.Errorf("no mcp manager configured")
	}
	return d.mcp.CallTool(ctx, server, tool, args)
}

func (d *Dispatcher) invokeVectorSearch(ctx context.Context, args map[string]any) (map[string]any, error) {
	if d.vectors == nil {
		return nil, fmt.Errorf("no vector manager configured")
	}

	query, _ := args["query"].(string)
	if query == "" {
		return nil, fmt.Errorf("vector_search needs a query")
	}
	topK := 0
	if k, ok := args["topK"].(float64); ok {
		topK = int(k)
	}
	store, _ := args["store"].(string)

	var results []vector.Result
	var err error
	if store != "" {
		results, err = d.vectors.Search(ctx, protocol.VectorCallSpec{Store: store, Query: query, TopK: topK})
	} else {
		results, _, err = d.vectors.SearchPriority(ctx, d.vectorPriority, query, topK)
	}
	if err != nil {
		return nil, err
	}

	hits := make([]map[string]any, 0, len(results))
	for _, result := range results {
		hits = append(hits, map[string]any{
			"id":       result.ID,
			"content":  result.Content,
			"score":    result.Score,
			"metadata": result.Metadata,
		})
	}
	return map[string]any{"results": hits}, nil
}

// wrapResult guarantees an object result shape.
func wrapResult(value any) map[string]any {
	if object, ok := value.(map[string]any); ok {
		return object
	}
	return map[string]any{"result": value}
}

func parseResultJSON(raw []byte) (map[string]any, error) {
	var value any
	if err := json.Unmarshal(bytes.TrimSpace(raw), &value); err != nil {
		return nil, fmt.Errorf("tool produced invalid JSON: %w", err)
	}
	return wrapResult(value), nil
}
