package plugins

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/modelgate/modelgate/pkg/protocol"
)

// Registry is the lazy manifest store. Each category is loaded on first use
// and cached; lookups with an empty input set never touch the filesystem.
type Registry struct {
	dir string

	mu sync.Mutex

	providers map[string]*ProviderManifest
	tools     map[string]*ToolManifest
	mcp       map[string]*MCPServerManifest
	vector    map[string]*VectorStoreManifest
	embedding map[string]*EmbeddingManifest
	routes    []*RouteManifest
	compats   map[string]*CompatModuleManifest

	providersLoaded     bool
	toolsLoaded         bool
	mcpServersLoaded    bool
	vectorStoresLoaded  bool
	embeddingLoaded     bool
	processRoutesLoaded bool
	compatModulesLoaded bool
}

// NewRegistry creates a registry over dir. The directory may not exist;
// categories then load as empty.
func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir}
}

// Loaded category flags, observable so callers can assert laziness.

func (r *Registry) ProvidersLoaded() bool    { r.mu.Lock(); defer r.mu.Unlock(); return r.providersLoaded }
func (r *Registry) ToolsLoaded() bool        { r.mu.Lock(); defer r.mu.Unlock(); return r.toolsLoaded }
func (r *Registry) MCPServersLoaded() bool   { r.mu.Lock(); defer r.mu.Unlock(); return r.mcpServersLoaded }
func (r *Registry) VectorStoresLoaded() bool { r.mu.Lock(); defer r.mu.Unlock(); return r.vectorStoresLoaded }
func (r *Registry) EmbeddingLoaded() bool    { r.mu.Lock(); defer r.mu.Unlock(); return r.embeddingLoaded }
func (r *Registry) ProcessRoutesLoaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.processRoutesLoaded
}
func (r *Registry) CompatModulesLoaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.compatModulesLoaded
}

// GetProvider returns the named provider manifest.
func (r *Registry) GetProvider(name string) (*ProviderManifest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureProviders(); err != nil {
		return nil, err
	}
	manifest, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q (known: %v)", name, sortedKeys(r.providers))
	}
	return manifest, nil
}

// GetTool returns the named tool manifest.
func (r *Registry) GetTool(name string) (*ToolManifest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureTools(); err != nil {
		return nil, err
	}
	manifest, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q (known: %v)", name, sortedKeys(r.tools))
	}
	return manifest, nil
}

// GetTools resolves a list of tool names to unified tools. An empty list
// returns empty without loading the category.
func (r *Registry) GetTools(names []string) ([]protocol.UnifiedTool, error) {
	if len(names) == 0 {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureTools(); err != nil {
		return nil, err
	}
	tools := make([]protocol.UnifiedTool, 0, len(names))
	for _, name := range names {
		manifest, ok := r.tools[name]
		if !ok {
			return nil, fmt.Errorf("unknown tool %q (known: %v)", name, sortedKeys(r.tools))
		}
		tools = append(tools, manifest.Unified())
	}
	return tools, nil
}

// GetMCPServers resolves a list of server names. An empty list returns empty
// without loading the category.
func (r *Registry) GetMCPServers(names []string) ([]*MCPServerManifest, error) {
	if len(names) == 0 {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureMCPServers(); err != nil {
		return nil, err
	}
	servers := make([]*MCPServerManifest, 0, len(names))
	for _, name := range names {
		manifest, ok := r.mcp[name]
		if !ok {
			return nil, fmt.Errorf("unknown MCP server %q (known: %v)", name, sortedKeys(r.mcp))
		}
		servers = append(servers, manifest)
	}
	return servers, nil
}

// GetVectorStore returns the named vector store manifest.
func (r *Registry) GetVectorStore(name string) (*VectorStoreManifest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureVectorStores(); err != nil {
		return nil, err
	}
	manifest, ok := r.vector[name]
	if !ok {
		return nil, fmt.Errorf("unknown vector store %q (known: %v)", name, sortedKeys(r.vector))
	}
	return manifest, nil
}

// GetVectorStoreCompat returns the compat module bound to a vector store.
func (r *Registry) GetVectorStoreCompat(name string) (*CompatModuleManifest, error) {
	store, err := r.GetVectorStore(name)
	if err != nil {
		return nil, err
	}
	if store.Compat == "" {
		return nil, fmt.Errorf("vector store %q declares no compat module", name)
	}
	return r.GetCompatModule(store.Compat)
}

// GetEmbeddingProvider returns the named embedding manifest.
func (r *Registry) GetEmbeddingProvider(name string) (*EmbeddingManifest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureEmbedding(); err != nil {
		return nil, err
	}
	manifest, ok := r.embedding[name]
	if !ok {
		return nil, fmt.Errorf("unknown embedding provider %q (known: %v)", name, sortedKeys(r.embedding))
	}
	return manifest, nil
}

// GetEmbeddingCompat returns the compat module bound to an embedding provider.
func (r *Registry) GetEmbeddingCompat(name string) (*CompatModuleManifest, error) {
	provider, err := r.GetEmbeddingProvider(name)
	if err != nil {
		return nil, err
	}
	if provider.Compat == "" {
		return nil, fmt.Errorf("embedding provider %q declares no compat module", name)
	}
	return r.GetCompatModule(provider.Compat)
}

// GetProcessRoutes returns all routes, sorted by Order.
func (r *Registry) GetProcessRoutes() ([]*RouteManifest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureProcessRoutes(); err != nil {
		return nil, err
	}
	return r.routes, nil
}

// GetCompatModule returns the named compat module manifest.
func (r *Registry) GetCompatModule(name string) (*CompatModuleManifest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureCompatModules(); err != nil {
		return nil, err
	}
	manifest, ok := r.compats[name]
	if !ok {
		return nil, fmt.Errorf("unknown compat module %q (known: %v)", name, sortedKeys(r.compats))
	}
	return manifest, nil
}

// Invalidate drops the cache for one category; the next lookup reloads it.
// An unknown category is a no-op.
func (r *Registry) Invalidate(category string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch category {
	case CategoryProviders:
		r.providers, r.providersLoaded = nil, false
	case CategoryTools:
		r.tools, r.toolsLoaded = nil, false
	case CategoryMCP:
		r.mcp, r.mcpServersLoaded = nil, false
	case CategoryVector:
		r.vector, r.vectorStoresLoaded = nil, false
	case CategoryEmbedding:
		r.embedding, r.embeddingLoaded = nil, false
	case CategoryRoutes:
		r.routes, r.processRoutesLoaded = nil, false
	case CategoryCompats:
		r.compats, r.compatModulesLoaded = nil, false
	}
}

// ensure* load one category under the registry lock.

func (r *Registry) ensureProviders() error {
	if r.providersLoaded {
		return nil
	}
	loaded, err := loadCategory[ProviderManifest](r.dir, CategoryProviders)
	if err != nil {
		return err
	}
	r.providers = loaded
	r.providersLoaded = true
	return nil
}

func (r *Registry) ensureTools() error {
	if r.toolsLoaded {
		return nil
	}
	loaded, err := loadCategory[ToolManifest](r.dir, CategoryTools)
	if err != nil {
		return err
	}
	r.tools = loaded
	r.toolsLoaded = true
	return nil
}

func (r *Registry) ensureMCPServers() error {
	if r.mcpServersLoaded {
		return nil
	}
	loaded, err := loadCategory[MCPServerManifest](r.dir, CategoryMCP)
	if err != nil {
		return err
	}
	r.mcp = loaded
	r.mcpServersLoaded = true
	return nil
}

func (r *Registry) ensureVectorStores() error {
	if r.vectorStoresLoaded {
		return nil
	}
	loaded, err := loadCategory[VectorStoreManifest](r.dir, CategoryVector)
	if err != nil {
		return err
	}
	r.vector = loaded
	r.vectorStoresLoaded = true
	return nil
}

func (r *Registry) ensureEmbedding() error {
	if r.embeddingLoaded {
		return nil
	}
	loaded, err := loadCategory[EmbeddingManifest](r.dir, CategoryEmbedding)
	if err != nil {
		return err
	}
	r.embedding = loaded
	r.embeddingLoaded = true
	return nil
}

func (r *Registry) ensureProcessRoutes() error {
	if r.processRoutesLoaded {
		return nil
	}
	loaded, err := loadCategory[RouteManifest](r.dir, CategoryRoutes)
	if err != nil {
		return err
	}
	routes := make([]*RouteManifest, 0, len(loaded))
	for _, route := range loaded {
		routes = append(routes, route)
	}
	sort.SliceStable(routes, func(i, j int) bool { return routes[i].Order < routes[j].Order })
	r.routes = routes
	r.processRoutesLoaded = true
	return nil
}

func (r *Registry) ensureCompatModules() error {
	if r.compatModulesLoaded {
		return nil
	}
	loaded, err := loadCategory[CompatModuleManifest](r.dir, CategoryCompats)
	if err != nil {
		return err
	}
	r.compats = loaded
	r.compatModulesLoaded = true
	return nil
}

// loadCategory scans <dir>/<category>/*.{yaml,yml}, decoding each file into
// one manifest keyed by its name field. A missing directory loads empty.
func loadCategory[T any](dir, category string) (map[string]*T, error) {
	out := make(map[string]*T)

	categoryDir := filepath.Join(dir, category)
	entries, err := os.ReadDir(categoryDir)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("failed to scan %s manifests: %w", category, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(categoryDir, entry.Name())

		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
		}

		var doc map[string]any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
		}

		manifest := new(T)
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           manifest,
			WeaklyTypedInput: true,
		})
		if err != nil {
			return nil, err
		}
		if err := decoder.Decode(doc); err != nil {
			return nil, fmt.Errorf("failed to decode manifest %s: %w", path, err)
		}

		name := manifestName(manifest, entry.Name())
		out[name] = manifest
	}

	return out, nil
}

// manifestName prefers the manifest's name field, falling back to the file
// basename.
func manifestName(manifest any, filename string) string {
	switch m := manifest.(type) {
	case *ProviderManifest:
		if m.Name != "" {
			return m.Name
		}
	case *ToolManifest:
		if m.Name != "" {
			return m.Name
		}
	case *MCPServerManifest:
		if m.Name != "" {
			return m.Name
		}
	case *VectorStoreManifest:
		if m.Name != "" {
			return m.Name
		}
	case *EmbeddingManifest:
		if m.Name != "" {
			return m.Name
		}
	case *RouteManifest:
		if m.Name != "" {
			return m.Name
		}
	case *CompatModuleManifest:
		if m.Name != "" {
			return m.Name
		}
	}

	base := filepath.Base(filename)
	return base[:len(base)-len(filepath.Ext(base))]
}

func sortedKeys[T any](m map[string]*T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
