package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/modelgate/modelgate/pkg/utils"
)

// Sink categories map to subdirectories of the log root.
const (
	CategoryLLM       = "llm"
	CategoryEmbedding = "embedding"
	CategoryVector    = "vector"
)

type batchKey struct{}

// WithBatchID scopes a batch identifier to the request context; per-batch
// log directories derive from it. Context scoping keeps concurrent requests
// with different batch ids isolated. The id is sanitized on the way in.
func WithBatchID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, batchKey{}, utils.SanitizeID(id))
}

// BatchID returns the context's batch identifier, seeded from
// LLM_ADAPTER_BATCH_ID when the context carries none.
func BatchID(ctx context.Context) string {
	if id, _ := ctx.Value(batchKey{}).(string); id != "" {
		return id
	}
	return utils.SanitizeID(os.Getenv("LLM_ADAPTER_BATCH_ID"))
}

// CallSink is a per-call exchange log: one JSON line per entry, written to a
// dedicated file so a single provider exchange can be inspected in isolation.
type CallSink struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// SinkManager creates per-call sinks and tracks open files so retention
// pruning never removes a sink still in use.
type SinkManager struct {
	mu   sync.Mutex
	root string
	open map[string]bool
}

// NewSinkManager creates a manager rooted at dir (default "logs").
func NewSinkManager(dir string) *SinkManager {
	if dir == "" {
		dir = "logs"
	}
	return &SinkManager{root: dir, open: make(map[string]bool)}
}

// categoryDir resolves logs/<category>, with a batch-<id>/ subdirectory when
// the context carries a batch and LLM_ADAPTER_BATCH_DIR=1.
func (m *SinkManager) categoryDir(ctx context.Context, category string) string {
	dir := filepath.Join(m.root, category)
	if id := BatchID(ctx); id != "" && os.Getenv("LLM_ADAPTER_BATCH_DIR") == "1" {
		dir = filepath.Join(dir, "batch-"+id)
	}
	return dir
}

// OpenCallSink creates a sink file named <name>-<timestamp>.jsonl under the
// category directory. File logging disabled via env returns a nil sink, which
// all CallSink methods tolerate.
func (m *SinkManager) OpenCallSink(ctx context.Context, category, name string) (*CallSink, error) {
	if os.Getenv("LLM_ADAPTER_DISABLE_FILE_LOGS") == "1" {
		return nil, nil
	}

	dir := m.categoryDir(ctx, category)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	stamp := time.Now().UTC().Format("20060102T150405.000000000")
	filename := fmt.Sprintf("%s-%s.jsonl", utils.SanitizeID(name), strings.ReplaceAll(stamp, ".", ""))
	path := filepath.Join(dir, filename)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open call sink %s: %w", path, err)
	}

	m.mu.Lock()
	m.open[path] = true
	m.mu.Unlock()

	sink := &CallSink{file: file, path: path}
	return sink, nil
}

// Release closes the sink and drops it from the open set.
func (m *SinkManager) Release(sink *CallSink) {
	if sink == nil {
		return
	}
	m.mu.Lock()
	delete(m.open, sink.path)
	m.mu.Unlock()
	_ = sink.Close()
}

// OpenPaths returns the files currently held open, used as the retention
// exclusion list.
func (m *SinkManager) OpenPaths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, 0, len(m.open))
	for path := range m.open {
		paths = append(paths, path)
	}
	return paths
}

// PruneAll applies per-category retention policies from the environment.
func (m *SinkManager) PruneAll() {
	exclude := m.OpenPaths()
	for _, category := range []string{CategoryLLM, CategoryEmbedding, CategoryVector} {
		policy := PolicyFromEnv(category)
		if err := Prune(m.categoryDir(context.Background(), category), policy, exclude); err != nil {
			GetLogger().Warn("log retention pruning failed", "category", category, "error", err)
		}
	}
}

// Write appends a JSON line. Nil sinks and marshal failures are swallowed:
// exchange logging never fails a call.
func (s *CallSink) Write(entry any) {
	if s == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return
	}
	_, _ = s.file.Write(append(data, '\n'))
}

// Path returns the sink's file path, or "" for nil sinks.
func (s *CallSink) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Close closes the underlying file. Safe on nil sinks and double close.
func (s *CallSink) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
