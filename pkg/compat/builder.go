package compat

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/modelgate/modelgate/pkg/plugins"
	"github.com/modelgate/modelgate/pkg/protocol"
)

// AggregateSystem collects the text of every system message, joined by a
// blank line, and returns the remaining conversation untouched.
func AggregateSystem(messages []protocol.Message) (string, []protocol.Message) {
	var chunks []string
	rest := make([]protocol.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == protocol.RoleSystem {
			if text := msg.JoinedText(); !isBlank(text) {
				chunks = append(chunks, text)
			}
			continue
		}
		rest = append(rest, msg)
	}
	return strings.Join(chunks, "\n\n"), rest
}

// BuildPayload assembles the final wire payload for one exchange: the compat
// base payload, streaming flags, manifest payload extensions, and whatever
// provider extras the compat itself knows how to place. Extras nothing
// consumed are logged and dropped rather than sent.
func BuildPayload(c Compat, in BuildInput, extras map[string]any, extensions []plugins.PayloadExtension, logger *slog.Logger) (map[string]any, error) {
	payload, err := c.BuildPayload(in)
	if err != nil {
		return nil, err
	}

	if in.Stream {
		for key, value := range c.StreamingFlags() {
			payload[key] = value
		}
	}

	leftover := applyExtensions(payload, extras, extensions, logger)

	if applier, ok := c.(ProviderExtensionApplier); ok && len(leftover) > 0 {
		leftover = applier.ApplyProviderExtensions(payload, leftover)
	}

	for key := range leftover {
		logger.Info("unconsumed provider setting dropped", "setting", key, "compat", c.Name())
	}
	return payload, nil
}

// applyExtensions projects manifest-declared settings into the payload and
// returns the extras no extension consumed. A value whose shape contradicts
// the declared value_type is skipped and stays in the leftover.
func applyExtensions(payload map[string]any, extras map[string]any, extensions []plugins.PayloadExtension, logger *slog.Logger) map[string]any {
	leftover := make(map[string]any, len(extras))
	for key, value := range extras {
		leftover[key] = value
	}

	for _, ext := range extensions {
		value, present := leftover[ext.Setting]
		if !present {
			continue
		}
		if ext.Value != nil {
			value = ext.Value
		}
		if !matchesValueType(value, ext.ValueType) {
			logger.Warn("payload extension value type mismatch",
				"setting", ext.Setting, "path", ext.Path, "want", ext.ValueType,
				"got", fmt.Sprintf("%T", value))
			continue
		}
		setByPath(payload, ext.Path, value)
		delete(leftover, ext.Setting)
	}
	return leftover
}

func matchesValueType(value any, valueType string) bool {
	switch valueType {
	case "", "scalar":
		switch value.(type) {
		case map[string]any, []any:
			return false
		}
		return true
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	}
	return false
}

// setByPath writes value at a dotted path, creating intermediate objects.
// A path segment that exists but is not an object is overwritten.
func setByPath(payload map[string]any, path string, value any) {
	segments := strings.Split(path, ".")
	node := payload
	for _, segment := range segments[:len(segments)-1] {
		next, ok := node[segment].(map[string]any)
		if !ok {
			next = make(map[string]any)
			node[segment] = next
		}
		node = next
	}
	node[segments[len(segments)-1]] = value
}
