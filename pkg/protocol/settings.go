package protocol

// CallSettings is the typed view of the recognized LLM setting keys of a
// spec's settings map. Unknown keys never land here; the coordinator routes
// them to manifest payload extensions or compat extras instead.
type CallSettings struct {
	Temperature      *float64
	TopP             *float64
	MaxTokens        *int
	Stop             []string
	ResponseFormat   any
	Seed             *int
	FrequencyPenalty *float64
	PresencePenalty  *float64
	LogitBias        map[string]float64
	Logprobs         *bool
	TopLogprobs      *int
	Reasoning        *ReasoningSettings
}

// ReasoningSettings mirrors the call spec's reasoning option shape.
type ReasoningSettings struct {
	Enabled *bool
	Budget  *int
	Effort  string
	Exclude *bool
}

// On reports whether reasoning was explicitly enabled. enabled:false is
// equivalent to absence.
func (r *ReasoningSettings) On() bool {
	if r == nil {
		return false
	}
	if r.Enabled != nil && *r.Enabled {
		return true
	}
	return r.Enabled == nil && (r.Budget != nil || r.Effort != "")
}

// BudgetOr returns the reasoning budget or def when unset.
func (r *ReasoningSettings) BudgetOr(def int) int {
	if r == nil || r.Budget == nil {
		return def
	}
	return *r.Budget
}

// Recognized provider-facing LLM setting keys. Everything else in a spec's
// settings map is either a runtime key or a provider extra.
var llmSettingKeys = map[string]bool{
	"temperature":      true,
	"topP":             true,
	"maxTokens":        true,
	"stop":             true,
	"responseFormat":   true,
	"seed":             true,
	"frequencyPenalty": true,
	"presencePenalty":  true,
	"logitBias":        true,
	"logprobs":         true,
	"topLogprobs":      true,
	"reasoning":        true,
	"reasoningBudget":  true,
}

// Runtime-only keys consumed by the tool loop and coordinator. They are
// stripped before any payload is built and never leak onto the wire.
var runtimeSettingKeys = map[string]bool{
	"maxToolIterations":      true,
	"toolCountdownEnabled":   true,
	"toolFinalPromptEnabled": true,
	"preserveToolResults":    true,
	"preserveReasoning":      true,
	"parallelToolExecution":  true,
	"toolResultMaxChars":     true,
	"batchId":                true,
}

// IsLLMSettingKey reports whether key is a recognized provider setting.
func IsLLMSettingKey(key string) bool { return llmSettingKeys[key] }

// IsRuntimeSettingKey reports whether key is consumed by the runtime only.
func IsRuntimeSettingKey(key string) bool { return runtimeSettingKeys[key] }

// PartitionSettings splits a raw settings map into provider settings,
// runtime settings, and provider extras. The input map is not mutated.
func PartitionSettings(raw map[string]any) (llm map[string]any, runtime map[string]any, extras map[string]any) {
	llm = make(map[string]any)
	runtime = make(map[string]any)
	extras = make(map[string]any)
	for k, v := range raw {
		switch {
		case llmSettingKeys[k]:
			llm[k] = v
		case runtimeSettingKeys[k]:
			runtime[k] = v
		default:
			extras[k] = v
		}
	}
	return llm, runtime, extras
}

// DeepMerge merges override into base, recursing into nested maps so that
// per-provider settings like {reasoning:{budget:…}} override key-by-key.
// Neither input is mutated.
func DeepMerge(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		ov, ovOK := v.(map[string]any)
		bv, bvOK := out[k].(map[string]any)
		if ovOK && bvOK {
			out[k] = DeepMerge(bv, ov)
			continue
		}
		out[k] = v
	}
	return out
}

// ParseCallSettings converts the recognized keys of a settings map into the
// typed CallSettings. Numeric values arriving as float64 (JSON) or int are
// both accepted; malformed values are ignored rather than rejected.
func ParseCallSettings(m map[string]any) CallSettings {
	var s CallSettings
	if v, ok := toFloat(m["temperature"]); ok {
		s.Temperature = &v
	}
	if v, ok := toFloat(m["topP"]); ok {
		s.TopP = &v
	}
	if v, ok := toInt(m["maxTokens"]); ok {
		s.MaxTokens = &v
	}
	if stop, ok := m["stop"].([]any); ok {
		for _, item := range stop {
			if str, ok := item.(string); ok {
				s.Stop = append(s.Stop, str)
			}
		}
	} else if stop, ok := m["stop"].([]string); ok {
		s.Stop = append(s.Stop, stop...)
	}
	if rf, ok := m["responseFormat"]; ok {
		s.ResponseFormat = rf
	}
	if v, ok := toInt(m["seed"]); ok {
		s.Seed = &v
	}
	if v, ok := toFloat(m["frequencyPenalty"]); ok {
		s.FrequencyPenalty = &v
	}
	if v, ok := toFloat(m["presencePenalty"]); ok {
		s.PresencePenalty = &v
	}
	if lb, ok := m["logitBias"].(map[string]any); ok {
		s.LogitBias = make(map[string]float64, len(lb))
		for k, v := range lb {
			if f, ok := toFloat(v); ok {
				s.LogitBias[k] = f
			}
		}
	}
	if v, ok := m["logprobs"].(bool); ok {
		s.Logprobs = &v
	}
	if v, ok := toInt(m["topLogprobs"]); ok {
		s.TopLogprobs = &v
	}
	s.Reasoning = parseReasoningSettings(m)
	return s
}

func parseReasoningSettings(m map[string]any) *ReasoningSettings {
	raw, hasReasoning := m["reasoning"].(map[string]any)
	aliasBudget, hasAlias := toInt(m["reasoningBudget"])
	if !hasReasoning && !hasAlias {
		return nil
	}

	r := &ReasoningSettings{}
	if hasAlias {
		r.Budget = &aliasBudget
	}
	if hasReasoning {
		if v, ok := raw["enabled"].(bool); ok {
			r.Enabled = &v
		}
		// reasoning.budget takes precedence over the reasoningBudget alias.
		if v, ok := toInt(raw["budget"]); ok {
			r.Budget = &v
		}
		if v, ok := raw["effort"].(string); ok {
			r.Effort = v
		}
		if v, ok := raw["exclude"].(bool); ok {
			r.Exclude = &v
		}
	}
	return r
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case float32:
		return int(n), true
	}
	return 0, false
}
