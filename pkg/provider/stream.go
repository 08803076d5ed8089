package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"strings"

	"github.com/modelgate/modelgate/pkg/compat"
	"github.com/modelgate/modelgate/pkg/logger"
	"github.com/modelgate/modelgate/pkg/protocol"
)

// StreamHandle carries the live event channel of one streaming exchange.
// Final and FinishedWithToolCalls are valid once Events is closed.
type StreamHandle struct {
	Events <-chan protocol.StreamEvent

	final    func() compat.StreamFinal
	finished func() bool
}

func (h *StreamHandle) Final() compat.StreamFinal   { return h.final() }
func (h *StreamHandle) FinishedWithToolCalls() bool { return h.finished() }

// NewStreamHandle wraps a pre-built event channel. The final and finished
// callbacks must be safe to call once events is closed.
func NewStreamHandle(events <-chan protocol.StreamEvent, final func() compat.StreamFinal, finished func() bool) *StreamHandle {
	return &StreamHandle{Events: events, final: final, finished: finished}
}

// Stream performs one streaming exchange. The returned handle's channel is
// closed when the stream ends for any reason; transport failures after the
// stream opened surface as a terminal error event.
func (m *Manager) Stream(ctx context.Context, name string, in compat.BuildInput, extras map[string]any) (*StreamHandle, error) {
	manifest, c, err := m.Resolve(name)
	if err != nil {
		return nil, err
	}

	if streamer, ok := c.(compat.SDKStreamer); ok {
		for key := range extras {
			m.logger.Info("unconsumed provider setting dropped", "setting", key, "provider", name)
		}
		sdkEvents, err := streamer.StreamSDK(ctx, in)
		if err != nil {
			return nil, err
		}
		return aggregateEvents(ctx, sdkEvents), nil
	}

	in.Stream = true
	payload, err := compat.BuildPayload(c, in, extras, manifest.PayloadExtensions, m.logger)
	if err != nil {
		return nil, err
	}

	sink, _ := m.sinks.OpenCallSink(ctx, logger.CategoryLLM, name)

	resp, _, err := m.exchange(ctx, name, manifest, in.Model, payload, true, sink)
	if err != nil {
		m.sinks.Release(sink)
		return nil, err
	}

	state := c.NewStreamState()
	events := make(chan protocol.StreamEvent, 16)

	go func() {
		defer close(events)
		defer resp.Body.Close()
		defer m.sinks.Release(sink)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				// frame separator
				continue
			case strings.HasPrefix(line, ":"):
				// server comment
				continue
			case !strings.HasPrefix(line, "data:"):
				continue
			}

			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			parsed, err := state.ParseEvent([]byte(data))
			if err != nil {
				// malformed frames are skipped, the stream continues
				continue
			}
			for _, ev := range parsed {
				sink.Write(ev)
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			select {
			case events <- protocol.ErrorEvent("provider_error", err.Error()):
			case <-ctx.Done():
			}
		}
	}()

	return &StreamHandle{
		Events:   events,
		final:    state.Final,
		finished: state.FinishedWithToolCalls,
	}, nil
}

func unmarshalToolArguments(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{}
	}
	return args
}

// aggregateEvents adapts an SDK event channel into a StreamHandle by folding
// the events into a StreamFinal as they pass through.
func aggregateEvents(ctx context.Context, in <-chan protocol.StreamEvent) *StreamHandle {
	out := make(chan protocol.StreamEvent, 16)
	var final compat.StreamFinal

	go func() {
		defer close(out)
		var text, reasoning strings.Builder
		for ev := range in {
			switch ev.Type {
			case protocol.StreamEventDelta:
				text.WriteString(ev.Delta)
			case protocol.StreamEventReasoning:
				if ev.Reasoning != nil {
					reasoning.WriteString(ev.Reasoning.Text)
				}
			case protocol.StreamEventUsage:
				final.Usage = ev.Usage
			case protocol.StreamEventTool:
				if ev.Tool != nil && ev.Tool.Phase == protocol.ToolPhaseEnd {
					final.ToolCalls = append(final.ToolCalls, protocol.ToolCall{
						ID:        ev.Tool.CallID,
						Name:      ev.Tool.Name,
						Arguments: unmarshalToolArguments(ev.Tool.Arguments),
					})
				}
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		final.Text = text.String()
		if reasoning.Len() > 0 {
			final.Reasoning = &protocol.Reasoning{Text: reasoning.String()}
		}
		if len(final.ToolCalls) > 0 {
			final.FinishReason = protocol.FinishReasonToolCalls
		} else {
			final.FinishReason = protocol.FinishReasonStop
		}
	}()

	return &StreamHandle{
		Events:   out,
		final:    func() compat.StreamFinal { return final },
		finished: func() bool { return len(final.ToolCalls) > 0 },
	}
}
