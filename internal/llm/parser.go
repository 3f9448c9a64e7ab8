package llm

import (
	"bytes"
	"encoding/json"
	"strings"

	"chatbridge/backend/internal/model"
)

// streamSentinel ends an upstream delta stream.
const streamSentinel = "[DONE]"

// StreamParser turns the raw bytes of an upstream completion stream into
// normalized events. The upstream delivers server-sent `data:` lines but
// the network hands them to us at arbitrary boundaries, so the parser
// keeps the trailing partial line in an internal buffer across Feed
// calls. Feeding the same bytes split at any boundary yields the same
// event sequence as one unsplit feed.
//
// Both relays consume the upstream through this one type; the parser
// itself carries no transport state and a fresh instance is used per
// upstream call.
type StreamParser struct {
	buf     []byte
	started bool
	done    bool
}

// completionChunk is the subset of an upstream streaming frame the relay
// cares about.
type completionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// Feed consumes one network read and returns the events completed by it.
// Malformed lines are skipped, never fatal. `start` is emitted once,
// before the first content delta; `done` is emitted exactly once even
// when the upstream signals completion twice (finish marker followed by
// the sentinel).
func (p *StreamParser) Feed(data []byte) []model.StreamEvent {
	p.buf = append(p.buf, data...)

	var out []model.StreamEvent
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSpace(string(p.buf[:i]))
		p.buf = p.buf[i+1:]
		out = p.parseLine(line, out)
	}
	return out
}

// Flush parses whatever is still buffered as one final, unterminated
// line. Upstreams normally terminate every frame, but a stream can end
// exactly at the sentinel with no trailing newline; call Flush at end of
// stream so that frame is not silently dropped.
func (p *StreamParser) Flush() []model.StreamEvent {
	if len(p.buf) == 0 {
		return nil
	}
	line := strings.TrimSpace(string(p.buf))
	p.buf = nil
	return p.parseLine(line, nil)
}

func (p *StreamParser) parseLine(line string, out []model.StreamEvent) []model.StreamEvent {
	if p.done || line == "" {
		return out
	}

	payload, ok := strings.CutPrefix(line, "data: ")
	if !ok {
		return out
	}

	if payload == streamSentinel {
		p.done = true
		return append(out, model.StreamEvent{Type: model.EventDone})
	}

	var chunk completionChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil || len(chunk.Choices) == 0 {
		// Skip malformed frames rather than killing the stream.
		return out
	}

	choice := chunk.Choices[0]
	if choice.Delta.Content != "" {
		if !p.started {
			p.started = true
			out = append(out, model.StreamEvent{Type: model.EventStart})
		}
		out = append(out, model.StreamEvent{Type: model.EventChunk, Content: choice.Delta.Content})
	}

	if choice.FinishReason != nil && *choice.FinishReason == "stop" {
		p.done = true
		out = append(out, model.StreamEvent{Type: model.EventDone})
	}
	return out
}
