// Package streamparser converts a backend's raw byte output into the typed
// AgentEvent sequence the EventLoop ingests. It supports the two output
// formats named on BackendSpec: Text (line-buffered, ANSI preserved
// verbatim) and StreamJson (newline-delimited JSON with a `type`
// discriminator).
//
// The line-accumulate-then-dispatch shape follows the teacher's planner.go,
// which repeatedly json.Unmarshal's a trimmed line into a locally-scoped
// struct and falls through to the next interpretation on failure — adapted
// here into a fixed discriminator table instead of planner's ad hoc
// try-this-then-that chain, and generalized to a streaming parser instead of
// a parse of one already-complete response string.
package streamparser

import (
	"encoding/json"
	"strings"

	"github.com/titan/ralph-orchestrator/internal/backendspec"
	"github.com/titan/ralph-orchestrator/internal/events"
)

// rawLineTruncateLen bounds ParseSkipped.Raw so a pathologically long
// malformed line doesn't balloon diagnostics output.
const rawLineTruncateLen = 100

// Handler receives each AgentEvent as the parser produces it, in the strict
// order they arrived in the underlying byte stream.
type Handler interface {
	OnEvent(events.AgentEvent)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(events.AgentEvent)

func (f HandlerFunc) OnEvent(e events.AgentEvent) { f(e) }

// Parser accumulates bytes into lines and dispatches AgentEvents to a
// Handler as they're recognized. A Parser is single-producer,
// single-consumer and keeps no internal concurrency.
type Parser struct {
	format  backendspec.OutputFormat
	handler Handler
	buf     strings.Builder
}

// New creates a Parser for the given output format, delivering AgentEvents to handler.
func New(format backendspec.OutputFormat, handler Handler) *Parser {
	return &Parser{format: format, handler: handler}
}

// Write feeds a chunk of raw bytes from the child process into the parser,
// releasing complete lines to the appropriate mode handler. It never
// returns an error: malformed content becomes a ParseSkipped AgentEvent
// instead of failing the stream.
func (p *Parser) Write(chunk []byte) {
	for _, b := range chunk {
		if b == '\n' {
			p.flushLine(p.buf.String())
			p.buf.Reset()
			continue
		}
		p.buf.WriteByte(b)
	}
}

// Close flushes any partial final line left in the buffer at EOF. For
// StreamJson a trailing line without its newline is parsed like any other
// line (a cut-off object becomes a ParseSkipped) rather than silently
// dropped; only empty/whitespace-only lines are dropped silently.
func (p *Parser) Close() {
	if p.buf.Len() == 0 {
		return
	}
	line := p.buf.String()
	p.buf.Reset()
	p.flushLine(line)
}

func (p *Parser) flushLine(line string) {
	switch p.format {
	case backendspec.OutputStreamJSON:
		p.flushStreamJSONLine(line)
	default:
		p.flushTextLine(line)
	}
}

// flushTextLine emits one Text event. A CRLF terminator (what a PTY's line
// discipline writes for "\n") counts as a single terminator, so its CR is
// dropped; everything else, ANSI escapes included, is kept verbatim.
func (p *Parser) flushTextLine(line string) {
	line = strings.TrimSuffix(line, "\r")
	p.emit(events.AgentEvent{Kind: events.KindText, Chunk: line})
}

func (p *Parser) emit(e events.AgentEvent) {
	if p.handler != nil {
		p.handler.OnEvent(e)
	}
}

// contentBlock is the shared shape of assistant/user message content blocks.
type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`

	// tool_result block
	Content json.RawMessage `json:"content"`
	IsError bool            `json:"is_error"`

	// tool_result sometimes references its call by tool_use_id
	ToolUseID string `json:"tool_use_id"`
}

type usageBlock struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type streamLine struct {
	Type    string `json:"type"`
	Model   string `json:"model"`
	Session string `json:"session_id"`

	Message *struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`

	Usage *usageBlock `json:"usage"`

	// result-type fields
	DurationMs int64   `json:"duration_ms"`
	Cost       float64 `json:"total_cost_usd"`
	NumTurns   int     `json:"num_turns"`
	IsError    bool    `json:"is_error"`
}

func (p *Parser) flushStreamJSONLine(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}

	var sl streamLine
	if err := json.Unmarshal([]byte(trimmed), &sl); err != nil {
		p.emitParseSkipped(trimmed, "invalid json: "+err.Error())
		return
	}
	if sl.Type == "" {
		p.emitParseSkipped(trimmed, "missing type discriminator")
		return
	}

	switch sl.Type {
	case "system":
		p.emit(events.AgentEvent{Kind: events.KindSessionStart, Model: sl.Model, SessionID: sl.Session})

	case "assistant":
		if sl.Message == nil {
			p.emitParseSkipped(trimmed, "assistant line missing message.content")
			return
		}
		for _, block := range sl.Message.Content {
			switch block.Type {
			case "text":
				p.emit(events.AgentEvent{Kind: events.KindText, Chunk: block.Text})
			case "tool_use":
				p.emit(events.AgentEvent{
					Kind:         events.KindToolCall,
					ToolCallID:   block.ID,
					ToolName:     block.Name,
					ToolCallArgs: string(block.Input),
				})
			}
		}

	case "user":
		if sl.Message == nil {
			p.emitParseSkipped(trimmed, "user line missing message.content")
			return
		}
		for _, block := range sl.Message.Content {
			if block.Type != "tool_result" {
				continue
			}
			p.emit(events.AgentEvent{
				Kind:         events.KindToolResult,
				ToolResultID: block.ToolUseID,
				ToolOutput:   string(block.Content),
				ToolIsError:  block.IsError,
			})
		}

	case "result":
		p.emit(events.AgentEvent{
			Kind:       events.KindComplete,
			DurationMs: sl.DurationMs,
			Cost:       sl.Cost,
			Turns:      sl.NumTurns,
			IsError:    sl.IsError,
		})

	default:
		p.emitParseSkipped(trimmed, "unrecognized type: "+sl.Type)
		return
	}

	if sl.Usage != nil {
		p.emit(events.AgentEvent{Kind: events.KindUsage, InputTokens: sl.Usage.InputTokens, OutputTokens: sl.Usage.OutputTokens})
	}
}

func (p *Parser) emitParseSkipped(raw, reason string) {
	p.emit(events.AgentEvent{
		Kind:   events.KindParseSkipped,
		Raw:    events.TruncateRaw(raw, rawLineTruncateLen),
		Reason: reason,
	})
}
