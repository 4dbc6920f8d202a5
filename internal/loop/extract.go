package loop

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/titan/ralph-orchestrator/internal/topic"
)

// EventsFileName is the well-known path (relative to the scratchpad
// directory) the agent is instructed to append outbound events to, one JSON
// object per line, in the same append-only JSONL shape the teacher's
// tasklog uses for its own durable sink.
const EventsFileName = ".ralph-events.jsonl"

// outboundLine is the shape the agent writes for one event it wants
// published: a topic and an opaque payload string.
type outboundLine struct {
	Topic   topic.Topic `json:"topic"`
	Payload string      `json:"payload"`
}

// eventFileTail incrementally reads new lines appended to the events file
// since the last call, across iterations. It never rewinds: a crash-and-
// restart (out of scope here) would simply re-read from offset 0 once a
// fresh tail is constructed.
type eventFileTail struct {
	path   string
	offset int64
}

func newEventFileTail(path string) *eventFileTail {
	return &eventFileTail{path: path}
}

// extracted is one successfully parsed outbound event plus the count of
// lines in this read that could not be parsed.
type extracted struct {
	events    []outboundLine
	malformed int
}

// ReadNew reads every complete line appended to the file since the last
// ReadNew call. A missing file is treated as "no new content" rather than an
// error — the agent may not have written anything yet.
func (t *eventFileTail) ReadNew() (extracted, error) {
	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return extracted{}, nil
		}
		return extracted{}, fmt.Errorf("loop: open events file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return extracted{}, fmt.Errorf("loop: stat events file: %w", err)
	}
	if info.Size() < t.offset {
		// File was truncated or replaced; restart from the top rather than
		// erroring, since the core never rewrites this file itself.
		t.offset = 0
	}
	if info.Size() == t.offset {
		return extracted{}, nil
	}

	if _, err := f.Seek(t.offset, 0); err != nil {
		return extracted{}, fmt.Errorf("loop: seek events file: %w", err)
	}

	buf := make([]byte, info.Size()-t.offset)
	if _, err := io.ReadFull(f, buf); err != nil {
		return extracted{}, fmt.Errorf("loop: read events file: %w", err)
	}

	// Only consume complete lines; a trailing partial line (the agent is
	// still mid-write) is left for the next ReadNew call.
	lastNewline := bytes.LastIndexByte(buf, '\n')
	if lastNewline < 0 {
		return extracted{}, nil
	}
	complete := buf[:lastNewline+1]
	t.offset += int64(len(complete))

	var out extracted
	for _, line := range bytes.Split(complete, []byte{'\n'}) {
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		var ol outboundLine
		if err := json.Unmarshal(trimmed, &ol); err != nil || ol.Topic == "" {
			out.malformed++
			continue
		}
		out.events = append(out.events, ol)
	}

	return out, nil
}
