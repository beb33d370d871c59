package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// LogEmitter writes one line per event to a writer.
//
// Text mode:
//
//	[block_end] run=run-001 pass=2 block=agent-1 type=agent meta={"duration_ms":12}
//
// JSON mode writes JSON lines:
//
//	{"runId":"run-001","pass":2,"blockId":"agent-1","blockType":"agent","msg":"block_end","meta":{"duration_ms":12}}
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter. A nil writer writes to stdout.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit writes the event. Lines from concurrent callers never interleave.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

type jsonEvent struct {
	RunID     string         `json:"runId"`
	Pass      int            `json:"pass"`
	BlockID   string         `json:"blockId,omitempty"`
	BlockType string         `json:"blockType,omitempty"`
	VirtualID string         `json:"virtualId,omitempty"`
	Msg       string         `json:"msg"`
	Time      *time.Time     `json:"time,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

func (l *LogEmitter) emitJSON(event Event) {
	je := jsonEvent{
		RunID:     event.RunID,
		Pass:      event.Pass,
		BlockID:   event.BlockID,
		BlockType: event.BlockType,
		VirtualID: event.VirtualID,
		Msg:       event.Msg,
		Meta:      event.Meta,
	}
	if !event.Time.IsZero() {
		t := event.Time
		je.Time = &t
	}
	data, err := json.Marshal(je)
	if err != nil {
		fmt.Fprintf(l.writer, "{\"error\":%q}\n", "failed to marshal event: "+err.Error())
		return
	}
	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "[%s] run=%s pass=%d", event.Msg, event.RunID, event.Pass)
	if event.BlockID != "" {
		fmt.Fprintf(l.writer, " block=%s type=%s", event.BlockID, event.BlockType)
	}
	if event.VirtualID != "" {
		fmt.Fprintf(l.writer, " virtual=%s", event.VirtualID)
	}
	if len(event.Meta) > 0 {
		if metaJSON, err := json.Marshal(event.Meta); err == nil {
			fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}
	fmt.Fprint(l.writer, "\n")
}
