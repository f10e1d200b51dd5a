package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// LogEmitter writes events as structured log lines: human-readable text
// by default, or one JSON object per line in jsonMode.
type LogEmitter struct {
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter. A nil writer defaults to os.Stdout.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

func (l *LogEmitter) Emit(event Event) {
	if l.jsonMode {
		l.emitJSON(event)
		return
	}
	l.emitText(event)
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		TargetID string                 `json:"target_id"`
		Kind     string                 `json:"kind"`
		Msg      string                 `json:"msg"`
		Attempts int                    `json:"attempts,omitempty"`
		Meta     map[string]interface{} `json:"meta,omitempty"`
	}{
		TargetID: event.TargetID,
		Kind:     event.Kind.String(),
		Msg:      event.Msg,
		Attempts: event.Attempts,
		Meta:     event.Meta,
	})
	if err != nil {
		_, _ = fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	_, _ = fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	_, _ = fmt.Fprintf(l.writer, "[%s] target=%s kind=%s", event.Msg, event.TargetID, event.Kind)
	if event.Attempts > 0 {
		_, _ = fmt.Fprintf(l.writer, " attempts=%d", event.Attempts)
	}
	if len(event.Meta) > 0 {
		if metaJSON, err := json.Marshal(event.Meta); err == nil {
			_, _ = fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		}
	}
	_, _ = fmt.Fprint(l.writer, "\n")
}

func (l *LogEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, event := range events {
		l.Emit(event)
	}
	return nil
}

// Flush is a no-op: LogEmitter writes synchronously with no buffering.
func (l *LogEmitter) Flush(_ context.Context) error { return nil }
