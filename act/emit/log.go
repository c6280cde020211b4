package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// LogHandler writes every Message as one structured log line to a writer.
// Pass its Handle method to Emitter.OnMessage to turn on lifecycle logging.
//
// Example text output:
//
//	[task-started] pid=p1 tid=s1
//	[user-message] pid=p1 tid=s1 uid=a candidates=[a b]
//
// Example JSON output:
//
//	{"kind":"task-started","pid":"p1","tid":"s1"}
type LogHandler struct {
	writer   io.Writer
	jsonMode bool
}

// NewLogHandler creates a LogHandler writing to w. If w is nil, os.Stdout is
// used. jsonMode selects JSONL output over the human-readable text format.
func NewLogHandler(w io.Writer, jsonMode bool) *LogHandler {
	if w == nil {
		w = os.Stdout
	}
	return &LogHandler{writer: w, jsonMode: jsonMode}
}

// Handle implements Handler.
func (l *LogHandler) Handle(msg *Message) {
	if l.jsonMode {
		l.handleJSON(msg)
		return
	}
	l.handleText(msg)
}

func (l *LogHandler) handleJSON(msg *Message) {
	data, err := json.Marshal(struct {
		Kind Kind   `json:"kind"`
		PID  string `json:"pid"`
		TID  string `json:"tid,omitempty"`
		User *UserMessage `json:"user,omitempty"`
		Err  *ErrorInfo   `json:"err,omitempty"`
	}{Kind: msg.Kind, PID: msg.PID, TID: msg.TID, User: msg.User, Err: msg.Err})
	if err != nil {
		_, _ = fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	_, _ = fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogHandler) handleText(msg *Message) {
	_, _ = fmt.Fprintf(l.writer, "[%s] pid=%s", msg.Kind, msg.PID)
	if msg.TID != "" {
		_, _ = fmt.Fprintf(l.writer, " tid=%s", msg.TID)
	}
	if u, ok := msg.AsUserMessage(); ok {
		_, _ = fmt.Fprintf(l.writer, " uid=%s candidates=%v", u.UID, u.Candidates)
	}
	if e, ok := msg.AsError(); ok {
		_, _ = fmt.Fprintf(l.writer, " kind=%s detail=%s", e.ErrKind, e.Detail)
	}
	_, _ = fmt.Fprint(l.writer, "\n")
}
