package logger

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

// Logger writes one JSON object per line: timestamp, level, component,
// action and any extra fields. Safe for concurrent use.
type Logger struct {
	component string
	device    string

	mu  *sync.Mutex
	out io.Writer
}

var stdoutMu sync.Mutex

// New creates a logger for a component (e.g. "hub-coordinator").
func New(component string) *Logger {
	return &Logger{component: component, mu: &stdoutMu, out: os.Stdout}
}

// WithDevice returns a copy tagging every entry with the local device id.
func (l *Logger) WithDevice(deviceID string) *Logger {
	c := *l
	c.device = deviceID
	return &c
}

func (l *Logger) log(level, action string, fields map[string]any, err error) {
	entry := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"level":     level,
		"component": l.component,
		"action":    action,
	}
	if l.device != "" {
		entry["device_id"] = l.device
	}
	for k, v := range fields {
		entry[k] = v
	}
	if err != nil {
		entry["error"] = err.Error()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = json.NewEncoder(l.out).Encode(entry)
}

func (l *Logger) Debug(action string, fields map[string]any) { l.log("DEBUG", action, fields, nil) }
func (l *Logger) Info(action string, fields map[string]any)  { l.log("INFO", action, fields, nil) }
func (l *Logger) Warn(action string, err error, fields map[string]any) {
	l.log("WARN", action, fields, err)
}
func (l *Logger) Error(action string, err error, fields map[string]any) {
	l.log("ERROR", action, fields, err)
}
