// Package recorder persists the per-run event stream. Every run gets its own
// ULID-named directory under the configured root, with one JSON object per
// line in events.jsonl. The file is append-only and flushed per event so a
// crashed run still leaves a usable trace.
package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Event is one line of the run trace.
type Event struct {
	TS      time.Time      `json:"ts"`
	Step    int            `json:"step"`
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Recorder writes the event stream for a single run.
type Recorder struct {
	mu     sync.Mutex
	runID  string
	dir    string
	file   *os.File
	logger *zap.Logger
	closed bool
}

// New creates the run directory and opens the event file. root is created if
// missing.
func New(root string, logger *zap.Logger) (*Recorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	runID := ulid.Make().String()
	dir := filepath.Join(root, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event file: %w", err)
	}
	return &Recorder{runID: runID, dir: dir, file: f, logger: logger.Named("recorder")}, nil
}

// RunID returns the ULID of this run.
func (r *Recorder) RunID() string { return r.runID }

// Dir returns the run directory path.
func (r *Recorder) Dir() string { return r.dir }

// Record appends one event line. Write failures are logged and swallowed;
// recording must never break the loop.
func (r *Recorder) Record(step int, event string, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	line, err := json.Marshal(Event{TS: time.Now(), Step: step, Event: event, Payload: payload})
	if err != nil {
		r.logger.Warn("marshal event", zap.String("event", event), zap.Error(err))
		return
	}
	line = append(line, '\n')
	if _, err := r.file.Write(line); err != nil {
		r.logger.Warn("write event", zap.String("event", event), zap.Error(err))
	}
}

// SaveFrame writes a captured screen image next to the event log, named by
// step. The extension should match the encoding ("jpg" or "png").
func (r *Recorder) SaveFrame(step int, ext string, data []byte) error {
	name := fmt.Sprintf("frame_%04d.%s", step, ext)
	if err := os.WriteFile(filepath.Join(r.dir, name), data, 0o644); err != nil {
		return fmt.Errorf("save frame: %w", err)
	}
	return nil
}

// Close flushes and closes the event file. Further Record calls are no-ops.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.file.Close()
}
