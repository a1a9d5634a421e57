// File: internal/agent/interfaces.go
package agent

import (
	"context"
	"time"

	"github.com/NoEdgeAI/iphoneclaw/internal/action"
	"github.com/NoEdgeAI/iphoneclaw/internal/conversation"
)

// Perception is one captured view of the remote screen. Image holds the raw
// encoded bytes (JPEG or PNG); Width and Height are the pixel dimensions the
// model's box coordinates are normalized against.
type Perception struct {
	Image  []byte
	Width  int
	Height int
}

// PerceptionSource captures the current screen.
type PerceptionSource interface {
	Capture(ctx context.Context) (Perception, error)
}

// Decision is one model response.
type Decision struct {
	Text    string
	Tokens  int
	Elapsed time.Duration
}

// DecisionSource produces the next model response given the conversation tail
// and the current screen.
type DecisionSource interface {
	Decide(ctx context.Context, msgs []conversation.Message, image []byte) (Decision, error)
}

// ExecResult reports the outcome of executing one action.
type ExecResult struct {
	OK      bool
	Error   string
	Elapsed time.Duration
}

// Actuator executes a single parsed action against the device.
type Actuator interface {
	Execute(ctx context.Context, act action.Action, p Perception) ExecResult
}

// EventSink receives the step event stream and per-step frame captures for
// offline inspection. The loop is the only caller; sinks need no internal
// ordering beyond that.
type EventSink interface {
	Record(step int, event string, payload map[string]any)
	SaveFrame(step int, ext string, data []byte) error
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Record(int, string, map[string]any) {}

func (NopSink) SaveFrame(int, string, []byte) error { return nil }
