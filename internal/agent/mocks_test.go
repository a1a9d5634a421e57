package agent_test

import (
	"context"
	"sync"

	"github.com/NoEdgeAI/iphoneclaw/internal/action"
	"github.com/NoEdgeAI/iphoneclaw/internal/agent"
	"github.com/NoEdgeAI/iphoneclaw/internal/conversation"
)

// stubCapture serves a fixed frame, or an error.
type stubCapture struct {
	frame []byte
	err   error
}

func (s *stubCapture) Capture(ctx context.Context) (agent.Perception, error) {
	if s.err != nil {
		return agent.Perception{}, s.err
	}
	return agent.Perception{Image: s.frame, Width: 1000, Height: 1000}, nil
}

// scriptedDecider replays canned responses in order, repeating the last one,
// and remembers every message batch it was shown.
type scriptedDecider struct {
	mu        sync.Mutex
	responses []string
	calls     int
	seenMsgs  [][]conversation.Message
}

func (d *scriptedDecider) Decide(ctx context.Context, msgs []conversation.Message, image []byte) (agent.Decision, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]conversation.Message, len(msgs))
	copy(cp, msgs)
	d.seenMsgs = append(d.seenMsgs, cp)

	idx := d.calls
	if idx >= len(d.responses) {
		idx = len(d.responses) - 1
	}
	d.calls++
	return agent.Decision{Text: d.responses[idx], Tokens: 7}, nil
}

func (d *scriptedDecider) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// recordingActuator logs executed actions; failAt trips a failure on the
// n-th execution (1-based).
type recordingActuator struct {
	mu       sync.Mutex
	executed []action.Action
	failAt   int
}

func (a *recordingActuator) Execute(ctx context.Context, act action.Action, p agent.Perception) agent.ExecResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.executed = append(a.executed, act)
	if a.failAt > 0 && len(a.executed) == a.failAt {
		return agent.ExecResult{OK: false, Error: "element not found"}
	}
	return agent.ExecResult{OK: true}
}

func (a *recordingActuator) actions() []action.Action {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]action.Action, len(a.executed))
	copy(out, a.executed)
	return out
}

// memorySink collects recorded event names and saved frame steps.
type memorySink struct {
	mu     sync.Mutex
	events []string
	frames []int
}

func (s *memorySink) Record(step int, event string, payload map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *memorySink) SaveFrame(step int, ext string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, step)
	return nil
}

func (s *memorySink) frameSteps() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.frames))
	copy(out, s.frames)
	return out
}

func (s *memorySink) has(event string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e == event {
			return true
		}
	}
	return false
}
