package agent

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/NoEdgeAI/iphoneclaw/internal/conversation"
)

const (
	defaultActivityPollInterval = 250 * time.Millisecond
	defaultActivityCooldown     = 2 * time.Second
	defaultActivityWindow       = time.Second
)

// ActivitySource reports whether a human is currently driving the mirrored
// screen outside the worker's control (touches, keystrokes). Implementations
// must be safe for polling from a background goroutine.
type ActivitySource interface {
	Active() bool
}

// ActivitySignal is an ActivitySource fed by explicit notifications, e.g. the
// supervisor endpoint the screen-mirroring host calls when the human touches
// the device. Each mark keeps the source active for the window that follows.
type ActivitySignal struct {
	mu     sync.Mutex
	last   time.Time
	window time.Duration
}

// NewActivitySignal returns a signal that stays active for window after each
// mark; window <= 0 picks the default.
func NewActivitySignal(window time.Duration) *ActivitySignal {
	if window <= 0 {
		window = defaultActivityWindow
	}
	return &ActivitySignal{window: window}
}

// MarkActive records a human input notification.
func (s *ActivitySignal) MarkActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = time.Now()
}

// Active reports whether a mark landed within the window.
func (s *ActivitySignal) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.last.IsZero() && time.Since(s.last) < s.window
}

// ActivityMonitor watches an ActivitySource and parks the worker while a
// human is interacting, so the loop never fights the user for the screen.
// Once input has been idle for the cooldown it releases the pause again, but
// only a pause it raised itself: pauses requested by a supervisor stay put.
type ActivityMonitor struct {
	// PollInterval and Cooldown may be set before Run; zero values pick the
	// defaults above.
	PollInterval time.Duration
	Cooldown     time.Duration

	// Conv and Sink, when set, receive the auto-pause notification so both
	// the model and the run record see that a human intervened.
	Conv *conversation.Store
	Sink EventSink

	src     ActivitySource
	control *WorkerControl
	logger  *zap.Logger
}

// NewActivityMonitor wires a source to a worker control block.
func NewActivityMonitor(src ActivitySource, control *WorkerControl, logger *zap.Logger) *ActivityMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ActivityMonitor{
		src:     src,
		control: control,
		logger:  logger.Named("activity"),
	}
}

// Run polls until ctx is cancelled. It is meant to be launched alongside
// Worker.Run and exits cleanly when the run's context ends.
func (m *ActivityMonitor) Run(ctx context.Context) {
	interval := m.PollInterval
	if interval <= 0 {
		interval = defaultActivityPollInterval
	}
	cooldown := m.Cooldown
	if cooldown <= 0 {
		cooldown = defaultActivityCooldown
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		raised     bool
		lastActive time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snap := m.control.Snapshot()
		if snap.Status.Terminal() || snap.StopRaised {
			return
		}

		if m.src.Active() {
			lastActive = time.Now()
			if !snap.Paused {
				m.control.Pause()
				raised = true
				m.logger.Info("human input detected, pausing worker", zap.Int("step", snap.Step))
				if m.Sink != nil {
					m.Sink.Record(snap.Step, "auto_paused", map[string]any{"reason": "human_input"})
				}
				if m.Conv != nil {
					m.Conv.Append(conversation.RoleUser,
						"a human operator took control of the screen; the UI may have changed, re-examine the current screen before continuing",
						map[string]any{"activity": true})
				}
			}
			continue
		}

		if raised && snap.Paused && time.Since(lastActive) >= cooldown {
			m.control.Resume()
			raised = false
			m.logger.Info("input idle, resuming worker", zap.Int("step", snap.Step))
		}
	}
}
