// Package driver provides the perception and actuation backends. DirCapture
// feeds the loop from a directory of pre-captured frames, which is how
// integration runs and replayed sessions work without a device attached;
// LogActuator executes actions as log lines with realistic pacing.
package driver

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/NoEdgeAI/iphoneclaw/internal/action"
	"github.com/NoEdgeAI/iphoneclaw/internal/agent"
	"github.com/NoEdgeAI/iphoneclaw/internal/config"
)

// DirCapture serves frames from a directory in lexical order. When the
// frames run out it keeps serving the last one, which models a screen that
// stopped changing.
type DirCapture struct {
	mu     sync.Mutex
	frames []string
	next   int
}

// NewDirCapture lists *.png and *.jpg/!*.jpeg files under dir.
func NewDirCapture(dir string) (*DirCapture, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frame dir: %w", err)
	}
	var frames []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".png", ".jpg", ".jpeg":
			frames = append(frames, filepath.Join(dir, e.Name()))
		}
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("frame dir %s contains no images", dir)
	}
	sort.Strings(frames)
	return &DirCapture{frames: frames}, nil
}

// Capture returns the next frame.
func (d *DirCapture) Capture(ctx context.Context) (agent.Perception, error) {
	if err := ctx.Err(); err != nil {
		return agent.Perception{}, err
	}
	d.mu.Lock()
	idx := d.next
	if d.next < len(d.frames)-1 {
		d.next++
	}
	path := d.frames[idx]
	d.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return agent.Perception{}, fmt.Errorf("read frame: %w", err)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return agent.Perception{}, fmt.Errorf("decode frame %s: %w", filepath.Base(path), err)
	}
	return agent.Perception{Image: data, Width: cfg.Width, Height: cfg.Height}, nil
}

// LogActuator logs each action instead of touching a device, honoring the
// action's timing semantics so runs pace like real ones.
type LogActuator struct {
	cfg    config.AutomationConfig
	logger *zap.Logger
}

// NewLogActuator returns a dry-run actuator.
func NewLogActuator(cfg config.AutomationConfig, logger *zap.Logger) *LogActuator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogActuator{cfg: cfg, logger: logger.Named("driver")}
}

// Execute logs the action with its resolved screen coordinates and sleeps for
// the duration a real gesture would take.
func (a *LogActuator) Execute(ctx context.Context, act action.Action, p agent.Perception) agent.ExecResult {
	start := time.Now()
	fields := []zap.Field{zap.String("type", act.Type)}

	if act.Inputs.StartBox != "" {
		if x, y, ok := action.ParseBoxPoint(act.Inputs.StartBox); ok {
			px, py := scalePoint(x, y, p)
			fields = append(fields, zap.Int("x", px), zap.Int("y", py))
		} else {
			return fail(start, fmt.Sprintf("bad start_box %q", act.Inputs.StartBox))
		}
	}
	if act.Inputs.EndBox != "" {
		if x, y, ok := action.ParseBoxPoint(act.Inputs.EndBox); ok {
			px, py := scalePoint(x, y, p)
			fields = append(fields, zap.Int("x2", px), zap.Int("y2", py))
		} else {
			return fail(start, fmt.Sprintf("bad end_box %q", act.Inputs.EndBox))
		}
	}
	if act.Inputs.Content != "" {
		fields = append(fields, zap.String("content", act.Inputs.Content))
	}
	if act.Inputs.Key != "" {
		fields = append(fields, zap.String("key", act.Inputs.Key))
	}
	if act.Inputs.Direction != "" {
		fields = append(fields, zap.String("direction", act.Inputs.Direction))
	}

	if err := sleepFor(ctx, a.duration(act)); err != nil {
		return fail(start, err.Error())
	}
	a.logger.Info("execute", fields...)
	return agent.ExecResult{OK: true, Elapsed: time.Since(start)}
}

// duration models how long the gesture takes on a real device.
func (a *LogActuator) duration(act action.Action) time.Duration {
	switch act.Type {
	case action.TypeSleep, action.TypeWait:
		if act.Inputs.Seconds != nil {
			return time.Duration(*act.Inputs.Seconds * float64(time.Second))
		}
		if act.Inputs.Ms != nil {
			return time.Duration(*act.Inputs.Ms) * time.Millisecond
		}
		if act.Type == action.TypeWait {
			return time.Second
		}
		return 50 * time.Millisecond
	case action.TypeSwipe, action.TypeScroll, action.TypeDrag:
		if a.cfg.SwipeDurationMs > 0 {
			return time.Duration(a.cfg.SwipeDurationMs) * time.Millisecond
		}
		return 300 * time.Millisecond
	case action.TypeType:
		interval := a.cfg.TypeIntervalMs
		if interval <= 0 {
			interval = 30
		}
		return time.Duration(len([]rune(act.Inputs.Content))*interval) * time.Millisecond
	}
	return 0
}

// scalePoint maps a model coordinate in the 0-1000 normalized space onto the
// actual screen.
func scalePoint(x, y float64, p agent.Perception) (int, int) {
	if p.Width <= 0 || p.Height <= 0 {
		return int(x), int(y)
	}
	return int(x / 1000.0 * float64(p.Width)), int(y / 1000.0 * float64(p.Height))
}

func sleepFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func fail(start time.Time, msg string) agent.ExecResult {
	return agent.ExecResult{OK: false, Error: msg, Elapsed: time.Since(start)}
}
