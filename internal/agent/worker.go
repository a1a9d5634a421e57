// File: internal/agent/worker.go
package agent

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/NoEdgeAI/iphoneclaw/internal/action"
	"github.com/NoEdgeAI/iphoneclaw/internal/config"
	"github.com/NoEdgeAI/iphoneclaw/internal/conversation"
	"github.com/NoEdgeAI/iphoneclaw/internal/memo"
)

const (
	pausePollInterval = 200 * time.Millisecond
	sigRingSize       = 16
)

// Options wires a Worker. Cache and Expander are optional; Sink defaults to
// NopSink and Logger to a no-op logger.
type Options struct {
	Config     config.AgentConfig
	Control    *WorkerControl
	Conv       *conversation.Store
	Perception PerceptionSource
	Decision   DecisionSource
	Actuator   Actuator
	Cache      *memo.Cache
	// Expander rewrites run_script actions into their compiled action
	// sequences before execution.
	Expander func([]action.Action) ([]action.Action, error)
	Sink     EventSink
	Logger   *zap.Logger
}

// Worker drives the perceive -> decide -> act loop for a single instruction.
// One Worker serves one run; it is not reusable.
type Worker struct {
	cfg        config.AgentConfig
	control    *WorkerControl
	conv       *conversation.Store
	perception PerceptionSource
	decision   DecisionSource
	actuator   Actuator
	cache      *memo.Cache
	expander   func([]action.Action) ([]action.Action, error)
	sink       EventSink
	logger     *zap.Logger

	parseErrStreak int
	repeatStreak   int
	recentSigs     []string
	nudgedASCII    bool
}

// NewWorker assembles a worker from its collaborators.
func NewWorker(opts Options) (*Worker, error) {
	if opts.Control == nil || opts.Conv == nil {
		return nil, fmt.Errorf("agent: control and conversation store are required")
	}
	if opts.Perception == nil || opts.Decision == nil || opts.Actuator == nil {
		return nil, fmt.Errorf("agent: perception, decision and actuator sources are required")
	}
	if opts.Sink == nil {
		opts.Sink = NopSink{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Worker{
		cfg:        opts.Config,
		control:    opts.Control,
		conv:       opts.Conv,
		perception: opts.Perception,
		decision:   opts.Decision,
		actuator:   opts.Actuator,
		cache:      opts.Cache,
		expander:   opts.Expander,
		sink:       opts.Sink,
		logger:     opts.Logger.Named("worker"),
	}, nil
}

// Run executes the control loop until a terminal status is reached. The
// returned error is non-nil only for infrastructure failures (capture or
// model transport); task-level outcomes are expressed through the Status.
func (w *Worker) Run(ctx context.Context, instruction string) (Status, error) {
	w.control.setStatus(StatusRunning, "")
	w.conv.Append(conversation.RoleUser, instruction, nil)
	w.sink.Record(0, "run_started", map[string]any{"instruction": instruction})

	for step := 1; ; step++ {
		if st, done := w.checkpoint(ctx, step); done {
			return st, nil
		}
		w.control.setStep(step)

		if msg, ok := w.control.popInjected(); ok {
			w.conv.Append(conversation.RoleUser, msg, map[string]any{"injected": true})
			w.sink.Record(step, "guidance_injected", map[string]any{"text": msg})
		}

		if step > w.cfg.MaxSteps {
			return w.finish(StatusError, "step_limit", step), nil
		}

		p, err := w.perception.Capture(ctx)
		if err != nil {
			w.control.setStatus(StatusError, "")
			w.sink.Record(step, "capture_failed", map[string]any{"error": err.Error()})
			return StatusError, fmt.Errorf("capture screen: %w", err)
		}
		w.saveFrame(step, p.Image)

		var pre memo.Digest
		if w.cache != nil {
			if d, err := w.cache.Fingerprint(p.Image); err == nil {
				pre = d
				if replayed, next := w.tryReplay(ctx, pre, p, step); replayed != nil {
					// Replayed batches feed the dead-loop guard the same as
					// live ones.
					if w.bumpRepeatStreak(batchSignature(replayed), step) {
						w.park("repeat_actions", step)
					}
					w.sleepStep(ctx)
					continue
				} else if next != nil {
					// Verification failed; decide live against the fresher frame.
					p = *next
				}
			} else {
				w.logger.Debug("fingerprint failed", zap.Int("step", step), zap.Error(err))
			}
		}

		msgs := w.conv.Messages(true, w.cfg.TailRounds)
		d, err := w.decision.Decide(ctx, msgs, p.Image)
		if err != nil {
			w.control.setStatus(StatusError, "")
			w.sink.Record(step, "decide_failed", map[string]any{"error": err.Error()})
			return StatusError, fmt.Errorf("model decision: %w", err)
		}
		w.conv.Append(conversation.RoleAssistant, d.Text, map[string]any{"tokens": d.Tokens})
		w.sink.Record(step, "decision", map[string]any{
			"text":       d.Text,
			"tokens":     d.Tokens,
			"elapsed_ms": d.Elapsed.Milliseconds(),
		})

		acts := action.Parse(d.Text)
		if w.expander != nil {
			expanded, err := w.expander(acts)
			if err != nil {
				w.feedback(step, fmt.Sprintf("script expansion failed: %v", err))
				if w.bumpParseStreak(step) {
					w.park("parse_error_streak", step)
				}
				w.sleepStep(ctx)
				continue
			}
			acts = expanded
		}

		// Unparseable statements are dropped; only a batch with nothing left
		// counts as a parse failure.
		live, parseMsg := splitParseErrors(acts)
		if len(live) == 0 {
			w.feedback(step, "your last action could not be parsed: "+parseMsg)
			if w.bumpParseStreak(step) {
				w.park("parse_error_streak", step)
			}
			w.sleepStep(ctx)
			continue
		}
		w.parseErrStreak = 0
		acts = live

		if w.bumpRepeatStreak(batchSignature(acts), step) {
			w.park("repeat_actions", step)
			w.sleepStep(ctx)
			continue
		}

		st, executed, execOK := w.executeBatch(ctx, acts, p, step)
		if st != "" {
			if st == StatusHang {
				// Terminal action intercepted for human review; park and wait.
				w.park(w.control.Snapshot().HangReason, step)
				w.sleepStep(ctx)
				continue
			}
			return w.finish(st, "", step), nil
		}

		w.maybeNudgeASCII(executed, step)

		if w.cache != nil && execOK && !pre.IsZero() && w.cache.ShouldCache(executed) {
			if post, err := w.capturePost(ctx); err == nil {
				w.cache.Record(pre, executed, post, step)
			}
		}

		w.sleepStep(ctx)
	}
}

// checkpoint handles the stop flag and the pause gate between steps. It
// returns (status, true) when the run is over.
func (w *Worker) checkpoint(ctx context.Context, step int) (Status, bool) {
	for {
		if ctx.Err() != nil || w.control.stopRaised() {
			return w.finish(StatusUserStopped, "", step), true
		}
		if !w.control.pausedNow() {
			if w.control.Status() != StatusRunning {
				w.control.setStatus(StatusRunning, "")
				w.resetStreaks()
			}
			return "", false
		}
		if w.control.Status() == StatusRunning {
			w.control.setStatus(StatusPause, "")
			w.sink.Record(step, "paused", nil)
		}
		select {
		case <-ctx.Done():
		case <-time.After(pausePollInterval):
		}
	}
}

// tryReplay attempts a cache replay for the current frame. It returns the
// replayed actions when the replay was verified, and otherwise a nil slice
// plus the post-replay perception when the loop should fall through to the
// live path against a fresher frame.
func (w *Worker) tryReplay(ctx context.Context, pre memo.Digest, p Perception, step int) ([]action.Action, *Perception) {
	entry := w.cache.Lookup(pre, step)
	if entry == nil {
		return nil, nil
	}

	execOK := true
	for _, a := range entry.Actions {
		res := w.actuator.Execute(ctx, a, p)
		if !res.OK {
			execOK = false
			break
		}
	}

	postP, err := w.perception.Capture(ctx)
	if err != nil {
		w.cache.VerifyAndCommit(entry, memo.Digest{}, step, false)
		return nil, nil
	}
	post, err := w.cache.Fingerprint(postP.Image)
	if err != nil {
		w.cache.VerifyAndCommit(entry, memo.Digest{}, step, false)
		return nil, &postP
	}

	if w.cache.VerifyAndCommit(entry, post, step, execOK) {
		w.sink.Record(step, "cache_replay", map[string]any{
			"actions":   len(entry.Actions),
			"hit_count": entry.HitCount,
		})
		return entry.Actions, nil
	}
	return nil, &postP
}

// park holds the run in HANG until a supervisor resumes or stops it. The
// checkpoint gate releases it back into RUNNING with fresh streak counters.
func (w *Worker) park(reason string, step int) {
	w.control.Pause()
	w.control.setStatus(StatusHang, reason)
	w.sink.Record(step, "hang", map[string]any{"reason": reason})
	w.logger.Warn("worker parked", zap.String("reason", reason), zap.Int("step", step))
}

// executeBatch runs the step's actions in order. Terminal actions short the
// batch; a failed execution stops the batch and feeds the failure back to the
// model. The returned status is empty while the run should continue.
func (w *Worker) executeBatch(ctx context.Context, acts []action.Action, p Perception, step int) (Status, []action.Action, bool) {
	executed := make([]action.Action, 0, len(acts))
	for _, a := range acts {
		switch a.Type {
		case action.TypeFinished:
			w.sink.Record(step, "finished", map[string]any{"content": a.Inputs.Content})
			if w.cfg.HangOnFinished {
				w.control.setStatus(StatusHang, "finished")
				return StatusHang, executed, true
			}
			return StatusEnd, executed, true
		case action.TypeCallUser:
			w.sink.Record(step, "call_user", map[string]any{"content": a.Inputs.Content})
			if w.cfg.HangOnCallUser {
				w.control.setStatus(StatusHang, "call_user")
				return StatusHang, executed, true
			}
			return StatusCallUser, executed, true
		}

		res := w.actuator.Execute(ctx, a, p)
		w.sink.Record(step, "action", map[string]any{
			"type":       a.Type,
			"raw":        a.Raw,
			"ok":         res.OK,
			"error":      res.Error,
			"elapsed_ms": res.Elapsed.Milliseconds(),
		})
		if !res.OK {
			w.feedback(step, fmt.Sprintf("action %s failed: %s", a.Type, res.Error))
			return "", executed, false
		}
		executed = append(executed, a)
	}
	return "", executed, true
}

// maybeNudgeASCII injects one-time guidance when the model tries to type text
// the device keyboard cannot produce.
func (w *Worker) maybeNudgeASCII(acts []action.Action, step int) {
	if !w.cfg.NudgeOnASCIIType || w.nudgedASCII {
		return
	}
	for _, a := range acts {
		if a.Type != action.TypeType {
			continue
		}
		if hasNonASCII(a.Inputs.Content) {
			w.nudgedASCII = true
			w.feedback(step, "the device keyboard only accepts ASCII input; re-enter the text using ASCII characters only")
			return
		}
	}
}

func (w *Worker) feedback(step int, text string) {
	w.conv.Append(conversation.RoleUser, text, map[string]any{"feedback": true})
	w.sink.Record(step, "feedback", map[string]any{"text": text})
}

// bumpParseStreak counts consecutive unparseable responses; it reports true
// once the streak crosses the configured limit.
func (w *Worker) bumpParseStreak(step int) bool {
	w.parseErrStreak++
	w.logger.Warn("unparseable model output",
		zap.Int("step", step),
		zap.Int("streak", w.parseErrStreak))
	return w.parseErrStreak >= w.cfg.ParseErrorLimit
}

// bumpRepeatStreak tracks the signatures of recent action batches and reports
// true when the model keeps emitting the same batch.
func (w *Worker) bumpRepeatStreak(sig string, step int) bool {
	if sig == "" {
		return false
	}
	if n := len(w.recentSigs); n > 0 && w.recentSigs[n-1] == sig {
		w.repeatStreak++
	} else {
		w.repeatStreak = 1
	}
	w.recentSigs = append(w.recentSigs, sig)
	if len(w.recentSigs) > sigRingSize {
		w.recentSigs = w.recentSigs[len(w.recentSigs)-sigRingSize:]
	}
	if w.repeatStreak >= w.cfg.RepeatActionLimit {
		w.logger.Warn("repeated action batch",
			zap.Int("step", step),
			zap.Int("streak", w.repeatStreak),
			zap.Strings("recent", w.recentSigs))
		return true
	}
	return false
}

func (w *Worker) resetStreaks() {
	w.parseErrStreak = 0
	w.repeatStreak = 0
}

func (w *Worker) finish(st Status, reason string, step int) Status {
	w.control.setStatus(st, reason)
	payload := map[string]any{"status": string(st)}
	if reason != "" {
		payload["reason"] = reason
	}
	w.sink.Record(step, "run_finished", payload)
	return st
}

// saveFrame hands the step's capture to the sink as an artifact.
func (w *Worker) saveFrame(step int, img []byte) {
	ext := "jpg"
	if bytes.HasPrefix(img, []byte("\x89PNG\r\n\x1a\n")) {
		ext = "png"
	}
	if err := w.sink.SaveFrame(step, ext, img); err != nil {
		w.logger.Debug("frame save failed", zap.Int("step", step), zap.Error(err))
	}
}

func (w *Worker) capturePost(ctx context.Context) (memo.Digest, error) {
	p, err := w.perception.Capture(ctx)
	if err != nil {
		return memo.Digest{}, err
	}
	return w.cache.Fingerprint(p.Image)
}

func (w *Worker) sleepStep(ctx context.Context) {
	if w.cfg.StepDelay <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(w.cfg.StepDelay):
	}
}

// splitParseErrors separates executable actions from error_env diagnostics,
// keeping the first diagnostic message for feedback.
func splitParseErrors(acts []action.Action) ([]action.Action, string) {
	live := make([]action.Action, 0, len(acts))
	msg := ""
	for _, a := range acts {
		if a.Type == action.TypeErrorEnv {
			if msg == "" {
				msg = a.Inputs.Content
			}
			continue
		}
		live = append(live, a)
	}
	if msg == "" {
		msg = "no recognizable action"
	}
	return live, msg
}

// batchSignature summarizes a batch for repeat detection.
func batchSignature(acts []action.Action) string {
	if len(acts) == 0 {
		return ""
	}
	sigs := make([]string, len(acts))
	for i, a := range acts {
		sigs[i] = a.Signature()
	}
	return strings.Join(sigs, "||")
}

func hasNonASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return true
		}
	}
	return false
}
