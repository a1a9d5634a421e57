package agent_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/NoEdgeAI/iphoneclaw/internal/agent"
	"github.com/NoEdgeAI/iphoneclaw/internal/conversation"
)

type stubActivity struct {
	active atomic.Bool
}

func (s *stubActivity) Active() bool { return s.active.Load() }

func startMonitor(t *testing.T, src agent.ActivitySource, control *agent.WorkerControl) context.CancelFunc {
	t.Helper()
	m := agent.NewActivityMonitor(src, control, zaptest.NewLogger(t))
	m.PollInterval = 5 * time.Millisecond
	m.Cooldown = 25 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestActivityMonitorPausesAndResumes(t *testing.T) {
	src := &stubActivity{}
	control := agent.NewWorkerControl()
	startMonitor(t, src, control)

	src.active.Store(true)
	require.Eventually(t, func() bool {
		return control.Snapshot().Paused
	}, 2*time.Second, 5*time.Millisecond, "human input should pause the worker")

	src.active.Store(false)
	require.Eventually(t, func() bool {
		return !control.Snapshot().Paused
	}, 2*time.Second, 5*time.Millisecond, "idle input should release the pause")
}

func TestActivityMonitorLeavesSupervisorPauseAlone(t *testing.T) {
	src := &stubActivity{}
	control := agent.NewWorkerControl()
	startMonitor(t, src, control)

	// Pause came from a supervisor, not the monitor; idle input must not
	// release it.
	control.Pause()
	time.Sleep(100 * time.Millisecond)
	assert.True(t, control.Snapshot().Paused)
}

func TestActivityMonitorNotifiesOnAutoPause(t *testing.T) {
	src := &stubActivity{}
	control := agent.NewWorkerControl()
	conv := conversation.NewStore()
	sink := &memorySink{}

	m := agent.NewActivityMonitor(src, control, zaptest.NewLogger(t))
	m.PollInterval = 5 * time.Millisecond
	m.Conv = conv
	m.Sink = sink

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	src.active.Store(true)
	require.Eventually(t, func() bool {
		return control.Snapshot().Paused
	}, 2*time.Second, 5*time.Millisecond)

	assert.True(t, sink.has("auto_paused"))
	items := conv.Snapshot()
	require.NotEmpty(t, items)
	assert.Equal(t, conversation.RoleUser, items[0].Role)
	assert.Contains(t, items[0].Text, "took control of the screen")
}

func TestActivitySignalWindow(t *testing.T) {
	sig := agent.NewActivitySignal(30 * time.Millisecond)
	assert.False(t, sig.Active())

	sig.MarkActive()
	assert.True(t, sig.Active())

	require.Eventually(t, func() bool {
		return !sig.Active()
	}, 2*time.Second, 5*time.Millisecond, "signal should go idle after the window")
}

func TestActivityMonitorExitsOnTerminalStatus(t *testing.T) {
	src := &stubActivity{}
	control := agent.NewWorkerControl()
	control.Stop()

	m := agent.NewActivityMonitor(src, control, zaptest.NewLogger(t))
	m.PollInterval = 5 * time.Millisecond

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(context.Background())
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not exit after stop was raised")
	}
}
