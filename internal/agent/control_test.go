package agent_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/NoEdgeAI/iphoneclaw/internal/agent"
)

func TestControlInitialState(t *testing.T) {
	c := agent.NewWorkerControl()
	snap := c.Snapshot()
	assert.Equal(t, agent.StatusInit, snap.Status)
	assert.False(t, snap.Paused)
	assert.False(t, snap.StopRaised)
	assert.Zero(t, snap.Pending)
}

func TestControlPauseResume(t *testing.T) {
	c := agent.NewWorkerControl()
	c.Pause()
	assert.True(t, c.Snapshot().Paused)
	c.Resume()
	assert.False(t, c.Snapshot().Paused)
}

func TestControlStopClearsPause(t *testing.T) {
	c := agent.NewWorkerControl()
	c.Pause()
	c.Stop()
	snap := c.Snapshot()
	assert.True(t, snap.StopRaised)
	assert.False(t, snap.Paused, "stop releases a paused worker so it can exit")
}

func TestControlInject(t *testing.T) {
	c := agent.NewWorkerControl()
	c.Inject("first")
	c.Inject("")
	c.Inject("second")
	assert.Equal(t, 2, c.Snapshot().Pending)
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, agent.StatusEnd.Terminal())
	assert.True(t, agent.StatusCallUser.Terminal())
	assert.True(t, agent.StatusUserStopped.Terminal())
	assert.True(t, agent.StatusError.Terminal())
	assert.False(t, agent.StatusRunning.Terminal())
	assert.False(t, agent.StatusHang.Terminal())
	assert.False(t, agent.StatusPause.Terminal())
}
