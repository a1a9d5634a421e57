package driver

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/NoEdgeAI/iphoneclaw/internal/action"
	"github.com/NoEdgeAI/iphoneclaw/internal/agent"
	"github.com/NoEdgeAI/iphoneclaw/internal/config"
)

func writeFrame(t *testing.T, dir, name string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), buf.Bytes(), 0o644))
}

func TestDirCaptureServesFramesInOrder(t *testing.T) {
	dir := t.TempDir()
	writeFrame(t, dir, "frame_0001.png", 10, 20)
	writeFrame(t, dir, "frame_0002.png", 30, 40)

	c, err := NewDirCapture(dir)
	require.NoError(t, err)

	p1, err := c.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, p1.Width)
	assert.Equal(t, 20, p1.Height)

	p2, err := c.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 30, p2.Width)

	// After the last frame the capture keeps serving it.
	p3, err := c.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 30, p3.Width)
}

func TestDirCaptureEmptyDir(t *testing.T) {
	_, err := NewDirCapture(t.TempDir())
	assert.Error(t, err)
}

func TestLogActuatorExecutesClick(t *testing.T) {
	a := NewLogActuator(config.AutomationConfig{}, zaptest.NewLogger(t))
	p := agent.Perception{Width: 500, Height: 1000}

	res := a.Execute(context.Background(), action.Action{
		Type:   action.TypeClick,
		Inputs: action.Inputs{StartBox: "(500,500)"},
	}, p)
	assert.True(t, res.OK)
}

func TestLogActuatorRejectsBadBox(t *testing.T) {
	a := NewLogActuator(config.AutomationConfig{}, zaptest.NewLogger(t))

	res := a.Execute(context.Background(), action.Action{
		Type:   action.TypeClick,
		Inputs: action.Inputs{StartBox: "nowhere"},
	}, agent.Perception{Width: 100, Height: 100})
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "bad start_box")
}

func TestLogActuatorSleepHonorsContext(t *testing.T) {
	a := NewLogActuator(config.AutomationConfig{}, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	secs := 30.0
	res := a.Execute(ctx, action.Action{
		Type:   action.TypeSleep,
		Inputs: action.Inputs{Seconds: &secs},
	}, agent.Perception{})
	assert.False(t, res.OK)
}

func TestScalePoint(t *testing.T) {
	x, y := scalePoint(500, 250, agent.Perception{Width: 400, Height: 800})
	assert.Equal(t, 200, x)
	assert.Equal(t, 200, y)
}
