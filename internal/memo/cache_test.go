package memo

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NoEdgeAI/iphoneclaw/internal/action"
)

// splitScreen renders a left-black/right-white frame; solidScreen renders a
// uniform one. Their difference hashes are far apart, while re-encoding the
// same frame hashes identically.
func splitScreen(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			c := color.RGBA{A: 255}
			if x >= 32 {
				c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.Set(x, y, c)
		}
	}
	return encodePNG(t, img)
}

func solidScreen(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{A: 255})
		}
	}
	return encodePNG(t, img)
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func tapAction() []action.Action {
	return []action.Action{{Type: action.TypeClick, Raw: "click(start_box='(500,500)')"}}
}

func TestFingerprint(t *testing.T) {
	c := New(DefaultOptions(), nil)

	d1, err := c.Fingerprint(splitScreen(t))
	require.NoError(t, err)
	assert.False(t, d1.IsZero())
	assert.NotEmpty(t, d1.String())

	// Same frame, same digest.
	d2, err := c.Fingerprint(splitScreen(t))
	require.NoError(t, err)
	assert.Equal(t, d1.String(), d2.String())

	_, err = c.Fingerprint([]byte("not an image"))
	assert.Error(t, err)
}

func TestLookupMissAndHit(t *testing.T) {
	c := New(DefaultOptions(), nil)
	split, err := c.Fingerprint(splitScreen(t))
	require.NoError(t, err)
	solid, err := c.Fingerprint(solidScreen(t))
	require.NoError(t, err)

	assert.Nil(t, c.Lookup(split, 1))

	c.Record(split, tapAction(), solid, 1)
	require.Equal(t, 1, c.Len())

	hit := c.Lookup(split, 2)
	require.NotNil(t, hit)
	assert.Len(t, hit.Actions, 1)

	// A visually different screen does not match.
	assert.Nil(t, c.Lookup(solid, 2))
	assert.Nil(t, c.Lookup(Digest{}, 2))
}

func TestVerifyAndCommitSuccess(t *testing.T) {
	c := New(DefaultOptions(), nil)
	split, _ := c.Fingerprint(splitScreen(t))
	solid, _ := c.Fingerprint(solidScreen(t))

	c.Record(split, tapAction(), solid, 1)
	e := c.Lookup(split, 2)
	require.NotNil(t, e)

	assert.True(t, c.VerifyAndCommit(e, solid, 2, true))
	assert.Equal(t, 1, e.HitCount)
	assert.Equal(t, 2, e.LastStep)
}

func TestVerifyFailureEvicts(t *testing.T) {
	c := New(DefaultOptions(), nil)
	split, _ := c.Fingerprint(splitScreen(t))
	solid, _ := c.Fingerprint(solidScreen(t))

	c.Record(split, tapAction(), solid, 1)
	e := c.Lookup(split, 2)
	require.NotNil(t, e)

	// The post-replay screen came back as the pre screen: divergence.
	assert.False(t, c.VerifyAndCommit(e, split, 2, true))
	assert.Equal(t, 0, c.Len())
}

func TestVerifyFailureResetPolicy(t *testing.T) {
	opts := DefaultOptions()
	opts.Policy = PolicyReset
	c := New(opts, nil)
	split, _ := c.Fingerprint(splitScreen(t))
	solid, _ := c.Fingerprint(solidScreen(t))

	c.Record(split, tapAction(), solid, 1)
	e := c.Lookup(split, 2)
	require.True(t, c.VerifyAndCommit(e, solid, 2, true))
	require.Equal(t, 1, e.HitCount)

	assert.False(t, c.VerifyAndCommit(e, split, 3, true))
	assert.Equal(t, 1, c.Len(), "reset policy keeps the slot")
	assert.Equal(t, 0, e.HitCount)
}

func TestExecFailureAlwaysEvicts(t *testing.T) {
	opts := DefaultOptions()
	opts.Policy = PolicyReset
	c := New(opts, nil)
	split, _ := c.Fingerprint(splitScreen(t))
	solid, _ := c.Fingerprint(solidScreen(t))

	c.Record(split, tapAction(), solid, 1)
	e := c.Lookup(split, 2)
	assert.False(t, c.VerifyAndCommit(e, solid, 2, false))
	assert.Equal(t, 0, c.Len())
}

func TestReuseBudgetExhaustionEvicts(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxReuse = 1
	c := New(opts, nil)
	split, _ := c.Fingerprint(splitScreen(t))
	solid, _ := c.Fingerprint(solidScreen(t))

	c.Record(split, tapAction(), solid, 1)
	e := c.Lookup(split, 2)
	require.True(t, c.VerifyAndCommit(e, solid, 2, true))

	e = c.Lookup(split, 3)
	require.NotNil(t, e)
	assert.False(t, c.VerifyAndCommit(e, solid, 3, true))
	assert.Equal(t, 0, c.Len())
}

func TestRecordRejectsReplayStep(t *testing.T) {
	c := New(DefaultOptions(), nil)
	split, _ := c.Fingerprint(splitScreen(t))
	solid, _ := c.Fingerprint(solidScreen(t))

	c.Record(split, tapAction(), solid, 1)
	e := c.Lookup(split, 5)
	require.True(t, c.VerifyAndCommit(e, solid, 5, true))

	// A record attempt in the same step as a verified replay is ignored.
	c.Record(solid, tapAction(), split, 5)
	assert.Equal(t, 1, c.Len())

	// Later steps record normally.
	c.Record(solid, tapAction(), split, 6)
	assert.Equal(t, 2, c.Len())
}

func TestRecordOverwritesMatchingSlot(t *testing.T) {
	c := New(DefaultOptions(), nil)
	split, _ := c.Fingerprint(splitScreen(t))
	solid, _ := c.Fingerprint(solidScreen(t))

	c.Record(split, tapAction(), solid, 1)
	e := c.Lookup(split, 2)
	require.True(t, c.VerifyAndCommit(e, solid, 2, true))

	longer := append(tapAction(), action.Action{Type: action.TypeWait, Raw: "wait()"})
	c.Record(split, longer, solid, 3)
	require.Equal(t, 1, c.Len())

	e = c.Lookup(split, 4)
	require.NotNil(t, e)
	assert.Len(t, e.Actions, 2)
	assert.Equal(t, 0, e.HitCount, "overwrite resets the reuse count")
}

func TestRecordIgnoresIncompleteInput(t *testing.T) {
	c := New(DefaultOptions(), nil)
	split, _ := c.Fingerprint(splitScreen(t))

	c.Record(Digest{}, tapAction(), split, 1)
	c.Record(split, nil, split, 1)
	c.Record(split, tapAction(), Digest{}, 1)
	assert.Equal(t, 0, c.Len())
}

func TestShouldCache(t *testing.T) {
	c := New(DefaultOptions(), nil)

	assert.False(t, c.ShouldCache(nil))
	assert.False(t, c.ShouldCache([]action.Action{{Type: action.TypeFinished}}))
	assert.False(t, c.ShouldCache([]action.Action{{Type: action.TypeCallUser}, {Type: action.TypeErrorEnv}}))
	assert.True(t, c.ShouldCache(tapAction()))
	assert.True(t, c.ShouldCache([]action.Action{{Type: action.TypeClick}, {Type: action.TypeFinished}}))
}
