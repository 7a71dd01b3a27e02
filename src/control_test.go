package spatialengine

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultControlDefaults() ControlDefaults {
	return ControlDefaults{
		MasterGain:     0.5,
		Focus:          1.5,
		LoudspeakerMix: 1.0,
		SubMix:         1.0,
		ElevationMode:  ElevationModeClamp,
	}
}

func Test_ControlState_ClampsOutOfRangeSetters(t *testing.T) {
	cs := NewControlState(defaultControlDefaults())

	cs.SetMasterGain(100)
	assert.Equal(t, MasterGainMax, cs.masterGain.Load())

	cs.SetFocus(-5)
	assert.Equal(t, FocusMin, cs.focus.Load())

	cs.SetLoudspeakerMix(50)
	assert.Equal(t, MixLinearMax, cs.loudspeakerMix.Load())
}

func Test_DBToLinear(t *testing.T) {
	assert.InDelta(t, 1.0, DBToLinear(0), 1e-9)
	assert.InDelta(t, 2.0, DBToLinear(20*math.Log10(2)), 1e-6)
}

func Test_Control_SmoothingConvergesGeometrically(t *testing.T) {
	cs := NewControlState(defaultControlDefaults())
	c := NewControl(cs, 48000)

	cs.SetMasterGain(2.0)

	blockDur := 512.0 / 48000.0
	var snap ControlSnapshot
	for i := 0; i < 5; i++ {
		snap = c.SnapshotAndSmooth(blockDur)
	}

	assert.Greater(t, snap.MasterGain, 1.5*0.95, "after 5 blocks at tau=50ms (alpha about 0.19) masterGain has covered about two thirds of the step from 0.5 to 2.0, reaching about 1.48")
}

func Test_Control_ElevationModeIsNeverSmoothed(t *testing.T) {
	cs := NewControlState(defaultControlDefaults())
	c := NewControl(cs, 48000)

	cs.SetElevationMode(ElevationModeRescaleFullSphere)
	snap := c.SnapshotAndSmooth(512.0 / 48000.0)

	assert.Equal(t, ElevationModeRescaleFullSphere, snap.ElevationMode)
}

func Test_Control_PauseFadeOutThenFreeze(t *testing.T) {
	cs := NewControlState(defaultControlDefaults())
	c := NewControl(cs, 48000)
	c.fadeFrames = 8 // shrink the ramp so a single 512-frame block can complete it

	cs.SetPaused(true)
	snap := c.SnapshotAndSmooth(512.0 / 48000.0)
	require.True(t, snap.Paused)

	buf := newRenderBuffer(1, 512)
	for _, row := range buf {
		for i := range row {
			row[i] = 1.0
		}
	}
	c.ApplyPauseFade(buf, 512)

	assert.Equal(t, float32(0), buf[0][511], "fade-out should reach zero well before the block ends")
	assert.True(t, c.FullyPaused())

	frameBefore := c.FrameCounter()
	c.AdvanceFrameCounter(512)
	assert.Equal(t, frameBefore, c.FrameCounter(), "frameCounter freezes once fully paused")

	// A second fully-paused block: envelope stays at zero throughout.
	c.SnapshotAndSmooth(512.0 / 48000.0)
	buf2 := newRenderBuffer(1, 512)
	for i := range buf2[0] {
		buf2[0][i] = 1.0
	}
	c.ApplyPauseFade(buf2, 512)
	for _, s := range buf2[0] {
		assert.Equal(t, float32(0), s)
	}
}

func Test_Control_PauseFadeInOnResume(t *testing.T) {
	cs := NewControlState(defaultControlDefaults())
	c := NewControl(cs, 48000)
	c.fadeFrames = 8
	c.pauseFade = 0
	c.prevPaused = true

	cs.SetPaused(false)
	snap := c.SnapshotAndSmooth(512.0 / 48000.0)
	require.False(t, snap.Paused)

	buf := newRenderBuffer(1, 512)
	for i := range buf[0] {
		buf[0][i] = 1.0
	}
	c.ApplyPauseFade(buf, 512)

	assert.Equal(t, float32(1), buf[0][511], "fade-in should reach full volume well before the block ends")
	assert.False(t, c.FullyPaused())
}

func Test_Control_PendingAutoCompEdgeTriggered(t *testing.T) {
	cs := NewControlState(defaultControlDefaults())
	c := NewControl(cs, 48000)

	assert.False(t, c.ConsumePendingAutoComp())

	cs.SetFocusAutoCompensation(true)
	c.SnapshotAndSmooth(512.0 / 48000.0)

	assert.True(t, c.ConsumePendingAutoComp())
	assert.False(t, c.ConsumePendingAutoComp(), "flag is one-shot")
}
