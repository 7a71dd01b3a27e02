package spatialengine

import (
	"math"
	"sync/atomic"
)

// Live control ranges (§4.4).
const (
	MasterGainMin     = 0.1
	MasterGainMax     = 3.0
	FocusMin          = 0.2
	FocusMax          = 5.0
	MixLinearMin      = 0.316 // approx -10 dB
	MixLinearMax      = 3.162 // approx +10 dB
	smoothingTauSec   = 0.050 // 50 ms
	pauseFadeDuration = 0.008 // 8 ms
)

// atomicFloat64 is a lock-free float64, since sync/atomic has no native
// float type. Every live control value uses this.
type atomicFloat64 struct {
	bits atomic.Uint64
}

func (a *atomicFloat64) Store(v float64) { a.bits.Store(math.Float64bits(v)) }
func (a *atomicFloat64) Load() float64   { return math.Float64frombits(a.bits.Load()) }

// ControlState holds every live control atomic (§4.4 table). The OSC
// listener thread is the exclusive writer; the audio thread is the
// exclusive reader, snapshotting every field exactly once per block.
type ControlState struct {
	masterGain            atomicFloat64
	focus                 atomicFloat64
	loudspeakerMix         atomicFloat64
	subMix                 atomicFloat64
	focusAutoCompensation atomic.Bool
	paused                atomic.Bool
	elevationMode         atomic.Int32
}

// ControlDefaults seeds a ControlState, normally from CLI flags (§6).
type ControlDefaults struct {
	MasterGain     float64
	Focus          float64
	LoudspeakerMix float64
	SubMix         float64
	AutoComp       bool
	ElevationMode  ElevationMode
}

// NewControlState builds a ControlState from CLI-provided defaults,
// clamping every continuous value to its documented range.
func NewControlState(d ControlDefaults) *ControlState {
	cs := &ControlState{}
	cs.masterGain.Store(clamp(d.MasterGain, MasterGainMin, MasterGainMax))
	cs.focus.Store(clamp(d.Focus, FocusMin, FocusMax))
	cs.loudspeakerMix.Store(clamp(d.LoudspeakerMix, MixLinearMin, MixLinearMax))
	cs.subMix.Store(clamp(d.SubMix, MixLinearMin, MixLinearMax))
	cs.focusAutoCompensation.Store(d.AutoComp)
	cs.elevationMode.Store(int32(d.ElevationMode))
	return cs
}

func (cs *ControlState) SetMasterGain(v float64) { cs.masterGain.Store(clamp(v, MasterGainMin, MasterGainMax)) }
func (cs *ControlState) SetFocus(v float64)       { cs.focus.Store(clamp(v, FocusMin, FocusMax)) }
func (cs *ControlState) SetLoudspeakerMix(linear float64) {
	cs.loudspeakerMix.Store(clamp(linear, MixLinearMin, MixLinearMax))
}
func (cs *ControlState) SetSubMix(linear float64) {
	cs.subMix.Store(clamp(linear, MixLinearMin, MixLinearMax))
}
func (cs *ControlState) SetFocusAutoCompensation(v bool) { cs.focusAutoCompensation.Store(v) }
func (cs *ControlState) SetPaused(v bool)                { cs.paused.Store(v) }
func (cs *ControlState) SetElevationMode(m ElevationMode) { cs.elevationMode.Store(int32(m)) }

func (cs *ControlState) Paused() bool { return cs.paused.Load() }

// DBToLinear converts a decibel value to a linear amplitude multiplier, used
// to convert the OSC speaker_mix_db/sub_mix_db messages on receipt (§6).
func DBToLinear(db float64) float64 { return math.Pow(10, db/20) }

// targets is a single relaxed-equivalent snapshot of every raw live atomic,
// taken once per block (§4.4 step 1).
type targets struct {
	MasterGain     float64
	Focus          float64
	LoudspeakerMix float64
	SubMix         float64
	AutoComp       bool
	Paused         bool
	ElevationMode  ElevationMode
}

func (cs *ControlState) loadTargets() targets {
	return targets{
		MasterGain:     cs.masterGain.Load(),
		Focus:          cs.focus.Load(),
		LoudspeakerMix: cs.loudspeakerMix.Load(),
		SubMix:         cs.subMix.Load(),
		AutoComp:       cs.focusAutoCompensation.Load(),
		Paused:         cs.paused.Load(),
		ElevationMode:  ElevationMode(cs.elevationMode.Load()),
	}
}

// ControlSnapshot is the const, per-block struct Spatializer.RenderBlock
// consumes: smoothed continuous parameters plus the unsmoothed elevation
// mode (§4.4 step 4). It is never written back into ControlState.
type ControlSnapshot struct {
	MasterGain     float64
	Focus          float64
	LoudspeakerMix float64
	SubMix         float64
	ElevationMode  ElevationMode
	Paused         bool
}

// Control is the audio thread's exclusive mirror of the control plane: the
// exponential smoother, the pause-fade envelope, and frameCounter (§4.4,
// §5). Every non-atomic field here belongs to the audio thread alone; the
// main thread touches only the pendingAutoComp and publishedFocus atomics.
type Control struct {
	state *ControlState

	sampleRate int
	fadeFrames int

	smoothedGain   float64
	smoothedFocus  float64
	smoothedLSMix  float64
	smoothedSubMix float64

	prevPaused   bool
	prevAutoComp bool

	pauseFade float64
	fadeStep  float64

	frameCounter int64

	pendingAutoComp atomic.Bool

	// publishedFocus mirrors smoothedFocus for the main thread's
	// auto-compensation procedure, which must not read audio-thread-owned
	// fields directly.
	publishedFocus atomicFloat64
}

// NewControl initializes the audio thread's smoothed mirror to the current
// live targets, so playback does not fade in from zero at startup.
func NewControl(state *ControlState, sampleRate int) *Control {
	c := &Control{
		state:      state,
		sampleRate: sampleRate,
		fadeFrames: int(pauseFadeDuration * float64(sampleRate)),
		pauseFade:  1.0,
	}
	if c.fadeFrames < 1 {
		c.fadeFrames = 1
	}

	t := state.loadTargets()
	c.smoothedGain = t.MasterGain
	c.smoothedFocus = t.Focus
	c.smoothedLSMix = t.LoudspeakerMix
	c.smoothedSubMix = t.SubMix
	c.prevPaused = t.Paused
	c.prevAutoComp = t.AutoComp
	if t.Paused {
		c.pauseFade = 0
	}

	return c
}

// SnapshotAndSmooth runs §4.4 steps 1-3: load every atomic once, exponential
// smoothing of the continuous parameters, and pause/auto-comp edge
// detection. Returns the const snapshot for this block's Spatializer call.
func (c *Control) SnapshotAndSmooth(blockDurationSec float64) ControlSnapshot {
	t := c.state.loadTargets()

	alpha := 1 - math.Exp(-blockDurationSec/smoothingTauSec)
	c.smoothedGain += alpha * (t.MasterGain - c.smoothedGain)
	c.smoothedFocus += alpha * (t.Focus - c.smoothedFocus)
	c.smoothedLSMix += alpha * (t.LoudspeakerMix - c.smoothedLSMix)
	c.smoothedSubMix += alpha * (t.SubMix - c.smoothedSubMix)

	if t.Paused && !c.prevPaused {
		c.fadeStep = -1.0 / float64(c.fadeFrames)
	} else if !t.Paused && c.prevPaused {
		c.fadeStep = 1.0 / float64(c.fadeFrames)
	}
	c.prevPaused = t.Paused

	if t.AutoComp && !c.prevAutoComp {
		c.pendingAutoComp.Store(true)
	}
	c.prevAutoComp = t.AutoComp

	c.publishedFocus.Store(c.smoothedFocus)

	return ControlSnapshot{
		MasterGain:     c.smoothedGain,
		Focus:          c.smoothedFocus,
		LoudspeakerMix: c.smoothedLSMix,
		SubMix:         c.smoothedSubMix,
		ElevationMode:  t.ElevationMode,
		Paused:         t.Paused,
	}
}

// FullyPaused reports whether the pause-fade envelope is at rest at zero
// (fade-out complete, no fade-in armed) — the condition under which the
// engine may skip rendering entirely and emit silence directly (§4.4 step 6).
func (c *Control) FullyPaused() bool {
	return c.pauseFade == 0 && c.fadeStep <= 0
}

// ApplyPauseFade runs §4.4 step 5: per-sample multiply of every output
// channel by the pause-fade envelope, advancing it by fadeStep each sample
// and clamping to [0,1].
func (c *Control) ApplyPauseFade(buf RenderBuffer, numFrames int) {
	for i := 0; i < numFrames; i++ {
		g := float32(c.pauseFade)
		if g != 1.0 {
			for _, row := range buf {
				row[i] *= g
			}
		}

		c.pauseFade += c.fadeStep
		if c.pauseFade <= 0 {
			c.pauseFade = 0
			c.fadeStep = 0
		} else if c.pauseFade >= 1 {
			c.pauseFade = 1
			c.fadeStep = 0
		}
	}
}

// AdvanceFrameCounter runs §4.4 step 6 / invariant I4: frameCounter advances
// unless the block ended fully paused.
func (c *Control) AdvanceFrameCounter(numFrames int) {
	if c.pauseFade == 0 && c.fadeStep == 0 {
		return
	}
	c.frameCounter += int64(numFrames)
}

// FrameCounter returns the current playback frame position.
func (c *Control) FrameCounter() int64 { return c.frameCounter }

// PlaybackTimeSec returns the current playback position in seconds, the
// input to Pose.ComputePositions's block-center-time query.
func (c *Control) PlaybackTimeSec(blockCenterOffsetFrames int64) float64 {
	return float64(c.frameCounter+blockCenterOffsetFrames) / float64(c.sampleRate)
}

// PublishedFocus returns the most recent smoothed focus value published by
// the audio thread, safe to read from the main thread's monitor loop.
func (c *Control) PublishedFocus() float64 { return c.publishedFocus.Load() }

// ConsumePendingAutoComp reports and clears the auto-compensation-requested
// flag, for the main thread's monitor loop (§4.3 "Focus auto-compensation").
func (c *Control) ConsumePendingAutoComp() bool {
	return c.pendingAutoComp.CompareAndSwap(true, false)
}
