package spatialengine

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gordonklaus/portaudio"
)

// EngineConfig collects everything needed to build an Engine, mirroring the
// CLI surface of §6.
type EngineConfig struct {
	Layout  *Layout
	Scene   *Scene
	Remap   *Remap
	Streaming *Streaming

	SampleRate int
	BufferSize int

	Defaults ControlDefaults
	OSCPort  int

	Logger *log.Logger
}

// Engine wires Streaming, Pose, Spatializer, Control, Remap and the
// real-time output device together (§1, §2). It owns the audio thread's
// portaudio callback and the main-thread monitor loop.
type Engine struct {
	logger *log.Logger

	layout    *Layout
	streaming *Streaming
	pose      *Pose
	spat      *Spatializer
	control   *Control
	remap     *Remap

	controlState *ControlState
	paramServer  *ParameterServer

	stream     *portaudio.Stream
	sampleRate int
	bufferSize int

	deviceBuf [][]float32

	monitorDone chan struct{}
	monitorWG   chan struct{}

	publishedFrame atomic.Int64
}

// NewEngine builds every component but does not yet bind the control port or
// open the audio device (§5: device/socket binding happens in Start, in the
// order that makes stdout-sentinel and shutdown ordering possible).
func NewEngine(cfg EngineConfig) (*Engine, error) {
	controlState := NewControlState(cfg.Defaults)

	pose := NewPose(cfg.Scene, cfg.Layout)

	spat := NewSpatializer(cfg.Layout, cfg.BufferSize, cfg.Defaults.Focus)

	deviceChannels := cfg.Remap.DeviceChannels()
	deviceBuf := make([][]float32, deviceChannels)
	for i := range deviceBuf {
		deviceBuf[i] = make([]float32, cfg.BufferSize)
	}

	return &Engine{
		logger:         cfg.Logger,
		layout:         cfg.Layout,
		streaming:      cfg.Streaming,
		pose:           pose,
		spat:           spat,
		remap:          cfg.Remap,
		controlState:   controlState,
		control:        NewControl(controlState, cfg.SampleRate),
		sampleRate:     cfg.SampleRate,
		bufferSize:     cfg.BufferSize,
		deviceBuf:   deviceBuf,
		monitorDone: make(chan struct{}),
		monitorWG:   make(chan struct{}),
	}, nil
}

// ControlState exposes the live control atomics, e.g. for a CLI that wants
// to apply a one-shot flag before the OSC listener takes over.
func (e *Engine) ControlState() *ControlState { return e.controlState }

// Start binds the control port, opens the audio device, and begins
// streaming (§5). The stdout sentinel line must be printed by the caller
// immediately after Start returns successfully, using SentinelLine().
func (e *Engine) Start(oscPort int) error {
	server, err := NewParameterServer(oscPort, e.controlState, e.logger)
	if err != nil {
		return err
	}
	e.paramServer = server
	go server.Serve()

	if err := portaudio.Initialize(); err != nil {
		server.Stop()
		return fmt.Errorf("%w: initializing portaudio: %v", ErrDevice, err)
	}

	stream, err := portaudio.OpenDefaultStream(0, len(e.deviceBuf), float64(e.sampleRate), e.bufferSize, e.audioCallback)
	if err != nil {
		portaudio.Terminate()
		server.Stop()
		return fmt.Errorf("%w: opening output stream: %v", ErrDevice, err)
	}
	e.stream = stream

	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		server.Stop()
		return fmt.Errorf("%w: starting output stream: %v", ErrDevice, err)
	}

	go e.monitorLoop()

	return nil
}

// SentinelLine returns the stdout synchronization line required by §6,
// valid only after a successful Start.
func (e *Engine) SentinelLine() string { return e.paramServer.SentinelLine() }

// audioCallback is the audio thread entry point (§4.3/§4.4/§4.5, per-block
// order). It must not allocate, block, or take a lock.
func (e *Engine) audioCallback(out [][]float32) {
	numFrames := len(out[0])

	ctrl := e.control.SnapshotAndSmooth(float64(numFrames) / float64(e.sampleRate))

	if ctrl.Paused && e.control.FullyPaused() {
		for _, row := range out {
			clear(row[:numFrames])
		}
		e.control.AdvanceFrameCounter(numFrames)
		return
	}

	frame := e.control.FrameCounter()
	blockCenterTimeSec := (float64(frame) + float64(numFrames)/2) / float64(e.sampleRate)
	e.pose.ComputePositions(blockCenterTimeSec, ctrl.ElevationMode)

	e.spat.RenderBlock(e.streaming, e.pose.Outputs(), frame, numFrames, ctrl)

	render := e.spat.RenderBuffer()
	if e.remap.IsIdentity() {
		for i, row := range out {
			copy(row[:numFrames], render[i][:numFrames])
		}
	} else {
		e.remap.Apply(render, e.deviceBuf, numFrames)
		for i, row := range out {
			copy(row[:numFrames], e.deviceBuf[i][:numFrames])
		}
	}

	e.control.ApplyPauseFade(out, numFrames)
	e.control.AdvanceFrameCounter(numFrames)

	e.publishedFrame.Store(e.control.FrameCounter())
}

// monitorLoop is the main-thread monitoring loop of §5/§7: it drains the
// one-shot pose fallback flags and the pendingAutoComp flag. The audio
// thread only sets these flags; consuming them, logging, and running
// auto-compensation happen here, never on the audio thread.
func (e *Engine) monitorLoop() {
	defer close(e.monitorWG)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-e.monitorDone:
			return
		case <-ticker.C:
			e.drainFallbackLogs()

			if e.control.ConsumePendingAutoComp() {
				ratio := e.spat.ComputeFocusAutoCompensation(e.control.PublishedFocus())
				e.controlState.SetLoudspeakerMix(ratio)
				if e.logger != nil {
					e.logger.Info("applied focus auto-compensation", "loudspeaker_mix", ratio)
				}
			}

			if n := e.streaming.TotalUnderruns(); n > 0 && e.logger != nil {
				e.logger.Debug("stream underruns observed", "count", n)
			}
		}
	}
}

func (e *Engine) drainFallbackLogs() {
	for _, key := range e.pose.DrainFallbackLogs() {
		if e.logger != nil {
			e.logger.Warn("source direction fell back to last-good/front", "source", key)
		}
	}
}

// Stats is a read-only snapshot of engine health for diagnostics (not part
// of the spec's core contract, supplemented for operability).
type Stats struct {
	FrameCounter   int64
	TotalFallbacks int64
	TotalUnderruns int64
}

// Stats returns a point-in-time snapshot, safe to call from any thread.
func (e *Engine) Stats() Stats {
	return Stats{
		FrameCounter:   e.publishedFrame.Load(),
		TotalFallbacks: e.pose.TotalFallbackCount(),
		TotalUnderruns: e.streaming.TotalUnderruns(),
	}
}

// Stop runs the mandatory shutdown ordering of §5: stop the audio callback,
// stop the loader, stop the control listener, close files.
func (e *Engine) Stop() {
	if e.stream != nil {
		e.stream.Stop()
		e.stream.Close()
		portaudio.Terminate()
	}

	close(e.monitorDone)
	<-e.monitorWG

	// Stop and join the loader before the control listener; Shutdown below
	// then finds the loader already gone and only closes the source files.
	e.streaming.loaderRunning.Store(false)
	<-e.streaming.loaderDone

	if e.paramServer != nil {
		e.paramServer.Stop()
	}

	e.streaming.Shutdown()
}
