package spatialengine

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// bufferState is the per-slot state machine driving the double-buffered
// per-source streaming protocol (§4.1, §5).
type bufferState int32

const (
	bufEmpty bufferState = iota
	bufLoading
	bufReady
	bufPlaying
)

// DefaultChunkSeconds is the design-target chunk duration (§3).
const DefaultChunkSeconds = 5.0

// loaderPollInterval is how often the background loader checks for work.
const loaderPollInterval = 2 * time.Millisecond

// admLFEChannelIndex is the hardcoded 0-based channel index for sources
// labeled "LFE" in multichannel mode, encoding the standard ADM LFE
// position. Open issue per §9: implementations targeting other ADM
// channel-order conventions must parameterize this.
const admLFEChannelIndex = 3

type bufferSlot struct {
	data        []float32
	state       atomic.Int32 // bufferState
	chunkStart  atomic.Int64
	validFrames atomic.Int64
}

// SourceStream is one source's double-buffered mono audio: either backed by
// its own mono WAV file, or a channel index into a shared multichannel
// reader. Exactly one of file / channelIndex>=0 applies.
type SourceStream struct {
	key   string
	isLFE bool

	buffers [2]bufferSlot
	active  atomic.Int32

	totalFrames int64

	underrunCount atomic.Int64

	file         *wavFile // mono mode
	channelIndex int      // multichannel mode; -1 if unused
}

// multichannelReader is the shared interleaved-file state for multichannel
// mode: one file, one scratch buffer, one shared chunk cursor serving every
// mapped source per loader cycle (§4.1, §9 "Multichannel-direct mode").
type multichannelReader struct {
	file        *wavFile
	channels    int
	totalFrames int64
	scratch     []float32 // interleaved chunkFrames * channels
	nextStart   int64
}

// Streaming is the bounded-memory streaming layer (§4.1, component C1): it
// owns every SourceStream, the background loader goroutine, and (in
// multichannel mode) the shared interleaved reader.
type Streaming struct {
	logger *log.Logger

	chunkFrames int64
	sampleRate  int

	streams []*SourceStream
	byKey   map[string]*SourceStream

	mc *multichannelReader

	loaderRunning atomic.Bool
	loaderDone    chan struct{}

	skippedChannelsLogged map[string]bool
}

// LoadSceneMono opens one mono WAV file per source (§4.1 loadSceneMono),
// validating each is single-channel and matches sampleRate, and starts the
// background loader thread.
func LoadSceneMono(scene *Scene, sourcesDir string, chunkSeconds float64, logger *log.Logger) (*Streaming, error) {
	s := newStreaming(scene.SampleRate, chunkSeconds, logger)

	for _, key := range scene.Keys {
		src := scene.Sources[key]

		path := filepath.Join(sourcesDir, key+".wav")
		wf, err := probeWAV(path)
		if err != nil {
			return nil, err
		}

		if wf.channels != 1 {
			wf.f.Close()
			return nil, fmt.Errorf("%w: source %q file %s is not single-channel (has %d)", ErrSource, key, path, wf.channels)
		}
		if wf.sampleRate != scene.SampleRate {
			wf.f.Close()
			return nil, fmt.Errorf("%w: source %q file %s sample rate %d does not match scene sample rate %d", ErrSource, key, path, wf.sampleRate, scene.SampleRate)
		}

		stream := s.newStream(key, src.IsLFE, wf.totalFrames)
		stream.file = wf
		stream.channelIndex = -1

		s.streams = append(s.streams, stream)
		s.byKey[key] = stream
	}

	s.loaderRunning.Store(true)
	go s.runMonoLoader()

	return s, nil
}

// LoadSceneMultichannel opens a single interleaved multichannel WAV file
// (§4.1 loadSceneMultichannel), maps every source key to a file channel
// index (channel mapping rules below), and starts the loader thread in
// multichannel mode.
func LoadSceneMultichannel(scene *Scene, admPath string, chunkSeconds float64, logger *log.Logger) (*Streaming, error) {
	s := newStreaming(scene.SampleRate, chunkSeconds, logger)

	wf, err := probeWAV(admPath)
	if err != nil {
		return nil, err
	}
	if wf.sampleRate != scene.SampleRate {
		wf.f.Close()
		return nil, fmt.Errorf("%w: adm file %s sample rate %d does not match scene sample rate %d", ErrSource, admPath, wf.sampleRate, scene.SampleRate)
	}

	mc := &multichannelReader{
		file:        wf,
		channels:    wf.channels,
		totalFrames: wf.totalFrames,
		scratch:     make([]float32, s.chunkFrames*int64(wf.channels)),
	}
	s.mc = mc

	for _, key := range scene.Keys {
		src := scene.Sources[key]

		channel, ok := mapChannel(key, src.IsLFE)
		if !ok || channel >= wf.channels {
			if !s.skippedChannelsLogged[key] {
				s.skippedChannelsLogged[key] = true
				logger.Warn("source has no valid adm channel mapping, skipping", "source", key, "fileChannels", wf.channels)
			}
			continue
		}

		stream := s.newStream(key, src.IsLFE, wf.totalFrames)
		stream.channelIndex = channel

		s.streams = append(s.streams, stream)
		s.byKey[key] = stream
	}

	s.loaderRunning.Store(true)
	go s.runMultichannelLoader()

	return s, nil
}

func newStreaming(sampleRate int, chunkSeconds float64, logger *log.Logger) *Streaming {
	if chunkSeconds <= 0 {
		chunkSeconds = DefaultChunkSeconds
	}
	return &Streaming{
		logger:                 logger,
		chunkFrames:            int64(chunkSeconds * float64(sampleRate)),
		sampleRate:             sampleRate,
		byKey:                  make(map[string]*SourceStream),
		loaderDone:             make(chan struct{}),
		skippedChannelsLogged:  make(map[string]bool),
	}
}

func (s *Streaming) newStream(key string, isLFE bool, totalFrames int64) *SourceStream {
	st := &SourceStream{
		key:         key,
		isLFE:       isLFE,
		totalFrames: totalFrames,
	}
	st.buffers[0].data = make([]float32, s.chunkFrames)
	st.buffers[1].data = make([]float32, s.chunkFrames)

	// Bootstrap: the "active" slot starts as if its chunk ended exactly
	// one chunk before frame 0, so the very first GetBlock call's switch
	// check looks for a freshly loaded chunk starting at frame 0.
	st.buffers[0].chunkStart.Store(-s.chunkFrames)
	st.buffers[0].validFrames.Store(0)
	st.buffers[0].state.Store(int32(bufEmpty))
	st.buffers[1].state.Store(int32(bufEmpty))

	return st
}

// mapChannel implements the §4.1 channel-mapping contract: "N.M" maps to
// 0-based index N-1, and any LFE-flagged source (or key "LFE") maps to the
// hardcoded ADM LFE channel.
func mapChannel(key string, isLFE bool) (int, bool) {
	if isLFE || key == "LFE" {
		return admLFEChannelIndex, true
	}

	dot := strings.IndexByte(key, '.')
	if dot <= 0 {
		return 0, false
	}

	n, err := strconv.Atoi(key[:dot])
	if err != nil || n <= 0 {
		return 0, false
	}

	return n - 1, true
}

// GetBlock is the audio-thread call (§4.1): writes exactly numFrames samples
// into outBuf, switching buffer slots as needed, never blocking, and never
// allocating. Unknown source keys and underruns both produce silence.
func (s *Streaming) GetBlock(sourceKey string, startFrame int64, numFrames int, outBuf []float32) {
	stream, ok := s.byKey[sourceKey]
	if !ok {
		clear(outBuf[:numFrames])
		return
	}
	stream.getBlock(startFrame, numFrames, outBuf, s.chunkFrames)
}

func (st *SourceStream) getBlock(startFrame int64, numFrames int, outBuf []float32, chunkFrames int64) {
	activeIdx := st.active.Load()
	active := &st.buffers[activeIdx]

	chunkStart := active.chunkStart.Load()
	validFrames := active.validFrames.Load()

	if startFrame >= chunkStart+validFrames {
		nextStart := wrapChunkStart(chunkStart+chunkFrames, st.totalFrames)

		inactiveIdx := 1 - activeIdx
		inactive := &st.buffers[inactiveIdx]

		if bufferState(inactive.state.Load()) == bufReady && inactive.chunkStart.Load() == nextStart {
			active.state.Store(int32(bufEmpty))
			inactive.state.Store(int32(bufPlaying))
			st.active.Store(inactiveIdx)

			active = inactive
			chunkStart = active.chunkStart.Load()
			validFrames = active.validFrames.Load()
		}
	}

	localOffset := startFrame - chunkStart
	if localOffset < 0 || localOffset >= chunkFrames {
		st.underrunCount.Add(1)
		clear(outBuf[:numFrames])
		return
	}

	available := validFrames - localOffset
	if available < 0 {
		available = 0
	}

	toCopy := int64(numFrames)
	if toCopy > available {
		toCopy = available
	}

	if toCopy > 0 {
		copy(outBuf[:toCopy], active.data[localOffset:localOffset+toCopy])
	}
	if toCopy < int64(numFrames) {
		if toCopy > 0 && validFrames == chunkFrames {
			// The block runs past the end of a full chunk: continue from the
			// next chunk, switching slots if it is ready.
			st.getBlock(startFrame+toCopy, numFrames-int(toCopy), outBuf[toCopy:], chunkFrames)
			return
		}
		st.underrunCount.Add(1)
		clear(outBuf[toCopy:numFrames])
	}
}

func wrapChunkStart(next, totalFrames int64) int64 {
	if totalFrames > 0 && next >= totalFrames {
		return 0
	}
	return next
}

// UnderrunCount returns the per-source underrun counter for the main
// thread's statistics loop (§7).
func (s *Streaming) UnderrunCount(sourceKey string) int64 {
	if st, ok := s.byKey[sourceKey]; ok {
		return st.underrunCount.Load()
	}
	return 0
}

// TotalUnderruns sums the underrun counter across every source, for the
// engine's diagnostics snapshot.
func (s *Streaming) TotalUnderruns() int64 {
	var total int64
	for _, st := range s.streams {
		total += st.underrunCount.Load()
	}
	return total
}

func (s *Streaming) runMonoLoader() {
	defer close(s.loaderDone)

	ticker := time.NewTicker(loaderPollInterval)
	defer ticker.Stop()

	for s.loaderRunning.Load() {
		for _, st := range s.streams {
			s.fillMonoChunkIfNeeded(st)
		}
		<-ticker.C
	}
}

func (s *Streaming) fillMonoChunkIfNeeded(st *SourceStream) {
	activeIdx := st.active.Load()
	active := &st.buffers[activeIdx]
	inactiveIdx := 1 - activeIdx
	inactive := &st.buffers[inactiveIdx]

	if bufferState(inactive.state.Load()) != bufEmpty {
		return
	}

	nextStart := wrapChunkStart(active.chunkStart.Load()+s.chunkFrames, st.totalFrames)

	inactive.state.Store(int32(bufLoading))

	n, err := st.file.readFrames(nextStart, int(s.chunkFrames), inactive.data)
	if err != nil && !errors.Is(err, io.EOF) {
		s.logger.Error("source read failed", "source", st.key, "err", err)
		inactive.state.Store(int32(bufEmpty))
		return
	}
	if n < int(s.chunkFrames) {
		clear(inactive.data[n:])
	}

	inactive.chunkStart.Store(nextStart)
	inactive.validFrames.Store(int64(n))
	inactive.state.Store(int32(bufReady))
}

func (s *Streaming) runMultichannelLoader() {
	defer close(s.loaderDone)

	ticker := time.NewTicker(loaderPollInterval)
	defer ticker.Stop()

	for s.loaderRunning.Load() {
		s.fillMultichannelChunkIfNeeded()
		<-ticker.C
	}
}

func (s *Streaming) fillMultichannelChunkIfNeeded() {
	mc := s.mc

	needed := false
	for _, st := range s.streams {
		if s.streamWantsChunk(st, mc.nextStart) {
			needed = true
			break
		}
	}
	if !needed {
		return
	}

	n, err := mc.file.readInterleavedFrames(mc.nextStart, int(s.chunkFrames), mc.scratch)
	if err != nil && !errors.Is(err, io.EOF) {
		s.logger.Error("adm read failed", "err", err)
		return
	}
	if n < int(s.chunkFrames) {
		clear(mc.scratch[n*mc.channels:])
	}

	for _, st := range s.streams {
		if !s.streamWantsChunk(st, mc.nextStart) {
			continue
		}

		inactiveIdx := 1 - st.active.Load()
		inactive := &st.buffers[inactiveIdx]

		inactive.state.Store(int32(bufLoading))
		deinterleaveChannel(mc.scratch, st.channelIndex, mc.channels, int(s.chunkFrames), inactive.data)
		inactive.chunkStart.Store(mc.nextStart)
		inactive.validFrames.Store(int64(n))
		inactive.state.Store(int32(bufReady))
	}

	mc.nextStart = wrapChunkStart(mc.nextStart+s.chunkFrames, mc.totalFrames)
}

func (s *Streaming) streamWantsChunk(st *SourceStream, chunkStart int64) bool {
	activeIdx := st.active.Load()
	active := &st.buffers[activeIdx]
	inactiveIdx := 1 - activeIdx
	inactive := &st.buffers[inactiveIdx]

	expected := wrapChunkStart(active.chunkStart.Load()+s.chunkFrames, st.totalFrames)
	return bufferState(inactive.state.Load()) == bufEmpty && expected == chunkStart
}

func deinterleaveChannel(interleaved []float32, channel, channels, frames int, dst []float32) {
	for i := 0; i < frames; i++ {
		idx := i*channels + channel
		if idx >= len(interleaved) {
			dst[i] = 0
			continue
		}
		dst[i] = interleaved[idx]
	}
}

// Shutdown signals the loader thread to exit, joins it, then closes file
// handles (§4.1). Precondition: the audio thread must have already stopped.
func (s *Streaming) Shutdown() {
	s.loaderRunning.Store(false)
	<-s.loaderDone

	for _, st := range s.streams {
		if st.file != nil {
			st.file.f.Close()
		}
	}
	if s.mc != nil {
		s.mc.file.f.Close()
	}
}
